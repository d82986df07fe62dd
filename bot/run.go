package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/devilmonastery/bioverify/bot/internal/bot"
	"github.com/devilmonastery/bioverify/bot/internal/config"
	botmetrics "github.com/devilmonastery/bioverify/bot/internal/metrics"
	"github.com/devilmonastery/bioverify/internal/pkg/logger"
)

const shutdownTimeout = 15 * time.Second

func newRunCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the Discord bot",
		Long:  `Start the Discord bot, the background sweep, and the metrics listener when configured.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}

			log.Info("starting bioverify bot",
				slog.String("version", "0.1.0"),
				slog.String("config", flags.configPath),
				slog.String("durable_driver", cfg.Storage.Durable.Driver),
			)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, log)
			if err != nil {
				return fmt.Errorf("failed to build app: %w", err)
			}
			defer func() {
				if err := a.Close(); err != nil {
					log.Error("failed to close store", slog.String("error", err.Error()))
				}
			}()

			if err := a.seedCommunities(ctx); err != nil {
				return fmt.Errorf("failed to seed communities: %w", err)
			}

			var metricsServer *botmetrics.Server
			if cfg.Metrics.Listen != "" {
				metricsServer = botmetrics.NewServer(cfg.Metrics.Listen, a.store.Healthy, log)
				metricsServer.Start()
			}

			b := bot.New(a.session, a.svc, log)
			if err := b.Start(); err != nil {
				return fmt.Errorf("failed to start bot: %w", err)
			}

			if err := a.reconciler.Start(ctx); err != nil {
				b.Stop(context.Background())
				return err
			}

			log.Info("bot started successfully")
			<-ctx.Done()
			log.Info("shutting down bot")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()

			a.reconciler.Stop()
			if metricsServer != nil {
				if err := metricsServer.Shutdown(shutdownCtx); err != nil {
					log.Warn("metrics server shutdown", slog.String("error", err.Error()))
				}
			}
			if err := b.Stop(shutdownCtx); err != nil {
				log.Error("error during shutdown", slog.String("error", err.Error()))
				return err
			}

			log.Info("bot stopped")
			return nil
		},
	}
}

// loadConfig reads the config file and builds the logger. Flags that were set
// explicitly override the file's logging settings.
func loadConfig(cmd *cobra.Command, flags *globalFlags) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	level, format := cfg.Logging.Level, cfg.Logging.Format
	if cmd.Flags().Changed("log-level") {
		level = flags.logLevel
	}
	if cmd.Flags().Changed("log-format") {
		format = flags.logFormat
	}

	log, err := logger.SetupLogger(logger.Config{
		Level:       logger.ParseLevel(level),
		LogFile:     cfg.Logging.File,
		LogToStderr: true,
		Format:      format,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to set up logger: %w", err)
	}
	return cfg, log, nil
}
