package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/multierr"

	"github.com/devilmonastery/bioverify/bot/internal/bot"
	"github.com/devilmonastery/bioverify/bot/internal/config"
	botmetrics "github.com/devilmonastery/bioverify/bot/internal/metrics"
	"github.com/devilmonastery/bioverify/internal/domain/repositories"
	"github.com/devilmonastery/bioverify/internal/domain/services"
	"github.com/devilmonastery/bioverify/internal/infrastructure/database/postgres"
	"github.com/devilmonastery/bioverify/internal/infrastructure/dynamo"
	"github.com/devilmonastery/bioverify/internal/infrastructure/filestore"
	"github.com/devilmonastery/bioverify/internal/infrastructure/profile"
	"github.com/devilmonastery/bioverify/migrations"
)

// app holds the verification engine and its Discord side effects
type app struct {
	cfg        *config.Config
	log        *slog.Logger
	session    *discordgo.Session
	store      *services.VerificationStore
	svc        *services.VerificationService
	reconciler *services.Reconciler
}

// newApp builds every component from cfg. The Discord session is created but
// not opened; REST calls work without the gateway.
func newApp(ctx context.Context, cfg *config.Config, log *slog.Logger) (*app, error) {
	base, err := url.Parse(cfg.Verification.ProfileBaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid profile_base_url: %w", err)
	}
	transport := botmetrics.NewMetricsTransport(http.DefaultTransport, base.Hostname())

	session, err := bot.NewSession(cfg.Bot.Token, transport)
	if err != nil {
		return nil, err
	}

	file, err := filestore.Open(cfg.Storage.FilePath, log)
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}

	durable, err := openDurable(ctx, cfg.Storage.Durable, log)
	if err != nil {
		file.Close()
		return nil, err
	}

	store := services.NewVerificationStore(durable, file, log)

	v := cfg.Verification
	fetcher := profile.NewFetcher(profile.Config{
		BaseURL:           v.ProfileBaseURL,
		Timeout:           v.FetchTimeout,
		UserAgent:         v.UserAgent,
		RequestsPerSecond: v.RequestsPerSecond,
		Burst:             v.Burst,
	}, transport, log)

	svc := services.NewVerificationService(
		store,
		fetcher,
		services.NewMatcher(services.Substitution{From: v.Substitution.From, To: v.Substitution.To}),
		services.NewCodeGenerator(bot.NewNamer(session, session.State), log),
		bot.NewDispatcher(session, log),
		services.RetryPolicy{MaxAttempts: v.ForegroundAttempts, Delay: v.ForegroundDelay},
		log,
	)

	reconciler := services.NewReconciler(svc, services.ReconcilerConfig{
		Interval:   v.SweepInterval,
		Policy:     services.RetryPolicy{MaxAttempts: v.SweepAttempts, Delay: v.SweepDelay},
		StaleAfter: v.StaleAfter,
	}, log)

	return &app{
		cfg:        cfg,
		log:        log,
		session:    session,
		store:      store,
		svc:        svc,
		reconciler: reconciler,
	}, nil
}

// openDurable connects the configured primary backend, or returns nil when
// the bot runs on the local file alone
func openDurable(ctx context.Context, cfg config.DurableConfig, log *slog.Logger) (repositories.VerificationRepository, error) {
	switch cfg.Driver {
	case config.DriverNone:
		return nil, nil

	case config.DriverPostgres:
		conn, err := postgres.NewConnection(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, err
		}
		if err := conn.RunMigrations(migrations.FS); err != nil {
			conn.Close()
			return nil, err
		}
		log.Info("using postgres durable store")
		return postgres.NewVerificationRepository(conn), nil

	case config.DriverDynamoDB:
		d := cfg.DynamoDB
		client, err := dynamo.NewClient(ctx, dynamo.ClientConfig{
			Region:          d.Region,
			EndpointURL:     d.EndpointURL,
			AccessKeyID:     d.AccessKeyID,
			SecretAccessKey: d.SecretAccessKey,
		})
		if err != nil {
			return nil, err
		}
		tables := dynamo.Tables{
			Pending:     d.Tables.Pending,
			Verified:    d.Tables.Verified,
			Communities: d.Tables.Communities,
		}
		if d.Bootstrap {
			if err := dynamo.Bootstrap(ctx, client, tables, log); err != nil {
				return nil, err
			}
		}
		log.Info("using dynamodb durable store", slog.String("region", d.Region))
		return dynamo.NewVerificationRepository(client, tables), nil

	default:
		return nil, fmt.Errorf("unknown durable driver %q", cfg.Driver)
	}
}

// seedCommunities stores the trust roles listed in the config
func (a *app) seedCommunities(ctx context.Context) error {
	var errs error
	for _, c := range a.cfg.Communities {
		errs = multierr.Append(errs, a.svc.ConfigureCommunity(ctx, c.CommunityID, c.TrustRoleID))
	}
	return errs
}

// Close flushes pending file mirrors and releases the store
func (a *app) Close() error {
	a.store.Flush()
	return a.store.Close()
}

var errMissingArgs = errors.New("community id and member id are required")
