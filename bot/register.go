package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/devilmonastery/bioverify/bot/internal/bot"
)

func newRegisterCommand(flags *globalFlags) *cobra.Command {
	var guildID string

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register the /verify slash command with Discord",
		Long: `Register the /verify slash command with Discord.
Use --guild for testing (instant); without it the command is registered globally,
which can take up to an hour to propagate. Registration replaces every command
the application had before.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}

			session, err := bot.NewSession(cfg.Bot.Token, nil)
			if err != nil {
				return err
			}

			registered, err := bot.RegisterCommands(session, cfg.Bot.ApplicationID, guildID)
			if err != nil {
				return err
			}
			for _, c := range registered {
				log.Info("registered command",
					slog.String("name", c.Name),
					slog.String("id", c.ID),
					slog.String("guild_id", guildID))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "registered %d command(s)\n", len(registered))
			return nil
		},
	}

	cmd.Flags().StringVar(&guildID, "guild", "", "guild ID to register commands in (omit for global)")
	return cmd
}
