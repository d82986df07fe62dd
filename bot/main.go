package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// globalFlags are shared by every subcommand
type globalFlags struct {
	configPath string
	logLevel   string
	logFormat  string
}

func newRootCommand() *cobra.Command {
	flags := &globalFlags{}

	cmd := &cobra.Command{
		Use:   "bioverify-bot",
		Short: "Discord bot that verifies profile ownership with bio codes",
		Long: `bioverify-bot issues short codes to Discord members, checks that the code
appears in the bio of the profile they claim, and grants a trust role once it does.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "configs/bot.yaml", "path to configuration file")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&flags.logFormat, "log-format", "json", "log format (json, text)")

	cmd.AddCommand(newRunCommand(flags))
	cmd.AddCommand(newRegisterCommand(flags))
	cmd.AddCommand(newInitiateCommand(flags))
	cmd.AddCommand(newSubmitCommand(flags))
	cmd.AddCommand(newPendingCommand(flags))
	cmd.AddCommand(newVerifiedCommand(flags))
	cmd.AddCommand(newCheckCommand(flags))
	cmd.AddCommand(newVerifyCommand(flags))
	cmd.AddCommand(newUnverifyCommand(flags))
	cmd.AddCommand(newSweepCommand(flags))

	return cmd
}
