// Package cli implements the rentbot command-line interface.
package cli

import (
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/tealquilamos/rentbot/internal/logging"
)

var (
	cfgFile  string
	logLevel string

	// loaded at init time
	log *logging.Logger
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rentbot",
		Short: "rentbot — WhatsApp assistant for vacation rentals",
		Long:  "rentbot receives WhatsApp messages through a WHAPI webhook, coalesces them per guest, and answers with an OpenAI assistant.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// .env is optional; real deployments set env vars directly
			_ = godotenv.Load()
			level := logLevel
			if level == "" {
				level = "info"
			}
			log = logging.New(nil, level)
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "config.yaml", "config file")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (trace, debug, info, warn, error, fatal, silent)")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newPendingCmd())
	cmd.AddCommand(newGuestsCmd())

	return cmd
}

// Execute runs the root command.
func Execute() error {
	return newRootCmd().Execute()
}
