package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tealquilamos/rentbot/internal/config"
	"github.com/tealquilamos/rentbot/internal/pending"
	"github.com/tealquilamos/rentbot/internal/version"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show rentbot configuration summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("rentbot %s (commit %s)\n\n", version.Version, version.Commit)

			cfg, err := config.Load(cfgFile)
			if err != nil {
				fmt.Printf("Config:     error loading: %v\n", err)
				return nil
			}

			fmt.Printf("Config:     %s\n", cfgFile)
			fmt.Printf("Environment: %s\n", cfg.Environment)
			fmt.Printf("Server:     port=%d bind=%s\n", cfg.Server.Port, cfg.Server.Bind)
			fmt.Printf("Buffer:     debounce=%s manual=%s max=%d\n",
				cfg.Buffer.Debounce, cfg.Buffer.ManualDebounce, cfg.Buffer.MaxMessages)
			fmt.Printf("Pending:    path=%s horizon=%s\n", cfg.Pending.Path, cfg.Pending.RecoveryHorizon)
			fmt.Printf("Cache:      entries=%d ttl=%s\n", cfg.Cache.MaxEntries, cfg.Cache.TTL)
			fmt.Printf("Store:      %s\n", cfg.Store.Path)
			fmt.Printf("Voice:      enabled=%v lang=%s\n", cfg.Voice.Enabled, cfg.Voice.LanguageCode)

			store := pending.NewStore(cfg.Pending.Path, cfg.Environment, log)
			if n, err := store.Count(); err == nil {
				fmt.Printf("Pending entries: %d\n", n)
			}

			issues := config.Validate(&cfg)
			if len(issues) > 0 {
				fmt.Printf("\nValidation issues (%d):\n", len(issues))
				for _, issue := range issues {
					fmt.Printf("  - %s: %s\n", issue.Path, issue.Message)
				}
			}

			return nil
		},
	}

	return cmd
}
