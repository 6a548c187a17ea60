package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tealquilamos/rentbot/internal/config"
	"github.com/tealquilamos/rentbot/internal/pending"
)

func newPendingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "Inspect the pending-message store",
	}

	cmd.AddCommand(newPendingListCmd())
	cmd.AddCommand(newPendingClearCmd())
	return cmd
}

func newPendingListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List persisted unflushed turns",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			store := pending.NewStore(cfg.Pending.Path, cfg.Environment, log)

			entries, err := store.List()
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("No pending entries.")
				return nil
			}
			for _, e := range entries {
				fmt.Printf("%s  user=%s fragments=%d env=%s\n",
					e.Timestamp.Format(time.RFC3339), e.UserID, len(e.Messages), e.Environment)
				for _, msg := range e.Messages {
					fmt.Printf("    %s\n", msg)
				}
			}
			return nil
		},
	}
}

func newPendingClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Discard all persisted unflushed turns",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			store := pending.NewStore(cfg.Pending.Path, cfg.Environment, log)
			n, err := store.Count()
			if err != nil {
				return err
			}
			// a zero horizon makes recovery discard everything
			if _, err := store.RecoverAll(0); err != nil {
				return err
			}
			fmt.Printf("Cleared %d pending entries.\n", n)
			return nil
		},
	}
}
