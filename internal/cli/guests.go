package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tealquilamos/rentbot/internal/config"
	"github.com/tealquilamos/rentbot/internal/store"
)

func newGuestsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "guests",
		Short: "Inspect the guest store",
	}

	cmd.AddCommand(newGuestsListCmd())
	return cmd
}

func newGuestsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List known guests with their threads",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			db, err := store.Open(cfg.Store.Path, log)
			if err != nil {
				return err
			}
			defer db.Close()

			guests := store.NewGuestStore(db).List()
			if len(guests) == 0 {
				fmt.Println("No guests yet.")
				return nil
			}
			for _, g := range guests {
				name := g.Name
				if name == "" {
					name = "(unknown)"
				}
				fmt.Printf("%-15s %-25s thread=%-30s tokens=%-7d labels=%s last=%s\n",
					g.PhoneNumber, name, g.ThreadID, g.ThreadTokenCount,
					strings.Join(g.Labels, ","), g.LastActivity.Format(time.DateTime))
			}
			return nil
		},
	}
}
