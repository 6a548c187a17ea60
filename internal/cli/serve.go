package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tealquilamos/rentbot/internal/assistant"
	"github.com/tealquilamos/rentbot/internal/buffer"
	"github.com/tealquilamos/rentbot/internal/clientcache"
	"github.com/tealquilamos/rentbot/internal/config"
	"github.com/tealquilamos/rentbot/internal/logging"
	"github.com/tealquilamos/rentbot/internal/pending"
	"github.com/tealquilamos/rentbot/internal/registry"
	"github.com/tealquilamos/rentbot/internal/responder"
	"github.com/tealquilamos/rentbot/internal/store"
	"github.com/tealquilamos/rentbot/internal/tts"
	"github.com/tealquilamos/rentbot/internal/webhook"
	"github.com/tealquilamos/rentbot/internal/whapi"
)

func newServeCmd() *cobra.Command {
	var (
		port int
		bind string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the webhook gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			if port != 0 {
				cfg.Server.Port = port
			}
			if bind != "" {
				cfg.Server.Bind = bind
			}
			if logLevel != "" {
				cfg.Logging.Level = logLevel
			}

			issues := config.Validate(&cfg)
			if len(issues) > 0 {
				for _, issue := range issues {
					log.Error().Str("path", issue.Path).Msg(issue.Message)
				}
				return fmt.Errorf("config validation failed with %d issue(s)", len(issues))
			}

			if cfg.Logging.File != "" {
				f, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
				if err != nil {
					return fmt.Errorf("opening log file: %w", err)
				}
				defer f.Close()
				log = logging.New(f, cfg.Logging.Level)
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			db, err := store.Open(cfg.Store.Path, log)
			if err != nil {
				return fmt.Errorf("opening database: %w", err)
			}
			defer db.Close()
			guests := store.NewGuestStore(db)

			cache := clientcache.New(cfg.Cache.MaxEntries, cfg.Cache.TTL, log)
			pendingStore := pending.NewStore(cfg.Pending.Path, cfg.Environment, log)

			reg := registry.New(log)
			registerTools(reg, guests)

			gateway := whapi.NewClient(whapi.Options{
				BaseURL:    cfg.Whapi.BaseURL,
				Token:      cfg.Whapi.Token,
				Timeout:    cfg.Whapi.Timeout,
				MaxRetries: cfg.Whapi.MaxRetries,
			}, log)

			ai := assistant.NewClient(cfg.Assistant, reg, log)

			var voice responder.Voice
			if cfg.Voice.Enabled {
				synth, err := tts.New(ctx, cfg.Voice, log)
				if err != nil {
					return fmt.Errorf("initializing TTS: %w", err)
				}
				voice = synth
				log.Info().Str("voice", cfg.Voice.VoiceName).Msg("voice replies enabled")
			}

			resp := responder.New(cache, guests, gateway, ai, voice, log)
			mgr := buffer.NewManager(cfg.Buffer, cfg.Assistant.MaxRetries, pendingStore, resp, log)
			resp.SetTracker(mgr)

			// replay whatever a previous process left behind before taking
			// new webhook traffic
			if err := mgr.Recover(ctx, cfg.Pending.RecoveryHorizon, cfg.Pending.ReplayDelay); err != nil {
				log.Error().Err(err).Msg("pending recovery failed")
			}

			srv := webhook.NewServer(cfg.Server, mgr, func() map[string]any {
				stats := mgr.Stats()
				hits, misses, size := cache.Stats()
				stats["cacheHits"] = hits
				stats["cacheMisses"] = misses
				stats["cacheSize"] = size
				return stats
			}, log)

			log.Info().Str("environment", cfg.Environment).
				Strs("functions", reg.List()).Msg("rentbot starting")
			return srv.Start(ctx)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "override server port")
	cmd.Flags().StringVar(&bind, "bind", "", "override bind mode (loopback, lan, custom)")

	return cmd
}

// registerTools wires the assistant's callable functions. Business systems
// (channel manager, CRM) are external; handlers here either answer from the
// guest store or report the escalation.
func registerTools(reg *registry.Registry, guests *store.GuestStore) {
	reg.Register("escalate_to_human", func(ctx context.Context, args json.RawMessage) (string, error) {
		var req struct {
			Reason string `json:"reason"`
			Phone  string `json:"phone"`
		}
		if err := json.Unmarshal(args, &req); err != nil {
			return "", fmt.Errorf("invalid arguments: %w", err)
		}
		log.Warn().Str("phone", req.Phone).Str("reason", req.Reason).Msg("guest escalated to human agent")
		return `{"status":"escalated","message":"Un miembro del equipo se pondrá en contacto pronto."}`, nil
	})

	reg.Register("get_guest_profile", func(ctx context.Context, args json.RawMessage) (string, error) {
		var req struct {
			Phone string `json:"phone"`
		}
		if err := json.Unmarshal(args, &req); err != nil {
			return "", fmt.Errorf("invalid arguments: %w", err)
		}
		guest := guests.Get(req.Phone)
		if guest == nil {
			return `{"found":false}`, nil
		}
		out, err := json.Marshal(map[string]any{
			"found":  true,
			"name":   guest.Name,
			"labels": guest.Labels,
		})
		return string(out), err
	})
}
