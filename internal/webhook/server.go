package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/tealquilamos/rentbot/internal/config"
	"github.com/tealquilamos/rentbot/internal/domain"
	"github.com/tealquilamos/rentbot/internal/logging"
	"github.com/tealquilamos/rentbot/internal/version"
)

// EventHandler consumes normalized events after the webhook has been acked.
type EventHandler interface {
	HandleEvents(ctx context.Context, events []domain.InboundEvent)
}

// StatsFunc supplies the /stats payload.
type StatsFunc func() map[string]any

// Server is the webhook HTTP server. Gateway deliveries are acked with 200
// as soon as they normalize; processing happens off the request path so a
// slow assistant run never makes the gateway retry.
type Server struct {
	cfg        config.ServerConfig
	log        *logging.Logger
	handler    EventHandler
	stats      StatsFunc
	startedAt  time.Time
	httpServer *http.Server
}

// NewServer creates a webhook server delivering events to handler.
func NewServer(cfg config.ServerConfig, handler EventHandler, stats StatsFunc, log *logging.Logger) *Server {
	return &Server{
		cfg:     cfg,
		log:     log.Sub("webhook"),
		handler: handler,
		stats:   stats,
	}
}

// resolveBindAddr computes the listen address from config.
func resolveBindAddr(cfg config.ServerConfig) string {
	switch cfg.Bind {
	case "loopback":
		return fmt.Sprintf("127.0.0.1:%d", cfg.Port)
	case "lan":
		return fmt.Sprintf("0.0.0.0:%d", cfg.Port)
	case "custom":
		host := cfg.CustomBindHost
		if host == "" {
			host = "0.0.0.0"
		}
		return fmt.Sprintf("%s:%d", host, cfg.Port)
	default:
		return fmt.Sprintf("127.0.0.1:%d", cfg.Port)
	}
}

// Start begins listening. It blocks until the context is cancelled or an
// error occurs.
func (s *Server) Start(ctx context.Context) error {
	addr := resolveBindAddr(s.cfg)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /hook", s.handleHook)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.withLogging(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(l net.Listener) context.Context { return ctx },
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.startedAt = time.Now()
	s.log.Info().Str("addr", ln.Addr().String()).Str("bind", s.cfg.Bind).Msg("webhook server ready")

	go func() {
		<-ctx.Done()
		s.log.Info().Msg("shutting down webhook server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Addr returns the server's listen address, or empty string if not started.
func (s *Server) Addr() string {
	if s.httpServer != nil {
		return s.httpServer.Addr
	}
	return ""
}

func (s *Server) handleHook(w http.ResponseWriter, r *http.Request) {
	if s.cfg.WebhookSecret != "" && r.URL.Query().Get("token") != s.cfg.WebhookSecret {
		s.log.Warn().Str("remote", r.RemoteAddr).Msg("webhook with bad or missing token")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 4<<20))
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}

	events, err := Normalize(body, s.log)
	if err != nil {
		s.log.Warn().Err(err).Msg("rejecting webhook payload")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// Ack now; downstream outcome must never affect the gateway's delivery
	// accounting.
	w.WriteHeader(http.StatusOK)

	go s.handler.HandleEvents(context.WithoutCancel(r.Context()), events)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"status":  "ok",
		"version": version.Version,
		"uptime":  time.Since(s.startedAt).Round(time.Second).String(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{}
	if s.stats != nil {
		payload = s.stats()
	}
	payload["uptime"] = time.Since(s.startedAt).Round(time.Second).String()
	writeJSON(w, payload)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("elapsed", time.Since(start)).
			Msg("http request")
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
