// Package registry maps assistant tool-call names to handler functions.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tealquilamos/rentbot/internal/logging"
)

// Handler executes one tool call. Args is the raw JSON argument object from
// the assistant run; the returned string is submitted back as tool output.
type Handler func(ctx context.Context, args json.RawMessage) (string, error)

// ExecutionError wraps a handler failure with the function name and elapsed time.
type ExecutionError struct {
	Name    string
	Elapsed time.Duration
	Err     error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("function %q failed after %s: %v", e.Name, e.Elapsed, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Registry is a concurrency-safe name-to-handler map. Registering a name
// twice replaces the previous handler.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	logger   *logging.Logger
}

// New creates an empty registry.
func New(logger *logging.Logger) *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
		logger:   logger.Sub("registry"),
	}
}

// Register adds a handler under the given name. A duplicate name replaces
// the existing handler; the replacement is logged so shadowing is visible.
func (r *Registry) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[name]; exists {
		r.logger.Warn().Str("function", name).Msg("replacing previously registered handler")
	}
	r.handlers[name] = h
	r.logger.Debug().Str("function", name).Msg("handler registered")
}

// Has reports whether a handler is registered under name.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[name]
	return ok
}

// List returns registered names in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Execute runs the named handler and times it. Unknown names return an error
// listing the available functions; handler failures are wrapped in an
// ExecutionError carrying the name and elapsed time.
func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage) (string, error) {
	r.mu.RLock()
	h, ok := r.handlers[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("unknown function %q (available: %s)", name, strings.Join(r.List(), ", "))
	}

	start := time.Now()
	out, err := h(ctx, args)
	elapsed := time.Since(start)
	if err != nil {
		r.logger.Error().Str("function", name).Dur("elapsed", elapsed).Err(err).Msg("handler failed")
		return "", &ExecutionError{Name: name, Elapsed: elapsed, Err: err}
	}
	r.logger.Debug().Str("function", name).Dur("elapsed", elapsed).Msg("handler completed")
	return out, nil
}
