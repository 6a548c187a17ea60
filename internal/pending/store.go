// Package pending persists buffered-but-unflushed message fragments to disk
// so a crash or restart never silently drops a guest's turn.
package pending

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/tealquilamos/rentbot/internal/logging"
)

// Entry is one user's unflushed fragments, written whenever a buffer
// changes and removed once the turn reaches the assistant.
type Entry struct {
	UserID      string    `json:"userId"`
	ChatID      string    `json:"chatId"`
	UserName    string    `json:"userName,omitempty"`
	Messages    []string  `json:"messages"`
	Timestamp   time.Time `json:"timestamp"`
	Environment string    `json:"environment,omitempty"`
}

// Store is a file-backed map of userID to pending Entry. Every mutation
// rewrites the file atomically (temp file + rename) so readers never see a
// torn write.
type Store struct {
	mu          sync.Mutex
	path        string
	environment string
	logger      *logging.Logger
}

// NewStore creates a store writing to path. The parent directory is created
// on first persist.
func NewStore(path, environment string, logger *logging.Logger) *Store {
	return &Store{
		path:        path,
		environment: environment,
		logger:      logger.Sub("pending"),
	}
}

// Persist records the current fragments for a user, replacing any prior
// entry. An empty fragment list removes the entry instead.
func (s *Store) Persist(userID, chatID, userName string, messages []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load()
	if err != nil {
		return err
	}
	if len(messages) == 0 {
		delete(entries, userID)
	} else {
		entries[userID] = Entry{
			UserID:      userID,
			ChatID:      chatID,
			UserName:    userName,
			Messages:    append([]string(nil), messages...),
			Timestamp:   time.Now(),
			Environment: s.environment,
		}
	}
	return s.save(entries)
}

// Remove drops a user's entry, typically after a successful flush.
func (s *Store) Remove(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := entries[userID]; !ok {
		return nil
	}
	delete(entries, userID)
	return s.save(entries)
}

// RecoverAll returns persisted entries newer than horizon, oldest first, and
// truncates the file. Entries past the horizon or tagged with a different
// environment are discarded and logged, never replayed.
func (s *Store) RecoverAll(horizon time.Duration) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load()
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}

	cutoff := time.Now().Add(-horizon)
	var recovered []Entry
	for userID, e := range entries {
		switch {
		case e.Environment != "" && e.Environment != s.environment:
			s.logger.Warn().Str("user", userID).Str("entryEnv", e.Environment).
				Msg("discarding pending entry from another environment")
		case e.Timestamp.Before(cutoff):
			s.logger.Warn().Str("user", userID).Time("persistedAt", e.Timestamp).
				Int("messages", len(e.Messages)).Msg("discarding pending entry past recovery horizon")
		default:
			recovered = append(recovered, e)
		}
	}
	sort.Slice(recovered, func(i, j int) bool {
		return recovered[i].Timestamp.Before(recovered[j].Timestamp)
	})

	if err := s.save(map[string]Entry{}); err != nil {
		return nil, err
	}
	s.logger.Info().Int("recovered", len(recovered)).Int("persisted", len(entries)).
		Msg("pending store recovery complete")
	return recovered, nil
}

// List returns all persisted entries oldest first without consuming them.
func (s *Store) List() ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

// Count returns the number of persisted entries.
func (s *Store) Count() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.load()
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

func (s *Store) load() (map[string]Entry, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]Entry{}, nil
		}
		return nil, fmt.Errorf("read pending store: %w", err)
	}
	entries := map[string]Entry{}
	if len(data) == 0 {
		return entries, nil
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		// a corrupt file must not wedge the pipeline; start fresh and keep
		// the damaged file aside for inspection
		s.logger.Error().Err(err).Msg("pending store corrupt, renaming aside")
		_ = os.Rename(s.path, s.path+".corrupt")
		return map[string]Entry{}, nil
	}
	return entries, nil
}

func (s *Store) save(entries map[string]Entry) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create pending dir: %w", err)
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode pending store: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write pending store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("commit pending store: %w", err)
	}
	return nil
}
