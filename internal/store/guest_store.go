package store

import (
	"encoding/json"
	"time"

	"github.com/tealquilamos/rentbot/internal/domain"
)

// GuestStore persists guest profiles and their assistant thread handles.
type GuestStore struct {
	db *DB
}

// NewGuestStore creates a guest store using the given database.
func NewGuestStore(db *DB) *GuestStore {
	return &GuestStore{db: db}
}

// Get returns the guest for a phone number, or nil if not found.
func (s *GuestStore) Get(phoneNumber string) *domain.Guest {
	var g domain.Guest
	var labelsJSON, lastActivity string

	err := s.db.sql.QueryRow(
		`SELECT phone_number, name, user_name, labels, chat_id, thread_id, token_count, last_activity
		 FROM guests WHERE phone_number = ?`, phoneNumber,
	).Scan(
		&g.PhoneNumber, &g.Name, &g.UserName, &labelsJSON,
		&g.ChatID, &g.ThreadID, &g.ThreadTokenCount, &lastActivity,
	)
	if err != nil {
		return nil
	}

	_ = json.Unmarshal([]byte(labelsJSON), &g.Labels)
	g.LastActivity, _ = time.Parse(time.DateTime, lastActivity)
	return &g
}

// Upsert inserts or updates a guest row.
func (s *GuestStore) Upsert(g *domain.Guest) error {
	labelsJSON, err := json.Marshal(g.Labels)
	if err != nil {
		labelsJSON = []byte("[]")
	}
	ts := g.LastActivity
	if ts.IsZero() {
		ts = time.Now()
	}

	_, err = s.db.sql.Exec(
		`INSERT INTO guests (phone_number, name, user_name, labels, chat_id, thread_id, token_count, last_activity)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(phone_number) DO UPDATE SET
			name = excluded.name,
			user_name = excluded.user_name,
			labels = excluded.labels,
			chat_id = excluded.chat_id,
			thread_id = excluded.thread_id,
			token_count = excluded.token_count,
			last_activity = excluded.last_activity`,
		g.PhoneNumber, g.Name, g.UserName, string(labelsJSON),
		g.ChatID, g.ThreadID, g.ThreadTokenCount, ts.Format(time.DateTime),
	)
	if err != nil {
		s.db.log.Error().Err(err).Str("phone", g.PhoneNumber).Msg("failed to upsert guest")
	}
	return err
}

// UpdateThread records the assistant thread assigned to a guest, creating
// the row if it doesn't exist yet.
func (s *GuestStore) UpdateThread(phoneNumber, threadID string) error {
	_, err := s.db.sql.Exec(
		`INSERT INTO guests (phone_number, thread_id, last_activity)
		 VALUES (?, ?, ?)
		 ON CONFLICT(phone_number) DO UPDATE SET
			thread_id = excluded.thread_id,
			last_activity = excluded.last_activity`,
		phoneNumber, threadID, time.Now().Format(time.DateTime),
	)
	if err != nil {
		s.db.log.Error().Err(err).Str("phone", phoneNumber).Msg("failed to update thread")
	}
	return err
}

// UpdateTokenCount records thread token usage after a run.
func (s *GuestStore) UpdateTokenCount(phoneNumber string, tokens int) error {
	_, err := s.db.sql.Exec(
		`UPDATE guests SET token_count = ?, last_activity = ? WHERE phone_number = ?`,
		tokens, time.Now().Format(time.DateTime), phoneNumber,
	)
	return err
}

// List returns all guests ordered by most recent activity.
func (s *GuestStore) List() []*domain.Guest {
	rows, err := s.db.sql.Query(
		`SELECT phone_number, name, user_name, labels, chat_id, thread_id, token_count, last_activity
		 FROM guests ORDER BY last_activity DESC`,
	)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var guests []*domain.Guest
	for rows.Next() {
		var g domain.Guest
		var labelsJSON, lastActivity string
		if err := rows.Scan(
			&g.PhoneNumber, &g.Name, &g.UserName, &labelsJSON,
			&g.ChatID, &g.ThreadID, &g.ThreadTokenCount, &lastActivity,
		); err != nil {
			continue
		}
		_ = json.Unmarshal([]byte(labelsJSON), &g.Labels)
		g.LastActivity, _ = time.Parse(time.DateTime, lastActivity)
		guests = append(guests, &g)
	}
	return guests
}
