// Package webhook receives and normalizes WHAPI webhook deliveries.
package webhook

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tealquilamos/rentbot/internal/domain"
	"github.com/tealquilamos/rentbot/internal/logging"
)

// Payload is the raw webhook body: some combination of message and presence
// batches.
type Payload struct {
	Messages  []RawMessage  `json:"messages"`
	Presences []RawPresence `json:"presences"`
}

// RawMessage is one gateway message entry before normalization.
type RawMessage struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	FromMe    bool   `json:"from_me"`
	FromName  string `json:"from_name"`
	ChatID    string `json:"chat_id"`
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text"`
	Voice *struct {
		Link string `json:"link"`
	} `json:"voice"`
	Image *struct {
		Link    string `json:"link"`
		Caption string `json:"caption"`
	} `json:"image"`
}

// RawPresence is one presence entry before normalization.
type RawPresence struct {
	ContactID string `json:"contact_id"`
	Status    string `json:"status"`
}

// dangerousKeys are stripped recursively before decoding; they have no
// legitimate use in a gateway payload.
var dangerousKeys = []string{"__proto__", "constructor", "prototype"}

// Sanitize removes dangerous keys from a decoded JSON document in place.
func Sanitize(doc any) {
	switch v := doc.(type) {
	case map[string]any:
		for _, k := range dangerousKeys {
			delete(v, k)
		}
		for _, child := range v {
			Sanitize(child)
		}
	case []any:
		for _, child := range v {
			Sanitize(child)
		}
	}
}

// Normalize validates a raw webhook body and converts it into canonical
// events. Invalid entries within a batch are logged and dropped; the valid
// remainder is still processed. Returns an error only when the whole body is
// unusable.
func Normalize(body []byte, logger *logging.Logger) ([]domain.InboundEvent, error) {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("webhook: malformed JSON: %w", err)
	}
	Sanitize(doc)
	clean, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("webhook: re-encode: %w", err)
	}

	var payload Payload
	if err := json.Unmarshal(clean, &payload); err != nil {
		return nil, fmt.Errorf("webhook: unexpected shape: %w", err)
	}
	if len(payload.Messages) == 0 && len(payload.Presences) == 0 {
		return nil, fmt.Errorf("webhook: payload carries neither messages nor presences")
	}

	var events []domain.InboundEvent
	dropped := 0
	for _, m := range payload.Messages {
		ev, err := normalizeMessage(m)
		if err != nil {
			dropped++
			logger.Warn().Err(err).Str("id", m.ID).Msg("dropping invalid message entry")
			continue
		}
		events = append(events, ev)
	}
	for _, p := range payload.Presences {
		if p.ContactID == "" || p.Status == "" {
			dropped++
			logger.Warn().Str("contact", p.ContactID).Msg("dropping invalid presence entry")
			continue
		}
		events = append(events, domain.InboundEvent{
			ID:        "presence:" + p.ContactID,
			UserID:    domain.ShortUserID(p.ContactID),
			ChatID:    domain.CanonicalChatID(p.ContactID),
			Kind:      domain.KindPresence,
			Presence:  p.Status,
			Timestamp: time.Now(),
		})
	}
	if dropped > 0 {
		logger.Warn().Int("dropped", dropped).Int("accepted", len(events)).Msg("partial webhook batch")
	}
	return events, nil
}

func normalizeMessage(m RawMessage) (domain.InboundEvent, error) {
	if m.ID == "" || m.From == "" || m.Type == "" {
		return domain.InboundEvent{}, fmt.Errorf("missing required field (id=%q from=%q type=%q)", m.ID, m.From, m.Type)
	}

	ts := time.Now()
	if m.Timestamp > 0 {
		ts = time.Unix(m.Timestamp, 0)
	}
	chatID := m.ChatID
	if chatID == "" {
		chatID = m.From
	}

	ev := domain.InboundEvent{
		ID:        m.ID,
		UserID:    domain.ShortUserID(m.From),
		ChatID:    domain.CanonicalChatID(chatID),
		UserName:  domain.CleanContactName(m.FromName, m.From),
		FromMe:    m.FromMe,
		Timestamp: ts,
	}

	switch m.Type {
	case "text":
		ev.Kind = domain.KindText
		if m.Text != nil {
			ev.Body = m.Text.Body
		}
	case "voice", "audio", "ptt":
		ev.Kind = domain.KindVoice
		if m.Voice != nil {
			ev.MediaURL = m.Voice.Link
		}
	case "image":
		ev.Kind = domain.KindImage
		if m.Image != nil {
			ev.MediaURL = m.Image.Link
			ev.Caption = m.Image.Caption
		}
	default:
		ev.Kind = domain.KindOther
	}
	return ev, nil
}
