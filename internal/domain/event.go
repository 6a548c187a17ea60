// Package domain defines the core types shared across the rentbot pipeline.
package domain

import (
	"strings"
	"time"
)

// EventKind classifies a normalized webhook event.
type EventKind string

const (
	KindText     EventKind = "text"
	KindVoice    EventKind = "voice"
	KindImage    EventKind = "image"
	KindPresence EventKind = "presence"
	KindOther    EventKind = "other"
)

// InboundEvent is one normalized WHAPI webhook message or presence update.
// ID is the gateway's message ID and serves as the dedup key; Timestamp is
// event-time as reported by the gateway, not receipt-time.
type InboundEvent struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	ChatID    string    `json:"chatId"`
	UserName  string    `json:"userName,omitempty"`
	Kind      EventKind `json:"kind"`
	Body      string    `json:"body,omitempty"`
	MediaURL  string    `json:"mediaUrl,omitempty"`
	Caption   string    `json:"caption,omitempty"`
	Presence  string    `json:"presence,omitempty"`
	FromMe    bool      `json:"fromMe,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ShortUserID strips the WhatsApp JID suffix, leaving the bare phone number.
func ShortUserID(jid string) string {
	if i := strings.IndexByte(jid, '@'); i >= 0 {
		return jid[:i]
	}
	return jid
}

// CanonicalChatID normalizes a chat identifier to the full JID form.
func CanonicalChatID(s string) string {
	s = strings.TrimSpace(s)
	if s == "" || strings.Contains(s, "@") {
		return s
	}
	return s + "@s.whatsapp.net"
}

// CleanContactName discards placeholder names the gateway sends when it has
// no real contact name (the bare phone number, or a generic label).
func CleanContactName(name, userID string) string {
	name = strings.TrimSpace(name)
	if name == "" || name == "Usuario" || name == ShortUserID(userID) || name == userID {
		return ""
	}
	return name
}
