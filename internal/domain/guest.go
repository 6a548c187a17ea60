package domain

import "time"

// Guest is the system-of-record row for one WhatsApp contact: profile fields
// observed from the gateway plus the assistant conversation handle.
type Guest struct {
	PhoneNumber      string    `json:"phoneNumber"`
	Name             string    `json:"name,omitempty"`
	UserName         string    `json:"userName,omitempty"`
	Labels           []string  `json:"labels,omitempty"`
	ChatID           string    `json:"chatId,omitempty"`
	ThreadID         string    `json:"threadId,omitempty"`
	ThreadTokenCount int       `json:"threadTokenCount,omitempty"`
	LastActivity     time.Time `json:"lastActivity"`
}
