// Package config loads and validates rentbot configuration.
package config

import "time"

// Config is the root configuration for rentbot.
type Config struct {
	Server    ServerConfig    `yaml:"server,omitempty"`
	Whapi     WhapiConfig     `yaml:"whapi,omitempty"`
	Assistant AssistantConfig `yaml:"assistant,omitempty"`
	Buffer    BufferConfig    `yaml:"buffer,omitempty"`
	Pending   PendingConfig   `yaml:"pending,omitempty"`
	Cache     CacheConfig     `yaml:"cache,omitempty"`
	Voice     VoiceConfig     `yaml:"voice,omitempty"`
	Store     StoreConfig     `yaml:"store,omitempty"`
	Logging   LoggingConfig   `yaml:"logging,omitempty"`
	// Environment tags persisted pending entries so a local run never
	// replays input captured by a production instance.
	Environment string `yaml:"environment,omitempty"`
}

// ServerConfig controls the webhook HTTP server.
type ServerConfig struct {
	Port           int    `yaml:"port,omitempty"`
	Bind           string `yaml:"bind,omitempty"` // "loopback" | "lan" | "custom"
	CustomBindHost string `yaml:"customBindHost,omitempty"`
	// WebhookSecret, when set, must match the ?token= query parameter on
	// inbound webhook requests.
	WebhookSecret string `yaml:"webhookSecret,omitempty"`
}

// WhapiConfig configures the WHAPI messaging gateway client.
type WhapiConfig struct {
	BaseURL    string        `yaml:"baseUrl,omitempty"`
	Token      string        `yaml:"token,omitempty"`
	Timeout    time.Duration `yaml:"timeout,omitempty"`
	MaxRetries int           `yaml:"maxRetries,omitempty"`
}

// AssistantConfig configures the OpenAI Assistant boundary.
type AssistantConfig struct {
	APIKey       string        `yaml:"apiKey,omitempty"`
	BaseURL      string        `yaml:"baseUrl,omitempty"` // override for proxies and tests
	AssistantID  string        `yaml:"assistantId,omitempty"`
	Timeout      time.Duration `yaml:"timeout,omitempty"`      // upper bound on one run
	PollInterval time.Duration `yaml:"pollInterval,omitempty"` // run status poll cadence
	MaxRetries   int           `yaml:"maxRetries,omitempty"`   // flush retry budget
}

// BufferConfig controls per-user message coalescing.
type BufferConfig struct {
	// Debounce is the quiet period after the last fragment before a flush.
	Debounce time.Duration `yaml:"debounce,omitempty"`
	// ManualDebounce is the shorter window used for human-agent messages.
	ManualDebounce time.Duration `yaml:"manualDebounce,omitempty"`
	// MaxMessages caps fragments per buffer; extras are dropped (anti-spam).
	MaxMessages int `yaml:"maxMessages,omitempty"`
	// MaxMessageLength truncates oversized fragments.
	MaxMessageLength int `yaml:"maxMessageLength,omitempty"`
	// MinFragmentLength is the noise filter: shorter fragments that are all
	// punctuation never start or extend a buffer window.
	MinFragmentLength int `yaml:"minFragmentLength,omitempty"`
	// DedupWindow bounds how long seen message IDs are remembered.
	DedupWindow time.Duration `yaml:"dedupWindow,omitempty"`
}

// PendingConfig controls the durable pending-message store.
type PendingConfig struct {
	Path string `yaml:"path,omitempty"`
	// RecoveryHorizon discards persisted entries older than this on replay.
	RecoveryHorizon time.Duration `yaml:"recoveryHorizon,omitempty"`
	// ReplayDelay spaces out startup replays to avoid a thundering herd
	// against the assistant API.
	ReplayDelay time.Duration `yaml:"replayDelay,omitempty"`
}

// CacheConfig controls the client metadata cache.
type CacheConfig struct {
	MaxEntries int           `yaml:"maxEntries,omitempty"`
	TTL        time.Duration `yaml:"ttl,omitempty"`
}

// VoiceConfig configures TTS voice replies.
type VoiceConfig struct {
	Enabled      bool   `yaml:"enabled,omitempty"`
	APIKey       string `yaml:"apiKey,omitempty"`
	LanguageCode string `yaml:"languageCode,omitempty"`
	VoiceName    string `yaml:"voiceName,omitempty"`
}

// StoreConfig configures the guest/thread database.
type StoreConfig struct {
	Path string `yaml:"path,omitempty"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level string `yaml:"level,omitempty"` // "silent" | "fatal" | "error" | "warn" | "info" | "debug" | "trace"
	File  string `yaml:"file,omitempty"`
}

// ConfigError is returned for malformed configuration.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string { return e.Message }
