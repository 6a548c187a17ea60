package config

import (
	"fmt"
	"slices"
)

// ValidationIssue describes a problem with a config value.
type ValidationIssue struct {
	Path    string
	Message string
}

func (v ValidationIssue) String() string {
	return fmt.Sprintf("%s: %s", v.Path, v.Message)
}

// Validate checks a Config for issues. Returns nil if valid.
func Validate(cfg *Config) []ValidationIssue {
	var issues []ValidationIssue

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		issues = append(issues, ValidationIssue{
			Path:    "server.port",
			Message: fmt.Sprintf("port must be 0-65535, got %d", cfg.Server.Port),
		})
	}

	validBinds := []string{"loopback", "lan", "custom"}
	if cfg.Server.Bind != "" && !slices.Contains(validBinds, cfg.Server.Bind) {
		issues = append(issues, ValidationIssue{
			Path:    "server.bind",
			Message: fmt.Sprintf("must be one of %v, got %q", validBinds, cfg.Server.Bind),
		})
	}

	if cfg.Whapi.Token == "" {
		issues = append(issues, ValidationIssue{
			Path:    "whapi.token",
			Message: "token is required (set WHAPI_TOKEN)",
		})
	}

	if cfg.Assistant.APIKey == "" {
		issues = append(issues, ValidationIssue{
			Path:    "assistant.apiKey",
			Message: "API key is required (set OPENAI_API_KEY)",
		})
	}
	if cfg.Assistant.AssistantID == "" {
		issues = append(issues, ValidationIssue{
			Path:    "assistant.assistantId",
			Message: "assistant ID is required (set OPENAI_ASSISTANT_ID)",
		})
	}

	if cfg.Buffer.Debounce <= 0 {
		issues = append(issues, ValidationIssue{
			Path:    "buffer.debounce",
			Message: "debounce must be positive",
		})
	}
	if cfg.Buffer.MaxMessages <= 0 {
		issues = append(issues, ValidationIssue{
			Path:    "buffer.maxMessages",
			Message: "maxMessages must be positive",
		})
	}

	if cfg.Pending.RecoveryHorizon <= 0 {
		issues = append(issues, ValidationIssue{
			Path:    "pending.recoveryHorizon",
			Message: "recoveryHorizon must be positive",
		})
	}
	if cfg.Pending.RecoveryHorizon < cfg.Buffer.Debounce {
		issues = append(issues, ValidationIssue{
			Path:    "pending.recoveryHorizon",
			Message: "recoveryHorizon shorter than buffer.debounce would discard turns still waiting for their quiet period",
		})
	}

	if cfg.Cache.MaxEntries <= 0 {
		issues = append(issues, ValidationIssue{
			Path:    "cache.maxEntries",
			Message: "maxEntries must be positive",
		})
	}
	if cfg.Cache.TTL <= 0 {
		issues = append(issues, ValidationIssue{
			Path:    "cache.ttl",
			Message: "ttl must be positive",
		})
	}

	validLogLevels := []string{"silent", "fatal", "error", "warn", "info", "debug", "trace"}
	if cfg.Logging.Level != "" && !slices.Contains(validLogLevels, cfg.Logging.Level) {
		issues = append(issues, ValidationIssue{
			Path:    "logging.level",
			Message: fmt.Sprintf("must be one of %v, got %q", validLogLevels, cfg.Logging.Level),
		})
	}

	if cfg.Voice.Enabled && cfg.Voice.APIKey == "" {
		issues = append(issues, ValidationIssue{
			Path:    "voice.apiKey",
			Message: "API key is required when voice replies are enabled",
		})
	}

	return issues
}
