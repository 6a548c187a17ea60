package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "local", cfg.Environment)
	assert.Equal(t, 3008, cfg.Server.Port)
	assert.Equal(t, "loopback", cfg.Server.Bind)
	assert.Equal(t, 10*time.Second, cfg.Buffer.Debounce)
	assert.Equal(t, 8*time.Second, cfg.Buffer.ManualDebounce)
	assert.Equal(t, 10, cfg.Buffer.MaxMessages)
	assert.Equal(t, 5000, cfg.Buffer.MaxMessageLength)
	assert.Equal(t, 30*time.Minute, cfg.Pending.RecoveryHorizon)
	assert.Equal(t, 1000, cfg.Cache.MaxEntries)
	assert.Equal(t, 12*time.Hour, cfg.Cache.TTL)
	assert.Equal(t, "https://gate.whapi.cloud", cfg.Whapi.BaseURL)
}

func TestLoadParsesYAML(t *testing.T) {
	path := writeConfig(t, `
environment: production
server:
  port: 9090
buffer:
  debounce: 5s
  maxMessages: 20
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "production", cfg.Environment)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.Buffer.Debounce)
	assert.Equal(t, 20, cfg.Buffer.MaxMessages)
	// unset fields still get defaults
	assert.Equal(t, 8*time.Second, cfg.Buffer.ManualDebounce)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := writeConfig(t, "server: [not a map")
	_, err := Load(path)
	require.Error(t, err)
	var cfgErr *ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestExpandSensitiveFields(t *testing.T) {
	t.Setenv("TEST_WHAPI_TOKEN", "tok-123")
	path := writeConfig(t, `
whapi:
  token: ${TEST_WHAPI_TOKEN}
assistant:
  apiKey: ${UNSET_VAR_FOR_TEST}
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "tok-123", cfg.Whapi.Token)
	// unset vars are left as-is so the failure is visible downstream
	assert.Equal(t, "${UNSET_VAR_FOR_TEST}", cfg.Assistant.APIKey)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "4001")
	t.Setenv("WHAPI_TOKEN", "env-token")
	t.Setenv("RENTBOT_BUFFER_DEBOUNCE", "3s")
	t.Setenv("RENTBOT_CACHE_MAX_ENTRIES", "50")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 4001, cfg.Server.Port)
	assert.Equal(t, "env-token", cfg.Whapi.Token)
	assert.Equal(t, 3*time.Second, cfg.Buffer.Debounce)
	assert.Equal(t, 50, cfg.Cache.MaxEntries)
}

func TestValidate(t *testing.T) {
	valid := Config{}
	applyDefaults(&valid)
	valid.Whapi.Token = "tok"
	valid.Assistant.APIKey = "key"
	valid.Assistant.AssistantID = "asst_1"

	tests := []struct {
		name   string
		mutate func(*Config)
		path   string
	}{
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"bad bind", func(c *Config) { c.Server.Bind = "public" }, "server.bind"},
		{"missing whapi token", func(c *Config) { c.Whapi.Token = "" }, "whapi.token"},
		{"missing api key", func(c *Config) { c.Assistant.APIKey = "" }, "assistant.apiKey"},
		{"missing assistant id", func(c *Config) { c.Assistant.AssistantID = "" }, "assistant.assistantId"},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
		{"horizon below debounce", func(c *Config) { c.Pending.RecoveryHorizon = time.Second }, "pending.recoveryHorizon"},
		{"voice enabled without key", func(c *Config) { c.Voice.Enabled = true }, "voice.apiKey"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			issues := Validate(&cfg)
			require.NotEmpty(t, issues)
			found := false
			for _, iss := range issues {
				if iss.Path == tt.path {
					found = true
				}
			}
			assert.True(t, found, "expected issue at %s, got %v", tt.path, issues)
		})
	}

	t.Run("valid config", func(t *testing.T) {
		cfg := valid
		assert.Empty(t, Validate(&cfg))
	})
}
