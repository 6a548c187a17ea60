package config

import (
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR_NAME} patterns in strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnvVars replaces ${VAR} patterns with environment variable values.
// Unset variables are left unchanged.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := match[2 : len(match)-1]
		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		return match
	})
}

// expandSensitiveFields processes environment variable references in
// credential fields so tokens can be stored as ${ENV_VAR}.
func expandSensitiveFields(cfg *Config) {
	cfg.Whapi.Token = expandEnvVars(cfg.Whapi.Token)
	cfg.Assistant.APIKey = expandEnvVars(cfg.Assistant.APIKey)
	cfg.Voice.APIKey = expandEnvVars(cfg.Voice.APIKey)
	cfg.Server.WebhookSecret = expandEnvVars(cfg.Server.WebhookSecret)
}

// Load reads the config file, applies environment overrides, and returns
// a merged Config. Missing files produce defaults only.
func Load(path string) (Config, error) {
	cfg := Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyDefaults(&cfg)
			applyEnvOverrides(&cfg)
			return cfg, nil
		}
		return cfg, err
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, &ConfigError{Message: "failed to parse config: " + err.Error()}
	}

	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	expandSensitiveFields(&cfg)
	return cfg, nil
}

// applyDefaults fills zero-value fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.Environment == "" {
		cfg.Environment = "local"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 3008
	}
	if cfg.Server.Bind == "" {
		cfg.Server.Bind = "loopback"
	}
	if cfg.Whapi.BaseURL == "" {
		cfg.Whapi.BaseURL = "https://gate.whapi.cloud"
	}
	if cfg.Whapi.Timeout == 0 {
		cfg.Whapi.Timeout = 15 * time.Second
	}
	if cfg.Whapi.MaxRetries == 0 {
		cfg.Whapi.MaxRetries = 3
	}
	if cfg.Assistant.Timeout == 0 {
		cfg.Assistant.Timeout = 45 * time.Second
	}
	if cfg.Assistant.PollInterval == 0 {
		cfg.Assistant.PollInterval = 500 * time.Millisecond
	}
	if cfg.Assistant.MaxRetries == 0 {
		cfg.Assistant.MaxRetries = 3
	}
	if cfg.Buffer.Debounce == 0 {
		cfg.Buffer.Debounce = 10 * time.Second
	}
	if cfg.Buffer.ManualDebounce == 0 {
		cfg.Buffer.ManualDebounce = 8 * time.Second
	}
	if cfg.Buffer.MaxMessages == 0 {
		cfg.Buffer.MaxMessages = 10
	}
	if cfg.Buffer.MaxMessageLength == 0 {
		cfg.Buffer.MaxMessageLength = 5000
	}
	if cfg.Buffer.MinFragmentLength == 0 {
		cfg.Buffer.MinFragmentLength = 1
	}
	if cfg.Buffer.DedupWindow == 0 {
		cfg.Buffer.DedupWindow = 10 * time.Minute
	}
	if cfg.Pending.Path == "" {
		cfg.Pending.Path = "tmp/pending-messages.json"
	}
	if cfg.Pending.RecoveryHorizon == 0 {
		cfg.Pending.RecoveryHorizon = 30 * time.Minute
	}
	if cfg.Pending.ReplayDelay == 0 {
		cfg.Pending.ReplayDelay = time.Second
	}
	if cfg.Cache.MaxEntries == 0 {
		cfg.Cache.MaxEntries = 1000
	}
	if cfg.Cache.TTL == 0 {
		cfg.Cache.TTL = 12 * time.Hour
	}
	if cfg.Voice.LanguageCode == "" {
		cfg.Voice.LanguageCode = "es-US"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "data/rentbot.db"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// applyEnvOverrides reads RENTBOT_* environment variables and overrides
// config values, so every operational knob is tunable without a config file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("RENTBOT_ENVIRONMENT"); v != "" {
		cfg.Environment = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("RENTBOT_BIND"); v != "" {
		cfg.Server.Bind = v
	}
	if v := os.Getenv("WHAPI_API_URL"); v != "" {
		cfg.Whapi.BaseURL = v
	}
	if v := os.Getenv("WHAPI_TOKEN"); v != "" {
		cfg.Whapi.Token = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.Assistant.APIKey = v
	}
	if v := os.Getenv("OPENAI_ASSISTANT_ID"); v != "" {
		cfg.Assistant.AssistantID = v
	}
	if v := os.Getenv("RENTBOT_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
	if d, ok := envDuration("RENTBOT_BUFFER_DEBOUNCE"); ok {
		cfg.Buffer.Debounce = d
	}
	if d, ok := envDuration("RENTBOT_MANUAL_DEBOUNCE"); ok {
		cfg.Buffer.ManualDebounce = d
	}
	if d, ok := envDuration("RENTBOT_RECOVERY_HORIZON"); ok {
		cfg.Pending.RecoveryHorizon = d
	}
	if d, ok := envDuration("RENTBOT_CACHE_TTL"); ok {
		cfg.Cache.TTL = d
	}
	if v := os.Getenv("RENTBOT_CACHE_MAX_ENTRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Cache.MaxEntries = n
		}
	}
	if v := os.Getenv("RENTBOT_MIN_FRAGMENT_LENGTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Buffer.MinFragmentLength = n
		}
	}
}

func envDuration(name string) (time.Duration, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return d, true
}
