package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"realtime": {"openai"},
	"token":    {"openai", "static"},
	"audio":    {"file"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, validates it and applies
// defaults. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Providers
	if cfg.Providers.Realtime.Name == "" {
		errs = append(errs, errors.New("providers.realtime.name is required"))
	}
	validateProviderName("realtime", cfg.Providers.Realtime.Name)
	validateProviderName("token", cfg.Providers.Token.Name)
	validateProviderName("audio", cfg.Providers.Audio.Name)

	if cfg.Providers.Token.Name == "" && cfg.Providers.Realtime.APIKey == "" {
		slog.Warn("no token provider and no providers.realtime.api_key; connecting will fail until a credential is configured")
	}

	// Voice
	if cfg.Voice.StartMode != "" && !cfg.Voice.StartMode.IsValid() {
		errs = append(errs, fmt.Errorf("voice.start_mode %q is invalid; valid values: text, voice", cfg.Voice.StartMode))
	}
	if cfg.Voice.StartMode == StartVoice && cfg.Providers.Audio.Name == "" {
		slog.Warn("voice.start_mode is voice but providers.audio is not configured; starting in text mode")
	}
	if cfg.Voice.ReconnectDelay < 0 {
		errs = append(errs, fmt.Errorf("voice.reconnect_delay %v must not be negative", cfg.Voice.ReconnectDelay.D()))
	}

	// Text
	if cfg.Text.MaxRetries != nil && *cfg.Text.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("text.max_retries %d must not be negative", *cfg.Text.MaxRetries))
	}
	if cfg.Text.RetryDelay < 0 {
		errs = append(errs, fmt.Errorf("text.retry_delay %v must not be negative", cfg.Text.RetryDelay.D()))
	}
	if cfg.Text.ConnectSettle < 0 {
		errs = append(errs, fmt.Errorf("text.connect_settle %v must not be negative", cfg.Text.ConnectSettle.D()))
	}

	// History
	if cfg.History.TurnLimitForRemote < 0 {
		errs = append(errs, fmt.Errorf("history.turn_limit_for_remote %d must not be negative", cfg.History.TurnLimitForRemote))
	}

	// Memory
	if cfg.Memory.Breaker.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("memory.breaker.max_failures %d must not be negative", cfg.Memory.Breaker.MaxFailures))
	}
	if cfg.Memory.Breaker.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("memory.breaker.reset_timeout %v must not be negative", cfg.Memory.Breaker.ResetTimeout.D()))
	}
	if cfg.Memory.PostgresDSN == "" {
		slog.Info("memory.postgres_dsn is empty; conversation history will not survive a restart")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
