package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are applied; the rest are
// listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// TextPolicyChanged is true if text.max_retries or text.retry_delay
	// changed.
	TextPolicyChanged bool

	// HistoryLimitChanged is true if history.turn_limit_for_remote changed.
	HistoryLimitChanged bool

	// RestartRequired names the changed sections that only take effect
	// after a restart.
	RestartRequired []string
}

// Changed reports whether d records any change at all.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.TextPolicyChanged || d.HistoryLimitChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// Text delivery policy
	if old.Text.Retries() != new.Text.Retries() || old.Text.RetryDelay != new.Text.RetryDelay {
		d.TextPolicyChanged = true
	}

	// Hydration window
	if old.History.TurnLimitForRemote != new.History.TurnLimitForRemote {
		d.HistoryLimitChanged = true
	}

	// Everything else is wired at startup.
	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if !sameEntry(old.Providers.Realtime, new.Providers.Realtime) ||
		!sameEntry(old.Providers.Token, new.Providers.Token) ||
		!sameEntry(old.Providers.Audio, new.Providers.Audio) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Agent != new.Agent {
		d.RestartRequired = append(d.RestartRequired, "agent")
	}
	if old.Voice != new.Voice {
		d.RestartRequired = append(d.RestartRequired, "voice")
	}
	if old.Text.AutoConnectEnabled() != new.Text.AutoConnectEnabled() || old.Text.ConnectSettle != new.Text.ConnectSettle {
		d.RestartRequired = append(d.RestartRequired, "text.auto_connect")
	}
	if old.Memory != new.Memory {
		d.RestartRequired = append(d.RestartRequired, "memory")
	}

	return d
}

// sameEntry compares the scalar fields of two provider entries. Options are
// not compared.
func sameEntry(a, b ProviderEntry) bool {
	return a.Name == b.Name && a.APIKey == b.APIKey && a.BaseURL == b.BaseURL && a.Model == b.Model
}
