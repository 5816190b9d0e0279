package config

// ConfigDiff describes what changed between two configs. Only the log level
// can be applied without a restart; every other changed section is listed in
// RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired names the changed sections that only take effect after
	// a restart, in declaration order.
	RestartRequired []string
}

// Changed reports whether anything differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	sections := []struct {
		name    string
		changed bool
	}{
		{"client", old.Client != new.Client},
		{"timeouts", old.Timeouts != new.Timeouts},
		{"heartbeat", old.Heartbeat != new.Heartbeat},
		{"backoff", old.Backoff != new.Backoff},
		{"buffer", old.Buffer != new.Buffer},
		{"ban", old.Ban != new.Ban},
		{"server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr},
	}
	for _, s := range sections {
		if s.changed {
			d.RestartRequired = append(d.RestartRequired, s.name)
		}
	}
	return d
}
