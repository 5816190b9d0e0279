package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
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
// defaults. Useful in tests where configs are constructed from string
// literals.
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
	cfg.ApplyDefaults()
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values. Zero values
// are legal and mean "use the default". It returns a joined error listing
// all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Client
	if cfg.Client.Endpoint == "" {
		errs = append(errs, errors.New("client.endpoint is required"))
	}
	var local *semver.Version
	if cfg.Client.Version != "" {
		v, err := semver.NewVersion(cfg.Client.Version)
		if err != nil {
			errs = append(errs, fmt.Errorf("client.version %q is not a semantic version: %w", cfg.Client.Version, err))
		}
		local = v
	}
	if cfg.Client.MinCompatibleVersion != "" {
		v, err := semver.NewVersion(cfg.Client.MinCompatibleVersion)
		if err != nil {
			errs = append(errs, fmt.Errorf("client.min_compatible_version %q is not a semantic version: %w", cfg.Client.MinCompatibleVersion, err))
		} else if local != nil && v.GreaterThan(local) {
			errs = append(errs, fmt.Errorf("client.min_compatible_version %s is newer than client.version %s", v, local))
		}
	}
	if k := cfg.Client.Auth.Kind; k != "" && !k.IsValid() {
		errs = append(errs, fmt.Errorf("client.auth.kind %q is invalid; valid values: oidc, apikey", k))
	}
	if cfg.Client.Auth.TokenFile != "" && cfg.Client.Auth.TokenEnv != "" {
		slog.Warn("client.auth.token_file and token_env are both set; the file takes precedence",
			"token_file", cfg.Client.Auth.TokenFile,
			"token_env", cfg.Client.Auth.TokenEnv,
		)
	}

	// Durations
	for _, f := range []struct {
		name string
		d    time.Duration
	}{
		{"timeouts.handshake", cfg.Timeouts.Handshake},
		{"timeouts.idle", cfg.Timeouts.Idle},
		{"timeouts.write", cfg.Timeouts.Write},
		{"timeouts.close", cfg.Timeouts.Close},
		{"heartbeat.interval", cfg.Heartbeat.Interval},
		{"backoff.base", cfg.Backoff.Base},
		{"backoff.max", cfg.Backoff.Max},
		{"ban.default_cooldown", cfg.Ban.DefaultCooldown},
	} {
		if f.d < 0 {
			errs = append(errs, fmt.Errorf("%s %s must not be negative", f.name, f.d))
		}
	}
	if cfg.Heartbeat.MaxMissed < 0 {
		errs = append(errs, fmt.Errorf("heartbeat.max_missed %d must not be negative", cfg.Heartbeat.MaxMissed))
	}
	if cfg.Timeouts.Idle > 0 && cfg.Heartbeat.Interval > 0 && cfg.Heartbeat.Interval >= cfg.Timeouts.Idle {
		slog.Warn("heartbeat.interval is not shorter than timeouts.idle; a dead transport may go unnoticed until the idle disconnect",
			"interval", cfg.Heartbeat.Interval,
			"idle", cfg.Timeouts.Idle,
		)
	}

	// Backoff
	if cfg.Backoff.Jitter < 0 || cfg.Backoff.Jitter > 1 {
		errs = append(errs, fmt.Errorf("backoff.jitter %.2f is out of range [0, 1]", cfg.Backoff.Jitter))
	}
	if cfg.Backoff.Base > 0 && cfg.Backoff.Max > 0 && cfg.Backoff.Max < cfg.Backoff.Base {
		errs = append(errs, fmt.Errorf("backoff.max %s is shorter than backoff.base %s", cfg.Backoff.Max, cfg.Backoff.Base))
	}
	if cfg.Backoff.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("backoff.max_attempts %d must not be negative", cfg.Backoff.MaxAttempts))
	}

	// Buffer
	if cfg.Buffer.MaxBytes < 0 {
		errs = append(errs, fmt.Errorf("buffer.max_bytes %d must not be negative", cfg.Buffer.MaxBytes))
	}
	if p := cfg.Buffer.Policy; p != "" && !p.IsValid() {
		errs = append(errs, fmt.Errorf("buffer.policy %q is invalid; valid values: drop_oldest, reject_new", p))
	}

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	return errors.Join(errs...)
}
