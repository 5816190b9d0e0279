// Package config provides the configuration schema and loader for the
// scribelink dictation client.
package config

import (
	"time"

	"github.com/MrWong99/scribelink/internal/audiobuf"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// AuthKind selects the credential scheme announced in the hello.
type AuthKind string

const (
	AuthOIDC   AuthKind = "oidc"
	AuthAPIKey AuthKind = "apikey"
)

// IsValid reports whether k is a recognised auth kind.
func (k AuthKind) IsValid() bool {
	return k == AuthOIDC || k == AuthAPIKey
}

// DefaultTokenEnv is the environment variable consulted for the token when
// neither auth.token_file nor auth.token_env is set.
const DefaultTokenEnv = "SCRIBELINK_TOKEN"

// Defaults applied by [Config.ApplyDefaults].
const (
	DefaultHandshakeTimeout  = 10 * time.Second
	DefaultIdleTimeout       = 300 * time.Second
	DefaultWriteTimeout      = 5 * time.Second
	DefaultCloseTimeout      = 3 * time.Second
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultHeartbeatMissed   = 3
	DefaultBackoffBase       = 1 * time.Second
	DefaultBackoffMax        = 30 * time.Second
	DefaultBackoffJitter     = 0.1
	DefaultBanCooldown       = 300 * time.Second
	DefaultStatusAddr        = "127.0.0.1:9464"
)

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Client    ClientConfig    `yaml:"client"`
	Timeouts  TimeoutsConfig  `yaml:"timeouts"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Backoff   BackoffConfig   `yaml:"backoff"`
	Buffer    BufferConfig    `yaml:"buffer"`
	Ban       BanConfig       `yaml:"ban"`
	Server    ServerConfig    `yaml:"server"`
}

// ClientConfig describes the remote endpoint and the local identity.
type ClientConfig struct {
	// Endpoint is the transcription server URL, e.g. "wss://stt.example.com"
	// or "localhost:8000". Plaintext is only accepted for local hosts.
	Endpoint string `yaml:"endpoint"`

	// Version is the client version announced in the hello. Overridden by
	// the build version when empty.
	Version string `yaml:"version"`

	// MinCompatibleVersion is announced in the hello. Optional.
	MinCompatibleVersion string `yaml:"min_compatible_version"`

	// Incognito asks the server not to retain the session and zeroes audio
	// buffers after sending.
	Incognito bool `yaml:"incognito"`

	// Preflight queries the server's /health endpoint before connecting.
	Preflight bool `yaml:"preflight"`

	// LockPath overrides the single-instance lock file location.
	LockPath string `yaml:"lock_path"`

	Auth AuthConfig `yaml:"auth"`
}

// AuthConfig locates the credential written by the external login tool.
type AuthConfig struct {
	Kind AuthKind `yaml:"kind"`

	// TokenFile is read on every connect attempt. Takes precedence over
	// TokenEnv.
	TokenFile string `yaml:"token_file"`

	// TokenEnv names the environment variable holding the token.
	TokenEnv string `yaml:"token_env"`
}

// TimeoutsConfig bounds the connection phases.
type TimeoutsConfig struct {
	Handshake time.Duration `yaml:"handshake"`
	Idle      time.Duration `yaml:"idle"`
	Write     time.Duration `yaml:"write"`
	Close     time.Duration `yaml:"close"`
}

// HeartbeatConfig tunes transport liveness detection.
type HeartbeatConfig struct {
	Interval  time.Duration `yaml:"interval"`
	MaxMissed int           `yaml:"max_missed"`
}

// BackoffConfig tunes reconnection delays.
type BackoffConfig struct {
	Base   time.Duration `yaml:"base"`
	Max    time.Duration `yaml:"max"`
	Jitter float64       `yaml:"jitter"`

	// MaxAttempts bounds consecutive reconnects. Zero is unbounded.
	MaxAttempts int `yaml:"max_attempts"`
}

// BufferConfig sizes the pre-handshake audio buffer.
type BufferConfig struct {
	MaxBytes int             `yaml:"max_bytes"`
	Policy   audiobuf.Policy `yaml:"policy"`
}

// BanConfig tunes server cooldown handling.
type BanConfig struct {
	// DefaultCooldown applies when the server names no usable duration.
	DefaultCooldown time.Duration `yaml:"default_cooldown"`
}

// ServerConfig holds the local status server and logging settings.
type ServerConfig struct {
	// ListenAddr is the status server address (health, metrics, state).
	// "off" disables the server.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// StatusDisabled is the ListenAddr value that turns the status server off.
const StatusDisabled = "off"

// ApplyDefaults fills every zero field with its default.
func (c *Config) ApplyDefaults() {
	if c.Client.Auth.Kind == "" {
		c.Client.Auth.Kind = AuthOIDC
	}
	if c.Client.Auth.TokenFile == "" && c.Client.Auth.TokenEnv == "" {
		c.Client.Auth.TokenEnv = DefaultTokenEnv
	}

	setDuration(&c.Timeouts.Handshake, DefaultHandshakeTimeout)
	setDuration(&c.Timeouts.Idle, DefaultIdleTimeout)
	setDuration(&c.Timeouts.Write, DefaultWriteTimeout)
	setDuration(&c.Timeouts.Close, DefaultCloseTimeout)
	setDuration(&c.Heartbeat.Interval, DefaultHeartbeatInterval)
	if c.Heartbeat.MaxMissed <= 0 {
		c.Heartbeat.MaxMissed = DefaultHeartbeatMissed
	}

	setDuration(&c.Backoff.Base, DefaultBackoffBase)
	setDuration(&c.Backoff.Max, DefaultBackoffMax)
	if c.Backoff.Jitter == 0 {
		c.Backoff.Jitter = DefaultBackoffJitter
	}

	if c.Buffer.MaxBytes <= 0 {
		c.Buffer.MaxBytes = audiobuf.DefaultMaxBytes
	}
	if c.Buffer.Policy == "" {
		c.Buffer.Policy = audiobuf.PolicyDropOldest
	}
	setDuration(&c.Ban.DefaultCooldown, DefaultBanCooldown)

	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = DefaultStatusAddr
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}
}

func setDuration(d *time.Duration, def time.Duration) {
	if *d == 0 {
		*d = def
	}
}
