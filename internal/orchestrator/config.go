package orchestrator

import (
	"net/http"
	"time"

	"github.com/MrWong99/scribelink/internal/audiobuf"
	"github.com/MrWong99/scribelink/internal/backoff"
	"github.com/MrWong99/scribelink/internal/credential"
	"github.com/MrWong99/scribelink/internal/endpoint"
	"github.com/MrWong99/scribelink/internal/observe"
)

// Default timeouts.
const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultIdleTimeout      = 300 * time.Second
	DefaultWriteTimeout     = 5 * time.Second
	DefaultCloseTimeout     = 3 * time.Second
)

// Config holds the orchestrator settings. Zero values take defaults.
type Config struct {
	// Endpoint is the server URL. http(s) schemes are mapped to ws(s) and a
	// missing path defaults to /ws.
	Endpoint string

	// ClientVersion is announced in the hello and checked against the
	// server's minimum. Required.
	ClientVersion string

	// MinCompatibleVersion is announced in the hello. Optional.
	MinCompatibleVersion string

	// Incognito asks the server not to retain the session and zeroes every
	// audio payload right after it was written.
	Incognito bool

	HandshakeTimeout time.Duration
	IdleTimeout      time.Duration
	WriteTimeout     time.Duration
	CloseTimeout     time.Duration

	HeartbeatInterval  time.Duration
	HeartbeatMaxMissed int

	Backoff backoff.Config

	// MaxRetries bounds consecutive reconnect attempts. Zero is unbounded.
	MaxRetries int

	BufferMaxBytes int
	BufferPolicy   audiobuf.Policy

	// BanCooldown applies when the server sends no usable duration.
	BanCooldown time.Duration

	// BanTick is the countdown granularity. Defaults to one second.
	BanTick time.Duration
}

func (c Config) withDefaults() Config {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = DefaultCloseTimeout
	}
	if c.BufferPolicy == "" {
		c.BufferPolicy = audiobuf.PolicyDropOldest
	}
	return c
}

// Option is a functional option for [New].
type Option func(*Orchestrator)

// WithCredentials sets the credential provider. Required.
func WithCredentials(p credential.Provider) Option {
	return func(o *Orchestrator) { o.creds = p }
}

// WithValidator overrides the endpoint validator, e.g. to inject a resolver.
func WithValidator(v *endpoint.Validator) Option {
	return func(o *Orchestrator) { o.validator = v }
}

// WithMetrics sets the metric instruments. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithHTTPClient sets the client used for the WebSocket upgrade and the
// pre-flight request.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Orchestrator) { o.httpClient = c }
}
