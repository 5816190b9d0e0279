// Package backoff computes reconnection delays.
//
// The delay for attempt n (0-based) is min(Base·2ⁿ, Max) plus a bounded,
// non-negative jitter of at most Jitter·delay. The attempt counter resets to
// zero whenever the connection reaches the ready state.
//
// The controller has no notion of bans: the caller checks the ban state first
// and only asks for a delay when it is not banned.
package backoff

import (
	"math/rand/v2"
	"sync"
	"time"
)

// Default parameters.
const (
	DefaultBase   = 1 * time.Second
	DefaultMax    = 30 * time.Second
	DefaultJitter = 0.1
)

// Config tunes a [Controller].
type Config struct {
	// Base is the delay for the first retry. Defaults to 1s if zero.
	Base time.Duration

	// Max caps the exponential delay before jitter. Defaults to 30s if zero.
	Max time.Duration

	// Jitter is the maximum extra delay as a fraction of the computed delay,
	// in [0, 1]. Zero disables jitter.
	Jitter float64
}

// withDefaults fills zero fields.
func (c Config) withDefaults() Config {
	if c.Base <= 0 {
		c.Base = DefaultBase
	}
	if c.Max <= 0 {
		c.Max = DefaultMax
	}
	if c.Max < c.Base {
		c.Max = c.Base
	}
	c.Jitter = min(max(c.Jitter, 0), 1)
	return c
}

// State is a snapshot of the controller.
type State struct {
	Attempt int
	Current time.Duration
	Max     time.Duration
}

// NextDelay returns min(base·2^attempt, maxDelay) without jitter.
func NextDelay(base, maxDelay time.Duration, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := base
	for range attempt {
		if d > maxDelay-d {
			return maxDelay
		}
		d *= 2
	}
	return min(d, maxDelay)
}

// Controller tracks consecutive failures and hands out delays.
// It is safe for concurrent use.
type Controller struct {
	cfg Config

	mu      sync.Mutex
	attempt int
	current time.Duration
	rng     *rand.Rand
}

// New creates a [Controller].
func New(cfg Config) *Controller {
	return &Controller{
		cfg: cfg.withDefaults(),
		rng: rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x5ca1ab1e)),
	}
}

// Next returns the delay to wait before the next attempt and advances the
// attempt counter.
func (c *Controller) Next() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	d := NextDelay(c.cfg.Base, c.cfg.Max, c.attempt)
	if c.cfg.Jitter > 0 {
		d += time.Duration(c.rng.Float64() * c.cfg.Jitter * float64(d))
	}
	c.attempt++
	c.current = d
	return d
}

// Reset sets the attempt counter back to zero.
func (c *Controller) Reset() {
	c.mu.Lock()
	c.attempt = 0
	c.current = 0
	c.mu.Unlock()
}

// Attempt returns the number of delays handed out since the last Reset.
func (c *Controller) Attempt() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt
}

// Snapshot returns the current state.
func (c *Controller) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{Attempt: c.attempt, Current: c.current, Max: c.cfg.Max}
}
