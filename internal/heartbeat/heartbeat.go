// Package heartbeat detects a dead transport independently of user activity.
//
// A [Monitor] pings the peer on a fixed interval once the connection is
// ready. A ping that errors or does not complete within the timeout counts as
// a miss; a successful ping resets the count. After MaxMissed consecutive
// misses the monitor reports the transport dead exactly once and stops.
//
// Heartbeats say nothing about whether the user is speaking, so they never
// touch the idle timer.
package heartbeat

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Defaults.
const (
	DefaultInterval  = 15 * time.Second
	DefaultMaxMissed = 3
)

// Pinger sends one liveness probe and waits for its answer.
// *websocket.Conn from github.com/coder/websocket satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config tunes a [Monitor].
type Config struct {
	// Interval between pings.
	Interval time.Duration

	// Timeout for a single ping. Defaults to Interval.
	Timeout time.Duration

	// MaxMissed consecutive misses mark the transport dead.
	MaxMissed int

	// OnMiss, if set, is called after every missed beat with the current
	// consecutive count.
	OnMiss func(missed int)

	// OnDead is called once when MaxMissed is reached.
	OnDead func()
}

// Monitor runs the ping loop for one connection.
type Monitor struct {
	pinger Pinger
	cfg    Config

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Start launches a monitor for p. It runs until ctx is cancelled, [Monitor.Stop]
// is called or the transport is declared dead.
func Start(ctx context.Context, p Pinger, cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = cfg.Interval
	}
	if cfg.MaxMissed <= 0 {
		cfg.MaxMissed = DefaultMaxMissed
	}
	ctx, cancel := context.WithCancel(ctx)
	m := &Monitor{
		pinger: p,
		cfg:    cfg,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go m.run(ctx)
	return m
}

// Stop halts the monitor and waits for the loop to exit. Safe to call more
// than once and from any goroutine other than an OnDead or OnMiss callback.
func (m *Monitor) Stop() {
	m.once.Do(m.cancel)
	<-m.done
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	missed := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		pingCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
		err := m.pinger.Ping(pingCtx)
		cancel()
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			if missed > 0 {
				slog.Debug("heartbeat: recovered", "after_missed", missed)
			}
			missed = 0
			continue
		}

		missed++
		slog.Warn("heartbeat: missed beat", "missed", missed, "max", m.cfg.MaxMissed, "err", err)
		if m.cfg.OnMiss != nil {
			m.cfg.OnMiss(missed)
		}
		if missed >= m.cfg.MaxMissed {
			if m.cfg.OnDead != nil {
				m.cfg.OnDead()
			}
			return
		}
	}
}
