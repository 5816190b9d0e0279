// Package ban tracks server-imposed reconnection cooldowns.
//
// A ban is signalled by a WebSocket close with the policy-violation status
// code, preceded by a JSON error event carrying cooldownSeconds. The
// [Tracker] turns that pair into a [Record], forbids connect attempts until
// the cooldown has elapsed, and publishes a one-second countdown for display.
// Missing or malformed durations fall back to [DefaultCooldown]; a policy
// close is never ignored.
//
// All methods are safe for concurrent use.
package ban

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// CloseCodePolicyViolation is the WebSocket close status (RFC 6455 §7.4.1)
// that marks a punitive closure.
const CloseCodePolicyViolation = 1008

// Defaults.
const (
	DefaultCooldown = 5 * time.Minute
	DefaultTick     = 1 * time.Second
)

// MaxCooldown caps server-requested cooldowns. Longer requests, including
// ones that do not fit a [time.Duration], saturate to it.
const MaxCooldown = 100 * 365 * 24 * time.Hour

// ErrBanned is returned by [Tracker.Allow] while a cooldown is active.
var ErrBanned = errors.New("ban: reconnection suppressed by server cooldown")

// Notice is the JSON error event received immediately before the close.
type Notice struct {
	// Reason is the server reason code, e.g. "BANNED".
	Reason string

	// CooldownSeconds is the requested cooldown. Nil or non-positive values
	// select the default; values beyond [MaxCooldown] are capped.
	CooldownSeconds *int

	// Raw is the original event payload.
	Raw string
}

// Record describes one active ban.
type Record struct {
	Reason        string
	CooldownUntil time.Time
	RawText       string
}

// Remaining returns the cooldown left at now, never negative.
func (r Record) Remaining(now time.Time) time.Duration {
	return max(r.CooldownUntil.Sub(now), 0)
}

// Config tunes a [Tracker].
type Config struct {
	// DefaultCooldown is applied when the server gives no usable duration.
	DefaultCooldown time.Duration

	// Tick is the countdown granularity. Defaults to one second.
	Tick time.Duration

	// Now overrides the clock. Defaults to time.Now.
	Now func() time.Time
}

// Tracker owns at most one active ban.
type Tracker struct {
	defaultCooldown time.Duration
	tick            time.Duration
	now             func() time.Time

	mu     sync.Mutex
	active *Record
	stop   chan struct{}
	subs   map[int]chan time.Duration
	nextID int
}

// NewTracker creates a [Tracker]. Zero config fields take defaults.
func NewTracker(cfg Config) *Tracker {
	if cfg.DefaultCooldown <= 0 {
		cfg.DefaultCooldown = DefaultCooldown
	}
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Tracker{
		defaultCooldown: cfg.DefaultCooldown,
		tick:            cfg.Tick,
		now:             cfg.Now,
		subs:            make(map[int]chan time.Duration),
	}
}

// Parse turns a close into a ban record. It returns false when closeCode is
// not the policy-violation code. For a policy-violation close the duration is
// taken from the preceding notice, then from the close reason text, and
// finally from the default cooldown.
func (t *Tracker) Parse(closeCode int, closeReason string, notice *Notice) (Record, bool) {
	if closeCode != CloseCodePolicyViolation {
		return Record{}, false
	}

	rec := Record{Reason: "POLICY_VIOLATION", RawText: closeReason}
	cooldown := time.Duration(0)
	if notice != nil {
		if notice.Reason != "" {
			rec.Reason = notice.Reason
		}
		if notice.Raw != "" {
			rec.RawText = notice.Raw
		}
		if notice.CooldownSeconds != nil && *notice.CooldownSeconds > 0 {
			cooldown = scaled(int64(*notice.CooldownSeconds), time.Second)
		}
	}
	if cooldown == 0 {
		switch sig := ParseReason(closeReason).(type) {
		case Ban:
			cooldown = sig.Duration
		case Unknown:
			slog.Warn("ban: no usable cooldown, applying default",
				"close_reason", sig.RawText,
				"default", t.defaultCooldown,
			)
			cooldown = t.defaultCooldown
		}
	}

	rec.CooldownUntil = t.now().Add(cooldown)
	return rec, true
}

// Begin activates rec and starts the countdown. onExpire is called exactly
// once from the countdown goroutine when the cooldown reaches zero, unless
// [Tracker.Cancel] is called first. A previously active ban is replaced.
func (t *Tracker) Begin(rec Record, onExpire func()) {
	t.mu.Lock()
	if t.stop != nil {
		close(t.stop)
	}
	stop := make(chan struct{})
	t.stop = stop
	r := rec
	t.active = &r
	t.mu.Unlock()

	slog.Warn("ban: cooldown started",
		"reason", rec.Reason,
		"until", rec.CooldownUntil,
		"remaining", rec.Remaining(t.now()),
	)
	go t.countdown(rec, stop, onExpire)
}

// countdown publishes the remaining cooldown every tick and expires the ban.
func (t *Tracker) countdown(rec Record, stop <-chan struct{}, onExpire func()) {
	ticker := time.NewTicker(t.tick)
	defer ticker.Stop()
	expiry := time.NewTimer(rec.Remaining(t.now()))
	defer expiry.Stop()

	t.publish(roundUp(rec.Remaining(t.now()), t.tick))
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if rem := rec.Remaining(t.now()); rem > 0 {
				t.publish(roundUp(rem, t.tick))
			}
		case <-expiry.C:
			if rem := rec.Remaining(t.now()); rem > 0 {
				// Clock skew between timer and Now; wait for the rest.
				expiry.Reset(rem)
				continue
			}
			t.mu.Lock()
			if t.stop != stop {
				t.mu.Unlock()
				return
			}
			t.active = nil
			t.stop = nil
			t.mu.Unlock()

			t.publish(0)
			slog.Info("ban: cooldown elapsed", "reason", rec.Reason)
			if onExpire != nil {
				onExpire()
			}
			return
		}
	}
}

// Cancel stops the countdown without firing onExpire. The record stays
// active so [Tracker.Allow] keeps refusing until the cooldown has elapsed.
func (t *Tracker) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stop != nil {
		close(t.stop)
		t.stop = nil
	}
}

// Active returns the current ban, if its cooldown is still running.
func (t *Tracker) Active() (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active == nil {
		return Record{}, false
	}
	if t.active.Remaining(t.now()) <= 0 {
		t.active = nil
		return Record{}, false
	}
	return *t.active, true
}

// Allow returns [ErrBanned] while a cooldown is active.
func (t *Tracker) Allow() error {
	rec, ok := t.Active()
	if !ok {
		return nil
	}
	return fmt.Errorf("%w: %s, %s remaining", ErrBanned, rec.Reason, roundUp(rec.Remaining(t.now()), time.Second))
}

// Subscribe returns a channel of remaining cooldown values, rounded up to the
// tick, and a function that unsubscribes. Slow readers only see the latest
// value.
func (t *Tracker) Subscribe() (<-chan time.Duration, func()) {
	ch := make(chan time.Duration, 1)
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.subs[id] = ch
	t.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subs, id)
			t.mu.Unlock()
		})
	}
}

func (t *Tracker) publish(rem time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ch := range t.subs {
		select {
		case ch <- rem:
		default:
			// Replace the stale value.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- rem:
			default:
			}
		}
	}
}

// roundUp rounds d up to a multiple of unit.
func roundUp(d, unit time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	if r := d % unit; r != 0 {
		d += unit - r
	}
	return d
}
