package ban

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func intPtr(n int) *int { return &n }

func TestParseReason(t *testing.T) {
	t.Parallel()

	tests := []struct {
		text string
		want Signal
	}{
		{`{"cooldownSeconds": 120}`, Ban{Duration: 120 * time.Second}},
		{`{"cooldownSeconds": "x"}`, Unknown{RawText: `{"cooldownSeconds": "x"}`}},
		{"banned for 300 seconds", Ban{Duration: 300 * time.Second}},
		{"retry in 5 minutes", Ban{Duration: 5 * time.Minute}},
		{"cooldown=90s", Ban{Duration: 90 * time.Second}},
		{"45", Ban{Duration: 45 * time.Second}},
		{"BANNED", Unknown{RawText: "BANNED"}},
		{"", Unknown{RawText: ""}},
		{"cooldown -5 seconds", Unknown{RawText: "cooldown -5 seconds"}},
		{`{"cooldownSeconds": 1e10}`, Ban{Duration: MaxCooldown}},
		{`{"cooldownSeconds": 1e20}`, Ban{Duration: MaxCooldown}},
		{`{"cooldownSeconds": 1e400}`, Ban{Duration: MaxCooldown}},
		{"9999999999 seconds", Ban{Duration: MaxCooldown}},
		{"banned for 99999999999999999999999 hours", Ban{Duration: MaxCooldown}},
		{"876000h1m", Ban{Duration: MaxCooldown}},
	}
	for _, tc := range tests {
		t.Run(tc.text, func(t *testing.T) {
			if got := ParseReason(tc.text); got != tc.want {
				t.Errorf("ParseReason(%q) = %#v, want %#v", tc.text, got, tc.want)
			}
		})
	}
}

func TestTracker_Parse(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tr := NewTracker(Config{DefaultCooldown: time.Hour, Now: func() time.Time { return now }})

	t.Run("other close codes are not bans", func(t *testing.T) {
		if _, ok := tr.Parse(1000, "bye", nil); ok {
			t.Error("normal closure parsed as ban")
		}
		if _, ok := tr.Parse(1011, "", &Notice{Reason: "BANNED", CooldownSeconds: intPtr(5)}); ok {
			t.Error("internal error parsed as ban")
		}
	})

	t.Run("notice duration wins", func(t *testing.T) {
		rec, ok := tr.Parse(CloseCodePolicyViolation, "banned for 999 seconds", &Notice{Reason: "BANNED", CooldownSeconds: intPtr(30)})
		if !ok {
			t.Fatal("expected ban")
		}
		if got := rec.CooldownUntil.Sub(now); got != 30*time.Second {
			t.Errorf("cooldown = %v, want 30s", got)
		}
		if rec.Reason != "BANNED" {
			t.Errorf("reason = %q", rec.Reason)
		}
	})

	t.Run("close reason fallback", func(t *testing.T) {
		rec, _ := tr.Parse(CloseCodePolicyViolation, "banned for 2 minutes", &Notice{Reason: "BANNED"})
		if got := rec.CooldownUntil.Sub(now); got != 2*time.Minute {
			t.Errorf("cooldown = %v, want 2m", got)
		}
	})

	t.Run("malformed defaults conservatively", func(t *testing.T) {
		rec, ok := tr.Parse(CloseCodePolicyViolation, "go away", &Notice{CooldownSeconds: intPtr(-3)})
		if !ok {
			t.Fatal("policy close must always yield a ban")
		}
		if got := rec.CooldownUntil.Sub(now); got != time.Hour {
			t.Errorf("cooldown = %v, want default 1h", got)
		}
	})

	t.Run("huge notice duration saturates", func(t *testing.T) {
		rec, ok := tr.Parse(CloseCodePolicyViolation, "", &Notice{Reason: "BANNED", CooldownSeconds: intPtr(10_000_000_000)})
		if !ok {
			t.Fatal("expected ban")
		}
		if got := rec.CooldownUntil.Sub(now); got != MaxCooldown {
			t.Errorf("cooldown = %v, want %v", got, MaxCooldown)
		}
	})

	t.Run("missing notice defaults", func(t *testing.T) {
		rec, ok := tr.Parse(CloseCodePolicyViolation, "", nil)
		if !ok || rec.CooldownUntil.Sub(now) != time.Hour {
			t.Errorf("rec = %+v ok=%v", rec, ok)
		}
	})
}

func TestTracker_HugeCooldownStaysBanned(t *testing.T) {
	t.Parallel()

	tr := NewTracker(Config{})
	rec, _ := tr.Parse(CloseCodePolicyViolation, "", &Notice{Reason: "BANNED", CooldownSeconds: intPtr(10_000_000_000)})
	var expired atomic.Bool
	tr.Begin(rec, func() { expired.Store(true) })
	defer tr.Cancel()

	if rem := rec.Remaining(time.Now()); rem < MaxCooldown-time.Minute {
		t.Errorf("remaining = %v right after the ban started", rem)
	}
	if err := tr.Allow(); !errors.Is(err, ErrBanned) {
		t.Errorf("Allow = %v, want ErrBanned", err)
	}
	time.Sleep(50 * time.Millisecond)
	if expired.Load() {
		t.Error("ban expired immediately")
	}
}

func TestTracker_AllowUntilExpiry(t *testing.T) {
	t.Parallel()

	tr := NewTracker(Config{Tick: 20 * time.Millisecond})
	rec := Record{Reason: "BANNED", CooldownUntil: time.Now().Add(150 * time.Millisecond)}

	var fired atomic.Int32
	expired := make(chan struct{})
	tr.Begin(rec, func() {
		fired.Add(1)
		close(expired)
	})

	if err := tr.Allow(); !errors.Is(err, ErrBanned) {
		t.Fatalf("Allow during cooldown = %v, want ErrBanned", err)
	}

	select {
	case <-expired:
	case <-time.After(2 * time.Second):
		t.Fatal("ban never expired")
	}
	if time.Now().Before(rec.CooldownUntil) {
		t.Error("onExpire fired before cooldown elapsed")
	}
	if err := tr.Allow(); err != nil {
		t.Errorf("Allow after expiry = %v", err)
	}

	time.Sleep(60 * time.Millisecond)
	if n := fired.Load(); n != 1 {
		t.Errorf("onExpire fired %d times, want 1", n)
	}
}

func TestTracker_CountdownReachesZero(t *testing.T) {
	t.Parallel()

	tr := NewTracker(Config{Tick: 10 * time.Millisecond})
	ch, unsubscribe := tr.Subscribe()
	defer unsubscribe()

	tr.Begin(Record{Reason: "BANNED", CooldownUntil: time.Now().Add(80 * time.Millisecond)}, nil)

	var last time.Duration = -1
	deadline := time.After(2 * time.Second)
	for {
		select {
		case rem := <-ch:
			if last >= 0 && rem > last {
				t.Fatalf("countdown went up: %v -> %v", last, rem)
			}
			last = rem
			if rem == 0 {
				return
			}
		case <-deadline:
			t.Fatalf("countdown never reached zero, last = %v", last)
		}
	}
}

func TestTracker_CancelSuppressesExpiryButKeepsBan(t *testing.T) {
	t.Parallel()

	tr := NewTracker(Config{Tick: 10 * time.Millisecond})
	var mu sync.Mutex
	fired := false
	tr.Begin(Record{Reason: "BANNED", CooldownUntil: time.Now().Add(200 * time.Millisecond)}, func() {
		mu.Lock()
		fired = true
		mu.Unlock()
	})
	tr.Cancel()

	if err := tr.Allow(); !errors.Is(err, ErrBanned) {
		t.Errorf("Allow after Cancel = %v, want ErrBanned", err)
	}

	time.Sleep(300 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if fired {
		t.Error("onExpire fired after Cancel")
	}
	if err := tr.Allow(); err != nil {
		t.Errorf("Allow once elapsed = %v", err)
	}
}

func TestRoundUp(t *testing.T) {
	t.Parallel()

	if got := roundUp(1500*time.Millisecond, time.Second); got != 2*time.Second {
		t.Errorf("roundUp = %v", got)
	}
	if got := roundUp(2*time.Second, time.Second); got != 2*time.Second {
		t.Errorf("roundUp exact = %v", got)
	}
	if got := roundUp(-time.Second, time.Second); got != 0 {
		t.Errorf("roundUp negative = %v", got)
	}
}
