package backoff

import (
	"testing"
	"time"
)

func TestNextDelay_Sequence(t *testing.T) {
	t.Parallel()

	want := []time.Duration{1, 2, 4, 8, 16, 30, 30, 30}
	for i, w := range want {
		got := NextDelay(time.Second, 30*time.Second, i)
		if got != w*time.Second {
			t.Errorf("attempt %d: got %v, want %v", i, got, w*time.Second)
		}
	}
}

func TestNextDelay_OddMax(t *testing.T) {
	t.Parallel()

	// Doubling 2 gives 4, which is still below a max of 5.
	want := []time.Duration{2, 4, 5, 5}
	for i, w := range want {
		if got := NextDelay(2, 5, i); got != w {
			t.Errorf("attempt %d: got %d, want %d", i, got, w)
		}
	}
}

func TestNextDelay_LargeAttemptDoesNotOverflow(t *testing.T) {
	t.Parallel()

	if got := NextDelay(time.Second, 30*time.Second, 500); got != 30*time.Second {
		t.Errorf("got %v, want 30s", got)
	}
}

func TestController_ResetAfterReady(t *testing.T) {
	t.Parallel()

	c := New(Config{Base: time.Second, Max: 30 * time.Second})
	var got []time.Duration
	for range 7 {
		got = append(got, c.Next())
	}
	want := []time.Duration{1, 2, 4, 8, 16, 30, 30}
	for i := range want {
		if got[i] != want[i]*time.Second {
			t.Fatalf("sequence %v, want %v (seconds)", got, want)
		}
	}

	c.Reset()
	if c.Attempt() != 0 {
		t.Errorf("Attempt after reset = %d", c.Attempt())
	}
	if d := c.Next(); d != time.Second {
		t.Errorf("first delay after reset = %v, want 1s", d)
	}
}

func TestController_JitterIsBounded(t *testing.T) {
	t.Parallel()

	c := New(Config{Base: 100 * time.Millisecond, Max: time.Second, Jitter: 0.5})
	for i := range 20 {
		base := NextDelay(100*time.Millisecond, time.Second, i)
		d := c.Next()
		if d < base || d > base+base/2 {
			t.Fatalf("attempt %d: delay %v outside [%v, %v]", i, d, base, base+base/2)
		}
	}
}

func TestController_Defaults(t *testing.T) {
	t.Parallel()

	c := New(Config{})
	s := c.Snapshot()
	if s.Max != DefaultMax {
		t.Errorf("Max = %v, want %v", s.Max, DefaultMax)
	}
	if d := c.Next(); d < DefaultBase || d > DefaultBase+DefaultBase/10 {
		t.Errorf("first delay %v outside default jitter bounds", d)
	}
}
