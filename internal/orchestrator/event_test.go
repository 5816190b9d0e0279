package orchestrator

import (
	"errors"
	"testing"
	"time"
)

func TestHub_FanOutAndClose(t *testing.T) {
	t.Parallel()

	h := newHub[int]("test")
	a, unsubA := h.subscribe()
	b, _ := h.subscribe()

	h.publish(1)
	if got := <-a; got != 1 {
		t.Errorf("a got %d", got)
	}
	if got := <-b; got != 1 {
		t.Errorf("b got %d", got)
	}

	unsubA()
	unsubA()
	if _, ok := <-a; ok {
		t.Error("a not closed after unsubscribe")
	}

	h.close()
	if _, ok := <-b; ok {
		t.Error("b not closed after hub close")
	}
	late, _ := h.subscribe()
	if _, ok := <-late; ok {
		t.Error("subscribe after close should yield a closed channel")
	}
	h.publish(2)
}

func TestHub_SlowSubscriberLoses(t *testing.T) {
	t.Parallel()

	h := newHub[int]("test")
	ch, _ := h.subscribe()

	done := make(chan struct{})
	go func() {
		for i := range subscriberBuffer + 10 {
			h.publish(i)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	if n := len(ch); n != subscriberBuffer {
		t.Errorf("buffered %d values, want %d", n, subscriberBuffer)
	}
	if first := <-ch; first != 0 {
		t.Errorf("first = %d, want oldest retained", first)
	}
}

func TestStateString(t *testing.T) {
	t.Parallel()

	want := map[State]string{
		Disconnected:         "disconnected",
		Connecting:           "connecting",
		AwaitingHandshakeAck: "awaiting_handshake_ack",
		Ready:                "ready",
		Closing:              "closing",
		Banned:               "banned",
		Reconnecting:         "reconnecting",
		State(99):            "unknown",
	}
	for s, name := range want {
		if s.String() != name {
			t.Errorf("%d.String() = %q, want %q", s, s.String(), name)
		}
	}
	if !Ready.hasSession() || Reconnecting.hasSession() || Banned.hasSession() {
		t.Error("hasSession mismatch")
	}
}

func TestFault(t *testing.T) {
	t.Parallel()

	cause := errors.New("boom")
	f := &Fault{Kind: FaultTransport, State: Ready, Err: cause}
	if !errors.Is(f, cause) {
		t.Error("fault does not unwrap to its cause")
	}
	if got := f.Error(); got != "orchestrator: transport_error: boom" {
		t.Errorf("Error() = %q", got)
	}
	if !f.Retryable() {
		t.Error("transport fault should be retryable")
	}

	f.Fatal = true
	if f.Retryable() {
		t.Error("fatal fault reported retryable")
	}
	if got := f.Error(); got != "orchestrator: transport_error (fatal): boom" {
		t.Errorf("Error() = %q", got)
	}

	cfg := newFault(FaultConfig, Disconnected, "", "bad scheme %q", "ftp")
	if cfg.Retryable() {
		t.Error("config fault reported retryable")
	}
	if cfg.Err.Error() != `bad scheme "ftp"` {
		t.Errorf("newFault message = %q", cfg.Err)
	}
}
