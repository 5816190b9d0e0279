package orchestrator

import (
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/scribelink/internal/audiobuf"
)

// EventKind discriminates [Event].
type EventKind int

const (
	// EventTransition carries From and To.
	EventTransition EventKind = iota + 1

	// EventFault carries Fault.
	EventFault

	// EventNotice carries a user-facing Text (server status, no-audio,
	// model loading, version advisory).
	EventNotice

	// EventTranscript carries sanitised Text and Final.
	EventTranscript
)

// Event is one observable change. Presentation layers consume these through
// [Orchestrator.Subscribe].
type Event struct {
	Kind EventKind
	At   time.Time

	From, To State

	// RetryIn is the wait before the next attempt on a transition into
	// Reconnecting. Zero means an immediate retry.
	RetryIn time.Duration

	Fault *Fault

	Text  string
	Final bool

	// Pressure is set on buffer overrun faults.
	Pressure audiobuf.Pressure
}

// subscriberBuffer is the per-subscriber channel capacity.
const subscriberBuffer = 256

// hub fans out values to subscribers without ever blocking the publisher.
// A subscriber that falls behind loses the overflowing values.
type hub[T any] struct {
	name string

	mu     sync.Mutex
	subs   map[int]chan T
	nextID int
	closed bool
}

func newHub[T any](name string) *hub[T] {
	return &hub[T]{name: name, subs: make(map[int]chan T)}
}

func (h *hub[T]) subscribe() (<-chan T, func()) {
	ch := make(chan T, subscriberBuffer)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if c, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(c)
			}
		})
	}
}

func (h *hub[T]) publish(v T) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		select {
		case ch <- v:
		default:
			slog.Debug("orchestrator: subscriber lagging, value dropped", "hub", h.name, "subscriber", id)
		}
	}
}

// close closes every subscriber channel.
func (h *hub[T]) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
