// Package dispatch classifies typed server error events into a closed set of
// local kinds and routes each to the consumer registered for it.
//
// The orchestrator registers one handler per kind (ban logic, credential
// refresh, user notices) and hands every inbound error event to
// [Dispatcher.Dispatch]. Codes the client does not know become
// [KindUnknown] with the raw payload kept for diagnostics.
package dispatch

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/scribelink/internal/protocol"
)

// Kind is the local classification of a server error.
type Kind int

const (
	// KindUnknown is the catch-all for unrecognised codes.
	KindUnknown Kind = iota

	// KindNoAudio reports that the server detected no speech.
	KindNoAudio

	// KindModelLoading reports that the backend model is still warming up.
	KindModelLoading

	// KindAuthFailed reports a rejected credential.
	KindAuthFailed

	// KindPolicyViolation precedes a policy-violation close (ban or
	// version rejection).
	KindPolicyViolation
)

// String returns the kind name used in logs and metric attributes.
func (k Kind) String() string {
	switch k {
	case KindNoAudio:
		return "no_audio"
	case KindModelLoading:
		return "model_loading"
	case KindAuthFailed:
		return "auth_failed"
	case KindPolicyViolation:
		return "policy_violation"
	default:
		return "unknown"
	}
}

// Error is a classified server error. It implements the error interface so it
// can travel through error returns and events.
type Error struct {
	Kind    Kind
	Code    string
	Reason  string
	Message string

	// CooldownSeconds is carried through for policy violations.
	CooldownSeconds *int

	// Raw is the original frame text.
	Raw string
}

// Error implements the error interface.
func (e Error) Error() string {
	switch {
	case e.Kind == KindUnknown:
		return fmt.Sprintf("dispatch: unknown server error %q: %s", e.Code, e.Raw)
	case e.Reason != "":
		return fmt.Sprintf("dispatch: server error %s (%s): %s", e.Code, e.Reason, e.Message)
	default:
		return fmt.Sprintf("dispatch: server error %s: %s", e.Code, e.Message)
	}
}

// Classify maps an inbound error event to its local kind.
func Classify(ev protocol.ErrorEvent) Error {
	e := Error{
		Code:            ev.Code,
		Reason:          ev.Reason,
		Message:         ev.Message,
		CooldownSeconds: ev.CooldownSeconds,
		Raw:             ev.Raw,
	}
	switch ev.Code {
	case protocol.CodeNoAudio:
		e.Kind = KindNoAudio
	case protocol.CodeModelLoading:
		e.Kind = KindModelLoading
	case protocol.CodeAuthFailed, "401", "UNAUTHORIZED":
		e.Kind = KindAuthFailed
	case protocol.CodePolicyViolation:
		e.Kind = KindPolicyViolation
	default:
		e.Kind = KindUnknown
	}
	return e
}

// Handler consumes one classified error.
type Handler func(Error)

// Dispatcher routes classified errors to per-kind handlers. Kinds without a
// handler go to the fallback, which by default logs at warn level.
//
// Handlers run synchronously on the caller's goroutine. Register and Dispatch
// are safe for concurrent use.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[Kind]Handler
	fallback Handler
}

// New creates an empty [Dispatcher].
func New() *Dispatcher {
	return &Dispatcher{
		handlers: make(map[Kind]Handler),
		fallback: func(e Error) {
			slog.Warn("dispatch: unhandled server error", "kind", e.Kind, "code", e.Code, "raw", e.Raw)
		},
	}
}

// Register sets the handler for kind, replacing any previous one. A nil
// handler removes the route.
func (d *Dispatcher) Register(kind Kind, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if h == nil {
		delete(d.handlers, kind)
		return
	}
	d.handlers[kind] = h
}

// Fallback sets the handler for kinds with no registered route.
func (d *Dispatcher) Fallback(h Handler) {
	if h == nil {
		return
	}
	d.mu.Lock()
	d.fallback = h
	d.mu.Unlock()
}

// Dispatch classifies ev, hands it to its consumer and returns the
// classification.
func (d *Dispatcher) Dispatch(ev protocol.ErrorEvent) Error {
	e := Classify(ev)
	d.mu.RLock()
	h, ok := d.handlers[e.Kind]
	if !ok {
		h = d.fallback
	}
	d.mu.RUnlock()
	h(e)
	return e
}
