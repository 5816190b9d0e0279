package orchestrator

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors.
var (
	// ErrClosed is returned after [Orchestrator.Close].
	ErrClosed = errors.New("orchestrator: closed")

	// ErrNotCapturing is returned by Capture outside StartCapture/StopCapture.
	ErrNotCapturing = errors.New("orchestrator: capture not started")

	// ErrNoSession is returned by Capture when no buffer exists, e.g. while
	// banned or after a fatal fault. The frame is dropped.
	ErrNoSession = errors.New("orchestrator: no session, frame dropped")

	// ErrMissingCredentials is returned by New without WithCredentials.
	ErrMissingCredentials = errors.New("orchestrator: credential provider is required")
)

// FaultKind classifies a failure transition.
type FaultKind int

const (
	// FaultConfig is an invalid endpoint or scheme. Fatal.
	FaultConfig FaultKind = iota + 1

	// FaultHandshakeTimeout is a missing hello_ack. Retried with backoff.
	FaultHandshakeTimeout

	// FaultVersionRejected means the server requires a newer client. Fatal.
	FaultVersionRejected

	// FaultAuthFailed is a rejected credential. Refreshed once, then fatal.
	FaultAuthFailed

	// FaultPolicyViolation is a server ban. Resumes after the cooldown.
	FaultPolicyViolation

	// FaultTransport is a socket-level failure. Retried with backoff.
	FaultTransport

	// FaultBufferOverrun means audio was dropped by the overflow policy.
	FaultBufferOverrun
)

// String returns the snake_case kind name.
func (k FaultKind) String() string {
	switch k {
	case FaultConfig:
		return "config_error"
	case FaultHandshakeTimeout:
		return "handshake_timeout"
	case FaultVersionRejected:
		return "version_rejected"
	case FaultAuthFailed:
		return "auth_failed"
	case FaultPolicyViolation:
		return "policy_violation"
	case FaultTransport:
		return "transport_error"
	case FaultBufferOverrun:
		return "buffer_overrun"
	default:
		return "unknown"
	}
}

// Fault is the error carried by every failure transition.
type Fault struct {
	Kind FaultKind

	// Fatal is set when the orchestrator latched and will not reconnect
	// until Reset.
	Fatal bool

	// State is the state the failure occurred in.
	State State

	// AttemptID identifies the connection attempt, if any.
	AttemptID string

	// Cooldown is set for policy violations.
	Cooldown time.Duration

	Err error
}

// Error implements the error interface.
func (f *Fault) Error() string {
	msg := "orchestrator: " + f.Kind.String()
	if f.Fatal {
		msg += " (fatal)"
	}
	if f.Err != nil {
		msg += ": " + f.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (f *Fault) Unwrap() error { return f.Err }

// Retryable reports whether the orchestrator recovers from f on its own.
func (f *Fault) Retryable() bool {
	return !f.Fatal && f.Kind != FaultConfig && f.Kind != FaultVersionRejected
}

func newFault(kind FaultKind, st State, attemptID string, format string, args ...any) *Fault {
	return &Fault{Kind: kind, State: st, AttemptID: attemptID, Err: fmt.Errorf(format, args...)}
}
