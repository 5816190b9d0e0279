package credential

import (
	"encoding/json"
	"fmt"
	"io"
	"runtime"
)

// redacted is printed in place of secret material.
const redacted = "[SECRET]"

// Secret holds sensitive bytes such as bearer tokens. It redacts itself under
// fmt, JSON and text encoding so it cannot leak into logs by accident.
type Secret []byte

// String redacts the secret.
func (s Secret) String() string { return redacted }

// Format implements fmt.Formatter so that every verb is redacted.
func (s Secret) Format(f fmt.State, _ rune) {
	_, _ = io.WriteString(f, redacted)
}

// MarshalJSON redacts secrets in JSON output.
func (s Secret) MarshalJSON() ([]byte, error) { return json.Marshal(redacted) }

// MarshalText redacts secrets for text encoding.
func (s Secret) MarshalText() ([]byte, error) { return []byte(redacted), nil }

// Use calls fn with the underlying bytes (not a copy). fn must not retain them.
func (s Secret) Use(fn func([]byte) error) error {
	return fn([]byte(s))
}

// IsEmpty reports whether the secret carries no material.
func (s Secret) IsEmpty() bool { return len(s) == 0 }

// Zero overwrites the secret in place and drops the reference.
func (s *Secret) Zero() {
	if s == nil || *s == nil {
		return
	}
	Zero(*s)
	*s = nil
}

// FromString copies in into a new Secret.
func FromString(in string) Secret { return Secret([]byte(in)) }

// FromBytes copies in into a new Secret. The caller should zero in afterwards.
func FromBytes(in []byte) Secret {
	out := make([]byte, len(in))
	copy(out, in)
	return Secret(out)
}

// Zero overwrites b with zeros. It is the secure-zeroing primitive used for
// credentials and buffered audio.
func Zero(b []byte) {
	clear(b)
	// Keep b reachable until the writes above have happened.
	runtime.KeepAlive(b)
}
