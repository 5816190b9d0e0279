// Package credential supplies the authentication material consumed by the
// connection handshake.
//
// The core never acquires credentials itself. Browser-based OIDC login and
// PKCE exchanges happen in an external tool; this package only reads the
// resulting token from a [Provider]. Tokens are carried as [Secret] values so
// they redact themselves in logs and can be zeroed right after the hello
// message has been written.
package credential

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
)

// ErrNoCredential is returned when a provider has no token to offer.
var ErrNoCredential = errors.New("credential: no token available")

// Kind names the authentication scheme announced in the hello message.
type Kind string

const (
	// KindOIDC is a bearer token obtained through an OIDC login.
	KindOIDC Kind = "oidc"

	// KindAPIKey is a long-lived API key.
	KindAPIKey Kind = "apikey"
)

// IsValid reports whether k is a recognised auth kind.
func (k Kind) IsValid() bool {
	return k == KindOIDC || k == KindAPIKey
}

// Token is one credential handed to the handshake. The receiver owns Secret
// and must zero it once it is no longer needed.
type Token struct {
	Kind   Kind
	Secret Secret
}

// Zero clears the token's secret material.
func (t *Token) Zero() {
	t.Secret.Zero()
}

// Provider returns credentials for the handshake. Implementations must be safe
// for concurrent use and must return a fresh copy of the secret on every call.
type Provider interface {
	// Token returns the current credential, or [ErrNoCredential].
	Token(ctx context.Context) (Token, error)

	// Refresh discards any cached credential and returns a newly loaded one.
	// It is called once after the server reports an authentication failure.
	Refresh(ctx context.Context) (Token, error)
}

// ─── Static ──────────────────────────────────────────────────────────────────

// Static is a [Provider] backed by a fixed in-memory token.
type Static struct {
	kind Kind

	mu     sync.Mutex
	secret Secret
}

var _ Provider = (*Static)(nil)

// NewStatic copies token into a new Static provider.
func NewStatic(kind Kind, token string) *Static {
	return &Static{kind: kind, secret: FromString(token)}
}

// Token returns a copy of the stored token.
func (s *Static) Token(_ context.Context) (Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.secret.IsEmpty() {
		return Token{}, ErrNoCredential
	}
	return Token{Kind: s.kind, Secret: FromBytes(s.secret)}, nil
}

// Refresh behaves like Token; a static token cannot change.
func (s *Static) Refresh(ctx context.Context) (Token, error) {
	return s.Token(ctx)
}

// Wipe zeroes the stored token. Subsequent calls return [ErrNoCredential].
func (s *Static) Wipe() {
	s.mu.Lock()
	s.secret.Zero()
	s.mu.Unlock()
}

// ─── Env ─────────────────────────────────────────────────────────────────────

// Env reads the token from an environment variable on every call.
type Env struct {
	Kind Kind
	Var  string
}

var _ Provider = Env{}

// Token reads the variable. An unset or blank variable yields [ErrNoCredential].
func (e Env) Token(_ context.Context) (Token, error) {
	v := strings.TrimSpace(os.Getenv(e.Var))
	if v == "" {
		return Token{}, fmt.Errorf("%w: $%s is empty", ErrNoCredential, e.Var)
	}
	return Token{Kind: e.Kind, Secret: FromString(v)}, nil
}

// Refresh re-reads the variable.
func (e Env) Refresh(ctx context.Context) (Token, error) {
	return e.Token(ctx)
}

// ─── File ────────────────────────────────────────────────────────────────────

// File reads the token from a file written by an external login tool. The file
// is read on every call so a refreshed login is picked up without a restart.
type File struct {
	Kind Kind
	Path string
}

var _ Provider = File{}

// Token reads and trims the file contents.
func (f File) Token(_ context.Context) (Token, error) {
	raw, err := os.ReadFile(f.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Token{}, fmt.Errorf("%w: %s does not exist", ErrNoCredential, f.Path)
		}
		return Token{}, fmt.Errorf("credential: read %q: %w", f.Path, err)
	}
	defer Zero(raw)

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return Token{}, fmt.Errorf("%w: %s is empty", ErrNoCredential, f.Path)
	}
	return Token{Kind: f.Kind, Secret: FromBytes(trimmed)}, nil
}

// Refresh re-reads the file.
func (f File) Refresh(ctx context.Context) (Token, error) {
	return f.Token(ctx)
}
