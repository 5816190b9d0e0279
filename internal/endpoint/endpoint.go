// Package endpoint validates and normalises the transcription server address.
//
// [Validator.Resolve] classifies the host as loopback, private-range local or
// public and decides which WebSocket scheme is permitted: public hosts must
// use wss, local hosts may use plain ws for development. Anything that cannot
// be parsed, resolved or classified is an [ErrConfig], which callers treat as
// fatal and never retry.
package endpoint

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
)

// ErrConfig marks an endpoint that must not be connected to.
var ErrConfig = errors.New("endpoint: invalid configuration")

// DefaultPath is used when the endpoint URL has no path.
const DefaultPath = "/ws"

// Class is the network classification of a host.
type Class int

const (
	// Loopback hosts resolve only to loopback addresses.
	Loopback Class = iota + 1

	// PrivateRangeLocal hosts resolve only to private, link-local or
	// loopback addresses.
	PrivateRangeLocal

	// Public hosts resolve to at least one routable address.
	Public
)

// String returns the class name.
func (c Class) String() string {
	switch c {
	case Loopback:
		return "loopback"
	case PrivateRangeLocal:
		return "private"
	case Public:
		return "public"
	default:
		return "unknown"
	}
}

// AllowsPlaintext reports whether an unencrypted scheme is permitted.
func (c Class) AllowsPlaintext() bool {
	return c == Loopback || c == PrivateRangeLocal
}

// Resolver looks up host addresses. *net.Resolver satisfies it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Target is a validated endpoint.
type Target struct {
	// URL is the normalised WebSocket URL (ws or wss, path defaulted).
	URL *url.URL

	// Class is the host classification.
	Class Class
}

// Secure reports whether the target uses TLS.
func (t Target) Secure() bool { return t.URL.Scheme == "wss" }

// HealthURL returns the HTTP(S) pre-flight URL on the same host.
func (t Target) HealthURL() string {
	scheme := "http"
	if t.Secure() {
		scheme = "https"
	}
	return (&url.URL{Scheme: scheme, Host: t.URL.Host, Path: "/health"}).String()
}

// String returns the normalised URL.
func (t Target) String() string { return t.URL.String() }

// Validator applies the transport security policy.
type Validator struct {
	resolver Resolver
}

// Option configures a [Validator].
type Option func(*Validator)

// WithResolver overrides the DNS resolver.
func WithResolver(r Resolver) Option {
	return func(v *Validator) { v.resolver = r }
}

// NewValidator creates a [Validator] using net.DefaultResolver unless
// overridden.
func NewValidator(opts ...Option) *Validator {
	v := &Validator{resolver: net.DefaultResolver}
	for _, o := range opts {
		o(v)
	}
	return v
}

// Classify resolves host and classifies it. A host that cannot be resolved
// or resolves to no address is an [ErrConfig].
func (v *Validator) Classify(ctx context.Context, host string) (Class, error) {
	host = strings.TrimSuffix(strings.ToLower(strings.Trim(host, "[]")), ".")
	if host == "" {
		return 0, fmt.Errorf("%w: empty host", ErrConfig)
	}
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return Loopback, nil
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		return classifyAddrs([]netip.Addr{addr}), nil
	}

	addrs, err := v.resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return 0, fmt.Errorf("%w: resolve %q: %v", ErrConfig, host, err)
	}
	if len(addrs) == 0 {
		return 0, fmt.Errorf("%w: %q resolves to no address", ErrConfig, host)
	}
	return classifyAddrs(addrs), nil
}

// classifyAddrs returns the least trusted class across addrs.
func classifyAddrs(addrs []netip.Addr) Class {
	class := Loopback
	for _, a := range addrs {
		a = a.Unmap()
		switch {
		case a.IsLoopback():
		case a.IsPrivate() || a.IsLinkLocalUnicast() || a.IsUnspecified():
			class = max(class, PrivateRangeLocal)
		default:
			return Public
		}
	}
	return class
}

// Resolve parses raw, normalises its scheme and path, classifies the host and
// enforces the scheme policy. http and https are mapped to ws and wss; a
// missing scheme defaults to ws for local hosts and wss otherwise. An explicit
// plaintext scheme towards a public host is refused rather than upgraded.
func (v *Validator) Resolve(ctx context.Context, raw string) (Target, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Target{}, fmt.Errorf("%w: empty endpoint", ErrConfig)
	}
	if !strings.Contains(raw, "://") {
		raw = "//" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Target{}, fmt.Errorf("%w: parse %q: %v", ErrConfig, raw, err)
	}
	if u.User != nil {
		return Target{}, fmt.Errorf("%w: credentials in endpoint URL are not allowed", ErrConfig)
	}

	class, err := v.Classify(ctx, u.Hostname())
	if err != nil {
		return Target{}, err
	}

	switch strings.ToLower(u.Scheme) {
	case "ws", "http":
		if !class.AllowsPlaintext() {
			return Target{}, fmt.Errorf("%w: %s host %q requires wss", ErrConfig, class, u.Hostname())
		}
		u.Scheme = "ws"
	case "wss", "https":
		u.Scheme = "wss"
	case "":
		u.Scheme = "wss"
		if class.AllowsPlaintext() {
			u.Scheme = "ws"
		}
	default:
		return Target{}, fmt.Errorf("%w: unsupported scheme %q", ErrConfig, u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = DefaultPath
	}
	u.Fragment = ""
	return Target{URL: u, Class: class}, nil
}
