// Package version implements the handshake versioning gate.
//
// The server advertises two thresholds, either in the hello_ack or in a prior
// discovery response: a minimum client version below which the session is
// refused, and an advisory security version below which the user should
// upgrade soon. Versions are compared as semantic versions; a leading "v" is
// accepted.
package version

import (
	"errors"
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// ErrRejected is returned when the local client is older than the server's
// minimum. It is fatal and never retried.
var ErrRejected = errors.New("version: client version rejected by server")

// Verdict is the outcome of a gate check.
type Verdict struct {
	// Advisory is non-empty when the client is below the security version.
	Advisory string
}

// Gate holds the local version and the strictest thresholds seen so far.
type Gate struct {
	local *semver.Version
	min   *semver.Version
	sec   *semver.Version
}

// NewGate parses the local client version.
func NewGate(local string) (*Gate, error) {
	v, err := semver.NewVersion(local)
	if err != nil {
		return nil, fmt.Errorf("version: parse client version %q: %w", local, err)
	}
	return &Gate{local: v}, nil
}

// Local returns the normalised local version.
func (g *Gate) Local() string { return g.local.String() }

// Observe records thresholds from a discovery response or hello_ack. Empty
// values are ignored. Unparseable values are returned as an error and leave
// the gate unchanged; the caller decides whether that matters.
func (g *Gate) Observe(minVersion, secVersion string) error {
	var errs []error
	if minVersion != "" {
		v, err := semver.NewVersion(minVersion)
		if err != nil {
			errs = append(errs, fmt.Errorf("version: parse minClientVersion %q: %w", minVersion, err))
		} else if g.min == nil || v.GreaterThan(g.min) {
			g.min = v
		}
	}
	if secVersion != "" {
		v, err := semver.NewVersion(secVersion)
		if err != nil {
			errs = append(errs, fmt.Errorf("version: parse secClientVersion %q: %w", secVersion, err))
		} else if g.sec == nil || v.GreaterThan(g.sec) {
			g.sec = v
		}
	}
	return errors.Join(errs...)
}

// Check evaluates the local version against the recorded thresholds. It
// returns an error wrapping [ErrRejected] when the local version is below the
// minimum.
func (g *Gate) Check() (Verdict, error) {
	if g.min != nil && g.local.LessThan(g.min) {
		return Verdict{}, fmt.Errorf("%w: client %s, server requires >= %s", ErrRejected, g.local, g.min)
	}
	var v Verdict
	if g.sec != nil && g.local.LessThan(g.sec) {
		v.Advisory = fmt.Sprintf("client %s is older than recommended security version %s", g.local, g.sec)
	}
	return v, nil
}

