// Package transport defines the addressable, negotiable channels an engine
// moves serialized step frames through. Each transport is independently
// parameterized and independently failing: one engine may hold several, and
// losing one neither stops publication on the others nor interleaves their
// streams. Protocol names and parameter keys are validated at attach time by
// the registry; establishment happens at engine Open.
package transport

import (
	"context"
	"strconv"
	"strings"
	"time"
)

// Role distinguishes the two ends of a channel.
type Role int

const (
	// RoleWriter binds or listens and publishes steps
	RoleWriter Role = iota
	// RoleReader connects or subscribes and receives steps
	RoleReader
)

// String returns the string representation of Role
func (r Role) String() string {
	if r == RoleWriter {
		return "writer"
	}
	return "reader"
}

// DeliverFunc receives one complete serialized step frame on the reader side.
// Frames arrive in the order this transport's own stream carries them; no
// ordering holds across distinct transports.
type DeliverFunc func(frame []byte)

// Transport is one independently addressable step channel.
type Transport interface {
	// Protocol returns the registered protocol name.
	Protocol() string

	// Index returns the transport's stable index within its engine.
	Index() int

	// SetDeliver registers the reader-side frame sink. Must be called
	// before Open for readers.
	SetDeliver(fn DeliverFunc)

	// Open establishes the channel for the stream: bind/listen for a
	// writer, connect/subscribe for a reader.
	Open(ctx context.Context, role Role, stream string) error

	// WriteStep publishes one serialized step atomically.
	WriteStep(ctx context.Context, frame []byte) error

	// Drain flushes in-flight writes before release.
	Drain(ctx context.Context) error

	// Close releases the channel. Close is idempotent.
	Close() error
}

// Parameter keys shared across protocols.
const (
	// KeyLocal is the local endpoint address (bind side)
	KeyLocal = "local"
	// KeyRemote is the remote endpoint address (connect side)
	KeyRemote = "remote"
	// KeyTimeout bounds channel establishment, e.g. "5s"
	KeyTimeout = "timeout"
	// KeyTolerances is a comma-separated list of non-negative reals the
	// channel may apply to staged payloads
	KeyTolerances = "tolerances"
	// KeyPeerToPeer enables rendezvous pairing ("yes"/"no")
	KeyPeerToPeer = "peer-to-peer"
	// KeyBuffer sizes the channel's frame buffer
	KeyBuffer = "buffer"
)

// ParseTimeout reads the timeout parameter, applying a default when absent.
func ParseTimeout(params map[string]string, def time.Duration) (time.Duration, error) {
	raw, ok := params[KeyTimeout]
	if !ok {
		return def, nil
	}
	return time.ParseDuration(raw)
}

// ParseTolerances validates the tolerances parameter: a comma-separated list
// of finite non-negative reals.
func ParseTolerances(raw string) ([]float64, error) {
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil || v < 0 || v != v {
			return nil, &toleranceError{raw: p}
		}
		out = append(out, v)
	}
	return out, nil
}

type toleranceError struct{ raw string }

func (e *toleranceError) Error() string {
	return "tolerance " + strconv.Quote(e.raw) + " must be a non-negative real"
}

// ParseBool reads a yes/no style flag parameter.
func ParseBool(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "yes", "true", "on", "1":
		return true
	default:
		return false
	}
}
