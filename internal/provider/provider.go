// Package provider defines the boundary to the external messaging network.
//
// A Dialer opens one isolated Connection per pairing session, bound to that
// session's CredentialStore. The Connection reports its lifecycle through an
// ordered event channel and exposes a single send primitive.
package provider

import (
	"context"
	"errors"
)

// EventKind identifies a provider lifecycle event.
type EventKind int

const (
	// EventChallenge means the provider wants out-of-band confirmation
	// before the connection becomes usable.
	EventChallenge EventKind = iota + 1
	// EventOpen means the connection is established and can send.
	EventOpen
	// EventClosed means the connection is gone.
	EventClosed
	// EventCredentials carries updated auth state that must be persisted.
	EventCredentials
)

func (k EventKind) String() string {
	switch k {
	case EventChallenge:
		return "challenge"
	case EventOpen:
		return "open"
	case EventClosed:
		return "closed"
	case EventCredentials:
		return "credentials"
	default:
		return "unknown"
	}
}

// Event is one lifecycle notification from a Connection.
type Event struct {
	Kind EventKind
	// Credentials is set for EventCredentials: file name -> contents.
	Credentials map[string][]byte
	// Err optionally explains an EventClosed.
	Err error
}

// ErrConnectionClosed is returned by Send once the connection is closed.
var ErrConnectionClosed = errors.New("provider connection closed")

// CredentialStore is the per-session durable auth state a Connection is
// bound to.
type CredentialStore interface {
	Load() (map[string][]byte, error)
	Save(files map[string][]byte) error
}

// Connection is a live, session-scoped link to the messaging network.
type Connection interface {
	// Events delivers lifecycle events in emission order. The channel is
	// closed when the connection will emit nothing further.
	Events() <-chan Event
	// Send delivers text to the normalized numeric address.
	Send(ctx context.Context, address, text string) error
	// Close tears the connection down. It is safe to call more than once.
	Close() error
}

// Dialer opens connections.
type Dialer interface {
	Open(ctx context.Context, store CredentialStore) (Connection, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, store CredentialStore) (Connection, error)

// Open calls f(ctx, store).
func (f DialerFunc) Open(ctx context.Context, store CredentialStore) (Connection, error) {
	return f(ctx, store)
}
