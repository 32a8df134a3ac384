package sessions

import (
	"errors"

	"github.com/workspace/pairing-relay/internal/pairing"
)

var (
	// ErrInvalidInput is returned synchronously by Create for a malformed
	// address or an out-of-range attempt count.
	ErrInvalidInput = pairing.ErrInvalidInput
	// ErrNotFound is returned by Status for unknown or reclaimed sessions.
	ErrNotFound = errors.New("session not found")
	// ErrInternal wraps unexpected failures while building a session.
	ErrInternal = errors.New("internal fault")
	// ErrShuttingDown is returned by Create once Shutdown has started.
	ErrShuttingDown = errors.New("server shutting down")
	// ErrCapacity is returned by Create when too many sessions are live.
	ErrCapacity = errors.New("too many active sessions")

	ErrConnectionTimeout = errors.New("connection timeout")
	ErrConnectionClosed  = errors.New("connection closed before completion")
	ErrConnectionFailed  = errors.New("connection failed")
	ErrSendFailure       = errors.New("send failed")
	ErrSessionExpired    = errors.New("session expired")
)
