// Package sessions owns the pairing-session lifecycle: the session record,
// the registry of live sessions, the per-session state machine that reacts to
// provider events and runs the send loop, and the janitor that reclaims
// sessions past their maximum age.
package sessions

import (
	"context"
	"sync"
	"time"

	"github.com/workspace/pairing-relay/internal/provider"
)

// State is the lifecycle position of a pairing session. States only move
// forward; Completed and Failed are terminal.
type State int

const (
	StateInitializing State = iota
	StateAwaitingHandshake
	StateConnected
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateAwaitingHandshake:
		return "awaiting_handshake"
	case StateConnected:
		return "connected"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// rank orders states; both terminal states share the last rank.
func (s State) rank() int {
	if s == StateFailed {
		return int(StateCompleted)
	}
	return int(s)
}

// CanTransition reports whether a session in from may move to to.
func CanTransition(from, to State) bool {
	return !from.Terminal() && to.rank() > from.rank()
}

// AttemptResult is the per-send log entry.
type AttemptResult struct {
	Attempt int    `json:"attempt"`
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// CredentialStore is the per-session auth state the provider connection is
// bound to. Destroy erases it and must tolerate repeated calls.
type CredentialStore interface {
	provider.CredentialStore
	Destroy() error
}

// Record is one in-flight pairing attempt. Identity fields are immutable;
// everything below mu is guarded by it.
type Record struct {
	ID                string
	TargetAddress     string
	RequestedAttempts int
	PairingCode       string
	CreatedAt         time.Time

	mu             sync.RWMutex
	state          State
	sentCount      int
	attempts       []AttemptResult
	message        string
	finishedAt     time.Time
	conn           provider.Connection
	creds          CredentialStore
	pendingTimeout *time.Timer
	timerGen       uint64 // bumped on every arm and stop
	cancel         context.CancelFunc
	reclaimed      bool
}

// Snapshot is a consistent, copied view of a Record.
type Snapshot struct {
	ID                string
	TargetAddress     string
	RequestedAttempts int
	PairingCode       string
	State             State
	SentCount         int
	Message           string
	Attempts          []AttemptResult
	CreatedAt         time.Time
	FinishedAt        time.Time
}

func newRecord(id, address string, attempts int, code string, createdAt time.Time) *Record {
	return &Record{
		ID:                id,
		TargetAddress:     address,
		RequestedAttempts: attempts,
		PairingCode:       code,
		CreatedAt:         createdAt,
		state:             StateInitializing,
		cancel:            func() {},
	}
}

// State returns the current state.
func (r *Record) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Snapshot returns a copy of the record that is safe to use after the lock
// is released.
func (r *Record) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

func (r *Record) snapshotLocked() Snapshot {
	var attempts []AttemptResult
	if len(r.attempts) > 0 {
		attempts = make([]AttemptResult, len(r.attempts))
		copy(attempts, r.attempts)
	}
	return Snapshot{
		ID:                r.ID,
		TargetAddress:     r.TargetAddress,
		RequestedAttempts: r.RequestedAttempts,
		PairingCode:       r.PairingCode,
		State:             r.state,
		SentCount:         r.sentCount,
		Message:           r.message,
		Attempts:          attempts,
		CreatedAt:         r.CreatedAt,
		FinishedAt:        r.finishedAt,
	}
}

// armTimerLocked replaces any pending timer with a new one. fn receives the
// generation it was armed with; a callback whose generation is no longer
// current lost a race with a re-arm or stop and must do nothing.
func (r *Record) armTimerLocked(d time.Duration, fn func(gen uint64)) {
	r.stopTimerLocked()
	gen := r.timerGen
	r.pendingTimeout = time.AfterFunc(d, func() { fn(gen) })
}

func (r *Record) stopTimerLocked() {
	r.timerGen++
	if r.pendingTimeout != nil {
		r.pendingTimeout.Stop()
		r.pendingTimeout = nil
	}
}

// timerCurrentLocked reports whether gen is the generation of the armed timer.
func (r *Record) timerCurrentLocked(gen uint64) bool {
	return r.pendingTimeout != nil && r.timerGen == gen
}
