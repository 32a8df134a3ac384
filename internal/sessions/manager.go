package sessions

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/workspace/pairing-relay/internal/pairing"
	"github.com/workspace/pairing-relay/internal/provider"
	"github.com/workspace/pairing-relay/internal/retry"
)

const (
	DefaultHandshakeTimeout = 120 * time.Second
	DefaultSendInterval     = 3 * time.Second
	DefaultSendTimeout      = 30 * time.Second
	DefaultCompletionGrace  = 30 * time.Second
)

// CleanupReason records why a session was torn down.
type CleanupReason string

const (
	ReasonCompleted CleanupReason = "completed"
	ReasonFailed    CleanupReason = "failed"
	ReasonExpired   CleanupReason = "expired"
	ReasonShutdown  CleanupReason = "shutdown"
)

// failure is the message published when a still-running session is
// reclaimed for this reason.
func (r CleanupReason) failure() error {
	switch r {
	case ReasonShutdown:
		return ErrShuttingDown
	default:
		return ErrSessionExpired
	}
}

// Result is the payload published when a session reaches a terminal state.
type Result struct {
	SessionID         string          `json:"sessionId"`
	Success           bool            `json:"success"`
	PairingCode       string          `json:"pairingCode,omitempty"`
	Message           string          `json:"message"`
	SentCount         int             `json:"sentCount"`
	RequestedAttempts int             `json:"requestedAttempts"`
	Results           []AttemptResult `json:"results,omitempty"`
}

// Publisher delivers terminal results to observers.
type Publisher interface {
	PublishResult(Result)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(Result)

// PublishResult calls f(r).
func (f PublisherFunc) PublishResult(r Result) { f(r) }

// HistoryRecorder persists finished sessions.
type HistoryRecorder interface {
	RecordOutcome(ctx context.Context, s Snapshot) error
}

// Config wires the manager to its collaborators.
type Config struct {
	Dialer provider.Dialer
	// OpenCredentials returns the credential store for a new session id.
	OpenCredentials func(sessionID string) (CredentialStore, error)
	Publisher       Publisher
	History         HistoryRecorder
	Logger          *slog.Logger

	HandshakeTimeout time.Duration
	SendInterval     time.Duration
	SendTimeout      time.Duration
	CompletionGrace  time.Duration
	// MaxActive caps live sessions (0 = unlimited).
	MaxActive     int
	ConnectPolicy retry.Policy

	Now func() time.Time
	// OnTransition, if set, observes every state change while the record
	// lock is held. It must not call back into the manager.
	OnTransition func(id string, from, to State)
}

// Manager drives every pairing session through its lifecycle.
type Manager struct {
	cfg      Config
	registry *Registry
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	closing  bool
	reserved int // capacity slots held by Create calls still opening credentials
	wg       sync.WaitGroup
}

// NewManager creates a manager that stores sessions in registry.
func NewManager(registry *Registry, cfg Config) (*Manager, error) {
	if registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if cfg.Dialer == nil {
		return nil, fmt.Errorf("provider dialer is required")
	}
	if cfg.OpenCredentials == nil {
		return nil, fmt.Errorf("credential opener is required")
	}
	if cfg.Publisher == nil {
		cfg.Publisher = PublisherFunc(func(Result) {})
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.SendInterval <= 0 {
		cfg.SendInterval = DefaultSendInterval
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	if cfg.CompletionGrace <= 0 {
		cfg.CompletionGrace = DefaultCompletionGrace
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.ConnectPolicy.Logger == nil {
		cfg.ConnectPolicy.Logger = cfg.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:      cfg,
		registry: registry,
		logger:   cfg.Logger,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Registry returns the registry the manager writes to.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Create validates the request, registers a new session and starts
// connecting in the background. It returns as soon as the session exists.
func (m *Manager) Create(rawAddress string, count int) (Snapshot, error) {
	address, err := pairing.NormalizeAddress(rawAddress)
	if err != nil {
		return Snapshot{}, err
	}
	if err := pairing.ValidateAttempts(count); err != nil {
		return Snapshot{}, err
	}
	code, err := pairing.GenerateCode()
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrInternal, err)
	}

	// A capacity slot is reserved under m.mu and the credential store is
	// opened outside it; registration re-takes m.mu so Shutdown's drain
	// sees a consistent registry.
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return Snapshot{}, ErrShuttingDown
	}
	if m.cfg.MaxActive > 0 && m.registry.Len()+m.reserved >= m.cfg.MaxActive {
		m.mu.Unlock()
		return Snapshot{}, ErrCapacity
	}
	m.reserved++
	m.mu.Unlock()

	id := uuid.NewString()
	store, err := m.cfg.OpenCredentials(id)
	if err != nil {
		m.release()
		return Snapshot{}, fmt.Errorf("%w: open credential store: %v", ErrInternal, err)
	}
	discard := func() {
		if derr := store.Destroy(); derr != nil {
			m.logger.Warn("Failed to remove credentials of unregistered session", "sessionId", id, "error", derr)
		}
	}

	sessCtx, cancel := context.WithCancel(m.ctx)
	rec := newRecord(id, address, count, code, m.cfg.Now())
	rec.creds = store
	rec.cancel = cancel

	m.mu.Lock()
	m.reserved--
	if m.closing {
		m.mu.Unlock()
		cancel()
		discard()
		return Snapshot{}, ErrShuttingDown
	}
	if err := m.registry.Insert(rec); err != nil {
		m.mu.Unlock()
		cancel()
		discard()
		return Snapshot{}, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	m.wg.Add(1)
	m.mu.Unlock()

	sessionsCreatedTotal.Inc()
	sessionsActive.Inc()

	// Bound the connecting phase too; a challenge re-arms this timer.
	rec.mu.Lock()
	rec.armTimerLocked(m.cfg.HandshakeTimeout, func(gen uint64) { m.handleTimeout(rec, gen) })
	snap := rec.snapshotLocked()
	rec.mu.Unlock()

	m.logger.Info("Pairing session created",
		"sessionId", id,
		"address", pairing.MaskAddress(address),
		"attempts", count,
	)

	go m.run(sessCtx, rec, store)
	return snap, nil
}

// release returns a capacity slot reserved by Create.
func (m *Manager) release() {
	m.mu.Lock()
	m.reserved--
	m.mu.Unlock()
}

// Status returns a snapshot of a live session.
func (m *Manager) Status(id string) (Snapshot, error) {
	rec, ok := m.registry.Get(id)
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	return rec.Snapshot(), nil
}

// ActiveCount returns the number of live sessions.
func (m *Manager) ActiveCount() int {
	return m.registry.Len()
}

// run is the per-session actor. It opens the provider connection and then
// handles its events one at a time, in emission order.
func (m *Manager) run(ctx context.Context, rec *Record, store CredentialStore) {
	defer m.wg.Done()
	logger := m.logger.With("sessionId", rec.ID)

	var conn provider.Connection
	err := retry.Do(ctx, m.cfg.ConnectPolicy, "open provider connection", func(ctx context.Context) error {
		c, err := m.cfg.Dialer.Open(ctx, store)
		if err != nil {
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		logger.Warn("Provider connection could not be opened", "error", err)
		m.fail(rec, fmt.Errorf("%w: %v", ErrConnectionFailed, err), true)
		return
	}

	if !m.attach(rec, conn) {
		if err := conn.Close(); err != nil {
			logger.Debug("Closing connection of reclaimed session failed", "error", err)
		}
		return
	}

	events := conn.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				m.handleClosed(rec, nil)
				return
			}
			m.react(ctx, rec, conn, store, ev)
		}
	}
}

// attach hands conn to the record unless the session was already reclaimed.
func (m *Manager) attach(rec *Record, conn provider.Connection) bool {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.reclaimed || rec.state.Terminal() {
		return false
	}
	rec.conn = conn
	return true
}

func (m *Manager) react(ctx context.Context, rec *Record, conn provider.Connection, store CredentialStore, ev provider.Event) {
	if rec.State().Terminal() {
		m.logger.Debug("Ignoring provider event for finished session", "sessionId", rec.ID, "event", ev.Kind.String())
		return
	}

	switch ev.Kind {
	case provider.EventCredentials:
		if err := store.Save(ev.Credentials); err != nil {
			m.logger.Warn("Failed to persist provider credentials", "sessionId", rec.ID, "error", err)
		}
	case provider.EventChallenge:
		m.handleChallenge(rec)
	case provider.EventOpen:
		if m.handleOpen(rec) {
			m.sendLoop(ctx, rec, conn)
		}
	case provider.EventClosed:
		m.handleClosed(rec, ev.Err)
	default:
		m.logger.Debug("Ignoring unknown provider event", "sessionId", rec.ID, "event", int(ev.Kind))
	}
}

// transitionLocked moves rec to to if the ordering allows it.
func (m *Manager) transitionLocked(rec *Record, to State) bool {
	from := rec.state
	if !CanTransition(from, to) {
		return false
	}
	rec.state = to
	stateTransitionsTotal.WithLabelValues(from.String(), to.String()).Inc()
	if to.Terminal() {
		rec.finishedAt = m.cfg.Now()
		sessionsFinishedTotal.WithLabelValues(to.String()).Inc()
	}
	if m.cfg.OnTransition != nil {
		m.cfg.OnTransition(rec.ID, from, to)
	}
	return true
}

func (m *Manager) handleChallenge(rec *Record) {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	// Repeated challenges keep the original deadline.
	if !m.transitionLocked(rec, StateAwaitingHandshake) {
		return
	}
	rec.armTimerLocked(m.cfg.HandshakeTimeout, func(gen uint64) { m.handleTimeout(rec, gen) })
	m.logger.Info("Provider requested handshake confirmation", "sessionId", rec.ID)
}

// handleOpen reports whether this event started the Connected phase; a
// duplicate open event returns false so only one send loop ever runs.
func (m *Manager) handleOpen(rec *Record) bool {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.state.Terminal() || rec.state == StateConnected {
		return false
	}
	rec.stopTimerLocked()
	if !m.transitionLocked(rec, StateConnected) {
		return false
	}
	m.logger.Info("Provider connection established", "sessionId", rec.ID)
	return true
}

func (m *Manager) handleClosed(rec *Record, cause error) {
	if cause != nil {
		m.logger.Info("Provider connection closed", "sessionId", rec.ID, "error", cause)
	}
	m.fail(rec, ErrConnectionClosed, true)
}

// handleTimeout fails rec unless the timer that fired was re-armed or
// stopped after it was scheduled.
func (m *Manager) handleTimeout(rec *Record, gen uint64) {
	rec.mu.Lock()
	if !rec.timerCurrentLocked(gen) {
		rec.mu.Unlock()
		m.logger.Debug("Ignoring superseded handshake timer", "sessionId", rec.ID)
		return
	}
	snap, ok := m.failLocked(rec, ErrConnectionTimeout, true)
	rec.mu.Unlock()

	if ok {
		m.logger.Warn("Provider handshake timed out", "sessionId", rec.ID, "timeout", m.cfg.HandshakeTimeout)
		m.finishFailed(snap)
	}
}

// fail moves rec to Failed, publishes the reason and tears the session down.
// With beforeConnected set, sessions that already reached Connected are left
// to the send loop.
func (m *Manager) fail(rec *Record, cause error, beforeConnected bool) {
	rec.mu.Lock()
	snap, ok := m.failLocked(rec, cause, beforeConnected)
	rec.mu.Unlock()

	if ok {
		m.finishFailed(snap)
	}
}

func (m *Manager) failLocked(rec *Record, cause error, beforeConnected bool) (Snapshot, bool) {
	if beforeConnected && rec.state >= StateConnected {
		return Snapshot{}, false
	}
	if !m.transitionLocked(rec, StateFailed) {
		return Snapshot{}, false
	}
	rec.stopTimerLocked()
	rec.message = cause.Error()
	return rec.snapshotLocked(), true
}

func (m *Manager) finishFailed(snap Snapshot) {
	m.logger.Warn("Pairing session failed", "sessionId", snap.ID, "reason", snap.Message)
	m.finish(snap)
	m.Cleanup(snap.ID, ReasonFailed)
}

// sendLoop delivers the pairing message RequestedAttempts times, waiting a
// full SendInterval after each attempt but the last. Individual failures are
// logged and skipped.
func (m *Manager) sendLoop(ctx context.Context, rec *Record, conn provider.Connection) {
	text := pairing.FormatMessage(rec.PairingCode)
	logger := m.logger.With("sessionId", rec.ID)

	for i := 1; i <= rec.RequestedAttempts; i++ {
		if i > 1 {
			if err := pause(ctx, m.cfg.SendInterval); err != nil {
				return
			}
		}

		sendCtx, cancel := context.WithTimeout(ctx, m.cfg.SendTimeout)
		err := conn.Send(sendCtx, rec.TargetAddress, text)
		cancel()
		if ctx.Err() != nil {
			// Reclaimed mid-send; teardown already happened.
			return
		}

		entry := AttemptResult{Attempt: i}
		if err != nil {
			entry.Message = fmt.Sprintf("%v: %v", ErrSendFailure, err)
			sendAttemptsTotal.WithLabelValues("failure").Inc()
			logger.Warn("Pairing code send failed", "attempt", i, "requested", rec.RequestedAttempts, "error", err)
		} else {
			entry.Success = true
			entry.Message = "pairing code sent"
			sendAttemptsTotal.WithLabelValues("success").Inc()
			logger.Info("Pairing code sent", "attempt", i, "requested", rec.RequestedAttempts)
		}

		rec.mu.Lock()
		if entry.Success && rec.sentCount < rec.RequestedAttempts {
			rec.sentCount++
		}
		rec.attempts = append(rec.attempts, entry)
		rec.mu.Unlock()
	}

	m.complete(rec)
}

// pause blocks for d or until ctx is done.
func pause(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (m *Manager) complete(rec *Record) {
	rec.mu.Lock()
	if !m.transitionLocked(rec, StateCompleted) {
		rec.mu.Unlock()
		return
	}
	rec.message = fmt.Sprintf("Sent %d of %d pairing codes to %s", rec.sentCount, rec.RequestedAttempts, rec.TargetAddress)
	rec.armTimerLocked(m.cfg.CompletionGrace, func(uint64) { m.Cleanup(rec.ID, ReasonCompleted) })
	snap := rec.snapshotLocked()
	rec.mu.Unlock()

	m.logger.Info("Pairing session completed",
		"sessionId", rec.ID,
		"sent", snap.SentCount,
		"requested", snap.RequestedAttempts,
		"cleanupIn", m.cfg.CompletionGrace,
	)
	m.finish(snap)
}

// finish publishes a terminal snapshot and records it in history.
func (m *Manager) finish(snap Snapshot) {
	res := Result{
		SessionID:         snap.ID,
		Success:           snap.State == StateCompleted,
		Message:           snap.Message,
		SentCount:         snap.SentCount,
		RequestedAttempts: snap.RequestedAttempts,
	}
	if res.Success {
		res.PairingCode = snap.PairingCode
		res.Results = snap.Attempts
	}
	m.cfg.Publisher.PublishResult(res)

	if m.cfg.History != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.cfg.History.RecordOutcome(ctx, snap); err != nil {
			m.logger.Warn("Failed to record session outcome", "sessionId", snap.ID, "error", err)
		}
	}
}

// Cleanup tears a session down: closes its connection, erases its
// credentials and drops it from the registry. Only the first call for an id
// does any work; it reports whether this call did.
func (m *Manager) Cleanup(id string, reason CleanupReason) bool {
	rec, ok := m.registry.Get(id)
	if !ok {
		return false
	}
	if !m.registry.Remove(id) {
		return false
	}
	m.teardown(rec, reason)
	return true
}

func (m *Manager) teardown(rec *Record, reason CleanupReason) {
	logger := m.logger.With("sessionId", rec.ID, "reason", string(reason))

	rec.mu.Lock()
	rec.reclaimed = true
	rec.stopTimerLocked()
	conn := rec.conn
	rec.conn = nil
	var abandoned *Snapshot
	if m.transitionLocked(rec, StateFailed) {
		rec.message = reason.failure().Error()
		snap := rec.snapshotLocked()
		abandoned = &snap
	}
	rec.mu.Unlock()

	rec.cancel()

	if conn != nil {
		if err := conn.Close(); err != nil {
			cleanupErrorsTotal.WithLabelValues("connection").Inc()
			logger.Warn("Failed to close provider connection", "error", err)
		}
	}
	if rec.creds != nil {
		if err := rec.creds.Destroy(); err != nil {
			cleanupErrorsTotal.WithLabelValues("credentials").Inc()
			logger.Warn("Failed to delete session credentials", "error", err)
		}
	}

	cleanupsTotal.WithLabelValues(string(reason)).Inc()
	sessionsActive.Dec()
	logger.Info("Pairing session cleaned up")

	if abandoned != nil {
		m.finish(*abandoned)
	}
}

// Shutdown stops accepting sessions, drains every live session through
// Cleanup and waits for session goroutines until ctx expires.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closing = true
	m.mu.Unlock()

	records := m.registry.List()
	m.logger.Info("Draining pairing sessions", "count", len(records))

	var g errgroup.Group
	g.SetLimit(16)
	for _, rec := range records {
		id := rec.ID
		g.Go(func() error {
			m.Cleanup(id, ReasonShutdown)
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		m.cancel()
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		m.cancel()
		return fmt.Errorf("session drain: %w", ctx.Err())
	}
}
