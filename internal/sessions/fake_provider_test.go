package sessions

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/workspace/pairing-relay/internal/provider"
	"github.com/workspace/pairing-relay/internal/retry"
)

// fakeConn is a provider connection whose events are pushed by the test.
type fakeConn struct {
	events chan provider.Event

	mu         sync.Mutex
	sends      []string
	sendErr    func(n int) error // n is the 1-based send number
	sendDelay  time.Duration
	sendStarts []time.Time
	sendEnds   []time.Time
	closed     int
	done       chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		events: make(chan provider.Event, 16),
		done:   make(chan struct{}),
	}
}

func (c *fakeConn) Events() <-chan provider.Event { return c.events }

func (c *fakeConn) Send(ctx context.Context, address, text string) error {
	start := time.Now()
	c.mu.Lock()
	delay := c.sendDelay
	c.mu.Unlock()
	if delay > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(delay):
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendStarts = append(c.sendStarts, start)
	c.sendEnds = append(c.sendEnds, time.Now())
	if c.closed > 0 {
		return provider.ErrConnectionClosed
	}
	c.sends = append(c.sends, address+"|"+text)
	if c.sendErr != nil {
		return c.sendErr(len(c.sends))
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	if c.closed == 1 {
		close(c.done)
	}
	return nil
}

func (c *fakeConn) emit(kinds ...provider.EventKind) {
	for _, k := range kinds {
		c.events <- provider.Event{Kind: k}
	}
}

func (c *fakeConn) sendCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sends)
}

func (c *fakeConn) setSendDelay(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendDelay = d
}

// sendTimes returns when each Send call started and returned.
func (c *fakeConn) sendTimes() (starts, ends []time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Time(nil), c.sendStarts...), append([]time.Time(nil), c.sendEnds...)
}

func (c *fakeConn) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// fakeDialer hands out one fakeConn per Open call.
type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	err   error
	ready chan *fakeConn
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{ready: make(chan *fakeConn, 16)}
}

func (d *fakeDialer) Open(ctx context.Context, _ provider.CredentialStore) (provider.Connection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	d.ready <- c
	return c, nil
}

func (d *fakeDialer) next(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case c := <-d.ready:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for provider connection")
		return nil
	}
}

// fakeStore is an in-memory credential store.
type fakeStore struct {
	mu        sync.Mutex
	files     map[string][]byte
	destroyed atomic.Int32
}

func (s *fakeStore) Load() (map[string][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]byte, len(s.files))
	for k, v := range s.files {
		out[k] = v
	}
	return out, nil
}

func (s *fakeStore) Save(files map[string][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.files == nil {
		s.files = make(map[string][]byte)
	}
	for k, v := range files {
		s.files[k] = v
	}
	return nil
}

func (s *fakeStore) Destroy() error {
	s.destroyed.Add(1)
	return nil
}

// resultSink collects published results.
type resultSink struct {
	ch chan Result
}

func newResultSink() *resultSink {
	return &resultSink{ch: make(chan Result, 32)}
}

func (s *resultSink) PublishResult(r Result) { s.ch <- r }

func (s *resultSink) next(t *testing.T) Result {
	t.Helper()
	select {
	case r := <-s.ch:
		return r
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for pairing result")
		return Result{}
	}
}

func (s *resultSink) none(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case r := <-s.ch:
		t.Fatalf("unexpected pairing result: %+v", r)
	case <-time.After(wait):
	}
}

type testEnv struct {
	manager *Manager
	dialer  *fakeDialer
	results *resultSink

	mu     sync.Mutex
	stores map[string]*fakeStore
}

func (e *testEnv) store(id string) *fakeStore {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stores[id]
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestEnv builds a manager with fast timings; mutate adjusts the config.
func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()
	env := &testEnv{
		dialer:  newFakeDialer(),
		results: newResultSink(),
		stores:  make(map[string]*fakeStore),
	}
	cfg := Config{
		Dialer: env.dialer,
		OpenCredentials: func(id string) (CredentialStore, error) {
			st := &fakeStore{}
			env.mu.Lock()
			env.stores[id] = st
			env.mu.Unlock()
			return st, nil
		},
		Publisher:        env.results,
		Logger:           discardLogger(),
		HandshakeTimeout: 2 * time.Second,
		SendInterval:     5 * time.Millisecond,
		SendTimeout:      time.Second,
		CompletionGrace:  2 * time.Second,
		ConnectPolicy: retry.Policy{
			InitialDelay: time.Millisecond,
			MaxDelay:     2 * time.Millisecond,
			MaxElapsed:   time.Second,
			MaxAttempts:  2,
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	m, err := NewManager(NewRegistry(), cfg)
	require.NoError(t, err)
	env.manager = m
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return env
}
