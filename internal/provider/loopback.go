package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/workspace/pairing-relay/internal/pairing"
)

// LoopbackConfig configures the development provider.
type LoopbackConfig struct {
	// ConnectDelay is the pause between the challenge and the open event.
	ConnectDelay time.Duration
	// Logger receives one line per delivered message. Defaults to slog.Default().
	Logger *slog.Logger
}

// Loopback is a Dialer that never leaves the process. Each connection emits
// a credentials update, a challenge and, after ConnectDelay, an open event.
// Sends are logged instead of delivered. It lets the relay run end to end
// without a messaging account.
type Loopback struct {
	cfg LoopbackConfig
}

// NewLoopback creates a loopback dialer.
func NewLoopback(cfg LoopbackConfig) *Loopback {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Loopback{cfg: cfg}
}

// Open implements Dialer.
func (l *Loopback) Open(ctx context.Context, store CredentialStore) (Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	existing, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}

	c := &loopbackConn{
		events: make(chan Event),
		done:   make(chan struct{}),
		logger: l.cfg.Logger,
	}
	go c.emit(existing, l.cfg.ConnectDelay)
	return c, nil
}

type loopbackConn struct {
	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
	logger    *slog.Logger
}

func (c *loopbackConn) emit(existing map[string][]byte, delay time.Duration) {
	defer close(c.events)

	if len(existing) == 0 {
		creds, _ := json.Marshal(map[string]string{
			"registered": "false",
			"createdAt":  time.Now().UTC().Format(time.RFC3339),
		})
		if !c.push(Event{Kind: EventCredentials, Credentials: map[string][]byte{"creds.json": creds}}) {
			return
		}
	}
	if !c.push(Event{Kind: EventChallenge}) {
		return
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-c.done:
		return
	case <-timer.C:
	}

	if !c.push(Event{Kind: EventOpen}) {
		return
	}
	<-c.done
}

func (c *loopbackConn) push(ev Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	}
}

func (c *loopbackConn) Events() <-chan Event {
	return c.events
}

func (c *loopbackConn) Send(ctx context.Context, address, text string) error {
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.logger.Info("Loopback provider delivered message", "address", pairing.MaskAddress(address), "bytes", len(text))
	return nil
}

func (c *loopbackConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}
