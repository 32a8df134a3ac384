// Package notify fans pairing results out to every connected observer:
// WebSocket clients and in-process subscribers. Delivery is best effort;
// nothing is buffered for observers that connect later.
package notify

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// EventPairingResult is emitted once per session when it finishes.
	EventPairingResult = "pairing-result"

	// writeTimeout is the per-message write deadline for WebSocket clients.
	writeTimeout = 5 * time.Second

	subscriberBuffer = 16
)

// Message is the envelope written to observers.
type Message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type client struct {
	conn *websocket.Conn
	// writeMu serialises writes; gorilla connections allow one writer.
	writeMu sync.Mutex
}

// Bus manages observers. It is safe for concurrent use.
type Bus struct {
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[*websocket.Conn]*client
	subs    map[int]chan Message
	nextSub int
	closed  bool
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger:  logger,
		clients: make(map[*websocket.Conn]*client),
		subs:    make(map[int]chan Message),
	}
}

// Broadcast sends event with payload to every observer connected right now.
// Clients whose write fails are dropped.
func (b *Bus) Broadcast(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		b.logger.Error("Failed to marshal notification payload", "event", event, "error", err)
		return
	}
	msg := Message{Event: event, Data: data}
	frame, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error("Failed to marshal notification", "event", event, "error", err)
		return
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	clients := make([]*client, 0, len(b.clients))
	for _, c := range b.clients {
		clients = append(clients, c)
	}
	for _, ch := range b.subs {
		select {
		case ch <- msg:
		default:
			b.logger.Warn("Dropping notification for slow subscriber", "event", event)
		}
	}
	b.mu.RUnlock()

	for _, c := range clients {
		if err := c.write(frame); err != nil {
			b.logger.Debug("Notification write failed, removing client", "error", err)
			b.RemoveClient(c.conn)
			_ = c.conn.Close()
		}
	}
}

func (c *client) write(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

// AddClient registers a WebSocket connection.
func (b *Bus) AddClient(conn *websocket.Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		_ = conn.Close()
		return
	}
	b.clients[conn] = &client{conn: conn}
}

// RemoveClient unregisters a WebSocket connection.
func (b *Bus) RemoveClient(conn *websocket.Conn) {
	b.mu.Lock()
	delete(b.clients, conn)
	b.mu.Unlock()
}

// ClientCount returns the number of registered WebSocket clients.
func (b *Bus) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Subscribe registers an in-process observer. Messages are dropped when its
// buffer is full. The returned cancel function must be called to release it.
func (b *Bus) Subscribe() (<-chan Message, func()) {
	ch := make(chan Message, subscriberBuffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := b.nextSub
	b.nextSub++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(ch)
			}
			b.mu.Unlock()
		})
	}
}

// Close disconnects every observer. Later broadcasts are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	clients := b.clients
	b.clients = make(map[*websocket.Conn]*client)
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
	b.mu.Unlock()

	for conn := range clients {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}
}
