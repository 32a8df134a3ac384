package notify

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// wsServer upgrades every request and registers the connection on bus.
func wsServer(t *testing.T, bus *Bus) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		bus.AddClient(conn)
		defer func() {
			bus.RemoveClient(conn)
			_ = conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func waitForClients(t *testing.T, bus *Bus, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return bus.ClientCount() == n }, 2*time.Second, 5*time.Millisecond)
}

type payload struct {
	SessionID string `json:"sessionId"`
	Success   bool   `json:"success"`
}

func TestBroadcastReachesEveryClient(t *testing.T) {
	bus := NewBus(testLogger())
	srv := wsServer(t, bus)

	a := dial(t, srv)
	b := dial(t, srv)
	waitForClients(t, bus, 2)

	bus.Broadcast(EventPairingResult, payload{SessionID: "s1", Success: true})

	for _, conn := range []*websocket.Conn{a, b} {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)

		var msg Message
		require.NoError(t, json.Unmarshal(data, &msg))
		assert.Equal(t, EventPairingResult, msg.Event)

		var got payload
		require.NoError(t, json.Unmarshal(msg.Data, &got))
		assert.Equal(t, payload{SessionID: "s1", Success: true}, got)
	}
}

func TestLateClientGetsNoReplay(t *testing.T) {
	bus := NewBus(testLogger())
	srv := wsServer(t, bus)

	bus.Broadcast(EventPairingResult, payload{SessionID: "early"})

	conn := dial(t, srv)
	waitForClients(t, bus, 1)
	bus.Broadcast(EventPairingResult, payload{SessionID: "late"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"late"`)
	assert.NotContains(t, string(data), `"early"`)
}

func TestDisconnectedClientIsRemoved(t *testing.T) {
	bus := NewBus(testLogger())
	srv := wsServer(t, bus)

	conn := dial(t, srv)
	waitForClients(t, bus, 1)
	require.NoError(t, conn.Close())
	waitForClients(t, bus, 0)

	// Broadcasting with no observers is a no-op.
	bus.Broadcast(EventPairingResult, payload{SessionID: "s1"})
}

func TestSubscribeReceivesMessages(t *testing.T) {
	bus := NewBus(testLogger())
	ch, cancel := bus.Subscribe()
	defer cancel()

	bus.Broadcast(EventPairingResult, payload{SessionID: "s1", Success: true})

	select {
	case msg := <-ch:
		assert.Equal(t, EventPairingResult, msg.Event)
		assert.JSONEq(t, `{"sessionId":"s1","success":true}`, string(msg.Data))
	case <-time.After(time.Second):
		t.Fatal("subscriber received nothing")
	}

	cancel()
	_, ok := <-ch
	assert.False(t, ok)
	cancel()
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	bus := NewBus(testLogger())
	_, cancel := bus.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*2; i++ {
			bus.Broadcast(EventPairingResult, payload{SessionID: "s"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast blocked on a full subscriber")
	}
}

func TestCloseDisconnectsObservers(t *testing.T) {
	bus := NewBus(testLogger())
	srv := wsServer(t, bus)
	conn := dial(t, srv)
	waitForClients(t, bus, 1)
	ch, _ := bus.Subscribe()

	bus.Close()
	bus.Close()

	_, ok := <-ch
	assert.False(t, ok)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)

	bus.Broadcast(EventPairingResult, payload{SessionID: "after-close"})
	assert.Equal(t, 0, bus.ClientCount())
}
