package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// wsReadLimit bounds frames from observers; they are not expected to send
// anything beyond control frames.
const wsReadLimit = 4 << 10

// createUpgrader creates a WebSocket upgrader with proper origin validation.
// WebSocket upgrades bypass CORS, so we must validate origins explicitly.
func (s *Server) createUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  s.config.WSReadBufferSize,
		WriteBufferSize: s.config.WSWriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				// Non-browser client.
				return true
			}
			if originAllowed(s.config.AllowedOrigins, origin) {
				return true
			}
			s.logger.Warn("WebSocket origin rejected", "origin", origin)
			return false
		},
		HandshakeTimeout: 10 * time.Second,
	}
}

// handleWebSocket registers the connection as a pairing-result observer and
// keeps it until the client goes away.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := s.createUpgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("WebSocket upgrade failed", "error", err)
		return
	}
	defer func() {
		s.bus.RemoveClient(conn)
		_ = conn.Close()
	}()

	conn.SetReadLimit(wsReadLimit)
	s.bus.AddClient(conn)
	s.logger.Info("Observer connected", "remote", r.RemoteAddr)

	// Read loop: detects disconnects and services control frames.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	s.logger.Info("Observer disconnected", "remote", r.RemoteAddr)
}
