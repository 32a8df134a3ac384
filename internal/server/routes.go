package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/workspace/pairing-relay/internal/logging"
	"github.com/workspace/pairing-relay/internal/pairing"
	"github.com/workspace/pairing-relay/internal/persistence"
	"github.com/workspace/pairing-relay/internal/sessions"
)

// maxRequestBody bounds JSON request bodies.
const maxRequestBody = 16 << 10

func (s *Server) setupRoutes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.Middleware(s.logger))
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return corsMiddleware(next, s.config.AllowedOrigins)
	})

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws", s.handleWebSocket)

	r.Route("/api", func(r chi.Router) {
		r.With(rateLimit(s.config.RateLimitRequests, s.config.RateLimitWindow)).
			Post("/send-pairing", s.handleSendPairing)
		r.Get("/session/{sessionId}", s.handleSessionStatus)
		r.Get("/history", s.handleHistory)
	})

	r.Handle("/*", http.FileServer(http.FS(staticFS())))
	return r
}

type sendPairingRequest struct {
	PhoneNumber string `json:"phoneNumber"`
	Count       *int   `json:"count"`
}

// handleSendPairing validates the request, starts a session and returns
// immediately; the outcome arrives later on the push channel.
func (s *Server) handleSendPairing(w http.ResponseWriter, r *http.Request) {
	var body sendPairingRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(&body); err != nil {
		writeFailure(w, http.StatusBadRequest, "invalid request body")
		return
	}

	count := 1
	if body.Count != nil {
		count = *body.Count
	}

	snap, err := s.manager.Create(body.PhoneNumber, count)
	switch {
	case err == nil:
	case errors.Is(err, sessions.ErrInvalidInput):
		writeFailure(w, http.StatusBadRequest, strings.TrimPrefix(err.Error(), pairing.ErrInvalidInput.Error()+": "))
		return
	case errors.Is(err, sessions.ErrShuttingDown), errors.Is(err, sessions.ErrCapacity):
		writeFailure(w, http.StatusServiceUnavailable, err.Error())
		return
	default:
		s.logger.Error("Failed to start pairing session", "error", err)
		writeFailure(w, http.StatusInternalServerError, "failed to start session: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":     true,
		"sessionId":   snap.ID,
		"message":     "Starting pairing code delivery...",
		"pairingCode": snap.PairingCode,
	})
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.manager.Status(chi.URLParam(r, "sessionId"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{
			"success": false,
			"status":  "not_found",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":      true,
		"status":       snap.State.String(),
		"phoneNumber":  snap.TargetAddress,
		"messagesSent": snap.SentCount,
		"pairingCode":  snap.PairingCode,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotFound, "history is disabled")
		return
	}

	limit := persistence.DefaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	outcomes, err := s.store.ListOutcomes(r.Context(), limit)
	if err != nil {
		s.logger.Error("Failed to list pairing history", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"outcomes": outcomes,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "healthy",
		"activeSessions": s.manager.ActiveCount(),
		"observers":      s.bus.ClientCount(),
		"historyEnabled": s.store != nil,
	})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

// writeFailure writes the {success:false, message} body used by the
// pairing endpoints.
func writeFailure(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{
		"success": false,
		"message": message,
	})
}
