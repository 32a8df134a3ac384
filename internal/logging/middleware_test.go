package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5/middleware"
)

func TestMiddlewareLogsRequest(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	h := middleware.RequestID(Middleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	})))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/send-pairing", nil))

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse access log: %v (output: %s)", err, buf.String())
	}
	if entry["msg"] != "HTTP request" {
		t.Errorf("msg = %v", entry["msg"])
	}
	if entry["method"] != http.MethodPost || entry["path"] != "/api/send-pairing" {
		t.Errorf("method/path = %v %v", entry["method"], entry["path"])
	}
	if status, _ := entry["status"].(float64); int(status) != http.StatusTeapot {
		t.Errorf("status = %v, want %d", entry["status"], http.StatusTeapot)
	}
	if n, _ := entry["bytes"].(float64); int(n) != len("short and stout") {
		t.Errorf("bytes = %v", entry["bytes"])
	}
	if id, _ := entry["requestId"].(string); id == "" {
		t.Error("requestId missing")
	}
}

func TestMiddlewareLevels(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		status int
		want   string // "" means nothing at info and above
	}{
		{"health probe", "/health", http.StatusOK, ""},
		{"metrics scrape", "/metrics", http.StatusOK, ""},
		{"api request", "/api/session/x", http.StatusNotFound, "INFO"},
		{"failing probe", "/health", http.StatusInternalServerError, "ERROR"},
		{"server error", "/api/send-pairing", http.StatusServiceUnavailable, "ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
			h := Middleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, tt.path, nil))

			if tt.want == "" {
				if buf.Len() != 0 {
					t.Errorf("expected no record at info, got: %s", buf.String())
				}
				return
			}
			var entry map[string]any
			if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
				t.Fatalf("failed to parse access log: %v (output: %s)", err, buf.String())
			}
			if entry["level"] != tt.want {
				t.Errorf("level = %v, want %s", entry["level"], tt.want)
			}
		})
	}
}
