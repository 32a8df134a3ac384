package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Port != 3000 {
		t.Fatalf("Port=%d, want 3000", cfg.Port)
	}
	if cfg.Addr() != "0.0.0.0:3000" {
		t.Fatalf("Addr()=%q", cfg.Addr())
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "*" {
		t.Fatalf("AllowedOrigins=%v, want [*]", cfg.AllowedOrigins)
	}
	if cfg.SessionsDir != "./temp-sessions" {
		t.Fatalf("SessionsDir=%q", cfg.SessionsDir)
	}
	if cfg.HistoryDBPath != "./data/pairing-history.db" {
		t.Fatalf("HistoryDBPath=%q", cfg.HistoryDBPath)
	}
	if cfg.HandshakeTimeout != 120*time.Second {
		t.Fatalf("HandshakeTimeout=%s, want 2m0s", cfg.HandshakeTimeout)
	}
	if cfg.SendInterval != 3*time.Second || cfg.SendTimeout != 30*time.Second {
		t.Fatalf("SendInterval=%s SendTimeout=%s", cfg.SendInterval, cfg.SendTimeout)
	}
	if cfg.CompletionGrace != 30*time.Second {
		t.Fatalf("CompletionGrace=%s, want 30s", cfg.CompletionGrace)
	}
	if cfg.JanitorInterval != 5*time.Minute || cfg.SessionMaxAge != time.Hour {
		t.Fatalf("JanitorInterval=%s SessionMaxAge=%s", cfg.JanitorInterval, cfg.SessionMaxAge)
	}
	if cfg.MaxActiveSessions != 100 || cfg.ConnectMaxAttempts != 3 {
		t.Fatalf("MaxActiveSessions=%d ConnectMaxAttempts=%d", cfg.MaxActiveSessions, cfg.ConnectMaxAttempts)
	}
	if cfg.RateLimitRequests != 10 || cfg.RateLimitWindow != time.Minute {
		t.Fatalf("RateLimitRequests=%d RateLimitWindow=%s", cfg.RateLimitRequests, cfg.RateLimitWindow)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "8081")
	t.Setenv("HOST", "127.0.0.1")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example.com, https://b.example.com ,")
	t.Setenv("HANDSHAKE_TIMEOUT", "45s")
	t.Setenv("SEND_INTERVAL", "500ms")
	t.Setenv("MAX_ACTIVE_SESSIONS", "0")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Addr() != "127.0.0.1:8081" {
		t.Fatalf("Addr()=%q", cfg.Addr())
	}
	if strings.Join(cfg.AllowedOrigins, "|") != "https://a.example.com|https://b.example.com" {
		t.Fatalf("AllowedOrigins=%v", cfg.AllowedOrigins)
	}
	if cfg.HandshakeTimeout != 45*time.Second || cfg.SendInterval != 500*time.Millisecond {
		t.Fatalf("HandshakeTimeout=%s SendInterval=%s", cfg.HandshakeTimeout, cfg.SendInterval)
	}
	if cfg.MaxActiveSessions != 0 {
		t.Fatalf("MaxActiveSessions=%d, want 0 (unlimited)", cfg.MaxActiveSessions)
	}
}

func TestLoadEmptyHistoryPathDisablesHistory(t *testing.T) {
	t.Setenv("HISTORY_DB_PATH", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.HistoryDBPath != "" {
		t.Fatalf("HistoryDBPath=%q, want empty", cfg.HistoryDBPath)
	}
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("PORT", "not-a-number")
	t.Setenv("SEND_TIMEOUT", "soon")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Port != 3000 || cfg.SendTimeout != 30*time.Second {
		t.Fatalf("Port=%d SendTimeout=%s, want defaults", cfg.Port, cfg.SendTimeout)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{name: "port out of range", key: "PORT", value: "70000"},
		{name: "zero handshake timeout", key: "HANDSHAKE_TIMEOUT", value: "0s"},
		{name: "negative send interval", key: "SEND_INTERVAL", value: "-1s"},
		{name: "negative capacity", key: "MAX_ACTIVE_SESSIONS", value: "-1"},
		{name: "zero connect attempts", key: "CONNECT_MAX_ATTEMPTS", value: "0"},
		{name: "zero rate limit", key: "RATE_LIMIT_REQUESTS", value: "0"},
		{name: "negative retention", key: "HISTORY_RETENTION", value: "-1h"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(tc.key, tc.value)
			if _, err := Load(); err == nil {
				t.Fatalf("expected error for %s=%s", tc.key, tc.value)
			} else if !strings.Contains(err.Error(), tc.key) {
				t.Fatalf("error %q does not name %s", err, tc.key)
			}
		})
	}
}
