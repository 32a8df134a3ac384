// Package config provides configuration loading for the pairing relay.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration values for the pairing relay.
type Config struct {
	// Server settings
	Port           int
	Host           string
	AllowedOrigins []string

	// Storage
	SessionsDir      string
	HistoryDBPath    string
	HistoryRetention time.Duration

	// Session lifecycle
	HandshakeTimeout   time.Duration
	SendInterval       time.Duration
	SendTimeout        time.Duration
	CompletionGrace    time.Duration
	JanitorInterval    time.Duration
	SessionMaxAge      time.Duration
	MaxActiveSessions  int
	ConnectMaxAttempts int
	ShutdownTimeout    time.Duration

	// Rate limiting for session creation
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// HTTP server timeouts
	HTTPReadTimeout time.Duration
	HTTPIdleTimeout time.Duration

	// WebSocket settings
	WSReadBufferSize  int
	WSWriteBufferSize int

	// Loopback provider
	LoopbackConnectDelay time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:           getEnvInt("PORT", 3000),
		Host:           getEnv("HOST", "0.0.0.0"),
		AllowedOrigins: getEnvStringSlice("ALLOWED_ORIGINS", []string{"*"}),

		SessionsDir:      getEnv("SESSIONS_DIR", "./temp-sessions"),
		HistoryDBPath:    getEnvAllowEmpty("HISTORY_DB_PATH", "./data/pairing-history.db"),
		HistoryRetention: getEnvDuration("HISTORY_RETENTION", 30*24*time.Hour),

		HandshakeTimeout:   getEnvDuration("HANDSHAKE_TIMEOUT", 120*time.Second),
		SendInterval:       getEnvDuration("SEND_INTERVAL", 3*time.Second),
		SendTimeout:        getEnvDuration("SEND_TIMEOUT", 30*time.Second),
		CompletionGrace:    getEnvDuration("COMPLETION_GRACE", 30*time.Second),
		JanitorInterval:    getEnvDuration("JANITOR_INTERVAL", 5*time.Minute),
		SessionMaxAge:      getEnvDuration("SESSION_MAX_AGE", time.Hour),
		MaxActiveSessions:  getEnvInt("MAX_ACTIVE_SESSIONS", 100),
		ConnectMaxAttempts: getEnvInt("CONNECT_MAX_ATTEMPTS", 3),
		ShutdownTimeout:    getEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),

		RateLimitRequests: getEnvInt("RATE_LIMIT_REQUESTS", 10),
		RateLimitWindow:   getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),

		HTTPReadTimeout: getEnvDuration("HTTP_READ_TIMEOUT", 15*time.Second),
		HTTPIdleTimeout: getEnvDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),

		WSReadBufferSize:  getEnvInt("WS_READ_BUFFER_SIZE", 1024),
		WSWriteBufferSize: getEnvInt("WS_WRITE_BUFFER_SIZE", 1024),

		LoopbackConnectDelay: getEnvDuration("LOOPBACK_CONNECT_DELAY", 2*time.Second),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (c *Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.SessionsDir == "" {
		return fmt.Errorf("SESSIONS_DIR is required")
	}

	positive := []struct {
		name  string
		value time.Duration
	}{
		{"HANDSHAKE_TIMEOUT", c.HandshakeTimeout},
		{"SEND_INTERVAL", c.SendInterval},
		{"SEND_TIMEOUT", c.SendTimeout},
		{"COMPLETION_GRACE", c.CompletionGrace},
		{"JANITOR_INTERVAL", c.JanitorInterval},
		{"SESSION_MAX_AGE", c.SessionMaxAge},
		{"SHUTDOWN_TIMEOUT", c.ShutdownTimeout},
		{"RATE_LIMIT_WINDOW", c.RateLimitWindow},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("%s must be positive, got %s", p.name, p.value)
		}
	}
	if c.HistoryRetention < 0 {
		return fmt.Errorf("HISTORY_RETENTION must not be negative, got %s", c.HistoryRetention)
	}
	if c.LoopbackConnectDelay < 0 {
		return fmt.Errorf("LOOPBACK_CONNECT_DELAY must not be negative, got %s", c.LoopbackConnectDelay)
	}
	if c.MaxActiveSessions < 0 {
		return fmt.Errorf("MAX_ACTIVE_SESSIONS must not be negative, got %d", c.MaxActiveSessions)
	}
	if c.ConnectMaxAttempts < 1 {
		return fmt.Errorf("CONNECT_MAX_ATTEMPTS must be at least 1, got %d", c.ConnectMaxAttempts)
	}
	if c.RateLimitRequests < 1 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS must be at least 1, got %d", c.RateLimitRequests)
	}
	return nil
}

// getEnv returns an environment variable or a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAllowEmpty is getEnv, except that a variable set to "" is kept.
func getEnvAllowEmpty(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return strings.TrimSpace(value)
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvStringSlice returns a slice from a comma-separated environment variable.
func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
