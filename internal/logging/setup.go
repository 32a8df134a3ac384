// Package logging configures structured logging for the pairing relay using
// log/slog, and provides the HTTP access-log middleware.
package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"
)

// ServiceName is attached to every record written by the relay's logger.
const ServiceName = "pairing-relay"

// Level is the shared level of every logger built by New, adjustable at
// runtime.
var Level slog.LevelVar

// Options selects the handler for New.
type Options struct {
	Level  string // debug, info, warn, error; anything else means info
	Format string // json or text; anything else means json
	Output io.Writer
}

// OptionsFromEnv reads LOG_LEVEL and LOG_FORMAT and writes to stderr.
func OptionsFromEnv() Options {
	return Options{
		Level:  os.Getenv("LOG_LEVEL"),
		Format: os.Getenv("LOG_FORMAT"),
		Output: os.Stderr,
	}
}

// Setup installs a logger built from the environment as the process default.
func Setup() *slog.Logger {
	return Install(OptionsFromEnv())
}

// Install builds a logger from opts, makes it the slog default and routes
// the standard library "log" package through it.
func Install(opts Options) *slog.Logger {
	logger := New(opts)
	slog.SetDefault(logger)

	log.SetFlags(0)
	log.SetOutput(stdlibBridge{logger: logger})
	return logger
}

// New builds a logger tagged with ServiceName without installing it.
func New(opts Options) *slog.Logger {
	Level.Set(ParseLevel(opts.Level))

	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	ho := &slog.HandlerOptions{Level: &Level}

	var h slog.Handler = slog.NewJSONHandler(out, ho)
	if strings.EqualFold(strings.TrimSpace(opts.Format), "text") {
		h = slog.NewTextHandler(out, ho)
	}
	return slog.New(h).With("service", ServiceName)
}

// ParseLevel converts a string to slog.Level. Defaults to INFO.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stdlibBridge turns each log.Print line into an info record.
type stdlibBridge struct {
	logger *slog.Logger
}

func (b stdlibBridge) Write(p []byte) (int, error) {
	b.logger.Info(strings.TrimRight(string(p), "\n"), "component", "stdlib")
	return len(p), nil
}
