package sessions

import (
	"context"
	"log/slog"
	"time"
)

const (
	DefaultJanitorInterval = 5 * time.Minute
	DefaultSessionMaxAge   = time.Hour
)

// JanitorConfig controls the periodic expiry sweep.
type JanitorConfig struct {
	Interval time.Duration
	MaxAge   time.Duration
	Now      func() time.Time
	Logger   *slog.Logger
}

// Janitor reclaims sessions older than MaxAge, whatever their state.
type Janitor struct {
	manager *Manager
	cfg     JanitorConfig
}

// NewJanitor creates a janitor that reclaims sessions through m.Cleanup.
func NewJanitor(m *Manager, cfg JanitorConfig) *Janitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultJanitorInterval
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultSessionMaxAge
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Janitor{manager: m, cfg: cfg}
}

// Run sweeps every Interval until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.cfg.Interval)
	defer ticker.Stop()

	j.cfg.Logger.Info("Session janitor started", "interval", j.cfg.Interval, "maxAge", j.cfg.MaxAge)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.SweepOnce()
		}
	}
}

// SweepOnce performs one pass and returns how many sessions it reclaimed.
func (j *Janitor) SweepOnce() int {
	now := j.cfg.Now()
	reclaimed := 0
	for _, rec := range j.manager.Registry().List() {
		age := now.Sub(rec.CreatedAt)
		if age <= j.cfg.MaxAge {
			continue
		}
		if j.manager.Cleanup(rec.ID, ReasonExpired) {
			reclaimed++
			janitorReclaimedTotal.Inc()
			j.cfg.Logger.Info("Reclaimed expired session", "sessionId", rec.ID, "age", age.Round(time.Second))
		}
	}
	if reclaimed > 0 {
		j.cfg.Logger.Info("Janitor sweep finished", "reclaimed", reclaimed)
	}
	return reclaimed
}
