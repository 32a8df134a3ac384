// Package server provides the HTTP server for the pairing relay.
package server

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/workspace/pairing-relay/internal/config"
	"github.com/workspace/pairing-relay/internal/credentials"
	"github.com/workspace/pairing-relay/internal/notify"
	"github.com/workspace/pairing-relay/internal/persistence"
	"github.com/workspace/pairing-relay/internal/provider"
	"github.com/workspace/pairing-relay/internal/retry"
	"github.com/workspace/pairing-relay/internal/sessions"
)

//go:embed static/*
var staticFiles embed.FS

// Server is the HTTP server for the pairing relay.
type Server struct {
	config     *config.Config
	logger     *slog.Logger
	httpServer *http.Server
	router     chi.Router

	manager *sessions.Manager
	janitor *sessions.Janitor
	bus     *notify.Bus
	store   *persistence.Store // nil when history is disabled

	runCtx    context.Context
	runCancel context.CancelFunc
}

// New wires the session manager, notification bus, history store and HTTP
// routes. dialer opens provider connections for new sessions.
func New(cfg *config.Config, dialer provider.Dialer, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	purged, err := credentials.PurgeRoot(cfg.SessionsDir)
	if err != nil {
		return nil, fmt.Errorf("prepare sessions directory: %w", err)
	}
	if purged > 0 {
		logger.Info("Removed stale session credentials", "count", purged, "dir", cfg.SessionsDir)
	}

	var store *persistence.Store
	if cfg.HistoryDBPath != "" {
		store, err = persistence.Open(cfg.HistoryDBPath)
		if err != nil {
			return nil, fmt.Errorf("open history store: %w", err)
		}
		logger.Info("Pairing history enabled", "path", cfg.HistoryDBPath)
	} else {
		logger.Info("Pairing history disabled")
	}

	bus := notify.NewBus(logger)

	mcfg := sessions.Config{
		Dialer: dialer,
		OpenCredentials: func(id string) (sessions.CredentialStore, error) {
			return credentials.Open(cfg.SessionsDir, id)
		},
		Publisher: sessions.PublisherFunc(func(r sessions.Result) {
			bus.Broadcast(notify.EventPairingResult, r)
		}),
		Logger:           logger,
		HandshakeTimeout: cfg.HandshakeTimeout,
		SendInterval:     cfg.SendInterval,
		SendTimeout:      cfg.SendTimeout,
		CompletionGrace:  cfg.CompletionGrace,
		MaxActive:        cfg.MaxActiveSessions,
		ConnectPolicy: retry.Policy{
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     5 * time.Second,
			MaxElapsed:   cfg.HandshakeTimeout,
			MaxAttempts:  cfg.ConnectMaxAttempts,
			Logger:       logger,
		},
	}
	if store != nil {
		mcfg.History = historyAdapter{store: store}
	}

	manager, err := sessions.NewManager(sessions.NewRegistry(), mcfg)
	if err != nil {
		if store != nil {
			_ = store.Close()
		}
		return nil, fmt.Errorf("create session manager: %w", err)
	}

	janitor := sessions.NewJanitor(manager, sessions.JanitorConfig{
		Interval: cfg.JanitorInterval,
		MaxAge:   cfg.SessionMaxAge,
		Logger:   logger,
	})

	runCtx, runCancel := context.WithCancel(context.Background())
	s := &Server{
		config:    cfg,
		logger:    logger,
		manager:   manager,
		janitor:   janitor,
		bus:       bus,
		store:     store,
		runCtx:    runCtx,
		runCancel: runCancel,
	}

	s.router = s.setupRoutes()
	s.httpServer = &http.Server{
		Addr:        cfg.Addr(),
		Handler:     s.router,
		ReadTimeout: cfg.HTTPReadTimeout,
		IdleTimeout: cfg.HTTPIdleTimeout,
	}

	return s, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves HTTP and runs the background loops until Stop is called or
// the listener fails.
func (s *Server) Start() error {
	g, ctx := errgroup.WithContext(s.runCtx)

	g.Go(func() error {
		s.logger.Info("Starting pairing relay", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		s.janitor.Run(ctx)
		return nil
	})
	if s.store != nil && s.config.HistoryRetention > 0 {
		g.Go(func() error {
			s.runHistoryPruner(ctx)
			return nil
		})
	}

	err := g.Wait()
	s.runCancel()
	return err
}

func (s *Server) runHistoryPruner(ctx context.Context) {
	ticker := time.NewTicker(s.config.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pruneHistory(ctx)
		}
	}
}

func (s *Server) pruneHistory(ctx context.Context) {
	cutoff := time.Now().Add(-s.config.HistoryRetention)
	n, err := s.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		s.logger.Warn("Failed to prune pairing history", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("Pruned pairing history", "removed", n, "olderThan", cutoff.UTC().Format(time.RFC3339))
	}
}

// Stop drains every live session, then shuts the HTTP server down and
// releases the bus and history store.
func (s *Server) Stop(ctx context.Context) error {
	var errs []error

	if err := s.manager.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	s.runCancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}

	s.bus.Close()

	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Warn("Failed to close history store", "error", err)
		}
	}

	return errors.Join(errs...)
}

func staticFS() fs.FS {
	sub, err := fs.Sub(staticFiles, "static")
	if err != nil {
		// Only reachable if the embed directive and directory name disagree.
		panic(err)
	}
	return sub
}
