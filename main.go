// Pairing relay: delivers one-time pairing codes to a messaging address
// through short-lived, isolated provider sessions.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/workspace/pairing-relay/internal/config"
	"github.com/workspace/pairing-relay/internal/logging"
	"github.com/workspace/pairing-relay/internal/provider"
	"github.com/workspace/pairing-relay/internal/server"
)

func main() {
	logger := logging.Setup()
	logger.Info("Starting pairing relay...")

	cfg, err := config.Load()
	if err != nil {
		logger.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	dialer := provider.NewLoopback(provider.LoopbackConfig{
		ConnectDelay: cfg.LoopbackConnectDelay,
		Logger:       logger,
	})

	srv, err := server.New(cfg, dialer, logger)
	if err != nil {
		logger.Error("Failed to create server", "error", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	exitCode := 0
	select {
	case err := <-errCh:
		logger.Error("Server error", "error", err)
		exitCode = 1
	case sig := <-sigCh:
		logger.Info("Received signal, shutting down...", "signal", sig.String())
	}

	// Drain live sessions through cleanup before exiting.
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Stop(ctx); err != nil {
		logger.Warn("Error during shutdown", "error", err)
	}

	logger.Info("Pairing relay stopped")
	if exitCode != 0 {
		cancel()
		os.Exit(exitCode)
	}
}
