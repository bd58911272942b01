package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/eugener/airlock/internal/app"
	"github.com/eugener/airlock/internal/config"
)

func run(configPath string) error {
	// Load config: a file plus environment overrides, or environment alone.
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.Load(configPath)
	} else {
		cfg, err = config.FromEnv()
	}
	if err != nil {
		return err
	}

	slog.Info("starting airlock", "version", version, "addr", cfg.Server.Addr)

	// appCtx outlives the HTTP server: background workers, OAuth token
	// refresh and DNS re-resolution all hang off it.
	appCtx, stop := context.WithCancel(context.Background())
	defer stop()

	a, err := app.New(appCtx, cfg, slog.Default())
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      a.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Background workers
	workerErr := make(chan error, 1)
	go func() {
		workerErr <- a.RunWorkers(appCtx)
	}()

	// Serve
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("airlock ready", "addr", cfg.Server.Addr)

	// Wait for signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	var serveErr error
	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case serveErr = <-errCh:
	}

	// Stop accepting traffic first, then drain workers so buffered audit
	// events still reach the store, then release stores and transports.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil && serveErr == nil {
		serveErr = err
	}

	stop()
	if err := <-workerErr; err != nil && serveErr == nil {
		serveErr = err
	}
	if err := a.Close(shutdownCtx); err != nil && serveErr == nil {
		serveErr = err
	}

	if serveErr != nil {
		return serveErr
	}
	slog.Info("airlock stopped")
	return nil
}
