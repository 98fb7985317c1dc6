// Package appbootstrap wires the configuration, database, services, and
// HTTP server into one running process.
package appbootstrap

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"merlin-itsm/config"
	"merlin-itsm/core/store"
	"merlin-itsm/core/utils"
)

const (
	shutdownGrace        = 15 * time.Second
	sessionSweepInterval = 30 * time.Minute
)

// Run starts the service and blocks until SIGINT/SIGTERM, then shuts the
// server and the scan engine down within the grace period.
func Run(configPath string) error {
	logger := utils.NewLogger()
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	db, err := store.NewDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := store.ApplyMigrations(ctx, db, store.Dialect(cfg), logger); err != nil {
		return err
	}

	rt, err := composeRuntime(cfg, db, logger)
	if err != nil {
		return err
	}
	if err := bootstrapAdmin(ctx, rt.users, cfg, logger); err != nil {
		return err
	}

	if err := rt.scanEngine.Start(); err != nil {
		return err
	}
	rt.backupsScheduler.StartWithContext(ctx)

	go func() {
		ticker := time.NewTicker(sessionSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rt.sessions.Sweep(ctx)
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- rt.server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Printf("received %s, shutting down", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()
	if err := rt.server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("http shutdown: %v", err)
	}
	if err := rt.scanEngine.Stop(shutdownCtx); err != nil {
		logger.Errorf("scan engine shutdown: %v", err)
	}
	if err := rt.backupsScheduler.StopWithContext(shutdownCtx); err != nil {
		logger.Errorf("backup scheduler shutdown: %v", err)
	}
	cancel()
	return nil
}
