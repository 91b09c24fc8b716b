package app

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"

	"chatd/internal/stats"
	"chatd/pkg/config"
	"chatd/pkg/ingest"
	"chatd/pkg/logger"
	"chatd/pkg/progressor"
	"chatd/pkg/rooms"
	"chatd/pkg/state"
	"chatd/pkg/store"
	"chatd/pkg/validation"
)

// App encapsulates the server components and lifecycle.
type App struct {
	eff       config.EffectiveConfigResult
	version   string
	commit    string
	buildDate string

	hub  *rooms.Hub
	proc *ingest.Processor

	srv *http.Server
}

// New initializes resources that do not require a running context (state
// dirs, DB, validation, the rooms hub and pipeline). It does not start the
// HTTP server; call Run to start it and block until shutdown.
func New(eff config.EffectiveConfigResult, version, commit, buildDate string) (*App, error) {
	_ = godotenv.Load(".env")

	// validate effective config early and fail fast
	if err := validateConfig(eff); err != nil {
		return nil, err
	}

	// runtime folder layout under the db path
	if err := state.EnsureStateDirs(eff.DBPath); err != nil {
		return nil, fmt.Errorf("failed to prepare state dirs at %s: %w", eff.DBPath, err)
	}

	// validation rules
	initValidation(eff)

	// open store
	storePath := filepath.Join(eff.DBPath, "store")
	if err := store.Open(storePath); err != nil {
		return nil, fmt.Errorf("failed to open pebble at %s: %w", storePath, err)
	}

	// run pending store migrations before serving traffic
	if _, err := progressor.Run(context.Background(), version); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("store migration failed: %w", err)
	}

	// rooms hub and message pipeline
	hub := rooms.NewHub()
	fanout := ingest.NewRoomFanout(hub)
	opts := ingest.Options{
		Shards:        eff.Config.Chat.Queue.Shards,
		QueueCapacity: eff.Config.Chat.Queue.Capacity,
	}
	if d := eff.Config.Chat.StoreTimeout.Duration(); d > 0 {
		opts.EnqueueTimeout = d
	}
	proc := ingest.NewProcessor(opts, fanout)

	a := &App{eff: eff, version: version, commit: commit, buildDate: buildDate, hub: hub, proc: proc}
	return a, nil
}

// Run starts the pipeline workers, the stats sweep and the HTTP server, and
// blocks until ctx is canceled or a fatal server error occurs. Shutdown is
// ordered: stop accepting requests, close the hub, drain the pipeline, then
// close the store.
func (a *App) Run(ctx context.Context) error {
	a.proc.Start()

	statsCancel, err := stats.Start(ctx, a.eff, a.proc, a.hub)
	if err != nil {
		return err
	}

	a.printBanner()

	errCh := a.startHTTP(ctx)

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			runErr = err
		}
	}

	statsCancel()

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if a.srv != nil {
		if err := a.srv.Shutdown(shutCtx); err != nil {
			logger.Warn("http_shutdown_error", "error", err)
		}
	}
	a.hub.Close()
	a.proc.Stop()
	if err := store.Close(); err != nil {
		logger.Warn("store_close_error", "error", err)
	}
	logger.Info("server_stopped")
	return runErr
}

// initValidation installs request limits from config.
func initValidation(eff config.EffectiveConfigResult) {
	limits := validation.Limits{}
	if n := eff.Config.Chat.MaxBodyBytes.Int64(); n > 0 {
		limits.MaxBodyBytes = int(n)
	}
	validation.SetLimits(limits)
}
