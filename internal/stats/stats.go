package stats

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/adhocore/gronx"

	"chatd/pkg/config"
	"chatd/pkg/logger"
	"chatd/pkg/state"
	"chatd/pkg/store"
	"chatd/pkg/telemetry"
)

// PipelineStats exposes the queue counters the sweep samples.
type PipelineStats interface {
	Depth() int
	Dropped() uint64
}

// RoomStats exposes the hub counters the sweep samples.
type RoomStats interface {
	Counts() (conns, rooms int)
}

type sweepRecord struct {
	Time         string `json:"time"`
	DiskBytes    uint64 `json:"disk_bytes"`
	WALBytes     uint64 `json:"wal_bytes"`
	L0Files      int    `json:"l0_files"`
	QueueDepth   int    `json:"queue_depth"`
	QueueDropped uint64 `json:"queue_dropped"`
	Connections  int    `json:"connections"`
	Rooms        int    `json:"rooms"`
}

var (
	storedProc PipelineStats
	storedHub  RoomStats
)

// SetSources stores the sampled components so admin triggers can invoke
// sweeps on-demand.
func SetSources(proc PipelineStats, hub RoomStats) {
	storedProc = proc
	storedHub = hub
}

// RunImmediate triggers a single stats sweep using the stored sources.
func RunImmediate() error {
	if storedProc == nil || storedHub == nil {
		return fmt.Errorf("no stats sources registered")
	}
	if state.PathsVar.Stats == "" {
		return fmt.Errorf("state paths not initialized")
	}
	return runOnce(state.PathsVar.Stats, storedProc, storedHub)
}

// Start starts the stats scheduler if enabled. Returns a cancel func.
func Start(ctx context.Context, eff config.EffectiveConfigResult, proc PipelineStats, hub RoomStats) (context.CancelFunc, error) {
	st := eff.Config.Stats

	// if stats are not enabled, return no-op cancel
	if !st.Enabled {
		logger.Info("stats_disabled")
		return func() {}, nil
	}

	SetSources(proc, hub)

	// Use a stable stats folder under the DB path: <DBPath>/state/stats.
	statsPath := state.PathsVar.Stats

	// ensure stats path exists
	if err := os.MkdirAll(statsPath, 0o700); err != nil {
		logger.Error("stats_path_create_failed", "path", statsPath, "error", err)
		return nil, err
	}

	// map empty cron to default every five minutes
	cronExpr := st.Cron
	if cronExpr == "" {
		cronExpr = "*/5 * * * *"
	}
	// validate cron expression using gronx
	if !gronx.IsValid(cronExpr) {
		logger.Error("stats_invalid_cron", "cron", st.Cron)
		return nil, fmt.Errorf("invalid stats cron expression: %s", st.Cron)
	}

	logger.Info("stats_enabled", "cron", cronExpr, "path", statsPath)
	ctx2, cancel := context.WithCancel(ctx)

	// start scheduler goroutine (pass resolved cron expression)
	go runScheduler(ctx2, statsPath, cronExpr, proc, hub)

	logger.Info("stats_scheduler_started", "path", statsPath)
	return cancel, nil
}

// runScheduler uses gronx to compute the next tick for the configured cron
// expression and sleeps until that time. This yields sharp scheduling and
// supports full cron syntax.
func runScheduler(ctx context.Context, statsPath, cronExpr string, proc PipelineStats, hub RoomStats) {
	for {
		select {
		case <-ctx.Done():
			logger.Info("stats_scheduler_stopping")
			return
		default:
		}

		// compute next tick after now (UTC). allowCurrent=false so we get the
		// next future tick.
		now := time.Now().UTC()
		next, err := gronx.NextTickAfter(cronExpr, now, false)
		if err != nil {
			logger.Error("stats_nexttick_failed", "cron", cronExpr, "error", err)
			// fallback sleep then retry
			select {
			case <-time.After(30 * time.Second):
			case <-ctx.Done():
				logger.Info("stats_scheduler_stopping")
				return
			}
			continue
		}

		wait := time.Until(next)
		if wait <= 0 {
			// due now-ish; run immediately
			if err := runOnce(statsPath, proc, hub); err != nil {
				logger.Error("stats_run_error", "error", err)
			}
			// small sleep to avoid tight loop
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				logger.Info("stats_scheduler_stopping")
				return
			}
			continue
		}

		// wait until the exact next tick or cancellation
		select {
		case <-time.After(wait):
			if err := runOnce(statsPath, proc, hub); err != nil {
				logger.Error("stats_run_error", "error", err)
			}
		case <-ctx.Done():
			logger.Info("stats_scheduler_stopping")
			return
		}
	}
}

// runOnce samples the store, pipeline and hub, updates the prometheus
// gauges and appends a JSON line to the stats file.
func runOnce(statsPath string, proc PipelineStats, hub RoomStats) error {
	pm := store.GetPebbleMetrics()
	conns, rooms := hub.Counts()

	rec := sweepRecord{
		Time:         time.Now().UTC().Format(time.RFC3339),
		DiskBytes:    pm.DiskBytes,
		WALBytes:     pm.WALBytes,
		L0Files:      pm.L0Files,
		QueueDepth:   proc.Depth(),
		QueueDropped: proc.Dropped(),
		Connections:  conns,
		Rooms:        rooms,
	}

	telemetry.StoreDiskBytes.Set(float64(rec.DiskBytes))
	telemetry.QueueDepth.Set(float64(rec.QueueDepth))
	telemetry.QueueDropped.Set(float64(rec.QueueDropped))
	telemetry.ConnectedClients.Set(float64(rec.Connections))
	telemetry.OpenRooms.Set(float64(rec.Rooms))

	f, err := os.OpenFile(filepath.Join(statsPath, "stats.jsonl"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(b, '\n')); err != nil {
		return err
	}

	logger.Info("stats_sweep",
		"disk_bytes", rec.DiskBytes,
		"queue_depth", rec.QueueDepth,
		"queue_dropped", rec.QueueDropped,
		"connections", rec.Connections,
		"rooms", rec.Rooms,
	)
	return nil
}
