package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pilot-net/alertcore/control-plane/internal/clock"
	"github.com/pilot-net/alertcore/pkg/types"
)

// AlertReevaluator is the slice of the alert manager the maintenance
// worker drives.
type AlertReevaluator interface {
	Reevaluate(ctx context.Context, now time.Time) (released, suppressed int)
	Stats() (map[types.AlertState]int, int)
}

// WindowPruner drops maintenance windows that can never apply again,
// including their persisted copies, and returns their ids.
type WindowPruner interface {
	PruneExpiredWindows(ctx context.Context, now time.Time) []string
}

// RetentionStore removes old persisted state. Optional.
type RetentionStore interface {
	PruneResolvedAlerts(ctx context.Context, olderThan time.Duration) (int64, error)
}

// MaintenanceWorkerConfig holds configuration for the maintenance worker.
type MaintenanceWorkerConfig struct {
	// Interval between maintenance window re-evaluations. Window boundaries
	// take effect within one interval.
	Interval time.Duration

	// RetentionInterval is how often persisted resolved alerts are pruned.
	RetentionInterval time.Duration

	// AlertRetention is how long resolved alerts not linked to an incident
	// are kept in the database.
	AlertRetention time.Duration
}

// DefaultMaintenanceWorkerConfig returns sensible defaults.
func DefaultMaintenanceWorkerConfig() MaintenanceWorkerConfig {
	return MaintenanceWorkerConfig{
		Interval:          15 * time.Second,
		RetentionInterval: time.Hour,
		AlertRetention:    30 * 24 * time.Hour,
	}
}

// MaintenanceWorker re-applies maintenance windows to live alerts as they
// open and close, prunes expired windows and enforces retention.
type MaintenanceWorker struct {
	alerts  AlertReevaluator
	windows WindowPruner
	store   RetentionStore
	clock   clock.Clock
	config  MaintenanceWorkerConfig
	logger  *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewMaintenanceWorker creates a maintenance worker. store may be nil.
func NewMaintenanceWorker(alerts AlertReevaluator, windows WindowPruner, store RetentionStore, c clock.Clock, config MaintenanceWorkerConfig, logger *slog.Logger) *MaintenanceWorker {
	defaults := DefaultMaintenanceWorkerConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.RetentionInterval <= 0 {
		config.RetentionInterval = defaults.RetentionInterval
	}
	if config.AlertRetention <= 0 {
		config.AlertRetention = defaults.AlertRetention
	}
	if c == nil {
		c = clock.Real{}
	}
	return &MaintenanceWorker{
		alerts:  alerts,
		windows: windows,
		store:   store,
		clock:   c,
		config:  config,
		logger:  logger.With("component", "maintenance_worker"),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start begins the worker in a goroutine.
func (w *MaintenanceWorker) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop signals the worker to stop and waits for it.
func (w *MaintenanceWorker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	<-w.done
}

func (w *MaintenanceWorker) run(ctx context.Context) {
	defer close(w.done)

	w.logger.Info("maintenance worker started",
		"interval", w.config.Interval,
		"retention", w.config.AlertRetention,
	)

	w.RunOnce(ctx)

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()
	retention := time.NewTicker(w.config.RetentionInterval)
	defer retention.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("maintenance worker stopping (context cancelled)")
			return
		case <-w.stopCh:
			w.logger.Info("maintenance worker stopping (stop signal)")
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		case <-retention.C:
			w.EnforceRetention(ctx)
		}
	}
}

// RunOnce applies window changes, prunes expired windows and refreshes the
// alert gauges.
func (w *MaintenanceWorker) RunOnce(ctx context.Context) {
	now := w.clock.Now()

	released, suppressed := w.alerts.Reevaluate(ctx, now)
	if released > 0 || suppressed > 0 {
		w.logger.Info("maintenance windows re-applied",
			"released", released,
			"suppressed", suppressed,
		)
	}

	for _, id := range w.windows.PruneExpiredWindows(ctx, now) {
		w.logger.Info("maintenance window expired", "window_id", id)
	}

	counts, exhausted := w.alerts.Stats()
	w.logger.Debug("alert state",
		"firing", counts[types.AlertStateFiring],
		"acknowledged", counts[types.AlertStateAcknowledged],
		"suppressed", counts[types.AlertStateSuppressed],
		"exhausted", exhausted,
	)
}

// EnforceRetention deletes persisted resolved alerts past retention.
func (w *MaintenanceWorker) EnforceRetention(ctx context.Context) {
	if w.store == nil {
		return
	}
	start := time.Now()
	n, err := w.store.PruneResolvedAlerts(ctx, w.config.AlertRetention)
	if err != nil {
		w.logger.Error("failed to prune resolved alerts", "error", err)
		return
	}
	if n > 0 {
		w.logger.Info("pruned resolved alerts", "count", n, "duration", time.Since(start))
	}
}
