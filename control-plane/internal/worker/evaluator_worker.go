package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/pilot-net/alertcore/control-plane/internal/clock"
	"github.com/pilot-net/alertcore/control-plane/internal/rules"
	"github.com/pilot-net/alertcore/pkg/types"
)

// Submitter accepts events without blocking. Implemented by IngestPool.
type Submitter interface {
	Submit(ev *types.AlertEvent) error
}

// EvaluatorWorkerConfig holds configuration for the evaluator worker.
type EvaluatorWorkerConfig struct {
	// SampleBuffer is the number of pushed samples held before Push blocks.
	SampleBuffer int

	// StaleCheckInterval is how often series are checked for missing samples.
	StaleCheckInterval time.Duration
}

// DefaultEvaluatorWorkerConfig returns sensible defaults.
func DefaultEvaluatorWorkerConfig() EvaluatorWorkerConfig {
	return EvaluatorWorkerConfig{
		SampleBuffer:       10000,
		StaleCheckInterval: 15 * time.Second,
	}
}

// EvaluatorWorker feeds pushed samples through the rule evaluator and
// forwards the resulting events. When the ingest pool is full, events are
// handled inline so that rule transitions are never lost.
type EvaluatorWorker struct {
	evaluator *rules.Evaluator
	samples   *rules.ChannelIterator
	pool      Submitter
	handler   EventHandler
	clock     clock.Clock
	config    EvaluatorWorkerConfig
	logger    *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewEvaluatorWorker creates a new evaluator worker.
func NewEvaluatorWorker(evaluator *rules.Evaluator, pool Submitter, handler EventHandler, c clock.Clock, config EvaluatorWorkerConfig, logger *slog.Logger) *EvaluatorWorker {
	defaults := DefaultEvaluatorWorkerConfig()
	if config.SampleBuffer <= 0 {
		config.SampleBuffer = defaults.SampleBuffer
	}
	if config.StaleCheckInterval <= 0 {
		config.StaleCheckInterval = defaults.StaleCheckInterval
	}
	if c == nil {
		c = clock.Real{}
	}
	return &EvaluatorWorker{
		evaluator: evaluator,
		samples:   rules.NewChannelIterator(config.SampleBuffer),
		pool:      pool,
		handler:   handler,
		clock:     c,
		config:    config,
		logger:    logger.With("component", "evaluator_worker"),
		stopCh:    make(chan struct{}),
	}
}

// Push queues samples for evaluation. It blocks while the buffer is full
// and returns early if ctx is cancelled.
func (w *EvaluatorWorker) Push(ctx context.Context, samples []types.Sample) error {
	return w.samples.Push(ctx, samples...)
}

// Pending returns the number of samples waiting for evaluation.
func (w *EvaluatorWorker) Pending() int {
	return w.samples.Len()
}

// Start begins evaluation and stale checking in background goroutines.
func (w *EvaluatorWorker) Start(ctx context.Context) {
	w.logger.Info("evaluator worker started",
		"sample_buffer", w.config.SampleBuffer,
		"stale_check_interval", w.config.StaleCheckInterval,
	)

	w.wg.Add(2)
	go func() {
		defer w.wg.Done()
		if err := w.evaluator.Run(ctx, w.samples, func(events []types.AlertEvent) { w.emit(ctx, events) }); err != nil && !errors.Is(err, context.Canceled) {
			w.logger.Error("rule evaluation stopped", "error", err)
		}
	}()
	go w.staleLoop(ctx)
}

// Stop closes the sample buffer, lets pending samples drain and waits.
func (w *EvaluatorWorker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.samples.Close()
	})
	w.wg.Wait()
	w.logger.Info("evaluator worker stopped")
}

func (w *EvaluatorWorker) staleLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.StaleCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.checkStale(ctx)
		}
	}
}

func (w *EvaluatorWorker) checkStale(ctx context.Context) {
	if events := w.evaluator.CheckStale(w.clock.Now()); len(events) > 0 {
		w.emit(ctx, events)
	}
}

func (w *EvaluatorWorker) emit(ctx context.Context, events []types.AlertEvent) {
	for i := range events {
		ev := events[i]
		err := w.pool.Submit(&ev)
		if err == nil {
			continue
		}
		if errors.Is(err, ErrQueueFull) || errors.Is(err, ErrPoolStopped) {
			if _, err := w.handler.Ingest(ctx, &ev); err != nil {
				w.logger.Warn("failed to ingest rule event", "rule_id", ev.RuleID, "kind", ev.Kind, "error", err)
			}
			continue
		}
		w.logger.Warn("failed to submit rule event", "rule_id", ev.RuleID, "error", err)
	}
}
