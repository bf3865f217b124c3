// Package worker provides background workers for the control plane.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/pilot-net/alertcore/control-plane/internal/metrics"
	"github.com/pilot-net/alertcore/pkg/types"
)

var (
	// ErrQueueFull is returned by Submit when every queue slot is taken.
	ErrQueueFull = errors.New("ingest queue full")
	// ErrPoolStopped is returned by Submit after Stop.
	ErrPoolStopped = errors.New("ingest pool stopped")
)

// EventHandler processes one alert event. Implemented by alerting.Manager.
type EventHandler interface {
	Ingest(ctx context.Context, ev *types.AlertEvent) (types.AlertHandle, error)
}

// IngestPoolConfig holds configuration for the ingest pool.
type IngestPoolConfig struct {
	// Workers is the number of goroutines calling the handler.
	Workers int
	// QueueSize bounds the number of events waiting for a worker.
	QueueSize int
}

// DefaultIngestPoolConfig returns sensible defaults.
func DefaultIngestPoolConfig() IngestPoolConfig {
	return IngestPoolConfig{
		Workers:   8,
		QueueSize: 4096,
	}
}

// IngestPool runs a fixed number of workers over a bounded queue. Submit
// never blocks; a full queue is reported to the caller as back-pressure.
type IngestPool struct {
	handler EventHandler
	config  IngestPoolConfig
	logger  *slog.Logger

	queue chan *types.AlertEvent
	wg    sync.WaitGroup

	// mu guards closed against a send on the closed queue.
	mu     sync.RWMutex
	closed bool

	processed atomic.Int64
	failed    atomic.Int64
}

// NewIngestPool creates an ingest pool. Call Start before Submit.
func NewIngestPool(handler EventHandler, config IngestPoolConfig, logger *slog.Logger) *IngestPool {
	defaults := DefaultIngestPoolConfig()
	if config.Workers <= 0 {
		config.Workers = defaults.Workers
	}
	if config.QueueSize <= 0 {
		config.QueueSize = defaults.QueueSize
	}
	return &IngestPool{
		handler: handler,
		config:  config,
		logger:  logger.With("component", "ingest_pool"),
		queue:   make(chan *types.AlertEvent, config.QueueSize),
	}
}

// Start launches the workers.
func (p *IngestPool) Start(ctx context.Context) {
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.work(ctx)
	}
	p.logger.Info("ingest pool started", "workers", p.config.Workers, "queue_size", p.config.QueueSize)
}

// Stop closes the queue and waits for workers to finish what is queued.
func (p *IngestPool) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("ingest pool stopped",
		"processed", p.processed.Load(),
		"failed", p.failed.Load(),
	)
}

// Submit queues ev for processing.
func (p *IngestPool) Submit(ev *types.AlertEvent) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolStopped
	}
	select {
	case p.queue <- ev:
		metrics.IngestQueueDepth.Set(float64(len(p.queue)))
		return nil
	default:
		metrics.IngestRejectedTotal.Inc()
		return ErrQueueFull
	}
}

// SubmitBatch queues events in order and stops at the first rejection. It
// returns how many were accepted.
func (p *IngestPool) SubmitBatch(events []*types.AlertEvent) (int, error) {
	for i, ev := range events {
		if err := p.Submit(ev); err != nil {
			return i, err
		}
	}
	return len(events), nil
}

// Depth returns the number of queued events.
func (p *IngestPool) Depth() int {
	return len(p.queue)
}

// Processed returns the number of events handled successfully.
func (p *IngestPool) Processed() int64 {
	return p.processed.Load()
}

// Failed returns the number of events the handler rejected.
func (p *IngestPool) Failed() int64 {
	return p.failed.Load()
}

func (p *IngestPool) work(ctx context.Context) {
	defer p.wg.Done()
	for ev := range p.queue {
		metrics.IngestQueueDepth.Set(float64(len(p.queue)))
		if _, err := p.handler.Ingest(ctx, ev); err != nil {
			p.failed.Add(1)
			p.logger.Warn("failed to ingest event",
				"event_id", ev.ID,
				"rule_id", ev.RuleID,
				"error", err,
			)
			continue
		}
		p.processed.Add(1)
	}
}
