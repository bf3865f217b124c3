package buffer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pilot-net/alertcore/pkg/types"
)

// Queue is the durable side of the drainer. Implemented by EventBuffer.
type Queue interface {
	Pop(ctx context.Context, max int) ([]*types.AlertEvent, error)
	Requeue(ctx context.Context, events []*types.AlertEvent) error
	Len(ctx context.Context) (int64, error)
	Ping(ctx context.Context) error
}

// Submitter accepts a prefix of a batch and reports how many it took.
// Implemented by worker.IngestPool.
type Submitter interface {
	SubmitBatch(events []*types.AlertEvent) (int, error)
}

// Drainer moves queued events into the ingest pool.
type Drainer struct {
	queue    Queue
	pool     Submitter
	logger   *slog.Logger
	interval time.Duration
	batch    int

	drained   atomic.Int64
	rateMu    sync.Mutex
	rate      float64
	lastCount int64
	lastAt    time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewDrainer creates a drainer with the default interval and batch size.
func NewDrainer(queue Queue, pool Submitter, logger *slog.Logger) *Drainer {
	return &Drainer{
		queue:    queue,
		pool:     pool,
		logger:   logger.With("component", "buffer_drainer"),
		interval: DefaultDrainInterval,
		batch:    DefaultBatchSize,
		stopCh:   make(chan struct{}),
		lastAt:   time.Now(),
	}
}

// Start begins the background drain loop.
func (d *Drainer) Start() {
	d.wg.Add(1)
	go d.run()
	d.logger.Info("buffer drainer started", "interval", d.interval, "batch_size", d.batch)
}

// Stop stops the drainer and waits for the loop to exit.
func (d *Drainer) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	d.wg.Wait()
	d.logger.Info("buffer drainer stopped", "drained", d.drained.Load())
}

func (d *Drainer) run() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			// Keep draining while full batches come back so a backlog
			// clears faster than one batch per tick.
			for {
				n, err := d.DrainOnce(context.Background())
				if err != nil || n < d.batch {
					break
				}
			}
			d.updateRate()
		}
	}
}

// DrainOnce pops one batch and submits it. Events the pool does not accept
// are requeued at the front. It returns the number submitted.
func (d *Drainer) DrainOnce(ctx context.Context) (int, error) {
	events, err := d.queue.Pop(ctx, d.batch)
	if err != nil {
		d.logger.Error("failed to pop from buffer", "error", err)
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}

	accepted, err := d.pool.SubmitBatch(events)
	d.drained.Add(int64(accepted))
	if err == nil {
		return accepted, nil
	}

	rest := events[accepted:]
	if rqErr := d.queue.Requeue(ctx, rest); rqErr != nil {
		d.logger.Error("failed to requeue events, dropping",
			"count", len(rest),
			"error", errors.Join(err, rqErr),
		)
		return accepted, rqErr
	}
	d.logger.Debug("ingest pool saturated, requeued events", "count", len(rest), "reason", err)
	return accepted, err
}

func (d *Drainer) updateRate() {
	d.rateMu.Lock()
	defer d.rateMu.Unlock()
	now := time.Now()
	elapsed := now.Sub(d.lastAt).Seconds()
	if elapsed < 1 {
		return
	}
	total := d.drained.Load()
	d.rate = float64(total-d.lastCount) / elapsed
	d.lastCount = total
	d.lastAt = now
}

// GetStats reports queue depth and drain throughput for /health.
func (d *Drainer) GetStats(ctx context.Context) types.BufferStats {
	stats := types.BufferStats{Connected: d.queue.Ping(ctx) == nil}
	if stats.Connected {
		if n, err := d.queue.Len(ctx); err == nil {
			stats.QueueDepth = n
		}
	}
	d.rateMu.Lock()
	stats.DrainRate = d.rate
	d.rateMu.Unlock()
	return stats
}
