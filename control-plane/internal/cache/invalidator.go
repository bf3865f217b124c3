package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pilot-net/alertcore/pkg/types"
)

// Invalidation is the part of Cache the invalidator needs.
type Invalidation interface {
	Invalidate(ctx context.Context, namespace string) error
}

// TransitionSource yields alert transitions. Implemented by alerting.Feed.
type TransitionSource interface {
	Subscribe(buffer int) (<-chan types.AlertTransition, func())
}

// Invalidator bumps the alerts namespace when alerts change. Bursts of
// transitions collapse into one invalidation per interval; transitions
// that touch incident links also invalidate incidents.
type Invalidator struct {
	cache    Invalidation
	source   TransitionSource
	interval time.Duration
	logger   *slog.Logger

	mu    sync.Mutex
	dirty map[string]bool

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewInvalidator creates an invalidator flushing every interval.
func NewInvalidator(cache Invalidation, source TransitionSource, interval time.Duration, logger *slog.Logger) *Invalidator {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Invalidator{
		cache:    cache,
		source:   source,
		interval: interval,
		logger:   logger.With("component", "cache_invalidator"),
		dirty:    make(map[string]bool),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start subscribes to the transition source.
func (i *Invalidator) Start(ctx context.Context) {
	ch, cancel := i.source.Subscribe(1024)
	go func() {
		defer close(i.done)
		defer cancel()

		ticker := time.NewTicker(i.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-i.stopCh:
				i.Flush(context.Background())
				return
			case t, ok := <-ch:
				if !ok {
					return
				}
				i.Observe(t)
			case <-ticker.C:
				i.Flush(ctx)
			}
		}
	}()
}

// Stop flushes pending invalidations and waits for the loop to exit.
func (i *Invalidator) Stop() {
	i.stopOnce.Do(func() { close(i.stopCh) })
	<-i.done
}

// Observe marks the namespaces affected by t.
func (i *Invalidator) Observe(t types.AlertTransition) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.dirty[NamespaceAlerts] = true
	if t.Alert != nil && t.Alert.IncidentID != nil {
		i.dirty[NamespaceIncidents] = true
	}
}

// MarkDirty schedules invalidation of namespace at the next flush.
func (i *Invalidator) MarkDirty(namespace string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.dirty[namespace] = true
}

// Flush invalidates every namespace marked since the last flush.
func (i *Invalidator) Flush(ctx context.Context) {
	i.mu.Lock()
	pending := i.dirty
	i.dirty = make(map[string]bool)
	i.mu.Unlock()

	for ns := range pending {
		if err := i.cache.Invalidate(ctx, ns); err != nil {
			i.logger.Warn("cache invalidation failed", "namespace", ns, "error", err)
			i.MarkDirty(ns)
		}
	}
}
