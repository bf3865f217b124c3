package provider

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/pilot-net/alertcore/control-plane/internal/metrics"
	"github.com/pilot-net/alertcore/pkg/types"
)

// DispatcherConfig holds configuration for the dispatcher.
type DispatcherConfig struct {
	// Timeout bounds each Send. An adapter that does not return in time is
	// abandoned and the delivery counted as failed.
	Timeout time.Duration

	// RateLimit and Burst are the default per-provider token bucket.
	// A zero RateLimit disables limiting. Deliveries wait for a token
	// within Timeout rather than being dropped.
	RateLimit rate.Limit
	Burst     int
}

// DefaultDispatcherConfig returns sensible defaults. Rate limiting is off
// unless configured.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Timeout: 10 * time.Second,
	}
}

// ProviderStats counts outcomes for one provider.
type ProviderStats struct {
	Delivered   int64 `json:"delivered"`
	Failed      int64 `json:"failed"`
	RateLimited int64 `json:"rate_limited"`
	TimedOut    int64 `json:"timed_out"`
}

type registration struct {
	adapter Adapter
	limiter *rate.Limiter // nil when unlimited

	delivered   atomic.Int64
	failed      atomic.Int64
	rateLimited atomic.Int64
	timedOut    atomic.Int64
}

// Dispatcher routes notifications to registered adapters.
type Dispatcher struct {
	config DispatcherConfig
	logger *slog.Logger

	mu       sync.RWMutex
	adapters map[string]*registration
}

// NewDispatcher creates a dispatcher with no adapters.
func NewDispatcher(config DispatcherConfig, logger *slog.Logger) *Dispatcher {
	if config.Timeout <= 0 {
		config.Timeout = DefaultDispatcherConfig().Timeout
	}
	return &Dispatcher{
		config:   config,
		logger:   logger.With("component", "dispatcher"),
		adapters: make(map[string]*registration),
	}
}

// Register adds an adapter with the default rate limit, replacing any
// adapter of the same name.
func (d *Dispatcher) Register(a Adapter) {
	d.RegisterWithLimit(a, d.config.RateLimit, d.config.Burst)
}

// RegisterWithLimit adds an adapter with its own token bucket. A zero limit
// disables limiting for it.
func (d *Dispatcher) RegisterWithLimit(a Adapter, limit rate.Limit, burst int) {
	reg := &registration{adapter: a}
	if limit > 0 {
		if burst <= 0 {
			burst = 1
		}
		reg.limiter = rate.NewLimiter(limit, burst)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.adapters[a.Name()] = reg
}

// Unregister removes an adapter.
func (d *Dispatcher) Unregister(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.adapters, name)
}

// Get returns an adapter by name.
func (d *Dispatcher) Get(name string) (Adapter, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	reg, ok := d.adapters[name]
	if !ok {
		return nil, false
	}
	return reg.adapter, true
}

// Names returns registered adapter names in sorted order.
func (d *Dispatcher) Names() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.adapters))
	for name := range d.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Deliver sends n to target through the adapter named by target.Provider.
// Waiting for a rate limit token and the send share the configured timeout,
// and Deliver never returns an error; failures are reported in the result.
func (d *Dispatcher) Deliver(ctx context.Context, target types.NotificationTarget, n types.Notification) types.DeliveryResult {
	d.mu.RLock()
	reg, ok := d.adapters[target.Provider]
	d.mu.RUnlock()
	if !ok {
		metrics.DeliveriesTotal.WithLabelValues(target.Provider, "unknown_provider").Inc()
		return failure(target.Provider, target, fmt.Errorf("no adapter registered"))
	}

	ctx, cancel := context.WithTimeout(ctx, d.config.Timeout)
	defer cancel()

	start := time.Now()
	if reg.limiter != nil {
		if err := reg.limiter.Wait(ctx); err != nil {
			reg.rateLimited.Add(1)
			reg.failed.Add(1)
			metrics.DeliveriesTotal.WithLabelValues(target.Provider, "rate_limited").Inc()
			d.logger.Warn("delivery rate limited", "provider", target.Provider, "target", target.String(), "error", err)
			return failure(target.Provider, target, fmt.Errorf("rate limited: %w", err))
		}
	}

	res := d.send(ctx, reg, target, n)
	res.Duration = time.Since(start)
	if res.Provider == "" {
		res.Provider = target.Provider
	}
	if res.Target == "" {
		res.Target = target.String()
	}

	metrics.DeliveryDuration.WithLabelValues(target.Provider).Observe(res.Duration.Seconds())
	if res.Success {
		reg.delivered.Add(1)
		metrics.DeliveriesTotal.WithLabelValues(target.Provider, "success").Inc()
	} else {
		reg.failed.Add(1)
		metrics.DeliveriesTotal.WithLabelValues(target.Provider, "failure").Inc()
	}
	return res
}

// send runs the adapter in its own goroutine so a hung adapter cannot
// stall the caller past ctx's deadline.
func (d *Dispatcher) send(ctx context.Context, reg *registration, target types.NotificationTarget, n types.Notification) types.DeliveryResult {
	done := make(chan types.DeliveryResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("adapter panicked", "provider", target.Provider, "panic", r)
				done <- failure(target.Provider, target, fmt.Errorf("adapter panic: %v", r))
			}
		}()
		done <- reg.adapter.Send(ctx, target, n)
	}()

	select {
	case res := <-done:
		return res
	case <-ctx.Done():
		reg.timedOut.Add(1)
		return failure(target.Provider, target, fmt.Errorf("timed out after %s: %w", d.config.Timeout, ctx.Err()))
	}
}

// Stats returns per-provider counters.
func (d *Dispatcher) Stats() map[string]ProviderStats {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]ProviderStats, len(d.adapters))
	for name, reg := range d.adapters {
		out[name] = ProviderStats{
			Delivered:   reg.delivered.Load(),
			Failed:      reg.failed.Load(),
			RateLimited: reg.rateLimited.Load(),
			TimedOut:    reg.timedOut.Load(),
		}
	}
	return out
}

// Failures returns the total failed deliveries across providers.
func (d *Dispatcher) Failures() int64 {
	var total int64
	for _, s := range d.Stats() {
		total += s.Failed
	}
	return total
}
