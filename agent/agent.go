// Package agent provides the main agent implementation.
//
// # Agent Lifecycle
//
//  1. Load configuration
//  2. Check the control plane is reachable
//  3. Start the sample shipper
//  4. Start scrape loops (one per interval)
//  5. Log stats periodically
//  6. Run until shutdown signal, then flush buffered samples
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pilot-net/alertcore/agent/internal/client"
	"github.com/pilot-net/alertcore/agent/internal/config"
	"github.com/pilot-net/alertcore/agent/internal/scheduler"
	"github.com/pilot-net/alertcore/agent/internal/scraper"
	"github.com/pilot-net/alertcore/agent/internal/shipper"
	"github.com/pilot-net/alertcore/pkg/types"
)

// Version is set at build time.
var Version = "dev"

const (
	statsInterval = time.Minute
	flushTimeout  = 10 * time.Second
)

// Agent scrapes exposition endpoints and ships samples to the control plane.
type Agent struct {
	cfg       *config.Config
	client    *client.Client
	scheduler *scheduler.Scheduler
	shipper   *shipper.Shipper
	logger    *slog.Logger
	startTime time.Time
}

// New creates a new agent with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Agent, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	baseURL := strings.TrimRight(cfg.ControlPlane.URL, "/")
	httpClient := client.NewHTTPClient(cfg.ControlPlane.RequestTimeout, cfg.ControlPlane.InsecureSkipVerify)

	cpClient := client.NewClient(client.Config{
		BaseURL:    baseURL,
		AuthToken:  cfg.ControlPlane.Token,
		HTTPClient: httpClient,
	})

	ship := shipper.NewShipper(shipper.Config{
		Endpoint:     baseURL + "/api/v1/samples",
		Token:        cfg.ControlPlane.Token,
		SourceID:     cfg.Agent.Name,
		BatchSize:    cfg.Shipping.BatchSize,
		BatchTimeout: cfg.Shipping.BatchTimeout,
		MaxBuffered:  cfg.Shipping.MaxBuffered,
		Client:       httpClient,
		Logger:       logger,
	})

	sched := scheduler.NewScheduler(
		cfg,
		scraper.New(cfg, logger),
		func(samples []types.Sample) {
			ship.Add(samples)
		},
		logger,
	)

	return &Agent{
		cfg:       cfg,
		client:    cpClient,
		scheduler: sched,
		shipper:   ship,
		logger:    logger,
		startTime: time.Now(),
	}, nil
}

// Run starts the agent and blocks until context is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info("starting agent",
		"name", a.cfg.Agent.Name,
		"version", Version,
		"targets", len(a.cfg.Targets),
		"mappings", len(a.cfg.Mappings))

	// Unreachable control plane is not fatal; the shipper buffers.
	if status, err := a.client.Ping(ctx); err != nil {
		a.logger.Warn("control plane not reachable, samples will be buffered", "error", err)
	} else {
		a.logger.Info("control plane reachable", "status", status.Status)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.shipper.Run(gctx) })
	g.Go(func() error { return a.scheduler.Run(gctx) })
	g.Go(func() error { return a.runStats(gctx) })

	err := g.Wait()

	flushCtx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	a.shipper.Flush(flushCtx)

	stats := a.shipper.Stats()
	if stats.Queued > 0 {
		a.logger.Warn("samples left unshipped at shutdown", "count", stats.Queued)
	}
	if errors.Is(err, context.Canceled) {
		return ctx.Err()
	}
	return err
}

// runStats logs scrape and shipping counters periodically.
func (a *Agent) runStats(ctx context.Context) error {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.logStats()
		}
	}
}

func (a *Agent) logStats() {
	sched := a.scheduler.Stats()
	ship := a.shipper.Stats()

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	a.logger.Info("agent stats",
		"uptime", time.Since(a.startTime).Round(time.Second),
		"targets", sched.TotalTargets,
		"scrapes", sched.Scrapes,
		"scrape_errors", sched.Errors,
		"samples", sched.Samples,
		"queued", ship.Queued,
		"shipped", ship.Shipped,
		"dropped", ship.Dropped,
		"memory_mb", float64(m.Alloc)/1024/1024,
		"goroutines", runtime.NumGoroutine())
}
