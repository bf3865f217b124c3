// Package scheduler manages scrape loops by interval.
//
// # Design
//
// Targets sharing a scrape interval are grouped, and each group runs in one
// goroutine at that interval. Within a cycle the targets of a group are
// scraped concurrently and their samples are handed to the handler together.
//
// # Graceful Handling
//
// - If a cycle takes longer than the interval, the next one starts immediately
// - A failing target is logged and skipped; the rest of the group still ships
// - Context cancellation stops all loops gracefully
package scheduler

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/pilot-net/alertcore/agent/internal/config"
	"github.com/pilot-net/alertcore/pkg/types"
)

// SampleHandler receives scraped samples for shipping.
type SampleHandler func(samples []types.Sample)

// Scraper fetches one target.
type Scraper interface {
	Scrape(ctx context.Context, target config.TargetConfig) ([]types.Sample, error)
}

// Group is the set of targets scraped at one interval.
type Group struct {
	Interval time.Duration
	Targets  []config.TargetConfig
}

// Scheduler runs the scrape loops.
type Scheduler struct {
	scraper Scraper
	handler SampleHandler
	logger  *slog.Logger
	groups  []Group

	// Counters
	cycles  int64
	scrapes int64
	errors  int64
	samples int64
	statsMu sync.Mutex

	wg sync.WaitGroup
}

// NewScheduler creates a scheduler for the configured targets.
func NewScheduler(cfg *config.Config, scraper Scraper, handler SampleHandler, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		scraper: scraper,
		handler: handler,
		logger:  logger.With("component", "scheduler"),
		groups:  GroupTargets(cfg),
	}
}

// GroupTargets groups targets by effective interval, shortest first.
func GroupTargets(cfg *config.Config) []Group {
	byInterval := make(map[time.Duration][]config.TargetConfig)
	for _, t := range cfg.Targets {
		iv := cfg.IntervalFor(t)
		byInterval[iv] = append(byInterval[iv], t)
	}
	groups := make([]Group, 0, len(byInterval))
	for iv, targets := range byInterval {
		groups = append(groups, Group{Interval: iv, Targets: targets})
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Interval < groups[j].Interval })
	return groups
}

// Run starts a loop for each interval group.
// Blocks until context is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	for _, g := range s.groups {
		s.wg.Add(1)
		go func(g Group) {
			defer s.wg.Done()
			s.runLoop(ctx, g)
		}(g)
	}

	s.wg.Wait()
	return ctx.Err()
}

func (s *Scheduler) runLoop(ctx context.Context, g Group) {
	s.logger.Info("starting scrape loop",
		"interval", g.Interval,
		"targets", len(g.Targets))

	ticker := time.NewTicker(g.Interval)
	defer ticker.Stop()

	// Run immediately on start
	s.RunCycle(ctx, g)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("stopping scrape loop", "interval", g.Interval)
			return
		case <-ticker.C:
			s.RunCycle(ctx, g)
		}
	}
}

// RunCycle scrapes every target of a group once and hands the samples to
// the handler.
func (s *Scheduler) RunCycle(ctx context.Context, g Group) {
	start := time.Now()

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		all      []types.Sample
		failures int
	)
	for _, target := range g.Targets {
		wg.Add(1)
		go func(target config.TargetConfig) {
			defer wg.Done()
			samples, err := s.scraper.Scrape(ctx, target)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures++
				if ctx.Err() == nil {
					s.logger.Warn("scrape failed", "target", target.Name, "error", err)
				}
				return
			}
			all = append(all, samples...)
		}(target)
	}
	wg.Wait()

	if len(all) > 0 && s.handler != nil {
		s.handler(all)
	}

	s.statsMu.Lock()
	s.cycles++
	s.scrapes += int64(len(g.Targets))
	s.errors += int64(failures)
	s.samples += int64(len(all))
	s.statsMu.Unlock()

	s.logger.Debug("scrape cycle complete",
		"interval", g.Interval,
		"targets", len(g.Targets),
		"failures", failures,
		"samples", len(all),
		"elapsed", time.Since(start))
}

// Stats returns current scheduler statistics.
type Stats struct {
	Groups       int   `json:"groups"`
	TotalTargets int   `json:"total_targets"`
	Cycles       int64 `json:"cycles"`
	Scrapes      int64 `json:"scrapes"`
	Errors       int64 `json:"errors"`
	Samples      int64 `json:"samples"`
}

func (s *Scheduler) Stats() Stats {
	total := 0
	for _, g := range s.groups {
		total += len(g.Targets)
	}
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return Stats{
		Groups:       len(s.groups),
		TotalTargets: total,
		Cycles:       s.cycles,
		Scrapes:      s.scrapes,
		Errors:       s.errors,
		Samples:      s.samples,
	}
}
