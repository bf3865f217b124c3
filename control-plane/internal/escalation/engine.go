package escalation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/pilot-net/alertcore/control-plane/internal/clock"
	"github.com/pilot-net/alertcore/control-plane/internal/metrics"
	"github.com/pilot-net/alertcore/pkg/types"
)

// Sink receives escalation progress. The alert manager implements it.
// Callbacks carry the run id so a sink can ignore runs that were replaced
// while a fan-out was in flight.
type Sink interface {
	Current(fingerprint string) (*types.Alert, bool)
	LevelNotified(fingerprint, runID string, level int, results []types.DeliveryResult)
	PolicyExhausted(fingerprint, runID, policyID string)
}

// Notifier delivers one notification to one target. It must return a
// failure result rather than an error.
type Notifier interface {
	Deliver(ctx context.Context, target types.NotificationTarget, n types.Notification) types.DeliveryResult
}

// RunStore persists run snapshots so escalation survives restarts.
type RunStore interface {
	SaveRun(ctx context.Context, run types.EscalationRun) error
	DeleteRun(ctx context.Context, fingerprint string) error
}

// Config holds configuration for the engine.
type Config struct {
	// FanOutConcurrency bounds parallel deliveries within one level.
	FanOutConcurrency int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{FanOutConcurrency: 8}
}

type stepKind int

const (
	stepNotify stepKind = iota
	stepExhaust
	stepRepeat
)

type step struct {
	kind  stepKind
	level int
	at    time.Time
}

type run struct {
	mu          sync.Mutex
	id          string
	fingerprint string
	policy      *types.EscalationPolicy
	state       types.RunState
	level       int
	nextAt      time.Time
	cancelled   bool
	startedAt   time.Time
}

func (r *run) snapshot() types.EscalationRun {
	return types.EscalationRun{
		RunID:             r.id,
		AlertFingerprint:  r.fingerprint,
		PolicyID:          r.policy.ID,
		State:             r.state,
		CurrentLevelIndex: r.level,
		NextEscalationAt:  r.nextAt,
		Cancelled:         r.cancelled,
		StartedAt:         r.startedAt,
	}
}

// Engine owns every live escalation run, keyed by alert fingerprint.
type Engine struct {
	scheduler *Scheduler
	notifier  Notifier
	clock     clock.Clock
	config    Config
	runStore  RunStore
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	runs map[string]*run

	sinkMu sync.RWMutex
	sink   Sink
}

// NewEngine creates an engine. runStore may be nil.
func NewEngine(scheduler *Scheduler, notifier Notifier, c clock.Clock, runStore RunStore, config Config, logger *slog.Logger) *Engine {
	if config.FanOutConcurrency <= 0 {
		config.FanOutConcurrency = DefaultConfig().FanOutConcurrency
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		scheduler: scheduler,
		notifier:  notifier,
		clock:     c,
		config:    config,
		runStore:  runStore,
		logger:    logger.With("component", "escalation_engine"),
		ctx:       ctx,
		cancel:    cancel,
		runs:      make(map[string]*run),
	}
}

// SetSink wires the alert manager in after construction.
func (e *Engine) SetSink(s Sink) {
	e.sinkMu.Lock()
	defer e.sinkMu.Unlock()
	e.sink = s
}

func (e *Engine) currentSink() Sink {
	e.sinkMu.RLock()
	defer e.sinkMu.RUnlock()
	return e.sink
}

// Start begins a fresh run at level 0. Any previous run for the alert is
// cancelled. It only schedules; delivery happens on the timer.
func (e *Engine) Start(alert *types.Alert, policy *types.EscalationPolicy) string {
	at := e.clock.Now().Add(policy.Levels[0].Delay.Std())
	return e.Resume(alert, policy, 0, at)
}

// Resume begins a run whose next step is nextLevel at at. A nextLevel past
// the last level schedules exhaustion.
func (e *Engine) Resume(alert *types.Alert, policy *types.EscalationPolicy, nextLevel int, at time.Time) string {
	r := &run{
		id:          uuid.New().String(),
		fingerprint: alert.Fingerprint,
		policy:      policy.Clone(),
		state:       types.RunStatePending,
		level:       nextLevel,
		startedAt:   e.clock.Now(),
	}

	e.mu.Lock()
	prev := e.runs[alert.Fingerprint]
	e.runs[alert.Fingerprint] = r
	e.mu.Unlock()
	if prev != nil {
		e.stopRun(prev)
	}

	next := step{kind: stepNotify, level: nextLevel, at: at}
	if nextLevel >= len(policy.Levels) {
		next = step{kind: stepExhaust, level: len(policy.Levels) - 1, at: at}
		r.level = len(policy.Levels) - 1
	}

	r.mu.Lock()
	e.scheduleLocked(r, next)
	snap := r.snapshot()
	r.mu.Unlock()

	e.logger.Debug("escalation run started",
		"run_id", r.id,
		"fingerprint", r.fingerprint,
		"policy_id", policy.ID,
		"next_level", nextLevel,
		"at", at,
	)
	e.saveRun(snap)
	return r.id
}

// Cancel stops the run for fingerprint. Cancelling an alert with no run,
// or a run already cancelled, is a no-op that reports false.
func (e *Engine) Cancel(fingerprint string) bool {
	e.mu.Lock()
	r, ok := e.runs[fingerprint]
	if ok {
		delete(e.runs, fingerprint)
	}
	e.mu.Unlock()
	if !ok {
		return false
	}
	stopped := e.stopRun(r)
	if e.runStore != nil {
		if err := e.runStore.DeleteRun(e.ctx, fingerprint); err != nil {
			e.logger.Warn("failed to delete escalation run", "fingerprint", fingerprint, "error", err)
		}
	}
	return stopped
}

func (e *Engine) stopRun(r *run) bool {
	r.mu.Lock()
	already := r.cancelled
	r.cancelled = true
	r.state = types.RunStateCancelled
	r.mu.Unlock()
	e.scheduler.Cancel(r.id)
	metrics.EscalationRunsActive.Set(float64(e.scheduler.Len()))
	if !already {
		e.logger.Debug("escalation run cancelled", "run_id", r.id, "fingerprint", r.fingerprint)
	}
	return !already
}

// scheduleLocked arms the timer for s. Caller holds r.mu.
func (e *Engine) scheduleLocked(r *run, s step) {
	r.nextAt = s.at
	e.scheduler.Schedule(r.id, s.at, func() { e.fire(r, s) })
	metrics.EscalationRunsActive.Set(float64(e.scheduler.Len()))
}

func (e *Engine) fire(r *run, s step) {
	r.mu.Lock()
	if r.cancelled {
		r.mu.Unlock()
		return
	}
	policy := r.policy
	if s.kind == stepExhaust {
		r.state = types.RunStateExhausted
		r.nextAt = time.Time{}
		if policy.RepeatInterval > 0 {
			e.scheduleLocked(r, step{kind: stepRepeat, level: s.level, at: s.at.Add(policy.RepeatInterval.Std())})
		}
		snap := r.snapshot()
		r.mu.Unlock()

		metrics.EscalationExhaustedTotal.WithLabelValues(policy.ID).Inc()
		e.logger.Warn("escalation exhausted",
			"run_id", r.id,
			"fingerprint", r.fingerprint,
			"policy_id", policy.ID,
			"levels", len(policy.Levels),
		)
		if sink := e.currentSink(); sink != nil {
			sink.PolicyExhausted(r.fingerprint, r.id, policy.ID)
		}
		e.saveRun(snap)
		return
	}
	if s.kind == stepNotify {
		r.state = types.RunStateNotifying
		r.level = s.level
	}
	r.mu.Unlock()

	sink := e.currentSink()
	if sink == nil {
		return
	}
	alert, ok := sink.Current(r.fingerprint)
	if !ok || alert.State != types.AlertStateFiring {
		return
	}

	kind := types.NotificationTrigger
	if s.kind == stepRepeat {
		kind = types.NotificationRepeat
	}
	results := e.fanOut(r, s.level, buildNotification(kind, alert, policy.ID, s.level, s.at))

	if s.kind == stepNotify {
		metrics.EscalationLevelsNotifiedTotal.WithLabelValues(policy.ID).Inc()
		sink.LevelNotified(r.fingerprint, r.id, s.level, results)
	}

	r.mu.Lock()
	if r.cancelled {
		r.mu.Unlock()
		return
	}
	switch {
	case s.kind == stepRepeat:
		e.scheduleLocked(r, step{kind: stepRepeat, level: s.level, at: s.at.Add(policy.RepeatInterval.Std())})
	case s.level+1 < len(policy.Levels):
		r.state = types.RunStateWaitingForAck
		e.scheduleLocked(r, step{kind: stepNotify, level: s.level + 1, at: s.at.Add(policy.Levels[s.level+1].Delay.Std())})
	default:
		r.state = types.RunStateWaitingForAck
		e.scheduleLocked(r, step{kind: stepExhaust, level: s.level, at: s.at.Add(policy.ExhaustAfter())})
	}
	snap := r.snapshot()
	r.mu.Unlock()
	e.saveRun(snap)
}

// fanOut notifies every target of a level. A failed target never blocks
// the others.
func (e *Engine) fanOut(r *run, level int, n types.Notification) []types.DeliveryResult {
	targets := r.policy.Levels[level].Targets
	results := make([]types.DeliveryResult, len(targets))

	var g errgroup.Group
	g.SetLimit(e.config.FanOutConcurrency)
	for i, target := range targets {
		g.Go(func() error {
			res := e.notifier.Deliver(e.ctx, target, n)
			results[i] = res
			if res.Success {
				e.logger.Info("notification delivered",
					"fingerprint", r.fingerprint,
					"level", level,
					"target", target.String(),
					"message_id", res.ProviderMessageID,
				)
			} else {
				e.logger.Warn("notification failed",
					"fingerprint", r.fingerprint,
					"level", level,
					"target", target.String(),
					"error", res.Error,
				)
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (e *Engine) saveRun(snap types.EscalationRun) {
	if e.runStore == nil {
		return
	}
	if err := e.runStore.SaveRun(e.ctx, snap); err != nil {
		e.logger.Warn("failed to persist escalation run", "fingerprint", snap.AlertFingerprint, "error", err)
	}
}

func buildNotification(kind types.NotificationKind, a *types.Alert, policyID string, level int, at time.Time) types.Notification {
	return types.Notification{
		Kind:            kind,
		Fingerprint:     a.Fingerprint,
		RuleID:          a.RuleID,
		PolicyID:        policyID,
		Level:           level,
		Severity:        a.Severity,
		Title:           fmt.Sprintf("[%s] %s", a.Severity, a.RuleID),
		Summary:         fmt.Sprintf("%s firing since %s (%d occurrences, value %g), escalation level %d", a.RuleID, a.FirstSeen.Format(time.RFC3339), a.OccurrenceCount, a.Value, level+1),
		Labels:          a.Labels,
		Value:           a.Value,
		FirstSeen:       a.FirstSeen,
		OccurrenceCount: a.OccurrenceCount,
		Timestamp:       at,
	}
}

// IsCurrent reports whether runID is the live, uncancelled run for
// fingerprint.
func (e *Engine) IsCurrent(fingerprint, runID string) bool {
	e.mu.Lock()
	r, ok := e.runs[fingerprint]
	e.mu.Unlock()
	if !ok || r.id != runID {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.cancelled
}

// Run returns the snapshot of the run for fingerprint.
func (e *Engine) Run(fingerprint string) (types.EscalationRun, bool) {
	e.mu.Lock()
	r, ok := e.runs[fingerprint]
	e.mu.Unlock()
	if !ok {
		return types.EscalationRun{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot(), true
}

// Runs returns snapshots of every live run ordered by start time.
func (e *Engine) Runs() []types.EscalationRun {
	e.mu.Lock()
	runs := make([]*run, 0, len(e.runs))
	for _, r := range e.runs {
		runs = append(runs, r)
	}
	e.mu.Unlock()

	out := make([]types.EscalationRun, 0, len(runs))
	for _, r := range runs {
		r.mu.Lock()
		out = append(out, r.snapshot())
		r.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Active returns the number of runs with a pending timer.
func (e *Engine) Active() int {
	return e.scheduler.Len()
}

// Stop cancels every timer and aborts in-flight deliveries.
func (e *Engine) Stop() {
	e.scheduler.CancelAll()
	e.cancel()
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range e.runs {
		r.mu.Lock()
		r.cancelled = true
		r.mu.Unlock()
	}
	metrics.EscalationRunsActive.Set(0)
}
