// Package rules evaluates threshold rules over pushed metric samples and
// emits AlertEvents on rule transitions.
//
// # Series State Machine
//
//	inactive ──holds──▶ pending ──held for `for`──▶ firing ──stops holding──▶ inactive (clear)
//	    ▲                  │                           │
//	    └──stops holding───┘                           │
//	any ──no sample for stale_after──▶ unknown (stale) ┘
//
// A series is one rule applied to one distinct label set. Samples at or
// before the last seen timestamp for a series are ignored, which makes
// redelivery harmless.
package rules

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/common/model"

	"github.com/pilot-net/alertcore/control-plane/internal/metrics"
	"github.com/pilot-net/alertcore/pkg/types"
)

// State is the evaluation state of one series.
type State string

const (
	StateInactive State = "inactive"
	StatePending  State = "pending"
	StateFiring   State = "firing"
	StateUnknown  State = "unknown"
)

// SampleIterator is the narrow pull interface over the external time-series
// source. Next returns io.EOF when the stream ends.
type SampleIterator interface {
	Next(ctx context.Context) (types.Sample, error)
}

type series struct {
	ruleID       string
	labels       map[string]string
	state        State
	pendingSince time.Time
	lastSample   time.Time
	lastValue    float64
	// firing is true between an emitted firing event and its clear.
	firing bool
}

// Evaluator holds rules and per-series state. Safe for concurrent use.
type Evaluator struct {
	sourceID string
	logger   *slog.Logger

	mu     sync.Mutex
	rules  map[string]types.Rule
	series map[string]*series
}

// NewEvaluator creates an evaluator that stamps events with sourceID.
func NewEvaluator(sourceID string, logger *slog.Logger) *Evaluator {
	return &Evaluator{
		sourceID: sourceID,
		logger:   logger.With("component", "rule_evaluator"),
		rules:    make(map[string]types.Rule),
		series:   make(map[string]*series),
	}
}

// SetRules replaces the rule set. Series of rules that still exist keep
// their state; series of removed rules are dropped without events.
func (e *Evaluator) SetRules(rules []types.Rule) error {
	next := make(map[string]types.Rule, len(rules))
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return err
		}
		if _, dup := next[r.ID]; dup {
			return &types.ConflictError{Kind: "rule", ID: r.ID, Reason: "duplicate rule id"}
		}
		next[r.ID] = r
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = next
	for key, s := range e.series {
		if _, ok := next[s.ruleID]; !ok {
			delete(e.series, key)
		}
	}
	e.logger.Info("rules loaded", "count", len(next))
	return nil
}

// Rules returns the current rule set.
func (e *Evaluator) Rules() []types.Rule {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]types.Rule, 0, len(e.rules))
	for _, r := range e.rules {
		out = append(out, r)
	}
	return out
}

// SeriesState returns the state of the series for ruleID and labels.
func (e *Evaluator) SeriesState(ruleID string, labels map[string]string) (State, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.series[seriesKey(ruleID, labels)]
	if !ok {
		return "", false
	}
	return s.state, true
}

// Observe evaluates one sample and returns the events its transition produced.
func (e *Evaluator) Observe(sample types.Sample) []types.AlertEvent {
	e.mu.Lock()
	defer e.mu.Unlock()

	rule, ok := e.rules[sample.RuleID]
	if !ok {
		metrics.SamplesTotal.WithLabelValues("unknown_rule").Inc()
		e.logger.Debug("sample for unknown rule", "rule_id", sample.RuleID)
		return nil
	}

	key := seriesKey(sample.RuleID, sample.Labels)
	s, ok := e.series[key]
	if !ok {
		s = &series{ruleID: sample.RuleID, labels: copyLabels(sample.Labels), state: StateInactive}
		e.series[key] = s
	} else if !sample.Timestamp.After(s.lastSample) {
		metrics.SamplesTotal.WithLabelValues("duplicate").Inc()
		return nil
	}
	metrics.SamplesTotal.WithLabelValues("evaluated").Inc()

	s.lastSample = sample.Timestamp
	s.lastValue = sample.Value
	holds := rule.Op.Compare(sample.Value, rule.Threshold)

	if s.state == StateUnknown {
		// The gap broke continuity; pending progress is lost.
		if s.firing {
			s.state = StateFiring
		} else {
			s.state = StateInactive
		}
	}

	var events []types.AlertEvent
	switch {
	case holds && s.state == StateInactive:
		s.pendingSince = sample.Timestamp
		s.state = StatePending
		if rule.For <= 0 {
			events = append(events, e.fire(rule, s, sample.Timestamp))
		}
	case holds && s.state == StatePending:
		if sample.Timestamp.Sub(s.pendingSince) >= rule.For.Std() {
			events = append(events, e.fire(rule, s, sample.Timestamp))
		}
	case !holds && s.state == StatePending:
		s.state = StateInactive
	case !holds && s.state == StateFiring:
		s.state = StateInactive
		s.firing = false
		events = append(events, e.event(rule, s, types.EventKindClear, sample.Timestamp))
		e.logger.Info("rule cleared", "rule_id", rule.ID, "value", sample.Value)
	}
	return events
}

func (e *Evaluator) fire(rule types.Rule, s *series, at time.Time) types.AlertEvent {
	s.state = StateFiring
	s.firing = true
	e.logger.Info("rule firing",
		"rule_id", rule.ID,
		"value", s.lastValue,
		"threshold", rule.Threshold,
		"pending_since", s.pendingSince,
	)
	return e.event(rule, s, types.EventKindFiring, at)
}

// CheckStale moves every series without a sample for its rule's stale_after
// into unknown and emits one stale event per series. Staleness never clears.
func (e *Evaluator) CheckStale(now time.Time) []types.AlertEvent {
	e.mu.Lock()
	defer e.mu.Unlock()

	var events []types.AlertEvent
	for _, s := range e.series {
		if s.state == StateUnknown {
			continue
		}
		rule, ok := e.rules[s.ruleID]
		if !ok {
			continue
		}
		if now.Sub(s.lastSample) < rule.StaleAfter.Std() {
			continue
		}
		s.state = StateUnknown
		events = append(events, e.event(rule, s, types.EventKindStale, now))
		e.logger.Warn("rule data stale",
			"rule_id", rule.ID,
			"last_sample", s.lastSample,
			"stale_after", rule.StaleAfter,
		)
	}
	return events
}

func (e *Evaluator) event(rule types.Rule, s *series, kind types.EventKind, at time.Time) types.AlertEvent {
	metrics.RuleEventsTotal.WithLabelValues(string(kind)).Inc()
	labels := make(map[string]string, len(rule.Labels)+len(s.labels))
	for k, v := range rule.Labels {
		labels[k] = v
	}
	for k, v := range s.labels {
		labels[k] = v
	}
	return types.AlertEvent{
		ID:        uuid.New().String(),
		SourceID:  e.sourceID,
		RuleID:    rule.ID,
		Kind:      kind,
		Severity:  rule.Severity,
		Labels:    labels,
		Value:     s.lastValue,
		Timestamp: at,
	}
}

// Run drains it until io.EOF or context cancellation, passing every
// non-empty batch of events to emit.
func (e *Evaluator) Run(ctx context.Context, it SampleIterator, emit func([]types.AlertEvent)) error {
	for {
		sample, err := it.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading samples: %w", err)
		}
		if events := e.Observe(sample); len(events) > 0 {
			emit(events)
		}
	}
}

func seriesKey(ruleID string, labels map[string]string) string {
	return fmt.Sprintf("%s/%016x", ruleID, model.LabelsToSignature(labels))
}

func copyLabels(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
