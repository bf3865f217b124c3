// Package alerting implements the alert manager: deduplication and grouping
// of alert events, maintenance window suppression, policy routing and the
// transition feed.
package alerting

import (
	"sync"
	"time"

	"github.com/prometheus/common/model"

	"github.com/pilot-net/alertcore/pkg/types"
)

const (
	// DefaultDedupWindow is the trailing grouping window relative to LastSeen.
	DefaultDedupWindow = 5 * time.Minute

	// MaxGroupedEventIDs bounds the ids kept on an alert. OccurrenceCount
	// keeps counting past it.
	MaxGroupedEventIDs = 256

	ruleLabel = "__rule_id__"
	seedLabel = "__fingerprint_seed__"
)

// Fingerprint derives the alert identity from the rule and the selected
// labels. An empty groupBy selects every label; a seed is mixed in when set.
func Fingerprint(ruleID string, labels map[string]string, groupBy []string, seed string) string {
	ls := model.LabelSet{ruleLabel: model.LabelValue(ruleID)}
	if len(groupBy) == 0 {
		for k, v := range labels {
			ls[model.LabelName(k)] = model.LabelValue(v)
		}
	} else {
		for _, k := range groupBy {
			if v, ok := labels[k]; ok {
				ls[model.LabelName(k)] = model.LabelValue(v)
			}
		}
	}
	if seed != "" {
		ls[seedLabel] = model.LabelValue(seed)
	}
	return ls.Fingerprint().String()
}

// Outcome describes what Absorb did with an event.
type Outcome string

const (
	OutcomeCreated   Outcome = "created"
	OutcomeUpdated   Outcome = "updated"
	OutcomeDuplicate Outcome = "duplicate"
)

// DedupConfig configures grouping.
type DedupConfig struct {
	Window time.Duration
	// GroupBy selects fingerprint labels per rule id. Rules not listed
	// use DefaultGroupBy; an empty selection uses every label.
	GroupBy        map[string][]string
	DefaultGroupBy []string
}

// DefaultDedupConfig returns sensible defaults.
func DefaultDedupConfig() DedupConfig {
	return DedupConfig{Window: DefaultDedupWindow}
}

// Deduplicator collapses events sharing a fingerprint into one alert.
// It is pure over its inputs; callers serialize per fingerprint.
type Deduplicator struct {
	mu     sync.RWMutex
	config DedupConfig
}

// NewDeduplicator creates a deduplicator.
func NewDeduplicator(config DedupConfig) *Deduplicator {
	if config.Window <= 0 {
		config.Window = DefaultDedupWindow
	}
	return &Deduplicator{config: config}
}

// SetGroupBy replaces the label selections. Alerts already live keep the
// fingerprint they were created with.
func (d *Deduplicator) SetGroupBy(groupBy map[string][]string, defaultGroupBy []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.config.GroupBy = groupBy
	d.config.DefaultGroupBy = defaultGroupBy
}

// Window returns the grouping window.
func (d *Deduplicator) Window() time.Duration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.config.Window
}

// Fingerprint computes the fingerprint for ev.
func (d *Deduplicator) Fingerprint(ev *types.AlertEvent) string {
	d.mu.RLock()
	groupBy, ok := d.config.GroupBy[ev.RuleID]
	if !ok {
		groupBy = d.config.DefaultGroupBy
	}
	d.mu.RUnlock()
	return Fingerprint(ev.RuleID, ev.Labels, groupBy, ev.FingerprintSeed)
}

// Absorb folds ev into live, the current live alert for fingerprint (nil if
// none). It returns the alert to store and what happened. When live fell
// out of the trailing window, expired is the old alert, which the caller
// must resolve before storing the new one. live is never mutated.
func (d *Deduplicator) Absorb(fingerprint string, live *types.Alert, ev *types.AlertEvent) (next *types.Alert, outcome Outcome, expired *types.Alert) {
	if live != nil && ev.Timestamp.Sub(live.LastSeen) > d.Window() {
		expired = live
		live = nil
	}

	if live == nil {
		return newAlert(fingerprint, ev), OutcomeCreated, expired
	}

	for _, id := range live.GroupedEventIDs {
		if id == ev.ID {
			return live, OutcomeDuplicate, nil
		}
	}

	next = live.Clone()
	next.OccurrenceCount++
	next.GroupedEventIDs = append(next.GroupedEventIDs, ev.ID)
	if n := len(next.GroupedEventIDs); n > MaxGroupedEventIDs {
		next.GroupedEventIDs = next.GroupedEventIDs[n-MaxGroupedEventIDs:]
	}
	if ev.Timestamp.After(next.LastSeen) {
		next.LastSeen = ev.Timestamp
		next.Value = ev.Value
	}
	if ev.Severity.Level() > next.Severity.Level() {
		next.Severity = ev.Severity
	}
	next.Stale = false
	next.Version++
	return next, OutcomeUpdated, nil
}

func newAlert(fingerprint string, ev *types.AlertEvent) *types.Alert {
	labels := make(map[string]string, len(ev.Labels))
	for k, v := range ev.Labels {
		labels[k] = v
	}
	return &types.Alert{
		Fingerprint:     fingerprint,
		RuleID:          ev.RuleID,
		SourceID:        ev.SourceID,
		Severity:        ev.Severity,
		Labels:          labels,
		State:           types.AlertStateFiring,
		Value:           ev.Value,
		FirstSeen:       ev.Timestamp,
		LastSeen:        ev.Timestamp,
		OccurrenceCount: 1,
		GroupedEventIDs: []string{ev.ID},
		Version:         1,
	}
}
