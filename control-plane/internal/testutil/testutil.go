// Package testutil provides testing utilities and fixtures for the control plane.
//
// This package contains:
//   - Test helper functions (loggers)
//   - Fixture factories for domain types (events, alerts, policies, windows, incidents)
//   - A recording provider adapter with scripted failures
//
// # Usage
//
// Fixtures use functional options for customization:
//
//	ev := testutil.FixtureEvent()
//	ev := testutil.FixtureEvent(func(e *types.AlertEvent) {
//		e.RuleID = "disk-full"
//		e.Labels["host"] = "db-1"
//	})
package testutil

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pilot-net/alertcore/pkg/types"
)

// NewTestLogger returns a logger that discards all output.
// Use for tests where logging output is not needed.
func NewTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Epoch is a fixed reference time for deterministic tests.
var Epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// =============================================================================
// EVENT AND ALERT FIXTURES
// =============================================================================

// FixtureEvent creates a firing event with sensible defaults.
// Use overrides to customize specific fields.
func FixtureEvent(overrides ...func(*types.AlertEvent)) *types.AlertEvent {
	ev := &types.AlertEvent{
		ID:        uuid.New().String(),
		SourceID:  "test-source",
		RuleID:    "cpu-high",
		Kind:      types.EventKindFiring,
		Severity:  types.SeverityWarning,
		Labels:    map[string]string{"host": "web-1", "env": "prod"},
		Value:     95,
		Timestamp: Epoch,
	}

	for _, override := range overrides {
		override(ev)
	}

	return ev
}

// FixtureAlert creates a live firing alert.
func FixtureAlert(overrides ...func(*types.Alert)) *types.Alert {
	alert := &types.Alert{
		Fingerprint:     "fp-" + uuid.New().String()[:8],
		RuleID:          "cpu-high",
		Severity:        types.SeverityWarning,
		Labels:          map[string]string{"host": "web-1", "env": "prod"},
		State:           types.AlertStateFiring,
		FirstSeen:       Epoch,
		LastSeen:        Epoch,
		OccurrenceCount: 1,
		GroupedEventIDs: []string{uuid.New().String()},
		PolicyID:        "default",
		Version:         1,
	}

	for _, override := range overrides {
		override(alert)
	}

	return alert
}

// =============================================================================
// CONFIGURATION FIXTURES
// =============================================================================

// FixturePolicy creates a three-level policy: immediate, +5m, +15m.
func FixturePolicy(overrides ...func(*types.EscalationPolicy)) *types.EscalationPolicy {
	policy := &types.EscalationPolicy{
		ID:   "default",
		Name: "Default on-call",
		Levels: []types.EscalationLevel{
			{Targets: []types.NotificationTarget{{Provider: "recording", Address: "level-1"}}},
			{Delay: types.Duration(5 * time.Minute), Targets: []types.NotificationTarget{{Provider: "recording", Address: "level-2"}}},
			{Delay: types.Duration(15 * time.Minute), Targets: []types.NotificationTarget{{Provider: "recording", Address: "level-3"}}},
		},
	}

	for _, override := range overrides {
		override(policy)
	}

	return policy
}

// FixtureWindow creates a one-hour window over env="prod" starting at Epoch.
func FixtureWindow(overrides ...func(*types.MaintenanceWindow)) *types.MaintenanceWindow {
	window := &types.MaintenanceWindow{
		ID:        "mw-" + uuid.New().String()[:8],
		Scope:     `{env="prod"}`,
		StartsAt:  Epoch,
		EndsAt:    Epoch.Add(time.Hour),
		Comment:   "planned upgrade",
		CreatedBy: "test",
	}

	for _, override := range overrides {
		override(window)
	}

	return window
}

// FixtureRule creates the "cpu > 90 for 2m" rule.
func FixtureRule(overrides ...func(*types.Rule)) *types.Rule {
	rule := &types.Rule{
		ID:         "cpu-high",
		Expression: "node_cpu_utilisation",
		Op:         types.OpGreater,
		Threshold:  90,
		For:        types.Duration(2 * time.Minute),
		Severity:   types.SeverityHigh,
	}

	for _, override := range overrides {
		override(rule)
	}

	return rule
}

// FixtureIncident creates a declared incident.
func FixtureIncident(overrides ...func(*types.Incident)) *types.Incident {
	incident := &types.Incident{
		ID:         uuid.New().String(),
		Title:      "Checkout latency",
		Severity:   types.SeverityHigh,
		State:      types.IncidentStateDeclared,
		DeclaredAt: Epoch,
		DeclaredBy: "test",
		UpdatedAt:  Epoch,
	}

	for _, override := range overrides {
		override(incident)
	}

	return incident
}

// =============================================================================
// RECORDING PROVIDER
// =============================================================================

// Delivery is one call captured by RecordingAdapter.
type Delivery struct {
	Target       types.NotificationTarget
	Notification types.Notification
	At           time.Time
}

// RecordingAdapter captures sends. Addresses listed in Fail return a
// failure result; a non-nil Block makes Send wait on it.
type RecordingAdapter struct {
	name  string
	mu    sync.Mutex
	calls []Delivery
	fail  map[string]bool
	Block chan struct{}
	Now   func() time.Time
}

// NewRecordingAdapter creates an adapter registered as name.
func NewRecordingAdapter(name string) *RecordingAdapter {
	return &RecordingAdapter{name: name, fail: make(map[string]bool), Now: time.Now}
}

// Name implements the provider adapter contract.
func (r *RecordingAdapter) Name() string { return r.name }

// FailFor makes sends to address fail.
func (r *RecordingAdapter) FailFor(address string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail[address] = true
}

// Send implements the provider adapter contract.
func (r *RecordingAdapter) Send(ctx context.Context, target types.NotificationTarget, n types.Notification) types.DeliveryResult {
	if r.Block != nil {
		select {
		case <-r.Block:
		case <-ctx.Done():
			return types.DeliveryResult{Provider: r.name, Target: target.String(), Error: ctx.Err().Error()}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, Delivery{Target: target, Notification: n, At: r.Now()})
	if r.fail[target.Address] {
		return types.DeliveryResult{Provider: r.name, Target: target.String(), Error: errors.New("scripted failure").Error()}
	}
	return types.DeliveryResult{Success: true, Provider: r.name, Target: target.String(), ProviderMessageID: uuid.New().String()}
}

// Calls returns a copy of the captured deliveries.
func (r *RecordingAdapter) Calls() []Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Delivery(nil), r.calls...)
}

// CallsTo returns deliveries to address.
func (r *RecordingAdapter) CallsTo(address string) []Delivery {
	var out []Delivery
	for _, d := range r.Calls() {
		if d.Target.Address == address {
			out = append(out, d)
		}
	}
	return out
}

// =============================================================================
// HELPERS
// =============================================================================

// Ptr returns a pointer to the given value.
// Useful for creating pointers to literals in tests.
func Ptr[T any](v T) *T {
	return &v
}
