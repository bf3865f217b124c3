// Package incident manages incidents: explicitly declared groupings of
// alerts with their own lifecycle and an append-only timeline.
//
// # Lifecycle
//
//	declared ──▶ investigating ──▶ identified ──▶ monitoring ──▶ resolved
//	                   ▲                              │
//	                   └──────────────────────────────┘
//
// Every non-terminal state may also move directly to resolved. Resolved is
// terminal and incidents are never deleted. Incidents never resolve on
// their own when their alerts clear.
package incident

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pilot-net/alertcore/control-plane/internal/alerting"
	"github.com/pilot-net/alertcore/control-plane/internal/clock"
	"github.com/pilot-net/alertcore/control-plane/internal/metrics"
	"github.com/pilot-net/alertcore/control-plane/internal/state"
	"github.com/pilot-net/alertcore/pkg/types"
)

// transitions is the incident state graph, excluding resolution which is
// reachable from every non-terminal state.
var transitions = map[types.IncidentState][]types.IncidentState{
	types.IncidentStateDeclared:      {types.IncidentStateInvestigating},
	types.IncidentStateInvestigating: {types.IncidentStateIdentified},
	types.IncidentStateIdentified:    {types.IncidentStateMonitoring},
	types.IncidentStateMonitoring:    {types.IncidentStateInvestigating},
}

// CanTransition reports whether from → to is an edge of the graph.
func CanTransition(from, to types.IncidentState) bool {
	if from == types.IncidentStateResolved {
		return false
	}
	if to == types.IncidentStateResolved {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// AlertLinker is the slice of the alert manager the incident manager needs.
type AlertLinker interface {
	Get(fingerprint string) (*types.Alert, error)
	LinkIncident(ctx context.Context, fingerprint, incidentID string) error
	UnlinkIncident(ctx context.Context, fingerprint, incidentID string) error
}

// Persister stores incident snapshots including their timeline.
type Persister interface {
	SaveIncident(ctx context.Context, inc *types.Incident) error
}

// Manager owns the incident store. Operations on one incident are
// serialized; different incidents proceed in parallel.
type Manager struct {
	store     *state.IncidentStore
	alerts    AlertLinker
	clock     clock.Clock
	persister Persister
	locks     *alerting.KeyedMutex
	logger    *slog.Logger
}

// NewManager creates an incident manager. persister may be nil.
func NewManager(store *state.IncidentStore, alerts AlertLinker, c clock.Clock, persister Persister, logger *slog.Logger) *Manager {
	if store == nil {
		store = state.NewIncidentStore()
	}
	if c == nil {
		c = clock.Real{}
	}
	return &Manager{
		store:     store,
		alerts:    alerts,
		clock:     c,
		persister: persister,
		locks:     alerting.NewKeyedMutex(),
		logger:    logger.With("component", "incident_manager"),
	}
}

// =============================================================================
// TIMELINE
// =============================================================================

// appendEntry adds an entry with the next sequence number. Timestamps never
// go backwards within one incident. Caller holds the incident lock.
func (m *Manager) appendEntry(inc *types.Incident, actor string, kind types.TimelineKind, payload map[string]any) types.TimelineEntry {
	now := m.clock.Now()
	var seq uint64 = 1
	if n := len(inc.Timeline); n > 0 {
		last := inc.Timeline[n-1]
		seq = last.Seq + 1
		if now.Before(last.Timestamp) {
			now = last.Timestamp
		}
	}
	entry := types.TimelineEntry{
		Seq:       seq,
		Timestamp: now,
		Actor:     actor,
		Kind:      kind,
		Payload:   payload,
	}
	inc.Timeline = append(inc.Timeline, entry)
	inc.UpdatedAt = now
	return entry
}

func (m *Manager) save(ctx context.Context, inc *types.Incident) {
	metrics.IncidentsOpen.Set(float64(m.store.OpenCount()))
	if m.persister == nil {
		return
	}
	if err := m.persister.SaveIncident(ctx, inc); err != nil {
		m.logger.Warn("failed to persist incident", "incident_id", inc.ID, "error", err)
	}
}

// =============================================================================
// OPERATIONS
// =============================================================================

// Declare creates an incident in the declared state and links the given
// alerts. If any alert cannot be linked, links already made are undone and
// nothing is created.
func (m *Manager) Declare(ctx context.Context, fingerprints []string, severity types.Severity, title, actor string) (*types.Incident, error) {
	if !severity.Valid() {
		return nil, &types.ConfigurationError{Field: "severity", Reason: fmt.Sprintf("unknown severity %q", severity)}
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, &types.ConfigurationError{Field: "title", Reason: "is required"}
	}

	now := m.clock.Now()
	inc := &types.Incident{
		ID:         uuid.New().String(),
		Title:      title,
		Severity:   severity,
		State:      types.IncidentStateDeclared,
		DeclaredAt: now,
		DeclaredBy: actor,
		UpdatedAt:  now,
	}

	unlock := m.locks.Lock(inc.ID)
	defer unlock()

	seen := make(map[string]bool, len(fingerprints))
	var linked []string
	for _, fp := range fingerprints {
		if seen[fp] {
			continue
		}
		seen[fp] = true
		if err := m.alerts.LinkIncident(ctx, fp, inc.ID); err != nil {
			for _, done := range linked {
				_ = m.alerts.UnlinkIncident(ctx, done, inc.ID)
			}
			return nil, fmt.Errorf("linking alert %s: %w", fp, err)
		}
		linked = append(linked, fp)
	}
	inc.LinkedAlertFingerprints = linked

	m.appendEntry(inc, actor, types.TimelineStateChange, map[string]any{
		"to":       string(types.IncidentStateDeclared),
		"severity": string(severity),
		"title":    title,
	})
	for _, fp := range linked {
		m.appendEntry(inc, actor, types.TimelineAlertLinked, map[string]any{"fingerprint": fp})
	}

	m.store.Put(inc)
	metrics.IncidentTransitionsTotal.WithLabelValues(string(types.IncidentStateDeclared)).Inc()
	m.logger.Info("incident declared",
		"incident_id", inc.ID,
		"severity", severity,
		"alerts", len(linked),
		"actor", actor,
	)

	out := inc.Clone()
	m.save(ctx, out)
	return out, nil
}

// LinkAlert adds an alert to an open incident. Linking an alert already in
// this incident is a no-op; an alert in another open incident fails with
// ConflictError.
func (m *Manager) LinkAlert(ctx context.Context, incidentID, fingerprint, actor string) error {
	unlock := m.locks.Lock(incidentID)
	defer unlock()

	inc, ok := m.store.Get(incidentID)
	if !ok {
		return &types.NotFoundError{Kind: "incident", ID: incidentID}
	}
	if inc.HasAlert(fingerprint) {
		return nil
	}
	if !inc.Open() {
		return &types.ConflictError{Kind: "incident", ID: incidentID, Reason: "incident is resolved"}
	}
	if err := m.alerts.LinkIncident(ctx, fingerprint, incidentID); err != nil {
		return fmt.Errorf("linking alert %s: %w", fingerprint, err)
	}

	inc.LinkedAlertFingerprints = append(inc.LinkedAlertFingerprints, fingerprint)
	m.appendEntry(inc, actor, types.TimelineAlertLinked, map[string]any{"fingerprint": fingerprint})
	m.store.Put(inc)

	m.logger.Info("alert linked to incident", "incident_id", incidentID, "fingerprint", fingerprint, "actor", actor)
	m.save(ctx, inc.Clone())
	return nil
}

// Transition moves an incident along the state graph. Moving to resolved
// behaves like Resolve with an empty summary.
func (m *Manager) Transition(ctx context.Context, incidentID string, to types.IncidentState, actor string) error {
	if to == types.IncidentStateResolved {
		return m.Resolve(ctx, incidentID, actor, "")
	}
	if !to.Valid() {
		return &types.InvalidTransitionError{Kind: "incident", From: "", To: string(to)}
	}

	unlock := m.locks.Lock(incidentID)
	defer unlock()

	inc, ok := m.store.Get(incidentID)
	if !ok {
		return &types.NotFoundError{Kind: "incident", ID: incidentID}
	}
	from := inc.State
	if !CanTransition(from, to) {
		return &types.InvalidTransitionError{Kind: "incident", From: string(from), To: string(to)}
	}

	inc.State = to
	m.appendEntry(inc, actor, types.TimelineStateChange, map[string]any{"from": string(from), "to": string(to)})
	m.store.Put(inc)
	metrics.IncidentTransitionsTotal.WithLabelValues(string(to)).Inc()

	m.logger.Info("incident transitioned", "incident_id", incidentID, "from", from, "to", to, "actor", actor)
	m.save(ctx, inc.Clone())
	return nil
}

// Resolve closes an incident and assembles its postmortem. Linked alerts are
// released so they may join future incidents; they keep their own state.
func (m *Manager) Resolve(ctx context.Context, incidentID, actor, summary string) error {
	unlock := m.locks.Lock(incidentID)
	defer unlock()

	inc, ok := m.store.Get(incidentID)
	if !ok {
		return &types.NotFoundError{Kind: "incident", ID: incidentID}
	}
	if !inc.Open() {
		return &types.InvalidTransitionError{Kind: "incident", From: string(inc.State), To: string(types.IncidentStateResolved)}
	}

	from := inc.State
	m.appendEntry(inc, actor, types.TimelineStateChange, map[string]any{
		"from":    string(from),
		"to":      string(types.IncidentStateResolved),
		"summary": summary,
	})
	resolvedAt := inc.UpdatedAt
	inc.State = types.IncidentStateResolved
	inc.ResolvedAt = &resolvedAt
	inc.ResolvedBy = actor
	inc.Summary = summary
	inc.PostmortemRequired = inc.Severity.IsHigh()
	inc.Postmortem = &types.Postmortem{
		Required:        inc.PostmortemRequired,
		Summary:         summary,
		Duration:        resolvedAt.Sub(inc.DeclaredAt),
		AlertCount:      len(inc.LinkedAlertFingerprints),
		TimelineEntries: len(inc.Timeline),
	}
	m.store.Put(inc)

	for _, fp := range inc.LinkedAlertFingerprints {
		if err := m.alerts.UnlinkIncident(ctx, fp, incidentID); err != nil {
			m.logger.Warn("failed to unlink alert from resolved incident",
				"incident_id", incidentID,
				"fingerprint", fp,
				"error", err,
			)
		}
	}

	metrics.IncidentTransitionsTotal.WithLabelValues(string(types.IncidentStateResolved)).Inc()
	m.logger.Info("incident resolved",
		"incident_id", incidentID,
		"actor", actor,
		"duration", inc.Postmortem.Duration,
		"postmortem_required", inc.PostmortemRequired,
	)
	m.save(ctx, inc.Clone())
	return nil
}

// AddNote appends a free-text note. Notes are accepted in every state so
// postmortem findings can be recorded after resolution.
func (m *Manager) AddNote(ctx context.Context, incidentID, actor, text string) (types.TimelineEntry, error) {
	if strings.TrimSpace(text) == "" {
		return types.TimelineEntry{}, &types.ConfigurationError{Field: "text", Reason: "is required"}
	}

	unlock := m.locks.Lock(incidentID)
	defer unlock()

	inc, ok := m.store.Get(incidentID)
	if !ok {
		return types.TimelineEntry{}, &types.NotFoundError{Kind: "incident", ID: incidentID}
	}
	entry := m.appendEntry(inc, actor, types.TimelineNote, map[string]any{"text": text})
	m.store.Put(inc)

	m.save(ctx, inc.Clone())
	return entry, nil
}

// RecordAlertActivity appends alert activity (acknowledgement, escalation,
// resolution) to the incident timeline as a notification entry; the payload
// "event" key names the activity. The alert manager calls it outside its
// per-alert critical section.
func (m *Manager) RecordAlertActivity(ctx context.Context, incidentID, actor string, payload map[string]any) error {
	unlock := m.locks.Lock(incidentID)
	defer unlock()

	inc, ok := m.store.Get(incidentID)
	if !ok {
		return &types.NotFoundError{Kind: "incident", ID: incidentID}
	}
	m.appendEntry(inc, actor, types.TimelineNotification, payload)
	m.store.Put(inc)

	m.save(ctx, inc.Clone())
	return nil
}

// =============================================================================
// QUERIES
// =============================================================================

// Get returns an incident with its timeline.
func (m *Manager) Get(incidentID string) (*types.Incident, error) {
	inc, ok := m.store.Get(incidentID)
	if !ok {
		return nil, &types.NotFoundError{Kind: "incident", ID: incidentID}
	}
	return inc, nil
}

// Timeline returns the entries of an incident in order.
func (m *Manager) Timeline(incidentID string) ([]types.TimelineEntry, error) {
	inc, err := m.Get(incidentID)
	if err != nil {
		return nil, err
	}
	return inc.Timeline, nil
}

// List returns incidents matching filter, most recently declared first.
// Label filters match when any linked alert carries all the labels.
func (m *Manager) List(filter types.IncidentFilter) []*types.Incident {
	all := m.store.List(filter)
	out := all[:0]
	for _, inc := range all {
		if len(filter.Labels) > 0 && !m.anyAlertMatches(inc, filter.Labels) {
			continue
		}
		out = append(out, inc)
	}

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return []*types.Incident{}
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out
}

func (m *Manager) anyAlertMatches(inc *types.Incident, labels map[string]string) bool {
	for _, fp := range inc.LinkedAlertFingerprints {
		a, err := m.alerts.Get(fp)
		if err != nil {
			continue
		}
		if (types.AlertFilter{Labels: labels}).Matches(a) {
			return true
		}
	}
	return false
}

// OpenCount returns the number of non-resolved incidents.
func (m *Manager) OpenCount() int {
	return m.store.OpenCount()
}

// Restore loads persisted incidents at start-up.
func (m *Manager) Restore(incidents []*types.Incident) {
	for _, inc := range incidents {
		m.store.Put(inc.Clone())
	}
	metrics.IncidentsOpen.Set(float64(m.store.OpenCount()))
	m.logger.Info("incidents restored", "count", len(incidents))
}

// Age returns how long an open incident has been running.
func Age(inc *types.Incident, now time.Time) time.Duration {
	if inc.ResolvedAt != nil {
		return inc.ResolvedAt.Sub(inc.DeclaredAt)
	}
	return now.Sub(inc.DeclaredAt)
}
