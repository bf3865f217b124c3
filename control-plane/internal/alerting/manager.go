package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pilot-net/alertcore/control-plane/internal/clock"
	"github.com/pilot-net/alertcore/control-plane/internal/metrics"
	"github.com/pilot-net/alertcore/control-plane/internal/state"
	"github.com/pilot-net/alertcore/pkg/types"
)

// ErrInvalidEvent rejects events missing required fields.
var ErrInvalidEvent = errors.New("invalid alert event")

// Escalator starts and cancels escalation runs. Start and Resume only
// schedule work; they never block on delivery. Runs for a fingerprint are
// only started or cancelled under that fingerprint's lock, so IsCurrent
// checked under the same lock is stable.
type Escalator interface {
	Start(alert *types.Alert, policy *types.EscalationPolicy) string
	Resume(alert *types.Alert, policy *types.EscalationPolicy, nextLevel int, at time.Time) string
	Cancel(fingerprint string) bool
	IsCurrent(fingerprint, runID string) bool
}

// TimelineRecorder appends alert activity to the incident an alert is
// linked to.
type TimelineRecorder interface {
	RecordAlertActivity(ctx context.Context, incidentID, actor string, payload map[string]any) error
}

// Persister stores alert snapshots. Writes carry Alert.Version so stale
// writes can be discarded.
type Persister interface {
	SaveAlert(ctx context.Context, alert *types.Alert) error
}

// Deps are the collaborators of a Manager. Router and Escalator are
// required; the rest default to fresh instances.
type Deps struct {
	Index     *state.AlertIndex
	Dedup     *Deduplicator
	Filter    *MaintenanceFilter
	Router    *PolicyRouter
	Escalator Escalator
	Feed      *Feed
	Clock     clock.Clock
	Persister Persister
}

// Manager orchestrates alert ingestion, suppression, routing and
// escalation. All mutations of one fingerprint run under its lock;
// different fingerprints proceed in parallel.
type Manager struct {
	index     *state.AlertIndex
	dedup     *Deduplicator
	filter    *MaintenanceFilter
	router    *PolicyRouter
	escalator Escalator
	feed      *Feed
	clock     clock.Clock
	persister Persister
	locks     *KeyedMutex
	logger    *slog.Logger

	timelineMu sync.RWMutex
	timeline   TimelineRecorder
}

// NewManager creates a Manager.
func NewManager(deps Deps, logger *slog.Logger) (*Manager, error) {
	if deps.Router == nil {
		return nil, fmt.Errorf("alert manager requires a policy router")
	}
	if deps.Escalator == nil {
		return nil, fmt.Errorf("alert manager requires an escalator")
	}
	if deps.Index == nil {
		deps.Index = state.NewAlertIndex(0)
	}
	if deps.Dedup == nil {
		deps.Dedup = NewDeduplicator(DefaultDedupConfig())
	}
	if deps.Filter == nil {
		deps.Filter = NewMaintenanceFilter()
	}
	if deps.Feed == nil {
		deps.Feed = NewFeed()
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	return &Manager{
		index:     deps.Index,
		dedup:     deps.Dedup,
		filter:    deps.Filter,
		router:    deps.Router,
		escalator: deps.Escalator,
		feed:      deps.Feed,
		clock:     deps.Clock,
		persister: deps.Persister,
		locks:     NewKeyedMutex(),
		logger:    logger.With("component", "alert_manager"),
	}, nil
}

// SetTimelineRecorder wires the incident manager in after construction.
func (m *Manager) SetTimelineRecorder(r TimelineRecorder) {
	m.timelineMu.Lock()
	defer m.timelineMu.Unlock()
	m.timeline = r
}

// Feed returns the transition feed.
func (m *Manager) Feed() *Feed { return m.feed }

// Filter returns the maintenance filter.
func (m *Manager) Filter() *MaintenanceFilter { return m.filter }

// Router returns the policy router.
func (m *Manager) Router() *PolicyRouter { return m.router }

// Dedup returns the deduplicator.
func (m *Manager) Dedup() *Deduplicator { return m.dedup }

// =============================================================================
// SIDE EFFECTS
// =============================================================================

// effects collects work that must happen after the fingerprint lock is
// released: persistence and incident timeline appends.
type effects struct {
	saves    []*types.Alert
	timeline []timelineNote
}

type timelineNote struct {
	incidentID string
	actor      string
	payload    map[string]any
}

func (e *effects) noteIfLinked(a *types.Alert, actor string, payload map[string]any) {
	if a.IncidentID == nil {
		return
	}
	payload["fingerprint"] = a.Fingerprint
	e.timeline = append(e.timeline, timelineNote{incidentID: *a.IncidentID, actor: actor, payload: payload})
}

func (m *Manager) flush(ctx context.Context, eff *effects) {
	if m.persister != nil {
		for _, a := range eff.saves {
			if err := m.persister.SaveAlert(ctx, a); err != nil {
				m.logger.Warn("failed to persist alert",
					"fingerprint", a.Fingerprint,
					"version", a.Version,
					"error", err,
				)
			}
		}
	}

	m.timelineMu.RLock()
	recorder := m.timeline
	m.timelineMu.RUnlock()
	if recorder == nil {
		return
	}
	for _, note := range eff.timeline {
		if err := recorder.RecordAlertActivity(ctx, note.incidentID, note.actor, note.payload); err != nil {
			m.logger.Warn("failed to append incident timeline",
				"incident_id", note.incidentID,
				"error", err,
			)
		}
	}
}

// publish must be called with the fingerprint lock held so transitions for
// one alert reach subscribers in order.
func (m *Manager) publish(kind types.TransitionKind, from types.AlertState, a *types.Alert, actor, reason string) {
	m.feed.Publish(types.AlertTransition{
		Kind:        kind,
		Fingerprint: a.Fingerprint,
		From:        from,
		To:          a.State,
		Actor:       actor,
		Reason:      reason,
		At:          m.clock.Now(),
		Alert:       a.Clone(),
	})
}

// =============================================================================
// INGEST
// =============================================================================

func (m *Manager) normalize(ev *types.AlertEvent) error {
	if ev.RuleID == "" {
		return fmt.Errorf("%w: rule_id is required", ErrInvalidEvent)
	}
	if !ev.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, ev.Kind)
	}
	if ev.Kind == "" {
		ev.Kind = types.EventKindFiring
	}
	if ev.Severity == "" {
		ev.Severity = types.SeverityWarning
	}
	if !ev.Severity.Valid() {
		return fmt.Errorf("%w: unknown severity %q", ErrInvalidEvent, ev.Severity)
	}
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = m.clock.Now()
	}
	return nil
}

// Ingest routes an event through deduplication and the maintenance filter.
// A newly firing alert is bound to a policy and starts an escalation run.
// Clear events resolve the live alert; stale events flag it.
func (m *Manager) Ingest(ctx context.Context, ev *types.AlertEvent) (types.AlertHandle, error) {
	if err := m.normalize(ev); err != nil {
		return types.AlertHandle{}, err
	}
	fp := m.dedup.Fingerprint(ev)

	switch ev.Kind {
	case types.EventKindClear:
		return m.clear(ctx, fp)
	case types.EventKindStale:
		return m.markStale(ctx, fp)
	}

	var eff effects
	unlock := m.locks.Lock(fp)
	live, _ := m.index.Get(fp)
	next, outcome, expired := m.dedup.Absorb(fp, live, ev)

	if expired != nil {
		m.resolveLocked(expired, types.ActorDedup, "dedup window elapsed", &eff)
	}

	handle := types.AlertHandle{Fingerprint: fp, State: next.State}
	switch outcome {
	case OutcomeDuplicate:
		unlock()
		metrics.EventsIngestedTotal.WithLabelValues("duplicate").Inc()
		return handle, nil

	case OutcomeUpdated:
		m.index.Put(next)
		m.publish(types.TransitionUpdated, next.State, next, ev.SourceID, "")
		eff.saves = append(eff.saves, next.Clone())

	case OutcomeCreated:
		handle.Created = true
		if windowID, ok := m.filter.ActiveWindow(next.Labels, m.clock.Now()); ok {
			next.State = types.AlertStateSuppressed
			next.SuppressedBy = windowID
			m.index.Put(next)
			m.publish(types.TransitionCreated, "", next, ev.SourceID, "")
			m.publish(types.TransitionSuppressed, types.AlertStateFiring, next, types.ActorMaintenance, "maintenance window "+windowID)
			m.logger.Info("alert suppressed by maintenance window",
				"fingerprint", fp,
				"rule_id", next.RuleID,
				"window_id", windowID,
			)
		} else {
			policy := m.router.Route(next.Labels)
			next.PolicyID = policy.ID
			m.index.Put(next)
			handle.RunID = m.escalator.Start(next.Clone(), policy)
			m.publish(types.TransitionCreated, "", next, ev.SourceID, "")
			m.logger.Info("alert firing",
				"fingerprint", fp,
				"rule_id", next.RuleID,
				"severity", next.Severity,
				"policy_id", policy.ID,
			)
		}
		handle.State = next.State
		eff.saves = append(eff.saves, next.Clone())
	}
	unlock()

	metrics.EventsIngestedTotal.WithLabelValues(string(outcome)).Inc()
	m.flush(ctx, &eff)
	return handle, nil
}

func (m *Manager) clear(ctx context.Context, fp string) (types.AlertHandle, error) {
	var eff effects
	unlock := m.locks.Lock(fp)
	live, ok := m.index.Get(fp)
	if !ok {
		unlock()
		return types.AlertHandle{Fingerprint: fp, State: types.AlertStateResolved}, nil
	}
	m.resolveLocked(live, types.ActorRule, "condition cleared", &eff)
	unlock()

	m.flush(ctx, &eff)
	return types.AlertHandle{Fingerprint: fp, State: types.AlertStateResolved}, nil
}

func (m *Manager) markStale(ctx context.Context, fp string) (types.AlertHandle, error) {
	var eff effects
	unlock := m.locks.Lock(fp)
	live, ok := m.index.Get(fp)
	if !ok {
		unlock()
		return types.AlertHandle{Fingerprint: fp}, nil
	}
	if !live.Stale {
		live.Stale = true
		live.Version++
		m.index.Put(live)
		m.publish(types.TransitionStale, live.State, live, types.ActorRule, "no samples within stale threshold")
		eff.saves = append(eff.saves, live.Clone())
		eff.noteIfLinked(live, types.ActorRule, map[string]any{"event": "stale_data"})
	}
	unlock()

	m.flush(ctx, &eff)
	return types.AlertHandle{Fingerprint: fp, State: live.State}, nil
}

// =============================================================================
// ACKNOWLEDGE / RESOLVE
// =============================================================================

// Acknowledge stops escalation for a live alert. Unknown or resolved
// fingerprints fail with NotFoundError; acknowledging twice is a no-op.
func (m *Manager) Acknowledge(ctx context.Context, fingerprint, actor string) error {
	var eff effects
	unlock := m.locks.Lock(fingerprint)
	a, ok := m.index.Get(fingerprint)
	if !ok {
		unlock()
		return &types.NotFoundError{Kind: "alert", ID: fingerprint}
	}
	if a.State == types.AlertStateAcknowledged {
		unlock()
		return nil
	}

	now := m.clock.Now()
	from := a.State
	a.State = types.AlertStateAcknowledged
	a.AcknowledgedAt = &now
	a.AcknowledgedBy = actor
	a.SuppressedBy = ""
	a.Version++
	m.index.Put(a)
	m.escalator.Cancel(fingerprint)
	m.publish(types.TransitionAcknowledged, from, a, actor, "")
	eff.saves = append(eff.saves, a.Clone())
	eff.noteIfLinked(a, actor, map[string]any{"event": "acknowledged", "level": a.CurrentEscalationLevel})
	unlock()

	m.logger.Info("alert acknowledged", "fingerprint", fingerprint, "actor", actor)
	m.flush(ctx, &eff)
	return nil
}

// Resolve closes an alert and archives it. Resolving an archived alert is
// a no-op; a fingerprint never seen fails with NotFoundError.
func (m *Manager) Resolve(ctx context.Context, fingerprint, actor, reason string) error {
	var eff effects
	unlock := m.locks.Lock(fingerprint)
	a, ok := m.index.Get(fingerprint)
	if !ok {
		unlock()
		if _, archived := m.index.Archived(fingerprint); archived {
			return nil
		}
		return &types.NotFoundError{Kind: "alert", ID: fingerprint}
	}
	m.resolveLocked(a, actor, reason, &eff)
	unlock()

	m.flush(ctx, &eff)
	return nil
}

// resolveLocked cancels escalation and archives a. Caller holds the lock
// for a.Fingerprint and passes a clone it owns.
func (m *Manager) resolveLocked(a *types.Alert, actor, reason string, eff *effects) {
	m.escalator.Cancel(a.Fingerprint)

	now := m.clock.Now()
	from := a.State
	a.State = types.AlertStateResolved
	a.ResolvedAt = &now
	a.ResolvedBy = actor
	a.ResolveReason = reason
	a.SuppressedBy = ""
	a.Version++
	m.index.Archive(a)
	m.publish(types.TransitionResolved, from, a, actor, reason)
	eff.saves = append(eff.saves, a.Clone())
	eff.noteIfLinked(a, actor, map[string]any{"event": "resolved", "reason": reason})

	m.logger.Info("alert resolved",
		"fingerprint", a.Fingerprint,
		"actor", actor,
		"reason", reason,
		"occurrences", a.OccurrenceCount,
	)
}

// =============================================================================
// ESCALATION CALLBACKS
// =============================================================================

// Current returns the live alert for fingerprint. The escalation engine
// uses it to build notifications from fresh data.
func (m *Manager) Current(fingerprint string) (*types.Alert, bool) {
	return m.index.Get(fingerprint)
}

// LevelNotified records that an escalation level was fanned out. Reports
// from a run that has since been cancelled or replaced are ignored.
func (m *Manager) LevelNotified(fingerprint, runID string, level int, results []types.DeliveryResult) {
	var eff effects
	unlock := m.locks.Lock(fingerprint)
	a, ok := m.index.Get(fingerprint)
	if !ok || a.State != types.AlertStateFiring || !m.escalator.IsCurrent(fingerprint, runID) {
		unlock()
		return
	}
	delivered := 0
	for _, r := range results {
		if r.Success {
			delivered++
		}
	}
	a.CurrentEscalationLevel = level
	a.Version++
	m.index.Put(a)
	reason := fmt.Sprintf("level %d notified (%d/%d delivered)", level, delivered, len(results))
	m.publish(types.TransitionEscalated, a.State, a, types.ActorEscalation, reason)
	eff.saves = append(eff.saves, a.Clone())
	eff.noteIfLinked(a, types.ActorEscalation, map[string]any{
		"event":     "escalated",
		"level":     level,
		"delivered": delivered,
		"targets":   len(results),
	})
	unlock()

	m.flush(context.Background(), &eff)
}

// PolicyExhausted marks the alert as exhausted. The flag stays set until
// the alert is acknowledged or resolved.
func (m *Manager) PolicyExhausted(fingerprint, runID, policyID string) {
	var eff effects
	unlock := m.locks.Lock(fingerprint)
	a, ok := m.index.Get(fingerprint)
	if !ok || a.State != types.AlertStateFiring || a.Exhausted || !m.escalator.IsCurrent(fingerprint, runID) {
		unlock()
		return
	}
	a.Exhausted = true
	a.Version++
	m.index.Put(a)
	m.publish(types.TransitionExhausted, a.State, a, types.ActorEscalation, "policy "+policyID+" exhausted")
	eff.saves = append(eff.saves, a.Clone())
	eff.noteIfLinked(a, types.ActorEscalation, map[string]any{"event": "policy_exhausted", "policy_id": policyID})
	unlock()

	m.logger.Warn("escalation policy exhausted",
		"fingerprint", fingerprint,
		"policy_id", policyID,
		"rule_id", a.RuleID,
	)
	m.flush(context.Background(), &eff)
}

// =============================================================================
// MAINTENANCE
// =============================================================================

// Reevaluate reconciles alerts with the windows active at now. Suppressed
// alerts no longer covered return to firing with a fresh escalation run;
// firing alerts newly covered are suppressed and their runs cancelled.
func (m *Manager) Reevaluate(ctx context.Context, now time.Time) (released, suppressed int) {
	for _, fp := range m.index.Fingerprints(types.AlertStateSuppressed) {
		if m.release(ctx, fp, now) {
			released++
		}
	}
	for _, fp := range m.index.Fingerprints(types.AlertStateFiring) {
		if m.suppress(ctx, fp, now) {
			suppressed++
		}
	}
	return released, suppressed
}

func (m *Manager) release(ctx context.Context, fp string, now time.Time) bool {
	var eff effects
	unlock := m.locks.Lock(fp)
	a, ok := m.index.Get(fp)
	if !ok || a.State != types.AlertStateSuppressed {
		unlock()
		return false
	}
	if windowID, active := m.filter.ActiveWindow(a.Labels, now); active {
		if windowID != a.SuppressedBy {
			a.SuppressedBy = windowID
			a.Version++
			m.index.Put(a)
			eff.saves = append(eff.saves, a.Clone())
		}
		unlock()
		m.flush(ctx, &eff)
		return false
	}

	prevWindow := a.SuppressedBy
	policy := m.router.Route(a.Labels)
	a.State = types.AlertStateFiring
	a.SuppressedBy = ""
	a.PolicyID = policy.ID
	a.CurrentEscalationLevel = 0
	a.Exhausted = false
	a.Version++
	m.index.Put(a)
	m.escalator.Start(a.Clone(), policy)
	m.publish(types.TransitionUnsuppressed, types.AlertStateSuppressed, a, types.ActorMaintenance, "maintenance window "+prevWindow+" ended")
	eff.saves = append(eff.saves, a.Clone())
	unlock()

	m.logger.Info("alert released from maintenance",
		"fingerprint", fp,
		"window_id", prevWindow,
		"policy_id", policy.ID,
	)
	m.flush(ctx, &eff)
	return true
}

func (m *Manager) suppress(ctx context.Context, fp string, now time.Time) bool {
	var eff effects
	unlock := m.locks.Lock(fp)
	a, ok := m.index.Get(fp)
	if !ok || a.State != types.AlertStateFiring {
		unlock()
		return false
	}
	windowID, active := m.filter.ActiveWindow(a.Labels, now)
	if !active {
		unlock()
		return false
	}
	m.escalator.Cancel(fp)
	a.State = types.AlertStateSuppressed
	a.SuppressedBy = windowID
	a.Version++
	m.index.Put(a)
	m.publish(types.TransitionSuppressed, types.AlertStateFiring, a, types.ActorMaintenance, "maintenance window "+windowID)
	eff.saves = append(eff.saves, a.Clone())
	eff.noteIfLinked(a, types.ActorMaintenance, map[string]any{"event": "suppressed", "window_id": windowID})
	unlock()

	m.flush(ctx, &eff)
	return true
}

// =============================================================================
// INCIDENT LINKS
// =============================================================================

// LinkIncident records the incident an alert belongs to. It fails with
// ConflictError when the alert already belongs to another incident.
func (m *Manager) LinkIncident(ctx context.Context, fingerprint, incidentID string) error {
	var eff effects
	unlock := m.locks.Lock(fingerprint)
	a, ok := m.index.Get(fingerprint)
	archived := false
	if !ok {
		a, ok = m.index.Archived(fingerprint)
		archived = true
	}
	if !ok {
		unlock()
		return &types.NotFoundError{Kind: "alert", ID: fingerprint}
	}
	if a.IncidentID != nil {
		unlock()
		if *a.IncidentID == incidentID {
			return nil
		}
		return &types.ConflictError{Kind: "alert", ID: fingerprint, Reason: "already linked to incident " + *a.IncidentID}
	}
	a.IncidentID = &incidentID
	a.Version++
	if archived {
		m.index.PutArchived(a)
	} else {
		m.index.Put(a)
		m.publish(types.TransitionUpdated, a.State, a, types.ActorSystem, "linked to incident "+incidentID)
	}
	eff.saves = append(eff.saves, a.Clone())
	unlock()

	m.flush(ctx, &eff)
	return nil
}

// UnlinkIncident clears the incident link if it points at incidentID.
func (m *Manager) UnlinkIncident(ctx context.Context, fingerprint, incidentID string) error {
	var eff effects
	unlock := m.locks.Lock(fingerprint)
	a, ok := m.index.Get(fingerprint)
	archived := false
	if !ok {
		a, ok = m.index.Archived(fingerprint)
		archived = true
	}
	if !ok || a.IncidentID == nil || *a.IncidentID != incidentID {
		unlock()
		return nil
	}
	a.IncidentID = nil
	a.Version++
	if archived {
		m.index.PutArchived(a)
	} else {
		m.index.Put(a)
	}
	eff.saves = append(eff.saves, a.Clone())
	unlock()

	m.flush(ctx, &eff)
	return nil
}

// =============================================================================
// QUERIES
// =============================================================================

// Get returns a live or archived alert.
func (m *Manager) Get(fingerprint string) (*types.Alert, error) {
	if a, ok := m.index.Get(fingerprint); ok {
		return a, nil
	}
	if a, ok := m.index.Archived(fingerprint); ok {
		return a, nil
	}
	return nil, &types.NotFoundError{Kind: "alert", ID: fingerprint}
}

// List returns live alerts matching filter, or archived alerts when the
// filter asks for the resolved state.
func (m *Manager) List(filter types.AlertFilter) []*types.Alert {
	if filter.State != nil && *filter.State == types.AlertStateResolved {
		return m.index.History(filter)
	}
	return m.index.Live(filter)
}

// Stats returns live counts per state and the number of exhausted alerts,
// refreshing the corresponding gauges.
func (m *Manager) Stats() (map[types.AlertState]int, int) {
	counts, exhausted := m.index.Counts()
	for _, s := range []types.AlertState{types.AlertStateFiring, types.AlertStateAcknowledged, types.AlertStateSuppressed} {
		metrics.LiveAlerts.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
	metrics.ExhaustedAlerts.Set(float64(exhausted))
	return counts, exhausted
}

// =============================================================================
// RESTORE
// =============================================================================

// Restore loads persisted live alerts at start-up. Firing alerts resume
// escalation at the level after the last one notified; runs maps
// fingerprints to their persisted run, if any.
func (m *Manager) Restore(alerts []*types.Alert, runs map[string]types.EscalationRun) int {
	now := m.clock.Now()
	resumed := 0
	for _, a := range alerts {
		if !a.Live() {
			continue
		}
		unlock := m.locks.Lock(a.Fingerprint)
		m.index.Put(a.Clone())
		if a.State == types.AlertStateFiring && !a.Exhausted {
			policy, ok := m.router.Get(a.PolicyID)
			if !ok {
				policy = m.router.Route(a.Labels)
			}
			nextLevel, at := a.CurrentEscalationLevel+1, now
			if run, ok := runs[a.Fingerprint]; ok && !run.Cancelled {
				nextLevel = run.CurrentLevelIndex + 1
				if run.State == types.RunStatePending {
					nextLevel = run.CurrentLevelIndex
				}
				if run.NextEscalationAt.After(now) {
					at = run.NextEscalationAt
				}
			}
			m.escalator.Resume(a.Clone(), policy, nextLevel, at)
			resumed++
		}
		unlock()
	}
	m.logger.Info("alerts restored", "count", len(alerts), "escalations_resumed", resumed)
	return resumed
}
