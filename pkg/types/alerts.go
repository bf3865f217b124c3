// Package types - Alert events, alerts and the transition feed
//
// # Alert Lifecycle
//
// A rule transition produces an immutable AlertEvent. Events sharing a
// fingerprint collapse into one live Alert:
//
//	firing ──ack──▶ acknowledged ──resolve──▶ resolved (archived)
//	   │                                        ▲
//	   └──window active──▶ suppressed ──────────┘
//	                          │
//	                          └──window expired──▶ firing (fresh escalation)
//
// Resolution is a hard boundary: a matching event after resolution opens a
// new Alert with a new lifecycle.
package types

import "time"

// =============================================================================
// ALERT EVENT (Immutable)
// =============================================================================

// AlertEvent is an immutable fact emitted once per rule transition.
type AlertEvent struct {
	ID              string            `json:"id"`
	SourceID        string            `json:"source_id"`
	RuleID          string            `json:"rule_id"`
	Kind            EventKind         `json:"kind"`
	Severity        Severity          `json:"severity"`
	Labels          map[string]string `json:"labels,omitempty"`
	Value           float64           `json:"value"`
	Timestamp       time.Time         `json:"timestamp"`
	FingerprintSeed string            `json:"fingerprint_seed,omitempty"`
}

// EventKind distinguishes the rule transition an event reports.
type EventKind string

const (
	EventKindFiring EventKind = "firing" // Condition held for the rule's duration
	EventKindClear  EventKind = "clear"  // Condition stopped holding
	EventKindStale  EventKind = "stale"  // Sample stream went quiet
)

// Valid reports whether k is a known event kind. Empty is treated as firing.
func (k EventKind) Valid() bool {
	switch k {
	case "", EventKindFiring, EventKindClear, EventKindStale:
		return true
	}
	return false
}

// =============================================================================
// SEVERITY
// =============================================================================

// Severity indicates urgency level.
type Severity string

const (
	SeverityCritical Severity = "critical" // Immediate action required
	SeverityHigh     Severity = "high"     // Customer impact likely
	SeverityWarning  Severity = "warning"  // Attention needed
	SeverityInfo     Severity = "info"     // Informational
)

// Level returns numeric level for comparison (higher = more severe).
func (s Severity) Level() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityWarning:
		return 2
	case SeverityInfo:
		return 1
	default:
		return 0
	}
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	return s.Level() > 0
}

// IsHigh reports whether incidents at this severity require a postmortem.
func (s Severity) IsHigh() bool {
	return s.Level() >= SeverityHigh.Level()
}

// =============================================================================
// ALERT (Mutable aggregate)
// =============================================================================

// Alert is the logical alert for one fingerprint. Exactly one live Alert
// exists per fingerprint at any time.
type Alert struct {
	Fingerprint string            `json:"fingerprint"`
	RuleID      string            `json:"rule_id"`
	SourceID    string            `json:"source_id,omitempty"`
	Severity    Severity          `json:"severity"`
	Labels      map[string]string `json:"labels,omitempty"`
	State       AlertState        `json:"state"`
	Value       float64           `json:"value"`

	FirstSeen       time.Time `json:"first_seen"`
	LastSeen        time.Time `json:"last_seen"`
	OccurrenceCount int       `json:"occurrence_count"`
	GroupedEventIDs []string  `json:"grouped_event_ids"`

	// Escalation
	PolicyID               string `json:"policy_id,omitempty"`
	CurrentEscalationLevel int    `json:"current_escalation_level"`
	Exhausted              bool   `json:"exhausted"`

	// Stale is set when the rule feeding this alert stopped reporting.
	Stale bool `json:"stale"`

	IncidentID   *string `json:"incident_id,omitempty"`
	SuppressedBy string  `json:"suppressed_by,omitempty"`

	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	AcknowledgedBy string     `json:"acknowledged_by,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy     string     `json:"resolved_by,omitempty"`
	ResolveReason  string     `json:"resolve_reason,omitempty"`

	// Version increases on every mutation; persistence drops older writes.
	Version int64 `json:"version"`
}

// Clone returns a deep copy safe to hand outside a critical section.
func (a *Alert) Clone() *Alert {
	if a == nil {
		return nil
	}
	c := *a
	c.Labels = cloneLabels(a.Labels)
	c.GroupedEventIDs = append([]string(nil), a.GroupedEventIDs...)
	if a.IncidentID != nil {
		id := *a.IncidentID
		c.IncidentID = &id
	}
	if a.AcknowledgedAt != nil {
		t := *a.AcknowledgedAt
		c.AcknowledgedAt = &t
	}
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		c.ResolvedAt = &t
	}
	return &c
}

// Live reports whether the alert is still in the live index.
func (a *Alert) Live() bool {
	return a.State != AlertStateResolved
}

// AlertState tracks the alert lifecycle.
type AlertState string

const (
	AlertStateFiring       AlertState = "firing"
	AlertStateAcknowledged AlertState = "acknowledged"
	AlertStateSuppressed   AlertState = "suppressed"
	AlertStateResolved     AlertState = "resolved"
)

// Valid reports whether s is a known alert state.
func (s AlertState) Valid() bool {
	switch s {
	case AlertStateFiring, AlertStateAcknowledged, AlertStateSuppressed, AlertStateResolved:
		return true
	}
	return false
}

// AlertHandle is returned from ingestion.
type AlertHandle struct {
	Fingerprint string     `json:"fingerprint"`
	State       AlertState `json:"state"`
	Created     bool       `json:"created"`
	RunID       string     `json:"run_id,omitempty"`
}

// AlertFilter for listing alerts with filtering.
type AlertFilter struct {
	State      *AlertState       `json:"state,omitempty"`
	Severity   *Severity         `json:"severity,omitempty"`
	Labels     map[string]string `json:"labels,omitempty"` // all must match
	Exhausted  *bool             `json:"exhausted,omitempty"`
	IncidentID *string           `json:"incident_id,omitempty"`
	Limit      int               `json:"limit,omitempty"`
	Offset     int               `json:"offset,omitempty"`
}

// Matches reports whether the alert satisfies every set field of the filter.
// Limit and Offset are applied by the caller.
func (f AlertFilter) Matches(a *Alert) bool {
	if f.State != nil && a.State != *f.State {
		return false
	}
	if f.Severity != nil && a.Severity != *f.Severity {
		return false
	}
	if f.Exhausted != nil && a.Exhausted != *f.Exhausted {
		return false
	}
	if f.IncidentID != nil {
		if a.IncidentID == nil || *a.IncidentID != *f.IncidentID {
			return false
		}
	}
	return labelsContain(a.Labels, f.Labels)
}

// =============================================================================
// TRANSITION FEED
// =============================================================================

// TransitionKind names what happened to an alert.
type TransitionKind string

const (
	TransitionCreated      TransitionKind = "created"
	TransitionUpdated      TransitionKind = "updated"
	TransitionAcknowledged TransitionKind = "acknowledged"
	TransitionSuppressed   TransitionKind = "suppressed"
	TransitionUnsuppressed TransitionKind = "unsuppressed"
	TransitionResolved     TransitionKind = "resolved"
	TransitionEscalated    TransitionKind = "escalated"
	TransitionExhausted    TransitionKind = "exhausted"
	TransitionStale        TransitionKind = "stale"
)

// AlertTransition is published on the alert feed for every state change and
// escalation signal.
type AlertTransition struct {
	Kind        TransitionKind `json:"kind"`
	Fingerprint string         `json:"fingerprint"`
	From        AlertState     `json:"from,omitempty"`
	To          AlertState     `json:"to"`
	Actor       string         `json:"actor"`
	Reason      string         `json:"reason,omitempty"`
	At          time.Time      `json:"at"`
	Alert       *Alert         `json:"alert"`
}

// =============================================================================
// HELPERS
// =============================================================================

func cloneLabels(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func labelsContain(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}
