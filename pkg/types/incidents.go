package types

import "time"

// =============================================================================
// INCIDENT
// =============================================================================

// Incident tracks customer impact across one or more alerts. Incidents are
// never deleted; Resolved is terminal.
type Incident struct {
	ID       string        `json:"id"`
	Title    string        `json:"title"`
	Severity Severity      `json:"severity"`
	State    IncidentState `json:"state"`

	LinkedAlertFingerprints []string `json:"linked_alert_fingerprints"`

	DeclaredAt time.Time  `json:"declared_at"`
	DeclaredBy string     `json:"declared_by"`
	UpdatedAt  time.Time  `json:"updated_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy string     `json:"resolved_by,omitempty"`
	Summary    string     `json:"summary,omitempty"`

	PostmortemRequired bool        `json:"postmortem_required"`
	Postmortem         *Postmortem `json:"postmortem,omitempty"`

	Timeline []TimelineEntry `json:"timeline,omitempty"`
}

// Clone returns a deep copy of the incident including its timeline.
func (i *Incident) Clone() *Incident {
	if i == nil {
		return nil
	}
	c := *i
	c.LinkedAlertFingerprints = append([]string(nil), i.LinkedAlertFingerprints...)
	c.Timeline = append([]TimelineEntry(nil), i.Timeline...)
	if i.ResolvedAt != nil {
		t := *i.ResolvedAt
		c.ResolvedAt = &t
	}
	if i.Postmortem != nil {
		p := *i.Postmortem
		c.Postmortem = &p
	}
	return &c
}

// Open reports whether the incident has not reached its terminal state.
func (i *Incident) Open() bool {
	return i.State != IncidentStateResolved
}

// HasAlert reports whether fingerprint is linked to the incident.
func (i *Incident) HasAlert(fingerprint string) bool {
	for _, fp := range i.LinkedAlertFingerprints {
		if fp == fingerprint {
			return true
		}
	}
	return false
}

// IncidentState is a step in the incident lifecycle.
type IncidentState string

const (
	IncidentStateDeclared      IncidentState = "declared"
	IncidentStateInvestigating IncidentState = "investigating"
	IncidentStateIdentified    IncidentState = "identified"
	IncidentStateMonitoring    IncidentState = "monitoring"
	IncidentStateResolved      IncidentState = "resolved"
)

// Valid reports whether s is a known incident state.
func (s IncidentState) Valid() bool {
	switch s {
	case IncidentStateDeclared, IncidentStateInvestigating, IncidentStateIdentified,
		IncidentStateMonitoring, IncidentStateResolved:
		return true
	}
	return false
}

// Postmortem is assembled when an incident resolves.
type Postmortem struct {
	Required        bool          `json:"required"`
	Summary         string        `json:"summary"`
	Duration        time.Duration `json:"duration_ns"`
	AlertCount      int           `json:"alert_count"`
	TimelineEntries int           `json:"timeline_entries"`
}

// IncidentFilter for listing incidents.
type IncidentFilter struct {
	State    *IncidentState `json:"state,omitempty"`
	Severity *Severity      `json:"severity,omitempty"`
	// Open restricts to non-resolved incidents when true.
	Open   *bool             `json:"open,omitempty"`
	Labels map[string]string `json:"labels,omitempty"` // matched against linked alerts
	Limit  int               `json:"limit,omitempty"`
	Offset int               `json:"offset,omitempty"`
}

// =============================================================================
// TIMELINE
// =============================================================================

// TimelineEntry is an immutable record appended to an incident's timeline.
// Entries are totally ordered by (Timestamp, Seq).
type TimelineEntry struct {
	Seq       uint64         `json:"seq"`
	Timestamp time.Time      `json:"timestamp"`
	Actor     string         `json:"actor"`
	Kind      TimelineKind   `json:"kind"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// TimelineKind categorizes timeline entries.
type TimelineKind string

const (
	TimelineStateChange  TimelineKind = "state_change"
	TimelineNote         TimelineKind = "note"
	TimelineAlertLinked  TimelineKind = "alert_linked"
	TimelineNotification TimelineKind = "notification"
)
