package types

import "time"

// NotificationKind says why a notification was sent.
type NotificationKind string

const (
	NotificationTrigger   NotificationKind = "trigger"   // Escalation level reached
	NotificationRepeat    NotificationKind = "repeat"    // Re-notify after exhaustion
	NotificationExhausted NotificationKind = "exhausted" // Policy ran out of levels
)

// Notification is the provider-neutral payload handed to every adapter.
type Notification struct {
	Kind            NotificationKind  `json:"kind"`
	Fingerprint     string            `json:"fingerprint"`
	RuleID          string            `json:"rule_id"`
	PolicyID        string            `json:"policy_id"`
	Level           int               `json:"level"`
	Severity        Severity          `json:"severity"`
	Title           string            `json:"title"`
	Summary         string            `json:"summary"`
	Labels          map[string]string `json:"labels,omitempty"`
	Value           float64           `json:"value"`
	FirstSeen       time.Time         `json:"first_seen"`
	OccurrenceCount int               `json:"occurrence_count"`
	Timestamp       time.Time         `json:"timestamp"`
}
