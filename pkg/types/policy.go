package types

import (
	"time"

	"github.com/prometheus/alertmanager/pkg/labels"
	"github.com/robfig/cron/v3"
)

// =============================================================================
// ESCALATION POLICY
// =============================================================================

// EscalationPolicy is an ordered list of levels bound to an alert at routing
// time. A bound policy is a snapshot; later edits only affect new alerts.
//
// Example:
//
//	policies:
//	  - id: db-oncall
//	    selector: '{team="db"}'
//	    levels:
//	      - targets: [{provider: slack, address: "#db-alerts"}]
//	      - delay: 5m
//	        targets: [{provider: pagerduty, address: db-primary}]
//	      - delay: 15m
//	        targets: [{provider: pagerduty, address: db-secondary}]
//	  - id: default
//	    levels:
//	      - targets: [{provider: log}]
type EscalationPolicy struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name,omitempty" yaml:"name"`
	// Selector uses label matcher syntax; empty matches every alert.
	Selector string            `json:"selector,omitempty" yaml:"selector"`
	Levels   []EscalationLevel `json:"levels" yaml:"levels"`

	// AckTimeout is how long the last level waits before the run is
	// exhausted. Zero uses the last level's delay.
	AckTimeout Duration `json:"ack_timeout,omitempty" yaml:"ack_timeout"`

	// RepeatInterval re-notifies the last level after exhaustion. Zero
	// disables re-notification.
	RepeatInterval Duration `json:"repeat_interval,omitempty" yaml:"repeat_interval"`

	UpdatedAt time.Time `json:"updated_at,omitempty" yaml:"-"`
}

// EscalationLevel bundles notification targets with the wait before the
// level is notified, measured from the previous level.
type EscalationLevel struct {
	Delay   Duration             `json:"delay" yaml:"delay"`
	Targets []NotificationTarget `json:"targets" yaml:"targets"`
}

// NotificationTarget addresses one destination on a provider.
type NotificationTarget struct {
	Provider string `json:"provider" yaml:"provider"`
	Address  string `json:"address,omitempty" yaml:"address"`
	Name     string `json:"name,omitempty" yaml:"name"`
}

// String renders the target for logs.
func (t NotificationTarget) String() string {
	if t.Address == "" {
		return t.Provider
	}
	return t.Provider + ":" + t.Address
}

// CatchAll reports whether the policy matches every alert.
func (p *EscalationPolicy) CatchAll() bool {
	return p.Selector == "" || p.Selector == "{}"
}

// ExhaustAfter returns the wait after the last level before exhaustion.
func (p *EscalationPolicy) ExhaustAfter() time.Duration {
	if p.AckTimeout > 0 {
		return p.AckTimeout.Std()
	}
	if n := len(p.Levels); n > 1 {
		return p.Levels[n-1].Delay.Std()
	}
	return DefaultAckTimeout
}

// DefaultAckTimeout applies to single-level policies with no AckTimeout.
const DefaultAckTimeout = 5 * time.Minute

// Validate checks the policy against the declared option set: selector
// syntax, ordered levels and positive delays.
func (p *EscalationPolicy) Validate() error {
	if p.ID == "" {
		return configErr("policy.id", "is required")
	}
	if _, err := labels.ParseMatchers(p.Selector); err != nil {
		return configErr("policy."+p.ID+".selector", "%v", err)
	}
	if len(p.Levels) == 0 {
		return configErr("policy."+p.ID+".levels", "at least one level is required")
	}
	for i, level := range p.Levels {
		field := "policy." + p.ID + ".levels"
		if i == 0 && level.Delay < 0 {
			return configErr(field, "level 0 delay must not be negative")
		}
		if i > 0 && level.Delay <= 0 {
			return configErr(field, "level %d delay must be positive", i)
		}
		if len(level.Targets) == 0 {
			return configErr(field, "level %d has no targets", i)
		}
		for _, t := range level.Targets {
			if t.Provider == "" {
				return configErr(field, "level %d has a target without provider", i)
			}
		}
	}
	if p.AckTimeout < 0 {
		return configErr("policy."+p.ID+".ack_timeout", "must not be negative")
	}
	if p.RepeatInterval < 0 {
		return configErr("policy."+p.ID+".repeat_interval", "must not be negative")
	}
	return nil
}

// Clone returns a deep copy, used when binding a policy to a run.
func (p *EscalationPolicy) Clone() *EscalationPolicy {
	c := *p
	c.Levels = make([]EscalationLevel, len(p.Levels))
	for i, l := range p.Levels {
		c.Levels[i] = EscalationLevel{Delay: l.Delay, Targets: append([]NotificationTarget(nil), l.Targets...)}
	}
	return &c
}

// =============================================================================
// ESCALATION RUN
// =============================================================================

// RunState is the escalation state machine position.
type RunState string

const (
	RunStatePending       RunState = "pending"
	RunStateNotifying     RunState = "notifying"
	RunStateWaitingForAck RunState = "waiting_for_ack"
	RunStateExhausted     RunState = "exhausted"
	RunStateCancelled     RunState = "cancelled"
)

// EscalationRun is a snapshot of one alert's escalation.
type EscalationRun struct {
	RunID             string    `json:"run_id"`
	AlertFingerprint  string    `json:"alert_fingerprint"`
	PolicyID          string    `json:"policy_id"`
	State             RunState  `json:"state"`
	CurrentLevelIndex int       `json:"current_level_index"`
	NextEscalationAt  time.Time `json:"next_escalation_at,omitempty"`
	Cancelled         bool      `json:"cancelled"`
	StartedAt         time.Time `json:"started_at"`
}

// =============================================================================
// MAINTENANCE WINDOW
// =============================================================================

// MaintenanceWindow suppresses notification for alerts matching Scope while
// active. A recurring window is active for Duration after each cron
// occurrence that falls inside [StartsAt, EndsAt).
type MaintenanceWindow struct {
	ID         string    `json:"id" yaml:"id"`
	Scope      string    `json:"scope" yaml:"scope"`
	StartsAt   time.Time `json:"starts_at" yaml:"starts_at"`
	EndsAt     time.Time `json:"ends_at" yaml:"ends_at"`
	Recurrence string    `json:"recurrence,omitempty" yaml:"recurrence"`
	Duration   Duration  `json:"duration,omitempty" yaml:"duration"`
	Comment    string    `json:"comment,omitempty" yaml:"comment"`
	CreatedBy  string    `json:"created_by,omitempty" yaml:"created_by"`
}

// Validate checks scope syntax and the time bounds.
func (w *MaintenanceWindow) Validate() error {
	if w.ID == "" {
		return configErr("window.id", "is required")
	}
	field := "window." + w.ID
	matchers, err := labels.ParseMatchers(w.Scope)
	if err != nil {
		return configErr(field+".scope", "%v", err)
	}
	if len(matchers) == 0 {
		return configErr(field+".scope", "at least one matcher is required")
	}
	if w.StartsAt.IsZero() {
		return configErr(field+".starts_at", "is required")
	}
	if w.Recurrence == "" {
		if !w.EndsAt.After(w.StartsAt) {
			return configErr(field+".ends_at", "must be after starts_at")
		}
		return nil
	}
	if _, err := cron.ParseStandard(w.Recurrence); err != nil {
		return configErr(field+".recurrence", "%v", err)
	}
	if w.Duration <= 0 {
		return configErr(field+".duration", "must be positive for recurring windows")
	}
	if !w.EndsAt.IsZero() && !w.EndsAt.After(w.StartsAt) {
		return configErr(field+".ends_at", "must be after starts_at")
	}
	return nil
}

// =============================================================================
// DELIVERY
// =============================================================================

// DeliveryResult is the outcome of one provider call. Failures are values,
// never panics.
type DeliveryResult struct {
	Success           bool          `json:"success"`
	ProviderMessageID string        `json:"provider_message_id,omitempty"`
	Error             string        `json:"error,omitempty"`
	Provider          string        `json:"provider"`
	Target            string        `json:"target"`
	Duration          time.Duration `json:"duration_ns"`
}
