package types

import "time"

// =============================================================================
// RULES AND SAMPLES
// =============================================================================

// Sample is one observation from the external time-series source.
type Sample struct {
	RuleID    string            `json:"rule_id"`
	Timestamp time.Time         `json:"timestamp"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels,omitempty"`
}

// SampleBatch is the payload agents push to the control plane.
type SampleBatch struct {
	SourceID string    `json:"source_id"`
	Samples  []Sample  `json:"samples"`
	SentAt   time.Time `json:"sent_at"`
}

// Rule is a threshold condition evaluated over samples.
//
//	rules:
//	  - id: cpu-high
//	    expression: node_cpu_utilisation
//	    op: ">"
//	    threshold: 90
//	    for: 2m
//	    severity: high
//	    group_by: [instance]
type Rule struct {
	ID         string            `json:"id" yaml:"id"`
	Expression string            `json:"expression" yaml:"expression"`
	Op         ComparisonOp      `json:"op" yaml:"op"`
	Threshold  float64           `json:"threshold" yaml:"threshold"`
	For        Duration          `json:"for" yaml:"for"`
	Severity   Severity          `json:"severity" yaml:"severity"`
	Labels     map[string]string `json:"labels,omitempty" yaml:"labels"`
	GroupBy    []string          `json:"group_by,omitempty" yaml:"group_by"`
	StaleAfter Duration          `json:"stale_after,omitempty" yaml:"stale_after"`
}

// DefaultStaleAfter is the sample gap after which a rule goes unknown.
const DefaultStaleAfter = time.Minute

// ComparisonOp compares a sample value with a rule threshold.
type ComparisonOp string

const (
	OpGreater      ComparisonOp = ">"
	OpGreaterEqual ComparisonOp = ">="
	OpLess         ComparisonOp = "<"
	OpLessEqual    ComparisonOp = "<="
	OpEqual        ComparisonOp = "=="
	OpNotEqual     ComparisonOp = "!="
)

// Compare applies the operator. Unknown operators never match.
func (op ComparisonOp) Compare(value, threshold float64) bool {
	switch op {
	case OpGreater:
		return value > threshold
	case OpGreaterEqual:
		return value >= threshold
	case OpLess:
		return value < threshold
	case OpLessEqual:
		return value <= threshold
	case OpEqual:
		return value == threshold
	case OpNotEqual:
		return value != threshold
	default:
		return false
	}
}

// Validate checks the rule and fills in defaults.
func (r *Rule) Validate() error {
	if r.ID == "" {
		return configErr("rule.id", "is required")
	}
	switch r.Op {
	case OpGreater, OpGreaterEqual, OpLess, OpLessEqual, OpEqual, OpNotEqual:
	default:
		return configErr("rule."+r.ID+".op", "unknown comparison operator %q", r.Op)
	}
	if r.For < 0 {
		return configErr("rule."+r.ID+".for", "must not be negative")
	}
	if r.Severity == "" {
		r.Severity = SeverityWarning
	}
	if !r.Severity.Valid() {
		return configErr("rule."+r.ID+".severity", "unknown severity %q", r.Severity)
	}
	if r.StaleAfter < 0 {
		return configErr("rule."+r.ID+".stale_after", "must not be negative")
	}
	if r.StaleAfter == 0 {
		r.StaleAfter = Duration(DefaultStaleAfter)
	}
	return nil
}
