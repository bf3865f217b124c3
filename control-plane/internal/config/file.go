package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/pilot-net/alertcore/control-plane/internal/provider"
	"github.com/pilot-net/alertcore/pkg/types"
)

// File is the control plane configuration file.
//
//	rules:
//	  - id: cpu-high
//	    op: ">"
//	    threshold: 90
//	    for: 2m
//	    severity: high
//	policies:
//	  - id: default
//	    levels:
//	      - targets: [{provider: slack-oncall}]
//	      - delay: 5m
//	        targets: [{provider: pagerduty}]
//	providers:
//	  - name: slack-oncall
//	    type: slack
//	    webhook_url: secret:slack-oncall-webhook
type File struct {
	Rules              []types.Rule              `yaml:"rules"`
	Policies           []types.EscalationPolicy  `yaml:"policies"`
	MaintenanceWindows []types.MaintenanceWindow `yaml:"maintenance_windows"`
	Providers          []provider.Config         `yaml:"providers"`
	Dedup              DedupSection              `yaml:"dedup"`
	Escalation         EscalationSection         `yaml:"escalation"`
	Incidents          IncidentSection           `yaml:"incidents"`
}

// DedupSection configures fingerprinting and the dedup window.
type DedupSection struct {
	Window         types.Duration      `yaml:"window"`
	GroupBy        map[string][]string `yaml:"group_by"`
	DefaultGroupBy []string            `yaml:"default_group_by"`
}

// EscalationSection configures delivery.
type EscalationSection struct {
	FanOutConcurrency int            `yaml:"fan_out_concurrency"`
	DeliveryTimeout   types.Duration `yaml:"delivery_timeout"`
	// RateLimit is deliveries per second per provider; zero means no limit.
	RateLimit         float64        `yaml:"rate_limit"`
	Burst             int            `yaml:"burst"`
}

// IncidentSection configures automatic incident declaration.
type IncidentSection struct {
	AutoDeclare bool           `yaml:"auto_declare"`
	MinSeverity types.Severity `yaml:"min_severity"`
	OnExhausted bool           `yaml:"on_exhausted"`
}

// DefaultPolicy is installed when the file declares no policies: it sends
// every alert to the log provider once.
func DefaultPolicy() types.EscalationPolicy {
	return types.EscalationPolicy{
		ID:   "default",
		Name: "Log only",
		Levels: []types.EscalationLevel{
			{Targets: []types.NotificationTarget{{Provider: provider.TypeLog}}},
		},
	}
}

// Load reads, parses and validates the file at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a configuration document. Unknown keys are
// rejected so typos do not silently disable settings.
func Parse(data []byte) (*File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if len(f.Policies) == 0 {
		f.Policies = []types.EscalationPolicy{DefaultPolicy()}
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks every entry and returns all problems joined. Rules are
// normalized in place (default severity, stale_after).
func (f *File) Validate() error {
	var errs []error

	ruleIDs := make(map[string]bool, len(f.Rules))
	for i := range f.Rules {
		r := &f.Rules[i]
		if err := r.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if ruleIDs[r.ID] {
			errs = append(errs, &types.ConfigurationError{Field: "rules." + r.ID, Reason: "duplicate rule id"})
		}
		ruleIDs[r.ID] = true
	}

	providers := map[string]bool{provider.TypeLog: true}
	for i := range f.Providers {
		p := &f.Providers[i]
		if err := p.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if providers[p.Name] {
			errs = append(errs, &types.ConfigurationError{Field: "providers." + p.Name, Reason: "duplicate provider name"})
		}
		providers[p.Name] = true
	}

	policyIDs := make(map[string]bool, len(f.Policies))
	catchAll := false
	for i := range f.Policies {
		p := &f.Policies[i]
		if err := p.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if policyIDs[p.ID] {
			errs = append(errs, &types.ConfigurationError{Field: "policies." + p.ID, Reason: "duplicate policy id"})
		}
		policyIDs[p.ID] = true
		if p.CatchAll() {
			catchAll = true
		}
		for li, level := range p.Levels {
			for _, t := range level.Targets {
				if !providers[t.Provider] {
					errs = append(errs, &types.ConfigurationError{
						Field:  fmt.Sprintf("policies.%s.levels[%d]", p.ID, li),
						Reason: fmt.Sprintf("unknown provider %q", t.Provider),
					})
				}
			}
		}
	}
	if !catchAll {
		errs = append(errs, &types.ConfigurationError{Field: "policies", Reason: "one policy must have an empty selector to catch all alerts"})
	}

	windowIDs := make(map[string]bool, len(f.MaintenanceWindows))
	for i := range f.MaintenanceWindows {
		w := &f.MaintenanceWindows[i]
		if err := w.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if windowIDs[w.ID] {
			errs = append(errs, &types.ConfigurationError{Field: "maintenance_windows." + w.ID, Reason: "duplicate window id"})
		}
		windowIDs[w.ID] = true
	}

	if f.Dedup.Window < 0 {
		errs = append(errs, &types.ConfigurationError{Field: "dedup.window", Reason: "must not be negative"})
	}
	if f.Escalation.FanOutConcurrency < 0 {
		errs = append(errs, &types.ConfigurationError{Field: "escalation.fan_out_concurrency", Reason: "must not be negative"})
	}
	if f.Escalation.DeliveryTimeout < 0 {
		errs = append(errs, &types.ConfigurationError{Field: "escalation.delivery_timeout", Reason: "must not be negative"})
	}
	if f.Incidents.MinSeverity != "" && !f.Incidents.MinSeverity.Valid() {
		errs = append(errs, &types.ConfigurationError{Field: "incidents.min_severity", Reason: fmt.Sprintf("unknown severity %q", f.Incidents.MinSeverity)})
	}

	return errors.Join(errs...)
}
