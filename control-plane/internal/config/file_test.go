package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pilot-net/alertcore/pkg/types"
)

const validConfig = `
rules:
  - id: cpu-high
    expression: node_cpu_utilisation
    op: ">"
    threshold: 90
    for: 2m
    severity: high
  - id: disk-full
    op: ">="
    threshold: 95
policies:
  - id: database
    selector: '{service="db"}'
    levels:
      - targets: [{provider: slack-oncall}]
      - delay: 5m
        targets: [{provider: pager, address: db-primary}]
    ack_timeout: 15m
  - id: default
    levels:
      - targets: [{provider: log}]
maintenance_windows:
  - id: nightly
    scope: '{env="staging"}'
    starts_at: 2026-01-01T00:00:00Z
    recurrence: "0 2 * * *"
    duration: 1h
providers:
  - name: slack-oncall
    type: slack
    webhook_url: secret:slack-oncall-webhook
  - name: pager
    type: pagerduty
    routing_key: env:PAGERDUTY_ROUTING_KEY
dedup:
  window: 5m
  default_group_by: [instance]
escalation:
  fan_out_concurrency: 4
  delivery_timeout: 10s
incidents:
  auto_declare: true
  min_severity: critical
  on_exhausted: true
`

func TestParseValid(t *testing.T) {
	f, err := Parse([]byte(validConfig))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if len(f.Rules) != 2 || len(f.Policies) != 2 || len(f.MaintenanceWindows) != 1 || len(f.Providers) != 2 {
		t.Fatalf("parsed %d rules, %d policies, %d windows, %d providers",
			len(f.Rules), len(f.Policies), len(f.MaintenanceWindows), len(f.Providers))
	}
	if f.Rules[0].For.Std() != 2*time.Minute {
		t.Errorf("rule for = %v, want 2m", f.Rules[0].For)
	}
	if f.Rules[1].Severity != types.SeverityWarning {
		t.Errorf("default severity = %q, want warning", f.Rules[1].Severity)
	}
	if f.Policies[0].Levels[1].Delay.Std() != 5*time.Minute {
		t.Errorf("level delay = %v, want 5m", f.Policies[0].Levels[1].Delay)
	}
	if f.Dedup.Window.Std() != 5*time.Minute {
		t.Errorf("dedup window = %v", f.Dedup.Window)
	}
	if f.Escalation.FanOutConcurrency != 4 || f.Escalation.DeliveryTimeout.Std() != 10*time.Second {
		t.Errorf("escalation = %+v", f.Escalation)
	}
	if !f.Incidents.AutoDeclare || f.Incidents.MinSeverity != types.SeverityCritical {
		t.Errorf("incidents = %+v", f.Incidents)
	}
	if got := f.MaintenanceWindows[0].StartsAt; !got.Equal(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("window starts_at = %v", got)
	}
}

func TestParseEmptyInstallsDefaultPolicy(t *testing.T) {
	f, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(f.Policies) != 1 || f.Policies[0].ID != "default" {
		t.Fatalf("policies = %+v, want the default policy", f.Policies)
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte("rulez: []\n"))
	if err == nil {
		t.Fatal("expected error for unknown key")
	}
}

func TestValidateCollectsErrors(t *testing.T) {
	doc := `
rules:
  - id: a
    op: "~"
  - id: b
    op: ">"
  - id: b
    op: "<"
policies:
  - id: scoped
    selector: '{team="db"}'
    levels:
      - targets: [{provider: nowhere}]
providers:
  - name: hook
    type: carrier-pigeon
dedup:
  window: -1m
incidents:
  min_severity: apocalyptic
`
	_, err := Parse([]byte(doc))
	if err == nil {
		t.Fatal("expected validation errors")
	}
	if !errors.Is(err, types.ErrConfiguration) {
		t.Errorf("error %v should wrap ErrConfiguration", err)
	}

	msg := err.Error()
	for _, want := range []string{
		"rule.a.op",
		"rules.b",
		"providers.hook.type",
		`unknown provider "nowhere"`,
		"catch all",
		"dedup.window",
		"incidents.min_severity",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("error missing %q:\n%s", want, msg)
		}
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alertcore.yaml")
	if err := os.WriteFile(path, []byte(validConfig), 0o600); err != nil {
		t.Fatal(err)
	}
	f, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(f.Rules) != 2 {
		t.Errorf("rules = %d, want 2", len(f.Rules))
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
