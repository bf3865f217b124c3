package state

import (
	"testing"
	"time"

	"github.com/pilot-net/alertcore/control-plane/internal/testutil"
	"github.com/pilot-net/alertcore/pkg/types"
)

func TestAlertIndexCopyOnWrite(t *testing.T) {
	x := NewAlertIndex(0)
	a := testutil.FixtureAlert(func(a *types.Alert) { a.Fingerprint = "fp-1" })
	x.Put(a)

	got, ok := x.Get("fp-1")
	if !ok {
		t.Fatal("expected live alert")
	}
	got.Labels["host"] = "mutated"
	got.OccurrenceCount = 99

	again, _ := x.Get("fp-1")
	if again.Labels["host"] != "web-1" || again.OccurrenceCount != 1 {
		t.Error("mutating a returned clone changed the index")
	}
}

func TestAlertIndexArchive(t *testing.T) {
	x := NewAlertIndex(2)
	for i, fp := range []string{"a", "b", "c"} {
		a := testutil.FixtureAlert(func(a *types.Alert) {
			a.Fingerprint = fp
			a.LastSeen = testutil.Epoch.Add(time.Duration(i) * time.Minute)
		})
		x.Put(a)
		resolved := a.Clone()
		resolved.State = types.AlertStateResolved
		x.Archive(resolved)
	}

	if x.Len() != 0 {
		t.Errorf("expected no live alerts, got %d", x.Len())
	}
	if _, ok := x.Archived("a"); ok {
		t.Error("expected oldest archived alert to be evicted")
	}
	hist := x.History(types.AlertFilter{})
	if len(hist) != 2 || hist[0].Fingerprint != "c" {
		t.Errorf("expected [c b], got %d entries", len(hist))
	}
}

func TestAlertIndexLiveFilter(t *testing.T) {
	x := NewAlertIndex(0)
	x.Put(testutil.FixtureAlert(func(a *types.Alert) { a.Fingerprint = "1"; a.Severity = types.SeverityCritical }))
	x.Put(testutil.FixtureAlert(func(a *types.Alert) { a.Fingerprint = "2"; a.Labels = map[string]string{"env": "dev"} }))
	x.Put(testutil.FixtureAlert(func(a *types.Alert) { a.Fingerprint = "3"; a.State = types.AlertStateAcknowledged }))

	tests := []struct {
		name   string
		filter types.AlertFilter
		want   int
	}{
		{"all", types.AlertFilter{}, 3},
		{"severity", types.AlertFilter{Severity: testutil.Ptr(types.SeverityCritical)}, 1},
		{"state", types.AlertFilter{State: testutil.Ptr(types.AlertStateFiring)}, 2},
		{"label", types.AlertFilter{Labels: map[string]string{"env": "prod"}}, 2},
		{"limit", types.AlertFilter{Limit: 1}, 1},
		{"offset past end", types.AlertFilter{Offset: 5}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := len(x.Live(tt.filter)); got != tt.want {
				t.Errorf("expected %d alerts, got %d", tt.want, got)
			}
		})
	}
}

func TestIncidentStoreOpenLinks(t *testing.T) {
	s := NewIncidentStore()
	inc := testutil.FixtureIncident(func(i *types.Incident) {
		i.LinkedAlertFingerprints = []string{"fp-1"}
	})
	s.Put(inc)

	if id, ok := s.OpenIncidentFor("fp-1"); !ok || id != inc.ID {
		t.Fatalf("expected fp-1 linked to %s, got %q", inc.ID, id)
	}

	resolved := inc.Clone()
	resolved.State = types.IncidentStateResolved
	s.Put(resolved)

	if _, ok := s.OpenIncidentFor("fp-1"); ok {
		t.Error("resolved incident must not hold open links")
	}
	if s.OpenCount() != 0 {
		t.Errorf("expected 0 open incidents, got %d", s.OpenCount())
	}
	if len(s.List(types.IncidentFilter{})) != 1 {
		t.Error("resolved incidents are retained")
	}
}
