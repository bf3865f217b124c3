package alerting

import (
	"errors"
	"testing"
	"time"

	"github.com/pilot-net/alertcore/control-plane/internal/testutil"
	"github.com/pilot-net/alertcore/pkg/types"
)

func TestSelectorMatches(t *testing.T) {
	tests := []struct {
		name     string
		selector string
		labels   map[string]string
		want     bool
	}{
		{"empty matches all", "", map[string]string{"env": "prod"}, true},
		{"equality", `{env="prod"}`, map[string]string{"env": "prod"}, true},
		{"equality mismatch", `{env="prod"}`, map[string]string{"env": "dev"}, false},
		{"regex", `{service=~"api.*"}`, map[string]string{"service": "api-gateway"}, true},
		{"negative", `{env!="prod"}`, map[string]string{"env": "prod"}, false},
		{"missing label", `{team="db"}`, map[string]string{"env": "prod"}, false},
		{"missing label negative", `{team!="db"}`, map[string]string{"env": "prod"}, true},
		{"all matchers", `{env="prod",service=~"api.*"}`, map[string]string{"env": "prod", "service": "web"}, false},
		{"no braces", `env="prod"`, map[string]string{"env": "prod"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sel, err := ParseSelector(tt.selector)
			if err != nil {
				t.Fatalf("ParseSelector(%q) error = %v", tt.selector, err)
			}
			if got := sel.Matches(tt.labels); got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseSelectorRejectsGarbage(t *testing.T) {
	if _, err := ParseSelector(`{env=~"(unclosed"}`); err == nil {
		t.Error("expected error for invalid regex")
	}
}

func TestFingerprintStable(t *testing.T) {
	labels := map[string]string{"host": "web-1", "env": "prod", "pod": "abc"}
	a := Fingerprint("cpu-high", labels, nil, "")
	b := Fingerprint("cpu-high", map[string]string{"pod": "abc", "env": "prod", "host": "web-1"}, nil, "")
	if a != b {
		t.Error("fingerprint must not depend on map order")
	}
	if a == Fingerprint("disk-full", labels, nil, "") {
		t.Error("rule id must be part of the fingerprint")
	}
	if Fingerprint("cpu-high", labels, []string{"host"}, "") != Fingerprint("cpu-high", map[string]string{"host": "web-1", "pod": "xyz"}, []string{"host"}, "") {
		t.Error("labels outside group_by must not affect the fingerprint")
	}
	if a == Fingerprint("cpu-high", labels, nil, "tenant-a") {
		t.Error("seed must change the fingerprint")
	}
}

func TestAbsorbCapsGroupedEventIDs(t *testing.T) {
	d := NewDeduplicator(DefaultDedupConfig())
	ev := testutil.FixtureEvent()
	live, _, _ := d.Absorb("fp", nil, ev)
	for i := 0; i < MaxGroupedEventIDs+10; i++ {
		live, _, _ = d.Absorb("fp", live, testutil.FixtureEvent())
	}
	if len(live.GroupedEventIDs) != MaxGroupedEventIDs {
		t.Errorf("len(GroupedEventIDs) = %d, want %d", len(live.GroupedEventIDs), MaxGroupedEventIDs)
	}
	if live.OccurrenceCount != MaxGroupedEventIDs+11 {
		t.Errorf("OccurrenceCount = %d, want %d", live.OccurrenceCount, MaxGroupedEventIDs+11)
	}
}

func TestAbsorbEscalatesSeverity(t *testing.T) {
	d := NewDeduplicator(DefaultDedupConfig())
	live, _, _ := d.Absorb("fp", nil, testutil.FixtureEvent())
	next, _, _ := d.Absorb("fp", live, testutil.FixtureEvent(func(e *types.AlertEvent) {
		e.Severity = types.SeverityCritical
	}))
	if next.Severity != types.SeverityCritical {
		t.Errorf("Severity = %s, want critical", next.Severity)
	}
	if live.OccurrenceCount != 1 {
		t.Error("Absorb must not mutate the live alert")
	}
}

func TestMaintenanceWindowBoundaries(t *testing.T) {
	f := NewMaintenanceFilter()
	w := testutil.FixtureWindow()
	if err := f.Upsert(*w); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	alert := testutil.FixtureAlert()

	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"before start", testutil.Epoch.Add(-time.Second), false},
		{"at start", testutil.Epoch, true},
		{"inside", testutil.Epoch.Add(30 * time.Minute), true},
		{"at end", testutil.Epoch.Add(time.Hour), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := f.IsSuppressed(alert, tt.at); got != tt.want {
				t.Errorf("IsSuppressed() = %v, want %v", got, tt.want)
			}
		})
	}

	other := testutil.FixtureAlert(func(a *types.Alert) { a.Labels = map[string]string{"env": "staging"} })
	if f.IsSuppressed(other, testutil.Epoch.Add(time.Minute)) {
		t.Error("window must only cover matching labels")
	}
}

func TestRecurringMaintenanceWindow(t *testing.T) {
	f := NewMaintenanceFilter()
	err := f.Upsert(*testutil.FixtureWindow(func(w *types.MaintenanceWindow) {
		w.Recurrence = "0 2 * * *"
		w.Duration = types.Duration(time.Hour)
		w.EndsAt = time.Time{}
	}))
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"before occurrence", day.Add(time.Hour + 59*time.Minute), false},
		{"at occurrence", day.Add(2 * time.Hour), true},
		{"inside occurrence", day.Add(2*time.Hour + 30*time.Minute), true},
		{"after occurrence", day.Add(3 * time.Hour), false},
		{"before window start", time.Date(2026, 3, 1, 2, 30, 0, 0, time.UTC), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, got := f.ActiveWindow(map[string]string{"env": "prod"}, tt.at)
			if got != tt.want {
				t.Errorf("ActiveWindow() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMaintenanceWindowValidation(t *testing.T) {
	tests := []struct {
		name     string
		override func(*types.MaintenanceWindow)
	}{
		{"empty scope", func(w *types.MaintenanceWindow) { w.Scope = "" }},
		{"bad scope", func(w *types.MaintenanceWindow) { w.Scope = `{env=~"("}` }},
		{"end before start", func(w *types.MaintenanceWindow) { w.EndsAt = w.StartsAt.Add(-time.Minute) }},
		{"bad recurrence", func(w *types.MaintenanceWindow) { w.Recurrence = "every tuesday"; w.Duration = types.Duration(time.Hour) }},
		{"recurrence without duration", func(w *types.MaintenanceWindow) { w.Recurrence = "0 2 * * *" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewMaintenanceFilter()
			err := f.Upsert(*testutil.FixtureWindow(tt.override))
			if !errors.Is(err, types.ErrConfiguration) {
				t.Errorf("Upsert() error = %v, want ErrConfiguration", err)
			}
			if len(f.Windows()) != 0 {
				t.Error("invalid window must not be activated")
			}
		})
	}
}

func TestPruneExpiredWindows(t *testing.T) {
	f := NewMaintenanceFilter()
	expired := testutil.FixtureWindow(func(w *types.MaintenanceWindow) { w.ID = "old" })
	future := testutil.FixtureWindow(func(w *types.MaintenanceWindow) {
		w.ID = "next"
		w.StartsAt = testutil.Epoch.Add(24 * time.Hour)
		w.EndsAt = testutil.Epoch.Add(25 * time.Hour)
	})
	if err := f.SetWindows([]types.MaintenanceWindow{*expired, *future}); err != nil {
		t.Fatalf("SetWindows() error = %v", err)
	}

	removed := f.PruneExpired(testutil.Epoch.Add(2 * time.Hour))
	if len(removed) != 1 || removed[0] != "old" {
		t.Errorf("PruneExpired() = %v, want [old]", removed)
	}
	if _, ok := f.Get("next"); !ok {
		t.Error("future window must be kept")
	}
	if !f.Remove("next") || f.Remove("next") {
		t.Error("Remove() should report existence once")
	}
}

func TestSetWindowsRejectsDuplicates(t *testing.T) {
	f := NewMaintenanceFilter()
	w := testutil.FixtureWindow()
	if err := f.SetWindows([]types.MaintenanceWindow{*w, *w}); !errors.Is(err, types.ErrConflict) {
		t.Errorf("SetWindows() error = %v, want ErrConflict", err)
	}
}

func TestPolicyRouting(t *testing.T) {
	catchAll := *testutil.FixturePolicy()
	db := *testutil.FixturePolicy(func(p *types.EscalationPolicy) {
		p.ID = "db"
		p.Selector = `{team="db"}`
	})
	api := *testutil.FixturePolicy(func(p *types.EscalationPolicy) {
		p.ID = "api"
		p.Selector = `{service=~"api.*"}`
	})
	r, err := NewPolicyRouter([]types.EscalationPolicy{catchAll, db, api})
	if err != nil {
		t.Fatalf("NewPolicyRouter() error = %v", err)
	}

	tests := []struct {
		name   string
		labels map[string]string
		want   string
	}{
		{"specific beats catch-all listed first", map[string]string{"team": "db"}, "db"},
		{"first specific match wins", map[string]string{"team": "db", "service": "api-1"}, "db"},
		{"regex", map[string]string{"service": "api-2"}, "api"},
		{"fallback", map[string]string{"team": "web"}, "default"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.Route(tt.labels); got.ID != tt.want {
				t.Errorf("Route() = %s, want %s", got.ID, tt.want)
			}
		})
	}

	routed := r.Route(map[string]string{"team": "db"})
	routed.Levels = nil
	if again := r.Route(map[string]string{"team": "db"}); len(again.Levels) != 3 {
		t.Error("Route must return a private copy")
	}
}

func TestPolicyRouterRequiresCatchAll(t *testing.T) {
	only := *testutil.FixturePolicy(func(p *types.EscalationPolicy) { p.Selector = `{team="db"}` })
	if _, err := NewPolicyRouter([]types.EscalationPolicy{only}); !errors.Is(err, types.ErrConfiguration) {
		t.Errorf("NewPolicyRouter() error = %v, want ErrConfiguration", err)
	}

	r, err := NewPolicyRouter([]types.EscalationPolicy{*testutil.FixturePolicy()})
	if err != nil {
		t.Fatalf("NewPolicyRouter() error = %v", err)
	}
	if err := r.Upsert(only); !errors.Is(err, types.ErrConfiguration) {
		t.Errorf("Upsert() removing the last catch-all error = %v, want ErrConfiguration", err)
	}
	if err := r.Create(*testutil.FixturePolicy()); !errors.Is(err, types.ErrConflict) {
		t.Errorf("Create(existing) error = %v, want ErrConflict", err)
	}
}

func TestFeedDropsForSlowSubscriber(t *testing.T) {
	f := NewFeed()
	ch, cancel := f.Subscribe(1)
	f.Publish(types.AlertTransition{Kind: types.TransitionCreated})
	f.Publish(types.AlertTransition{Kind: types.TransitionUpdated})

	if got := (<-ch).Kind; got != types.TransitionCreated {
		t.Errorf("got %s, want created", got)
	}
	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Error("expected closed channel after cancel")
	}
	if f.Subscribers() != 0 {
		t.Error("expected subscriber removed")
	}
}

func TestKeyedMutexReleasesEntries(t *testing.T) {
	k := NewKeyedMutex()
	unlockA := k.Lock("a")
	unlockB := k.Lock("b")
	if k.Len() != 2 {
		t.Errorf("Len() = %d, want 2", k.Len())
	}
	unlockA()
	unlockB()
	if k.Len() != 0 {
		t.Errorf("Len() = %d, want 0", k.Len())
	}
}
