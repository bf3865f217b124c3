package alerting

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pilot-net/alertcore/control-plane/internal/clock"
	"github.com/pilot-net/alertcore/control-plane/internal/escalation"
	"github.com/pilot-net/alertcore/control-plane/internal/testutil"
	"github.com/pilot-net/alertcore/pkg/types"
)

type recordingNotifier struct {
	*testutil.RecordingAdapter
}

func (n recordingNotifier) Deliver(ctx context.Context, target types.NotificationTarget, msg types.Notification) types.DeliveryResult {
	return n.Send(ctx, target, msg)
}

type memoryPersister struct {
	mu    sync.Mutex
	saved map[string]*types.Alert
}

func (p *memoryPersister) SaveAlert(ctx context.Context, a *types.Alert) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if prev, ok := p.saved[a.Fingerprint]; ok && prev.Version > a.Version {
		return nil
	}
	p.saved[a.Fingerprint] = a.Clone()
	return nil
}

type timelineCall struct {
	incidentID string
	actor      string
	payload    map[string]any
}

type recordingTimeline struct {
	mu    sync.Mutex
	calls []timelineCall
}

func (r *recordingTimeline) RecordAlertActivity(ctx context.Context, incidentID, actor string, payload map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, timelineCall{incidentID: incidentID, actor: actor, payload: payload})
	return nil
}

type managerHarness struct {
	clock     *clock.Fake
	adapter   *testutil.RecordingAdapter
	engine    *escalation.Engine
	manager   *Manager
	persister *memoryPersister
}

func newManagerHarness(t *testing.T) *managerHarness {
	t.Helper()
	c := clock.NewFake(testutil.Epoch)
	adapter := testutil.NewRecordingAdapter("recording")
	adapter.Now = c.Now
	logger := testutil.NewTestLogger()

	engine := escalation.NewEngine(escalation.NewScheduler(c), recordingNotifier{adapter}, c, nil, escalation.DefaultConfig(), logger)
	t.Cleanup(engine.Stop)

	router, err := NewPolicyRouter([]types.EscalationPolicy{*testutil.FixturePolicy()})
	if err != nil {
		t.Fatalf("NewPolicyRouter() error = %v", err)
	}
	persister := &memoryPersister{saved: make(map[string]*types.Alert)}
	m, err := NewManager(Deps{
		Router:    router,
		Escalator: engine,
		Clock:     c,
		Persister: persister,
	}, logger)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	engine.SetSink(m)

	return &managerHarness{clock: c, adapter: adapter, engine: engine, manager: m, persister: persister}
}

func (h *managerHarness) ingest(t *testing.T, ev *types.AlertEvent) types.AlertHandle {
	t.Helper()
	handle, err := h.manager.Ingest(context.Background(), ev)
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	return handle
}

func TestIngestDeduplicatesWithinWindow(t *testing.T) {
	h := newManagerHarness(t)

	first := h.ingest(t, testutil.FixtureEvent())
	second := h.ingest(t, testutil.FixtureEvent(func(e *types.AlertEvent) {
		e.Timestamp = testutil.Epoch.Add(time.Second)
		e.Value = 97
	}))

	if !first.Created || second.Created {
		t.Fatalf("expected created then updated, got %+v / %+v", first, second)
	}
	if first.Fingerprint != second.Fingerprint {
		t.Fatalf("expected same fingerprint, got %s and %s", first.Fingerprint, second.Fingerprint)
	}

	alert, err := h.manager.Get(first.Fingerprint)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if alert.OccurrenceCount != 2 {
		t.Errorf("OccurrenceCount = %d, want 2", alert.OccurrenceCount)
	}
	if !alert.LastSeen.Equal(testutil.Epoch.Add(time.Second)) {
		t.Errorf("LastSeen = %v, want second event timestamp", alert.LastSeen)
	}
	if alert.Value != 97 {
		t.Errorf("Value = %g, want 97", alert.Value)
	}
	if len(h.manager.List(types.AlertFilter{})) != 1 {
		t.Error("expected exactly one live alert")
	}

	h.clock.Advance(0)
	if got := len(h.adapter.CallsTo("level-1")); got != 1 {
		t.Errorf("expected one escalation run, got %d level 1 calls", got)
	}
}

func TestIngestDuplicateEventIDIsIgnored(t *testing.T) {
	h := newManagerHarness(t)
	ev := testutil.FixtureEvent()
	h.ingest(t, ev)
	dup := *ev
	h.ingest(t, &dup)

	alert, _ := h.manager.Get(h.manager.Dedup().Fingerprint(ev))
	if alert.OccurrenceCount != 1 {
		t.Errorf("OccurrenceCount = %d, want 1", alert.OccurrenceCount)
	}
}

func TestIngestDifferentLabelsCreateSeparateAlerts(t *testing.T) {
	h := newManagerHarness(t)
	a := h.ingest(t, testutil.FixtureEvent())
	b := h.ingest(t, testutil.FixtureEvent(func(e *types.AlertEvent) {
		e.Labels = map[string]string{"host": "web-2", "env": "prod"}
	}))
	if a.Fingerprint == b.Fingerprint || !b.Created {
		t.Errorf("expected distinct alerts, got %+v and %+v", a, b)
	}
}

func TestIngestAfterDedupWindowStartsNewAlert(t *testing.T) {
	h := newManagerHarness(t)
	first := h.ingest(t, testutil.FixtureEvent())
	second := h.ingest(t, testutil.FixtureEvent(func(e *types.AlertEvent) {
		e.Timestamp = testutil.Epoch.Add(6 * time.Minute)
	}))

	if !second.Created {
		t.Fatal("expected a new alert after the dedup window")
	}
	live, _ := h.manager.Get(first.Fingerprint)
	if live.OccurrenceCount != 1 || !live.FirstSeen.Equal(testutil.Epoch.Add(6*time.Minute)) {
		t.Errorf("expected fresh alert, got %+v", live)
	}

	resolved := types.AlertStateResolved
	history := h.manager.List(types.AlertFilter{State: &resolved})
	if len(history) != 1 || history[0].ResolveReason != "dedup window elapsed" {
		t.Errorf("expected old alert archived by dedup expiry, got %+v", history)
	}
}

func TestIngestRejectsInvalidEvents(t *testing.T) {
	h := newManagerHarness(t)
	tests := []struct {
		name string
		ev   *types.AlertEvent
	}{
		{"missing rule", testutil.FixtureEvent(func(e *types.AlertEvent) { e.RuleID = "" })},
		{"unknown kind", testutil.FixtureEvent(func(e *types.AlertEvent) { e.Kind = "exploded" })},
		{"unknown severity", testutil.FixtureEvent(func(e *types.AlertEvent) { e.Severity = "apocalyptic" })},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.manager.Ingest(context.Background(), tt.ev)
			if !errors.Is(err, ErrInvalidEvent) {
				t.Errorf("Ingest() error = %v, want ErrInvalidEvent", err)
			}
		})
	}
}

func TestAcknowledgeStopsEscalation(t *testing.T) {
	h := newManagerHarness(t)
	handle := h.ingest(t, testutil.FixtureEvent())
	h.clock.Advance(0)

	if err := h.manager.Acknowledge(context.Background(), handle.Fingerprint, "alice"); err != nil {
		t.Fatalf("Acknowledge() error = %v", err)
	}
	if err := h.manager.Acknowledge(context.Background(), handle.Fingerprint, "alice"); err != nil {
		t.Fatalf("second Acknowledge() error = %v", err)
	}
	h.clock.Advance(time.Hour)

	if got := len(h.adapter.Calls()); got != 1 {
		t.Errorf("expected only level 1 delivered, got %d calls", got)
	}
	alert, _ := h.manager.Get(handle.Fingerprint)
	if alert.State != types.AlertStateAcknowledged || alert.AcknowledgedBy != "alice" {
		t.Errorf("unexpected alert after ack: %+v", alert)
	}
}

func TestAcknowledgeResolvedAlertIsNotFound(t *testing.T) {
	h := newManagerHarness(t)
	handle := h.ingest(t, testutil.FixtureEvent())
	if err := h.manager.Resolve(context.Background(), handle.Fingerprint, "alice", "fixed"); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	err := h.manager.Acknowledge(context.Background(), handle.Fingerprint, "bob")
	var nf *types.NotFoundError
	if !errors.As(err, &nf) || !errors.Is(err, types.ErrNotFound) {
		t.Errorf("Acknowledge() error = %v, want NotFoundError", err)
	}
}

func TestResolveIsIdempotent(t *testing.T) {
	h := newManagerHarness(t)
	handle := h.ingest(t, testutil.FixtureEvent())
	ctx := context.Background()

	if err := h.manager.Resolve(ctx, handle.Fingerprint, "alice", "fixed"); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if err := h.manager.Resolve(ctx, handle.Fingerprint, "alice", "fixed"); err != nil {
		t.Errorf("second Resolve() error = %v", err)
	}
	if err := h.manager.Resolve(ctx, "never-seen", "alice", ""); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("Resolve(unknown) error = %v, want ErrNotFound", err)
	}

	h.clock.Advance(time.Hour)
	if got := len(h.adapter.Calls()); got != 0 {
		t.Errorf("expected no notifications for an alert resolved before its first level, got %d", got)
	}
}

func TestResolveThenNewEventCreatesNewAlert(t *testing.T) {
	h := newManagerHarness(t)
	ctx := context.Background()
	first := h.ingest(t, testutil.FixtureEvent())
	_ = h.manager.Resolve(ctx, first.Fingerprint, "alice", "fixed")

	second := h.ingest(t, testutil.FixtureEvent(func(e *types.AlertEvent) {
		e.Timestamp = testutil.Epoch.Add(time.Minute)
	}))
	if !second.Created || second.Fingerprint != first.Fingerprint {
		t.Fatalf("expected a new alert with the same fingerprint, got %+v", second)
	}
	alert, _ := h.manager.Get(second.Fingerprint)
	if alert.State != types.AlertStateFiring || alert.OccurrenceCount != 1 {
		t.Errorf("unexpected new alert: %+v", alert)
	}
}

func TestClearEventResolves(t *testing.T) {
	h := newManagerHarness(t)
	handle := h.ingest(t, testutil.FixtureEvent())
	cleared := h.ingest(t, testutil.FixtureEvent(func(e *types.AlertEvent) { e.Kind = types.EventKindClear }))

	if cleared.State != types.AlertStateResolved {
		t.Errorf("expected resolved handle, got %s", cleared.State)
	}
	alert, _ := h.manager.Get(handle.Fingerprint)
	if alert.State != types.AlertStateResolved || alert.ResolvedBy != types.ActorRule {
		t.Errorf("unexpected alert after clear: %+v", alert)
	}
}

func TestStaleEventFlagsAlert(t *testing.T) {
	h := newManagerHarness(t)
	handle := h.ingest(t, testutil.FixtureEvent())
	h.ingest(t, testutil.FixtureEvent(func(e *types.AlertEvent) { e.Kind = types.EventKindStale }))

	alert, _ := h.manager.Get(handle.Fingerprint)
	if !alert.Stale || alert.State != types.AlertStateFiring {
		t.Errorf("expected firing stale alert, got %+v", alert)
	}

	h.ingest(t, testutil.FixtureEvent(func(e *types.AlertEvent) { e.Timestamp = testutil.Epoch.Add(time.Second) }))
	alert, _ = h.manager.Get(handle.Fingerprint)
	if alert.Stale {
		t.Error("a fresh firing event should clear the stale flag")
	}
}

func TestMaintenanceWindowSuppressesAndReleases(t *testing.T) {
	h := newManagerHarness(t)
	if err := h.manager.Filter().Upsert(*testutil.FixtureWindow()); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	handle := h.ingest(t, testutil.FixtureEvent())
	if handle.State != types.AlertStateSuppressed {
		t.Fatalf("expected suppressed alert, got %s", handle.State)
	}
	h.clock.Advance(30 * time.Minute)
	if got := len(h.adapter.Calls()); got != 0 {
		t.Fatalf("expected zero provider calls while suppressed, got %d", got)
	}

	h.clock.Advance(30 * time.Minute)
	released, suppressed := h.manager.Reevaluate(context.Background(), h.clock.Now())
	if released != 1 || suppressed != 0 {
		t.Fatalf("Reevaluate() = (%d, %d), want (1, 0)", released, suppressed)
	}
	alert, _ := h.manager.Get(handle.Fingerprint)
	if alert.State != types.AlertStateFiring || alert.SuppressedBy != "" {
		t.Errorf("expected firing alert after window, got %+v", alert)
	}

	h.clock.Advance(0)
	if got := len(h.adapter.CallsTo("level-1")); got != 1 {
		t.Errorf("expected fresh escalation from level 1, got %d calls", got)
	}
}

func TestReevaluateSuppressesNewlyCoveredAlerts(t *testing.T) {
	h := newManagerHarness(t)
	handle := h.ingest(t, testutil.FixtureEvent())
	h.clock.Advance(0)

	if err := h.manager.Filter().Upsert(*testutil.FixtureWindow(func(w *types.MaintenanceWindow) {
		w.StartsAt = testutil.Epoch.Add(time.Minute)
		w.EndsAt = testutil.Epoch.Add(time.Hour)
	})); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	h.clock.Advance(time.Minute)
	if _, suppressed := h.manager.Reevaluate(context.Background(), h.clock.Now()); suppressed != 1 {
		t.Fatalf("expected one alert suppressed, got %d", suppressed)
	}

	h.clock.Advance(30 * time.Minute)
	if got := len(h.adapter.CallsTo("level-2")); got != 0 {
		t.Errorf("expected escalation cancelled by maintenance, got %d level 2 calls", got)
	}
	alert, _ := h.manager.Get(handle.Fingerprint)
	if alert.State != types.AlertStateSuppressed {
		t.Errorf("State = %s, want suppressed", alert.State)
	}
}

func TestPolicyExhaustedFlagsAlert(t *testing.T) {
	h := newManagerHarness(t)
	handle := h.ingest(t, testutil.FixtureEvent())
	h.clock.Advance(0)
	h.clock.Advance(35 * time.Minute)

	alert, _ := h.manager.Get(handle.Fingerprint)
	if !alert.Exhausted || alert.State != types.AlertStateFiring {
		t.Errorf("expected firing exhausted alert, got %+v", alert)
	}
	if alert.CurrentEscalationLevel != 2 {
		t.Errorf("CurrentEscalationLevel = %d, want 2", alert.CurrentEscalationLevel)
	}
	exhausted := true
	if got := h.manager.List(types.AlertFilter{Exhausted: &exhausted}); len(got) != 1 {
		t.Errorf("expected exhausted alert listed, got %d", len(got))
	}
}

func TestReplacedRunCallbacksIgnored(t *testing.T) {
	h := newManagerHarness(t)
	ctx := context.Background()
	handle := h.ingest(t, testutil.FixtureEvent())
	staleRun := handle.RunID
	h.clock.Advance(0)

	if err := h.manager.Filter().Upsert(*testutil.FixtureWindow(func(w *types.MaintenanceWindow) {
		w.StartsAt = testutil.Epoch.Add(time.Minute)
		w.EndsAt = testutil.Epoch.Add(2 * time.Minute)
	})); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	h.clock.Advance(time.Minute)
	if _, suppressed := h.manager.Reevaluate(ctx, h.clock.Now()); suppressed != 1 {
		t.Fatalf("expected alert suppressed, got %d", suppressed)
	}
	h.clock.Advance(time.Minute)
	if released, _ := h.manager.Reevaluate(ctx, h.clock.Now()); released != 1 {
		t.Fatalf("expected alert released, got %d", released)
	}

	ch, cancel := h.manager.Feed().Subscribe(4)
	defer cancel()

	// A fan-out from the cancelled run finishing late.
	h.manager.LevelNotified(handle.Fingerprint, staleRun, 2, nil)
	h.manager.PolicyExhausted(handle.Fingerprint, staleRun, "default")

	alert, _ := h.manager.Get(handle.Fingerprint)
	if alert.CurrentEscalationLevel != 0 || alert.Exhausted {
		t.Errorf("stale run changed the alert: level=%d exhausted=%v", alert.CurrentEscalationLevel, alert.Exhausted)
	}
	select {
	case tr := <-ch:
		t.Errorf("unexpected %s transition from a replaced run", tr.Kind)
	default:
	}

	run, ok := h.engine.Run(handle.Fingerprint)
	if !ok || run.RunID == staleRun {
		t.Fatalf("expected a fresh run after release, got %+v", run)
	}
	h.manager.LevelNotified(handle.Fingerprint, run.RunID, 1, nil)
	alert, _ = h.manager.Get(handle.Fingerprint)
	if alert.CurrentEscalationLevel != 1 {
		t.Errorf("current run report ignored: level = %d", alert.CurrentEscalationLevel)
	}
}

func TestLinkIncidentConflicts(t *testing.T) {
	h := newManagerHarness(t)
	ctx := context.Background()
	handle := h.ingest(t, testutil.FixtureEvent())

	if err := h.manager.LinkIncident(ctx, handle.Fingerprint, "inc-1"); err != nil {
		t.Fatalf("LinkIncident() error = %v", err)
	}
	if err := h.manager.LinkIncident(ctx, handle.Fingerprint, "inc-1"); err != nil {
		t.Errorf("relinking to the same incident should be a no-op, got %v", err)
	}
	if err := h.manager.LinkIncident(ctx, handle.Fingerprint, "inc-2"); !errors.Is(err, types.ErrConflict) {
		t.Errorf("LinkIncident(other) error = %v, want ErrConflict", err)
	}
	if err := h.manager.LinkIncident(ctx, "missing", "inc-1"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("LinkIncident(missing) error = %v, want ErrNotFound", err)
	}

	if err := h.manager.UnlinkIncident(ctx, handle.Fingerprint, "inc-1"); err != nil {
		t.Fatalf("UnlinkIncident() error = %v", err)
	}
	if err := h.manager.LinkIncident(ctx, handle.Fingerprint, "inc-2"); err != nil {
		t.Errorf("LinkIncident after unlink error = %v", err)
	}
}

func TestLinkedAlertActivityReachesTimeline(t *testing.T) {
	h := newManagerHarness(t)
	timeline := &recordingTimeline{}
	h.manager.SetTimelineRecorder(timeline)
	ctx := context.Background()

	handle := h.ingest(t, testutil.FixtureEvent())
	_ = h.manager.LinkIncident(ctx, handle.Fingerprint, "inc-1")
	h.clock.Advance(0)
	_ = h.manager.Acknowledge(ctx, handle.Fingerprint, "alice")

	timeline.mu.Lock()
	defer timeline.mu.Unlock()
	if len(timeline.calls) != 2 {
		t.Fatalf("expected escalated and acknowledged entries, got %d", len(timeline.calls))
	}
	if timeline.calls[0].payload["event"] != "escalated" || timeline.calls[1].actor != "alice" {
		t.Errorf("unexpected timeline calls: %+v", timeline.calls)
	}
	for _, c := range timeline.calls {
		if c.incidentID != "inc-1" {
			t.Errorf("timeline entry for %s, want inc-1", c.incidentID)
		}
	}
}

func TestFeedPublishesTransitionsInOrder(t *testing.T) {
	h := newManagerHarness(t)
	ch, cancel := h.manager.Feed().Subscribe(16)
	defer cancel()

	handle := h.ingest(t, testutil.FixtureEvent())
	_ = h.manager.Acknowledge(context.Background(), handle.Fingerprint, "alice")
	_ = h.manager.Resolve(context.Background(), handle.Fingerprint, "alice", "fixed")

	want := []types.TransitionKind{types.TransitionCreated, types.TransitionAcknowledged, types.TransitionResolved}
	for _, kind := range want {
		select {
		case tr := <-ch:
			if tr.Kind != kind {
				t.Fatalf("got %s, want %s", tr.Kind, kind)
			}
		default:
			t.Fatalf("missing %s transition", kind)
		}
	}
}

func TestPersisterReceivesLatestVersion(t *testing.T) {
	h := newManagerHarness(t)
	handle := h.ingest(t, testutil.FixtureEvent())
	_ = h.manager.Acknowledge(context.Background(), handle.Fingerprint, "alice")

	h.persister.mu.Lock()
	defer h.persister.mu.Unlock()
	saved := h.persister.saved[handle.Fingerprint]
	if saved == nil || saved.State != types.AlertStateAcknowledged || saved.Version < 2 {
		t.Errorf("unexpected persisted alert: %+v", saved)
	}
}

func TestRestoreResumesEscalation(t *testing.T) {
	h := newManagerHarness(t)
	alert := testutil.FixtureAlert(func(a *types.Alert) { a.CurrentEscalationLevel = 0 })
	runs := map[string]types.EscalationRun{
		alert.Fingerprint: {
			AlertFingerprint:  alert.Fingerprint,
			State:             types.RunStateWaitingForAck,
			CurrentLevelIndex: 0,
			NextEscalationAt:  testutil.Epoch.Add(2 * time.Minute),
		},
	}

	if resumed := h.manager.Restore([]*types.Alert{alert}, runs); resumed != 1 {
		t.Fatalf("Restore() = %d, want 1", resumed)
	}
	h.clock.Advance(time.Minute)
	if len(h.adapter.Calls()) != 0 {
		t.Fatal("resumed run fired early")
	}
	h.clock.Advance(time.Minute)
	if got := len(h.adapter.CallsTo("level-2")); got != 1 {
		t.Errorf("expected level 2 at the persisted time, got %d calls", got)
	}
	if got := len(h.adapter.CallsTo("level-1")); got != 0 {
		t.Errorf("level 1 must not be repeated after restore, got %d", got)
	}
}

func TestConcurrentIngestSameFingerprint(t *testing.T) {
	h := newManagerHarness(t)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = h.manager.Ingest(context.Background(), testutil.FixtureEvent(func(e *types.AlertEvent) {
				e.Timestamp = testutil.Epoch.Add(time.Duration(i) * time.Millisecond)
			}))
		}(i)
	}
	wg.Wait()

	alerts := h.manager.List(types.AlertFilter{})
	if len(alerts) != 1 || alerts[0].OccurrenceCount != 50 {
		t.Fatalf("expected one alert with 50 occurrences, got %+v", alerts)
	}
	h.clock.Advance(0)
	if got := len(h.adapter.CallsTo("level-1")); got != 1 {
		t.Errorf("expected exactly one escalation run, got %d", got)
	}
}
