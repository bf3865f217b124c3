package escalation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pilot-net/alertcore/control-plane/internal/clock"
	"github.com/pilot-net/alertcore/control-plane/internal/testutil"
	"github.com/pilot-net/alertcore/pkg/types"
)

type recordingNotifier struct {
	*testutil.RecordingAdapter
}

func (n recordingNotifier) Deliver(ctx context.Context, target types.NotificationTarget, msg types.Notification) types.DeliveryResult {
	return n.Send(ctx, target, msg)
}

type fakeSink struct {
	mu        sync.Mutex
	alerts    map[string]*types.Alert
	levels    []int
	runIDs    []string
	exhausted []string
	onNotify  func(level int)
}

func newFakeSink(alerts ...*types.Alert) *fakeSink {
	s := &fakeSink{alerts: make(map[string]*types.Alert)}
	for _, a := range alerts {
		s.alerts[a.Fingerprint] = a
	}
	return s
}

func (s *fakeSink) Current(fp string) (*types.Alert, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[fp]
	if !ok {
		return nil, false
	}
	return a.Clone(), true
}

func (s *fakeSink) LevelNotified(fp, runID string, level int, results []types.DeliveryResult) {
	s.mu.Lock()
	s.levels = append(s.levels, level)
	s.runIDs = append(s.runIDs, runID)
	hook := s.onNotify
	s.mu.Unlock()
	if hook != nil {
		hook(level)
	}
}

func (s *fakeSink) PolicyExhausted(fp, runID, policyID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exhausted = append(s.exhausted, fp)
}

func (s *fakeSink) setState(fp string, st types.AlertState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts[fp].State = st
}

type harness struct {
	clock    *clock.Fake
	adapter  *testutil.RecordingAdapter
	sink     *fakeSink
	engine   *Engine
	alert    *types.Alert
	policy   *types.EscalationPolicy
	runStore *memoryRunStore
}

type memoryRunStore struct {
	mu   sync.Mutex
	runs map[string]types.EscalationRun
}

func (m *memoryRunStore) SaveRun(ctx context.Context, run types.EscalationRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.AlertFingerprint] = run
	return nil
}

func (m *memoryRunStore) DeleteRun(ctx context.Context, fp string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.runs, fp)
	return nil
}

func newHarness(t *testing.T, policyOverrides ...func(*types.EscalationPolicy)) *harness {
	t.Helper()
	c := clock.NewFake(testutil.Epoch)
	adapter := testutil.NewRecordingAdapter("recording")
	adapter.Now = c.Now
	alert := testutil.FixtureAlert()
	sink := newFakeSink(alert)
	store := &memoryRunStore{runs: make(map[string]types.EscalationRun)}
	engine := NewEngine(NewScheduler(c), recordingNotifier{adapter}, c, store, DefaultConfig(), testutil.NewTestLogger())
	engine.SetSink(sink)
	t.Cleanup(engine.Stop)
	return &harness{
		clock:    c,
		adapter:  adapter,
		sink:     sink,
		engine:   engine,
		alert:    alert,
		policy:   testutil.FixturePolicy(policyOverrides...),
		runStore: store,
	}
}

func TestThreeLevelEscalationTimeline(t *testing.T) {
	h := newHarness(t)
	h.engine.Start(h.alert, h.policy)

	h.clock.Advance(0)
	if got := len(h.adapter.CallsTo("level-1")); got != 1 {
		t.Fatalf("expected level 1 notified immediately, got %d calls", got)
	}

	h.clock.Advance(5*time.Minute - time.Second)
	if got := len(h.adapter.CallsTo("level-2")); got != 0 {
		t.Fatalf("level 2 notified before its delay elapsed")
	}

	h.clock.Advance(time.Second)
	l2 := h.adapter.CallsTo("level-2")
	if len(l2) != 1 || !l2[0].At.Equal(testutil.Epoch.Add(5*time.Minute)) {
		t.Fatalf("expected level 2 at t=5m, got %+v", l2)
	}

	h.clock.Advance(15 * time.Minute)
	l3 := h.adapter.CallsTo("level-3")
	if len(l3) != 1 || !l3[0].At.Equal(testutil.Epoch.Add(20*time.Minute)) {
		t.Fatalf("expected level 3 at t=20m, got %+v", l3)
	}

	calls := len(h.adapter.Calls())
	h.clock.Advance(4 * time.Hour)
	if got := len(h.adapter.Calls()); got != calls {
		t.Errorf("expected no notifications after t=20m, got %d more", got-calls)
	}
	if len(h.sink.exhausted) != 1 {
		t.Fatalf("expected one PolicyExhausted signal, got %d", len(h.sink.exhausted))
	}
	run, ok := h.engine.Run(h.alert.Fingerprint)
	if !ok || run.State != types.RunStateExhausted {
		t.Errorf("expected exhausted run, got %+v", run)
	}
	if h.engine.Active() != 0 {
		t.Errorf("expected no pending timers, got %d", h.engine.Active())
	}
	if got := h.sink.levels; len(got) != 3 || got[0] != 0 || got[2] != 2 {
		t.Errorf("expected levels [0 1 2] reported, got %v", got)
	}
}

func TestCancelStopsFurtherLevels(t *testing.T) {
	h := newHarness(t)
	h.engine.Start(h.alert, h.policy)
	h.clock.Advance(0)

	if !h.engine.Cancel(h.alert.Fingerprint) {
		t.Fatal("expected first cancel to report true")
	}
	if h.engine.Cancel(h.alert.Fingerprint) {
		t.Error("expected second cancel to be a no-op")
	}

	h.clock.Advance(time.Hour)
	if got := len(h.adapter.Calls()); got != 1 {
		t.Errorf("expected only the level 1 call, got %d", got)
	}
	if len(h.sink.exhausted) != 0 {
		t.Error("cancelled run must not exhaust")
	}
	if _, ok := h.runStore.runs[h.alert.Fingerprint]; ok {
		t.Error("expected persisted run to be deleted on cancel")
	}
}

func TestCancelBeforeFirstTimer(t *testing.T) {
	h := newHarness(t)
	h.engine.Start(h.alert, h.policy)
	h.engine.Cancel(h.alert.Fingerprint)
	h.clock.Advance(time.Hour)

	if got := len(h.adapter.Calls()); got != 0 {
		t.Errorf("expected zero notifications, got %d", got)
	}
}

func TestCancelDuringFanOutCompletesButSchedulesNothing(t *testing.T) {
	h := newHarness(t)
	h.sink.onNotify = func(level int) {
		if level == 0 {
			h.engine.Cancel(h.alert.Fingerprint)
		}
	}
	h.engine.Start(h.alert, h.policy)
	h.clock.Advance(0)

	if got := len(h.adapter.CallsTo("level-1")); got != 1 {
		t.Fatalf("expected in-flight fan-out to complete, got %d calls", got)
	}
	h.clock.Advance(time.Hour)
	if got := len(h.adapter.Calls()); got != 1 {
		t.Errorf("expected nothing after cancellation, got %d calls", got)
	}
}

func TestNoNotifyWhenAlertNoLongerFiring(t *testing.T) {
	h := newHarness(t)
	h.engine.Start(h.alert, h.policy)
	h.sink.setState(h.alert.Fingerprint, types.AlertStateAcknowledged)

	h.clock.Advance(time.Hour)
	if got := len(h.adapter.Calls()); got != 0 {
		t.Errorf("expected zero notifications for acknowledged alert, got %d", got)
	}
}

func TestFailedTargetDoesNotBlockOthers(t *testing.T) {
	h := newHarness(t, func(p *types.EscalationPolicy) {
		p.Levels[0].Targets = []types.NotificationTarget{
			{Provider: "recording", Address: "broken"},
			{Provider: "recording", Address: "working"},
		}
	})
	h.adapter.FailFor("broken")
	h.engine.Start(h.alert, h.policy)
	h.clock.Advance(0)

	if len(h.adapter.CallsTo("working")) != 1 || len(h.adapter.CallsTo("broken")) != 1 {
		t.Fatal("expected both targets attempted")
	}
	h.clock.Advance(5 * time.Minute)
	if len(h.adapter.CallsTo("level-2")) != 1 {
		t.Error("a delivery failure must not stop escalation")
	}
}

func TestRepeatIntervalRenotifiesAfterExhaustion(t *testing.T) {
	h := newHarness(t, func(p *types.EscalationPolicy) {
		p.Levels = p.Levels[:1]
		p.AckTimeout = types.Duration(10 * time.Minute)
		p.RepeatInterval = types.Duration(30 * time.Minute)
	})
	h.engine.Start(h.alert, h.policy)

	h.clock.Advance(0)
	h.clock.Advance(10 * time.Minute) // exhausted
	if len(h.sink.exhausted) != 1 {
		t.Fatalf("expected exhaustion at t=10m")
	}
	h.clock.Advance(30 * time.Minute) // first repeat
	h.clock.Advance(30 * time.Minute) // second repeat

	calls := h.adapter.CallsTo("level-1")
	if len(calls) != 3 {
		t.Fatalf("expected initial + 2 repeats, got %d", len(calls))
	}
	if calls[1].Notification.Kind != types.NotificationRepeat {
		t.Errorf("expected repeat notification, got %s", calls[1].Notification.Kind)
	}
	if len(h.sink.exhausted) != 1 {
		t.Error("exhaustion is signalled once")
	}
}

func TestStartReplacesPreviousRun(t *testing.T) {
	h := newHarness(t)
	first := h.engine.Start(h.alert, h.policy)
	second := h.engine.Start(h.alert, h.policy)
	if first == second {
		t.Fatal("expected a new run id")
	}
	h.clock.Advance(0)
	if got := len(h.adapter.CallsTo("level-1")); got != 1 {
		t.Errorf("expected one level 1 notification, got %d", got)
	}
	run, _ := h.engine.Run(h.alert.Fingerprint)
	if run.RunID != second {
		t.Errorf("expected run %s, got %s", second, run.RunID)
	}
}

func TestIsCurrentTracksReplacement(t *testing.T) {
	h := newHarness(t)
	first := h.engine.Start(h.alert, h.policy)
	if !h.engine.IsCurrent(h.alert.Fingerprint, first) {
		t.Fatal("fresh run should be current")
	}

	second := h.engine.Start(h.alert, h.policy)
	if h.engine.IsCurrent(h.alert.Fingerprint, first) {
		t.Error("replaced run still reported current")
	}
	if !h.engine.IsCurrent(h.alert.Fingerprint, second) {
		t.Error("replacement run should be current")
	}

	h.clock.Advance(0)
	h.sink.mu.Lock()
	runIDs := append([]string(nil), h.sink.runIDs...)
	h.sink.mu.Unlock()
	if len(runIDs) != 1 || runIDs[0] != second {
		t.Errorf("LevelNotified run ids = %v, want [%s]", runIDs, second)
	}

	h.engine.Cancel(h.alert.Fingerprint)
	if h.engine.IsCurrent(h.alert.Fingerprint, second) {
		t.Error("cancelled run still reported current")
	}
}

func TestResumePastLastLevelSchedulesExhaustion(t *testing.T) {
	h := newHarness(t)
	h.engine.Resume(h.alert, h.policy, 3, testutil.Epoch.Add(time.Minute))
	h.clock.Advance(time.Minute)

	if len(h.adapter.Calls()) != 0 {
		t.Error("expected no notifications when resuming past the last level")
	}
	if len(h.sink.exhausted) != 1 {
		t.Error("expected exhaustion")
	}
}

func TestSchedulerCancelRaceIsDiscarded(t *testing.T) {
	c := clock.NewFake(testutil.Epoch)
	s := NewScheduler(c)
	fired := 0
	s.Schedule("run", testutil.Epoch.Add(time.Minute), func() { fired++ })
	s.Schedule("run", testutil.Epoch.Add(2*time.Minute), func() { fired += 10 })

	if at, ok := s.NextAt("run"); !ok || !at.Equal(testutil.Epoch.Add(2*time.Minute)) {
		t.Fatalf("expected replaced timer at t=2m, got %v", at)
	}
	c.Advance(3 * time.Minute)
	if fired != 10 {
		t.Errorf("expected only the replacement to fire, got %d", fired)
	}
	if s.Cancel("run") {
		t.Error("cancelling a fired timer must report false")
	}
}
