package testutil

import (
	"context"
	"testing"

	"github.com/pilot-net/alertcore/pkg/types"
)

func TestFixtureEvent(t *testing.T) {
	t.Run("default", func(t *testing.T) {
		ev := FixtureEvent()
		if ev.ID == "" {
			t.Error("expected event to have ID")
		}
		if ev.Kind != types.EventKindFiring {
			t.Errorf("expected kind %s, got %s", types.EventKindFiring, ev.Kind)
		}
	})

	t.Run("with overrides", func(t *testing.T) {
		ev := FixtureEvent(func(e *types.AlertEvent) {
			e.RuleID = "disk-full"
		})
		if ev.RuleID != "disk-full" {
			t.Errorf("expected rule 'disk-full', got %s", ev.RuleID)
		}
	})
}

func TestFixturesValidate(t *testing.T) {
	if err := FixturePolicy().Validate(); err != nil {
		t.Errorf("policy fixture invalid: %v", err)
	}
	if err := FixtureWindow().Validate(); err != nil {
		t.Errorf("window fixture invalid: %v", err)
	}
	if err := FixtureRule().Validate(); err != nil {
		t.Errorf("rule fixture invalid: %v", err)
	}
}

func TestRecordingAdapter(t *testing.T) {
	a := NewRecordingAdapter("recording")
	a.FailFor("bad")

	ok := a.Send(context.Background(), types.NotificationTarget{Provider: "recording", Address: "good"}, types.Notification{})
	if !ok.Success || ok.ProviderMessageID == "" {
		t.Errorf("expected success with message id, got %+v", ok)
	}

	bad := a.Send(context.Background(), types.NotificationTarget{Provider: "recording", Address: "bad"}, types.Notification{})
	if bad.Success || bad.Error == "" {
		t.Errorf("expected failure, got %+v", bad)
	}

	if len(a.Calls()) != 2 {
		t.Errorf("expected 2 calls, got %d", len(a.Calls()))
	}
	if len(a.CallsTo("good")) != 1 {
		t.Errorf("expected 1 call to good, got %d", len(a.CallsTo("good")))
	}
}

func TestPtr(t *testing.T) {
	p := Ptr(types.AlertStateFiring)
	if *p != types.AlertStateFiring {
		t.Errorf("expected %s, got %s", types.AlertStateFiring, *p)
	}
}
