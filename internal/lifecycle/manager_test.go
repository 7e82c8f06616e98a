package lifecycle

import (
	"testing"
	"time"

	"fleetd/internal/ferr"
	"fleetd/internal/store"
)

func TestCheckManualOverrideAlwaysAllowsManualActor(t *testing.T) {
	future := time.Now().Add(time.Hour)
	inst := &store.Instance{ManualOverrideUntil: &future}
	m := &Manager{}
	if err := m.checkManualOverride(inst, store.ActorManual); err != nil {
		t.Errorf("expected the manual actor to bypass its own override window, got %v", err)
	}
}

func TestCheckManualOverrideRejectsOtherActorsWithinWindow(t *testing.T) {
	future := time.Now().Add(time.Hour)
	inst := &store.Instance{ManualOverrideUntil: &future}
	m := &Manager{}
	err := m.checkManualOverride(inst, store.ActorReconcile)
	if ferr.KindOf(err) != ferr.TransitionDeferred {
		t.Errorf("expected TransitionDeferred while override is active, got %v", err)
	}
}

func TestCheckManualOverrideAllowsOtherActorsAfterExpiry(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	inst := &store.Instance{ManualOverrideUntil: &past}
	m := &Manager{}
	if err := m.checkManualOverride(inst, store.ActorReconcile); err != nil {
		t.Errorf("expected an expired override to no longer block other actors, got %v", err)
	}
}

func TestCheckManualOverrideAllowsOtherActorsWithNoOverrideSet(t *testing.T) {
	inst := &store.Instance{}
	m := &Manager{}
	if err := m.checkManualOverride(inst, store.ActorSleepPolicy); err != nil {
		t.Errorf("expected no override set to never block, got %v", err)
	}
}

func TestStampManualOverrideSetsWindowOnlyForManualActor(t *testing.T) {
	inst := &store.Instance{}
	stampManualOverride(inst, store.ActorReconcile)
	if inst.ManualOverrideUntil != nil {
		t.Errorf("expected a non-manual actor to leave ManualOverrideUntil unset, got %v", inst.ManualOverrideUntil)
	}

	stampManualOverride(inst, store.ActorManual)
	if inst.ManualOverrideUntil == nil {
		t.Fatal("expected the manual actor to stamp ManualOverrideUntil")
	}
	if !inst.ManualOverrideUntil.After(time.Now()) {
		t.Errorf("expected the stamped override window to be in the future, got %v", inst.ManualOverrideUntil)
	}
}

func TestSeccompFilterNilHookReturnsEmpty(t *testing.T) {
	m := &Manager{}
	if got := m.seccompFilter(store.SeccompPolicy("default")); got != "" {
		t.Errorf("expected an empty filter path with no SeccompFilterFor hook, got %q", got)
	}
}

func TestSeccompFilterDelegatesToHook(t *testing.T) {
	m := &Manager{SeccompFilterFor: func(p store.SeccompPolicy) string { return "/filters/" + string(p) + ".bpf" }}
	if got := m.seccompFilter(store.SeccompPolicy("strict")); got != "/filters/strict.bpf" {
		t.Errorf("seccompFilter = %q, want /filters/strict.bpf", got)
	}
}
