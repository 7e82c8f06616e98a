package policy

import (
	"testing"
	"time"

	"fleetd/internal/store"
)

func TestEstimateIdleSecsActiveResetsToZero(t *testing.T) {
	if got := EstimateIdleSecs(10.0, 0); got != 0 {
		t.Errorf("expected 0 for high CPU, got %d", got)
	}
	if got := EstimateIdleSecs(0, 2048); got != 0 {
		t.Errorf("expected 0 for high network activity, got %d", got)
	}
}

func TestEstimateIdleSecsLowActivityAccruesOneMinute(t *testing.T) {
	if got := EstimateIdleSecs(2.0, 0); got != 60 {
		t.Errorf("expected 60, got %d", got)
	}
}

func TestEstimateIdleSecsFullyIdleAccruesFiveMinutes(t *testing.T) {
	if got := EstimateIdleSecs(0, 0); got != 300 {
		t.Errorf("expected 300, got %d", got)
	}
}

func TestUpdateIdleMetricsAccumulatesWhenIdle(t *testing.T) {
	prev := store.IdleMetrics{IdleSecs: 120}
	now := time.Now()
	next := UpdateIdleMetrics(prev, 0, 0, now)
	if next.IdleSecs != 420 {
		t.Errorf("expected 420, got %d", next.IdleSecs)
	}
}

func TestUpdateIdleMetricsResetsOnActivity(t *testing.T) {
	prev := store.IdleMetrics{IdleSecs: 500}
	now := time.Now()
	next := UpdateIdleMetrics(prev, 20.0, 0, now)
	if next.IdleSecs != 0 {
		t.Errorf("expected activity to reset IdleSecs to 0, got %d", next.IdleSecs)
	}
	if !next.LastWorkTS.Equal(now) {
		t.Errorf("expected LastWorkTS to advance to %v, got %v", now, next.LastWorkTS)
	}
}

func TestEligibleExcludesPinnedAndCriticalPools(t *testing.T) {
	inst := &store.Instance{}
	if Eligible(&store.Pool{Pinned: true}, inst, time.Now()) {
		t.Error("expected a pinned pool to be ineligible")
	}
	if Eligible(&store.Pool{Critical: true}, inst, time.Now()) {
		t.Error("expected a critical pool to be ineligible")
	}
}

func TestEligibleExcludesUnexpiredManualOverride(t *testing.T) {
	future := time.Now().Add(time.Hour)
	inst := &store.Instance{ManualOverrideUntil: &future}
	if Eligible(&store.Pool{}, inst, time.Now()) {
		t.Error("expected an unexpired manual override to make the instance ineligible")
	}
}

func TestEligibleAllowsExpiredManualOverride(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	inst := &store.Instance{ManualOverrideUntil: &past}
	if !Eligible(&store.Pool{}, inst, time.Now()) {
		t.Error("expected an expired manual override to no longer block eligibility")
	}
}

func TestEvaluateRunningBelowThresholdIsNone(t *testing.T) {
	d := Evaluate(store.StatusRunning, store.IdleMetrics{IdleSecs: 10}, Thresholds{WarmThresholdSecs: 300}, true, true)
	if d != DecisionNone {
		t.Errorf("expected DecisionNone, got %s", d)
	}
}

func TestEvaluateRunningPastThresholdWantsWarm(t *testing.T) {
	d := Evaluate(store.StatusRunning, store.IdleMetrics{IdleSecs: 400}, Thresholds{WarmThresholdSecs: 300}, true, true)
	if d != DecisionWarm {
		t.Errorf("expected DecisionWarm, got %s", d)
	}
}

func TestEvaluateDefersWhenGuardNotSatisfied(t *testing.T) {
	d := Evaluate(store.StatusRunning, store.IdleMetrics{IdleSecs: 400}, Thresholds{WarmThresholdSecs: 300}, true, false)
	if d != DecisionDefer {
		t.Errorf("expected DecisionDefer, got %s", d)
	}
}

func TestEvaluateIneligibleInstanceIsNoneEvenPastThreshold(t *testing.T) {
	d := Evaluate(store.StatusWarm, store.IdleMetrics{IdleSecs: 9999}, Thresholds{SleepThresholdSecs: 900}, false, true)
	if d != DecisionNone {
		t.Errorf("expected DecisionNone for an ineligible instance, got %s", d)
	}
}

func TestSortForEvictionOrdersEligibleFirstThenIdleDescending(t *testing.T) {
	candidates := []EvictionCandidate{
		{InstanceID: "a", Eligible: false, IdleSecs: 9999},
		{InstanceID: "b", Eligible: true, IdleSecs: 100},
		{InstanceID: "c", Eligible: true, IdleSecs: 500},
	}
	SortForEviction(candidates)

	want := []string{"c", "b", "a"}
	for i, id := range want {
		if candidates[i].InstanceID != id {
			t.Errorf("position %d: expected %q, got %q", i, id, candidates[i].InstanceID)
		}
	}
}
