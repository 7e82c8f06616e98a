// Package statemachine implements component H: the closed instance
// lifecycle state graph and its eligibility guards. It holds no
// state of its own — callers pass in the current status and the
// timestamps needed to evaluate a guard, and get back either the next
// status or a deferral.
package statemachine

import (
	"time"

	"fleetd/internal/ferr"
	"fleetd/internal/store"
)

// Trigger is the closed set of events that can move an instance
// between states.
type Trigger string

const (
	TriggerBuildComplete Trigger = "build_complete"
	TriggerStart         Trigger = "start"
	TriggerWarm          Trigger = "warm"
	TriggerStop          Trigger = "stop"
	TriggerSleep         Trigger = "sleep"
	TriggerResume        Trigger = "resume"
	TriggerWake          Trigger = "wake"
	TriggerFreshBoot     Trigger = "fresh_boot"
	TriggerRebuild       Trigger = "rebuild"
	TriggerDestroy       Trigger = "destroy"
)

// GuardInput carries the timestamps and policy values a transition's
// guard needs; irrelevant fields for a given transition are ignored.
type GuardInput struct {
	Now               time.Time
	EnteredRunningAt  *time.Time
	EnteredWarmAt     *time.Time
	MinRunningSeconds uint32
	MinWarmSeconds    uint32
	Force             bool
	Manual            bool
}

// edge is one row of the transition table: from status, on trigger,
// to status, gated by an optional guard.
type edge struct {
	from  store.Status
	on    Trigger
	to    store.Status
	guard func(GuardInput) bool
}

func minRunningElapsed(in GuardInput) bool {
	if in.Force || in.Manual {
		return true
	}
	if in.EnteredRunningAt == nil {
		return true
	}
	return in.Now.Sub(*in.EnteredRunningAt) >= time.Duration(in.MinRunningSeconds)*time.Second
}

func minWarmElapsed(in GuardInput) bool {
	if in.Force || in.Manual {
		return true
	}
	if in.EnteredWarmAt == nil {
		return true
	}
	return in.Now.Sub(*in.EnteredWarmAt) >= time.Duration(in.MinWarmSeconds)*time.Second
}

// table is the fixed transition graph from the lifecycle state
// diagram: Created -> Ready -> Running -> {Warm -> Sleeping} /
// Stopped, Sleeping <-> Running via wake, Stopped -> Running via
// fresh boot, Ready -> Ready via rebuild, any -> Destroyed.
var table = []edge{
	{store.StatusCreated, TriggerBuildComplete, store.StatusReady, nil},
	{store.StatusReady, TriggerStart, store.StatusRunning, nil}, // quota checked by caller
	{store.StatusReady, TriggerRebuild, store.StatusReady, nil},
	{store.StatusRunning, TriggerWarm, store.StatusWarm, minRunningElapsed},
	{store.StatusRunning, TriggerStop, store.StatusStopped, minRunningElapsed},
	{store.StatusWarm, TriggerSleep, store.StatusSleeping, minWarmElapsed},
	{store.StatusWarm, TriggerResume, store.StatusRunning, nil},
	{store.StatusWarm, TriggerStop, store.StatusStopped, nil},
	{store.StatusSleeping, TriggerWake, store.StatusRunning, nil}, // quota checked by caller
	{store.StatusSleeping, TriggerStop, store.StatusStopped, nil},
	{store.StatusStopped, TriggerFreshBoot, store.StatusRunning, nil}, // quota checked by caller
}

// Next evaluates trigger against the current status. It returns the
// destination status on success. A guard failure returns
// ferr.TransitionDeferred (informational, not an operational error);
// an unrecognized (status, trigger) pair returns
// ferr.InvalidTransition. Destroy is handled by the caller directly
// since it applies from every status.
func Next(current store.Status, trigger Trigger, in GuardInput) (store.Status, error) {
	if trigger == TriggerDestroy {
		return store.StatusDestroyed, nil
	}
	for _, e := range table {
		if e.from != current || e.on != trigger {
			continue
		}
		if e.guard != nil && !e.guard(in) {
			return "", ferr.New(ferr.TransitionDeferred, "Next",
				string(current)+" -> "+string(e.to)+" deferred: minimum-runtime guard not satisfied")
		}
		return e.to, nil
	}
	return "", ferr.New(ferr.InvalidTransition, "Next",
		"no transition for status "+string(current)+" on trigger "+string(trigger))
}

// CanTransition reports whether trigger is even defined from current,
// independent of guard state — used by the reconcile loop to decide
// whether to attempt a transition at all.
func CanTransition(current store.Status, trigger Trigger) bool {
	if trigger == TriggerDestroy {
		return true
	}
	for _, e := range table {
		if e.from == current && e.on == trigger {
			return true
		}
	}
	return false
}
