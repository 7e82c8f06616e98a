package policy

import (
	"sort"
	"time"

	"fleetd/internal/store"
)

// Decision is the closed set of outcomes the sleep policy can hand
// back for one instance on a reconcile tick.
type Decision string

const (
	DecisionNone  Decision = "none"
	DecisionWarm  Decision = "warm"
	DecisionSleep Decision = "sleep"
	DecisionDefer Decision = "defer"
)

// Thresholds carries the per-pool warm/sleep idle-duration
// boundaries; both are seconds of accumulated idle time as tracked by
// IdleMetrics.IdleSecs.
type Thresholds struct {
	WarmThresholdSecs  uint64
	SleepThresholdSecs uint64
}

// EstimateIdleSecs turns one poll of CPU percent and network byte
// counters into the idle-time step the caller should accumulate:
// active instances reset to zero, low-activity instances accrue a
// minute per poll, fully idle instances accrue five.
func EstimateIdleSecs(cpuPct float64, netBytes uint64) uint64 {
	switch {
	case cpuPct > 5.0 || netBytes > 1024:
		return 0
	case cpuPct > 1.0 || netBytes > 0:
		return 60
	default:
		return 300
	}
}

// UpdateIdleMetrics folds one poll's CPU/network reading into the
// instance's moving idle-time accumulator.
func UpdateIdleMetrics(prev store.IdleMetrics, cpuPct float64, netBytes uint64, now time.Time) store.IdleMetrics {
	step := EstimateIdleSecs(cpuPct, netBytes)
	next := store.IdleMetrics{CPUMovingAvg: cpuPct}
	if step == 0 {
		next.IdleSecs = 0
		next.LastWorkTS = now
	} else {
		next.IdleSecs = prev.IdleSecs + step
		next.LastWorkTS = prev.LastWorkTS
	}
	return next
}

// Eligible reports whether an instance may be acted on by the sleep
// policy at all: pinned/critical pools and instances under an
// unexpired manual override are excluded from every policy action.
func Eligible(pool *store.Pool, inst *store.Instance, now time.Time) bool {
	if pool.Pinned || pool.Critical {
		return false
	}
	if inst.ManualOverrideUntil != nil && now.Before(*inst.ManualOverrideUntil) {
		return false
	}
	return true
}

// Evaluate decides the next action for one instance given its
// current status, idle metrics, eligibility, and minimum-runtime
// guard outcome (guardOK is the statemachine guard's verdict for the
// corresponding transition).
func Evaluate(status store.Status, idle store.IdleMetrics, th Thresholds, eligible, guardOK bool) Decision {
	switch status {
	case store.StatusRunning:
		if idle.IdleSecs < th.WarmThresholdSecs {
			return DecisionNone
		}
		if !eligible {
			return DecisionNone
		}
		if !guardOK {
			return DecisionDefer
		}
		return DecisionWarm
	case store.StatusWarm:
		if idle.IdleSecs < th.SleepThresholdSecs {
			return DecisionNone
		}
		if !eligible {
			return DecisionNone
		}
		if !guardOK {
			return DecisionDefer
		}
		return DecisionSleep
	default:
		return DecisionNone
	}
}

// EvictionCandidate is one instance under consideration for a
// memory-pressure eviction sweep.
type EvictionCandidate struct {
	TenantID   string
	PoolID     string
	InstanceID string
	Eligible   bool
	IdleSecs   uint64
}

// SortForEviction orders candidates eligible-first, then by
// descending idle time, matching the eviction sweep's
// (eligible_first, idle_desc) ordering. Ineligible candidates are
// deprioritized, never excluded, since pressure may force sleeping
// them anyway.
func SortForEviction(candidates []EvictionCandidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Eligible != candidates[j].Eligible {
			return candidates[i].Eligible
		}
		return candidates[i].IdleSecs > candidates[j].IdleSecs
	})
}
