// Package lifecycle implements component I: the single public surface
// for instance operations (create, start, warm, sleep, wake, stop,
// destroy, ssh, stats). No other package may open a VMM control
// socket, touch a snapshot file, or write an instance.json directly.
package lifecycle

import (
	"time"

	"fleetd/internal/diskutil"
	"fleetd/internal/ferr"
	"fleetd/internal/snapshot"
	"fleetd/internal/store"
)

// manualOverrideWindow is the Δ stamped onto manual_override_until by
// a direct, non-reconcile transition: long enough that a reconcile
// tick running a few seconds later doesn't immediately fight an
// operator's manual sleep/wake/stop, short enough that a mistaken
// manual action doesn't wedge a pool for long.
const manualOverrideWindow = 5 * time.Minute

// Manager composes components A-H behind the eight lifecycle
// operations. One Manager serves one node agent process.
type Manager struct {
	Root           *store.Root
	Snapshots      *snapshot.Engine
	KeyProvider    diskutil.KeyProvider // nil disables data-volume encryption
	FirecrackerBin string
	CgroupRoot     string
	Production     bool // when true, refuse non-jailed launches
	SeccompFilterFor func(store.SeccompPolicy) string
}

// New constructs a Manager. seccompFilterFor may be nil, in which
// case no --seccomp-filter flag is passed to the jailer/binary.
func New(root *store.Root, snapshots *snapshot.Engine, kp diskutil.KeyProvider, firecrackerBin, cgroupRoot string, production bool) *Manager {
	return &Manager{
		Root:           root,
		Snapshots:      snapshots,
		KeyProvider:    kp,
		FirecrackerBin: firecrackerBin,
		CgroupRoot:     cgroupRoot,
		Production:     production,
	}
}

func (m *Manager) seccompFilter(policy store.SeccompPolicy) string {
	if m.SeccompFilterFor == nil {
		return ""
	}
	return m.SeccompFilterFor(policy)
}

func now() time.Time { return time.Now().UTC() }

// checkManualOverride enforces spec's rule that the override stamp is
// honored by the lifecycle API itself, not by reconcile: any caller
// other than a direct manual action is refused while the window on
// inst.ManualOverrideUntil hasn't expired, so every mutator (reconcile,
// sleep policy, proxy wake) behaves consistently without each needing
// its own check.
func (m *Manager) checkManualOverride(inst *store.Instance, actor store.AuditActor) error {
	if actor == store.ActorManual {
		return nil
	}
	if inst.ManualOverrideUntil != nil && now().Before(*inst.ManualOverrideUntil) {
		return ferr.New(ferr.TransitionDeferred, "checkManualOverride", "instance under manual override until "+inst.ManualOverrideUntil.Format(time.RFC3339))
	}
	return nil
}

// stampManualOverride records the override window on a successful
// direct manual transition; no-op for any other actor.
func stampManualOverride(inst *store.Instance, actor store.AuditActor) {
	if actor != store.ActorManual {
		return
	}
	until := now().Add(manualOverrideWindow)
	inst.ManualOverrideUntil = &until
}
