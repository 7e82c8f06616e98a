package lifecycle

import (
	"time"

	"fleetd/internal/guestchan"
	"fleetd/internal/statemachine"
	"fleetd/internal/store"
	"fleetd/internal/vmm"
)

// Warm pauses a Running instance's VMM without tearing it down,
// keeping its resident memory hot for a fast resume. If the pool's
// current revision has no base snapshot yet, and the guest reports
// its workload has finished starting up, Warm also captures this
// pause as that base.
func (m *Manager) Warm(tenantID, poolID, instanceID string, actor store.AuditActor) error {
	lock, err := store.Lock(m.Root.InstanceLockPath(tenantID, poolID, instanceID))
	if err != nil {
		return err
	}
	defer lock.Unlock()

	inst, err := m.Root.LoadInstance(tenantID, poolID, instanceID)
	if err != nil {
		return err
	}
	pool, err := m.Root.LoadPool(tenantID, poolID)
	if err != nil {
		return err
	}
	if err := m.checkManualOverride(inst, actor); err != nil {
		return err
	}

	if _, err := statemachine.Next(inst.Status, statemachine.TriggerWarm, m.guardInput(inst, pool, false)); err != nil {
		return err
	}

	needsBase := !m.Snapshots.HasBase(tenantID, poolID) &&
		m.guestReportsWorkerReady(tenantID, poolID, instanceID, inst.Jailed)

	client := vmm.NewClient(m.Root.InstanceSocketPath(tenantID, poolID, instanceID, inst.Jailed), 3*time.Second)
	if err := client.PauseVM(); err != nil {
		return err
	}

	if needsBase {
		if err := m.Snapshots.CreateBase(client, tenantID, poolID, inst.RevisionHash, pool.SnapshotCompression); err != nil {
			m.audit(actor, "PoolBaseSnapshotFailed", tenantID, poolID, instanceID, err.Error())
		} else {
			m.audit(actor, "PoolBaseSnapshotCreated", tenantID, poolID, instanceID, "")
		}
	}

	nowT := now()
	inst.Status = store.StatusWarm
	inst.EnteredWarmAt = &nowT
	stampManualOverride(inst, actor)
	if err := m.Root.SaveInstance(inst); err != nil {
		return err
	}

	m.audit(actor, "InstanceWarmed", tenantID, poolID, instanceID, "")
	return nil
}

// guestReportsWorkerReady asks a Running instance's guest agent
// whether its workload has finished starting up, used to gate when
// it is safe to pause this boot and capture it as the pool's shared
// base snapshot. The query must happen before the VM is paused:
// Firecracker's vsock device stops answering once the vCPUs stop.
func (m *Manager) guestReportsWorkerReady(tenantID, poolID, instanceID string, jailed bool) bool {
	vsockPath := m.Root.InstanceVsockPath(tenantID, poolID, instanceID, jailed)
	conn, err := guestchan.Dial(vsockPath, guestAgentPort, 2*time.Second)
	if err != nil {
		return false
	}
	defer conn.Close()

	resp, err := conn.Exchange(guestchan.NewWorkerReadyQuery(), 3*time.Second)
	if err != nil || resp.WorkerReady == nil {
		return false
	}
	return resp.WorkerReady.Ready
}

// guardInput builds the statemachine guard input for a status
// transition on inst, honoring force/manual overrides for the
// minimum-runtime guards.
func (m *Manager) guardInput(inst *store.Instance, pool *store.Pool, force bool) statemachine.GuardInput {
	return statemachine.GuardInput{
		Now:               now(),
		EnteredRunningAt:  inst.EnteredRunningAt,
		EnteredWarmAt:     inst.EnteredWarmAt,
		MinRunningSeconds: pool.RuntimePolicy.MinRunningSeconds,
		MinWarmSeconds:    pool.RuntimePolicy.MinWarmSeconds,
		Force:             force,
	}
}
