package lifecycle

import (
	"time"

	"fleetd/internal/network"
	"fleetd/internal/statemachine"
	"fleetd/internal/store"
	"fleetd/internal/vmm"
)

// Stop tears down an instance's VMM and TAP but leaves its data volume
// and any snapshots in place, so a later start performs a fresh boot
// against the same disk.
func (m *Manager) Stop(tenantID, poolID, instanceID string, force bool, actor store.AuditActor) error {
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

	if _, err := statemachine.Next(inst.Status, statemachine.TriggerStop, m.guardInput(inst, pool, force)); err != nil {
		return err
	}

	if inst.FirecrackerPID != 0 || inst.CgroupPath != "" {
		handle := &vmm.Handle{
			Launched:   &vmm.Launched{PID: inst.FirecrackerPID},
			CgroupPath: inst.CgroupPath,
		}
		vmm.Stop(handle, time.Duration(pool.RuntimePolicy.GracefulShutdownSeconds)*time.Second)
	}
	network.TeardownTAP(inst.Net.TapDev)
	m.Snapshots.RemoveDelta(tenantID, poolID, instanceID)

	inst.Status = store.StatusStopped
	inst.FirecrackerPID = 0
	inst.CgroupPath = ""
	inst.EnteredRunningAt = nil
	inst.EnteredWarmAt = nil
	stampManualOverride(inst, actor)
	if err := m.Root.SaveInstance(inst); err != nil {
		return err
	}

	m.audit(actor, "InstanceStopped", tenantID, poolID, instanceID, "")
	return nil
}
