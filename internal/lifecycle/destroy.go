package lifecycle

import (
	"fleetd/internal/diskutil"
	"fleetd/internal/store"
)

// Destroy tears down an instance permanently: stop it if it's still
// running, optionally shred its data volume, then remove its
// directory tree entirely.
func (m *Manager) Destroy(tenantID, poolID, instanceID string, wipe bool, actor store.AuditActor) error {
	inst, err := m.Root.LoadInstance(tenantID, poolID, instanceID)
	if err != nil {
		return err
	}

	if inst.Status == store.StatusRunning || inst.Status == store.StatusWarm || inst.Status == store.StatusSleeping {
		if err := m.Stop(tenantID, poolID, instanceID, true, actor); err != nil {
			return err
		}
	}

	lock, err := store.Lock(m.Root.InstanceLockPath(tenantID, poolID, instanceID))
	if err != nil {
		return err
	}
	defer lock.Unlock()

	if wipe {
		if err := diskutil.SecureWipeDir(m.Root.InstanceVolumesDir(tenantID, poolID, instanceID)); err != nil {
			return err
		}
	}
	m.Snapshots.RemoveDelta(tenantID, poolID, instanceID)

	if err := m.Root.DeleteInstance(tenantID, poolID, instanceID); err != nil {
		return err
	}

	m.audit(actor, "InstanceDestroyed", tenantID, poolID, instanceID, "")
	return nil
}
