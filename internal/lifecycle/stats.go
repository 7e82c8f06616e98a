package lifecycle

import (
	"os"

	"fleetd/internal/store"
	"fleetd/internal/vmm"
)

// Stats is a point-in-time snapshot of one instance's runtime state,
// read directly from disk and the cgroup filesystem without touching
// the VMM control socket.
type Stats struct {
	Status          store.Status
	PID             int
	Alive           bool
	Jailed          bool
	GuestIP         string
	TapDev          string
	MemCurrentBytes uint64
	CPUUsageUsec    uint64
	HasDeltaSnapshot bool
	DeltaSnapshotBytes int64
}

// Stats reads an instance's current runtime metrics without acquiring
// its lock: a snapshot glimpsed mid-transition is acceptable, since
// stats is diagnostic, not authoritative.
func (m *Manager) Stats(tenantID, poolID, instanceID string) (Stats, error) {
	inst, err := m.Root.LoadInstance(tenantID, poolID, instanceID)
	if err != nil {
		return Stats{}, err
	}

	s := Stats{
		Status:  inst.Status,
		PID:     inst.FirecrackerPID,
		Jailed:  inst.Jailed,
		GuestIP: inst.Net.GuestIP,
		TapDev:  inst.Net.TapDev,
	}
	if inst.FirecrackerPID != 0 {
		s.Alive = vmm.ProcessAlive(inst.FirecrackerPID)
	}
	if inst.CgroupPath != "" {
		usage := vmm.ReadCgroupUsage(inst.CgroupPath)
		s.MemCurrentBytes = usage.MemCurrentBytes
		s.CPUUsageUsec = usage.CPUUsageUsec
	}

	if m.Snapshots.HasDelta(tenantID, poolID, instanceID) {
		s.HasDeltaSnapshot = true
		dir := m.Root.InstanceDeltaSnapshotDir(tenantID, poolID, instanceID)
		if entries, err := os.ReadDir(dir); err == nil {
			for _, e := range entries {
				if info, err := e.Info(); err == nil {
					s.DeltaSnapshotBytes += info.Size()
				}
			}
		}
	}

	return s, nil
}
