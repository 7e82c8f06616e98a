package controlplane

import (
	"os"
	"runtime"

	"golang.org/x/sys/unix"

	"fleetd/internal/snapshot"
	"fleetd/internal/store"
	"fleetd/internal/vmm"
)

// buildNodeInfo answers the NodeInfo request from live host state, the
// same architecture/capability probes cmd/fleetd's preflight check
// performs at startup.
func buildNodeInfo(nodeID, attestationProvider string) NodeInfo {
	info := NodeInfo{
		NodeID:              nodeID,
		Architecture:        runtime.GOARCH,
		VCPUs:               runtime.NumCPU(),
		JailerAvailable:     vmm.JailerAvailable(),
		CgroupV2Available:   vmm.CgroupV2Available(),
		AttestationProvider: attestationProvider,
	}
	var si unix.Sysinfo_t
	if err := unix.Sysinfo(&si); err == nil {
		info.MemTotalMiB = uint64(si.Totalram) * uint64(si.Unit) / (1 << 20)
	}
	return info
}

// buildNodeStats aggregates per-instance status counts, cgroup memory
// usage, and delta-snapshot bytes across every tenant/pool.
func buildNodeStats(root *store.Root, snapshots *snapshot.Engine) (NodeStats, error) {
	stats := NodeStats{CountsByStatus: map[string]int{}}
	tenants, err := root.ListTenants()
	if err != nil {
		return stats, err
	}
	for _, tenantID := range tenants {
		pools, err := root.ListPools(tenantID)
		if err != nil {
			continue
		}
		for _, poolID := range pools {
			instanceIDs, err := root.ListInstances(tenantID, poolID)
			if err != nil {
				continue
			}
			for _, instanceID := range instanceIDs {
				inst, err := root.LoadInstance(tenantID, poolID, instanceID)
				if err != nil {
					continue
				}
				stats.CountsByStatus[string(inst.Status)]++
				if inst.CgroupPath != "" {
					stats.MemUsedBytes += vmm.ReadCgroupUsage(inst.CgroupPath).MemCurrentBytes
				}
				if snapshots != nil && snapshots.HasDelta(tenantID, poolID, instanceID) {
					stats.SnapshotBytes += dirSize(root.InstanceDeltaSnapshotDir(tenantID, poolID, instanceID))
				}
			}
		}
	}
	return stats, nil
}

func dirSize(dir string) int64 {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	var total int64
	for _, e := range entries {
		if info, err := e.Info(); err == nil {
			total += info.Size()
		}
	}
	return total
}

func buildTenantList(root *store.Root) ([]TenantSummary, error) {
	tenants, err := root.ListTenants()
	if err != nil {
		return nil, err
	}
	out := make([]TenantSummary, 0, len(tenants))
	for _, tenantID := range tenants {
		tenant, err := root.LoadTenant(tenantID)
		if err != nil {
			continue
		}
		pools, _ := root.ListPools(tenantID)
		out = append(out, TenantSummary{TenantID: tenantID, PoolCount: len(pools), Pinned: tenant.Pinned})
	}
	return out, nil
}

func buildInstanceList(root *store.Root, tenantID, poolID string) ([]InstanceView, error) {
	var out []InstanceView
	poolIDs := []string{poolID}
	if poolID == "" {
		var err error
		poolIDs, err = root.ListPools(tenantID)
		if err != nil {
			return nil, err
		}
	}
	for _, pid := range poolIDs {
		instanceIDs, err := root.ListInstances(tenantID, pid)
		if err != nil {
			continue
		}
		for _, instanceID := range instanceIDs {
			inst, err := root.LoadInstance(tenantID, pid, instanceID)
			if err != nil {
				continue
			}
			out = append(out, InstanceView{
				TenantID:   tenantID,
				PoolID:     pid,
				InstanceID: instanceID,
				Status:     string(inst.Status),
				GuestIP:    inst.Net.GuestIP,
			})
		}
	}
	return out, nil
}
