// Package policy implements component J: tenant quota accounting and
// the per-pool sleep policy that drives idle instances toward Warm
// and Sleeping.
package policy

import (
	"fmt"

	"fleetd/internal/ferr"
	"fleetd/internal/store"
)

// Usage is the aggregate resource footprint of one tenant's
// instances, summed across every pool.
type Usage struct {
	VCPUs        uint32
	MemMiB       uint64
	Running      uint32
	Warm         uint32
	DiskGiB      uint64
	Pools        uint32
	InstancesPerPool map[string]uint32
}

// ComputeTenantUsage sums vCPUs, memory, and per-status counts across
// every instance record belonging to the tenant.
func ComputeTenantUsage(root *store.Root, tenantID string) (Usage, error) {
	usage := Usage{InstancesPerPool: map[string]uint32{}}

	pools, err := root.ListPools(tenantID)
	if err != nil {
		return usage, err
	}
	usage.Pools = uint32(len(pools))

	for _, poolID := range pools {
		pool, err := root.LoadPool(tenantID, poolID)
		if err != nil {
			continue
		}
		instanceIDs, err := root.ListInstances(tenantID, poolID)
		if err != nil {
			return usage, err
		}
		usage.InstancesPerPool[poolID] = uint32(len(instanceIDs))
		for _, iid := range instanceIDs {
			inst, err := root.LoadInstance(tenantID, poolID, iid)
			if err != nil {
				continue
			}
			switch inst.Status {
			case store.StatusRunning:
				usage.Running++
				usage.VCPUs += uint32(pool.InstanceResources.VCPUs)
				usage.MemMiB += uint64(pool.InstanceResources.MemMiB)
			case store.StatusWarm:
				usage.Warm++
				usage.VCPUs += uint32(pool.InstanceResources.VCPUs)
				usage.MemMiB += uint64(pool.InstanceResources.MemMiB)
			}
			usage.DiskGiB += uint64(pool.InstanceResources.DataDiskMiB) / 1024
		}
	}
	return usage, nil
}

// Delta names the resources one prospective operation (start, wake,
// create) would add, for a pre-flight quota check.
type Delta struct {
	VCPUs      uint32
	MemMiB     uint64
	Running    uint32
	Warm       uint32
	Pool       string
	NewPool    bool
	NewInstance bool
}

// CheckQuota rejects delta against tenant's quotas, naming the first
// exceeded dimension in the returned error's detail.
func CheckQuota(usage Usage, quotas store.Quotas, poolInstanceCount uint32, d Delta) error {
	if usage.VCPUs+d.VCPUs > quotas.MaxVCPUs {
		return quotaErr("max_vcpus", quotas.MaxVCPUs, usage.VCPUs+d.VCPUs)
	}
	if usage.MemMiB+d.MemMiB > quotas.MaxMemMiB {
		return quotaErr("max_mem_mib", quotas.MaxMemMiB, usage.MemMiB+d.MemMiB)
	}
	if usage.Running+d.Running > quotas.MaxRunning {
		return quotaErr("max_running", quotas.MaxRunning, usage.Running+d.Running)
	}
	if usage.Warm+d.Warm > quotas.MaxWarm {
		return quotaErr("max_warm", quotas.MaxWarm, usage.Warm+d.Warm)
	}
	if d.NewPool && usage.Pools+1 > quotas.MaxPools {
		return quotaErr("max_pools", quotas.MaxPools, usage.Pools+1)
	}
	if d.NewInstance && poolInstanceCount+1 > quotas.MaxInstancesPerPool {
		return quotaErr("max_instances_per_pool", quotas.MaxInstancesPerPool, poolInstanceCount+1)
	}
	return nil
}

func quotaErr[T ~uint32 | ~uint64](dimension string, limit, wouldBe T) error {
	return ferr.New(ferr.QuotaExceeded, "CheckQuota", fmt.Sprintf("%s: limit=%v would_be=%v", dimension, limit, wouldBe))
}
