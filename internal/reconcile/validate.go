package reconcile

import (
	"net"
	"strconv"

	"fleetd/internal/ferr"
	"fleetd/internal/naming"
	"fleetd/internal/store"
)

// Validate rejects the whole document on any failure: schema version,
// per-tenant network presence, ID shape, and desired-count caps.
func Validate(ds DesiredState) error {
	if ds.SchemaVersion != 1 {
		return ferr.New(ferr.ConfigInvalid, "Validate", "unsupported schema_version")
	}
	if ds.NodeID == "" {
		return ferr.New(ferr.ConfigInvalid, "Validate", "missing node_id")
	}
	seenTenant := map[string]bool{}
	for _, t := range ds.Tenants {
		if err := naming.ValidateID(t.TenantID); err != nil {
			return err
		}
		if seenTenant[t.TenantID] {
			return ferr.New(ferr.ConfigInvalid, "Validate", "duplicate tenant_id "+t.TenantID)
		}
		seenTenant[t.TenantID] = true

		if t.Network.IPv4Subnet == "" {
			return ferr.New(ferr.ConfigInvalid, "Validate", "tenant "+t.TenantID+" missing network")
		}
		if _, _, err := net.ParseCIDR(t.Network.IPv4Subnet); err != nil {
			return ferr.Wrap(ferr.AddressInvalid, "Validate", err)
		}

		seenPool := map[string]bool{}
		for _, p := range t.Pools {
			if err := naming.ValidateID(p.PoolID); err != nil {
				return err
			}
			if seenPool[p.PoolID] {
				return ferr.New(ferr.ConfigInvalid, "Validate", "duplicate pool_id "+p.PoolID)
			}
			seenPool[p.PoolID] = true

			role, _ := store.NormalizeRole(p.Role)
			switch role {
			case store.RoleGateway, store.RoleBuilder, store.RoleWorker, store.RoleCapability:
			default:
				return ferr.New(ferr.ConfigInvalid, "Validate", "pool "+p.PoolID+" has unknown role "+p.Role)
			}
			if p.InstanceResources.VCPUs == 0 {
				return ferr.New(ferr.ConfigInvalid, "Validate", "pool "+p.PoolID+" vcpus must be > 0")
			}
			if p.DesiredCounts.Running > maxDesiredCount || p.DesiredCounts.Warm > maxDesiredCount || p.DesiredCounts.Sleeping > maxDesiredCount {
				return ferr.New(ferr.ConfigInvalid, "Validate", "pool "+p.PoolID+" desired_counts exceed cap of "+strconv.Itoa(maxDesiredCount))
			}
		}
	}
	return nil
}
