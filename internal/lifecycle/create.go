package lifecycle

import (
	"net"
	"os"
	"strconv"

	"fleetd/internal/ferr"
	"fleetd/internal/idalloc"
	"fleetd/internal/naming"
	"fleetd/internal/policy"
	"fleetd/internal/store"
)

// Create allocates a new instance record in status Created: a fresh
// instance ID, the next free IP offset in the tenant's subnet, and
// the derived TAP/MAC/guest-IP identity. It does not touch the VMM;
// Start does that.
func (m *Manager) Create(tenantID, poolID string, actor store.AuditActor) (*store.Instance, error) {
	tenant, err := m.Root.LoadTenant(tenantID)
	if err != nil {
		return nil, err
	}
	pool, err := m.Root.LoadPool(tenantID, poolID)
	if err != nil {
		return nil, err
	}

	usage, err := policy.ComputeTenantUsage(m.Root, tenantID)
	if err != nil {
		return nil, err
	}
	instanceIDs, err := m.Root.ListInstances(tenantID, poolID)
	if err != nil {
		return nil, err
	}
	if err := policy.CheckQuota(usage, tenant.Quotas, uint32(len(instanceIDs)), policy.Delta{NewInstance: true}); err != nil {
		return nil, err
	}

	used, err := m.Root.UsedOffsets(tenantID)
	if err != nil {
		return nil, err
	}
	offset, err := idalloc.NextOffset(used)
	if err != nil {
		return nil, err
	}

	instanceID, err := naming.GenerateInstanceID()
	if err != nil {
		return nil, ferr.Wrap(ferr.IDInvalid, "Create", err)
	}

	_, subnet, err := net.ParseCIDR(tenant.Network.IPv4Subnet)
	if err != nil {
		return nil, ferr.Wrap(ferr.AddressInvalid, "Create", err)
	}
	guestIP, err := naming.GuestIP(subnet, offset)
	if err != nil {
		return nil, err
	}
	mask, _ := subnet.Mask.Size()

	inst := &store.Instance{
		TenantID:     tenantID,
		PoolID:       poolID,
		InstanceID:   instanceID,
		Status:       store.StatusCreated,
		RevisionHash: pool.CurrentRevisionHash,
		Net: store.InstanceNetwork{
			TapDev:    naming.TapName(tenant.Network.TenantNetID, offset),
			MAC:       naming.MAC(tenant.Network.TenantNetID, offset).String(),
			GuestIP:   guestIP.String(),
			GatewayIP: tenant.Network.GatewayIP,
			CIDR:      strconv.Itoa(mask),
			IPOffset:  offset,
		},
	}

	if err := os.MkdirAll(m.Root.InstanceRuntimeDir(tenantID, poolID, instanceID), 0o755); err != nil {
		return nil, ferr.Wrap(ferr.IO, "Create", err)
	}
	if err := m.Root.SaveInstance(inst); err != nil {
		return nil, err
	}

	// Created -> Ready happens once the pool has a built revision;
	// callers that already know current_revision_hash is populated
	// may immediately transition via a build-complete trigger.
	if pool.CurrentRevisionHash != "" {
		inst.Status = store.StatusReady
		if err := m.Root.SaveInstance(inst); err != nil {
			return nil, err
		}
	}

	m.audit(actor, "InstanceCreated", tenantID, poolID, instanceID, "")
	return inst, nil
}
