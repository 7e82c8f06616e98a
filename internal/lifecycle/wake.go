package lifecycle

import (
	"context"
	"net"
	"os"
	"time"

	"fleetd/internal/ferr"
	"fleetd/internal/guestchan"
	"fleetd/internal/network"
	"fleetd/internal/policy"
	"fleetd/internal/statemachine"
	"fleetd/internal/store"
	"fleetd/internal/vmm"
)

// Wake transitions a Sleeping instance back to Running: re-attach the
// tenant bridge and TAP, relaunch the VMM against the base+delta
// snapshot pair instead of a cold boot, and best-effort notify the
// guest it's back.
func (m *Manager) Wake(ctx context.Context, tenantID, poolID, instanceID string, actor store.AuditActor) error {
	lock, err := store.Lock(m.Root.InstanceLockPath(tenantID, poolID, instanceID))
	if err != nil {
		return err
	}
	defer lock.Unlock()

	inst, err := m.Root.LoadInstance(tenantID, poolID, instanceID)
	if err != nil {
		return err
	}
	tenant, err := m.Root.LoadTenant(tenantID)
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

	if _, err := statemachine.Next(inst.Status, statemachine.TriggerWake, statemachine.GuardInput{Now: now()}); err != nil {
		return err
	}

	usage, err := policy.ComputeTenantUsage(m.Root, tenantID)
	if err != nil {
		return err
	}
	delta := policy.Delta{
		VCPUs:   uint32(pool.InstanceResources.VCPUs),
		MemMiB:  uint64(pool.InstanceResources.MemMiB),
		Running: 1,
	}
	if err := policy.CheckQuota(usage, tenant.Quotas, 0, delta); err != nil {
		return err
	}

	revision, err := m.Root.LoadRevision(tenantID, poolID, inst.RevisionHash)
	if err != nil {
		return err
	}

	_, subnet, err := net.ParseCIDR(tenant.Network.IPv4Subnet)
	if err != nil {
		return ferr.Wrap(ferr.AddressInvalid, "Wake", err)
	}
	tnet, err := network.NewTenantNet(tenant.Network.TenantNetID, subnet)
	if err != nil {
		return err
	}
	if err := network.EnsureTenantBridge(tnet); err != nil {
		return err
	}

	mac, err := net.ParseMAC(inst.Net.MAC)
	if err != nil {
		return ferr.Wrap(ferr.AddressInvalid, "Wake", err)
	}
	if err := network.SetupTAP(tnet, inst.Net.TapDev, mac); err != nil {
		return err
	}
	cleanupTAP := true
	defer func() {
		if cleanupTAP {
			network.TeardownTAP(inst.Net.TapDev)
		}
	}()

	dataDrive := m.Root.InstanceDataDiskPath(tenantID, poolID, instanceID)

	stagingDir := m.Root.InstanceStagingDir(tenantID, poolID, instanceID)
	if err := os.MkdirAll(stagingDir, 0o700); err != nil {
		return ferr.Wrap(ferr.IO, "Wake", err)
	}
	defer os.RemoveAll(stagingDir)

	secretsDrive, err := m.buildSecretsImage(tenantID, poolID, pool, stagingDir)
	if err != nil {
		return err
	}
	configDrive, err := m.buildConfigImage(inst, pool, stagingDir)
	if err != nil {
		return err
	}

	mask, _ := subnet.Mask.Size()
	cfg := vmm.InstanceConfig{
		BaseConfigPath: revision.FCBasePath,
		KernelPath:     revision.VmlinuxPath,
		VCPUCount:      int(pool.InstanceResources.VCPUs),
		MemSizeMiB:     int(pool.InstanceResources.MemMiB),
		GuestIP:        net.ParseIP(inst.Net.GuestIP),
		GatewayIP:      net.ParseIP(inst.Net.GatewayIP),
		CIDRMaskBits:   mask,
		TapDevice:      inst.Net.TapDev,
		GuestMAC:       mac,
		VsockPath:      "vsock.sock",
		GuestCID:       guestCID,
		RootfsPath:     revision.RootfsPath,
		ConfigDrive:    configDrive,
		DataDrive:      dataDrive,
		SecretsDrive:   secretsDrive,
	}

	if m.Production && !vmm.JailerAvailable() {
		return ferr.New(ferr.ConfigInvalid, "Wake", "production mode requires a working jailer")
	}

	handle, err := vmm.Start(ctx, vmm.StartOptions{
		InstanceDir:    m.Root.InstanceDir(tenantID, poolID, instanceID),
		InstanceID:     instanceID,
		Jailed:         vmm.JailerAvailable(),
		FirecrackerBin: m.FirecrackerBin,
		Config:         cfg,
		TenantNetID:    tenant.Network.TenantNetID,
		IPOffset:       inst.Net.IPOffset,
		DataDiskPath:   dataDrive,
		SecretsPath:    secretsDrive,
		SeccompFilter:  m.seccompFilter(pool.SeccompPolicy),
		CgroupRoot:     m.CgroupRoot,
		MaxPids:        512,
		APIWaitTimeout: 3 * time.Second,
		SkipBoot:       true,
	})
	if err != nil {
		return err
	}

	restored, err := m.Snapshots.Restore(ctx, handle.Client, tenantID, poolID, instanceID)
	if err != nil {
		vmm.Stop(handle, time.Duration(pool.RuntimePolicy.GracefulShutdownSeconds)*time.Second)
		return err
	}
	if !restored {
		vmm.Stop(handle, time.Duration(pool.RuntimePolicy.GracefulShutdownSeconds)*time.Second)
		return ferr.New(ferr.SnapshotIncompat, "Wake", "no base snapshot to restore from")
	}

	cleanupTAP = false

	vsockPath := m.Root.InstanceVsockPath(tenantID, poolID, instanceID, handle.Jailed)
	if conn, err := guestchan.WaitReady(vsockPath, guestAgentPort, 5*time.Second, 500*time.Millisecond); err == nil {
		conn.Send(guestchan.NewWake())
		conn.Close()
	}

	nowT := now()
	inst.Status = store.StatusRunning
	inst.FirecrackerPID = handle.Launched.PID
	inst.Jailed = handle.Jailed
	inst.CgroupPath = handle.CgroupPath
	inst.EnteredRunningAt = &nowT
	inst.EnteredWarmAt = nil
	stampManualOverride(inst, actor)
	if err := m.Root.SaveInstance(inst); err != nil {
		vmm.Stop(handle, time.Duration(pool.RuntimePolicy.GracefulShutdownSeconds)*time.Second)
		return err
	}

	m.Snapshots.RemoveDelta(tenantID, poolID, instanceID)
	m.audit(actor, "InstanceWoken", tenantID, poolID, instanceID, "")
	return nil
}
