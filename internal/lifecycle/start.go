package lifecycle

import (
	"context"
	"net"
	"os"
	"time"

	"fleetd/internal/diskutil"
	"fleetd/internal/ferr"
	"fleetd/internal/network"
	"fleetd/internal/policy"
	"fleetd/internal/statemachine"
	"fleetd/internal/store"
	"fleetd/internal/vmm"
)

// guestCID is the fixed vsock context ID every guest listens on; the
// host side is distinguished by the per-instance UDS path, not by
// CID, so one fixed value is sufficient.
const guestCID uint32 = 3

const guestAgentPort = 7777

// Start transitions an instance to Running. From Ready or Stopped this
// launches a fresh VMM: ensure the tenant bridge and TAP, create the
// resource group, materialize a fresh data disk plus ephemeral
// secrets/config images, write and apply the VMM config, and drive
// the control API through boot. From Warm the underlying VMM process
// never stopped, only paused, so this instead just resumes it — the
// state table's "resume" trigger has no separate public verb.
func (m *Manager) Start(ctx context.Context, tenantID, poolID, instanceID string, actor store.AuditActor) error {
	lock, err := store.Lock(m.Root.InstanceLockPath(tenantID, poolID, instanceID))
	if err != nil {
		return err
	}
	defer lock.Unlock()

	inst, err := m.Root.LoadInstance(tenantID, poolID, instanceID)
	if err != nil {
		return err
	}
	if err := m.checkManualOverride(inst, actor); err != nil {
		return err
	}
	if inst.Status == store.StatusWarm {
		return m.resumeWarm(inst, actor)
	}

	tenant, err := m.Root.LoadTenant(tenantID)
	if err != nil {
		return err
	}
	pool, err := m.Root.LoadPool(tenantID, poolID)
	if err != nil {
		return err
	}

	trigger := statemachine.TriggerStart
	if inst.Status == store.StatusStopped {
		trigger = statemachine.TriggerFreshBoot
	}
	if _, err := statemachine.Next(inst.Status, trigger, statemachine.GuardInput{Now: now()}); err != nil {
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
		return ferr.Wrap(ferr.AddressInvalid, "Start", err)
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
		return ferr.Wrap(ferr.AddressInvalid, "Start", err)
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

	runtimeDir := m.Root.InstanceRuntimeDir(tenantID, poolID, instanceID)
	if err := os.MkdirAll(runtimeDir, 0o755); err != nil {
		return ferr.Wrap(ferr.IO, "Start", err)
	}

	dataDrive, cleanupDisk, err := m.prepareDataDisk(tenantID, poolID, instanceID, pool)
	if err != nil {
		return err
	}
	defer func() {
		if cleanupDisk != nil {
			cleanupDisk()
		}
	}()

	stagingDir := m.Root.InstanceStagingDir(tenantID, poolID, instanceID)
	if err := os.MkdirAll(stagingDir, 0o700); err != nil {
		return ferr.Wrap(ferr.IO, "Start", err)
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

	if m.Production && !vmm.JailerAvailable() {
		return ferr.New(ferr.ConfigInvalid, "Start", "production mode requires a working jailer")
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
	})
	if err != nil {
		return err
	}

	cleanupTAP = false
	cleanupDisk = nil

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

	m.audit(actor, "InstanceStarted", tenantID, poolID, instanceID, "")
	return nil
}

// resumeWarm unpauses a Warm instance's still-live VMM process in
// place: no relaunch, no snapshot, no identity reallocation.
func (m *Manager) resumeWarm(inst *store.Instance, actor store.AuditActor) error {
	if _, err := statemachine.Next(inst.Status, statemachine.TriggerResume, statemachine.GuardInput{Now: now()}); err != nil {
		return err
	}

	socketPath := m.Root.InstanceSocketPath(inst.TenantID, inst.PoolID, inst.InstanceID, inst.Jailed)
	client := vmm.NewClient(socketPath, 3*time.Second)
	if err := client.ResumeVM(); err != nil {
		return err
	}

	nowT := now()
	inst.Status = store.StatusRunning
	inst.EnteredRunningAt = &nowT
	inst.EnteredWarmAt = nil
	stampManualOverride(inst, actor)
	if err := m.Root.SaveInstance(inst); err != nil {
		return err
	}

	m.audit(actor, "InstanceStarted", inst.TenantID, inst.PoolID, inst.InstanceID, "resumed from warm")
	return nil
}

// prepareDataDisk ensures the persistent volume exists (opening it
// from its encrypted-at-rest form when a KeyProvider is configured)
// and returns the plaintext path the VMM should attach plus a cleanup
// to reseal it on any later failure before the instance is recorded
// as running.
func (m *Manager) prepareDataDisk(tenantID, poolID, instanceID string, pool *store.Pool) (string, func(), error) {
	plainPath := m.Root.InstanceDataDiskPath(tenantID, poolID, instanceID)
	if m.KeyProvider == nil {
		if err := diskutil.EnsureDataDisk(plainPath, pool.InstanceResources.DataDiskMiB); err != nil {
			return "", nil, err
		}
		return plainPath, nil, nil
	}

	sealedPath := m.Root.InstanceSealedDataDiskPath(tenantID, poolID, instanceID)
	if err := os.MkdirAll(m.Root.InstanceVolumesDir(tenantID, poolID, instanceID), 0o700); err != nil {
		return "", nil, ferr.Wrap(ferr.IO, "prepareDataDisk", err)
	}
	vol, err := diskutil.OpenEncryptedVolume(m.KeyProvider, tenantID, sealedPath, plainPath)
	if err != nil {
		return "", nil, err
	}
	if err := diskutil.EnsureDataDisk(plainPath, pool.InstanceResources.DataDiskMiB); err != nil {
		diskutil.CloseEncryptedVolume(vol, tenantID)
		return "", nil, err
	}
	cleanup := func() {
		diskutil.CloseEncryptedVolume(vol, tenantID)
	}
	return plainPath, cleanup, nil
}

func (m *Manager) buildSecretsImage(tenantID, poolID string, pool *store.Pool, stagingDir string) (string, error) {
	secrets, err := m.Root.LoadTenantSecrets(tenantID)
	if err != nil {
		return "", err
	}
	src := diskutil.SecretsSource{Flat: secrets.Flat}
	if len(pool.SecretScopes) > 0 && secrets.Scoped != nil {
		scoped := make(map[string]map[string]string, len(pool.SecretScopes))
		for _, scope := range pool.SecretScopes {
			kv, ok := secrets.Scoped[scope.Integration]
			if !ok {
				continue
			}
			filtered := make(map[string]string, len(scope.Keys))
			for _, k := range scope.Keys {
				if v, ok := kv[k]; ok {
					filtered[k] = v
				}
			}
			scoped[scope.Integration] = filtered
		}
		src = diskutil.SecretsSource{Scoped: scoped}
	}
	return diskutil.BuildSecretsImage(stagingDir, src)
}

func (m *Manager) buildConfigImage(inst *store.Instance, pool *store.Pool, stagingDir string) (string, error) {
	cfg := diskutil.ConfigImage{
		InstanceID: inst.InstanceID,
		PoolID:     inst.PoolID,
		TenantID:   inst.TenantID,
		GuestIP:    inst.Net.GuestIP,
		VCPUs:      pool.InstanceResources.VCPUs,
		MemMiB:     pool.InstanceResources.MemMiB,
		MinRuntimePolicy: map[string]any{
			"min_running_seconds": pool.RuntimePolicy.MinRunningSeconds,
			"min_warm_seconds":    pool.RuntimePolicy.MinWarmSeconds,
		},
	}
	for _, scope := range pool.SecretScopes {
		cfg.Integrations = append(cfg.Integrations, scope.Integration)
	}
	if pool.Role == store.RoleGateway && pool.RoutingTable != nil {
		cfg.RoutesJSON = pool.RoutingTable
	}
	return diskutil.BuildConfigImage(stagingDir, cfg)
}
