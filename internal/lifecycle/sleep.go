package lifecycle

import (
	"time"

	"fleetd/internal/guestchan"
	"fleetd/internal/statemachine"
	"fleetd/internal/store"
	"fleetd/internal/vmm"
)

// Sleep moves a Warm instance to Sleeping: best-effort guest-channel
// drain, pause, delta snapshot, VMM termination. TAP and the data
// volume are left in place so wake can reattach them without
// reallocating identity.
func (m *Manager) Sleep(tenantID, poolID, instanceID string, force bool, actor store.AuditActor) error {
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

	if _, err := statemachine.Next(inst.Status, statemachine.TriggerSleep, m.guardInput(inst, pool, force)); err != nil {
		return err
	}

	drainTimeout := time.Duration(pool.RuntimePolicy.DrainTimeoutSeconds) * time.Second
	if !force {
		m.drainGuest(tenantID, poolID, instanceID, inst, pool, drainTimeout, actor)
	}

	socketPath := m.Root.InstanceSocketPath(tenantID, poolID, instanceID, inst.Jailed)
	client := vmm.NewClient(socketPath, 3*time.Second)
	client.PauseVM()

	if err := m.Snapshots.CreateDelta(client, tenantID, poolID, instanceID, pool.SnapshotCompression); err != nil {
		return err
	}

	handle := &vmm.Handle{
		Launched:   &vmm.Launched{PID: inst.FirecrackerPID},
		CgroupPath: inst.CgroupPath,
	}
	vmm.Stop(handle, time.Duration(pool.RuntimePolicy.GracefulShutdownSeconds)*time.Second)

	inst.Status = store.StatusSleeping
	inst.FirecrackerPID = 0
	inst.CgroupPath = ""
	inst.EnteredWarmAt = nil
	stampManualOverride(inst, actor)
	if err := m.Root.SaveInstance(inst); err != nil {
		return err
	}

	m.audit(actor, "InstanceSlept", tenantID, poolID, instanceID, "")
	return nil
}

// drainGuest asks the guest to checkpoint its declared integrations
// and prepare for sleep, tolerating any failure to reach it: an
// unreachable or unresponsive guest channel never blocks sleep beyond
// drainTimeout, it only costs an audited runtime-guard override.
func (m *Manager) drainGuest(tenantID, poolID, instanceID string, inst *store.Instance, pool *store.Pool, drainTimeout time.Duration, actor store.AuditActor) {
	vsockPath := m.Root.InstanceVsockPath(tenantID, poolID, instanceID, inst.Jailed)
	conn, err := guestchan.Dial(vsockPath, guestAgentPort, 2*time.Second)
	if err != nil {
		m.audit(actor, "MinRuntimeOverridden", tenantID, poolID, instanceID, "guest channel unreachable: "+err.Error())
		return
	}
	defer conn.Close()

	if len(pool.SecretScopes) > 0 {
		names := make([]string, 0, len(pool.SecretScopes))
		for _, s := range pool.SecretScopes {
			names = append(names, s.Integration)
		}
		conn.Exchange(guestchan.NewCheckpointIntegrations(names), drainTimeout)
	}

	m.audit(actor, "SleepPrepRequested", tenantID, poolID, instanceID, "")
	resp, err := conn.Exchange(guestchan.NewSleepPrep(uint32(drainTimeout.Seconds())), drainTimeout)
	if err != nil || resp.SleepPrepAck == nil || !resp.SleepPrepAck.Success {
		m.audit(actor, "MinRuntimeOverridden", tenantID, poolID, instanceID, "sleep-prep drain timed out or failed")
	}
}
