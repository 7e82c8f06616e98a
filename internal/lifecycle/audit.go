package lifecycle

import "fleetd/internal/store"

// audit appends one audit entry, tolerating a write failure by
// logging nowhere in particular — audit is best-effort with respect
// to the operation's own success, per the lifecycle sequencing rule
// that state always reflects reality even if the audit trail lags.
func (m *Manager) audit(actor store.AuditActor, action, tenantID, poolID, instanceID, reason string) {
	m.Root.AppendAudit(store.AuditEntry{
		Timestamp:  now(),
		Actor:      actor,
		Action:     action,
		TenantID:   tenantID,
		PoolID:     poolID,
		InstanceID: instanceID,
		Reason:     reason,
	})
}
