package reconcile

import (
	"log"

	"fleetd/internal/store"
	"fleetd/internal/vmm"
)

// runMaintenance detects instances whose recorded PID no longer
// exists (agent restarted mid-VMM-life, or the process was killed out
// of band) and marks them Stopped so reconcile's scale-up phase can
// safely start them fresh, matching spec's "no such process ⇒ Stopped"
// maintenance rule.
func runMaintenance(root *store.Root, logger *log.Logger) {
	tenants, err := root.ListTenants()
	if err != nil {
		logger.Printf("maintenance: list tenants: %v", err)
		return
	}
	for _, tenantID := range tenants {
		pools, err := root.ListPools(tenantID)
		if err != nil {
			logger.Printf("maintenance: list pools for %s: %v", tenantID, err)
			continue
		}
		for _, poolID := range pools {
			instanceIDs, err := root.ListInstances(tenantID, poolID)
			if err != nil {
				logger.Printf("maintenance: list instances for %s/%s: %v", tenantID, poolID, err)
				continue
			}
			for _, instanceID := range instanceIDs {
				inst, err := root.LoadInstance(tenantID, poolID, instanceID)
				if err != nil {
					logger.Printf("maintenance: orphan instance dir %s/%s/%s: %v", tenantID, poolID, instanceID, err)
					continue
				}
				if inst.Status != store.StatusRunning && inst.Status != store.StatusWarm {
					continue
				}
				if inst.FirecrackerPID != 0 && vmm.ProcessAlive(inst.FirecrackerPID) {
					continue
				}
				logger.Printf("maintenance: %s/%s/%s recorded %s but pid %d is dead, marking Stopped",
					tenantID, poolID, instanceID, inst.Status, inst.FirecrackerPID)
				inst.Status = store.StatusStopped
				inst.FirecrackerPID = 0
				inst.CgroupPath = ""
				inst.EnteredRunningAt = nil
				inst.EnteredWarmAt = nil
				if err := root.SaveInstance(inst); err != nil {
					logger.Printf("maintenance: save %s/%s/%s: %v", tenantID, poolID, instanceID, err)
				}
			}
		}
	}
}
