package reconcile

import (
	"context"
	"log"
	"net"
	"sort"
	"time"

	"fleetd/internal/ferr"
	"fleetd/internal/lifecycle"
	"fleetd/internal/network"
	"fleetd/internal/policy"
	"fleetd/internal/statemachine"
	"fleetd/internal/store"
)

// Reconciler drives on-disk state toward a DesiredState document by
// composing the lifecycle API (I) and the sleep policy (J). One
// Reconciler serves one node agent process, same scope as the
// lifecycle.Manager it wraps.
type Reconciler struct {
	Root       *store.Root
	Lifecycle  *lifecycle.Manager
	Thresholds policy.Thresholds
	// RequestBuild is called when a pool's flake_ref changes or it has
	// no current_revision_hash yet. The build itself happens out of
	// process; Reconcile only skips scaling that pool until a revision
	// shows up.
	RequestBuild func(tenantID, poolID, flakeRef string) error
	Logger       *log.Logger
}

func nowUTC() time.Time { return time.Now().UTC() }

// Reconcile runs one full tick: validate, maintenance sweep, per-tenant
// ensure/scale/sleep, then prune. It never returns a partial report on
// a per-instance failure — those are collected into Report.Errors and
// the tick continues.
func (rc *Reconciler) Reconcile(ctx context.Context, ds DesiredState, actor store.AuditActor) (Report, error) {
	var report Report

	if err := Validate(ds); err != nil {
		return report, err
	}

	runMaintenance(rc.Root, rc.Logger)

	desiredTenantIDs := map[string]bool{}
	for _, dt := range ds.Tenants {
		desiredTenantIDs[dt.TenantID] = true
		rc.reconcileTenant(ctx, dt, actor, &report)
	}

	if ds.PruneUnknownPools {
		rc.prunePools(ds, actor, &report)
	}
	if ds.PruneUnknownTenants {
		rc.pruneTenants(desiredTenantIDs, actor, &report)
	}

	return report, nil
}

func (rc *Reconciler) reconcileTenant(ctx context.Context, dt DesiredTenant, actor store.AuditActor, report *Report) {
	tenant, err := rc.Root.LoadTenant(dt.TenantID)
	if err != nil {
		tenant = &store.Tenant{TenantID: dt.TenantID}
	}
	tenant.TenantID = dt.TenantID
	tenant.Network = dt.Network
	tenant.Quotas = dt.Quotas
	if err := rc.Root.SaveTenant(tenant); err != nil {
		report.addErr(err)
		return
	}

	tnet, err := rc.tenantNet(tenant)
	if err != nil {
		report.addErr(err)
		return
	}
	if err := network.EnsureTenantBridge(tnet); err != nil {
		report.addErr(err)
		return
	}

	pools := append([]DesiredPool(nil), dt.Pools...)
	sort.SliceStable(pools, func(i, j int) bool {
		ri, _ := store.NormalizeRole(pools[i].Role)
		rj, _ := store.NormalizeRole(pools[j].Role)
		return store.RolePriority(ri) < store.RolePriority(rj)
	})

	for _, dp := range pools {
		rc.reconcilePoolScaleUp(ctx, dt.TenantID, dp, actor, report)
	}

	for i := len(pools) - 1; i >= 0; i-- {
		rc.reconcilePoolSleepPolicy(dt.TenantID, pools[i], actor, report)
	}
}

func (rc *Reconciler) tenantNet(tenant *store.Tenant) (*network.TenantNet, error) {
	_, subnet, err := net.ParseCIDR(tenant.Network.IPv4Subnet)
	if err != nil {
		return nil, err
	}
	return network.NewTenantNet(tenant.Network.TenantNetID, subnet)
}

func (rc *Reconciler) reconcilePoolScaleUp(ctx context.Context, tenantID string, dp DesiredPool, actor store.AuditActor, report *Report) {
	pool, err := rc.Root.LoadPool(tenantID, dp.PoolID)
	if err != nil {
		role, capName := store.NormalizeRole(dp.Role)
		pool = &store.Pool{
			TenantID:       tenantID,
			PoolID:         dp.PoolID,
			Role:           role,
			CapabilityName: capName,
		}
	}
	needsBuild := pool.FlakeRef != dp.FlakeRef || pool.CurrentRevisionHash == ""
	pool.FlakeRef = dp.FlakeRef
	pool.Profile = dp.Profile
	pool.InstanceResources = dp.InstanceResources
	pool.DesiredCounts = dp.DesiredCounts
	pool.RuntimePolicy = fillRuntimeDefaults(dp.RuntimePolicy)
	pool.SecretScopes = dp.SecretScopes
	pool.RoutingTable = dp.RoutingTable
	if err := rc.Root.SavePool(pool); err != nil {
		report.addErr(err)
		return
	}

	if needsBuild && pool.CurrentRevisionHash == "" {
		if rc.RequestBuild != nil {
			if err := rc.RequestBuild(tenantID, dp.PoolID, dp.FlakeRef); err != nil {
				report.addErr(err)
			}
		}
		return
	}

	if poolIsProtected(pool) {
		report.Deferred++
		return
	}

	instanceIDs, err := rc.Root.ListInstances(tenantID, dp.PoolID)
	if err != nil {
		report.addErr(err)
		return
	}
	classes := classifyInstances(rc.Root, tenantID, dp.PoolID, instanceIDs)

	rc.scaleUpRunning(ctx, tenantID, dp.PoolID, pool, classes, actor, report)
	rc.scaleWarmSleep(ctx, tenantID, dp.PoolID, pool, classes, actor, report)
	rc.scaleDown(tenantID, dp.PoolID, pool, classes, actor, report)
}

func (rc *Reconciler) reconcilePoolSleepPolicy(tenantID string, dp DesiredPool, actor store.AuditActor, report *Report) {
	pool, err := rc.Root.LoadPool(tenantID, dp.PoolID)
	if err != nil {
		return
	}
	instanceIDs, err := rc.Root.ListInstances(tenantID, dp.PoolID)
	if err != nil {
		report.addErr(err)
		return
	}
	now := nowUTC()
	for _, instanceID := range instanceIDs {
		inst, err := rc.Root.LoadInstance(tenantID, dp.PoolID, instanceID)
		if err != nil {
			continue
		}
		eligible := policy.Eligible(pool, inst, now)
		var trigger statemachine.Trigger
		switch inst.Status {
		case store.StatusRunning:
			trigger = statemachine.TriggerWarm
		case store.StatusWarm:
			trigger = statemachine.TriggerSleep
		default:
			continue
		}
		guardOK := statemachine.CanTransition(inst.Status, trigger) && guardPasses(inst, pool, trigger, now)
		decision := policy.Evaluate(inst.Status, inst.Idle, rc.Thresholds, eligible, guardOK)
		rc.applySleepDecision(tenantID, dp.PoolID, instanceID, decision, actor, report)
	}
}

func guardPasses(inst *store.Instance, pool *store.Pool, trigger statemachine.Trigger, now time.Time) bool {
	_, err := statemachine.Next(inst.Status, trigger, statemachine.GuardInput{
		Now:               now,
		EnteredRunningAt:  inst.EnteredRunningAt,
		EnteredWarmAt:     inst.EnteredWarmAt,
		MinRunningSeconds: pool.RuntimePolicy.MinRunningSeconds,
		MinWarmSeconds:    pool.RuntimePolicy.MinWarmSeconds,
	})
	return err == nil
}

func (rc *Reconciler) applySleepDecision(tenantID, poolID, instanceID string, decision policy.Decision, actor store.AuditActor, report *Report) {
	switch decision {
	case policy.DecisionWarm:
		if err := rc.Lifecycle.Warm(tenantID, poolID, instanceID, actor); err != nil {
			recordDeferredOrErr(report, err)
		} else {
			report.Warmed++
		}
	case policy.DecisionSleep:
		if err := rc.Lifecycle.Sleep(tenantID, poolID, instanceID, false, actor); err != nil {
			recordDeferredOrErr(report, err)
		} else {
			report.Slept++
		}
	case policy.DecisionDefer:
		rc.Root.AppendAudit(store.AuditEntry{
			Timestamp:  nowUTC(),
			Actor:      store.ActorReconcile,
			Action:     "TransitionDeferred",
			TenantID:   tenantID,
			PoolID:     poolID,
			InstanceID: instanceID,
		})
		report.Deferred++
	}
}

// recordDeferredOrErr counts a manual-override refusal as a deferred
// tick rather than a hard error: the lifecycle API enforces the
// override window (per its own checkManualOverride), and reconcile
// getting turned away by it is expected behavior, not a failure.
func recordDeferredOrErr(report *Report, err error) {
	if ferr.KindOf(err) == ferr.TransitionDeferred {
		report.Deferred++
		return
	}
	report.addErr(err)
}

func fillRuntimeDefaults(rp store.RuntimePolicy) store.RuntimePolicy {
	def := store.DefaultRuntimePolicy()
	if rp.MinRunningSeconds == 0 {
		rp.MinRunningSeconds = def.MinRunningSeconds
	}
	if rp.MinWarmSeconds == 0 {
		rp.MinWarmSeconds = def.MinWarmSeconds
	}
	if rp.DrainTimeoutSeconds == 0 {
		rp.DrainTimeoutSeconds = def.DrainTimeoutSeconds
	}
	if rp.GracefulShutdownSeconds == 0 {
		rp.GracefulShutdownSeconds = def.GracefulShutdownSeconds
	}
	return rp
}

func (rc *Reconciler) prunePools(ds DesiredState, actor store.AuditActor, report *Report) {
	for _, dt := range ds.Tenants {
		desired := map[string]bool{}
		for _, dp := range dt.Pools {
			desired[dp.PoolID] = true
		}
		existing, err := rc.Root.ListPools(dt.TenantID)
		if err != nil {
			continue
		}
		for _, poolID := range existing {
			if desired[poolID] {
				continue
			}
			rc.destroyPool(dt.TenantID, poolID, actor, report)
		}
	}
}

// poolIsProtected reports whether a pool must never be transitioned
// or torn down by the reconcile loop, regardless of desired-state or
// idle-sleep policy.
func poolIsProtected(pool *store.Pool) bool {
	return pool.Pinned || pool.Critical
}

func (rc *Reconciler) pruneTenants(desired map[string]bool, actor store.AuditActor, report *Report) {
	existing, err := rc.Root.ListTenants()
	if err != nil {
		return
	}
	for _, tenantID := range existing {
		if desired[tenantID] {
			continue
		}
		tenant, err := rc.Root.LoadTenant(tenantID)
		if err != nil {
			report.addErr(err)
			continue
		}
		if tenant.Pinned {
			report.Deferred++
			continue
		}
		pools, err := rc.Root.ListPools(tenantID)
		if err != nil {
			report.addErr(err)
			continue
		}
		for _, poolID := range pools {
			rc.destroyPool(tenantID, poolID, actor, report)
		}
		if tnet, err := rc.tenantNet(tenant); err == nil {
			network.DestroyTenantBridge(tnet)
		}
		if err := rc.Root.DeleteTenant(tenantID); err != nil {
			report.addErr(err)
		}
	}
}

func (rc *Reconciler) destroyPool(tenantID, poolID string, actor store.AuditActor, report *Report) {
	if pool, err := rc.Root.LoadPool(tenantID, poolID); err == nil && poolIsProtected(pool) {
		report.Deferred++
		return
	}
	instanceIDs, err := rc.Root.ListInstances(tenantID, poolID)
	if err != nil {
		report.addErr(err)
		return
	}
	for _, instanceID := range instanceIDs {
		if err := rc.Lifecycle.Destroy(tenantID, poolID, instanceID, true, actor); err != nil {
			report.addErr(err)
			continue
		}
		report.Destroyed++
	}
	if err := rc.Root.DeletePool(tenantID, poolID); err != nil {
		report.addErr(err)
	}
}
