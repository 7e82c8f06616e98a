package reconcile

import (
	"context"
	"sort"

	"fleetd/internal/store"
)

// instanceClasses buckets a pool's instances by current status so the
// scale phases can each answer "how many do I have" without re-walking
// the pool directory.
type instanceClasses struct {
	running  []*store.Instance
	warm     []*store.Instance
	sleeping []*store.Instance
	stopped  []*store.Instance
	ready    []*store.Instance
	created  []*store.Instance
}

func classifyInstances(root *store.Root, tenantID, poolID string, instanceIDs []string) instanceClasses {
	var c instanceClasses
	for _, id := range instanceIDs {
		inst, err := root.LoadInstance(tenantID, poolID, id)
		if err != nil {
			continue
		}
		switch inst.Status {
		case store.StatusRunning:
			c.running = append(c.running, inst)
		case store.StatusWarm:
			c.warm = append(c.warm, inst)
		case store.StatusSleeping:
			c.sleeping = append(c.sleeping, inst)
		case store.StatusStopped:
			c.stopped = append(c.stopped, inst)
		case store.StatusReady:
			c.ready = append(c.ready, inst)
		case store.StatusCreated:
			c.created = append(c.created, inst)
		}
	}
	return c
}

// scaleUpRunning drives the Running count toward desired_counts.running
// by preferring the cheapest source first: wake a Sleeping instance,
// resume a Warm one, fresh-boot a Stopped one, and only then allocate
// a brand new instance. Quota is re-checked by the lifecycle calls
// themselves, so a mid-loop quota exhaustion just stops the loop early
// and shows up in Report.Errors.
func (rc *Reconciler) scaleUpRunning(ctx context.Context, tenantID, poolID string, pool *store.Pool, classes instanceClasses, actor store.AuditActor, report *Report) {
	deficit := int(pool.DesiredCounts.Running) - len(classes.running)
	if deficit <= 0 {
		return
	}

	for deficit > 0 && len(classes.sleeping) > 0 {
		inst := classes.sleeping[0]
		classes.sleeping = classes.sleeping[1:]
		if err := rc.Lifecycle.Wake(ctx, tenantID, poolID, inst.InstanceID, actor); err != nil {
			recordDeferredOrErr(report, err)
			continue
		}
		report.Woken++
		deficit--
	}

	for deficit > 0 && len(classes.warm) > 0 {
		inst := classes.warm[0]
		classes.warm = classes.warm[1:]
		if err := rc.Lifecycle.Start(ctx, tenantID, poolID, inst.InstanceID, actor); err != nil {
			recordDeferredOrErr(report, err)
			continue
		}
		report.Started++
		deficit--
	}

	for deficit > 0 && len(classes.stopped) > 0 {
		inst := classes.stopped[0]
		classes.stopped = classes.stopped[1:]
		if err := rc.Lifecycle.Start(ctx, tenantID, poolID, inst.InstanceID, actor); err != nil {
			recordDeferredOrErr(report, err)
			continue
		}
		report.Started++
		deficit--
	}

	for deficit > 0 && len(classes.ready) > 0 {
		inst := classes.ready[0]
		classes.ready = classes.ready[1:]
		if err := rc.Lifecycle.Start(ctx, tenantID, poolID, inst.InstanceID, actor); err != nil {
			recordDeferredOrErr(report, err)
			continue
		}
		report.Started++
		deficit--
	}

	for deficit > 0 {
		inst, err := rc.Lifecycle.Create(tenantID, poolID, actor)
		if err != nil {
			report.addErr(err)
			return
		}
		report.Created++
		if inst.Status != store.StatusReady {
			// no built revision yet; scale-up resumes once the build lands
			return
		}
		if err := rc.Lifecycle.Start(ctx, tenantID, poolID, inst.InstanceID, actor); err != nil {
			report.addErr(err)
			return
		}
		report.Started++
		deficit--
	}
}

// scaleWarmSleep tops up the Warm and Sleeping pools from Running (for
// warm) and from Warm (for sleeping), on top of whatever the ordinary
// idle-driven sleep policy already produces. This only fires when the
// desired counts ask for more pre-warmed capacity than idle timing
// alone would create, e.g. pre-warming ahead of expected load.
func (rc *Reconciler) scaleWarmSleep(ctx context.Context, tenantID, poolID string, pool *store.Pool, classes instanceClasses, actor store.AuditActor, report *Report) {
	warmDeficit := int(pool.DesiredCounts.Warm) - len(classes.warm)
	for warmDeficit > 0 && len(classes.running) > 0 {
		inst := classes.running[0]
		classes.running = classes.running[1:]
		if err := rc.Lifecycle.Warm(tenantID, poolID, inst.InstanceID, actor); err != nil {
			recordDeferredOrErr(report, err)
			continue
		}
		report.Warmed++
		classes.warm = append(classes.warm, inst)
		warmDeficit--
	}

	sleepDeficit := int(pool.DesiredCounts.Sleeping) - len(classes.sleeping)
	for sleepDeficit > 0 && len(classes.warm) > 0 {
		inst := classes.warm[0]
		classes.warm = classes.warm[1:]
		if err := rc.Lifecycle.Sleep(tenantID, poolID, inst.InstanceID, false, actor); err != nil {
			recordDeferredOrErr(report, err)
			continue
		}
		report.Slept++
		sleepDeficit--
	}
}

// scaleDown stops the newest Running instances first when the pool has
// more running capacity than desired, on the theory that older
// instances are more likely to hold warm caches or in-flight work the
// newest ones haven't accumulated yet.
func (rc *Reconciler) scaleDown(tenantID, poolID string, pool *store.Pool, classes instanceClasses, actor store.AuditActor, report *Report) {
	excess := len(classes.running) - int(pool.DesiredCounts.Running)
	if excess <= 0 {
		return
	}
	sort.Slice(classes.running, func(i, j int) bool {
		ti, tj := classes.running[i].EnteredRunningAt, classes.running[j].EnteredRunningAt
		if ti == nil || tj == nil {
			return false
		}
		return ti.After(*tj)
	})
	for i := 0; i < excess && i < len(classes.running); i++ {
		inst := classes.running[i]
		if err := rc.Lifecycle.Stop(tenantID, poolID, inst.InstanceID, false, actor); err != nil {
			recordDeferredOrErr(report, err)
			continue
		}
		report.Stopped++
	}
}
