package reconcile

import (
	"testing"

	"fleetd/internal/store"
)

func TestDestroyPoolDefersOnPinnedPool(t *testing.T) {
	root := store.NewRoot(t.TempDir())
	if err := root.SavePool(&store.Pool{TenantID: "tenant-a", PoolID: "pool-a", Pinned: true}); err != nil {
		t.Fatal(err)
	}
	rc := &Reconciler{Root: root}
	report := &Report{}

	rc.destroyPool("tenant-a", "pool-a", store.ActorReconcile, report)

	if report.Deferred != 1 {
		t.Errorf("Deferred = %d, want 1", report.Deferred)
	}
	if _, err := root.LoadPool("tenant-a", "pool-a"); err != nil {
		t.Errorf("expected a pinned pool to survive destroyPool, LoadPool err = %v", err)
	}
}

func TestDestroyPoolDefersOnCriticalPool(t *testing.T) {
	root := store.NewRoot(t.TempDir())
	if err := root.SavePool(&store.Pool{TenantID: "tenant-a", PoolID: "pool-a", Critical: true}); err != nil {
		t.Fatal(err)
	}
	rc := &Reconciler{Root: root}
	report := &Report{}

	rc.destroyPool("tenant-a", "pool-a", store.ActorReconcile, report)

	if report.Deferred != 1 {
		t.Errorf("Deferred = %d, want 1", report.Deferred)
	}
	if _, err := root.LoadPool("tenant-a", "pool-a"); err != nil {
		t.Errorf("expected a critical pool to survive destroyPool, LoadPool err = %v", err)
	}
}

func TestDestroyPoolDeletesUnprotectedEmptyPool(t *testing.T) {
	root := store.NewRoot(t.TempDir())
	if err := root.SavePool(&store.Pool{TenantID: "tenant-a", PoolID: "pool-a"}); err != nil {
		t.Fatal(err)
	}
	rc := &Reconciler{Root: root}
	report := &Report{}

	rc.destroyPool("tenant-a", "pool-a", store.ActorReconcile, report)

	if report.Deferred != 0 {
		t.Errorf("Deferred = %d, want 0", report.Deferred)
	}
	if _, err := root.LoadPool("tenant-a", "pool-a"); err == nil {
		t.Error("expected an unprotected pool to be deleted by destroyPool")
	}
}

func TestPruneTenantsSkipsPinnedTenant(t *testing.T) {
	root := store.NewRoot(t.TempDir())
	if err := root.SaveTenant(&store.Tenant{TenantID: "tenant-a", Pinned: true}); err != nil {
		t.Fatal(err)
	}
	rc := &Reconciler{Root: root}
	report := &Report{}

	rc.pruneTenants(map[string]bool{}, store.ActorReconcile, report)

	if report.Deferred != 1 {
		t.Errorf("Deferred = %d, want 1", report.Deferred)
	}
	if _, err := root.LoadTenant("tenant-a"); err != nil {
		t.Errorf("expected a pinned tenant to survive pruneTenants, LoadTenant err = %v", err)
	}
}

func TestReconcilePoolScaleUpDefersOnProtectedPool(t *testing.T) {
	root := store.NewRoot(t.TempDir())
	if err := root.SavePool(&store.Pool{
		TenantID:            "tenant-a",
		PoolID:              "pool-a",
		Pinned:              true,
		CurrentRevisionHash: "rev-1",
	}); err != nil {
		t.Fatal(err)
	}
	rc := &Reconciler{Root: root}
	report := &Report{}

	rc.reconcilePoolScaleUp(nil, "tenant-a", DesiredPool{PoolID: "pool-a"}, store.ActorReconcile, report)

	if report.Deferred != 1 {
		t.Errorf("Deferred = %d, want 1", report.Deferred)
	}
}
