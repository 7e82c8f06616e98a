package lifecycle

import (
	"testing"

	"fleetd/internal/snapshot"
	"fleetd/internal/store"
)

func TestDestroyRemovesAStoppedInstanceWithoutTouchingVMM(t *testing.T) {
	root := store.NewRoot(t.TempDir())
	if err := root.SaveInstance(&store.Instance{
		TenantID:   "tenant-a",
		PoolID:     "pool-a",
		InstanceID: "i-1",
		Status:     store.StatusStopped,
	}); err != nil {
		t.Fatal(err)
	}

	m := &Manager{Root: root, Snapshots: snapshot.NewEngine(root, nil)}
	if err := m.Destroy("tenant-a", "pool-a", "i-1", false, store.ActorManual); err != nil {
		t.Fatalf("Destroy: %v", err)
	}

	if _, err := root.LoadInstance("tenant-a", "pool-a", "i-1"); err == nil {
		t.Error("expected the instance record to be gone after Destroy")
	}
}

func TestDestroyWithWipeRemovesVolumesDir(t *testing.T) {
	root := store.NewRoot(t.TempDir())
	if err := root.SaveInstance(&store.Instance{
		TenantID:   "tenant-a",
		PoolID:     "pool-a",
		InstanceID: "i-1",
		Status:     store.StatusCreated,
	}); err != nil {
		t.Fatal(err)
	}

	m := &Manager{Root: root, Snapshots: snapshot.NewEngine(root, nil)}
	if err := m.Destroy("tenant-a", "pool-a", "i-1", true, store.ActorManual); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if _, err := root.LoadInstance("tenant-a", "pool-a", "i-1"); err == nil {
		t.Error("expected the instance record to be gone after a wiping Destroy")
	}
}

func TestDestroyMissingInstanceErrors(t *testing.T) {
	root := store.NewRoot(t.TempDir())
	m := &Manager{Root: root, Snapshots: snapshot.NewEngine(root, nil)}
	if err := m.Destroy("tenant-a", "pool-a", "ghost", false, store.ActorManual); err == nil {
		t.Fatal("expected an error destroying a nonexistent instance")
	}
}
