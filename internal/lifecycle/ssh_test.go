package lifecycle

import (
	"testing"

	"fleetd/internal/ferr"
	"fleetd/internal/store"
)

func TestSSHRefusedInProduction(t *testing.T) {
	root := store.NewRoot(t.TempDir())
	m := &Manager{Root: root, Production: true}
	err := m.SSH("tenant-a", "pool-a", "i-1", "/dev/null")
	if ferr.KindOf(err) != ferr.ConfigInvalid {
		t.Errorf("expected ConfigInvalid when PRODUCTION is set, got %v", err)
	}
}

func TestSSHRefusedWhenInstanceNotRunning(t *testing.T) {
	root := store.NewRoot(t.TempDir())
	if err := root.SaveInstance(&store.Instance{
		TenantID:   "tenant-a",
		PoolID:     "pool-a",
		InstanceID: "i-1",
		Status:     store.StatusWarm,
	}); err != nil {
		t.Fatal(err)
	}

	m := &Manager{Root: root}
	err := m.SSH("tenant-a", "pool-a", "i-1", "/dev/null")
	if ferr.KindOf(err) != ferr.InvalidTransition {
		t.Errorf("expected InvalidTransition for a non-Running instance, got %v", err)
	}
}
