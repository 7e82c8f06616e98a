package store

import (
	"testing"
)

func TestSaveLoadTenantRoundTrip(t *testing.T) {
	root := NewRoot(t.TempDir())
	tenant := &Tenant{TenantID: "tenant-a", Quotas: Quotas{MaxVCPUs: 8}}

	if err := root.SaveTenant(tenant); err != nil {
		t.Fatalf("SaveTenant: %v", err)
	}
	if tenant.CreatedAt.IsZero() {
		t.Error("expected SaveTenant to stamp CreatedAt")
	}

	got, err := root.LoadTenant("tenant-a")
	if err != nil {
		t.Fatalf("LoadTenant: %v", err)
	}
	if got.TenantID != "tenant-a" || got.Quotas.MaxVCPUs != 8 {
		t.Errorf("unexpected round-tripped tenant: %+v", got)
	}
}

func TestLoadTenantMissingFileErrors(t *testing.T) {
	root := NewRoot(t.TempDir())
	if _, err := root.LoadTenant("ghost"); err == nil {
		t.Error("expected an error loading a tenant that was never saved")
	}
}

func TestListTenantsEnumeratesSavedTenants(t *testing.T) {
	root := NewRoot(t.TempDir())
	for _, id := range []string{"tenant-a", "tenant-b"} {
		if err := root.SaveTenant(&Tenant{TenantID: id}); err != nil {
			t.Fatal(err)
		}
	}

	ids, err := root.ListTenants()
	if err != nil {
		t.Fatalf("ListTenants: %v", err)
	}
	if len(ids) != 2 {
		t.Errorf("expected 2 tenants, got %d: %v", len(ids), ids)
	}
}

func TestListTenantsEmptyRootReturnsNoError(t *testing.T) {
	root := NewRoot(t.TempDir())
	ids, err := root.ListTenants()
	if err != nil {
		t.Fatalf("expected an empty data root to be a valid empty list, got %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("expected no tenants, got %v", ids)
	}
}

func TestDeleteTenantRemovesItsSubtree(t *testing.T) {
	root := NewRoot(t.TempDir())
	if err := root.SaveTenant(&Tenant{TenantID: "tenant-a"}); err != nil {
		t.Fatal(err)
	}
	if err := root.DeleteTenant("tenant-a"); err != nil {
		t.Fatalf("DeleteTenant: %v", err)
	}
	if _, err := root.LoadTenant("tenant-a"); err == nil {
		t.Error("expected the deleted tenant to no longer load")
	}
}

func TestSaveLoadPoolRoundTrip(t *testing.T) {
	root := NewRoot(t.TempDir())
	pool := &Pool{TenantID: "tenant-a", PoolID: "pool-a", InstanceResources: InstanceResources{VCPUs: 2}}

	if err := root.SavePool(pool); err != nil {
		t.Fatalf("SavePool: %v", err)
	}
	got, err := root.LoadPool("tenant-a", "pool-a")
	if err != nil {
		t.Fatalf("LoadPool: %v", err)
	}
	if got.InstanceResources.VCPUs != 2 {
		t.Errorf("expected VCPUs=2, got %d", got.InstanceResources.VCPUs)
	}
}

func TestDeletePoolRemovesItsSubtree(t *testing.T) {
	root := NewRoot(t.TempDir())
	if err := root.SavePool(&Pool{TenantID: "tenant-a", PoolID: "pool-a"}); err != nil {
		t.Fatal(err)
	}
	if err := root.DeletePool("tenant-a", "pool-a"); err != nil {
		t.Fatalf("DeletePool: %v", err)
	}
	if _, err := root.LoadPool("tenant-a", "pool-a"); err == nil {
		t.Error("expected the deleted pool to no longer load")
	}
}

func TestSaveLoadInstanceRoundTrip(t *testing.T) {
	root := NewRoot(t.TempDir())
	inst := &Instance{TenantID: "tenant-a", PoolID: "pool-a", InstanceID: "i-00000001", Status: StatusRunning}

	if err := root.SaveInstance(inst); err != nil {
		t.Fatalf("SaveInstance: %v", err)
	}
	got, err := root.LoadInstance("tenant-a", "pool-a", "i-00000001")
	if err != nil {
		t.Fatalf("LoadInstance: %v", err)
	}
	if got.Status != StatusRunning {
		t.Errorf("expected Status=Running, got %s", got.Status)
	}
}

func TestListInstancesEnumeratesSavedInstances(t *testing.T) {
	root := NewRoot(t.TempDir())
	for _, id := range []string{"i-00000001", "i-00000002"} {
		if err := root.SaveInstance(&Instance{TenantID: "tenant-a", PoolID: "pool-a", InstanceID: id}); err != nil {
			t.Fatal(err)
		}
	}
	ids, err := root.ListInstances("tenant-a", "pool-a")
	if err != nil {
		t.Fatalf("ListInstances: %v", err)
	}
	if len(ids) != 2 {
		t.Errorf("expected 2 instances, got %v", ids)
	}
}

func TestUsedOffsetsCollectsAcrossPools(t *testing.T) {
	root := NewRoot(t.TempDir())
	if err := root.SaveInstance(&Instance{TenantID: "tenant-a", PoolID: "pool-a", InstanceID: "i-1", Net: InstanceNetwork{IPOffset: 5}}); err != nil {
		t.Fatal(err)
	}
	if err := root.SaveInstance(&Instance{TenantID: "tenant-a", PoolID: "pool-b", InstanceID: "i-2", Net: InstanceNetwork{IPOffset: 9}}); err != nil {
		t.Fatal(err)
	}

	used, err := root.UsedOffsets("tenant-a")
	if err != nil {
		t.Fatalf("UsedOffsets: %v", err)
	}
	found := map[uint8]bool{}
	for _, o := range used {
		found[o] = true
	}
	if !found[5] || !found[9] {
		t.Errorf("expected offsets {5,9} across both pools, got %v", used)
	}
}

func TestSaveLoadRevisionRoundTrip(t *testing.T) {
	root := NewRoot(t.TempDir())
	rev := &Revision{TenantID: "tenant-a", PoolID: "pool-a", RevisionHash: "deadbeef"}
	if err := root.SaveRevision(rev); err != nil {
		t.Fatalf("SaveRevision: %v", err)
	}
	got, err := root.LoadRevision("tenant-a", "pool-a", "deadbeef")
	if err != nil {
		t.Fatalf("LoadRevision: %v", err)
	}
	if got.RevisionHash != "deadbeef" {
		t.Errorf("expected revision hash deadbeef, got %s", got.RevisionHash)
	}
}
