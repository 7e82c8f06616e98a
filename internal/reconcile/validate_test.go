package reconcile

import (
	"testing"

	"fleetd/internal/ferr"
	"fleetd/internal/store"
)

func validDesiredState() DesiredState {
	return DesiredState{
		SchemaVersion: 1,
		NodeID:        "node-a",
		Tenants: []DesiredTenant{{
			TenantID: "tenant-a",
			Network:  store.TenantNetwork{IPv4Subnet: "10.1.2.0/24"},
			Pools: []DesiredPool{{
				PoolID:            "pool-a",
				Role:              "worker",
				InstanceResources: store.InstanceResources{VCPUs: 1},
			}},
		}},
	}
}

func TestValidateAcceptsWellFormedDocument(t *testing.T) {
	if err := Validate(validDesiredState()); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestValidateRejectsUnsupportedSchemaVersion(t *testing.T) {
	ds := validDesiredState()
	ds.SchemaVersion = 2
	if err := Validate(ds); ferr.KindOf(err) != ferr.ConfigInvalid {
		t.Errorf("expected ConfigInvalid for an unsupported schema_version, got %v", err)
	}
}

func TestValidateRejectsMissingNodeID(t *testing.T) {
	ds := validDesiredState()
	ds.NodeID = ""
	if err := Validate(ds); ferr.KindOf(err) != ferr.ConfigInvalid {
		t.Errorf("expected ConfigInvalid for a missing node_id, got %v", err)
	}
}

func TestValidateRejectsDuplicateTenantID(t *testing.T) {
	ds := validDesiredState()
	ds.Tenants = append(ds.Tenants, ds.Tenants[0])
	if err := Validate(ds); ferr.KindOf(err) != ferr.ConfigInvalid {
		t.Errorf("expected ConfigInvalid for a duplicate tenant_id, got %v", err)
	}
}

func TestValidateRejectsMalformedSubnet(t *testing.T) {
	ds := validDesiredState()
	ds.Tenants[0].Network.IPv4Subnet = "not-a-cidr"
	if err := Validate(ds); ferr.KindOf(err) != ferr.AddressInvalid {
		t.Errorf("expected AddressInvalid for a malformed subnet, got %v", err)
	}
}

func TestValidateRejectsUnknownRole(t *testing.T) {
	ds := validDesiredState()
	ds.Tenants[0].Pools[0].Role = "not-a-role"
	if err := Validate(ds); ferr.KindOf(err) != ferr.ConfigInvalid {
		t.Errorf("expected ConfigInvalid for an unknown pool role, got %v", err)
	}
}

func TestValidateRejectsZeroVCPUs(t *testing.T) {
	ds := validDesiredState()
	ds.Tenants[0].Pools[0].InstanceResources.VCPUs = 0
	if err := Validate(ds); ferr.KindOf(err) != ferr.ConfigInvalid {
		t.Errorf("expected ConfigInvalid for vcpus=0, got %v", err)
	}
}

func TestValidateRejectsDesiredCountOverCap(t *testing.T) {
	ds := validDesiredState()
	ds.Tenants[0].Pools[0].DesiredCounts.Running = maxDesiredCount + 1
	if err := Validate(ds); ferr.KindOf(err) != ferr.ConfigInvalid {
		t.Errorf("expected ConfigInvalid for a desired_counts value over the cap, got %v", err)
	}
}

func TestValidateRejectsDuplicatePoolID(t *testing.T) {
	ds := validDesiredState()
	ds.Tenants[0].Pools = append(ds.Tenants[0].Pools, ds.Tenants[0].Pools[0])
	if err := Validate(ds); ferr.KindOf(err) != ferr.ConfigInvalid {
		t.Errorf("expected ConfigInvalid for a duplicate pool_id, got %v", err)
	}
}
