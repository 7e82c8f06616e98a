package snapshot

import (
	"path/filepath"
	"testing"

	"fleetd/internal/ferr"
)

func TestValidateTenantScopedAcceptsPathUnderTenant(t *testing.T) {
	root := "/data"
	path := filepath.Join(root, "tenants", "tenant-a", "pools", "pool-a", "snapshots", "base")
	if err := validateTenantScoped(root, "tenant-a", path); err != nil {
		t.Errorf("expected an in-scope path to validate, got %v", err)
	}
}

func TestValidateTenantScopedRejectsAnotherTenantsPath(t *testing.T) {
	root := "/data"
	path := filepath.Join(root, "tenants", "tenant-b", "pools", "pool-a", "snapshots", "base")
	err := validateTenantScoped(root, "tenant-a", path)
	if ferr.KindOf(err) != ferr.Auth {
		t.Errorf("expected ferr.Auth for a cross-tenant path, got %v", err)
	}
}

func TestValidateTenantScopedRejectsTraversalEscape(t *testing.T) {
	root := "/data"
	path := filepath.Join(root, "tenants", "tenant-a", "..", "tenant-b", "snapshots", "base")
	err := validateTenantScoped(root, "tenant-a", path)
	if ferr.KindOf(err) != ferr.Auth {
		t.Errorf("expected ferr.Auth for a path traversal attempt, got %v", err)
	}
}
