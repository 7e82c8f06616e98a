package snapshot

import (
	"path/filepath"
	"strings"

	"fleetd/internal/ferr"
)

// validateTenantScoped resolves path and rejects it unless it lands
// under the tenant's own subtree, closing off path traversal that
// would otherwise let one tenant's restore reach another's snapshot.
func validateTenantScoped(dataRoot, tenantID, path string) error {
	resolved, err := filepath.Abs(path)
	if err != nil {
		return ferr.Wrap(ferr.IO, "validateTenantScoped", err)
	}
	resolved = filepath.Clean(resolved)

	expectedPrefix := filepath.Clean(filepath.Join(dataRoot, "tenants", tenantID)) + string(filepath.Separator)
	if !strings.HasPrefix(resolved+string(filepath.Separator), expectedPrefix) {
		return ferr.New(ferr.Auth, "validateTenantScoped",
			"path "+path+" resolves to "+resolved+" outside tenant "+tenantID)
	}
	return nil
}
