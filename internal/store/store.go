package store

import (
	"os"
	"path/filepath"
	"time"

	"fleetd/internal/ferr"
)

// SaveTenant atomically writes tenant.json, stamping UpdatedAt.
func (r *Root) SaveTenant(t *Tenant) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	t.UpdatedAt = time.Now().UTC()
	return writeJSONAtomic(r.TenantFile(t.TenantID), t)
}

// LoadTenant reads a tenant record; missing file or corrupt required
// field both surface as ConfigInvalid naming the file.
func (r *Root) LoadTenant(tenantID string) (*Tenant, error) {
	var t Tenant
	if err := readJSONStrict(r.TenantFile(tenantID), &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTenants enumerates tenant IDs present on disk.
func (r *Root) ListTenants() ([]string, error) {
	entries, err := os.ReadDir(r.TenantsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, ferr.Wrap(ferr.IO, "ListTenants", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// DeleteTenant removes a tenant's entire subtree. Callers are
// responsible for having already torn down its bridge and instances.
func (r *Root) DeleteTenant(tenantID string) error {
	if err := os.RemoveAll(r.TenantDir(tenantID)); err != nil {
		return ferr.Wrap(ferr.IO, "DeleteTenant", err)
	}
	return nil
}

// SavePool atomically writes pool.json.
func (r *Root) SavePool(p *Pool) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	p.UpdatedAt = time.Now().UTC()
	return writeJSONAtomic(r.PoolFile(p.TenantID, p.PoolID), p)
}

func (r *Root) LoadPool(tenantID, poolID string) (*Pool, error) {
	var p Pool
	if err := readJSONStrict(r.PoolFile(tenantID, poolID), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *Root) ListPools(tenantID string) ([]string, error) {
	entries, err := os.ReadDir(r.PoolsDir(tenantID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, ferr.Wrap(ferr.IO, "ListPools", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

func (r *Root) DeletePool(tenantID, poolID string) error {
	if err := os.RemoveAll(r.PoolDir(tenantID, poolID)); err != nil {
		return ferr.Wrap(ferr.IO, "DeletePool", err)
	}
	return nil
}

// SaveRevision writes a revision record alongside its artifact
// directory (the artifacts themselves are written by the build
// pipeline, out of scope here).
func (r *Root) SaveRevision(rev *Revision) error {
	if rev.CreatedAt.IsZero() {
		rev.CreatedAt = time.Now().UTC()
	}
	path := filepath.Join(r.RevisionDir(rev.TenantID, rev.PoolID, rev.RevisionHash), "revision.json")
	return writeJSONAtomic(path, rev)
}

func (r *Root) LoadRevision(tenantID, poolID, hash string) (*Revision, error) {
	var rev Revision
	path := filepath.Join(r.RevisionDir(tenantID, poolID, hash), "revision.json")
	if err := readJSONStrict(path, &rev); err != nil {
		return nil, err
	}
	return &rev, nil
}

// SaveInstance atomically writes instance.json.
func (r *Root) SaveInstance(inst *Instance) error {
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = time.Now().UTC()
	}
	inst.UpdatedAt = time.Now().UTC()
	return writeJSONAtomic(r.InstanceFile(inst.TenantID, inst.PoolID, inst.InstanceID), inst)
}

func (r *Root) LoadInstance(tenantID, poolID, instanceID string) (*Instance, error) {
	var inst Instance
	if err := readJSONStrict(r.InstanceFile(tenantID, poolID, instanceID), &inst); err != nil {
		return nil, err
	}
	return &inst, nil
}

func (r *Root) ListInstances(tenantID, poolID string) ([]string, error) {
	entries, err := os.ReadDir(r.InstancesDir(tenantID, poolID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, ferr.Wrap(ferr.IO, "ListInstances", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// DeleteInstance removes the instance's entire directory, including
// runtime state, volumes, and delta snapshots.
func (r *Root) DeleteInstance(tenantID, poolID, instanceID string) error {
	if err := os.RemoveAll(r.InstanceDir(tenantID, poolID, instanceID)); err != nil {
		return ferr.Wrap(ferr.IO, "DeleteInstance", err)
	}
	return nil
}

// UsedOffsets scans every instance under a tenant (across all its
// pools) and returns the set of ip_offset values already allocated,
// for the naming/idalloc allocator.
func (r *Root) UsedOffsets(tenantID string) ([]uint8, error) {
	pools, err := r.ListPools(tenantID)
	if err != nil {
		return nil, err
	}
	var used []uint8
	for _, poolID := range pools {
		instanceIDs, err := r.ListInstances(tenantID, poolID)
		if err != nil {
			return nil, err
		}
		for _, iid := range instanceIDs {
			inst, err := r.LoadInstance(tenantID, poolID, iid)
			if err != nil {
				continue
			}
			used = append(used, inst.Net.IPOffset)
		}
	}
	return used, nil
}
