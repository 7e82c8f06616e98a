package store

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"fleetd/internal/ferr"
)

// auditRotateThreshold is the size at which a tenant's audit.log is
// gzip-rotated, keeping 3 prior generations, per the state store
// design.
const auditRotateThreshold = 10 * 1024 * 1024

const auditKeepGenerations = 3

// auditLocks serializes audit writes per tenant within this process;
// cross-process safety is unnecessary here because only the agent
// process appends audit entries (unlike the instance lock, which
// guards concurrent actors including external CLI invocations).
var auditLocks sync.Map // tenantID -> *sync.Mutex

func auditLockFor(tenantID string) *sync.Mutex {
	v, _ := auditLocks.LoadOrStore(tenantID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// AppendAudit appends one entry to the tenant's audit log, rotating
// first if the log has grown past the threshold.
func (r *Root) AppendAudit(entry AuditEntry) error {
	mu := auditLockFor(entry.TenantID)
	mu.Lock()
	defer mu.Unlock()

	path := r.AuditLogPath(entry.TenantID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return ferr.Wrap(ferr.IO, "AppendAudit", err)
	}
	if fi, err := os.Stat(path); err == nil && fi.Size() >= auditRotateThreshold {
		if err := rotateAuditLog(path); err != nil {
			return err
		}
	}

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return ferr.Wrap(ferr.IO, "AppendAudit", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return ferr.Wrap(ferr.IO, "AppendAudit", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return ferr.Wrap(ferr.IO, "AppendAudit", err)
	}
	return f.Sync()
}

// rotateAuditLog gzips the current log to audit.log.1.gz, shifting
// audit.log.1.gz -> .2.gz -> .3.gz and dropping anything older, then
// truncates audit.log.
func rotateAuditLog(path string) error {
	for gen := auditKeepGenerations; gen >= 1; gen-- {
		src := fmt.Sprintf("%s.%d.gz", path, gen)
		if gen == auditKeepGenerations {
			os.Remove(src)
			continue
		}
		dst := fmt.Sprintf("%s.%d.gz", path, gen+1)
		if _, err := os.Stat(src); err == nil {
			os.Rename(src, dst)
		}
	}

	in, err := os.Open(path)
	if err != nil {
		return ferr.Wrap(ferr.IO, "rotateAuditLog", err)
	}
	defer in.Close()

	dst := path + ".1.gz"
	out, err := os.Create(dst)
	if err != nil {
		return ferr.Wrap(ferr.IO, "rotateAuditLog", err)
	}
	gz := gzip.NewWriter(out)
	if _, err := io.Copy(gz, in); err != nil {
		gz.Close()
		out.Close()
		return ferr.Wrap(ferr.IO, "rotateAuditLog", err)
	}
	if err := gz.Close(); err != nil {
		out.Close()
		return ferr.Wrap(ferr.IO, "rotateAuditLog", err)
	}
	if err := out.Close(); err != nil {
		return ferr.Wrap(ferr.IO, "rotateAuditLog", err)
	}
	if err := os.Truncate(path, 0); err != nil {
		return ferr.Wrap(ferr.IO, "rotateAuditLog", err)
	}
	return nil
}

// ReadAudit returns the last n entries from the tenant's (unrotated)
// audit log, oldest first. It does not read gzip-rotated generations.
func (r *Root) ReadAudit(tenantID string, n int) ([]AuditEntry, error) {
	path := r.AuditLogPath(tenantID)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, ferr.Wrap(ferr.IO, "ReadAudit", err)
	}
	defer f.Close()

	var all []AuditEntry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		var e AuditEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		all = append(all, e)
	}
	if err := sc.Err(); err != nil {
		return nil, ferr.Wrap(ferr.IO, "ReadAudit", err)
	}
	if n > 0 && len(all) > n {
		all = all[len(all)-n:]
	}
	return all, nil
}
