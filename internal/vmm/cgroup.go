package vmm

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"fleetd/internal/ferr"
)

// EnsureCgroupRoot verifies cgroup v2 is mounted and creates the
// agent's cgroup root directory.
func EnsureCgroupRoot(root string) error {
	if _, err := os.Stat("/sys/fs/cgroup/cgroup.controllers"); err != nil {
		return ferr.Wrap(ferr.IO, "EnsureCgroupRoot", fmt.Errorf("cgroup v2 not available: %w", err))
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return ferr.Wrap(ferr.IO, "EnsureCgroupRoot", err)
	}
	return nil
}

// CgroupV2Available reports whether the unified cgroup hierarchy is
// mounted, the same check EnsureCgroupRoot performs, exposed standalone
// for capability reporting (spec's NodeInfo.capabilities).
func CgroupV2Available() bool {
	_, err := os.Stat("/sys/fs/cgroup/cgroup.controllers")
	return err == nil
}

// CreateResourceGroup creates a per-instance cgroup with the given
// memory, CPU, and PID caps.
func CreateResourceGroup(root, instanceID string, memMiB uint32, vcpus uint8, maxPids int) (string, error) {
	cg := filepath.Join(root, instanceID)
	if err := os.MkdirAll(cg, 0o755); err != nil {
		return "", ferr.Wrap(ferr.IO, "CreateResourceGroup", err)
	}
	if memMiB > 0 {
		limit := fmt.Sprintf("%d\n", uint64(memMiB)*1024*1024)
		os.WriteFile(filepath.Join(cg, "memory.max"), []byte(limit), 0o644)
	}
	if vcpus > 0 {
		quota := fmt.Sprintf("%d 100000\n", int(vcpus)*100000)
		os.WriteFile(filepath.Join(cg, "cpu.max"), []byte(quota), 0o644)
	}
	if maxPids > 0 {
		os.WriteFile(filepath.Join(cg, "pids.max"), []byte(fmt.Sprintf("%d\n", maxPids)), 0o644)
	}
	return cg, nil
}

// KillCgroup writes to cgroup.kill, force-terminating every process
// in the group.
func KillCgroup(cgroupPath string) error {
	if strings.TrimSpace(cgroupPath) == "" {
		return nil
	}
	killFile := filepath.Join(cgroupPath, "cgroup.kill")
	if _, err := os.Stat(killFile); err != nil {
		return nil
	}
	if err := os.WriteFile(killFile, []byte("1\n"), 0o644); err != nil {
		return ferr.Wrap(ferr.IO, "KillCgroup", err)
	}
	return nil
}

// RemoveCgroupDir removes the cgroup directory, tolerating the
// transient EBUSY/ENOTEMPTY the kernel returns while tasks are still
// tearing down.
func RemoveCgroupDir(cgroupPath string, timeout time.Duration) error {
	if strings.TrimSpace(cgroupPath) == "" {
		return nil
	}
	deadline := time.Now().Add(timeout)
	for {
		err := os.Remove(cgroupPath)
		if err == nil || errors.Is(err, os.ErrNotExist) {
			return nil
		}
		if errors.Is(err, syscall.EBUSY) || errors.Is(err, syscall.ENOTEMPTY) {
			if time.Now().After(deadline) {
				return ferr.Wrap(ferr.IO, "RemoveCgroupDir", err)
			}
			time.Sleep(50 * time.Millisecond)
			continue
		}
		return ferr.Wrap(ferr.IO, "RemoveCgroupDir", err)
	}
}

// MovePidToCgroup migrates pid into cgroupPath's process list.
func MovePidToCgroup(cgroupPath string, pid int) error {
	procsFile := filepath.Join(cgroupPath, "cgroup.procs")
	if err := os.WriteFile(procsFile, []byte(fmt.Sprintf("%d\n", pid)), 0o644); err != nil {
		return ferr.Wrap(ferr.IO, "MovePidToCgroup", err)
	}
	return nil
}

// CgroupUsage is a point-in-time read of a resource group's current
// memory and cumulative CPU consumption.
type CgroupUsage struct {
	MemCurrentBytes uint64
	CPUUsageUsec    uint64
}

// ReadCgroupUsage reads memory.current and the usage_usec field of
// cpu.stat, tolerating either file being absent (group already torn
// down, or cpu controller not delegated).
func ReadCgroupUsage(cgroupPath string) CgroupUsage {
	var u CgroupUsage
	if strings.TrimSpace(cgroupPath) == "" {
		return u
	}
	if data, err := os.ReadFile(filepath.Join(cgroupPath, "memory.current")); err == nil {
		u.MemCurrentBytes, _ = strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	}
	if data, err := os.ReadFile(filepath.Join(cgroupPath, "cpu.stat")); err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			fields := strings.Fields(line)
			if len(fields) == 2 && fields[0] == "usage_usec" {
				u.CPUUsageUsec, _ = strconv.ParseUint(fields[1], 10, 64)
			}
		}
	}
	return u
}

// MigrateToRootAndRemove moves any remaining processes in cgroupPath
// back to the root cgroup, then removes the now-empty group, part of
// kill_and_cleanup's teardown sequence.
func MigrateToRootAndRemove(cgroupRoot, cgroupPath string) error {
	procsFile := filepath.Join(cgroupPath, "cgroup.procs")
	data, err := os.ReadFile(procsFile)
	if err == nil {
		rootProcs := filepath.Join(cgroupRoot, "cgroup.procs")
		for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
			if line == "" {
				continue
			}
			os.WriteFile(rootProcs, []byte(line+"\n"), 0o644)
		}
	}
	return RemoveCgroupDir(cgroupPath, 1500*time.Millisecond)
}
