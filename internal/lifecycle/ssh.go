package lifecycle

import (
	"os"
	"os/exec"
	"syscall"

	"fleetd/internal/ferr"
	"fleetd/internal/store"
)

// SSH execs into a system ssh client against a running instance's
// guest IP, replacing the current process. It never touches lifecycle
// state and is disabled outright in production; use only for local
// development.
func (m *Manager) SSH(tenantID, poolID, instanceID, keyPath string) error {
	if m.Production {
		return ferr.New(ferr.ConfigInvalid, "SSH", "ssh is disabled when PRODUCTION=1")
	}

	inst, err := m.Root.LoadInstance(tenantID, poolID, instanceID)
	if err != nil {
		return err
	}
	if inst.Status != store.StatusRunning {
		return ferr.New(ferr.InvalidTransition, "SSH", "instance is not Running")
	}

	bin, err := exec.LookPath("ssh")
	if err != nil {
		return ferr.Wrap(ferr.IO, "SSH", err)
	}

	args := []string{
		"ssh",
		"-i", keyPath,
		"-o", "StrictHostKeyChecking=no",
		"-o", "UserKnownHostsFile=/dev/null",
		"root@" + inst.Net.GuestIP,
	}
	return syscall.Exec(bin, args, os.Environ())
}
