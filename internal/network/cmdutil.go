package network

import (
	"bytes"
	"os/exec"

	"fleetd/internal/ferr"
)

// runCmd runs name with args, capturing stdout/stderr, matching the
// shell-out idiom the reference server uses for iptables control.
func runCmd(name string, args ...string) (stdout, stderr string, err error) {
	cmd := exec.Command(name, args...)
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	err = cmd.Run()
	stdout, stderr = outBuf.String(), errBuf.String()
	if err != nil {
		return stdout, stderr, ferr.Wrap(ferr.Network, "runCmd:"+name, err)
	}
	return stdout, stderr, nil
}
