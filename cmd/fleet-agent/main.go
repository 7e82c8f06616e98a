// Command fleet-agent runs inside the guest rootfs and answers the
// host's guest-channel frames: SleepPrep, Wake, IntegrationStatus,
// and CheckpointIntegrations.
package main

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/mdlayher/vsock"

	"fleetd/internal/guestchan"
)

const defaultPort = 7777

const agentVersion = "v0.2.0"

// integrationsDir holds one subdirectory per declared integration,
// each with optional executable hooks named "status" and
// "checkpoint". Absent hooks are treated as always-ready.
const integrationsDir = "/etc/fleet-agent/integrations"

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	port := uint32(defaultPort)
	ln, err := vsock.Listen(port, nil)
	if err != nil {
		log.Fatalf("vsock listen: %v", err)
	}
	log.Printf("fleet-agent listening: port=%d", port)

	for {
		c, err := ln.Accept()
		if err != nil {
			log.Printf("accept: %v", err)
			continue
		}
		go serveConn(c)
	}
}

func serveConn(c net.Conn) {
	defer c.Close()

	br := bufio.NewReader(c)
	for {
		var msg guestchan.Message
		if err := guestchan.ReadMessage(br, &msg); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			log.Printf("read frame: %v", err)
			return
		}

		resp, hasResp := handle(msg)
		if !hasResp {
			continue
		}
		if err := guestchan.WriteMessage(c, resp); err != nil {
			log.Printf("write frame: %v", err)
			return
		}
	}
}

func handle(msg guestchan.Message) (guestchan.Message, bool) {
	switch msg.Type {
	case guestchan.TypeSleepPrep:
		timeout := 30 * time.Second
		if msg.SleepPrep != nil && msg.SleepPrep.DrainTimeoutSecs > 0 {
			timeout = time.Duration(msg.SleepPrep.DrainTimeoutSecs) * time.Second
		}
		ok := drainWorkloads(timeout)
		return guestchan.Message{Type: guestchan.TypeSleepPrepAck, SleepPrepAck: &guestchan.SleepPrepAck{Success: ok}}, true

	case guestchan.TypeWake:
		resumeWorkloads()
		return guestchan.Message{}, false

	case guestchan.TypeIntegrationStatus:
		return guestchan.Message{
			Type:                    guestchan.TypeIntegrationStatusReport,
			IntegrationStatusReport: &guestchan.IntegrationStatusReport{Integrations: integrationStatuses()},
		}, true

	case guestchan.TypeWorkerReady:
		return guestchan.Message{
			Type:        guestchan.TypeWorkerReadyReport,
			WorkerReady: &guestchan.WorkerReadyReport{Ready: workloadReady()},
		}, true

	case guestchan.TypeCheckpointIntegrations:
		var names []string
		if msg.CheckpointIntegrations != nil {
			names = msg.CheckpointIntegrations.Integrations
		}
		failed := checkpointIntegrations(names)
		return guestchan.Message{
			Type:             guestchan.TypeCheckpointResult,
			CheckpointResult: &guestchan.CheckpointResult{Success: len(failed) == 0, Failed: failed},
		}, true

	case guestchan.TypePing:
		return guestchan.Message{
			Type: guestchan.TypePingResult,
			Ping: &guestchan.PingResponse{AgentVersion: agentVersion, NowUnixMs: time.Now().UnixMilli()},
		}, true

	case guestchan.TypeExec:
		if msg.Exec == nil {
			return guestchan.Message{Type: guestchan.TypeExecResult, Error: "missing exec payload"}, true
		}
		out := runExec(*msg.Exec)
		return guestchan.Message{Type: guestchan.TypeExecResult, Error: errString(out.err), ExecResult: out.resp}, true

	case guestchan.TypeNet:
		if msg.Net == nil {
			return guestchan.Message{Type: guestchan.TypeNetResult, Error: "missing net payload"}, true
		}
		if err := configureNetwork(*msg.Net); err != nil {
			return guestchan.Message{Type: guestchan.TypeNetResult, Error: err.Error(), NetResult: &guestchan.NetResponse{Configured: false}}, true
		}
		return guestchan.Message{Type: guestchan.TypeNetResult, NetResult: &guestchan.NetResponse{Configured: true}}, true

	default:
		log.Printf("unknown frame type %q", msg.Type)
		return guestchan.Message{}, false
	}
}

// runExec and configureNetwork are dev/bring-up conveniences: they are
// not reachable from any tenant-facing lifecycle operation, only from
// fleetctl operators or integration test harnesses dialing the guest
// channel directly.

type execResult struct {
	resp *guestchan.ExecResponse
	err  error
}

func runExec(req guestchan.ExecRequest) execResult {
	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	maxOut := req.MaxOutputBytes
	if maxOut <= 0 {
		maxOut = 1 << 20 // 1 MiB per stream
	}

	argv, err := normalizeArgv(req)
	if err != nil {
		return execResult{resp: &guestchan.ExecResponse{ExitCode: 2}, err: err}
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	if strings.TrimSpace(req.Cwd) != "" {
		cmd.Dir = req.Cwd
	}
	cmd.Env = append(os.Environ(), req.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return execResult{resp: &guestchan.ExecResponse{ExitCode: 1}, err: err}
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return execResult{resp: &guestchan.ExecResponse{ExitCode: 1}, err: err}
	}
	if err := cmd.Start(); err != nil {
		return execResult{resp: &guestchan.ExecResponse{ExitCode: 127}, err: err}
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	stdoutDone := make(chan struct{}, 1)
	stderrDone := make(chan struct{}, 1)
	go func() {
		_, _ = io.Copy(&stdoutBuf, io.LimitReader(stdoutPipe, maxOut))
		stdoutDone <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(&stderrBuf, io.LimitReader(stderrPipe, maxOut))
		stderrDone <- struct{}{}
	}()

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	var timedOut bool
	var waitErr error
	select {
	case waitErr = <-waitCh:
	case <-time.After(timeout):
		timedOut = true
		killProcessGroup(cmd)
		<-waitCh
		waitErr = nil
	}

	<-stdoutDone
	<-stderrDone

	exitCode := 0
	if timedOut {
		exitCode = 124
	} else if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ProcessState.ExitCode()
			waitErr = nil
		} else {
			exitCode = 1
		}
	}

	return execResult{
		resp: &guestchan.ExecResponse{
			ExitCode: exitCode,
			Stdout:   stdoutBuf.String(),
			Stderr:   stderrBuf.String(),
			TimedOut: timedOut,
		},
		err: waitErr,
	}
}

func normalizeArgv(req guestchan.ExecRequest) ([]string, error) {
	cmd := strings.TrimSpace(req.Cmd)
	if req.UseShell {
		if cmd == "" {
			return nil, fmt.Errorf("use_shell set but cmd is empty")
		}
		return []string{"/bin/sh", "-lc", cmd}, nil
	}
	if len(req.Argv) == 0 {
		if cmd != "" {
			return nil, fmt.Errorf("cmd provided without use_shell; provide argv or set use_shell")
		}
		return nil, fmt.Errorf("argv is required when not using shell")
	}
	return req.Argv, nil
}

func killProcessGroup(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	_ = cmd.Process.Kill()
}

func configureNetwork(req guestchan.NetRequest) error {
	iface := strings.TrimSpace(req.Interface)
	if iface == "" {
		iface = "eth0"
	}
	addr := strings.TrimSpace(req.Address)
	gw := strings.TrimSpace(req.Gateway)
	if addr == "" || gw == "" {
		return fmt.Errorf("address and gateway are required")
	}

	if _, err := run("ip", "link", "set", "dev", iface, "up"); err != nil {
		return err
	}
	_, _ = run("ip", "addr", "flush", "dev", iface)

	if _, err := run("ip", "addr", "add", addr, "dev", iface); err != nil {
		return err
	}
	if _, err := run("ip", "route", "replace", "default", "via", gw, "dev", iface); err != nil {
		return err
	}

	if dns := strings.TrimSpace(req.DNS); dns != "" {
		_ = os.WriteFile("/etc/resolv.conf", []byte("nameserver "+dns+"\n"), 0o644)
	}
	return nil
}

func run(name string, args ...string) (string, error) {
	cmd := exec.Command(name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = strings.TrimSpace(stdout.String())
		}
		if msg != "" {
			return stdout.String(), fmt.Errorf("%s %v: %w (%s)", name, args, err, msg)
		}
		return stdout.String(), fmt.Errorf("%s %v: %w", name, args, err)
	}
	return stdout.String(), nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// drainWorkloads runs each integration's optional "drain" hook,
// giving the whole set up to timeout before giving up.
func drainWorkloads(timeout time.Duration) bool {
	names := integrationNames()
	deadline := time.Now().Add(timeout)
	ok := true
	for _, name := range names {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			ok = false
			break
		}
		if err := runHook(name, "drain", remaining); err != nil {
			log.Printf("drain hook for %q: %v", name, err)
			ok = false
		}
	}
	return ok
}

func resumeWorkloads() {
	for _, name := range integrationNames() {
		if err := runHook(name, "resume", 10*time.Second); err != nil {
			log.Printf("resume hook for %q: %v", name, err)
		}
	}
}

func integrationStatuses() map[string]string {
	out := map[string]string{}
	for _, name := range integrationNames() {
		if err := runHook(name, "status", 5*time.Second); err != nil {
			out[name] = "unavailable"
		} else {
			out[name] = "ready"
		}
	}
	return out
}

// workloadReady reports whether every declared integration's status
// hook currently reports ready. An instance with no declared
// integrations is ready as soon as it is asked.
func workloadReady() bool {
	for _, status := range integrationStatuses() {
		if status != "ready" {
			return false
		}
	}
	return true
}

func checkpointIntegrations(names []string) []string {
	if len(names) == 0 {
		names = integrationNames()
	}
	var failed []string
	for _, name := range names {
		if err := runHook(name, "checkpoint", 15*time.Second); err != nil {
			log.Printf("checkpoint hook for %q: %v", name, err)
			failed = append(failed, name)
		}
	}
	return failed
}

func integrationNames() []string {
	entries, err := os.ReadDir(integrationsDir)
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names
}

// runHook execs integrationsDir/<name>/<hook> if present. A missing
// hook is not an error: integrations that declare no hook for a
// given lifecycle event are assumed to need no action.
func runHook(name, hook string, timeout time.Duration) error {
	path := filepath.Join(integrationsDir, name, hook)
	if _, err := os.Stat(path); err != nil {
		return nil
	}

	cmd := exec.Command(path)
	done := make(chan error, 1)
	if err := cmd.Start(); err != nil {
		return err
	}
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		cmd.Process.Kill()
		return errTimeout(name, hook, timeout)
	}
}

func errTimeout(name, hook string, timeout time.Duration) error {
	return &timeoutError{name: name, hook: hook, timeout: timeout}
}

type timeoutError struct {
	name    string
	hook    string
	timeout time.Duration
}

func (e *timeoutError) Error() string {
	return strings.Join([]string{e.name, e.hook, "hook timed out after", e.timeout.String()}, " ")
}
