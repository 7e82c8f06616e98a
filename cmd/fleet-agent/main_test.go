package main

import (
	"testing"
	"time"

	"fleetd/internal/guestchan"
)

func TestNormalizeArgvUsesShellWhenRequested(t *testing.T) {
	argv, err := normalizeArgv(guestchan.ExecRequest{UseShell: true, Cmd: "echo hi"})
	if err != nil {
		t.Fatalf("normalizeArgv: %v", err)
	}
	want := []string{"/bin/sh", "-lc", "echo hi"}
	if len(argv) != len(want) {
		t.Fatalf("argv = %v, want %v", argv, want)
	}
	for i := range want {
		if argv[i] != want[i] {
			t.Errorf("argv[%d] = %q, want %q", i, argv[i], want[i])
		}
	}
}

func TestNormalizeArgvRejectsEmptyShellCommand(t *testing.T) {
	if _, err := normalizeArgv(guestchan.ExecRequest{UseShell: true}); err == nil {
		t.Fatal("expected an error for use_shell with an empty cmd")
	}
}

func TestNormalizeArgvUsesArgvDirectly(t *testing.T) {
	argv, err := normalizeArgv(guestchan.ExecRequest{Argv: []string{"echo", "hi"}})
	if err != nil {
		t.Fatalf("normalizeArgv: %v", err)
	}
	if len(argv) != 2 || argv[0] != "echo" || argv[1] != "hi" {
		t.Errorf("argv = %v, want [echo hi]", argv)
	}
}

func TestNormalizeArgvRejectsCmdWithoutShellOrArgv(t *testing.T) {
	if _, err := normalizeArgv(guestchan.ExecRequest{Cmd: "echo hi"}); err == nil {
		t.Fatal("expected an error when cmd is set but neither use_shell nor argv is")
	}
}

func TestNormalizeArgvRejectsNoCommandAtAll(t *testing.T) {
	if _, err := normalizeArgv(guestchan.ExecRequest{}); err == nil {
		t.Fatal("expected an error for a wholly empty exec request")
	}
}

func TestRunExecCapturesStdoutAndExitCode(t *testing.T) {
	out := runExec(guestchan.ExecRequest{Argv: []string{"/bin/sh", "-c", "echo hello; exit 0"}})
	if out.err != nil {
		t.Fatalf("runExec error: %v", out.err)
	}
	if out.resp.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", out.resp.ExitCode)
	}
	if out.resp.Stdout != "hello\n" {
		t.Errorf("Stdout = %q, want %q", out.resp.Stdout, "hello\n")
	}
}

func TestRunExecReportsNonZeroExitCode(t *testing.T) {
	out := runExec(guestchan.ExecRequest{Argv: []string{"/bin/sh", "-c", "exit 7"}})
	if out.resp.ExitCode != 7 {
		t.Errorf("ExitCode = %d, want 7", out.resp.ExitCode)
	}
}

func TestRunExecTimesOutLongRunningCommand(t *testing.T) {
	out := runExec(guestchan.ExecRequest{
		Argv:      []string{"/bin/sh", "-c", "sleep 5"},
		TimeoutMs: 100,
	})
	if !out.resp.TimedOut {
		t.Error("expected TimedOut to be true")
	}
	if out.resp.ExitCode != 124 {
		t.Errorf("ExitCode = %d, want 124", out.resp.ExitCode)
	}
}

func TestRunExecRejectsMalformedRequestWithoutStarting(t *testing.T) {
	out := runExec(guestchan.ExecRequest{})
	if out.err == nil {
		t.Fatal("expected an error for a request with no argv and no shell command")
	}
}

func TestErrStringNilIsEmpty(t *testing.T) {
	if got := errString(nil); got != "" {
		t.Errorf("errString(nil) = %q, want empty", got)
	}
}

func TestHandlePingReturnsVersionAndTimestamp(t *testing.T) {
	resp, hasResp := handle(guestchan.Message{Type: guestchan.TypePing})
	if !hasResp {
		t.Fatal("expected Ping to produce a response")
	}
	if resp.Type != guestchan.TypePingResult {
		t.Errorf("Type = %q, want %q", resp.Type, guestchan.TypePingResult)
	}
	if resp.Ping == nil || resp.Ping.AgentVersion != agentVersion {
		t.Errorf("expected Ping.AgentVersion = %q, got %+v", agentVersion, resp.Ping)
	}
}

func TestHandleExecMissingPayloadReturnsError(t *testing.T) {
	resp, hasResp := handle(guestchan.Message{Type: guestchan.TypeExec})
	if !hasResp {
		t.Fatal("expected a response even for a malformed Exec frame")
	}
	if resp.Error == "" {
		t.Error("expected a non-empty Error for a missing exec payload")
	}
}

func TestHandleNetMissingPayloadReturnsError(t *testing.T) {
	resp, hasResp := handle(guestchan.Message{Type: guestchan.TypeNet})
	if !hasResp {
		t.Fatal("expected a response even for a malformed Net frame")
	}
	if resp.Error == "" {
		t.Error("expected a non-empty Error for a missing net payload")
	}
}

func TestHandleUnknownTypeProducesNoResponse(t *testing.T) {
	_, hasResp := handle(guestchan.Message{Type: "Bogus"})
	if hasResp {
		t.Error("expected an unrecognized frame type to produce no response")
	}
}

func TestHandleWakeProducesNoResponse(t *testing.T) {
	_, hasResp := handle(guestchan.Message{Type: guestchan.TypeWake})
	if hasResp {
		t.Error("expected Wake to produce no response (fire-and-forget)")
	}
}

func TestHandleWorkerReadyReportsReadyWithNoIntegrationsDeclared(t *testing.T) {
	resp, hasResp := handle(guestchan.Message{Type: guestchan.TypeWorkerReady})
	if !hasResp {
		t.Fatal("expected WorkerReady to produce a response")
	}
	if resp.Type != guestchan.TypeWorkerReadyReport {
		t.Errorf("Type = %q, want %q", resp.Type, guestchan.TypeWorkerReadyReport)
	}
	if resp.WorkerReady == nil || !resp.WorkerReady.Ready {
		t.Errorf("expected WorkerReady.Ready = true with no integrations declared, got %+v", resp.WorkerReady)
	}
}

func TestDrainWorkloadsSucceedsWithNoIntegrationsDeclared(t *testing.T) {
	if !drainWorkloads(time.Second) {
		t.Error("expected drainWorkloads to report success when no integrations are declared")
	}
}

func TestCheckpointIntegrationsEmptyWithNoIntegrationsDeclared(t *testing.T) {
	failed := checkpointIntegrations(nil)
	if len(failed) != 0 {
		t.Errorf("expected no failures with no integrations declared, got %v", failed)
	}
}
