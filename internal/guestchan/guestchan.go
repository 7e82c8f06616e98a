// Package guestchan implements component G: a length-prefixed JSON
// frame protocol carried over the instance's vsock device, used to
// coordinate graceful sleep, wake, and integration checkpointing with
// the in-guest agent.
package guestchan

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

const (
	// MaxMessageBytes caps a single framed JSON payload.
	MaxMessageBytes = 8 << 20 // 8 MiB
)

// Message is the closed set of guest-channel frame types, host→guest
// and guest→host. Ping/Exec/Net are the bring-up/dev conveniences
// inherited from the guest agent's original request set; SleepPrep
// and its siblings are the lifecycle additions.
type Message struct {
	Type string `json:"type"`

	// Host -> guest
	SleepPrep              *SleepPrep              `json:"sleep_prep,omitempty"`
	CheckpointIntegrations *CheckpointIntegrations `json:"checkpoint_integrations,omitempty"`
	Exec                   *ExecRequest            `json:"exec,omitempty"`
	Net                    *NetRequest             `json:"net,omitempty"`

	// Guest -> host
	SleepPrepAck            *SleepPrepAck            `json:"sleep_prep_ack,omitempty"`
	IntegrationStatusReport *IntegrationStatusReport `json:"integration_status_report,omitempty"`
	WorkerReady             *WorkerReadyReport       `json:"worker_ready,omitempty"`
	CheckpointResult        *CheckpointResult        `json:"checkpoint_result,omitempty"`
	Ping                    *PingResponse            `json:"ping,omitempty"`
	ExecResult              *ExecResponse            `json:"exec_result,omitempty"`
	NetResult               *NetResponse             `json:"net_result,omitempty"`
	Error                   string                   `json:"error,omitempty"`
}

const (
	TypeSleepPrep               = "SleepPrep"
	TypeWake                    = "Wake"
	TypeIntegrationStatus       = "IntegrationStatus"
	TypeWorkerReady             = "WorkerReady"
	TypeCheckpointIntegrations  = "CheckpointIntegrations"
	TypeSleepPrepAck            = "SleepPrepAck"
	TypeIntegrationStatusReport = "IntegrationStatusReport"
	TypeWorkerReadyReport       = "WorkerReadyReport"
	TypeCheckpointResult        = "CheckpointResult"

	TypePing       = "Ping"
	TypePingResult = "PingResult"
	TypeExec       = "Exec"
	TypeExecResult = "ExecResult"
	TypeNet        = "Net"
	TypeNetResult  = "NetResult"
)

// PingResponse answers a Ping with the agent's version and clock, used
// to check guest-channel reachability during bring-up.
type PingResponse struct {
	AgentVersion string `json:"agent_version"`
	NowUnixMs    int64  `json:"now_unix_ms"`
}

// ExecRequest runs a command inside the guest. Exactly one of Cmd or
// Argv should be provided. Dev/bring-up only: not reachable from any
// tenant-facing operation.
type ExecRequest struct {
	UseShell bool     `json:"use_shell"`
	Cmd      string   `json:"cmd,omitempty"`
	Argv     []string `json:"argv,omitempty"`
	Cwd      string   `json:"cwd,omitempty"`
	Env      []string `json:"env,omitempty"` // "KEY=value"

	TimeoutMs      int64 `json:"timeout_ms,omitempty"`       // 0 => agent default
	MaxOutputBytes int64 `json:"max_output_bytes,omitempty"` // 0 => agent default
}

type ExecResponse struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	TimedOut bool   `json:"timed_out"`
}

// NetRequest configures a guest network interface directly, bypassing
// DHCP. Dev/bring-up only.
type NetRequest struct {
	Interface string `json:"interface,omitempty"` // default "eth0"
	Address   string `json:"address"`             // e.g. "172.16.5.2/30"
	Gateway   string `json:"gateway"`       // e.g. "172.16.5.1"
	DNS       string `json:"dns,omitempty"` // e.g. "1.1.1.1"
}

type NetResponse struct {
	Configured bool `json:"configured"`
}

// SleepPrep asks the guest to quiesce work within drain_timeout_secs
// before the host pauses the VMM.
type SleepPrep struct {
	DrainTimeoutSecs uint32 `json:"drain_timeout_secs"`
}

// SleepPrepAck is the guest's response, sent once it has quiesced (or
// given up trying within its own budget).
type SleepPrepAck struct {
	Success bool `json:"success"`
}

// CheckpointIntegrations asks the guest to flush state for the named
// integrations before a snapshot is taken.
type CheckpointIntegrations struct {
	Integrations []string `json:"integrations"`
}

// CheckpointResult reports which integrations failed to checkpoint
// cleanly.
type CheckpointResult struct {
	Success bool     `json:"success"`
	Failed  []string `json:"failed,omitempty"`
}

// IntegrationStatusReport answers an IntegrationStatus query.
type IntegrationStatusReport struct {
	Integrations map[string]string `json:"integrations"` // name -> status
}

// WorkerReadyReport answers a WorkerReady query, sent once after a
// fresh boot to learn whether the guest's workload has finished its
// own startup and is safe to pause and capture as the pool's shared
// base snapshot.
type WorkerReadyReport struct {
	Ready bool `json:"ready"`
}

// NewSleepPrep builds the host->guest SleepPrep frame.
func NewSleepPrep(drainTimeoutSecs uint32) Message {
	return Message{Type: TypeSleepPrep, SleepPrep: &SleepPrep{DrainTimeoutSecs: drainTimeoutSecs}}
}

// NewWake builds the host->guest Wake frame.
func NewWake() Message { return Message{Type: TypeWake} }

// NewIntegrationStatusQuery builds the host->guest IntegrationStatus
// query frame.
func NewIntegrationStatusQuery() Message { return Message{Type: TypeIntegrationStatus} }

// NewWorkerReadyQuery builds the host->guest WorkerReady query frame.
func NewWorkerReadyQuery() Message { return Message{Type: TypeWorkerReady} }

// NewCheckpointIntegrations builds the host->guest checkpoint
// request.
func NewCheckpointIntegrations(integrations []string) Message {
	return Message{Type: TypeCheckpointIntegrations, CheckpointIntegrations: &CheckpointIntegrations{Integrations: integrations}}
}

// WriteMessage writes v as one length-prefixed JSON frame:
// uint32_be(len) || json bytes.
func WriteMessage(w io.Writer, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if len(raw) > MaxMessageBytes {
		return fmt.Errorf("guestchan: message too large: %d bytes", len(raw))
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(raw)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err = w.Write(raw)
	return err
}

// ReadMessage reads one length-prefixed JSON frame into dst.
func ReadMessage(r *bufio.Reader, dst any) error {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 || n > MaxMessageBytes {
		return fmt.Errorf("guestchan: invalid message length: %d", n)
	}
	buf := make([]byte, int(n))
	if _, err := io.ReadFull(r, buf); err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(buf))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
