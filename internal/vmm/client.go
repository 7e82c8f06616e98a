// Package vmm implements component E: VMM configuration, jailed or
// direct process launch, the Firecracker HTTP-over-Unix-socket
// control API, and cgroup-based resource control.
package vmm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"fleetd/internal/ferr"
)

// Client drives one instance's Firecracker control socket.
type Client struct {
	socketPath string
	http       *http.Client
}

// NewClient dials socketPath lazily; the underlying transport retries
// each request internally via CallWithRetry while the socket is not
// yet accepting connections.
func NewClient(socketPath string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	tr := &http.Transport{
		DialContext: func(_ context.Context, _, _ string) (net.Conn, error) {
			return net.DialTimeout("unix", socketPath, timeout)
		},
	}
	return &Client{socketPath: socketPath, http: &http.Client{Transport: tr, Timeout: timeout}}
}

// Call performs one request against the control API, per §6.5's verb
// subset (PUT /machine-config, /boot-source, /drives/<id>,
// /network-interfaces/<id>, /vsock, /actions; PATCH /vm; PUT
// /snapshot/create, /snapshot/load).
func (c *Client) Call(method, path string, payload any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return ferr.Wrap(ferr.VMMAPI, "Call", err)
		}
		body = bytes.NewReader(raw)
	} else {
		body = http.NoBody
	}

	req, err := http.NewRequest(method, "http://unix"+path, body)
	if err != nil {
		return ferr.Wrap(ferr.VMMAPI, "Call", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return ferr.Wrap(ferr.VMMAPI, "Call", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := bytes.TrimSpace(raw)
		return ferr.New(ferr.VMMAPI, "Call", fmt.Sprintf("%s %s: status %d body=%q", method, path, resp.StatusCode, msg))
	}
	return nil
}

// CallWithRetry retries Call with bounded exponential backoff while
// the socket is not yet ready ("connection refused during the first
// second is not fatal", per the design notes on VMM retries).
func (c *Client) CallWithRetry(ctx context.Context, method, path string, payload any, maxWait time.Duration) error {
	backoff := 25 * time.Millisecond
	deadline := time.Now().Add(maxWait)
	var lastErr error
	for {
		err := c.Call(method, path, payload)
		if err == nil {
			return nil
		}
		lastErr = err
		if time.Now().After(deadline) {
			return ferr.Wrap(ferr.VMMAPI, "CallWithRetry", lastErr)
		}
		select {
		case <-ctx.Done():
			return ferr.Wrap(ferr.VMMAPI, "CallWithRetry", ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > 500*time.Millisecond {
			backoff = 500 * time.Millisecond
		}
	}
}

func (c *Client) SetMachineConfig(vcpuCount int, memSizeMiB int) error {
	return c.Call(http.MethodPut, "/machine-config", map[string]any{
		"vcpu_count":   vcpuCount,
		"mem_size_mib": memSizeMiB,
	})
}

func (c *Client) SetBootSource(kernelPath, bootArgs string) error {
	return c.Call(http.MethodPut, "/boot-source", map[string]string{
		"kernel_image_path": kernelPath,
		"boot_args":         bootArgs,
	})
}

func (c *Client) SetDrive(driveID, pathOnHost string, isRoot, readOnly bool) error {
	return c.Call(http.MethodPut, "/drives/"+driveID, map[string]any{
		"drive_id":       driveID,
		"path_on_host":   pathOnHost,
		"is_root_device": isRoot,
		"is_read_only":   readOnly,
	})
}

func (c *Client) SetNetworkInterface(ifaceID, guestMAC, hostDevName string) error {
	return c.Call(http.MethodPut, "/network-interfaces/"+ifaceID, map[string]string{
		"iface_id":      ifaceID,
		"guest_mac":     guestMAC,
		"host_dev_name": hostDevName,
	})
}

func (c *Client) SetVsock(guestCID uint32, udsPath string) error {
	return c.Call(http.MethodPut, "/vsock", map[string]any{
		"guest_cid": guestCID,
		"uds_path":  udsPath,
	})
}

func (c *Client) InstanceStart() error {
	return c.Call(http.MethodPut, "/actions", map[string]string{"action_type": "InstanceStart"})
}

func (c *Client) SendCtrlAltDel() error {
	return c.Call(http.MethodPut, "/actions", map[string]string{"action_type": "SendCtrlAltDel"})
}

func (c *Client) PauseVM() error {
	return c.Call(http.MethodPatch, "/vm", map[string]string{"state": "Paused"})
}

func (c *Client) ResumeVM() error {
	return c.Call(http.MethodPatch, "/vm", map[string]string{"state": "Resumed"})
}

// SnapshotType is the closed set of Firecracker snapshot kinds.
type SnapshotType string

const (
	SnapshotFull SnapshotType = "Full"
	SnapshotDiff SnapshotType = "Diff"
)

func (c *Client) CreateSnapshot(kind SnapshotType, statePath, memPath string) error {
	return c.Call(http.MethodPut, "/snapshot/create", map[string]string{
		"snapshot_type": string(kind),
		"snapshot_path": statePath,
		"mem_file_path": memPath,
	})
}

func (c *Client) LoadSnapshot(statePath, memPath string, resume bool) error {
	return c.Call(http.MethodPut, "/snapshot/load", map[string]any{
		"snapshot_path": statePath,
		"mem_backend": map[string]any{
			"backend_type": "File",
			"backend_path": memPath,
		},
		"enable_diff_snapshots": false,
		"resume_vm":             resume,
	})
}
