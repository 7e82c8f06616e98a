package guestchan

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"fleetd/internal/ferr"
)

// Conn is one host-side connection to an instance's guest channel,
// dialed over the vsock-over-Unix-socket device Firecracker exposes.
// Firecracker's vsock backend speaks a line-based handshake on
// connect: "CONNECT <port>\n" -> "OK <id>\n", after which the
// connection carries framed JSON in both directions.
type Conn struct {
	mu sync.Mutex
	c  net.Conn
	r  *bufio.Reader
}

// Dial opens the guest channel at udsPath (the instance's vsock
// device UDS) on the given guest-listening port.
func Dial(udsPath string, port uint32, timeout time.Duration) (*Conn, error) {
	if strings.TrimSpace(udsPath) == "" {
		return nil, ferr.New(ferr.GuestChannel, "Dial", "vsock uds path is empty")
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	c, err := net.DialTimeout("unix", udsPath, timeout)
	if err != nil {
		return nil, ferr.Wrap(ferr.GuestChannel, "Dial", err)
	}

	conn := &Conn{c: c, r: bufio.NewReader(c)}
	c.SetDeadline(time.Now().Add(timeout))
	if _, err := fmt.Fprintf(c, "CONNECT %d\n", port); err != nil {
		c.Close()
		return nil, ferr.Wrap(ferr.GuestChannel, "Dial", err)
	}
	line, err := readLine(conn.r, timeout)
	if err != nil {
		c.Close()
		return nil, ferr.Wrap(ferr.GuestChannel, "Dial", err)
	}
	if !strings.HasPrefix(line, "OK ") && strings.TrimSpace(line) != "OK" {
		c.Close()
		return nil, ferr.New(ferr.GuestChannel, "Dial", fmt.Sprintf("vsock CONNECT failed: %q", strings.TrimSpace(line)))
	}
	c.SetDeadline(time.Time{})
	return conn, nil
}

func (conn *Conn) Close() error {
	if conn == nil || conn.c == nil {
		return nil
	}
	return conn.c.Close()
}

// Exchange sends one frame and waits for the paired response frame,
// used for the SleepPrep/SleepPrepAck and CheckpointIntegrations/
// CheckpointResult request/response pairs.
func (conn *Conn) Exchange(req Message, timeout time.Duration) (Message, error) {
	conn.mu.Lock()
	defer conn.mu.Unlock()

	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	conn.c.SetDeadline(time.Now().Add(timeout))
	defer conn.c.SetDeadline(time.Time{})

	if err := WriteMessage(conn.c, req); err != nil {
		return Message{}, ferr.Wrap(ferr.GuestChannel, "Exchange", err)
	}
	var resp Message
	if err := ReadMessage(conn.r, &resp); err != nil {
		return Message{}, ferr.Wrap(ferr.GuestChannel, "Exchange", err)
	}
	return resp, nil
}

// Send writes a fire-and-forget frame with no expected reply, used
// for Wake.
func (conn *Conn) Send(msg Message) error {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if err := WriteMessage(conn.c, msg); err != nil {
		return ferr.Wrap(ferr.GuestChannel, "Send", err)
	}
	return nil
}

func readLine(r *bufio.Reader, timeout time.Duration) (string, error) {
	type result struct {
		s   string
		err error
	}
	ch := make(chan result, 1)
	go func() {
		s, err := r.ReadString('\n')
		ch <- result{s: s, err: err}
	}()
	select {
	case res := <-ch:
		return res.s, res.err
	case <-time.After(timeout):
		return "", fmt.Errorf("timed out reading line after %s", timeout)
	}
}

// WaitReady dials repeatedly until the guest channel accepts the
// vsock handshake, used right after VMM start since the in-guest
// agent may not have finished booting yet.
func WaitReady(udsPath string, port uint32, overallTimeout, dialTimeout time.Duration) (*Conn, error) {
	deadline := time.Now().Add(overallTimeout)
	var lastErr error
	for time.Now().Before(deadline) {
		conn, err := Dial(udsPath, port, dialTimeout)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		time.Sleep(10 * time.Millisecond)
	}
	if lastErr != nil {
		return nil, ferr.Wrap(ferr.GuestChannel, "WaitReady", lastErr)
	}
	return nil, ferr.New(ferr.GuestChannel, "WaitReady", fmt.Sprintf("guest channel not ready after %s", overallTimeout))
}
