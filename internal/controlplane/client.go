package controlplane

import (
	"context"
	"crypto/tls"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"fleetd/internal/ferr"
)

// Client is a QUIC+mTLS client for the node control plane. One Client
// serves many requests to many node addresses, keeping one connection
// per address alive between calls — mirrors original_source's
// CoordinatorClient, which keeps a single quinn::Endpoint alive across
// the coordinator process's lifetime rather than reconnecting per call.
type Client struct {
	TLSConfig *tls.Config

	mu    sync.Mutex
	conns map[string]quic.Connection
}

// NewClient constructs a Client. tlsConf must carry the client's own
// certificate plus the CA pool used to verify node server certs.
func NewClient(tlsConf *tls.Config) *Client {
	return &Client{TLSConfig: tlsConf, conns: map[string]quic.Connection{}}
}

// Send opens a bidirectional stream to addr — dialing fresh, or
// reusing an existing live connection — writes req, and returns the
// decoded response.
func (c *Client) Send(ctx context.Context, addr string, req Request) (Response, error) {
	conn, err := c.connFor(ctx, addr)
	if err != nil {
		return Response{}, err
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		c.forget(addr)
		return Response{}, ferr.Wrap(ferr.Network, "Send", err)
	}
	defer stream.Close()

	if err := WriteFrame(stream, req); err != nil {
		return Response{}, err
	}
	stream.Close()

	var resp Response
	if err := ReadFrame(stream, &resp); err != nil {
		return Response{}, err
	}
	if resp.Error != nil {
		return resp, ferr.New(ferr.Kind(resp.Error.Kind), "Send", resp.Error.Message)
	}
	return resp, nil
}

func (c *Client) connFor(ctx context.Context, addr string) (quic.Connection, error) {
	c.mu.Lock()
	if conn, ok := c.conns[addr]; ok {
		select {
		case <-conn.Context().Done():
			delete(c.conns, addr)
		default:
			c.mu.Unlock()
			return conn, nil
		}
	}
	c.mu.Unlock()

	conf := c.TLSConfig.Clone()
	conf.NextProtos = []string{alpnProtocol}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, err := quic.DialAddr(dialCtx, addr, conf, &quic.Config{MaxIdleTimeout: 30 * time.Second})
	if err != nil {
		return nil, ferr.Wrap(ferr.Network, "connFor", err)
	}

	c.mu.Lock()
	c.conns[addr] = conn
	c.mu.Unlock()
	return conn, nil
}

func (c *Client) forget(addr string) {
	c.mu.Lock()
	delete(c.conns, addr)
	c.mu.Unlock()
}

// Close tears down every live connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for addr, conn := range c.conns {
		conn.CloseWithError(0, "client closing")
		delete(c.conns, addr)
	}
	return nil
}
