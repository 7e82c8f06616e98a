// Package proxy implements component M: the edge coordinator proxy.
// It accepts external TCP connections, wakes the relevant tenant's
// gateway instance on demand via component L, and splices the
// connection through once the gateway is reachable.
package proxy

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"

	"fleetd/internal/ferr"
)

// Config is the proxy's TOML configuration document, spec §4.13.
type Config struct {
	IdleTimeoutSecs         int      `toml:"idle_timeout_secs"`
	WakeTimeoutSecs         int      `toml:"wake_timeout_secs"`
	HealthIntervalSecs      int      `toml:"health_interval_secs"`
	MaxConnectionsPerTenant int      `toml:"max_connections_per_tenant"`
	Nodes                   []Node   `toml:"nodes"`
	Routes                  []Route  `toml:"routes"`
}

// Node is one agent the proxy can send control-plane requests to.
type Node struct {
	Name string `toml:"name"`
	Addr string `toml:"addr"`
}

// Route is one listen address bound to one tenant pool on one node.
// ServicePort is the gateway's guest-side listening port; spec §4.13
// names "the service port" without specifying where it comes from, so
// it is resolved here as a per-route config field (see DESIGN.md).
type Route struct {
	TenantID        string `toml:"tenant_id"`
	PoolID          string `toml:"pool_id"`
	Listen          string `toml:"listen"`
	Node            string `toml:"node"`
	ServicePort     int    `toml:"service_port,omitempty"`
	IdleTimeoutSecs int    `toml:"idle_timeout_secs,omitempty"`
}

// LoadConfig reads and validates a TOML config file.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, ferr.Wrap(ferr.ConfigInvalid, "LoadConfig", err)
	}
	if err := cfg.applyDefaults(); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() error {
	if c.IdleTimeoutSecs == 0 {
		c.IdleTimeoutSecs = 60
	}
	if c.WakeTimeoutSecs == 0 {
		c.WakeTimeoutSecs = 15
	}
	if c.HealthIntervalSecs == 0 {
		c.HealthIntervalSecs = 5
	}
	if c.MaxConnectionsPerTenant == 0 {
		c.MaxConnectionsPerTenant = 256
	}
	return nil
}

// Validate rejects empty routes, duplicate listen addresses, and
// routes naming a node absent from Nodes, per spec §4.13.
func (c *Config) Validate() error {
	if len(c.Routes) == 0 {
		return ferr.New(ferr.ConfigInvalid, "Validate", "no routes configured")
	}
	nodeAddrs := map[string]string{}
	for _, n := range c.Nodes {
		if n.Name == "" || n.Addr == "" {
			return ferr.New(ferr.ConfigInvalid, "Validate", "node entries require name and addr")
		}
		nodeAddrs[n.Name] = n.Addr
	}
	seenListen := map[string]bool{}
	for _, r := range c.Routes {
		if r.TenantID == "" || r.PoolID == "" || r.Listen == "" || r.Node == "" {
			return ferr.New(ferr.ConfigInvalid, "Validate", "route missing a required field")
		}
		if seenListen[r.Listen] {
			return ferr.New(ferr.ConfigInvalid, "Validate", fmt.Sprintf("duplicate listen address %s", r.Listen))
		}
		seenListen[r.Listen] = true
		if _, ok := nodeAddrs[r.Node]; !ok {
			return ferr.New(ferr.ConfigInvalid, "Validate", fmt.Sprintf("route %s/%s references unknown node %q", r.TenantID, r.PoolID, r.Node))
		}
	}
	return nil
}

// NodeAddr resolves a node name to its agent address.
func (c *Config) NodeAddr(name string) (string, bool) {
	for _, n := range c.Nodes {
		if n.Name == name {
			return n.Addr, true
		}
	}
	return "", false
}

func (r Route) idleTimeout(fallback time.Duration) time.Duration {
	if r.IdleTimeoutSecs > 0 {
		return time.Duration(r.IdleTimeoutSecs) * time.Second
	}
	return fallback
}

// ResolvedRoute is the route table's value type, spec §4.13.
type ResolvedRoute struct {
	TenantID    string
	PoolID      string
	NodeName    string
	NodeAddr    string
	ServicePort int
	IdleTimeout time.Duration
}

const defaultServicePort = 80

// BuildRouteTable resolves every configured Route against Nodes into
// listen_addr -> ResolvedRoute, assuming Validate has already passed.
func BuildRouteTable(cfg Config) map[string]ResolvedRoute {
	fallback := time.Duration(cfg.IdleTimeoutSecs) * time.Second
	table := make(map[string]ResolvedRoute, len(cfg.Routes))
	for _, r := range cfg.Routes {
		addr, _ := cfg.NodeAddr(r.Node)
		port := r.ServicePort
		if port == 0 {
			port = defaultServicePort
		}
		table[r.Listen] = ResolvedRoute{
			TenantID:    r.TenantID,
			PoolID:      r.PoolID,
			NodeName:    r.Node,
			NodeAddr:    addr,
			ServicePort: port,
			IdleTimeout: r.idleTimeout(fallback),
		}
	}
	return table
}
