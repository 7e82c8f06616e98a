package proxy

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const validConfig = `
idle_timeout_secs = 30

[[nodes]]
name = "node-a"
addr = "10.0.0.1:4433"

[[routes]]
tenant_id = "tenant-a"
pool_id = "gateway"
listen = "0.0.0.0:8080"
node = "node-a"
service_port = 3000
`

func TestLoadConfigAppliesDefaultsAndResolves(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.WakeTimeoutSecs != 15 {
		t.Errorf("expected default wake_timeout_secs=15, got %d", cfg.WakeTimeoutSecs)
	}
	if cfg.MaxConnectionsPerTenant != 256 {
		t.Errorf("expected default max_connections_per_tenant=256, got %d", cfg.MaxConnectionsPerTenant)
	}

	routes := BuildRouteTable(cfg)
	r, ok := routes["0.0.0.0:8080"]
	if !ok {
		t.Fatal("expected a resolved route for the configured listen address")
	}
	if r.NodeAddr != "10.0.0.1:4433" {
		t.Errorf("expected node address 10.0.0.1:4433, got %s", r.NodeAddr)
	}
	if r.ServicePort != 3000 {
		t.Errorf("expected service_port 3000, got %d", r.ServicePort)
	}
	if r.IdleTimeout != 30*time.Second {
		t.Errorf("expected route idle timeout to fall back to config's 30s, got %s", r.IdleTimeout)
	}
}

func TestBuildRouteTableDefaultsServicePort(t *testing.T) {
	const noPort = `
[[nodes]]
name = "node-a"
addr = "10.0.0.1:4433"

[[routes]]
tenant_id = "tenant-a"
pool_id = "gateway"
listen = "0.0.0.0:8080"
node = "node-a"
`
	cfg, err := LoadConfig(writeConfig(t, noPort))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	routes := BuildRouteTable(cfg)
	if routes["0.0.0.0:8080"].ServicePort != defaultServicePort {
		t.Errorf("expected default service port %d, got %d", defaultServicePort, routes["0.0.0.0:8080"].ServicePort)
	}
}

func TestValidateRejectsEmptyRoutes(t *testing.T) {
	cfg := Config{}
	if err := cfg.Validate(); err == nil {
		t.Error("expected an error for a config with no routes")
	}
}

func TestValidateRejectsDuplicateListenAddresses(t *testing.T) {
	cfg := Config{
		Nodes: []Node{{Name: "node-a", Addr: "10.0.0.1:4433"}},
		Routes: []Route{
			{TenantID: "t1", PoolID: "p1", Listen: "0.0.0.0:8080", Node: "node-a"},
			{TenantID: "t2", PoolID: "p2", Listen: "0.0.0.0:8080", Node: "node-a"},
		},
	}
	if err := cfg.Validate(); err == nil {
		t.Error("expected an error for two routes sharing one listen address")
	}
}

func TestValidateRejectsUnknownNode(t *testing.T) {
	cfg := Config{
		Routes: []Route{{TenantID: "t1", PoolID: "p1", Listen: "0.0.0.0:8080", Node: "ghost"}},
	}
	if err := cfg.Validate(); err == nil {
		t.Error("expected an error for a route naming an unconfigured node")
	}
}
