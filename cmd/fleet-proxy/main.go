// Command fleet-proxy is the edge coordinator proxy: it accepts
// external TCP connections, wakes the owning tenant's gateway instance
// on demand, and splices the connection through.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"fleetd/internal/controlplane"
	"fleetd/internal/proxy"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	configPath := envOr("PROXY_CONFIG", "/etc/fleet-proxy/config.toml")
	certDir := envOr("TLS_CERT_DIR", "/var/lib/fleet-proxy/certs")
	nodeID := envOr("NODE_ID", "fleet-proxy")

	cfg, err := proxy.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("load config %s: %v", configPath, err)
	}

	tlsConf, err := controlplane.LoadOrGenerateTLSConfig(certDir, nodeID, false)
	if err != nil {
		log.Fatalf("load TLS config: %v", err)
	}

	srv := &proxy.Server{
		Config:    cfg,
		TLSConfig: tlsConf,
		Logger:    log.Default(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Printf("shutdown signal received")
		cancel()
	}()

	if err := srv.Serve(ctx); err != nil {
		log.Fatalf("serve: %v", err)
	}
}

func envOr(name, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return fallback
}
