// Command fleetd is the node agent: it hosts the on-disk state store,
// the lifecycle API, the reconcile loop, and the node control plane in
// one process, converging local microVM state toward whatever desired
// state a coordinator supplies.
package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"fleetd/internal/controlplane"
	"fleetd/internal/lifecycle"
	"fleetd/internal/policy"
	"fleetd/internal/reconcile"
	"fleetd/internal/snapshot"
	"fleetd/internal/store"
	"fleetd/internal/vmm"
)

type config struct {
	DataRoot              string
	ListenAddr            string
	NodeID                string
	FirecrackerBin        string
	CgroupRoot            string
	Production            bool
	TLSCertDir            string
	TrustedKeysDir        string
	ReconcileIntervalSecs int
	DesiredStatePath      string
	AttestationProvider   string
}

func loadConfig() config {
	return config{
		DataRoot:              envOr("DATA_ROOT", "/var/lib/fleetd"),
		ListenAddr:            envOr("LISTEN_ADDR", ":4433"),
		NodeID:                envOr("NODE_ID", hostnameOrFallback()),
		FirecrackerBin:        envOr("FIRECRACKER_BIN", "firecracker"),
		CgroupRoot:            envOr("CGROUP_ROOT", "/sys/fs/cgroup/fleetd"),
		Production:            intOr("PRODUCTION", 0) != 0,
		TLSCertDir:            envOr("TLS_CERT_DIR", "/var/lib/fleetd/certs"),
		TrustedKeysDir:        envOr("TRUSTED_KEYS_DIR", "/etc/fleetd/trusted_keys"),
		ReconcileIntervalSecs: intOr("RECONCILE_INTERVAL_SECS", 10),
		DesiredStatePath:      envOr("DESIRED_STATE_PATH", ""),
		AttestationProvider:   envOr("ATTESTATION_PROVIDER", "none"),
	}
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if os.Geteuid() != 0 {
		log.Fatalf("fleetd must run as root (try: sudo go run ./cmd/fleetd)")
	}

	cfg := loadConfig()

	if err := vmm.EnsureCgroupRoot(cfg.CgroupRoot); err != nil {
		log.Fatalf("preflight: %v", err)
	}
	log.Printf("fleetd starting: node_id=%s data_root=%s production=%v", cfg.NodeID, cfg.DataRoot, cfg.Production)

	root := store.NewRoot(cfg.DataRoot)
	keys := store.FileKeyProvider{Root: root}
	snapshots := snapshot.NewEngine(root, keys)
	lc := lifecycle.New(root, snapshots, keys, cfg.FirecrackerBin, cfg.CgroupRoot, cfg.Production)

	rc := &reconcile.Reconciler{
		Root:      root,
		Lifecycle: lc,
		Thresholds: policy.Thresholds{
			WarmThresholdSecs:  300,
			SleepThresholdSecs: 900,
		},
		Logger: log.Default(),
	}

	tlsConf, err := controlplane.LoadOrGenerateTLSConfig(cfg.TLSCertDir, cfg.NodeID, cfg.Production)
	if err != nil {
		log.Fatalf("load TLS config: %v", err)
	}
	trustedKeys, err := controlplane.LoadTrustedKeys(cfg.TrustedKeysDir)
	if err != nil {
		log.Fatalf("load trusted keys: %v", err)
	}

	srv := &controlplane.Server{
		NodeID:              cfg.NodeID,
		Root:                root,
		Snapshots:           snapshots,
		Reconciler:          rc,
		TLSConfig:           tlsConf,
		TrustedKeys:         trustedKeys,
		Production:          cfg.Production,
		AttestationProvider: cfg.AttestationProvider,
		ReconcileInterval:   time.Duration(cfg.ReconcileIntervalSecs) * time.Second,
		Logger:              log.Default(),
	}

	if cfg.DesiredStatePath != "" {
		if err := runInitialReconcile(context.Background(), rc, cfg.DesiredStatePath); err != nil {
			log.Printf("initial reconcile failed: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.ListenAndServe(ctx, cfg.ListenAddr) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Printf("shutdown signal received, draining in-flight work")
	case err := <-serveErr:
		if err != nil {
			log.Printf("control plane serve error: %v", err)
		}
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}

func runInitialReconcile(ctx context.Context, rc *reconcile.Reconciler, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var ds reconcile.DesiredState
	if err := json.Unmarshal(raw, &ds); err != nil {
		return err
	}
	if err := reconcile.Validate(ds); err != nil {
		return err
	}
	report, err := rc.Reconcile(ctx, ds, store.ActorReconcile)
	if err != nil {
		return err
	}
	log.Printf("initial reconcile: created=%d started=%d warmed=%d slept=%d woken=%d stopped=%d destroyed=%d deferred=%d errors=%d",
		report.Created, report.Started, report.Warmed, report.Slept, report.Woken, report.Stopped, report.Destroyed, report.Deferred, len(report.Errors))
	return nil
}

func hostnameOrFallback() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "node-unknown"
	}
	return h
}

func envOr(name, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return fallback
}

func intOr(name string, fallback int) int {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return fallback
}
