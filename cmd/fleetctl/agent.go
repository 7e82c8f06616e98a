package main

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"fleetd/internal/controlplane"
	"fleetd/internal/lifecycle"
	"fleetd/internal/policy"
	"fleetd/internal/reconcile"
	"fleetd/internal/snapshot"
	"fleetd/internal/store"
)

func agentCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "agent", Short: "Run or inspect the node agent in-process"}
	cmd.AddCommand(agentReconcileCmd(), agentServeCmd(), agentCertsCmd())
	return cmd
}

func agentReconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile <desired_state.json>",
		Short: "Run one reconcile pass against a desired-state document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var ds reconcile.DesiredState
			if err := json.Unmarshal(raw, &ds); err != nil {
				return usageErrf("parse %s: %v", args[0], err)
			}
			if err := reconcile.Validate(ds); err != nil {
				return usageErrf("invalid desired state: %v", err)
			}

			root := openRoot()
			keys := store.FileKeyProvider{Root: root}
			snapshots := snapshot.NewEngine(root, keys)
			cliCfg := loadFleetdConfigForCLI()
			lc := lifecycle.New(root, snapshots, keys, cliCfg.FirecrackerBin, cliCfg.CgroupRoot, cliCfg.Production)
			rc := &reconcile.Reconciler{
				Root:      root,
				Lifecycle: lc,
				Thresholds: policy.Thresholds{
					WarmThresholdSecs:  300,
					SleepThresholdSecs: 900,
				},
			}
			report, err := rc.Reconcile(cmd.Context(), ds, store.ActorManual)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
}

func agentServeCmd() *cobra.Command {
	var listenAddr, certDir, trustedKeysDir string
	var reconcileIntervalSecs int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the node control plane in the foreground (equivalent to running fleetd directly)",
		RunE: func(cmd *cobra.Command, args []string) error {
			root := openRoot()
			keys := store.FileKeyProvider{Root: root}
			snapshots := snapshot.NewEngine(root, keys)
			cliCfg := loadFleetdConfigForCLI()
			lc := lifecycle.New(root, snapshots, keys, cliCfg.FirecrackerBin, cliCfg.CgroupRoot, cliCfg.Production)
			rc := &reconcile.Reconciler{
				Root:      root,
				Lifecycle: lc,
				Thresholds: policy.Thresholds{
					WarmThresholdSecs:  300,
					SleepThresholdSecs: 900,
				},
			}
			nodeID := envOr("NODE_ID", "fleetctl-agent")
			tlsConf, err := controlplane.LoadOrGenerateTLSConfig(certDir, nodeID, cliCfg.Production)
			if err != nil {
				return err
			}
			trustedKeys, err := controlplane.LoadTrustedKeys(trustedKeysDir)
			if err != nil {
				return err
			}
			srv := &controlplane.Server{
				NodeID:            nodeID,
				Root:              root,
				Snapshots:         snapshots,
				Reconciler:        rc,
				TLSConfig:         tlsConf,
				TrustedKeys:       trustedKeys,
				Production:        cliCfg.Production,
				ReconcileInterval: time.Duration(reconcileIntervalSecs) * time.Second,
			}
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			return srv.ListenAndServe(ctx, listenAddr)
		},
	}
	cmd.Flags().StringVar(&listenAddr, "listen", envOr("LISTEN_ADDR", ":4433"), "control plane listen address")
	cmd.Flags().StringVar(&certDir, "tls-cert-dir", envOr("TLS_CERT_DIR", "/var/lib/fleetd/certs"), "TLS credential directory")
	cmd.Flags().StringVar(&trustedKeysDir, "trusted-keys-dir", envOr("TRUSTED_KEYS_DIR", "/etc/fleetd/trusted_keys"), "ReconcileSigned trusted key directory")
	cmd.Flags().IntVar(&reconcileIntervalSecs, "reconcile-interval-secs", 10, "periodic reconcile tick interval")
	return cmd
}

func agentCertsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "certs", Short: "Manage this node's TLS credentials"}
	cmd.AddCommand(agentCertsInitCmd(), agentCertsRotateCmd(), agentCertsStatusCmd())
	return cmd
}

func agentCertsInitCmd() *cobra.Command {
	var certDir, nodeID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Generate a CA and node certificate pair if none exist",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := controlplane.LoadOrGenerateTLSConfig(certDir, nodeID, false); err != nil {
				return err
			}
			fmt.Printf("TLS credentials ready at %s\n", certDir)
			return nil
		},
	}
	cmd.Flags().StringVar(&certDir, "tls-cert-dir", envOr("TLS_CERT_DIR", "/var/lib/fleetd/certs"), "TLS credential directory")
	cmd.Flags().StringVar(&nodeID, "node-id", envOr("NODE_ID", "fleetd"), "node identity for the generated certificate")
	return cmd
}

func agentCertsRotateCmd() *cobra.Command {
	var certDir, nodeID string
	cmd := &cobra.Command{
		Use:   "rotate",
		Short: "Discard the existing credential pair and generate a fresh one",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, name := range []string{"ca.crt", "node.crt", "node.key"} {
				if err := os.Remove(certDir + "/" + name); err != nil && !os.IsNotExist(err) {
					return err
				}
			}
			if _, err := controlplane.LoadOrGenerateTLSConfig(certDir, nodeID, false); err != nil {
				return err
			}
			fmt.Printf("TLS credentials rotated at %s\n", certDir)
			return nil
		},
	}
	cmd.Flags().StringVar(&certDir, "tls-cert-dir", envOr("TLS_CERT_DIR", "/var/lib/fleetd/certs"), "TLS credential directory")
	cmd.Flags().StringVar(&nodeID, "node-id", envOr("NODE_ID", "fleetd"), "node identity for the generated certificate")
	return cmd
}

func agentCertsStatusCmd() *cobra.Command {
	var certDir string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the node certificate's validity window",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(certDir + "/node.crt")
			if err != nil {
				return err
			}
			block, _ := pem.Decode(raw)
			if block == nil {
				return usageErrf("%s/node.crt is not a valid PEM file", certDir)
			}
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return err
			}
			fmt.Printf("subject:     %s\n", cert.Subject.CommonName)
			fmt.Printf("not_before:  %s\n", cert.NotBefore.Format(time.RFC3339))
			fmt.Printf("not_after:   %s\n", cert.NotAfter.Format(time.RFC3339))
			if time.Now().After(cert.NotAfter) {
				fmt.Println("status:      EXPIRED")
			} else {
				fmt.Println("status:      valid")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&certDir, "tls-cert-dir", envOr("TLS_CERT_DIR", "/var/lib/fleetd/certs"), "TLS credential directory")
	return cmd
}
