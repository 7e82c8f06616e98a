package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"fleetd/internal/controlplane"
	"fleetd/internal/proxy"
)

func coordinatorCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "coordinator", Short: "Run or drive the coordinator proxy"}
	cmd.AddCommand(coordinatorServeCmd(), coordinatorRoutesCmd(), coordinatorPushCmd(), coordinatorStatusCmd(), coordinatorListInstancesCmd(), coordinatorWakeCmd())
	return cmd
}

func coordinatorServeCmd() *cobra.Command {
	var configPath, certDir, nodeID string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator proxy in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := proxy.LoadConfig(configPath)
			if err != nil {
				return err
			}
			tlsConf, err := controlplane.LoadOrGenerateTLSConfig(certDir, nodeID, false)
			if err != nil {
				return err
			}
			srv := &proxy.Server{Config: cfg, TLSConfig: tlsConf}
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			return srv.Serve(ctx)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", envOr("PROXY_CONFIG", "/etc/fleet-proxy/config.toml"), "proxy config path")
	cmd.Flags().StringVar(&certDir, "tls-cert-dir", envOr("TLS_CERT_DIR", "/var/lib/fleet-proxy/certs"), "TLS credential directory")
	cmd.Flags().StringVar(&nodeID, "node-id", envOr("NODE_ID", "fleet-proxy"), "proxy client identity")
	return cmd
}

func coordinatorRoutesCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "routes",
		Short: "Print the proxy's resolved route table",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := proxy.LoadConfig(configPath)
			if err != nil {
				return err
			}
			routes := proxy.BuildRouteTable(cfg)
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "LISTEN\tTENANT\tPOOL\tNODE\tSERVICE_PORT\tIDLE_TIMEOUT")
			for listen, r := range routes {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n", listen, r.TenantID, r.PoolID, r.NodeAddr, r.ServicePort, r.IdleTimeout)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&configPath, "config", envOr("PROXY_CONFIG", "/etc/fleet-proxy/config.toml"), "proxy config path")
	return cmd
}

func coordinatorPushCmd() *cobra.Command {
	var keyID, sigB64 string
	cmd := &cobra.Command{
		Use:   "push <node_addr> <desired_state.json>",
		Short: "Send a Reconcile (or, with --key-id/--signature, ReconcileSigned) request to one node",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}
			var req controlplane.Request
			if sigB64 != "" {
				if keyID == "" {
					return usageErrf("--signature requires --key-id")
				}
				payloadJSON, err := json.Marshal(controlplane.ReconcileSignedPayload{KeyID: keyID, Signature: sigB64})
				if err != nil {
					return err
				}
				req = controlplane.Request{Kind: controlplane.KindReconcileSigned}
				if err := json.Unmarshal(payloadJSON, &req.ReconcileSigned); err != nil {
					return err
				}
				if err := json.Unmarshal(raw, &req.ReconcileSigned.State); err != nil {
					return usageErrf("parse %s: %v", args[1], err)
				}
			} else {
				req = controlplane.Request{Kind: controlplane.KindReconcile}
				if err := json.Unmarshal(raw, &req.Reconcile); err != nil {
					return usageErrf("parse %s: %v", args[1], err)
				}
			}
			resp, err := sendControlPlane(cmd.Context(), args[0], req)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(resp.ReconcileReport)
		},
	}
	cmd.Flags().StringVar(&keyID, "key-id", "", "trusted key id (ReconcileSigned)")
	cmd.Flags().StringVar(&sigB64, "signature", "", "base64 Ed25519 signature over the desired-state document (ReconcileSigned)")
	return cmd
}

func coordinatorStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <node_addr>",
		Short: "Print a node's NodeInfo",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := sendControlPlane(cmd.Context(), args[0], controlplane.Request{Kind: controlplane.KindNodeInfo})
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(resp.NodeInfo)
		},
	}
}

func coordinatorListInstancesCmd() *cobra.Command {
	var poolID string
	cmd := &cobra.Command{
		Use:   "list-instances <node_addr> <tenant_id>",
		Short: "List instances a node currently tracks for a tenant",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := controlplane.Request{Kind: controlplane.KindInstanceList, InstanceList: &controlplane.InstanceListPayload{TenantID: args[1], PoolID: poolID}}
			resp, err := sendControlPlane(cmd.Context(), args[0], req)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "POOL\tINSTANCE\tSTATUS\tGUEST_IP")
			for _, v := range resp.InstanceList {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", v.PoolID, v.InstanceID, v.Status, v.GuestIP)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&poolID, "pool", "", "scope to one pool")
	return cmd
}

func coordinatorWakeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "wake <node_addr> <tenant_id> <pool_id> <instance_id>",
		Short: "Send a WakeInstance request to a node, as the proxy would on demand",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := controlplane.Request{
				Kind: controlplane.KindWakeInstance,
				WakeInstance: &controlplane.WakeInstancePayload{
					TenantID:   args[1],
					PoolID:     args[2],
					InstanceID: args[3],
				},
			}
			resp, err := sendControlPlane(cmd.Context(), args[0], req)
			if err != nil {
				return err
			}
			fmt.Printf("acknowledged=%v\n", resp.Acknowledged)
			return nil
		},
	}
}

func sendControlPlane(ctx context.Context, addr string, req controlplane.Request) (controlplane.Response, error) {
	certDir := envOr("TLS_CERT_DIR", "/var/lib/fleetctl/certs")
	nodeID := envOr("NODE_ID", "fleetctl")
	tlsConf, err := controlplane.LoadOrGenerateTLSConfig(certDir, nodeID, false)
	if err != nil {
		return controlplane.Response{}, err
	}
	client := controlplane.NewClient(tlsConf)
	defer client.Close()
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	return client.Send(ctx, addr, req)
}
