package main

import (
	"context"
	"crypto/x509"
	"fmt"
	"strconv"
	"time"

	"github.com/cuemby/scm/pkg/api"
	"github.com/cuemby/scm/pkg/security"
	"github.com/cuemby/scm/pkg/store"
	"github.com/cuemby/scm/pkg/types"
	"github.com/spf13/cobra"
)

func newClient(cmd *cobra.Command) *api.Client {
	addr, _ := cmd.Flags().GetString("scm")
	return api.NewClient(api.ClientConfig{Addrs: []string{addr}})
}

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Inspect registered datanodes",
}

var nodeListCmd = &cobra.Command{
	Use:   "ls",
	Short: "List nodes in the cluster",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient(cmd)
		defer c.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		resp, err := c.ListNodes(ctx)
		if err != nil {
			return fmt.Errorf("listing nodes: %w", err)
		}

		if len(resp.Nodes) == 0 {
			fmt.Println("No nodes found")
			return nil
		}

		fmt.Printf("%-38s %-22s %-16s %-8s\n", "ID", "HOSTNAME", "HEALTH", "LOCATION")
		for _, n := range resp.Nodes {
			fmt.Printf("%-38s %-22s %-16s %-8s\n", n.ID, n.Hostname, n.Health, n.Location)
		}
		return nil
	},
}

var pipelineCmd = &cobra.Command{
	Use:   "pipeline",
	Short: "Inspect write pipelines",
}

var pipelineListCmd = &cobra.Command{
	Use:   "ls",
	Short: "List pipelines in the cluster",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient(cmd)
		defer c.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		resp, err := c.ListPipelines(ctx)
		if err != nil {
			return fmt.Errorf("listing pipelines: %w", err)
		}

		if len(resp.Pipelines) == 0 {
			fmt.Println("No pipelines found")
			return nil
		}

		fmt.Printf("%-38s %-14s %-8s %-10s %-8s\n", "ID", "TYPE", "FACTOR", "STATE", "MEMBERS")
		for _, p := range resp.Pipelines {
			fmt.Printf("%-38s %-14s %-8d %-10s %-8d\n", p.ID, p.Type, p.Factor, p.State, len(p.Members))
		}
		return nil
	},
}

var containerCmd = &cobra.Command{
	Use:   "container",
	Short: "Inspect and drive container allocations",
}

var containerGetCmd = &cobra.Command{
	Use:   "get [id]",
	Short: "Show a single container",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid container id %q: %w", args[0], err)
		}

		c := newClient(cmd)
		defer c.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		resp, err := c.GetContainer(ctx, &api.GetContainerRequest{ID: types.ContainerID(id)})
		if err != nil {
			return fmt.Errorf("getting container: %w", err)
		}

		ct := resp.Container
		fmt.Printf("ID:          %d\n", ct.ID)
		fmt.Printf("Pipeline:    %s\n", ct.PipelineID)
		fmt.Printf("State:       %s\n", ct.State)
		fmt.Printf("Owner:       %s\n", ct.Owner)
		fmt.Printf("Used bytes:  %d\n", ct.UsedBytes)
		fmt.Printf("Key count:   %d\n", ct.KeyCount)
		fmt.Printf("Created at:  %s\n", ct.CreatedAt.Format(time.RFC3339))
		return nil
	},
}

var containerTriggerCmd = &cobra.Command{
	Use:   "trigger [id] [event]",
	Short: "Manually drive a container's lifecycle (FINALIZE|QUASI_CLOSE|CLOSE|FORCE_CLOSE|DELETE|CLEANUP)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid container id %q: %w", args[0], err)
		}

		c := newClient(cmd)
		defer c.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.TriggerContainerEvent(ctx, &api.TriggerContainerEventRequest{
			ID:    types.ContainerID(id),
			Event: args[1],
		}); err != nil {
			return fmt.Errorf("triggering event: %w", err)
		}
		fmt.Println("✓ event accepted")
		return nil
	},
}

var safeModeCmd = &cobra.Command{
	Use:   "safemode",
	Short: "Inspect the Safe-Mode Controller",
}

var safeModeStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current safe-mode status",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient(cmd)
		defer c.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		resp, err := c.SafeModeStatus(ctx)
		if err != nil {
			return fmt.Errorf("getting safe-mode status: %w", err)
		}

		fmt.Printf("In safe mode:      %t\n", resp.Status.InSafeMode)
		fmt.Printf("Pre-check done:    %t\n", resp.Status.PreCheckComplete)
		fmt.Println()
		fmt.Println(resp.Report)
		return nil
	},
}

var caCmd = &cobra.Command{
	Use:   "ca",
	Short: "Inspect the on-disk certificate material written by `scm cluster start`",
}

var caStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show CA and leaf certificate expiry/rotation status",
	RunE: func(cmd *cobra.Command, args []string) error {
		nodeType, _ := cmd.Flags().GetString("node-type")
		nodeID, _ := cmd.Flags().GetString("node-id")
		if nodeID == "" {
			return fmt.Errorf("--node-id is required")
		}

		certDir, err := security.GetCertDir(nodeType, nodeID)
		if err != nil {
			return fmt.Errorf("resolving cert directory: %w", err)
		}
		if !security.CertExists(certDir) {
			return fmt.Errorf("no certificate material found in %s", certDir)
		}

		leaf, err := security.LoadCertFromFile(certDir)
		if err != nil {
			return fmt.Errorf("loading leaf certificate: %w", err)
		}
		caCert, err := security.LoadCACertFromFile(certDir)
		if err != nil {
			return fmt.Errorf("loading CA certificate: %w", err)
		}
		if err := security.ValidateCertChain(leaf.Leaf, caCert); err != nil {
			fmt.Printf("** leaf certificate does not verify against the stored CA: %v **\n", err)
		}

		printCertStatus(leaf.Leaf)
		printCertStatus(caCert)
		return nil
	},
}

func printCertStatus(cert *x509.Certificate) {
	info := security.GetCertInfo(cert)
	fmt.Printf("%s\n", info["subject"])
	fmt.Printf("  not after:      %s\n", info["not_after"])
	fmt.Printf("  time remaining: %s\n", security.GetCertTimeRemaining(cert).Round(time.Hour))
	if security.CertNeedsRotation(cert) {
		fmt.Printf("  ** needs rotation before %s **\n", security.GetCertExpiry(cert).Format(time.RFC3339))
	}
}

var caResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Remove the on-disk certificate material (forces re-issuance on next start)",
	RunE: func(cmd *cobra.Command, args []string) error {
		nodeType, _ := cmd.Flags().GetString("node-type")
		nodeID, _ := cmd.Flags().GetString("node-id")
		if nodeID == "" {
			return fmt.Errorf("--node-id is required")
		}
		certDir, err := security.GetCertDir(nodeType, nodeID)
		if err != nil {
			return fmt.Errorf("resolving cert directory: %w", err)
		}
		if err := security.RemoveCerts(certDir); err != nil {
			return fmt.Errorf("removing certs: %w", err)
		}
		fmt.Printf("✓ removed %s\n", certDir)
		return nil
	},
}

var caIssueClientCmd = &cobra.Command{
	Use:   "issue-client [client-id]",
	Short: "Issue a CLI client certificate from this replica's local CA",
	Long: `issue-client opens the Persistent KV Store directly (it must run on
an SCM host, not over the network), loads the already-initialized
CertAuthority from it, mints a client certificate, and writes it under
the CLI's certificate directory for subsequent mTLS-authenticated CLI
calls.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		kv, err := store.Open(dataDir)
		if err != nil {
			return fmt.Errorf("opening store: %w", err)
		}
		defer kv.Close()

		ca := security.NewCertAuthority(kv)
		if err := ca.LoadFromStore(); err != nil {
			return fmt.Errorf("loading CA from %s (has `scm cluster start` run here with TLS enabled?): %w", dataDir, err)
		}

		cert, err := ca.IssueClientCertificate(args[0])
		if err != nil {
			return fmt.Errorf("issuing client certificate: %w", err)
		}

		certDir, err := security.GetCLICertDir()
		if err != nil {
			return fmt.Errorf("resolving CLI cert directory: %w", err)
		}
		if err := security.SaveCertToFile(cert, certDir); err != nil {
			return fmt.Errorf("writing client certificate: %w", err)
		}
		if err := security.SaveCACertToFile(ca.GetRootCACert(), certDir); err != nil {
			return fmt.Errorf("writing CA certificate: %w", err)
		}
		fmt.Printf("✓ client certificate for %q written to %s\n", args[0], certDir)
		return nil
	},
}

func init() {
	for _, cmd := range []*cobra.Command{nodeListCmd, pipelineListCmd, containerGetCmd, containerTriggerCmd, safeModeStatusCmd} {
		cmd.Flags().String("scm", "127.0.0.1:9200", "SCM replica address")
	}
	for _, cmd := range []*cobra.Command{caStatusCmd, caResetCmd} {
		cmd.Flags().String("node-type", "scm", "node type the cert directory was issued under")
		cmd.Flags().String("node-id", "", "node id the cert directory was issued under (required)")
	}
	caIssueClientCmd.Flags().String("data-dir", "/var/lib/scm", "this replica's Persistent KV Store directory")

	nodeCmd.AddCommand(nodeListCmd)
	pipelineCmd.AddCommand(pipelineListCmd)
	containerCmd.AddCommand(containerGetCmd, containerTriggerCmd)
	safeModeCmd.AddCommand(safeModeStatusCmd)
	caCmd.AddCommand(caStatusCmd, caResetCmd, caIssueClientCmd)
}
