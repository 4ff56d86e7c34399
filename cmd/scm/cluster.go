package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/scm/pkg/api"
	"github.com/cuemby/scm/pkg/config"
	"github.com/cuemby/scm/pkg/container"
	"github.com/cuemby/scm/pkg/events"
	"github.com/cuemby/scm/pkg/gateway"
	"github.com/cuemby/scm/pkg/log"
	"github.com/cuemby/scm/pkg/metrics"
	"github.com/cuemby/scm/pkg/nodemanager"
	"github.com/cuemby/scm/pkg/pipeline"
	"github.com/cuemby/scm/pkg/placement"
	"github.com/cuemby/scm/pkg/raftlog"
	"github.com/cuemby/scm/pkg/safemode"
	"github.com/cuemby/scm/pkg/security"
	"github.com/cuemby/scm/pkg/store"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var clusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Manage an SCM replica",
}

var clusterInitCmd = &cobra.Command{
	Use:   "start",
	Short: "Start this SCM replica, bootstrapping a fresh cluster if needed",
	Long: `Start loads (or initializes) the on-disk VERSION file, opens the
Persistent KV Store, starts the Replicated Log, wires the Node/Pipeline/
Container Managers and the Safe-Mode Controller on top of it, and
serves the Datanode/Client gRPC surface until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Default()
		if path, _ := cmd.Flags().GetString("config"); path != "" {
			loaded, err := config.Load(path)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			cfg = loaded
		}
		config.ApplyFlags(&cfg, cmd)
		if nodeID, _ := cmd.Flags().GetString("node-id"); nodeID != "" {
			cfg.NodeID = nodeID
		}
		if bootstrap, _ := cmd.Flags().GetBool("bootstrap"); bootstrap {
			cfg.Bootstrap = true
		}

		return run(cfg)
	},
}

// logHandle defers to a *raftlog.Log set after raftlog.Open returns,
// letting the gateway (which the Node/Pipeline/Container Managers need
// at construction) exist before the replicated log itself does: the
// managers double as the log's Appliers, so the log can only open once
// they already exist.
type logHandle struct {
	log *raftlog.Log
}

func (h *logHandle) Submit(tag raftlog.Tag, method string, data json.RawMessage) (interface{}, error) {
	return h.log.Submit(tag, method, data)
}
func (h *logHandle) IsLeader() bool     { return h.log != nil && h.log.IsLeader() }
func (h *logHandle) LeaderHint() string { return h.log.LeaderHint() }

func run(cfg config.Config) error {
	fmt.Println("Starting Storage Container Manager...")
	fmt.Printf("  Node ID:    %s\n", cfg.NodeID)
	fmt.Printf("  Raft bind:  %s\n", cfg.RaftBind)
	fmt.Printf("  RPC bind:   %s\n", cfg.RPCBind)
	fmt.Printf("  HTTP bind:  %s\n", cfg.HTTPBind)
	fmt.Printf("  Data dir:   %s\n", cfg.DataDir)
	fmt.Println()

	metrics.SetVersion(Version)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}

	ver, err := store.ReadVersionFile(cfg.DataDir)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("reading VERSION: %w", err)
		}
		scmID := cfg.NodeID
		if scmID == "" {
			scmID = uuid.NewString()
		}
		ver = &store.VersionInfo{
			NodeType:      "SCM",
			ClusterID:     "CID-" + uuid.NewString(),
			SCMID:         scmID,
			CTime:         time.Now().Unix(),
			LayoutVersion: 1,
		}
		if err := store.WriteVersionFile(cfg.DataDir, ver); err != nil {
			return fmt.Errorf("writing VERSION: %w", err)
		}
		fmt.Println("✓ Fresh cluster metadata initialized")
	} else {
		fmt.Println("✓ Existing cluster metadata loaded")
	}
	cfg.NodeID = ver.SCMID

	kv, err := store.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer kv.Close()
	metrics.RegisterComponent("store", true, "")
	fmt.Println("✓ Persistent KV Store opened")

	var tlsCert *tls.Certificate
	var caPool *x509.CertPool
	if cfg.TLSEnabled {
		ca := security.NewCertAuthority(kv)
		if err := ca.LoadFromStore(); err != nil {
			if err := ca.Initialize(); err != nil {
				return fmt.Errorf("initializing CA: %w", err)
			}
			if err := ca.SaveToStore(); err != nil {
				return fmt.Errorf("saving CA: %w", err)
			}
			fmt.Println("✓ Root certificate authority initialized")
		}
		leaf, err := ca.IssueNodeCertificate(cfg.NodeID, "scm", []string{"localhost"}, nil)
		if err != nil {
			return fmt.Errorf("issuing SCM certificate: %w", err)
		}
		tlsCert = leaf
		rootCert, err := x509.ParseCertificate(ca.GetRootCACert())
		if err != nil {
			return fmt.Errorf("parsing root CA certificate: %w", err)
		}
		if err := security.ValidateCertChain(tlsCert.Leaf, rootCert); err != nil {
			return fmt.Errorf("validating issued SCM certificate: %w", err)
		}
		pool := x509.NewCertPool()
		pool.AddCert(rootCert)
		caPool = pool

		certDir, err := security.GetCertDir("scm", cfg.NodeID)
		if err != nil {
			return fmt.Errorf("resolving cert directory: %w", err)
		}
		if err := security.SaveCertToFile(tlsCert, certDir); err != nil {
			return fmt.Errorf("writing SCM certificate to disk: %w", err)
		}
		if err := security.SaveCACertToFile(ca.GetRootCACert(), certDir); err != nil {
			return fmt.Errorf("writing root CA certificate to disk: %w", err)
		}
		metrics.RegisterComponent("security", true, "mTLS enabled")
		fmt.Printf("✓ mTLS enabled (certs written to %s)\n", certDir)
	} else {
		metrics.RegisterComponent("security", true, "mTLS disabled")
	}

	brk := events.NewBroker()
	brk.Start()
	defer brk.Stop()

	handle := &logHandle{}
	gw := gateway.New(handle)

	resolver := placement.NewDnsToSwitch(nil, "/default-rack")
	rnd := placement.NewRand()

	nm := nodemanager.New(kv, gw, nodemanager.Config{
		ClusterID:               ver.ClusterID,
		SCMID:                   ver.SCMID,
		StaleAfter:              cfg.StaleAfter(),
		DeadAfter:               cfg.DeadAfter(),
		PipelinesPerMetadataVol: cfg.PipelinesPerMetadataVol,
	}, resolver, brk)

	pm := pipeline.New(kv, gw, pipeline.Config{}, nm, placement.Random(rnd), brk)

	cm := container.New(kv, gw, container.Config{
		MinContainersPerDN:    cfg.MinContainersPerDN,
		MinPipelineCountPerDN: cfg.MinPipelineCountPerDN,
		ContainerSizeBytes:    cfg.ContainerSizeBytes,
	}, pm, nm, brk)

	pm.SetOnLeaveOpen(cm.CascadeClose)
	nm.SetOnNodeDead(pm.CloseAllFor)

	rlog, err := raftlog.Open(raftlog.Config{
		NodeID:    cfg.NodeID,
		BindAddr:  cfg.RaftBind,
		DataDir:   cfg.DataDir,
		Bootstrap: cfg.Bootstrap,
	}, kv, map[raftlog.Tag]raftlog.Applier{
		raftlog.TagNode:      nm,
		raftlog.TagPipeline:  pm,
		raftlog.TagContainer: cm,
	})
	if err != nil {
		return fmt.Errorf("starting replicated log: %w", err)
	}
	handle.log = rlog
	defer rlog.Shutdown()
	metrics.RegisterComponent("raftlog", true, "")
	fmt.Println("✓ Replicated Log started")

	if err := nm.Load(); err != nil {
		return fmt.Errorf("loading node state: %w", err)
	}
	if err := pm.Load(); err != nil {
		return fmt.Errorf("loading pipeline state: %w", err)
	}
	if err := cm.Load(); err != nil {
		return fmt.Errorf("loading container state: %w", err)
	}

	for _, peer := range cfg.JoinPeers {
		if err := rlog.Join(cfg.NodeID, peer); err != nil {
			log.Logger.Warn().Err(err).Str("peer", peer).Msg("cluster: join peer failed")
		}
	}

	nm.StartSweeper()
	defer nm.StopSweeper()

	sm := safemode.New(safemode.Config{
		Enabled:                   cfg.SafeMode.Enabled,
		MinDatanodes:              cfg.SafeMode.MinDatanodes,
		ContainerThreshold:        cfg.SafeMode.ContainerThreshold,
		PipelineAvailabilityCheck: cfg.SafeMode.PipelineAvailabilityCheck,
	}, nm, pm, cm, brk)
	sm.Start()
	defer sm.Stop()
	metrics.RegisterComponent("safemode", true, "")
	fmt.Println("✓ Safe-Mode Controller started")

	healthSrv := api.NewHealthServer(&clusterAdapter{log: rlog, kv: kv})
	go func() {
		if err := healthSrv.Start(cfg.HTTPBind); err != nil && err != http.ErrServerClosed {
			log.Logger.Error().Err(err).Msg("cluster: health server stopped")
		}
	}()
	fmt.Printf("✓ Health/metrics endpoint: http://%s/health\n", cfg.HTTPBind)

	rpcServer := &api.Server{
		ClusterID:  ver.ClusterID,
		ScmID:      ver.SCMID,
		Nodes:      nm,
		Pipelines:  pm,
		Containers: cm,
		SafeMode:   sm,
	}
	gs := api.NewGRPCServer(rpcServer, tlsCert, caPool)
	metrics.RegisterComponent("api", true, "")

	lis, err := net.Listen("tcp", cfg.RPCBind)
	if err != nil {
		return fmt.Errorf("binding rpc listener: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		if err := api.Serve(ctx, gs, lis); err != nil {
			errCh <- err
		}
	}()
	fmt.Printf("✓ gRPC API listening on %s\n", cfg.RPCBind)
	fmt.Println()
	fmt.Println("SCM is running. Press Ctrl+C to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		fmt.Println("\nShutting down...")
	case err := <-errCh:
		fmt.Fprintf(os.Stderr, "\ngrpc server error: %v\n", err)
	}
	metrics.UpdateComponent("api", false, "draining")
	cancel()

	fmt.Println("✓ Shutdown complete")
	return nil
}

func init() {
	clusterCmd.AddCommand(clusterInitCmd)

	clusterInitCmd.Flags().String("config", "", "Path to scm.yaml configuration file")
	config.BindFlags(clusterInitCmd)
	clusterInitCmd.Flags().String("node-id", "", "Unique SCM replica ID (defaults to the VERSION file's scm_id)")
	clusterInitCmd.Flags().Bool("bootstrap", false, "Bootstrap a fresh raft cluster with this replica as the sole voter")
}
