package raftlog

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/scm/pkg/log"
	"github.com/cuemby/scm/pkg/metrics"
	"github.com/cuemby/scm/pkg/scmerr"
	"github.com/cuemby/scm/pkg/store"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
)

// Config holds the tuning knobs for one replica's Replicated Log.
// Timeouts mirror the fast-failover tuning used for sub-10s failover:
// short heartbeat/election timeouts, aggressive commit timeout.
type Config struct {
	NodeID           string // raft server id, stable across restarts
	BindAddr         string // TCP address this replica's transport listens on
	DataDir          string // raft log/stable/snapshot storage, separate from the domain KV store
	Bootstrap        bool   // true only for the first replica of a fresh cluster
	HeartbeatTimeout time.Duration
	ElectionTimeout  time.Duration
	CommitTimeout    time.Duration
}

func (c *Config) setDefaults() {
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = 500 * time.Millisecond
	}
	if c.ElectionTimeout == 0 {
		c.ElectionTimeout = 500 * time.Millisecond
	}
	if c.CommitTimeout == 0 {
		c.CommitTimeout = 50 * time.Millisecond
	}
}

// Log is SCM's Replicated Log (§4.2): a thin wrapper around
// hashicorp/raft that exposes Submit/IsLeader/LeaderHint and owns the
// FSM dispatching committed commands to the registered Appliers.
type Log struct {
	raft      *raft.Raft
	fsm       *FSM
	transport *raft.NetworkTransport
	cfg       Config
}

// Open starts (or rejoins) this replica's Replicated Log.
func Open(cfg Config, kv store.KV, appliers map[Tag]Applier) (*Log, error) {
	cfg.setDefaults()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: creating raft data dir: %v", scmerr.ErrInternal, err)
	}

	fsm := NewFSM(kv, appliers)

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID)
	raftCfg.HeartbeatTimeout = cfg.HeartbeatTimeout
	raftCfg.ElectionTimeout = cfg.ElectionTimeout
	raftCfg.CommitTimeout = cfg.CommitTimeout
	raftCfg.LeaderLeaseTimeout = 250 * time.Millisecond

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: resolving raft bind addr: %v", scmerr.ErrInternal, err)
	}
	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("%w: creating raft transport: %v", scmerr.ErrInternal, err)
	}

	snapshots, err := raft.NewFileSnapshotStore(cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("%w: creating snapshot store: %v", scmerr.ErrInternal, err)
	}

	boltStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft.db"))
	if err != nil {
		return nil, fmt.Errorf("%w: creating raft log store: %v", scmerr.ErrInternal, err)
	}

	r, err := raft.NewRaft(raftCfg, fsm, boltStore, boltStore, snapshots, transport)
	if err != nil {
		return nil, fmt.Errorf("%w: starting raft: %v", scmerr.ErrInternal, err)
	}

	if cfg.Bootstrap {
		cfgFuture := raft.Configuration{
			Servers: []raft.Server{{ID: raftCfg.LocalID, Address: transport.LocalAddr()}},
		}
		if err := r.BootstrapCluster(cfgFuture).Error(); err != nil {
			log.Logger.Warn().Err(err).Msg("raftlog: bootstrap skipped, cluster likely already initialized")
		}
	}

	return &Log{raft: r, fsm: fsm, transport: transport, cfg: cfg}, nil
}

// Join adds a new voter to the cluster. Only the leader may do this;
// callers must route through Submit's NotLeader handling if unsure.
func (l *Log) Join(nodeID, addr string) error {
	if !l.IsLeader() {
		return &scmerr.NotLeader{LeaderHint: l.LeaderHint()}
	}
	future := l.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(addr), 0, 10*time.Second)
	return future.Error()
}

// Submit is the Replicated Log's single write entrypoint. Only the
// leader accepts; followers return NotLeader with a hint (§4.2).
func (l *Log) Submit(tag Tag, method string, data json.RawMessage) (interface{}, error) {
	if !l.IsLeader() {
		return nil, &scmerr.NotLeader{LeaderHint: l.LeaderHint()}
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RaftSubmitDuration)

	cmd := Command{Tag: tag, Method: method, Data: data}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal command: %v", scmerr.ErrInternal, err)
	}

	future := l.raft.Apply(payload, 5*time.Second)
	if err := future.Error(); err != nil {
		if err == raft.ErrLeadershipLost || err == raft.ErrNotLeader {
			return nil, &scmerr.NotLeader{LeaderHint: l.LeaderHint()}
		}
		return nil, fmt.Errorf("%w: %v", scmerr.ErrTimeout, err)
	}

	resp := future.Response()
	if err, ok := resp.(error); ok && err != nil {
		return nil, err
	}
	return resp, nil
}

// IsLeader reports whether this replica currently holds leadership.
func (l *Log) IsLeader() bool {
	return l.raft.State() == raft.Leader
}

// LeaderHint returns the address of the current leader, if known.
func (l *Log) LeaderHint() string {
	addr, _ := l.raft.LeaderWithID()
	return string(addr)
}

// Snapshot triggers take_snapshot (§4.2): every Applier flushes to the
// KV store, raft checkpoints the FSM, and (index, term) are recorded
// by the snapshot store itself.
func (l *Log) Snapshot() error {
	return l.raft.Snapshot().Error()
}

// Stats exposes a small subset of raft's internal counters for metrics.
func (l *Log) Stats() map[string]string {
	return l.raft.Stats()
}

// Shutdown stops the Replicated Log.
func (l *Log) Shutdown() error {
	return l.raft.Shutdown().Error()
}
