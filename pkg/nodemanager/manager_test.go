package nodemanager

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/cuemby/scm/pkg/events"
	"github.com/cuemby/scm/pkg/gateway"
	"github.com/cuemby/scm/pkg/placement"
	"github.com/cuemby/scm/pkg/raftlog"
	"github.com/cuemby/scm/pkg/store"
	"github.com/cuemby/scm/pkg/types"
	"github.com/stretchr/testify/require"
)

type fakeLog struct{ applier raftlog.Applier }

func (f *fakeLog) Submit(tag raftlog.Tag, method string, data json.RawMessage) (interface{}, error) {
	return f.applier.Apply(method, data)
}
func (f *fakeLog) IsLeader() bool     { return true }
func (f *fakeLog) LeaderHint() string { return "" }

func newTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	kv, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })

	fl := &fakeLog{}
	gw := gateway.New(fl)
	brk := events.NewBroker()
	brk.Start()
	t.Cleanup(brk.Stop)

	resolver := placement.NewDnsToSwitch(nil, "/default-rack")
	m := New(kv, gw, cfg, resolver, brk)
	fl.applier = m
	return m
}

func TestRegisterIsIdempotent(t *testing.T) {
	m := newTestManager(t, Config{ClusterID: "c1"})

	res1, err := m.Register("n1", "host1", "10.0.0.1", 9000, types.NodeReport{}, nil)
	require.NoError(t, err)
	require.True(t, res1.Success)

	res2, err := m.Register("n1", "host1", "10.0.0.1", 9000, types.NodeReport{}, nil)
	require.NoError(t, err)
	require.True(t, res2.Success)

	require.Len(t, m.ListNodes(), 1)
}

func TestRegisterMakesNodeHealthyAndHealthy(t *testing.T) {
	m := newTestManager(t, Config{ClusterID: "c1"})

	_, err := m.Register("n1", "host1", "10.0.0.1", 9000, types.NodeReport{}, nil)
	require.NoError(t, err)

	n, err := m.GetNode("n1")
	require.NoError(t, err)
	require.Equal(t, types.NodeHealthy, n.Health)
	require.Contains(t, m.HealthyNodes(), types.NodeID("n1"))
}

func TestProcessHeartbeatRevivesStaleNode(t *testing.T) {
	m := newTestManager(t, Config{ClusterID: "c1"})
	_, err := m.Register("n1", "host1", "10.0.0.1", 9000, types.NodeReport{}, nil)
	require.NoError(t, err)

	_, err = m.gw.Submit(raftlog.TagNode, "mark_stale", struct{ NodeID types.NodeID }{"n1"})
	require.NoError(t, err)

	n, err := m.GetNode("n1")
	require.NoError(t, err)
	require.Equal(t, types.NodeStale, n.Health)

	_, err = m.ProcessHeartbeat("n1")
	require.NoError(t, err)

	n, err = m.GetNode("n1")
	require.NoError(t, err)
	require.Equal(t, types.NodeHealthy, n.Health)
}

func TestProcessHeartbeatUnknownNode(t *testing.T) {
	m := newTestManager(t, Config{ClusterID: "c1"})
	_, err := m.ProcessHeartbeat("ghost")
	require.Error(t, err)
}

func TestAddDatanodeCommandDrainedByHeartbeat(t *testing.T) {
	m := newTestManager(t, Config{ClusterID: "c1"})
	_, err := m.Register("n1", "host1", "10.0.0.1", 9000, types.NodeReport{}, nil)
	require.NoError(t, err)

	m.AddDatanodeCommand("n1", types.DatanodeCommand{Kind: types.CmdCreatePipeline})

	cmds, err := m.ProcessHeartbeat("n1")
	require.NoError(t, err)
	require.Len(t, cmds, 1)

	cmds, err = m.ProcessHeartbeat("n1")
	require.NoError(t, err)
	require.Empty(t, cmds)
}

func TestAddDatanodeCommandDroppedForUnknownNode(t *testing.T) {
	m := newTestManager(t, Config{ClusterID: "c1"})
	m.AddDatanodeCommand("ghost", types.DatanodeCommand{Kind: types.CmdCreatePipeline})
	// No panic, nothing enqueued: verified indirectly via an unknown
	// node's heartbeat failing with ErrNotFound rather than returning commands.
	_, err := m.ProcessHeartbeat("ghost")
	require.Error(t, err)
}

func TestSweepMarksStaleThenDead(t *testing.T) {
	m := newTestManager(t, Config{ClusterID: "c1", StaleAfter: 10 * time.Millisecond, DeadAfter: 20 * time.Millisecond})
	_, err := m.Register("n1", "host1", "10.0.0.1", 9000, types.NodeReport{}, nil)
	require.NoError(t, err)

	var deadNotified types.NodeID
	m.SetOnNodeDead(func(id types.NodeID) { deadNotified = id })

	time.Sleep(15 * time.Millisecond)
	m.sweep()

	n, err := m.GetNode("n1")
	require.NoError(t, err)
	require.Equal(t, types.NodeStale, n.Health)

	time.Sleep(15 * time.Millisecond)
	m.sweep()

	n, err = m.GetNode("n1")
	require.NoError(t, err)
	require.Equal(t, types.NodeDead, n.Health)
	require.Equal(t, types.NodeID("n1"), deadNotified)
}

func TestPipelineLimitUsesOverrideWhenSet(t *testing.T) {
	m := newTestManager(t, Config{ClusterID: "c1", PipelineLimitOverride: 5, PipelinesPerMetadataVol: 2})
	n := &types.NodeInfo{HealthyVolumeCount: 1, MetadataVolumeCount: 3}
	require.Equal(t, 5, m.PipelineLimit(n))
}

func TestPipelineLimitZeroWithoutHealthyVolumes(t *testing.T) {
	m := newTestManager(t, Config{ClusterID: "c1", PipelinesPerMetadataVol: 2})
	n := &types.NodeInfo{HealthyVolumeCount: 0, MetadataVolumeCount: 3}
	require.Equal(t, 0, m.PipelineLimit(n))
}
