package pipeline

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/cuemby/scm/pkg/events"
	"github.com/cuemby/scm/pkg/gateway"
	"github.com/cuemby/scm/pkg/placement"
	"github.com/cuemby/scm/pkg/raftlog"
	"github.com/cuemby/scm/pkg/scmerr"
	"github.com/cuemby/scm/pkg/store"
	"github.com/cuemby/scm/pkg/types"
	"github.com/stretchr/testify/require"
)

// fakeLog applies synchronously against a single Applier, letting
// Manager tests drive the gateway without a real raft cluster (the
// documented intent of gateway.Log being an interface).
type fakeLog struct {
	applier raftlog.Applier
}

func (f *fakeLog) Submit(tag raftlog.Tag, method string, data json.RawMessage) (interface{}, error) {
	reply, err := f.applier.Apply(method, data)
	if err != nil {
		return nil, err
	}
	if reply == nil {
		return nil, nil
	}
	return reply, nil
}
func (f *fakeLog) IsLeader() bool     { return true }
func (f *fakeLog) LeaderHint() string { return "" }

type fakeNodeSource struct {
	healthy   []types.NodeID
	locations map[types.NodeID]string
	commands  map[types.NodeID][]types.DatanodeCommand
}

func newFakeNodeSource(ids ...types.NodeID) *fakeNodeSource {
	return &fakeNodeSource{healthy: ids, locations: map[types.NodeID]string{}, commands: map[types.NodeID][]types.DatanodeCommand{}}
}

func (f *fakeNodeSource) HealthyNodes() []types.NodeID { return f.healthy }
func (f *fakeNodeSource) LocationOf(id types.NodeID) string {
	return f.locations[id]
}
func (f *fakeNodeSource) AddDatanodeCommand(id types.NodeID, cmd types.DatanodeCommand) {
	f.commands[id] = append(f.commands[id], cmd)
}

func newTestManager(t *testing.T, nodes *fakeNodeSource) (*Manager, *fakeLog) {
	t.Helper()
	kv, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })

	fl := &fakeLog{}
	gw := gateway.New(fl)
	brk := events.NewBroker()
	brk.Start()
	t.Cleanup(brk.Stop)

	m := New(kv, gw, Config{CreateTimeout: 50 * time.Millisecond}, nodes, placement.Random(placement.NewRand()), brk)
	fl.applier = m
	return m, fl
}

func TestCreateAllocatesPipelineAndQueuesCommands(t *testing.T) {
	nodes := newFakeNodeSource("n1", "n2", "n3")
	m, _ := newTestManager(t, nodes)

	p, err := m.Create(types.ReplicationReplicated, 3)
	require.NoError(t, err)
	require.Equal(t, types.PipelineAllocated, p.State)
	require.Len(t, p.Members, 3)

	for _, member := range p.Members {
		require.Len(t, nodes.commands[member], 1)
		require.Equal(t, types.CmdCreatePipeline, nodes.commands[member][0].Kind)
	}
}

func TestCreateInsufficientDatanodes(t *testing.T) {
	nodes := newFakeNodeSource("n1", "n2")
	m, _ := newTestManager(t, nodes)

	_, err := m.Create(types.ReplicationReplicated, 3)
	require.Error(t, err)
}

func TestCreateRefusesMembersOfActivePipeline(t *testing.T) {
	nodes := newFakeNodeSource("n1", "n2", "n3")
	m, _ := newTestManager(t, nodes)

	_, err := m.Create(types.ReplicationReplicated, 3)
	require.NoError(t, err)

	_, err = m.Create(types.ReplicationReplicated, 3)
	require.ErrorIs(t, err, scmerr.ErrInsufficientDatanodes)
	require.Len(t, m.ListPipelines(), 1)
}

func TestQuorumAckOpensPipeline(t *testing.T) {
	nodes := newFakeNodeSource("n1", "n2", "n3")
	m, _ := newTestManager(t, nodes)

	p, err := m.Create(types.ReplicationReplicated, 3)
	require.NoError(t, err)

	for _, member := range p.Members[:2] {
		m.ReportPipeline(member, types.PipelineReport{PipelineID: p.ID, Accepted: true})
	}

	require.Eventually(t, func() bool {
		got, err := m.GetPipeline(p.ID)
		return err == nil && got.State == types.PipelineOpen
	}, time.Second, 5*time.Millisecond)
}

func TestQuorumTimeoutClosesPipeline(t *testing.T) {
	nodes := newFakeNodeSource("n1", "n2", "n3")
	m, _ := newTestManager(t, nodes)

	p, err := m.Create(types.ReplicationReplicated, 3)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := m.GetPipeline(p.ID)
		return err == nil && got.State == types.PipelineClosed
	}, time.Second, 5*time.Millisecond)
}

func TestCloseCascadesToOnLeaveOpenHook(t *testing.T) {
	nodes := newFakeNodeSource("n1", "n2", "n3")
	m, _ := newTestManager(t, nodes)

	p, err := m.Create(types.ReplicationReplicated, 3)
	require.NoError(t, err)
	for _, member := range p.Members[:2] {
		m.ReportPipeline(member, types.PipelineReport{PipelineID: p.ID, Accepted: true})
	}
	require.Eventually(t, func() bool {
		got, _ := m.GetPipeline(p.ID)
		return got.State == types.PipelineOpen
	}, time.Second, 5*time.Millisecond)

	var hookCalled types.PipelineID
	var hookNow time.Time
	m.SetOnLeaveOpen(func(id types.PipelineID, now time.Time) { hookCalled, hookNow = id, now })

	require.NoError(t, m.Close(p.ID))
	require.Equal(t, p.ID, hookCalled)
	require.False(t, hookNow.IsZero())

	got, err := m.GetPipeline(p.ID)
	require.NoError(t, err)
	require.Equal(t, types.PipelineClosed, got.State)
}

func TestMarkDormantAndReactivate(t *testing.T) {
	nodes := newFakeNodeSource("n1", "n2", "n3")
	m, _ := newTestManager(t, nodes)

	p, err := m.Create(types.ReplicationReplicated, 3)
	require.NoError(t, err)
	for _, member := range p.Members[:2] {
		m.ReportPipeline(member, types.PipelineReport{PipelineID: p.ID, Accepted: true})
	}
	require.Eventually(t, func() bool {
		got, _ := m.GetPipeline(p.ID)
		return got.State == types.PipelineOpen
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, m.MarkDormant(p.ID))
	got, err := m.GetPipeline(p.ID)
	require.NoError(t, err)
	require.Equal(t, types.PipelineDormant, got.State)

	require.NoError(t, m.Reactivate(p.ID))
	got, err = m.GetPipeline(p.ID)
	require.NoError(t, err)
	require.Equal(t, types.PipelineOpen, got.State)
}

func TestCloseAllForClosesEveryPipelineContainingNode(t *testing.T) {
	nodes := newFakeNodeSource("n1", "n2", "n3", "n4")
	m, _ := newTestManager(t, nodes)

	p1, err := m.Create(types.ReplicationReplicated, 3)
	require.NoError(t, err)

	m.CloseAllFor(p1.Members[0])

	got, err := m.GetPipeline(p1.ID)
	require.NoError(t, err)
	require.Equal(t, types.PipelineClosed, got.State)
}
