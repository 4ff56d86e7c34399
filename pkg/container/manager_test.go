package container

import (
	"encoding/json"
	"strconv"
	"testing"
	"time"

	"github.com/cuemby/scm/pkg/events"
	"github.com/cuemby/scm/pkg/gateway"
	"github.com/cuemby/scm/pkg/raftlog"
	"github.com/cuemby/scm/pkg/store"
	"github.com/cuemby/scm/pkg/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type fakeLog struct{ applier raftlog.Applier }

func (f *fakeLog) Submit(tag raftlog.Tag, method string, data json.RawMessage) (interface{}, error) {
	return f.applier.Apply(method, data)
}
func (f *fakeLog) IsLeader() bool     { return true }
func (f *fakeLog) LeaderHint() string { return "" }

type fakePipelineSource struct {
	pipelines map[types.PipelineID]*types.Pipeline
	open      map[string]types.PipelineID // type/factor -> id
}

func newFakePipelineSource() *fakePipelineSource {
	return &fakePipelineSource{pipelines: map[types.PipelineID]*types.Pipeline{}, open: map[string]types.PipelineID{}}
}

func (f *fakePipelineSource) key(t types.ReplicationType, factor int) string {
	return string(t) + "/" + strconv.Itoa(factor)
}

func (f *fakePipelineSource) OpenPipelineFor(t types.ReplicationType, factor int) (*types.Pipeline, bool) {
	id, ok := f.open[f.key(t, factor)]
	if !ok {
		return nil, false
	}
	p := f.pipelines[id]
	cp := *p
	return &cp, true
}

func (f *fakePipelineSource) Create(t types.ReplicationType, factor int) (*types.Pipeline, error) {
	id := types.PipelineID(uuid.NewString())
	p := &types.Pipeline{ID: id, Type: t, Factor: factor, State: types.PipelineOpen, Members: []types.NodeID{"n1", "n2", "n3"}}
	f.pipelines[id] = p
	f.open[f.key(t, factor)] = id
	cp := *p
	return &cp, nil
}

func (f *fakePipelineSource) GetPipeline(id types.PipelineID) (*types.Pipeline, error) {
	p, ok := f.pipelines[id]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

type fakeNodeSource struct {
	commands map[types.NodeID][]types.DatanodeCommand
}

func newFakeNodeSource() *fakeNodeSource {
	return &fakeNodeSource{commands: map[types.NodeID][]types.DatanodeCommand{}}
}

func (f *fakeNodeSource) AddDatanodeCommand(id types.NodeID, cmd types.DatanodeCommand) {
	f.commands[id] = append(f.commands[id], cmd)
}

func newTestManager(t *testing.T) (*Manager, *fakePipelineSource, *fakeNodeSource) {
	t.Helper()
	kv, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })

	fl := &fakeLog{}
	gw := gateway.New(fl)
	brk := events.NewBroker()
	brk.Start()
	t.Cleanup(brk.Stop)

	pm := newFakePipelineSource()
	nm := newFakeNodeSource()
	m := New(kv, gw, Config{MinContainersPerDN: 1, MinPipelineCountPerDN: 1, ContainerSizeBytes: 1024}, pm, nm, brk)
	fl.applier = m
	return m, pm, nm
}

func TestAllocateCreatesPipelineWhenNoneOpen(t *testing.T) {
	m, pm, _ := newTestManager(t)

	c, err := m.Allocate(types.ReplicationReplicated, 3, "owner-a")
	require.NoError(t, err)
	require.Equal(t, types.ContainerOpen, c.State)
	require.Equal(t, types.ContainerID(1), c.ID)
	require.NotEmpty(t, pm.pipelines)
}

func TestAllocateIDsAreMonotone(t *testing.T) {
	m, _, _ := newTestManager(t)

	c1, err := m.Allocate(types.ReplicationReplicated, 3, "owner-a")
	require.NoError(t, err)
	c2, err := m.Allocate(types.ReplicationReplicated, 3, "owner-a")
	require.NoError(t, err)

	require.Equal(t, c1.ID+1, c2.ID)
}

func TestLifecycleTransitionsThroughFSM(t *testing.T) {
	m, _, _ := newTestManager(t)

	c, err := m.Allocate(types.ReplicationReplicated, 3, "owner-a")
	require.NoError(t, err)

	require.NoError(t, m.Finalize(c.ID))
	got, err := m.GetContainer(c.ID)
	require.NoError(t, err)
	require.Equal(t, types.ContainerClosing, got.State)

	require.NoError(t, m.CloseEvt(c.ID))
	got, err = m.GetContainer(c.ID)
	require.NoError(t, err)
	require.Equal(t, types.ContainerClosed, got.State)

	require.NoError(t, m.Delete(c.ID))
	got, err = m.GetContainer(c.ID)
	require.NoError(t, err)
	require.Equal(t, types.ContainerDeleting, got.State)

	require.NoError(t, m.Cleanup(c.ID))
	got, err = m.GetContainer(c.ID)
	require.NoError(t, err)
	require.Equal(t, types.ContainerDeleted, got.State)
}

func TestInvalidTransitionReturnsError(t *testing.T) {
	m, _, _ := newTestManager(t)

	c, err := m.Allocate(types.ReplicationReplicated, 3, "owner-a")
	require.NoError(t, err)

	err = m.ForceClose(c.ID)
	require.Error(t, err)
}

func TestCascadeCloseFinalizesOpenContainersOnPipeline(t *testing.T) {
	m, pm, nm := newTestManager(t)

	c, err := m.Allocate(types.ReplicationReplicated, 3, "owner-a")
	require.NoError(t, err)
	require.Equal(t, 1, m.OpenContainerCount(c.PipelineID))

	m.CascadeClose(c.PipelineID, time.Now().UTC())

	got, err := m.GetContainer(c.ID)
	require.NoError(t, err)
	require.Equal(t, types.ContainerClosing, got.State)
	require.Equal(t, 0, m.OpenContainerCount(c.PipelineID))

	p, _ := pm.GetPipeline(c.PipelineID)
	for _, member := range p.Members {
		require.Len(t, nm.commands[member], 1)
		require.Equal(t, types.CmdCloseContainer, nm.commands[member][0].Kind)
	}
}

func TestUpdateReplicaAndReplicaCount(t *testing.T) {
	m, _, _ := newTestManager(t)

	c, err := m.Allocate(types.ReplicationReplicated, 3, "owner-a")
	require.NoError(t, err)

	m.UpdateReplica(types.ContainerReplica{ContainerID: c.ID, NodeID: "n1"})
	m.UpdateReplica(types.ContainerReplica{ContainerID: c.ID, NodeID: "n2"})
	require.Equal(t, 2, m.ReplicaCount(c.ID))

	m.RemoveReplica(c.ID, "n1")
	require.Equal(t, 1, m.ReplicaCount(c.ID))
}

func TestGetMatchingPreallocatesBelowThreshold(t *testing.T) {
	m, _, _ := newTestManager(t)

	c, err := m.Allocate(types.ReplicationReplicated, 3, "owner-a")
	require.NoError(t, err)

	m.cfg.MinContainersPerDN = 2 // threshold ceil(2/1) = 2, one container open
	got, err := m.GetMatching(10, "owner-a", c.PipelineID, map[types.ContainerID]bool{})
	require.NoError(t, err)
	require.Equal(t, "owner-a", got.Owner)
	require.Equal(t, 2, m.OpenContainerCount(c.PipelineID))
}
