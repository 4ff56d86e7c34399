package pipeline

import (
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/scm/pkg/container"
	"github.com/cuemby/scm/pkg/events"
	"github.com/cuemby/scm/pkg/gateway"
	"github.com/cuemby/scm/pkg/placement"
	"github.com/cuemby/scm/pkg/raftlog"
	"github.com/cuemby/scm/pkg/scmerr"
	"github.com/cuemby/scm/pkg/store"
	"github.com/cuemby/scm/pkg/types"
	"github.com/stretchr/testify/require"
)

// reentrancyGuardLog rejects any Submit made while a Submit on this
// log is already in flight. The real raftlog.Log/runFSM would instead
// block forever on a re-entrant raft.Apply from inside FSM.Apply; the
// guard can't reproduce that hang safely in a test, but it is enough
// to prove the onLeaveOpen cascade never calls back into the gateway.
type reentrancyGuardLog struct {
	appliers map[raftlog.Tag]raftlog.Applier
	inFlight int32
}

func (f *reentrancyGuardLog) Submit(tag raftlog.Tag, method string, data json.RawMessage) (interface{}, error) {
	if !atomic.CompareAndSwapInt32(&f.inFlight, 0, 1) {
		return nil, scmerr.ErrInternal // would-be re-entrant raft.Apply
	}
	defer atomic.StoreInt32(&f.inFlight, 0)
	return f.appliers[tag].Apply(method, data)
}
func (f *reentrancyGuardLog) IsLeader() bool     { return true }
func (f *reentrancyGuardLog) LeaderHint() string { return "" }

// TestCloseOpenPipelineCascadesWithoutReenteringGateway is a
// regression test for the deadlock fixed in CascadeClose: closing an
// OPEN pipeline that owns an OPEN container must drive the container
// through FINALIZE without submitting a second command through the
// gateway while the pipeline's own "close" command is still applying.
func TestCloseOpenPipelineCascadesWithoutReenteringGateway(t *testing.T) {
	kv, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })

	fl := &reentrancyGuardLog{appliers: map[raftlog.Tag]raftlog.Applier{}}
	gw := gateway.New(fl)
	brk := events.NewBroker()
	brk.Start()
	t.Cleanup(brk.Stop)

	nodes := newFakeNodeSource("n1", "n2", "n3")
	pm := New(kv, gw, Config{}, nodes, placement.Random(placement.NewRand()), brk)
	cm := container.New(kv, gw, container.Config{}, pm, nodes, brk)
	pm.SetOnLeaveOpen(cm.CascadeClose)

	fl.appliers[raftlog.TagPipeline] = pm
	fl.appliers[raftlog.TagContainer] = cm

	p, err := pm.Create(types.ReplicationReplicated, 3)
	require.NoError(t, err)
	for _, member := range p.Members[:2] {
		pm.ReportPipeline(member, types.PipelineReport{PipelineID: p.ID, Accepted: true})
	}
	require.Eventually(t, func() bool {
		got, _ := pm.GetPipeline(p.ID)
		return got.State == types.PipelineOpen
	}, time.Second, 5*time.Millisecond)

	c, err := cm.Allocate(types.ReplicationReplicated, 3, "owner-a")
	require.NoError(t, err)
	require.Equal(t, p.ID, c.PipelineID)

	require.NoError(t, pm.Close(p.ID))

	got, err := cm.GetContainer(c.ID)
	require.NoError(t, err)
	require.Equal(t, types.ContainerClosing, got.State)
	require.Equal(t, 0, cm.OpenContainerCount(p.ID))
}
