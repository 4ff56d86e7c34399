package safemode

import (
	"testing"

	"github.com/cuemby/scm/pkg/types"
	"github.com/stretchr/testify/assert"
)

type fakeNodes struct{ nodes []*types.NodeInfo }

func (f *fakeNodes) ListNodes() []*types.NodeInfo { return f.nodes }

type fakeContainers struct {
	containers []*types.ContainerInfo
	replicas   map[types.ContainerID]int
}

func (f *fakeContainers) ListContainers() []*types.ContainerInfo { return f.containers }
func (f *fakeContainers) ReplicaCount(id types.ContainerID) int  { return f.replicas[id] }

type fakePipelines struct{ pipelines []*types.Pipeline }

func (f *fakePipelines) ListPipelines() []*types.Pipeline { return f.pipelines }

func TestMinDatanodesRule(t *testing.T) {
	nodes := &fakeNodes{nodes: []*types.NodeInfo{{ID: "n1"}, {ID: "n2"}}}
	rule := NewMinDatanodesRule(3, nodes)

	rule.Refresh()
	assert.False(t, rule.Validate())
	assert.True(t, rule.PreCheck())

	nodes.nodes = append(nodes.nodes, &types.NodeInfo{ID: "n3"})
	rule.Refresh()
	assert.True(t, rule.Validate())
}

func TestContainerReplicaRuleVacuousAtZero(t *testing.T) {
	rule := NewContainerReplicaRule(0.99, &fakeContainers{})
	rule.Refresh()
	assert.True(t, rule.Validate())
	assert.Contains(t, rule.StatusText(), "vacuous")
}

func TestContainerReplicaRuleThreshold(t *testing.T) {
	containers := &fakeContainers{
		containers: []*types.ContainerInfo{{ID: 1}, {ID: 2}, {ID: 3}},
		replicas:   map[types.ContainerID]int{1: 1, 2: 1},
	}
	rule := NewContainerReplicaRule(0.99, containers)

	rule.Refresh()
	assert.False(t, rule.Validate()) // 2/3 < 0.99

	containers.replicas[3] = 1
	rule.Refresh()
	assert.True(t, rule.Validate())
}

func TestHealthyPipelineRuleIgnoresClosedAndSingleCopy(t *testing.T) {
	pipelines := &fakePipelines{pipelines: []*types.Pipeline{
		{ID: "p1", Type: types.ReplicationReplicated, State: types.PipelineOpen},
		{ID: "p2", Type: types.ReplicationReplicated, State: types.PipelineDormant},
		{ID: "p3", Type: types.ReplicationReplicated, State: types.PipelineClosed},
		{ID: "p4", Type: types.ReplicationSingleCopy, State: types.PipelineAllocated},
	}}
	rule := NewHealthyPipelineRule(0.99, pipelines)
	rule.Refresh()

	assert.False(t, rule.Validate()) // 1/2 open, below threshold
}

func TestOneReplicaPipelineRule(t *testing.T) {
	pipelines := &fakePipelines{pipelines: []*types.Pipeline{
		{ID: "p1", Type: types.ReplicationReplicated, State: types.PipelineAllocated},
	}}
	rule := NewOneReplicaPipelineRule(pipelines)
	rule.Refresh()
	assert.False(t, rule.Validate())

	pipelines.pipelines[0].State = types.PipelineOpen
	rule.Refresh()
	assert.True(t, rule.Validate())
}
