package safemode

import (
	"testing"

	"github.com/cuemby/scm/pkg/events"
	"github.com/cuemby/scm/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestControllerDisabledClearsImmediately(t *testing.T) {
	brk := events.NewBroker()
	c := New(Config{Enabled: false}, &fakeNodes{}, &fakePipelines{}, &fakeContainers{}, brk)

	c.Start()
	defer c.Stop()

	status := c.Status()
	assert.False(t, status.InSafeMode)
	assert.True(t, status.PreCheckComplete)
	assert.True(t, c.ReadTrafficAllowed())
}

func TestControllerPreCheckThenExit(t *testing.T) {
	brk := events.NewBroker()
	brk.Start()
	defer brk.Stop()

	nodes := &fakeNodes{}
	containers := &fakeContainers{replicas: map[types.ContainerID]int{}}

	c := New(Config{Enabled: true, MinDatanodes: 2, ContainerThreshold: 0.99}, nodes, &fakePipelines{}, containers, brk)
	c.Start()
	defer c.Stop()

	status := c.Status()
	require.True(t, status.InSafeMode)
	require.False(t, status.PreCheckComplete)
	assert.False(t, c.ReadTrafficAllowed())

	nodes.nodes = []*types.NodeInfo{{ID: "n1"}, {ID: "n2"}}
	c.Reevaluate()

	status = c.Status()
	assert.True(t, status.PreCheckComplete)
	assert.True(t, c.ReadTrafficAllowed())
	assert.True(t, status.InSafeMode) // container replica rule vacuously true at zero containers, but MinDatanodes already satisfied too

	c.Reevaluate()
	status = c.Status()
	assert.False(t, status.InSafeMode)
}

func TestControllerMonotoneOnceExited(t *testing.T) {
	brk := events.NewBroker()
	nodes := &fakeNodes{nodes: []*types.NodeInfo{{ID: "n1"}}}
	containers := &fakeContainers{}

	c := New(Config{Enabled: true, MinDatanodes: 1, ContainerThreshold: 0.99}, nodes, &fakePipelines{}, containers, brk)
	c.Start()
	defer c.Stop()

	c.Reevaluate()
	status := c.Status()
	require.False(t, status.InSafeMode)
	require.True(t, status.PreCheckComplete)

	// Even if the node disappears afterward, safe mode must not re-engage.
	nodes.nodes = nil
	c.Reevaluate()
	status = c.Status()
	assert.False(t, status.InSafeMode)
	assert.True(t, status.PreCheckComplete)
}

func TestControllerStatusReportIncludesRuleLines(t *testing.T) {
	brk := events.NewBroker()
	c := New(Config{Enabled: true, MinDatanodes: 1, ContainerThreshold: 0.99, PipelineAvailabilityCheck: true},
		&fakeNodes{}, &fakePipelines{}, &fakeContainers{}, brk)

	report := c.StatusReport()
	assert.Contains(t, report, "in_safe_mode=true")
	assert.Contains(t, report, "pre_check_complete=false")
	assert.Contains(t, report, "MinDatanodesRule")
	assert.Contains(t, report, "OneReplicaPipelineRule")
}
