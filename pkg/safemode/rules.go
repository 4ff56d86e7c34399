package safemode

import (
	"fmt"

	"github.com/cuemby/scm/pkg/types"
)

// NodeSource is the narrow slice of the Node Manager the controller
// needs to evaluate MinDatanodesRule.
type NodeSource interface {
	ListNodes() []*types.NodeInfo
}

// PipelineSource is the narrow slice of the Pipeline Manager needed by
// HealthyPipelineRule and OneReplicaPipelineRule.
type PipelineSource interface {
	ListPipelines() []*types.Pipeline
}

// ContainerSource is the narrow slice of the Container Manager needed
// by ContainerReplicaRule.
type ContainerSource interface {
	ListContainers() []*types.ContainerInfo
	ReplicaCount(id types.ContainerID) int
}

// Rule is one admission-barrier rule from §4.7: refresh recomputes its
// internal counters from the current state, validate reports whether
// it currently passes, and statusText renders a one-line human summary
// for `scm safemode status`.
type Rule interface {
	Refresh()
	Validate() bool
	StatusText() string
	// PreCheck reports whether this rule counts toward the earlier,
	// weaker PreCheckComplete barrier (only MinDatanodesRule does).
	PreCheck() bool
}

// MinDatanodesRule is the one pre-check rule (§4.7): at least MinDN
// nodes must have registered, regardless of health.
type MinDatanodesRule struct {
	MinDN int
	nodes NodeSource

	observed int
}

func NewMinDatanodesRule(minDN int, nodes NodeSource) *MinDatanodesRule {
	return &MinDatanodesRule{MinDN: minDN, nodes: nodes}
}

func (r *MinDatanodesRule) Refresh()     { r.observed = len(r.nodes.ListNodes()) }
func (r *MinDatanodesRule) Validate() bool { return r.observed >= r.MinDN }
func (r *MinDatanodesRule) PreCheck() bool { return true }
func (r *MinDatanodesRule) StatusText() string {
	return fmt.Sprintf("MinDatanodesRule: %d/%d registered", r.observed, r.MinDN)
}

// ContainerReplicaRule requires that at least Threshold (a fraction,
// e.g. 0.99) of known containers have at least one reported replica.
// Vacuously satisfied when there are zero containers.
type ContainerReplicaRule struct {
	Threshold  float64
	containers ContainerSource

	total    int
	satisfied int
}

func NewContainerReplicaRule(threshold float64, containers ContainerSource) *ContainerReplicaRule {
	return &ContainerReplicaRule{Threshold: threshold, containers: containers}
}

func (r *ContainerReplicaRule) Refresh() {
	cs := r.containers.ListContainers()
	r.total = len(cs)
	r.satisfied = 0
	for _, c := range cs {
		if r.containers.ReplicaCount(c.ID) > 0 {
			r.satisfied++
		}
	}
}

func (r *ContainerReplicaRule) Validate() bool {
	if r.total == 0 {
		return true
	}
	return float64(r.satisfied)/float64(r.total) >= r.Threshold
}

func (r *ContainerReplicaRule) PreCheck() bool { return false }

func (r *ContainerReplicaRule) StatusText() string {
	if r.total == 0 {
		return "ContainerReplicaRule: vacuous (0 containers)"
	}
	return fmt.Sprintf("ContainerReplicaRule: %d/%d containers replicated (need %.2f%%)",
		r.satisfied, r.total, r.Threshold*100)
}

// HealthyPipelineRule (optional) requires that at least Threshold of
// REPLICATED pipelines are OPEN with their full member set reporting.
// This implementation approximates "full member set reporting" as
// simply OPEN, since membership acceptance is already required to
// reach OPEN (§4.5).
type HealthyPipelineRule struct {
	Threshold float64
	pipelines PipelineSource

	total     int
	satisfied int
}

func NewHealthyPipelineRule(threshold float64, pipelines PipelineSource) *HealthyPipelineRule {
	return &HealthyPipelineRule{Threshold: threshold, pipelines: pipelines}
}

func (r *HealthyPipelineRule) Refresh() {
	r.total, r.satisfied = 0, 0
	for _, p := range r.pipelines.ListPipelines() {
		if p.Type != types.ReplicationReplicated || p.State == types.PipelineClosed {
			continue
		}
		r.total++
		if p.State == types.PipelineOpen {
			r.satisfied++
		}
	}
}

func (r *HealthyPipelineRule) Validate() bool {
	if r.total == 0 {
		return true
	}
	return float64(r.satisfied)/float64(r.total) >= r.Threshold
}

func (r *HealthyPipelineRule) PreCheck() bool { return false }

func (r *HealthyPipelineRule) StatusText() string {
	if r.total == 0 {
		return "HealthyPipelineRule: vacuous (0 replicated pipelines)"
	}
	return fmt.Sprintf("HealthyPipelineRule: %d/%d pipelines OPEN (need %.2f%%)",
		r.satisfied, r.total, r.Threshold*100)
}

// OneReplicaPipelineRule (optional) requires that every replicated
// pipeline has at least one member reporting. Since the Pipeline
// Manager does not track per-member liveness directly, this rule
// treats any pipeline that has left ALLOCATED (i.e. reached OPEN at
// least once) as satisfying "at least one member reporting".
type OneReplicaPipelineRule struct {
	pipelines PipelineSource

	total     int
	satisfied int
}

func NewOneReplicaPipelineRule(pipelines PipelineSource) *OneReplicaPipelineRule {
	return &OneReplicaPipelineRule{pipelines: pipelines}
}

func (r *OneReplicaPipelineRule) Refresh() {
	r.total, r.satisfied = 0, 0
	for _, p := range r.pipelines.ListPipelines() {
		if p.Type != types.ReplicationReplicated || p.State == types.PipelineClosed {
			continue
		}
		r.total++
		if p.State != types.PipelineAllocated {
			r.satisfied++
		}
	}
}

func (r *OneReplicaPipelineRule) Validate() bool {
	if r.total == 0 {
		return true
	}
	return r.satisfied == r.total
}

func (r *OneReplicaPipelineRule) PreCheck() bool { return false }

func (r *OneReplicaPipelineRule) StatusText() string {
	return fmt.Sprintf("OneReplicaPipelineRule: %d/%d pipelines have a reporting member", r.satisfied, r.total)
}
