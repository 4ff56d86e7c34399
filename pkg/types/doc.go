/*
Package types defines the core data structures shared across SCM's
managers: nodes, pipelines, containers, and the commands exchanged
with datanodes over the RPC surface.

# Architecture

The types package is the foundation of SCM's data model. It defines:

  - Node identity and health (NodeID, NodeInfo, NodeHealth)
  - Replication quorums (Pipeline, PipelineState, ReplicationType)
  - Storage allocation units (ContainerInfo, ContainerState, ContainerReplica)
  - Safe-mode status (SafeModeStatus)
  - Datanode commands (CreatePipeline, ClosePipeline, CloseContainer, ...)

All types are designed to be:
  - Serializable (JSON; this is the wire format carried inside raft log entries)
  - Addressed by identifier only across component boundaries — see
    "Cyclic graphs" in the design notes: a Pipeline never embeds a
    *Node, only NodeIDs, and a ContainerInfo never embeds a *Pipeline,
    only a PipelineID. This is what keeps NodeManager, PipelineManager
    and ContainerManager from needing to agree on a shared lock order
    beyond the one documented in pkg/gateway.

# State machines

Node health: HEALTHY -> STALE -> DEAD -> DECOMMISSIONING -> DECOMMISSIONED.
Pipeline state: ALLOCATED -> OPEN -> DORMANT -> OPEN | CLOSED.
Container state: OPEN -> CLOSING -> QUASI_CLOSED -> CLOSED -> DELETING -> DELETED.

Container state ranks are monotone integers (see ContainerState.Rank) so
that "is this event a no-op" can be answered by a single integer
comparison rather than a FSM table lookup at every call site.

# Thread safety

Types in this package carry no locks of their own. Callers (the state
managers in pkg/nodemanager, pkg/pipeline, pkg/container) own the
reader-writer locks guarding the maps these types live in.
*/
package types
