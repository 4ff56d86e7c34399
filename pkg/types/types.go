package types

import "time"

// NodeID is an opaque 128-bit identifier assigned on first registration
// and persisted by the node. Immutable once assigned.
type NodeID string

// VolumeType distinguishes the physical medium backing a storage report.
type VolumeType string

const (
	VolumeTypeDisk VolumeType = "disk"
	VolumeTypeSSD  VolumeType = "ssd"
)

// StorageReport describes one storage volume on a node.
type StorageReport struct {
	Path      string
	Type      VolumeType
	Capacity  int64
	Used      int64
	Remaining int64
}

// NodeHealth is the health FSM state driven by the Node Manager's sweeper.
type NodeHealth string

const (
	NodeHealthy         NodeHealth = "HEALTHY"
	NodeStale           NodeHealth = "STALE"
	NodeDead            NodeHealth = "DEAD"
	NodeDecommissioning NodeHealth = "DECOMMISSIONING"
	NodeDecommissioned  NodeHealth = "DECOMMISSIONED"
)

// NodeInfo is the record the Node Manager owns for one storage node.
type NodeInfo struct {
	ID            NodeID
	Hostname      string
	IP            string
	Port          int
	Location      string // resolved topology location, e.g. "/dc1/rack2"
	LastHeartbeat time.Time
	Health        NodeHealth
	StorageVolume []*StorageReport
	MetadataVolumeCount int
	HealthyVolumeCount  int
	PipelineIDs   []PipelineID
	ContainerIDs  []ContainerID
	CreatedAt     time.Time
}

// PipelineID is a random 128-bit identifier for a replication quorum.
type PipelineID string

// ReplicationType distinguishes single-copy from replicated pipelines.
type ReplicationType string

const (
	ReplicationSingleCopy ReplicationType = "SINGLE_COPY"
	ReplicationReplicated ReplicationType = "REPLICATED"
)

// PipelineState is the Pipeline Manager's lifecycle FSM state.
type PipelineState string

const (
	PipelineAllocated PipelineState = "ALLOCATED"
	PipelineOpen      PipelineState = "OPEN"
	PipelineDormant   PipelineState = "DORMANT"
	PipelineClosed    PipelineState = "CLOSED"
)

// Pipeline is a replicated write-quorum over an ordered set of nodes.
// Members[0] is the leader for replicated pipelines.
type Pipeline struct {
	ID           PipelineID
	Type         ReplicationType
	Factor       int
	Members      []NodeID
	State        PipelineState
	MemberHash   string // stable hash of sorted member NodeIDs
	ContainerIDs []ContainerID
	CreatedAt    time.Time
}

// ContainerID is a monotonically increasing identifier, unique for the
// lifetime of the cluster.
type ContainerID uint64

// ContainerState is the Container Manager's lifecycle FSM state. Rank is
// the monotone integer used to decide self-loop (no-op) transitions.
type ContainerState string

const (
	ContainerOpen        ContainerState = "OPEN"
	ContainerClosing     ContainerState = "CLOSING"
	ContainerQuasiClosed ContainerState = "QUASI_CLOSED"
	ContainerClosed      ContainerState = "CLOSED"
	ContainerDeleting    ContainerState = "DELETING"
	ContainerDeleted     ContainerState = "DELETED"
)

// containerStateRank gives the monotone ordering used by the FSM in
// pkg/container to recognize already-applied (idempotent) transitions.
var containerStateRank = map[ContainerState]int{
	ContainerOpen:        0,
	ContainerClosing:     1,
	ContainerQuasiClosed: 2,
	ContainerClosed:      3,
	ContainerDeleting:    4,
	ContainerDeleted:     5,
}

// Rank returns the monotone ordering of a container state.
func (s ContainerState) Rank() int { return containerStateRank[s] }

// ContainerInfo is the record the Container Manager owns for one
// logical storage allocation unit.
type ContainerInfo struct {
	ID              ContainerID
	PipelineID      PipelineID
	State           ContainerState
	UsedBytes       int64
	KeyCount        int64
	StateEnteredAt  time.Time
	Owner           string
	ReplicationType ReplicationType
	Factor          int
	DeleteTxnID     uint64
	CreatedAt       time.Time
}

// ContainerReplica is a physical replica as reported by a datanode.
// Never persisted through the replicated log: rebuilt purely from
// reports, one entry per (ContainerID, NodeID).
type ContainerReplica struct {
	ContainerID ContainerID
	NodeID      NodeID
	State       string
	BytesUsed   int64
	KeyCount    int64
	LastSeen    time.Time
}

// SafeModeStatus tracks the one-way safe-mode barrier (see pkg/safemode).
type SafeModeStatus struct {
	InSafeMode       bool
	PreCheckComplete bool
}

// CommandKind tags the datanode commands queued by NodeManager.
type CommandKind string

const (
	CmdCreatePipeline     CommandKind = "CreatePipeline"
	CmdClosePipeline      CommandKind = "ClosePipeline"
	CmdCloseContainer     CommandKind = "CloseContainer"
	CmdReplicateContainer CommandKind = "ReplicateContainer"
	CmdDeleteContainer    CommandKind = "DeleteContainer"
	CmdDeleteBlocks       CommandKind = "DeleteBlocks"
	CmdReregister         CommandKind = "Reregister"
)

// DatanodeCommand is one entry in a node's command mailbox (§5). Term
// is the leader term under which it was issued; a datanode must drop
// any command whose term is older than one it has already seen for
// that command type.
type DatanodeCommand struct {
	Kind        CommandKind
	Term        uint64
	PipelineID  PipelineID
	ContainerID ContainerID
	Members     []NodeID
	SourceNodes []NodeID
	DeleteTxnID uint64
	BlockIDs    []int64
}

// NodeReport is the periodic report a datanode attaches to registration
// and heartbeats: storage volumes plus metadata-volume counts.
type NodeReport struct {
	StorageVolume       []*StorageReport
	MetadataVolumeCount int
	HealthyVolumeCount  int
}

// PipelineReport is a datanode's acknowledgement that it has accepted
// membership in (or observed the loss of) a pipeline.
type PipelineReport struct {
	PipelineID PipelineID
	Accepted   bool
}

// ContainerReport is a datanode's account of the containers it hosts,
// used to populate ContainerReplica and drive the safe-mode rules.
type ContainerReport struct {
	ContainerID ContainerID
	State       string
	BytesUsed   int64
	KeyCount    int64
}
