package api

import "github.com/cuemby/scm/pkg/types"

// NodeDetails identifies the calling datanode on every RPC (§6).
// AssignedNodeID is empty on the first Register call, before the SCM
// has minted one.
type NodeDetails struct {
	AssignedNodeID types.NodeID
	Hostname       string
	IP             string
	Port           int
}

// RegisterRequest is the Register RPC's request body.
type RegisterRequest struct {
	Node            NodeDetails
	Report          types.NodeReport
	PipelineReports []types.PipelineReport
}

// RegisterResponse is the Register RPC's reply (§6).
type RegisterResponse struct {
	ClusterID      string
	ScmID          string
	AssignedNodeID types.NodeID
	ErrorCode      string
}

// HeartbeatRequest is the SendHeartbeat RPC's request body.
type HeartbeatRequest struct {
	Node   NodeDetails
	Report *types.NodeReport
}

// HeartbeatResponse carries queued commands back to the datanode (§6).
type HeartbeatResponse struct {
	Commands []types.DatanodeCommand
}

// ReportContainerRequest is the fire-and-forget ReportContainer RPC.
type ReportContainerRequest struct {
	Node   NodeDetails
	Report types.ContainerReport
}

// ReportPipelineRequest is the fire-and-forget ReportPipeline RPC.
type ReportPipelineRequest struct {
	Node   NodeDetails
	Report types.PipelineReport
}

// Ack is the empty acknowledgement for fire-and-forget RPCs.
type Ack struct{}

// ListNodesRequest/Response back the admin `scm node ls` command.
type ListNodesRequest struct{}

type ListNodesResponse struct {
	Nodes []*types.NodeInfo
}

// ListPipelinesRequest/Response back `scm pipeline ls`.
type ListPipelinesRequest struct{}

type ListPipelinesResponse struct {
	Pipelines []*types.Pipeline
}

// GetContainerRequest/Response back `scm container get`.
type GetContainerRequest struct {
	ID types.ContainerID
}

type GetContainerResponse struct {
	Container *types.ContainerInfo
}

// SafeModeStatusRequest/Response back `scm safemode status`.
type SafeModeStatusRequest struct{}

type SafeModeStatusResponse struct {
	Status types.SafeModeStatus
	Report string
}

// TriggerContainerEventRequest lets an admin manually drive a
// container through its lifecycle (e.g. forcing a close), per the
// "triggering container lifecycle events" admin surface in §6.
type TriggerContainerEventRequest struct {
	ID    types.ContainerID
	Event string
}

// ErrorResponse wraps a failed call's message and the scmerr sentinel
// name it maps to, used by clients to reconstruct errors.Is checks
// across the wire without depending on grpc status codes alone.
type ErrorResponse struct {
	Message string
	Kind    string
}
