package api

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/status"

	"github.com/cuemby/scm/pkg/container"
	"github.com/cuemby/scm/pkg/log"
	"github.com/cuemby/scm/pkg/nodemanager"
	"github.com/cuemby/scm/pkg/pipeline"
	"github.com/cuemby/scm/pkg/safemode"
	"github.com/cuemby/scm/pkg/scmerr"
	"github.com/cuemby/scm/pkg/types"
)

// Server implements both the Datanode<->SCM and Client<->SCM RPC
// surfaces (§6) against the live state managers. It holds no state of
// its own: every call either reads a manager directly or goes through
// the manager's own gateway-backed write path.
type Server struct {
	ClusterID string
	ScmID     string

	Nodes      *nodemanager.Manager
	Pipelines  *pipeline.Manager
	Containers *container.Manager
	SafeMode   *safemode.Controller
}

// Register is the Datanode RPC. A blank AssignedNodeID means this is
// the node's first contact with the cluster: a fresh NodeID is minted
// here, at the call site, exactly like the Now() timestamps the
// managers stamp on their own write methods — apply itself never
// generates identifiers.
func (s *Server) Register(ctx context.Context, req *RegisterRequest) (*RegisterResponse, error) {
	id := req.Node.AssignedNodeID
	if id == "" {
		id = types.NodeID(uuid.NewString())
	}

	var pr *types.PipelineReport
	if len(req.PipelineReports) > 0 {
		pr = &req.PipelineReports[0]
	}

	if _, err := s.Nodes.Register(id, req.Node.Hostname, req.Node.IP, req.Node.Port, req.Report, pr); err != nil {
		return nil, err
	}

	return &RegisterResponse{
		ClusterID:      s.ClusterID,
		ScmID:          s.ScmID,
		AssignedNodeID: id,
	}, nil
}

// SendHeartbeat is the Datanode RPC: touches liveness and returns
// queued commands, folding in a storage report when attached.
func (s *Server) SendHeartbeat(ctx context.Context, req *HeartbeatRequest) (*HeartbeatResponse, error) {
	id := req.Node.AssignedNodeID
	if id == "" {
		return nil, scmerr.ErrNotFound
	}

	if req.Report != nil {
		if err := s.Nodes.ProcessNodeReport(id, *req.Report); err != nil {
			return nil, err
		}
	}

	cmds, err := s.Nodes.ProcessHeartbeat(id)
	if err != nil {
		return nil, err
	}
	return &HeartbeatResponse{Commands: cmds}, nil
}

// ReportContainer is the fire-and-forget Datanode RPC: folds into the
// transient, never-replicated replica index (§4.6).
func (s *Server) ReportContainer(ctx context.Context, req *ReportContainerRequest) (*Ack, error) {
	s.Containers.UpdateReplica(types.ContainerReplica{
		ContainerID: req.Report.ContainerID,
		NodeID:      req.Node.AssignedNodeID,
		State:       req.Report.State,
		BytesUsed:   req.Report.BytesUsed,
		KeyCount:    req.Report.KeyCount,
		LastSeen:    time.Now().UTC(),
	})
	return &Ack{}, nil
}

// ReportPipeline is the fire-and-forget Datanode RPC.
func (s *Server) ReportPipeline(ctx context.Context, req *ReportPipelineRequest) (*Ack, error) {
	s.Pipelines.ReportPipeline(req.Node.AssignedNodeID, req.Report)
	return &Ack{}, nil
}

// ListNodes is the Client admin RPC.
func (s *Server) ListNodes(ctx context.Context, req *ListNodesRequest) (*ListNodesResponse, error) {
	return &ListNodesResponse{Nodes: s.Nodes.ListNodes()}, nil
}

// ListPipelines is the Client admin RPC.
func (s *Server) ListPipelines(ctx context.Context, req *ListPipelinesRequest) (*ListPipelinesResponse, error) {
	return &ListPipelinesResponse{Pipelines: s.Pipelines.ListPipelines()}, nil
}

// GetContainer is the Client admin RPC.
func (s *Server) GetContainer(ctx context.Context, req *GetContainerRequest) (*GetContainerResponse, error) {
	c, err := s.Containers.GetContainer(req.ID)
	if err != nil {
		return nil, err
	}
	return &GetContainerResponse{Container: c}, nil
}

// SafeModeStatus is the Client admin RPC.
func (s *Server) SafeModeStatus(ctx context.Context, req *SafeModeStatusRequest) (*SafeModeStatusResponse, error) {
	return &SafeModeStatusResponse{Status: s.SafeMode.Status(), Report: s.SafeMode.StatusReport()}, nil
}

// TriggerContainerEvent is the Client admin RPC for manually driving a
// container's lifecycle (§6 "triggering container lifecycle events").
func (s *Server) TriggerContainerEvent(ctx context.Context, req *TriggerContainerEventRequest) (*Ack, error) {
	var err error
	switch req.Event {
	case string(container.EventFinalize):
		err = s.Containers.Finalize(req.ID)
	case string(container.EventQuasiClose):
		err = s.Containers.QuasiClose(req.ID)
	case string(container.EventClose):
		err = s.Containers.CloseEvt(req.ID)
	case string(container.EventForceClose):
		err = s.Containers.ForceClose(req.ID)
	case string(container.EventDelete):
		err = s.Containers.Delete(req.ID)
	case string(container.EventCleanup):
		err = s.Containers.Cleanup(req.ID)
	default:
		err = scmerr.ErrInvalidStateTransition
	}
	if err != nil {
		return nil, err
	}
	return &Ack{}, nil
}

// notLeaderPrefix tags a grpc status message carrying a leader hint,
// since this hand-wired service has no protobuf status-details type to
// carry scmerr.NotLeader structurally across the wire.
const notLeaderPrefix = "not_leader:"

// toGRPCStatus converts a handler error into a grpc status, preserving
// the leader hint from scmerr.NotLeader (§4.3/§7) in the message so
// Client.call can parse it back out and fail over immediately.
func toGRPCStatus(err error) error {
	if err == nil {
		return nil
	}
	var notLeader *scmerr.NotLeader
	if errors.As(err, &notLeader) {
		return status.Error(codes.Unavailable, notLeaderPrefix+notLeader.LeaderHint)
	}
	if errors.Is(err, scmerr.ErrNotFound) {
		return status.Error(codes.NotFound, err.Error())
	}
	if errors.Is(err, scmerr.ErrTimeout) {
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	if errors.Is(err, scmerr.ErrInvalidStateTransition) || errors.Is(err, scmerr.ErrConflict) ||
		errors.Is(err, scmerr.ErrInsufficientDatanodes) {
		return status.Error(codes.FailedPrecondition, err.Error())
	}
	if errors.Is(err, scmerr.ErrAlreadyExists) {
		return status.Error(codes.AlreadyExists, err.Error())
	}
	return status.Error(codes.Internal, fmt.Sprintf("%v", err))
}

func unaryHandler(dispatch func(srv interface{}, ctx context.Context, in interface{}) (interface{}, error), newReq func() interface{}) func(interface{}, context.Context, func(interface{}) error, grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := newReq()
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			reply, err := dispatch(srv, ctx, in)
			return reply, toGRPCStatus(err)
		}
		info := &grpc.UnaryServerInfo{Server: srv}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			reply, err := dispatch(srv, ctx, req)
			return reply, toGRPCStatus(err)
		}
		return interceptor(ctx, in, info, handler)
	}
}

// serviceDesc wires the RPC surface of §6 onto *Server by hand: no
// protoc-generated descriptor exists in the retained examples (see
// DESIGN.md), so routing is expressed directly against grpc.ServiceDesc
// instead of regenerating one.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: "scm.ScmService",
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Register", Handler: unaryHandler(
			func(srv interface{}, ctx context.Context, in interface{}) (interface{}, error) {
				return srv.(*Server).Register(ctx, in.(*RegisterRequest))
			}, func() interface{} { return new(RegisterRequest) })},
		{MethodName: "SendHeartbeat", Handler: unaryHandler(
			func(srv interface{}, ctx context.Context, in interface{}) (interface{}, error) {
				return srv.(*Server).SendHeartbeat(ctx, in.(*HeartbeatRequest))
			}, func() interface{} { return new(HeartbeatRequest) })},
		{MethodName: "ReportContainer", Handler: unaryHandler(
			func(srv interface{}, ctx context.Context, in interface{}) (interface{}, error) {
				return srv.(*Server).ReportContainer(ctx, in.(*ReportContainerRequest))
			}, func() interface{} { return new(ReportContainerRequest) })},
		{MethodName: "ReportPipeline", Handler: unaryHandler(
			func(srv interface{}, ctx context.Context, in interface{}) (interface{}, error) {
				return srv.(*Server).ReportPipeline(ctx, in.(*ReportPipelineRequest))
			}, func() interface{} { return new(ReportPipelineRequest) })},
		{MethodName: "ListNodes", Handler: unaryHandler(
			func(srv interface{}, ctx context.Context, in interface{}) (interface{}, error) {
				return srv.(*Server).ListNodes(ctx, in.(*ListNodesRequest))
			}, func() interface{} { return new(ListNodesRequest) })},
		{MethodName: "ListPipelines", Handler: unaryHandler(
			func(srv interface{}, ctx context.Context, in interface{}) (interface{}, error) {
				return srv.(*Server).ListPipelines(ctx, in.(*ListPipelinesRequest))
			}, func() interface{} { return new(ListPipelinesRequest) })},
		{MethodName: "GetContainer", Handler: unaryHandler(
			func(srv interface{}, ctx context.Context, in interface{}) (interface{}, error) {
				return srv.(*Server).GetContainer(ctx, in.(*GetContainerRequest))
			}, func() interface{} { return new(GetContainerRequest) })},
		{MethodName: "SafeModeStatus", Handler: unaryHandler(
			func(srv interface{}, ctx context.Context, in interface{}) (interface{}, error) {
				return srv.(*Server).SafeModeStatus(ctx, in.(*SafeModeStatusRequest))
			}, func() interface{} { return new(SafeModeStatusRequest) })},
		{MethodName: "TriggerContainerEvent", Handler: unaryHandler(
			func(srv interface{}, ctx context.Context, in interface{}) (interface{}, error) {
				return srv.(*Server).TriggerContainerEvent(ctx, in.(*TriggerContainerEventRequest))
			}, func() interface{} { return new(TriggerContainerEventRequest) })},
	},
}

// NewGRPCServer builds the grpc.Server hosting Server's RPC surface,
// using the JSON codec in place of protobuf (codec.go) and mutual TLS
// when cert is non-nil (§6 "mutual TLS when security is enabled").
func NewGRPCServer(s *Server, cert *tls.Certificate, clientCAs *x509.CertPool) *grpc.Server {
	opts := []grpc.ServerOption{grpc.ForceServerCodec(jsonCodec{})}
	if cert != nil {
		creds := credentials.NewTLS(&tls.Config{
			Certificates: []tls.Certificate{*cert},
			ClientAuth:   tls.RequireAndVerifyClientCert,
			ClientCAs:    clientCAs,
		})
		opts = append(opts, grpc.Creds(creds))
	}

	gs := grpc.NewServer(opts...)
	gs.RegisterService(&serviceDesc, s)
	return gs
}

// Serve runs gs.Serve(lis) until it returns or ctx is cancelled, in
// which case it triggers a graceful stop instead of propagating the
// resulting "use of closed network connection" error.
func Serve(ctx context.Context, gs *grpc.Server, lis net.Listener) error {
	done := make(chan error, 1)
	go func() { done <- gs.Serve(lis) }()
	select {
	case <-ctx.Done():
		gs.GracefulStop()
		log.Logger.Info().Msg("api: grpc server stopped")
		return nil
	case err := <-done:
		return err
	}
}
