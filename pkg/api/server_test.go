package api

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/cuemby/scm/pkg/container"
	"github.com/cuemby/scm/pkg/events"
	"github.com/cuemby/scm/pkg/gateway"
	"github.com/cuemby/scm/pkg/nodemanager"
	"github.com/cuemby/scm/pkg/pipeline"
	"github.com/cuemby/scm/pkg/placement"
	"github.com/cuemby/scm/pkg/raftlog"
	"github.com/cuemby/scm/pkg/safemode"
	"github.com/cuemby/scm/pkg/scmerr"
	"github.com/cuemby/scm/pkg/store"
	"github.com/cuemby/scm/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestToGRPCStatusMapsSentinelErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code codes.Code
	}{
		{"not found", scmerr.ErrNotFound, codes.NotFound},
		{"timeout", scmerr.ErrTimeout, codes.DeadlineExceeded},
		{"invalid transition", scmerr.ErrInvalidStateTransition, codes.FailedPrecondition},
		{"conflict", scmerr.ErrConflict, codes.FailedPrecondition},
		{"insufficient datanodes", scmerr.ErrInsufficientDatanodes, codes.FailedPrecondition},
		{"already exists", scmerr.ErrAlreadyExists, codes.AlreadyExists},
		{"internal", scmerr.ErrInternal, codes.Internal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st, ok := status.FromError(toGRPCStatus(tc.err))
			require.True(t, ok)
			assert.Equal(t, tc.code, st.Code())
		})
	}
}

func TestToGRPCStatusCarriesLeaderHint(t *testing.T) {
	err := &scmerr.NotLeader{LeaderHint: "10.0.0.2:9200"}
	st, ok := status.FromError(toGRPCStatus(err))
	require.True(t, ok)
	assert.Equal(t, codes.Unavailable, st.Code())
	assert.Equal(t, notLeaderPrefix+"10.0.0.2:9200", st.Message())
}

func TestLeaderHintRoundTrip(t *testing.T) {
	wrapped := toGRPCStatus(&scmerr.NotLeader{LeaderHint: "10.0.0.3:9200"})
	hint, ok := leaderHint(wrapped)
	assert.True(t, ok)
	assert.Equal(t, "10.0.0.3:9200", hint)
}

func TestLeaderHintIgnoresUnrelatedErrors(t *testing.T) {
	_, ok := leaderHint(toGRPCStatus(scmerr.ErrNotFound))
	assert.False(t, ok)
}

func TestToGRPCStatusNilIsNil(t *testing.T) {
	assert.Nil(t, toGRPCStatus(nil))
}

// fakeLog applies synchronously, letting this suite exercise the real
// Register/ListNodes RPC path over an actual in-process grpc.Server
// without standing up a raft cluster.
type fakeLog struct{ appliers map[raftlog.Tag]raftlog.Applier }

func (f *fakeLog) Submit(tag raftlog.Tag, method string, data json.RawMessage) (interface{}, error) {
	return f.appliers[tag].Apply(method, data)
}
func (f *fakeLog) IsLeader() bool     { return true }
func (f *fakeLog) LeaderHint() string { return "" }

func newTestServer(t *testing.T) *Server {
	t.Helper()
	kv, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })

	fl := &fakeLog{appliers: map[raftlog.Tag]raftlog.Applier{}}
	gw := gateway.New(fl)
	brk := events.NewBroker()
	brk.Start()
	t.Cleanup(brk.Stop)

	resolver := placement.NewDnsToSwitch(nil, "/default-rack")
	nm := nodemanager.New(kv, gw, nodemanager.Config{ClusterID: "cid"}, resolver, brk)
	pm := pipeline.New(kv, gw, pipeline.Config{}, nm, placement.Random(placement.NewRand()), brk)
	cm := container.New(kv, gw, container.Config{}, pm, nm, brk)
	sm := safemode.New(safemode.Config{Enabled: false}, nm, pm, cm, brk)
	sm.Start()
	t.Cleanup(sm.Stop)

	fl.appliers[raftlog.TagNode] = nm
	fl.appliers[raftlog.TagPipeline] = pm
	fl.appliers[raftlog.TagContainer] = cm

	return &Server{ClusterID: "cid", ScmID: "scm-1", Nodes: nm, Pipelines: pm, Containers: cm, SafeMode: sm}
}

func TestServerRegisterAndListNodesOverGRPC(t *testing.T) {
	srv := newTestServer(t)
	gs := NewGRPCServer(srv, nil, nil)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go Serve(ctx, gs, lis)

	client := NewClient(ClientConfig{Addrs: []string{lis.Addr().String()}})
	defer client.Close()

	callCtx, callCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer callCancel()

	regResp, err := client.Register(callCtx, &RegisterRequest{
		Node:   NodeDetails{Hostname: "dn1", IP: "10.0.0.5", Port: 9100},
		Report: types.NodeReport{StorageVolume: 100},
	})
	require.NoError(t, err)
	assert.Equal(t, "cid", regResp.ClusterID)
	assert.NotEmpty(t, regResp.AssignedNodeID)

	listResp, err := client.ListNodes(callCtx)
	require.NoError(t, err)
	require.Len(t, listResp.Nodes, 1)
	assert.Equal(t, "dn1", listResp.Nodes[0].Hostname)
}
