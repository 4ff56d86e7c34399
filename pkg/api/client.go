package api

import (
	"context"
	"crypto/tls"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/cuemby/scm/pkg/log"
)

// ClientConfig tunes the two-phase failover backoff described in
// SPEC_FULL.md §12: a caller retries the same node with a growing
// wait up to FailoverMaxAttempts times, and only then moves on to the
// next address in Addrs (resetting the wait).
type ClientConfig struct {
	Addrs               []string
	FailoverMaxAttempts int
	WaitBetweenRetries  time.Duration
	TLS                 *tls.Config
}

func (c *ClientConfig) setDefaults() {
	if c.FailoverMaxAttempts == 0 {
		c.FailoverMaxAttempts = 3
	}
	if c.WaitBetweenRetries == 0 {
		c.WaitBetweenRetries = time.Second
	}
}

// Client is a thin RPC client over Server's hand-wired service, aware
// of SCM leader failover: a scmerr.NotLeader reply jumps straight to
// the hinted address instead of burning through the retry budget.
type Client struct {
	cfg ClientConfig

	mu      sync.Mutex
	current int
	conn    *grpc.ClientConn
}

func NewClient(cfg ClientConfig) *Client {
	cfg.setDefaults()
	return &Client{cfg: cfg}
}

func (c *Client) dialOpts() []grpc.DialOption {
	creds := insecure.NewCredentials()
	if c.cfg.TLS != nil {
		creds = credentials.NewTLS(c.cfg.TLS)
	}
	return []grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{})),
	}
}

func (c *Client) connLocked(addr string) (*grpc.ClientConn, error) {
	if c.conn != nil {
		_ = c.conn.Close()
	}
	conn, err := grpc.NewClient(addr, c.dialOpts()...)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	return conn, nil
}

// call invokes method against the current address, applying the
// two-phase backoff across every address in cfg.Addrs before giving
// up. A *scmerr.NotLeader reply short-circuits straight to its
// LeaderHint on the next attempt, independent of the retry count.
func (c *Client) call(ctx context.Context, method string, req, reply interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	wait := c.cfg.WaitBetweenRetries
	addrs := addrsOrLocalhost(c.cfg.Addrs)
	addrIdx := c.current
	var lastErr error

	maxAttempts := c.cfg.FailoverMaxAttempts * (len(addrs) + 1)
	for attempt := 0; attempt < maxAttempts; attempt++ {
		addr := addrs[addrIdx%len(addrs)]

		conn, err := c.connLocked(addr)
		if err != nil {
			lastErr = err
		} else {
			err = conn.Invoke(ctx, method, req, reply)
			if err == nil {
				c.current = addrIdx % len(addrs)
				return nil
			}
			lastErr = err

			if hint, ok := leaderHint(err); ok && hint != "" {
				addrs = append(addrs, hint)
				addrIdx = len(addrs) - 1
				continue
			}
		}

		sameNodeAttempt := (attempt + 1) % c.cfg.FailoverMaxAttempts
		if sameNodeAttempt == 0 {
			addrIdx++
			wait = c.cfg.WaitBetweenRetries
		} else {
			wait *= 2
		}

		log.Logger.Warn().Err(lastErr).Str("addr", addr).Str("method", method).
			Dur("wait", wait).Msg("api client: rpc failed, retrying")

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}

// leaderHint extracts a leader address from a grpc status produced by
// toGRPCStatus, when the server-side error was a scmerr.NotLeader.
func leaderHint(err error) (string, bool) {
	st, ok := status.FromError(err)
	if !ok || st.Code() != codes.Unavailable {
		return "", false
	}
	msg := st.Message()
	if !strings.HasPrefix(msg, notLeaderPrefix) {
		return "", false
	}
	return strings.TrimPrefix(msg, notLeaderPrefix), true
}

func addrsOrLocalhost(addrs []string) []string {
	if len(addrs) == 0 {
		return []string{"127.0.0.1:9200"}
	}
	return addrs
}

func (c *Client) Register(ctx context.Context, req *RegisterRequest) (*RegisterResponse, error) {
	reply := new(RegisterResponse)
	return reply, c.call(ctx, "/scm.ScmService/Register", req, reply)
}

func (c *Client) SendHeartbeat(ctx context.Context, req *HeartbeatRequest) (*HeartbeatResponse, error) {
	reply := new(HeartbeatResponse)
	return reply, c.call(ctx, "/scm.ScmService/SendHeartbeat", req, reply)
}

func (c *Client) ReportContainer(ctx context.Context, req *ReportContainerRequest) error {
	return c.call(ctx, "/scm.ScmService/ReportContainer", req, new(Ack))
}

func (c *Client) ReportPipeline(ctx context.Context, req *ReportPipelineRequest) error {
	return c.call(ctx, "/scm.ScmService/ReportPipeline", req, new(Ack))
}

func (c *Client) ListNodes(ctx context.Context) (*ListNodesResponse, error) {
	reply := new(ListNodesResponse)
	return reply, c.call(ctx, "/scm.ScmService/ListNodes", &ListNodesRequest{}, reply)
}

func (c *Client) ListPipelines(ctx context.Context) (*ListPipelinesResponse, error) {
	reply := new(ListPipelinesResponse)
	return reply, c.call(ctx, "/scm.ScmService/ListPipelines", &ListPipelinesRequest{}, reply)
}

func (c *Client) GetContainer(ctx context.Context, req *GetContainerRequest) (*GetContainerResponse, error) {
	reply := new(GetContainerResponse)
	return reply, c.call(ctx, "/scm.ScmService/GetContainer", req, reply)
}

func (c *Client) SafeModeStatus(ctx context.Context) (*SafeModeStatusResponse, error) {
	reply := new(SafeModeStatusResponse)
	return reply, c.call(ctx, "/scm.ScmService/SafeModeStatus", &SafeModeStatusRequest{}, reply)
}

func (c *Client) TriggerContainerEvent(ctx context.Context, req *TriggerContainerEventRequest) error {
	return c.call(ctx, "/scm.ScmService/TriggerContainerEvent", req, new(Ack))
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}
