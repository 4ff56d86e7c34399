package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/cuemby/scm/pkg/raftlog"
	"github.com/cuemby/scm/pkg/scmerr"
)

// Log is the subset of *raftlog.Log the gateway needs; defined as an
// interface here so state-manager tests can substitute a fake that
// applies synchronously without standing up a real raft cluster.
type Log interface {
	Submit(tag raftlog.Tag, method string, data json.RawMessage) (interface{}, error)
	IsLeader() bool
	LeaderHint() string
}

// Gateway is the HA Invocation Gateway. It carries no domain knowledge:
// state managers call Submit with their own tag, method name and
// JSON-serializable arguments.
type Gateway struct {
	log Log
}

func New(log Log) *Gateway {
	return &Gateway{log: log}
}

// Submit marshals args and routes a write call through the Replicated
// Log. On a follower this returns scmerr.NotLeader with the current
// leader hint, per §4.3; callers should propagate it untranslated so
// RPC clients can fail over.
func (g *Gateway) Submit(tag raftlog.Tag, method string, args interface{}) (json.RawMessage, error) {
	data, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal args for %s.%s: %v", scmerr.ErrInternal, tag, method, err)
	}

	reply, err := g.log.Submit(tag, method, data)
	if err != nil {
		return nil, err
	}
	if reply == nil {
		return nil, nil
	}
	raw, ok := reply.(json.RawMessage)
	if !ok {
		// Appliers return json.RawMessage on success; anything else
		// (e.g. a plain error) would already have been handled above.
		b, merr := json.Marshal(reply)
		if merr != nil {
			return nil, fmt.Errorf("%w: marshal reply for %s.%s: %v", scmerr.ErrInternal, tag, method, merr)
		}
		return b, nil
	}
	return raw, nil
}

func (g *Gateway) IsLeader() bool { return g.log.IsLeader() }

func (g *Gateway) LeaderHint() string { return g.log.LeaderHint() }
