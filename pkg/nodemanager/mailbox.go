package nodemanager

import "github.com/cuemby/scm/pkg/types"

// mailbox is the bounded, multi-producer/single-consumer per-node
// command queue from §5: leader, sweeper and pipeline/container
// managers enqueue; the heartbeat reply path is the sole consumer.
// Overflow drops the oldest command rather than blocking a producer.
//
// This queue is intentionally not part of the replicated KV store: it
// is leader-local runtime state, rebuilt as empty on failover. Only the
// durable entities (NodeInfo, Pipeline, ContainerInfo) cross the log.
type mailbox struct {
	depth int
	items []types.DatanodeCommand
}

func newMailbox(depth int) *mailbox {
	if depth <= 0 {
		depth = 64
	}
	return &mailbox{depth: depth}
}

func (m *mailbox) enqueue(cmd types.DatanodeCommand) {
	m.items = append(m.items, cmd)
	if len(m.items) > m.depth {
		// Drop the oldest command, per §5's overflow policy.
		m.items = m.items[len(m.items)-m.depth:]
	}
}

// drain returns and clears all queued commands, exactly once.
func (m *mailbox) drain() []types.DatanodeCommand {
	if len(m.items) == 0 {
		return nil
	}
	out := m.items
	m.items = nil
	return out
}
