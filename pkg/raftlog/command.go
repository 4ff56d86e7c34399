package raftlog

import "encoding/json"

// Tag identifies which state manager a Command's apply dispatches to.
// This is the "single tagged command type carrying {kind, payload}"
// design note (§9) in place of per-method interceptor chaining.
type Tag string

const (
	TagNode      Tag = "NODE"
	TagPipeline  Tag = "PIPELINE"
	TagContainer Tag = "CONTAINER"
)

// Command is the single payload type submitted to and replicated by
// the log. Method names the write operation on the tagged state
// manager; Data carries its JSON-encoded arguments, including any
// apply-time clock value or generated id the gateway stamped in at
// submit time so apply remains a deterministic function of (state,
// Data) alone (§4.3).
type Command struct {
	Tag    Tag             `json:"tag"`
	Method string          `json:"method"`
	Data   json.RawMessage `json:"data"`
}

// Applier is implemented by each state manager (NodeManager,
// PipelineManager, ContainerManager). Apply is invoked only from
// inside the single-threaded raft apply callback, in log order, and
// must not read the system clock or a random source — any such value
// needed by Method must already be present in data.
type Applier interface {
	Apply(method string, data json.RawMessage) (interface{}, error)

	// Snapshot flushes in-memory state to the KV store and is called
	// by take_snapshot before the store checkpoint is taken.
	Snapshot() error

	// Restore rebuilds in-memory indexes from the KV store after
	// install_snapshot atomically swaps it in.
	Restore() error
}
