package store

import (
	"errors"
	"io"
)

// Table names required by the data model (§4.1).
const (
	TableNodes      = "nodes"
	TablePipelines  = "pipelines"
	TableContainers = "containers"
	TableMeta       = "meta"
)

// MetaLayoutVersionKey and MetaLastAppliedKey are the two keys the
// Replicated Log maintains in the meta table.
const (
	MetaLayoutVersionKey = "layout_version"
	MetaLastAppliedKey   = "last_applied_index"
)

// Error kinds from §4.1. Corruption is fatal to the process; NotFound
// and IoFailed are returned to the caller.
var (
	ErrNotFound   = errors.New("store: not found")
	ErrCorruption = errors.New("store: corruption detected")
	ErrIoFailed   = errors.New("store: io failed")
)

// KV is the ordered keyed store contract. A table is created on first
// use; callers address records by table name and a byte key.
type KV interface {
	// Get returns ErrNotFound if the key is absent from the table.
	Get(table string, key []byte) ([]byte, error)
	Put(table string, key, value []byte) error
	Delete(table string, key []byte) error

	// Batch applies all ops atomically within this process: either every
	// op is visible to subsequent readers or none is. Not a distributed
	// transaction — durability across the log is the Replicated Log's job.
	Batch(ops []Op) error

	// Range iterates keys in table in ascending order starting at (and
	// including) from, until fn returns false or the table is exhausted.
	// A nil from starts at the first key.
	Range(table string, from []byte, fn func(key, value []byte) bool) error

	// ReverseRange iterates in descending order starting at (and
	// including) from. A nil from starts at the last key.
	ReverseRange(table string, from []byte, fn func(key, value []byte) bool) error

	// Checkpoint writes a consistent, file-level snapshot of the whole
	// store to dir, suitable for bulk transfer to a lagging replica.
	Checkpoint(dir string) error

	// WriteTo streams a consistent byte-for-byte copy of the whole
	// store to w. Used by the Replicated Log's take_snapshot to avoid
	// an intermediate directory when raft wants a single byte stream.
	WriteTo(w io.Writer) error

	// Path returns the on-disk data directory backing this store.
	Path() string

	Close() error
}

// OpKind distinguishes a Batch entry's operation.
type OpKind int

const (
	OpPut OpKind = iota
	OpDelete
)

// Op is one entry in a Batch call.
type Op struct {
	Kind  OpKind
	Table string
	Key   []byte
	Value []byte
}
