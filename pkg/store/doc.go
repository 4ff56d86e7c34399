// Package store implements SCM's Persistent KV Store: an ordered
// keyed store with named tables, atomic batched writes, range
// iteration and whole-store checkpoints, backed by go.etcd.io/bbolt.
//
// Tables are plain byte->byte maps; the domain managers (pkg/nodemanager,
// pkg/pipeline, pkg/container) own the JSON encoding of their records
// and the in-memory indexes rebuilt from them at load. This mirrors the
// ownership split in the data model: store never knows about NodeInfo
// or Pipeline, only about bytes under a table and a key.
package store
