// Package raftlog implements SCM's Replicated Log (§4.2): an ordered
// stream of opaque tagged commands delivered to every replica exactly
// once in order, on top of github.com/hashicorp/raft with
// github.com/hashicorp/raft-boltdb for the log and stable stores.
//
// Submit is the only write path; apply is the single-threaded callback
// hashicorp/raft invokes, in index order, on every replica including
// the leader, after commit. This package does not know what a node,
// pipeline or container is — it dispatches a Command by Tag to
// whichever Applier was registered for that tag at construction time.
package raftlog
