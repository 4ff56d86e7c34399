package main

import (
	"errors"

	"github.com/cuemby/scm/pkg/raftlog"
	"github.com/cuemby/scm/pkg/store"
)

// clusterAdapter satisfies api.Cluster without pkg/api importing
// pkg/raftlog or pkg/store directly (§9: the health server only needs
// these three narrow signals).
type clusterAdapter struct {
	log *raftlog.Log
	kv  store.KV
}

func (c *clusterAdapter) IsLeader() bool     { return c.log.IsLeader() }
func (c *clusterAdapter) LeaderHint() string { return c.log.LeaderHint() }

// Ping verifies the Persistent KV Store is still reachable by reading
// the table it always touches first: a missing key is a healthy
// ErrNotFound, any other error means the store itself is unreachable.
func (c *clusterAdapter) Ping() error {
	_, err := c.kv.Get(store.TableMeta, []byte("__ping__"))
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return nil
}
