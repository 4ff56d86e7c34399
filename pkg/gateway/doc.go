// Package gateway implements the write path of the HA Invocation
// Gateway (§4.3). State managers serve their read methods straight
// from local state with no log traffic and without going through this
// package; their write methods call Gateway.Submit, which marshals the
// arguments and hands them to the Replicated Log's Submit, which
// refuses on a follower with NotLeader.
//
// State managers (pkg/nodemanager, pkg/pipeline, pkg/container) hold a
// *Gateway and call Submit from their write methods; their apply-side
// logic is registered against pkg/raftlog as an Applier and must
// remain a deterministic function of (state, payload) — never reading
// the clock or a random source directly (that is supplied by the
// caller before Submit, baked into the payload).
package gateway
