package container

import "github.com/cuemby/scm/pkg/types"

// Event is one of the exhaustive container lifecycle events from the
// §4.6 transition table.
type Event string

const (
	EventFinalize    Event = "FINALIZE"
	EventQuasiClose  Event = "QUASI_CLOSE"
	EventClose       Event = "CLOSE"
	EventForceClose  Event = "FORCE_CLOSE"
	EventDelete      Event = "DELETE"
	EventCleanup     Event = "CLEANUP"
)

// transitions is the exhaustive table from §4.6. Any (state, event)
// pair absent from this map is rejected with InvalidStateTransition,
// unless it is a self-loop recognized by isNoOp.
var transitions = map[types.ContainerState]map[Event]types.ContainerState{
	types.ContainerOpen: {
		EventFinalize: types.ContainerClosing,
	},
	types.ContainerClosing: {
		EventQuasiClose: types.ContainerQuasiClosed,
		EventClose:      types.ContainerClosed,
	},
	types.ContainerQuasiClosed: {
		EventForceClose: types.ContainerClosed,
	},
	types.ContainerClosed: {
		EventDelete: types.ContainerDeleting,
	},
	types.ContainerDeleting: {
		EventCleanup: types.ContainerDeleted,
	},
}

// eventTarget is the state each event would reach if applied "in
// order", used to recognize idempotent self-loops: an event is a
// no-op whenever the container has already reached or passed that
// target state (monotone rank ordering, §3/§8).
var eventTarget = map[Event]types.ContainerState{
	EventFinalize:   types.ContainerClosing,
	EventQuasiClose: types.ContainerQuasiClosed,
	EventClose:      types.ContainerClosed,
	EventForceClose: types.ContainerClosed,
	EventDelete:     types.ContainerDeleting,
	EventCleanup:    types.ContainerDeleted,
}

// Next computes the container's next state for event, or ok=false if
// the transition is rejected. A self-loop (event already satisfied by
// the current or a later state) returns the current state with
// ok=true, per §4.6's idempotence rule.
func Next(current types.ContainerState, ev Event) (next types.ContainerState, ok bool) {
	target, known := eventTarget[ev]
	if !known {
		return current, false
	}
	if current.Rank() >= target.Rank() {
		return current, true // idempotent no-op
	}

	byEvent, known := transitions[current]
	if !known {
		return current, false
	}
	to, known := byEvent[ev]
	if !known {
		return current, false
	}
	return to, true
}

// IsTerminal reports whether s is one of the two terminal states
// (CLOSED, DELETED) from §4.6's finalizer-reachability set. CLOSED is
// "steady" rather than unreachable-from, since DELETE still applies.
func IsTerminal(s types.ContainerState) bool {
	return s == types.ContainerClosed || s == types.ContainerDeleted
}
