// Package scmerr defines the error taxonomy of §7: a fixed set of
// sentinel errors returned (never thrown) across every state-manager
// and RPC boundary, inspected with errors.Is/errors.As rather than a
// bespoke error-code enum.
package scmerr

import "errors"

var (
	ErrNotFound               = errors.New("not found")
	ErrAlreadyExists          = errors.New("already exists")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrInsufficientDatanodes  = errors.New("insufficient datanodes")
	ErrNotLeader              = errors.New("not leader")
	ErrTimeout                = errors.New("timeout")
	ErrConflict               = errors.New("conflict")
	ErrInternal               = errors.New("internal error")
	ErrMetadata               = errors.New("metadata error")
	ErrSecurityInitFailed     = errors.New("security init failed")
)

// Fatal reports whether err is one of the two kinds that must terminate
// the apply thread (§7): a replica must never keep applying after
// either of these, so that a restart replays from the log or requests
// a fresh snapshot instead of running with corrupted state.
func Fatal(err error) bool {
	return errors.Is(err, ErrInternal) || errors.Is(err, ErrMetadata)
}

// ExitCode maps an error to the admin-CLI exit codes from §7.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrTimeout):
		return 2
	case errors.Is(err, ErrNotLeader):
		return 3
	case Fatal(err):
		return 4
	default:
		return 1
	}
}

// NotLeader carries the current leader hint, if known, for transparent
// client failover (§4.2, §7).
type NotLeader struct {
	LeaderHint string
}

func (e *NotLeader) Error() string {
	if e.LeaderHint == "" {
		return ErrNotLeader.Error()
	}
	return ErrNotLeader.Error() + ": suggested leader " + e.LeaderHint
}

func (e *NotLeader) Unwrap() error { return ErrNotLeader }
