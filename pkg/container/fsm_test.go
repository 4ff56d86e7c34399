package container

import (
	"testing"

	"github.com/cuemby/scm/pkg/types"
	"github.com/stretchr/testify/assert"
)

func TestNextHappyPath(t *testing.T) {
	cases := []struct {
		name    string
		from    types.ContainerState
		event   Event
		want    types.ContainerState
	}{
		{"finalize open", types.ContainerOpen, EventFinalize, types.ContainerClosing},
		{"quasi-close closing", types.ContainerClosing, EventQuasiClose, types.ContainerQuasiClosed},
		{"close closing", types.ContainerClosing, EventClose, types.ContainerClosed},
		{"force-close quasi-closed", types.ContainerQuasiClosed, EventForceClose, types.ContainerClosed},
		{"delete closed", types.ContainerClosed, EventDelete, types.ContainerDeleting},
		{"cleanup deleting", types.ContainerDeleting, EventCleanup, types.ContainerDeleted},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			next, ok := Next(tc.from, tc.event)
			assert.True(t, ok)
			assert.Equal(t, tc.want, next)
		})
	}
}

func TestNextRejectsUnknownTransitions(t *testing.T) {
	cases := []struct {
		name  string
		from  types.ContainerState
		event Event
	}{
		{"force-close from open", types.ContainerOpen, EventForceClose},
		{"close from open", types.ContainerOpen, EventClose},
		{"cleanup from open", types.ContainerOpen, EventCleanup},
		{"delete from closing", types.ContainerClosing, EventDelete},
		{"cleanup from closed", types.ContainerClosed, EventCleanup},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, ok := Next(tc.from, tc.event)
			assert.False(t, ok)
		})
	}
}

func TestNextSelfLoopsAreIdempotent(t *testing.T) {
	// A container already past an event's target state treats that
	// event as a no-op rather than an error, so a retried RPC after a
	// lost acknowledgement never fails.
	next, ok := Next(types.ContainerClosed, EventFinalize)
	assert.True(t, ok)
	assert.Equal(t, types.ContainerClosed, next)

	next, ok = Next(types.ContainerDeleted, EventClose)
	assert.True(t, ok)
	assert.Equal(t, types.ContainerDeleted, next)

	next, ok = Next(types.ContainerQuasiClosed, EventQuasiClose)
	assert.True(t, ok)
	assert.Equal(t, types.ContainerQuasiClosed, next)
}

func TestNextUnknownEvent(t *testing.T) {
	_, ok := Next(types.ContainerOpen, Event("BOGUS"))
	assert.False(t, ok)
}

func TestIsTerminal(t *testing.T) {
	assert.False(t, IsTerminal(types.ContainerOpen))
	assert.True(t, IsTerminal(types.ContainerClosed))
	assert.True(t, IsTerminal(types.ContainerDeleted))
}
