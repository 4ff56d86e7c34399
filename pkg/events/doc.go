/*
Package events provides an in-memory pub/sub broker for SCM's cluster
events: node health transitions, pipeline lifecycle changes, container
lifecycle changes, and safe-mode status flips.

# Architecture

A single Broker fans out every published Event to all current
subscribers over buffered channels. Publish never blocks on a slow
subscriber: a full subscriber buffer simply skips that event. This
fits SCM's use of events as best-effort signals for things like the
Safe-Mode Controller's rule re-evaluation (§4.7), not as the source
of truth — the source of truth is always the replicated KV store
(pkg/store).

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	go func() {
		for ev := range sub {
			switch ev.Type {
			case events.EventNodeDead:
				// re-evaluate safe-mode rules, cascade pipeline closes
			case events.EventSafeModeExited:
				// start background work: replication, pipeline creation
			}
		}
	}()

	broker.Publish(&events.Event{
		Type:    events.EventNodeDead,
		Message: "node transitioned to DEAD after missing heartbeats",
		Metadata: map[string]string{"node_id": string(id)},
	})

# Event catalog

Node events (published by pkg/nodemanager's sweeper and Register):
EventNodeRegistered, EventNodeStale, EventNodeDead.
EventNodeDecommissioned is defined but no package publishes it.

Pipeline events (published by pkg/pipeline): EventPipelineAllocated,
EventPipelineOpened, EventPipelineDormant, EventPipelineClosed.

Container events (published by pkg/container): EventContainerAllocated,
EventContainerClosing, EventContainerClosed, EventContainerDeleted.

Safe-mode events (published by pkg/safemode, §4.7): the one-way
transitions EventSafeModePreCheck and EventSafeModeExited — both fire
at most once per process lifetime.
*/
package events
