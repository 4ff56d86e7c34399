package events

import (
	"sync"
	"time"
)

// EventType represents the type of cluster event.
type EventType string

const (
	EventNodeRegistered      EventType = "node.registered"
	EventNodeStale           EventType = "node.stale"
	EventNodeDead            EventType = "node.dead"
	EventNodeDecommissioned  EventType = "node.decommissioned"
	EventPipelineAllocated   EventType = "pipeline.allocated"
	EventPipelineOpened      EventType = "pipeline.opened"
	EventPipelineDormant     EventType = "pipeline.dormant"
	EventPipelineClosed      EventType = "pipeline.closed"
	EventContainerAllocated  EventType = "container.allocated"
	EventContainerClosing    EventType = "container.closing"
	EventContainerClosed     EventType = "container.closed"
	EventContainerDeleted    EventType = "container.deleted"
	EventContainerReplicaReported EventType = "container.replica_reported"
	EventSafeModePreCheck    EventType = "safemode.pre_check_complete"
	EventSafeModeExited      EventType = "safemode.exited"
)

// Event represents a cluster event, one of the observable signals the
// Safe-Mode Controller (§4.7) and other subscribers react to.
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
}

// Subscriber is a channel that receives events.
type Subscriber chan *Event

// Broker manages event subscriptions and distribution. It carries no
// domain knowledge of its own: the Node/Pipeline/Container managers and
// the Safe-Mode Controller publish onto it, and hold no direct
// references to each other (§9: identifiers, not handles, cross
// component boundaries).
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a new event broker.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100), // Buffer up to 100 events
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker.
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns a channel.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50) // Buffer per subscriber
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish queues an event for distribution to all subscribers. It
// blocks while the broker's internal queue is full, and returns without
// queuing once the broker is stopped. A slow subscriber never blocks
// it: broadcast skips subscribers whose buffer is full.
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip: events are best-effort
			// signals, not a replicated source of truth.
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
