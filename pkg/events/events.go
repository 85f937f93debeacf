package events

import (
	"sync"
	"time"
)

// EventType represents the type of event
type EventType string

const (
	EventRoleChanged        EventType = "group.role_changed"
	EventLeaderElected      EventType = "group.leader_elected"
	EventMembershipChanged  EventType = "group.membership_changed"
	EventMembershipReverted EventType = "group.membership_reverted"
	EventSnapshotInstalled  EventType = "group.snapshot_installed"
	EventSnapshotTaken      EventType = "group.snapshot_taken"
	EventGroupFatal         EventType = "group.fatal"
	EventNodeFatal          EventType = "node.fatal"
)

// Event represents a group- or node-scoped notification raised while
// processing a consensus event, such as pkg/raft's role changes and
// membership reverts. The EffectNotify effect itself is delivered by
// pkg/apply to the waiting proposer, not through this type.
type Event struct {
	ID        string
	Type      EventType
	GroupID   string
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker fans out group notifications to node-level observers (the CLI
// inspector, an operator dashboard, a liveness oracle). It does not
// participate in replication or commit: groups never block on it, matching
// the "notify" effect's fire-and-forget semantics.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100), // Buffer up to 100 events
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50) // Buffer per subscriber
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish publishes an event to all subscribers
func (b *Broker) Publish(event *Event) {
	// Set timestamp if not set
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	default:
		// Buffer full: drop the event rather than block the publisher.
	}
}

// PublishMembershipReverted is a convenience wrapper around Publish for the
// MembershipReverted notification a group raises when a pending join/leave
// times out or targets an unreachable server (spec.md §4.6).
func (b *Broker) PublishMembershipReverted(groupID, server, reason string) {
	b.Publish(&Event{
		Type:    EventMembershipReverted,
		GroupID: groupID,
		Message: "pending membership change reverted",
		Metadata: map[string]string{
			"server": server,
			"reason": reason,
		},
	})
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
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
