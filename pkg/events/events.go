package events

import (
	"sync"
	"time"
)

// EventType represents the type of event
type EventType string

// Orchestration events published by the coordinator and its loops.
const (
	EventSystemStarted        EventType = "system.started"
	EventSystemStopped        EventType = "system.stopped"
	EventJobQueued            EventType = "job.queued"
	EventJobAssigned          EventType = "job.assigned"
	EventJobStarted           EventType = "job.started"
	EventJobCompleted         EventType = "job.completed"
	EventJobRetried           EventType = "job.retried"
	EventAutoScalingTriggered EventType = "autoscaling.triggered"
	EventMetricsCollected     EventType = "metrics.collected"
)

// Pool events published by the pool manager.
const (
	EventPoolCreated   EventType = "pool.created"
	EventPoolDeleted   EventType = "pool.deleted"
	EventPoolScaled    EventType = "pool.scaled"
	EventWorkerAdded   EventType = "worker.added"
	EventWorkerRemoved EventType = "worker.removed"
)

// PoolEventTypes lists the event types emitted by the pool manager, in
// the order they were introduced. Used by StreamPoolEvents filters.
var PoolEventTypes = []EventType{
	EventPoolCreated,
	EventPoolDeleted,
	EventPoolScaled,
	EventWorkerAdded,
	EventWorkerRemoved,
}

// Event represents an orchestration event
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	Message   string
	JobID     string
	WorkerID  string
	PoolID    string
	Metadata  map[string]string
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker manages event subscriptions and distribution
type Broker struct {
	subscribers map[Subscriber][]EventType
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber][]EventType),
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

// Subscribe creates a subscription receiving every event type.
func (b *Broker) Subscribe() Subscriber {
	return b.SubscribeTypes()
}

// SubscribeTypes creates a subscription filtered to the given event
// types. With no types, the subscriber receives everything.
func (b *Broker) SubscribeTypes(kinds ...EventType) Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50) // Buffer per subscriber
	b.subscribers[sub] = kinds
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; !ok {
		return
	}
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

	for sub, kinds := range b.subscribers {
		if !matches(kinds, event.Type) {
			continue
		}
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}

func matches(kinds []EventType, t EventType) bool {
	if len(kinds) == 0 {
		return true
	}
	for _, k := range kinds {
		if k == t {
			return true
		}
	}
	return false
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
