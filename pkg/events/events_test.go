package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestBrokerPublishSubscribe tests basic event delivery
func TestBrokerPublishSubscribe(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	broker.Publish(&Event{
		Type:    EventJobQueued,
		JobID:   "job-1",
		Message: "job queued",
	})

	select {
	case event := <-sub:
		assert.Equal(t, EventJobQueued, event.Type)
		assert.Equal(t, "job-1", event.JobID)
		assert.False(t, event.Timestamp.IsZero(), "timestamp should be set on publish")
	case <-time.After(time.Second):
		t.Fatal("expected event was not delivered")
	}
}

// TestBrokerTypeFilter tests that filtered subscribers only see their types
func TestBrokerTypeFilter(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	poolSub := broker.SubscribeTypes(PoolEventTypes...)
	defer broker.Unsubscribe(poolSub)

	broker.Publish(&Event{Type: EventJobQueued, JobID: "job-1"})
	broker.Publish(&Event{Type: EventPoolScaled, PoolID: "pool-1"})

	select {
	case event := <-poolSub:
		assert.Equal(t, EventPoolScaled, event.Type)
		assert.Equal(t, "pool-1", event.PoolID)
	case <-time.After(time.Second):
		t.Fatal("pool event was not delivered")
	}

	// The job event must not have been delivered to the filtered subscriber.
	select {
	case event := <-poolSub:
		t.Fatalf("unexpected event delivered: %s", event.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

// TestBrokerSlowSubscriberDoesNotBlock tests the drop-on-full policy
func TestBrokerSlowSubscriberDoesNotBlock(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	// Never drained: fills up after 50 buffered events.
	slow := broker.Subscribe()
	defer broker.Unsubscribe(slow)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 500; i++ {
			broker.Publish(&Event{Type: EventMetricsCollected})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publishing blocked on a slow subscriber")
	}
}

// TestBrokerUnsubscribe tests subscriber removal
func TestBrokerUnsubscribe(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	require.Equal(t, 1, broker.SubscriberCount())

	broker.Unsubscribe(sub)
	assert.Equal(t, 0, broker.SubscriberCount())

	// Channel should be closed.
	_, open := <-sub
	assert.False(t, open)

	// A second unsubscribe is a no-op.
	broker.Unsubscribe(sub)
	assert.Equal(t, 0, broker.SubscriberCount())
}
