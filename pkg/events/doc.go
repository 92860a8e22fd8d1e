/*
Package events provides an in-memory event broker for Drover's pub/sub messaging.

The events package implements a lightweight event bus for broadcasting
orchestration and pool events to interested subscribers. It supports
optional type filtering with asynchronous delivery, enabling loose
coupling between the coordinator, pool manager, channel hub, and any
observability consumers.

# Event Flow

	Publisher → event channel (buffer: 100)
	     ↓
	broadcast loop
	     ↓
	subscriber channels (buffer: 50 each, full buffers skip)

Publish is non-blocking. A subscriber that cannot keep up drops events;
this is deliberate and documented behavior — the bus favors liveness of
the orchestration loops over guaranteed delivery.

# Event Types

Orchestration events (coordinator):
  - system.started, system.stopped
  - job.queued, job.assigned, job.started, job.completed, job.retried
  - autoscaling.triggered, metrics.collected

Pool events (pool manager):
  - pool.created, pool.deleted, pool.scaled
  - worker.added, worker.removed

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.SubscribeTypes(events.EventPoolScaled, events.EventWorkerAdded)
	defer broker.Unsubscribe(sub)

	go func() {
		for event := range sub {
			fmt.Printf("[%s] %s\n", event.Type, event.Message)
		}
	}()

	broker.Publish(&events.Event{
		Type:    events.EventPoolScaled,
		PoolID:  pool.ID,
		Message: "pool scaled 1 -> 5",
	})

# Integration Points

  - pkg/coordinator publishes orchestration events and owns the broker
  - pkg/pool publishes pool events and backs StreamPoolEvents
  - pkg/hub publishes job lifecycle transitions
  - pkg/api streams events to clients
*/
package events
