/*
Package events provides an in-memory event broker for Foundry's pub/sub messaging.

The events package implements a lightweight event bus for broadcasting
orchestration events to interested subscribers. It supports asynchronous
event delivery with per-subscriber buffering, enabling loose coupling
between the scheduler, the host-run state machine, the API server and
metrics collection.

# Architecture

Foundry's event system provides non-blocking pub/sub messaging with buffered
channels:

	Publisher → Event Channel (buffer: 100)
	     ↓
	Broadcast Loop
	     ↓
	Subscriber Channels (buffer: 50 each)

# Core Components

Event Broker:
  - Central message bus for event distribution
  - Manages subscriber lifecycle
  - Non-blocking publish (buffered channel)
  - Graceful shutdown via stop channel

Event:
  - ID: Unique event identifier
  - Type: Event type (run.state_changed, firmware.queued, etc.)
  - Timestamp: When event occurred
  - Message: Human-readable description
  - PlanID / HostID / RunID: Orchestration correlation keys
  - Metadata: Key-value pairs for additional context

Subscriber:
  - Channel that receives Event pointers
  - Buffered (50 events) to handle bursts
  - Created via broker.Subscribe()
  - Closed via broker.Unsubscribe()

# Event Types Catalog

Plan Events:
  - plan.created: A plan was persisted
  - plan.started: The scheduler expanded a plan into host-runs
  - plan.completed: Every host-run of a plan reached a terminal state

Run Events:
  - run.enqueued: A host-run job entered the durable queue
  - run.started: A worker leased the job and the state machine began
  - run.state_changed: The run moved along the state graph
  - run.progress: A Redfish task reported new progress or messages
  - run.completed / run.failed / run.cancelled: Terminal outcomes

Host and Protocol Events:
  - host.discovered: Capability detection refreshed a host record
  - protocol.detected: The protocol manager ranked candidates for a host
  - maintenance.entered / maintenance.exited: Hypervisor transitions
  - firmware.queued / firmware.completed: Per-component update lifecycle

# Usage

Creating and Starting Broker:

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

Subscribing to Events:

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	go func() {
		for event := range sub {
			fmt.Printf("Event: %s - %s\n", event.Type, event.Message)
		}
	}()

Publishing Events:

	broker.Publish(&events.Event{
		Type:    events.EventRunStateChanged,
		Message: "host-run moved to APPLY",
		RunID:   run.ID,
		HostID:  run.HostID,
	})

# Design Patterns

Non-Blocking Publish:
  - Publish sends to buffered channel
  - Returns immediately (no waiting)
  - Events may be dropped if buffer full
  - Trade-off: Throughput over guaranteed delivery

Fan-Out Pattern:
  - Single event broadcast to all subscribers
  - Each subscriber gets own channel
  - Independent processing rates
  - Full buffers skip to prevent blocking

The broker is fire-and-forget: delivery is best effort and must never be
load-bearing for run correctness. The durable record of a run is its
HostRun row in the store; events only mirror it for observers.

# Integration Points

This package integrates with:

  - pkg/scheduler: Publishes plan expansion and reclaim events
  - pkg/hostrun: Publishes state transitions and task progress
  - pkg/api: Streams events to clients
  - pkg/metrics: Counts events for dashboards

# Best Practices

Do:
  - Always defer broker.Unsubscribe(sub)
  - Process events asynchronously in goroutine
  - Filter events by type at subscriber side
  - Include the run/host/plan correlation keys

Don't:
  - Block in subscriber event loop
  - Publish events before broker.Start()
  - Rely on event delivery for critical operations
*/
package events
