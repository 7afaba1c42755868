/*
Package events provides an in-memory event broker for Casparian Flow's
pub/sub messaging.

The events package implements a lightweight event bus for broadcasting
job-lifecycle and deployment-lifecycle events to interested subscribers. Every
subscriber receives every event, with asynchronous event delivery, enabling
loose coupling between the broker, the deployment pipeline, and observability
consumers.

# Architecture

	┌──────────────────── EVENT BROKER ────────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │              Event Broker                   │          │
	│  │  - In-memory message bus                    │          │
	│  │  - Topic-agnostic (all events broadcast)    │          │
	│  │  - Non-blocking publish                     │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │          Event Distribution                 │          │
	│  │                                              │          │
	│  │  Publisher → Event Channel (buffer: 100)    │          │
	│  │       ↓                                      │          │
	│  │  Broadcast Loop                              │          │
	│  │       ↓                                      │          │
	│  │  Subscriber Channels (buffer: 50 each)      │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Event Types                       │          │
	│  │                                              │          │
	│  │  Job Events:                                │          │
	│  │    - job.queued                             │          │
	│  │    - job.claimed                            │          │
	│  │    - job.completed                          │          │
	│  │    - job.failed                             │          │
	│  │                                              │          │
	│  │  Manifest Events:                           │          │
	│  │    - manifest.staged                        │          │
	│  │    - manifest.rejected                      │          │
	│  │    - manifest.activated                     │          │
	│  │                                              │          │
	│  │  Worker Events:                             │          │
	│  │    - worker.identified                      │          │
	│  │    - worker.evicted                         │          │
	│  └────────────────────────────────────────────┘           │
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            Subscribers                      │          │
	│  │                                              │          │
	│  │  Metrics: Count events for dashboards       │          │
	│  │  Audit log: Track manifest lifecycle        │          │
	│  │  Webhooks: Send notifications (future)      │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Core Components

Event Broker:
  - Central message bus for event distribution
  - Manages subscriber lifecycle
  - Non-blocking publish (buffered channel)
  - Graceful shutdown via stop channel

Event:
  - ID: Unique event identifier
  - Type: Event type (job.queued, manifest.rejected, etc.)
  - Timestamp: When event occurred
  - Message: Human-readable description
  - Metadata: Key-value pairs for additional context (job_id, plugin_name,
    manifest_id, worker_id)

Subscriber:
  - Channel that receives Event pointers
  - Buffered (50 events) to handle bursts
  - Created via broker.Subscribe()
  - Closed via broker.Unsubscribe()

# Event Flow

Publish Flow:
 1. Publisher calls broker.Publish(event)
 2. Event added to main event channel (non-blocking)
 3. Broadcast loop receives event
 4. Event sent to all subscriber channels
 5. Subscribers receive event asynchronously
 6. Full subscriber buffers skip (no blocking)

# Usage

Creating and Starting Broker:

	import "github.com/casparianflow/sentinel/pkg/events"

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
		Type:    events.EventJobCompleted,
		Message: "job finished: magic_processor",
		Metadata: map[string]string{
			"job_id":      "job-123",
			"plugin_name": "magic_processor",
			"rows":        "3",
		},
	})

Filtering Events by Type:

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	go func() {
		for event := range sub {
			switch event.Type {
			case events.EventJobFailed:
				handleJobFailed(event)
			case events.EventManifestRejected:
				handleManifestRejected(event)
			default:
				// Ignore other events
			}
		}
	}()

# Integration Points

This package integrates with:

  - pkg/queue: publishes job lifecycle events
  - pkg/broker: publishes worker lifecycle events
  - pkg/deploy and pkg/router: publish manifest lifecycle events

# Event Types Catalog

Job Events:

EventJobQueued:
  - Published when: Queue.Push inserts a new QUEUED job
  - Metadata: job_id, plugin_name

EventJobClaimed:
  - Published when: a claim transitions QUEUED -> RUNNING
  - Metadata: job_id, plugin_name, worker_id

EventJobCompleted:
  - Published when: Queue.Complete transitions RUNNING -> COMPLETED
  - Metadata: job_id, plugin_name, worker_id

EventJobFailed:
  - Published when: Queue.Fail either re-enqueues a retryable job (back to
    QUEUED) or leaves it FAILED
  - Metadata: job_id, plugin_name, error; worker_id only when the job is
    left FAILED

Manifest Events:

EventManifestStaged:
  - Published when: stage 5 persists a manifest in STAGING, before the
    sandbox probe
  - Metadata: manifest_id, plugin_name, version

EventManifestRejected:
  - Published when: any pipeline stage rejects a manifest
  - Metadata: manifest_id, plugin_name, reason

EventManifestActive:
  - Published when: stage 5 promotes STAGING -> ACTIVE
  - Metadata: manifest_id, plugin_name, version
  - The router's Projector also publishes this type when it writes a
    plugin's routing rows, with metadata plugin_name, pattern, tag

Worker Events:

EventWorkerIdentified:
  - Published when: a worker completes the IDENTIFY handshake
  - Metadata: worker_id

EventWorkerEvicted:
  - Published when: the heartbeat sweep evicts a dead worker
  - Metadata: worker_id, current_job_id

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

Fire-and-Forget:
  - No acknowledgment from subscribers
  - No retry on delivery failure
  - Suitable for monitoring, not for recovery-critical paths; job-completion
    state itself lives in the store, never only in an event

# Limitations

  - In-memory only (no persistence)
  - No event replay or history
  - No guaranteed delivery (best effort)
  - No topic-based filtering (all events broadcast)

# See Also

  - pkg/queue for job lifecycle events
  - pkg/broker for worker lifecycle events
  - pkg/deploy for manifest lifecycle events
  - Pub/sub pattern: https://en.wikipedia.org/wiki/Publish%E2%80%93subscribe_pattern
*/
package events
