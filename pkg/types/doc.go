/*
Package types defines the core data structures used throughout Drover.

This package contains the fundamental types of the orchestration domain:
jobs, workers, worker templates, pools, executions, artifacts, and the
resource/metrics snapshots exchanged between subsystems. Every other
package builds on these definitions for state management, scheduling,
and wire conversion.

# Core Types

Job lifecycle:
  - Job: a unit of work with payload, priority, capability requirements,
    required artifacts, and an optional deadline
  - QueuedJob: a Job waiting in the queue, with retry accounting
  - JobStatus: queued, running, completed, failed, cancelled
  - JobPriority: low, normal, high, critical (strictly ordered)
  - JobResult: terminal outcome (success, exit code, error)

Worker fleet:
  - Worker: one ephemeral execution node, owned by exactly one pool
  - WorkerStatus: provisioning, ready, busy, terminating, failed, offline
  - WorkerTemplate: the recipe a provider materializes a worker from
  - SecurityContext, VolumeMount, PortSpec: template constraints

Pools and scaling:
  - Pool: bounded worker collection sharing a template and policy
  - PoolStatus: active, scaling-up, scaling-down, draining, terminated
  - ScalingPolicy: min, max, thresholds, cooldown

Transfer and capacity:
  - Artifact: content-addressed blob (SHA-256) with compression hint
  - ResourceAvailability: provider capacity snapshot
  - PoolMetrics, SystemMetrics: observability snapshots

# State Machines

Jobs:

	Queued → Running → Completed
	   ↑        ↓
	   └──── Failed (requeued while retryCount < max)
	Queued/Running → Cancelled

Terminal states (Completed, Failed, Cancelled) are immutable; a retry
re-enters Queued before the terminal transition is recorded.

Workers:

	Provisioning → Ready ⇄ Busy
	      ↓          ↓       ↓
	   Failed     Offline  Terminating

Ready implies ActiveJobs == 0; Busy implies ActiveJobs >= 1.

# Design Patterns

Enumerations are typed string constants, except JobPriority which is an
ordered integer so the queue can sort on it directly. Entities reference
each other by ID, never by pointer, so ownership stays with the
component that manages the registry (pool manager, queue, hub).

# Integration Points

  - pkg/queue orders QueuedJobs and enforces job invariants
  - pkg/pool owns Pools and Workers
  - pkg/provider parses ResourceRequests and validates templates
  - pkg/protocol converts these types to and from wire messages
  - pkg/store persists Jobs, Pools, and Artifact metadata
*/
package types
