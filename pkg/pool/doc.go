/*
Package pool manages worker pools: homogeneous groups of workers created
from a shared template and scaled between policy bounds.

The Manager owns the pool registry and every worker membership record.
It is the single writer for pool state; the hub, queue processor,
autoscaler, and reconciler all mutate workers through it.

# Architecture

	┌────────────────────── POOL MANAGER ──────────────────────┐
	│                                                           │
	│  ┌──────────────┐   ┌──────────────┐   ┌──────────────┐   │
	│  │  poolState   │   │  poolState   │   │  poolState   │   │
	│  │  pool-a1b2   │   │  pool-c3d4   │   │  pool-e5f6   │   │
	│  │  workers{}   │   │  workers{}   │   │  workers{}   │   │
	│  └──────┬───────┘   └──────┬───────┘   └──────┬───────┘   │
	│         │                  │                  │           │
	│         ▼                  ▼                  ▼           │
	│  ┌─────────────────────────────────────────────────────┐  │
	│  │              provider.Registry                      │  │
	│  │     containerd │ cluster │ simulated                │  │
	│  └─────────────────────────────────────────────────────┘  │
	│                                                           │
	│  persisted to store.Store ── events to events.Broker      │
	└───────────────────────────────────────────────────────────┘

# Locking

Each poolState carries two mutexes with distinct jobs:

  - mu guards the data (pool record and worker map). It is held for
    microseconds and never across a provider call, so heartbeats and
    reads never stall behind slow container operations.
  - scaleMu serializes whole scale operations (ScalePool, DeletePool,
    DrainPool, RemoveWorker). Concurrent scale requests for the same
    pool run one at a time; requests for different pools run in
    parallel.

The Manager's own mu guards only the registry map.

# Scaling

ScalePool moves a pool toward a target size:

  - Targets are clamped to [MinWorkers, MaxWorkers] before comparison,
    so a repeated call with the same target is a no-op.
  - Scale-up checks provider capacity first and creates as many
    workers as fit, in parallel up to the provider's creation limit.
    When capacity stops short of the target the result is Partial and
    names the binding dimension ("CPU limit").
  - Scale-down removes dead weight first (failed, offline), then idle
    Ready workers, then still-provisioning ones. Busy workers survive
    unless force is set; keeping them also yields Partial.

# Dispatch Support

FindBestPoolForJob scores pools against a job's capability
requirements: pools with idle Ready workers score 100 plus 10 per
idle worker, pools that could scale up score 50, ties break on name.
Draining and terminated pools never match. The queue processor uses
the winner to place or trigger scale-up for queued jobs.

# Worker Tracking

Workers report through the hub, which drives the tracking methods:
WorkerRegistered on connect (adopting workers that survived an
orchestrator restart), WorkerHeartbeat for liveness, MarkWorkerBusy
and MarkWorkerReady around job execution, MarkWorkerOffline and
MarkWorkerFailed when sessions die. A worker going idle in a draining
pool is removed immediately.

# Integration Points

This package integrates with:

  - pkg/provider: backend worker creation and deletion
  - pkg/store: pool persistence across restarts (Restore)
  - pkg/events: PoolCreated/PoolDeleted/PoolScaled/WorkerAdded/WorkerRemoved
  - pkg/scheduler: capability matching and availability predicates
  - pkg/coordinator: wires the manager and drives Restore on boot

# See Also

  - pkg/autoscaler for the policy loop that calls ScalePool
  - pkg/hub for the worker sessions that drive tracking
*/
package pool
