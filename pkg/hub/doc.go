/*
Package hub owns the worker channel: every worker holds one persistent
websocket session through which registration, heartbeats, artifact
staging, job dispatch, status updates, output, and control signals all
flow. No other component talks to workers directly.

# Session Lifecycle

A connection becomes a session by sending a Register frame inside the
register window. From there the session moves through a small state
machine driven by heartbeats and the staging pipeline:

	        register                 heartbeat + queue match
	INIT ──────────────► READY ───────────────────────────► STAGING
	                       ▲                                    │
	                       │                     cache verified,│
	                       │                artifacts streamed, │
	                       │                      acks collected│
	                       │                                    ▼
	                       │        JobRequest sent        DISPATCHED
	                       │                                    │
	                       │ terminal status            Running │
	                       │                                    ▼
	                       └────────────────────────────────── BUSY

	any state ────────────► TERMINATED
	  (close, heartbeat timeout, protocol violation, send failure,
	   cancel timeout, replaced by reconnect, shutdown)

Heartbeats arrive on a fixed cadence; a sweeper declares the session
dead after three silent intervals, marks the worker offline, and
disposes any in-flight job. A worker that reconnects replaces its old
session.

# Staging

Dispatch is cache-aware. Before a job runs, each required artifact is
verified against the worker's local cache and transferred only on a
miss:

	hub                                        worker
	 │  CacheQuery(artifact IDs)                 │
	 │ ─────────────────────────────────────────►│
	 │  CacheResponse(per-artifact cached?)      │
	 │ ◄─────────────────────────────────────────│
	 │  ArtifactChunk seq 0..n (misses only)     │
	 │ ─────────────────────────────────────────►│
	 │  ArtifactAck (every artifact, hits too)   │
	 │ ◄─────────────────────────────────────────│
	 │  JobRequest (single dispatch point)       │
	 │ ─────────────────────────────────────────►│

A worker that never answers the cache query is assumed to hold nothing
and receives everything. Chunks are cut at fixed windows, compressed
with the codec negotiated at registration, and sequenced strictly from
zero; the worker acknowledges each artifact after verifying its
checksum. One rejected or missing ack aborts the dispatch and requeues
the job. The JobRequest goes out only after every artifact is
acknowledged, so a worker never starts a job with half its inputs.

# Dispositions

Exactly one path decides each job's final state. A terminal status from
the worker wins normally; otherwise the disposition follows the way the
session died:

  - connection closed or send failed mid-job: job failed and requeued,
    worker removed so the reconciler replaces the instance
  - heartbeat timeout: job failed and requeued, worker marked offline
    but kept for the sweep to sort out
  - protocol violation (bad frame, chunk sequence gap): job failed with
    no retry, worker marked failed
  - cancel unacknowledged within the cancel window: session
    force-closed, job cancelled, worker marked failed
  - cancel during staging: chunk stream stops between windows, job
    cancelled, worker returns to Ready

# Integration Points

This package integrates with:

  - pkg/protocol: wire messages, chunking, compression negotiation
  - pkg/queue: TakeNextFor claims and Requeue retries
  - pkg/pool: worker state tracking and removal
  - pkg/artifact: content-addressed blobs streamed to workers
  - pkg/store: job status persistence
  - pkg/events: JobAssigned/JobStarted/JobCompleted/JobRetried

# See Also

  - pkg/worker for the agent on the other end of the channel
  - pkg/coordinator for the queue processor that drives DispatchNext
*/
package hub
