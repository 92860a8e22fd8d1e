/*
Package queue implements the priority job queue.

Jobs wait here between submission and dispatch. The queue maintains
strict (priority descending, enqueue time ascending) order, deduplicates
by job ID, enforces a capacity bound, and tracks retry budgets for jobs
that come back after a failed dispatch or execution.

# Operations

  - Enqueue: admit a job; returns a tagged result (accepted, queue-full,
    already-queued, invalid) so callers see exactly why admission failed
  - Dequeue: idempotent removal by ID
  - PeekNextFor / TakeNextFor: find the next job at least one candidate
    worker can run; Take claims it atomically under the queue lock so
    concurrent sessions cannot double-dispatch
  - Requeue: charge one retry and re-admit, refusing once the job's
    ceiling (per-job MaxRetries or the queue default of 3) is reached
  - Stats: depth, per-priority counts, oldest/average wait, expired count

# Deadlines

A job with a deadline in the past is never selected for dispatch. By
default it stays queued and is only counted in Stats().Expired; with
FailExpired set, PurgeExpired removes and returns expired entries so
the coordinator can mark them failed.

# Integration Points

  - pkg/coordinator enqueues submissions and runs the dispatch loop
  - pkg/hub claims jobs via TakeNextFor on worker heartbeats
  - pkg/autoscaler reads Stats for queue-pressure signals
*/
package queue
