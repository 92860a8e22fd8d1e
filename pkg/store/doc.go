/*
Package store provides bbolt-backed persistence for Drover's control-plane state.

The store package implements the Store interface using bbolt as the underlying
database, giving ACID transactions for jobs, pools, and artifact metadata. All
records are serialized as JSON and kept in separate buckets.

# Architecture

	┌────────────────────── BOLT STORE ────────────────────────┐
	│                                                           │
	│  ┌────────────────────────────────────────────┐           │
	│  │            BoltStore                       │           │
	│  │  - File: <dataDir>/drover.db               │           │
	│  │  - Format: B+tree with MVCC                │           │
	│  │  - Transactions: ACID with fsync           │           │
	│  └──────────────────┬─────────────────────────┘           │
	│                     │                                     │
	│  ┌──────────────────▼─────────────────────────┐           │
	│  │              Bucket Structure              │           │
	│  │  ┌────────────────────────────┐            │           │
	│  │  │ jobs          (Job ID)     │            │           │
	│  │  │ pools         (Pool ID)    │            │           │
	│  │  │ artifacts     (Artifact ID)│            │           │
	│  │  │ meta          (fixed keys) │            │           │
	│  │  └────────────────────────────┘            │           │
	│  └──────────────────┬─────────────────────────┘           │
	│                     │                                     │
	│  ┌──────────────────▼─────────────────────────┐           │
	│  │          JSON Serialization                │           │
	│  │  - Marshal: Go struct → JSON bytes         │           │
	│  │  - Unmarshal: JSON bytes → Go struct       │           │
	│  └────────────────────────────────────────────┘           │
	└───────────────────────────────────────────────────────────┘

# Core Components

BoltStore:
  - Implements Store using bbolt
  - Single database file per orchestrator
  - Automatic bucket creation on initialization
  - Thread-safe via bbolt's transaction model

Buckets:
  - jobs: Job definitions, status, and results
  - pools: Worker pool specs and scaling policy
  - artifacts: Artifact metadata (blob bytes live in pkg/artifact)
  - meta: Schema version and other fixed keys

Transaction Model:
  - Read transactions: db.View() - concurrent, consistent snapshots
  - Write transactions: db.Update() - serialized, atomic commits
  - Durability: fsync on commit ensures crash recovery

# Usage

Creating a store:

	st, err := store.NewBoltStore("/var/lib/drover")
	if err != nil {
		log.Fatal(err)
	}
	defer st.Close()

Job operations:

	job := &types.Job{
		ID:       "job-abc123",
		Name:     "build-frontend",
		Priority: types.PriorityHigh,
		Status:   types.JobStatusQueued,
	}
	err := st.CreateJob(job)

	job, err := st.GetJob("job-abc123")
	jobs, err := st.ListJobsByStatus(types.JobStatusRunning)

	job.Status = types.JobStatusCompleted
	err = st.UpdateJob(job)

Pool operations:

	pool, err := st.GetPoolByName("linux-builders")
	pools, err := st.ListPools()

# Design Patterns

Upsert Pattern:
  - Create and Update share the same Put
  - No separate "exists" check needed
  - Atomic replacement

Idempotent Deletes:
  - Delete returns no error if the key is absent
  - Safe to call multiple times

Not-Found Errors:
  - Get operations wrap ErrNotFound, check with errors.Is

Filter Pattern:
  - List all, filter in memory (ListJobsByStatus, GetPoolByName)
  - Simple and adequate for control-plane dataset sizes

# Integration Points

This package integrates with:

  - pkg/coordinator: owns the store lifecycle
  - pkg/pool: persists pool specs and status
  - pkg/queue: jobs are persisted before enqueue
  - pkg/artifact: artifact metadata index
  - pkg/types: all entity definitions

# See Also

  - pkg/types for entity definitions
  - pkg/artifact for content-addressed blob storage
  - bbolt documentation: https://github.com/etcd-io/bbolt
*/
package store
