package queue

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/drovekit/drover/pkg/log"
	"github.com/drovekit/drover/pkg/scheduler"
	"github.com/drovekit/drover/pkg/types"
)

const (
	// DefaultMaxSize caps the number of queued jobs.
	DefaultMaxSize = 1000

	// DefaultMaxRetries bounds requeues for jobs that do not carry
	// their own ceiling.
	DefaultMaxRetries = 3
)

// Config tunes queue behavior.
type Config struct {
	// MaxSize is the queue capacity; enqueues beyond it are rejected.
	MaxSize int

	// MaxRetries is the default requeue ceiling per job.
	MaxRetries int

	// FailExpired controls whether PurgeExpired removes jobs whose
	// deadline has passed. When false (the default) expired jobs stay
	// queued, are skipped for dispatch, and are only counted in stats.
	FailExpired bool

	// Clock overrides time.Now for deterministic tests.
	Clock func() time.Time
}

// EnqueueOutcome discriminates EnqueueResult variants.
type EnqueueOutcome string

const (
	EnqueueAccepted      EnqueueOutcome = "accepted"
	EnqueueQueueFull     EnqueueOutcome = "queue-full"
	EnqueueAlreadyQueued EnqueueOutcome = "already-queued"
	EnqueueInvalid       EnqueueOutcome = "invalid"
)

// EnqueueResult is the tagged result of Enqueue.
type EnqueueResult struct {
	Outcome   EnqueueOutcome
	QueueSize int    // set when Outcome == accepted
	Reason    string // set when Outcome == invalid
}

// Stats is a point-in-time queue snapshot.
type Stats struct {
	Total       int
	PerPriority map[types.JobPriority]int
	OldestWait  time.Duration
	AverageWait time.Duration
	Expired     int
}

// Queue holds submitted jobs in (priority desc, enqueuedAt asc) order
// with deduplication by job ID. All operations are safe for concurrent
// use; ordering across concurrent enqueues is serialized by the queue
// mutex.
type Queue struct {
	mu      sync.Mutex
	entries []*types.QueuedJob          // maintained in dispatch order
	byID    map[string]*types.QueuedJob // dedup index

	maxSize     int
	maxRetries  int
	failExpired bool
	now         func() time.Time
	logger      zerolog.Logger
}

// New creates an empty queue.
func New(cfg Config) *Queue {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Queue{
		byID:        make(map[string]*types.QueuedJob),
		maxSize:     cfg.MaxSize,
		maxRetries:  cfg.MaxRetries,
		failExpired: cfg.FailExpired,
		now:         cfg.Clock,
		logger:      log.WithComponent("queue"),
	}
}

// Enqueue admits a job. The job carries its own priority, capability
// requirements, and optional deadline. Duplicate IDs, a full queue, and
// empty requirement keys are rejected with the matching outcome.
func (q *Queue) Enqueue(job *types.Job) *EnqueueResult {
	if job == nil || job.ID == "" {
		return &EnqueueResult{Outcome: EnqueueInvalid, Reason: "job ID is required"}
	}
	for key := range job.Requirements {
		if key == "" {
			return &EnqueueResult{Outcome: EnqueueInvalid, Reason: "capability requirement keys must be non-empty"}
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.byID[job.ID]; exists {
		return &EnqueueResult{Outcome: EnqueueAlreadyQueued}
	}
	if len(q.entries) >= q.maxSize {
		return &EnqueueResult{Outcome: EnqueueQueueFull}
	}

	now := q.now()
	job.Status = types.JobStatusQueued
	job.UpdatedAt = now
	entry := &types.QueuedJob{Job: job, EnqueuedAt: now}
	q.insert(entry)

	q.logger.Debug().
		Str("job_id", job.ID).
		Str("priority", job.Priority.String()).
		Int("queue_size", len(q.entries)).
		Msg("Job enqueued")

	return &EnqueueResult{Outcome: EnqueueAccepted, QueueSize: len(q.entries)}
}

// Dequeue removes a job by ID and returns its entry. Removing an
// absent job is a no-op returning nil, so removal is idempotent.
func (q *Queue) Dequeue(jobID string) *types.QueuedJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.remove(jobID)
}

// PeekNextFor returns the highest-priority job whose requirements are
// satisfied by at least one candidate worker, without removing it.
// Ties within a priority go to the earliest enqueue. Expired jobs are
// skipped. Returns nil when nothing matches.
func (q *Queue) PeekNextFor(candidates []*types.Worker) *types.QueuedJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.scan(candidates)
}

// TakeNextFor atomically selects and removes the next job one of the
// candidates can run. This is the dispatch path: selection and claim
// under one lock so two sessions cannot claim the same job.
func (q *Queue) TakeNextFor(candidates []*types.Worker) *types.QueuedJob {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry := q.scan(candidates)
	if entry == nil {
		return nil
	}
	return q.remove(entry.Job.ID)
}

// scan walks entries in dispatch order. Caller holds the lock.
func (q *Queue) scan(candidates []*types.Worker) *types.QueuedJob {
	if len(candidates) == 0 {
		return nil
	}
	now := q.now()
	for _, entry := range q.entries {
		if expired(entry.Job, now) {
			continue
		}
		for _, w := range candidates {
			if !scheduler.Available(w) {
				continue
			}
			if scheduler.Satisfies(w.Capabilities, entry.Job.Requirements) {
				return entry
			}
		}
	}
	return nil
}

// Requeue re-admits a job after a failed dispatch or execution,
// charging one retry. It returns false once the job's retry ceiling is
// reached, leaving the job out of the queue; the caller owns the
// terminal transition.
func (q *Queue) Requeue(entry *types.QueuedJob) bool {
	if entry == nil || entry.Job == nil {
		return false
	}

	limit := entry.Job.MaxRetries
	if limit <= 0 {
		limit = q.maxRetries
	}
	if entry.RetryCount >= limit {
		return false
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.byID[entry.Job.ID]; exists {
		return true // already back in the queue
	}
	if len(q.entries) >= q.maxSize {
		return false
	}

	now := q.now()
	entry.RetryCount++
	entry.EnqueuedAt = now // retries join the back of their priority class
	entry.Job.Status = types.JobStatusQueued
	entry.Job.UpdatedAt = now
	q.insert(entry)

	q.logger.Info().
		Str("job_id", entry.Job.ID).
		Int("retry", entry.RetryCount).
		Msg("Job requeued")

	return true
}

// PurgeExpired removes and returns expired entries when the queue is
// configured to fail them; otherwise it returns nil and leaves the
// queue untouched.
func (q *Queue) PurgeExpired() []*types.QueuedJob {
	if !q.failExpired {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var purged []*types.QueuedJob
	kept := q.entries[:0]
	for _, entry := range q.entries {
		if expired(entry.Job, now) {
			delete(q.byID, entry.Job.ID)
			purged = append(purged, entry)
			continue
		}
		kept = append(kept, entry)
	}
	q.entries = kept
	return purged
}

// Get returns the queued entry for a job ID, or nil.
func (q *Queue) Get(jobID string) *types.QueuedJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.byID[jobID]
}

// MatchingCount reports how many non-expired queued jobs the given
// capability set could serve. The autoscaler uses it to attribute
// queue pressure to a pool.
func (q *Queue) MatchingCount(capabilities map[string]string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	count := 0
	for _, entry := range q.entries {
		if expired(entry.Job, now) {
			continue
		}
		if scheduler.Satisfies(capabilities, entry.Job.Requirements) {
			count++
		}
	}
	return count
}

// Len returns the number of queued jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Stats snapshots queue depth, per-priority counts, wait times, and the
// expired count.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := Stats{
		Total:       len(q.entries),
		PerPriority: make(map[types.JobPriority]int),
	}

	now := q.now()
	var totalWait time.Duration
	for _, entry := range q.entries {
		stats.PerPriority[entry.Job.Priority]++
		wait := now.Sub(entry.EnqueuedAt)
		totalWait += wait
		if wait > stats.OldestWait {
			stats.OldestWait = wait
		}
		if expired(entry.Job, now) {
			stats.Expired++
		}
	}
	if len(q.entries) > 0 {
		stats.AverageWait = totalWait / time.Duration(len(q.entries))
	}
	return stats
}

// insert places an entry at its dispatch position. Caller holds the lock.
func (q *Queue) insert(entry *types.QueuedJob) {
	idx := sort.Search(len(q.entries), func(i int) bool {
		return dispatchOrder(entry, q.entries[i])
	})
	q.entries = append(q.entries, nil)
	copy(q.entries[idx+1:], q.entries[idx:])
	q.entries[idx] = entry
	q.byID[entry.Job.ID] = entry
}

// remove deletes by ID and returns the entry, nil if absent. Caller
// holds the lock.
func (q *Queue) remove(jobID string) *types.QueuedJob {
	entry, exists := q.byID[jobID]
	if !exists {
		return nil
	}
	delete(q.byID, jobID)
	for i, e := range q.entries {
		if e.Job.ID == jobID {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			break
		}
	}
	return entry
}

// dispatchOrder reports whether a should dispatch before b:
// priority descending, then enqueue time ascending.
func dispatchOrder(a, b *types.QueuedJob) bool {
	if a.Job.Priority != b.Job.Priority {
		return a.Job.Priority > b.Job.Priority
	}
	return a.EnqueuedAt.Before(b.EnqueuedAt)
}

func expired(job *types.Job, now time.Time) bool {
	return !job.Deadline.IsZero() && now.After(job.Deadline)
}
