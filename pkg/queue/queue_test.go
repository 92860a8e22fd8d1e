package queue

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drovekit/drover/pkg/types"
)

func testJob(id string, priority types.JobPriority) *types.Job {
	return &types.Job{
		ID:       id,
		Name:     "job-" + id,
		Priority: priority,
		Payload:  &types.JobPayload{Command: []string{"true"}},
	}
}

func readyWorker(id string, caps map[string]string) *types.Worker {
	return &types.Worker{ID: id, Status: types.WorkerStatusReady, Capabilities: caps}
}

// TestEnqueueDequeue tests admission and idempotent removal
func TestEnqueueDequeue(t *testing.T) {
	q := New(Config{})

	res := q.Enqueue(testJob("j-1", types.PriorityNormal))
	require.Equal(t, EnqueueAccepted, res.Outcome)
	assert.Equal(t, 1, res.QueueSize)
	assert.Equal(t, types.JobStatusQueued, q.Get("j-1").Job.Status)

	entry := q.Dequeue("j-1")
	require.NotNil(t, entry)
	assert.Equal(t, "j-1", entry.Job.ID)
	assert.Equal(t, 0, q.Len())

	// Second removal is a no-op.
	assert.Nil(t, q.Dequeue("j-1"))
}

// TestEnqueueDuplicate tests dedup by job ID
func TestEnqueueDuplicate(t *testing.T) {
	q := New(Config{})

	require.Equal(t, EnqueueAccepted, q.Enqueue(testJob("j-1", types.PriorityNormal)).Outcome)
	res := q.Enqueue(testJob("j-1", types.PriorityHigh))
	assert.Equal(t, EnqueueAlreadyQueued, res.Outcome)
	assert.Equal(t, 1, q.Len())
}

// TestEnqueueQueueFull tests the capacity boundary
func TestEnqueueQueueFull(t *testing.T) {
	q := New(Config{MaxSize: 3})

	for i := 0; i < 3; i++ {
		res := q.Enqueue(testJob(fmt.Sprintf("j-%d", i), types.PriorityNormal))
		require.Equal(t, EnqueueAccepted, res.Outcome)
	}

	// The (maxSize+1)-th enqueue is rejected and the queue is unchanged.
	res := q.Enqueue(testJob("j-overflow", types.PriorityCritical))
	assert.Equal(t, EnqueueQueueFull, res.Outcome)
	assert.Equal(t, 3, q.Len())
	assert.Nil(t, q.Get("j-overflow"))
}

// TestEnqueueInvalid tests requirement key validation
func TestEnqueueInvalid(t *testing.T) {
	q := New(Config{})

	job := testJob("j-1", types.PriorityNormal)
	job.Requirements = map[string]string{"": "true"}
	res := q.Enqueue(job)
	assert.Equal(t, EnqueueInvalid, res.Outcome)
	assert.NotEmpty(t, res.Reason)

	assert.Equal(t, EnqueueInvalid, q.Enqueue(nil).Outcome)
	assert.Equal(t, EnqueueInvalid, q.Enqueue(&types.Job{}).Outcome)
}

// TestConcurrentDuplicateEnqueue tests that exactly one of N identical
// enqueues is accepted
func TestConcurrentDuplicateEnqueue(t *testing.T) {
	q := New(Config{})

	const n = 32
	outcomes := make([]EnqueueOutcome, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i] = q.Enqueue(testJob("j-dup", types.PriorityNormal)).Outcome
		}(i)
	}
	wg.Wait()

	accepted, duplicate := 0, 0
	for _, o := range outcomes {
		switch o {
		case EnqueueAccepted:
			accepted++
		case EnqueueAlreadyQueued:
			duplicate++
		}
	}
	assert.Equal(t, 1, accepted)
	assert.Equal(t, n-1, duplicate)
	assert.Equal(t, 1, q.Len())
}

// TestDispatchOrder tests (priority desc, enqueueTime asc) ordering
func TestDispatchOrder(t *testing.T) {
	now := time.Now()
	clock := now
	q := New(Config{Clock: func() time.Time {
		clock = clock.Add(time.Millisecond)
		return clock
	}})

	q.Enqueue(testJob("low", types.PriorityLow))
	q.Enqueue(testJob("normal-1", types.PriorityNormal))
	q.Enqueue(testJob("critical", types.PriorityCritical))
	q.Enqueue(testJob("normal-2", types.PriorityNormal))
	q.Enqueue(testJob("high", types.PriorityHigh))

	workers := []*types.Worker{readyWorker("w-1", nil)}

	var order []string
	for {
		entry := q.TakeNextFor(workers)
		if entry == nil {
			break
		}
		order = append(order, entry.Job.ID)
	}

	assert.Equal(t, []string{"critical", "high", "normal-1", "normal-2", "low"}, order)
}

// TestPeekNextForRequirements tests capability-aware selection
func TestPeekNextForRequirements(t *testing.T) {
	q := New(Config{})

	build := testJob("j-build", types.PriorityHigh)
	build.Requirements = map[string]string{"build": "true"}
	q.Enqueue(build)

	deploy := testJob("j-deploy", types.PriorityNormal)
	deploy.Requirements = map[string]string{"deploy": "true"}
	q.Enqueue(deploy)

	// Only a deploy-capable worker is available: the high-priority
	// build job is passed over.
	deployWorker := []*types.Worker{readyWorker("w-1", map[string]string{"deploy": "true"})}
	entry := q.PeekNextFor(deployWorker)
	require.NotNil(t, entry)
	assert.Equal(t, "j-deploy", entry.Job.ID)

	// Peek does not remove.
	assert.Equal(t, 2, q.Len())

	// A busy worker is not a candidate.
	busy := &types.Worker{ID: "w-2", Status: types.WorkerStatusBusy, ActiveJobs: 1,
		Capabilities: map[string]string{"build": "true"}}
	assert.Nil(t, q.PeekNextFor([]*types.Worker{busy}))

	assert.Nil(t, q.PeekNextFor(nil))
}

// TestExpiredJobsSkippedAndCounted tests deadline handling
func TestExpiredJobsSkippedAndCounted(t *testing.T) {
	now := time.Now()
	q := New(Config{Clock: func() time.Time { return now }})

	stale := testJob("j-stale", types.PriorityCritical)
	stale.Deadline = now.Add(-time.Minute)
	q.Enqueue(stale)

	fresh := testJob("j-fresh", types.PriorityLow)
	q.Enqueue(fresh)

	// The expired critical job is skipped in favor of the live one.
	entry := q.PeekNextFor([]*types.Worker{readyWorker("w-1", nil)})
	require.NotNil(t, entry)
	assert.Equal(t, "j-fresh", entry.Job.ID)

	stats := q.Stats()
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.Expired)

	// Default policy keeps expired jobs queued.
	assert.Nil(t, q.PurgeExpired())
	assert.Equal(t, 2, q.Len())
}

// TestPurgeExpiredWhenConfigured tests the fail-expired policy
func TestPurgeExpiredWhenConfigured(t *testing.T) {
	now := time.Now()
	q := New(Config{FailExpired: true, Clock: func() time.Time { return now }})

	stale := testJob("j-stale", types.PriorityNormal)
	stale.Deadline = now.Add(-time.Second)
	q.Enqueue(stale)
	q.Enqueue(testJob("j-fresh", types.PriorityNormal))

	purged := q.PurgeExpired()
	require.Len(t, purged, 1)
	assert.Equal(t, "j-stale", purged[0].Job.ID)
	assert.Equal(t, 1, q.Len())
}

// TestRequeueCeiling tests retry accounting against the ceiling
func TestRequeueCeiling(t *testing.T) {
	q := New(Config{MaxRetries: 2})

	q.Enqueue(testJob("j-1", types.PriorityNormal))
	entry := q.Dequeue("j-1")
	require.NotNil(t, entry)

	assert.True(t, q.Requeue(entry))
	assert.Equal(t, 1, entry.RetryCount)

	entry = q.Dequeue("j-1")
	assert.True(t, q.Requeue(entry))
	assert.Equal(t, 2, entry.RetryCount)

	// Ceiling reached: the third requeue is refused.
	entry = q.Dequeue("j-1")
	assert.False(t, q.Requeue(entry))
	assert.Equal(t, 0, q.Len())
}

// TestRequeuePerJobOverride tests a job-specific retry ceiling
func TestRequeuePerJobOverride(t *testing.T) {
	q := New(Config{MaxRetries: 5})

	job := testJob("j-1", types.PriorityNormal)
	job.MaxRetries = 1
	q.Enqueue(job)

	entry := q.Dequeue("j-1")
	assert.True(t, q.Requeue(entry))

	entry = q.Dequeue("j-1")
	assert.False(t, q.Requeue(entry))
}

// TestStatsWaitTimes tests oldest and average wait computation
func TestStatsWaitTimes(t *testing.T) {
	base := time.Now()
	current := base
	q := New(Config{Clock: func() time.Time { return current }})

	q.Enqueue(testJob("j-1", types.PriorityNormal))
	current = base.Add(10 * time.Second)
	q.Enqueue(testJob("j-2", types.PriorityNormal))
	current = base.Add(20 * time.Second)

	stats := q.Stats()
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 20*time.Second, stats.OldestWait)
	assert.Equal(t, 15*time.Second, stats.AverageWait)
	assert.Equal(t, 2, stats.PerPriority[types.PriorityNormal])
}

// TestMatchingCount tests queue-pressure attribution by capability set
func TestMatchingCount(t *testing.T) {
	base := time.Now()
	current := base
	q := New(Config{Clock: func() time.Time { return current }})

	build := testJob("j-build", types.PriorityNormal)
	build.Requirements = map[string]string{"build": "true"}
	q.Enqueue(build)

	gpu := testJob("j-gpu", types.PriorityNormal)
	gpu.Requirements = map[string]string{"gpu": "true"}
	q.Enqueue(gpu)

	expiring := testJob("j-late", types.PriorityNormal)
	expiring.Requirements = map[string]string{"build": "true"}
	expiring.Deadline = base.Add(time.Minute)
	q.Enqueue(expiring)

	builders := map[string]string{"build": "true", "os": "linux"}
	assert.Equal(t, 2, q.MatchingCount(builders))
	assert.Equal(t, 0, q.MatchingCount(map[string]string{"deploy": "true"}))

	// Past their deadline, expired jobs stop counting as pressure.
	current = base.Add(2 * time.Minute)
	assert.Equal(t, 1, q.MatchingCount(builders))
}
