package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drovekit/drover/pkg/events"
	"github.com/drovekit/drover/pkg/pool"
	"github.com/drovekit/drover/pkg/provider"
	"github.com/drovekit/drover/pkg/queue"
	"github.com/drovekit/drover/pkg/store"
	"github.com/drovekit/drover/pkg/types"
)

const eventWait = 3 * time.Second

func newTestCoordinator(t *testing.T, mutate func(*Config)) *Coordinator {
	t.Helper()

	sim, err := provider.NewSimulatedProvider(provider.SimulatedConfig{})
	require.NoError(t, err)

	cfg := Config{
		DataDir:           t.TempDir(),
		OrchestratorURL:   "http://127.0.0.1:7740",
		Providers:         []provider.Provider{sim},
		ProcessInterval:   20 * time.Millisecond,
		AutoscaleInterval: time.Hour,
		MetricsInterval:   time.Hour,
		ReconcileInterval: time.Hour,
		ShutdownGrace:     2 * time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	c, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, c.Shutdown()) })
	return c
}

func testJob(id string) *types.Job {
	return &types.Job{
		ID:       id,
		Name:     "build",
		Payload:  &types.JobPayload{Command: []string{"echo", "hi"}},
		Priority: types.PriorityNormal,
	}
}

func awaitEvent(t *testing.T, sub events.Subscriber, kind events.EventType) *events.Event {
	t.Helper()
	deadline := time.After(eventWait)
	for {
		select {
		case ev := <-sub:
			if ev.Type == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event within %v", kind, eventWait)
		}
	}
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{Providers: []provider.Provider{}, DataDir: t.TempDir()})
	require.ErrorContains(t, err, "provider")

	sim, err := provider.NewSimulatedProvider(provider.SimulatedConfig{})
	require.NoError(t, err)
	defer sim.Close()

	_, err = New(Config{Providers: []provider.Provider{sim}})
	require.ErrorContains(t, err, "data directory")
}

func TestStartAndShutdownPublishSystemEvents(t *testing.T) {
	c := newTestCoordinator(t, nil)
	sub := c.Broker().Subscribe()

	require.NoError(t, c.Start(context.Background()))
	ev := awaitEvent(t, sub, events.EventSystemStarted)
	assert.NotEmpty(t, ev.ID)

	require.NoError(t, c.Shutdown())
	awaitEvent(t, sub, events.EventSystemStopped)
}

func TestStartTwiceFails(t *testing.T) {
	c := newTestCoordinator(t, nil)
	require.NoError(t, c.Start(context.Background()))
	require.ErrorContains(t, c.Start(context.Background()), "already started")
}

func TestShutdownWithoutStart(t *testing.T) {
	c := newTestCoordinator(t, nil)
	require.NoError(t, c.Shutdown())
	// The cleanup Shutdown is a no-op after this.
}

func TestSubmitJobEnqueuesAndPersists(t *testing.T) {
	c := newTestCoordinator(t, nil)
	sub := c.Broker().SubscribeTypes(events.EventJobQueued)

	result, err := c.SubmitJob(testJob("j-1"))
	require.NoError(t, err)
	require.Equal(t, queue.EnqueueAccepted, result.Outcome)
	assert.Equal(t, 1, result.QueueSize)

	stored, err := c.GetJob("j-1")
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusQueued, stored.Status)
	assert.Equal(t, 1, c.Queue().Len())

	ev := awaitEvent(t, sub, events.EventJobQueued)
	assert.Equal(t, "j-1", ev.JobID)
}

func TestSubmitJobAssignsID(t *testing.T) {
	c := newTestCoordinator(t, nil)

	job := testJob("")
	result, err := c.SubmitJob(job)
	require.NoError(t, err)
	require.Equal(t, queue.EnqueueAccepted, result.Outcome)
	assert.NotEmpty(t, job.ID)
}

func TestSubmitJobRejectsEmptyPayload(t *testing.T) {
	c := newTestCoordinator(t, nil)

	_, err := c.SubmitJob(&types.Job{ID: "j-1", Payload: &types.JobPayload{}})
	require.ErrorContains(t, err, "command or a script")

	_, err = c.SubmitJob(nil)
	require.Error(t, err)
}

func TestSubmitJobRejectsMissingArtifact(t *testing.T) {
	c := newTestCoordinator(t, nil)

	job := testJob("j-1")
	job.RequiredArtifacts = []string{"no-such-artifact"}
	_, err := c.SubmitJob(job)
	require.ErrorContains(t, err, "no-such-artifact")
}

func TestSubmitJobDuplicate(t *testing.T) {
	c := newTestCoordinator(t, nil)

	_, err := c.SubmitJob(testJob("j-1"))
	require.NoError(t, err)

	result, err := c.SubmitJob(testJob("j-1"))
	require.NoError(t, err)
	assert.Equal(t, queue.EnqueueAlreadyQueued, result.Outcome)
}

func TestCancelQueuedJob(t *testing.T) {
	c := newTestCoordinator(t, nil)

	_, err := c.SubmitJob(testJob("j-1"))
	require.NoError(t, err)

	require.NoError(t, c.CancelJob("j-1"))
	assert.Equal(t, 0, c.Queue().Len())

	stored, err := c.GetJob("j-1")
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCancelled, stored.Status)
	require.NotNil(t, stored.Result)
	assert.False(t, stored.Result.Success)
}

func TestCancelJobTerminal(t *testing.T) {
	c := newTestCoordinator(t, nil)

	job := testJob("j-done")
	job.Status = types.JobStatusCompleted
	require.NoError(t, c.Store().CreateJob(job))

	err := c.CancelJob("j-done")
	require.ErrorIs(t, err, ErrJobNotCancellable)
}

func TestCancelJobUnknown(t *testing.T) {
	c := newTestCoordinator(t, nil)
	err := c.CancelJob("nope")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestListJobsByStatus(t *testing.T) {
	c := newTestCoordinator(t, nil)

	_, err := c.SubmitJob(testJob("j-1"))
	require.NoError(t, err)
	_, err = c.SubmitJob(testJob("j-2"))
	require.NoError(t, err)

	all, err := c.ListJobs("")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	queued, err := c.ListJobs(types.JobStatusQueued)
	require.NoError(t, err)
	assert.Len(t, queued, 2)

	running, err := c.ListJobs(types.JobStatusRunning)
	require.NoError(t, err)
	assert.Empty(t, running)
}

func TestFailExpiredMarksJobsFailed(t *testing.T) {
	c := newTestCoordinator(t, func(cfg *Config) {
		cfg.FailExpired = true
	})

	job := testJob("j-late")
	job.Deadline = time.Now().Add(-time.Minute)
	_, err := c.SubmitJob(job)
	require.NoError(t, err)

	c.failExpired()

	assert.Equal(t, 0, c.Queue().Len())
	stored, err := c.GetJob("j-late")
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusFailed, stored.Status)
	require.NotNil(t, stored.Result)
	assert.Contains(t, stored.Result.Error, "deadline exceeded")
}

func TestWorkerTokenMintedForProvisioning(t *testing.T) {
	c := newTestCoordinator(t, nil)

	jt := c.WorkerToken()
	require.NotNil(t, jt)
	assert.Len(t, jt.Token, 64)

	role, err := c.Tokens().ValidateToken(jt.Token)
	require.NoError(t, err)
	assert.Equal(t, RoleWorker, role)
}

func TestSystemMetricsSnapshot(t *testing.T) {
	c := newTestCoordinator(t, nil)

	_, err := c.SubmitJob(testJob("j-1"))
	require.NoError(t, err)

	created := c.Pools().CreatePool(context.Background(), &types.PoolSpec{
		Name:     "workers",
		Provider: "simulated",
		Template: &types.WorkerTemplate{
			Name:  "worker",
			Image: "alpine:3.20",
			Resources: types.ResourceRequests{
				CPU:    "250m",
				Memory: "128Mi",
			},
		},
		Policy: types.ScalingPolicy{MinWorkers: 0, MaxWorkers: 2},
	})
	require.Equal(t, pool.CreateOutcomeCreated, created.Outcome)

	sm := c.SystemMetrics()
	assert.Equal(t, 1, sm.QueuedJobs)
	assert.Equal(t, 0, sm.RunningJobs)
	assert.Equal(t, 1, sm.TotalPools)
	assert.Equal(t, 0, sm.ActiveSessions)
	assert.False(t, sm.CollectedAt.IsZero())
}
