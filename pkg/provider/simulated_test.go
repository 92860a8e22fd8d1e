package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drovekit/drover/pkg/types"
)

func newSimulated(t *testing.T, cfg SimulatedConfig) *SimulatedProvider {
	t.Helper()
	p, err := NewSimulatedProvider(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func TestSimulatedCreateAndDelete(t *testing.T) {
	p := newSimulated(t, SimulatedConfig{})
	ctx := context.Background()

	result := p.CreateWorker(ctx, validTemplate(), "pool-1")
	require.Equal(t, CreateOutcomeCreated, result.Outcome)
	require.NotNil(t, result.Worker)
	assert.Equal(t, "pool-1", result.Worker.PoolID)
	assert.Equal(t, types.WorkerStatusProvisioning, result.Worker.Status)

	status, err := p.GetWorkerStatus(ctx, result.Worker.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkerStatusReady, status)

	del := p.DeleteWorker(ctx, result.Worker.ID)
	assert.Equal(t, DeleteOutcomeDeleted, del.Outcome)

	// Deleting again reports not-found, which callers fold into success.
	del = p.DeleteWorker(ctx, result.Worker.ID)
	assert.Equal(t, DeleteOutcomeNotFound, del.Outcome)
}

func TestSimulatedInvalidTemplate(t *testing.T) {
	p := newSimulated(t, SimulatedConfig{})

	tmpl := validTemplate()
	tmpl.Image = ""
	result := p.CreateWorker(context.Background(), tmpl, "pool-1")
	assert.Equal(t, CreateOutcomeInvalidTemplate, result.Outcome)
	assert.NotEmpty(t, result.ValidationErrors)
}

func TestSimulatedInsufficientResources(t *testing.T) {
	p := newSimulated(t, SimulatedConfig{TotalCPU: "1", TotalMemory: "1Gi"})
	ctx := context.Background()

	tmpl := validTemplate()
	tmpl.Resources.CPU = "800m"
	tmpl.Resources.Memory = "512Mi"

	first := p.CreateWorker(ctx, tmpl, "pool-1")
	require.Equal(t, CreateOutcomeCreated, first.Outcome)

	second := p.CreateWorker(ctx, tmpl, "pool-1")
	require.Equal(t, CreateOutcomeInsufficientResources, second.Outcome)
	require.NotNil(t, second.Required)
	require.NotNil(t, second.Available)
	assert.Equal(t, int64(800), second.Required.CPUMillis)
	assert.Equal(t, int64(200), second.Available.AvailableCPU)

	// Capacity frees up after deletion.
	del := p.DeleteWorker(ctx, first.Worker.ID)
	require.Equal(t, DeleteOutcomeDeleted, del.Outcome)

	third := p.CreateWorker(ctx, tmpl, "pool-1")
	assert.Equal(t, CreateOutcomeCreated, third.Outcome)
}

func TestSimulatedCreationDelayHonorsContext(t *testing.T) {
	p := newSimulated(t, SimulatedConfig{CreationDelay: time.Minute})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	result := p.CreateWorker(ctx, validTemplate(), "pool-1")
	require.Equal(t, CreateOutcomeFailed, result.Outcome)
	assert.ErrorIs(t, result.Err, context.DeadlineExceeded)

	// The aborted create must not leak its reservation.
	avail, err := p.GetResourceAvailability(context.Background())
	require.NoError(t, err)
	assert.Equal(t, avail.TotalCPUMillis, avail.AvailableCPU)
}

func TestSimulatedListWorkersScopedToPool(t *testing.T) {
	p := newSimulated(t, SimulatedConfig{})
	ctx := context.Background()

	for _, poolID := range []string{"pool-a", "pool-a", "pool-b"} {
		result := p.CreateWorker(ctx, validTemplate(), poolID)
		require.Equal(t, CreateOutcomeCreated, result.Outcome)
	}

	all, err := p.ListWorkers(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	scoped, err := p.ListWorkers(ctx, "pool-a")
	require.NoError(t, err)
	assert.Len(t, scoped, 2)
}

func TestSimulatedEventStream(t *testing.T) {
	p := newSimulated(t, SimulatedConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := p.WatchWorkerEvents(ctx)
	require.NoError(t, err)

	result := p.CreateWorker(ctx, validTemplate(), "pool-1")
	require.Equal(t, CreateOutcomeCreated, result.Outcome)

	select {
	case event := <-events:
		assert.Equal(t, WorkerEventCreated, event.Type)
		assert.Equal(t, result.Worker.ID, event.WorkerID)
		assert.Equal(t, "pool-1", event.PoolID)
	case <-time.After(time.Second):
		t.Fatal("no created event")
	}

	require.NoError(t, p.MarkWorkerStatus(result.Worker.ID, types.WorkerStatusFailed))

	select {
	case event := <-events:
		assert.Equal(t, WorkerEventFailed, event.Type)
	case <-time.After(time.Second):
		t.Fatal("no failed event")
	}

	cancel()
	select {
	case _, open := <-events:
		assert.False(t, open, "stream should close on cancel")
	case <-time.After(time.Second):
		t.Fatal("stream did not close")
	}
}

func TestSimulatedSetCreateError(t *testing.T) {
	p := newSimulated(t, SimulatedConfig{})
	forced := errors.New("backend exploded")

	p.SetCreateError(forced)
	result := p.CreateWorker(context.Background(), validTemplate(), "pool-1")
	require.Equal(t, CreateOutcomeFailed, result.Outcome)
	assert.ErrorIs(t, result.Err, forced)

	p.SetCreateError(nil)
	result = p.CreateWorker(context.Background(), validTemplate(), "pool-1")
	assert.Equal(t, CreateOutcomeCreated, result.Outcome)
}

func TestSimulatedHealthAndClose(t *testing.T) {
	p := newSimulated(t, SimulatedConfig{})
	require.NoError(t, p.HealthCheck(context.Background()))

	require.NoError(t, p.Close())
	assert.Error(t, p.HealthCheck(context.Background()))
}

func TestRegistry(t *testing.T) {
	sim := newSimulated(t, SimulatedConfig{Name: "sim-a"})
	other := newSimulated(t, SimulatedConfig{Name: "sim-b"})

	registry := NewRegistry(sim, other)

	got, ok := registry.Get("sim-a")
	require.True(t, ok)
	assert.Equal(t, "sim-a", got.Name())

	_, ok = registry.Get("missing")
	assert.False(t, ok)

	assert.ElementsMatch(t, []string{"sim-a", "sim-b"}, registry.Names())
	assert.Len(t, registry.All(), 2)
	assert.NoError(t, registry.Close())
}
