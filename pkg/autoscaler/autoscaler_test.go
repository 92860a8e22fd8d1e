package autoscaler

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drovekit/drover/pkg/monitor"
	"github.com/drovekit/drover/pkg/pool"
	"github.com/drovekit/drover/pkg/provider"
	"github.com/drovekit/drover/pkg/queue"
	"github.com/drovekit/drover/pkg/store"
	"github.com/drovekit/drover/pkg/types"
)

type fixture struct {
	scaler *Scaler
	queue  *queue.Queue
	pools  *pool.Manager
	sim    *provider.SimulatedProvider
	poolID string
}

func poolSpec(min, max int) *types.PoolSpec {
	return &types.PoolSpec{
		Name:     "builders",
		Provider: "simulated",
		Template: &types.WorkerTemplate{
			Name:  "builder",
			Image: "alpine:3.20",
			Resources: types.ResourceRequests{
				CPU:    "500m",
				Memory: "256Mi",
			},
			Capabilities: map[string]string{"build": "true", "os": "linux"},
		},
		Policy: types.ScalingPolicy{MinWorkers: min, MaxWorkers: max},
	}
}

func newFixture(t *testing.T, simCfg provider.SimulatedConfig, spec *types.PoolSpec, withMonitor bool) *fixture {
	t.Helper()

	simCfg.Name = "simulated"
	sim, err := provider.NewSimulatedProvider(simCfg)
	require.NoError(t, err)
	t.Cleanup(func() { sim.Close() })

	st, err := store.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	registry := provider.NewRegistry(sim)
	pools := pool.NewManager(pool.Config{Store: st, Providers: registry})

	created := pools.CreatePool(context.Background(), spec)
	require.Equal(t, pool.CreateOutcomeCreated, created.Outcome)

	var mon *monitor.Monitor
	if withMonitor {
		mon = monitor.New(monitor.Config{Providers: registry})
		mon.Probe(context.Background())
	}

	q := queue.New(queue.Config{})
	return &fixture{
		scaler: New(Config{Queue: q, Pools: pools, Monitor: mon}),
		queue:  q,
		pools:  pools,
		sim:    sim,
		poolID: created.Pool.ID,
	}
}

func (f *fixture) markAllReady(t *testing.T) []string {
	t.Helper()
	var ids []string
	for _, w := range f.pools.ListWorkers(f.poolID) {
		require.NoError(t, f.pools.WorkerHeartbeat(w.ID, types.WorkerStatusReady, 0))
		ids = append(ids, w.ID)
	}
	return ids
}

func (f *fixture) enqueueBuildJobs(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		job := &types.Job{
			ID:           fmt.Sprintf("j-%d", i),
			Name:         fmt.Sprintf("build-%d", i),
			Priority:     types.PriorityNormal,
			Requirements: map[string]string{"build": "true"},
			Payload:      &types.JobPayload{Command: []string{"make"}},
		}
		require.Equal(t, queue.EnqueueAccepted, f.queue.Enqueue(job).Outcome)
	}
}

func evaluationFor(t *testing.T, evaluations []*Evaluation, poolID string) *Evaluation {
	t.Helper()
	for _, e := range evaluations {
		if e.PoolID == poolID {
			return e
		}
	}
	t.Fatalf("no evaluation for pool %s", poolID)
	return nil
}

func TestQueuePressureScalesToMax(t *testing.T) {
	f := newFixture(t, provider.SimulatedConfig{}, poolSpec(1, 5), false)
	f.markAllReady(t)

	// A burst far beyond capacity recommends the maximum in one pass.
	f.enqueueBuildJobs(t, 10)

	evaluation := evaluationFor(t, f.scaler.Evaluate(), f.poolID)
	assert.Equal(t, ActionScaleUp, evaluation.Action)
	assert.Equal(t, 1, evaluation.CurrentSize)
	assert.Equal(t, 5, evaluation.Recommended)
	assert.Equal(t, 1.0, evaluation.Confidence)
}

func TestIdleCapacityAbsorbsPressure(t *testing.T) {
	f := newFixture(t, provider.SimulatedConfig{}, poolSpec(2, 5), false)
	f.markAllReady(t)

	// Two idle workers cover one queued job: no growth proposed.
	f.enqueueBuildJobs(t, 1)

	evaluation := evaluationFor(t, f.scaler.Evaluate(), f.poolID)
	assert.NotEqual(t, ActionScaleUp, evaluation.Action)
}

func TestHighUtilizationScalesUp(t *testing.T) {
	f := newFixture(t, provider.SimulatedConfig{}, poolSpec(4, 10), false)
	for _, id := range f.markAllReady(t) {
		require.NoError(t, f.pools.MarkWorkerBusy(id))
	}

	evaluation := evaluationFor(t, f.scaler.Evaluate(), f.poolID)
	require.Equal(t, ActionScaleUp, evaluation.Action)
	assert.Equal(t, 5, evaluation.Recommended) // 4 + 4/4
	assert.InDelta(t, 0.9, evaluation.Confidence, 0.001)
}

func TestMaintainAtMinimum(t *testing.T) {
	f := newFixture(t, provider.SimulatedConfig{}, poolSpec(2, 5), false)
	f.markAllReady(t)

	evaluation := evaluationFor(t, f.scaler.Evaluate(), f.poolID)
	assert.Equal(t, ActionMaintain, evaluation.Action)
	assert.Equal(t, "at minimum size", evaluation.Reason)
}

func TestInsufficientDataBeforeWindowFills(t *testing.T) {
	f := newFixture(t, provider.SimulatedConfig{}, poolSpec(1, 5), false)
	f.markAllReady(t)

	// Grow above the floor so a shrink is conceivable.
	require.Equal(t, pool.ScaleOutcomeScaled, f.pools.ScalePool(context.Background(), f.poolID, 4, "test", false).Outcome)
	f.markAllReady(t)

	evaluation := evaluationFor(t, f.scaler.Evaluate(), f.poolID)
	assert.Equal(t, ActionInsufficientData, evaluation.Action)
}

func TestSustainedLowUtilizationScalesDown(t *testing.T) {
	f := newFixture(t, provider.SimulatedConfig{}, poolSpec(1, 5), false)
	require.Equal(t, pool.ScaleOutcomeScaled, f.pools.ScalePool(context.Background(), f.poolID, 4, "test", false).Outcome)
	f.markAllReady(t)

	// Fill the sample window with idle readings.
	var evaluation *Evaluation
	for i := 0; i < minSamples; i++ {
		evaluation = evaluationFor(t, f.scaler.Evaluate(), f.poolID)
	}

	require.Equal(t, ActionScaleDown, evaluation.Action)
	assert.Equal(t, 3, evaluation.Recommended) // 4 - 4/4
	assert.GreaterOrEqual(t, evaluation.Confidence, scaleDownConfidence)
}

func TestQueuedWorkWithholdsScaleDown(t *testing.T) {
	f := newFixture(t, provider.SimulatedConfig{}, poolSpec(1, 5), false)
	require.Equal(t, pool.ScaleOutcomeScaled, f.pools.ScalePool(context.Background(), f.poolID, 4, "test", false).Outcome)
	f.markAllReady(t)

	// Matching jobs exist but idle workers cover them: not enough
	// confidence to shrink while work is waiting.
	f.enqueueBuildJobs(t, 2)

	var evaluation *Evaluation
	for i := 0; i < minSamples; i++ {
		evaluation = evaluationFor(t, f.scaler.Evaluate(), f.poolID)
	}

	assert.Equal(t, ActionMaintain, evaluation.Action)
	assert.Less(t, evaluation.Confidence, scaleDownConfidence)
}

func TestCooldownSuppressesConsecutiveActions(t *testing.T) {
	spec := poolSpec(1, 5)
	spec.Policy.Cooldown = time.Hour
	f := newFixture(t, provider.SimulatedConfig{}, spec, false)
	f.markAllReady(t)
	f.enqueueBuildJobs(t, 10)

	evaluation := evaluationFor(t, f.scaler.Evaluate(), f.poolID)
	require.Equal(t, ActionScaleUp, evaluation.Action)
	f.scaler.MarkExecuted(f.poolID)

	evaluation = evaluationFor(t, f.scaler.Evaluate(), f.poolID)
	assert.Equal(t, ActionMaintain, evaluation.Action)
	assert.Equal(t, "cooldown active", evaluation.Reason)
}

func TestCapacityCapsRecommendation(t *testing.T) {
	// 1 core total, 500m per worker: the single existing worker leaves
	// room for exactly one more.
	f := newFixture(t, provider.SimulatedConfig{TotalCPU: "1", TotalMemory: "8Gi"}, poolSpec(1, 5), true)
	f.markAllReady(t)
	f.enqueueBuildJobs(t, 5)

	evaluation := evaluationFor(t, f.scaler.Evaluate(), f.poolID)
	require.Equal(t, ActionScaleUp, evaluation.Action)
	assert.Equal(t, 2, evaluation.Recommended)
}

func TestNoCapacityMeansMaintain(t *testing.T) {
	// The single worker consumes the whole host.
	f := newFixture(t, provider.SimulatedConfig{TotalCPU: "500m", TotalMemory: "8Gi"}, poolSpec(1, 5), true)
	f.markAllReady(t)
	f.enqueueBuildJobs(t, 5)

	evaluation := evaluationFor(t, f.scaler.Evaluate(), f.poolID)
	assert.Equal(t, ActionMaintain, evaluation.Action)
	assert.Contains(t, evaluation.Reason, "no provider capacity")
}

func TestDrainingPoolIsLeftAlone(t *testing.T) {
	f := newFixture(t, provider.SimulatedConfig{}, poolSpec(1, 5), false)
	f.markAllReady(t)
	require.NoError(t, f.pools.DrainPool(context.Background(), f.poolID))
	f.enqueueBuildJobs(t, 10)

	evaluation := evaluationFor(t, f.scaler.Evaluate(), f.poolID)
	assert.Equal(t, ActionMaintain, evaluation.Action)
	assert.Contains(t, evaluation.Reason, "draining")
}
