package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drovekit/drover/pkg/provider"
	"github.com/drovekit/drover/pkg/types"
)

func newSimulated(t *testing.T, name string) *provider.SimulatedProvider {
	t.Helper()
	sim, err := provider.NewSimulatedProvider(provider.SimulatedConfig{
		Name:        name,
		TotalCPU:    "4",
		TotalMemory: "8Gi",
	})
	require.NoError(t, err)
	t.Cleanup(func() { sim.Close() })
	return sim
}

func TestProbeRecordsSnapshots(t *testing.T) {
	sim := newSimulated(t, "simulated")
	m := New(Config{Providers: provider.NewRegistry(sim)})

	m.Probe(context.Background())

	snapshot, ok := m.Latest("simulated")
	require.True(t, ok)
	assert.True(t, snapshot.Healthy)
	require.NotNil(t, snapshot.Availability)
	assert.Equal(t, int64(4000), snapshot.Availability.AvailableCPU)

	avail := m.Availability("simulated")
	require.NotNil(t, avail)
	assert.Equal(t, int64(8)<<30, avail.AvailableMemory)

	assert.True(t, m.Healthy())
}

func TestProbeUnhealthyProvider(t *testing.T) {
	sim := newSimulated(t, "simulated")
	m := New(Config{Providers: provider.NewRegistry(sim)})

	require.NoError(t, sim.Close())
	m.Probe(context.Background())

	snapshot, ok := m.Latest("simulated")
	require.True(t, ok)
	assert.False(t, snapshot.Healthy)
	assert.NotEmpty(t, snapshot.Error)
	assert.Nil(t, snapshot.Availability)
	assert.False(t, m.Healthy())
}

func TestHealthyWithoutProbes(t *testing.T) {
	sim := newSimulated(t, "simulated")
	m := New(Config{Providers: provider.NewRegistry(sim)})

	// No probes yet: no basis to report healthy.
	assert.False(t, m.Healthy())
}

func TestRollingHistoryWindow(t *testing.T) {
	sim := newSimulated(t, "simulated")
	m := New(Config{Providers: provider.NewRegistry(sim)})

	for i := 0; i < historyWindow+5; i++ {
		m.Probe(context.Background())
	}

	assert.Equal(t, historyWindow, m.HistoryLen("simulated"))
}

func TestAverageCPUAvailable(t *testing.T) {
	sim := newSimulated(t, "simulated")
	m := New(Config{Providers: provider.NewRegistry(sim)})

	_, ok := m.AverageCPUAvailable("simulated")
	assert.False(t, ok)

	m.Probe(context.Background())

	// Reserve half the capacity, then probe again: the average sits
	// between the two observations.
	tmpl := &types.WorkerTemplate{
		Name:  "hog",
		Image: "alpine:3.20",
		Resources: types.ResourceRequests{
			CPU:    "2",
			Memory: "1Gi",
		},
	}
	result := sim.CreateWorker(context.Background(), tmpl, "pool-1")
	require.Equal(t, provider.CreateOutcomeCreated, result.Outcome)

	m.Probe(context.Background())

	avg, ok := m.AverageCPUAvailable("simulated")
	require.True(t, ok)
	assert.Equal(t, int64(3000), avg) // (4000 + 2000) / 2
}

func TestLatestAllSorted(t *testing.T) {
	zeta := newSimulated(t, "zeta")
	alpha := newSimulated(t, "alpha")
	m := New(Config{Providers: provider.NewRegistry(zeta, alpha)})

	m.Probe(context.Background())

	snapshots := m.LatestAll()
	require.Len(t, snapshots, 2)
	assert.Equal(t, "alpha", snapshots[0].Provider)
	assert.Equal(t, "zeta", snapshots[1].Provider)
}

func TestHostSamplingDisabled(t *testing.T) {
	sim := newSimulated(t, "simulated")
	m := New(Config{Providers: provider.NewRegistry(sim)})

	m.Probe(context.Background())
	assert.Nil(t, m.Host())
}

func TestStartStop(t *testing.T) {
	sim := newSimulated(t, "simulated")
	m := New(Config{
		Providers: provider.NewRegistry(sim),
		Interval:  10 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.Start(ctx)

	assert.Eventually(t, func() bool {
		return m.HistoryLen("simulated") >= 2
	}, 2*time.Second, 5*time.Millisecond)

	m.Stop()

	// No more probes accumulate after Stop.
	n := m.HistoryLen("simulated")
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, m.HistoryLen("simulated"))
}
