package reconciler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drovekit/drover/pkg/events"
	"github.com/drovekit/drover/pkg/hub"
	"github.com/drovekit/drover/pkg/pool"
	"github.com/drovekit/drover/pkg/provider"
	"github.com/drovekit/drover/pkg/store"
	"github.com/drovekit/drover/pkg/types"
)

type fakeSessions struct {
	mu    sync.Mutex
	alive map[string]bool
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{alive: make(map[string]bool)}
}

func (f *fakeSessions) connect(workerID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alive[workerID] = true
}

func (f *fakeSessions) WorkerSession(workerID string) (hub.SessionInfo, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.alive[workerID] {
		return hub.SessionInfo{WorkerID: workerID, State: hub.SessionReady}, true
	}
	return hub.SessionInfo{}, false
}

type fixture struct {
	recon    *Reconciler
	pools    *pool.Manager
	sim      *provider.SimulatedProvider
	sessions *fakeSessions
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()

	sim, err := provider.NewSimulatedProvider(provider.SimulatedConfig{Name: "simulated"})
	require.NoError(t, err)
	t.Cleanup(func() { sim.Close() })

	st, err := store.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	registry := provider.NewRegistry(sim)
	pools := pool.NewManager(pool.Config{
		Store:     st,
		Providers: registry,
		Broker:    broker,
	})
	sessions := newFakeSessions()

	cfg := Config{
		Pools:     pools,
		Providers: registry,
		Sessions:  sessions,
		Interval:  10 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	return &fixture{
		recon:    New(cfg),
		pools:    pools,
		sim:      sim,
		sessions: sessions,
	}
}

func (f *fixture) createPool(t *testing.T, name string, min, max int) *types.Pool {
	t.Helper()
	spec := &types.PoolSpec{
		Name:     name,
		Provider: "simulated",
		Template: &types.WorkerTemplate{
			Name:  name + "-worker",
			Image: "alpine:3.20",
			Resources: types.ResourceRequests{
				CPU:    "250m",
				Memory: "128Mi",
			},
		},
		Policy: types.ScalingPolicy{MinWorkers: min, MaxWorkers: max},
	}
	created := f.pools.CreatePool(context.Background(), spec)
	require.Equal(t, pool.CreateOutcomeCreated, created.Outcome)
	return created.Pool
}

func TestSweepDeletesOrphans(t *testing.T) {
	f := newFixture(t, nil)
	p := f.createPool(t, "builders", 0, 3)

	orphan := f.sim.CreateWorker(context.Background(), &types.WorkerTemplate{
		Name:      "stray",
		Image:     "alpine:3.20",
		Resources: types.ResourceRequests{CPU: "250m", Memory: "128Mi"},
	}, p.ID)
	require.Equal(t, provider.CreateOutcomeCreated, orphan.Outcome)

	f.recon.Sweep(context.Background())

	backend, err := f.sim.ListWorkers(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Empty(t, backend)
	assert.Empty(t, f.pools.ListWorkers(p.ID))
}

func TestSweepReplacesMissingWorkers(t *testing.T) {
	f := newFixture(t, nil)
	p := f.createPool(t, "builders", 0, 3)

	scaled := f.pools.ScalePool(context.Background(), p.ID, 2, "test", false)
	require.Equal(t, pool.ScaleOutcomeScaled, scaled.Outcome)
	require.Len(t, scaled.Affected, 2)

	// Destroy one member behind the manager's back.
	lost := scaled.Affected[0]
	deleted := f.sim.DeleteWorker(context.Background(), lost)
	require.Equal(t, provider.DeleteOutcomeDeleted, deleted.Outcome)

	f.recon.Sweep(context.Background())

	workers := f.pools.ListWorkers(p.ID)
	require.Len(t, workers, 2)
	for _, w := range workers {
		assert.NotEqual(t, lost, w.ID)
	}
	backend, err := f.sim.ListWorkers(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Len(t, backend, 2)
}

func TestSweepFlagsSessionlessWorkers(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.Clock = func() time.Time { return time.Now().Add(5 * time.Minute) }
	})
	p := f.createPool(t, "builders", 0, 2)

	scaled := f.pools.ScalePool(context.Background(), p.ID, 2, "test", false)
	require.Equal(t, pool.ScaleOutcomeScaled, scaled.Outcome)

	// One worker holds a session, the other never connected.
	connected := scaled.Affected[0]
	f.sessions.connect(connected)

	f.recon.Sweep(context.Background())

	for _, w := range f.pools.ListWorkers(p.ID) {
		if w.ID == connected {
			assert.Equal(t, types.WorkerStatusReady, w.Status)
		} else {
			assert.Equal(t, types.WorkerStatusOffline, w.Status)
		}
	}
}

func TestSweepLeavesFreshWorkersAlone(t *testing.T) {
	f := newFixture(t, nil)
	p := f.createPool(t, "builders", 0, 2)

	scaled := f.pools.ScalePool(context.Background(), p.ID, 1, "test", false)
	require.Equal(t, pool.ScaleOutcomeScaled, scaled.Outcome)

	// Real clock: the worker is inside the session grace window.
	f.recon.Sweep(context.Background())

	workers := f.pools.ListWorkers(p.ID)
	require.Len(t, workers, 1)
	assert.Equal(t, types.WorkerStatusReady, workers[0].Status)
}

func TestStartSweepsPeriodically(t *testing.T) {
	f := newFixture(t, nil)
	p := f.createPool(t, "builders", 0, 3)

	orphan := f.sim.CreateWorker(context.Background(), &types.WorkerTemplate{
		Name:      "stray",
		Image:     "alpine:3.20",
		Resources: types.ResourceRequests{CPU: "250m", Memory: "128Mi"},
	}, p.ID)
	require.Equal(t, provider.CreateOutcomeCreated, orphan.Outcome)

	f.recon.Start(context.Background())
	defer f.recon.Stop()

	require.Eventually(t, func() bool {
		backend, err := f.sim.ListWorkers(context.Background(), p.ID)
		return err == nil && len(backend) == 0
	}, 2*time.Second, 20*time.Millisecond)
}

func TestSweepWithNoPools(t *testing.T) {
	f := newFixture(t, nil)
	f.recon.Sweep(context.Background())
}
