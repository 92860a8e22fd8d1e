package integration

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/drovekit/drover/pkg/api"
	"github.com/drovekit/drover/pkg/client"
	"github.com/drovekit/drover/pkg/coordinator"
	"github.com/drovekit/drover/pkg/provider"
	"github.com/drovekit/drover/pkg/types"
	"github.com/drovekit/drover/pkg/worker"
)

const pollEvery = 25 * time.Millisecond

// harness runs a full orchestrator in-process: the coordinator and its
// loops, the HTTP API on an httptest listener, and a client pointed at
// it. Pools are backed by the simulated provider, so workers exist as
// records until a real agent or a scripted channel client registers
// for them.
type harness struct {
	t     *testing.T
	coord *coordinator.Coordinator
	ts    *httptest.Server
	api   *client.Client
}

type harnessConfig struct {
	coord coordinator.Config
	sim   provider.SimulatedConfig
}

type harnessOption func(*harnessConfig)

// withSimulatedCapacity overrides the provider's advertised capacity.
func withSimulatedCapacity(cpu, memory string) harnessOption {
	return func(c *harnessConfig) {
		c.sim.TotalCPU = cpu
		c.sim.TotalMemory = memory
	}
}

// withAutoscaleInterval runs the autoscale loop at test speed instead
// of leaving it parked.
func withAutoscaleInterval(d time.Duration) harnessOption {
	return func(c *harnessConfig) { c.coord.AutoscaleInterval = d }
}

// newHarness starts an orchestrator with fast queue processing and
// every other background loop effectively disabled, so tests control
// when scaling and reconciliation happen.
func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	cfg := harnessConfig{
		coord: coordinator.Config{
			DataDir:           t.TempDir(),
			QueueSize:         128,
			MaxRetries:        3,
			HeartbeatInterval: 5 * time.Second,
			ProcessInterval:   pollEvery,
			AutoscaleInterval: time.Hour,
			MetricsInterval:   time.Hour,
			MonitorInterval:   time.Hour,
			ReconcileInterval: time.Hour,
			ShutdownGrace:     2 * time.Second,
		},
		sim: provider.SimulatedConfig{TotalCPU: "16", TotalMemory: "32Gi"},
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	sim, err := provider.NewSimulatedProvider(cfg.sim)
	require.NoError(t, err)
	cfg.coord.Providers = []provider.Provider{sim}

	coord, err := coordinator.New(cfg.coord)
	require.NoError(t, err)
	require.NoError(t, coord.Start(context.Background()))
	// Registered before the listener so cleanup tears down worker
	// channels and the server before the coordinator drains.
	t.Cleanup(func() {
		if err := coord.Shutdown(); err != nil {
			t.Logf("coordinator shutdown: %v", err)
		}
	})

	srv := api.NewServer(api.Config{Coordinator: coord, Version: "integration"})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &harness{t: t, coord: coord, ts: ts, api: client.New(ts.URL)}
}

func (h *harness) wsURL() string {
	return "ws" + strings.TrimPrefix(h.ts.URL, "http") + "/ws"
}

// workerToken is the boot join token minted for provisioned workers.
func (h *harness) workerToken() string {
	return h.coord.WorkerToken().Token
}

// waitUntil polls cond until it holds or the deadline passes.
func (h *harness) waitUntil(what string, timeout time.Duration, cond func() bool) {
	h.t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(pollEvery)
	}
	h.t.Fatalf("timed out after %s waiting for %s", timeout, what)
}

// createPool provisions a pool on the simulated provider. MinWorkers
// records exist by the time it returns.
func (h *harness) createPool(name string, min, max int, mutate func(*api.CreatePoolRequest)) *types.Pool {
	h.t.Helper()
	req := &api.CreatePoolRequest{
		Name:     name,
		Provider: "simulated",
		Template: &types.WorkerTemplate{
			Name:      name + "-worker",
			Image:     "drover/worker:latest",
			Resources: types.ResourceRequests{CPU: "1", Memory: "1Gi"},
		},
		Policy: api.ScalingPolicyRequest{MinWorkers: min, MaxWorkers: max},
	}
	if mutate != nil {
		mutate(req)
	}
	resp, err := h.api.CreatePool(req)
	require.NoError(h.t, err)
	require.Equalf(h.t, "created", resp.Outcome, "pool creation failed: %s %v", resp.Error, resp.ValidationErrors)
	require.NotNil(h.t, resp.Pool)
	return resp.Pool
}

// poolWorkers lists the pool's workers through the API.
func (h *harness) poolWorkers(poolID string) []*api.WorkerView {
	h.t.Helper()
	workers, err := h.api.ListWorkers(poolID)
	require.NoError(h.t, err)
	return workers
}

func (h *harness) submitJob(req *api.SubmitJobRequest) *types.Job {
	h.t.Helper()
	resp, err := h.api.SubmitJob(req)
	require.NoError(h.t, err)
	require.NotNil(h.t, resp.Job)
	return resp.Job
}

// waitJobStatus polls until the job reaches the wanted status and
// returns its final snapshot.
func (h *harness) waitJobStatus(jobID string, want types.JobStatus, timeout time.Duration) *types.Job {
	h.t.Helper()
	var last types.JobStatus
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		job, err := h.api.GetJob(jobID)
		require.NoError(h.t, err)
		if job.Status == want {
			return job
		}
		last = job.Status
		time.Sleep(pollEvery)
	}
	h.t.Fatalf("job %s did not reach %s within %s (last status %q)", jobID, want, timeout, last)
	return nil
}

// waitWorkerStatus polls until the worker record reports the wanted
// status.
func (h *harness) waitWorkerStatus(workerID string, want types.WorkerStatus, timeout time.Duration) {
	h.t.Helper()
	h.waitUntil(fmt.Sprintf("worker %s to be %s", workerID, want), timeout, func() bool {
		w, err := h.api.GetWorker(workerID)
		return err == nil && w.Status == want
	})
}

// pushArtifact stores content and returns the artifact. The returned
// ID doubles as the content checksum.
func (h *harness) pushArtifact(name string, content []byte) *types.Artifact {
	h.t.Helper()
	art, err := h.api.PushArtifact(name, types.CompressionZstd, bytes.NewReader(content))
	require.NoError(h.t, err)
	require.Equal(h.t, int64(len(content)), art.Size)
	require.Equal(h.t, art.Checksum, art.ID)
	return art
}

// testContent produces size bytes reproducible from the seed.
func testContent(seed int64, size int) []byte {
	buf := make([]byte, size)
	rand.New(rand.NewSource(seed)).Read(buf)
	return buf
}

// startAgent runs a real worker agent for a provisioned worker record
// and returns an idempotent stop function. The harness stops the agent
// at cleanup regardless.
func (h *harness) startAgent(workerID, poolID string) func() {
	h.t.Helper()
	agent, err := worker.New(worker.Config{
		OrchestratorURL:   h.ts.URL,
		WorkerID:          workerID,
		PoolID:            poolID,
		Token:             h.workerToken(),
		DataDir:           h.t.TempDir(),
		HeartbeatInterval: 250 * time.Millisecond,
		DialTimeout:       5 * time.Second,
	})
	require.NoError(h.t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- agent.Run(ctx) }()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			select {
			case err := <-done:
				if err != nil {
					h.t.Logf("agent %s run: %v", workerID, err)
				}
			case <-time.After(5 * time.Second):
				h.t.Logf("agent %s did not stop in time", workerID)
			}
			if err := agent.Close(); err != nil {
				h.t.Logf("agent %s close: %v", workerID, err)
			}
		})
	}
	h.t.Cleanup(stop)
	return stop
}
