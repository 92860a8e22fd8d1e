// Package coordinator ties the orchestrator together: it owns the
// store, the event broker, the join-token manager, the provider
// registry, the job queue, the pool manager, the resource monitor, the
// auto-scaler, the reconciler, and the channel hub, and it runs the
// background loops that drive them. One coordinator supervises one
// orchestrator process.
package coordinator

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/drovekit/drover/pkg/artifact"
	"github.com/drovekit/drover/pkg/autoscaler"
	"github.com/drovekit/drover/pkg/events"
	"github.com/drovekit/drover/pkg/hub"
	"github.com/drovekit/drover/pkg/log"
	"github.com/drovekit/drover/pkg/metrics"
	"github.com/drovekit/drover/pkg/monitor"
	"github.com/drovekit/drover/pkg/pool"
	"github.com/drovekit/drover/pkg/provider"
	"github.com/drovekit/drover/pkg/queue"
	"github.com/drovekit/drover/pkg/reconciler"
	"github.com/drovekit/drover/pkg/store"
	"github.com/drovekit/drover/pkg/types"
)

// Loop cadences and the shutdown grace window.
const (
	DefaultProcessInterval   = time.Second
	DefaultAutoscaleInterval = 30 * time.Second
	DefaultMetricsInterval   = 60 * time.Second
	DefaultShutdownGrace     = 30 * time.Second
)

// Config holds everything needed to assemble a coordinator.
type Config struct {
	// DataDir roots the bbolt store and the artifact blobs.
	DataDir string

	// OrchestratorURL is the endpoint advertised to provisioned
	// workers via DROVER_ORCHESTRATOR_URL.
	OrchestratorURL string

	// Providers are the worker backends. At least one is required.
	Providers []provider.Provider

	// Queue tuning.
	QueueSize   int
	MaxRetries  int
	FailExpired bool

	// HeartbeatInterval is the expected worker heartbeat cadence,
	// forwarded to the hub's liveness sweeper.
	HeartbeatInterval time.Duration

	// Compression is the preferred artifact codec for transfers.
	Compression types.CompressionType

	// ChunkDelay paces artifact chunk writes on the worker channel.
	ChunkDelay time.Duration

	// Loop cadences. Zero applies the defaults above; MonitorInterval
	// and ReconcileInterval zero let those components pick their own.
	ProcessInterval   time.Duration
	AutoscaleInterval time.Duration
	MetricsInterval   time.Duration
	MonitorInterval   time.Duration
	ReconcileInterval time.Duration

	// WorkerTokenTTL bounds the join token minted for provisioned
	// workers. Zero applies DefaultTokenTTL.
	WorkerTokenTTL time.Duration

	// ShutdownGrace bounds how long Shutdown waits for in-flight jobs
	// to reach a terminal state before forcing sessions closed.
	ShutdownGrace time.Duration

	// Clock overrides time.Now for tests.
	Clock func() time.Time
}

// Coordinator is the orchestrator composition root.
type Coordinator struct {
	cfg    Config
	logger zerolog.Logger
	now    func() time.Time

	store     store.Store
	broker    *events.Broker
	tokens    *TokenManager
	registry  *provider.Registry
	queue     *queue.Queue
	pools     *pool.Manager
	artifacts *artifact.ContentStore
	monitor   *monitor.Monitor
	scaler    *autoscaler.Scaler
	hub       *hub.Hub
	recon     *reconciler.Reconciler

	workerToken *JoinToken

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New assembles the subsystems. Nothing runs until Start.
func New(cfg Config) (*Coordinator, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}
	if len(cfg.Providers) == 0 {
		return nil, fmt.Errorf("at least one provider is required")
	}
	if cfg.ProcessInterval <= 0 {
		cfg.ProcessInterval = DefaultProcessInterval
	}
	if cfg.AutoscaleInterval <= 0 {
		cfg.AutoscaleInterval = DefaultAutoscaleInterval
	}
	if cfg.MetricsInterval <= 0 {
		cfg.MetricsInterval = DefaultMetricsInterval
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = DefaultShutdownGrace
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	st, err := store.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	broker := events.NewBroker()
	broker.Start()

	tokens := NewTokenManager(cfg.Clock)
	workerToken, err := tokens.GenerateToken(RoleWorker, cfg.WorkerTokenTTL)
	if err != nil {
		broker.Stop()
		st.Close()
		return nil, fmt.Errorf("failed to mint worker join token: %w", err)
	}

	registry := provider.NewRegistry(cfg.Providers...)

	q := queue.New(queue.Config{
		MaxSize:     cfg.QueueSize,
		MaxRetries:  cfg.MaxRetries,
		FailExpired: cfg.FailExpired,
		Clock:       cfg.Clock,
	})

	pools := pool.NewManager(pool.Config{
		Store:     st,
		Providers: registry,
		Broker:    broker,
		WorkerEnv: map[string]string{
			types.EnvOrchestratorURL: cfg.OrchestratorURL,
			types.EnvJoinToken:       workerToken.Token,
		},
		Clock: cfg.Clock,
	})

	artifacts, err := artifact.NewContentStore(cfg.DataDir, st)
	if err != nil {
		broker.Stop()
		st.Close()
		return nil, fmt.Errorf("failed to open artifact store: %w", err)
	}

	mon := monitor.New(monitor.Config{
		Providers:  registry,
		Interval:   cfg.MonitorInterval,
		SampleHost: true,
		Clock:      cfg.Clock,
	})

	scaler := autoscaler.New(autoscaler.Config{
		Queue:   q,
		Pools:   pools,
		Monitor: mon,
		Clock:   cfg.Clock,
	})

	h := hub.New(hub.Config{
		Pools:             pools,
		Queue:             q,
		Store:             st,
		Artifacts:         artifacts,
		Broker:            broker,
		Tokens:            tokens,
		HeartbeatInterval: cfg.HeartbeatInterval,
		ChunkDelay:        cfg.ChunkDelay,
		Compression:       cfg.Compression,
		Clock:             cfg.Clock,
	})

	// Keep the reconciler's session grace aligned with the hub's
	// liveness window of three missed heartbeats.
	var sessionGrace time.Duration
	if cfg.HeartbeatInterval > 0 {
		sessionGrace = 3 * cfg.HeartbeatInterval
	}
	recon := reconciler.New(reconciler.Config{
		Pools:        pools,
		Providers:    registry,
		Sessions:     h,
		Interval:     cfg.ReconcileInterval,
		SessionGrace: sessionGrace,
		Clock:        cfg.Clock,
	})

	return &Coordinator{
		cfg:         cfg,
		logger:      log.WithComponent("coordinator"),
		now:         cfg.Clock,
		store:       st,
		broker:      broker,
		tokens:      tokens,
		registry:    registry,
		queue:       q,
		pools:       pools,
		artifacts:   artifacts,
		monitor:     mon,
		scaler:      scaler,
		hub:         h,
		recon:       recon,
		workerToken: workerToken,
	}, nil
}

// Start restores persisted pools, starts the hub, the monitor, and the
// reconciler, and launches the queue-processor, auto-scaling, and
// metrics loops.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("coordinator already started")
	}
	if c.stopped {
		c.mu.Unlock()
		return fmt.Errorf("coordinator already stopped")
	}
	c.started = true
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	if err := c.pools.Restore(runCtx); err != nil {
		return fmt.Errorf("failed to restore pools: %w", err)
	}

	c.hub.Start(runCtx)
	c.monitor.Start(runCtx)
	c.recon.Start(runCtx)

	c.wg.Add(3)
	go c.processLoop(runCtx)
	go c.autoscaleLoop(runCtx)
	go c.metricsLoop(runCtx)

	c.publish(&events.Event{
		Type:    events.EventSystemStarted,
		Message: "Coordinator started",
	})
	c.logger.Info().
		Str("data_dir", c.cfg.DataDir).
		Strs("providers", c.registry.Names()).
		Msg("Coordinator started")
	return nil
}

// Shutdown stops the loops, drains the hub within the grace window,
// and releases every subsystem. SystemStopped is the last event out.
// Shutting down a coordinator that never started still releases the
// store and the broker.
func (c *Coordinator) Shutdown() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	started := c.started
	cancel := c.cancel
	c.mu.Unlock()

	c.logger.Info().Msg("Coordinator shutting down")

	if started {
		cancel()
		c.wg.Wait()
		c.recon.Stop()

		grace, done := context.WithTimeout(context.Background(), c.cfg.ShutdownGrace)
		defer done()
		c.hub.Shutdown(grace)
		c.monitor.Stop()
	}
	c.registry.Close()

	// Wait for the stop event to reach subscribers before the broker
	// goes away; Stop drops anything still queued.
	stopped := c.broker.SubscribeTypes(events.EventSystemStopped)
	c.publish(&events.Event{
		Type:    events.EventSystemStopped,
		Message: "Coordinator stopped",
	})
	select {
	case <-stopped:
	case <-time.After(time.Second):
	}
	c.broker.Unsubscribe(stopped)
	c.broker.Stop()

	if err := c.store.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}
	c.logger.Info().Msg("Coordinator stopped")
	return nil
}

// processLoop drives dispatch: each tick purges expired queue entries
// and hands every idle ready session its next matching job.
func (c *Coordinator) processLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.ProcessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.failExpired()
			if n := c.hub.DispatchNext(); n > 0 {
				c.logger.Debug().Int("dispatched", n).Msg("Queue processed")
			}
		}
	}
}

// failExpired finishes jobs the queue purged past their deadline.
// With queue.fail_expired off PurgeExpired returns nothing and expired
// entries are merely skipped during selection.
func (c *Coordinator) failExpired() {
	purged := c.queue.PurgeExpired()
	if len(purged) == 0 {
		return
	}
	now := c.now()
	for _, entry := range purged {
		job := entry.Job
		job.Status = types.JobStatusFailed
		job.Result = &types.JobResult{
			Success:    false,
			Error:      "deadline exceeded before dispatch",
			FinishedAt: now,
		}
		job.UpdatedAt = now
		if err := c.store.UpdateJob(job); err != nil {
			c.logger.Warn().Str("job_id", job.ID).Err(err).Msg("Job update failed")
		}
		metrics.JobsExpired.Inc()
		metrics.JobsCompleted.WithLabelValues(string(types.JobStatusFailed)).Inc()
		c.publish(&events.Event{
			Type:     events.EventJobCompleted,
			JobID:    job.ID,
			Message:  job.Result.Error,
			Metadata: map[string]string{"status": string(types.JobStatusFailed), "success": "false"},
		})
		c.logger.Warn().Str("job_id", job.ID).Msg("Job expired before dispatch")
	}
}

// autoscaleLoop evaluates every pool and executes actionable
// recommendations.
func (c *Coordinator) autoscaleLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.AutoscaleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.autoscale(ctx)
		}
	}
}

func (c *Coordinator) autoscale(ctx context.Context) {
	for _, ev := range c.scaler.Evaluate() {
		if ev.Action != autoscaler.ActionScaleUp && ev.Action != autoscaler.ActionScaleDown {
			continue
		}
		direction := "up"
		if ev.Action == autoscaler.ActionScaleDown {
			direction = "down"
		}

		result := c.pools.ScalePool(ctx, ev.PoolID, ev.Recommended, ev.Reason, false)
		metrics.ScaleOperations.WithLabelValues(direction, string(result.Outcome)).Inc()

		switch result.Outcome {
		case pool.ScaleOutcomeScaled, pool.ScaleOutcomePartial, pool.ScaleOutcomeNoActionNeeded:
			c.scaler.MarkExecuted(ev.PoolID)
		}

		c.publish(&events.Event{
			Type:    events.EventAutoScalingTriggered,
			PoolID:  ev.PoolID,
			Message: ev.Reason,
			Metadata: map[string]string{
				"action":     string(ev.Action),
				"from":       strconv.Itoa(result.From),
				"to":         strconv.Itoa(result.To),
				"target":     strconv.Itoa(ev.Recommended),
				"outcome":    string(result.Outcome),
				"confidence": strconv.FormatFloat(ev.Confidence, 'f', 2, 64),
			},
		})
		c.logger.Info().
			Str("pool_id", ev.PoolID).
			Str("pool", ev.PoolName).
			Str("action", string(ev.Action)).
			Int("from", result.From).
			Int("to", result.To).
			Str("outcome", string(result.Outcome)).
			Str("reason", ev.Reason).
			Msg("Auto-scaling executed")
	}
}

// metricsLoop snapshots system metrics on a fixed cadence. The first
// collection happens immediately.
func (c *Coordinator) metricsLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.MetricsInterval)
	defer ticker.Stop()

	c.collectMetrics()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.collectMetrics()
		}
	}
}

func (c *Coordinator) collectMetrics() {
	sm := c.SystemMetrics()

	metrics.JobsQueued.Set(float64(sm.QueuedJobs))
	metrics.QueueOldestWait.Set(sm.OldestQueuedAge.Seconds())
	metrics.PoolsTotal.Set(float64(sm.TotalPools))

	metrics.PoolSize.Reset()
	metrics.PoolDesiredSize.Reset()
	metrics.PoolUtilization.Reset()
	metrics.WorkersTotal.Reset()
	for _, pm := range c.pools.OverallMetrics() {
		metrics.PoolSize.WithLabelValues(pm.Name).Set(float64(pm.CurrentSize))
		metrics.PoolDesiredSize.WithLabelValues(pm.Name).Set(float64(pm.DesiredSize))
		metrics.PoolUtilization.WithLabelValues(pm.Name).Set(pm.Utilization)
		for _, w := range c.pools.ListWorkers(pm.PoolID) {
			metrics.WorkersTotal.WithLabelValues(pm.Name, string(w.Status)).Inc()
		}
	}

	c.publish(&events.Event{
		Type:    events.EventMetricsCollected,
		Message: "System metrics collected",
		Metadata: map[string]string{
			"queued_jobs":     strconv.Itoa(sm.QueuedJobs),
			"running_jobs":    strconv.Itoa(sm.RunningJobs),
			"active_workers":  strconv.Itoa(sm.ActiveWorkers),
			"active_sessions": strconv.Itoa(sm.ActiveSessions),
			"total_pools":     strconv.Itoa(sm.TotalPools),
		},
	})
}

// SystemMetrics builds a point-in-time snapshot across the queue, the
// store, the pools, and the hub.
func (c *Coordinator) SystemMetrics() *types.SystemMetrics {
	stats := c.queue.Stats()
	pms := c.pools.OverallMetrics()

	active := 0
	for _, w := range c.pools.ListWorkers("") {
		if w.Status == types.WorkerStatusReady || w.Status == types.WorkerStatusBusy {
			active++
		}
	}

	return &types.SystemMetrics{
		QueuedJobs:      stats.Total,
		RunningJobs:     c.countJobs(types.JobStatusRunning),
		CompletedJobs:   int64(c.countJobs(types.JobStatusCompleted)),
		FailedJobs:      int64(c.countJobs(types.JobStatusFailed)),
		CancelledJobs:   int64(c.countJobs(types.JobStatusCancelled)),
		ActiveWorkers:   active,
		ActiveSessions:  c.hub.SessionCount(),
		TotalPools:      len(pms),
		OldestQueuedAge: stats.OldestWait,
		CollectedAt:     c.now(),
	}
}

func (c *Coordinator) countJobs(status types.JobStatus) int {
	jobs, err := c.store.ListJobsByStatus(status)
	if err != nil {
		c.logger.Warn().Str("status", string(status)).Err(err).Msg("Job count failed")
		return 0
	}
	return len(jobs)
}

func (c *Coordinator) publish(event *events.Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = c.now()
	}
	c.broker.Publish(event)
}
