// Package reconciler sweeps pools on a fixed cadence and corrects
// drift between the pool manager's view and what the provider backend
// actually runs: backend orphans are destroyed, vanished members are
// dropped and replaced, and workers whose channel session went silent
// are flagged offline.
package reconciler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/drovekit/drover/pkg/hub"
	"github.com/drovekit/drover/pkg/log"
	"github.com/drovekit/drover/pkg/metrics"
	"github.com/drovekit/drover/pkg/pool"
	"github.com/drovekit/drover/pkg/provider"
	"github.com/drovekit/drover/pkg/types"
)

const (
	// DefaultInterval is the sweep cadence.
	DefaultInterval = 10 * time.Second

	// DefaultSessionGrace is how long a Ready or Busy worker may lack
	// a channel session before it is flagged offline. Matches the
	// hub's heartbeat timeout of three missed intervals.
	DefaultSessionGrace = 90 * time.Second

	// sweepTimeout bounds provider calls within one sweep.
	sweepTimeout = 30 * time.Second
)

// SessionLookup answers whether a worker holds a live channel session.
// *hub.Hub satisfies it.
type SessionLookup interface {
	WorkerSession(workerID string) (hub.SessionInfo, bool)
}

// Config wires a Reconciler's dependencies.
type Config struct {
	Pools     *pool.Manager
	Providers *provider.Registry
	Sessions  SessionLookup

	// Interval between sweeps. Defaults to 10 seconds.
	Interval time.Duration

	// SessionGrace before a sessionless worker goes offline.
	SessionGrace time.Duration

	// Clock overrides time.Now for tests.
	Clock func() time.Time
}

// Reconciler compares desired pool membership against the provider
// backend and repairs the difference. It is the backstop for state the
// hub and pool manager cannot see: crashed scale operations leaving
// backend orphans, workers destroyed behind the orchestrator's back,
// and workers that never opened a session.
type Reconciler struct {
	pools     *pool.Manager
	providers *provider.Registry
	sessions  SessionLookup
	interval  time.Duration
	grace     time.Duration
	now       func() time.Time
	logger    zerolog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// New builds a reconciler.
func New(cfg Config) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.SessionGrace <= 0 {
		cfg.SessionGrace = DefaultSessionGrace
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Reconciler{
		pools:     cfg.Pools,
		providers: cfg.Providers,
		sessions:  cfg.Sessions,
		interval:  cfg.Interval,
		grace:     cfg.SessionGrace,
		now:       cfg.Clock,
		logger:    log.WithComponent("reconciler"),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start begins the sweep loop.
func (r *Reconciler) Start(ctx context.Context) {
	go func() {
		defer close(r.done)

		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				r.Sweep(ctx)
			case <-r.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	r.logger.Info().Dur("interval", r.interval).Msg("Reconciler started")
}

// Stop halts the sweep loop and waits for it to exit.
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	<-r.done
}

// Sweep runs one reconciliation pass over every pool. Exposed so tests
// can drive it directly.
func (r *Reconciler) Sweep(ctx context.Context) {
	metrics.ReconcileSweeps.Inc()

	ctx, cancel := context.WithTimeout(ctx, sweepTimeout)
	defer cancel()

	for _, p := range r.pools.ListPools() {
		if p.Status == types.PoolStatusTerminated {
			continue
		}
		r.reconcilePool(ctx, p)
	}
}

func (r *Reconciler) reconcilePool(ctx context.Context, p *types.Pool) {
	prov, ok := r.providers.Get(p.Provider)
	if !ok {
		r.logger.Warn().
			Str("pool_id", p.ID).
			Str("provider", p.Provider).
			Msg("Provider not registered, skipping pool")
		return
	}

	backend, err := prov.ListWorkers(ctx, p.ID)
	if err != nil {
		r.logger.Warn().
			Str("pool_id", p.ID).
			Err(err).
			Msg("Failed to list backend workers")
		return
	}
	backendIDs := make(map[string]bool, len(backend))
	for _, w := range backend {
		backendIDs[w.ID] = true
	}

	tracked := r.pools.ListWorkers(p.ID)
	trackedIDs := make(map[string]bool, len(tracked))
	for _, w := range tracked {
		trackedIDs[w.ID] = true
	}

	r.deleteOrphans(ctx, prov, p, backend, trackedIDs)
	removed := r.dropMissing(ctx, p, tracked, backendIDs)
	r.flagDeadSessions(p, tracked, backendIDs)

	if removed > 0 {
		r.replaceMissing(ctx, p)
	}
}

// deleteOrphans destroys backend workers no pool record tracks. They
// are left over from crashed scale operations or a lost store.
func (r *Reconciler) deleteOrphans(ctx context.Context, prov provider.Provider, p *types.Pool, backend []*types.Worker, tracked map[string]bool) {
	for _, w := range backend {
		if tracked[w.ID] {
			continue
		}
		result := prov.DeleteWorker(ctx, w.ID)
		switch result.Outcome {
		case provider.DeleteOutcomeDeleted, provider.DeleteOutcomeNotFound:
			metrics.ReconcileActions.WithLabelValues("orphan_deleted").Inc()
			r.logger.Info().
				Str("worker_id", w.ID).
				Str("pool_id", p.ID).
				Msg("Orphan worker deleted")
		case provider.DeleteOutcomeHasActiveJobs:
			r.logger.Warn().
				Str("worker_id", w.ID).
				Str("pool_id", p.ID).
				Msg("Orphan worker still busy, retrying next sweep")
		default:
			r.logger.Warn().
				Str("worker_id", w.ID).
				Str("pool_id", p.ID).
				Err(result.Err).
				Msg("Failed to delete orphan worker")
		}
	}
}

// dropMissing removes pool records whose backend worker vanished.
// Provisioning workers are left alone; the backend may simply not list
// them yet.
func (r *Reconciler) dropMissing(ctx context.Context, p *types.Pool, tracked []*types.Worker, backend map[string]bool) int {
	removed := 0
	for _, w := range tracked {
		if backend[w.ID] || w.Status == types.WorkerStatusProvisioning {
			continue
		}
		if err := r.pools.RemoveWorker(ctx, w.ID, "backend record missing"); err != nil {
			r.logger.Warn().
				Str("worker_id", w.ID).
				Str("pool_id", p.ID).
				Err(err).
				Msg("Failed to drop missing worker")
			continue
		}
		removed++
		metrics.ReconcileActions.WithLabelValues("missing_dropped").Inc()
		r.logger.Info().
			Str("worker_id", w.ID).
			Str("pool_id", p.ID).
			Str("status", string(w.Status)).
			Msg("Dropped worker missing from backend")
	}
	return removed
}

// flagDeadSessions marks Ready and Busy workers offline when they have
// no channel session and have not been seen within the grace window.
// The hub's heartbeat sweeper handles live sessions going silent; this
// catches workers that never connected at all.
func (r *Reconciler) flagDeadSessions(p *types.Pool, tracked []*types.Worker, backend map[string]bool) {
	now := r.now()
	for _, w := range tracked {
		if !backend[w.ID] {
			continue
		}
		if w.Status != types.WorkerStatusReady && w.Status != types.WorkerStatusBusy {
			continue
		}
		if _, ok := r.sessions.WorkerSession(w.ID); ok {
			continue
		}
		if now.Sub(w.LastSeen) < r.grace {
			continue
		}
		if err := r.pools.MarkWorkerOffline(w.ID); err != nil {
			r.logger.Warn().
				Str("worker_id", w.ID).
				Err(err).
				Msg("Failed to flag sessionless worker")
			continue
		}
		metrics.ReconcileActions.WithLabelValues("session_lost").Inc()
		r.logger.Warn().
			Str("worker_id", w.ID).
			Str("pool_id", p.ID).
			Dur("since_last_seen", now.Sub(w.LastSeen)).
			Msg("Worker has no session, flagged offline")
	}
}

// replaceMissing tops an active pool back up to its desired size after
// members were dropped.
func (r *Reconciler) replaceMissing(ctx context.Context, p *types.Pool) {
	if p.Status != types.PoolStatusActive {
		return
	}
	current := len(r.pools.ListWorkers(p.ID))
	if current >= p.DesiredSize {
		return
	}

	result := r.pools.ScalePool(ctx, p.ID, p.DesiredSize, "reconcile: replace missing workers", false)
	switch result.Outcome {
	case pool.ScaleOutcomeScaled, pool.ScaleOutcomePartial:
		metrics.ReconcileActions.WithLabelValues("replaced").Add(float64(len(result.Affected)))
		r.logger.Info().
			Str("pool_id", p.ID).
			Int("from", result.From).
			Int("to", result.To).
			Msg("Replaced missing workers")
	case pool.ScaleOutcomeNoActionNeeded:
	default:
		r.logger.Warn().
			Str("pool_id", p.ID).
			Str("outcome", string(result.Outcome)).
			Err(result.Err).
			Msg("Failed to replace missing workers")
	}
}
