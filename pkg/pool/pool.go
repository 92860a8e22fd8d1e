package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/drovekit/drover/pkg/events"
	"github.com/drovekit/drover/pkg/log"
	"github.com/drovekit/drover/pkg/provider"
	"github.com/drovekit/drover/pkg/scheduler"
	"github.com/drovekit/drover/pkg/store"
	"github.com/drovekit/drover/pkg/types"
)

var (
	// ErrPoolNotFound indicates the pool is not in the registry.
	ErrPoolNotFound = errors.New("pool: not found")

	// ErrWorkerNotFound indicates no pool holds the worker.
	ErrWorkerNotFound = errors.New("pool: worker not found")
)

// Config wires a Manager's dependencies.
type Config struct {
	Store     store.Store
	Providers *provider.Registry
	Broker    *events.Broker

	// WorkerEnv is merged into every worker template at creation, on
	// top of the template's own environment. The coordinator injects
	// the orchestrator URL and join token here.
	WorkerEnv map[string]string

	// Clock overrides time.Now for tests.
	Clock func() time.Time
}

// Manager owns the pool registry and every worker member. Workers are
// tracked by ID inside their pool; other components reference them by
// ID through this manager.
type Manager struct {
	store     store.Store
	providers *provider.Registry
	broker    *events.Broker
	workerEnv map[string]string
	now       func() time.Time
	logger    zerolog.Logger

	mu    sync.RWMutex
	pools map[string]*poolState
}

// poolState is the live record for one pool. scaleMu serializes scale
// operations and is never held together with mu; mu guards the data
// and is never held across provider calls.
type poolState struct {
	scaleMu sync.Mutex
	mu      sync.Mutex
	pool    *types.Pool
	workers map[string]*types.Worker
}

// NewManager builds a pool manager.
func NewManager(cfg Config) *Manager {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Manager{
		store:     cfg.Store,
		providers: cfg.Providers,
		broker:    cfg.Broker,
		workerEnv: cfg.WorkerEnv,
		now:       cfg.Clock,
		logger:    log.WithComponent("pool-manager"),
		pools:     make(map[string]*poolState),
	}
}

// CreatePoolOutcome discriminates CreatePoolResult variants.
type CreatePoolOutcome string

const (
	CreateOutcomeCreated              CreatePoolOutcome = "created"
	CreateOutcomeInvalidConfiguration CreatePoolOutcome = "invalid-configuration"
	CreateOutcomeResourceConstrained  CreatePoolOutcome = "resource-constrained"
	CreateOutcomeFailed               CreatePoolOutcome = "failed"
)

// CreatePoolResult is the tagged result of CreatePool.
type CreatePoolResult struct {
	Outcome          CreatePoolOutcome
	Pool             *types.Pool
	ValidationErrors []string // set when Outcome == invalid-configuration
	Factors          []string // set when Outcome == resource-constrained
	Err              error    // set when Outcome == failed
}

// CreatePool validates the spec, persists the pool, and scales it to
// its minimum size.
func (m *Manager) CreatePool(ctx context.Context, spec *types.PoolSpec) *CreatePoolResult {
	if problems := m.validateSpec(spec); len(problems) > 0 {
		return &CreatePoolResult{Outcome: CreateOutcomeInvalidConfiguration, ValidationErrors: problems}
	}

	prov, _ := m.providers.Get(spec.Provider)

	// Capacity must fit the minimum before the pool is accepted.
	if spec.Policy.MinWorkers > 0 {
		req, err := provider.ParseRequests(spec.Template.Resources.CPU, spec.Template.Resources.Memory, spec.Template.Resources.Storage)
		if err != nil {
			return &CreatePoolResult{Outcome: CreateOutcomeInvalidConfiguration, ValidationErrors: []string{err.Error()}}
		}
		avail, err := prov.GetResourceAvailability(ctx)
		if err != nil {
			return &CreatePoolResult{Outcome: CreateOutcomeFailed, Err: fmt.Errorf("failed to check capacity: %w", err)}
		}
		if fits, factors := fitCount(avail, req); fits < spec.Policy.MinWorkers {
			return &CreatePoolResult{Outcome: CreateOutcomeResourceConstrained, Factors: factors}
		}
	}

	now := m.now()
	pool := &types.Pool{
		ID:          fmt.Sprintf("pool-%s", uuid.New().String()[:8]),
		Name:        spec.Name,
		Provider:    spec.Provider,
		Template:    spec.Template,
		Policy:      spec.Policy,
		DesiredSize: spec.Policy.MinWorkers,
		Status:      types.PoolStatusActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := m.store.CreatePool(pool); err != nil {
		return &CreatePoolResult{Outcome: CreateOutcomeFailed, Err: fmt.Errorf("failed to persist pool: %w", err)}
	}

	state := &poolState{
		pool:    pool,
		workers: make(map[string]*types.Worker),
	}
	m.mu.Lock()
	m.pools[pool.ID] = state
	m.mu.Unlock()

	m.publish(&events.Event{
		Type:    events.EventPoolCreated,
		PoolID:  pool.ID,
		Message: fmt.Sprintf("Pool %s created", pool.Name),
	})

	m.logger.Info().
		Str("pool_id", pool.ID).
		Str("name", pool.Name).
		Str("provider", pool.Provider).
		Int("min", pool.Policy.MinWorkers).
		Int("max", pool.Policy.MaxWorkers).
		Msg("Pool created")

	if pool.Policy.MinWorkers > 0 {
		scale := m.ScalePool(ctx, pool.ID, pool.Policy.MinWorkers, "initial scale to minimum", false)
		if scale.Outcome == ScaleOutcomeFailed {
			m.logger.Warn().
				Str("pool_id", pool.ID).
				Err(scale.Err).
				Msg("Initial scale failed, reconciler will retry")
		}
	}

	return &CreatePoolResult{Outcome: CreateOutcomeCreated, Pool: m.snapshotPool(state)}
}

// validateSpec returns configuration problems, empty when valid.
func (m *Manager) validateSpec(spec *types.PoolSpec) []string {
	if spec == nil {
		return []string{"pool spec is required"}
	}

	var problems []string
	if spec.Name == "" {
		problems = append(problems, "pool name is required")
	} else if !provider.IsDNS1123Label(spec.Name) {
		problems = append(problems, fmt.Sprintf("pool name %q is not a valid DNS-1123 label", spec.Name))
	}

	if m.findByName(spec.Name) != nil {
		problems = append(problems, fmt.Sprintf("pool name %q is already in use", spec.Name))
	}

	if spec.Policy.MinWorkers < 0 {
		problems = append(problems, "minimum workers must not be negative")
	}
	if spec.Policy.MaxWorkers < 1 {
		problems = append(problems, "maximum workers must be at least 1")
	}
	if spec.Policy.MinWorkers > spec.Policy.MaxWorkers {
		problems = append(problems, fmt.Sprintf("minimum workers %d exceeds maximum %d", spec.Policy.MinWorkers, spec.Policy.MaxWorkers))
	}

	prov, ok := m.providers.Get(spec.Provider)
	if !ok {
		problems = append(problems, fmt.Sprintf("provider %q is not registered", spec.Provider))
		return problems
	}

	if tmplProblems := prov.ValidateTemplate(spec.Template); len(tmplProblems) > 0 {
		problems = append(problems, tmplProblems...)
	}
	return problems
}

// DeletePool destroys all members, removes the pool from the registry,
// and emits PoolDeleted.
func (m *Manager) DeletePool(ctx context.Context, poolID string) error {
	state, err := m.state(poolID)
	if err != nil {
		return err
	}

	state.scaleMu.Lock()
	defer state.scaleMu.Unlock()

	prov, ok := m.provider(state)
	if !ok {
		return fmt.Errorf("provider %q is not registered", m.snapshotPool(state).Provider)
	}

	state.mu.Lock()
	state.pool.Status = types.PoolStatusScalingDown
	state.pool.UpdatedAt = m.now()
	victims := make([]string, 0, len(state.workers))
	for id := range state.workers {
		victims = append(victims, id)
	}
	state.mu.Unlock()

	m.destroyWorkers(ctx, state, prov, victims, true, "pool deleted")

	m.mu.Lock()
	delete(m.pools, poolID)
	m.mu.Unlock()

	state.mu.Lock()
	state.pool.Status = types.PoolStatusTerminated
	state.pool.CurrentSize = 0
	name := state.pool.Name
	state.mu.Unlock()

	if err := m.store.DeletePool(poolID); err != nil {
		return fmt.Errorf("failed to remove pool record: %w", err)
	}

	m.publish(&events.Event{
		Type:    events.EventPoolDeleted,
		PoolID:  poolID,
		Message: fmt.Sprintf("Pool %s deleted", name),
	})

	m.logger.Info().Str("pool_id", poolID).Str("name", name).Msg("Pool deleted")
	return nil
}

// ScaleOutcome discriminates ScaleResult variants.
type ScaleOutcome string

const (
	ScaleOutcomeScaled              ScaleOutcome = "scaled"
	ScaleOutcomePartial             ScaleOutcome = "partial"
	ScaleOutcomeResourceConstrained ScaleOutcome = "resource-constrained"
	ScaleOutcomeNoActionNeeded      ScaleOutcome = "no-action-needed"
	ScaleOutcomeFailed              ScaleOutcome = "failed"
)

// ScaleResult is the tagged result of ScalePool.
type ScaleResult struct {
	Outcome  ScaleOutcome
	From     int
	To       int
	Target   int
	Affected []string // worker IDs created or removed
	Reason   string
	Err      error
}

// ScalePool moves the pool toward target. Targets are clamped to the
// policy bounds. Scale-down removes idle workers first and keeps busy
// ones unless force is set. Capacity shortfalls scale as far as
// possible and report Partial.
func (m *Manager) ScalePool(ctx context.Context, poolID string, target int, reason string, force bool) *ScaleResult {
	state, err := m.state(poolID)
	if err != nil {
		return &ScaleResult{Outcome: ScaleOutcomeFailed, Err: err}
	}

	state.scaleMu.Lock()
	defer state.scaleMu.Unlock()

	state.mu.Lock()
	policy := state.pool.Policy
	current := len(state.workers)
	draining := state.pool.Status == types.PoolStatusDraining
	state.mu.Unlock()

	if !draining {
		if target < policy.MinWorkers {
			target = policy.MinWorkers
		}
		if target > policy.MaxWorkers {
			target = policy.MaxWorkers
		}
	}
	if target < 0 {
		target = 0
	}

	if target == current {
		return &ScaleResult{Outcome: ScaleOutcomeNoActionNeeded, From: current, To: current, Target: target}
	}

	prov, ok := m.provider(state)
	if !ok {
		return &ScaleResult{Outcome: ScaleOutcomeFailed, Err: fmt.Errorf("provider is not registered")}
	}

	m.logger.Info().
		Str("pool_id", poolID).
		Int("from", current).
		Int("target", target).
		Str("reason", reason).
		Msg("Scaling pool")

	var result *ScaleResult
	if target > current {
		result = m.scaleUp(ctx, state, prov, current, target)
	} else {
		result = m.scaleDown(ctx, state, prov, current, target, force)
	}

	state.mu.Lock()
	if state.pool.Status == types.PoolStatusScalingUp || state.pool.Status == types.PoolStatusScalingDown {
		state.pool.Status = types.PoolStatusActive
	}
	state.pool.CurrentSize = len(state.workers)
	state.pool.DesiredSize = result.To
	state.pool.UpdatedAt = m.now()
	snapshot := *state.pool
	state.mu.Unlock()

	if err := m.store.UpdatePool(&snapshot); err != nil {
		m.logger.Warn().Str("pool_id", poolID).Err(err).Msg("Failed to persist pool after scaling")
	}

	if result.From != result.To {
		m.publish(&events.Event{
			Type:    events.EventPoolScaled,
			PoolID:  poolID,
			Message: fmt.Sprintf("Pool scaled from %d to %d", result.From, result.To),
			Metadata: map[string]string{
				"from":   strconv.Itoa(result.From),
				"to":     strconv.Itoa(result.To),
				"reason": reason,
			},
		})
	}

	return result
}

func (m *Manager) scaleUp(ctx context.Context, state *poolState, prov provider.Provider, current, target int) *ScaleResult {
	m.setStatus(state, types.PoolStatusScalingUp)

	state.mu.Lock()
	tmpl := state.pool.Template
	poolID := state.pool.ID
	state.mu.Unlock()

	req, err := provider.ParseRequests(tmpl.Resources.CPU, tmpl.Resources.Memory, tmpl.Resources.Storage)
	if err != nil {
		return &ScaleResult{Outcome: ScaleOutcomeFailed, From: current, To: current, Target: target, Err: err}
	}

	avail, err := prov.GetResourceAvailability(ctx)
	if err != nil {
		return &ScaleResult{Outcome: ScaleOutcomeFailed, From: current, To: current, Target: target, Err: fmt.Errorf("failed to check capacity: %w", err)}
	}

	fits, factors := fitCount(avail, req)
	if fits == 0 {
		return &ScaleResult{
			Outcome: ScaleOutcomeResourceConstrained,
			From:    current,
			To:      current,
			Target:  target,
			Reason:  strings.Join(factors, ", "),
		}
	}

	actualTarget := target
	constrained := false
	if current+fits < target {
		actualTarget = current + fits
		constrained = true
	}
	wanted := actualTarget - current

	maxParallel := prov.Info().Capabilities.MaxConcurrentCreations
	if maxParallel <= 0 {
		maxParallel = 1
	}

	workerTmpl := m.templateFor(tmpl)

	var (
		wg       sync.WaitGroup
		resultMu sync.Mutex
		created  []string
		failures int
	)
	sem := make(chan struct{}, maxParallel)

	for i := 0; i < wanted; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			res := prov.CreateWorker(ctx, workerTmpl, poolID)
			if res.Outcome != provider.CreateOutcomeCreated {
				resultMu.Lock()
				failures++
				resultMu.Unlock()
				m.logger.Warn().
					Str("pool_id", poolID).
					Str("outcome", string(res.Outcome)).
					Err(res.Err).
					Msg("Worker creation failed")
				return
			}

			state.mu.Lock()
			state.workers[res.Worker.ID] = res.Worker
			newSize := len(state.workers)
			state.mu.Unlock()

			resultMu.Lock()
			created = append(created, res.Worker.ID)
			resultMu.Unlock()

			m.publish(&events.Event{
				Type:     events.EventWorkerAdded,
				PoolID:   poolID,
				WorkerID: res.Worker.ID,
				Message:  fmt.Sprintf("Worker %s added", res.Worker.ID),
				Metadata: map[string]string{"new_size": strconv.Itoa(newSize)},
			})
		}()
	}
	wg.Wait()

	to := current + len(created)
	result := &ScaleResult{From: current, To: to, Target: target, Affected: created}

	switch {
	case to == target:
		result.Outcome = ScaleOutcomeScaled
	case constrained && len(created) == wanted:
		result.Outcome = ScaleOutcomePartial
		result.Reason = strings.Join(factors, ", ")
	default:
		result.Outcome = ScaleOutcomePartial
		result.Reason = fmt.Sprintf("%d of %d creations failed", failures, wanted)
	}
	return result
}

func (m *Manager) scaleDown(ctx context.Context, state *poolState, prov provider.Provider, current, target int, force bool) *ScaleResult {
	m.setStatus(state, types.PoolStatusScalingDown)

	wanted := current - target
	victims := m.selectVictims(state, wanted, force)

	removed := m.destroyWorkers(ctx, state, prov, victims, force, "scaled down")
	to := current - len(removed)

	result := &ScaleResult{From: current, To: to, Target: target, Affected: removed}
	if to == target {
		result.Outcome = ScaleOutcomeScaled
	} else {
		result.Outcome = ScaleOutcomePartial
		if len(victims) < wanted {
			result.Reason = "busy workers kept"
		} else {
			result.Reason = fmt.Sprintf("%d of %d deletions failed", len(victims)-len(removed), len(victims))
		}
	}
	return result
}

// selectVictims picks up to wanted workers for removal: dead weight
// first, then idle Ready workers, then Provisioning; Busy workers are
// eligible only under force.
func (m *Manager) selectVictims(state *poolState, wanted int, force bool) []string {
	state.mu.Lock()
	defer state.mu.Unlock()

	byStatus := func(statuses ...types.WorkerStatus) []string {
		var ids []string
		for id, w := range state.workers {
			for _, s := range statuses {
				if w.Status == s {
					ids = append(ids, id)
					break
				}
			}
		}
		sort.Strings(ids)
		return ids
	}

	ordered := byStatus(types.WorkerStatusFailed, types.WorkerStatusOffline)
	ordered = append(ordered, byStatus(types.WorkerStatusReady)...)
	ordered = append(ordered, byStatus(types.WorkerStatusProvisioning, types.WorkerStatusTerminating)...)
	if force {
		ordered = append(ordered, byStatus(types.WorkerStatusBusy)...)
	}

	if len(ordered) > wanted {
		ordered = ordered[:wanted]
	}
	return ordered
}

// destroyWorkers deletes the given members through the provider,
// removing each from the pool and emitting WorkerRemoved as it goes.
// NotFound counts as success. The removed IDs are returned.
func (m *Manager) destroyWorkers(ctx context.Context, state *poolState, prov provider.Provider, victims []string, force bool, reason string) []string {
	if len(victims) == 0 {
		return nil
	}

	state.mu.Lock()
	poolID := state.pool.ID
	state.mu.Unlock()

	maxParallel := prov.Info().Capabilities.MaxConcurrentCreations
	if maxParallel <= 0 {
		maxParallel = 1
	}

	var (
		wg       sync.WaitGroup
		resultMu sync.Mutex
		removed  []string
	)
	sem := make(chan struct{}, maxParallel)

	for _, workerID := range victims {
		wg.Add(1)
		sem <- struct{}{}
		go func(workerID string) {
			defer wg.Done()
			defer func() { <-sem }()

			res := prov.DeleteWorker(ctx, workerID)
			switch res.Outcome {
			case provider.DeleteOutcomeDeleted, provider.DeleteOutcomeNotFound:
			case provider.DeleteOutcomeHasActiveJobs:
				if !force {
					m.logger.Warn().
						Str("worker_id", workerID).
						Strs("active_jobs", res.ActiveJobs).
						Msg("Worker kept, has active jobs")
					return
				}
				m.logger.Warn().
					Str("worker_id", workerID).
					Strs("active_jobs", res.ActiveJobs).
					Msg("Worker force-removed with active jobs")
			default:
				m.logger.Warn().
					Str("worker_id", workerID).
					Err(res.Err).
					Msg("Worker deletion failed")
				return
			}

			state.mu.Lock()
			delete(state.workers, workerID)
			newSize := len(state.workers)
			state.mu.Unlock()

			resultMu.Lock()
			removed = append(removed, workerID)
			resultMu.Unlock()

			m.publish(&events.Event{
				Type:     events.EventWorkerRemoved,
				PoolID:   poolID,
				WorkerID: workerID,
				Message:  fmt.Sprintf("Worker %s removed: %s", workerID, reason),
				Metadata: map[string]string{
					"reason":   reason,
					"new_size": strconv.Itoa(newSize),
				},
			})
		}(workerID)
	}
	wg.Wait()

	return removed
}

// DrainPool stops dispatch to the pool and removes workers as they go
// idle. Workers already idle are removed immediately.
func (m *Manager) DrainPool(ctx context.Context, poolID string) error {
	state, err := m.state(poolID)
	if err != nil {
		return err
	}

	state.mu.Lock()
	state.pool.Status = types.PoolStatusDraining
	state.pool.UpdatedAt = m.now()
	snapshot := *state.pool
	var idle []string
	for id, w := range state.workers {
		if scheduler.Available(w) {
			idle = append(idle, id)
		}
	}
	state.mu.Unlock()

	if err := m.store.UpdatePool(&snapshot); err != nil {
		return fmt.Errorf("failed to persist pool: %w", err)
	}

	m.logger.Info().
		Str("pool_id", poolID).
		Int("idle_workers", len(idle)).
		Msg("Pool draining")

	if len(idle) > 0 {
		if prov, ok := m.provider(state); ok {
			state.scaleMu.Lock()
			m.destroyWorkers(ctx, state, prov, idle, false, "pool draining")
			state.scaleMu.Unlock()
			m.persistSize(state)
		}
	}
	return nil
}

// FindBestPoolForJob scores pools against the job's requirements and
// returns the best match, or nil when no pool qualifies. Pools with
// idle capacity outrank pools that would need to scale; draining and
// terminated pools never match.
func (m *Manager) FindBestPoolForJob(requirements map[string]string) *types.Pool {
	m.mu.RLock()
	states := make([]*poolState, 0, len(m.pools))
	for _, state := range m.pools {
		states = append(states, state)
	}
	m.mu.RUnlock()

	var (
		best      *types.Pool
		bestScore int
	)
	for _, state := range states {
		state.mu.Lock()
		pool := *state.pool
		available := 0
		for _, w := range state.workers {
			if scheduler.Available(w) {
				available++
			}
		}
		size := len(state.workers)
		state.mu.Unlock()

		if pool.Status == types.PoolStatusDraining || pool.Status == types.PoolStatusTerminated {
			continue
		}
		if pool.Template == nil || !scheduler.Satisfies(pool.Template.Capabilities, requirements) {
			continue
		}

		score := 0
		switch {
		case available > 0:
			score = 100 + available*10
		case pool.Status == types.PoolStatusActive && size < pool.Policy.MaxWorkers:
			score = 50
		}
		if score == 0 {
			continue
		}

		if best == nil || score > bestScore || (score == bestScore && pool.Name < best.Name) {
			snapshot := pool
			best = &snapshot
			bestScore = score
		}
	}
	return best
}

// StreamPoolEvents subscribes to the pool event feed. Callers must
// Unsubscribe through the broker when done.
func (m *Manager) StreamPoolEvents() events.Subscriber {
	return m.broker.SubscribeTypes(events.PoolEventTypes...)
}

// GetPool returns a copy of the pool.
func (m *Manager) GetPool(poolID string) (*types.Pool, error) {
	state, err := m.state(poolID)
	if err != nil {
		return nil, err
	}
	return m.snapshotPool(state), nil
}

// GetPoolByName returns a copy of the pool with the given name.
func (m *Manager) GetPoolByName(name string) (*types.Pool, error) {
	state := m.findByName(name)
	if state == nil {
		return nil, fmt.Errorf("%w: %s", ErrPoolNotFound, name)
	}
	return m.snapshotPool(state), nil
}

// ListPools returns copies of all registered pools sorted by name.
func (m *Manager) ListPools() []*types.Pool {
	m.mu.RLock()
	states := make([]*poolState, 0, len(m.pools))
	for _, state := range m.pools {
		states = append(states, state)
	}
	m.mu.RUnlock()

	pools := make([]*types.Pool, 0, len(states))
	for _, state := range states {
		pools = append(pools, m.snapshotPool(state))
	}
	sort.Slice(pools, func(i, j int) bool { return pools[i].Name < pools[j].Name })
	return pools
}

// Metrics reports the current observability snapshot for one pool.
func (m *Manager) Metrics(poolID string) (*types.PoolMetrics, error) {
	state, err := m.state(poolID)
	if err != nil {
		return nil, err
	}
	return m.poolMetrics(state), nil
}

// OverallMetrics reports snapshots for every pool, sorted by name.
func (m *Manager) OverallMetrics() []*types.PoolMetrics {
	m.mu.RLock()
	states := make([]*poolState, 0, len(m.pools))
	for _, state := range m.pools {
		states = append(states, state)
	}
	m.mu.RUnlock()

	metrics := make([]*types.PoolMetrics, 0, len(states))
	for _, state := range states {
		metrics = append(metrics, m.poolMetrics(state))
	}
	sort.Slice(metrics, func(i, j int) bool { return metrics[i].Name < metrics[j].Name })
	return metrics
}

func (m *Manager) poolMetrics(state *poolState) *types.PoolMetrics {
	state.mu.Lock()
	defer state.mu.Unlock()

	ready, busy := 0, 0
	for _, w := range state.workers {
		switch w.Status {
		case types.WorkerStatusReady:
			ready++
		case types.WorkerStatusBusy:
			busy++
		}
	}

	size := len(state.workers)
	utilization := 0.0
	if size > 0 {
		utilization = float64(busy) / float64(size)
	}

	return &types.PoolMetrics{
		PoolID:       state.pool.ID,
		Name:         state.pool.Name,
		CurrentSize:  size,
		DesiredSize:  state.pool.DesiredSize,
		ReadyWorkers: ready,
		BusyWorkers:  busy,
		Utilization:  utilization,
		Status:       state.pool.Status,
	}
}

// Worker tracking, driven by the hub and the reconciler.

// WorkerRegistered records that a worker's agent connected. Workers
// created before an orchestrator restart are adopted into their pool.
func (m *Manager) WorkerRegistered(workerID, poolID string, capabilities map[string]string) (*types.Worker, error) {
	state, err := m.state(poolID)
	if err != nil {
		return nil, err
	}

	now := m.now()

	state.mu.Lock()
	defer state.mu.Unlock()

	worker, ok := state.workers[workerID]
	if !ok {
		worker = &types.Worker{
			ID:        workerID,
			PoolID:    poolID,
			CreatedAt: now,
		}
		state.workers[workerID] = worker
		state.pool.CurrentSize = len(state.workers)
	}

	worker.Status = types.WorkerStatusReady
	worker.ActiveJobs = 0
	worker.LastSeen = now
	if len(capabilities) > 0 {
		worker.Capabilities = capabilities
	}

	copied := *worker
	return &copied, nil
}

// WorkerHeartbeat refreshes a worker's liveness and declared state.
func (m *Manager) WorkerHeartbeat(workerID string, status types.WorkerStatus, activeJobs int) error {
	state, worker := m.findWorker(workerID)
	if worker == nil {
		return fmt.Errorf("%w: %s", ErrWorkerNotFound, workerID)
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	if w, ok := state.workers[workerID]; ok {
		w.LastSeen = m.now()
		if status != "" {
			w.Status = status
		}
		w.ActiveJobs = activeJobs
	}
	return nil
}

// MarkWorkerBusy flags a worker as executing a job.
func (m *Manager) MarkWorkerBusy(workerID string) error {
	return m.setWorkerState(workerID, types.WorkerStatusBusy, 1)
}

// MarkWorkerReady returns a worker to the dispatch candidate set. In a
// draining pool the worker is removed instead.
func (m *Manager) MarkWorkerReady(workerID string) error {
	state, worker := m.findWorker(workerID)
	if worker == nil {
		return fmt.Errorf("%w: %s", ErrWorkerNotFound, workerID)
	}

	state.mu.Lock()
	draining := state.pool.Status == types.PoolStatusDraining
	if w, ok := state.workers[workerID]; ok {
		w.Status = types.WorkerStatusReady
		w.ActiveJobs = 0
		w.LastSeen = m.now()
	}
	state.mu.Unlock()

	if draining {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := m.RemoveWorker(ctx, workerID, "pool draining"); err != nil {
				m.logger.Warn().Str("worker_id", workerID).Err(err).Msg("Drain removal failed")
			}
		}()
	}
	return nil
}

// MarkWorkerOffline flags a worker whose session went silent. The
// reconciler decides whether to replace it.
func (m *Manager) MarkWorkerOffline(workerID string) error {
	return m.setWorkerState(workerID, types.WorkerStatusOffline, 0)
}

// MarkWorkerFailed flags a worker terminated for misbehavior.
func (m *Manager) MarkWorkerFailed(workerID string) error {
	return m.setWorkerState(workerID, types.WorkerStatusFailed, 0)
}

func (m *Manager) setWorkerState(workerID string, status types.WorkerStatus, activeJobs int) error {
	state, worker := m.findWorker(workerID)
	if worker == nil {
		return fmt.Errorf("%w: %s", ErrWorkerNotFound, workerID)
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	if w, ok := state.workers[workerID]; ok {
		w.Status = status
		w.ActiveJobs = activeJobs
		w.LastSeen = m.now()
	}
	return nil
}

// RemoveWorker deletes one member through its provider and emits
// WorkerRemoved. NotFound from the backend counts as success.
func (m *Manager) RemoveWorker(ctx context.Context, workerID, reason string) error {
	state, worker := m.findWorker(workerID)
	if worker == nil {
		return fmt.Errorf("%w: %s", ErrWorkerNotFound, workerID)
	}

	prov, ok := m.provider(state)
	if !ok {
		return fmt.Errorf("provider is not registered")
	}

	state.scaleMu.Lock()
	removed := m.destroyWorkers(ctx, state, prov, []string{workerID}, true, reason)
	state.scaleMu.Unlock()

	if len(removed) == 0 {
		return fmt.Errorf("failed to remove worker %s", workerID)
	}
	m.persistSize(state)
	return nil
}

// GetWorker returns a copy of the worker.
func (m *Manager) GetWorker(workerID string) (*types.Worker, bool) {
	state, worker := m.findWorker(workerID)
	if worker == nil {
		return nil, false
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	w, ok := state.workers[workerID]
	if !ok {
		return nil, false
	}
	copied := *w
	return &copied, true
}

// AvailableWorkers returns copies of every Ready idle worker outside
// draining pools. The queue processor uses them as dispatch candidates.
func (m *Manager) AvailableWorkers() []*types.Worker {
	m.mu.RLock()
	states := make([]*poolState, 0, len(m.pools))
	for _, state := range m.pools {
		states = append(states, state)
	}
	m.mu.RUnlock()

	var available []*types.Worker
	for _, state := range states {
		state.mu.Lock()
		if state.pool.Status == types.PoolStatusDraining || state.pool.Status == types.PoolStatusTerminated {
			state.mu.Unlock()
			continue
		}
		for _, w := range state.workers {
			if scheduler.Available(w) {
				copied := *w
				available = append(available, &copied)
			}
		}
		state.mu.Unlock()
	}

	sort.Slice(available, func(i, j int) bool { return available[i].ID < available[j].ID })
	return available
}

// ListWorkers returns copies of workers, optionally scoped to one pool.
func (m *Manager) ListWorkers(poolID string) []*types.Worker {
	m.mu.RLock()
	states := make([]*poolState, 0, len(m.pools))
	for id, state := range m.pools {
		if poolID != "" && id != poolID {
			continue
		}
		states = append(states, state)
	}
	m.mu.RUnlock()

	var workers []*types.Worker
	for _, state := range states {
		state.mu.Lock()
		for _, w := range state.workers {
			copied := *w
			workers = append(workers, &copied)
		}
		state.mu.Unlock()
	}

	sort.Slice(workers, func(i, j int) bool { return workers[i].ID < workers[j].ID })
	return workers
}

// Restore reloads persisted pools into the registry after a restart
// and rebuilds membership from each provider's view.
func (m *Manager) Restore(ctx context.Context) error {
	pools, err := m.store.ListPools()
	if err != nil {
		return fmt.Errorf("failed to load pools: %w", err)
	}

	for _, pool := range pools {
		state := &poolState{
			pool:    pool,
			workers: make(map[string]*types.Worker),
		}

		if prov, ok := m.providers.Get(pool.Provider); ok {
			workers, err := prov.ListWorkers(ctx, pool.ID)
			if err != nil {
				m.logger.Warn().
					Str("pool_id", pool.ID).
					Err(err).
					Msg("Failed to list workers during restore")
			}
			for _, w := range workers {
				state.workers[w.ID] = w
			}
		}
		pool.CurrentSize = len(state.workers)

		m.mu.Lock()
		m.pools[pool.ID] = state
		m.mu.Unlock()

		m.logger.Info().
			Str("pool_id", pool.ID).
			Str("name", pool.Name).
			Int("workers", pool.CurrentSize).
			Msg("Pool restored")
	}
	return nil
}

// Helpers.

func (m *Manager) state(poolID string) (*poolState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.pools[poolID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPoolNotFound, poolID)
	}
	return state, nil
}

func (m *Manager) findByName(name string) *poolState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, state := range m.pools {
		state.mu.Lock()
		match := state.pool.Name == name
		state.mu.Unlock()
		if match {
			return state
		}
	}
	return nil
}

func (m *Manager) findWorker(workerID string) (*poolState, *types.Worker) {
	m.mu.RLock()
	states := make([]*poolState, 0, len(m.pools))
	for _, state := range m.pools {
		states = append(states, state)
	}
	m.mu.RUnlock()

	for _, state := range states {
		state.mu.Lock()
		worker, ok := state.workers[workerID]
		state.mu.Unlock()
		if ok {
			return state, worker
		}
	}
	return nil, nil
}

func (m *Manager) provider(state *poolState) (provider.Provider, bool) {
	state.mu.Lock()
	name := state.pool.Provider
	state.mu.Unlock()
	return m.providers.Get(name)
}

func (m *Manager) setStatus(state *poolState, status types.PoolStatus) {
	state.mu.Lock()
	state.pool.Status = status
	state.pool.UpdatedAt = m.now()
	state.mu.Unlock()
}

func (m *Manager) snapshotPool(state *poolState) *types.Pool {
	state.mu.Lock()
	defer state.mu.Unlock()
	snapshot := *state.pool
	snapshot.CurrentSize = len(state.workers)
	return &snapshot
}

func (m *Manager) persistSize(state *poolState) {
	state.mu.Lock()
	state.pool.CurrentSize = len(state.workers)
	state.pool.UpdatedAt = m.now()
	snapshot := *state.pool
	state.mu.Unlock()

	if err := m.store.UpdatePool(&snapshot); err != nil {
		m.logger.Warn().Str("pool_id", snapshot.ID).Err(err).Msg("Failed to persist pool size")
	}
}

// templateFor clones the pool template and merges the manager's worker
// environment on top of the template's own.
func (m *Manager) templateFor(tmpl *types.WorkerTemplate) *types.WorkerTemplate {
	if len(m.workerEnv) == 0 {
		return tmpl
	}

	merged := *tmpl
	env := make(map[string]string, len(tmpl.Env)+len(m.workerEnv))
	for k, v := range tmpl.Env {
		env[k] = v
	}
	for k, v := range m.workerEnv {
		env[k] = v
	}
	merged.Env = env
	return &merged
}

// fitCount reports how many more template-sized workers the remaining
// capacity holds, and which dimensions run out first.
func fitCount(avail *types.ResourceAvailability, req *provider.ResourceRequest) (int, []string) {
	cpuFit, memFit := -1, -1
	if req.CPUMillis > 0 {
		cpuFit = int(avail.AvailableCPU / req.CPUMillis)
	}
	if req.MemoryBytes > 0 {
		memFit = int(avail.AvailableMemory / req.MemoryBytes)
	}

	fits := -1
	var factors []string
	switch {
	case cpuFit >= 0 && (memFit < 0 || cpuFit < memFit):
		fits = cpuFit
		factors = []string{"CPU limit"}
	case memFit >= 0 && (cpuFit < 0 || memFit < cpuFit):
		fits = memFit
		factors = []string{"memory limit"}
	case cpuFit >= 0:
		fits = cpuFit
		factors = []string{"CPU limit", "memory limit"}
	}

	if fits < 0 {
		// Template requests nothing measurable; capacity cannot bound it.
		return int(^uint(0) >> 1), nil
	}
	return fits, factors
}

func (m *Manager) publish(event *events.Event) {
	if m.broker == nil {
		return
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = m.now()
	}
	m.broker.Publish(event)
}
