package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/drovekit/drover/pkg/log"
	"github.com/drovekit/drover/pkg/types"
)

// Default advertised capacity for a simulated backend.
const (
	simulatedDefaultCPU    = "16"
	simulatedDefaultMemory = "32Gi"
)

// SimulatedConfig configures an in-memory backend.
type SimulatedConfig struct {
	// Name is the registry key; defaults to "simulated".
	Name string

	// TotalCPU and TotalMemory set the advertised capacity,
	// e.g. "16" and "32Gi".
	TotalCPU    string
	TotalMemory string

	// CreationDelay makes provisioning take this long instead of
	// completing instantly.
	CreationDelay time.Duration

	// MaxConcurrentCreations bounds parallel worker creation.
	MaxConcurrentCreations int

	// MaxVolumes caps volume mounts per template.
	MaxVolumes int

	// Clock overrides time.Now for tests.
	Clock func() time.Time
}

// SimulatedProvider keeps workers purely in memory. It implements the
// full Provider surface including the event stream, making it the
// backend for integration tests and local development.
type SimulatedProvider struct {
	name   string
	caps   Capabilities
	delay  time.Duration
	now    func() time.Time
	logger zerolog.Logger

	totalCPUMillis int64
	totalMemory    int64

	mu        sync.Mutex
	workers   map[string]*types.Worker
	allocs    map[string]ResourceRequest
	watchers  map[chan WorkerEvent]struct{}
	createErr error
	closed    bool
}

// NewSimulatedProvider builds an in-memory backend.
func NewSimulatedProvider(cfg SimulatedConfig) (*SimulatedProvider, error) {
	if cfg.Name == "" {
		cfg.Name = "simulated"
	}
	if cfg.TotalCPU == "" {
		cfg.TotalCPU = simulatedDefaultCPU
	}
	if cfg.TotalMemory == "" {
		cfg.TotalMemory = simulatedDefaultMemory
	}
	if cfg.MaxConcurrentCreations <= 0 {
		cfg.MaxConcurrentCreations = 8
	}
	if cfg.MaxVolumes <= 0 {
		cfg.MaxVolumes = DefaultMaxVolumes
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	cpuMillis, err := ParseCPU(cfg.TotalCPU)
	if err != nil {
		return nil, fmt.Errorf("invalid total cpu: %w", err)
	}
	memBytes, err := ParseMemory(cfg.TotalMemory)
	if err != nil {
		return nil, fmt.Errorf("invalid total memory: %w", err)
	}

	return &SimulatedProvider{
		name: cfg.Name,
		caps: Capabilities{
			EventStream:            true,
			MaxConcurrentCreations: cfg.MaxConcurrentCreations,
			MaxVolumes:             cfg.MaxVolumes,
		},
		delay:          cfg.CreationDelay,
		now:            cfg.Clock,
		logger:         log.WithComponent("provider-simulated"),
		totalCPUMillis: cpuMillis,
		totalMemory:    memBytes,
		workers:        make(map[string]*types.Worker),
		allocs:         make(map[string]ResourceRequest),
		watchers:       make(map[chan WorkerEvent]struct{}),
	}, nil
}

// Name returns the registry key for this provider instance.
func (p *SimulatedProvider) Name() string {
	return p.name
}

// Info describes the backend.
func (p *SimulatedProvider) Info() ProviderInfo {
	return ProviderInfo{
		Name:         p.name,
		Type:         "simulated",
		Version:      "in-memory",
		Capabilities: p.caps,
	}
}

// ValidateTemplate checks a template against this backend's limits.
func (p *SimulatedProvider) ValidateTemplate(tmpl *types.WorkerTemplate) []string {
	return ValidateTemplate(tmpl, p.caps)
}

// CreateWorker reserves capacity and materializes an in-memory worker
// after the configured delay.
func (p *SimulatedProvider) CreateWorker(ctx context.Context, tmpl *types.WorkerTemplate, poolID string) *CreateWorkerResult {
	if problems := p.ValidateTemplate(tmpl); len(problems) > 0 {
		return &CreateWorkerResult{Outcome: CreateOutcomeInvalidTemplate, ValidationErrors: problems}
	}

	req, err := ParseRequests(tmpl.Resources.CPU, tmpl.Resources.Memory, tmpl.Resources.Storage)
	if err != nil {
		return &CreateWorkerResult{Outcome: CreateOutcomeInvalidTemplate, ValidationErrors: []string{err.Error()}}
	}

	if err := p.forcedError(); err != nil {
		return &CreateWorkerResult{Outcome: CreateOutcomeFailed, Err: err}
	}

	workerID := fmt.Sprintf("%s-%s", tmpl.Name, uuid.New().String()[:8])

	if ok, avail := p.reserve(workerID, *req); !ok {
		return &CreateWorkerResult{
			Outcome:   CreateOutcomeInsufficientResources,
			Required:  req,
			Available: avail,
		}
	}

	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			p.release(workerID)
			return &CreateWorkerResult{Outcome: CreateOutcomeFailed, Err: ctx.Err()}
		}
	}

	now := p.now()
	worker := &types.Worker{
		ID:           workerID,
		Name:         tmpl.Name,
		PoolID:       poolID,
		Status:       types.WorkerStatusReady,
		Capabilities: cloneMap(tmpl.Capabilities),
		Labels:       cloneMap(tmpl.Labels),
		CreatedAt:    now,
		LastSeen:     now,
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.release(workerID)
		return &CreateWorkerResult{Outcome: CreateOutcomeFailed, Err: fmt.Errorf("provider closed")}
	}
	p.workers[workerID] = worker
	p.mu.Unlock()

	p.emit(WorkerEvent{
		Type:      WorkerEventCreated,
		WorkerID:  workerID,
		PoolID:    poolID,
		Timestamp: now,
	})

	p.logger.Debug().
		Str("worker_id", workerID).
		Str("pool_id", poolID).
		Msg("Simulated worker created")

	// Returned copy reports provisioning; readiness is the control
	// plane's call once the agent registers.
	created := *worker
	created.Status = types.WorkerStatusProvisioning
	return &CreateWorkerResult{Outcome: CreateOutcomeCreated, Worker: &created}
}

// DeleteWorker removes an in-memory worker. An unknown worker reports
// OutcomeNotFound.
func (p *SimulatedProvider) DeleteWorker(ctx context.Context, workerID string) *DeleteWorkerResult {
	p.mu.Lock()
	worker, ok := p.workers[workerID]
	if ok {
		delete(p.workers, workerID)
		delete(p.allocs, workerID)
	}
	p.mu.Unlock()

	if !ok {
		return &DeleteWorkerResult{Outcome: DeleteOutcomeNotFound}
	}

	p.emit(WorkerEvent{
		Type:      WorkerEventRemoved,
		WorkerID:  workerID,
		PoolID:    worker.PoolID,
		Timestamp: p.now(),
	})

	p.logger.Debug().Str("worker_id", workerID).Msg("Simulated worker deleted")
	return &DeleteWorkerResult{Outcome: DeleteOutcomeDeleted}
}

// GetWorkerStatus reports the backend's view of a worker.
func (p *SimulatedProvider) GetWorkerStatus(ctx context.Context, workerID string) (types.WorkerStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	worker, ok := p.workers[workerID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrWorkerNotFound, workerID)
	}
	return worker.Status, nil
}

// ListWorkers enumerates workers, optionally scoped to one pool.
func (p *SimulatedProvider) ListWorkers(ctx context.Context, poolID string) ([]*types.Worker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	workers := make([]*types.Worker, 0, len(p.workers))
	for _, w := range p.workers {
		if poolID != "" && w.PoolID != poolID {
			continue
		}
		copied := *w
		workers = append(workers, &copied)
	}
	return workers, nil
}

// GetResourceAvailability reports configured totals minus live
// allocations.
func (p *SimulatedProvider) GetResourceAvailability(ctx context.Context) (*types.ResourceAvailability, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.availabilityLocked(), nil
}

// WatchWorkerEvents streams lifecycle events until ctx is cancelled.
func (p *SimulatedProvider) WatchWorkerEvents(ctx context.Context) (<-chan WorkerEvent, error) {
	ch := make(chan WorkerEvent, 32)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fmt.Errorf("provider closed")
	}
	p.watchers[ch] = struct{}{}
	p.mu.Unlock()

	go func() {
		<-ctx.Done()
		p.mu.Lock()
		if _, ok := p.watchers[ch]; ok {
			delete(p.watchers, ch)
			close(ch)
		}
		p.mu.Unlock()
	}()

	return ch, nil
}

// HealthCheck reports whether the backend is accepting calls.
func (p *SimulatedProvider) HealthCheck(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("provider closed")
	}
	return nil
}

// Close tears down all watchers and rejects further calls.
func (p *SimulatedProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	for ch := range p.watchers {
		delete(p.watchers, ch)
		close(ch)
	}
	return nil
}

// SetCreateError forces subsequent CreateWorker calls to fail with err.
// Pass nil to restore normal behavior.
func (p *SimulatedProvider) SetCreateError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.createErr = err
}

// MarkWorkerStatus flips a worker's backend status and emits the
// matching lifecycle event. It simulates container crashes and stops.
func (p *SimulatedProvider) MarkWorkerStatus(workerID string, status types.WorkerStatus) error {
	p.mu.Lock()
	worker, ok := p.workers[workerID]
	if ok {
		worker.Status = status
	}
	p.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrWorkerNotFound, workerID)
	}

	var eventType WorkerEventType
	switch status {
	case types.WorkerStatusFailed:
		eventType = WorkerEventFailed
	case types.WorkerStatusOffline, types.WorkerStatusTerminating:
		eventType = WorkerEventStopped
	default:
		return nil
	}

	p.emit(WorkerEvent{
		Type:      eventType,
		WorkerID:  workerID,
		PoolID:    worker.PoolID,
		Timestamp: p.now(),
	})
	return nil
}

// WorkerCount reports how many workers the backend currently holds.
func (p *SimulatedProvider) WorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

func (p *SimulatedProvider) forcedError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.createErr
}

// emit fans an event out to every watcher without blocking; a watcher
// that stopped draining loses events rather than stalling the backend.
func (p *SimulatedProvider) emit(event WorkerEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for ch := range p.watchers {
		select {
		case ch <- event:
		default:
		}
	}
}

func (p *SimulatedProvider) reserve(workerID string, req ResourceRequest) (bool, *types.ResourceAvailability) {
	p.mu.Lock()
	defer p.mu.Unlock()

	avail := p.availabilityLocked()
	if req.CPUMillis > avail.AvailableCPU || req.MemoryBytes > avail.AvailableMemory {
		return false, avail
	}

	p.allocs[workerID] = req
	return true, nil
}

func (p *SimulatedProvider) release(workerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.allocs, workerID)
}

func (p *SimulatedProvider) availabilityLocked() *types.ResourceAvailability {
	var usedCPU, usedMem int64
	for _, alloc := range p.allocs {
		usedCPU += alloc.CPUMillis
		usedMem += alloc.MemoryBytes
	}
	return &types.ResourceAvailability{
		TotalCPUMillis:  p.totalCPUMillis,
		AvailableCPU:    p.totalCPUMillis - usedCPU,
		TotalMemory:     p.totalMemory,
		AvailableMemory: p.totalMemory - usedMem,
		NodeCount:       1,
		Timestamp:       p.now(),
	}
}
