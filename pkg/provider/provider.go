package provider

import (
	"context"
	"errors"
	"time"

	"github.com/drovekit/drover/pkg/types"
)

// Provider is the uniform interface over compute backends. A provider
// materializes workers from templates, reports cluster capacity, and
// optionally streams worker lifecycle events.
type Provider interface {
	// Name returns the registry key for this provider instance.
	Name() string

	// Info describes the backend and its capabilities.
	Info() ProviderInfo

	// CreateWorker materializes a worker from a template, bound to a pool.
	CreateWorker(ctx context.Context, tmpl *types.WorkerTemplate, poolID string) *CreateWorkerResult

	// DeleteWorker destroys a worker. Deleting an unknown worker
	// reports OutcomeNotFound; callers usually treat that as success.
	DeleteWorker(ctx context.Context, workerID string) *DeleteWorkerResult

	// GetWorkerStatus reports the backend's view of a worker.
	GetWorkerStatus(ctx context.Context, workerID string) (types.WorkerStatus, error)

	// ListWorkers enumerates workers, optionally scoped to one pool.
	ListWorkers(ctx context.Context, poolID string) ([]*types.Worker, error)

	// GetResourceAvailability snapshots remaining cluster capacity.
	GetResourceAvailability(ctx context.Context) (*types.ResourceAvailability, error)

	// WatchWorkerEvents streams worker lifecycle events. Providers
	// without the event-stream capability return ErrEventStreamUnsupported.
	WatchWorkerEvents(ctx context.Context) (<-chan WorkerEvent, error)

	// ValidateTemplate returns the list of template problems, empty when valid.
	ValidateTemplate(tmpl *types.WorkerTemplate) []string

	// HealthCheck verifies the backend is reachable.
	HealthCheck(ctx context.Context) error

	// Close releases backend connections.
	Close() error
}

// ProviderInfo describes a backend.
type ProviderInfo struct {
	Name         string
	Type         string // "containerd", "cluster", "simulated"
	Version      string
	Capabilities Capabilities
}

// Capabilities advertises optional provider behaviors.
type Capabilities struct {
	EventStream            bool
	MaxConcurrentCreations int
	MaxVolumes             int
}

// WorkerEventType tags provider worker events.
type WorkerEventType string

const (
	WorkerEventCreated WorkerEventType = "created"
	WorkerEventStopped WorkerEventType = "stopped"
	WorkerEventFailed  WorkerEventType = "failed"
	WorkerEventRemoved WorkerEventType = "removed"
)

// WorkerEvent is one entry on a provider's event stream.
type WorkerEvent struct {
	Type      WorkerEventType
	WorkerID  string
	PoolID    string
	Message   string
	Timestamp time.Time
}

// CreateWorkerOutcome discriminates CreateWorkerResult variants.
type CreateWorkerOutcome string

const (
	CreateOutcomeCreated               CreateWorkerOutcome = "created"
	CreateOutcomeInvalidTemplate       CreateWorkerOutcome = "invalid-template"
	CreateOutcomeInsufficientResources CreateWorkerOutcome = "insufficient-resources"
	CreateOutcomeFailed                CreateWorkerOutcome = "failed"
)

// CreateWorkerResult is the tagged result of CreateWorker.
type CreateWorkerResult struct {
	Outcome          CreateWorkerOutcome
	Worker           *types.Worker          // set when Outcome == created
	ValidationErrors []string               // set when Outcome == invalid-template
	Required         *ResourceRequest       // set when Outcome == insufficient-resources
	Available        *types.ResourceAvailability
	Err              error // set when Outcome == failed
}

// ResourceRequest is the parsed capacity a template asks for.
type ResourceRequest struct {
	CPUMillis    int64
	MemoryBytes  int64
	StorageBytes int64
}

// DeleteWorkerOutcome discriminates DeleteWorkerResult variants.
type DeleteWorkerOutcome string

const (
	DeleteOutcomeDeleted       DeleteWorkerOutcome = "deleted"
	DeleteOutcomeNotFound      DeleteWorkerOutcome = "not-found"
	DeleteOutcomeHasActiveJobs DeleteWorkerOutcome = "has-active-jobs"
	DeleteOutcomeFailed        DeleteWorkerOutcome = "failed"
)

// DeleteWorkerResult is the tagged result of DeleteWorker.
type DeleteWorkerResult struct {
	Outcome    DeleteWorkerOutcome
	ActiveJobs []string // set when Outcome == has-active-jobs
	Err        error    // set when Outcome == failed
}

// Sentinel errors classified by FailureClassOf.
var (
	ErrWorkerNotFound         = errors.New("provider: worker not found")
	ErrPermissionDenied       = errors.New("provider: permission denied")
	ErrAlreadyExists          = errors.New("provider: worker already exists")
	ErrEventStreamUnsupported = errors.New("provider: event stream not supported")
)

// FailureClass buckets provider errors for retry policy.
type FailureClass string

const (
	// FailureNotFound is benign on delete paths.
	FailureNotFound FailureClass = "not-found"
	// FailurePermission is fatal and surfaced immediately.
	FailurePermission FailureClass = "permission"
	// FailureConflict (create of an existing resource) is surfaced.
	FailureConflict FailureClass = "conflict"
	// FailureRetryable covers everything else: retried once, then surfaced.
	FailureRetryable FailureClass = "retryable"
)

// FailureClassOf classifies a provider error for the caller's recovery
// policy.
func FailureClassOf(err error) FailureClass {
	switch {
	case errors.Is(err, ErrWorkerNotFound):
		return FailureNotFound
	case errors.Is(err, ErrPermissionDenied):
		return FailurePermission
	case errors.Is(err, ErrAlreadyExists):
		return FailureConflict
	default:
		return FailureRetryable
	}
}

// Registry is a named set of providers consulted by the pool manager
// and resource monitor.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry builds a registry from the given providers, keyed by Name.
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		r.providers[p.Name()] = p
	}
	return r
}

// Get returns the named provider.
func (r *Registry) Get(name string) (Provider, bool) {
	p, ok := r.providers[name]
	return p, ok
}

// Names lists registered provider names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}

// All returns every registered provider.
func (r *Registry) All() []Provider {
	all := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		all = append(all, p)
	}
	return all
}

// Close closes every provider, returning the first error.
func (r *Registry) Close() error {
	var first error
	for _, p := range r.providers {
		if err := p.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
