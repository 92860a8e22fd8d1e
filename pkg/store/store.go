package store

import (
	"errors"

	"github.com/drovekit/drover/pkg/types"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("store: not found")

// Store persists orchestrator state: jobs, pools, and artifact
// metadata. The coordinator is the only writer; read paths are shared
// with the API layer.
type Store interface {
	// Jobs
	CreateJob(job *types.Job) error
	GetJob(id string) (*types.Job, error)
	ListJobs() ([]*types.Job, error)
	ListJobsByStatus(status types.JobStatus) ([]*types.Job, error)
	UpdateJob(job *types.Job) error
	DeleteJob(id string) error

	// Pools
	CreatePool(pool *types.Pool) error
	GetPool(id string) (*types.Pool, error)
	GetPoolByName(name string) (*types.Pool, error)
	ListPools() ([]*types.Pool, error)
	UpdatePool(pool *types.Pool) error
	DeletePool(id string) error

	// Artifact metadata (content lives in the artifact store)
	CreateArtifact(artifact *types.Artifact) error
	GetArtifact(id string) (*types.Artifact, error)
	ListArtifacts() ([]*types.Artifact, error)
	DeleteArtifact(id string) error

	// Utility
	Close() error
}
