package api

import (
	"fmt"
	"time"

	"github.com/drovekit/drover/pkg/types"
)

// SubmitJobRequest is the POST /v1/jobs body. It doubles as the YAML
// manifest schema for `drover apply`, so durations are strings
// ("5m", "90s") rather than nanosecond counts.
type SubmitJobRequest struct {
	Name              string            `json:"name" yaml:"name"`
	Command           []string          `json:"command,omitempty" yaml:"command,omitempty"`
	Script            string            `json:"script,omitempty" yaml:"script,omitempty"`
	Env               map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	WorkingDir        string            `json:"workingDir,omitempty" yaml:"workingDir,omitempty"`
	Timeout           string            `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Priority          string            `json:"priority,omitempty" yaml:"priority,omitempty"`
	Requirements      map[string]string `json:"requirements,omitempty" yaml:"requirements,omitempty"`
	RequiredArtifacts []string          `json:"requiredArtifacts,omitempty" yaml:"requiredArtifacts,omitempty"`
	Deadline          *time.Time        `json:"deadline,omitempty" yaml:"deadline,omitempty"`
	MaxRetries        int               `json:"maxRetries,omitempty" yaml:"maxRetries,omitempty"`
}

// Job converts the request into the internal entity.
func (r *SubmitJobRequest) Job() (*types.Job, error) {
	var timeout time.Duration
	if r.Timeout != "" {
		d, err := time.ParseDuration(r.Timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid timeout %q: %w", r.Timeout, err)
		}
		timeout = d
	}

	job := &types.Job{
		Name: r.Name,
		Payload: &types.JobPayload{
			Command:    r.Command,
			Script:     r.Script,
			Env:        r.Env,
			WorkingDir: r.WorkingDir,
			Timeout:    timeout,
		},
		Priority:          types.ParsePriority(r.Priority),
		Requirements:      r.Requirements,
		RequiredArtifacts: r.RequiredArtifacts,
		MaxRetries:        r.MaxRetries,
	}
	if r.Deadline != nil {
		job.Deadline = *r.Deadline
	}
	return job, nil
}

// SubmitJobResponse is the 202 body for an accepted job.
type SubmitJobResponse struct {
	Job       *types.Job `json:"job"`
	QueueSize int        `json:"queueSize"`
}

// CreatePoolRequest is the POST /v1/pools body and the pool manifest
// schema.
type CreatePoolRequest struct {
	Name     string                `json:"name" yaml:"name"`
	Provider string                `json:"provider" yaml:"provider"`
	Template *types.WorkerTemplate `json:"template" yaml:"template"`
	Policy   ScalingPolicyRequest  `json:"policy" yaml:"policy"`
}

// ScalingPolicyRequest mirrors types.ScalingPolicy with a string
// cooldown.
type ScalingPolicyRequest struct {
	MinWorkers         int     `json:"minWorkers" yaml:"minWorkers"`
	MaxWorkers         int     `json:"maxWorkers" yaml:"maxWorkers"`
	ScaleUpThreshold   float64 `json:"scaleUpThreshold,omitempty" yaml:"scaleUpThreshold,omitempty"`
	ScaleDownThreshold float64 `json:"scaleDownThreshold,omitempty" yaml:"scaleDownThreshold,omitempty"`
	Cooldown           string  `json:"cooldown,omitempty" yaml:"cooldown,omitempty"`
}

// Spec converts the request into the internal pool spec.
func (r *CreatePoolRequest) Spec() (*types.PoolSpec, error) {
	var cooldown time.Duration
	if r.Policy.Cooldown != "" {
		d, err := time.ParseDuration(r.Policy.Cooldown)
		if err != nil {
			return nil, fmt.Errorf("invalid cooldown %q: %w", r.Policy.Cooldown, err)
		}
		cooldown = d
	}

	return &types.PoolSpec{
		Name:     r.Name,
		Provider: r.Provider,
		Template: r.Template,
		Policy: types.ScalingPolicy{
			MinWorkers:         r.Policy.MinWorkers,
			MaxWorkers:         r.Policy.MaxWorkers,
			ScaleUpThreshold:   r.Policy.ScaleUpThreshold,
			ScaleDownThreshold: r.Policy.ScaleDownThreshold,
			Cooldown:           cooldown,
		},
	}, nil
}

// CreatePoolResponse carries the outcome of pool creation. Exactly one
// of Pool, ValidationErrors, or Factors is populated outside the happy
// path's Pool.
type CreatePoolResponse struct {
	Outcome          string      `json:"outcome"`
	Pool             *types.Pool `json:"pool,omitempty"`
	ValidationErrors []string    `json:"validationErrors,omitempty"`
	Factors          []string    `json:"factors,omitempty"`
	Error            string      `json:"error,omitempty"`
}

// ScaleRequest is the POST /v1/pools/{id}/scale body.
type ScaleRequest struct {
	Target int    `json:"target"`
	Reason string `json:"reason,omitempty"`
	Force  bool   `json:"force,omitempty"`
}

// ScaleResponse mirrors the pool manager's scale result.
type ScaleResponse struct {
	Outcome  string   `json:"outcome"`
	From     int      `json:"from"`
	To       int      `json:"to"`
	Target   int      `json:"target"`
	Affected []string `json:"affected,omitempty"`
	Reason   string   `json:"reason,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// WorkerView is a worker plus its live session state, when any.
type WorkerView struct {
	*types.Worker
	SessionState string `json:"sessionState,omitempty"`
}

// CreateTokenRequest is the POST /v1/tokens body.
type CreateTokenRequest struct {
	Role string `json:"role"`
	TTL  string `json:"ttl,omitempty"`
}

// StatusResponse is the GET /v1/status body.
type StatusResponse struct {
	Version   string                                 `json:"version,omitempty"`
	Metrics   *types.SystemMetrics                   `json:"metrics"`
	Queue     QueueStatus                            `json:"queue"`
	Providers map[string]*types.ResourceAvailability `json:"providers,omitempty"`
	Pools     []*types.PoolMetrics                   `json:"pools,omitempty"`
}

// QueueStatus summarizes queue pressure for /v1/status.
type QueueStatus struct {
	Total       int            `json:"total"`
	PerPriority map[string]int `json:"perPriority,omitempty"`
	OldestWait  string         `json:"oldestWait,omitempty"`
	AverageWait string         `json:"averageWait,omitempty"`
	Expired     int            `json:"expired"`
}
