package coordinator

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/drovekit/drover/pkg/artifact"
	"github.com/drovekit/drover/pkg/events"
	"github.com/drovekit/drover/pkg/hub"
	"github.com/drovekit/drover/pkg/metrics"
	"github.com/drovekit/drover/pkg/monitor"
	"github.com/drovekit/drover/pkg/pool"
	"github.com/drovekit/drover/pkg/queue"
	"github.com/drovekit/drover/pkg/store"
	"github.com/drovekit/drover/pkg/types"
)

// ErrJobNotCancellable is returned by CancelJob for jobs already in a
// terminal state.
var ErrJobNotCancellable = errors.New("coordinator: job is not cancellable")

// SubmitJob validates, persists, and enqueues a job. A missing ID is
// assigned. The returned result carries the queue outcome; only
// EnqueueAccepted means the job will run.
func (c *Coordinator) SubmitJob(job *types.Job) (*queue.EnqueueResult, error) {
	if job == nil {
		return nil, fmt.Errorf("job is required")
	}
	if job.Payload == nil || (len(job.Payload.Command) == 0 && job.Payload.Script == "") {
		return nil, fmt.Errorf("job payload needs a command or a script")
	}
	for _, id := range job.RequiredArtifacts {
		if _, err := c.artifacts.Get(id); err != nil {
			return nil, fmt.Errorf("required artifact %s: %w", id, err)
		}
	}

	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = c.now()
	}

	result := c.queue.Enqueue(job)
	if result.Outcome != queue.EnqueueAccepted {
		return result, nil
	}

	if err := c.store.CreateJob(job); err != nil {
		c.queue.Dequeue(job.ID)
		return nil, fmt.Errorf("failed to persist job: %w", err)
	}

	c.publish(&events.Event{
		Type:     events.EventJobQueued,
		JobID:    job.ID,
		Message:  fmt.Sprintf("Job %s queued", job.Name),
		Metadata: map[string]string{"priority": job.Priority.String()},
	})
	c.logger.Info().
		Str("job_id", job.ID).
		Str("name", job.Name).
		Str("priority", job.Priority.String()).
		Int("queue_size", result.QueueSize).
		Msg("Job submitted")
	return result, nil
}

// CancelJob stops a job wherever it currently lives: dispatched jobs
// go through the hub's cancel window, queued jobs are removed and
// marked Cancelled directly. Terminal jobs are not cancellable.
func (c *Coordinator) CancelJob(jobID string) error {
	err := c.hub.Cancel(jobID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, hub.ErrJobNotManaged) {
		return err
	}

	if entry := c.queue.Dequeue(jobID); entry != nil {
		now := c.now()
		job := entry.Job
		job.Status = types.JobStatusCancelled
		job.Result = &types.JobResult{
			Success:    false,
			Error:      "cancelled before dispatch",
			FinishedAt: now,
		}
		job.UpdatedAt = now
		if err := c.store.UpdateJob(job); err != nil {
			c.logger.Warn().Str("job_id", job.ID).Err(err).Msg("Job update failed")
		}
		metrics.JobsCompleted.WithLabelValues(string(types.JobStatusCancelled)).Inc()
		c.publish(&events.Event{
			Type:     events.EventJobCompleted,
			JobID:    job.ID,
			Message:  job.Result.Error,
			Metadata: map[string]string{"status": string(types.JobStatusCancelled), "success": "false"},
		})
		c.logger.Info().Str("job_id", job.ID).Msg("Queued job cancelled")
		return nil
	}

	job, err := c.store.GetJob(jobID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: job %s is %s", ErrJobNotCancellable, jobID, job.Status)
}

// GetJob returns a job by ID.
func (c *Coordinator) GetJob(id string) (*types.Job, error) {
	return c.store.GetJob(id)
}

// ListJobs returns all jobs, optionally filtered by status.
func (c *Coordinator) ListJobs(status types.JobStatus) ([]*types.Job, error) {
	if status == "" {
		return c.store.ListJobs()
	}
	return c.store.ListJobsByStatus(status)
}

// JobOutput returns captured output for a running or recently finished
// job.
func (c *Coordinator) JobOutput(jobID string) ([]byte, bool) {
	return c.hub.JobOutput(jobID)
}

// Subsystem accessors for the API layer.

func (c *Coordinator) Queue() *queue.Queue               { return c.queue }
func (c *Coordinator) Pools() *pool.Manager              { return c.pools }
func (c *Coordinator) Hub() *hub.Hub                     { return c.hub }
func (c *Coordinator) Store() store.Store                { return c.store }
func (c *Coordinator) Broker() *events.Broker            { return c.broker }
func (c *Coordinator) Artifacts() *artifact.ContentStore { return c.artifacts }
func (c *Coordinator) Monitor() *monitor.Monitor         { return c.monitor }
func (c *Coordinator) Tokens() *TokenManager             { return c.tokens }

// WorkerToken is the join token injected into provisioned workers.
func (c *Coordinator) WorkerToken() *JoinToken { return c.workerToken }
