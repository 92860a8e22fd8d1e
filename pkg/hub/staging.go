package hub

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/drovekit/drover/pkg/events"
	"github.com/drovekit/drover/pkg/metrics"
	"github.com/drovekit/drover/pkg/protocol"
	"github.com/drovekit/drover/pkg/scheduler"
	"github.com/drovekit/drover/pkg/types"
)

var errStagingCancelled = errors.New("hub: staging cancelled")

// inflight tracks one job from queue claim to terminal status on a
// session. disposed guards the job's final transition: exactly one
// path (terminal status, staging abort, cancel, session loss) gets to
// decide the outcome.
type inflight struct {
	entry    *types.QueuedJob
	workerID string
	output   *outputBuffer

	execution *types.Execution

	cacheCh chan *protocol.CacheResponse
	ackCh   chan *protocol.ArtifactAck

	cancelOnce sync.Once
	cancelCh   chan struct{}

	doneOnce sync.Once
	done     chan struct{}

	running         atomic.Bool
	cancelRequested atomic.Bool
	disposed        atomic.Bool

	dispatchedAt time.Time
}

func newInflight(workerID string, entry *types.QueuedJob, outputLimit int) *inflight {
	return &inflight{
		entry:    entry,
		workerID: workerID,
		output:   newOutputBuffer(outputLimit),
		cacheCh:  make(chan *protocol.CacheResponse, 1),
		ackCh:    make(chan *protocol.ArtifactAck, len(entry.Job.RequiredArtifacts)+1),
		cancelCh: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// cancel aborts the staging pipeline between chunks.
func (f *inflight) cancel() { f.cancelOnce.Do(func() { close(f.cancelCh) }) }

// close marks the dispatch finished, releasing cancel watchers.
func (f *inflight) close() { f.doneOnce.Do(func() { close(f.done) }) }

// DispatchNext walks idle sessions and stages the next matching job on
// each. It returns how many dispatches started. The coordinator's
// queue processor calls this once per tick; worker heartbeats trigger
// the same path per session.
func (h *Hub) DispatchNext() int {
	var n int
	for _, s := range h.snapshot() {
		if s.State() != SessionReady {
			continue
		}
		if h.tryDispatch(s) {
			n++
		}
	}
	return n
}

// tryDispatch claims the highest-priority job this worker can run and
// starts the staging pipeline. Claiming happens under the session lock
// so concurrent heartbeat and processor ticks cannot double-dispatch.
func (h *Hub) tryDispatch(s *Session) bool {
	worker, ok := h.pools.GetWorker(s.WorkerID)
	if !ok || !scheduler.Available(worker) {
		return false
	}

	s.mu.Lock()
	if s.state != SessionReady || s.job != nil {
		s.mu.Unlock()
		return false
	}
	entry := h.queue.TakeNextFor([]*types.Worker{worker})
	if entry == nil {
		s.mu.Unlock()
		return false
	}
	f := newInflight(s.WorkerID, entry, h.outputLimit)
	s.state = SessionStaging
	s.job = f
	s.mu.Unlock()

	h.trackInflight(entry.Job.ID, s, f)
	if err := h.pools.MarkWorkerBusy(s.WorkerID); err != nil {
		h.logger.Debug().Str("worker_id", s.WorkerID).Err(err).Msg("Worker state update failed")
	}
	h.logger.Info().
		Str("job_id", entry.Job.ID).
		Str("worker_id", s.WorkerID).
		Int("retry", entry.RetryCount).
		Msg("Job claimed for dispatch")

	go h.stage(s, f)
	return true
}

// stage runs the artifact staging pipeline and, once every required
// artifact is acknowledged, sends the JobRequest. It owns the dispatch
// until the job is handed over to the worker.
func (h *Hub) stage(s *Session, f *inflight) {
	job := f.entry.Job

	arts, err := h.loadArtifacts(job)
	if err != nil {
		// Unknown artifacts cannot succeed on a retry either.
		h.failDispatch(s, f, err)
		return
	}

	plan, err := h.verifyCache(s, f, arts)
	if err != nil {
		h.stagingError(s, f, err)
		return
	}

	for _, a := range arts {
		if plan.cached(a) {
			metrics.ArtifactCacheHits.Inc()
			continue
		}
		metrics.ArtifactCacheMisses.Inc()
		if err := h.transfer(s, f, a); err != nil {
			h.stagingError(s, f, err)
			return
		}
	}

	if err := h.collectAcks(s, f, arts); err != nil {
		h.stagingError(s, f, err)
		return
	}

	// Mark the session dispatched before the JobRequest leaves, so the
	// worker's first status update always lands on a dispatched
	// session. Error paths below roll the state back.
	s.mu.Lock()
	if s.state == SessionTerminated || s.job != f {
		s.mu.Unlock()
		return
	}
	s.state = SessionDispatched
	f.dispatchedAt = h.now()
	s.mu.Unlock()

	if err := h.sendJobRequest(s, f, arts); err != nil {
		h.stagingError(s, f, err)
		return
	}

	metrics.DispatchLatency.Observe(f.dispatchedAt.Sub(f.entry.EnqueuedAt).Seconds())
	metrics.ArtifactsPerJob.Observe(float64(len(arts)))
	h.publish(&events.Event{
		Type:     events.EventJobAssigned,
		JobID:    job.ID,
		WorkerID: s.WorkerID,
		PoolID:   s.PoolID,
		Message:  fmt.Sprintf("Job dispatched to worker %s", s.WorkerID),
		Metadata: map[string]string{"execution_id": f.execution.ID},
	})
	h.logger.Info().
		Str("job_id", job.ID).
		Str("worker_id", s.WorkerID).
		Str("execution_id", f.execution.ID).
		Int("artifacts", len(arts)).
		Msg("Job dispatched")

	if f.cancelRequested.Load() {
		// Cancel landed while the JobRequest was in flight.
		if err := s.send(&protocol.ControlSignal{JobID: job.ID, Signal: protocol.SignalCancel}, h.dispatchTimeout); err != nil {
			h.terminate(s, terminateSend, err)
			return
		}
		go h.watchCancel(s, f)
	}
}

// stagingError maps a pipeline failure to its disposition.
func (h *Hub) stagingError(s *Session, f *inflight, err error) {
	switch {
	case errors.Is(err, errStagingCancelled):
		h.cancelDispatch(s, f, "cancelled during staging")
	case errors.Is(err, ErrSessionClosed):
		// terminate() owned the disposition when it detached the job.
	case errors.Is(err, ErrSendTimeout):
		h.abortDispatch(s, f, err)
		h.terminate(s, terminateSend, err)
	default:
		h.abortDispatch(s, f, err)
	}
}

func (h *Hub) loadArtifacts(job *types.Job) ([]*types.Artifact, error) {
	if len(job.RequiredArtifacts) == 0 {
		return nil, nil
	}
	if h.artifacts == nil {
		return nil, fmt.Errorf("job %s requires artifacts but no artifact store is configured", job.ID)
	}
	arts := make([]*types.Artifact, 0, len(job.RequiredArtifacts))
	for _, id := range job.RequiredArtifacts {
		a, err := h.artifacts.Get(id)
		if err != nil {
			return nil, fmt.Errorf("required artifact %s: %w", id, err)
		}
		arts = append(arts, a)
	}
	return arts, nil
}

// cachePlan records the worker's answer per artifact ID.
type cachePlan map[string]protocol.CacheEntry

// cached reports whether the worker holds a usable copy: declared
// cached, no transfer requested, and the checksum (when reported)
// matching the stored artifact.
func (p cachePlan) cached(a *types.Artifact) bool {
	e, ok := p[a.ID]
	if !ok {
		return false
	}
	if !e.Cached || e.NeedsTransfer {
		return false
	}
	return e.CachedChecksum == "" || e.CachedChecksum == a.Checksum
}

// verifyCache asks the worker which artifacts it already holds. A
// worker that does not answer within the cache window is assumed to
// hold nothing, and everything is transferred.
func (h *Hub) verifyCache(s *Session, f *inflight, arts []*types.Artifact) (cachePlan, error) {
	plan := make(cachePlan, len(arts))
	if len(arts) == 0 {
		return plan, nil
	}

	ids := make([]string, len(arts))
	for i, a := range arts {
		ids[i] = a.ID
	}
	if err := s.send(&protocol.CacheQuery{JobID: f.entry.Job.ID, ArtifactIDs: ids}, h.dispatchTimeout); err != nil {
		return nil, err
	}

	timer := time.NewTimer(h.cacheTimeout)
	defer timer.Stop()
	select {
	case resp := <-f.cacheCh:
		for _, e := range resp.Artifacts {
			plan[e.ArtifactID] = e
		}
	case <-timer.C:
		h.logger.Debug().
			Str("job_id", f.entry.Job.ID).
			Str("worker_id", s.WorkerID).
			Msg("Cache response timed out, transferring all artifacts")
	case <-f.cancelCh:
		return nil, errStagingCancelled
	case <-s.closing:
		return nil, ErrSessionClosed
	}
	return plan, nil
}

// transfer streams one artifact to the worker in compressed chunks.
// Cancellation is checked between chunks, so a cancelled dispatch
// stops the stream without tearing down the session.
func (h *Hub) transfer(s *Session, f *inflight, a *types.Artifact) error {
	rc, size, err := h.artifacts.Open(a.ID)
	if err != nil {
		return fmt.Errorf("open artifact %s: %w", a.ID, err)
	}
	defer rc.Close()

	timer := metrics.NewTimer()
	chunker := protocol.NewChunker(a.ID, rc, size, s.compression, 0)
	for {
		select {
		case <-f.cancelCh:
			return errStagingCancelled
		case <-s.closing:
			return ErrSessionClosed
		default:
		}

		chunk, err := chunker.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if err := s.send(chunk, h.dispatchTimeout); err != nil {
			return err
		}
		metrics.ArtifactChunksSent.Inc()
		metrics.ArtifactBytesSent.Add(float64(len(chunk.Data)))

		if h.chunkDelay > 0 {
			select {
			case <-time.After(h.chunkDelay):
			case <-f.cancelCh:
				return errStagingCancelled
			case <-s.closing:
				return ErrSessionClosed
			}
		}
	}
	timer.ObserveDuration(metrics.ArtifactTransferDuration)

	h.logger.Debug().
		Str("artifact_id", a.ID).
		Str("worker_id", s.WorkerID).
		Int64("size", size).
		Str("compression", string(s.compression)).
		Msg("Artifact streamed")
	return nil
}

// collectAcks waits for every required artifact to be acknowledged,
// cache hits included. Each artifact gets its own ack window; one
// rejected ack aborts the whole dispatch.
func (h *Hub) collectAcks(s *Session, f *inflight, arts []*types.Artifact) error {
	pending := make(map[string]*types.Artifact, len(arts))
	for _, a := range arts {
		pending[a.ID] = a
	}

	timer := time.NewTimer(h.ackTimeout)
	defer timer.Stop()

	for len(pending) > 0 {
		select {
		case ack := <-f.ackCh:
			a, ok := pending[ack.ArtifactID]
			if !ok {
				continue
			}
			if !ack.Success {
				return fmt.Errorf("artifact %s rejected by worker: %s", ack.ArtifactID, ack.Message)
			}
			if ack.CalculatedChecksum != "" && ack.CalculatedChecksum != a.Checksum {
				return fmt.Errorf("artifact %s checksum mismatch: worker calculated %s", ack.ArtifactID, ack.CalculatedChecksum)
			}
			delete(pending, ack.ArtifactID)
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(h.ackTimeout)
		case <-timer.C:
			return fmt.Errorf("no ack for %d artifact(s) within %s", len(pending), h.ackTimeout)
		case <-f.cancelCh:
			return errStagingCancelled
		case <-s.closing:
			return ErrSessionClosed
		}
	}
	return nil
}

// sendJobRequest is the single dispatch point: it fires only after
// every required artifact is staged or cache-hit.
func (h *Hub) sendJobRequest(s *Session, f *inflight, arts []*types.Artifact) error {
	job := f.entry.Job

	refs := make([]protocol.ArtifactRef, 0, len(arts))
	for _, a := range arts {
		refs = append(refs, protocol.ArtifactRef{ID: a.ID, Name: a.Name, Checksum: a.Checksum, Size: a.Size})
	}

	def := protocol.JobDefinition{
		ID:       job.ID,
		Name:     job.Name,
		Priority: job.Priority.String(),
	}
	if p := job.Payload; p != nil {
		def.Command = p.Command
		def.Script = p.Script
		def.Env = p.Env
		def.WorkingDir = p.WorkingDir
		if p.Timeout > 0 {
			def.TimeoutSeconds = int64(p.Timeout / time.Second)
		}
	}

	exec := &types.Execution{
		ID:        uuid.New().String(),
		JobID:     job.ID,
		WorkerID:  s.WorkerID,
		PoolID:    s.PoolID,
		StartedAt: h.now(),
	}
	f.execution = exec

	req := &protocol.JobRequest{
		ExecutionID:       exec.ID,
		JobDefinition:     def,
		RequiredArtifacts: refs,
	}
	return s.send(req, h.dispatchTimeout)
}

// handleStatusUpdate applies a worker-reported job transition. Terminal
// states are immutable: the first terminal transition wins and
// duplicates are dropped.
func (h *Hub) handleStatusUpdate(s *Session, u *protocol.StatusUpdate) error {
	s.mu.Lock()
	f := s.job
	s.mu.Unlock()
	if f == nil || f.entry.Job.ID != u.JobID {
		h.logger.Debug().
			Str("worker_id", s.WorkerID).
			Str("job_id", u.JobID).
			Msg("Status update for unmanaged job dropped")
		return nil
	}

	job := f.entry.Job
	now := h.now()

	switch {
	case u.Status == protocol.StateRunning:
		// The guard, store write, and state transition happen under the
		// session lock so a concurrent termination cannot interleave a
		// terminal write with this one: terminate detaches s.job under
		// the same lock before disposing.
		s.mu.Lock()
		if s.job != f || f.disposed.Load() ||
			(s.state != SessionDispatched && s.state != SessionBusy) {
			s.mu.Unlock()
			return nil
		}
		if f.running.Swap(true) {
			s.mu.Unlock()
			return nil
		}
		job.Status = types.JobStatusRunning
		job.UpdatedAt = now
		storeErr := h.store.UpdateJob(job)
		s.state = SessionBusy
		s.mu.Unlock()

		if storeErr != nil {
			h.logger.Warn().Str("job_id", job.ID).Err(storeErr).Msg("Job update failed")
		}
		metrics.JobsRunning.Inc()
		h.publish(&events.Event{
			Type:     events.EventJobStarted,
			JobID:    job.ID,
			WorkerID: s.WorkerID,
			PoolID:   s.PoolID,
			Message:  "Job execution started",
			Metadata: map[string]string{"execution_id": u.ExecutionID},
		})
		h.logger.Info().Str("job_id", job.ID).Str("worker_id", s.WorkerID).Msg("Job running")

	case u.Status.Terminal():
		if !f.disposed.CompareAndSwap(false, true) {
			return nil
		}
		job.Status = u.Status.ToStatus()
		job.Result = &types.JobResult{
			Success:    u.Status == protocol.StateSuccess,
			ExitCode:   u.ExitCode,
			Error:      u.Error,
			WorkerID:   s.WorkerID,
			FinishedAt: now,
		}
		job.UpdatedAt = now
		if err := h.store.UpdateJob(job); err != nil {
			h.logger.Warn().Str("job_id", job.ID).Err(err).Msg("Job update failed")
		}
		if f.running.Load() {
			metrics.JobsRunning.Dec()
		}
		metrics.JobsCompleted.WithLabelValues(string(job.Status)).Inc()

		h.releaseSession(s, f)
		h.untrackInflight(job.ID)
		f.close()

		h.publish(&events.Event{
			Type:     events.EventJobCompleted,
			JobID:    job.ID,
			WorkerID: s.WorkerID,
			PoolID:   s.PoolID,
			Message:  fmt.Sprintf("Job finished with status %s", job.Status),
			Metadata: map[string]string{
				"status":    string(job.Status),
				"success":   strconv.FormatBool(job.Result.Success),
				"exit_code": strconv.Itoa(u.ExitCode),
			},
		})
		h.logger.Info().
			Str("job_id", job.ID).
			Str("worker_id", s.WorkerID).
			Str("status", string(job.Status)).
			Int("exit_code", u.ExitCode).
			Msg("Job finished")

		h.tryDispatch(s)
	}
	return nil
}

// Cancel requests cancellation of a job the hub currently manages.
// Staging dispatches abort in place; dispatched jobs receive a Cancel
// signal and must answer with a terminal status before the cancel
// window closes, or the session is terminated and the worker failed.
func (h *Hub) Cancel(jobID string) error {
	h.mu.RLock()
	s := h.inflight[jobID]
	h.mu.RUnlock()
	if s == nil {
		return ErrJobNotManaged
	}

	s.mu.Lock()
	f := s.job
	state := s.state
	s.mu.Unlock()
	if f == nil || f.entry.Job.ID != jobID {
		return ErrJobNotManaged
	}

	f.cancelRequested.Store(true)
	h.logger.Info().Str("job_id", jobID).Str("worker_id", s.WorkerID).Msg("Cancel requested")

	if state == SessionStaging {
		f.cancel()
		return nil
	}
	if err := s.send(&protocol.ControlSignal{JobID: jobID, Signal: protocol.SignalCancel}, h.dispatchTimeout); err != nil {
		h.terminate(s, terminateSend, err)
		return nil
	}
	go h.watchCancel(s, f)
	return nil
}

// Signal forwards a pause or resume to the worker running the job.
func (h *Hub) Signal(jobID string, sig protocol.SignalType) error {
	if sig == protocol.SignalCancel {
		return h.Cancel(jobID)
	}
	h.mu.RLock()
	s := h.inflight[jobID]
	h.mu.RUnlock()
	if s == nil {
		return ErrJobNotManaged
	}
	return s.send(&protocol.ControlSignal{JobID: jobID, Signal: sig}, h.dispatchTimeout)
}

// watchCancel enforces the cancel acknowledgement window.
func (h *Hub) watchCancel(s *Session, f *inflight) {
	timer := time.NewTimer(h.cancelTimeout)
	defer timer.Stop()
	select {
	case <-f.done:
	case <-s.closing:
	case <-timer.C:
		h.terminate(s, terminateCancel,
			fmt.Errorf("cancel of job %s unacknowledged after %s", f.entry.Job.ID, h.cancelTimeout))
	}
}

// releaseSession returns the session to Ready and the worker to the
// dispatch candidate set. No-op on the session side when it terminated
// in the meantime.
func (h *Hub) releaseSession(s *Session, f *inflight) {
	s.mu.Lock()
	if s.job == f {
		s.job = nil
		if s.state != SessionTerminated {
			s.state = SessionReady
		}
	}
	s.mu.Unlock()
	if err := h.pools.MarkWorkerReady(s.WorkerID); err != nil {
		h.logger.Debug().Str("worker_id", s.WorkerID).Err(err).Msg("Worker state update failed")
	}
}

// abortDispatch returns the worker to service and requeues the job,
// charging one retry. Used when staging fails for a reason another
// worker might not hit: rejected ack, ack timeout, cache-phase errors.
func (h *Hub) abortDispatch(s *Session, f *inflight, cause error) {
	if !f.disposed.CompareAndSwap(false, true) {
		return
	}
	h.logger.Warn().
		Str("job_id", f.entry.Job.ID).
		Str("worker_id", f.workerID).
		Err(cause).
		Msg("Dispatch aborted")
	h.releaseSession(s, f)
	h.requeueOrFail(f, cause.Error())
	h.untrackInflight(f.entry.Job.ID)
	f.close()
}

// failDispatch returns the worker to service and fails the job
// permanently. Used when no retry can succeed, such as a missing
// artifact.
func (h *Hub) failDispatch(s *Session, f *inflight, cause error) {
	if !f.disposed.CompareAndSwap(false, true) {
		return
	}
	h.releaseSession(s, f)
	h.failJob(f, cause.Error(), false)
}

// cancelDispatch finishes a staging-phase cancellation: no JobRequest
// was sent, the worker goes back to Ready, and the job lands in
// Cancelled.
func (h *Hub) cancelDispatch(s *Session, f *inflight, reason string) {
	if !f.disposed.CompareAndSwap(false, true) {
		return
	}
	h.releaseSession(s, f)
	h.markCancelled(f, reason)
}

// disposeLost applies the disposition for a job whose session died
// under it. Cancel-requested jobs land in Cancelled rather than being
// retried; everything else is failed and requeued when allowed.
func (h *Hub) disposeLost(f *inflight, msg string, retry bool) {
	if !f.disposed.CompareAndSwap(false, true) {
		return
	}
	if f.cancelRequested.Load() {
		h.markCancelled(f, msg)
		return
	}
	h.failJob(f, msg, retry)
}

// failJob records the failure, then requeues the job when retry is set
// and the retry ceiling allows it. The failed state is persisted first
// so the failure is observable even when a retry follows.
func (h *Hub) failJob(f *inflight, errMsg string, retry bool) {
	job := f.entry.Job
	now := h.now()
	job.Status = types.JobStatusFailed
	job.Result = &types.JobResult{
		Success:    false,
		Error:      errMsg,
		WorkerID:   f.workerID,
		FinishedAt: now,
	}
	job.UpdatedAt = now
	if err := h.store.UpdateJob(job); err != nil {
		h.logger.Warn().Str("job_id", job.ID).Err(err).Msg("Job update failed")
	}
	if f.running.Load() {
		metrics.JobsRunning.Dec()
	}

	if retry {
		h.requeueOrFail(f, errMsg)
	} else {
		metrics.JobsCompleted.WithLabelValues(string(types.JobStatusFailed)).Inc()
		h.publish(&events.Event{
			Type:     events.EventJobCompleted,
			JobID:    job.ID,
			WorkerID: f.workerID,
			Message:  errMsg,
			Metadata: map[string]string{"status": string(types.JobStatusFailed), "success": "false"},
		})
		h.logger.Error().Str("job_id", job.ID).Str("error", errMsg).Msg("Job failed")
	}

	h.untrackInflight(job.ID)
	f.close()
}

// requeueOrFail re-admits the job, or fails it terminally once the
// retry ceiling is reached.
func (h *Hub) requeueOrFail(f *inflight, reason string) {
	job := f.entry.Job
	if h.queue.Requeue(f.entry) {
		if err := h.store.UpdateJob(job); err != nil {
			h.logger.Warn().Str("job_id", job.ID).Err(err).Msg("Job update failed")
		}
		metrics.JobsRetried.Inc()
		h.publish(&events.Event{
			Type:     events.EventJobRetried,
			JobID:    job.ID,
			WorkerID: f.workerID,
			Message:  reason,
			Metadata: map[string]string{"retry": strconv.Itoa(f.entry.RetryCount)},
		})
		h.logger.Warn().
			Str("job_id", job.ID).
			Int("retry", f.entry.RetryCount).
			Str("reason", reason).
			Msg("Job requeued")
		return
	}

	now := h.now()
	job.Status = types.JobStatusFailed
	job.Result = &types.JobResult{
		Success:    false,
		Error:      reason + " (retry limit reached)",
		WorkerID:   f.workerID,
		FinishedAt: now,
	}
	job.UpdatedAt = now
	if err := h.store.UpdateJob(job); err != nil {
		h.logger.Warn().Str("job_id", job.ID).Err(err).Msg("Job update failed")
	}
	metrics.JobsCompleted.WithLabelValues(string(types.JobStatusFailed)).Inc()
	h.publish(&events.Event{
		Type:     events.EventJobCompleted,
		JobID:    job.ID,
		WorkerID: f.workerID,
		Message:  job.Result.Error,
		Metadata: map[string]string{"status": string(types.JobStatusFailed), "success": "false"},
	})
	h.logger.Error().Str("job_id", job.ID).Str("error", job.Result.Error).Msg("Job failed, retries exhausted")
}

// markCancelled records a cancelled outcome for a dispatch the hub
// decided to stop.
func (h *Hub) markCancelled(f *inflight, reason string) {
	job := f.entry.Job
	now := h.now()
	job.Status = types.JobStatusCancelled
	job.Result = &types.JobResult{
		Success:    false,
		Error:      reason,
		WorkerID:   f.workerID,
		FinishedAt: now,
	}
	job.UpdatedAt = now
	if err := h.store.UpdateJob(job); err != nil {
		h.logger.Warn().Str("job_id", job.ID).Err(err).Msg("Job update failed")
	}
	if f.running.Load() {
		metrics.JobsRunning.Dec()
	}
	metrics.JobsCompleted.WithLabelValues(string(types.JobStatusCancelled)).Inc()
	h.publish(&events.Event{
		Type:     events.EventJobCompleted,
		JobID:    job.ID,
		WorkerID: f.workerID,
		Message:  reason,
		Metadata: map[string]string{"status": string(types.JobStatusCancelled), "success": "false"},
	})
	h.logger.Info().Str("job_id", job.ID).Str("reason", reason).Msg("Job cancelled")

	h.untrackInflight(job.ID)
	f.close()
}

// outputBuffer accumulates job output up to a fixed cap. Overflow is
// dropped and flagged rather than rotated.
type outputBuffer struct {
	mu        sync.Mutex
	limit     int
	buf       bytes.Buffer
	truncated bool
}

func newOutputBuffer(limit int) *outputBuffer {
	return &outputBuffer{limit: limit}
}

func (b *outputBuffer) append(data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return
	}
	room := b.limit - b.buf.Len()
	if room <= 0 {
		b.truncated = true
		return
	}
	if len(data) > room {
		data = data[:room]
		b.truncated = true
	}
	b.buf.Write(data)
}

func (b *outputBuffer) contents() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, b.buf.Len())
	copy(out, b.buf.Bytes())
	return out
}
