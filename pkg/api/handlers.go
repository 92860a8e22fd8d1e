package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/drovekit/drover/pkg/coordinator"
	"github.com/drovekit/drover/pkg/pool"
	"github.com/drovekit/drover/pkg/queue"
	"github.com/drovekit/drover/pkg/types"
)

// maxArtifactBytes caps a single artifact upload.
const maxArtifactBytes = 1 << 30

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req SubmitJobRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	job, err := req.Job()
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.coord.SubmitJob(job)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	switch result.Outcome {
	case queue.EnqueueAccepted:
		s.writeJSON(w, http.StatusAccepted, SubmitJobResponse{Job: job, QueueSize: result.QueueSize})
	case queue.EnqueueAlreadyQueued:
		s.writeError(w, http.StatusConflict, "job is already queued")
	case queue.EnqueueQueueFull:
		s.writeError(w, http.StatusServiceUnavailable, "queue is full")
	default:
		s.writeError(w, http.StatusBadRequest, result.Reason)
	}
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	status := types.JobStatus(r.URL.Query().Get("status"))
	jobs, err := s.coord.ListJobs(status)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if jobs == nil {
		jobs = []*types.Job{}
	}
	s.writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.coord.GetJob(mux.Vars(r)["id"])
	if err != nil {
		s.notFoundOr500(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	err := s.coord.CancelJob(id)
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
	case errors.Is(err, coordinator.ErrJobNotCancellable):
		s.writeError(w, http.StatusConflict, err.Error())
	default:
		s.notFoundOr500(w, err)
	}
}

func (s *Server) handleJobOutput(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	output, ok := s.coord.JobOutput(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("no output for job %s", id))
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(output)
}

func (s *Server) handleCreatePool(w http.ResponseWriter, r *http.Request) {
	var req CreatePoolRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	spec, err := req.Spec()
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result := s.coord.Pools().CreatePool(r.Context(), spec)
	resp := CreatePoolResponse{
		Outcome:          string(result.Outcome),
		Pool:             result.Pool,
		ValidationErrors: result.ValidationErrors,
		Factors:          result.Factors,
	}
	if result.Err != nil {
		resp.Error = result.Err.Error()
	}

	switch result.Outcome {
	case pool.CreateOutcomeCreated:
		s.writeJSON(w, http.StatusCreated, resp)
	case pool.CreateOutcomeInvalidConfiguration:
		s.writeJSON(w, http.StatusBadRequest, resp)
	case pool.CreateOutcomeResourceConstrained:
		s.writeJSON(w, http.StatusConflict, resp)
	default:
		s.writeJSON(w, http.StatusInternalServerError, resp)
	}
}

func (s *Server) handleListPools(w http.ResponseWriter, _ *http.Request) {
	pools := s.coord.Pools().ListPools()
	if pools == nil {
		pools = []*types.Pool{}
	}
	s.writeJSON(w, http.StatusOK, pools)
}

// poolByRef resolves a path ID that may be a pool ID or a pool name.
func (s *Server) poolByRef(ref string) (*types.Pool, error) {
	p, err := s.coord.Pools().GetPool(ref)
	if err == nil {
		return p, nil
	}
	return s.coord.Pools().GetPoolByName(ref)
}

func (s *Server) handleGetPool(w http.ResponseWriter, r *http.Request) {
	p, err := s.poolByRef(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleDeletePool(w http.ResponseWriter, r *http.Request) {
	p, err := s.poolByRef(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err := s.coord.Pools().DeletePool(r.Context(), p.ID); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleScalePool(w http.ResponseWriter, r *http.Request) {
	p, err := s.poolByRef(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	var req ScaleRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.Reason == "" {
		req.Reason = "manual scale"
	}

	result := s.coord.Pools().ScalePool(r.Context(), p.ID, req.Target, req.Reason, req.Force)
	resp := ScaleResponse{
		Outcome:  string(result.Outcome),
		From:     result.From,
		To:       result.To,
		Target:   result.Target,
		Affected: result.Affected,
		Reason:   result.Reason,
	}
	if result.Err != nil {
		resp.Error = result.Err.Error()
	}

	switch result.Outcome {
	case pool.ScaleOutcomeScaled, pool.ScaleOutcomePartial, pool.ScaleOutcomeNoActionNeeded:
		s.writeJSON(w, http.StatusOK, resp)
	case pool.ScaleOutcomeResourceConstrained:
		s.writeJSON(w, http.StatusConflict, resp)
	default:
		s.writeJSON(w, http.StatusInternalServerError, resp)
	}
}

func (s *Server) handleDrainPool(w http.ResponseWriter, r *http.Request) {
	p, err := s.poolByRef(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err := s.coord.Pools().DrainPool(r.Context(), p.ID); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "draining"})
}

func (s *Server) handlePoolMetrics(w http.ResponseWriter, r *http.Request) {
	p, err := s.poolByRef(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	pm, err := s.coord.Pools().Metrics(p.ID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, pm)
}

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	poolRef := r.URL.Query().Get("pool")
	poolID := ""
	if poolRef != "" {
		p, err := s.poolByRef(poolRef)
		if err != nil {
			s.writeError(w, http.StatusNotFound, err.Error())
			return
		}
		poolID = p.ID
	}

	views := []*WorkerView{}
	for _, worker := range s.coord.Pools().ListWorkers(poolID) {
		views = append(views, s.workerView(worker))
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetWorker(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	worker, ok := s.coord.Pools().GetWorker(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("worker %s not found", id))
		return
	}
	s.writeJSON(w, http.StatusOK, s.workerView(worker))
}

func (s *Server) workerView(worker *types.Worker) *WorkerView {
	view := &WorkerView{Worker: worker}
	if info, ok := s.coord.Hub().WorkerSession(worker.ID); ok {
		view.SessionState = string(info.State)
	}
	return view
}

func (s *Server) handlePushArtifact(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		s.writeError(w, http.StatusBadRequest, "query parameter name is required")
		return
	}
	compression := types.CompressionType(r.URL.Query().Get("compression"))
	if compression == "" {
		compression = types.CompressionZstd
	}
	switch compression {
	case types.CompressionNone, types.CompressionGzip, types.CompressionZstd:
	default:
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown compression %q", compression))
		return
	}

	body := http.MaxBytesReader(w, r.Body, maxArtifactBytes)
	art, err := s.coord.Artifacts().Put(name, compression, body)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusCreated, art)
}

func (s *Server) handleListArtifacts(w http.ResponseWriter, _ *http.Request) {
	arts, err := s.coord.Artifacts().List()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if arts == nil {
		arts = []*types.Artifact{}
	}
	s.writeJSON(w, http.StatusOK, arts)
}

func (s *Server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	art, err := s.coord.Artifacts().Get(mux.Vars(r)["id"])
	if err != nil {
		s.notFoundOr500(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, art)
}

func (s *Server) handleCreateToken(w http.ResponseWriter, r *http.Request) {
	var req CreateTokenRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.Role == "" {
		req.Role = coordinator.RoleWorker
	}
	var ttl time.Duration
	if req.TTL != "" {
		d, err := time.ParseDuration(req.TTL)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid ttl %q: %v", req.TTL, err))
			return
		}
		ttl = d
	}

	jt, err := s.coord.Tokens().GenerateToken(req.Role, ttl)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusCreated, jt)
}

func (s *Server) handleListTokens(w http.ResponseWriter, _ *http.Request) {
	tokens := s.coord.Tokens().ListTokens()
	if tokens == nil {
		tokens = []*coordinator.JoinToken{}
	}
	s.writeJSON(w, http.StatusOK, tokens)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	stats := s.coord.Queue().Stats()

	perPriority := make(map[string]int, len(stats.PerPriority))
	for prio, n := range stats.PerPriority {
		perPriority[prio.String()] = n
	}

	providers := make(map[string]*types.ResourceAvailability)
	for _, snap := range s.coord.Monitor().LatestAll() {
		if snap.Availability != nil {
			providers[snap.Provider] = snap.Availability
		}
	}

	s.writeJSON(w, http.StatusOK, StatusResponse{
		Version: s.version,
		Metrics: s.coord.SystemMetrics(),
		Queue: QueueStatus{
			Total:       stats.Total,
			PerPriority: perPriority,
			OldestWait:  stats.OldestWait.String(),
			AverageWait: stats.AverageWait.String(),
			Expired:     stats.Expired,
		},
		Providers: providers,
		Pools:     s.coord.Pools().OverallMetrics(),
	})
}
