package api

import (
	"fmt"
	"net/http"
	"time"
)

// HealthResponse is the /healthz body.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version,omitempty"`
}

// ReadyResponse is the /readyz body.
type ReadyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
	Message   string            `json:"message,omitempty"`
}

// handleHealthz is a pure liveness probe: 200 whenever the process
// serves requests.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Version:   s.version,
	})
}

// handleReadyz reports whether the orchestrator can take traffic: the
// store answers reads and at least one provider probe has succeeded.
func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	checks := make(map[string]string)
	ready := true
	var message string

	if _, err := s.coord.Store().ListPools(); err != nil {
		checks["store"] = fmt.Sprintf("error: %v", err)
		ready = false
		message = "Store not accessible"
	} else {
		checks["store"] = "ok"
	}

	if s.coord.Monitor().Healthy() {
		checks["providers"] = "ok"
	} else {
		checks["providers"] = "no healthy provider probe yet"
		ready = false
		if message == "" {
			message = "Waiting for a provider probe"
		}
	}

	status := "ready"
	code := http.StatusOK
	if !ready {
		status = "not ready"
		code = http.StatusServiceUnavailable
	}

	s.writeJSON(w, code, ReadyResponse{
		Status:    status,
		Timestamp: time.Now(),
		Checks:    checks,
		Message:   message,
	})
}
