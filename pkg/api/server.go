// Package api serves the orchestrator's HTTP control surface: job,
// pool, worker, artifact, and token resources under /v1, the worker
// websocket channel on /ws, prometheus metrics on /metrics, and
// liveness/readiness probes.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/drovekit/drover/pkg/coordinator"
	"github.com/drovekit/drover/pkg/log"
	"github.com/drovekit/drover/pkg/metrics"
	"github.com/drovekit/drover/pkg/store"
)

// Config wires the server to the coordinator.
type Config struct {
	Coordinator *coordinator.Coordinator
	Listen      string

	// Version is reported on /v1/status and /healthz.
	Version string
}

// Server is the HTTP control API.
type Server struct {
	coord   *coordinator.Coordinator
	router  *mux.Router
	http    *http.Server
	logger  zerolog.Logger
	version string
}

// NewServer builds the router. Nothing listens until Start.
func NewServer(cfg Config) *Server {
	s := &Server{
		coord:   cfg.Coordinator,
		logger:  log.WithComponent("api"),
		version: cfg.Version,
	}
	s.routes()

	// No global read/write timeouts: /ws hijacks the connection and
	// long-lived sessions must outlive any request deadline.
	s.http = &http.Server{
		Addr:              cfg.Listen,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Start serves until Shutdown. A closed server returns nil.
func (s *Server) Start() error {
	s.logger.Info().Str("listen", s.http.Addr).Msg("API listening")
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := mux.NewRouter()
	r.Use(s.recoverer, s.requestLogger)

	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.handleReadyz).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.coord.Hub().HandleWS)

	v1 := r.PathPrefix("/v1").Subrouter()

	v1.HandleFunc("/jobs", s.handleSubmitJob).Methods(http.MethodPost)
	v1.HandleFunc("/jobs", s.handleListJobs).Methods(http.MethodGet)
	v1.HandleFunc("/jobs/{id}", s.handleGetJob).Methods(http.MethodGet)
	v1.HandleFunc("/jobs/{id}", s.handleCancelJob).Methods(http.MethodDelete)
	v1.HandleFunc("/jobs/{id}/output", s.handleJobOutput).Methods(http.MethodGet)

	v1.HandleFunc("/pools", s.handleCreatePool).Methods(http.MethodPost)
	v1.HandleFunc("/pools", s.handleListPools).Methods(http.MethodGet)
	v1.HandleFunc("/pools/{id}", s.handleGetPool).Methods(http.MethodGet)
	v1.HandleFunc("/pools/{id}", s.handleDeletePool).Methods(http.MethodDelete)
	v1.HandleFunc("/pools/{id}/scale", s.handleScalePool).Methods(http.MethodPost)
	v1.HandleFunc("/pools/{id}/drain", s.handleDrainPool).Methods(http.MethodPost)
	v1.HandleFunc("/pools/{id}/metrics", s.handlePoolMetrics).Methods(http.MethodGet)

	v1.HandleFunc("/workers", s.handleListWorkers).Methods(http.MethodGet)
	v1.HandleFunc("/workers/{id}", s.handleGetWorker).Methods(http.MethodGet)

	v1.HandleFunc("/artifacts", s.handlePushArtifact).Methods(http.MethodPost)
	v1.HandleFunc("/artifacts", s.handleListArtifacts).Methods(http.MethodGet)
	v1.HandleFunc("/artifacts/{id}", s.handleGetArtifact).Methods(http.MethodGet)

	v1.HandleFunc("/tokens", s.handleCreateToken).Methods(http.MethodPost)
	v1.HandleFunc("/tokens", s.handleListTokens).Methods(http.MethodGet)

	v1.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)

	s.router = r
}

// ErrorResponse is the JSON body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn().Err(err).Msg("Response encode failed")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, ErrorResponse{Error: msg})
}

// notFoundOr500 maps store lookups to 404 for missing records and 500
// otherwise.
func (s *Server) notFoundOr500(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.writeError(w, http.StatusInternalServerError, err.Error())
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
