package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/drovekit/drover/pkg/log"
	"github.com/drovekit/drover/pkg/types"
)

const (
	// clusterRequestTimeout bounds individual API calls.
	clusterRequestTimeout = 10 * time.Second

	// clusterReconnectDelay paces event-stream reconnection attempts.
	clusterReconnectDelay = 5 * time.Second
)

// ClusterConfig configures a remote cluster-manager backend.
type ClusterConfig struct {
	// Name is the registry key; defaults to "cluster".
	Name string

	// Endpoint is the cluster-manager base URL, e.g.
	// "https://cluster.internal:7430".
	Endpoint string

	// APIToken authenticates requests when set.
	APIToken string

	// MaxConcurrentCreations bounds parallel worker creation.
	MaxConcurrentCreations int

	// MaxVolumes caps volume mounts per template.
	MaxVolumes int

	// HTTPClient overrides the default client, used by tests.
	HTTPClient *http.Client
}

// ClusterProvider drives a remote cluster manager over its HTTP API.
// Worker lifecycle events arrive on a websocket stream, so the
// event-stream capability is advertised.
type ClusterProvider struct {
	name     string
	endpoint string
	token    string
	caps     Capabilities
	http     *http.Client
	logger   zerolog.Logger
}

// Wire shapes for the cluster-manager API.

type clusterWorker struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	PoolID    string    `json:"poolId"`
	Status    string    `json:"status"`
	Address   string    `json:"address"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type clusterCreateRequest struct {
	PoolID   string                `json:"poolId"`
	Template *types.WorkerTemplate `json:"template"`
	Env      map[string]string     `json:"env,omitempty"`
}

type clusterErrorResponse struct {
	Error      string   `json:"error"`
	Details    []string `json:"details,omitempty"`
	ActiveJobs []string `json:"activeJobs,omitempty"`

	RequiredCPUMillis  int64 `json:"requiredCpuMillis,omitempty"`
	RequiredMemory     int64 `json:"requiredMemoryBytes,omitempty"`
	AvailableCPUMillis int64 `json:"availableCpuMillis,omitempty"`
	AvailableMemory    int64 `json:"availableMemoryBytes,omitempty"`
}

type clusterCapacity struct {
	TotalCPUMillis  int64 `json:"totalCpuMillis"`
	AvailableCPU    int64 `json:"availableCpuMillis"`
	TotalMemory     int64 `json:"totalMemoryBytes"`
	AvailableMemory int64 `json:"availableMemoryBytes"`
	NodeCount       int   `json:"nodeCount"`
}

type clusterEvent struct {
	Type      string    `json:"type"`
	WorkerID  string    `json:"workerId"`
	PoolID    string    `json:"poolId"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewClusterProvider builds a backend talking to a remote cluster
// manager.
func NewClusterProvider(cfg ClusterConfig) (*ClusterProvider, error) {
	if cfg.Name == "" {
		cfg.Name = "cluster"
	}
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("cluster endpoint is required")
	}
	if _, err := url.Parse(cfg.Endpoint); err != nil {
		return nil, fmt.Errorf("invalid cluster endpoint: %w", err)
	}
	if cfg.MaxConcurrentCreations <= 0 {
		cfg.MaxConcurrentCreations = 10
	}
	if cfg.MaxVolumes <= 0 {
		cfg.MaxVolumes = DefaultMaxVolumes
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: clusterRequestTimeout}
	}

	return &ClusterProvider{
		name:     cfg.Name,
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		token:    cfg.APIToken,
		caps: Capabilities{
			EventStream:            true,
			MaxConcurrentCreations: cfg.MaxConcurrentCreations,
			MaxVolumes:             cfg.MaxVolumes,
		},
		http:   cfg.HTTPClient,
		logger: log.WithComponent("provider-cluster"),
	}, nil
}

// Name returns the registry key for this provider instance.
func (p *ClusterProvider) Name() string {
	return p.name
}

// Info describes the backend.
func (p *ClusterProvider) Info() ProviderInfo {
	return ProviderInfo{
		Name:         p.name,
		Type:         "cluster",
		Version:      "v1",
		Capabilities: p.caps,
	}
}

// ValidateTemplate checks a template against this backend's limits.
func (p *ClusterProvider) ValidateTemplate(tmpl *types.WorkerTemplate) []string {
	return ValidateTemplate(tmpl, p.caps)
}

// CreateWorker asks the cluster manager to provision a worker.
func (p *ClusterProvider) CreateWorker(ctx context.Context, tmpl *types.WorkerTemplate, poolID string) *CreateWorkerResult {
	if problems := p.ValidateTemplate(tmpl); len(problems) > 0 {
		return &CreateWorkerResult{Outcome: CreateOutcomeInvalidTemplate, ValidationErrors: problems}
	}

	body, err := json.Marshal(clusterCreateRequest{PoolID: poolID, Template: tmpl})
	if err != nil {
		return &CreateWorkerResult{Outcome: CreateOutcomeFailed, Err: err}
	}

	resp, err := p.do(ctx, http.MethodPost, "/api/v1/workers", bytes.NewReader(body))
	if err != nil {
		return &CreateWorkerResult{Outcome: CreateOutcomeFailed, Err: err}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusCreated, http.StatusOK:
		var cw clusterWorker
		if err := json.NewDecoder(resp.Body).Decode(&cw); err != nil {
			return &CreateWorkerResult{Outcome: CreateOutcomeFailed, Err: fmt.Errorf("failed to decode worker: %w", err)}
		}
		return &CreateWorkerResult{Outcome: CreateOutcomeCreated, Worker: p.toWorker(&cw, tmpl)}

	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		apiErr := decodeClusterError(resp.Body)
		details := apiErr.Details
		if len(details) == 0 && apiErr.Error != "" {
			details = []string{apiErr.Error}
		}
		return &CreateWorkerResult{Outcome: CreateOutcomeInvalidTemplate, ValidationErrors: details}

	case http.StatusInsufficientStorage, http.StatusTooManyRequests:
		apiErr := decodeClusterError(resp.Body)
		return &CreateWorkerResult{
			Outcome: CreateOutcomeInsufficientResources,
			Required: &ResourceRequest{
				CPUMillis:   apiErr.RequiredCPUMillis,
				MemoryBytes: apiErr.RequiredMemory,
			},
			Available: &types.ResourceAvailability{
				AvailableCPU:    apiErr.AvailableCPUMillis,
				AvailableMemory: apiErr.AvailableMemory,
				Timestamp:       time.Now(),
			},
		}

	default:
		return &CreateWorkerResult{Outcome: CreateOutcomeFailed, Err: p.statusError(resp)}
	}
}

// DeleteWorker asks the cluster manager to destroy a worker.
func (p *ClusterProvider) DeleteWorker(ctx context.Context, workerID string) *DeleteWorkerResult {
	resp, err := p.do(ctx, http.MethodDelete, "/api/v1/workers/"+url.PathEscape(workerID), nil)
	if err != nil {
		return &DeleteWorkerResult{Outcome: DeleteOutcomeFailed, Err: err}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusAccepted:
		return &DeleteWorkerResult{Outcome: DeleteOutcomeDeleted}
	case http.StatusNotFound:
		return &DeleteWorkerResult{Outcome: DeleteOutcomeNotFound}
	case http.StatusConflict:
		apiErr := decodeClusterError(resp.Body)
		return &DeleteWorkerResult{Outcome: DeleteOutcomeHasActiveJobs, ActiveJobs: apiErr.ActiveJobs}
	default:
		return &DeleteWorkerResult{Outcome: DeleteOutcomeFailed, Err: p.statusError(resp)}
	}
}

// GetWorkerStatus reports the cluster manager's view of a worker.
func (p *ClusterProvider) GetWorkerStatus(ctx context.Context, workerID string) (types.WorkerStatus, error) {
	resp, err := p.do(ctx, http.MethodGet, "/api/v1/workers/"+url.PathEscape(workerID), nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", fmt.Errorf("%w: %s", ErrWorkerNotFound, workerID)
	}
	if resp.StatusCode != http.StatusOK {
		return "", p.statusError(resp)
	}

	var cw clusterWorker
	if err := json.NewDecoder(resp.Body).Decode(&cw); err != nil {
		return "", fmt.Errorf("failed to decode worker: %w", err)
	}
	return types.WorkerStatus(cw.Status), nil
}

// ListWorkers enumerates workers, optionally scoped to one pool.
func (p *ClusterProvider) ListWorkers(ctx context.Context, poolID string) ([]*types.Worker, error) {
	path := "/api/v1/workers"
	if poolID != "" {
		path += "?pool=" + url.QueryEscape(poolID)
	}

	resp, err := p.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, p.statusError(resp)
	}

	var payload struct {
		Workers []*clusterWorker `json:"workers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode workers: %w", err)
	}

	workers := make([]*types.Worker, 0, len(payload.Workers))
	for _, cw := range payload.Workers {
		workers = append(workers, p.toWorker(cw, nil))
	}
	return workers, nil
}

// GetResourceAvailability reports cluster-wide remaining capacity.
func (p *ClusterProvider) GetResourceAvailability(ctx context.Context) (*types.ResourceAvailability, error) {
	resp, err := p.do(ctx, http.MethodGet, "/api/v1/capacity", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, p.statusError(resp)
	}

	var capacity clusterCapacity
	if err := json.NewDecoder(resp.Body).Decode(&capacity); err != nil {
		return nil, fmt.Errorf("failed to decode capacity: %w", err)
	}

	return &types.ResourceAvailability{
		TotalCPUMillis:  capacity.TotalCPUMillis,
		AvailableCPU:    capacity.AvailableCPU,
		TotalMemory:     capacity.TotalMemory,
		AvailableMemory: capacity.AvailableMemory,
		NodeCount:       capacity.NodeCount,
		Timestamp:       time.Now(),
	}, nil
}

// WatchWorkerEvents opens the cluster manager's websocket event stream
// and forwards events until ctx is cancelled. The connection is redialed
// after failures.
func (p *ClusterProvider) WatchWorkerEvents(ctx context.Context) (<-chan WorkerEvent, error) {
	wsURL, err := p.eventStreamURL()
	if err != nil {
		return nil, err
	}

	events := make(chan WorkerEvent, 32)
	go p.streamEvents(ctx, wsURL, events)
	return events, nil
}

func (p *ClusterProvider) eventStreamURL() (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid cluster endpoint: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/api/v1/events"
	return u.String(), nil
}

func (p *ClusterProvider) streamEvents(ctx context.Context, wsURL string, events chan<- WorkerEvent) {
	defer close(events)

	header := http.Header{}
	if p.token != "" {
		header.Set("Authorization", "Bearer "+p.token)
	}

	for {
		if ctx.Err() != nil {
			return
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
		if err != nil {
			p.logger.Warn().Err(err).Msg("Event stream dial failed, retrying")
			select {
			case <-time.After(clusterReconnectDelay):
				continue
			case <-ctx.Done():
				return
			}
		}

		p.logger.Debug().Str("url", wsURL).Msg("Event stream connected")
		p.readEvents(ctx, conn, events)
		conn.Close()

		select {
		case <-time.After(clusterReconnectDelay):
		case <-ctx.Done():
			return
		}
	}
}

// readEvents pumps one connection until it breaks or ctx is cancelled.
func (p *ClusterProvider) readEvents(ctx context.Context, conn *websocket.Conn, events chan<- WorkerEvent) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		var ce clusterEvent
		if err := conn.ReadJSON(&ce); err != nil {
			if ctx.Err() == nil {
				p.logger.Warn().Err(err).Msg("Event stream read failed")
			}
			return
		}

		event := WorkerEvent{
			Type:      WorkerEventType(ce.Type),
			WorkerID:  ce.WorkerID,
			PoolID:    ce.PoolID,
			Message:   ce.Message,
			Timestamp: ce.Timestamp,
		}
		select {
		case events <- event:
		case <-ctx.Done():
			return
		}
	}
}

// HealthCheck verifies the cluster manager is reachable.
func (p *ClusterProvider) HealthCheck(ctx context.Context) error {
	resp, err := p.do(ctx, http.MethodGet, "/api/v1/health", nil)
	if err != nil {
		return fmt.Errorf("cluster manager not reachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("cluster manager unhealthy: %s", resp.Status)
	}
	return nil
}

// Close releases idle connections.
func (p *ClusterProvider) Close() error {
	p.http.CloseIdleConnections()
	return nil
}

func (p *ClusterProvider) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, p.endpoint+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}
	return p.http.Do(req)
}

// statusError converts a non-success response into a classified error.
func (p *ClusterProvider) statusError(resp *http.Response) error {
	apiErr := decodeClusterError(resp.Body)
	msg := apiErr.Error
	if msg == "" {
		msg = resp.Status
	}

	switch resp.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrWorkerNotFound, msg)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrPermissionDenied, msg)
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", ErrAlreadyExists, msg)
	default:
		return fmt.Errorf("cluster manager returned %d: %s", resp.StatusCode, msg)
	}
}

func (p *ClusterProvider) toWorker(cw *clusterWorker, tmpl *types.WorkerTemplate) *types.Worker {
	worker := &types.Worker{
		ID:        cw.ID,
		Name:      cw.Name,
		PoolID:    cw.PoolID,
		Status:    types.WorkerStatus(cw.Status),
		Address:   cw.Address,
		CreatedAt: cw.CreatedAt,
		LastSeen:  cw.UpdatedAt,
	}
	if worker.Status == "" {
		worker.Status = types.WorkerStatusProvisioning
	}
	if tmpl != nil {
		worker.Capabilities = cloneMap(tmpl.Capabilities)
		worker.Labels = cloneMap(tmpl.Labels)
	}
	return worker
}

func decodeClusterError(r io.Reader) *clusterErrorResponse {
	var apiErr clusterErrorResponse
	if err := json.NewDecoder(r).Decode(&apiErr); err != nil {
		return &clusterErrorResponse{}
	}
	return &apiErr
}
