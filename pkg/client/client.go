package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/drovekit/drover/pkg/api"
	"github.com/drovekit/drover/pkg/coordinator"
	"github.com/drovekit/drover/pkg/types"
)

const (
	requestTimeout = 10 * time.Second
	uploadTimeout  = 10 * time.Minute
)

// APIError is a non-2xx response from the orchestrator.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (status %d)", e.Message, e.Status)
}

// IsNotFound reports whether err is a 404 from the orchestrator.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// Client talks to the orchestrator's HTTP API.
type Client struct {
	baseURL string
	http    *http.Client
}

// New returns a client for the orchestrator at baseURL, e.g.
// "http://127.0.0.1:7740".
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
	}
}

// SubmitJob queues a job and returns the accepted job record.
func (c *Client) SubmitJob(req *api.SubmitJobRequest) (*api.SubmitJobResponse, error) {
	var resp api.SubmitJobResponse
	if err := c.doJSON(http.MethodPost, "/v1/jobs", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListJobs returns jobs, optionally filtered by status.
func (c *Client) ListJobs(status string) ([]*types.Job, error) {
	path := "/v1/jobs"
	if status != "" {
		path += "?status=" + url.QueryEscape(status)
	}
	var jobs []*types.Job
	if err := c.doJSON(http.MethodGet, path, nil, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// GetJob returns a job by ID.
func (c *Client) GetJob(id string) (*types.Job, error) {
	var job types.Job
	if err := c.doJSON(http.MethodGet, "/v1/jobs/"+url.PathEscape(id), nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// CancelJob cancels a queued or running job.
func (c *Client) CancelJob(id string) error {
	return c.doJSON(http.MethodDelete, "/v1/jobs/"+url.PathEscape(id), nil, nil)
}

// JobOutput returns the captured stdout and stderr of a dispatched job.
func (c *Client) JobOutput(id string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/jobs/"+url.PathEscape(id)+"/output", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, decodeError(resp)
	}
	return io.ReadAll(resp.Body)
}

// CreatePool asks the orchestrator to create a worker pool. A nil
// error does not mean the pool exists; the response carries the
// outcome even when the spec was rejected.
func (c *Client) CreatePool(req *api.CreatePoolRequest) (*api.CreatePoolResponse, error) {
	var resp api.CreatePoolResponse
	status, err := c.doAnyStatus(http.MethodPost, "/v1/pools", req, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Outcome == "" {
		return nil, &APIError{Status: status, Message: resp.Error}
	}
	return &resp, nil
}

// ListPools returns all pools.
func (c *Client) ListPools() ([]*types.Pool, error) {
	var pools []*types.Pool
	if err := c.doJSON(http.MethodGet, "/v1/pools", nil, &pools); err != nil {
		return nil, err
	}
	return pools, nil
}

// GetPool returns a pool by ID or name.
func (c *Client) GetPool(ref string) (*types.Pool, error) {
	var pool types.Pool
	if err := c.doJSON(http.MethodGet, "/v1/pools/"+url.PathEscape(ref), nil, &pool); err != nil {
		return nil, err
	}
	return &pool, nil
}

// DeletePool terminates a pool's workers and removes it.
func (c *Client) DeletePool(ref string) error {
	return c.doJSON(http.MethodDelete, "/v1/pools/"+url.PathEscape(ref), nil, nil)
}

// ScalePool sets a pool's desired size. Like CreatePool, rejections
// come back in the response outcome rather than as errors.
func (c *Client) ScalePool(ref string, target int, reason string, force bool) (*api.ScaleResponse, error) {
	body := api.ScaleRequest{Target: target, Reason: reason, Force: force}
	var resp api.ScaleResponse
	status, err := c.doAnyStatus(http.MethodPost, "/v1/pools/"+url.PathEscape(ref)+"/scale", body, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Outcome == "" {
		return nil, &APIError{Status: status, Message: resp.Error}
	}
	return &resp, nil
}

// DrainPool stops dispatch to a pool and releases its idle workers.
func (c *Client) DrainPool(ref string) error {
	return c.doJSON(http.MethodPost, "/v1/pools/"+url.PathEscape(ref)+"/drain", nil, nil)
}

// PoolMetrics returns utilization numbers for one pool.
func (c *Client) PoolMetrics(ref string) (*types.PoolMetrics, error) {
	var pm types.PoolMetrics
	if err := c.doJSON(http.MethodGet, "/v1/pools/"+url.PathEscape(ref)+"/metrics", nil, &pm); err != nil {
		return nil, err
	}
	return &pm, nil
}

// ListWorkers returns workers, optionally scoped to one pool (by ID or
// name).
func (c *Client) ListWorkers(poolRef string) ([]*api.WorkerView, error) {
	path := "/v1/workers"
	if poolRef != "" {
		path += "?pool=" + url.QueryEscape(poolRef)
	}
	var workers []*api.WorkerView
	if err := c.doJSON(http.MethodGet, path, nil, &workers); err != nil {
		return nil, err
	}
	return workers, nil
}

// GetWorker returns a worker and its live session state.
func (c *Client) GetWorker(id string) (*api.WorkerView, error) {
	var view api.WorkerView
	if err := c.doJSON(http.MethodGet, "/v1/workers/"+url.PathEscape(id), nil, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// PushArtifact streams an artifact blob to the orchestrator's content
// store and returns its metadata. The returned ID is the content
// checksum, so pushing the same bytes twice is a no-op.
func (c *Client) PushArtifact(name string, compression types.CompressionType, r io.Reader) (*types.Artifact, error) {
	ctx, cancel := context.WithTimeout(context.Background(), uploadTimeout)
	defer cancel()

	query := url.Values{"name": {name}}
	if compression != "" {
		query.Set("compression", string(compression))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/artifacts?"+query.Encode(), r)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return nil, decodeError(resp)
	}
	var art types.Artifact
	if err := json.NewDecoder(resp.Body).Decode(&art); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &art, nil
}

// ListArtifacts returns all stored artifact metadata.
func (c *Client) ListArtifacts() ([]*types.Artifact, error) {
	var arts []*types.Artifact
	if err := c.doJSON(http.MethodGet, "/v1/artifacts", nil, &arts); err != nil {
		return nil, err
	}
	return arts, nil
}

// GetArtifact returns artifact metadata by ID.
func (c *Client) GetArtifact(id string) (*types.Artifact, error) {
	var art types.Artifact
	if err := c.doJSON(http.MethodGet, "/v1/artifacts/"+url.PathEscape(id), nil, &art); err != nil {
		return nil, err
	}
	return &art, nil
}

// CreateToken mints a join token. Empty role defaults to worker; empty
// TTL uses the server default.
func (c *Client) CreateToken(role, ttl string) (*coordinator.JoinToken, error) {
	var token coordinator.JoinToken
	body := api.CreateTokenRequest{Role: role, TTL: ttl}
	if err := c.doJSON(http.MethodPost, "/v1/tokens", body, &token); err != nil {
		return nil, err
	}
	return &token, nil
}

// ListTokens returns the active join tokens.
func (c *Client) ListTokens() ([]*coordinator.JoinToken, error) {
	var tokens []*coordinator.JoinToken
	if err := c.doJSON(http.MethodGet, "/v1/tokens", nil, &tokens); err != nil {
		return nil, err
	}
	return tokens, nil
}

// Status returns the orchestrator's system snapshot.
func (c *Client) Status() (*api.StatusResponse, error) {
	var status api.StatusResponse
	if err := c.doJSON(http.MethodGet, "/v1/status", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// doJSON sends a JSON request and decodes the 2xx response into out.
// Non-2xx responses come back as *APIError.
func (c *Client) doJSON(method, path string, body, out any) error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	resp, err := c.send(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// doAnyStatus decodes the response body into out for every status and
// returns the status code. The pool endpoints use it because they
// return a typed outcome body on rejection too; plain error bodies
// only fill the target's Error field, which callers turn into an
// *APIError when the outcome is missing.
func (c *Client) doAnyStatus(method, path string, body, out any) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	resp, err := c.send(ctx, method, path, body)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
	}
	return resp.StatusCode, nil
}

func (c *Client) send(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.http.Do(req)
}

func decodeError(resp *http.Response) error {
	var body api.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Error == "" {
		return &APIError{Status: resp.StatusCode, Message: "status " + strconv.Itoa(resp.StatusCode)}
	}
	return &APIError{Status: resp.StatusCode, Message: body.Error}
}
