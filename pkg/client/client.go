// Package client is a typed HTTP client for the deployer API.
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
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// TokenHeader carries the shared deployer secret.
const TokenHeader = "X-Deployer-Token"

// Client provides typed access to the deployer API for interactive tools.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	dialer     *websocket.Dialer
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithToken sets the shared secret sent on every request.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = strings.TrimSpace(token)
	}
}

// New constructs a Client pointing at the provided deployer base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:3002"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid deployer base url: %w", err)
	}
	cli := &Client{
		baseURL: strings.TrimRight(trimmed, "/"),
		// builds run synchronously and may take several minutes
		httpClient: &http.Client{Timeout: 20 * time.Minute},
		dialer:     websocket.DefaultDialer,
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the deployer.
type APIError struct {
	Status  int
	Message string
	Logs    string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("deployer request failed with status %d", e.Status)
	}
	return fmt.Sprintf("deployer request failed (%d): %s", e.Status, e.Message)
}

// IsNotFound reports whether err is a 404 from the deployer.
func IsNotFound(err error) bool {
	var apiErr APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

func (c *Client) do(ctx context.Context, method, path string, body any, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set(TokenHeader, c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return extractError(resp.StatusCode, resp.Body)
	}
	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(status int, body io.Reader) APIError {
	apiErr := APIError{Status: status}
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return apiErr
	}
	var payload struct {
		Error string `json:"error"`
		Logs  string `json:"logs"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		apiErr.Message = strings.TrimSpace(string(data))
		return apiErr
	}
	apiErr.Message = strings.TrimSpace(payload.Error)
	apiErr.Logs = payload.Logs
	return apiErr
}

// Deployment mirrors the deployer's deployment record.
type Deployment struct {
	ID            string         `json:"id"`
	ProjectID     string         `json:"projectId"`
	Subdomain     string         `json:"subdomain"`
	Version       int            `json:"version"`
	Status        string         `json:"status"`
	URL           string         `json:"url"`
	ContainerID   string         `json:"containerId"`
	ImageID       string         `json:"imageId"`
	BuildLogs     string         `json:"buildLogs"`
	BuildMetadata map[string]any `json:"buildMetadata"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

// CreateDeployment records a pending deployment for a project.
func (c *Client) CreateDeployment(ctx context.Context, projectID, subdomain string) (Deployment, error) {
	path := fmt.Sprintf("/projects/%s/deployments", url.PathEscape(projectID))
	var d Deployment
	if err := c.do(ctx, http.MethodPost, path, map[string]string{"subdomain": subdomain}, &d); err != nil {
		return Deployment{}, err
	}
	return d, nil
}

// ListDeployments fetches recent deployments for a project, newest first.
func (c *Client) ListDeployments(ctx context.Context, projectID string, limit int) ([]Deployment, error) {
	query := ""
	if limit > 0 {
		query = fmt.Sprintf("?limit=%d", limit)
	}
	path := fmt.Sprintf("/projects/%s/deployments%s", url.PathEscape(projectID), query)
	var resp struct {
		Deployments []Deployment `json:"deployments"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Deployments, nil
}

// GetDeployment fetches one deployment.
func (c *Client) GetDeployment(ctx context.Context, deploymentID string) (Deployment, error) {
	var d Deployment
	if err := c.do(ctx, http.MethodGet, "/deployments/"+url.PathEscape(deploymentID), nil, &d); err != nil {
		return Deployment{}, err
	}
	return d, nil
}

// BuildResponse is the payload of a successful build.
type BuildResponse struct {
	Success     bool   `json:"success"`
	URL         string `json:"url"`
	ContainerID string `json:"containerId"`
	Port        int    `json:"port"`
	AutoFixed   bool   `json:"autoFixed"`
}

// Build runs the pipeline and blocks until it finishes. A failed build is
// returned as an APIError whose Logs hold the build output.
func (c *Client) Build(ctx context.Context, deploymentID string) (BuildResponse, error) {
	path := fmt.Sprintf("/deployments/%s/build", url.PathEscape(deploymentID))
	var resp BuildResponse
	if err := c.do(ctx, http.MethodPost, path, nil, &resp); err != nil {
		return BuildResponse{}, err
	}
	return resp, nil
}

// Stop removes the deployment's container.
func (c *Client) Stop(ctx context.Context, deploymentID string) (Deployment, error) {
	path := fmt.Sprintf("/deployments/%s/stop", url.PathEscape(deploymentID))
	var resp struct {
		Deployment Deployment `json:"deployment"`
	}
	if err := c.do(ctx, http.MethodPost, path, nil, &resp); err != nil {
		return Deployment{}, err
	}
	return resp.Deployment, nil
}

// RollbackResponse reports the rolled back deployment and, when one could be
// restarted, its predecessor.
type RollbackResponse struct {
	Deployment Deployment  `json:"deployment"`
	Restored   *Deployment `json:"restored"`
}

// Rollback retires the project's active deployment.
func (c *Client) Rollback(ctx context.Context, deploymentID string) (RollbackResponse, error) {
	path := fmt.Sprintf("/deployments/%s/rollback", url.PathEscape(deploymentID))
	var resp RollbackResponse
	if err := c.do(ctx, http.MethodPost, path, nil, &resp); err != nil {
		return RollbackResponse{}, err
	}
	return resp, nil
}

// Logs returns the recent container output of a deployment.
func (c *Client) Logs(ctx context.Context, deploymentID string) (string, error) {
	path := fmt.Sprintf("/deployments/%s/logs", url.PathEscape(deploymentID))
	var resp struct {
		Logs string `json:"logs"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return "", err
	}
	return resp.Logs, nil
}

// FollowLogs streams container output into w until the server closes the
// stream or ctx ends.
func (c *Client) FollowLogs(ctx context.Context, deploymentID string, w io.Writer) error {
	wsURL := "ws" + strings.TrimPrefix(c.baseURL, "http") + fmt.Sprintf("/deployments/%s/logs/stream", url.PathEscape(deploymentID))
	header := http.Header{}
	if c.token != "" {
		header.Set(TokenHeader, c.token)
	}
	conn, resp, err := c.dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return extractError(resp.StatusCode, resp.Body)
		}
		return fmt.Errorf("dial log stream: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read log stream: %w", err)
		}
		if _, err := w.Write(msg); err != nil {
			return err
		}
	}
}

// Health describes the deployer's health payload.
type Health struct {
	Status     string                    `json:"status"`
	Timestamp  string                    `json:"timestamp"`
	Components map[string]map[string]any `json:"components"`
}

// Health fetches the health report. A degraded deployer answers 503, which is
// decoded rather than returned as an error.
func (c *Client) Health(ctx context.Context) (Health, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return Health{}, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Health{}, fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return Health{}, extractError(resp.StatusCode, resp.Body)
	}
	var h Health
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return Health{}, fmt.Errorf("decode response: %w", err)
	}
	return h, nil
}
