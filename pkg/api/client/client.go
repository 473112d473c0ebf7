package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Client provides typed access to the peep API for the CLI and for builds
// reporting back.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	builderToken string
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

// WithBuilderToken sets the shared secret sent on build callbacks.
func WithBuilderToken(token string) Option {
	return func(c *Client) {
		c.builderToken = strings.TrimSpace(token)
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:4000"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body any, builder bool, v any) error {
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
	if builder && c.builderToken != "" {
		req.Header.Set("X-Builder-Token", c.builderToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return APIError{Status: resp.StatusCode, Message: extractError(resp.Body)}
	}
	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(body io.Reader) string {
	var payload struct {
		Error string `json:"error"`
	}
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return ""
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	return strings.TrimSpace(payload.Error)
}

// Project mirrors API project payloads.
type Project struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	RepoURL        string            `json:"repo_url"`
	Subdomain      string            `json:"subdomain"`
	RootDir        string            `json:"root_dir,omitempty"`
	InstallCommand string            `json:"install_command,omitempty"`
	BuildCommand   string            `json:"build_command,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// CreateProjectInput describes a new project.
type CreateProjectInput struct {
	Name           string            `json:"name"`
	RepoURL        string            `json:"repo_url"`
	RootDir        string            `json:"root_dir,omitempty"`
	InstallCommand string            `json:"install_command,omitempty"`
	BuildCommand   string            `json:"build_command,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
}

// Deployment mirrors API deployment payloads.
type Deployment struct {
	ID          string     `json:"id"`
	ProjectID   string     `json:"project_id"`
	State       string     `json:"state"`
	Reason      string     `json:"reason,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Terminal reports whether the deployment has finished.
func (d Deployment) Terminal() bool {
	return d.State == "READY" || d.State == "FAIL"
}

// LogEntry is a stored build log line.
type LogEntry struct {
	ID           string    `json:"id"`
	DeploymentID string    `json:"deployment_id"`
	Message      string    `json:"message"`
	CreatedAt    time.Time `json:"created_at"`
}

// StreamEvent is a message received on a live log subscription.
type StreamEvent struct {
	Type         string `json:"type"`
	Channel      string `json:"channel,omitempty"`
	DeploymentID string `json:"deployment_id,omitempty"`
	Message      string `json:"message,omitempty"`
	State        string `json:"state,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// CreateProject registers a project.
func (c *Client) CreateProject(ctx context.Context, input CreateProjectInput) (Project, error) {
	var project Project
	err := c.do(ctx, http.MethodPost, "/projects", input, false, &project)
	return project, err
}

// GetProject fetches a project.
func (c *Client) GetProject(ctx context.Context, projectID string) (Project, error) {
	var project Project
	err := c.do(ctx, http.MethodGet, "/projects/"+url.PathEscape(projectID), nil, false, &project)
	return project, err
}

// TriggerDeployment starts a deployment of the project.
func (c *Client) TriggerDeployment(ctx context.Context, projectID string) (Deployment, error) {
	var deployment Deployment
	err := c.do(ctx, http.MethodPost, "/deploy/"+url.PathEscape(projectID), nil, false, &deployment)
	return deployment, err
}

// ListDeployments returns recent deployments, newest first.
func (c *Client) ListDeployments(ctx context.Context, projectID string, limit int) ([]Deployment, error) {
	path := "/deploy/" + url.PathEscape(projectID)
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var deployments []Deployment
	err := c.do(ctx, http.MethodGet, path, nil, false, &deployments)
	return deployments, err
}

// GetDeployment fetches a deployment.
func (c *Client) GetDeployment(ctx context.Context, deploymentID string) (Deployment, error) {
	var deployment Deployment
	err := c.do(ctx, http.MethodGet, "/deployments/"+url.PathEscape(deploymentID), nil, false, &deployment)
	return deployment, err
}

// FetchLogs returns stored log lines in ingestion order.
func (c *Client) FetchLogs(ctx context.Context, deploymentID string, limit, offset int) ([]LogEntry, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		query.Set("offset", strconv.Itoa(offset))
	}
	path := "/logs/" + url.PathEscape(deploymentID)
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	var entries []LogEntry
	err := c.do(ctx, http.MethodGet, path, nil, false, &entries)
	return entries, err
}

// ReportState sends an explicit lifecycle signal for a deployment. It
// requires a builder token.
func (c *Client) ReportState(ctx context.Context, deploymentID, state, reason string) (Deployment, error) {
	var deployment Deployment
	body := map[string]string{"state": state, "reason": reason}
	err := c.do(ctx, http.MethodPost, "/deployments/"+url.PathEscape(deploymentID)+"/state", body, true, &deployment)
	return deployment, err
}

// PublishLog appends a build log line to the ingestion stream. It requires a
// builder token.
func (c *Client) PublishLog(ctx context.Context, projectID, deploymentID, line string) error {
	body := map[string]string{"projectId": projectID, "deploymentId": deploymentID, "log": line}
	return c.do(ctx, http.MethodPost, "/logs", body, true, nil)
}

// FollowLogs subscribes to a deployment's live log channel and calls fn for
// every event until ctx ends, the connection drops, or fn returns false.
func (c *Client) FollowLogs(ctx context.Context, deploymentID string, fn func(StreamEvent) bool) error {
	endpoint := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/ws/logs?deployment_id=" + url.QueryEscape(deploymentID)
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil {
			return APIError{Status: resp.StatusCode, Message: extractError(resp.Body)}
		}
		return fmt.Errorf("dial log stream: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read log stream: %w", err)
		}
		var event StreamEvent
		if err := json.Unmarshal(data, &event); err != nil {
			continue
		}
		if !fn(event) {
			return nil
		}
	}
}
