package workline

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

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"wlagent/internal/domain"
)

// Client is a Workline HTTP API client bound to one project and one identity.
type Client struct {
	BaseURL     string
	ProjectID   string
	APIKey      string
	BearerToken string
	// ActorID is sent as X-Actor-Id. When empty it is taken from the bearer
	// token subject.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
	Logger     *zap.Logger
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

type PolicyRequest struct {
	Preset string `json:"preset,omitempty"`
}

type CreateTaskRequest struct {
	ID          string         `json:"id,omitempty"`
	IterationID string         `json:"iteration_id,omitempty"`
	Type        string         `json:"type"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	AssigneeID  string         `json:"assignee_id,omitempty"`
	DependsOn   []string       `json:"depends_on,omitempty"`
	Priority    *int           `json:"priority,omitempty"`
	Policy      *PolicyRequest `json:"policy,omitempty"`
}

type UpdateTaskRequest struct {
	Status       *string  `json:"status,omitempty"`
	AssigneeID   *string  `json:"assignee_id,omitempty"`
	Priority     *int     `json:"priority,omitempty"`
	AddDependsOn []string `json:"add_depends_on,omitempty"`
}

type TaskFilter struct {
	IterationID string
	Status      string
	Limit       int
	Cursor      string
}

type page[T any] struct {
	Items      []T    `json:"items"`
	NextCursor string `json:"next_cursor"`
}

// GetTask fetches a task by id.
func (c *Client) GetTask(ctx context.Context, id string) (domain.WorkItem, error) {
	var resp domain.WorkItem
	err := c.do(ctx, http.MethodGet, c.projectPath("tasks/"+url.PathEscape(id)), nil, &resp)
	return resp, err
}

// CreateTask creates a task.
func (c *Client) CreateTask(ctx context.Context, req CreateTaskRequest) (domain.WorkItem, error) {
	var resp domain.WorkItem
	err := c.do(ctx, http.MethodPost, c.projectPath("tasks"), req, &resp)
	return resp, err
}

// UpdateTask patches a task.
func (c *Client) UpdateTask(ctx context.Context, id string, req UpdateTaskRequest) (domain.WorkItem, error) {
	var resp domain.WorkItem
	err := c.do(ctx, http.MethodPatch, c.projectPath("tasks/"+url.PathEscape(id)), req, &resp)
	return resp, err
}

// ListTasks returns one page of tasks matching the filter.
func (c *Client) ListTasks(ctx context.Context, f TaskFilter) ([]domain.WorkItem, error) {
	items, _, err := c.ListTasksPage(ctx, f)
	return items, err
}

// ListTasksPage returns one page of tasks and the cursor of the next page,
// empty on the last one.
func (c *Client) ListTasksPage(ctx context.Context, f TaskFilter) ([]domain.WorkItem, string, error) {
	q := url.Values{}
	if f.IterationID != "" {
		q.Set("iteration_id", f.IterationID)
	}
	if f.Status != "" {
		q.Set("status", f.Status)
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	if f.Cursor != "" {
		q.Set("cursor", f.Cursor)
	}
	endpoint := c.projectPath("tasks")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp page[domain.WorkItem]
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, resp.NextCursor, err
}

// PutWorkOutcome sets work_outcomes[path] = value.
func (c *Client) PutWorkOutcome(ctx context.Context, taskID, path string, value any) error {
	body := map[string]any{"path": path, "value": value}
	endpoint := c.projectPath(fmt.Sprintf("tasks/%s/work-outcomes/put", url.PathEscape(taskID)))
	return c.do(ctx, http.MethodPost, endpoint, body, nil)
}

// AppendWorkOutcome appends value to the list at work_outcomes[path].
func (c *Client) AppendWorkOutcome(ctx context.Context, taskID, path string, value any) error {
	body := map[string]any{"path": path, "value": value}
	endpoint := c.projectPath(fmt.Sprintf("tasks/%s/work-outcomes/append", url.PathEscape(taskID)))
	return c.do(ctx, http.MethodPost, endpoint, body, nil)
}

// CreateIteration creates an iteration in pending status.
func (c *Client) CreateIteration(ctx context.Context, id, goal string) (domain.Iteration, error) {
	body := map[string]any{"id": id, "goal": goal}
	var resp domain.Iteration
	err := c.do(ctx, http.MethodPost, c.projectPath("iterations"), body, &resp)
	return resp, err
}

// ListIterations returns the most recent iterations.
func (c *Client) ListIterations(ctx context.Context, limit int) ([]domain.Iteration, error) {
	items, _, err := c.ListIterationsPage(ctx, limit, "")
	return items, err
}

// ListIterationsPage returns the page of iterations after cursor and the
// cursor of the next page, empty on the last one.
func (c *Client) ListIterationsPage(ctx context.Context, limit int, cursor string) ([]domain.Iteration, string, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := c.projectPath("iterations")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp page[domain.Iteration]
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, resp.NextCursor, err
}

// SetIterationStatus moves an iteration along its lifecycle.
func (c *Client) SetIterationStatus(ctx context.Context, id, status string, force bool) (domain.Iteration, error) {
	endpoint := c.projectPath(fmt.Sprintf("iterations/%s/status", url.PathEscape(id)))
	if force {
		endpoint += "?force=true"
	}
	var resp domain.Iteration
	err := c.do(ctx, http.MethodPatch, endpoint, map[string]any{"status": status}, &resp)
	return resp, err
}

// AddAttestation adds a proof.
func (c *Client) AddAttestation(ctx context.Context, entityKind, entityID, kind string, payload map[string]any) (domain.Attestation, error) {
	body := map[string]any{
		"entity_kind": entityKind,
		"entity_id":   entityID,
		"kind":        kind,
	}
	if payload != nil {
		body["payload"] = payload
	}
	var resp domain.Attestation
	err := c.do(ctx, http.MethodPost, c.projectPath("attestations"), body, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]domain.Event, error) {
	endpoint := c.projectPath("events")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp page[domain.Event]
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// Actor returns the identity this client presents.
func (c *Client) Actor() string {
	if c.ActorID != "" {
		return c.ActorID
	}
	return subjectFromToken(c.BearerToken)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	requestID := uuid.NewString()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-Id", requestID)
	if actor := c.Actor(); actor != "" {
		req.Header.Set("X-Actor-Id", actor)
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	c.logger().Debug("workline request",
		zap.String("method", method),
		zap.String("path", endpoint),
		zap.Int("status", resp.StatusCode),
		zap.String("request_id", requestID),
	)
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) logger() *zap.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return zap.NewNop()
}

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	return fmt.Sprintf("v0/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

// subjectFromToken reads the sub claim without verifying the signature; the
// server does the verification.
func subjectFromToken(token string) string {
	if token == "" {
		return ""
	}
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return ""
	}
	return claims.Subject
}
