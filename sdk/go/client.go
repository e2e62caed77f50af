package tracklinesdk

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
)

// Client is a minimal Trackline HTTP API client.
type Client struct {
	BaseURL     string
	ProjectID   string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

// Issue represents the API issue model.
type Issue struct {
	ID          string  `json:"id"`
	ProjectID   string  `json:"project_id"`
	ParentID    *string `json:"parent_id,omitempty"`
	Type        string  `json:"type"`
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	State       string  `json:"state"`
	Priority    string  `json:"priority"`
	AssigneeID  *string `json:"assignee_id,omitempty"`
	ReporterID  string  `json:"reporter_id"`
	StartDate   *string `json:"start_date,omitempty"`
	DueDate     *string `json:"due_date,omitempty"`
	CreatedAt   string  `json:"created_at"`
	UpdatedAt   string  `json:"updated_at"`
	ClosedAt    *string `json:"closed_at,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// Member represents a project member.
type Member struct {
	ProjectID string `json:"project_id"`
	UserID    string `json:"user_id"`
	Role      string `json:"role"`
	AddedAt   string `json:"added_at"`
}

// WhoAmI describes the calling user's access on a project.
type WhoAmI struct {
	UserID      string   `json:"user_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedIssues wraps issue listings with cursors.
type PaginatedIssues struct {
	Items      []Issue `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// CreateIssueInput are optional fields for CreateIssue.
type CreateIssueInput struct {
	ParentID    string `json:"parent_id,omitempty"`
	Description string `json:"description,omitempty"`
	Priority    string `json:"priority,omitempty"`
	StartDate   string `json:"start_date,omitempty"`
	DueDate     string `json:"due_date,omitempty"`
}

// CreateIssue creates an issue.
func (c *Client) CreateIssue(ctx context.Context, title, issueType string, in CreateIssueInput) (Issue, error) {
	body := map[string]any{
		"title": title,
		"type":  issueType,
	}
	if in.ParentID != "" {
		body["parent_id"] = in.ParentID
	}
	if in.Description != "" {
		body["description"] = in.Description
	}
	if in.Priority != "" {
		body["priority"] = in.Priority
	}
	if in.StartDate != "" {
		body["start_date"] = in.StartDate
	}
	if in.DueDate != "" {
		body["due_date"] = in.DueDate
	}
	var resp Issue
	err := c.do(ctx, http.MethodPost, c.projectPath("issues"), body, &resp)
	return resp, err
}

// GetIssue fetches an issue by id.
func (c *Client) GetIssue(ctx context.Context, id string) (Issue, error) {
	var resp Issue
	endpoint := c.projectPath(fmt.Sprintf("issues/%s", url.PathEscape(id)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// UpdateIssue patches an issue. fields maps json field names to new values;
// a nil value clears a nullable field.
func (c *Client) UpdateIssue(ctx context.Context, id string, fields map[string]any) (Issue, error) {
	var resp Issue
	endpoint := c.projectPath(fmt.Sprintf("issues/%s", url.PathEscape(id)))
	err := c.do(ctx, http.MethodPatch, endpoint, fields, &resp)
	return resp, err
}

// CloseIssue moves an issue to closed.
func (c *Client) CloseIssue(ctx context.Context, id string) (Issue, error) {
	return c.UpdateIssue(ctx, id, map[string]any{"state": "closed"})
}

// ReopenIssue moves a closed issue back to reopened.
func (c *Client) ReopenIssue(ctx context.Context, id string) (Issue, error) {
	var resp Issue
	endpoint := c.projectPath(fmt.Sprintf("issues/%s/reopen", url.PathEscape(id)))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// BulkUpdateIssues applies one change to many issues atomically. Only
// description, priority, assignee_id, start_date, and due_date are accepted.
func (c *Client) BulkUpdateIssues(ctx context.Context, ids []string, fields map[string]any) ([]Issue, error) {
	body := map[string]any{"ids": ids}
	for k, v := range fields {
		body[k] = v
	}
	var resp []Issue
	err := c.do(ctx, http.MethodPost, c.projectPath("issues/bulk"), body, &resp)
	return resp, err
}

// Issues returns one page of the project's issues.
func (c *Client) Issues(ctx context.Context, limit int, cursor string) (PaginatedIssues, error) {
	endpoint := c.projectPath("issues")
	endpoint = withPageParams(endpoint, limit, cursor)
	var resp PaginatedIssues
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := c.projectPath("events")
	endpoint = withPageParams(endpoint, limit, cursor)
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Members lists the project's members.
func (c *Client) Members(ctx context.Context) ([]Member, error) {
	var resp []Member
	err := c.do(ctx, http.MethodGet, c.projectPath("members"), nil, &resp)
	return resp, err
}

// Permissions returns the calling user's roles and permissions on the project.
func (c *Client) Permissions(ctx context.Context) (WhoAmI, error) {
	var resp WhoAmI
	err := c.do(ctx, http.MethodGet, c.projectPath("me/permissions"), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
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
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func withPageParams(endpoint string, limit int, cursor string) string {
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	return endpoint
}

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	return fmt.Sprintf("v0/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
