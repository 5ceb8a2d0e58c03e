package fixitnowsdk

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
)

// Client is a minimal FixItNow HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

type Budget struct {
	Min      float64 `json:"min,omitempty"`
	Max      float64 `json:"max,omitempty"`
	Currency string  `json:"currency,omitempty"`
}

type Coordinates struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type Location struct {
	Address     string       `json:"address,omitempty"`
	City        string       `json:"city,omitempty"`
	State       string       `json:"state,omitempty"`
	ZipCode     string       `json:"zip_code,omitempty"`
	Coordinates *Coordinates `json:"coordinates,omitempty"`
}

// Issue represents the API issue model.
type Issue struct {
	ID                 string   `json:"id"`
	CustomerID         string   `json:"customer_id"`
	Category           string   `json:"category"`
	Title              string   `json:"title"`
	Description        string   `json:"description"`
	Urgency            string   `json:"urgency"`
	Budget             *Budget  `json:"budget,omitempty"`
	Location           Location `json:"location"`
	ContactPhone       string   `json:"contact_phone"`
	Images             []string `json:"images"`
	Status             string   `json:"status"`
	MatchedWorkers     []string `json:"matched_workers"`
	AssignedWorker     string   `json:"assigned_worker,omitempty"`
	CompletionEvidence []string `json:"completion_evidence"`
	Rating             *int     `json:"rating,omitempty"`
	Version            int      `json:"version"`
	CreatedAt          string   `json:"created_at"`
	UpdatedAt          string   `json:"updated_at"`
}

// NewIssue is the payload for CreateIssue.
type NewIssue struct {
	Category     string   `json:"category"`
	Title        string   `json:"title"`
	Description  string   `json:"description"`
	Urgency      string   `json:"urgency,omitempty"`
	Budget       *Budget  `json:"budget,omitempty"`
	Location     Location `json:"location"`
	ContactPhone string   `json:"contact_phone"`
	Images       []string `json:"images,omitempty"`
}

type Worker struct {
	ID            string   `json:"id"`
	Name          string   `json:"name,omitempty"`
	Categories    []string `json:"categories"`
	Available     bool     `json:"available"`
	CompletedJobs int      `json:"completed_jobs"`
	Rating        float64  `json:"rating"`
	RatingCount   int      `json:"rating_count"`
}

type Notification struct {
	ID        string `json:"id"`
	IssueID   string `json:"issue_id"`
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Read      bool   `json:"read"`
	CreatedAt string `json:"created_at"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedIssues wraps list responses with cursors.
type PaginatedIssues struct {
	Items      []Issue `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code is the machine-readable error code
// when the body carried the standard envelope.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsConflict reports whether err is a 409 from the API, such as a job request
// already taken by another worker.
func IsConflict(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict
}

// IsInvalidTransition reports whether err is a 422 from the API.
func IsInvalidTransition(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnprocessableEntity
}

// CreateIssue reports an issue as the authenticated customer.
func (c *Client) CreateIssue(ctx context.Context, in NewIssue) (Issue, error) {
	var resp Issue
	err := c.do(ctx, http.MethodPost, "issues", in, &resp)
	return resp, err
}

// GetIssue fetches an issue by id.
func (c *Client) GetIssue(ctx context.Context, id string) (Issue, error) {
	var resp Issue
	err := c.do(ctx, http.MethodGet, "issues/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListIssues returns one page of a view. Empty scope uses the caller's default.
func (c *Client) ListIssues(ctx context.Context, scope string, statuses []string, limit int, cursor string) (PaginatedIssues, error) {
	q := url.Values{}
	if scope != "" {
		q.Set("scope", scope)
	}
	if len(statuses) > 0 {
		q.Set("status", strings.Join(statuses, ","))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedIssues
	err := c.do(ctx, http.MethodGet, withQuery("issues", q), nil, &resp)
	return resp, err
}

func (c *Client) transition(ctx context.Context, id, name string, body any) (Issue, error) {
	var resp Issue
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("issues/%s/%s", url.PathEscape(id), name), body, &resp)
	return resp, err
}

// Accept takes a job request as the authenticated worker.
func (c *Client) Accept(ctx context.Context, id string) (Issue, error) {
	return c.transition(ctx, id, "accept", nil)
}

func (c *Client) Start(ctx context.Context, id string) (Issue, error) {
	return c.transition(ctx, id, "start", nil)
}

// Submit hands in completion evidence.
func (c *Client) Submit(ctx context.Context, id string, evidence []string) (Issue, error) {
	return c.transition(ctx, id, "submit", map[string]any{"completion_evidence": evidence})
}

func (c *Client) Approve(ctx context.Context, id string) (Issue, error) {
	return c.transition(ctx, id, "approve", nil)
}

// Reject sends submitted work back to the worker.
func (c *Client) Reject(ctx context.Context, id, reason string) (Issue, error) {
	return c.transition(ctx, id, "reject", map[string]any{"reason": reason})
}

func (c *Client) Cancel(ctx context.Context, id string) (Issue, error) {
	return c.transition(ctx, id, "cancel", nil)
}

// Rate scores completed work from 1 to 5.
func (c *Client) Rate(ctx context.Context, id string, rating int) (Issue, error) {
	return c.transition(ctx, id, "rate", map[string]any{"rating": rating})
}

// RegisterWorker creates or updates the authenticated worker's profile.
func (c *Client) RegisterWorker(ctx context.Context, name string, categories []string, available bool) (Worker, error) {
	body := map[string]any{
		"name":       name,
		"categories": categories,
		"available":  available,
	}
	var resp Worker
	err := c.do(ctx, http.MethodPut, "workers/me", body, &resp)
	return resp, err
}

// Notifications returns the caller's inbox, newest first.
func (c *Client) Notifications(ctx context.Context, unreadOnly bool) ([]Notification, error) {
	q := url.Values{}
	if unreadOnly {
		q.Set("unread", "true")
	}
	var resp []Notification
	err := c.do(ctx, http.MethodGet, withQuery("notifications", q), nil, &resp)
	return resp, err
}

func (c *Client) MarkRead(ctx context.Context, id string) (Notification, error) {
	var resp Notification
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("notifications/%s/read", url.PathEscape(id)), nil, &resp)
	return resp, err
}

// EventsPage returns a paginated event listing (admin).
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery("events", q), nil, &resp)
	return resp, err
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/v1/" + strings.TrimLeft(endpoint, "/")
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
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
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
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code, apiErr.Message, apiErr.Details = env.Error.Code, env.Error.Message, env.Error.Details
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
