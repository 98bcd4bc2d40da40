// Package gitsync provides a Go client for the gitsync API server.
//
// Usage:
//
//	client := gitsync.NewClient("http://localhost:8080", gitsync.WithAPIKey("my-key"))
//	report, err := client.Sync(ctx, "web", nil)
//	fmt.Println(report.Outcome)
package gitsync

import (
	"bufio"
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
)

// Identity names a resource.
type Identity struct {
	Kind      string `json:"kind"`
	Namespace string `json:"namespace,omitempty"`
	Name      string `json:"name"`
}

func (id Identity) String() string {
	if id.Namespace == "" {
		return id.Kind + "/" + id.Name
	}
	return id.Kind + "/" + id.Namespace + "/" + id.Name
}

// Change is one field-level difference.
type Change struct {
	Path     string      `json:"path"`
	Type     string      `json:"type"`
	OldValue interface{} `json:"old_value,omitempty"`
	NewValue interface{} `json:"new_value,omitempty"`
}

// Result is the outcome of one resource in a pass.
type Result struct {
	Identity Identity `json:"identity"`
	Action   string   `json:"action"`
	Outcome  string   `json:"outcome"`
	Reason   string   `json:"reason,omitempty"`
	Error    string   `json:"error,omitempty"`
	Group    string   `json:"group,omitempty"`
	Decision string   `json:"decision,omitempty"`
	Revision string   `json:"revision,omitempty"`
	Changes  []Change `json:"changes,omitempty"`
}

// Report describes a finished pass.
type Report struct {
	PassID      string     `json:"pass_id"`
	Target      string     `json:"target"`
	Revision    string     `json:"revision,omitempty"`
	DryRun      bool       `json:"dry_run,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  time.Time  `json:"finished_at"`
	Outcome     string     `json:"outcome"`
	Phase       string     `json:"phase"`
	FailedPhase string     `json:"failed_phase,omitempty"`
	Error       string     `json:"error,omitempty"`
	Order       []Identity `json:"order,omitempty"`
	Results     []Result   `json:"results"`
}

// Aborted reports whether the pass stopped before finishing.
func (r *Report) Aborted() bool { return r.Outcome == "Aborted" }

// Count returns the number of results with outcome.
func (r *Report) Count(outcome string) int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == outcome {
			n++
		}
	}
	return n
}

// Status is a target's controller state.
type Status struct {
	Name        string     `json:"name"`
	Environment string     `json:"environment,omitempty"`
	Schedule    string     `json:"schedule,omitempty"`
	NextRun     time.Time  `json:"next_run,omitempty"`
	Running     bool       `json:"running"`
	LastReport  *Report    `json:"last_report,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	ErrorClass  string     `json:"error_class,omitempty"`
	Pending     []Identity `json:"pending,omitempty"`
	Approved    []Identity `json:"approved,omitempty"`
}

// SyncRecord is one entry of a resource's history.
type SyncRecord struct {
	ID              string    `json:"id"`
	Seq             int64     `json:"seq"`
	Identity        Identity  `json:"identity"`
	Target          string    `json:"target,omitempty"`
	PassID          string    `json:"pass_id,omitempty"`
	Action          string    `json:"action,omitempty"`
	AppliedRevision string    `json:"applied_revision"`
	SpecHash        string    `json:"spec_hash,omitempty"`
	AppliedAt       time.Time `json:"applied_at"`
	Outcome         string    `json:"outcome"`
	ErrorDetail     string    `json:"error_detail,omitempty"`
}

// Event is one server-sent pass event.
type Event struct {
	Type          string                 `json:"type"`
	Timestamp     time.Time              `json:"timestamp"`
	CorrelationID string                 `json:"correlation_id"`
	Data          map[string]interface{} `json:"data,omitempty"`
}

// HealthResponse is the response from the health check endpoint.
type HealthResponse struct {
	Status  string `json:"status"`
	Uptime  string `json:"uptime"`
	Targets int    `json:"targets"`
	Version string `json:"version"`
}

// SyncOptions tune an on-demand pass.
type SyncOptions struct {
	DryRun        bool       `json:"dry_run,omitempty"`
	Approve       []Identity `json:"approve,omitempty"`
	ApproveGroups []string   `json:"approve_groups,omitempty"`
	ApproveAll    bool       `json:"approve_all,omitempty"`
}

// APIError represents an error response from the API server.
type APIError struct {
	StatusCode int    `json:"status_code"`
	ErrorCode  string `json:"error"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d (%s): %s", e.StatusCode, e.ErrorCode, e.Message)
}

// Option configures the Client.
type Option func(*Client)

// WithAPIKey sets the API key for authentication.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the request timeout. Passes can take a while; the
// default is five minutes.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// Client is the gitsync API client.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s %s: %w", method, path, err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		apiErr := APIError{StatusCode: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil {
			apiErr.ErrorCode = "unknown"
			apiErr.Message = fmt.Sprintf("HTTP %d", resp.StatusCode)
		}
		return nil, &apiErr
	}
	return resp, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, result interface{}) error {
	resp, err := c.doRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNoContent || result == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(result)
}

func targetPath(name string, rest ...string) string {
	p := "/v1/targets/" + url.PathEscape(name)
	for _, r := range rest {
		p += "/" + r
	}
	return p
}

// Health checks the server health.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var result HealthResponse
	if err := c.doJSON(ctx, http.MethodGet, "/healthz", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Targets returns the status of every target.
func (c *Client) Targets(ctx context.Context) ([]Status, error) {
	var result struct {
		Targets []Status `json:"targets"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/targets", nil, &result); err != nil {
		return nil, err
	}
	return result.Targets, nil
}

// Target returns the status of one target.
func (c *Client) Target(ctx context.Context, name string) (*Status, error) {
	var result Status
	if err := c.doJSON(ctx, http.MethodGet, targetPath(name), nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Sync runs a pass for the target and waits for its report. opts may be
// nil.
func (c *Client) Sync(ctx context.Context, name string, opts *SyncOptions) (*Report, error) {
	if opts == nil {
		opts = &SyncOptions{}
	}
	var result Report
	if err := c.doJSON(ctx, http.MethodPost, targetPath(name, "sync"), opts, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Plan runs a dry-run pass for the target.
func (c *Client) Plan(ctx context.Context, name string) (*Report, error) {
	var result Report
	if err := c.doJSON(ctx, http.MethodGet, targetPath(name, "plan"), nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Approve approves pending changes of the target for its next pass. With
// no resources and no groups every pending change is approved.
func (c *Client) Approve(ctx context.Context, name string, resources []Identity, groups []string) error {
	body := map[string]interface{}{}
	if len(resources) > 0 {
		body["resources"] = resources
	}
	if len(groups) > 0 {
		body["groups"] = groups
	}
	return c.doJSON(ctx, http.MethodPost, targetPath(name, "approve"), body, nil)
}

// History returns up to limit of the most recent sync records of a
// resource, oldest first. A limit of 0 returns everything.
func (c *Client) History(ctx context.Context, id Identity, limit int) ([]SyncRecord, error) {
	q := url.Values{}
	q.Set("kind", id.Kind)
	q.Set("name", id.Name)
	if id.Namespace != "" {
		q.Set("namespace", id.Namespace)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var result struct {
		Records []SyncRecord `json:"records"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/history?"+q.Encode(), nil, &result); err != nil {
		return nil, err
	}
	return result.Records, nil
}

// EventCallback is called with each streamed event. Returning an error
// ends the stream.
type EventCallback func(Event) error

// Events streams pass events until ctx is done or callback returns an
// error. An empty target streams every target.
func (c *Client) Events(ctx context.Context, target string, callback EventCallback) error {
	path := "/v1/events"
	if target != "" {
		path += "?target=" + url.QueryEscape(target)
	}
	resp, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			continue
		}
		if err := callback(ev); err != nil {
			return err
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return scanner.Err()
}
