// Package treasury is a small HTTP client for the treasury daemon's REST API.
package treasury

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the treasury REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu    sync.RWMutex
	token string
}

// Override forces an action for a single cycle.
type Override struct {
	ForceAction string `json:"forceAction"`
	Reason      string `json:"reason"`
}

// Submission is the payload accepted by POST /api/v1/cycles.
type Submission struct {
	ID       string    `json:"id,omitempty"`
	Mode     string    `json:"mode,omitempty"`
	Override *Override `json:"override,omitempty"`
}

// Command is the execution instruction attached to a decision.
type Command struct {
	Type     string   `json:"type"`
	Target   string   `json:"target"`
	Amount   float64  `json:"amount"`
	TierA    float64  `json:"tierA,omitempty"`
	TierB    float64  `json:"tierB,omitempty"`
	Urgency  string   `json:"urgency,omitempty"`
	Executed bool     `json:"executed"`
	TxHashes []string `json:"txHashes,omitempty"`
}

// Decision is the single output of a cycle.
type Decision struct {
	ID              string    `json:"id"`
	CycleID         string    `json:"cycleId"`
	Action          string    `json:"action"`
	Confidence      float64   `json:"confidence"`
	Reasoning       []string  `json:"reasoning"`
	Command         *Command  `json:"command,omitempty"`
	Summary         string    `json:"summary,omitempty"`
	ReportsAnalyzed []string  `json:"reportsAnalyzed"`
	Iterations      int       `json:"iterations"`
	Mode            string    `json:"mode"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Forwarded records a withdrawal the daemon issued after the cycle.
type Forwarded struct {
	Amount   float64  `json:"amount"`
	Urgency  string   `json:"urgency"`
	Status   string   `json:"status,omitempty"`
	TxHashes []string `json:"txHashes,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// Cycle is the tracked state of one cycle run.
type Cycle struct {
	ID        string     `json:"id"`
	Mode      string     `json:"mode"`
	Override  *Override  `json:"override,omitempty"`
	Source    string     `json:"source"`
	Status    string     `json:"status"`
	LastError string     `json:"lastError,omitempty"`
	ErrorCode string     `json:"errorCode,omitempty"`
	Decision  *Decision  `json:"decision,omitempty"`
	Forwarded *Forwarded `json:"forwarded,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// Done reports whether the cycle reached a terminal status.
func (c Cycle) Done() bool {
	return c.Status == "succeeded" || c.Status == "failed"
}

// Status is the response of GET /api/v1/status.
type Status struct {
	Mode         string    `json:"mode"`
	Cadence      string    `json:"cadence"`
	Planner      string    `json:"planner,omitempty"`
	LastDecision *Decision `json:"lastDecision"`
	Time         time.Time `json:"time"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("treasury api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("treasury api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the treasury API. When httpClient is
// nil, a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetToken sets the bearer token sent with every API call.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// Token returns the currently stored token string.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// SubmitCycle queues a new cycle.
func (c *Client) SubmitCycle(ctx context.Context, submission Submission) (Cycle, error) {
	var out Cycle
	if err := c.post(ctx, "/api/v1/cycles", submission, &out); err != nil {
		return Cycle{}, err
	}
	return out, nil
}

// GetCycle fetches a cycle by identifier.
func (c *Client) GetCycle(ctx context.Context, id string) (Cycle, error) {
	var out Cycle
	if err := c.get(ctx, "/api/v1/cycles/"+url.PathEscape(id), nil, &out); err != nil {
		return Cycle{}, err
	}
	return out, nil
}

// ListCycles returns the most recent cycles, newest first.
func (c *Client) ListCycles(ctx context.Context, limit int) ([]Cycle, error) {
	var query url.Values
	if limit > 0 {
		query = url.Values{"limit": []string{strconv.Itoa(limit)}}
	}
	var out []Cycle
	if err := c.get(ctx, "/api/v1/cycles", query, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Status returns the daemon status and the last decision.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var out Status
	if err := c.get(ctx, "/api/v1/status", nil, &out); err != nil {
		return Status{}, err
	}
	return out, nil
}

// WaitCycle polls until the cycle finishes or ctx is done.
func (c *Client) WaitCycle(ctx context.Context, id string, interval time.Duration) (Cycle, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		cycle, err := c.GetCycle(ctx, id)
		if err != nil {
			return Cycle{}, err
		}
		if cycle.Done() {
			return cycle, nil
		}
		select {
		case <-ctx.Done():
			return cycle, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, nil, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, query, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	if len(query) > 0 {
		rel.RawQuery = query.Encode()
	}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}
