// Package agentapi provides an HTTP client for the upstream coding-agent API.
package agentapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/xiaot623/gogo/bridge/internal/domain"
)

// AutomationAutoCreatePR asks upstream to open a pull request on completion.
const AutomationAutoCreatePR = "AUTO_CREATE_PR"

// DefaultPageSize is the activity page size used when callers pass zero.
const DefaultPageSize = 50

// Client is an HTTP client for the upstream agent API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient creates a new agent API client. A nil limiter disables rate limiting.
func NewClient(baseURL, apiKey string, timeout time.Duration, limiter *rate.Limiter) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		limiter: limiter,
	}
}

// Configured reports whether an API key is set.
func (c *Client) Configured() bool {
	return c.apiKey != ""
}

// APIError is a non-2xx response from the agent API.
type APIError struct {
	StatusCode int
	Status     string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("agent api returned status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("agent api returned status %d", e.StatusCode)
}

// errorResponse is the Google API error envelope.
type errorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// IsTransient reports whether err is worth retrying: network failures,
// timeouts, rate limiting and server errors.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

// IsNotFound reports whether err is an upstream 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// StatusCode returns the upstream HTTP status carried by err, or zero.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// CreateSession calls POST /sessions.
func (c *Client) CreateSession(ctx context.Context, req CreateSessionRequest) (*Session, error) {
	body := createSessionBody{
		Prompt:              req.Prompt,
		Title:               req.Title,
		RequirePlanApproval: true,
	}
	if req.Source != "" {
		body.SourceContext = &SourceContext{Source: req.Source}
		if req.StartingBranch != "" {
			body.SourceContext.GitHubRepoContext = &GitHubRepoContext{StartingBranch: req.StartingBranch}
		}
	}
	if req.AutoCreatePR {
		body.AutomationMode = AutomationAutoCreatePR
		body.RequirePlanApproval = false
	}

	var session Session
	if err := c.do(ctx, http.MethodPost, "/sessions", nil, body, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// GetSession calls GET /{name}.
func (c *Client) GetSession(ctx context.Context, name string) (*Session, error) {
	var session Session
	if err := c.do(ctx, http.MethodGet, "/"+domain.SessionKey(name), nil, nil, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// DeleteSession calls DELETE /{name}.
func (c *Client) DeleteSession(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/"+domain.SessionKey(name), nil, nil, nil)
}

// ListSessions calls GET /sessions.
func (c *Client) ListSessions(ctx context.Context, pageSize int, pageToken string) (*SessionPage, error) {
	q := url.Values{}
	if pageSize > 0 {
		q.Set("pageSize", strconv.Itoa(pageSize))
	}
	if pageToken != "" {
		q.Set("pageToken", pageToken)
	}
	var page SessionPage
	if err := c.do(ctx, http.MethodGet, "/sessions", q, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// ListSources returns every connected source, following pagination.
func (c *Client) ListSources(ctx context.Context) ([]Source, error) {
	var sources []Source
	token := ""
	for {
		q := url.Values{}
		if token != "" {
			q.Set("pageToken", token)
		}
		var page sourcePage
		if err := c.do(ctx, http.MethodGet, "/sources", q, nil, &page); err != nil {
			return nil, err
		}
		sources = append(sources, page.Sources...)
		if page.NextPageToken == "" {
			return sources, nil
		}
		token = page.NextPageToken
	}
}

// SendMessage calls POST /{name}:sendMessage.
func (c *Client) SendMessage(ctx context.Context, name, prompt string) error {
	body := map[string]string{"prompt": prompt}
	return c.do(ctx, http.MethodPost, "/"+domain.SessionKey(name)+":sendMessage", nil, body, nil)
}

// ApprovePlan calls POST /{name}:approvePlan.
func (c *Client) ApprovePlan(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, "/"+domain.SessionKey(name)+":approvePlan", nil, struct{}{}, nil)
}

// ListActivities calls GET /{name}/activities.
func (c *Client) ListActivities(ctx context.Context, name string, pageSize int, pageToken string) (*ActivityPage, error) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	q := url.Values{}
	q.Set("pageSize", strconv.Itoa(pageSize))
	if pageToken != "" {
		q.Set("pageToken", pageToken)
	}
	var page ActivityPage
	if err := c.do(ctx, http.MethodGet, "/"+domain.SessionKey(name)+"/activities", q, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// AllActivities follows pagination from the first page to the last.
func (c *Client) AllActivities(ctx context.Context, name string) ([]Activity, error) {
	var all []Activity
	token := ""
	for {
		page, err := c.ListActivities(ctx, name, DefaultPageSize, token)
		if err != nil {
			return nil, err
		}
		all = append(all, page.Activities...)
		if page.NextPageToken == "" {
			return all, nil
		}
		token = page.NextPageToken
	}
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out interface{}) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("X-Goog-Api-Key", c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("agent api %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var errResp errorResponse
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error.Message != "" {
			apiErr.Message = errResp.Error.Message
			apiErr.Status = errResp.Error.Status
		} else {
			apiErr.Message = strings.TrimSpace(string(respBody))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
