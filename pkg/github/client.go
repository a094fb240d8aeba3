// Package github triggers repository_dispatch events on the GitHub REST API.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultBaseURL   = "https://api.github.com"
	defaultTimeout   = 30 * time.Second
	defaultRateLimit = rate.Limit(1)
	defaultBurst     = 3
	acceptHeader     = "application/vnd.github.v3+json"
	maxErrorBody     = 4096
)

// APIError is a non-success response from GitHub.
type APIError struct {
	StatusCode int
	Body       string
	Retryable  bool
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("github api returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("github api returned status %d: %s", e.StatusCode, e.Body)
}

// DispatchPayload is the client_payload delivered to the workflow.
type DispatchPayload struct {
	Task      string `json:"task"`
	ChatID    int64  `json:"chat_id"`
	MessageID int64  `json:"message_id"`
	TaskID    string `json:"task_id,omitempty"`
}

type dispatchRequest struct {
	EventType     string          `json:"event_type"`
	ClientPayload DispatchPayload `json:"client_payload"`
}

// Options tune a Client. Zero values select defaults.
type Options struct {
	BaseURL    string
	Timeout    time.Duration
	RateLimit  float64
	Burst      int
	HTTPClient *http.Client
}

// Client calls the GitHub REST API with a bearer token.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient creates a client authenticated with token.
func NewClient(token string, opts Options) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	limit := rate.Limit(opts.RateLimit)
	if opts.RateLimit <= 0 {
		limit = defaultRateLimit
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = defaultBurst
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		token:      token,
		baseURL:    baseURL,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(limit, burst),
	}
}

// SplitRepository splits "owner/name".
func SplitRepository(repo string) (owner, name string, err error) {
	parts := strings.Split(strings.TrimSpace(repo), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("repository must be owner/name, got %q", repo)
	}
	return parts[0], parts[1], nil
}

// RepositoryDispatch fires a repository_dispatch event. GitHub answers
// 204 No Content on success; anything else is an *APIError.
func (c *Client) RepositoryDispatch(ctx context.Context, repo, eventType string, payload DispatchPayload) error {
	owner, name, err := SplitRepository(repo)
	if err != nil {
		return err
	}
	if strings.TrimSpace(c.token) == "" {
		return fmt.Errorf("github token is not configured")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	body, err := json.Marshal(dispatchRequest{EventType: eventType, ClientPayload: payload})
	if err != nil {
		return fmt.Errorf("marshal dispatch payload: %w", err)
	}
	url := fmt.Sprintf("%s/repos/%s/%s/dispatches", c.baseURL, owner, name)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build dispatch request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", acceptHeader)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send dispatch request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &APIError{
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(data)),
		Retryable:  resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
	}
}
