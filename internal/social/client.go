// Package social talks to the X (Twitter) v2 direct message API.
package social

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/mixelka/unibox/internal/provider"
)

// ClientOptions configures the API client
type ClientOptions struct {
	BaseURL    string
	HTTPClient *http.Client
	RPS        float64 // Outgoing request pacing across all accounts
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// Client is a minimal X API v2 client
type Client struct {
	baseURL    string
	httpClient *http.Client
	pace       *rate.Limiter
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// APIError is a non-2xx API response
type APIError struct {
	Status int
	Title  string
	Detail string
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("x api error: status=%d title=%s detail=%s", e.Status, e.Title, e.Detail)
	}
	return fmt.Sprintf("x api error: status=%d title=%s", e.Status, e.Title)
}

// NewClient creates a client
func NewClient(opts ClientOptions) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.twitter.com"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	rps := opts.RPS
	if rps <= 0 {
		rps = 1
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 2
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 500 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		pace:       rate.NewLimiter(rate.Limit(rps), int(rps)+1),
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
	}
}

// do sends one request, retrying network errors and 5xx. 429 is returned
// as a *provider.RateLimitError without retrying. Response headers are
// returned even on error so callers can record rate-limit state.
func (c *Client) do(ctx context.Context, method, path, token string, payload, out any) (http.Header, error) {
	var body []byte
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return nil, err
		}
	}

	for attempt := 0; ; attempt++ {
		if err := c.pace.Wait(ctx); err != nil {
			return nil, err
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() == nil && attempt < c.maxRetries {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1)); waitErr != nil {
					return nil, waitErr
				}
				continue
			}
			return nil, fmt.Errorf("failed to call %s: %w: %w", path, provider.ErrTransient, err)
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return resp.Header, fmt.Errorf("failed to read response: %w: %w", provider.ErrTransient, readErr)
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out != nil {
				if err := json.Unmarshal(respBody, out); err != nil {
					return resp.Header, fmt.Errorf("failed to decode %s response: %w", path, err)
				}
			}
			return resp.Header, nil
		}

		if resp.StatusCode >= 500 && attempt < c.maxRetries {
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1)); waitErr != nil {
				return resp.Header, waitErr
			}
			continue
		}

		return resp.Header, classify(resp, respBody)
	}
}

func classify(resp *http.Response, body []byte) error {
	apiErr := &APIError{Status: resp.StatusCode, Title: http.StatusText(resp.StatusCode)}
	var parsed struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
	}
	if json.Unmarshal(body, &parsed) == nil {
		if parsed.Title != "" {
			apiErr.Title = parsed.Title
		}
		apiErr.Detail = parsed.Detail
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return rateLimitError(resp.Header)
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%w: %w", provider.ErrCredentials, apiErr)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: %w", provider.ErrTransient, apiErr)
	default:
		return apiErr
	}
}

// rateLimitError reads the reset time from x-rate-limit-reset or Retry-After
func rateLimitError(h http.Header) *provider.RateLimitError {
	now := time.Now()
	e := &provider.RateLimitError{Scope: "x_api", RetryAfter: 15 * time.Minute}
	if reset, err := strconv.ParseInt(strings.TrimSpace(h.Get("x-rate-limit-reset")), 10, 64); err == nil {
		e.RetryAfter = time.Unix(reset, 0).Sub(now)
	} else if secs, err := strconv.Atoi(strings.TrimSpace(h.Get("Retry-After"))); err == nil {
		e.RetryAfter = time.Duration(secs) * time.Second
	}
	if e.RetryAfter < 0 {
		e.RetryAfter = 0
	}
	e.ResetAt = now.Add(e.RetryAfter)
	return e
}

func (c *Client) retryDelay(attempt int) time.Duration {
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	return delay
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
