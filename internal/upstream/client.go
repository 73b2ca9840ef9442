// Package upstream forwards sanitized requests to the remote
// OpenAI-compatible AI endpoint.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const attempts = 3

// Client talks to one upstream base URL, e.g. https://api.openai.com/v1.
// Only transport failures are retried; an HTTP error status from upstream is
// returned to the caller as is.
type Client struct {
	baseURL string
	apiKey  string

	http   *http.Client
	stream *http.Client
	pause  time.Duration
}

// New creates an upstream Client. apiKey is sent as a bearer token when set.
func New(baseURL, apiKey string) *Client {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 100,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http: &http.Client{
			Timeout:   120 * time.Second,
			Transport: transport,
		},
		// No overall timeout: streaming responses can run for a long time.
		stream: &http.Client{Transport: transport},
		pause:  250 * time.Millisecond,
	}
}

// BaseURL returns the configured upstream base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// FetchModels returns the raw model list from upstream.
func (c *Client) FetchModels(ctx context.Context) ([]json.RawMessage, error) {
	body, status, err := c.Do(ctx, http.MethodGet, "/models", nil)
	if err != nil {
		return nil, fmt.Errorf("fetch models: %w", err)
	}
	if status >= 400 {
		return nil, fmt.Errorf("fetch models: upstream %d: %s", status, truncate(body))
	}

	var result struct {
		Data []json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decode models: %w", err)
	}
	return result.Data, nil
}

// Do sends a non-streaming request and returns the full response body.
func (c *Client) Do(ctx context.Context, method, path string, payload []byte) ([]byte, int, error) {
	resp, err := c.send(ctx, c.http, method, path, payload)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	return b, resp.StatusCode, err
}

// DoStream sends a request and returns the raw *http.Response for streaming.
// The caller must close resp.Body.
func (c *Client) DoStream(ctx context.Context, method, path string, payload []byte) (*http.Response, error) {
	return c.send(ctx, c.stream, method, path, payload)
}

func (c *Client) send(ctx context.Context, hc *http.Client, method, path string, payload []byte) (*http.Response, error) {
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		resp, err := c.doOnce(ctx, hc, method, path, payload)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		slog.Warn("upstream: request failed, retrying", "attempt", attempt, "err", err)
		if attempt < attempts {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("upstream: %w", lastErr)
			case <-time.After(time.Duration(attempt) * c.pause):
			}
		}
	}
	return nil, fmt.Errorf("upstream: %w", lastErr)
}

func (c *Client) doOnce(ctx context.Context, hc *http.Client, method, path string, payload []byte) (*http.Response, error) {
	url := c.baseURL + path

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	slog.Debug("upstream request", "method", method, "url", url, "bodyLen", len(payload))
	return hc.Do(req)
}

func truncate(b []byte) string {
	const limit = 512
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}
