package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"chatrelay/internal/config"
	"chatrelay/internal/models"
)

const (
	contentTypeJSON = "application/json"
	userAgent       = "chatrelay/0.1"

	maxErrorBodyBytes    = 4 << 10
	maxResponseBodyBytes = 4 << 20
)

// ErrRequestFailed wraps transport-level failures: connect, DNS, TLS, timeouts and
// truncated reads.
var ErrRequestFailed = errors.New("upstream request failed")

// ErrInvalidJSON indicates the provider answered with a success status but the body
// was not a JSON document.
var ErrInvalidJSON = errors.New("provider response is not valid JSON")

// StatusError captures non-2xx upstream responses.
type StatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

// Client posts completion requests to a single OpenAI-compatible endpoint.
type Client struct {
	url     string
	apiKey  string
	headers map[string]string
	client  *http.Client
}

// New creates a client for the configured endpoint.
func New(cfg config.UpstreamConfig, client *http.Client) (*Client, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}

	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errors.New("upstream url must not be empty")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("upstream api key must not be empty")
	}

	return &Client{
		url:     url,
		apiKey:  cfg.APIKey,
		headers: cfg.Headers,
		client:  client,
	}, nil
}

// URL returns the endpoint requests are posted to.
func (c *Client) URL() string {
	return c.url
}

// Complete submits one completion request and returns the raw response body. The body
// is guaranteed to be valid JSON when err is nil.
func (c *Client) Complete(ctx context.Context, req models.CompletionRequest) ([]byte, error) {
	httpReq, err := c.newRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRequestFailed, err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(httpResp.Body, maxErrorBodyBytes))
		return nil, &StatusError{
			StatusCode: httpResp.StatusCode,
			URL:        c.url,
			Body:       strings.TrimSpace(string(buf)),
		}
	}

	// one extra byte tells an oversize body apart from one exactly at the limit
	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read provider response: %w", ErrRequestFailed, err)
	}
	if len(body) > maxResponseBodyBytes {
		return nil, fmt.Errorf("%w: provider response exceeds %d bytes", ErrRequestFailed, maxResponseBodyBytes)
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("decode provider response (%d bytes): %w", len(body), ErrInvalidJSON)
	}
	return body, nil
}

func (c *Client) newRequest(ctx context.Context, payload models.CompletionRequest) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("construct request: %w", err)
	}

	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	// contract headers are set last so extra headers cannot replace them
	req.Header.Set("Content-Type", contentTypeJSON)
	req.Header.Set("Accept", contentTypeJSON)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	return req, nil
}
