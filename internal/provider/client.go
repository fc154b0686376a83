// Package provider implements the HTTP transport to chat backends and the
// registry that maps configured provider entries to capability-described
// instances.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tjfontaine/polyglot-chat/internal/domain"
)

const (
	defaultTimeout = 120 * time.Second
	userAgent      = "polyglot-chat/1.0"
)

// ClientOption configures the client.
type ClientOption func(*Client)

// WithBaseURL sets a custom base URL.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimSuffix(baseURL, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithPath overrides the chat endpoint path.
func WithPath(path string) ClientOption {
	return func(c *Client) {
		c.path = path
	}
}

// Client is the streaming chat transport for one configured backend. It
// satisfies domain.Provider: OpenStream returns the raw SSE body for the
// normalizer to consume.
type Client struct {
	name       string
	caps       domain.Capabilities
	apiKey     string
	baseURL    string
	path       string
	httpClient *http.Client
}

// NewClient creates a provider client.
func NewClient(name string, caps domain.Capabilities, apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		name:       name,
		caps:       caps,
		apiKey:     apiKey,
		path:       "/chat/completions",
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the configured provider name.
func (c *Client) Name() string {
	return c.name
}

// Capabilities returns the provider's capability flags.
func (c *Client) Capabilities() domain.Capabilities {
	return c.caps
}

// OpenStream sends the chat request and returns the response body carrying
// the SSE event stream. Tool definitions are stripped before sending when
// the backend does not support them. The caller owns the returned body and
// must close it on every exit path.
func (c *Client) OpenStream(ctx context.Context, req *domain.ChatRequest) (io.ReadCloser, error) {
	req.Stream = true
	if !c.caps.SupportsTools {
		req.Tools = nil
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+c.path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("User-Agent", userAgent)
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg := readErrorMessage(resp.Body)
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, domain.APIErrorFromStatus(resp.StatusCode, msg)
	}

	return resp.Body, nil
}

// readErrorMessage extracts the server-provided message from an error
// response body, tolerating both {"error":{"message":...}} and flat
// {"message":...} shapes. Falls back to the raw body text.
func readErrorMessage(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, 8192))
	if err != nil || len(raw) == 0 {
		return ""
	}

	var nested struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &nested); err == nil {
		if nested.Error.Message != "" {
			return nested.Error.Message
		}
		if nested.Message != "" {
			return nested.Message
		}
	}

	return strings.TrimSpace(string(raw))
}
