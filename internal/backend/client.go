// Package backend talks to the inference engine on its loopback address.
package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	chatCompletionsPath = "/v1/chat/completions"
	modelsPath          = "/v1/models"

	// maxErrorBody caps how much of a failed response is kept for logging.
	maxErrorBody = 4096
)

// Error reports a failed backend call: a transport error (StatusCode 0) or a
// non-2xx response.
type Error struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("backend request failed: %v", e.Err)
	}
	return fmt.Sprintf("backend error (status %d): %s", e.StatusCode, e.Body)
}

func (e *Error) Unwrap() error { return e.Err }

// IsError reports whether err is a backend failure.
func IsError(err error) bool {
	var be *Error
	return errors.As(err, &be)
}

// Observer receives the outcome of every backend call. Status 0 means the
// request never got a response.
type Observer interface {
	BackendResult(status int, elapsed time.Duration)
}

// ClientOption configures the client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithObserver records call outcomes, e.g. into metrics.
func WithObserver(o Observer) ClientOption {
	return func(c *Client) {
		c.observer = o
	}
}

// Client is a plain HTTP client for an OpenAI compatible engine.
type Client struct {
	baseURL    string
	httpClient *http.Client
	observer   Observer
}

// NewClient creates a client for the engine at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the engine address.
func (c *Client) BaseURL() string { return c.baseURL }

// ChatCompletion sends a non-streaming request and returns the raw body.
func (c *Client) ChatCompletion(ctx context.Context, body []byte) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodPost, chatCompletionsPath, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{StatusCode: 0, Err: fmt.Errorf("failed to read response: %w", err)}
	}
	return respBody, nil
}

// StreamChatCompletion sends a streaming request and returns the open event
// stream. The caller must close it.
func (c *Client) StreamChatCompletion(ctx context.Context, body []byte) (io.ReadCloser, error) {
	resp, err := c.do(ctx, http.MethodPost, chatCompletionsPath, body)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// Models returns the raw model list.
func (c *Client) Models(ctx context.Context) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodGet, modelsPath, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{StatusCode: 0, Err: fmt.Errorf("failed to read response: %w", err)}
	}
	return respBody, nil
}

// Health probes the engine by listing its models.
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, modelsPath, nil)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

// do sends the request and turns transport failures and non-2xx responses
// into *Error. On success the caller owns resp.Body.
func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json, text/event-stream")

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.observe(0, start)
		return nil, &Error{Err: err}
	}
	c.observe(resp.StatusCode, start)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &Error{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	return resp, nil
}

func (c *Client) observe(status int, start time.Time) {
	if c.observer != nil {
		c.observer.BackendResult(status, time.Since(start))
	}
}
