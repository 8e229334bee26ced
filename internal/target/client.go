package target

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
	Headers map[string]string
}

type RawResponse struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

func (r *RawResponse) Header(name string) string {
	if r == nil {
		return ""
	}
	return r.Headers.Get(name)
}

// RetryAfter returns the server's retry-after hint, or zero when absent.
func (r *RawResponse) RetryAfter() time.Duration {
	raw := strings.TrimSpace(r.Header("Retry-After"))
	if raw == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(raw); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return 0
}

// Client talks to one target-under-test. It performs no retries on its own;
// the resilience layer owns that.
type Client struct {
	baseURL string
	apiKey  string
	model   string
	headers map[string]string
	client  *http.Client
}

func NewClient(cfg Config) *Client {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		headers: cfg.Headers,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

func (c *Client) Model() string {
	return c.model
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, *RawResponse, error) {
	if strings.TrimSpace(req.Model) == "" {
		req.Model = c.model
	}
	raw, err := c.Raw(ctx, http.MethodPost, "/v1/completions", req)
	if err != nil {
		return nil, raw, err
	}
	var resp CompletionResponse
	if err := json.Unmarshal(raw.Body, &resp); err != nil {
		return nil, raw, fmt.Errorf("decode completion response: %w", err)
	}
	return &resp, raw, nil
}

func (c *Client) ListTools(ctx context.Context) (*ToolListResponse, *RawResponse, error) {
	raw, err := c.Raw(ctx, http.MethodGet, "/v1/tools", nil)
	if err != nil {
		return nil, raw, err
	}
	var resp ToolListResponse
	if err := json.Unmarshal(raw.Body, &resp); err != nil {
		return nil, raw, fmt.Errorf("decode tool list response: %w", err)
	}
	return &resp, raw, nil
}

func (c *Client) CallTool(ctx context.Context, req ToolCallRequest) (*ToolCallResponse, *RawResponse, error) {
	raw, err := c.Raw(ctx, http.MethodPost, "/v1/tools/call", req)
	if err != nil {
		return nil, raw, err
	}
	var resp ToolCallResponse
	if err := json.Unmarshal(raw.Body, &resp); err != nil {
		return nil, raw, fmt.Errorf("decode tool call response: %w", err)
	}
	return &resp, raw, nil
}

func (c *Client) Raw(ctx context.Context, method, path string, body any) (*RawResponse, error) {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		payload = b
	}

	var reader io.Reader
	if len(payload) > 0 {
		reader = bytes.NewReader(payload)
	}
	request, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if len(payload) > 0 {
		request.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		request.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	for k, v := range c.headers {
		if v == "" {
			request.Header.Del(k)
			continue
		}
		request.Header.Set(k, v)
	}

	start := time.Now()
	response, err := c.client.Do(request)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer response.Body.Close()

	bodyBytes, readErr := io.ReadAll(response.Body)
	raw := &RawResponse{
		StatusCode: response.StatusCode,
		Headers:    response.Header.Clone(),
		Body:       bodyBytes,
		Duration:   time.Since(start),
	}
	if readErr != nil {
		return raw, fmt.Errorf("read response body: %w", readErr)
	}

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		envelope, ok := ParseAPIErrorEnvelope(bodyBytes)
		if !ok {
			envelope = APIErrorEnvelope{
				Error: APIErrorDetail{
					Type:    "http_error",
					Message: fmt.Sprintf("status %d", response.StatusCode),
				},
			}
		}
		return raw, &APIError{
			StatusCode: response.StatusCode,
			Envelope:   envelope,
			Body:       bodyBytes,
		}
	}
	return raw, nil
}

func IsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}
