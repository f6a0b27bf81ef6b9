package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client is a REST client for a running gateway.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// APIError is a non-2xx gateway response.
type APIError struct {
	Status int
	Body   ErrorResponse
}

func (e *APIError) Error() string {
	if e.Body.Kind != "" {
		return fmt.Sprintf("gateway returned %d (%s): %s", e.Status, e.Body.Kind, e.Body.Error)
	}
	return fmt.Sprintf("gateway returned %d: %s", e.Status, e.Body.Error)
}

// NewClient creates a gateway client. Timeout bounds each call; pipeline runs need a long one.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Query routes a question. A non-empty req.TargetServer pins the node.
func (c *Client) Query(ctx context.Context, req QueryRequest) (*QueryResponse, error) {
	var out QueryResponse
	if err := c.do(ctx, http.MethodPost, "/query", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Ingest runs the whole pipeline.
func (c *Client) Ingest(ctx context.Context, body map[string]any) (*IngestResponse, error) {
	if body == nil {
		body = map[string]any{}
	}
	var out IngestResponse
	if err := c.do(ctx, http.MethodPost, "/ingest", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RunStage triggers one stage: summarize_l1 or summarize_l2.
func (c *Client) RunStage(ctx context.Context, stage string) (*StageReport, error) {
	var out StageReport
	if err := c.do(ctx, http.MethodPost, "/"+stage, map[string]any{}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SystemHealth reads the mesh health document.
func (c *Client) SystemHealth(ctx context.Context) (*SystemHealth, error) {
	var out SystemHealth
	if err := c.do(ctx, http.MethodGet, "/system/health", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Stats reads aggregated node stats.
func (c *Client) Stats(ctx context.Context) (*StatsResponse, error) {
	var out StatsResponse
	if err := c.do(ctx, http.MethodGet, "/stats", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// do performs an HTTP request with proper headers and decodes the JSON reply
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "tiergate-cli/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(data, &apiErr.Body) != nil || apiErr.Body.Error == "" {
			apiErr.Body.Error = strings.TrimSpace(string(data))
		}
		return apiErr
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
