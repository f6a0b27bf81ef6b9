// Package nodeclient is the transport to tier nodes.
//
// Health, query and pipeline stage calls each use their own http.Client and
// connection pool, so a long-running stage never starves health probes or
// queries. Every operation fails with a *Failure from the same taxonomy.
package nodeclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/cortexhub/tiergate/internal/config"
	"github.com/cortexhub/tiergate/internal/metrics"
	"github.com/cortexhub/tiergate/internal/registry"
)

const (
	userAgent    = "tiergate/1.0"
	maxBodyBytes = 8 << 20
	maxErrorBody = 512
)

// Operation names used in failures, logs and metrics.
const (
	OpHealth = "health"
	OpQuery  = "query"
	OpStats  = "stats"
)

// StageOp is a mutating pipeline operation on a node.
type StageOp string

const (
	StageIngest      StageOp = "ingest"
	StageSummarizeL1 StageOp = "summarize_l1"
	StageSummarizeL2 StageOp = "summarize_l2"
)

func (s StageOp) path() string {
	return "/" + string(s)
}

// QueryRequest is the body of POST /query on a node.
type QueryRequest struct {
	Question        string `json:"question"`
	TopK            int    `json:"top_k"`
	MaxOutputTokens int    `json:"max_output_tokens"`
}

// Answer is a node's query response. Citations are passed through untouched.
type Answer struct {
	Answer    string           `json:"answer"`
	Citations []map[string]any `json:"citations"`
	Prompt    string           `json:"prompt,omitempty"`
}

// HealthResult is the outcome of one health probe. It never carries an error value.
type HealthResult struct {
	Reachable bool
	Payload   map[string]any
	Detail    string
	Latency   time.Duration
	CheckedAt time.Time
}

// StageResult is the metadata a node returns from a stage endpoint.
type StageResult struct {
	Status   string
	Metadata map[string]any
}

// Options configures a Client.
type Options struct {
	HealthTimeout time.Duration
	QueryTimeout  time.Duration
	StageTimeout  time.Duration
	Logger        zerolog.Logger
}

// Client talks to tier nodes. It is safe for concurrent use.
type Client struct {
	health *http.Client
	query  *http.Client
	stage  *http.Client
	log    zerolog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New creates a client with one connection pool per timeout class.
func New(opts Options) *Client {
	return &Client{
		health:   newHTTPClient(opts.HealthTimeout, 4),
		query:    newHTTPClient(opts.QueryTimeout, 32),
		stage:    newHTTPClient(opts.StageTimeout, 2),
		log:      opts.Logger,
		limiters: make(map[string]*rate.Limiter),
	}
}

// FromConfig creates a client from the timeout section.
func FromConfig(cfg config.TimeoutConfig, logger zerolog.Logger) *Client {
	return New(Options{
		HealthTimeout: cfg.Health,
		QueryTimeout:  cfg.Query,
		StageTimeout:  cfg.Stage,
		Logger:        logger,
	})
}

func newHTTPClient(timeout time.Duration, perHost int) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = perHost
	transport.MaxConnsPerHost = perHost * 4
	transport.IdleConnTimeout = 90 * time.Second
	return &http.Client{Timeout: timeout, Transport: transport}
}

// Health probes GET /health. Connection errors, non-2xx statuses and
// undecodable bodies all report Reachable=false.
func (c *Client) Health(ctx context.Context, node registry.Node) HealthResult {
	start := time.Now()
	var payload map[string]any
	err := c.do(ctx, c.health, node, OpHealth, http.MethodGet, "/health", nil, &payload)

	res := HealthResult{
		Latency:   time.Since(start),
		CheckedAt: time.Now().UTC(),
	}
	if err != nil {
		res.Detail = err.Error()
		return res
	}
	if payload == nil {
		res.Detail = "empty health body"
		return res
	}
	res.Reachable = true
	res.Payload = payload
	if s, ok := payload["status"].(string); ok {
		res.Detail = s
	}
	return res
}

// Stats fetches GET /stats. The payload is opaque.
func (c *Client) Stats(ctx context.Context, node registry.Node) (map[string]any, error) {
	var out map[string]any
	if err := c.do(ctx, c.health, node, OpStats, http.MethodGet, "/stats", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Query sends POST /query. Zero TopK or MaxOutputTokens fall back to the node defaults.
func (c *Client) Query(ctx context.Context, node registry.Node, req QueryRequest) (*Answer, error) {
	if req.TopK <= 0 {
		req.TopK = node.TopK
	}
	if req.MaxOutputTokens <= 0 {
		req.MaxOutputTokens = node.MaxTokens
	}

	if err := c.wait(ctx, node); err != nil {
		return nil, err
	}

	var ans Answer
	if err := c.do(ctx, c.query, node, OpQuery, http.MethodPost, "/query", req, &ans); err != nil {
		return nil, err
	}
	return &ans, nil
}

// RunStage invokes a stage endpoint. A nil body is sent as {}.
// A 2xx response whose status field reports an error is an upstream failure.
func (c *Client) RunStage(ctx context.Context, node registry.Node, op StageOp, body map[string]any) (*StageResult, error) {
	if body == nil {
		body = map[string]any{}
	}

	var meta map[string]any
	if err := c.do(ctx, c.stage, node, string(op), http.MethodPost, op.path(), body, &meta); err != nil {
		return nil, err
	}

	status, _ := meta["status"].(string)
	switch strings.ToLower(status) {
	case "error", "failed", "failure":
		f := NewFailure(KindUpstream, node.ID, string(op), nil)
		f.Status = http.StatusOK
		if detail, ok := meta["detail"].(string); ok {
			f.Body = truncate(detail)
		}
		metrics.NodeCallFailures.WithLabelValues(node.ID, string(op), string(KindUpstream)).Inc()
		return nil, f
	}
	return &StageResult{Status: status, Metadata: meta}, nil
}

// wait applies the node's query rate limit, if any.
func (c *Client) wait(ctx context.Context, node registry.Node) error {
	lim := c.limiter(node)
	if lim == nil {
		return nil
	}
	if err := lim.Wait(ctx); err != nil {
		f := NewFailure(KindTimeout, node.ID, OpQuery, fmt.Errorf("rate limit wait: %w", err))
		metrics.NodeCallFailures.WithLabelValues(node.ID, OpQuery, string(f.Kind)).Inc()
		return f
	}
	return nil
}

func (c *Client) limiter(node registry.Node) *rate.Limiter {
	if node.QueryRateLimit <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	lim, ok := c.limiters[node.ID]
	if !ok {
		burst := int(math.Ceil(node.QueryRateLimit))
		lim = rate.NewLimiter(rate.Limit(node.QueryRateLimit), burst)
		c.limiters[node.ID] = lim
	}
	return lim
}

// do performs one JSON round trip and records latency and failures.
func (c *Client) do(ctx context.Context, hc *http.Client, node registry.Node, op, method, path string, in, out any) error {
	start := time.Now()
	err := c.roundTrip(ctx, hc, node, op, method, path, in, out)
	metrics.NodeCallLatency.WithLabelValues(node.ID, op).Observe(time.Since(start).Seconds())
	if err != nil {
		kind := KindOf(err)
		metrics.NodeCallFailures.WithLabelValues(node.ID, op, string(kind)).Inc()
		c.log.Debug().
			Str("node", node.ID).
			Str("op", op).
			Str("kind", string(kind)).
			Dur("elapsed", time.Since(start)).
			Err(err).
			Msg("node call failed")
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, hc *http.Client, node registry.Node, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return NewFailure(KindInvalidRequest, node.ID, op, fmt.Errorf("failed to marshal request: %w", err))
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, node.BaseURL+path, body)
	if err != nil {
		return NewFailure(KindUnreachable, node.ID, op, fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := hc.Do(req)
	if err != nil {
		return transportFailure(node.ID, op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return transportFailure(node.ID, op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		f := NewFailure(KindUpstream, node.ID, op, nil)
		f.Status = resp.StatusCode
		f.Body = truncate(string(data))
		return f
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		f := NewFailure(KindUpstream, node.ID, op, fmt.Errorf("invalid response body: %w", err))
		f.Status = resp.StatusCode
		f.Body = truncate(string(data))
		return f
	}
	return nil
}

func truncate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxErrorBody {
		return s
	}
	return s[:maxErrorBody] + "..."
}
