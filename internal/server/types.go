package server

import (
	"time"
)

// QueryRequest is the body of POST /query and POST /query/{id}.
type QueryRequest struct {
	Question        string `json:"question"`
	TopK            int    `json:"top_k,omitempty"`
	MaxOutputTokens int    `json:"max_output_tokens,omitempty"`
	TargetServer    string `json:"target_server,omitempty"`
}

// RoutingInfo is the provenance attached to every answer.
type RoutingInfo struct {
	DecisionID     string   `json:"decision_id"`
	PrimaryServer  string   `json:"primary_server"`
	Complexity     string   `json:"complexity"`
	Confidence     float64  `json:"confidence"`
	FallbackUsed   bool     `json:"fallback_used"`
	FallbackServer string   `json:"fallback_server,omitempty"`
	FallbackReason string   `json:"fallback_reason,omitempty"`
	Attempted      []string `json:"attempted"`
}

// QueryResponse is a routed answer.
type QueryResponse struct {
	Answer      string           `json:"answer"`
	Citations   []map[string]any `json:"citations"`
	Prompt      string           `json:"prompt,omitempty"`
	UsedTopK    int              `json:"used_top_k"`
	RoutingInfo RoutingInfo      `json:"routing_info"`
}

// AttemptReport is one failed node in an aggregate failure.
type AttemptReport struct {
	Node  string `json:"node"`
	Kind  string `json:"kind"`
	Error string `json:"error"`
}

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Error    string          `json:"error"`
	Kind     string          `json:"kind,omitempty"`
	Attempts []AttemptReport `json:"attempts,omitempty"`
}

// StageReport is one stage of a pipeline run.
type StageReport struct {
	Name       string         `json:"name"`
	Node       string         `json:"node"`
	Status     string         `json:"status"`
	Detail     string         `json:"detail,omitempty"`
	Kind       string         `json:"kind,omitempty"`
	DurationMS int64          `json:"duration_ms"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// IngestResponse is the result of POST /ingest.
type IngestResponse struct {
	RunID         string        `json:"run_id"`
	Stages        []StageReport `json:"stages"`
	OverallStatus string        `json:"overall_status"`
	StartedAt     time.Time     `json:"started_at"`
	FinishedAt    time.Time     `json:"finished_at"`
}

// NodeStatus is one node in GET /system/health.
type NodeStatus struct {
	Reachable   bool       `json:"reachable"`
	Detail      any        `json:"detail"`
	Tier        int        `json:"tier"`
	Description string     `json:"description,omitempty"`
	LatencyMS   int64      `json:"latency_ms"`
	CheckedAt   *time.Time `json:"checked_at,omitempty"`
}

// SystemHealth is the body of GET /system/health and each stream message.
type SystemHealth struct {
	Servers       map[string]NodeStatus `json:"servers"`
	OverallHealth string                `json:"overall_health"`
	HealthyCount  int                   `json:"healthy_count"`
	TotalCount    int                   `json:"total_count"`
	SnapshotAt    *time.Time            `json:"snapshot_at,omitempty"`
}

// StatsResponse is the body of GET /stats. Each server entry is the node's
// stats payload or {"error": ...}.
type StatsResponse struct {
	Servers   map[string]map[string]any `json:"servers"`
	Timestamp time.Time                 `json:"timestamp"`
	Version   string                    `json:"version"`
}

// HealthResponse is the gateway's own liveness.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
}

// ArtifactReport is one confirmed pipeline artifact.
type ArtifactReport struct {
	Level            int       `json:"level"`
	Source           string    `json:"source"`
	Node             string    `json:"node"`
	CompressionRatio float64   `json:"compression_ratio"`
	CreatedAt        time.Time `json:"created_at"`
	RunID            string    `json:"run_id,omitempty"`
}

// EventReport is one journaled stage transition.
type EventReport struct {
	RunID  string    `json:"run_id"`
	Stage  string    `json:"stage"`
	Node   string    `json:"node"`
	Status string    `json:"status"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}
