package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tiergate_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "tiergate_request_duration_seconds",
			Help: "HTTP request duration in seconds",
		},
		[]string{"method", "endpoint"},
	)

	RoutingDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tiergate_routing_decisions_total",
			Help: "Routing decisions by complexity, primary node and outcome",
		},
		[]string{"complexity", "primary", "outcome"},
	)

	FallbacksUsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tiergate_fallbacks_total",
			Help: "Queries answered by a fallback node",
		},
		[]string{"primary", "fallback"},
	)

	NodeCallFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tiergate_node_call_failures_total",
			Help: "Failed calls to tier nodes by operation and failure kind",
		},
		[]string{"node", "op", "kind"},
	)

	NodeCallLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tiergate_node_call_latency_seconds",
			Help:    "Latency of calls to tier nodes",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 180, 600},
		},
		[]string{"node", "op"},
	)

	NodeUp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tiergate_node_up",
			Help: "1 if the node answered its last health probe",
		},
		[]string{"node"},
	)

	MeshHealthy = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tiergate_mesh_healthy_nodes",
			Help: "Number of reachable nodes in the last health snapshot",
		},
	)

	PipelineStages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tiergate_pipeline_stages_total",
			Help: "Pipeline stage outcomes",
		},
		[]string{"stage", "status"},
	)
)

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
