package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortexhub/tiergate/internal/classifier"
	"github.com/cortexhub/tiergate/internal/config"
	"github.com/cortexhub/tiergate/internal/health"
	"github.com/cortexhub/tiergate/internal/nodeclient"
	"github.com/cortexhub/tiergate/internal/pipeline"
	"github.com/cortexhub/tiergate/internal/registry"
	"github.com/cortexhub/tiergate/internal/router"
)

// fakeMesh stands in for the three tier nodes.
type fakeMesh struct {
	mu       sync.Mutex
	down     map[string]bool
	stageErr map[nodeclient.StageOp]error
	queries  []string
}

func (m *fakeMesh) isDown(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.down[id]
}

func (m *fakeMesh) Query(ctx context.Context, node registry.Node, req nodeclient.QueryRequest) (*nodeclient.Answer, error) {
	m.mu.Lock()
	m.queries = append(m.queries, node.ID)
	m.mu.Unlock()
	if m.isDown(node.ID) {
		return nil, nodeclient.NewFailure(nodeclient.KindUnreachable, node.ID, nodeclient.OpQuery, errors.New("connection refused"))
	}
	return &nodeclient.Answer{Answer: "answer from " + node.ID, Citations: []map[string]any{{"source": "policy.pdf"}}}, nil
}

func (m *fakeMesh) RunStage(ctx context.Context, node registry.Node, op nodeclient.StageOp, body map[string]any) (*nodeclient.StageResult, error) {
	if err, ok := m.stageErr[op]; ok {
		return nil, err
	}
	return &nodeclient.StageResult{Status: "ok", Metadata: map[string]any{"status": "ok"}}, nil
}

func (m *fakeMesh) Health(ctx context.Context, node registry.Node) nodeclient.HealthResult {
	if m.isDown(node.ID) {
		return nodeclient.HealthResult{Detail: "connection refused", CheckedAt: time.Now()}
	}
	return nodeclient.HealthResult{Reachable: true, Detail: "healthy", Payload: map[string]any{"status": "healthy"}, CheckedAt: time.Now()}
}

func (m *fakeMesh) Stats(ctx context.Context, node registry.Node) (map[string]any, error) {
	if m.isDown(node.ID) {
		return nil, nodeclient.NewFailure(nodeclient.KindUnreachable, node.ID, nodeclient.OpStats, nil)
	}
	return map[string]any{"vectors": 10}, nil
}

type testEnv struct {
	mesh    *fakeMesh
	monitor *health.Monitor
	srv     *httptest.Server
	server  *Server
}

func newTestEnv(t *testing.T, mesh *fakeMesh) *testEnv {
	t.Helper()
	reg, err := registry.FromConfig(config.Default().Nodes)
	require.NoError(t, err)

	logger := zerolog.Nop()
	rt := router.New(reg, classifier.New(), mesh, logger)
	coord, err := pipeline.New(reg, mesh, pipeline.Options{Logger: logger})
	require.NoError(t, err)
	mon := health.NewMonitor(reg, mesh, time.Minute, logger)

	s := New(config.ServerConfig{Host: "127.0.0.1", Port: 0}, config.MetricsConfig{Enabled: true, Path: "/metrics"}, config.Default().Timeouts, Deps{
		Registry: reg,
		Router:   rt,
		Pipeline: coord,
		Health:   mon,
		Stats:    mesh,
		Logger:   logger,
		Version:  "test",
	})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &testEnv{mesh: mesh, monitor: mon, srv: srv, server: s}
}

func (e *testEnv) post(t *testing.T, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(e.srv.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *testEnv) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(e.srv.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestHealthHandler(t *testing.T) {
	env := newTestEnv(t, &fakeMesh{})
	resp := env.get(t, "/health")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	hr := decode[HealthResponse](t, resp)
	assert.Equal(t, "ok", hr.Status)
	assert.Equal(t, "test", hr.Version)
}

func TestQuery_FallbackProvenance(t *testing.T) {
	env := newTestEnv(t, &fakeMesh{down: map[string]bool{"server3": true}})

	resp := env.post(t, "/query", `{"question":"Give me the key points"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	qr := decode[QueryResponse](t, resp)
	assert.Equal(t, "answer from server2", qr.Answer)
	assert.Equal(t, "policy.pdf", qr.Citations[0]["source"])
	assert.Equal(t, 5, qr.UsedTopK)
	assert.Equal(t, "server3", qr.RoutingInfo.PrimaryServer)
	assert.Equal(t, "simple", qr.RoutingInfo.Complexity)
	assert.True(t, qr.RoutingInfo.FallbackUsed)
	assert.Equal(t, "server2", qr.RoutingInfo.FallbackServer)
	assert.Contains(t, qr.RoutingInfo.FallbackReason, "unreachable")
	assert.Equal(t, []string{"server3", "server2"}, qr.RoutingInfo.Attempted)
}

func TestQuery_BadRequests(t *testing.T) {
	env := newTestEnv(t, &fakeMesh{})

	assert.Equal(t, http.StatusBadRequest, env.post(t, "/query", `{"question":"  "}`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, env.post(t, "/query", `{`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, env.post(t, "/query", ``).StatusCode)
	assert.Equal(t, http.StatusBadRequest, env.post(t, "/query", `{"question":"q","top_k":-1}`).StatusCode)
	assert.Equal(t, http.StatusMethodNotAllowed, env.get(t, "/query").StatusCode)
	assert.Empty(t, env.mesh.queries)
}

func TestQuery_UnknownTarget(t *testing.T) {
	env := newTestEnv(t, &fakeMesh{})

	resp := env.post(t, "/query", `{"question":"q","target_server":"server9"}`)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	er := decode[ErrorResponse](t, resp)
	assert.Equal(t, "unknown_node", er.Kind)
	assert.Empty(t, env.mesh.queries)
}

func TestQuery_AllNodesFail(t *testing.T) {
	env := newTestEnv(t, &fakeMesh{down: map[string]bool{"server1": true, "server2": true, "server3": true}})

	resp := env.post(t, "/query", `{"question":"explain the scheme"}`)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	er := decode[ErrorResponse](t, resp)
	assert.Equal(t, "all_nodes_failed", er.Kind)
	require.Len(t, er.Attempts, 3)
	assert.Equal(t, "server2", er.Attempts[0].Node)
	assert.Equal(t, "server1", er.Attempts[1].Node)
	assert.Equal(t, "server3", er.Attempts[2].Node)
	assert.Equal(t, "unreachable", er.Attempts[0].Kind)
}

func TestDirectQuery(t *testing.T) {
	env := newTestEnv(t, &fakeMesh{down: map[string]bool{"server1": true}})

	resp := env.post(t, "/query/server2", `{"question":"comprehensive analysis"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	qr := decode[QueryResponse](t, resp)
	assert.Equal(t, "manual_override", qr.RoutingInfo.Complexity)
	assert.Equal(t, 1.0, qr.RoutingInfo.Confidence)
	assert.Equal(t, "answer from server2", qr.Answer)

	// Direct queries never fall back.
	resp = env.post(t, "/query/server1", `{"question":"q"}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "unreachable", decode[ErrorResponse](t, resp).Kind)

	assert.Equal(t, http.StatusNotFound, env.post(t, "/query/server9", `{"question":"q"}`).StatusCode)
}

func TestIngest_Partial(t *testing.T) {
	env := newTestEnv(t, &fakeMesh{stageErr: map[nodeclient.StageOp]error{
		nodeclient.StageSummarizeL1: nodeclient.NewFailure(nodeclient.KindTimeout, "server2", "summarize_l1", nil),
	}})

	resp := env.post(t, "/ingest", `{}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	ir := decode[IngestResponse](t, resp)
	assert.NotEmpty(t, ir.RunID)
	assert.Equal(t, "partial", ir.OverallStatus)
	require.Len(t, ir.Stages, 3)
	assert.Equal(t, "success", ir.Stages[0].Status)
	assert.Equal(t, "failed", ir.Stages[1].Status)
	assert.Equal(t, "timeout", ir.Stages[1].Kind)
	assert.Equal(t, "skipped", ir.Stages[2].Status)

	resp = env.get(t, "/pipeline/artifacts")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	arts := decode[map[string][]ArtifactReport](t, resp)["artifacts"]
	require.Len(t, arts, 1)
	assert.Equal(t, 1, arts[0].Level)
}

func TestStageTriggers(t *testing.T) {
	env := newTestEnv(t, &fakeMesh{})

	resp := env.post(t, "/summarize_l1", ``)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "dependency_missing", decode[ErrorResponse](t, resp).Kind)

	require.Equal(t, http.StatusOK, env.post(t, "/ingest", ``).StatusCode)

	resp = env.post(t, "/summarize_l2", ``)
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = env.post(t, "/summarize_l1", ``)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sr := decode[StageReport](t, resp)
	assert.Equal(t, "summarize_l1", sr.Name)
	assert.Equal(t, "server2", sr.Node)
	assert.Equal(t, "success", sr.Status)
}

func TestStageTrigger_UpstreamFailure(t *testing.T) {
	env := newTestEnv(t, &fakeMesh{stageErr: map[nodeclient.StageOp]error{
		nodeclient.StageSummarizeL1: &nodeclient.Failure{Kind: nodeclient.KindUpstream, Node: "server2", Op: "summarize_l1", Status: 500, Err: nodeclient.ErrUpstream},
	}})
	require.Equal(t, http.StatusOK, env.post(t, "/ingest", ``).StatusCode)
	assert.Equal(t, http.StatusBadGateway, env.post(t, "/summarize_l1", ``).StatusCode)
}

func TestSystemHealth(t *testing.T) {
	env := newTestEnv(t, &fakeMesh{down: map[string]bool{"server3": true}})

	before := decode[SystemHealth](t, env.get(t, "/system/health"))
	assert.Equal(t, "unhealthy", before.OverallHealth)
	assert.Nil(t, before.SnapshotAt)
	assert.Equal(t, 3, before.TotalCount)

	env.monitor.Poll(context.Background())

	doc := decode[SystemHealth](t, env.get(t, "/system/health"))
	assert.Equal(t, "degraded", doc.OverallHealth)
	assert.Equal(t, 2, doc.HealthyCount)
	assert.Equal(t, 3, doc.TotalCount)
	assert.NotNil(t, doc.SnapshotAt)
	require.Contains(t, doc.Servers, "server3")
	assert.False(t, doc.Servers["server3"].Reachable)
	assert.Equal(t, "connection refused", doc.Servers["server3"].Detail)
	assert.Equal(t, 3, doc.Servers["server3"].Tier)
	assert.Equal(t, map[string]any{"status": "healthy"}, doc.Servers["server1"].Detail)
}

func TestStats(t *testing.T) {
	env := newTestEnv(t, &fakeMesh{down: map[string]bool{"server2": true}})

	sr := decode[StatsResponse](t, env.get(t, "/stats"))
	assert.Equal(t, "test", sr.Version)
	require.Len(t, sr.Servers, 3)
	assert.Equal(t, float64(10), sr.Servers["server1"]["vectors"])
	assert.Contains(t, sr.Servers["server2"], "error")
	assert.False(t, sr.Timestamp.IsZero())
}

func TestEvents_Disabled(t *testing.T) {
	env := newTestEnv(t, &fakeMesh{})
	assert.Equal(t, http.StatusNotFound, env.get(t, "/pipeline/events").StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, &fakeMesh{})
	env.get(t, "/health")

	resp := env.get(t, "/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, bytes.Contains(body, []byte("tiergate_requests_total")))
}

func TestHealthStream(t *testing.T) {
	env := newTestEnv(t, &fakeMesh{down: map[string]bool{"server1": true}})

	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/system/health/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var first SystemHealth
	require.NoError(t, conn.ReadJSON(&first))
	assert.Nil(t, first.SnapshotAt)

	// The handler subscribes before sending the first document, so this poll is delivered.
	env.monitor.Poll(context.Background())

	var next SystemHealth
	require.NoError(t, conn.ReadJSON(&next))
	assert.Equal(t, "degraded", next.OverallHealth)
	assert.NotNil(t, next.SnapshotAt)
}

func TestStreamClosedOnShutdown(t *testing.T) {
	env := newTestEnv(t, &fakeMesh{})

	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/system/health/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var first SystemHealth
	require.NoError(t, conn.ReadJSON(&first))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	env.server.Shutdown(ctx)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}

func TestWriteTimeout_OutlastsPipelineRun(t *testing.T) {
	for _, stage := range []time.Duration{time.Second, 10 * time.Minute, time.Hour} {
		timeouts := config.Default().Timeouts
		timeouts.Stage = stage

		s := New(config.ServerConfig{Host: "127.0.0.1", Port: 0}, config.MetricsConfig{}, timeouts, Deps{Logger: zerolog.Nop()})

		worstRun := time.Duration(len(pipeline.Stages())) * stage
		assert.Greater(t, s.httpServer.WriteTimeout, worstRun, "stage timeout %s", stage)
		assert.Equal(t, WriteTimeout(timeouts), s.httpServer.WriteTimeout)
	}
}
