package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortexhub/tiergate/internal/config"
	"github.com/cortexhub/tiergate/internal/server"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tiergate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	cfg := writeConfig(t, "logging:\n  level: error\n")
	out, err := execute(t, "--config", cfg, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "tiergate v"+version)
}

func TestConfigShow_MasksPassword(t *testing.T) {
	cfg := writeConfig(t, `
server:
  port: 9000
redis:
  addr: localhost:6379
  password: hunter2
logging:
  level: error
`)
	out, err := execute(t, "--config", cfg, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "port: 9000")
	assert.Contains(t, out, "server1")
	assert.NotContains(t, out, "hunter2")
}

func TestConfigValidate(t *testing.T) {
	good := writeConfig(t, "logging:\n  level: error\n")
	out, err := execute(t, "--config", good, "config", "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "configuration OK")

	bad := writeConfig(t, "logging:\n  level: error\npipeline:\n  ledger: etcd\n")
	_, err = execute(t, "--config", bad, "config", "validate")
	assert.ErrorContains(t, err, "ledger")
}

func TestMissingConfigFile(t *testing.T) {
	_, err := execute(t, "--config", filepath.Join(t.TempDir(), "nope.yaml"), "version")
	assert.Error(t, err)
}

func TestQueryCommand(t *testing.T) {
	var got server.QueryRequest
	gw := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/query", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(server.QueryResponse{
			Answer:   "The report covers Q3.",
			UsedTopK: 5,
			RoutingInfo: server.RoutingInfo{
				PrimaryServer:  "server3",
				Complexity:     "simple",
				Confidence:     0.7,
				FallbackUsed:   true,
				FallbackServer: "server2",
				FallbackReason: "server3 query: timeout",
			},
		})
	}))
	defer gw.Close()

	cfg := writeConfig(t, "logging:\n  level: error\n")
	out, err := execute(t, "--config", cfg, "--gateway", gw.URL, "query", "--top-k", "5", "--target", "server3", "give", "me", "a", "summary")
	require.NoError(t, err)

	assert.Equal(t, "give me a summary", got.Question)
	assert.Equal(t, 5, got.TopK)
	assert.Equal(t, "server3", got.TargetServer)
	assert.Contains(t, out, "The report covers Q3.")
	assert.Contains(t, out, "served by:  server2")
}

func TestQueryCommand_GatewayError(t *testing.T) {
	gw := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(server.ErrorResponse{Error: "all nodes failed", Kind: "all_nodes_failed"})
	}))
	defer gw.Close()

	cfg := writeConfig(t, "logging:\n  level: error\n")
	_, err := execute(t, "--config", cfg, "--gateway", gw.URL, "query", "hello")
	assert.ErrorContains(t, err, "503")
}

func TestIngestCommand_PartialFails(t *testing.T) {
	gw := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(server.IngestResponse{
			RunID:         "01J0000000000000000000000",
			OverallStatus: "partial",
			Stages: []server.StageReport{
				{Name: "ingest", Node: "server1", Status: "success"},
				{Name: "summarize_l1", Node: "server2", Status: "failed", Detail: "timeout"},
				{Name: "summarize_l2", Node: "server3", Status: "skipped"},
			},
		})
	}))
	defer gw.Close()

	cfg := writeConfig(t, "logging:\n  level: error\n")
	out, err := execute(t, "--config", cfg, "--gateway", gw.URL, "ingest")
	assert.ErrorContains(t, err, "partial")
	assert.Contains(t, out, "summarize_l1")
	assert.Contains(t, out, "skipped")
}

func TestBuildGateway(t *testing.T) {
	cfg := config.Default()
	g, err := buildGateway(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	assert.NotNil(t, g.server)
	assert.NotNil(t, g.coordinator)
	assert.Nil(t, g.scheduler)
	assert.Nil(t, g.redis)

	cfg.Pipeline.Schedule = "0 3 * * *"
	g, err = buildGateway(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	assert.NotNil(t, g.scheduler)

	cfg.Pipeline.Schedule = "not a schedule"
	_, err = buildGateway(context.Background(), cfg, zerolog.Nop())
	assert.ErrorContains(t, err, "invalid pipeline schedule")
}

func TestBuildGateway_RedisUnavailable(t *testing.T) {
	cfg := config.Default()
	cfg.Pipeline.Ledger = config.BackendRedis
	cfg.Redis.Addr = "127.0.0.1:1"
	_, err := buildGateway(context.Background(), cfg, zerolog.Nop())
	assert.Error(t, err)
}

func TestBaseURL(t *testing.T) {
	c := &cli{cfg: config.Default()}
	assert.Equal(t, "http://localhost:8000", c.baseURL())
	c.gatewayURL = "http://gw:9000"
	assert.Equal(t, "http://gw:9000", c.baseURL())
}
