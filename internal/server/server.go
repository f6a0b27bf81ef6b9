// Package server exposes the gateway over HTTP.
package server

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/cortexhub/tiergate/internal/config"
	"github.com/cortexhub/tiergate/internal/health"
	"github.com/cortexhub/tiergate/internal/metrics"
	"github.com/cortexhub/tiergate/internal/pipeline"
	"github.com/cortexhub/tiergate/internal/registry"
	"github.com/cortexhub/tiergate/internal/router"
)

// Router routes one query.
type Router interface {
	Route(ctx context.Context, req router.Request) (*router.Result, error)
}

// Pipeline runs pipeline stages.
type Pipeline interface {
	RunAll(ctx context.Context, body map[string]any) *pipeline.RunResult
	RunStage(ctx context.Context, name string, body map[string]any) (pipeline.StageOutcome, error)
	Artifacts(ctx context.Context) (map[int]pipeline.Artifact, error)
}

// HealthSource publishes health snapshots.
type HealthSource interface {
	Snapshot() *health.Snapshot
	Subscribe() (<-chan *health.Snapshot, func())
}

// StatsFetcher reads a node's /stats.
type StatsFetcher interface {
	Stats(ctx context.Context, node registry.Node) (map[string]any, error)
}

// EventReader lists recent pipeline events.
type EventReader interface {
	Recent(ctx context.Context, n int64) ([]pipeline.Event, error)
}

// Deps are the components a Server serves. Events is optional.
type Deps struct {
	Registry *registry.Registry
	Router   Router
	Pipeline Pipeline
	Health   HealthSource
	Stats    StatsFetcher
	Events   EventReader
	Logger   zerolog.Logger
	Version  string
}

// Server represents the HTTP server
type Server struct {
	deps       Deps
	logger     zerolog.Logger
	httpServer *http.Server
	handler    http.Handler
	upgrader   websocket.Upgrader
	startTime  time.Time

	closing   chan struct{}
	closeOnce sync.Once
}

// writeMargin covers lock, ledger and encoding work around the stage calls.
const writeMargin = time.Minute

// WriteTimeout bounds how long a response may take to write. It must outlast a
// full pipeline run, where every stage may use its whole stage timeout.
func WriteTimeout(timeouts config.TimeoutConfig) time.Duration {
	return time.Duration(len(pipeline.Stages()))*timeouts.Stage + writeMargin
}

// New creates the gateway HTTP server.
func New(cfg config.ServerConfig, metricsCfg config.MetricsConfig, timeouts config.TimeoutConfig, deps Deps) *Server {
	s := &Server{
		deps:      deps,
		logger:    deps.Logger,
		startTime: time.Now(),
		closing:   make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/query", s.queryHandler)
	mux.HandleFunc("/query/{id}", s.directQueryHandler)
	mux.HandleFunc("/ingest", s.ingestHandler)
	mux.HandleFunc("/summarize_l1", s.stageHandler("summarize_l1"))
	mux.HandleFunc("/summarize_l2", s.stageHandler("summarize_l2"))
	mux.HandleFunc("/system/health", s.systemHealthHandler)
	mux.HandleFunc("/system/health/stream", s.healthStreamHandler)
	mux.HandleFunc("/stats", s.statsHandler)
	mux.HandleFunc("/pipeline/artifacts", s.artifactsHandler)
	mux.HandleFunc("/pipeline/events", s.eventsHandler)
	if metricsCfg.Enabled {
		mux.Handle(metricsCfg.Path, metrics.Handler())
	}

	s.handler = s.instrument(mux)
	s.httpServer = &http.Server{
		Addr:         cfg.Addr(),
		Handler:      s.handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: WriteTimeout(timeouts),
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the instrumented mux.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("HTTP server starting")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown closes health streams and gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.closing) })
	return s.httpServer.Shutdown(ctx)
}

// statusRecorder captures the response status for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// instrument records request count and latency per route pattern.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		endpoint := r.Pattern
		if endpoint == "" {
			endpoint = "unmatched"
		}
		elapsed := time.Since(start)
		metrics.RequestCount.WithLabelValues(r.Method, endpoint, strconv.Itoa(rec.status)).Inc()
		metrics.RequestDuration.WithLabelValues(r.Method, endpoint).Observe(elapsed.Seconds())

		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("elapsed", elapsed).
			Msg("request")
	})
}
