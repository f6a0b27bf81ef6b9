package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cortexhub/tiergate/internal/health"
	"github.com/cortexhub/tiergate/internal/nodeclient"
	"github.com/cortexhub/tiergate/internal/pipeline"
	"github.com/cortexhub/tiergate/internal/router"
)

const maxRequestBody = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, resp ErrorResponse) {
	writeJSON(w, status, resp)
}

// decodeBody reads an optional JSON body. An empty body leaves v untouched.
func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// statusFor maps a node failure to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, router.ErrAllNodesFailed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	}

	var f *nodeclient.Failure
	if !errors.As(err, &f) {
		return http.StatusInternalServerError
	}
	switch f.Kind {
	case nodeclient.KindUnknownNode:
		return http.StatusNotFound
	case nodeclient.KindInvalidRequest:
		return http.StatusBadRequest
	case nodeclient.KindDependencyMissing, nodeclient.KindStageBusy:
		return http.StatusConflict
	case nodeclient.KindTimeout:
		return http.StatusGatewayTimeout
	case nodeclient.KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusServiceUnavailable
	}
}

func errorResponse(err error) ErrorResponse {
	resp := ErrorResponse{Error: err.Error()}

	var agg *router.AggregateError
	if errors.As(err, &agg) {
		resp.Kind = "all_nodes_failed"
		for _, a := range agg.Attempts {
			resp.Attempts = append(resp.Attempts, AttemptReport{
				Node:  a.Node,
				Kind:  string(nodeclient.KindOf(a.Err)),
				Error: a.Err.Error(),
			})
		}
		return resp
	}

	var f *nodeclient.Failure
	if errors.As(err, &f) {
		resp.Kind = string(f.Kind)
	}
	return resp
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: s.deps.Version,
		Uptime:  time.Since(s.startTime).Round(time.Second).String(),
	})
}

func (s *Server) queryHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req QueryRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON: " + err.Error()})
		return
	}
	s.route(w, r, req, router.Request{
		Question:  req.Question,
		TopK:      req.TopK,
		MaxTokens: req.MaxOutputTokens,
		Target:    req.TargetServer,
	})
}

// directQueryHandler sends the question to one node with no fallback.
func (s *Server) directQueryHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req QueryRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON: " + err.Error()})
		return
	}
	s.route(w, r, req, router.Request{
		Question:   req.Question,
		TopK:       req.TopK,
		MaxTokens:  req.MaxOutputTokens,
		Target:     r.PathValue("id"),
		NoFallback: true,
	})
}

func (s *Server) route(w http.ResponseWriter, r *http.Request, req QueryRequest, rreq router.Request) {
	if strings.TrimSpace(req.Question) == "" {
		writeError(w, http.StatusBadRequest, ErrorResponse{Error: "question required"})
		return
	}
	if req.TopK < 0 || req.MaxOutputTokens < 0 {
		writeError(w, http.StatusBadRequest, ErrorResponse{Error: "top_k and max_output_tokens must not be negative"})
		return
	}

	res, err := s.deps.Router.Route(r.Context(), rreq)
	if err != nil {
		writeError(w, statusFor(err), errorResponse(err))
		return
	}

	d := res.Decision
	info := RoutingInfo{
		DecisionID:     d.ID,
		PrimaryServer:  d.Primary,
		Complexity:     string(d.Complexity),
		Confidence:     d.Confidence,
		FallbackUsed:   d.FallbackUsed,
		FallbackServer: d.FallbackServer,
		Attempted:      d.Attempted,
	}
	if d.PrimaryFailure != nil {
		info.FallbackReason = d.PrimaryFailure.Error()
	}

	citations := res.Answer.Citations
	if citations == nil {
		citations = []map[string]any{}
	}
	writeJSON(w, http.StatusOK, QueryResponse{
		Answer:      res.Answer.Answer,
		Citations:   citations,
		Prompt:      res.Answer.Prompt,
		UsedTopK:    res.UsedTopK,
		RoutingInfo: info,
	})
}

func stageReport(o pipeline.StageOutcome) StageReport {
	rep := StageReport{
		Name:       o.Name,
		Node:       o.Node,
		Status:     string(o.Status),
		Detail:     o.Detail,
		DurationMS: o.Duration.Milliseconds(),
		Metadata:   o.Metadata,
	}
	if o.Err != nil {
		rep.Kind = string(nodeclient.KindOf(o.Err))
	}
	return rep
}

// ingestHandler runs the whole pipeline. Per-stage failures are in the body, not the status code.
func (s *Server) ingestHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body map[string]any
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON: " + err.Error()})
		return
	}

	res := s.deps.Pipeline.RunAll(r.Context(), body)

	resp := IngestResponse{
		RunID:         res.RunID,
		OverallStatus: string(res.Overall),
		StartedAt:     res.StartedAt,
		FinishedAt:    res.FinishedAt,
	}
	for _, o := range res.Stages {
		resp.Stages = append(resp.Stages, stageReport(o))
	}
	writeJSON(w, http.StatusOK, resp)
}

// stageHandler runs one named stage.
func (s *Server) stageHandler(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var body map[string]any
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON: " + err.Error()})
			return
		}

		out, err := s.deps.Pipeline.RunStage(r.Context(), name, body)
		if err != nil {
			resp := errorResponse(err)
			writeError(w, statusFor(err), resp)
			return
		}
		writeJSON(w, http.StatusOK, stageReport(out))
	}
}

// HealthDocument renders a snapshot as the /system/health body.
func HealthDocument(snap *health.Snapshot) SystemHealth {
	doc := SystemHealth{
		Servers:       make(map[string]NodeStatus, snap.Total()),
		OverallHealth: string(snap.Status()),
		HealthyCount:  snap.HealthyCount(),
		TotalCount:    snap.Total(),
	}
	if !snap.TakenAt.IsZero() {
		at := snap.TakenAt
		doc.SnapshotAt = &at
	}

	for _, n := range snap.Nodes() {
		st := NodeStatus{
			Reachable:   n.Reachable,
			Detail:      n.Detail,
			Tier:        n.Tier,
			Description: n.Description,
			LatencyMS:   n.Latency.Milliseconds(),
		}
		if n.Reachable && n.Payload != nil {
			st.Detail = n.Payload
		}
		if n.Checked() {
			at := n.CheckedAt
			st.CheckedAt = &at
		}
		doc.Servers[n.ID] = st
	}
	return doc
}

func (s *Server) systemHealthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, HealthDocument(s.deps.Health.Snapshot()))
}

// statsHandler fetches every node's stats concurrently. A failing node is reported inline.
func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	nodes := s.deps.Registry.All()
	var mu sync.Mutex
	servers := make(map[string]map[string]any, len(nodes))

	g, ctx := errgroup.WithContext(r.Context())
	for _, n := range nodes {
		g.Go(func() error {
			stats, err := s.deps.Stats.Stats(ctx, n)
			if err != nil {
				stats = map[string]any{"error": err.Error()}
			}
			mu.Lock()
			servers[n.ID] = stats
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	writeJSON(w, http.StatusOK, StatsResponse{
		Servers:   servers,
		Timestamp: time.Now().UTC(),
		Version:   s.deps.Version,
	})
}

func (s *Server) artifactsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	arts, err := s.deps.Pipeline.Artifacts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}

	out := make([]ArtifactReport, 0, len(arts))
	for _, a := range arts {
		out = append(out, ArtifactReport{
			Level:            a.Level,
			Source:           a.Source,
			Node:             a.Node,
			CompressionRatio: a.CompressionRatio,
			CreatedAt:        a.CreatedAt,
			RunID:            a.RunID,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Level < out[j].Level })
	writeJSON(w, http.StatusOK, map[string]any{"artifacts": out})
}

func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.deps.Events == nil {
		writeError(w, http.StatusNotFound, ErrorResponse{Error: "pipeline journal disabled"})
		return
	}

	limit := int64(50)
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, ErrorResponse{Error: "limit must be a positive integer"})
			return
		}
		limit = n
	}

	events, err := s.deps.Events.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	out := make([]EventReport, len(events))
	for i, e := range events {
		out[i] = EventReport{RunID: e.RunID, Stage: e.Stage, Node: e.Node, Status: string(e.Status), Detail: e.Detail, At: e.At}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
}
