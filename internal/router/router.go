// Package router picks the tier node for a question and walks a fixed
// fallback chain when that node fails.
package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cortexhub/tiergate/internal/classifier"
	"github.com/cortexhub/tiergate/internal/metrics"
	"github.com/cortexhub/tiergate/internal/nodeclient"
	"github.com/cortexhub/tiergate/internal/registry"
)

// ErrAllNodesFailed is matched by *AggregateError.
var ErrAllNodesFailed = errors.New("all nodes failed")

// Querier sends a query to one node.
type Querier interface {
	Query(ctx context.Context, node registry.Node, req nodeclient.QueryRequest) (*nodeclient.Answer, error)
}

// Classifier maps a question to a complexity class.
type Classifier interface {
	Classify(question string) (classifier.Complexity, float64)
}

// Request is one query to route.
type Request struct {
	Question  string
	TopK      int
	MaxTokens int
	// Target names a node and skips classification.
	Target string
	// NoFallback returns the primary's failure instead of walking the chain.
	NoFallback bool
}

// Decision is the routing provenance of one request.
type Decision struct {
	ID             string
	Complexity     classifier.Complexity
	Confidence     float64
	Primary        string
	Tier           int
	Attempted      []string
	Served         string
	FallbackUsed   bool
	FallbackServer string
	PrimaryFailure error
	Elapsed        time.Duration
}

// Result is a successful routed query.
type Result struct {
	Answer   *nodeclient.Answer
	Decision Decision
	UsedTopK int
}

// Attempt is one failed node call.
type Attempt struct {
	Node string
	Err  error
}

// AggregateError lists every node attempted for a request and why each failed.
type AggregateError struct {
	DecisionID string
	Attempts   []Attempt
}

func (e *AggregateError) Error() string {
	parts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		parts[i] = a.Err.Error()
	}
	return fmt.Sprintf("%s: %s", ErrAllNodesFailed, strings.Join(parts, "; "))
}

func (e *AggregateError) Is(target error) bool {
	return target == ErrAllNodesFailed
}

// Router is safe for concurrent use; it keeps no per-request state.
type Router struct {
	reg    *registry.Registry
	cls    Classifier
	client Querier
	logger zerolog.Logger
	chains map[string][]string
}

// New creates a router and precomputes every node's fallback chain.
func New(reg *registry.Registry, cls Classifier, client Querier, logger zerolog.Logger) *Router {
	r := &Router{
		reg:    reg,
		cls:    cls,
		client: client,
		logger: logger,
		chains: make(map[string][]string, reg.Len()),
	}
	nodes := reg.All()
	for _, n := range nodes {
		r.chains[n.ID] = buildChain(nodes, n)
	}
	return r
}

// TierFor is the static complexity to tier table. Detailed and comprehensive
// questions go to the full document.
func TierFor(c classifier.Complexity) int {
	switch c {
	case classifier.Simple:
		return registry.TierUltra
	case classifier.Moderate:
		return registry.TierModerate
	default:
		return registry.TierFull
	}
}

// SelectPrimary returns the node id serving the class's tier.
func (r *Router) SelectPrimary(c classifier.Complexity) (string, error) {
	tier := TierFor(c)
	n, ok := r.reg.ByTier(tier)
	if !ok {
		return "", fmt.Errorf("no node registered for tier %d", tier)
	}
	return n.ID, nil
}

// FallbackChain returns the other nodes in the order they are tried after id fails.
func (r *Router) FallbackChain(id string) []string {
	chain := r.chains[id]
	out := make([]string, len(chain))
	copy(out, chain)
	return out
}

// buildChain orders every other node by tier distance from self, nearer tiers
// first and the lower tier on ties: 1 -> [2 3], 2 -> [1 3], 3 -> [2 1].
func buildChain(nodes []registry.Node, self registry.Node) []string {
	others := make([]registry.Node, 0, len(nodes)-1)
	for _, n := range nodes {
		if n.ID != self.ID {
			others = append(others, n)
		}
	}
	sort.SliceStable(others, func(i, j int) bool {
		di, dj := abs(others[i].Tier-self.Tier), abs(others[j].Tier-self.Tier)
		if di != dj {
			return di < dj
		}
		return others[i].Tier < others[j].Tier
	})

	ids := make([]string, len(others))
	for i, n := range others {
		ids[i] = n.ID
	}
	return ids
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

// Route answers a question from the best node. Fallbacks are tried one at a
// time; only when every node fails is an *AggregateError returned. An unknown
// Target fails with nodeclient.ErrUnknownNode before any network call.
func (r *Router) Route(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	d := Decision{ID: uuid.NewString()}

	if req.Target != "" {
		if !r.reg.Has(req.Target) {
			return nil, nodeclient.NewFailure(nodeclient.KindUnknownNode, req.Target, nodeclient.OpQuery, nil)
		}
		d.Complexity = classifier.ManualOverride
		d.Confidence = classifier.OverrideConfidence
		d.Primary = req.Target
	} else {
		d.Complexity, d.Confidence = r.cls.Classify(req.Question)
		primary, err := r.SelectPrimary(d.Complexity)
		if err != nil {
			return nil, err
		}
		d.Primary = primary
	}

	candidates := []string{d.Primary}
	if !req.NoFallback {
		candidates = append(candidates, r.chains[d.Primary]...)
	}

	var attempts []Attempt
	for i, id := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("route %s aborted: %w", d.ID, err)
		}

		node, err := r.reg.Get(id)
		if err != nil {
			return nil, err
		}
		if i == 0 {
			d.Tier = node.Tier
		}

		topK := req.TopK
		if topK <= 0 {
			topK = node.TopK
		}

		d.Attempted = append(d.Attempted, id)
		ans, err := r.client.Query(ctx, node, nodeclient.QueryRequest{
			Question:        req.Question,
			TopK:            topK,
			MaxOutputTokens: req.MaxTokens,
		})
		if err == nil {
			d.Served = id
			d.FallbackUsed = i > 0
			if d.FallbackUsed {
				d.FallbackServer = id
			}
			d.Elapsed = time.Since(start)
			r.record(d, "")
			return &Result{Answer: ans, Decision: d, UsedTopK: topK}, nil
		}

		if i == 0 {
			d.PrimaryFailure = err
		}
		attempts = append(attempts, Attempt{Node: id, Err: err})
		r.logger.Warn().
			Str("decision_id", d.ID).
			Str("node", id).
			Str("kind", string(nodeclient.KindOf(err))).
			Err(err).
			Msg("node query failed")

		if req.NoFallback {
			d.Elapsed = time.Since(start)
			r.record(d, "failed")
			return nil, err
		}
	}

	d.Elapsed = time.Since(start)
	r.record(d, "failed")
	return nil, &AggregateError{DecisionID: d.ID, Attempts: attempts}
}

// record emits the one log line and metrics for a finished decision.
func (r *Router) record(d Decision, outcome string) {
	if outcome == "" {
		outcome = "primary"
		if d.FallbackUsed {
			outcome = "fallback"
			metrics.FallbacksUsed.WithLabelValues(d.Primary, d.FallbackServer).Inc()
		}
	}
	metrics.RoutingDecisions.WithLabelValues(string(d.Complexity), d.Primary, outcome).Inc()

	ev := r.logger.Info()
	if outcome == "failed" {
		ev = r.logger.Error()
	}
	ev.Str("decision_id", d.ID).
		Str("complexity", string(d.Complexity)).
		Float64("confidence", d.Confidence).
		Str("primary", d.Primary).
		Strs("attempted", d.Attempted).
		Str("served", d.Served).
		Str("outcome", outcome).
		Dur("elapsed", d.Elapsed).
		Msg("query routed")
}
