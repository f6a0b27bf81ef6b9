// Package registry holds the static description of the tier nodes behind the gateway.
// It is built once at startup and never mutated; topology changes require a restart.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/cortexhub/tiergate/internal/config"
)

// ErrNotFound is returned when a node id is not registered.
var ErrNotFound = errors.New("node not found")

// Tier levels.
const (
	TierFull     = 1
	TierModerate = 2
	TierUltra    = 3
)

// Node describes one tier node
type Node struct {
	ID               string
	BaseURL          string
	Tier             int
	TopK             int
	MaxTokens        int
	CompressionRatio float64
	Description      string
	QueryRateLimit   float64
}

// Registry is a read-only, tier-ordered set of nodes
type Registry struct {
	nodes  []Node
	byID   map[string]int
	byTier map[int]int
}

// New builds a registry. Nodes are ordered by tier, 1 to 3.
func New(nodes []Node) (*Registry, error) {
	if len(nodes) == 0 {
		return nil, fmt.Errorf("registry needs at least one node")
	}

	sorted := make([]Node, len(nodes))
	copy(sorted, nodes)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Tier < sorted[j].Tier })

	r := &Registry{
		nodes:  sorted,
		byID:   make(map[string]int, len(sorted)),
		byTier: make(map[int]int, len(sorted)),
	}
	for i, n := range sorted {
		if n.ID == "" {
			return nil, fmt.Errorf("node at tier %d has no id", n.Tier)
		}
		if _, dup := r.byID[n.ID]; dup {
			return nil, fmt.Errorf("duplicate node id %q", n.ID)
		}
		if _, dup := r.byTier[n.Tier]; dup {
			return nil, fmt.Errorf("tier %d registered twice", n.Tier)
		}
		n.BaseURL = strings.TrimRight(n.BaseURL, "/")
		r.nodes[i] = n
		r.byID[n.ID] = i
		r.byTier[n.Tier] = i
	}
	return r, nil
}

// FromConfig builds a registry from node configs.
func FromConfig(cfgs []config.NodeConfig) (*Registry, error) {
	nodes := make([]Node, 0, len(cfgs))
	for _, c := range cfgs {
		nodes = append(nodes, Node{
			ID:               c.ID,
			BaseURL:          c.URL,
			Tier:             c.Tier,
			TopK:             c.TopK,
			MaxTokens:        c.MaxTokens,
			CompressionRatio: c.CompressionRatio,
			Description:      c.Description,
			QueryRateLimit:   c.QueryRateLimit,
		})
	}
	return New(nodes)
}

// Get returns the node with the given id.
func (r *Registry) Get(id string) (Node, error) {
	i, ok := r.byID[id]
	if !ok {
		return Node{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r.nodes[i], nil
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool {
	_, ok := r.byID[id]
	return ok
}

// ByTier returns the node serving a tier.
func (r *Registry) ByTier(tier int) (Node, bool) {
	i, ok := r.byTier[tier]
	if !ok {
		return Node{}, false
	}
	return r.nodes[i], true
}

// All returns a copy of every node in tier order.
func (r *Registry) All() []Node {
	out := make([]Node, len(r.nodes))
	copy(out, r.nodes)
	return out
}

// IDs returns node ids in tier order.
func (r *Registry) IDs() []string {
	ids := make([]string, len(r.nodes))
	for i, n := range r.nodes {
		ids[i] = n.ID
	}
	return ids
}

// Len returns the number of registered nodes.
func (r *Registry) Len() int {
	return len(r.nodes)
}
