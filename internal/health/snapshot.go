package health

import (
	"time"
)

// Status is the aggregate mesh health.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// NodeHealth is one node's entry in a snapshot.
type NodeHealth struct {
	ID          string
	Tier        int
	Description string
	Reachable   bool
	Detail      string
	Payload     map[string]any
	Latency     time.Duration
	CheckedAt   time.Time
}

// Checked reports whether the node has been probed at least once.
func (n NodeHealth) Checked() bool {
	return !n.CheckedAt.IsZero()
}

// Snapshot is an immutable point-in-time view of the mesh.
type Snapshot struct {
	nodes   []NodeHealth
	index   map[string]int
	TakenAt time.Time
}

func newSnapshot(nodes []NodeHealth, takenAt time.Time) *Snapshot {
	s := &Snapshot{
		nodes:   nodes,
		index:   make(map[string]int, len(nodes)),
		TakenAt: takenAt,
	}
	for i, n := range nodes {
		s.index[n.ID] = i
	}
	return s
}

// Nodes returns a copy of the entries in tier order.
func (s *Snapshot) Nodes() []NodeHealth {
	out := make([]NodeHealth, len(s.nodes))
	copy(out, s.nodes)
	return out
}

// Node returns the entry for id.
func (s *Snapshot) Node(id string) (NodeHealth, bool) {
	i, ok := s.index[id]
	if !ok {
		return NodeHealth{}, false
	}
	return s.nodes[i], true
}

// Reachable reports the node's last known state. known is false until the first probe.
func (s *Snapshot) Reachable(id string) (reachable, known bool) {
	n, ok := s.Node(id)
	if !ok || !n.Checked() {
		return false, false
	}
	return n.Reachable, true
}

// Total returns the number of entries.
func (s *Snapshot) Total() int {
	return len(s.nodes)
}

// HealthyCount returns the number of reachable nodes.
func (s *Snapshot) HealthyCount() int {
	c := 0
	for _, n := range s.nodes {
		if n.Reachable {
			c++
		}
	}
	return c
}

// Status derives the aggregate: healthy if all nodes are reachable, degraded if some, unhealthy if none.
func (s *Snapshot) Status() Status {
	healthy := s.HealthyCount()
	switch {
	case healthy == 0:
		return StatusUnhealthy
	case healthy == len(s.nodes):
		return StatusHealthy
	default:
		return StatusDegraded
	}
}

// Age is the time since the snapshot was taken. A never-polled snapshot has zero age.
func (s *Snapshot) Age(now time.Time) time.Duration {
	if s.TakenAt.IsZero() {
		return 0
	}
	return now.Sub(s.TakenAt)
}
