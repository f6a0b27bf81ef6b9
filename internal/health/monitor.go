// Package health polls tier nodes in the background and publishes point-in-time snapshots.
package health

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/cortexhub/tiergate/internal/metrics"
	"github.com/cortexhub/tiergate/internal/nodeclient"
	"github.com/cortexhub/tiergate/internal/registry"
)

// Prober checks one node. Implementations must not fail; an unhealthy node
// is reported through HealthResult.Reachable.
type Prober interface {
	Health(ctx context.Context, node registry.Node) nodeclient.HealthResult
}

// Monitor owns the health snapshot. Only the poll loop writes it.
type Monitor struct {
	reg      *registry.Registry
	prober   Prober
	interval time.Duration
	logger   zerolog.Logger

	snap atomic.Pointer[Snapshot]

	subMu  sync.Mutex
	subs   map[int]chan *Snapshot
	nextID int

	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor creates a monitor. The initial snapshot lists every node as not yet checked.
func NewMonitor(reg *registry.Registry, prober Prober, interval time.Duration, logger zerolog.Logger) *Monitor {
	m := &Monitor{
		reg:      reg,
		prober:   prober,
		interval: interval,
		logger:   logger,
		subs:     make(map[int]chan *Snapshot),
	}

	nodes := reg.All()
	initial := make([]NodeHealth, len(nodes))
	for i, n := range nodes {
		initial[i] = NodeHealth{ID: n.ID, Tier: n.Tier, Description: n.Description, Detail: "not yet checked"}
	}
	m.snap.Store(newSnapshot(initial, time.Time{}))
	return m
}

// Snapshot returns the latest snapshot. It never blocks on a poll in progress.
func (m *Monitor) Snapshot() *Snapshot {
	return m.snap.Load()
}

// Poll checks every node concurrently, stores the resulting snapshot and returns it.
// The snapshot always has one entry per registered node.
func (m *Monitor) Poll(ctx context.Context) *Snapshot {
	nodes := m.reg.All()
	results := make([]NodeHealth, len(nodes))

	g, gctx := errgroup.WithContext(ctx)
	for i, n := range nodes {
		g.Go(func() error {
			res := m.prober.Health(gctx, n)
			results[i] = NodeHealth{
				ID:          n.ID,
				Tier:        n.Tier,
				Description: n.Description,
				Reachable:   res.Reachable,
				Detail:      res.Detail,
				Payload:     res.Payload,
				Latency:     res.Latency,
				CheckedAt:   res.CheckedAt,
			}
			if results[i].CheckedAt.IsZero() {
				results[i].CheckedAt = time.Now().UTC()
			}
			return nil
		})
	}
	_ = g.Wait()

	snap := newSnapshot(results, time.Now().UTC())
	m.store(snap)
	return snap
}

func (m *Monitor) store(snap *Snapshot) {
	prev := m.snap.Swap(snap)

	for _, n := range snap.Nodes() {
		up := 0.0
		if n.Reachable {
			up = 1
		}
		metrics.NodeUp.WithLabelValues(n.ID).Set(up)

		if prev != nil {
			if old, ok := prev.Node(n.ID); ok && old.Checked() && old.Reachable != n.Reachable {
				m.logger.Warn().
					Str("node", n.ID).
					Bool("reachable", n.Reachable).
					Str("detail", n.Detail).
					Msg("node health changed")
			}
		}
	}
	metrics.MeshHealthy.Set(float64(snap.HealthyCount()))

	m.logger.Debug().
		Str("status", string(snap.Status())).
		Int("healthy", snap.HealthyCount()).
		Int("total", snap.Total()).
		Msg("health poll complete")

	m.publish(snap)
}

// Start runs an immediate poll and then one per interval until Stop or ctx is done.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		m.Poll(ctx)

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Poll(ctx)
			}
		}
	}()
	m.logger.Info().Dur("interval", m.interval).Int("nodes", m.reg.Len()).Msg("health monitor started")
}

// Stop cancels the loop and waits for the in-flight poll to return.
func (m *Monitor) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done

	m.subMu.Lock()
	for id, ch := range m.subs {
		close(ch)
		delete(m.subs, id)
	}
	m.subMu.Unlock()
	m.logger.Info().Msg("health monitor stopped")
}

// Subscribe returns a feed of new snapshots and a cancel func. The channel
// holds only the newest snapshot; slow readers skip intermediate ones.
func (m *Monitor) Subscribe() (<-chan *Snapshot, func()) {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	id := m.nextID
	m.nextID++
	ch := make(chan *Snapshot, 1)
	m.subs[id] = ch

	return ch, func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		if c, ok := m.subs[id]; ok {
			close(c)
			delete(m.subs, id)
		}
	}
}

func (m *Monitor) publish(snap *Snapshot) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subs {
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}
}
