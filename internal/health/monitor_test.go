package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortexhub/tiergate/internal/nodeclient"
	"github.com/cortexhub/tiergate/internal/registry"
)

type fakeProber struct {
	mu    sync.Mutex
	up    map[string]bool
	calls atomic.Int32
}

func (f *fakeProber) Health(ctx context.Context, node registry.Node) nodeclient.HealthResult {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.up[node.ID] {
		return nodeclient.HealthResult{Reachable: true, Detail: "healthy", CheckedAt: time.Now()}
	}
	return nodeclient.HealthResult{Detail: "connection refused", CheckedAt: time.Now()}
}

func (f *fakeProber) set(id string, up bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.up[id] = up
}

func testRegistry(t *testing.T, urls ...string) *registry.Registry {
	nodes := make([]registry.Node, len(urls))
	for i, u := range urls {
		nodes[i] = registry.Node{ID: "server" + string(rune('1'+i)), BaseURL: u, Tier: i + 1}
	}
	reg, err := registry.New(nodes)
	require.NoError(t, err)
	return reg
}

func TestMonitor_InitialSnapshot(t *testing.T) {
	m := NewMonitor(testRegistry(t, "a", "b", "c"), &fakeProber{}, time.Minute, zerolog.Nop())

	snap := m.Snapshot()
	require.Equal(t, 3, snap.Total())
	assert.Equal(t, StatusUnhealthy, snap.Status())
	assert.True(t, snap.TakenAt.IsZero())

	_, known := snap.Reachable("server1")
	assert.False(t, known)
}

func TestMonitor_PollAggregates(t *testing.T) {
	p := &fakeProber{up: map[string]bool{"server1": true, "server2": true, "server3": true}}
	m := NewMonitor(testRegistry(t, "a", "b", "c"), p, time.Minute, zerolog.Nop())

	snap := m.Poll(context.Background())
	assert.Equal(t, StatusHealthy, snap.Status())
	assert.Equal(t, 3, snap.HealthyCount())

	p.set("server3", false)
	snap = m.Poll(context.Background())
	assert.Equal(t, StatusDegraded, snap.Status())
	assert.Equal(t, 2, snap.HealthyCount())

	up, known := snap.Reachable("server3")
	assert.True(t, known)
	assert.False(t, up)

	for _, id := range []string{"server1", "server2", "server3"} {
		p.set(id, false)
	}
	assert.Equal(t, StatusUnhealthy, m.Poll(context.Background()).Status())
}

func TestMonitor_SnapshotReplacedNotMutated(t *testing.T) {
	p := &fakeProber{up: map[string]bool{"server1": true}}
	m := NewMonitor(testRegistry(t, "a", "b"), p, time.Minute, zerolog.Nop())

	first := m.Poll(context.Background())
	p.set("server1", false)
	second := m.Poll(context.Background())

	assert.NotSame(t, first, second)
	n, _ := first.Node("server1")
	assert.True(t, n.Reachable)
	assert.Same(t, second, m.Snapshot())
}

func TestMonitor_TimedOutPollsStillProduceEntries(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"healthy"}`))
	}))
	defer ok.Close()

	hang := func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}
	slow1 := httptest.NewServer(http.HandlerFunc(hang))
	defer slow1.Close()
	slow2 := httptest.NewServer(http.HandlerFunc(hang))
	defer slow2.Close()

	client := nodeclient.New(nodeclient.Options{
		HealthTimeout: 50 * time.Millisecond,
		QueryTimeout:  time.Second,
		StageTimeout:  time.Second,
	})
	m := NewMonitor(testRegistry(t, ok.URL, slow1.URL, slow2.URL), client, time.Minute, zerolog.Nop())

	start := time.Now()
	snap := m.Poll(context.Background())

	// Polls run concurrently, so two timeouts cost one timeout.
	assert.Less(t, time.Since(start), time.Second)
	require.Equal(t, 3, snap.Total())
	assert.Equal(t, StatusDegraded, snap.Status())

	for _, n := range snap.Nodes() {
		assert.True(t, n.Checked(), n.ID)
		assert.Equal(t, n.ID == "server1", n.Reachable, n.ID)
	}
}

func TestMonitor_StartStop(t *testing.T) {
	p := &fakeProber{up: map[string]bool{"server1": true}}
	m := NewMonitor(testRegistry(t, "a"), p, 10*time.Millisecond, zerolog.Nop())

	m.Start(context.Background())
	require.Eventually(t, func() bool { return p.calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
	m.Stop()

	calls := p.calls.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, calls, p.calls.Load())
	assert.Equal(t, StatusHealthy, m.Snapshot().Status())
}

func TestMonitor_Subscribe(t *testing.T) {
	p := &fakeProber{up: map[string]bool{"server1": true}}
	m := NewMonitor(testRegistry(t, "a", "b"), p, time.Minute, zerolog.Nop())

	feed, cancel := m.Subscribe()

	m.Poll(context.Background())
	p.set("server2", true)
	latest := m.Poll(context.Background())

	select {
	case got := <-feed:
		assert.Same(t, latest, got)
	case <-time.After(time.Second):
		t.Fatal("no snapshot published")
	}

	cancel()
	_, open := <-feed
	assert.False(t, open)
	cancel()
}
