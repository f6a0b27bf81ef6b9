package registry

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortexhub/tiergate/internal/config"
)

func TestFromConfig_TierOrder(t *testing.T) {
	cfgs := config.Default().Nodes
	// Reverse the configured order; iteration must still be tier 1 to 3.
	cfgs[0], cfgs[2] = cfgs[2], cfgs[0]

	r, err := FromConfig(cfgs)
	require.NoError(t, err)

	assert.Equal(t, []string{"server1", "server2", "server3"}, r.IDs())
	assert.Equal(t, 3, r.Len())
	for i, n := range r.All() {
		assert.Equal(t, i+1, n.Tier)
	}
}

func TestGet(t *testing.T) {
	r, err := FromConfig(config.Default().Nodes)
	require.NoError(t, err)

	n, err := r.Get("server2")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8002", n.BaseURL)
	assert.Equal(t, 5, n.TopK)
	assert.Equal(t, 512, n.MaxTokens)

	_, err = r.Get("server9")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, r.Has("server9"))
	assert.True(t, r.Has("server1"))
}

func TestByTier(t *testing.T) {
	r, err := FromConfig(config.Default().Nodes)
	require.NoError(t, err)

	n, ok := r.ByTier(TierUltra)
	require.True(t, ok)
	assert.Equal(t, "server3", n.ID)

	_, ok = r.ByTier(4)
	assert.False(t, ok)
}

func TestAllReturnsCopy(t *testing.T) {
	r, err := FromConfig(config.Default().Nodes)
	require.NoError(t, err)

	nodes := r.All()
	nodes[0].ID = "mutated"
	n, err := r.Get("server1")
	require.NoError(t, err)
	assert.Equal(t, "server1", n.ID)
}

func TestNew_TrimsTrailingSlash(t *testing.T) {
	r, err := New([]Node{{ID: "a", BaseURL: "http://a:1/", Tier: 1}})
	require.NoError(t, err)
	n, _ := r.Get("a")
	assert.Equal(t, "http://a:1", n.BaseURL)
}

func TestNew_Rejects(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)

	_, err = New([]Node{{ID: "a", Tier: 1}, {ID: "a", Tier: 2}})
	assert.Error(t, err)

	_, err = New([]Node{{ID: "a", Tier: 1}, {ID: "b", Tier: 1}})
	assert.Error(t, err)

	_, err = New([]Node{{Tier: 1}})
	assert.Error(t, err)
}
