package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tilecache/internal/cache"
	"tilecache/internal/coordinator"
	"tilecache/internal/tile"
)

func TestAdapter_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := New(reg, "tilecache", nil)

	a.Hit(cache.TierMemory)
	a.Hit(cache.TierMemory)
	a.Miss(cache.TierDisk)
	a.Evict(cache.TierMemory)
	a.Size(cache.TierMemory, 3, 768)
	a.Fetch("osm", coordinator.OutcomeFresh)
	a.InFlight(2)

	assert.Equal(t, 2.0, testutil.ToFloat64(a.hits.WithLabelValues(cache.TierMemory)))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.misses.WithLabelValues(cache.TierDisk)))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.evicts.WithLabelValues(cache.TierMemory)))
	assert.Equal(t, 3.0, testutil.ToFloat64(a.entries.WithLabelValues(cache.TierMemory)))
	assert.Equal(t, 768.0, testutil.ToFloat64(a.bytes.WithLabelValues(cache.TierMemory)))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.fetches.WithLabelValues("osm", coordinator.OutcomeFresh)))
	assert.Equal(t, 2.0, testutil.ToFloat64(a.inFlight))
}

func TestAdapter_WiredIntoStore(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := New(reg, "tilecache", prometheus.Labels{"instance": "test"})

	s, err := cache.NewStore(cache.Config{MemoryBudgetBytes: 1 << 20, TileSize: 4}, nil, a)
	require.NoError(t, err)
	defer s.Close()

	k := tile.Key{Source: "osm", Zoom: 1}
	s.Put(k, tile.NewImage(4, 4))
	require.True(t, s.HasMemory(k))
	e, ok := s.Lookup(k)
	require.True(t, ok)
	e.Image.Release()
	_, ok = s.Lookup(tile.Key{Source: "osm", Zoom: 2})
	require.False(t, ok)

	assert.Equal(t, 1.0, testutil.ToFloat64(a.hits.WithLabelValues(cache.TierMemory)))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.misses.WithLabelValues(cache.TierMemory)))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.misses.WithLabelValues(cache.TierDisk)))
	assert.Equal(t, 64.0, testutil.ToFloat64(a.bytes.WithLabelValues(cache.TierMemory)))

	n, err := testutil.GatherAndCount(reg, "tilecache_cache_hits_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
