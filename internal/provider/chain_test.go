package provider

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tilecache/internal/tile"
)

func countingSource(calls *atomic.Int32) Source {
	return SourceFunc(func(ctx context.Context, key tile.Key) (Result, error) {
		calls.Add(1)
		return Result{Image: tile.NewImage(1, 1)}, nil
	})
}

func TestDescriptor_CoversInclusive(t *testing.T) {
	d := &Descriptor{Name: "mid", MinZoom: 5, MaxZoom: 10}

	assert.False(t, d.Covers(4))
	assert.True(t, d.Covers(5))
	assert.True(t, d.Covers(10))
	assert.False(t, d.Covers(11))
}

func TestDescriptor_NetworkGate(t *testing.T) {
	d := &Descriptor{Name: "remote", MinZoom: 0, MaxZoom: 20, RequiresNetwork: true}
	k := tile.Key{Source: "osm", Zoom: 3}

	assert.True(t, d.Eligible(k, true))
	assert.False(t, d.Eligible(k, false))
}

func TestChain_EligibleSkipsOutOfRange(t *testing.T) {
	var calls atomic.Int32
	mid := &Descriptor{Name: "mid", MinZoom: 5, MaxZoom: 10, Source: countingSource(&calls)}
	all := &Descriptor{Name: "all", MinZoom: 0, MaxZoom: 19, Source: countingSource(&calls)}
	c := NewChain(mid, all)

	for _, z := range []int{4, 11} {
		got := c.Eligible(tile.Key{Source: "osm", Zoom: z}, true)
		require.Len(t, got, 1)
		assert.Same(t, all, got[0])
	}

	got := c.Eligible(tile.Key{Source: "osm", Zoom: 7}, true)
	require.Len(t, got, 2)
	assert.Same(t, mid, got[0])
	assert.Equal(t, int32(0), calls.Load())
}

func TestChain_AddRemove(t *testing.T) {
	a := &Descriptor{Name: "a"}
	b := &Descriptor{Name: "b"}
	c := &Descriptor{Name: "c"}
	chain := NewChain(a)

	chain.Add(c, 99)
	chain.Add(b, 1)
	assert.Equal(t, []*Descriptor{a, b, c}, chain.Snapshot())

	assert.True(t, chain.Remove(b))
	assert.False(t, chain.Remove(b))
	assert.False(t, chain.Contains(b))
	assert.Equal(t, 2, chain.Len())
}

func TestChain_SnapshotIsIndependent(t *testing.T) {
	a := &Descriptor{Name: "a"}
	b := &Descriptor{Name: "b"}
	chain := NewChain(a, b)

	snap := chain.Snapshot()
	chain.Remove(a)
	chain.Add(&Descriptor{Name: "z"}, 0)

	assert.Equal(t, []*Descriptor{a, b}, snap)
}

func TestChain_ZoomBounds(t *testing.T) {
	chain := NewChain()
	assert.Equal(t, 0.0, chain.MinZoom())
	assert.Equal(t, 0.0, chain.MaxZoom())

	chain.Add(&Descriptor{Name: "a", MinZoom: 5, MaxZoom: 10}, -1)
	chain.Add(&Descriptor{Name: "b", MinZoom: 2, MaxZoom: 8}, -1)
	assert.Equal(t, 2.0, chain.MinZoom())
	assert.Equal(t, 10.0, chain.MaxZoom())
}

func TestOnlySource(t *testing.T) {
	var calls atomic.Int32
	src := OnlySource("osm", countingSource(&calls))

	_, err := src.Fetch(context.Background(), tile.Key{Source: "raster/scan"})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Zero(t, calls.Load())

	res, err := src.Fetch(context.Background(), tile.Key{Source: "osm"})
	require.NoError(t, err)
	assert.NotNil(t, res.Image)
	assert.Equal(t, int32(1), calls.Load())
}
