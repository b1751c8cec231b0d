package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tilecache/internal/tile"
)

func key(z, x, y int) tile.Key {
	return tile.Key{Source: "osm", Zoom: z, X: x, Y: y}
}

// 4×4 RGBA = 64 bytes per tile.
func smallImage() *tile.Image {
	return tile.NewImage(4, 4)
}

func TestMemoryCache_OneEntryBudget(t *testing.T) {
	c := NewMemoryCache(64, nil)

	c.Set(key(1, 0, 0), smallImage(), Fresh)
	c.Set(key(1, 1, 0), smallImage(), Fresh)

	_, ok := c.Get(key(1, 0, 0))
	assert.False(t, ok, "k1 must be evicted")
	_, ok = c.Get(key(1, 1, 0))
	assert.True(t, ok, "k2 must be resident")
}

func TestMemoryCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c := NewMemoryCache(3*64, nil)

	a, b, d, e := key(2, 0, 0), key(2, 1, 0), key(2, 2, 0), key(2, 3, 0)
	c.Set(a, smallImage(), Fresh)
	c.Set(b, smallImage(), Fresh)
	c.Set(d, smallImage(), Fresh)

	_, ok := c.Get(a) // promote a
	require.True(t, ok)

	c.Set(e, smallImage(), Fresh) // evicts b

	_, ok = c.Get(b)
	assert.False(t, ok)
	for _, k := range []tile.Key{a, d, e} {
		_, ok := c.Get(k)
		assert.True(t, ok, k.String())
	}
	assert.LessOrEqual(t, c.Stats().Bytes, int64(3*64))
}

func TestMemoryCache_OversizedEntryKept(t *testing.T) {
	c := NewMemoryCache(10, nil)

	c.Set(key(1, 0, 0), smallImage(), Fresh)
	_, ok := c.Get(key(1, 0, 0))
	assert.True(t, ok, "most recent entry is never evicted")
	assert.Equal(t, 1, c.Stats().Entries)
}

func TestMemoryCache_RepeatedSetKeepsOneFootprint(t *testing.T) {
	c := NewMemoryCache(1<<20, nil)
	img := smallImage()

	c.Set(key(3, 1, 1), img, Fresh)
	c.Set(key(3, 1, 1), img, Fresh)
	c.Set(key(3, 1, 1), img, Fresh)

	st := c.Stats()
	assert.Equal(t, 1, st.Entries)
	assert.Equal(t, int64(64), st.Bytes)
}

func TestMemoryCache_EvictCallback(t *testing.T) {
	var evicted []tile.Key
	c := NewMemoryCache(64, func(k tile.Key, _ *tile.Image) {
		evicted = append(evicted, k)
	})

	c.Set(key(1, 0, 0), smallImage(), Fresh)
	c.Set(key(1, 1, 0), smallImage(), Fresh)
	c.Remove(key(1, 1, 0))

	assert.Equal(t, []tile.Key{key(1, 0, 0), key(1, 1, 0)}, evicted)
}

func TestMemoryCache_ReplacementReleasesOldImage(t *testing.T) {
	var released []*tile.Image
	c := NewMemoryCache(1<<20, func(_ tile.Key, img *tile.Image) {
		released = append(released, img)
	})

	first := smallImage()
	c.Set(key(1, 0, 0), first, Expired)
	second := smallImage()
	e := c.Set(key(1, 0, 0), second, Fresh)

	assert.Equal(t, []*tile.Image{first}, released)
	assert.Same(t, second, e.Image)
	assert.Equal(t, Fresh, e.State)
}

func TestMemoryCache_MarkExpired(t *testing.T) {
	c := NewMemoryCache(1<<20, nil)
	c.Set(key(1, 0, 0), smallImage(), Fresh)

	assert.True(t, c.MarkExpired(key(1, 0, 0)))
	assert.False(t, c.MarkExpired(key(1, 1, 1)))

	e, ok := c.Get(key(1, 0, 0))
	require.True(t, ok)
	assert.Equal(t, Expired, e.State)
}

func TestMemoryCache_GrowNeverShrinks(t *testing.T) {
	c := NewMemoryCache(1000, nil)
	assert.Equal(t, int64(2000), c.Grow(2000))
	assert.Equal(t, int64(2000), c.Grow(500))
	assert.Equal(t, int64(2000), c.Capacity())
}
