package rescale

import (
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/draw"

	"tilecache/internal/cache"
	"tilecache/internal/tile"
)

func newStore(t *testing.T, tileSize int, budget int64) *cache.Store {
	t.Helper()
	s, err := cache.NewStore(cache.Config{
		MemoryBudgetBytes: budget,
		TileSize:          tileSize,
		PoolBuffers:       4,
	}, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func solidImage(size int, c color.RGBA) *tile.Image {
	img := tile.NewImage(size, size)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.RGBA.SetRGBA(x, y, c)
		}
	}
	return img
}

// gradient encodes each pixel's coordinates in its red and green channels.
func gradient(size int) *tile.Image {
	img := tile.NewImage(size, size)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.RGBA.SetRGBA(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 7, A: 255})
		}
	}
	return img
}

func TestTransition_ZoomInCropsAndUpscales(t *testing.T) {
	store := newStore(t, 256, 1<<24)
	parentKey := tile.Key{Source: "osm", Zoom: 3, X: 2, Y: 5}
	parent := gradient(256)
	store.Put(parentKey, parent)

	syn := New(store, Options{})
	children := parentKey.Children(1)
	require.Equal(t, 4, syn.Transition(3, 4, children))

	for _, child := range children {
		e, ok := store.LookupMemory(child)
		require.True(t, ok, child.String())
		assert.Equal(t, cache.Expired, e.State)
		require.Equal(t, 256, e.Image.Width())
		require.Equal(t, 256, e.Image.Height())

		ox, oy := child.X%2*128, child.Y%2*128
		for y := 0; y < 256; y++ {
			for x := 0; x < 256; x++ {
				want := parent.RGBA.RGBAAt(ox+x/2, oy+y/2)
				if got := e.Image.RGBA.RGBAAt(x, y); got != want {
					t.Fatalf("%s pixel (%d,%d) = %v, want %v", child, x, y, got, want)
				}
			}
		}
	}

	// The parent itself is untouched.
	e, ok := store.LookupMemory(parentKey)
	require.True(t, ok)
	assert.Equal(t, cache.Fresh, e.State)
	assert.False(t, parent.InUse())
}

func TestZoomIn_TwoLevels(t *testing.T) {
	store := newStore(t, 8, 1<<20)
	parent := gradient(8)
	store.Put(tile.Key{Source: "osm", Zoom: 1}, parent)

	syn := New(store, Options{})
	key := tile.Key{Source: "osm", Zoom: 3, X: 3, Y: 1}
	require.True(t, syn.ZoomIn(key, 2))

	e, ok := store.LookupMemory(key)
	require.True(t, ok)
	// Crop is 2×2 at (6,2), each source pixel becomes a 4×4 block.
	assert.Equal(t, parent.RGBA.RGBAAt(6, 2), e.Image.RGBA.RGBAAt(0, 0))
	assert.Equal(t, parent.RGBA.RGBAAt(7, 3), e.Image.RGBA.RGBAAt(7, 7))
}

func TestZoomIn_MissingAncestor(t *testing.T) {
	store := newStore(t, 8, 1<<20)
	syn := New(store, Options{})

	key := tile.Key{Source: "osm", Zoom: 4, X: 1, Y: 1}
	assert.False(t, syn.ZoomIn(key, 1))
	_, ok := store.LookupMemory(key)
	assert.False(t, ok)
}

func TestZoomIn_CropTooSmall(t *testing.T) {
	store := newStore(t, 4, 1<<20)
	store.Put(tile.Key{Source: "osm", Zoom: 0}, gradient(4))

	syn := New(store, Options{})
	assert.False(t, syn.ZoomIn(tile.Key{Source: "osm", Zoom: 3}, 3))
}

func TestZoomIn_SkipsCachedTile(t *testing.T) {
	store := newStore(t, 8, 1<<20)
	parentKey := tile.Key{Source: "osm", Zoom: 2, X: 1, Y: 1}
	store.Put(parentKey, gradient(8))
	key := parentKey.Children(1)[0]
	real := solidImage(8, color.RGBA{R: 1, A: 255})
	store.Put(key, real)

	syn := New(store, Options{})
	assert.False(t, syn.ZoomIn(key, 1))

	e, ok := store.LookupMemory(key)
	require.True(t, ok)
	assert.Same(t, real, e.Image)
	assert.Equal(t, cache.Fresh, e.State)
}

func TestZoomIn_SkipCheckKeepsLRUOrder(t *testing.T) {
	store := newStore(t, 8, 2*8*8*4)
	parentKey := tile.Key{Source: "osm", Zoom: 2, X: 1, Y: 1}
	key := parentKey.Children(1)[2]
	store.Put(key, solidImage(8, color.RGBA{G: 3, A: 255}))
	store.Put(parentKey, gradient(8))

	syn := New(store, Options{})
	assert.False(t, syn.ZoomIn(key, 1))

	// key is still least recently used, so the next tile evicts it.
	store.Put(tile.Key{Source: "osm", Zoom: 9}, solidImage(8, color.RGBA{A: 255}))
	assert.False(t, store.HasMemory(key))
	assert.True(t, store.HasMemory(parentKey))
}

func TestZoomOut_CompositesQuadrants(t *testing.T) {
	store := newStore(t, 8, 1<<20)
	key := tile.Key{Source: "osm", Zoom: 2, X: 1, Y: 1}
	children := key.Children(1)
	red := color.RGBA{R: 255, A: 255}
	green := color.RGBA{G: 255, A: 255}
	blue := color.RGBA{B: 255, A: 255}
	store.Put(children[0], solidImage(8, red))
	store.Put(children[1], solidImage(8, green))
	store.Put(children[2], solidImage(8, blue))

	syn := New(store, Options{})
	require.Equal(t, 1, syn.Transition(3.4, 2.9, []tile.Key{key}))
	for _, child := range children[:3] {
		c, ok := store.LookupMemory(child)
		require.True(t, ok)
		assert.False(t, c.Image.InUse(), "descendants are released after compositing")
	}

	e, ok := store.LookupMemory(key)
	require.True(t, ok)
	assert.Equal(t, cache.Expired, e.State)
	assert.Equal(t, red, e.Image.RGBA.RGBAAt(1, 1))
	assert.Equal(t, green, e.Image.RGBA.RGBAAt(5, 1))
	assert.Equal(t, blue, e.Image.RGBA.RGBAAt(1, 5))
	assert.Equal(t, color.RGBA{}, e.Image.RGBA.RGBAAt(5, 5))
}

func TestZoomOut_NothingCachedRecyclesBuffer(t *testing.T) {
	store := newStore(t, 8, 1<<20)
	syn := New(store, Options{})

	key := tile.Key{Source: "osm", Zoom: 2}
	assert.False(t, syn.ZoomOut(key, 1))
	_, ok := store.LookupMemory(key)
	assert.False(t, ok)
	assert.Equal(t, 1, store.Stats().PooledBuffers)
}

func TestZoomOut_MaxDiff(t *testing.T) {
	store := newStore(t, 256, 1<<24)
	key := tile.Key{Source: "osm", Zoom: 1}
	store.Put(key.Children(3)[0], solidImage(256, color.RGBA{A: 255}))

	syn := New(store, Options{MaxZoomOutDiff: 2})
	assert.False(t, syn.ZoomOut(key, 3))

	syn = New(store, Options{})
	assert.Equal(t, DefaultMaxZoomOutDiff, syn.maxZoomOutDiff)
	assert.False(t, syn.ZoomOut(key, 9))
	assert.True(t, syn.ZoomOut(key, 3))
}

func TestTransition_SameIntegerZoom(t *testing.T) {
	store := newStore(t, 8, 1<<20)
	store.Put(tile.Key{Source: "osm", Zoom: 3}, gradient(8))

	syn := New(store, Options{})
	assert.Equal(t, 0, syn.Transition(3.1, 3.9, []tile.Key{{Source: "osm", Zoom: 3}}))
}

func TestZoomIn_ReusesEvictedBuffer(t *testing.T) {
	const size = 8
	store := newStore(t, size, 2*size*size*4)
	parentKey := tile.Key{Source: "osm", Zoom: 1}
	evicted := solidImage(size, color.RGBA{R: 9, A: 255})

	store.Put(tile.Key{Source: "osm", Zoom: 5}, evicted)
	store.Put(parentKey, gradient(size))
	store.Put(tile.Key{Source: "osm", Zoom: 6}, solidImage(size, color.RGBA{A: 255}))
	require.Equal(t, 1, store.Stats().PooledBuffers)

	syn := New(store, Options{})
	key := parentKey.Children(1)[3]
	require.True(t, syn.ZoomIn(key, 1))

	e, ok := store.LookupMemory(key)
	require.True(t, ok)
	assert.Same(t, evicted, e.Image)
	assert.NotEqual(t, color.RGBA{R: 9, A: 255}, e.Image.RGBA.RGBAAt(0, 0))
}

func TestParseResampler(t *testing.T) {
	r, err := ParseResampler("bilinear")
	require.NoError(t, err)
	assert.Equal(t, draw.BiLinear, r)

	r, err = ParseResampler("")
	require.NoError(t, err)
	assert.Equal(t, draw.NearestNeighbor, r)

	_, err = ParseResampler("lanczos")
	assert.Error(t, err)
}
