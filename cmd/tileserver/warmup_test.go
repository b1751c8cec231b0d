package main

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tilecache/internal/tile"
)

func TestParseBBox(t *testing.T) {
	b, err := parseBBox("-1.5, 50, 2, 52.25")
	require.NoError(t, err)
	assert.Equal(t, bbox{MinLon: -1.5, MinLat: 50, MaxLon: 2, MaxLat: 52.25}, b)

	for _, bad := range []string{"", "1,2,3", "a,b,c,d", "10,0,5,1"} {
		_, err := parseBBox(bad)
		assert.Error(t, err, bad)
	}
}

func TestLonLatToTile(t *testing.T) {
	x, y := lonLatToTile(0, 0, 1)
	assert.Equal(t, 1, x)
	assert.Equal(t, 1, y)

	// Greenwich, zoom 10.
	x, y = lonLatToTile(0, 51.4779, 10)
	assert.Equal(t, 512, x)
	assert.Equal(t, 340, y)

	// Clamped at the antimeridian and poles.
	x, y = lonLatToTile(180, -90, 3)
	assert.Equal(t, 7, x)
	assert.Equal(t, 7, y)
}

func TestTilesInBBox(t *testing.T) {
	world := bbox{MinLon: -180, MinLat: -85.0511, MaxLon: 180, MaxLat: 85.0511}
	keys := slices.Collect(tilesInBBox("osm", world, 0, 2))
	assert.Len(t, keys, 1+4+16)
	assert.Equal(t, int64(len(keys)), countTilesInBBox(world, 0, 2))
	assert.Equal(t, tile.Key{Source: "osm"}, keys[0])
	for _, k := range keys {
		assert.True(t, k.Valid(), k.String())
	}
}

func TestTilesInBBoxIsLazy(t *testing.T) {
	world := bbox{MinLon: -180, MinLat: -85.0511, MaxLon: 180, MaxLat: 85.0511}
	// Zoom 16 alone is 2^32 tiles; only the first few are ever produced.
	assert.Equal(t, int64(1)<<32, countTilesInBBox(world, 16, 16))

	var got []tile.Key
	for k := range tilesInBBox("osm", world, 16, 16) {
		got = append(got, k)
		if len(got) == 3 {
			break
		}
	}
	assert.Equal(t, []tile.Key{
		{Source: "osm", Zoom: 16, X: 0, Y: 0},
		{Source: "osm", Zoom: 16, X: 1, Y: 0},
		{Source: "osm", Zoom: 16, X: 2, Y: 0},
	}, got)
}
