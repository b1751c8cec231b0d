package tile

import (
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyString(t *testing.T) {
	k := Key{Source: "osm", Zoom: 3, X: 4, Y: 5}
	assert.Equal(t, "osm/3/4/5", k.String())
}

func TestParseKey(t *testing.T) {
	k, err := ParseKey("mapbox/streets/12/100/200")
	require.NoError(t, err)
	assert.Equal(t, Key{Source: "mapbox/streets", Zoom: 12, X: 100, Y: 200}, k)

	_, err = ParseKey("osm/1/2")
	assert.Error(t, err)

	_, err = ParseKey("osm/1/2/0")
	assert.Error(t, err, "x=2 is outside the zoom 1 grid")

	_, err = ParseKey("osm/a/0/0")
	assert.Error(t, err)
}

func TestKeySourceMustStayRelative(t *testing.T) {
	for _, src := range []string{"osm", "carto/dark", "a.b/c-d_e"} {
		assert.True(t, Key{Source: src}.Valid(), src)
	}
	for _, src := range []string{"", "..", "../etc", "osm/../../x", "./osm", "osm/.", "/abs", "osm//x", "osm/", `..\x`} {
		assert.False(t, Key{Source: src}.Valid(), src)
	}

	_, err := ParseKey("../../etc/1/0/0")
	assert.Error(t, err)
	_, err = ParseKey("osm/./1/0/0")
	assert.Error(t, err)
}

func TestParentAndChildren(t *testing.T) {
	k := Key{Source: "osm", Zoom: 5, X: 13, Y: 22}

	assert.Equal(t, Key{Source: "osm", Zoom: 4, X: 6, Y: 11}, k.Parent(1))
	assert.Equal(t, Key{Source: "osm", Zoom: 2, X: 1, Y: 2}, k.Parent(3))
	assert.Equal(t, k, k.Parent(0))

	children := k.Children(1)
	require.Len(t, children, 4)
	assert.Equal(t, Key{Source: "osm", Zoom: 6, X: 26, Y: 44}, children[0])
	assert.Equal(t, Key{Source: "osm", Zoom: 6, X: 27, Y: 44}, children[1])
	assert.Equal(t, Key{Source: "osm", Zoom: 6, X: 26, Y: 45}, children[2])
	assert.Equal(t, Key{Source: "osm", Zoom: 6, X: 27, Y: 45}, children[3])

	for _, c := range k.Children(2) {
		assert.Equal(t, k, c.Parent(2))
	}
}

func TestImageUsageCounter(t *testing.T) {
	img := NewImage(4, 4)
	assert.Equal(t, 64, img.SizeBytes())
	assert.False(t, img.InUse())

	img.Acquire()
	img.Acquire()
	img.Release()
	assert.True(t, img.InUse())
	img.Release()
	assert.False(t, img.InUse())

	// Unbalanced release does not go negative.
	img.Release()
	img.Acquire()
	assert.True(t, img.InUse())
}

func TestImageClear(t *testing.T) {
	img := NewImage(2, 2)
	img.RGBA.Set(1, 1, color.RGBA{R: 255, A: 255})
	img.Clear()
	assert.Equal(t, color.RGBA{}, img.RGBA.RGBAAt(1, 1))
}
