package cache

import (
	"image/color"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tilecache/internal/tile"
)

func paintedImage(c color.RGBA) *tile.Image {
	img := tile.NewImage(8, 8)
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.RGBA.SetRGBA(x, y, c)
		}
	}
	return img
}

func newFileDisk(t *testing.T, dir string, capacity int64, maxAge time.Duration) *DiskCache {
	t.Helper()
	blobs, err := NewFileStore(dir)
	require.NoError(t, err)
	codec, err := NewCodec(0)
	require.NoError(t, err)
	d, err := NewDiskCache(blobs, codec, capacity, maxAge, nil, nil)
	require.NoError(t, err)
	return d
}

func TestDiskCache_SetGet(t *testing.T) {
	d := newFileDisk(t, t.TempDir(), 0, 0)
	t.Cleanup(func() { _ = d.Close() })

	red := color.RGBA{R: 255, A: 255}
	require.NoError(t, d.Set(key(4, 3, 2), paintedImage(red)))
	assert.True(t, d.Has(key(4, 3, 2)))

	img, state, err := d.Get(key(4, 3, 2))
	require.NoError(t, err)
	assert.Equal(t, Fresh, state)
	assert.Equal(t, red, img.RGBA.RGBAAt(7, 7))

	_, _, err = d.Get(key(4, 0, 0))
	assert.ErrorIs(t, err, ErrMiss)
}

func TestDiskCache_ReopenRestoresIndex(t *testing.T) {
	dir := t.TempDir()
	d := newFileDisk(t, dir, 0, 0)
	require.NoError(t, d.Set(key(2, 1, 1), paintedImage(color.RGBA{G: 255, A: 255})))
	require.NoError(t, d.Close())

	reopened := newFileDisk(t, dir, 0, 0)
	t.Cleanup(func() { _ = reopened.Close() })

	assert.True(t, reopened.Has(key(2, 1, 1)))
	assert.Equal(t, 1, reopened.Stats().Entries)

	_, err := os.Stat(filepath.Join(dir, "osm", "2", "1", "1.tile"))
	assert.NoError(t, err)
}

func TestDiskCache_BudgetEvictsOldest(t *testing.T) {
	dir := t.TempDir()
	frame := int64(headerSize + 8*8*4)
	d := newFileDisk(t, dir, 2*frame, 0)
	t.Cleanup(func() { _ = d.Close() })

	for x := 0; x < 3; x++ {
		require.NoError(t, d.Set(key(2, x, 0), paintedImage(color.RGBA{B: 255, A: 255})))
	}

	assert.False(t, d.Has(key(2, 0, 0)))
	assert.True(t, d.Has(key(2, 1, 0)))
	assert.True(t, d.Has(key(2, 2, 0)))

	_, err := os.Stat(filepath.Join(dir, "osm", "2", "0", "0.tile"))
	assert.True(t, os.IsNotExist(err), "evicted blob must be deleted")
}

func TestDiskCache_MaxAgeAndMarkExpired(t *testing.T) {
	d := newFileDisk(t, t.TempDir(), 0, time.Hour)
	t.Cleanup(func() { _ = d.Close() })

	now := time.Now()
	d.now = func() time.Time { return now.Add(-2 * time.Hour) }
	require.NoError(t, d.Set(key(1, 0, 0), paintedImage(color.RGBA{A: 255})))
	d.now = func() time.Time { return now }
	require.NoError(t, d.Set(key(1, 1, 0), paintedImage(color.RGBA{A: 255})))

	_, state, err := d.Get(key(1, 0, 0))
	require.NoError(t, err)
	assert.Equal(t, Expired, state)

	_, state, err = d.Get(key(1, 1, 0))
	require.NoError(t, err)
	assert.Equal(t, Fresh, state)

	d.MarkExpired(key(1, 1, 0))
	_, state, err = d.Get(key(1, 1, 0))
	require.NoError(t, err)
	assert.Equal(t, Expired, state)
}

func TestDiskCache_VanishedBlobIsMiss(t *testing.T) {
	dir := t.TempDir()
	d := newFileDisk(t, dir, 0, 0)
	t.Cleanup(func() { _ = d.Close() })

	require.NoError(t, d.Set(key(1, 0, 1), paintedImage(color.RGBA{A: 255})))
	require.NoError(t, os.Remove(filepath.Join(dir, "osm", "1", "0", "1.tile")))

	_, _, err := d.Get(key(1, 0, 1))
	assert.ErrorIs(t, err, ErrMiss)
	assert.False(t, d.Has(key(1, 0, 1)))
}

func TestDiskCache_Badger(t *testing.T) {
	blobs, err := OpenBadgerStore("", nil)
	require.NoError(t, err)
	codec, err := NewCodec(2)
	require.NoError(t, err)
	d, err := NewDiskCache(blobs, codec, 0, 0, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	c := color.RGBA{R: 10, G: 20, B: 30, A: 255}
	require.NoError(t, d.Set(key(3, 5, 6), paintedImage(c)))

	img, _, err := d.Get(key(3, 5, 6))
	require.NoError(t, err)
	assert.Equal(t, c, img.RGBA.RGBAAt(0, 0))

	require.NoError(t, d.Remove(key(3, 5, 6)))
	_, err = blobs.Read(key(3, 5, 6))
	assert.ErrorIs(t, err, ErrMiss)
}

func TestCodec_RejectsGarbage(t *testing.T) {
	codec, err := NewCodec(1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = codec.Close() })

	_, _, err = codec.Decode([]byte("not a tile"))
	assert.ErrorIs(t, err, ErrCorrupt)

	frame := codec.Encode(paintedImage(color.RGBA{A: 255}), time.Unix(1700000000, 0))
	img, storedAt, err := codec.Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, 8, img.Width())
	assert.Equal(t, int64(1700000000), storedAt.Unix())

	_, _, err = codec.Decode(frame[:len(frame)-1])
	assert.ErrorIs(t, err, ErrCorrupt)
}
