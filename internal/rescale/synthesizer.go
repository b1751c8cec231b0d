package rescale

import (
	"fmt"
	"image"
	"math"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/image/draw"

	"tilecache/internal/cache"
	"tilecache/internal/tile"
)

// DefaultMaxZoomOutDiff is the deepest zoom-out composite attempted; beyond
// it each descendant shrinks below a pixel on a 256 tile.
const DefaultMaxZoomOutDiff = 8

// Store is the part of the tile cache the synthesizer reads and writes.
type Store interface {
	// AcquireMemory returns an Acquired image the caller must Release.
	AcquireMemory(key tile.Key) (cache.Entry, bool)
	HasMemory(key tile.Key) bool
	PutExpired(key tile.Key, img *tile.Image) cache.Entry
	Buffer(w, h int) *tile.Image
	Recycle(img *tile.Image)
	TileSize() int
}

type Options struct {
	Log            *zap.Logger
	Resampler      draw.Interpolator
	MaxZoomOutDiff int
}

// Synthesizer builds approximate tiles for a new zoom level out of tiles
// already in memory. It never touches the disk tier or the network.
type Synthesizer struct {
	store          Store
	log            *zap.Logger
	resampler      draw.Interpolator
	maxZoomOutDiff int
}

func New(store Store, opts Options) *Synthesizer {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.Resampler == nil {
		opts.Resampler = draw.NearestNeighbor
	}
	if opts.MaxZoomOutDiff <= 0 {
		opts.MaxZoomOutDiff = DefaultMaxZoomOutDiff
	}
	return &Synthesizer{
		store:          store,
		log:            opts.Log,
		resampler:      opts.Resampler,
		maxZoomOutDiff: opts.MaxZoomOutDiff,
	}
}

// ParseResampler maps a configuration name to an interpolator.
func ParseResampler(name string) (draw.Interpolator, error) {
	switch strings.ToLower(name) {
	case "", "nearest":
		return draw.NearestNeighbor, nil
	case "bilinear":
		return draw.BiLinear, nil
	case "approxbilinear":
		return draw.ApproxBiLinear, nil
	case "catmullrom":
		return draw.CatmullRom, nil
	default:
		return nil, fmt.Errorf("unknown resampler %q", name)
	}
}

// Transition synthesizes Expired stand-ins for the visible tiles of newZoom
// from what was cached at oldZoom. It returns how many tiles were stored.
func (s *Synthesizer) Transition(oldZoom, newZoom float64, visible []tile.Key) int {
	diff := int(math.Floor(newZoom)) - int(math.Floor(oldZoom))
	if diff == 0 {
		return 0
	}

	n := 0
	for _, key := range visible {
		var ok bool
		if diff > 0 {
			ok = s.ZoomIn(key, diff)
		} else {
			ok = s.ZoomOut(key, -diff)
		}
		if ok {
			n++
		}
	}

	s.log.Debug("Zoom transition synthesized",
		zap.Float64("from", oldZoom),
		zap.Float64("to", newZoom),
		zap.Int("visible", len(visible)),
		zap.Int("synthesized", n),
	)
	return n
}

// ZoomIn upscales the part of key's ancestor diff levels up that covers key.
func (s *Synthesizer) ZoomIn(key tile.Key, diff int) bool {
	if diff <= 0 || diff > key.Zoom || s.cached(key) {
		return false
	}

	parent, ok := s.store.AcquireMemory(key.Parent(diff))
	if !ok {
		return false
	}
	src := parent.Image
	defer src.Release()

	size := src.Width()
	crop := size >> diff
	if crop == 0 {
		return false
	}
	mask := 1<<diff - 1
	origin := image.Pt((key.X&mask)*crop, (key.Y&mask)*crop)
	sr := image.Rectangle{Min: origin, Max: origin.Add(image.Pt(crop, crop))}

	dst := s.store.Buffer(size, src.Height())
	s.resampler.Scale(dst.RGBA, dst.RGBA.Bounds(), src.RGBA, sr, draw.Src, nil)
	s.store.PutExpired(key, dst)
	return true
}

// ZoomOut composites the descendants diff levels down into one tile.
// Descendants that are not cached leave their area transparent.
func (s *Synthesizer) ZoomOut(key tile.Key, diff int) bool {
	if diff <= 0 || diff > s.maxZoomOutDiff || key.Zoom+diff > tile.MaxZoom || s.cached(key) {
		return false
	}

	size := s.store.TileSize()
	sub := size >> diff
	if sub == 0 {
		return false
	}

	dst := s.store.Buffer(size, size)
	side := 1 << diff
	found := 0
	for i, child := range key.Children(diff) {
		e, ok := s.store.AcquireMemory(child)
		if !ok {
			continue
		}
		found++

		at := image.Pt((i%side)*sub, (i/side)*sub)
		dr := image.Rectangle{Min: at, Max: at.Add(image.Pt(sub, sub))}
		src := e.Image
		s.resampler.Scale(dst.RGBA, dr, src.RGBA, src.RGBA.Bounds(), draw.Src, nil)
		src.Release()
	}
	if found == 0 {
		s.store.Recycle(dst)
		return false
	}

	s.store.PutExpired(key, dst)
	return true
}

func (s *Synthesizer) cached(key tile.Key) bool {
	return s.store.HasMemory(key)
}
