package raster

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"math"
	"path/filepath"
	"strings"

	"github.com/cshum/vipsgen/vips"
	"go.uber.org/zap"

	"tilecache/internal/provider"
	"tilecache/internal/tile"
)

// Source cuts XYZ tiles out of one large local image. Zoom 0 shows the whole
// image in a single tile; the deepest zoom maps one image pixel to one tile
// pixel.
type Source struct {
	name     string
	path     string
	width    int
	height   int
	tileSize int
	maxZoom  int
	log      *zap.Logger
}

// Open reads the image header and prepares a source named name.
func Open(path, name string, tileSize int, log *zap.Logger) (*Source, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if tileSize <= 0 {
		tileSize = 256
	}

	img, err := openImage(path, true)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	w, h := img.Width(), img.Height()
	img.Close()

	s := &Source{
		name:     name,
		path:     path,
		width:    w,
		height:   h,
		tileSize: tileSize,
		maxZoom:  CalculateMaxZoom(w, h, tileSize),
		log:      log,
	}
	log.Info("Raster source opened",
		zap.String("source", name),
		zap.String("path", path),
		zap.Int("width", w),
		zap.Int("height", h),
		zap.Int("max_zoom", s.maxZoom),
	)
	return s, nil
}

// CalculateMaxZoom is the zoom at which the image is shown at full resolution.
func CalculateMaxZoom(width, height, tileSize int) int {
	maxDim := math.Max(float64(width), float64(height))
	scale := maxDim / float64(tileSize)
	maxZoom := int(math.Ceil(math.Log2(scale)))
	if maxZoom < 0 {
		return 0
	}
	return maxZoom
}

func (s *Source) MaxZoom() int { return s.maxZoom }

// Descriptor places the source in a provider chain over its zoom range.
func (s *Source) Descriptor() *provider.Descriptor {
	return &provider.Descriptor{
		Name:    "raster:" + s.name,
		MinZoom: 0,
		MaxZoom: float64(s.maxZoom),
		Source:  s,
	}
}

func (s *Source) Fetch(ctx context.Context, key tile.Key) (provider.Result, error) {
	if key.Source != s.name || key.Zoom > s.maxZoom {
		return provider.Result{}, fmt.Errorf("%w: %s", provider.ErrNotFound, key)
	}
	area, ok := tileBounds(s.width, s.height, s.tileSize, s.maxZoom, key)
	if !ok {
		return provider.Result{}, fmt.Errorf("%w: %s outside image", provider.ErrNotFound, key)
	}
	if err := ctx.Err(); err != nil {
		return provider.Result{}, err
	}

	data, err := s.render(area, key.Zoom)
	if err != nil {
		return provider.Result{}, err
	}
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return provider.Result{}, fmt.Errorf("%w: %v", provider.ErrDecode, err)
	}
	return provider.Result{Image: tile.FromImage(img)}, nil
}

// tileBounds maps key to the source pixels it covers, clamped to the image.
func tileBounds(width, height, tileSize, maxZoom int, key tile.Key) (image.Rectangle, bool) {
	// At zoom 0, one tile = full image. Each zoom level halves the pixels per tile.
	pixelsPerTile := float64(tileSize) * math.Pow(2, float64(maxZoom-key.Zoom))

	startX := int(float64(key.X) * pixelsPerTile)
	startY := int(float64(key.Y) * pixelsPerTile)
	endX := int(math.Min(float64(startX)+pixelsPerTile, float64(width)))
	endY := int(math.Min(float64(startY)+pixelsPerTile, float64(height)))

	r := image.Rectangle{Min: image.Pt(startX, startY), Max: image.Pt(endX, endY)}
	if key.X < 0 || key.Y < 0 || r.Empty() {
		return image.Rectangle{}, false
	}
	return r, true
}

func (s *Source) render(area image.Rectangle, zoom int) ([]byte, error) {
	img, err := openImage(s.path, false)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer img.Close()

	// Extracting first keeps memory proportional to the tile, not the image.
	if err := img.ExtractArea(area.Min.X, area.Min.Y, area.Dx(), area.Dy()); err != nil {
		return nil, fmt.Errorf("failed to extract area: %w", err)
	}

	pixelsPerTile := float64(s.tileSize) * math.Pow(2, float64(s.maxZoom-zoom))
	resizeOpts := vips.DefaultResizeOptions()
	resizeOpts.Kernel = vips.KernelLanczos3
	if err := img.Resize(float64(s.tileSize)/pixelsPerTile, resizeOpts); err != nil {
		return nil, fmt.Errorf("failed to resize: %w", err)
	}

	// Edge tiles are padded, anchored top-left to keep tile alignment.
	if img.Width() < s.tileSize || img.Height() < s.tileSize {
		embedOpts := vips.DefaultEmbedOptions()
		embedOpts.Extend = vips.ExtendBackground
		embedOpts.Background = []float64{221, 221, 221} // #ddd
		if err := img.Embed(0, 0, s.tileSize, s.tileSize, embedOpts); err != nil {
			return nil, fmt.Errorf("failed to pad: %w", err)
		}
	}

	data, err := img.PngsaveBuffer(vips.DefaultPngsaveBufferOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to export: %w", err)
	}
	return data, nil
}

// openImage loads path with random access for tile extraction, or sequential
// access when only the header is needed.
func openImage(path string, sequential bool) (*vips.Image, error) {
	ext := strings.ToLower(filepath.Ext(path))

	access := vips.AccessRandom
	if sequential {
		access = vips.AccessSequential
	}

	switch ext {
	case ".tif", ".tiff":
		opts := vips.DefaultTiffloadOptions()
		opts.Access = access
		return vips.NewTiffload(path, opts)
	case ".jpg", ".jpeg":
		opts := vips.DefaultJpegloadOptions()
		opts.Access = access
		return vips.NewJpegload(path, opts)
	case ".png":
		opts := vips.DefaultPngloadOptions()
		opts.Access = access
		return vips.NewPngload(path, opts)
	case ".webp":
		opts := vips.DefaultWebploadOptions()
		opts.Access = access
		return vips.NewWebpload(path, opts)
	default:
		return nil, fmt.Errorf("unsupported image format: %s", ext)
	}
}
