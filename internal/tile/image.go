package tile

import (
	"image"
	"image/draw"
	"sync/atomic"
)

// Image is a decoded RGBA bitmap with a usage counter. Readers call Acquire
// before touching the pixels and Release afterwards; a buffer with a non-zero
// counter is never handed out for reuse.
type Image struct {
	RGBA *image.RGBA

	refs atomic.Int32
}

// NewImage allocates a transparent w×h image.
func NewImage(w, h int) *Image {
	return &Image{RGBA: image.NewRGBA(image.Rect(0, 0, w, h))}
}

// FromImage converts any decoded image into an Image, copying pixels unless
// src is already an RGBA anchored at the origin.
func FromImage(src image.Image) *Image {
	if rgba, ok := src.(*image.RGBA); ok && rgba.Rect.Min == (image.Point{}) {
		return &Image{RGBA: rgba}
	}
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	return &Image{RGBA: dst}
}

func (i *Image) Width() int  { return i.RGBA.Rect.Dx() }
func (i *Image) Height() int { return i.RGBA.Rect.Dy() }

// SizeBytes is the memory footprint of the pixel buffer.
func (i *Image) SizeBytes() int { return len(i.RGBA.Pix) }

// Acquire marks the image as being read.
func (i *Image) Acquire() { i.refs.Add(1) }

// Release undoes one Acquire.
func (i *Image) Release() {
	if i.refs.Add(-1) < 0 {
		i.refs.Store(0)
	}
}

// InUse reports whether any reader still holds the image.
func (i *Image) InUse() bool { return i.refs.Load() > 0 }

// Clear zeroes the pixel buffer (fully transparent).
func (i *Image) Clear() {
	clear(i.RGBA.Pix)
}
