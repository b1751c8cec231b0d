package cache

import (
	"image"
	"sync"

	"tilecache/internal/tile"
)

// BufferPool keeps images evicted from the memory tier so tile synthesis can
// reuse their pixel buffers. Only images matching a registered size class are
// accepted, and never while a reader still holds them.
type BufferPool struct {
	mu       sync.Mutex
	free     map[image.Point][]*tile.Image
	perClass int
}

// NewBufferPool creates a pool keeping at most perClass buffers for each of
// the given sizes.
func NewBufferPool(perClass int, sizes ...image.Point) *BufferPool {
	p := &BufferPool{
		free:     make(map[image.Point][]*tile.Image, len(sizes)),
		perClass: perClass,
	}
	for _, s := range sizes {
		p.free[s] = nil
	}
	return p
}

// Put offers img for reuse and reports whether it was kept.
func (p *BufferPool) Put(img *tile.Image) bool {
	if img == nil || img.InUse() || p.perClass <= 0 {
		return false
	}
	class := image.Pt(img.Width(), img.Height())

	p.mu.Lock()
	defer p.mu.Unlock()

	bufs, ok := p.free[class]
	if !ok || len(bufs) >= p.perClass {
		return false
	}
	for _, b := range bufs {
		if b == img {
			return false
		}
	}
	p.free[class] = append(bufs, img)
	return true
}

// Get returns a pooled w×h buffer with no readers, or nil.
func (p *BufferPool) Get(w, h int) *tile.Image {
	class := image.Pt(w, h)

	p.mu.Lock()
	defer p.mu.Unlock()

	bufs := p.free[class]
	for len(bufs) > 0 {
		img := bufs[len(bufs)-1]
		bufs = bufs[:len(bufs)-1]
		if !img.InUse() {
			p.free[class] = bufs
			return img
		}
	}
	if _, ok := p.free[class]; ok {
		p.free[class] = bufs
	}
	return nil
}

func (p *BufferPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, bufs := range p.free {
		n += len(bufs)
	}
	return n
}

func (p *BufferPool) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for class := range p.free {
		p.free[class] = nil
	}
}
