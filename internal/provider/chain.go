package provider

import (
	"math"
	"slices"
	"sync"

	"tilecache/internal/tile"
)

// Descriptor places a Source in the chain with the zoom range it serves.
// Its order is its position in the chain.
type Descriptor struct {
	Name            string
	MinZoom         float64
	MaxZoom         float64
	RequiresNetwork bool
	Source          Source
}

// Covers reports whether zoom lies within the descriptor's inclusive range.
func (d *Descriptor) Covers(zoom int) bool {
	z := float64(zoom)
	return z >= d.MinZoom && z <= d.MaxZoom
}

// Eligible reports whether d may serve key given the current network state.
func (d *Descriptor) Eligible(key tile.Key, online bool) bool {
	if d.RequiresNetwork && !online {
		return false
	}
	return d.Covers(key.Zoom)
}

// Chain is the ordered, mutable list of tile sources consulted in sequence.
// Readers get copies, so a walk in progress is unaffected by later changes.
type Chain struct {
	mu          sync.RWMutex
	descriptors []*Descriptor
}

func NewChain(descriptors ...*Descriptor) *Chain {
	return &Chain{descriptors: slices.Clone(descriptors)}
}

// Add inserts d at index; an out-of-range index appends.
func (c *Chain) Add(d *Descriptor, index int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if index < 0 || index >= len(c.descriptors) {
		c.descriptors = append(c.descriptors, d)
		return
	}
	c.descriptors = slices.Insert(c.descriptors, index, d)
}

// Remove drops d and reports whether it was present.
func (c *Chain) Remove(d *Descriptor) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	i := slices.Index(c.descriptors, d)
	if i < 0 {
		return false
	}
	c.descriptors = slices.Delete(c.descriptors, i, i+1)
	return true
}

func (c *Chain) Contains(d *Descriptor) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Contains(c.descriptors, d)
}

// Snapshot returns the current order as a private copy.
func (c *Chain) Snapshot() []*Descriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.descriptors)
}

// Eligible returns, in order, the descriptors that may serve key.
func (c *Chain) Eligible(key tile.Key, online bool) []*Descriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []*Descriptor
	for _, d := range c.descriptors {
		if d.Eligible(key, online) {
			out = append(out, d)
		}
	}
	return out
}

func (c *Chain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.descriptors)
}

// MinZoom is the lowest zoom any descriptor serves, 0 for an empty chain.
func (c *Chain) MinZoom() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.descriptors) == 0 {
		return 0
	}
	m := math.Inf(1)
	for _, d := range c.descriptors {
		m = math.Min(m, d.MinZoom)
	}
	return m
}

// MaxZoom is the highest zoom any descriptor serves, 0 for an empty chain.
func (c *Chain) MaxZoom() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.descriptors) == 0 {
		return 0
	}
	m := math.Inf(-1)
	for _, d := range c.descriptors {
		m = math.Max(m, d.MaxZoom)
	}
	return m
}
