package cache

import (
	"container/list"
	"sync"
	"time"

	"tilecache/internal/tile"
)

type entry struct {
	key        tile.Key
	img        *tile.Image
	size       int
	state      State
	lastAccess time.Time
}

func (e *entry) snapshot() Entry {
	return Entry{
		Key:        e.key,
		Image:      e.img,
		SizeBytes:  e.size,
		State:      e.state,
		LastAccess: e.lastAccess,
	}
}

// EvictFunc receives images that left the memory tier, either through LRU
// pressure, replacement or explicit removal. It runs outside the cache lock.
type EvictFunc func(key tile.Key, img *tile.Image)

// MemoryCache implements an in-memory LRU bounded by decoded bytes.
// The most recently used entry is never evicted, so a single tile larger
// than the budget still fits.
type MemoryCache struct {
	mu       sync.Mutex
	capacity int64
	size     int64
	largest  int
	items    map[tile.Key]*list.Element
	lruList  *list.List
	onEvict  EvictFunc
	now      func() time.Time
}

// NewMemoryCache creates a new in-memory LRU cache holding up to capacity bytes.
func NewMemoryCache(capacity int64, onEvict EvictFunc) *MemoryCache {
	return &MemoryCache{
		capacity: capacity,
		items:    make(map[tile.Key]*list.Element),
		lruList:  list.New(),
		onEvict:  onEvict,
		now:      time.Now,
	}
}

func (c *MemoryCache) Has(key tile.Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.items[key]
	return ok
}

// Get returns the entry and promotes it to most recently used.
func (c *MemoryCache) Get(key tile.Key) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.getLocked(key, false)
}

// Acquire is Get with the image's usage counter raised before the lock is
// released, so an eviction cannot recycle it. The caller must Release it.
func (c *MemoryCache) Acquire(key tile.Key) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.getLocked(key, true)
}

func (c *MemoryCache) getLocked(key tile.Key, acquire bool) (Entry, bool) {
	elem, ok := c.items[key]
	if !ok {
		return Entry{}, false
	}

	c.lruList.MoveToFront(elem)
	e := elem.Value.(*entry)
	e.lastAccess = c.now()
	if acquire {
		e.img.Acquire()
	}
	return e.snapshot(), true
}

// Set inserts or replaces the tile and evicts from the LRU end until the
// byte budget is respected.
func (c *MemoryCache) Set(key tile.Key, img *tile.Image, state State) Entry {
	c.mu.Lock()

	var released []*entry
	size := img.SizeBytes()
	if size > c.largest {
		c.largest = size
	}

	var e *entry
	if elem, ok := c.items[key]; ok {
		e = elem.Value.(*entry)
		if e.img != img {
			released = append(released, &entry{key: key, img: e.img})
		}
		c.size += int64(size - e.size)
		e.img = img
		e.size = size
		e.state = state
		e.lastAccess = c.now()
		c.lruList.MoveToFront(elem)
	} else {
		e = &entry{key: key, img: img, size: size, state: state, lastAccess: c.now()}
		c.items[key] = c.lruList.PushFront(e)
		c.size += int64(size)
	}

	released = append(released, c.evictLocked()...)
	snap := e.snapshot()
	c.mu.Unlock()

	c.release(released)
	return snap
}

// MarkExpired flags a resident entry as stale. Returns false if absent.
func (c *MemoryCache) MarkExpired(key tile.Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return false
	}
	elem.Value.(*entry).state = Expired
	return true
}

func (c *MemoryCache) Remove(key tile.Key) bool {
	c.mu.Lock()
	elem, ok := c.items[key]
	if !ok {
		c.mu.Unlock()
		return false
	}
	e := c.removeLocked(elem)
	c.mu.Unlock()

	c.release([]*entry{e})
	return true
}

func (c *MemoryCache) Clear() {
	c.mu.Lock()
	released := make([]*entry, 0, len(c.items))
	for _, elem := range c.items {
		released = append(released, elem.Value.(*entry))
	}
	c.items = make(map[tile.Key]*list.Element)
	c.lruList = list.New()
	c.size = 0
	c.mu.Unlock()

	c.release(released)
}

// Grow raises the byte budget to capacity. The budget never shrinks.
func (c *MemoryCache) Grow(capacity int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if capacity > c.capacity {
		c.capacity = capacity
	}
	return c.capacity
}

func (c *MemoryCache) Capacity() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capacity
}

// Largest returns the biggest entry size seen during this session.
func (c *MemoryCache) Largest() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.largest
}

func (c *MemoryCache) Stats() TierStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return TierStats{Entries: len(c.items), Bytes: c.size, Capacity: c.capacity}
}

func (c *MemoryCache) evictLocked() []*entry {
	var evicted []*entry
	for c.size > c.capacity && c.lruList.Len() > 1 {
		oldest := c.lruList.Back()
		evicted = append(evicted, c.removeLocked(oldest))
	}
	return evicted
}

func (c *MemoryCache) removeLocked(elem *list.Element) *entry {
	e := elem.Value.(*entry)
	delete(c.items, e.key)
	c.lruList.Remove(elem)
	c.size -= int64(e.size)
	return e
}

func (c *MemoryCache) release(entries []*entry) {
	if c.onEvict == nil {
		return
	}
	for _, e := range entries {
		c.onEvict(e.key, e.img)
	}
}
