package cache

import (
	"container/list"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"tilecache/internal/tile"
)

type diskEntry struct {
	key     tile.Key
	size    int64
	expired bool
}

type walkedBlob struct {
	key     tile.Key
	size    int64
	modTime time.Time
}

// DiskCache is the persistent tier: an in-memory LRU index bounded by blob
// bytes over a BlobStore. Index lookups never touch storage.
type DiskCache struct {
	mu       sync.Mutex
	blobs    BlobStore
	codec    *Codec
	capacity int64
	size     int64
	maxAge   time.Duration
	items    map[tile.Key]*list.Element
	lruList  *list.List
	log      *zap.Logger
	metrics  Metrics
	now      func() time.Time
}

// NewDiskCache indexes the existing blobs, newest first, and trims the store
// to capacity bytes. A maxAge of zero disables age-based expiry.
func NewDiskCache(blobs BlobStore, codec *Codec, capacity int64, maxAge time.Duration, log *zap.Logger, metrics Metrics) (*DiskCache, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	c := &DiskCache{
		blobs:    blobs,
		codec:    codec,
		capacity: capacity,
		maxAge:   maxAge,
		items:    make(map[tile.Key]*list.Element),
		lruList:  list.New(),
		log:      log,
		metrics:  metrics,
		now:      time.Now,
	}

	var found []walkedBlob
	err := blobs.Walk(func(key tile.Key, size int64, modTime time.Time) error {
		found = append(found, walkedBlob{key: key, size: size, modTime: modTime})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to index disk cache: %w", err)
	}

	sort.SliceStable(found, func(i, j int) bool {
		return found[i].modTime.Before(found[j].modTime)
	})
	for _, b := range found {
		c.items[b.key] = c.lruList.PushFront(&diskEntry{key: b.key, size: b.size})
		c.size += b.size
	}
	victims := c.evictLocked()
	c.deleteBlobs(victims)

	log.Info("Disk cache indexed",
		zap.Int("entries", len(c.items)),
		zap.Int64("bytes", c.size),
		zap.Int64("capacity", c.capacity),
		zap.Int("trimmed", len(victims)),
	)
	c.metrics.Size(TierDisk, len(c.items), c.size)
	return c, nil
}

func (c *DiskCache) Has(key tile.Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.items[key]
	return ok
}

func (c *DiskCache) Get(key tile.Key) (*tile.Image, State, error) {
	c.mu.Lock()
	elem, ok := c.items[key]
	if !ok {
		c.mu.Unlock()
		return nil, Fresh, ErrMiss
	}
	c.lruList.MoveToFront(elem)
	expired := elem.Value.(*diskEntry).expired
	c.mu.Unlock()

	data, err := c.blobs.Read(key)
	if err != nil {
		if errors.Is(err, ErrMiss) {
			c.forget(key)
			return nil, Fresh, ErrMiss
		}
		return nil, Fresh, fmt.Errorf("failed to read tile %s: %w", key, err)
	}

	img, storedAt, err := c.codec.Decode(data)
	if err != nil {
		return nil, Fresh, fmt.Errorf("failed to decode tile %s: %w", key, err)
	}

	state := Fresh
	if expired || (c.maxAge > 0 && c.now().Sub(storedAt) > c.maxAge) {
		state = Expired
	}
	return img, state, nil
}

func (c *DiskCache) Set(key tile.Key, img *tile.Image) error {
	data := c.codec.Encode(img, c.now())
	if err := c.blobs.Write(key, data); err != nil {
		return fmt.Errorf("failed to store tile %s: %w", key, err)
	}

	c.mu.Lock()
	size := int64(len(data))
	if elem, ok := c.items[key]; ok {
		e := elem.Value.(*diskEntry)
		c.size += size - e.size
		e.size = size
		e.expired = false
		c.lruList.MoveToFront(elem)
	} else {
		c.items[key] = c.lruList.PushFront(&diskEntry{key: key, size: size})
		c.size += size
	}
	victims := c.evictLocked()
	entries, bytes := len(c.items), c.size
	c.mu.Unlock()

	c.deleteBlobs(victims)
	c.metrics.Size(TierDisk, entries, bytes)
	return nil
}

func (c *DiskCache) MarkExpired(key tile.Key) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		elem.Value.(*diskEntry).expired = true
	}
}

func (c *DiskCache) Remove(key tile.Key) error {
	c.forget(key)
	return c.blobs.Delete(key)
}

func (c *DiskCache) Clear() error {
	c.mu.Lock()
	c.items = make(map[tile.Key]*list.Element)
	c.lruList = list.New()
	c.size = 0
	c.mu.Unlock()

	c.metrics.Size(TierDisk, 0, 0)
	return c.blobs.Clear()
}

func (c *DiskCache) Stats() TierStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return TierStats{Entries: len(c.items), Bytes: c.size, Capacity: c.capacity}
}

func (c *DiskCache) Close() error {
	err := c.blobs.Close()
	c.codec.Close()
	return err
}

func (c *DiskCache) forget(key tile.Key) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.size -= elem.Value.(*diskEntry).size
		delete(c.items, key)
		c.lruList.Remove(elem)
	}
}

func (c *DiskCache) evictLocked() []tile.Key {
	if c.capacity <= 0 {
		return nil
	}
	var victims []tile.Key
	for c.size > c.capacity && c.lruList.Len() > 1 {
		oldest := c.lruList.Back()
		e := oldest.Value.(*diskEntry)
		delete(c.items, e.key)
		c.lruList.Remove(oldest)
		c.size -= e.size
		victims = append(victims, e.key)
	}
	return victims
}

func (c *DiskCache) deleteBlobs(keys []tile.Key) {
	for _, key := range keys {
		c.metrics.Evict(TierDisk)
		if err := c.blobs.Delete(key); err != nil {
			c.log.Warn("Failed to delete evicted tile", zap.String("key", key.String()), zap.Error(err))
		}
	}
}
