package cache

import (
	"errors"
	"image"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"tilecache/internal/tile"
)

// Disk tier backends.
const (
	DiskFile     = "file"
	DiskBadger   = "badger"
	DiskDisabled = "disabled"
)

// Config holds the recognized cache options.
type Config struct {
	// MemoryBudgetBytes bounds the decoded bytes held in memory.
	// Zero derives it from the process memory limit.
	MemoryBudgetBytes int64
	DiskEnabled       bool
	DiskType          string
	DiskDir           string
	// DiskBudgetBytes bounds stored bytes; zero means unbounded.
	DiskBudgetBytes      int64
	DiskCompressionLevel int
	// TileSize is the edge of the pooled buffer size class.
	TileSize    int
	PoolBuffers int
	// MaxAge turns disk entries older than this into Expired ones.
	MaxAge time.Duration
}

// Stats summarizes both tiers.
type Stats struct {
	Memory        TierStats `json:"memory"`
	Disk          TierStats `json:"disk"`
	DiskEnabled   bool      `json:"disk_enabled"`
	LargestEntry  int       `json:"largest_entry"`
	PooledBuffers int       `json:"pooled_buffers"`
}

// Store is the two-tier tile cache. Memory is consulted first; disk hits are
// promoted into memory. Disk faults switch the disk tier off for the rest of
// the session.
type Store struct {
	cfg     Config
	log     *zap.Logger
	metrics Metrics

	memory *MemoryCache
	pool   *BufferPool

	diskMu sync.RWMutex
	disk   Tier
	reads  singleflight.Group
}

// NewStore opens both tiers.
func NewStore(cfg Config, log *zap.Logger, metrics Metrics) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	if cfg.TileSize <= 0 {
		cfg.TileSize = 256
	}
	if cfg.MemoryBudgetBytes <= 0 {
		cfg.MemoryBudgetBytes = DefaultMemoryBudget(0)
	}

	s := &Store{
		cfg:     cfg,
		log:     log,
		metrics: metrics,
		pool:    NewBufferPool(cfg.PoolBuffers, image.Pt(cfg.TileSize, cfg.TileSize)),
	}
	s.memory = NewMemoryCache(cfg.MemoryBudgetBytes, s.recycle)

	disk, err := NewDiskTier(cfg, log, metrics)
	if err != nil {
		return nil, err
	}
	s.disk = disk

	log.Info("Tile cache ready",
		zap.Int64("memory_bytes", cfg.MemoryBudgetBytes),
		zap.Bool("disk_enabled", cfg.DiskEnabled),
		zap.Int("tile_size", cfg.TileSize),
	)
	return s, nil
}

// Lookup checks memory, then disk. A disk hit is promoted into memory.
// The returned image is Acquired; the caller must Release it.
func (s *Store) Lookup(key tile.Key) (Entry, bool) {
	if e, ok := s.AcquireMemory(key); ok {
		return e, true
	}
	return s.LookupDisk(key)
}

// LookupDisk reads key from the disk tier and promotes a hit into memory,
// replacing whatever memory held. Concurrent reads of one key share a single
// read. The returned image is Acquired; the caller must Release it.
func (s *Store) LookupDisk(key tile.Key) (Entry, bool) {
	disk := s.diskTier()
	if !disk.Has(key) {
		s.metrics.Miss(TierDisk)
		return Entry{}, false
	}

	_, err, _ := s.reads.Do(key.String(), func() (any, error) {
		img, state, err := disk.Get(key)
		if err != nil {
			return nil, err
		}
		return s.setMemory(key, img, state), nil
	})
	if err != nil {
		s.metrics.Miss(TierDisk)
		if !errors.Is(err, ErrMiss) {
			s.diskFault(disk, err)
		}
		return Entry{}, false
	}

	// Every caller of the shared read takes its own reference from memory.
	// Should the promoted entry already be evicted again, report a miss
	// rather than hand out a recycled buffer.
	e, ok := s.memory.Acquire(key)
	if !ok {
		s.metrics.Miss(TierDisk)
		return Entry{}, false
	}
	s.metrics.Hit(TierDisk)
	return e, true
}

// LookupMemory checks the memory tier only and never blocks on I/O. The
// image is not held: it may be evicted and recycled at any time, so use
// AcquireMemory to read its pixels.
func (s *Store) LookupMemory(key tile.Key) (Entry, bool) {
	e, ok := s.memory.Get(key)
	s.countMemory(ok)
	return e, ok
}

// AcquireMemory is LookupMemory with the image Acquired while the memory
// tier is still locked. The caller must Release it.
func (s *Store) AcquireMemory(key tile.Key) (Entry, bool) {
	e, ok := s.memory.Acquire(key)
	s.countMemory(ok)
	return e, ok
}

// HasMemory reports whether memory holds key without promoting it or
// counting a lookup.
func (s *Store) HasMemory(key tile.Key) bool {
	return s.memory.Has(key)
}

// OnDisk reports whether the disk tier's index holds key. No I/O.
func (s *Store) OnDisk(key tile.Key) bool {
	return s.diskTier().Has(key)
}

// Put stores a fresh tile in memory and writes it through to disk. Keys
// that are not Valid never reach the disk tier.
func (s *Store) Put(key tile.Key, img *tile.Image) Entry {
	e := s.setMemory(key, img, Fresh)
	if !key.Valid() {
		s.log.Warn("Invalid tile key kept out of disk cache", zap.String("key", key.String()))
		return e
	}

	disk := s.diskTier()
	if err := disk.Set(key, img); err != nil {
		s.diskFault(disk, err)
	}
	return e
}

// PutExpired stores a stale-but-usable tile in memory only.
func (s *Store) PutExpired(key tile.Key, img *tile.Image) Entry {
	return s.setMemory(key, img, Expired)
}

// MarkExpired flags key as stale in both tiers.
func (s *Store) MarkExpired(key tile.Key) {
	s.memory.MarkExpired(key)
	s.diskTier().MarkExpired(key)
}

// Remove drops key from both tiers.
func (s *Store) Remove(key tile.Key) {
	s.memory.Remove(key)
	s.reportMemory()
	if !key.Valid() {
		return
	}

	disk := s.diskTier()
	if err := disk.Remove(key); err != nil {
		s.diskFault(disk, err)
	}
}

// ResizeBudget grows the memory budget so that visibleTiles entries of the
// largest size seen so far fit with 5% headroom. It never shrinks.
func (s *Store) ResizeBudget(visibleTiles int) int64 {
	largest := s.memory.Largest()
	want := int64(math.Ceil(1.05 * float64(visibleTiles) * float64(largest)))
	before := s.memory.Capacity()
	after := s.memory.Grow(want)
	if after != before {
		s.log.Debug("Memory budget grown",
			zap.Int("visible_tiles", visibleTiles),
			zap.Int64("from", before),
			zap.Int64("to", after),
		)
	}
	return after
}

// Buffer returns a transparent w×h image, reusing an evicted buffer when one
// of that size is free.
func (s *Store) Buffer(w, h int) *tile.Image {
	if img := s.pool.Get(w, h); img != nil {
		img.Clear()
		return img
	}
	return tile.NewImage(w, h)
}

// Recycle hands an unused buffer back to the pool.
func (s *Store) Recycle(img *tile.Image) {
	s.pool.Put(img)
}

// TileSize is the edge length of pooled buffers.
func (s *Store) TileSize() int {
	return s.cfg.TileSize
}

// Purge wipes both tiers.
func (s *Store) Purge() error {
	s.memory.Clear()
	s.pool.Clear()
	s.reportMemory()

	disk := s.diskTier()
	if err := disk.Clear(); err != nil {
		s.diskFault(disk, err)
		return err
	}
	return nil
}

// SetDiskEnabled resets the disk tier handle. Stored tiles are kept unless
// the caller also purges.
func (s *Store) SetDiskEnabled(enabled bool) error {
	s.diskMu.Lock()
	defer s.diskMu.Unlock()

	if err := s.disk.Close(); err != nil {
		s.log.Warn("Failed to close disk tier", zap.Error(err))
	}

	cfg := s.cfg
	cfg.DiskEnabled = enabled
	disk, err := NewDiskTier(cfg, s.log, s.metrics)
	if err != nil {
		s.disk = NewNoopCache()
		s.cfg.DiskEnabled = false
		return err
	}
	s.disk = disk
	s.cfg.DiskEnabled = enabled
	return nil
}

func (s *Store) Stats() Stats {
	s.diskMu.RLock()
	disk, enabled := s.disk, s.cfg.DiskEnabled
	s.diskMu.RUnlock()

	return Stats{
		Memory:        s.memory.Stats(),
		Disk:          disk.Stats(),
		DiskEnabled:   enabled,
		LargestEntry:  s.memory.Largest(),
		PooledBuffers: s.pool.Len(),
	}
}

func (s *Store) Close() error {
	s.diskMu.Lock()
	defer s.diskMu.Unlock()

	err := s.disk.Close()
	s.disk = NewNoopCache()
	return err
}

func (s *Store) setMemory(key tile.Key, img *tile.Image, state State) Entry {
	e := s.memory.Set(key, img, state)
	s.reportMemory()
	return e
}

func (s *Store) countMemory(hit bool) {
	if hit {
		s.metrics.Hit(TierMemory)
	} else {
		s.metrics.Miss(TierMemory)
	}
}

func (s *Store) reportMemory() {
	st := s.memory.Stats()
	s.metrics.Size(TierMemory, st.Entries, st.Bytes)
}

// recycle is the memory tier's eviction callback.
func (s *Store) recycle(key tile.Key, img *tile.Image) {
	s.metrics.Evict(TierMemory)
	s.pool.Put(img)
}

func (s *Store) diskTier() Tier {
	s.diskMu.RLock()
	defer s.diskMu.RUnlock()
	return s.disk
}

// diskFault disables the disk tier for this session if t is still current.
func (s *Store) diskFault(t Tier, err error) {
	s.diskMu.Lock()
	defer s.diskMu.Unlock()

	if s.disk != t {
		return
	}
	s.log.Error("Disk cache fault, disabling disk tier for this session", zap.Error(err))
	if cerr := t.Close(); cerr != nil {
		s.log.Warn("Failed to close faulty disk tier", zap.Error(cerr))
	}
	s.disk = NewNoopCache()
	s.cfg.DiskEnabled = false
}
