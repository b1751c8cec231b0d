package cache

import (
	"errors"
	"time"

	"tilecache/internal/tile"
)

var (
	// ErrMiss is returned by a tier that does not hold the requested tile.
	ErrMiss = errors.New("cache: miss")
	// ErrCorrupt is returned when a stored tile cannot be decoded.
	ErrCorrupt = errors.New("cache: corrupt entry")
)

// State tells whether a cached tile is current or only usable until a
// refresh lands.
type State int

const (
	Fresh State = iota
	Expired
)

func (s State) String() string {
	if s == Expired {
		return "expired"
	}
	return "fresh"
}

// Entry is a snapshot of a cached tile. The Image pointer is shared with the
// cache; readers must Acquire it around use.
type Entry struct {
	Key        tile.Key
	Image      *tile.Image
	SizeBytes  int
	State      State
	LastAccess time.Time
}

// TierStats describes the occupancy of one tier.
type TierStats struct {
	Entries  int   `json:"entries"`
	Bytes    int64 `json:"bytes"`
	Capacity int64 `json:"capacity"`
}

// Tier is the disk side of the store. Implementations are safe for
// concurrent use.
type Tier interface {
	// Get reads and decodes a tile. Returns ErrMiss when absent.
	Get(key tile.Key) (*tile.Image, State, error)
	Set(key tile.Key, img *tile.Image) error
	// Has checks the tier's index without touching storage.
	Has(key tile.Key) bool
	MarkExpired(key tile.Key)
	Remove(key tile.Key) error
	Clear() error
	Stats() TierStats
	Close() error
}

// BlobStore is the raw byte storage under a disk tier.
type BlobStore interface {
	// Read returns ErrMiss when the blob does not exist.
	Read(key tile.Key) ([]byte, error)
	Write(key tile.Key, data []byte) error
	Delete(key tile.Key) error
	// Walk visits every stored blob.
	Walk(fn func(key tile.Key, size int64, modTime time.Time) error) error
	Clear() error
	Close() error
}
