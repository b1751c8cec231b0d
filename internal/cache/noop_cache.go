package cache

import "tilecache/internal/tile"

// NoopCache is the disk tier used when disk caching is disabled or has been
// switched off after a fault.
type NoopCache struct{}

func NewNoopCache() *NoopCache {
	return &NoopCache{}
}

func (c *NoopCache) Get(key tile.Key) (*tile.Image, State, error) {
	return nil, Fresh, ErrMiss
}

func (c *NoopCache) Set(key tile.Key, img *tile.Image) error {
	return nil
}

func (c *NoopCache) Has(key tile.Key) bool {
	return false
}

func (c *NoopCache) MarkExpired(key tile.Key) {
}

func (c *NoopCache) Remove(key tile.Key) error {
	return nil
}

func (c *NoopCache) Clear() error {
	return nil
}

func (c *NoopCache) Stats() TierStats {
	return TierStats{}
}

func (c *NoopCache) Close() error {
	return nil
}
