package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"tilecache/internal/cache"
)

type Config struct {
	Port          int    `env:"PORT" envDefault:"8080"`
	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat     string `env:"LOG_FORMAT" envDefault:"json"`
	AllowedOrigin string `env:"ALLOWED_ORIGIN"`

	TileSize int `env:"TILE_SIZE" envDefault:"256"`

	// CacheMemoryBytes overrides CacheMemoryFraction when non-zero.
	CacheMemoryBytes     int64         `env:"CACHE_MEMORY_BYTES" envDefault:"0"`
	CacheMemoryFraction  float64       `env:"CACHE_MEMORY_FRACTION" envDefault:"0.125"`
	CachePoolBuffers     int           `env:"CACHE_POOL_BUFFERS" envDefault:"32"`
	CacheDisk            string        `env:"CACHE_DISK" envDefault:"file"`
	CacheDiskDir         string        `env:"CACHE_DISK_DIR" envDefault:"/data/cache"`
	CacheDiskBytes       int64         `env:"CACHE_DISK_BYTES" envDefault:"1073741824"`
	CacheDiskCompression int           `env:"CACHE_DISK_COMPRESSION" envDefault:"1"`
	TileMaxAge           time.Duration `env:"TILE_MAX_AGE" envDefault:"168h"`

	UpstreamURLs    []string `env:"UPSTREAM_URLS" envSeparator:","`
	UpstreamSource  string   `env:"UPSTREAM_SOURCE" envDefault:"osm"`
	UpstreamMinZoom float64  `env:"UPSTREAM_MIN_ZOOM" envDefault:"0"`
	UpstreamMaxZoom float64  `env:"UPSTREAM_MAX_ZOOM" envDefault:"19"`
	UpstreamRPS     float64  `env:"UPSTREAM_RPS" envDefault:"4"`
	UserAgent       string   `env:"USER_AGENT" envDefault:"tilecache/1.0"`

	OfflineDir   string `env:"OFFLINE_DIR"`
	RasterImage  string `env:"RASTER_IMAGE"`
	RasterSource string `env:"RASTER_SOURCE" envDefault:"raster"`
	// RasterDir adds one source per image, named "{RasterSource}/{basename}".
	RasterDir string `env:"RASTER_DIR"`

	FetchTimeout   time.Duration `env:"FETCH_TIMEOUT" envDefault:"15s"`
	UnavailableTTL time.Duration `env:"UNAVAILABLE_TTL" envDefault:"10m"`
	MaxZoomOutDiff int           `env:"MAX_ZOOM_OUT_DIFF" envDefault:"8"`
	Resampler      string        `env:"RESAMPLER" envDefault:"nearest"`

	ProbeURL      string        `env:"PROBE_URL"`
	ProbeInterval time.Duration `env:"PROBE_INTERVAL" envDefault:"30s"`

	VipsMaxCacheMB  int `env:"VIPS_MAX_CACHE_MB" envDefault:"256"`
	VipsConcurrency int `env:"VIPS_CONCURRENCY" envDefault:"1"`
	WarmupWorkers   int `env:"WARMUP_WORKERS" envDefault:"4"`
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.CacheDisk {
	case cache.DiskFile, cache.DiskBadger, cache.DiskDisabled:
	default:
		return fmt.Errorf("invalid CACHE_DISK %q (supported: file, badger, disabled)", c.CacheDisk)
	}
	if c.TileSize <= 0 || c.TileSize&(c.TileSize-1) != 0 {
		return fmt.Errorf("TILE_SIZE must be a positive power of two, got %d", c.TileSize)
	}
	if c.CacheMemoryFraction <= 0 || c.CacheMemoryFraction > 1 {
		return fmt.Errorf("CACHE_MEMORY_FRACTION must be in (0, 1], got %g", c.CacheMemoryFraction)
	}
	if c.UpstreamMinZoom > c.UpstreamMaxZoom {
		return fmt.Errorf("UPSTREAM_MIN_ZOOM %g exceeds UPSTREAM_MAX_ZOOM %g", c.UpstreamMinZoom, c.UpstreamMaxZoom)
	}
	return nil
}

// CacheConfig derives the tile store options.
func (c *Config) CacheConfig() cache.Config {
	budget := c.CacheMemoryBytes
	if budget <= 0 {
		budget = cache.DefaultMemoryBudget(c.CacheMemoryFraction)
	}
	return cache.Config{
		MemoryBudgetBytes:    budget,
		DiskEnabled:          c.CacheDisk != cache.DiskDisabled,
		DiskType:             c.CacheDisk,
		DiskDir:              c.CacheDiskDir,
		DiskBudgetBytes:      c.CacheDiskBytes,
		DiskCompressionLevel: c.CacheDiskCompression,
		TileSize:             c.TileSize,
		PoolBuffers:          c.CachePoolBuffers,
		MaxAge:               c.TileMaxAge,
	}
}
