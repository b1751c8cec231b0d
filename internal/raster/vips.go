package raster

import (
	"github.com/cshum/vipsgen/vips"
	"go.uber.org/zap"
)

// Startup initializes libvips and routes its warnings and errors to log.
// The returned function shuts libvips down.
func Startup(maxCacheMB, concurrency int, log *zap.Logger) func() {
	vipsConfig := &vips.Config{
		ConcurrencyLevel: concurrency,
		MaxCacheMem:      maxCacheMB * 1024 * 1024,
		MaxCacheFiles:    0, // Disable disk cache
		MaxCacheSize:     0,
		ReportLeaks:      false,
		CacheTrace:       false,
		VectorEnabled:    true,
	}

	vips.SetLogging(func(domain string, level vips.LogLevel, message string) {
		if level >= vips.LogLevelError {
			log.Error("vips", zap.String("domain", domain), zap.Int("level", int(level)), zap.String("message", message))
		} else if level >= vips.LogLevelWarning {
			log.Warn("vips", zap.String("domain", domain), zap.Int("level", int(level)), zap.String("message", message))
		}
	}, vips.LogLevelWarning)

	vips.Startup(vipsConfig)

	log.Info("VIPS initialized",
		zap.Int("max_cache_mb", maxCacheMB),
		zap.Int("concurrency", concurrency),
	)
	return vips.Shutdown
}
