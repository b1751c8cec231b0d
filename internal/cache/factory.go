package cache

import (
	"fmt"

	"go.uber.org/zap"
)

// NewDiskTier creates the disk tier described by cfg
func NewDiskTier(cfg Config, log *zap.Logger, metrics Metrics) (Tier, error) {
	if !cfg.DiskEnabled {
		log.Info("Disk cache disabled")
		return NewNoopCache(), nil
	}

	var (
		blobs BlobStore
		err   error
	)
	switch cfg.DiskType {
	case DiskFile:
		log.Info("Using file disk cache", zap.String("cache_dir", cfg.DiskDir), zap.Int64("max_bytes", cfg.DiskBudgetBytes))
		blobs, err = NewFileStore(cfg.DiskDir)
	case DiskBadger:
		log.Info("Using badger disk cache", zap.String("cache_dir", cfg.DiskDir), zap.Int64("max_bytes", cfg.DiskBudgetBytes))
		blobs, err = OpenBadgerStore(cfg.DiskDir, log)
	case DiskDisabled:
		log.Info("Disk cache disabled")
		return NewNoopCache(), nil
	default:
		return nil, fmt.Errorf("unknown disk cache type: %s (supported: file, badger, disabled)", cfg.DiskType)
	}
	if err != nil {
		return nil, err
	}

	codec, err := NewCodec(cfg.DiskCompressionLevel)
	if err != nil {
		blobs.Close()
		return nil, fmt.Errorf("failed to create codec: %w", err)
	}

	tier, err := NewDiskCache(blobs, codec, cfg.DiskBudgetBytes, cfg.MaxAge, log, metrics)
	if err != nil {
		codec.Close()
		blobs.Close()
		return nil, err
	}
	return tier, nil
}
