package raster

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
)

var extensions = map[string]bool{
	".tif":  true,
	".tiff": true,
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".webp": true,
}

// SourceName derives a tile source name from an image file name:
// "{prefix}/{basename}" with the extension dropped and spaces replaced.
func SourceName(prefix, filename string) string {
	base := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	base = strings.ReplaceAll(strings.TrimSpace(base), " ", "_")
	if prefix == "" {
		return base
	}
	return prefix + "/" + base
}

// ImageFiles lists the supported images directly inside dir, sorted by name.
func ImageFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read raster directory: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if extensions[strings.ToLower(filepath.Ext(entry.Name()))] {
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

// ScanDir opens one Source per image in dir, named SourceName(prefix, file).
// Images that fail to open are logged and skipped.
func ScanDir(dir, prefix string, tileSize int, log *zap.Logger) ([]*Source, error) {
	if log == nil {
		log = zap.NewNop()
	}

	files, err := ImageFiles(dir)
	if err != nil {
		return nil, err
	}

	sources := make([]*Source, 0, len(files))
	for _, path := range files {
		src, err := Open(path, SourceName(prefix, path), tileSize, log)
		if err != nil {
			log.Warn("Failed to open raster image, skipping", zap.String("path", path), zap.Error(err))
			continue
		}
		sources = append(sources, src)
	}

	log.Info("Raster directory scanned",
		zap.String("dir", dir),
		zap.Int("files", len(files)),
		zap.Int("sources", len(sources)),
	)
	return sources, nil
}
