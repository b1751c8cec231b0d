package cache

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"tilecache/internal/tile"
)

const blobExt = ".tile"

// FileStore keeps tile blobs as individual files.
// Structure: {cacheDir}/{source}/{z}/{x}/{y}.tile
type FileStore struct {
	cacheDir string
}

func NewFileStore(cacheDir string) (*FileStore, error) {
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	return &FileStore{
		cacheDir: cacheDir,
	}, nil
}

// buildFilePath builds file path from tile key
func (s *FileStore) buildFilePath(key tile.Key) string {
	return filepath.Join(s.cacheDir, filepath.FromSlash(key.String())+blobExt)
}

func (s *FileStore) Read(key tile.Key) ([]byte, error) {
	data, err := os.ReadFile(s.buildFilePath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrMiss
		}
		return nil, err
	}
	return data, nil
}

func (s *FileStore) Write(key tile.Key, data []byte) error {
	filePath := s.buildFilePath(key)
	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create tile directory: %w", err)
	}

	// Write atomically
	tmpPath := filePath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write tile: %w", err)
	}

	if err := os.Rename(tmpPath, filePath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to commit tile: %w", err)
	}
	return nil
}

func (s *FileStore) Delete(key tile.Key) error {
	err := os.Remove(s.buildFilePath(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Walk visits every committed blob. Leftover temp files and foreign files are
// skipped.
func (s *FileStore) Walk(fn func(key tile.Key, size int64, modTime time.Time) error) error {
	return filepath.WalkDir(s.cacheDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, blobExt) {
			return nil
		}
		rel, err := filepath.Rel(s.cacheDir, path)
		if err != nil {
			return nil
		}
		key, err := tile.ParseKey(strings.TrimSuffix(filepath.ToSlash(rel), blobExt))
		if err != nil {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		return fn(key, info.Size(), info.ModTime())
	})
}

func (s *FileStore) Clear() error {
	if err := os.RemoveAll(s.cacheDir); err != nil {
		return err
	}
	return os.MkdirAll(s.cacheDir, 0755)
}

func (s *FileStore) Close() error {
	return nil
}
