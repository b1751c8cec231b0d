package provider

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"tilecache/internal/tile"
)

var tileExts = []string{".png", ".jpg", ".jpeg", ".webp"}

// DirSource serves tiles stored by the offline downloader.
// Structure: {root}/{source}/{z}/{x}/{y}.{png|jpg|jpeg|webp}
type DirSource struct {
	root    string
	decoder Decoder
	maxAge  time.Duration
	now     func() time.Time
}

// NewDirSource reads tiles under root. Files older than maxAge are returned
// as expired; zero disables the check.
func NewDirSource(root string, decoder Decoder, maxAge time.Duration) *DirSource {
	if decoder == nil {
		decoder = StdDecoder
	}
	return &DirSource{root: root, decoder: decoder, maxAge: maxAge, now: time.Now}
}

func (s *DirSource) Fetch(ctx context.Context, key tile.Key) (Result, error) {
	if !key.Valid() {
		return Result{}, ErrNotFound
	}
	base := filepath.Join(s.root, filepath.FromSlash(key.Source),
		strconv.Itoa(key.Zoom), strconv.Itoa(key.X), strconv.Itoa(key.Y))

	for _, ext := range tileExts {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		path := base + ext
		info, err := os.Stat(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return Result{}, err
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return Result{}, fmt.Errorf("failed to read %s: %w", path, err)
		}
		img, err := s.decoder.Decode(data)
		if err != nil {
			return Result{}, fmt.Errorf("tile %s: %w", path, err)
		}
		expired := s.maxAge > 0 && s.now().Sub(info.ModTime()) > s.maxAge
		return Result{Image: img, Expired: expired}, nil
	}
	return Result{}, fmt.Errorf("%w: %s", ErrNotFound, key)
}
