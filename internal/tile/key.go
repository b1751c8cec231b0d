package tile

import (
	"fmt"
	"strconv"
	"strings"
)

// MaxZoom is the deepest zoom level a Key may address.
const MaxZoom = 30

// Key identifies a tile of one map source in the XYZ quad-tree scheme.
// It is comparable and used directly as a map key.
type Key struct {
	Source string
	Zoom   int
	X      int
	Y      int
}

// String returns the cache key string "{source}/{zoom}/{x}/{y}".
func (k Key) String() string {
	return fmt.Sprintf("%s/%d/%d/%d", k.Source, k.Zoom, k.X, k.Y)
}

// Valid reports whether the source name is usable as a relative path and
// the coordinates fall inside the grid of its zoom level.
func (k Key) Valid() bool {
	if !ValidSource(k.Source) || k.Zoom < 0 || k.Zoom > MaxZoom {
		return false
	}
	n := 1 << k.Zoom
	return k.X >= 0 && k.X < n && k.Y >= 0 && k.Y < n
}

// ValidSource reports whether name is a non-empty run of slash separated
// segments, none of them empty, "." or "..", and without backslashes.
func ValidSource(name string) bool {
	if name == "" || strings.ContainsRune(name, '\\') {
		return false
	}
	for seg := range strings.SplitSeq(name, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return false
		}
	}
	return true
}

// Parent returns the ancestor covering k at diff levels up.
func (k Key) Parent(diff int) Key {
	if diff <= 0 {
		return k
	}
	if diff > k.Zoom {
		diff = k.Zoom
	}
	return Key{Source: k.Source, Zoom: k.Zoom - diff, X: k.X >> diff, Y: k.Y >> diff}
}

// Children returns the 2^diff × 2^diff descendants of k at diff levels down,
// in row-major order.
func (k Key) Children(diff int) []Key {
	if diff <= 0 {
		return []Key{k}
	}
	n := 1 << diff
	out := make([]Key, 0, n*n)
	for dy := 0; dy < n; dy++ {
		for dx := 0; dx < n; dx++ {
			out = append(out, Key{
				Source: k.Source,
				Zoom:   k.Zoom + diff,
				X:      k.X<<diff + dx,
				Y:      k.Y<<diff + dy,
			})
		}
	}
	return out
}

// ParseKey parses a "{source}/{zoom}/{x}/{y}" string. The source part may
// itself contain slashes.
func ParseKey(s string) (Key, error) {
	parts := strings.Split(s, "/")
	if len(parts) < 4 {
		return Key{}, fmt.Errorf("invalid tile key %q", s)
	}
	n := len(parts)
	z, err := strconv.Atoi(parts[n-3])
	if err != nil {
		return Key{}, fmt.Errorf("invalid zoom in %q: %w", s, err)
	}
	x, err := strconv.Atoi(parts[n-2])
	if err != nil {
		return Key{}, fmt.Errorf("invalid x in %q: %w", s, err)
	}
	y, err := strconv.Atoi(parts[n-1])
	if err != nil {
		return Key{}, fmt.Errorf("invalid y in %q: %w", s, err)
	}
	k := Key{Source: strings.Join(parts[:n-3], "/"), Zoom: z, X: x, Y: y}
	if !k.Valid() {
		return Key{}, fmt.Errorf("tile key out of range: %q", s)
	}
	return k, nil
}
