package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/webp"

	"tilecache/internal/tile"
)

var (
	// ErrNotFound means the source has no tile for the key. It is treated as
	// permanent for that key.
	ErrNotFound = errors.New("provider: tile not found")
	// ErrDecode wraps image decoding failures.
	ErrDecode = errors.New("provider: decode failed")
)

// Result is a successfully fetched tile.
type Result struct {
	Image *tile.Image
	// Expired marks stale-but-usable data.
	Expired bool
}

// Source resolves a key to a decoded tile.
type Source interface {
	Fetch(ctx context.Context, key tile.Key) (Result, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, key tile.Key) (Result, error)

func (f SourceFunc) Fetch(ctx context.Context, key tile.Key) (Result, error) {
	return f(ctx, key)
}

// OnlySource restricts src to keys of the named tile source. Other keys
// report ErrNotFound without reaching src.
func OnlySource(name string, src Source) Source {
	return SourceFunc(func(ctx context.Context, key tile.Key) (Result, error) {
		if key.Source != name {
			return Result{}, fmt.Errorf("%w: %s not served here", ErrNotFound, key)
		}
		return src.Fetch(ctx, key)
	})
}

// Decoder turns encoded tile bytes into a decoded image.
type Decoder interface {
	Decode(data []byte) (*tile.Image, error)
}

// DecoderFunc adapts a function to Decoder.
type DecoderFunc func(data []byte) (*tile.Image, error)

func (f DecoderFunc) Decode(data []byte) (*tile.Image, error) {
	return f(data)
}

// StdDecoder decodes PNG, JPEG and WebP with the image package.
var StdDecoder Decoder = DecoderFunc(func(data []byte) (*tile.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return tile.FromImage(img), nil
})
