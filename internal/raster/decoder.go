package raster

import (
	"bytes"
	"fmt"
	"image/png"

	"github.com/cshum/vipsgen/vips"

	"tilecache/internal/provider"
	"tilecache/internal/tile"
)

// Decoder decodes any format libvips understands, including TIFF, AVIF and
// HEIF tiles the image package cannot read. PNG, JPEG and WebP go through
// provider.StdDecoder without a vips round trip.
type Decoder struct{}

func (Decoder) Decode(data []byte) (*tile.Image, error) {
	if img, err := provider.StdDecoder.Decode(data); err == nil {
		return img, nil
	}

	v, err := vips.NewImageFromBuffer(data, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", provider.ErrDecode, err)
	}
	defer v.Close()

	buf, err := v.PngsaveBuffer(vips.DefaultPngsaveBufferOptions())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", provider.ErrDecode, err)
	}
	img, err := png.Decode(bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", provider.ErrDecode, err)
	}
	return tile.FromImage(img), nil
}

var _ provider.Decoder = Decoder{}
