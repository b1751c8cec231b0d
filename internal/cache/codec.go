package cache

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	"time"

	"github.com/klauspost/compress/zstd"

	"tilecache/internal/tile"
)

const (
	codecVersion = 1
	headerSize   = 4 + 1 + 4 + 4 + 8
)

var (
	frameMagic = []byte("TILE")
	zstdMagic  = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// Codec turns decoded tiles into disk blobs: a small header followed by raw
// RGBA pixels, optionally wrapped in a zstd frame.
type Codec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	enabled bool
}

// NewCodec builds a codec. Level 0 stores frames uncompressed; 1..3 map to
// zstd's fastest, default and better-compression presets.
func NewCodec(level int) (*Codec, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	if level <= 0 {
		return &Codec{decoder: decoder}, nil
	}

	var encoderLevel zstd.EncoderLevel
	switch level {
	case 1:
		encoderLevel = zstd.SpeedFastest
	case 3:
		encoderLevel = zstd.SpeedBetterCompression
	default:
		encoderLevel = zstd.SpeedDefault
	}

	encoder, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(encoderLevel),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		decoder.Close()
		return nil, err
	}

	return &Codec{encoder: encoder, decoder: decoder, enabled: true}, nil
}

// Encode serializes img with the time it was stored.
func (c *Codec) Encode(img *tile.Image, storedAt time.Time) []byte {
	rgba := img.RGBA
	w, h := rgba.Rect.Dx(), rgba.Rect.Dy()

	frame := make([]byte, headerSize, headerSize+w*h*4)
	copy(frame, frameMagic)
	frame[4] = codecVersion
	binary.BigEndian.PutUint32(frame[5:], uint32(w))
	binary.BigEndian.PutUint32(frame[9:], uint32(h))
	binary.BigEndian.PutUint64(frame[13:], uint64(storedAt.Unix()))
	for y := 0; y < h; y++ {
		off := y * rgba.Stride
		frame = append(frame, rgba.Pix[off:off+w*4]...)
	}

	if !c.enabled {
		return frame
	}
	compressed := c.encoder.EncodeAll(frame, make([]byte, 0, len(frame)/2))
	if len(compressed) >= len(frame) {
		return frame
	}
	return compressed
}

// Decode parses a blob produced by Encode.
func (c *Codec) Decode(data []byte) (*tile.Image, time.Time, error) {
	if bytes.HasPrefix(data, zstdMagic) {
		frame, err := c.decoder.DecodeAll(data, nil)
		if err != nil {
			return nil, time.Time{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		data = frame
	}

	if len(data) < headerSize || !bytes.Equal(data[:4], frameMagic) {
		return nil, time.Time{}, fmt.Errorf("%w: bad header", ErrCorrupt)
	}
	if data[4] != codecVersion {
		return nil, time.Time{}, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, data[4])
	}
	w := int(binary.BigEndian.Uint32(data[5:]))
	h := int(binary.BigEndian.Uint32(data[9:]))
	storedAt := time.Unix(int64(binary.BigEndian.Uint64(data[13:])), 0)

	pix := data[headerSize:]
	if w <= 0 || h <= 0 || len(pix) != w*h*4 {
		return nil, time.Time{}, fmt.Errorf("%w: pixel data size mismatch", ErrCorrupt)
	}

	rgba := &image.RGBA{
		Pix:    append([]byte(nil), pix...),
		Stride: w * 4,
		Rect:   image.Rect(0, 0, w, h),
	}
	return &tile.Image{RGBA: rgba}, storedAt, nil
}

func (c *Codec) Close() error {
	if c.encoder != nil {
		c.encoder.Close()
	}
	if c.decoder != nil {
		c.decoder.Close()
	}
	return nil
}
