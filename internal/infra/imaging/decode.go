// Package imaging turns uploaded bytes into pixel buffers.
package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"

	// Registered decoders.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/inspectd/inspectd/internal/domain"
)

// DefaultMaxPixels bounds width*height for decoded uploads. It is the usual
// decompression-bomb limit of about 89.5M pixels.
const DefaultMaxPixels int64 = 89_478_485

// Decoder decodes uploads, refusing images whose header declares more than
// MaxPixels pixels before any pixel buffer is allocated.
type Decoder struct {
	MaxPixels int64
}

// NewDecoder returns a decoder with the given cap. maxPixels <= 0 selects
// DefaultMaxPixels.
func NewDecoder(maxPixels int64) *Decoder {
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}
	return &Decoder{MaxPixels: maxPixels}
}

var defaultDecoder = NewDecoder(DefaultMaxPixels)

// Decode parses PNG, JPEG, GIF, BMP, TIFF or WebP data with DefaultMaxPixels
// and returns an RGBA image. Any failure wraps domain.ErrInvalidImage.
func Decode(data []byte) (image.Image, error) {
	return defaultDecoder.Decode(data)
}

// Decode parses data and returns an RGBA image. Any failure, including an
// oversized header, wraps domain.ErrInvalidImage.
func (d *Decoder) Decode(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty image payload: %w", domain.ErrInvalidImage)
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, domain.ErrInvalidImage)
	}
	if pixels := int64(cfg.Width) * int64(cfg.Height); pixels > d.MaxPixels {
		return nil, fmt.Errorf("image is %dx%d, over the %d pixel limit: %w",
			cfg.Width, cfg.Height, d.MaxPixels, domain.ErrInvalidImage)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, domain.ErrInvalidImage)
	}
	return toRGBA(img), nil
}

// toRGBA drops alpha/palette/YCbCr variants so the engine always receives
// the same pixel layout.
func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Rect.Min == (image.Point{}) {
		return rgba
	}
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)
	return out
}
