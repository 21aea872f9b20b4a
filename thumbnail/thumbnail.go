// Package thumbnail scales cover images into a bounding box.
package thumbnail

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"math"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

// MIMEJPEG is the MIME type of every thumbnail produced by this package.
const MIMEJPEG = "image/jpeg"

// DefaultQuality is the JPEG quality used when none is configured.
const DefaultQuality = 85

const (
	// MaxDimension bounds each side of a bounding box.
	MaxDimension = 4096

	// MaxSourcePixels bounds the decoded size of an input image.
	MaxSourcePixels = 64 << 20
)

var (
	// ErrBoxTooLarge is returned for bounding boxes wider or taller than
	// MaxDimension.
	ErrBoxTooLarge = errors.New("bounding box too large")

	// ErrImageTooLarge is returned for inputs with more than MaxSourcePixels.
	ErrImageTooLarge = errors.New("image too large")
)

// Thumbnail is a scaled image.
type Thumbnail struct {
	Data     []byte
	Width    int
	Height   int
	MIMEType string
}

// Thumbnailer scales an encoded image so that it fits within maxWidth x maxHeight
// while preserving its aspect ratio.
type Thumbnailer interface {
	Scale(ctx context.Context, r io.Reader, maxWidth, maxHeight int) (*Thumbnail, error)
}

// FileScaler is implemented by thumbnailers that can read their input
// directly from a file instead of a stream.
type FileScaler interface {
	ScaleFile(ctx context.Context, path string, maxWidth, maxHeight int) (*Thumbnail, error)
}

// ImageMetadata describes an encoded image.
type ImageMetadata struct {
	Width    int
	Height   int
	MIMEType string
}

// Metadata reads the dimensions and format of an encoded image without
// decoding the pixels.
func Metadata(r io.Reader) (ImageMetadata, error) {
	cfg, format, err := image.DecodeConfig(r)
	if err != nil {
		return ImageMetadata{}, fmt.Errorf("failed to read image header: %w", err)
	}
	return ImageMetadata{
		Width:    cfg.Width,
		Height:   cfg.Height,
		MIMEType: "image/" + format,
	}, nil
}

// MetadataBytes is Metadata over an in-memory image.
func MetadataBytes(data []byte) (ImageMetadata, error) {
	return Metadata(bytes.NewReader(data))
}

// CheckBox validates a maxWidth x maxHeight bounding box.
func CheckBox(maxWidth, maxHeight int) error {
	if maxWidth <= 0 || maxHeight <= 0 {
		return fmt.Errorf("invalid bounding box %dx%d", maxWidth, maxHeight)
	}
	if maxWidth > MaxDimension || maxHeight > MaxDimension {
		return fmt.Errorf("%w: %dx%d exceeds %dx%d", ErrBoxTooLarge, maxWidth, maxHeight, MaxDimension, MaxDimension)
	}
	return nil
}

// checkSource rejects images whose decoded pixels would exceed
// MaxSourcePixels.
func checkSource(width, height int) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("invalid source dimensions %dx%d", width, height)
	}
	if int64(width)*int64(height) > MaxSourcePixels {
		return fmt.Errorf("%w: %dx%d", ErrImageTooLarge, width, height)
	}
	return nil
}

// Fit returns the largest dimensions that fit an origWidth x origHeight image
// into maxWidth x maxHeight without changing its aspect ratio. Both results
// are rounded to the nearest pixel and clamped to [1, bound]. Images smaller
// than the box are scaled up. Boxes are limited by CheckBox.
func Fit(origWidth, origHeight, maxWidth, maxHeight int) (width, height int, err error) {
	if origWidth <= 0 || origHeight <= 0 {
		return 0, 0, fmt.Errorf("invalid source dimensions %dx%d", origWidth, origHeight)
	}
	if err := CheckBox(maxWidth, maxHeight); err != nil {
		return 0, 0, err
	}

	scale := math.Min(float64(maxWidth)/float64(origWidth), float64(maxHeight)/float64(origHeight))
	width = clamp(int(math.Round(float64(origWidth)*scale)), maxWidth)
	height = clamp(int(math.Round(float64(origHeight)*scale)), maxHeight)
	return width, height, nil
}

func clamp(v, bound int) int {
	if v < 1 {
		return 1
	}
	if v > bound {
		return bound
	}
	return v
}
