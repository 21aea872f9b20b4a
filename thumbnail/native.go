package thumbnail

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"os"

	"golang.org/x/image/draw"
)

// Native scales images in process using golang.org/x/image.
type Native struct {
	quality int
}

// NativeOption configures a Native thumbnailer.
type NativeOption func(*Native)

// WithQuality sets the JPEG quality (1-100).
func WithQuality(q int) NativeOption {
	return func(n *Native) {
		if q >= 1 && q <= 100 {
			n.quality = q
		}
	}
}

// NewNative creates an in-process thumbnailer.
func NewNative(opts ...NativeOption) *Native {
	n := &Native{quality: DefaultQuality}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Scale decodes r, resamples it with Catmull-Rom into the Fit box and
// encodes the result as JPEG. Inputs larger than MaxSourcePixels are
// rejected before their pixels are decoded.
func (n *Native) Scale(ctx context.Context, r io.Reader, maxWidth, maxHeight int) (*Thumbnail, error) {
	if err := CheckBox(maxWidth, maxHeight); err != nil {
		return nil, err
	}

	var header bytes.Buffer
	cfg, _, err := image.DecodeConfig(io.TeeReader(r, &header))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	if err := checkSource(cfg.Width, cfg.Height); err != nil {
		return nil, err
	}

	src, _, err := image.Decode(io.MultiReader(&header, r))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b := src.Bounds()
	w, h, err := Fit(b.Dx(), b.Dy(), maxWidth, maxHeight)
	if err != nil {
		return nil, err
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: n.quality}); err != nil {
		return nil, fmt.Errorf("failed to encode thumbnail: %w", err)
	}

	return &Thumbnail{
		Data:     buf.Bytes(),
		Width:    w,
		Height:   h,
		MIMEType: MIMEJPEG,
	}, nil
}

// ScaleFile scales the image stored at path.
func (n *Native) ScaleFile(ctx context.Context, path string, maxWidth, maxHeight int) (*Thumbnail, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	return n.Scale(ctx, f, maxWidth, maxHeight)
}

var (
	_ Thumbnailer = (*Native)(nil)
	_ FileScaler  = (*Native)(nil)
)
