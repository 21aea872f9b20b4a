package thumbnail

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math"
	"math/rand/v2"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/go-logr/logr/funcr"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-plugin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testPNG encodes a w x h gradient.
func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestFit(t *testing.T) {
	tests := []struct {
		name                  string
		ow, oh, mw, mh        int
		wantWidth, wantHeight int
	}{
		{"exact", 100, 66, 100, 100, 100, 66},
		{"width bound", 100, 66, 50, 100, 50, 33},
		{"height bound", 66, 100, 100, 50, 33, 50},
		{"upscale", 50, 25, 200, 200, 200, 100},
		{"square into wide box", 300, 300, 200, 100, 100, 100},
		{"extreme aspect clamps to one pixel", 10000, 1, 100, 100, 100, 1},
		{"rounds to nearest", 3, 2, 100, 100, 100, 67},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, h, err := Fit(tt.ow, tt.oh, tt.mw, tt.mh)
			require.NoError(t, err)
			assert.Equal(t, tt.wantWidth, w)
			assert.Equal(t, tt.wantHeight, h)
			assert.LessOrEqual(t, w, tt.mw)
			assert.LessOrEqual(t, h, tt.mh)
		})
	}
}

func TestFitPreservesAspectRatio(t *testing.T) {
	for ow := 1; ow <= 400; ow += 37 {
		for oh := 1; oh <= 400; oh += 41 {
			for _, bound := range []int{16, 50, 128, 333} {
				w, h, err := Fit(ow, oh, bound, bound)
				require.NoError(t, err)
				assert.LessOrEqual(t, max(w, h), bound)
				// within one pixel of the exact ratio
				assert.InDelta(t, float64(ow)/float64(oh)*float64(h), float64(w), float64(ow)/float64(oh)+1)
			}
		}
	}
}

func TestFitRejectsInvalidInput(t *testing.T) {
	_, _, err := Fit(0, 10, 10, 10)
	assert.Error(t, err)
	_, _, err = Fit(10, 10, 10, 0)
	assert.Error(t, err)
	_, _, err = Fit(10, 10, math.MaxInt32, math.MaxInt32)
	assert.ErrorIs(t, err, ErrBoxTooLarge)
}

func TestCheckBox(t *testing.T) {
	assert.NoError(t, CheckBox(1, 1))
	assert.NoError(t, CheckBox(MaxDimension, MaxDimension))
	assert.Error(t, CheckBox(0, 10))
	assert.ErrorIs(t, CheckBox(MaxDimension+1, 10), ErrBoxTooLarge)
	assert.ErrorIs(t, CheckBox(10, math.MaxInt), ErrBoxTooLarge)
}

func TestMetadata(t *testing.T) {
	md, err := MetadataBytes(testPNG(t, 100, 66))
	require.NoError(t, err)
	assert.Equal(t, ImageMetadata{Width: 100, Height: 66, MIMEType: "image/png"}, md)

	_, err = MetadataBytes([]byte("not an image"))
	assert.Error(t, err)
}

func TestNativeScale(t *testing.T) {
	n := NewNative(WithQuality(90))

	thumb, err := n.Scale(context.Background(), bytes.NewReader(testPNG(t, 100, 66)), 50, 100)
	require.NoError(t, err)
	assert.Equal(t, 50, thumb.Width)
	assert.Equal(t, 33, thumb.Height)
	assert.Equal(t, MIMEJPEG, thumb.MIMEType)

	cfg, err := jpeg.DecodeConfig(bytes.NewReader(thumb.Data))
	require.NoError(t, err, "output must be a JPEG")
	assert.Equal(t, 50, cfg.Width)
	assert.Equal(t, 33, cfg.Height)
}

func TestNativeScaleFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cover.png")
	require.NoError(t, os.WriteFile(path, testPNG(t, 66, 100), 0o644))

	thumb, err := NewNative().ScaleFile(context.Background(), path, 100, 50)
	require.NoError(t, err)
	assert.Equal(t, 33, thumb.Width)
	assert.Equal(t, 50, thumb.Height)
}

func TestNativeScaleRejectsHugeBox(t *testing.T) {
	_, err := NewNative().Scale(context.Background(), bytes.NewReader(testPNG(t, 100, 66)), math.MaxInt32, math.MaxInt32)
	assert.ErrorIs(t, err, ErrBoxTooLarge)
}

func TestNativeScaleRejectsHugeImage(t *testing.T) {
	// GIF header announcing a 65535x65535 canvas, no pixel data.
	header := []byte{'G', 'I', 'F', '8', '9', 'a', 0xff, 0xff, 0xff, 0xff, 0, 0, 0}
	_, err := NewNative().Scale(context.Background(), bytes.NewReader(header), 100, 100)
	assert.ErrorIs(t, err, ErrImageTooLarge)
}

func TestNativeScaleLargeStream(t *testing.T) {
	// Noise does not compress, so the stream is much larger than the
	// header buffered while the size is checked.
	img := image.NewRGBA(image.Rect(0, 0, 600, 400))
	rng := rand.New(rand.NewPCG(1, 2))
	for i := range img.Pix {
		img.Pix[i] = uint8(rng.Uint32())
		if i%4 == 3 {
			img.Pix[i] = 0xff
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	data := buf.Bytes()
	require.Greater(t, len(data), 64<<10)

	thumb, err := NewNative().Scale(context.Background(), bytes.NewReader(data), 60, 60)
	require.NoError(t, err)
	assert.Equal(t, 60, thumb.Width)
	assert.Equal(t, 40, thumb.Height)
}

func TestNativeScaleRejectsGarbage(t *testing.T) {
	_, err := NewNative().Scale(context.Background(), bytes.NewReader([]byte("garbage")), 10, 10)
	assert.Error(t, err)
}

func TestParseIdentify(t *testing.T) {
	md, err := parseIdentify([]byte("/tmp/test.bmp BMP 100x66 100x66+0+0 8-bit sRGB 19.4KB 0.000u 0:00.000\n"))
	require.NoError(t, err)
	assert.Equal(t, ImageMetadata{Width: 100, Height: 66, MIMEType: "image/bmp"}, md)

	md, err = parseIdentify([]byte("/tmp/test.xcf XCF 100x66 100x66+0+0 8-bit sRGB 2.1KB 0.000u 0:00.000\n"))
	require.NoError(t, err)
	assert.Equal(t, "image/x-xcf", md.MIMEType)

	_, err = parseIdentify([]byte("identify: no decode delegate"))
	assert.Error(t, err)
}

func TestImageMagickScale(t *testing.T) {
	if _, err := exec.LookPath("convert"); err != nil {
		t.Skip("ImageMagick is not installed")
	}
	m := NewImageMagick("", "")

	version, err := m.Version(context.Background())
	require.NoError(t, err)
	assert.Contains(t, version, "ImageMagick")

	thumb, err := m.Scale(context.Background(), bytes.NewReader(testPNG(t, 100, 66)), 50, 66)
	require.NoError(t, err)
	assert.Equal(t, 50, thumb.Width)
	assert.Equal(t, 33, thumb.Height)
}

func TestImageMagickRejectsHugeBox(t *testing.T) {
	m := NewImageMagick("/nonexistent/convert", "/nonexistent/identify")
	_, err := m.Scale(context.Background(), bytes.NewReader(testPNG(t, 10, 10)), math.MaxInt32, 5)
	assert.ErrorIs(t, err, ErrBoxTooLarge)
}

// fakeIdentify writes a shell script that prints output the way identify does.
func fakeIdentify(t *testing.T, format string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts are not executable on windows")
	}
	path := filepath.Join(t.TempDir(), "identify")
	script := "#!/bin/sh\necho \"$1 " + format + " 100x66 100x66+0+0 8-bit sRGB 2.1KB 0.000u 0:00.000\"\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestImageMagickIdentify(t *testing.T) {
	m := NewImageMagick("", fakeIdentify(t, "XCF"))

	md, err := m.Identify(context.Background(), "/covers/UPC/1.jpg")
	require.NoError(t, err)
	assert.Equal(t, ImageMetadata{Width: 100, Height: 66, MIMEType: "image/x-xcf"}, md)

	_, err = NewImageMagick("", "/nonexistent/identify").Identify(context.Background(), "/covers/UPC/1.jpg")
	assert.Error(t, err)
}

func TestImageMagickMissingBinary(t *testing.T) {
	m := NewImageMagick("/nonexistent/convert", "/nonexistent/identify")
	_, err := m.Scale(context.Background(), bytes.NewReader(testPNG(t, 10, 10)), 5, 5)
	assert.Error(t, err)
	_, err = m.Version(context.Background())
	assert.Error(t, err)
}

func TestPluginRoundTrip(t *testing.T) {
	client, _ := plugin.TestPluginRPCConn(t, plugin.PluginSet{
		pluginName: &thumbnailerPlugin{impl: NewNative()},
	}, nil)
	defer client.Close()

	raw, err := client.Dispense(pluginName)
	require.NoError(t, err)
	remote, ok := raw.(Thumbnailer)
	require.True(t, ok)

	thumb, err := remote.Scale(context.Background(), bytes.NewReader(testPNG(t, 100, 66)), 50, 50)
	require.NoError(t, err)
	assert.Equal(t, 50, thumb.Width)
	assert.Equal(t, 33, thumb.Height)

	_, err = remote.Scale(context.Background(), bytes.NewReader([]byte("garbage")), 50, 50)
	assert.Error(t, err)

	_, err = remote.Scale(context.Background(), bytes.NewReader(testPNG(t, 10, 10)), math.MaxInt32, 50)
	assert.ErrorIs(t, err, ErrBoxTooLarge)
}

func TestHclogAdapter(t *testing.T) {
	var lines []string
	logger := funcr.New(func(prefix, args string) {
		lines = append(lines, prefix+" "+args)
	}, funcr.Options{Verbosity: 0})

	var hl hclog.Logger = newHclogAdapter(logger)
	hl = hl.Named("plugin").With("pid", 42)

	hl.Debug("hidden")
	hl.Info("started")
	hl.Warn("slow")

	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "started")
	assert.Contains(t, lines[0], `"pid"=42`)
	assert.Contains(t, lines[1], `"severity"="warn"`)
	assert.Equal(t, "plugin", hl.Name())
	assert.Equal(t, []any{"pid", 42}, hl.ImpliedArgs())
	assert.Equal(t, hclog.Info, hl.GetLevel())
	assert.False(t, hl.IsDebug())
}
