package thumbnail

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
)

var (
	// "Version: ImageMagick 6.9.11-60 Q16 x86_64 2021-01-25 https://imagemagick.org"
	versionRegex = regexp.MustCompile(`Version: (.*?) http`)
	// "/tmp/in.bmp BMP 100x66 100x66+0+0 8-bit sRGB 19.4KB 0.000u 0:00.000"
	identifyRegex = regexp.MustCompile(`(?m)^.* ([A-Z0-9]+) (\d+)x(\d+) `)
)

var imageMagickTypes = map[string]string{
	"JPEG": "image/jpeg",
	"BMP":  "image/bmp",
	"GIF":  "image/gif",
	"PNG":  "image/png",
	"XCF":  "image/x-xcf",
	"WEBP": "image/webp",
	"TIFF": "image/tiff",
}

// ImageMagick scales images by running ImageMagick's convert utility.
type ImageMagick struct {
	convertPath  string
	identifyPath string
}

// NewImageMagick creates a thumbnailer that shells out to the given convert
// and identify binaries. Empty paths fall back to "convert" and "identify"
// on $PATH.
func NewImageMagick(convertPath, identifyPath string) *ImageMagick {
	if convertPath == "" {
		convertPath = "convert"
	}
	if identifyPath == "" {
		identifyPath = "identify"
	}
	return &ImageMagick{convertPath: convertPath, identifyPath: identifyPath}
}

// Version reports the ImageMagick release, failing if the binaries are missing.
func (m *ImageMagick) Version(ctx context.Context) (string, error) {
	out, err := m.run(ctx, nil, m.identifyPath, "-version")
	if err != nil {
		return "", err
	}
	match := versionRegex.FindSubmatch(out)
	if match == nil {
		return "", fmt.Errorf("unrecognized version output: %q", strings.TrimSpace(string(out)))
	}
	return string(match[1]), nil
}

// Scale pipes r through convert and returns the JPEG it produced.
func (m *ImageMagick) Scale(ctx context.Context, r io.Reader, maxWidth, maxHeight int) (*Thumbnail, error) {
	return m.convert(ctx, r, "-", maxWidth, maxHeight)
}

// ScaleFile lets convert read path directly.
func (m *ImageMagick) ScaleFile(ctx context.Context, path string, maxWidth, maxHeight int) (*Thumbnail, error) {
	return m.convert(ctx, nil, path, maxWidth, maxHeight)
}

func (m *ImageMagick) convert(ctx context.Context, stdin io.Reader, input string, maxWidth, maxHeight int) (*Thumbnail, error) {
	if err := CheckBox(maxWidth, maxHeight); err != nil {
		return nil, err
	}
	// [0] selects the first frame of animated or layered inputs
	out, err := m.run(ctx, stdin, m.convertPath,
		"-thumbnail", fmt.Sprintf("%dx%d", maxWidth, maxHeight),
		input+"[0]",
		"jpg:-",
	)
	if err != nil {
		return nil, err
	}

	md, err := MetadataBytes(out)
	if err != nil {
		return nil, fmt.Errorf("convert produced an unreadable image: %w", err)
	}
	return &Thumbnail{
		Data:     out,
		Width:    md.Width,
		Height:   md.Height,
		MIMEType: MIMEJPEG,
	}, nil
}

// Identify reads image metadata with ImageMagick's identify utility. It
// understands more formats than Metadata, XCF among them.
func (m *ImageMagick) Identify(ctx context.Context, path string) (ImageMetadata, error) {
	out, err := m.run(ctx, nil, m.identifyPath, path)
	if err != nil {
		return ImageMetadata{}, err
	}
	return parseIdentify(out)
}

func parseIdentify(out []byte) (ImageMetadata, error) {
	match := identifyRegex.FindSubmatch(out)
	if match == nil {
		return ImageMetadata{}, fmt.Errorf("unrecognized identify output: %q", strings.TrimSpace(string(out)))
	}
	width, _ := strconv.Atoi(string(match[2]))
	height, _ := strconv.Atoi(string(match[3]))
	mime, ok := imageMagickTypes[string(match[1])]
	if !ok {
		mime = "application/octet-stream"
	}
	return ImageMetadata{Width: width, Height: height, MIMEType: mime}, nil
}

func (m *ImageMagick) run(ctx context.Context, stdin io.Reader, name string, args ...string) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = stdin
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%s failed: %w: %s", name, err, msg)
		}
		return nil, fmt.Errorf("%s failed: %w", name, err)
	}
	return stdout.Bytes(), nil
}

var (
	_ Thumbnailer = (*ImageMagick)(nil)
	_ FileScaler  = (*ImageMagick)(nil)
)
