package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/adrien-f/covers/ident"
	"github.com/adrien-f/covers/thumbnail"
	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"
)

const coverExt = ".jpg"

// Filesystem serves covers from a directory tree maintained by other
// processes. The cover for UPC 0123 lives at <root>/UPC/0123.jpg.
type Filesystem struct {
	root     string
	identify MetadataReader
}

// MetadataReader reads image metadata from a file. *thumbnail.ImageMagick
// implements it.
type MetadataReader interface {
	Identify(ctx context.Context, path string) (thumbnail.ImageMetadata, error)
}

// NewFilesystem creates a filesystem source rooted at root.
func NewFilesystem(root string) (*Filesystem, error) {
	if root == "" {
		return nil, errors.New("filesystem: root directory is required")
	}
	return &Filesystem{root: root}, nil
}

// Name returns "filesystem".
func (f *Filesystem) Name() string { return "filesystem" }

// Root returns the directory covers are read from.
func (f *Filesystem) Root() string { return f.root }

// SetMetadataReader makes Lookup fall back to r for covers whose format
// the standard decoders do not understand. It must be called before the
// source is used.
func (f *Filesystem) SetMetadataReader(r MetadataReader) { f.identify = r }

// Path returns where the cover for id would be stored.
func (f *Filesystem) Path(id ident.Identifier) string {
	// Key escapes "/" inside values, so the only separator is the one
	// between the type and the value.
	return filepath.Join(f.root, filepath.FromSlash(id.Key())+coverExt)
}

// Lookup implements Source.
func (f *Filesystem) Lookup(ctx context.Context, ids []ident.Identifier) (*Image, error) {
	id, ok := ident.FirstOfType(ids, ident.UPCType)
	if !ok {
		return nil, unsupported(f.Name(), ident.UPCType)
	}

	path := f.Path(id)
	file, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	im, err := thumbnail.Metadata(file)
	file.Close()
	if err != nil && f.identify != nil {
		im, err = f.identify.Identify(ctx, path)
	}
	if err != nil {
		return nil, fmt.Errorf("unreadable cover %s: %w", path, err)
	}

	md := Metadata{Width: im.Width, Height: im.Height, MIMEType: im.MIMEType}
	return NewImage(id, md, func(context.Context) (io.ReadCloser, error) {
		return os.Open(path)
	}), nil
}

// Watch reports identifiers whose cover file is created or rewritten until
// ctx is done. It lets a caller forget no-content markers for covers that
// show up after they were first looked up.
func (f *Filesystem) Watch(ctx context.Context, logger logr.Logger, onChange func(ident.Identifier)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	upcDir := filepath.Join(f.root, ident.UPCType.String())
	if err := watcher.Add(f.root); err != nil {
		return fmt.Errorf("failed to watch %s: %w", f.root, err)
	}
	// The UPC directory may not exist yet; it is picked up on creation.
	if _, err := os.Stat(upcDir); err == nil {
		if err := watcher.Add(upcDir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", upcDir, err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error(err, "Filesystem watcher error", "root", f.root)
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if event.Name == upcDir {
				if err := watcher.Add(upcDir); err != nil {
					logger.Error(err, "Failed to watch directory", "path", upcDir)
				}
				continue
			}
			if id, ok := f.identifierFor(event.Name); ok {
				logger.V(1).Info("Cover file changed", "id", id.String(), "path", event.Name)
				onChange(id)
			}
		}
	}
}

// identifierFor maps a cover path back to its identifier.
func (f *Filesystem) identifierFor(path string) (ident.Identifier, bool) {
	if filepath.Dir(path) != filepath.Join(f.root, ident.UPCType.String()) {
		return ident.Identifier{}, false
	}
	name := filepath.Base(path)
	if !strings.HasSuffix(name, coverExt) {
		return ident.Identifier{}, false
	}
	value, err := url.PathUnescape(strings.TrimSuffix(name, coverExt))
	if err != nil || value == "" {
		return ident.Identifier{}, false
	}
	return ident.UPC(value), true
}

var (
	_ Source         = (*Filesystem)(nil)
	_ MetadataReader = (*thumbnail.ImageMagick)(nil)
)
