// Package source defines the Source capability and its adapters for the
// external catalogs covers are looked up in.
package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"

	"github.com/adrien-f/covers/ident"
)

// ErrUnsupportedIdentifier is returned (possibly wrapped) by Lookup when none
// of the identifiers is of a type the source understands.
var ErrUnsupportedIdentifier = errors.New("no supported identifier type")

// Source looks covers up in one external catalog.
//
// Lookup picks the most preferred identifier it supports from ids and
// returns:
//   - an *Image tagged with the chosen identifier when a cover was found,
//   - (nil, nil) when the catalog has no cover for it,
//   - ErrUnsupportedIdentifier when no identifier is usable,
//   - any other error when the lookup itself failed.
type Source interface {
	Name() string
	Lookup(ctx context.Context, ids []ident.Identifier) (*Image, error)
}

// Metadata describes an image. Zero fields are unknown.
type Metadata struct {
	Width    int
	Height   int
	MIMEType string
}

// Image is a cover produced by a Source. It can be opened once.
type Image struct {
	ID       ident.Identifier
	Metadata Metadata

	open   func(ctx context.Context) (io.ReadCloser, error)
	opened atomic.Bool
}

// NewImage wraps an open function into an Image.
func NewImage(id ident.Identifier, md Metadata, open func(ctx context.Context) (io.ReadCloser, error)) *Image {
	return &Image{ID: id, Metadata: md, open: open}
}

// NewImageBytes returns an Image over an in-memory buffer.
func NewImageBytes(id ident.Identifier, md Metadata, data []byte) *Image {
	return NewImage(id, md, func(context.Context) (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	})
}

// Open returns the image bytes. A second call fails.
func (i *Image) Open(ctx context.Context) (io.ReadCloser, error) {
	if !i.opened.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("image for %s has already been consumed", i.ID)
	}
	return i.open(ctx)
}

// ReadAll opens the image and reads it fully.
func (i *Image) ReadAll(ctx context.Context) ([]byte, error) {
	rc, err := i.Open(ctx)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// choose returns the first identifier in ids of the most preferred type.
func choose(ids []ident.Identifier, preference ...ident.Type) (ident.Identifier, bool) {
	for _, t := range preference {
		if id, ok := ident.FirstOfType(ids, t); ok {
			return id, true
		}
	}
	return ident.Identifier{}, false
}

func unsupported(name string, preference ...ident.Type) error {
	names := make([]string, len(preference))
	for i, t := range preference {
		names[i] = t.String()
	}
	return fmt.Errorf("%s accepts %s: %w", name, strings.Join(names, ", "), ErrUnsupportedIdentifier)
}
