package covers

import (
	"errors"
	"fmt"

	"github.com/adrien-f/covers/ident"
)

// ErrInvalidDimensions is returned when the bounding box is not strictly positive.
var ErrInvalidDimensions = errors.New("width and height must be positive")

// CacheError is returned when reading or writing the cache fails. The
// request is aborted rather than continued on a cache in an unknown state.
type CacheError struct {
	Op  string // store, get, delete, mark, check
	Key string
	Err error
}

func (e *CacheError) Error() string {
	return fmt.Sprintf("cache %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *CacheError) Unwrap() error {
	return e.Err
}

// ScalingError is returned when a cover could not be scaled.
type ScalingError struct {
	ID     ident.Identifier
	Width  int
	Height int
	Err    error
}

func (e *ScalingError) Error() string {
	return fmt.Sprintf("failed to scale cover for %s to %dx%d: %v", e.ID, e.Width, e.Height, e.Err)
}

func (e *ScalingError) Unwrap() error {
	return e.Err
}
