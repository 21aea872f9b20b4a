package source

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/adrien-f/covers/ident"
)

const openLibraryCoversBaseURL = "https://covers.openlibrary.org"

var openLibraryPreference = []ident.Type{
	ident.ISBNType,
	ident.OCLCType,
	ident.LCCNType,
}

// OpenLibrary fetches large covers from the Open Library covers API.
type OpenLibrary struct {
	httpSource
}

// NewOpenLibrary creates an Open Library source.
func NewOpenLibrary(opts ...HTTPOption) *OpenLibrary {
	return &OpenLibrary{httpSource: newHTTPSource(openLibraryCoversBaseURL, opts)}
}

// Name returns "openlibrary".
func (o *OpenLibrary) Name() string { return "openlibrary" }

// Lookup implements Source. default=false makes the API answer 404 instead
// of a blank image when it has no cover.
func (o *OpenLibrary) Lookup(ctx context.Context, ids []ident.Identifier) (*Image, error) {
	id, ok := choose(ids, openLibraryPreference...)
	if !ok {
		return nil, unsupported(o.Name(), openLibraryPreference...)
	}
	v, err := id.Value()
	if err != nil {
		return nil, err
	}

	u := fmt.Sprintf("%s/b/%s/%s-L.jpg?default=false",
		o.baseURL, strings.ToLower(id.Type().String()), url.PathEscape(v))
	return o.fetchImage(ctx, id, u)
}

var _ Source = (*OpenLibrary)(nil)
