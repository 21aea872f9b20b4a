package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/adrien-f/covers/ident"
)

const googleBooksBaseURL = "https://books.google.com/books"

const (
	jsonpPrefix = "CALLBACK("
	jsonpSuffix = ");"
	jsonpEmpty  = "CALLBACK({});"
)

var googleBooksPreference = []ident.Type{
	ident.GoogleBooksIDType,
	ident.ISBNType,
	ident.OCLCType,
	ident.LCCNType,
}

// GoogleBooks looks covers up with the Google Books dynamic links API.
type GoogleBooks struct {
	httpSource
}

// NewGoogleBooks creates a Google Books source.
func NewGoogleBooks(opts ...HTTPOption) *GoogleBooks {
	return &GoogleBooks{httpSource: newHTTPSource(googleBooksBaseURL, opts)}
}

// Name returns "googlebooks".
func (g *GoogleBooks) Name() string { return "googlebooks" }

// Lookup implements Source.
func (g *GoogleBooks) Lookup(ctx context.Context, ids []ident.Identifier) (*Image, error) {
	id, ok := choose(ids, googleBooksPreference...)
	if !ok {
		return nil, unsupported(g.Name(), googleBooksPreference...)
	}
	query, err := googleBooksQuery(id)
	if err != nil {
		return nil, err
	}

	u := g.baseURL + "?jscmd=viewapi&bibkeys=" + url.QueryEscape(query) + "&callback=CALLBACK&zoom=0"
	body, _, found, err := g.getBody(ctx, u, maxAPIResponseSize)
	if err != nil || !found {
		return nil, err
	}

	coverURL, err := parseViewAPIResponse(body, query)
	if err != nil || coverURL == "" {
		return nil, err
	}
	return g.fetchImage(ctx, id, coverURL)
}

// googleBooksQuery builds the bibkey for id: Google ids are used as is,
// the others are prefixed with their type.
func googleBooksQuery(id ident.Identifier) (string, error) {
	v, err := id.Value()
	if err != nil {
		return "", err
	}
	if id.Type() == ident.GoogleBooksIDType {
		return v, nil
	}
	return id.Type().String() + ":" + v, nil
}

type viewAPIEntry struct {
	BibKey       string `json:"bib_key"`
	InfoURL      string `json:"info_url"`
	PreviewURL   string `json:"preview_url"`
	ThumbnailURL string `json:"thumbnail_url"`
	Preview      string `json:"preview"`
}

// parseViewAPIResponse extracts the thumbnail URL for query from a JSONP
// answer such as CALLBACK({"ISBN:1234": {"thumbnail_url": "..."}});
// An empty string means the book or its thumbnail is unknown.
func parseViewAPIResponse(body []byte, query string) (string, error) {
	s := strings.TrimSpace(string(body))
	if s == jsonpEmpty {
		return "", nil
	}
	if !strings.HasPrefix(s, jsonpPrefix) || !strings.HasSuffix(s, jsonpSuffix) {
		return "", fmt.Errorf("unexpected response from Google Books: %.64q", s)
	}
	s = strings.TrimSuffix(strings.TrimPrefix(s, jsonpPrefix), jsonpSuffix)

	var entries map[string]viewAPIEntry
	if err := json.Unmarshal([]byte(s), &entries); err != nil {
		return "", fmt.Errorf("failed to decode Google Books response: %w", err)
	}
	return strings.TrimSpace(entries[query].ThumbnailURL), nil
}

var _ Source = (*GoogleBooks)(nil)
