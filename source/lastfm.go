package source

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/adrien-f/covers/ident"
)

const lastFMBaseURL = "https://ws.audioscrobbler.com/2.0/"

var lastFMPreference = []ident.Type{
	ident.MBIDType,
	ident.ArtistAlbumType,
}

// LastFM looks album art up with the Last.fm album.getinfo method.
type LastFM struct {
	httpSource
	apiKey string
}

// NewLastFM creates a Last.fm source. An API key is required.
func NewLastFM(apiKey string, opts ...HTTPOption) (*LastFM, error) {
	if apiKey == "" {
		return nil, errors.New("lastfm: api key is required")
	}
	return &LastFM{httpSource: newHTTPSource(lastFMBaseURL, opts), apiKey: apiKey}, nil
}

// Name returns "lastfm".
func (l *LastFM) Name() string { return "lastfm" }

// Lookup implements Source.
func (l *LastFM) Lookup(ctx context.Context, ids []ident.Identifier) (*Image, error) {
	id, ok := choose(ids, lastFMPreference...)
	if !ok {
		return nil, unsupported(l.Name(), lastFMPreference...)
	}

	params := url.Values{}
	params.Set("method", "album.getinfo")
	params.Set("api_key", l.apiKey)
	if id.Type() == ident.MBIDType {
		v, _ := id.Value()
		params.Set("mbid", v)
	} else {
		values := id.Values()
		params.Set("artist", values[0])
		params.Set("album", values[1])
	}

	body, _, found, err := l.getBody(ctx, l.baseURL+"?"+params.Encode(), maxAPIResponseSize)
	if err != nil || !found {
		return nil, err
	}

	info, err := parseAlbumInfo(body)
	if err != nil {
		return nil, err
	}
	coverURL := info.megaImageURL()
	if coverURL == "" {
		return nil, nil
	}
	return l.fetchImage(ctx, id, coverURL)
}

// albumInfoResponse is the part of an album.getinfo answer we read:
//
//	<lfm status="ok"><album><image size="mega">URL</image></album></lfm>
type albumInfoResponse struct {
	XMLName xml.Name `xml:"lfm"`
	Status  string   `xml:"status,attr"`
	Album   *struct {
		Images []struct {
			Size string `xml:"size,attr"`
			URL  string `xml:",chardata"`
		} `xml:"image"`
	} `xml:"album"`
}

func parseAlbumInfo(body []byte) (*albumInfoResponse, error) {
	var r albumInfoResponse
	if err := xml.Unmarshal(body, &r); err != nil {
		return nil, fmt.Errorf("failed to decode Last.fm response: %w", err)
	}
	return &r, nil
}

func (r *albumInfoResponse) found() bool {
	return r.Status == "ok"
}

// megaImageURL returns the trimmed URL of the "mega" image, or "" if the
// album was not found or has none.
func (r *albumInfoResponse) megaImageURL() string {
	if !r.found() || r.Album == nil {
		return ""
	}
	for _, img := range r.Album.Images {
		if img.Size == "mega" {
			return strings.TrimSpace(img.URL)
		}
	}
	return ""
}

var _ Source = (*LastFM)(nil)
