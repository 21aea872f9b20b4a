package ident

import (
	"net/url"
	"strings"
)

// queryParams lists the request parameters understood by FromQuery, in the
// order identifiers are produced.
var queryParams = []struct {
	name string
	typ  Type
}{
	{"isbn", ISBNType},
	{"oclc", OCLCType},
	{"lccn", LCCNType},
	{"gbid", GoogleBooksIDType},
	{"upc", UPCType},
	{"mbid", MBIDType},
}

// FromQuery extracts identifiers from request parameters. Repeated
// parameters and comma separated lists are both accepted. An artist/album
// identifier is produced only when both "artist" and "album" are present.
func FromQuery(q url.Values) []Identifier {
	var ids []Identifier
	seen := make(map[string]bool)
	add := func(id Identifier) {
		if !seen[id.Key()] {
			seen[id.Key()] = true
			ids = append(ids, id)
		}
	}

	for _, p := range queryParams {
		for _, raw := range q[p.name] {
			for _, v := range strings.Split(raw, ",") {
				v = strings.TrimSpace(v)
				if v == "" {
					continue
				}
				add(newIdentifier(p.typ, v))
			}
		}
	}

	artist := strings.TrimSpace(q.Get("artist"))
	album := strings.TrimSpace(q.Get("album"))
	if artist != "" && album != "" {
		add(Album(artist, album))
	}
	return ids
}
