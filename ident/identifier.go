// Package ident defines the typed identifiers a cover can be requested by.
package ident

import (
	"errors"
	"fmt"
	"strings"
)

// Type is the external namespace an identifier belongs to.
type Type int

const (
	ISBNType Type = iota
	OCLCType
	LCCNType
	GoogleBooksIDType
	UPCType
	MBIDType // MusicBrainz release id
	ArtistAlbumType
)

var typeNames = [...]string{
	ISBNType:          "ISBN",
	OCLCType:          "OCLC",
	LCCNType:          "LCCN",
	GoogleBooksIDType: "GOOGLE_BOOKS_ID",
	UPCType:           "UPC",
	MBIDType:          "MBID",
	ArtistAlbumType:   "ARTIST_ALBUM",
}

func (t Type) String() string {
	if t < 0 || int(t) >= len(typeNames) {
		return fmt.Sprintf("Type(%d)", int(t))
	}
	return typeNames[t]
}

// ParseType returns the Type with the given name (case-insensitive).
func ParseType(name string) (Type, error) {
	for i, n := range typeNames {
		if strings.EqualFold(n, name) {
			return Type(i), nil
		}
	}
	return 0, fmt.Errorf("unknown identifier type %q", name)
}

// ErrMultiValued is returned by Value for identifiers that carry more than one value.
var ErrMultiValued = errors.New("identifier has more than one value")

// keySeparator joins the type name and the values of a key.
const keySeparator = "/"

// Identifier names an item in one external namespace. The zero value is not valid.
type Identifier struct {
	typ    Type
	values []string
	key    string
}

func newIdentifier(t Type, values ...string) Identifier {
	id := Identifier{typ: t, values: values}
	var sb strings.Builder
	sb.WriteString(t.String())
	for _, v := range values {
		sb.WriteString(keySeparator)
		sb.WriteString(escapeValue(v))
	}
	id.key = sb.String()
	return id
}

// escapeValue keeps keys injective when a value contains the separator.
func escapeValue(v string) string {
	if !strings.ContainsAny(v, "%/") {
		return v
	}
	v = strings.ReplaceAll(v, "%", "%25")
	return strings.ReplaceAll(v, "/", "%2F")
}

// Constructors, one per Type.

func ISBN(isbn string) Identifier { return newIdentifier(ISBNType, isbn) }
func OCLC(oclc string) Identifier { return newIdentifier(OCLCType, oclc) }
func LCCN(lccn string) Identifier { return newIdentifier(LCCNType, lccn) }
func GoogleBooksID(id string) Identifier { return newIdentifier(GoogleBooksIDType, id) }
func UPC(upc string) Identifier { return newIdentifier(UPCType, upc) }
func MBID(mbid string) Identifier { return newIdentifier(MBIDType, mbid) }
func Album(artist, album string) Identifier { return newIdentifier(ArtistAlbumType, artist, album) }

// New builds an identifier of the given type. ArtistAlbumType takes exactly
// two values (artist, album); every other type takes exactly one.
func New(t Type, values ...string) (Identifier, error) {
	want := 1
	if t == ArtistAlbumType {
		want = 2
	}
	if t < 0 || int(t) >= len(typeNames) {
		return Identifier{}, fmt.Errorf("unknown identifier type %d", int(t))
	}
	if len(values) != want {
		return Identifier{}, fmt.Errorf("%s identifier takes %d value(s), got %d", t, want, len(values))
	}
	return newIdentifier(t, append([]string(nil), values...)...), nil
}

// Type returns the identifier's namespace.
func (id Identifier) Type() Type {
	return id.typ
}

// Value returns the single value of the identifier. It fails with
// ErrMultiValued for artist/album identifiers.
func (id Identifier) Value() (string, error) {
	if id.typ == ArtistAlbumType || len(id.values) != 1 {
		return "", fmt.Errorf("%s: %w", id.key, ErrMultiValued)
	}
	return id.values[0], nil
}

// Values returns a copy of all values, in order.
func (id Identifier) Values() []string {
	return append([]string(nil), id.values...)
}

// Key returns the canonical string form used for equality and cache keys.
func (id Identifier) Key() string {
	return id.key
}

func (id Identifier) String() string {
	return id.key
}

// Equal reports whether both identifiers have the same key.
func (id Identifier) Equal(other Identifier) bool {
	return id.key == other.key
}

// IsZero reports whether id was never initialized.
func (id Identifier) IsZero() bool {
	return id.key == ""
}

// FirstOfType returns the first identifier of type t in ids.
func FirstOfType(ids []Identifier, t Type) (Identifier, bool) {
	for _, id := range ids {
		if id.typ == t {
			return id, true
		}
	}
	return Identifier{}, false
}
