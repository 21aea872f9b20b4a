package covers

import (
	"strconv"

	"github.com/adrien-f/covers/ident"
)

// OriginalKey is the cache key of the unscaled cover for id. Its
// no-content marker records that every source came up empty.
func OriginalKey(id ident.Identifier) string {
	return id.Key() + "/original"
}

// ScaledKey is the cache key of the cover for id scaled into width x height.
func ScaledKey(id ident.Identifier, width, height int) string {
	return id.Key() + "/" + strconv.Itoa(width) + "x" + strconv.Itoa(height)
}
