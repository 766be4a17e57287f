package model

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// HashInput returns the deterministic event key for a serialized input:
// SHA-256 truncated to 128 bits, hex encoded.
func HashInput(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:16])
}

// HashTags returns a stable key for a tag set, independent of map order.
func HashTags(tags map[string]string) string {
	return HashInput([]byte(CanonicalTags(tags)))
}

// CanonicalTags renders tags as sorted "k=v" pairs joined by ",".
func CanonicalTags(tags map[string]string) string {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + tags[k]
	}
	return strings.Join(parts, ",")
}

// TagsMatch reports whether every entry of want is present in have.
func TagsMatch(have, want map[string]string) bool {
	for k, v := range want {
		if hv, ok := have[k]; !ok || hv != v {
			return false
		}
	}
	return true
}
