// internal/codec/canonical.go
package codec

import (
	"sort"
	"strings"
	"unicode"
)

// CanonicalKey strips every non-alphanumeric rune from key and lowercases
// the rest, so run_id, runID, run-id and run__id all become "runid".
func CanonicalKey(key string) string {
	var sb strings.Builder
	sb.Grow(len(key))
	for _, r := range key {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			sb.WriteRune(unicode.ToLower(r))
		}
	}
	return sb.String()
}

// lookup returns the value of the first key (in sorted key order) whose
// canonical form equals canonical.
func lookup(obj map[string]any, canonical string) (any, bool) {
	want := CanonicalKey(canonical)
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if CanonicalKey(k) == want {
			return obj[k], true
		}
	}
	return nil, false
}
