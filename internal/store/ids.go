// internal/store/ids.go
package store

import (
	"fmt"
	"strings"
	"time"

	"logroller/internal/model"
)

// FallbackRunID is the run id generated for batches that name none:
// "run_" plus the receive time with ':' replaced by '-'.
func FallbackRunID(receivedAt time.Time) string {
	return "run_" + strings.ReplaceAll(model.RenderTime(receivedAt), ":", "-")
}

// resolveID returns the first candidate that is non-blank after
// trimming, or fallback.
func resolveID(fallback string, candidates ...*string) string {
	for _, c := range candidates {
		if c == nil {
			continue
		}
		if v := strings.TrimSpace(*c); v != "" {
			return v
		}
	}
	return fallback
}

// validID reports whether id is usable as a single path component.
func validID(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	return !strings.ContainsAny(id, "/\\\x00")
}

func checkID(kind, id string) error {
	if !validID(id) {
		return fmt.Errorf("%w: %s %q", ErrInvalidID, kind, id)
	}
	return nil
}
