// internal/archive/naming.go
package archive

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// Export objects are named
//
//	<prefix>/dt=<YYYY-MM-DD>/hr=<HH>/<unix>_<run>_<counter>.jsonl.gz
//
// so a lexical listing of one partition is also chronological.
var globalCounter uint64

// NextCounter wraps at 1e6; unix seconds plus run id keep names unique.
func NextCounter() uint64 {
	return atomic.AddUint64(&globalCounter, 1) % 1_000_000
}

// NewFilename returns <unix>_<run>_<counter>.jsonl.gz.
func NewFilename(runID string, now time.Time) string {
	return fmt.Sprintf("%d_%s_%06d.jsonl.gz", now.Unix(), runID, NextCounter())
}

// BuildS3Key partitions by the UTC date and hour of now.
func BuildS3Key(prefix, filename string, now time.Time) string {
	now = now.UTC()
	key := fmt.Sprintf("dt=%s/hr=%s/%s", now.Format("2006-01-02"), now.Format("15"), filename)
	if prefix = strings.Trim(prefix, "/"); prefix != "" {
		key = prefix + "/" + key
	}
	return key
}
