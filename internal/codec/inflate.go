// internal/codec/inflate.go
package codec

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// ErrBodyTooLarge is returned when an inflated body exceeds the limit.
var ErrBodyTooLarge = errors.New("inflated body too large")

// InflateBody undoes a gzip Content-Encoding. Identity (or empty)
// encodings are returned unchanged; anything else is rejected.
func InflateBody(body []byte, contentEncoding string, limit int64) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(contentEncoding)) {
	case "", "identity":
		return body, nil
	case "gzip", "x-gzip":
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", contentEncoding)
	}

	zr, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	defer zr.Close()

	var r io.Reader = zr
	if limit > 0 {
		r = io.LimitReader(zr, limit+1)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	if limit > 0 && int64(len(out)) > limit {
		return nil, ErrBodyTooLarge
	}
	return out, nil
}
