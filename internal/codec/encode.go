// internal/codec/encode.go
package codec

import (
	"bytes"

	"logroller/internal/model"

	json "github.com/goccy/go-json"
)

// EncodeLine renders ev as one newline-terminated NDJSON line.
func EncodeLine(ev model.StoredEvent) ([]byte, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// Marshal is the canonical JSON encoder used for wire bodies and CLI
// output.
func Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// MarshalIndent is used by the CLI for human-facing output.
func MarshalIndent(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
