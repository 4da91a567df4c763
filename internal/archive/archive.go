// Package archive exports a whole run as gzip NDJSON, to a local file or
// to S3.
package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"logroller/internal/store"
)

// Uploader is satisfied by *S3Uploader.
type Uploader interface {
	UploadBytesWithRetryCtx(ctx context.Context, key string, body []byte) error
}

// Exporter reads runs through the store, never from disk directly.
type Exporter struct {
	store  store.EventStore
	prefix string
	now    func() time.Time
}

func NewExporter(st store.EventStore, prefix string) *Exporter {
	return &Exporter{store: st, prefix: prefix, now: time.Now}
}

// Export is the result of encoding one run.
type Export struct {
	RunID  string
	Events int
	Data   []byte
}

// Encode collects every event of runID, oldest first.
func (e *Exporter) Encode(ctx context.Context, runID string) (Export, error) {
	events, err := e.store.Events(ctx, runID, "", 0)
	if err != nil {
		return Export{}, fmt.Errorf("read run %s: %w", runID, err)
	}
	data, err := EncodeRunJSONLGZ(events)
	if err != nil {
		return Export{}, fmt.Errorf("encode run %s: %w", runID, err)
	}
	return Export{RunID: runID, Events: len(events), Data: data}, nil
}

// WriteFile stores x at path, creating parent directories.
func WriteFile(path string, x Export) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, x.Data, 0o644)
}

// Key builds a fresh partitioned object key for runID.
func (e *Exporter) Key(runID string) string {
	now := e.now()
	return BuildS3Key(e.prefix, NewFilename(runID, now), now)
}

// Upload sends x under a fresh key and returns that key.
func (e *Exporter) Upload(ctx context.Context, u Uploader, x Export) (string, error) {
	key := e.Key(x.RunID)
	if err := u.UploadBytesWithRetryCtx(ctx, key, x.Data); err != nil {
		return "", err
	}
	return key, nil
}
