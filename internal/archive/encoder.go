package archive

import (
	"bytes"
	"sort"

	"github.com/klauspost/compress/gzip"

	"logroller/internal/codec"
	"logroller/internal/model"
	"logroller/internal/pool"
)

// EncodeRunJSONLGZ writes events oldest first, one canonical line each,
// into a gzip stream. The returned slice is owned by the caller; the
// pooled buffer it was built in is recycled.
func EncodeRunJSONLGZ(events []model.StoredEvent) ([]byte, error) {
	ordered := make([]model.StoredEvent, len(events))
	copy(ordered, events)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].TS.Before(ordered[j].TS.Time)
	})

	buf := pool.BufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer pool.PutBuffer(buf)

	gz := pool.GzipPool.Get().(*gzip.Writer)
	gz.Reset(buf)
	defer pool.GzipPool.Put(gz)

	for _, ev := range ordered {
		line, err := codec.EncodeLine(ev)
		if err != nil {
			_ = gz.Close()
			return nil, err
		}
		if _, err := gz.Write(line); err != nil {
			_ = gz.Close()
			return nil, err
		}
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}

	raw := buf.Bytes()
	data := make([]byte, len(raw))
	copy(data, raw)
	return data, nil
}
