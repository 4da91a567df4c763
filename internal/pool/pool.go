package pool

import (
	"bytes"
	"sync"

	"github.com/klauspost/compress/gzip"
)

// ---------------------------------------------------------------
// Buffers shared by the transport (per-connection request
// accumulation) and the archive encoder (gzip output). Connections
// and exports are short-lived, so reusing their buffers keeps
// allocation flat under bursts of device traffic.
// ---------------------------------------------------------------

var (
	// BodyPool:
	//   - accumulates raw request bytes (headers + body) per connection
	//   - 4KB initial capacity covers most single-event posts
	BodyPool = sync.Pool{
		New: func() any {
			return bytes.NewBuffer(make([]byte, 0, 4*1024))
		},
	}

	// ReadPool:
	//   - fixed-size scratch slices for conn.Read
	ReadPool = sync.Pool{
		New: func() any {
			b := make([]byte, ReadChunk)
			return &b
		},
	}

	// BufferPool:
	//   - gzip output of a run export
	//   - 256KB initial capacity
	BufferPool = sync.Pool{
		New: func() any {
			return bytes.NewBuffer(make([]byte, 0, 256*1024))
		},
	}

	// GzipPool:
	//   - reused gzip.Writer; BestSpeed since exports are interactive
	GzipPool = sync.Pool{
		New: func() any {
			w, _ := gzip.NewWriterLevel(nil, gzip.BestSpeed)
			return w
		},
	}
)

// ReadChunk is the size of one conn.Read.
const ReadChunk = 64 * 1024

// MaxBufferCap bounds what PutBuffer keeps; larger buffers go to the GC.
const MaxBufferCap = 1 * 1024 * 1024 // 1MB

// GetBody returns an empty accumulation buffer.
func GetBody() *bytes.Buffer {
	buf := BodyPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

// PutBody returns buf unless it grew beyond maxCap.
func PutBody(buf *bytes.Buffer, maxCap int64) {
	if int64(buf.Cap()) <= maxCap {
		buf.Reset()
		BodyPool.Put(buf)
	}
}

func GetRead() *[]byte {
	return ReadPool.Get().(*[]byte)
}

func PutRead(b *[]byte) {
	ReadPool.Put(b)
}

// PutBuffer returns a gzip output buffer of at most MaxBufferCap.
func PutBuffer(buf *bytes.Buffer) {
	if buf.Cap() <= MaxBufferCap {
		buf.Reset()
		BufferPool.Put(buf)
	}
}
