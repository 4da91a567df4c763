// internal/transport/framing.go
package transport

import (
	"bytes"
	"strconv"
	"strings"
	"unicode/utf8"

	"logroller/internal/pool"
)

// State is the per-connection framing state.
type State int

const (
	AwaitingHeaders State = iota
	AwaitingBody
	Dispatching
	Closed
)

func (s State) String() string {
	switch s {
	case AwaitingHeaders:
		return "awaiting_headers"
	case AwaitingBody:
		return "awaiting_body"
	case Dispatching:
		return "dispatching"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// Result is the outcome of feeding bytes to a Parser.
type Result int

const (
	NeedMore  Result = iota // keep reading
	Ready                   // full request available via Request()
	Malformed               // answer 400 bad_request and close
	TooLarge                // Content-Length above the limit; answer 413 and close
)

var headerDelimiter = []byte("\r\n\r\n")

// HardBodyLimit caps Content-Length when no limit is configured.
const HardBodyLimit int64 = 1 << 30

// Parser
// ------------------------------------------------------------
// Incremental request framing for one connection:
//
//	AwaitingHeaders --\r\n\r\n--> AwaitingBody --len(body)==Content-Length--> Dispatching
//
// Malformed header blocks are reported as soon as the delimiter is seen.
// Nothing here touches sockets, so every case is testable with byte
// slices.
type Parser struct {
	buf     *bytes.Buffer
	state   State
	maxBody int64

	bodyStart     int
	contentLength int
	req           Request
}

// NewParser returns a parser in AwaitingHeaders. maxBody <= 0 falls back
// to HardBodyLimit.
func NewParser(maxBody int64) *Parser {
	return &Parser{buf: pool.GetBody(), maxBody: maxBody}
}

func (p *Parser) State() State { return p.state }

// Feed appends data and advances the state machine.
func (p *Parser) Feed(data []byte) Result {
	switch p.state {
	case Dispatching:
		return Ready
	case Closed:
		return Malformed
	}
	p.buf.Write(data)

	if p.state == AwaitingHeaders {
		raw := p.buf.Bytes()
		end := bytes.Index(raw, headerDelimiter)
		if end < 0 {
			return NeedMore
		}
		req, ok := parseHead(raw[:end])
		if !ok {
			p.state = Closed
			return Malformed
		}
		p.req = req
		p.bodyStart = end + len(headerDelimiter)
		n := contentLength(req.Headers)
		limit := p.maxBody
		if limit <= 0 {
			limit = HardBodyLimit
		}
		if n > limit {
			p.state = Closed
			return TooLarge
		}
		p.contentLength = int(n)
		p.state = AwaitingBody
	}

	if p.buf.Len() < p.bodyStart+p.contentLength {
		return NeedMore
	}
	body := p.buf.Bytes()[p.bodyStart : p.bodyStart+p.contentLength]
	p.req.Body = append([]byte(nil), body...)
	p.state = Dispatching
	return Ready
}

// Request returns the parsed request once Feed reported Ready.
func (p *Parser) Request() Request { return p.req }

// Release returns the accumulation buffer to the pool and closes the
// parser.
func (p *Parser) Release() {
	if p.buf != nil {
		pool.PutBody(p.buf, 4*pool.ReadChunk)
		p.buf = nil
	}
	p.state = Closed
}

// parseHead parses the request line and header lines (everything before
// the blank line).
func parseHead(head []byte) (Request, bool) {
	if !utf8.Valid(head) {
		return Request{}, false
	}
	lines := strings.Split(string(head), "\r\n")

	parts := strings.Fields(lines[0])
	if len(parts) < 2 {
		return Request{}, false
	}
	req := Request{
		Method:  strings.ToUpper(parts[0]),
		Path:    parts[1],
		Headers: Header{},
	}
	if i := strings.IndexByte(req.Path, '?'); i >= 0 {
		req.RawQuery = req.Path[i+1:]
		req.Path = req.Path[:i]
	}

	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return Request{}, false
		}
		req.Headers.Set(strings.TrimSpace(name), strings.TrimSpace(value))
	}
	return req, true
}

// contentLength is 0 when the header is absent or not a non-negative
// integer.
func contentLength(h Header) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(h.Get("Content-Length")), 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
