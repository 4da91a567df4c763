// internal/transport/http.go
package transport

import (
	"sort"
	"strings"
)

// Header is a case-insensitive view over a flat name → value map. Later
// duplicates of a request header overwrite earlier ones.
type Header map[string]string

// Get returns the value of name, matched case-insensitively.
func (h Header) Get(name string) string {
	if v, ok := h[name]; ok {
		return v
	}
	for k, v := range h {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// Has reports whether name is present, matched case-insensitively.
func (h Header) Has(name string) bool {
	if _, ok := h[name]; ok {
		return true
	}
	for k := range h {
		if strings.EqualFold(k, name) {
			return true
		}
	}
	return false
}

// Set replaces any existing spelling of name.
func (h Header) Set(name, value string) {
	for k := range h {
		if strings.EqualFold(k, name) {
			delete(h, k)
		}
	}
	h[name] = value
}

func (h Header) sortedNames() []string {
	names := make([]string, 0, len(h))
	for k := range h {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Request is one parsed HTTP/1.1 request. Path has its query string
// removed; Method is upper-cased.
type Request struct {
	Method     string
	Path       string
	RawQuery   string
	Headers    Header
	Body       []byte
	RemoteAddr string
}

// Response is what a Handler returns. Content-Length and
// Connection: close are added on the wire when missing.
type Response struct {
	Status  int
	Headers Header
	Body    []byte
}
