// internal/transport/response.go
package transport

import (
	"bytes"
	"net/http"
	"strconv"
)

// reasonPhrase falls back to "HTTP" for codes without a standard text.
func reasonPhrase(status int) string {
	if text := http.StatusText(status); text != "" {
		return text
	}
	return "HTTP"
}

// Serialize renders r as an HTTP/1.1 response, adding Content-Length and
// Connection: close when the handler did not set them.
func (r Response) Serialize() []byte {
	headers := Header{}
	for k, v := range r.Headers {
		headers[k] = v
	}
	if !headers.Has("Content-Length") {
		headers["Content-Length"] = strconv.Itoa(len(r.Body))
	}
	if !headers.Has("Connection") {
		headers["Connection"] = "close"
	}

	var buf bytes.Buffer
	buf.Grow(128 + len(r.Body))
	buf.WriteString("HTTP/1.1 ")
	buf.WriteString(strconv.Itoa(r.Status))
	buf.WriteByte(' ')
	buf.WriteString(reasonPhrase(r.Status))
	buf.WriteString("\r\n")
	for _, name := range headers.sortedNames() {
		buf.WriteString(name)
		buf.WriteString(": ")
		buf.WriteString(headers[name])
		buf.WriteString("\r\n")
	}
	buf.WriteString("\r\n")
	buf.Write(r.Body)
	return buf.Bytes()
}

// jsonError builds the transport's own error responses, which never
// reach the router.
func jsonError(status int, code string) Response {
	return Response{
		Status:  status,
		Headers: Header{"Content-Type": "application/json"},
		Body:    []byte(`{"ok":false,"error":"` + code + `"}`),
	}
}
