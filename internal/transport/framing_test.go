package transport

import (
	"strings"
	"testing"
)

func TestParser_SplitAcrossReads(t *testing.T) {
	p := NewParser(0)
	defer p.Release()

	raw := "POST /ingest?x=1 HTTP/1.1\r\nHost: localhost\r\nContent-Length: 11\r\n\r\nhello world"
	for i := 0; i < len(raw)-1; i++ {
		if r := p.Feed([]byte{raw[i]}); r != NeedMore {
			t.Fatalf("byte %d: got %v, want NeedMore", i, r)
		}
	}
	if r := p.Feed([]byte{raw[len(raw)-1]}); r != Ready {
		t.Fatalf("last byte: got %v, want Ready", r)
	}
	if p.State() != Dispatching {
		t.Fatalf("state = %v", p.State())
	}
	req := p.Request()
	if req.Method != "POST" || req.Path != "/ingest" || req.RawQuery != "x=1" {
		t.Fatalf("request line = %q %q %q", req.Method, req.Path, req.RawQuery)
	}
	if got := req.Headers.Get("content-length"); got != "11" {
		t.Fatalf("header lookup = %q", got)
	}
	if string(req.Body) != "hello world" {
		t.Fatalf("body = %q", req.Body)
	}
}

func TestParser_WaitsForBody(t *testing.T) {
	p := NewParser(0)
	defer p.Release()

	if r := p.Feed([]byte("POST /ingest HTTP/1.1\r\nContent-Length: 4\r\n\r\nab")); r != NeedMore {
		t.Fatalf("got %v, want NeedMore", r)
	}
	if p.State() != AwaitingBody {
		t.Fatalf("state = %v", p.State())
	}
	if r := p.Feed([]byte("cd")); r != Ready {
		t.Fatalf("got %v, want Ready", r)
	}
	if string(p.Request().Body) != "abcd" {
		t.Fatalf("body = %q", p.Request().Body)
	}
}

func TestParser_ContentLength(t *testing.T) {
	cases := map[string]string{
		"absent":   "GET /healthz HTTP/1.1\r\nHost: x\r\n\r\n",
		"garbage":  "GET /healthz HTTP/1.1\r\nContent-Length: lots\r\n\r\n",
		"negative": "GET /healthz HTTP/1.1\r\nContent-Length: -3\r\n\r\n",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			p := NewParser(0)
			defer p.Release()
			if r := p.Feed([]byte(raw)); r != Ready {
				t.Fatalf("got %v, want Ready", r)
			}
			if len(p.Request().Body) != 0 {
				t.Fatalf("body = %q", p.Request().Body)
			}
		})
	}
}

func TestParser_Malformed(t *testing.T) {
	cases := map[string]string{
		"header without colon": "GET / HTTP/1.1\r\nHost localhost\r\n\r\n",
		"short request line":   "GET\r\n\r\n",
		"invalid utf8":         "GET /\xff HTTP/1.1\r\n\r\n",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			p := NewParser(0)
			defer p.Release()
			if r := p.Feed([]byte(raw)); r != Malformed {
				t.Fatalf("got %v, want Malformed", r)
			}
			if p.State() != Closed {
				t.Fatalf("state = %v", p.State())
			}
		})
	}
}

func TestParser_MalformedBeforeBodyArrives(t *testing.T) {
	p := NewParser(0)
	defer p.Release()
	// declared body never sent; the bad header is enough
	if r := p.Feed([]byte("POST /ingest HTTP/1.1\r\nbroken\r\nContent-Length: 100\r\n\r\n")); r != Malformed {
		t.Fatalf("got %v, want Malformed", r)
	}
}

func TestParser_TooLarge(t *testing.T) {
	p := NewParser(10)
	defer p.Release()
	if r := p.Feed([]byte("POST /ingest HTTP/1.1\r\nContent-Length: 11\r\n\r\n")); r != TooLarge {
		t.Fatalf("got %v, want TooLarge", r)
	}
}

func TestParser_HugeContentLengthWithoutLimit(t *testing.T) {
	cases := []string{
		"9223372036854775807",
		"1073741825",
		"99999999999999999999",
	}
	for _, cl := range cases {
		t.Run(cl, func(t *testing.T) {
			p := NewParser(0)
			defer p.Release()
			r := p.Feed([]byte("POST /ingest HTTP/1.1\r\nContent-Length: " + cl + "\r\n\r\n"))
			if cl == "99999999999999999999" {
				// does not parse as int64, so it counts as absent
				if r != Ready {
					t.Fatalf("got %v, want Ready", r)
				}
				return
			}
			if r != TooLarge {
				t.Fatalf("got %v, want TooLarge", r)
			}
		})
	}
}

func TestParser_MethodUppercased(t *testing.T) {
	p := NewParser(0)
	defer p.Release()
	if r := p.Feed([]byte("get /healthz HTTP/1.1\r\n\r\n")); r != Ready {
		t.Fatalf("got %v", r)
	}
	if p.Request().Method != "GET" {
		t.Fatalf("method = %q", p.Request().Method)
	}
}

func TestResponse_Serialize(t *testing.T) {
	resp := Response{
		Status:  200,
		Headers: Header{"Content-Type": "application/json"},
		Body:    []byte(`{"ok":true}`),
	}
	got := string(resp.Serialize())
	want := "HTTP/1.1 200 OK\r\n" +
		"Connection: close\r\n" +
		"Content-Length: 11\r\n" +
		"Content-Type: application/json\r\n" +
		"\r\n" +
		`{"ok":true}`
	if got != want {
		t.Fatalf("got\n%q\nwant\n%q", got, want)
	}
}

func TestResponse_KeepsHandlerHeaders(t *testing.T) {
	resp := Response{
		Status:  599,
		Headers: Header{"content-length": "0", "connection": "close"},
	}
	got := string(resp.Serialize())
	if !strings.HasPrefix(got, "HTTP/1.1 599 HTTP\r\n") {
		t.Fatalf("status line: %q", got)
	}
	if strings.Count(strings.ToLower(got), "content-length") != 1 || strings.Count(strings.ToLower(got), "connection") != 1 {
		t.Fatalf("duplicated headers: %q", got)
	}
}

func TestParser_RepeatedHeaderKeepsLast(t *testing.T) {
	p := NewParser(0)
	defer p.Release()
	if r := p.Feed([]byte("GET / HTTP/1.1\r\nX-Device: a\r\nx-device: b\r\n\r\n")); r != Ready {
		t.Fatalf("got %v", r)
	}
	h := p.Request().Headers
	if len(h) != 1 || h.Get("X-DEVICE") != "b" {
		t.Fatalf("headers = %v", h)
	}
}
