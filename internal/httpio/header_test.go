package httpio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderFields(t *testing.T) {
	h := NewRequest("GET", "http://example.com/", "HTTP/1.1")
	h.Add("Accept", "text/html")
	h.Add("Via", "1.1 a")
	h.Add("via", "1.1 b")

	assert.Equal(t, "1.1 a", h.Get("VIA"))
	assert.Equal(t, []string{"1.1 a", "1.1 b"}, h.GetAll("Via"))
	assert.Equal(t, []string{"Accept", "Via"}, h.Names())

	h.Set("Via", "1.1 c")
	assert.Equal(t, []string{"1.1 c"}, h.GetAll("via"))

	h.Add("Via", "1.1 d")
	h.RemoveValue("via", "1.1 C")
	assert.Equal(t, []string{"1.1 d"}, h.GetAll("Via"))

	h.Remove("via")
	assert.False(t, h.Has("Via"))
	assert.Equal(t, 1, h.Len())
}

func TestHeaderClone(t *testing.T) {
	h := NewResponse("HTTP/1.1", 200, "OK")
	h.Add("ETag", `"x"`)

	c := h.Clone()
	c.Set("ETag", `"y"`)
	c.SetStatus(304)

	assert.Equal(t, `"x"`, h.Get("ETag"))
	assert.Equal(t, 200, h.StatusCode())
	assert.Equal(t, 304, c.StatusCode())
}

func TestHeaderBytes(t *testing.T) {
	h := NewResponse("HTTP/1.1", 404, "Not Found")
	h.Add("Content-Length", "0")
	assert.Equal(t, "HTTP/1.1 404 Not Found\r\nContent-Length: 0\r\n\r\n", h.String())

	req := NewRequest("GET", "/old", "")
	assert.True(t, req.IsDot9())
	assert.Equal(t, "GET /old\r\n", req.String())

	dot9 := &Header{response: true}
	assert.Empty(t, dot9.Bytes())
}

func TestRequestLineParsing(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		method  string
		uri     string
		version string
	}{
		{name: "full", line: "GET http://a/b HTTP/1.1", method: "GET", uri: "http://a/b", version: "HTTP/1.1"},
		{name: "dot9", line: "GET /b", method: "GET", uri: "/b"},
		{name: "space in uri", line: "GET /a b HTTP/1.0", method: "GET", uri: "/a b", version: "HTTP/1.0"},
		{name: "method only", line: "GET", method: "GET"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &Header{}
			h.setRequestLine(tt.line)
			assert.Equal(t, tt.method, h.Method())
			assert.Equal(t, tt.uri, h.URI())
			assert.Equal(t, tt.version, h.Version())
		})
	}
}

func TestDirectives(t *testing.T) {
	h := NewResponse("HTTP/1.1", 200, "OK")
	h.Add("Cache-Control", `max-age=60, No-Store`)
	h.Add("Cache-Control", `private="x"`)

	d := h.Directives("cache-control")
	require.Len(t, d, 3)
	assert.Equal(t, "60", d["max-age"])
	assert.Equal(t, "x", d["private"])
	assert.True(t, h.HasToken("Cache-Control", "no-store"))
	assert.False(t, h.HasToken("Cache-Control", "no-cache"))
}

func TestKeepAliveFromHeaders(t *testing.T) {
	tests := []struct {
		name   string
		header func() *Header
		want   bool
	}{
		{
			name:   "request 1.1",
			header: func() *Header { return NewRequest("GET", "/", "HTTP/1.1") },
			want:   true,
		},
		{
			name: "request 1.1 close",
			header: func() *Header {
				h := NewRequest("GET", "/", "HTTP/1.1")
				h.Add("Connection", "close")
				return h
			},
			want: false,
		},
		{
			name:   "request 1.0",
			header: func() *Header { return NewRequest("GET", "/", "HTTP/1.0") },
			want:   false,
		},
		{
			name: "request 1.0 keep-alive",
			header: func() *Header {
				h := NewRequest("GET", "/", "HTTP/1.0")
				h.Add("Connection", "Keep-Alive")
				return h
			},
			want: true,
		},
		{
			name:   "request dot9",
			header: func() *Header { return NewRequest("GET", "/", "") },
			want:   false,
		},
		{
			name: "response with length",
			header: func() *Header {
				h := NewResponse("HTTP/1.1", 200, "OK")
				h.Add("Content-Length", "3")
				return h
			},
			want: true,
		},
		{
			name: "response chunked",
			header: func() *Header {
				h := NewResponse("HTTP/1.1", 200, "OK")
				h.Add("Transfer-Encoding", "chunked")
				return h
			},
			want: true,
		},
		{
			name:   "response unbounded",
			header: func() *Header { return NewResponse("HTTP/1.1", 200, "OK") },
			want:   false,
		},
		{
			name:   "response 304 without length",
			header: func() *Header { return NewResponse("HTTP/1.1", 304, "Not Modified") },
			want:   true,
		},
		{
			name: "response 1.0",
			header: func() *Header {
				h := NewResponse("HTTP/1.0", 200, "OK")
				h.Add("Content-Length", "3")
				return h
			},
			want: false,
		},
		{
			name: "proxy-connection close",
			header: func() *Header {
				h := NewResponse("HTTP/1.1", 200, "OK")
				h.Add("Content-Length", "3")
				h.Add("Proxy-Connection", "close")
				return h
			},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KeepAliveFromHeaders(tt.header()))
		})
	}
}

func TestContentLength(t *testing.T) {
	h := NewResponse("HTTP/1.1", 200, "OK")
	assert.Equal(t, int64(-1), ContentLength(h))

	h.Set("Content-Length", "12")
	assert.Equal(t, int64(12), ContentLength(h))

	h.Set("Content-Length", "twelve")
	assert.Equal(t, int64(-1), ContentLength(h))

	h.Set("Transfer-Encoding", "gzip, chunked")
	assert.True(t, IsChunked(h))

	h.SetVersion("HTTP/1.0")
	assert.False(t, IsChunked(h))
}
