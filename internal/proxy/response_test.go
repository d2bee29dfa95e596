package proxy

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"burrow/internal/httpio"
	perrors "burrow/pkg/errors"
)

func TestPages(t *testing.T) {
	g := newPageGenerator("burrow-test")
	g.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }

	resp := g.badRequest(perrors.BadRequest("no <method>"))
	h := resp.Header
	assert.Equal(t, 400, h.StatusCode())
	assert.Equal(t, "Bad Request", h.Reason())
	assert.Equal(t, "burrow-test", h.Get("Server"))
	assert.Equal(t, "Wed, 01 May 2024 12:00:00 GMT", h.Get("Date"))
	assert.Equal(t, "no-store", h.Get("Cache-Control"))
	assert.Equal(t, strconv.Itoa(len(resp.Body)), h.Get("Content-Length"))
	assert.Contains(t, string(resp.Body), "no &lt;method&gt;")
	assert.NotContains(t, string(resp.Body), "<method>")
}

func TestPageForError(t *testing.T) {
	g := newPageGenerator("burrow")

	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "bad request", err: perrors.BadRequest("bad"), want: http.StatusBadRequest},
		{name: "forbidden", err: perrors.Forbidden("no"), want: http.StatusForbidden},
		{
			name: "upstream unavailable",
			err:  perrors.UpstreamUnavailable("http://example.com/", 5, errors.New("refused")),
			want: http.StatusGatewayTimeout,
		},
		{name: "plain error", err: errors.New("boom"), want: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := g.forError("http://example.com/", tt.err)
			assert.Equal(t, tt.want, resp.Header.StatusCode())
		})
	}
}

func TestConnectionEstablished(t *testing.T) {
	h := newPageGenerator("burrow").connectionEstablished()
	assert.Equal(t, "HTTP/1.0 200 Connection established", h.FirstLine())
	assert.Equal(t, "burrow", h.Get("Proxy-agent"))
}

type stubHandler struct{ name string }

func (h *stubHandler) Handle(context.Context) error { return nil }
func (h *stubHandler) ChangesContentSize() bool     { return true }

func TestHandlerRegistry(t *testing.T) {
	hr := newHandlerRegistry()
	hr.register("text/html", HandlerFactoryFunc(func(*HandlerRequest) Handler { return &stubHandler{name: "html"} }))
	hr.register("Text/Plain; charset=utf-8", HandlerFactoryFunc(func(*HandlerRequest) Handler { return &stubHandler{name: "utf8"} }))

	pick := func(mayFilter bool, contentType string) string {
		resp := httpio.NewResponse("HTTP/1.1", 200, "OK")
		if contentType != "" {
			resp.Set("Content-Type", contentType)
		}
		h := hr.factoryFor(mayFilter, resp).NewHandler(&HandlerRequest{})
		if s, ok := h.(*stubHandler); ok {
			return s.name
		}
		require.IsType(t, &BaseHandler{}, h)
		return "base"
	}

	assert.Equal(t, "html", pick(true, "text/html"))
	assert.Equal(t, "html", pick(true, "text/html; charset=iso-8859-1"))
	assert.Equal(t, "utf8", pick(true, "text/plain; charset=UTF-8"))
	assert.Equal(t, "base", pick(true, "text/plain"))
	assert.Equal(t, "base", pick(true, ""))
	assert.Equal(t, "base", pick(false, "text/html"))
}
