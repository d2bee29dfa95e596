package proxy

import (
	"fmt"
	"html"
	"net/http"
	"strconv"
	"strings"
	"time"

	"burrow/internal/httpio"
	perrors "burrow/pkg/errors"
)

// Response is a header the proxy answers with directly, together with its
// (possibly empty) body. Filters return one to short-circuit a request.
type Response struct {
	Header *httpio.Header
	Body   []byte
}

// pageGenerator builds the proxy's own responses: error pages and the
// replies it sends without asking an upstream server.
type pageGenerator struct {
	identity string
	now      func() time.Time
}

func newPageGenerator(identity string) *pageGenerator {
	return &pageGenerator{identity: identity, now: time.Now}
}

// header returns a response header with the fields every generated
// response carries.
func (g *pageGenerator) header(status int) *httpio.Header {
	h := httpio.NewResponse("HTTP/1.1", status, http.StatusText(status))
	h.Set("Date", g.now().UTC().Format(http.TimeFormat))
	h.Set("Server", g.identity)
	return h
}

func (g *pageGenerator) page(status int, message, detail string) *Response {
	title := fmt.Sprintf("%d %s", status, http.StatusText(status))

	var b strings.Builder
	b.WriteString("<html><head><title>")
	b.WriteString(title)
	b.WriteString("</title></head><body><h1>")
	b.WriteString(title)
	b.WriteString("</h1><p>")
	b.WriteString(html.EscapeString(message))
	b.WriteString("</p>")
	if detail != "" {
		b.WriteString("<pre>")
		b.WriteString(html.EscapeString(detail))
		b.WriteString("</pre>")
	}
	b.WriteString("<hr><address>")
	b.WriteString(html.EscapeString(g.identity))
	b.WriteString("</address></body></html>\n")

	h := g.header(status)
	h.Set("Content-Type", "text/html; charset=utf-8")
	h.Set("Content-Length", strconv.Itoa(b.Len()))
	h.Set("Pragma", "no-cache")
	h.Set("Cache-Control", "no-store")
	return &Response{Header: h, Body: []byte(b.String())}
}

func (g *pageGenerator) badRequest(err error) *Response {
	return g.page(http.StatusBadRequest, "Your request could not be understood.", errText(err))
}

func (g *pageGenerator) forbidden() *Response {
	return g.page(http.StatusForbidden, "Access to the requested resource is not allowed.", "")
}

func (g *pageGenerator) uriTooLong() *Response {
	return g.page(http.StatusRequestURITooLong, "The request line is too long.", "")
}

func (g *pageGenerator) gatewayTimeout(uri string, err error) *Response {
	return g.page(http.StatusGatewayTimeout,
		"The proxy could not fetch "+uri+".", errText(err))
}

func (g *pageGenerator) internalError(uri string, err error, debug string) *Response {
	return g.page(http.StatusInternalServerError,
		"The proxy failed while handling "+uri+".", errText(err)+"\n\n"+debug)
}

// forError picks the page matching the status an error maps to.
func (g *pageGenerator) forError(uri string, err error) *Response {
	switch status := perrors.StatusOf(err); status {
	case http.StatusBadRequest:
		return g.badRequest(err)
	case http.StatusRequestURITooLong:
		return g.uriTooLong()
	case http.StatusForbidden:
		return g.forbidden()
	case http.StatusGatewayTimeout, http.StatusBadGateway:
		return g.gatewayTimeout(uri, err)
	default:
		return g.page(status, "The request failed.", errText(err))
	}
}

// notModified builds the 304 sent to a client whose own conditional
// request matches the cached response.
func (g *pageGenerator) notModified(cached *httpio.Header) *Response {
	h := g.header(http.StatusNotModified)
	for _, name := range []string{"ETag", "Content-Location", "Expires", "Cache-Control", "Vary", "Last-Modified"} {
		if v := cached.Get(name); v != "" {
			h.Set(name, v)
		}
	}
	return &Response{Header: h}
}

// connectionEstablished is the reply that turns a client connection into
// a tunnel.
func (g *pageGenerator) connectionEstablished() *httpio.Header {
	h := httpio.NewResponse("HTTP/1.0", http.StatusOK, "Connection established")
	h.Set("Proxy-agent", g.identity)
	return h
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
