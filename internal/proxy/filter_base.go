package proxy

import (
	"net/url"
	"strconv"
	"strings"

	"burrow/internal/httpio"
	perrors "burrow/pkg/errors"
)

// hopByHop are the headers that only apply to a single transport link.
var hopByHop = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Connection",
	"TE",
	"Trailer",
	"Upgrade",
}

// baseFilter keeps requests and responses well-formed for forwarding:
// it strips hop-by-hop headers, completes path-only request URIs and
// turns client cache directives into connection flags.
type baseFilter struct {
	pages       *pageGenerator
	reverseMode bool
	self        func(host string, port int) bool
}

func newBaseFilter(pages *pageGenerator, reverseMode bool, self func(string, int) bool) *baseFilter {
	return &baseFilter{pages: pages, reverseMode: reverseMode, self: self}
}

func (f *baseFilter) FilterIn(c *Connection, h *httpio.Header) *Response {
	if strings.TrimSpace(h.Method()) == "" {
		return f.pages.badRequest(perrors.BadRequest("no method specified"))
	}

	removeHopByHop(h)

	if h.Method() == "CONNECT" {
		return nil
	}

	if r := f.checkURI(c, h); r != nil {
		return r
	}

	if !h.IsDot9() && h.Version() == "HTTP/1.0" {
		h.SetVersion("HTTP/1.1")
	}

	cc := h.Directives("Cache-Control")
	if _, ok := cc["no-cache"]; ok || h.HasToken("Pragma", "no-cache") {
		c.SetMayUseCache(false)
	}
	if _, ok := cc["no-store"]; ok {
		c.SetMayCache(false)
	}
	if h.Has("Authorization") || h.Has("Range") {
		c.SetMayCache(false)
	}

	return nil
}

// checkURI makes sure the request URI is something the proxy can fetch.
func (f *baseFilter) checkURI(c *Connection, h *httpio.Header) *Response {
	uri := h.URI()
	if strings.HasPrefix(uri, "/") {
		if f.reverseMode {
			return nil
		}
		host := h.Get("Host")
		if host == "" {
			return f.pages.badRequest(perrors.BadRequest("path only request without Host header"))
		}
		uri = "http://" + host + uri
		h.SetURI(uri)
	}

	u, err := url.Parse(uri)
	if err != nil {
		return f.pages.badRequest(perrors.BadRequest("bad request URI").WithCause(err))
	}
	if u.Scheme != "http" {
		return f.pages.badRequest(perrors.BadRequest("unsupported scheme " + strconv.Quote(u.Scheme)))
	}
	if u.Hostname() == "" {
		return f.pages.badRequest(perrors.BadRequest("request URI has no host"))
	}
	if !h.Has("Host") {
		h.Set("Host", u.Host)
	}

	if f.self != nil {
		port := 80
		if p := u.Port(); p != "" {
			port, _ = strconv.Atoi(p)
		}
		if f.self(u.Hostname(), port) {
			return f.pages.badRequest(perrors.BadRequest("request addresses the proxy itself"))
		}
	}
	return nil
}

func (f *baseFilter) FilterOut(c *Connection, h *httpio.Header) *Response {
	removeHopByHop(h)

	if h.StatusCode() != 200 {
		c.SetMayCache(false)
	}

	cc := h.Directives("Cache-Control")
	for _, d := range []string{"no-store", "private"} {
		if _, ok := cc[d]; ok {
			c.SetMayCache(false)
		}
	}
	if h.HasToken("Vary", "*") || h.Has("Set-Cookie") {
		c.SetMayCache(false)
	}

	return nil
}

// removeHopByHop drops the hop-by-hop headers, including those the
// Connection header names.
func removeHopByHop(h *httpio.Header) {
	for _, v := range h.GetAll("Connection") {
		for _, token := range strings.Split(v, ",") {
			if token = strings.TrimSpace(token); token != "" && !strings.EqualFold(token, "close") &&
				!strings.EqualFold(token, "keep-alive") {
				h.Remove(token)
			}
		}
	}
	for _, name := range hopByHop {
		h.Remove(name)
	}
}
