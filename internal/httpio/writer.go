package httpio

import (
	"net/url"
)

// Serialize returns the wire bytes of h.
//
// Requests sent straight to an origin server use the path form of the URI
// ("/a?b"), while requests sent to another proxy keep the absolute form.
// When keepAbsoluteURI is false an absolute request URI is rewritten for
// the duration of the call and restored afterwards, so the header still
// carries the full URI for logging and cache keys.
//
// Parameters:
//
//	h: Header to serialize
//	keepAbsoluteURI: Keep "http://host/path" request URIs unchanged
//
// Returns:
//
//	[]byte: Header bytes ending with the blank line
func Serialize(h *Header, keepAbsoluteURI bool) []byte {
	if h.IsResponse() || keepAbsoluteURI {
		return h.Bytes()
	}

	original := h.URI()
	if path, ok := pathForm(original); ok {
		h.SetURI(path)
		defer h.SetURI(original)
	}
	return h.Bytes()
}

// pathForm converts an absolute http URI to its request path.
func pathForm(uri string) (string, bool) {
	if len(uri) == 0 || uri[0] == '/' {
		return "", false
	}

	u, err := url.Parse(uri)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", false
	}

	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" || u.ForceQuery {
		path += "?" + u.RawQuery
	}
	return path, true
}
