// Package httpio implements HTTP/1.x framing for the proxy: the header
// model and its incremental reader, header serialization, chunked transfer
// coding, and helpers that move bodies between sockets and files through
// the readiness dispatcher.
package httpio

import (
	"bytes"
	"strconv"
	"strings"
)

// Field is one header line.
type Field struct {
	Name  string
	Value string
}

// Header is a request or a response header: the first line plus an
// ordered list of fields. Field names compare case-insensitively; the
// original spelling and order are kept on the wire.
type Header struct {
	response bool

	// request line
	method  string
	uri     string
	version string

	// status line
	status string
	reason string

	fields []Field
}

// NewRequest creates a request header. An empty version makes an
// HTTP/0.9 style request line.
func NewRequest(method, uri, version string) *Header {
	return &Header{method: method, uri: uri, version: version}
}

// NewResponse creates a response header.
func NewResponse(version string, status int, reason string) *Header {
	return &Header{
		response: true,
		version:  version,
		status:   strconv.Itoa(status),
		reason:   reason,
	}
}

// setRequestLine splits "METHOD URI VERSION". Two tokens make an HTTP/0.9
// request; extra spaces inside the URI are kept.
func (h *Header) setRequestLine(line string) {
	h.response = false
	line = strings.TrimSpace(line)

	first := strings.IndexAny(line, " \t")
	if first < 0 {
		h.method = line
		return
	}
	h.method = line[:first]
	rest := strings.TrimSpace(line[first+1:])

	last := strings.LastIndexAny(rest, " \t")
	if last < 0 {
		h.uri = rest
		return
	}

	candidate := rest[last+1:]
	if strings.HasPrefix(strings.ToUpper(candidate), "HTTP/") {
		h.uri = strings.TrimSpace(rest[:last])
		h.version = candidate
		return
	}
	h.uri = rest
}

// setStatusLine splits "VERSION CODE REASON".
func (h *Header) setStatusLine(line string) {
	h.response = true
	parts := strings.SplitN(strings.TrimSpace(line), " ", 3)
	h.version = parts[0]
	if len(parts) > 1 {
		h.status = parts[1]
	}
	if len(parts) > 2 {
		h.reason = parts[2]
	}
}

func (h *Header) IsRequest() bool  { return !h.response }
func (h *Header) IsResponse() bool { return h.response }

func (h *Header) Method() string  { return h.method }
func (h *Header) URI() string     { return h.uri }
func (h *Header) Version() string { return h.version }
func (h *Header) Status() string  { return h.status }
func (h *Header) Reason() string  { return h.reason }

func (h *Header) SetMethod(m string)  { h.method = m }
func (h *Header) SetURI(uri string)   { h.uri = uri }
func (h *Header) SetVersion(v string) { h.version = v }
func (h *Header) SetReason(r string)  { h.reason = r }

// SetStatus sets the status code of a response.
func (h *Header) SetStatus(code int) {
	h.status = strconv.Itoa(code)
}

// StatusCode returns the numeric status, or 0 when it is not a number.
func (h *Header) StatusCode() int {
	code, err := strconv.Atoi(h.status)
	if err != nil {
		return 0
	}
	return code
}

// IsDot9 reports an HTTP/0.9 message: a request line without version, or
// a response without status line.
func (h *Header) IsDot9() bool {
	if h.response {
		return h.version == "" || h.version == "HTTP/0.9"
	}
	return h.version == ""
}

// Get returns the first value of the named field, or "".
func (h *Header) Get(name string) string {
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// Has reports whether the named field is present.
func (h *Header) Has(name string) bool {
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			return true
		}
	}
	return false
}

// GetAll returns every value of the named field in order.
func (h *Header) GetAll(name string) []string {
	var values []string
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			values = append(values, f.Value)
		}
	}
	return values
}

// Set replaces the first field of that name and removes the others, or
// appends a new field.
func (h *Header) Set(name, value string) {
	for i, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			h.fields[i].Value = value
			h.removeFrom(name, i+1)
			return
		}
	}
	h.fields = append(h.fields, Field{Name: name, Value: value})
}

// Add appends a field.
func (h *Header) Add(name, value string) {
	h.fields = append(h.fields, Field{Name: name, Value: value})
}

// Remove deletes every field of that name.
func (h *Header) Remove(name string) {
	h.removeFrom(name, 0)
}

func (h *Header) removeFrom(name string, start int) {
	kept := h.fields[:start]
	for _, f := range h.fields[start:] {
		if !strings.EqualFold(f.Name, name) {
			kept = append(kept, f)
		}
	}
	h.fields = kept
}

// RemoveValue deletes the fields of that name whose value matches,
// ignoring case.
func (h *Header) RemoveValue(name, value string) {
	kept := h.fields[:0]
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) && strings.EqualFold(f.Value, value) {
			continue
		}
		kept = append(kept, f)
	}
	h.fields = kept
}

// Names returns the distinct field names in first-seen order.
func (h *Header) Names() []string {
	seen := make(map[string]bool, len(h.fields))
	var names []string
	for _, f := range h.fields {
		key := strings.ToLower(f.Name)
		if !seen[key] {
			seen[key] = true
			names = append(names, f.Name)
		}
	}
	return names
}

// Fields returns a copy of all fields.
func (h *Header) Fields() []Field {
	return append([]Field(nil), h.fields...)
}

// Len returns the number of fields.
func (h *Header) Len() int {
	return len(h.fields)
}

// Clone returns a deep copy.
func (h *Header) Clone() *Header {
	c := *h
	c.fields = append([]Field(nil), h.fields...)
	return &c
}

// Directives splits a comma separated field such as Cache-Control into
// lower-cased directive names and their (unquoted) values.
func (h *Header) Directives(name string) map[string]string {
	directives := make(map[string]string)
	for _, value := range h.GetAll(name) {
		for _, part := range strings.Split(value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			key, val, _ := strings.Cut(part, "=")
			directives[strings.ToLower(strings.TrimSpace(key))] = strings.Trim(strings.TrimSpace(val), `"`)
		}
	}
	return directives
}

// HasToken reports whether a comma separated field contains token.
func (h *Header) HasToken(name, token string) bool {
	_, ok := h.Directives(name)[strings.ToLower(token)]
	return ok
}

// FirstLine returns the request or status line without CRLF.
func (h *Header) FirstLine() string {
	if h.response {
		if h.version == "" {
			return ""
		}
		line := h.version + " " + h.status
		if h.reason != "" {
			line += " " + h.reason
		}
		return line
	}

	line := h.method + " " + h.uri
	if h.version != "" {
		line += " " + h.version
	}
	return line
}

// Bytes returns the header in wire format, ending with the empty line.
// An HTTP/0.9 response has no header and serializes to nothing.
func (h *Header) Bytes() []byte {
	if h.response && h.version == "" && len(h.fields) == 0 {
		return nil
	}

	var b bytes.Buffer
	b.WriteString(h.FirstLine())
	b.WriteString("\r\n")
	if !h.IsDot9() || h.response {
		for _, f := range h.fields {
			b.WriteString(f.Name)
			b.WriteString(": ")
			b.WriteString(f.Value)
			b.WriteString("\r\n")
		}
		b.WriteString("\r\n")
	}
	return b.Bytes()
}

func (h *Header) String() string {
	return string(h.Bytes())
}

// KeepAliveFromHeaders derives whether the connection that carried h may
// be reused, following the connection-management rules the proxy applies
// when it reads a header:
//   - "Connection: close" and "Proxy-Connection: close" disable it
//   - requests need HTTP/1.1, or HTTP/1.0 with "Connection: Keep-Alive"
//   - responses need HTTP/1.1 and a delimited body (length or chunked)
func KeepAliveFromHeaders(h *Header) bool {
	if h.HasToken("Connection", "close") || h.HasToken("Proxy-Connection", "close") {
		return false
	}

	if h.IsResponse() {
		if h.Version() != "HTTP/1.1" {
			return false
		}
		return IsChunked(h) || ContentLength(h) >= 0 || !MayHaveBody(h)
	}

	switch h.Version() {
	case "HTTP/1.1":
		return true
	case "HTTP/1.0":
		return h.HasToken("Connection", "keep-alive") || h.HasToken("Proxy-Connection", "keep-alive")
	default:
		return false
	}
}

// IsChunked reports chunked transfer coding. Only HTTP/1.1 messages may
// be chunked.
func IsChunked(h *Header) bool {
	if h.Version() != "HTTP/1.1" {
		return false
	}
	te := h.Get("Transfer-Encoding")
	return te != "" && strings.EqualFold(strings.TrimSpace(lastToken(te)), "chunked")
}

// ContentLength returns the declared body length, or -1 when absent or
// malformed.
func ContentLength(h *Header) int64 {
	v := strings.TrimSpace(h.Get("Content-Length"))
	if v == "" {
		return -1
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return -1
	}
	return n
}

// MayHaveBody reports whether a response can carry a body at all: 1xx,
// 204 and 304 never do.
func MayHaveBody(h *Header) bool {
	code := h.StatusCode()
	return !(code >= 100 && code < 200 || code == 204 || code == 304)
}

func lastToken(v string) string {
	if i := strings.LastIndexByte(v, ','); i >= 0 {
		return v[i+1:]
	}
	return v
}
