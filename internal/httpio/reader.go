package httpio

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrLineTooLong is returned when a request or header line does not
	// fit the configured limit. The proxy answers it with 414.
	ErrLineTooLong = errors.New("httpio: line too long")

	// ErrMalformedHeader is returned for header lines that cannot be
	// parsed, such as a field without a colon.
	ErrMalformedHeader = errors.New("httpio: malformed header")
)

var (
	httpIdent      = []byte("HTTP/")
	extraLastChunk = []byte("0\r\n\r\n")
)

// HeaderReader parses a header incrementally. Feed is called with the
// unread bytes of a connection buffer each time more data arrives; it
// consumes complete lines only, so the caller keeps the unconsumed tail
// and feeds it again together with the next read.
//
// Once Feed reports done, the bytes after the consumed prefix belong to
// the message body (or to the next pipelined message).
type HeaderReader struct {
	request bool
	strict  bool
	maxLine int

	header     *Header
	done       bool
	appendNext bool
	last       int // index of the field continuations extend, -1 if none

	keepAlive     bool
	chunked       bool
	contentLength int64
}

// NewRequestReader creates a reader for a request header.
//
// Parameters:
//
//	strict: Treat an unbalanced quote as a line continuation
//	maxLine: Longest accepted line in bytes (0 = unlimited)
func NewRequestReader(strict bool, maxLine int) *HeaderReader {
	return newHeaderReader(true, strict, maxLine)
}

// NewResponseReader creates a reader for a response header. A response
// that does not start with "HTTP/" is treated as an HTTP/0.9 response
// with an empty header.
func NewResponseReader(strict bool, maxLine int) *HeaderReader {
	return newHeaderReader(false, strict, maxLine)
}

func newHeaderReader(request, strict bool, maxLine int) *HeaderReader {
	return &HeaderReader{
		request:       request,
		strict:        strict,
		maxLine:       maxLine,
		last:          -1,
		keepAlive:     true,
		contentLength: -1,
	}
}

// Header returns the parsed header; nil until the first line was read.
func (r *HeaderReader) Header() *Header { return r.header }

// Done reports whether the complete header was read.
func (r *HeaderReader) Done() bool { return r.done }

// KeepAlive reports whether the connection may carry another message.
func (r *HeaderReader) KeepAlive() bool { return r.keepAlive }

// Chunked reports chunked transfer coding of the body.
func (r *HeaderReader) Chunked() bool { return r.chunked }

// ContentLength returns the body length, or -1 when unknown.
func (r *HeaderReader) ContentLength() int64 { return r.contentLength }

// Feed parses as many complete lines of p as possible.
//
// Returns:
//
//	n: Bytes of p that were consumed
//	done: The header is complete; p[n:] is body data
//	err: ErrLineTooLong or ErrMalformedHeader
func (r *HeaderReader) Feed(p []byte) (n int, done bool, err error) {
	if r.done {
		return 0, true, nil
	}

	if !r.request && r.header == nil {
		var ok bool
		n, ok = r.checkResponseStart(p)
		if !ok || r.done {
			return n, r.done, nil
		}
	}

	for !r.done {
		idx := bytes.IndexByte(p[n:], '\n')
		if idx < 0 {
			break
		}

		line := p[n : n+idx]
		n += idx + 1
		line = bytes.TrimSuffix(line, []byte("\r"))

		if r.maxLine > 0 && len(line) > r.maxLine {
			return n, false, fmt.Errorf("%w: %d bytes", ErrLineTooLong, len(line))
		}

		if err := r.readLine(string(line)); err != nil {
			return n, false, err
		}
	}

	if !r.done && r.maxLine > 0 && len(p)-n > r.maxLine {
		return n, false, fmt.Errorf("%w: %d bytes without line end", ErrLineTooLong, len(p)-n)
	}

	return n, r.done, nil
}

// checkResponseStart skips stray last-chunk markers left by a previous
// response and detects HTTP/0.9 responses. ok is false when more data is
// needed to decide.
func (r *HeaderReader) checkResponseStart(p []byte) (n int, ok bool) {
	for {
		rest := p[n:]
		if len(rest) < len(extraLastChunk) {
			if bytes.HasPrefix(httpIdent, rest) || bytes.HasPrefix(extraLastChunk, rest) {
				return n, false
			}
			r.finishDot9()
			return n, true
		}

		if bytes.HasPrefix(rest, extraLastChunk) {
			n += len(extraLastChunk)
			continue
		}

		if !bytes.HasPrefix(rest, httpIdent) {
			r.finishDot9()
		}
		return n, true
	}
}

func (r *HeaderReader) finishDot9() {
	r.header = &Header{response: true}
	r.done = true
	r.keepAlive = false
	r.contentLength = -1
}

func (r *HeaderReader) readLine(line string) error {
	if line == "" && !r.appendNext {
		if r.header == nil {
			// leading blank lines between pipelined requests
			return nil
		}
		r.finish()
		return nil
	}

	if r.header == nil {
		r.header = &Header{}
		if r.request {
			r.header.setRequestLine(line)
			if r.header.IsDot9() {
				r.finish()
			}
		} else {
			r.header.setStatusLine(line)
		}
		return nil
	}

	if r.header.Len() == 0 && r.header.IsResponse() && startsWithSpace(line) {
		r.header.reason += line
		return nil
	}

	return r.readField(line)
}

func (r *HeaderReader) readField(line string) error {
	if startsWithSpace(line) || r.appendNext {
		if r.last < 0 {
			return fmt.Errorf("%w: continuation without a header: %q", ErrMalformedHeader, line)
		}
		f := &r.header.fields[r.last]
		f.Value += line
		r.appendNext = r.strict && unbalancedQuotes(f.Value)
		if !r.appendNext {
			f.Value = strings.TrimSpace(f.Value)
		}
		return nil
	}

	colon := strings.IndexByte(line, ':')
	if colon < 0 {
		if len(line) >= 5 && strings.EqualFold(line[:5], "http/") {
			// a repeated status line, seen from some broken servers
			return nil
		}
		return fmt.Errorf("%w: %q", ErrMalformedHeader, line)
	}

	name := strings.TrimRight(line[:colon], " \t")
	value := line[colon+1:]
	if r.strict {
		r.appendNext = unbalancedQuotes(value)
	}
	if !r.appendNext {
		value = strings.TrimSpace(value)
	}

	r.header.fields = append(r.header.fields, Field{Name: name, Value: value})
	r.last = len(r.header.fields) - 1
	return nil
}

// finish marks the header complete and derives connection state from it.
func (r *HeaderReader) finish() {
	r.done = true
	h := r.header

	r.contentLength = ContentLength(h)
	if h.IsDot9() {
		r.keepAlive = false
		return
	}

	if h.HasToken("Connection", "close") || h.HasToken("Proxy-Connection", "close") {
		r.keepAlive = false
	}

	if h.Version() == "HTTP/1.1" && IsChunked(h) {
		r.chunked = true
		r.contentLength = -1
		h.Remove("Content-Length")
	}

	if h.IsResponse() {
		if h.Version() != "HTTP/1.1" {
			r.keepAlive = false
		}
		if !r.chunked && r.contentLength < 0 && MayHaveBody(h) {
			r.keepAlive = false
		}
		return
	}

	if h.Version() == "HTTP/1.0" &&
		!h.HasToken("Connection", "keep-alive") && !h.HasToken("Proxy-Connection", "keep-alive") {
		r.keepAlive = false
	}
}

func startsWithSpace(s string) bool {
	return s != "" && (s[0] == ' ' || s[0] == '\t')
}

// unbalancedQuotes reports an odd number of unescaped double quotes.
func unbalancedQuotes(s string) bool {
	open := false
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case '"':
			open = !open
		}
	}
	return open
}
