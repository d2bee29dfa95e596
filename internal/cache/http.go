package cache

import (
	"errors"
	"io"

	"burrow/internal/httpio"
	"burrow/internal/metrics"
	"burrow/pkg/logger"
)

// HTTPCache stores responses keyed by the request that fetched them.
type HTTPCache = Cache[*httpio.Header, *httpio.Header]

var errIncompleteHeader = errors.New("cache: incomplete stored header")

// HeaderHandler stores an HTTP header in wire format.
type HeaderHandler struct {
	// Response selects the status line parser for Read.
	Response bool
}

func (h HeaderHandler) Write(w io.Writer, v *httpio.Header) error {
	_, err := w.Write(v.Bytes())
	return err
}

func (h HeaderHandler) Read(r io.Reader) (*httpio.Header, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	var hr *httpio.HeaderReader
	if h.Response {
		hr = httpio.NewResponseReader(false, 0)
	} else {
		hr = httpio.NewRequestReader(false, 0)
	}

	if _, done, err := hr.Feed(data); err != nil {
		return nil, err
	} else if !done {
		return nil, errIncompleteHeader
	}
	return hr.Header(), nil
}

// RequestKey is the identity of a request in the cache: its URI.
func RequestKey(h *httpio.Header) string {
	return h.URI()
}

// NewHTTPCache opens an HTTP response cache.
func NewHTTPCache(cfg Config, log *logger.Logger, stats *metrics.CacheMetrics) (*HTTPCache, error) {
	return New[*httpio.Header, *httpio.Header](cfg,
		HeaderHandler{}, HeaderHandler{Response: true}, RequestKey, log, stats)
}
