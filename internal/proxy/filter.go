package proxy

import (
	"fmt"

	"burrow/internal/config"
	"burrow/internal/httpio"
	"burrow/pkg/logger"
)

// Filter inspects and may rewrite request and response headers. A non-nil
// result ends processing of the request: the proxy answers with it and
// closes the client connection.
type Filter interface {
	FilterIn(c *Connection, request *httpio.Header) *Response
	FilterOut(c *Connection, response *httpio.Header) *Response
}

// FilterChain runs the configured inbound and outbound filters in order.
type FilterChain struct {
	in  []Filter
	out []Filter

	// closers are filters holding resources, such as file watchers.
	closers []interface{ Close() error }
}

// NewFilterChain builds the filters named in cfg.In and cfg.Out. A filter
// named in both lists is the same instance.
//
// Parameters:
//
//	cfg: Filter names and per-filter settings
//	pages: Generator of the responses filters answer with
//	self: Reports whether a host and port address the proxy itself
//	log: Logger for filter activity
//
// Returns:
//
//	*FilterChain: Ready to run
//	error: Unknown filter name or invalid filter setting
func NewFilterChain(cfg config.FiltersConfig, pages *pageGenerator, self func(host string, port int) bool,
	log *logger.Logger) (*FilterChain, error) {
	fc := &FilterChain{}
	built := make(map[string]Filter)

	reverseMode := cfg.Reverse.TransformMatch != "" || len(cfg.Reverse.Targets) > 0

	build := func(name string) (Filter, error) {
		if f, ok := built[name]; ok {
			return f, nil
		}

		var (
			f   Filter
			err error
		)
		switch name {
		case "base":
			f = newBaseFilter(pages, reverseMode, self)
		case "reverse":
			f, err = newReverseFilter(cfg.Reverse, pages, self, log)
		case "block":
			var bf *BlockFilter
			bf, err = newBlockFilter(cfg.Block, pages, log)
			if err == nil {
				fc.closers = append(fc.closers, bf)
				f = bf
			}
		case "revalidate":
			f, err = newRevalidateFilter(cfg.Revalidate, log)
		default:
			err = fmt.Errorf("unknown filter %q", name)
		}
		if err != nil {
			return nil, fmt.Errorf("filter %s: %w", name, err)
		}

		built[name] = f
		return f, nil
	}

	for _, name := range cfg.In {
		f, err := build(name)
		if err != nil {
			fc.Close()
			return nil, err
		}
		fc.in = append(fc.in, f)
	}
	for _, name := range cfg.Out {
		f, err := build(name)
		if err != nil {
			fc.Close()
			return nil, err
		}
		fc.out = append(fc.out, f)
	}

	return fc, nil
}

// FilterIn runs the inbound filters; the first non-nil response wins.
func (fc *FilterChain) FilterIn(c *Connection, request *httpio.Header) *Response {
	for _, f := range fc.in {
		if r := f.FilterIn(c, request); r != nil {
			return r
		}
	}
	return nil
}

// FilterOut runs the outbound filters; the first non-nil response wins.
func (fc *FilterChain) FilterOut(c *Connection, response *httpio.Header) *Response {
	for _, f := range fc.out {
		if r := f.FilterOut(c, response); r != nil {
			return r
		}
	}
	return nil
}

// Reverse returns the reverse proxy filter, if one is configured.
func (fc *FilterChain) Reverse() *ReverseFilter {
	for _, f := range fc.in {
		if rf, ok := f.(*ReverseFilter); ok {
			return rf
		}
	}
	return nil
}

// Close releases filter resources.
func (fc *FilterChain) Close() error {
	var first error
	for _, c := range fc.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	fc.closers = nil
	return first
}
