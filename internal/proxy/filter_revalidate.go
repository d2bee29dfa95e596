package proxy

import (
	"fmt"
	"regexp"

	"burrow/internal/config"
	"burrow/internal/httpio"
	"burrow/pkg/logger"
)

// revalidateFilter forces revalidation of cached entries, for every
// request or for URIs matching a pattern.
type revalidateFilter struct {
	always  bool
	pattern *regexp.Regexp
}

func newRevalidateFilter(cfg config.RevalidateFilterConfig, log *logger.Logger) (*revalidateFilter, error) {
	f := &revalidateFilter{always: cfg.Always}
	if f.always {
		return f, nil
	}

	if cfg.Pattern == "" {
		log.Component("revalidate").Warn("Revalidation is off and no pattern is set, filter does nothing")
		return f, nil
	}

	re, err := regexp.Compile(cfg.Pattern)
	if err != nil {
		return nil, fmt.Errorf("bad revalidate pattern: %w", err)
	}
	f.pattern = re
	return f, nil
}

func (f *revalidateFilter) FilterIn(c *Connection, h *httpio.Header) *Response {
	if f.always || (f.pattern != nil && f.pattern.MatchString(h.URI())) {
		c.SetMustRevalidate(true)
	}
	return nil
}

func (f *revalidateFilter) FilterOut(*Connection, *httpio.Header) *Response {
	return nil
}
