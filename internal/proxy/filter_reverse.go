package proxy

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"

	"burrow/internal/config"
	"burrow/internal/httpio"
	"burrow/pkg/logger"
)

// ReverseFilter turns the proxy into a reverse proxy: path-only request
// URIs are rewritten onto origin servers, either by a regular expression
// or round-robin over a list of targets.
//
// Thread safety: FilterIn may be called from many connections at once.
// The atomic counter gives race-free round-robin distribution.
type ReverseFilter struct {
	match     *regexp.Regexp
	replace   string
	deny      *regexp.Regexp
	allowMeta bool

	// targets contains the parsed base URLs of the origin servers
	targets []*url.URL

	// current is the round-robin position
	current int64

	// stats tracks rewrites per target
	stats []TargetStats

	pages  *pageGenerator
	self   func(host string, port int) bool
	logger *logger.Logger
}

// TargetStats holds request statistics for a single target
type TargetStats struct {
	URL string `json:"url"`

	// Requests is the total number of requests sent to this target
	Requests int64 `json:"requests"`
}

// newReverseFilter validates and parses the configured patterns and
// targets. Invalid settings fail construction rather than individual
// requests.
func newReverseFilter(cfg config.ReverseFilterConfig, pages *pageGenerator,
	self func(string, int) bool, log *logger.Logger) (*ReverseFilter, error) {
	f := &ReverseFilter{
		replace:   cfg.TransformTo,
		allowMeta: cfg.AllowMeta,
		pages:     pages,
		self:      self,
		logger:    log.Component("reverse"),
	}

	if cfg.TransformMatch != "" {
		re, err := regexp.Compile(cfg.TransformMatch)
		if err != nil {
			return nil, fmt.Errorf("invalid transform pattern: %w", err)
		}
		f.match = re
	}

	if cfg.Deny != "" {
		// the whole URI has to match
		re, err := regexp.Compile("^(?:" + cfg.Deny + ")$")
		if err != nil {
			return nil, fmt.Errorf("invalid deny pattern: %w", err)
		}
		f.deny = re
	}

	for _, target := range cfg.Targets {
		u, err := url.Parse(target)
		if err != nil {
			return nil, fmt.Errorf("invalid target URL %s: %w", target, err)
		}
		if u.Scheme != "http" || u.Host == "" {
			return nil, fmt.Errorf("invalid target URL %s: need an http URL with a host", target)
		}
		f.targets = append(f.targets, u)
		f.stats = append(f.stats, TargetStats{URL: u.String()})
	}

	return f, nil
}

func (f *ReverseFilter) FilterIn(c *Connection, h *httpio.Header) *Response {
	uri := h.URI()

	if f.deny != nil && f.deny.MatchString(uri) && !(f.allowMeta && f.isMeta(uri)) {
		f.logger.Debug("Denied request", "uri", uri)
		return f.pages.forbidden()
	}

	if !strings.HasPrefix(uri, "/") {
		return nil
	}

	if f.match != nil {
		uri = f.match.ReplaceAllString(uri, f.replace)
		h.SetURI(uri)
	}

	if strings.HasPrefix(uri, "/") && len(f.targets) > 0 {
		f.rewriteOntoTarget(c, h, uri)
	}
	return nil
}

// rewriteOntoTarget picks the next target round-robin and makes the
// request URI absolute on it.
func (f *ReverseFilter) rewriteOntoTarget(c *Connection, h *httpio.Header, uri string) {
	index := (atomic.AddInt64(&f.current, 1) - 1) % int64(len(f.targets))
	target := f.targets[index]
	atomic.AddInt64(&f.stats[index].Requests, 1)

	h.SetURI(target.Scheme + "://" + target.Host + strings.TrimSuffix(target.Path, "/") + uri)

	if host := h.Get("Host"); host != "" {
		h.Set("X-Forwarded-Host", host)
	}
	if c != nil && c.remoteIP() != "" {
		h.Set("X-Forwarded-For", c.remoteIP())
	}
	h.Set("Host", target.Host)
}

// isMeta reports whether an absolute URI addresses the proxy itself.
func (f *ReverseFilter) isMeta(uri string) bool {
	u, err := url.Parse(uri)
	if err != nil || f.self == nil {
		return false
	}

	port := 80
	if p := u.Port(); p != "" {
		if port, err = strconv.Atoi(p); err != nil {
			return false
		}
	}
	return f.self(u.Hostname(), port)
}

func (f *ReverseFilter) FilterOut(*Connection, *httpio.Header) *Response {
	return nil
}

// Stats returns current statistics for all targets
func (f *ReverseFilter) Stats() []TargetStats {
	stats := make([]TargetStats, len(f.stats))
	for i := range f.stats {
		stats[i] = TargetStats{
			URL:      f.stats[i].URL,
			Requests: atomic.LoadInt64(&f.stats[i].Requests),
		}
	}
	return stats
}

// hostIP strips the port from a remote address.
func hostIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
