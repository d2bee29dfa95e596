package proxy

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"burrow/internal/buffer"
	"burrow/internal/cache"
	"burrow/internal/connpool"
	"burrow/internal/httpio"
	perrors "burrow/pkg/errors"
)

// PartialHeader marks a cached response whose body was cut short; its
// value is the expected body size. Partial entries are never served.
const PartialHeader = "Burrow-Partial"

// requestHandler carries what is known about the resource for the
// current request: the cached entry, if any, and the response to send.
type requestHandler struct {
	entry    *cache.Entry
	dataHook *httpio.Header

	// conditional is set when validators of the cached entry were added
	// to the request.
	conditional  bool
	staleAllowed bool

	webHeader *httpio.Header
	content   httpio.ResourceSource
	size      int64
	fromCache bool

	wc        *connpool.WebConnection
	webHandle *buffer.Handle
}

// checkCache looks the request up in the cache and decides how the
// entry may be used. It runs on the worker pool.
func (c *Connection) checkCache(rh *requestHandler) {
	hc := c.proxy.cache
	req := c.request

	switch strings.TrimSpace(req.Method()) {
	case "GET", "HEAD":
	default:
		hc.Remove(req)
		return
	}

	entry, ok := hc.Lookup(req)
	if !ok {
		return
	}
	hook, err := hc.Hook(entry)
	if err != nil {
		c.log.Warn("Dropping unreadable cache entry", "uri", req.URI(), "error", err)
		hc.Remove(req)
		return
	}
	rh.entry = entry
	rh.dataHook = hook.Clone()

	cc := req.Directives("Cache-Control")
	if _, ok := cc["no-store"]; ok {
		hc.Remove(req)
		rh.entry, rh.dataHook = nil, nil
		return
	}

	rh.staleAllowed = c.checkMaxStale(rh, cc)
	if !rh.staleAllowed && c.checkMaxAge(rh, cc) {
		c.SetMayUseCache(false)
	}

	if rh.dataHook.Has(PartialHeader) || req.Has("Range") {
		// partial entries are refetched in full; ranges are not served
		// from the cache
		c.SetMayUseCache(false)
		return
	}

	rh.conditional = c.checkConditional(rh)
}

// checkMaxStale reports whether the client accepts the entry even if it
// has expired.
func (c *Connection) checkMaxStale(rh *requestHandler, cc map[string]string) bool {
	v, ok := cc["max-stale"]
	if !ok {
		return false
	}
	if v == "" {
		return true
	}
	limit, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return false
	}
	stale := time.Since(rh.entry.Expires)
	return stale <= time.Duration(limit)*time.Second
}

// checkMaxAge reports whether the entry is older than the client allows.
func (c *Connection) checkMaxAge(rh *requestHandler, cc map[string]string) bool {
	v, ok := cc["max-age"]
	if !ok {
		return false
	}
	limit, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return false
	}
	return entryAge(rh.entry, rh.dataHook, time.Now()) > limit
}

// checkConditional adds the cached validators to the request when the
// entry must be revalidated upstream.
func (c *Connection) checkConditional(rh *requestHandler) bool {
	expired := rh.entry.Expired(time.Now()) && !rh.staleAllowed
	if !c.mustRevalidate && c.mayUseCache && !expired {
		return false
	}

	req := c.request
	etag := rh.dataHook.Get("ETag")
	lastModified := rh.dataHook.Get("Last-Modified")
	if etag == "" && lastModified == "" {
		c.SetMayUseCache(false)
		return false
	}

	if etag != "" && !req.Has("If-None-Match") {
		req.Set("If-None-Match", etag)
		c.addedINM = true
	}
	if lastModified != "" && !req.Has("If-Modified-Since") {
		req.Set("If-Modified-Since", lastModified)
		c.addedIMS = true
	}
	return true
}

// checkCachedEntry answers from the cache when the entry is fresh. served
// is false when the request has to go upstream.
func (c *Connection) checkCachedEntry(ctx context.Context, rh *requestHandler) (served, restart bool) {
	if rh.conditional {
		return false, false
	}

	if r := c.is304(rh); r != nil {
		c.cacheStatus = "HIT"
		return true, c.sendAndRestart(ctx, r)
	}

	if err := c.setupCachedEntry(rh); err != nil {
		c.log.Warn("Failed to open cache entry", "uri", c.request.URI(), "error", err)
		return false, false
	}
	c.cacheStatus = "HIT"
	return true, c.resourceEstablished(ctx, rh)
}

// setupCachedEntry makes the cached entry the resource to send.
func (c *Connection) setupCachedEntry(rh *requestHandler) error {
	hc := c.proxy.cache
	fs, err := httpio.OpenFileSource(hc.EntryPath(rh.entry.ID), c.proxy.buffers, c.cacheTraffic)
	if err != nil {
		return perrors.Wrap(perrors.CodeCacheError, "failed to open cached body", err)
	}

	h := rh.dataHook.Clone()
	if age := entryAge(rh.entry, rh.dataHook, time.Now()); age > 0 {
		h.Set("Age", strconv.FormatInt(age, 10))
	}
	h.Set("Content-Length", strconv.FormatInt(fs.Length(), 10))

	rh.webHeader = h
	rh.content = fs
	rh.size = fs.Length()
	rh.fromCache = true
	c.SetMayCache(false)
	return nil
}

// is304 answers the client's own conditional request from the cached
// response. Validators the proxy added itself are ignored.
func (c *Connection) is304(rh *requestHandler) *Response {
	req := c.request
	cached := rh.dataHook

	if !c.addedINM {
		if inm := req.Get("If-None-Match"); inm != "" {
			if etagListMatches(inm, cached.Get("ETag")) {
				return c.proxy.pages.notModified(cached)
			}
			return nil
		}
	}

	if !c.addedIMS {
		if ims := req.Get("If-Modified-Since"); ims != "" {
			since, err := http.ParseTime(ims)
			if err != nil {
				return nil
			}
			modified, err := http.ParseTime(cached.Get("Last-Modified"))
			if err == nil && !modified.After(since) {
				return c.proxy.pages.notModified(cached)
			}
		}
	}
	return nil
}

// cacheKey returns the request as it is stored with a cache entry:
// without the validators the proxy added or credentials for the next hop.
func (c *Connection) cacheKey() *httpio.Header {
	key := c.request.Clone()
	if c.addedINM {
		key.Remove("If-None-Match")
	}
	if c.addedIMS {
		key.Remove("If-Modified-Since")
	}
	key.Remove("Proxy-Authorization")
	return key
}

// updateCachedEntry merges a 304 response into the cached response header
// and renews the entry's expiry. It runs on the worker pool.
func (c *Connection) updateCachedEntry(rh *requestHandler) {
	hc := c.proxy.cache
	updateHeader(rh.dataHook, rh.webHeader)

	e, err := hc.EntryChanged(rh.entry, c.cacheKey(), rh.dataHook)
	if err != nil {
		c.log.Debug("Cache entry not updated", "uri", c.request.URI(), "error", err)
		return
	}
	expires := expiryFor(rh.dataHook, time.Now(), hc.CacheTime())
	if e, err = hc.SetExpires(e, expires); err == nil {
		rh.entry = e
	}
}

// invalidateRelated removes entries a successful unsafe request may have
// changed: the request URI and the Location and Content-Location targets.
// It runs on the worker pool.
func (c *Connection) invalidateRelated(rh *requestHandler) {
	hc := c.proxy.cache
	req := c.request

	switch strings.TrimSpace(req.Method()) {
	case "GET", "HEAD", "OPTIONS", "TRACE":
		return
	}
	if code := rh.webHeader.StatusCode(); code < 200 || code >= 400 {
		return
	}

	hc.Remove(req)
	base, err := url.Parse(req.URI())
	if err != nil {
		return
	}
	for _, name := range []string{"Location", "Content-Location"} {
		v := rh.webHeader.Get(name)
		if v == "" {
			continue
		}
		ref, err := url.Parse(v)
		if err != nil {
			continue
		}
		target := base.ResolveReference(ref)
		if target.Host != base.Host {
			continue
		}
		hc.Remove(httpio.NewRequest("GET", target.String(), "HTTP/1.1"))
	}
}

// checkStaleCache reports whether the response is at least as new as the
// cached one; an older response must not replace it.
func checkStaleCache(rh *requestHandler) bool {
	if rh.entry == nil || rh.fromCache {
		return true
	}
	cached, err := http.ParseTime(rh.dataHook.Get("Date"))
	if err != nil {
		return true
	}
	fetched, err := http.ParseTime(rh.webHeader.Get("Date"))
	if err != nil {
		return true
	}
	return !cached.After(fetched)
}

func (c *Connection) checkExpectations() *Response {
	expect := strings.TrimSpace(c.request.Get("Expect"))
	if expect == "" || strings.EqualFold(expect, "100-continue") {
		return nil
	}
	c.statusCode = "417"
	return c.proxy.pages.page(http.StatusExpectationFailed, "The expectation "+expect+" is not supported.", "")
}

// notModifiedSkip are fields of a 304 that never replace cached ones.
var notModifiedSkip = map[string]bool{
	"connection":        true,
	"proxy-connection":  true,
	"keep-alive":        true,
	"content-length":    true,
	"transfer-encoding": true,
	"via":               true,
}

// updateHeader copies the fields of a 304 response into the cached
// response header and drops warnings about staleness.
func updateHeader(cached, notModified *httpio.Header) {
	for _, name := range notModified.Names() {
		if notModifiedSkip[strings.ToLower(name)] {
			continue
		}
		cached.Remove(name)
		for _, v := range notModified.GetAll(name) {
			cached.Add(name, v)
		}
	}
	removeWarnings(cached)
}

// removeWarnings drops 1xx warnings, which only apply until the response
// has been revalidated.
func removeWarnings(h *httpio.Header) {
	warnings := h.GetAll("Warning")
	if len(warnings) == 0 {
		return
	}
	h.Remove("Warning")
	for _, w := range warnings {
		if !strings.HasPrefix(strings.TrimSpace(w), "1") {
			h.Add("Warning", w)
		}
	}
}

// setAge sets the Age of a fetched response from its Date and any Age the
// upstream sent.
func setAge(h *httpio.Header, now time.Time) {
	var age int64
	if v := h.Get("Age"); v != "" {
		parsed, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil || parsed < 0 {
			return
		}
		age = parsed
	}

	var apparent int64
	if date, err := http.ParseTime(h.Get("Date")); err == nil {
		if d := now.Sub(date); d > 0 {
			apparent = int64(d / time.Second)
		}
	}

	corrected := age
	if apparent > corrected {
		corrected = apparent
	}
	if corrected > 0 {
		h.Set("Age", strconv.FormatInt(corrected, 10))
	}
}

// entryAge is the stored Age of a cached response plus the time since it
// was cached, in seconds.
func entryAge(e *cache.Entry, hook *httpio.Header, now time.Time) int64 {
	var stored int64
	if v := hook.Get("Age"); v != "" {
		stored, _ = strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	}
	resident := int64(now.Sub(e.CacheTime) / time.Second)
	if resident < 0 {
		resident = 0
	}
	return stored + resident
}

// expiryFor computes when a response stops being fresh: s-maxage and
// max-age win over Expires; no-cache means it is stale at once.
func expiryFor(h *httpio.Header, now time.Time, fallback time.Duration) time.Time {
	cc := h.Directives("Cache-Control")
	if _, ok := cc["no-cache"]; ok {
		return now
	}
	for _, d := range []string{"s-maxage", "max-age"} {
		if v, ok := cc[d]; ok {
			secs, err := strconv.ParseInt(v, 10, 64)
			if err != nil || secs <= 0 {
				return now
			}
			return now.Add(time.Duration(secs) * time.Second)
		}
	}

	if v := h.Get("Expires"); v != "" {
		expires, err := http.ParseTime(v)
		if err != nil {
			// an invalid Expires means already expired
			return now
		}
		if date, err := http.ParseTime(h.Get("Date")); err == nil {
			return now.Add(expires.Sub(date))
		}
		return expires
	}
	return now.Add(fallback)
}

// weakETagMatch compares the ETags of two headers ignoring the weak
// marker. A missing ETag on either side matches.
func weakETagMatch(a, b *httpio.Header) bool {
	ea, eb := a.Get("ETag"), b.Get("ETag")
	if ea == "" || eb == "" {
		return true
	}
	return weakEqual(ea, eb)
}

func weakEqual(a, b string) bool {
	return strings.TrimPrefix(strings.TrimSpace(a), "W/") == strings.TrimPrefix(strings.TrimSpace(b), "W/")
}

// etagListMatches reports whether an If-None-Match list names etag.
func etagListMatches(list, etag string) bool {
	if etag == "" {
		return false
	}
	for _, token := range strings.Split(list, ",") {
		token = strings.TrimSpace(token)
		if token == "*" || (token != "" && weakEqual(token, etag)) {
			return true
		}
	}
	return false
}
