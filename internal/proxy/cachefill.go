package proxy

import (
	"context"
	"os"
	"strconv"
	"strings"
	"time"

	"burrow/internal/cache"
	"burrow/internal/httpio"
)

// storedSkip are response fields that are not kept with a cache entry.
var storedSkip = []string{"Connection", "Proxy-Connection", "Keep-Alive", "Transfer-Encoding", "Content-Length"}

// cacheFill writes a copy of a response body to a reserved cache entry
// while it is sent to the client. All methods accept a nil receiver, so
// callers need not check whether the response is being stored.
type cacheFill struct {
	c       *Connection
	pending *cache.Pending[*httpio.Header, *httpio.Header]
	file    *os.File

	expected int64
	written  int64
	failed   bool
}

// newCacheFill reserves a cache entry for the response when it may be
// stored, or returns nil.
func newCacheFill(r *HandlerRequest) *cacheFill {
	c := r.Conn
	if !r.MayCache || !c.cacheEnabled() {
		return nil
	}
	if strings.TrimSpace(r.Request.Method()) != "GET" || r.Response.StatusCode() != 200 {
		return nil
	}

	hc := c.proxy.cache
	pending := hc.Reserve(c.cacheKey())

	hook := r.Response.Clone()
	for _, name := range storedSkip {
		hook.Remove(name)
	}
	pending.Hook = hook
	pending.Expires = expiryFor(hook, time.Now(), hc.CacheTime())

	f, err := os.Create(pending.TempPath)
	if err != nil {
		c.log.Warn("Failed to create cache file", "path", pending.TempPath, "error", err)
		return nil
	}

	return &cacheFill{c: c, pending: pending, file: f, expected: r.Size}
}

func (f *cacheFill) write(p []byte) {
	if f == nil || f.failed {
		return
	}
	n, err := f.file.Write(p)
	f.written += int64(n)
	if err != nil {
		f.c.log.Warn("Failed to write cache file", "path", f.pending.TempPath, "error", err)
		f.failed = true
	}
}

// abort drops the reserved entry.
func (f *cacheFill) abort() {
	if f == nil {
		return
	}
	f.file.Close()
	os.Remove(f.pending.TempPath)
}

// finish commits the entry. A body that was cut short is committed with
// a partial marker when its full size is known and dropped otherwise.
func (f *cacheFill) finish(ctx context.Context, complete bool) {
	if f == nil {
		return
	}
	if err := f.file.Close(); err != nil {
		f.failed = true
	}
	if f.failed || (!complete && (f.expected < 0 || f.written == 0)) {
		os.Remove(f.pending.TempPath)
		return
	}
	if !complete || (f.expected >= 0 && f.written < f.expected) {
		f.pending.Hook.Set(PartialHeader, strconv.FormatInt(f.expected, 10))
	}

	c := f.c
	err := c.runTask(ctx, "cache", c.request.URI(), func() {
		if _, err := c.proxy.cache.Commit(f.pending); err != nil {
			c.log.Warn("Failed to commit cache entry", "uri", c.request.URI(), "error", err)
			os.Remove(f.pending.TempPath)
		}
	})
	if err != nil {
		c.log.Debug("Cache commit not awaited", "error", err)
	}
}
