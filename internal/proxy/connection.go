package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"burrow/internal/buffer"
	"burrow/internal/httpio"
	"burrow/internal/nio"
	"burrow/pkg/logger"
	perrors "burrow/pkg/errors"
)

// Connection serves one client. Requests on it are handled one after the
// other by a single goroutine; the flags below are reset for every request.
type Connection struct {
	id     string
	proxy  *HTTPProxy
	ch     net.Conn
	remote string
	log    *logger.Logger

	// requestHandle holds bytes read from the client but not yet used;
	// it survives between requests for pipelining clients.
	requestHandle *buffer.Handle

	client       *httpio.TrafficLogger
	upstream     *httpio.TrafficLogger
	cacheTraffic *httpio.TrafficLogger

	accepted time.Time

	mu          sync.Mutex
	status      string
	requestLine string

	request        *httpio.Header
	requestVersion string
	reqChunked     bool
	reqLength      int64
	body           *clientBody
	started        time.Time

	statusCode    string
	contentLength string
	extraInfo     string
	cacheStatus   string
	upstreamAddr  string

	keepalive      bool
	chunk          bool
	mayUseCache    bool
	mayCache       bool
	mayFilter      bool
	mustRevalidate bool
	addedINM       bool
	addedIMS       bool
}

func newConnection(p *HTTPProxy, ch net.Conn) *Connection {
	id := uuid.NewString()
	remote := ""
	if addr := ch.RemoteAddr(); addr != nil {
		remote = addr.String()
	}

	return &Connection{
		id:            id,
		proxy:         p,
		ch:            ch,
		remote:        remote,
		log:           p.log.With("connection", id),
		requestHandle: buffer.NewHandle(p.buffers),
		client:        httpio.NewTrafficLogger("client"),
		upstream:      httpio.NewTrafficLogger("upstream"),
		cacheTraffic:  httpio.NewTrafficLogger("cache"),
		accepted:      time.Now(),
		status:        "Accepted",
	}
}

// ID returns the connection's unique id.
func (c *Connection) ID() string { return c.id }

// SetKeepalive sets whether the client connection is reused after the
// current request.
func (c *Connection) SetKeepalive(b bool) { c.keepalive = b }

// SetMayUseCache may only turn cache use off for the current request.
func (c *Connection) SetMayUseCache(b bool) { c.mayUseCache = c.mayUseCache && b }

// SetMayCache may only turn storing off for the current request.
func (c *Connection) SetMayCache(b bool) { c.mayCache = c.mayCache && b }

// SetMayFilter may only turn content filtering off.
func (c *Connection) SetMayFilter(b bool) { c.mayFilter = c.mayFilter && b }

// SetMustRevalidate forces a cached entry to be revalidated upstream
// before it is served.
func (c *Connection) SetMustRevalidate(b bool) { c.mustRevalidate = b }

func (c *Connection) Keepalive() bool      { return c.keepalive }
func (c *Connection) MayUseCache() bool    { return c.mayUseCache }
func (c *Connection) MayCache() bool       { return c.mayCache }
func (c *Connection) MayFilter() bool      { return c.mayFilter }
func (c *Connection) MustRevalidate() bool { return c.mustRevalidate }
func (c *Connection) ChunkResponse() bool  { return c.chunk }

func (c *Connection) remoteIP() string {
	return hostIP(c.remote)
}

func (c *Connection) setStatus(s string) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
}

// ConnectionStatus describes a live connection for the status page.
type ConnectionStatus struct {
	ID          string    `json:"id"`
	Client      string    `json:"client"`
	Status      string    `json:"status"`
	RequestLine string    `json:"request_line,omitempty"`
	Accepted    time.Time `json:"accepted"`
}

func (c *Connection) describe() ConnectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ConnectionStatus{
		ID:          c.id,
		Client:      c.remote,
		Status:      c.status,
		RequestLine: c.requestLine,
		Accepted:    c.accepted,
	}
}

func (c *Connection) clearStatuses() {
	c.request = nil
	c.requestVersion = ""
	c.reqChunked = false
	c.reqLength = -1
	c.body = nil
	c.started = time.Time{}

	c.statusCode = ""
	c.contentLength = ""
	c.extraInfo = ""
	c.cacheStatus = ""
	c.upstreamAddr = ""

	c.keepalive = true
	c.chunk = true
	c.mayUseCache = true
	c.mayCache = true
	c.mayFilter = true
	c.mustRevalidate = false
	c.addedINM = false
	c.addedIMS = false

	c.mu.Lock()
	c.requestLine = ""
	c.mu.Unlock()
}

// serve runs the request loop until the client goes away, a response
// requires closing, or ctx ends.
func (c *Connection) serve(ctx context.Context) {
	defer c.closeDown()

	for {
		c.clearStatuses()
		c.setStatus("Reading request")

		if err := c.readRequest(ctx); err != nil {
			c.failedRequestRead(ctx, err)
			return
		}

		restart := c.handleRequest(ctx)
		c.logConnection()
		if !restart || ctx.Err() != nil {
			return
		}
	}
}

func (c *Connection) readRequest(ctx context.Context) error {
	srv := c.proxy.cfg.Server
	hr := httpio.NewRequestReader(srv.StrictHTTP, srv.MaxLineLength)

	// an idle keep-alive client gets the default timeout between requests
	deadline := c.proxy.d.DefaultDeadline()
	if err := c.readHeader(ctx, c.ch, c.requestHandle, hr, c.client, deadline); err != nil {
		return err
	}

	c.started = time.Now()
	c.request = hr.Header()
	c.keepalive = hr.KeepAlive()
	c.reqChunked = hr.Chunked()
	c.reqLength = hr.ContentLength()
	return nil
}

// readHeader feeds h's unread bytes, reading more from ch as needed,
// until hr holds a complete header. Bytes after the header stay in h.
func (c *Connection) readHeader(ctx context.Context, ch net.Conn, h *buffer.Handle, hr *httpio.HeaderReader,
	traffic *httpio.TrafficLogger, deadline time.Time) error {
	for {
		if unread := h.Unread(); len(unread) > 0 {
			n, done, err := hr.Feed(unread)
			h.Consume(n)
			if err != nil {
				return err
			}
			if done {
				h.PossiblyFlush()
				return nil
			}
		}

		space := h.Space()
		if len(space) == 0 {
			h.Grow()
			continue
		}

		n, err := c.proxy.d.ReadSome(ctx, ch, space, deadline)
		if n > 0 {
			h.Advance(n)
			traffic.Read(n)
		}
		if err != nil {
			return err
		}
	}
}

func (c *Connection) failedRequestRead(ctx context.Context, err error) {
	switch {
	case errors.Is(err, httpio.ErrLineTooLong):
		c.statusCode = "414"
		c.sendAndClose(ctx, c.proxy.pages.uriTooLong())
	case errors.Is(err, httpio.ErrMalformedHeader):
		c.statusCode = "400"
		c.sendAndClose(ctx, c.proxy.pages.badRequest(perrors.BadRequest("malformed request header").WithCause(err)))
	case errors.Is(err, io.EOF), errors.Is(err, nio.ErrTimeout), errors.Is(err, nio.ErrClosed),
		errors.Is(err, nio.ErrShutdown), errors.Is(err, net.ErrClosed), ctx.Err() != nil:
		c.log.Debug("Client connection ended", "reason", err)
	default:
		c.log.Debug("Failed to read request", "error", err)
	}
}

// handleRequest processes one parsed request. It reports whether the
// connection should go on to the next request.
func (c *Connection) handleRequest(ctx context.Context) (restart bool) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("Request handling panicked", "panic", r, "uri", c.request.URI())
			restart = c.handleInternalError(ctx, fmt.Errorf("panic: %v", r))
		}
	}()

	req := c.request
	c.setStatus("Request read, processing")

	c.requestVersion = strings.ToUpper(strings.TrimSpace(req.Version()))
	if req.IsDot9() {
		c.requestVersion = "HTTP/0.9"
		c.keepalive = false
	}
	if c.requestVersion != "HTTP/1.1" {
		c.chunk = false
	}

	c.mu.Lock()
	c.requestLine = req.FirstLine()
	c.mu.Unlock()

	if !req.IsDot9() {
		req.Add("Via", c.requestVersion+" "+c.proxy.identity)
	}

	if strings.EqualFold(strings.TrimSpace(req.Method()), "CONNECT") {
		if r := c.proxy.filters.FilterIn(c, req); r != nil {
			return c.sendAndClose(ctx, r)
		}
		return c.handleConnect(ctx)
	}

	c.setupClientBody()

	if r := c.proxy.filters.FilterIn(c, req); r != nil {
		return c.sendAndClose(ctx, r)
	}

	return c.process(ctx)
}

// process answers a filtered request from the cache or from upstream.
func (c *Connection) process(ctx context.Context) bool {
	c.setStatus("Handling request")
	if r := c.checkExpectations(); r != nil {
		return c.sendAndClose(ctx, r)
	}
	rh := &requestHandler{size: -1}

	if c.cacheEnabled() {
		mayCache := c.mayCache
		err := c.runTask(ctx, "cache", c.request.URI(), func() { c.checkCache(rh) })
		if err != nil {
			return false
		}

		if c.mayUseCache && rh.entry != nil {
			if served, restart := c.checkCachedEntry(ctx, rh); served {
				return restart
			}
		}
		if rh.content == nil {
			c.mayCache = mayCache
		}
	}

	if rh.content == nil {
		if err := c.fetch(ctx, rh); err != nil {
			return c.webConnectionSetupFailed(ctx, rh, err)
		}
		if !c.request.IsDot9() {
			c.setMayCacheFromCC(rh)
		}
		if c.cacheStatus == "" {
			c.cacheStatus = "MISS"
		}
	}

	return c.resourceEstablished(ctx, rh)
}

// setMayCacheFromCC lets responses explicitly marked as shared-cacheable
// be stored even though the request carried credentials.
func (c *Connection) setMayCacheFromCC(rh *requestHandler) {
	cc := rh.webHeader.Directives("Cache-Control")
	for _, d := range []string{"public", "must-revalidate", "s-maxage"} {
		if _, ok := cc[d]; ok && c.request.Has("Authorization") && !c.request.Has("Range") {
			c.mayCache = true
			return
		}
	}
}

func (c *Connection) webConnectionSetupFailed(ctx context.Context, rh *requestHandler, err error) bool {
	if perrors.CodeOf(err) == perrors.CodeBadRequest {
		c.statusCode = "400"
		c.extraInfo = errText(err)
		return c.sendAndClose(ctx, c.proxy.pages.badRequest(err))
	}
	return c.tryStaleEntry(ctx, rh, err)
}

// tryStaleEntry serves the cached copy, with a warning, when revalidation
// failed and nothing requires a fresh response.
func (c *Connection) tryStaleEntry(ctx context.Context, rh *requestHandler, err error) bool {
	if rh.entry == nil || !rh.conditional || c.mustRevalidate {
		return c.doGatewayTimeout(ctx, err)
	}

	c.SetMayCache(false)
	if serr := c.setupCachedEntry(rh); serr != nil {
		c.log.Warn("Failed to open stale cache entry", "error", serr)
		return c.doGatewayTimeout(ctx, err)
	}

	c.log.Info("Serving stale cache entry", "uri", c.request.URI(), "error", err)
	rh.webHeader.Add("Warning", "110 "+c.proxy.identity+` "Response is stale"`)
	c.cacheStatus = "STALE"
	return c.resourceEstablished(ctx, rh)
}

func (c *Connection) doGatewayTimeout(ctx context.Context, err error) bool {
	c.statusCode = strconv.Itoa(perrors.StatusOf(err))
	c.extraInfo = errText(err)
	return c.sendAndClose(ctx, c.proxy.pages.forError(c.request.URI(), err))
}

func (c *Connection) handleInternalError(ctx context.Context, err error) bool {
	c.statusCode = "500"
	c.extraInfo = errText(err)
	uri := ""
	if c.request != nil {
		uri = c.request.URI()
	}
	return c.sendAndClose(ctx, c.proxy.pages.internalError(uri, err, c.debugInfo()))
}

func (c *Connection) debugInfo() string {
	return fmt.Sprintf("connection: %s\nclient: %s\nrequest: %s\nkeepalive: %t, chunk: %t, mayusecache: %t, "+
		"maycache: %t, mayfilter: %t, mustrevalidate: %t",
		c.id, c.remote, c.describe().RequestLine, c.keepalive, c.chunk, c.mayUseCache,
		c.mayCache, c.mayFilter, c.mustRevalidate)
}

func (c *Connection) cacheEnabled() bool {
	return c.proxy.cache != nil && c.proxy.cache.MaxSize() > 0
}

// runTask runs fn on the dispatcher's worker pool and waits for it.
func (c *Connection) runTask(ctx context.Context, group, description string, fn func()) error {
	done := make(chan struct{})
	c.proxy.d.RunThreadTask(func() {
		defer close(done)
		fn()
	}, nio.TaskIdentifier{Group: group, Description: description})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.proxy.d.Context().Done():
		return nio.ErrShutdown
	}
}

// writeClient writes p to the client.
func (c *Connection) writeClient(ctx context.Context, p []byte) error {
	n, err := c.proxy.d.WriteAll(ctx, c.ch, p, c.proxy.d.DefaultDeadline())
	c.client.Write(n)
	return err
}

func (c *Connection) sendResponse(ctx context.Context, r *Response) error {
	c.statusCode = r.Header.Status()
	c.contentLength = r.Header.Get("Content-Length")

	data := append(r.Header.Bytes(), r.Body...)
	return c.writeClient(ctx, data)
}

// sendAndRestart writes r and reports whether the connection may go on
// to the next request.
func (c *Connection) sendAndRestart(ctx context.Context, r *Response) bool {
	if !c.keepalive {
		return c.sendAndClose(ctx, r)
	}
	if err := c.sendResponse(ctx, r); err != nil {
		c.log.Debug("Failed to send response", "error", err)
		return false
	}
	return true
}

// sendAndClose writes r and ends the connection.
func (c *Connection) sendAndClose(ctx context.Context, r *Response) bool {
	c.keepalive = false
	if !r.Header.IsDot9() {
		r.Header.Set("Connection", "close")
	}
	if c.request != nil && c.request.IsDot9() {
		// HTTP/0.9 clients only understand the body
		if err := c.writeClient(ctx, r.Body); err != nil {
			c.log.Debug("Failed to send response", "error", err)
		}
		return false
	}
	if err := c.sendResponse(ctx, r); err != nil {
		c.log.Debug("Failed to send response", "error", err)
	}
	return false
}

// logConnection records the finished request in the access log and the
// metrics, then resets the per-request traffic counters.
func (c *Connection) logConnection() {
	p := c.proxy
	if c.request == nil {
		return
	}

	duration := time.Since(c.started)
	client := c.client.Snapshot()
	size := client.Write + client.TransferFrom
	if p.accessLog {
		p.log.LogAccess(logger.AccessRecord{
			ConnectionID: c.id,
			Client:       c.remoteIP(),
			Method:       c.request.Method(),
			URI:          c.request.URI(),
			Status:       c.statusCode,
			Size:         size,
			Duration:     duration,
			CacheStatus:  c.cacheStatus,
			Upstream:     c.upstreamAddr,
		})
	}

	status, _ := strconv.Atoi(c.statusCode)
	conns := p.metrics.Connections
	conns.RecordRequest(status, c.cacheStatus, duration)

	upstream := c.upstream.Snapshot()
	cached := c.cacheTraffic.Snapshot()
	conns.AddTraffic("client_in", client.Read)
	conns.AddTraffic("client_out", size)
	conns.AddTraffic("upstream_in", upstream.Read)
	conns.AddTraffic("upstream_out", upstream.Write)
	conns.AddTraffic("cache_out", cached.Read+cached.TransferFrom)

	p.addTraffic(client, upstream, cached)

	c.client.Reset()
	c.upstream.Reset()
	c.cacheTraffic.Reset()
}

func (c *Connection) closeDown() {
	c.setStatus("Closing")
	c.requestHandle.Release()
	c.proxy.d.Close(c.ch)
	c.proxy.connectionClosed(c)
}
