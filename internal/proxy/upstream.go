package proxy

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"burrow/internal/buffer"
	"burrow/internal/httpio"
	perrors "burrow/pkg/errors"
)

var errNoAttempt = errors.New("no connection attempt was made")

// fetch gets the response for the current request from upstream, retrying
// with new connections as long as the request is safe to repeat.
//
// A request is safe when it is idempotent (GET, HEAD) or when it went out
// on a reused connection that the server may have closed under us; a
// request whose body was already sent is never repeated.
func (c *Connection) fetch(ctx context.Context, rh *requestHandler) error {
	p := c.proxy
	req := c.request
	method := strings.TrimSpace(req.Method())
	maxAttempts := p.cfg.Upstream.MaxAttempts

	safe := true
	var last error
	for attempt := 1; ; attempt++ {
		if !safe || attempt > maxAttempts {
			if last == nil {
				last = errNoAttempt
			}
			return perrors.UpstreamUnavailable(req.URI(), attempt-1, last)
		}

		c.setStatus("Connecting upstream")
		c.log.LogUpstreamAttempt(method, req.URI(), c.upstreamAddr, attempt, maxAttempts)

		wc, err := p.pool.GetConnection(ctx, req)
		if err != nil {
			p.metrics.Connections.UpstreamAttempt(false)
			if perrors.CodeOf(err) == perrors.CodeBadRequest || ctx.Err() != nil {
				return err
			}
			c.log.LogUpstreamFailure(req.URI(), attempt, err)
			last = err
			continue
		}

		rh.wc = wc
		c.upstreamAddr = wc.Address()
		safe = !wc.ReleasedAt().IsZero() || method == "GET" || method == "HEAD"

		if err := c.exchange(ctx, rh); err != nil {
			p.metrics.Connections.UpstreamAttempt(false)
			c.log.LogUpstreamFailure(wc.Address(), attempt, err)
			c.dropWebConnection(rh)
			if c.body != nil && c.body.started {
				safe = false
			}
			if ctx.Err() != nil {
				return err
			}
			last = err
			continue
		}

		p.metrics.Connections.UpstreamAttempt(true)
		p.pool.MarkForPipelining(wc)
		return nil
	}
}

func (c *Connection) dropWebConnection(rh *requestHandler) {
	if rh.webHandle != nil {
		rh.webHandle.Release()
		rh.webHandle = nil
	}
	if rh.wc != nil {
		rh.wc.Close()
		rh.wc = nil
	}
}

// exchange sends the request on rh.wc and reads the response header.
func (c *Connection) exchange(ctx context.Context, rh *requestHandler) error {
	p := c.proxy
	wc := rh.wc
	req := c.request
	resolver := p.pool.Resolver()

	c.setStatus("Sending request upstream")
	chained := resolver.IsProxyConnected()
	if chained {
		if auth := resolver.ProxyAuth(); auth != "" {
			req.Set("Proxy-Authorization", auth)
		}
	}

	data := httpio.Serialize(req, chained)
	n, err := p.d.WriteAll(ctx, wc.Conn(), data, p.d.DefaultDeadline())
	c.upstream.Write(n)
	if err != nil {
		return perrors.UpstreamError(wc.Address(), err)
	}

	if c.body != nil {
		c.setStatus("Sending request body")
		if err := c.body.transfer(ctx, c, wc.Conn()); err != nil {
			return perrors.UpstreamError(wc.Address(), err)
		}
	}

	rh.webHandle = buffer.NewHandle(p.buffers)
	if req.IsDot9() {
		// an HTTP/0.9 request gets a bare body ending at close
		wc.SetKeepAlive(false)
		rh.webHeader = httpio.NewResponse("", 0, "")
		rh.size = -1
		rh.content = newWebResource(c, wc, rh.webHandle, false, -1, false)
		return nil
	}
	return c.readResponse(ctx, rh)
}

// readResponse reads the response header, relaying interim 1xx responses
// to HTTP/1.1 clients.
func (c *Connection) readResponse(ctx context.Context, rh *requestHandler) error {
	p := c.proxy
	wc := rh.wc
	srv := p.cfg.Server

	c.setStatus("Reading response header")
	for {
		hr := httpio.NewResponseReader(srv.StrictHTTP, srv.MaxLineLength)
		if err := c.readHeader(ctx, wc.Conn(), rh.webHandle, hr, c.upstream, p.d.DefaultDeadline()); err != nil {
			return perrors.UpstreamError(wc.Address(), err)
		}

		header := hr.Header()
		wc.SetKeepAlive(hr.KeepAlive())

		if strings.HasPrefix(header.Status(), "1") {
			if c.requestVersion == "HTTP/1.1" {
				if err := c.writeClient(ctx, header.Bytes()); err != nil {
					return err
				}
			}
			continue
		}

		setAge(header, time.Now())
		removeWarnings(header)
		if v := header.Version(); v != "" {
			header.Add("Via", v+" "+p.identity)
		}

		noBody := strings.TrimSpace(c.request.Method()) == "HEAD" || !httpio.MayHaveBody(header)
		size := hr.ContentLength()
		if hr.Chunked() {
			size = -1
		}

		rh.webHeader = header
		rh.size = size
		rh.content = newWebResource(c, wc, rh.webHandle, hr.Chunked(), size, noBody)
		return nil
	}
}

// resourceEstablished sends the resource in rh to the client, from the
// cache or from upstream.
func (c *Connection) resourceEstablished(ctx context.Context, rh *requestHandler) bool {
	c.setStatus("Handling request - got resource")
	req := c.request

	if !req.IsDot9() {
		if rh.wc != nil && c.mustTunnel() {
			return c.tunnelWeb(ctx, rh)
		}

		status := strings.TrimSpace(rh.webHeader.Status())
		if !checkStaleCache(rh) {
			c.SetMayCache(false)
		}

		if c.cacheEnabled() && !rh.fromCache {
			err := c.runTask(ctx, "cache", req.URI(), func() {
				if status == "304" && rh.entry != nil {
					c.updateCachedEntry(rh)
				}
				c.invalidateRelated(rh)
			})
			if err != nil {
				rh.content.Release()
				return false
			}
		}

		if bad := c.proxy.filters.FilterOut(c, rh.webHeader); bad != nil {
			rh.content.Release()
			return c.sendAndClose(ctx, bad)
		}

		switch {
		case rh.conditional && rh.entry != nil && status == "304" && !rh.fromCache:
			if done, restart := c.handleConditional(ctx, rh); done {
				return restart
			}
		case status == "304" || status == "204" || strings.HasPrefix(status, "1"):
			rh.content.Release()
			return c.sendAndRestart(ctx, &Response{Header: rh.webHeader})
		}
	}

	factory := c.proxy.handlers.factoryFor(c.mayFilter, rh.webHeader)
	handler := factory.NewHandler(&HandlerRequest{
		Conn:      c,
		Request:   req,
		Response:  rh.webHeader,
		Content:   rh.content,
		MayCache:  c.mayCache,
		MayFilter: c.mayFilter,
		Size:      rh.size,
	})
	if handler == nil {
		rh.content.Release()
		return c.handleInternalError(ctx, errors.New("no handler for response"))
	}

	c.finalFixes(rh, handler)
	c.statusCode = rh.webHeader.Status()
	c.contentLength = rh.webHeader.Get("Content-Length")

	if strings.TrimSpace(req.Method()) == "HEAD" {
		rh.content.Release()
		return c.sendAndRestart(ctx, &Response{Header: rh.webHeader})
	}

	c.setStatus("Sending response")
	if err := handler.Handle(ctx); err != nil {
		c.log.Debug("Failed to send resource", "uri", req.URI(), "error", err)
		c.keepalive = false
		return false
	}
	return c.keepalive
}

// handleConditional deals with a 304 to validators the proxy added. done
// is false when the cached body is to be sent.
func (c *Connection) handleConditional(ctx context.Context, rh *requestHandler) (done, restart bool) {
	req := c.request
	rh.content.Release()
	rh.content = nil

	if c.addedINM {
		req.Remove("If-None-Match")
	}
	if c.addedIMS {
		req.Remove("If-Modified-Since")
	}

	if weakETagMatch(rh.dataHook, rh.webHeader) {
		c.SetMayCache(false)
		if r := c.is304(rh); r != nil {
			c.cacheStatus = "REVALIDATED"
			return true, c.sendAndRestart(ctx, r)
		}
		if err := c.setupCachedEntry(rh); err != nil {
			c.log.Warn("Failed to open revalidated cache entry", "uri", req.URI(), "error", err)
			return true, c.doGatewayTimeout(ctx, err)
		}
		c.cacheStatus = "REVALIDATED"
		return false, false
	}

	// the upstream validated something else; drop our copy and refetch
	c.log.Debug("Validator mismatch, refetching", "uri", req.URI())
	c.addedINM, c.addedIMS = false, false
	c.proxy.cache.Remove(req)
	return true, c.refetch(ctx)
}

func (c *Connection) refetch(ctx context.Context) bool {
	rh := &requestHandler{size: -1}
	if err := c.fetch(ctx, rh); err != nil {
		return c.webConnectionSetupFailed(ctx, rh, err)
	}
	c.cacheStatus = "MISS"
	return c.resourceEstablished(ctx, rh)
}

// finalFixes settles how the body is framed for the client and whether
// the connection is kept.
func (c *Connection) finalFixes(rh *requestHandler, handler Handler) {
	wh := rh.webHeader
	if wh.IsDot9() {
		c.keepalive = false
		return
	}

	wh.Remove("Transfer-Encoding")
	unknownSize := rh.size < 0 || handler.ChangesContentSize()

	if c.chunk {
		if unknownSize {
			wh.Remove("Content-Length")
			wh.Set("Transfer-Encoding", "chunked")
		} else {
			c.chunk = false
		}
	}

	if !c.chunk {
		if unknownSize {
			c.keepalive = false
			wh.Remove("Content-Length")
		} else {
			wh.Set("Content-Length", strconv.FormatInt(rh.size, 10))
		}
	}

	if c.keepalive {
		if c.requestVersion == "HTTP/1.0" {
			wh.Set("Connection", "Keep-Alive")
			wh.Set("Proxy-Connection", "Keep-Alive")
		}
	} else {
		wh.Set("Connection", "close")
		wh.Set("Proxy-Connection", "close")
	}
}

// mustTunnel reports whether the client authenticates with a connection
// oriented scheme; such exchanges only work over a dedicated connection.
func (c *Connection) mustTunnel() bool {
	auth := strings.TrimSpace(c.request.Get("Authorization"))
	return strings.HasPrefix(auth, "NTLM") || strings.HasPrefix(auth, "Negotiate")
}
