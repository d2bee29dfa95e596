package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"burrow/internal/buffer"
	"burrow/internal/httpio"
	"burrow/internal/nio"
	perrors "burrow/pkg/errors"
)

// errTunnelEnd stops the other direction once one side closed.
var errTunnelEnd = errors.New("tunnel side closed")

// tunnelSide is one end of a tunnel.
type tunnelSide struct {
	conn    net.Conn
	pending *buffer.Handle
	traffic *httpio.TrafficLogger
}

// Tunnel copies bytes both ways between two connections until either
// side closes. Bytes already buffered for a side, such as those read
// along with a header, are sent first.
type Tunnel struct {
	d      *nio.Dispatcher
	pool   *buffer.Pool
	client tunnelSide
	server tunnelSide
}

// Run blocks until the tunnel is done and returns the number of bytes
// sent from the client and to the client. A side closing is not an error.
func (t *Tunnel) Run(ctx context.Context) (fromClient, toClient int64, err error) {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		n, err := t.pump(gctx, t.client, t.server)
		fromClient = n
		return err
	})
	g.Go(func() error {
		n, err := t.pump(gctx, t.server, t.client)
		toClient = n
		return err
	})

	err = g.Wait()
	if errors.Is(err, errTunnelEnd) {
		err = nil
	}
	return fromClient, toClient, err
}

func (t *Tunnel) pump(ctx context.Context, src, dst tunnelSide) (int64, error) {
	var total int64

	if src.pending != nil && !src.pending.Empty() {
		n, err := t.d.WriteAll(ctx, dst.conn, src.pending.Unread(), t.d.DefaultDeadline())
		dst.traffic.Write(n)
		total += int64(n)
		src.pending.Consume(n)
		if err != nil {
			return total, err
		}
	}

	buf := t.pool.Get()
	defer t.pool.Put(buf)

	for {
		n, err := t.d.ReadSome(ctx, src.conn, buf, t.d.DefaultDeadline())
		if n > 0 {
			src.traffic.Read(n)
			w, werr := t.d.WriteAll(ctx, dst.conn, buf[:n], t.d.DefaultDeadline())
			dst.traffic.Write(w)
			total += int64(w)
			if werr != nil {
				return total, werr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return total, errTunnelEnd
			}
			return total, err
		}
	}
}

// connectAllowed checks the port of a CONNECT target. A target without
// a port means 443.
func (c *Connection) connectAllowed(authority string) bool {
	port := 443
	if i := strings.LastIndexByte(authority, ':'); i >= 0 && !strings.HasSuffix(authority, "]") {
		p, err := strconv.Atoi(authority[i+1:])
		if err != nil {
			return false
		}
		port = p
	}
	return c.proxy.cfg.Tunnel.AllowsPort(port)
}

// handleConnect answers a CONNECT request by tunnelling the client
// connection to the target, possibly through the next-hop proxy.
func (c *Connection) handleConnect(ctx context.Context) bool {
	p := c.proxy
	req := c.request
	c.setStatus("Handling CONNECT")
	c.keepalive = false
	c.cacheStatus = "TUNNEL"

	if !c.connectAllowed(req.URI()) {
		c.statusCode = "403"
		return c.sendAndClose(ctx, p.pages.forbidden())
	}

	resolver := p.pool.Resolver()
	chained := resolver.IsProxyConnected()
	if chained {
		if auth := resolver.ProxyAuth(); auth != "" {
			req.Set("Proxy-Authorization", auth)
		}
	}

	wc, err := p.pool.GetConnection(ctx, req)
	if err != nil {
		return c.doGatewayTimeout(ctx, err)
	}
	defer wc.Close()
	c.upstreamAddr = wc.Address()

	serverPending := buffer.NewHandle(p.buffers)
	defer serverPending.Release()

	if chained {
		if err := c.connectThrough(ctx, wc.Conn(), serverPending); err != nil {
			return c.doGatewayTimeout(ctx, err)
		}
	}

	reply := p.pages.connectionEstablished()
	c.statusCode = reply.Status()
	if err := c.writeClient(ctx, reply.Bytes()); err != nil {
		return false
	}

	p.metrics.Connections.TunnelOpened()
	c.setStatus("Tunnelling")
	t := &Tunnel{
		d:      p.d,
		pool:   p.buffers,
		client: tunnelSide{conn: c.ch, pending: c.requestHandle, traffic: c.client},
		server: tunnelSide{conn: wc.Conn(), pending: serverPending, traffic: c.upstream},
	}
	from, to, err := t.Run(ctx)
	c.log.LogTunnel(req.URI(), from, to, err)
	return false
}

// connectThrough asks the next-hop proxy to open the tunnel.
func (c *Connection) connectThrough(ctx context.Context, conn net.Conn, pending *buffer.Handle) error {
	p := c.proxy
	data := httpio.Serialize(c.request, true)
	n, err := p.d.WriteAll(ctx, conn, data, p.d.DefaultDeadline())
	c.upstream.Write(n)
	if err != nil {
		return perrors.Wrap(perrors.CodeTunnelError, "failed to send CONNECT to next hop", err)
	}

	srv := p.cfg.Server
	hr := httpio.NewResponseReader(srv.StrictHTTP, srv.MaxLineLength)
	if err := c.readHeader(ctx, conn, pending, hr, c.upstream, p.d.DefaultDeadline()); err != nil {
		return perrors.Wrap(perrors.CodeTunnelError, "no CONNECT reply from next hop", err)
	}
	if status := hr.Header().Status(); status != "200" {
		return perrors.New(perrors.CodeTunnelError, "next hop refused CONNECT with status "+status)
	}
	return nil
}

// tunnelWeb hands a connection oriented authentication exchange over to
// a tunnel: the response header is sent and the two connections are
// joined for as long as they stay open.
func (c *Connection) tunnelWeb(ctx context.Context, rh *requestHandler) bool {
	p := c.proxy
	c.keepalive = false
	c.statusCode = rh.webHeader.Status()
	c.cacheStatus = "TUNNEL"

	defer c.dropWebConnection(rh)

	if err := c.writeClient(ctx, rh.webHeader.Bytes()); err != nil {
		return false
	}

	p.metrics.Connections.TunnelOpened()
	c.setStatus("Tunnelling authentication")
	t := &Tunnel{
		d:      p.d,
		pool:   p.buffers,
		client: tunnelSide{conn: c.ch, pending: c.requestHandle, traffic: c.client},
		server: tunnelSide{conn: rh.wc.Conn(), pending: rh.webHandle, traffic: c.upstream},
	}
	from, to, err := t.Run(ctx)
	c.log.LogTunnel(rh.wc.Address(), from, to, err)
	return false
}
