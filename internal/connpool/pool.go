// Package connpool manages connections from the proxy to origin servers
// (or to a next-hop proxy). Connections are keyed by resolved address and
// reused for safe requests; a parked connection is watched for the server
// closing it.
package connpool

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"burrow/internal/httpio"
	"burrow/internal/metrics"
	"burrow/internal/nio"
	perrors "burrow/pkg/errors"
	"burrow/pkg/logger"
)

// Config tunes the pool.
type Config struct {
	// KeepaliveTime is how long a parked connection stays reusable.
	KeepaliveTime time.Duration

	// UsePipelining allows MarkForPipelining to take effect.
	UsePipelining bool

	// ConnectTimeout bounds one connection attempt.
	ConnectTimeout time.Duration
}

// Stats is a snapshot of the pool counters.
type Stats struct {
	Created    int64            `json:"created"`
	Used       int64            `json:"used"`
	Released   int64            `json:"released"`
	Closed     int64            `json:"closed"`
	Idle       int              `json:"idle"`
	PerAddress map[string]int64 `json:"per_address"`
}

// Pool hands out WebConnections and takes them back.
//
// A single mutex guards the idle lists and the close listeners. Holding it
// is brief (list edits and non-blocking dispatcher calls), so a finer
// per-address scheme was not worth the complexity.
type Pool struct {
	cfg      Config
	d        *nio.Dispatcher
	resolver Resolver
	log      *logger.Logger
	metrics  *metrics.PoolMetrics
	now      func() time.Time

	mu         sync.Mutex
	idle       map[string][]*WebConnection
	closers    map[*WebConnection]*closeListener
	perAddress map[string]int64

	nextID   atomic.Int64
	created  atomic.Int64
	used     atomic.Int64
	released atomic.Int64
	closed   atomic.Int64
}

// New creates a pool.
//
// Parameters:
//
//	cfg: Keep-alive, pipelining and connect timeout settings
//	d: Dispatcher used for connect readiness and close listeners
//	resolver: Maps request hosts to addresses
//	log: Logger; nil discards
//	pm: Prometheus pool metrics; may be nil
func New(cfg Config, d *nio.Dispatcher, resolver Resolver, log *logger.Logger, pm *metrics.PoolMetrics) *Pool {
	if log == nil {
		log = logger.Discard()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = d.DefaultTimeout()
	}

	return &Pool{
		cfg:        cfg,
		d:          d,
		resolver:   resolver,
		log:        log.Component("connpool"),
		metrics:    pm,
		now:        time.Now,
		idle:       make(map[string][]*WebConnection),
		closers:    make(map[*WebConnection]*closeListener),
		perAddress: make(map[string]int64),
	}
}

// Resolver returns the resolver in use.
func (p *Pool) Resolver() Resolver {
	return p.resolver
}

// Target extracts the host and port a request should be sent to: the
// authority of a CONNECT request, the host of an absolute URI, or the
// Host header for a path-only URI.
func Target(h *httpio.Header) (string, int, error) {
	uri := strings.TrimSpace(h.URI())

	if strings.EqualFold(h.Method(), "CONNECT") {
		return splitHostPort(uri, 443)
	}

	u, err := url.Parse(uri)
	if err != nil {
		return "", 0, perrors.BadRequest(fmt.Sprintf("bad request URI %q", uri)).WithCause(err)
	}

	authority := u.Host
	if authority == "" {
		authority = h.Get("Host")
	}
	if authority == "" {
		return "", 0, perrors.BadRequest("no target host in request")
	}

	port := 80
	if strings.EqualFold(u.Scheme, "https") {
		port = 443
	}
	return splitHostPort(authority, port)
}

func splitHostPort(authority string, defaultPort int) (string, int, error) {
	host, portStr, err := net.SplitHostPort(authority)
	if err != nil {
		return strings.Trim(authority, "[]"), defaultPort, nil
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, perrors.BadRequest(fmt.Sprintf("bad port in %q", authority))
	}
	return host, port, nil
}

// GetConnection returns a connected WebConnection for the request in h.
// GET and HEAD requests may get an idle pooled connection; every other
// method gets a fresh one since it must not be retried on a connection
// the server may have closed.
func (p *Pool) GetConnection(ctx context.Context, h *httpio.Header) (*WebConnection, error) {
	method := strings.TrimSpace(h.Method())
	if method == "" {
		return nil, perrors.BadRequest("no method specified")
	}

	host, port, err := Target(h)
	if err != nil {
		return nil, err
	}

	ip, err := p.resolver.Lookup(ctx, host)
	if err != nil {
		return nil, perrors.Wrap(perrors.CodeDNSFailure, "failed to resolve "+host, err)
	}
	address := net.JoinHostPort(ip, strconv.Itoa(p.resolver.ConnectPort(port)))

	p.used.Add(1)
	p.mu.Lock()
	p.perAddress[address]++
	p.mu.Unlock()

	var wc *WebConnection
	if method == "GET" || method == "HEAD" {
		wc = p.pooled(address)
	}
	if wc != nil {
		p.metrics.ConnectionReused()
		return wc, nil
	}

	wc = p.newConnection(address)
	if err := wc.Connect(ctx, p.cfg.ConnectTimeout); err != nil {
		wc.Close()
		return nil, perrors.UpstreamError(address, err)
	}
	return wc, nil
}

func (p *Pool) newConnection(address string) *WebConnection {
	p.created.Add(1)
	p.metrics.ConnectionCreated()

	return newWebConnection(p.nextID.Add(1), address, p.d, func() {
		p.closed.Add(1)
		p.metrics.ConnectionClosed()
	})
}

// pooled takes the most recently parked connection for address, closing
// any that idled longer than the keep-alive time on the way.
func (p *Pool) pooled(address string) *WebConnection {
	var stale []*WebConnection
	defer func() {
		for _, wc := range stale {
			wc.Close()
		}
	}()

	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		list := p.idle[address]
		if len(list) == 0 {
			return nil
		}

		wc := list[len(list)-1]
		p.removeIdleLocked(address, len(list)-1)
		p.unregisterLocked(wc)

		if p.cfg.KeepaliveTime > 0 && p.now().Sub(wc.ReleasedAt()) > p.cfg.KeepaliveTime {
			stale = append(stale, wc)
			continue
		}
		return wc
	}
}

// unregisterLocked cancels the close listener of a connection leaving
// the idle list. The dispatcher drops the claim synchronously, so the
// caller can register its own read handler right away.
func (p *Pool) unregisterLocked(wc *WebConnection) {
	if cl, ok := p.closers[wc]; ok {
		delete(p.closers, wc)
		p.d.Cancel(wc.Conn(), cl)
	}
}

func (p *Pool) removeIdleLocked(address string, i int) {
	list := p.idle[address]
	list = append(list[:i], list[i+1:]...)
	if len(list) == 0 {
		delete(p.idle, address)
	} else {
		p.idle[address] = list
	}
	p.metrics.SetIdle(p.idleCountLocked())
}

func (p *Pool) idleCountLocked() int {
	n := 0
	for _, list := range p.idle {
		n += len(list)
	}
	return n
}

// ReleaseConnection returns wc to the pool. Connections that are closed
// or have keep-alive turned off are closed instead.
func (p *Pool) ReleaseConnection(wc *WebConnection) {
	p.released.Add(1)

	if !wc.Connected() {
		return
	}
	if !wc.KeepAlive() {
		wc.Close()
		return
	}

	wc.markReleased(p.now())

	cl := &closeListener{pool: p, wc: wc}

	p.mu.Lock()
	if err := p.d.WaitForRead(wc.Conn(), cl); err != nil {
		p.mu.Unlock()
		p.log.Warn("Failed to set up close listener", "connection", wc.String(), "error", err)
		wc.Close()
		return
	}
	p.closers[wc] = cl
	p.idle[wc.Address()] = append(p.idle[wc.Address()], wc)
	p.metrics.SetIdle(p.idleCountLocked())
	p.mu.Unlock()
}

// closeIdle removes a parked connection after its close listener fired.
// A connection that was taken out in the meantime is left alone.
func (p *Pool) closeIdle(wc *WebConnection, cl *closeListener) {
	p.mu.Lock()
	if p.closers[wc] != cl {
		p.mu.Unlock()
		return
	}
	delete(p.closers, wc)

	list := p.idle[wc.Address()]
	for i, c := range list {
		if c == wc {
			p.removeIdleLocked(wc.Address(), i)
			break
		}
	}
	p.mu.Unlock()

	wc.Close()
}

// MarkForPipelining allows further requests to be sent on wc before the
// current response was read.
func (p *Pool) MarkForPipelining(wc *WebConnection) {
	if !p.cfg.UsePipelining || !wc.KeepAlive() {
		return
	}
	wc.setMayPipeline(true)
}

// IdleConnections returns the number of parked connections per address.
func (p *Pool) IdleConnections() map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string]int, len(p.idle))
	for addr, list := range p.idle {
		out[addr] = len(list)
	}
	return out
}

// Stats returns the pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	perAddress := make(map[string]int64, len(p.perAddress))
	for k, v := range p.perAddress {
		perAddress[k] = v
	}
	idle := p.idleCountLocked()
	p.mu.Unlock()

	return Stats{
		Created:    p.created.Load(),
		Used:       p.used.Load(),
		Released:   p.released.Load(),
		Closed:     p.closed.Load(),
		Idle:       idle,
		PerAddress: perAddress,
	}
}

// Close closes every parked connection.
func (p *Pool) Close() {
	p.mu.Lock()
	var all []*WebConnection
	for addr, list := range p.idle {
		for _, wc := range list {
			p.unregisterLocked(wc)
			all = append(all, wc)
		}
		delete(p.idle, addr)
	}
	p.metrics.SetIdle(0)
	p.mu.Unlock()

	for _, wc := range all {
		wc.Close()
	}
}

// closeListener watches a parked connection. Any readiness, close or
// timeout means the server closed it (or broke protocol by sending data
// unasked), so the connection is dropped.
type closeListener struct {
	pool *Pool
	wc   *WebConnection
}

func (cl *closeListener) Read()    { cl.pool.closeIdle(cl.wc, cl) }
func (cl *closeListener) Closed()  { cl.pool.closeIdle(cl.wc, cl) }
func (cl *closeListener) Timeout() { cl.pool.closeIdle(cl.wc, cl) }

func (cl *closeListener) UseSeparateThread() bool { return false }
func (cl *closeListener) Deadline() time.Time     { return time.Time{} }

func (cl *closeListener) Description() string {
	return "connpool close listener: " + cl.wc.Address()
}
