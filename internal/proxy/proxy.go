// Package proxy implements burrow's caching HTTP proxy.
//
// An HTTPProxy accepts client connections through the readiness
// dispatcher and serves each one on its own goroutine. Requests pass the
// inbound filters, are answered from the disk cache when a fresh entry
// exists, and are otherwise fetched from the origin server (or the
// next-hop proxy) over pooled connections. Responses pass the outbound
// filters and are relayed to the client while a copy is written to the
// cache. CONNECT requests are tunnelled.
//
// Key features:
//   - Forward proxying of absolute URIs and reverse proxying of path-only
//     URIs onto configured targets, round-robin
//   - Revalidation of expired entries with If-None-Match/If-Modified-Since
//   - Stale entries served with a warning when the origin is unreachable
//   - Retries of safe requests on fresh connections
//   - Admin endpoint with health, Prometheus metrics and a status page
//
// Example usage:
//
//	cfg := config.DefaultConfig()
//	p, err := proxy.New(cfg, logger.Default())
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := p.Start(ctx); err != nil {
//		log.Fatal(err)
//	}
//	defer p.Shutdown(context.Background())
package proxy

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"burrow/internal/buffer"
	"burrow/internal/cache"
	"burrow/internal/config"
	"burrow/internal/connpool"
	"burrow/internal/httpio"
	"burrow/internal/metrics"
	"burrow/internal/nio"
	perrors "burrow/pkg/errors"
	"burrow/pkg/logger"
)

// HTTPProxy is the proxy server.
//
// Thread safety: all exported methods are safe for concurrent use. Each
// client connection is served by one goroutine; shared state lives in
// the dispatcher, the connection pool and the cache, which synchronize
// internally.
type HTTPProxy struct {
	cfg       *config.Config
	log       *logger.Logger
	identity  string
	accessLog bool
	started   time.Time

	metrics *metrics.Collector
	stats   *nio.StatisticsHolder
	d       *nio.Dispatcher
	buffers *buffer.Pool
	pool    *connpool.Pool
	cache   *cache.HTTPCache
	filters *FilterChain
	pages   *pageGenerator

	handlers *handlerRegistry
	lookup   connpool.LookupFunc
	admin    *AdminServer

	listener *net.TCPListener
	acceptor *acceptor
	slots    *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc

	conns sync.Map
	wg    sync.WaitGroup

	// totals over every finished request
	trafficMu sync.Mutex
	traffic   map[string]*httpio.TrafficLogger

	shutdownOnce sync.Once
}

// Option customizes an HTTPProxy.
type Option func(*HTTPProxy)

// WithLookup replaces the DNS lookup used for upstream hosts.
func WithLookup(fn connpool.LookupFunc) Option {
	return func(p *HTTPProxy) { p.lookup = fn }
}

// WithMetrics makes the proxy record into an existing collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(p *HTTPProxy) { p.metrics = m }
}

// WithHandlerFactory registers a handler factory for a content type,
// e.g. "text/html" or "image/gif".
func WithHandlerFactory(contentType string, f HandlerFactory) Option {
	return func(p *HTTPProxy) { p.handlers.register(contentType, f) }
}

// New builds a proxy from cfg. Nothing listens until Start.
//
// A cache that cannot be opened is logged and the proxy runs without
// one; cache problems never keep the proxy from serving.
//
// Parameters:
//
//	cfg: Validated proxy configuration
//	log: Logger; nil uses logger.Default()
//	opts: Optional overrides
//
// Returns:
//
//	*HTTPProxy: Ready to Start
//	error: Invalid configuration or dispatcher allocation failure
//
// Example:
//
//	p, err := proxy.New(cfg, log, proxy.WithLookup(resolver.LookupHost))
//	if err != nil {
//	    return fmt.Errorf("proxy setup failed: %w", err)
//	}
func New(cfg *config.Config, log *logger.Logger, opts ...Option) (*HTTPProxy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, perrors.Wrap(perrors.CodeConfigurationError, "invalid configuration", err)
	}
	if log == nil {
		log = logger.Default()
	}

	p := &HTTPProxy{
		cfg:       cfg,
		log:       log.Component("proxy"),
		identity:  cfg.Server.ProxyName,
		accessLog: cfg.Logging.AccessLog,
		handlers:  newHandlerRegistry(),
		lookup:    net.DefaultResolver.LookupHost,
		traffic: map[string]*httpio.TrafficLogger{
			"client":   httpio.NewTrafficLogger("client"),
			"upstream": httpio.NewTrafficLogger("upstream"),
			"cache":    httpio.NewTrafficLogger("cache"),
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.metrics == nil {
		p.metrics = metrics.NewCollector(cfg.Admin.Namespace, nil)
	}

	p.stats = nio.NewStatisticsHolder(10, p.metrics.Tasks)
	d, err := nio.New(nio.Config{
		Loops:          cfg.Dispatcher.SelectorThreads,
		Workers:        cfg.Dispatcher.WorkerThreads,
		DefaultTimeout: cfg.Dispatcher.DefaultTimeout,
		SpinThreshold:  cfg.Dispatcher.SpinThreshold,
		ShutdownWait:   cfg.Dispatcher.ShutdownWait,
	}, log, p.stats)
	if err != nil {
		return nil, perrors.Wrap(perrors.CodeInitializationError, "failed to create dispatcher", err)
	}
	p.d = d
	p.buffers = buffer.NewPool(cfg.Buffers.SmallSize, cfg.Buffers.LargeSize)

	up := cfg.Upstream
	simple := connpool.NewSimpleResolver(d, up.DNSCacheTTL, 1024, p.lookup)
	var resolver connpool.Resolver = simple
	if up.UsesProxy() {
		resolver = connpool.NewProxyResolver(up.ProxyHost, up.ProxyPort, up.ProxyAuth, simple)
	}
	p.pool = connpool.New(connpool.Config{
		KeepaliveTime:  up.KeepaliveTime,
		UsePipelining:  up.UsePipelining,
		ConnectTimeout: up.ConnectTimeout,
	}, d, resolver, log, p.metrics.Pool)

	if cfg.Cache.MaxSize > 0 {
		hc, err := cache.NewHTTPCache(CacheConfig(cfg.Cache), log, p.metrics.Cache)
		if err != nil {
			p.log.Error("Cache unavailable, running without it", "directory", cfg.Cache.Directory, "error", err)
		} else {
			p.cache = hc
		}
	}

	p.pages = newPageGenerator(p.identity)
	p.filters, err = NewFilterChain(cfg.Filters, p.pages, p.isSelf, log.Component("filter"))
	if err != nil {
		_ = d.Shutdown(context.Background())
		return nil, perrors.Wrap(perrors.CodeConfigurationError, "invalid filter configuration", err)
	}

	if cfg.Admin.Enabled {
		p.admin = newAdminServer(p)
	}
	return p, nil
}

// Start opens the client listener, and the admin endpoint when enabled,
// and begins accepting connections. ctx bounds the life of every client
// connection.
func (p *HTTPProxy) Start(ctx context.Context) error {
	p.d.Start()

	if p.cache != nil {
		if err := p.cache.Start(); err != nil {
			p.log.Warn("Cache sweeper not started", "error", err)
		}
	}

	ln, err := net.Listen("tcp", p.cfg.Server.ListenAddress())
	if err != nil {
		return perrors.Wrap(perrors.CodeInitializationError, "failed to listen on "+p.cfg.Server.ListenAddress(), err)
	}
	p.listener = ln.(*net.TCPListener)

	if n := p.cfg.Server.MaxConnections; n > 0 {
		p.slots = semaphore.NewWeighted(int64(n))
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.started = time.Now()

	p.acceptor = newAcceptor(p)
	if err := p.acceptor.register(); err != nil {
		p.listener.Close()
		return perrors.Wrap(perrors.CodeInitializationError, "failed to register listener", err)
	}

	if p.admin != nil {
		if err := p.admin.Start(); err != nil {
			p.log.Error("Admin endpoint not started", "address", p.cfg.Admin.ListenAddress(), "error", err)
		}
	}

	p.log.Info("Proxy listening", "address", p.listener.Addr().String(),
		"cache", p.cache != nil, "reverse", p.filters.Reverse() != nil)
	return nil
}

// Addr returns the client listener's address once started.
func (p *HTTPProxy) Addr() net.Addr {
	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}

// AdminAddr returns the admin endpoint's address, or nil.
func (p *HTTPProxy) AdminAddr() net.Addr {
	if p.admin == nil {
		return nil
	}
	return p.admin.Addr()
}

// Cache returns the disk cache, or nil when caching is off.
func (p *HTTPProxy) Cache() *cache.HTTPCache { return p.cache }

// Pool returns the upstream connection pool.
func (p *HTTPProxy) Pool() *connpool.Pool { return p.pool }

// Metrics returns the proxy's collector.
func (p *HTTPProxy) Metrics() *metrics.Collector { return p.metrics }

// Shutdown stops accepting, ends every client connection, flushes the
// cache index and stops the dispatcher. Connections still running when
// ctx ends are abandoned.
func (p *HTTPProxy) Shutdown(ctx context.Context) error {
	var err error
	p.shutdownOnce.Do(func() {
		err = p.shutdown(ctx)
	})
	return err
}

func (p *HTTPProxy) shutdown(ctx context.Context) error {
	p.log.Info("Shutting down proxy")

	if p.cancel != nil {
		p.cancel()
	}
	if p.listener != nil {
		p.d.Cancel(p.listener, p.acceptor)
		p.listener.Close()
	}

	var errs []error
	if p.admin != nil {
		if err := p.admin.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		p.log.Warn("Client connections still open at shutdown")
		errs = append(errs, ctx.Err())
	}

	if err := p.filters.Close(); err != nil {
		errs = append(errs, err)
	}
	if p.cache != nil {
		if err := p.cache.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	p.pool.Close()
	if err := p.d.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}

	if err := errors.Join(errs...); err != nil {
		return perrors.Wrap(perrors.CodeShutdownError, "unclean shutdown", err)
	}
	return nil
}

// connectionAccepted starts serving a new client, or closes it when the
// connection limit is reached.
func (p *HTTPProxy) connectionAccepted(conn net.Conn) {
	if p.slots != nil && !p.slots.TryAcquire(1) {
		p.metrics.Connections.Rejected()
		p.log.Warn("Connection limit reached, closing client", "client", conn.RemoteAddr().String())
		conn.Close()
		return
	}

	p.metrics.Connections.Accepted()
	c := newConnection(p, conn)
	p.conns.Store(c.id, c)
	p.wg.Add(1)

	go func() {
		defer p.wg.Done()
		c.serve(p.ctx)
	}()
}

func (p *HTTPProxy) connectionClosed(c *Connection) {
	p.conns.Delete(c.id)
	if p.slots != nil {
		p.slots.Release(1)
	}
	p.metrics.Connections.Finished()
}

func (p *HTTPProxy) addTraffic(client, upstream, cached httpio.TrafficSnapshot) {
	p.trafficMu.Lock()
	defer p.trafficMu.Unlock()

	for name, s := range map[string]httpio.TrafficSnapshot{"client": client, "upstream": upstream, "cache": cached} {
		t := p.traffic[name]
		t.Read(int(s.Read))
		t.Write(int(s.Write))
		t.TransferFrom(s.TransferFrom)
		t.TransferTo(s.TransferTo)
	}
}

// isSelf reports whether host:port addresses this proxy's listener.
func (p *HTTPProxy) isSelf(host string, port int) bool {
	if p.listener == nil {
		return false
	}
	addr, ok := p.listener.Addr().(*net.TCPAddr)
	if !ok || addr.Port != port {
		return false
	}

	if host == "localhost" || host == p.cfg.Server.Host {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	if ip.IsLoopback() || ip.Equal(addr.IP) {
		return true
	}
	if addr.IP.IsUnspecified() {
		ifaddrs, err := net.InterfaceAddrs()
		if err != nil {
			return false
		}
		for _, a := range ifaddrs {
			if n, ok := a.(*net.IPNet); ok && n.IP.Equal(ip) {
				return true
			}
		}
	}
	return false
}

// acceptListener is the part of the client listener the acceptor uses.
type acceptListener interface {
	Accept() (net.Conn, error)
}

// acceptor takes new connections off the listener whenever the
// dispatcher reports one pending, then registers again. A failed accept
// ends the registration: the listener stays readable under level
// triggering, so registering again would only fail in a loop.
type acceptor struct {
	p        *HTTPProxy
	ln       acceptListener
	register func() error
	stopped  atomic.Bool
}

func newAcceptor(p *HTTPProxy) *acceptor {
	a := &acceptor{p: p, ln: p.listener}
	a.register = func() error { return p.d.WaitForAccept(p.listener, a) }
	return a
}

func (a *acceptor) Accept() {
	p := a.p
	conn, err := a.ln.Accept()
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return
		}
		a.stopped.Store(true)
		p.log.Error("Accept failed, no longer accepting connections", "error", err)
		return
	}
	p.connectionAccepted(conn)

	if err := a.register(); err != nil && !errors.Is(err, nio.ErrShutdown) {
		a.stopped.Store(true)
		p.log.Error("Failed to re-register listener", "error", err)
	}
}

// Accepting reports whether the proxy is still taking new clients.
func (p *HTTPProxy) Accepting() bool {
	return p.acceptor != nil && !p.acceptor.stopped.Load()
}

func (a *acceptor) Closed()                 { a.p.log.Debug("Listener closed") }
func (a *acceptor) Timeout()                {}
func (a *acceptor) UseSeparateThread() bool { return true }
func (a *acceptor) Deadline() time.Time     { return time.Time{} }
func (a *acceptor) Description() string {
	return "acceptor:" + strconv.Itoa(a.p.cfg.Server.Port)
}

// CacheConfig maps the cache section of the configuration onto the
// cache package's settings.
func CacheConfig(c config.CacheConfig) cache.Config {
	return cache.Config{
		Directory:     c.Directory,
		MaxSize:       c.MaxSize,
		CacheTime:     c.CacheTime,
		CleanLoop:     c.CleanLoop,
		FilesPerDir:   c.FilesPerDir,
		HookCacheSize: c.HookCacheSize,
	}
}
