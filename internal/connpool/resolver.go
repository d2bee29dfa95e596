package connpool

import (
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"
	"golang.org/x/sync/singleflight"

	"burrow/internal/nio"
)

// Resolver maps request targets to the address actually dialled.
type Resolver interface {
	// Lookup returns an IP address for host.
	Lookup(ctx context.Context, host string) (string, error)

	// ConnectPort returns the port to dial for a wanted port.
	ConnectPort(port int) int

	// IsProxyConnected reports whether connections go to another proxy,
	// in which case requests keep their absolute URI.
	IsProxyConnected() bool

	// ProxyAuth returns the Proxy-Authorization value for the next hop,
	// or "".
	ProxyAuth() string
}

// LookupFunc resolves a host name; net.DefaultResolver.LookupHost fits.
type LookupFunc func(ctx context.Context, host string) ([]string, error)

type dnsEntry struct {
	addr    string
	expires time.Time
}

// SimpleResolver resolves names with the system resolver. Lookups run on
// the dispatcher's worker pool, concurrent lookups for one name share a
// single query and answers are remembered for a while.
type SimpleResolver struct {
	d      *nio.Dispatcher
	lookup LookupFunc
	ttl    time.Duration
	now    func() time.Time

	group singleflight.Group

	mu    sync.Mutex
	cache *lru.Cache
}

// NewSimpleResolver creates a resolver.
//
// Parameters:
//
//	d: Dispatcher whose worker pool runs the lookups
//	ttl: How long answers are cached (0 disables caching)
//	size: Maximum number of cached names
//	lookup: Name lookup; nil uses net.DefaultResolver
func NewSimpleResolver(d *nio.Dispatcher, ttl time.Duration, size int, lookup LookupFunc) *SimpleResolver {
	if lookup == nil {
		lookup = net.DefaultResolver.LookupHost
	}
	if size <= 0 {
		size = 1024
	}

	return &SimpleResolver{
		d:      d,
		lookup: lookup,
		ttl:    ttl,
		now:    time.Now,
		cache:  lru.New(size),
	}
}

func (r *SimpleResolver) Lookup(ctx context.Context, host string) (string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return host, nil
	}

	if addr, ok := r.cached(host); ok {
		return addr, nil
	}

	ch := r.group.DoChan(host, func() (interface{}, error) {
		return r.resolve(host)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (r *SimpleResolver) cached(host string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.cache.Get(host)
	if !ok {
		return "", false
	}

	e := v.(dnsEntry)
	if r.now().After(e.expires) {
		r.cache.Remove(host)
		return "", false
	}
	return e.addr, true
}

type lookupResult struct {
	addrs []string
	err   error
}

func (r *SimpleResolver) resolve(host string) (string, error) {
	done := make(chan lookupResult, 1)

	r.d.RunThreadTask(func() {
		ctx, cancel := context.WithTimeout(r.d.Context(), r.d.DefaultTimeout())
		defer cancel()

		addrs, err := r.lookup(ctx, host)
		done <- lookupResult{addrs: addrs, err: err}
	}, nio.TaskIdentifier{Group: "dns", Description: host})

	var res lookupResult
	select {
	case res = <-done:
	case <-r.d.Context().Done():
		return "", nio.ErrShutdown
	}

	if res.err != nil {
		return "", fmt.Errorf("lookup %s: %w", host, res.err)
	}
	if len(res.addrs) == 0 {
		return "", fmt.Errorf("lookup %s: no addresses", host)
	}

	addr := res.addrs[0]
	if r.ttl > 0 {
		r.mu.Lock()
		r.cache.Add(host, dnsEntry{addr: addr, expires: r.now().Add(r.ttl)})
		r.mu.Unlock()
	}
	return addr, nil
}

func (r *SimpleResolver) ConnectPort(port int) int { return port }
func (r *SimpleResolver) IsProxyConnected() bool   { return false }
func (r *SimpleResolver) ProxyAuth() string        { return "" }

// ProxyResolver sends every connection to a fixed next-hop proxy.
type ProxyResolver struct {
	host string
	port int
	auth string
	next *SimpleResolver
}

// NewProxyResolver creates a resolver for the proxy at host:port. auth is
// "user:password" and is sent as Basic credentials; empty sends none.
// The proxy's own name is resolved with next.
func NewProxyResolver(host string, port int, auth string, next *SimpleResolver) *ProxyResolver {
	pr := &ProxyResolver{host: host, port: port, next: next}
	if auth != "" {
		pr.auth = "Basic " + base64.StdEncoding.EncodeToString([]byte(auth))
	}
	return pr
}

func (r *ProxyResolver) Lookup(ctx context.Context, _ string) (string, error) {
	return r.next.Lookup(ctx, r.host)
}

func (r *ProxyResolver) ConnectPort(int) int    { return r.port }
func (r *ProxyResolver) IsProxyConnected() bool { return true }
func (r *ProxyResolver) ProxyAuth() string      { return r.auth }
