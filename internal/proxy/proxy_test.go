package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"burrow/internal/config"
	"burrow/pkg/logger"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = freePort(t)
	cfg.Dispatcher.WorkerThreads = 4
	cfg.Dispatcher.DefaultTimeout = 5 * time.Second
	cfg.Dispatcher.ShutdownWait = time.Second
	cfg.Cache.Directory = t.TempDir()
	cfg.Upstream.MaxAttempts = 2
	cfg.Upstream.ConnectTimeout = 2 * time.Second
	cfg.Admin.Enabled = false
	cfg.Logging.AccessLog = false
	return cfg
}

func startProxy(t *testing.T, cfg *config.Config, opts ...Option) *HTTPProxy {
	t.Helper()
	p, err := New(cfg, logger.Discard(), opts...)
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, p.Shutdown(ctx))
	})
	return p
}

func proxyClient(p *HTTPProxy) *http.Client {
	u := &url.URL{Scheme: "http", Host: p.Addr().String()}
	return &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyURL(u)},
		Timeout:   10 * time.Second,
	}
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

// rawExchange sends request on a new connection and reads one response.
func rawExchange(t *testing.T, p *HTTPProxy, request string) (*http.Response, net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", p.Addr().String(), 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.SetDeadline(time.Now().Add(10*time.Second)))

	_, err = io.WriteString(conn, request)
	require.NoError(t, err)

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, nil)
	require.NoError(t, err)
	return resp, conn, br
}

type origin struct {
	*httptest.Server
	hits atomic.Int64
}

func newOrigin(t *testing.T, handler http.HandlerFunc) *origin {
	t.Helper()
	o := &origin{}
	o.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o.hits.Add(1)
		handler(w, r)
	}))
	t.Cleanup(o.Close)
	return o
}

func TestProxyCachesResponses(t *testing.T) {
	o := newOrigin(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "max-age=60")
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, "hello")
	})
	p := startProxy(t, testConfig(t))
	client := proxyClient(p)

	resp, err := client.Get(o.URL + "/page")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello", readBody(t, resp))
	assert.Contains(t, resp.Header.Get("Via"), "burrow")

	require.Eventually(t, func() bool {
		return p.Cache().NumberOfEntries() == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, p.Cache().CurrentSize(), int64(5))

	upstream := o.Listener.Addr().String()
	used := p.Pool().Stats().PerAddress[upstream]
	require.Equal(t, int64(1), used)

	resp, err = client.Get(o.URL + "/page")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello", readBody(t, resp))
	assert.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
	assert.Equal(t, int64(1), o.hits.Load(), "second request answered from the cache")
	assert.Equal(t, used, p.Pool().Stats().PerAddress[upstream], "no upstream connection requested")

	// a client asking for a fresh copy goes upstream
	req, err := http.NewRequest(http.MethodGet, o.URL+"/page", nil)
	require.NoError(t, err)
	req.Header.Set("Cache-Control", "no-cache")
	resp, err = client.Do(req)
	require.NoError(t, err)
	assert.Equal(t, "hello", readBody(t, resp))
	assert.Equal(t, int64(2), o.hits.Load())
}

func TestProxyDoesNotCacheUncacheable(t *testing.T) {
	o := newOrigin(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/private":
			w.Header().Set("Cache-Control", "private")
		case "/missing":
			w.WriteHeader(http.StatusNotFound)
		}
		fmt.Fprint(w, "body")
	})
	p := startProxy(t, testConfig(t))
	client := proxyClient(p)

	for _, path := range []string{"/private", "/missing", "/private", "/missing"} {
		resp, err := client.Get(o.URL + path)
		require.NoError(t, err)
		assert.Equal(t, "body", readBody(t, resp))
	}

	assert.Equal(t, int64(4), o.hits.Load())
	assert.Equal(t, 0, p.Cache().NumberOfEntries())
}

func TestProxyRevalidatesExpiredEntry(t *testing.T) {
	var conditional atomic.Int64
	o := newOrigin(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"v1"`)
		w.Header().Set("Cache-Control", "max-age=0")
		if r.Header.Get("If-None-Match") == `"v1"` {
			conditional.Add(1)
			w.WriteHeader(http.StatusNotModified)
			return
		}
		fmt.Fprint(w, "version one")
	})
	p := startProxy(t, testConfig(t))
	client := proxyClient(p)

	resp, err := client.Get(o.URL + "/doc")
	require.NoError(t, err)
	assert.Equal(t, "version one", readBody(t, resp))

	require.Eventually(t, func() bool {
		return p.Cache().NumberOfEntries() == 1
	}, 5*time.Second, 10*time.Millisecond)

	resp, err = client.Get(o.URL + "/doc")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "version one", readBody(t, resp))
	assert.Equal(t, int64(2), o.hits.Load())
	assert.Equal(t, int64(1), conditional.Load(), "the proxy sent the cached validator")

	// the client's own validator is answered with a 304
	req, err := http.NewRequest(http.MethodGet, o.URL+"/doc", nil)
	require.NoError(t, err)
	req.Header.Set("If-None-Match", `"v1"`)
	resp, err = client.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotModified, resp.StatusCode)
	assert.Empty(t, readBody(t, resp))
}

func TestProxyServesStaleWhenOriginDown(t *testing.T) {
	o := newOrigin(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Last-Modified", "Mon, 01 Jan 2024 00:00:00 GMT")
		w.Header().Set("Cache-Control", "max-age=0")
		fmt.Fprint(w, "stale but useful")
	})
	p := startProxy(t, testConfig(t))
	client := proxyClient(p)

	resp, err := client.Get(o.URL + "/news")
	require.NoError(t, err)
	assert.Equal(t, "stale but useful", readBody(t, resp))

	require.Eventually(t, func() bool {
		return p.Cache().NumberOfEntries() == 1
	}, 5*time.Second, 10*time.Millisecond)

	o.Close()

	resp, err = client.Get(o.URL + "/news")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "stale but useful", readBody(t, resp))
	assert.Contains(t, resp.Header.Get("Warning"), "110")

	resp, err = client.Get(o.URL + "/never-fetched")
	require.NoError(t, err)
	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
	readBody(t, resp)
}

func TestProxyKeepAlive(t *testing.T) {
	o := newOrigin(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "ok")
	})
	p := startProxy(t, testConfig(t))

	t.Run("HTTP/1.0 closes by default", func(t *testing.T) {
		resp, _, br := rawExchange(t, p, "GET "+o.URL+"/a HTTP/1.0\r\n\r\n")
		assert.Equal(t, "ok", readBody(t, resp))
		assert.True(t, resp.Close)

		_, err := br.ReadByte()
		assert.ErrorIs(t, err, io.EOF)
	})

	t.Run("HTTP/1.0 with keep-alive", func(t *testing.T) {
		resp, conn, br := rawExchange(t, p, "GET "+o.URL+"/b HTTP/1.0\r\nConnection: keep-alive\r\n\r\n")
		assert.Equal(t, "ok", readBody(t, resp))
		assert.Equal(t, "Keep-Alive", resp.Header.Get("Connection"))
		assert.Equal(t, "2", resp.Header.Get("Content-Length"))

		_, err := io.WriteString(conn, "GET "+o.URL+"/c HTTP/1.0\r\nConnection: keep-alive\r\n\r\n")
		require.NoError(t, err)
		resp, err = http.ReadResponse(br, nil)
		require.NoError(t, err)
		assert.Equal(t, "ok", readBody(t, resp))
	})

	t.Run("HTTP/1.1 pipelined", func(t *testing.T) {
		req := "GET " + o.URL + "/d HTTP/1.1\r\nHost: x\r\n\r\n"
		resp, _, br := rawExchange(t, p, req+req)
		assert.Equal(t, "ok", readBody(t, resp))
		assert.False(t, resp.Close)

		resp, err := http.ReadResponse(br, nil)
		require.NoError(t, err)
		assert.Equal(t, "ok", readBody(t, resp))
	})
}

func TestProxyRejectsBadRequests(t *testing.T) {
	p := startProxy(t, testConfig(t))

	tests := []struct {
		name    string
		request string
		status  int
	}{
		{name: "path without host", request: "GET /index.html HTTP/1.1\r\n\r\n", status: http.StatusBadRequest},
		{name: "malformed field", request: "GET http://example.com/ HTTP/1.1\r\nno colon here\r\n\r\n", status: http.StatusBadRequest},
		{
			name:    "request line too long",
			request: "GET http://example.com/" + strings.Repeat("a", 10000) + " HTTP/1.1\r\n\r\n",
			status:  http.StatusRequestURITooLong,
		},
		{name: "unsupported expectation", request: "GET http://example.com/ HTTP/1.1\r\nExpect: magic\r\n\r\n", status: http.StatusExpectationFailed},
		{name: "unsupported scheme", request: "GET https://example.com/ HTTP/1.1\r\n\r\n", status: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _, _ := rawExchange(t, p, tt.request)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.True(t, resp.Close)
			assert.Contains(t, readBody(t, resp), "<html>")
		})
	}
}

func TestProxyLookupAndPostBody(t *testing.T) {
	o := newOrigin(t, func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		assert.Equal(t, "origin.test", strings.Split(r.Host, ":")[0])
		fmt.Fprintf(w, "%s %s", r.Method, b)
	})
	_, port, err := net.SplitHostPort(o.Listener.Addr().String())
	require.NoError(t, err)

	lookup := func(ctx context.Context, host string) ([]string, error) {
		if host == "origin.test" {
			return []string{"127.0.0.1"}, nil
		}
		return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
	}
	p := startProxy(t, testConfig(t), WithLookup(lookup))
	client := proxyClient(p)

	resp, err := client.Post("http://origin.test:"+port+"/form", "text/plain", strings.NewReader("payload"))
	require.NoError(t, err)
	assert.Equal(t, "POST payload", readBody(t, resp))
	assert.Equal(t, 0, p.Cache().NumberOfEntries())

	resp, err = client.Get("http://unknown.test/")
	require.NoError(t, err)
	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
	readBody(t, resp)
}

func TestProxyReverseMode(t *testing.T) {
	o := newOrigin(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "%s via %s", r.URL.Path, r.Header.Get("X-Forwarded-Host"))
	})
	cfg := testConfig(t)
	cfg.Filters.Reverse.Targets = []string{o.URL}
	p := startProxy(t, cfg)

	resp, err := http.Get("http://" + p.Addr().String() + "/app/x")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "/app/x via "+p.Addr().String(), readBody(t, resp))

	require.NotNil(t, p.filters.Reverse())
	assert.Equal(t, int64(1), p.filters.Reverse().Stats()[0].Requests)
}

func echoServer(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(conn, conn)
			}()
		}
	}()
	return ln
}

func TestProxyConnectTunnel(t *testing.T) {
	echo := echoServer(t)
	target := echo.Addr().String()

	t.Run("tunnel established", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Tunnel.AllowedPorts = nil
		p := startProxy(t, cfg)

		resp, conn, br := rawExchange(t, p, "CONNECT "+target+" HTTP/1.1\r\nHost: "+target+"\r\n\r\n")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "burrow", resp.Header.Get("Proxy-agent"))

		_, err := io.WriteString(conn, "ping\n")
		require.NoError(t, err)
		line, err := br.ReadString('\n')
		require.NoError(t, err)
		assert.Equal(t, "ping\n", line)
	})

	t.Run("port not allowed", func(t *testing.T) {
		p := startProxy(t, testConfig(t))

		resp, _, _ := rawExchange(t, p, "CONNECT "+target+" HTTP/1.1\r\n\r\n")
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		readBody(t, resp)
	})

	t.Run("tunnelling disabled", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Tunnel.Enabled = false
		p := startProxy(t, cfg)

		resp, _, _ := rawExchange(t, p, "CONNECT "+target+" HTTP/1.1\r\n\r\n")
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		readBody(t, resp)
	})
}

func TestProxyAdminEndpoints(t *testing.T) {
	o := newOrigin(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "ok")
	})
	cfg := testConfig(t)
	cfg.Admin.Enabled = true
	cfg.Admin.Port = freePort(t)
	p := startProxy(t, cfg)
	require.NotNil(t, p.AdminAddr())
	base := "http://" + p.AdminAddr().String()

	resp, err := proxyClient(p).Get(o.URL + "/")
	require.NoError(t, err)
	readBody(t, resp)

	resp, err = http.Get(base + "/health")
	require.NoError(t, err)
	var health map[string]string
	require.NoError(t, json.Unmarshal([]byte(readBody(t, resp)), &health))
	assert.Equal(t, "healthy", health["status"])
	assert.Equal(t, Version, health["version"])

	// traffic is added once the request has been logged
	var status Status
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/status")
		if err != nil {
			return false
		}
		status = Status{}
		if err := json.Unmarshal([]byte(readBody(t, resp)), &status); err != nil {
			return false
		}
		client := status.Traffic["client"]
		return client.Write+client.TransferFrom > 0
	}, 5*time.Second, 20*time.Millisecond)
	require.NotNil(t, status.Cache)
	assert.Equal(t, cfg.Cache.MaxSize, status.Cache.MaxSize)
	assert.GreaterOrEqual(t, status.Pool.Created, int64(1))

	resp, err = http.Get(base + cfg.Admin.MetricsPath)
	require.NoError(t, err)
	metrics := readBody(t, resp)
	assert.Contains(t, metrics, "burrow_cache_misses_total")
	assert.Contains(t, metrics, "burrow_connections_accepted_total")
}

func TestProxyWithoutCache(t *testing.T) {
	o := newOrigin(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "max-age=60")
		fmt.Fprint(w, "fresh")
	})
	cfg := testConfig(t)
	cfg.Cache.MaxSize = 0
	p := startProxy(t, cfg)
	require.Nil(t, p.Cache())

	client := proxyClient(p)
	for i := 0; i < 2; i++ {
		resp, err := client.Get(o.URL + "/")
		require.NoError(t, err)
		assert.Equal(t, "fresh", readBody(t, resp))
	}
	assert.Equal(t, int64(2), o.hits.Load())
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Filters.In = []string{"nonsense"}
	_, err := New(cfg, logger.Discard())
	assert.Error(t, err)

	cfg = testConfig(t)
	cfg.Server.Port = -1
	_, err = New(cfg, logger.Discard())
	assert.Error(t, err)
}
