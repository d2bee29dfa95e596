package cache

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"burrow/internal/httpio"
	"burrow/pkg/logger"
)

func TestHTTPCacheRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{Directory: dir, MaxSize: 1 << 20, CacheTime: time.Hour}

	c, err := NewHTTPCache(cfg, logger.Discard(), nil)
	require.NoError(t, err)

	req := httpio.NewRequest("GET", "http://example.com/page?q=1", "HTTP/1.1")
	req.Set("Host", "example.com")

	resp := httpio.NewResponse("HTTP/1.1", 200, "OK")
	resp.Set("Content-Type", "text/plain")
	resp.Set("ETag", `"v1"`)
	resp.Set("Content-Length", "5")

	p := c.Reserve(req)
	require.NoError(t, os.WriteFile(p.TempPath, []byte("hello"), 0o644))
	p.Hook = resp
	_, err = c.Commit(p)
	require.NoError(t, err)
	require.NoError(t, c.Flush())

	reopened, err := NewHTTPCache(cfg, logger.Discard(), nil)
	require.NoError(t, err)

	probe := httpio.NewRequest("GET", "http://example.com/page?q=1", "HTTP/1.0")
	e, ok := reopened.Lookup(probe)
	require.True(t, ok)

	hook, err := reopened.Hook(e)
	require.NoError(t, err)
	assert.Equal(t, 200, hook.StatusCode())
	assert.Equal(t, `"v1"`, hook.Get("ETag"))
	assert.Equal(t, "text/plain", hook.Get("Content-Type"))

	key, err := reopened.Key(e)
	require.NoError(t, err)
	assert.Equal(t, "GET", key.Method())
	assert.Equal(t, "example.com", key.Get("Host"))
}
