package proxy

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"burrow/internal/cache"
	"burrow/internal/httpio"
)

func responseWith(fields map[string]string) *httpio.Header {
	h := httpio.NewResponse("HTTP/1.1", 200, "OK")
	for k, v := range fields {
		h.Set(k, v)
	}
	return h
}

func TestExpiryFor(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	date := now.Add(-10 * time.Second).Format(http.TimeFormat)

	tests := []struct {
		name   string
		fields map[string]string
		want   time.Time
	}{
		{name: "fallback", want: now.Add(time.Hour)},
		{name: "max-age", fields: map[string]string{"Cache-Control": "max-age=60"}, want: now.Add(time.Minute)},
		{
			name:   "s-maxage wins",
			fields: map[string]string{"Cache-Control": "max-age=60, s-maxage=120"},
			want:   now.Add(2 * time.Minute),
		},
		{name: "no-cache", fields: map[string]string{"Cache-Control": "no-cache, max-age=60"}, want: now},
		{name: "zero max-age", fields: map[string]string{"Cache-Control": "max-age=0"}, want: now},
		{name: "bad max-age", fields: map[string]string{"Cache-Control": "max-age=soon"}, want: now},
		{
			name: "expires relative to date",
			fields: map[string]string{
				"Date":    date,
				"Expires": now.Add(50 * time.Second).Format(http.TimeFormat),
			},
			want: now.Add(time.Minute),
		},
		{
			name:   "expires without date",
			fields: map[string]string{"Expires": now.Add(time.Minute).Format(http.TimeFormat)},
			want:   now.Add(time.Minute),
		},
		{name: "invalid expires", fields: map[string]string{"Expires": "0"}, want: now},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := expiryFor(responseWith(tt.fields), now, time.Hour)
			assert.True(t, tt.want.Equal(got), "want %v, got %v", tt.want, got)
		})
	}
}

func TestSetAge(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		fields map[string]string
		want   string
	}{
		{name: "nothing known", want: ""},
		{name: "apparent age", fields: map[string]string{"Date": now.Add(-30 * time.Second).Format(http.TimeFormat)}, want: "30"},
		{
			name: "upstream age larger",
			fields: map[string]string{
				"Date": now.Add(-5 * time.Second).Format(http.TimeFormat),
				"Age":  "100",
			},
			want: "100",
		},
		{name: "date in the future", fields: map[string]string{"Date": now.Add(time.Minute).Format(http.TimeFormat)}, want: ""},
		{name: "bad age kept", fields: map[string]string{"Age": "old"}, want: "old"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := responseWith(tt.fields)
			setAge(h, now)
			assert.Equal(t, tt.want, h.Get("Age"))
		})
	}
}

func TestEntryAge(t *testing.T) {
	now := time.Now()
	e := &cache.Entry{CacheTime: now.Add(-20 * time.Second)}

	assert.Equal(t, int64(20), entryAge(e, responseWith(nil), now))
	assert.Equal(t, int64(25), entryAge(e, responseWith(map[string]string{"Age": "5"}), now))

	future := &cache.Entry{CacheTime: now.Add(time.Minute)}
	assert.Equal(t, int64(0), entryAge(future, responseWith(nil), now))
}

func TestETagMatching(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want bool
	}{
		{name: "equal", a: `"v1"`, b: `"v1"`, want: true},
		{name: "weak and strong", a: `W/"v1"`, b: `"v1"`, want: true},
		{name: "different", a: `"v1"`, b: `"v2"`},
		{name: "missing on one side", a: `"v1"`, b: "", want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := responseWith(map[string]string{"ETag": tt.a})
			b := responseWith(nil)
			if tt.b != "" {
				b.Set("ETag", tt.b)
			}
			assert.Equal(t, tt.want, weakETagMatch(a, b))
		})
	}

	assert.True(t, etagListMatches(`"a", W/"b"`, `"b"`))
	assert.True(t, etagListMatches(`*`, `"x"`))
	assert.False(t, etagListMatches(`"a"`, `"b"`))
	assert.False(t, etagListMatches(`*`, ""))
}

func TestUpdateHeader(t *testing.T) {
	cached := responseWith(map[string]string{
		"ETag":          `"v1"`,
		"Content-Type":  "text/plain",
		"Cache-Control": "max-age=10",
	})
	cached.Add("Warning", `110 burrow "Response is stale"`)
	cached.Add("Warning", `299 burrow "Kept"`)

	notModified := httpio.NewResponse("HTTP/1.1", 304, "Not Modified")
	notModified.Set("Cache-Control", "max-age=600")
	notModified.Set("Content-Length", "0")
	notModified.Set("Connection", "close")
	notModified.Set("Via", "1.1 upstream")

	updateHeader(cached, notModified)

	assert.Equal(t, "max-age=600", cached.Get("Cache-Control"))
	assert.Equal(t, "text/plain", cached.Get("Content-Type"))
	assert.Equal(t, `"v1"`, cached.Get("ETag"))
	assert.False(t, cached.Has("Content-Length"))
	assert.False(t, cached.Has("Connection"))
	assert.False(t, cached.Has("Via"))
	assert.Equal(t, []string{`299 burrow "Kept"`}, cached.GetAll("Warning"))
}

func TestCheckStaleCache(t *testing.T) {
	now := time.Now()
	older := now.Add(-time.Hour).Format(http.TimeFormat)
	newer := now.Format(http.TimeFormat)

	rh := &requestHandler{}
	assert.True(t, checkStaleCache(rh), "no entry")

	rh = &requestHandler{
		entry:     &cache.Entry{},
		dataHook:  responseWith(map[string]string{"Date": newer}),
		webHeader: responseWith(map[string]string{"Date": older}),
	}
	assert.False(t, checkStaleCache(rh), "older response than the cached one")

	rh.webHeader = responseWith(map[string]string{"Date": newer})
	assert.True(t, checkStaleCache(rh))

	rh.webHeader = responseWith(nil)
	assert.True(t, checkStaleCache(rh), "undated response")
}

func TestIs304(t *testing.T) {
	lastModified := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cached := responseWith(map[string]string{
		"ETag":          `"v1"`,
		"Last-Modified": lastModified.Format(http.TimeFormat),
		"Content-Type":  "text/plain",
	})

	tests := []struct {
		name     string
		fields   map[string]string
		addedINM bool
		want     bool
	}{
		{name: "unconditional"},
		{name: "etag match", fields: map[string]string{"If-None-Match": `"v1"`}, want: true},
		{name: "etag mismatch", fields: map[string]string{"If-None-Match": `"v0"`}},
		{
			name:     "validator added by the proxy",
			fields:   map[string]string{"If-None-Match": `"v1"`},
			addedINM: true,
		},
		{
			name:   "not modified since",
			fields: map[string]string{"If-Modified-Since": lastModified.Add(time.Hour).Format(http.TimeFormat)},
			want:   true,
		},
		{
			name:   "modified since",
			fields: map[string]string{"If-Modified-Since": lastModified.Add(-time.Hour).Format(http.TimeFormat)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := testConnection()
			c.proxy = &HTTPProxy{pages: newPageGenerator("burrow")}
			c.request = httpio.NewRequest("GET", "http://example.com/", "HTTP/1.1")
			for k, v := range tt.fields {
				c.request.Set(k, v)
			}
			c.addedINM = tt.addedINM

			resp := c.is304(&requestHandler{dataHook: cached})
			if !tt.want {
				assert.Nil(t, resp)
				return
			}
			require.NotNil(t, resp)
			assert.Equal(t, 304, resp.Header.StatusCode())
			assert.Equal(t, `"v1"`, resp.Header.Get("ETag"))
			assert.False(t, resp.Header.Has("Content-Type"))
		})
	}
}

func TestCacheKeyDropsAddedValidators(t *testing.T) {
	c := testConnection()
	c.request = httpio.NewRequest("GET", "http://example.com/", "HTTP/1.1")
	c.request.Set("If-None-Match", `"v1"`)
	c.request.Set("If-Modified-Since", "Mon, 01 Jan 2024 00:00:00 GMT")
	c.request.Set("Proxy-Authorization", "Basic c2VjcmV0")
	c.addedINM = true

	key := c.cacheKey()
	assert.False(t, key.Has("If-None-Match"))
	assert.True(t, key.Has("If-Modified-Since"))
	assert.False(t, key.Has("Proxy-Authorization"))
	assert.True(t, c.request.Has("If-None-Match"), "request itself is untouched")
}
