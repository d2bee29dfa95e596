package connpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"burrow/internal/nio"
)

func newTestDispatcher(t *testing.T) *nio.Dispatcher {
	t.Helper()

	d, err := nio.New(nio.Config{Loops: 2, Workers: 8, DefaultTimeout: 5 * time.Second}, nil, nil)
	require.NoError(t, err)
	d.Start()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = d.Shutdown(ctx)
	})
	return d
}

type countingLookup struct {
	calls   atomic.Int32
	release chan struct{}
	answer  []string
	err     error
}

func (c *countingLookup) lookup(ctx context.Context, host string) ([]string, error) {
	c.calls.Add(1)
	if c.release != nil {
		<-c.release
	}
	return c.answer, c.err
}

func TestSimpleResolverLiteral(t *testing.T) {
	lk := &countingLookup{answer: []string{"10.0.0.1"}}
	r := NewSimpleResolver(newTestDispatcher(t), time.Minute, 8, lk.lookup)

	addr, err := r.Lookup(context.Background(), "192.0.2.7")
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.7", addr)
	assert.Zero(t, lk.calls.Load())
}

func TestSimpleResolverCachesWithTTL(t *testing.T) {
	lk := &countingLookup{answer: []string{"10.0.0.1", "10.0.0.2"}}
	r := NewSimpleResolver(newTestDispatcher(t), time.Minute, 8, lk.lookup)

	now := time.Now()
	r.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		addr, err := r.Lookup(context.Background(), "origin.test")
		require.NoError(t, err)
		assert.Equal(t, "10.0.0.1", addr)
	}
	assert.Equal(t, int32(1), lk.calls.Load())

	now = now.Add(2 * time.Minute)
	_, err := r.Lookup(context.Background(), "origin.test")
	require.NoError(t, err)
	assert.Equal(t, int32(2), lk.calls.Load())
}

func TestSimpleResolverSharesConcurrentLookups(t *testing.T) {
	lk := &countingLookup{answer: []string{"10.0.0.1"}, release: make(chan struct{})}
	r := NewSimpleResolver(newTestDispatcher(t), 0, 8, lk.lookup)

	var wg sync.WaitGroup
	results := make(chan string, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			addr, err := r.Lookup(context.Background(), "origin.test")
			if err == nil {
				results <- addr
			}
		}()
	}

	require.Eventually(t, func() bool { return lk.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(lk.release)
	wg.Wait()
	close(results)

	n := 0
	for addr := range results {
		assert.Equal(t, "10.0.0.1", addr)
		n++
	}
	assert.Equal(t, 5, n)
	assert.Equal(t, int32(1), lk.calls.Load())
}

func TestSimpleResolverErrors(t *testing.T) {
	tests := []struct {
		name   string
		answer []string
		err    error
	}{
		{name: "lookup failure", err: errors.New("no such host")},
		{name: "empty answer"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lk := &countingLookup{answer: tt.answer, err: tt.err}
			r := NewSimpleResolver(newTestDispatcher(t), time.Minute, 8, lk.lookup)

			_, err := r.Lookup(context.Background(), "missing.test")
			assert.Error(t, err)
		})
	}
}

func TestProxyResolver(t *testing.T) {
	lk := &countingLookup{answer: []string{"10.9.9.9"}}
	next := NewSimpleResolver(newTestDispatcher(t), time.Minute, 8, lk.lookup)

	r := NewProxyResolver("parent.test", 3128, "user:secret", next)
	addr, err := r.Lookup(context.Background(), "origin.test")
	require.NoError(t, err)

	assert.Equal(t, "10.9.9.9", addr)
	assert.Equal(t, 3128, r.ConnectPort(80))
	assert.True(t, r.IsProxyConnected())
	assert.Equal(t, "Basic dXNlcjpzZWNyZXQ=", r.ProxyAuth())

	assert.Empty(t, NewProxyResolver("parent.test", 3128, "", next).ProxyAuth())
}
