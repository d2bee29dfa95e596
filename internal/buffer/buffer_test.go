package buffer

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolReuse(t *testing.T) {
	p := NewPool(16, 64)

	b := p.Get()
	assert.Len(t, b, 16)
	p.Put(b[:3])

	again := p.Get()
	assert.Len(t, again, 16, "length is restored on reuse")
	assert.Same(t, &b[0], &again[0])

	stats := p.Stats()
	assert.Equal(t, int64(2), stats.Gets)
	assert.Equal(t, int64(1), stats.Puts)
	assert.Equal(t, int64(1), stats.Allocations)
}

func TestPoolClassByCapacity(t *testing.T) {
	p := NewPool(16, 64)

	tests := []struct {
		name    string
		buf     []byte
		counted bool
	}{
		{name: "small", buf: make([]byte, 16), counted: true},
		{name: "large", buf: make([]byte, 64), counted: true},
		{name: "foreign", buf: make([]byte, 32), counted: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := p.Stats().Puts
			p.Put(tt.buf)
			if tt.counted {
				assert.Equal(t, before+1, p.Stats().Puts)
			} else {
				assert.Equal(t, before, p.Stats().Puts)
			}
		})
	}
}

func TestPoolDefaults(t *testing.T) {
	p := NewPool(0, 0)
	assert.Equal(t, DefaultSmallSize, p.SmallSize())
	assert.Equal(t, DefaultLargeSize, p.LargeSize())

	q := NewPool(1024, 10)
	assert.Equal(t, 1024, q.LargeSize())
}

func TestPoolGrowKeepsContent(t *testing.T) {
	p := NewPool(4, 8)
	b := p.Get()
	copy(b, "abcd")

	large := p.Grow(b)
	require.Len(t, large, 8)
	assert.Equal(t, "abcd", string(large[:4]))
	assert.Equal(t, int64(1), p.Stats().Puts)
}

func TestPoolConcurrentUse(t *testing.T) {
	p := NewPool(8, 32)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				b := p.Get()
				b[0] = byte(j)
				p.Put(b)
			}
		}()
	}
	wg.Wait()

	stats := p.Stats()
	assert.Equal(t, int64(8000), stats.Gets)
	assert.Equal(t, int64(8000), stats.Puts)
	assert.LessOrEqual(t, stats.Allocations, int64(8))
}

func TestHandleCursors(t *testing.T) {
	p := NewPool(8, 32)
	h := NewHandle(p)

	assert.True(t, h.Empty())
	assert.False(t, h.HasBuffer())

	n := copy(h.Space(), "hello")
	h.Advance(n)
	assert.Equal(t, "hello", string(h.Unread()))

	h.Consume(2)
	assert.Equal(t, "llo", string(h.Unread()))

	h.Advance(copy(h.Space(), "abc"))
	assert.False(t, h.Full())
	assert.Equal(t, "lloabc", string(h.Unread()))

	// Space compacts once the tail is used up
	assert.Len(t, h.Space(), 2)
	assert.Equal(t, "lloabc", string(h.Unread()))

	h.Consume(6)
	assert.True(t, h.Empty())
}

func TestHandleGrow(t *testing.T) {
	p := NewPool(4, 16)
	h := NewHandle(p)

	h.Advance(copy(h.Space(), "abcd"))
	require.True(t, h.Full())
	assert.False(t, h.IsLarge())

	h.Grow()
	assert.True(t, h.IsLarge())
	assert.Equal(t, "abcd", string(h.Unread()))
	assert.Len(t, h.Space(), 12)

	_, err := h.Write(make([]byte, 20))
	require.NoError(t, err)
	assert.Len(t, h.Unread(), 24)
}

func TestHandleFlushAndRelease(t *testing.T) {
	p := NewPool(8, 32)
	h := NewHandle(p)

	h.Advance(copy(h.Space(), "x"))
	h.PossiblyFlush()
	assert.True(t, h.HasBuffer(), "unread data keeps the buffer")

	h.Consume(1)
	h.PossiblyFlush()
	assert.False(t, h.HasBuffer())
	assert.Equal(t, int64(1), p.Stats().Puts)

	h.Advance(copy(h.LargeBuffer(), "data"))
	h.Release()
	assert.False(t, h.HasBuffer())
	assert.True(t, h.Empty())
}
