// Package buffer provides pooled byte buffers in two size classes and a
// Handle that tracks read and write positions within one pooled buffer.
package buffer

import "sync/atomic"

const (
	DefaultSmallSize = 4 * 1024
	DefaultLargeSize = 128 * 1024
)

// Pool hands out small and large buffers. Returned buffers are kept
// forever; the pool never shrinks.
type Pool struct {
	smallSize int
	largeSize int

	small stack
	large stack

	gets   atomic.Int64
	puts   atomic.Int64
	allocs atomic.Int64
}

// Stats is a snapshot of the pool counters.
type Stats struct {
	Gets        int64 `json:"gets"`
	Puts        int64 `json:"puts"`
	Allocations int64 `json:"allocations"`
}

// NewPool creates a pool. Sizes that are zero or negative get the defaults;
// a large size smaller than the small size is raised to it.
func NewPool(smallSize, largeSize int) *Pool {
	if smallSize <= 0 {
		smallSize = DefaultSmallSize
	}
	if largeSize <= 0 {
		largeSize = DefaultLargeSize
	}
	if largeSize < smallSize {
		largeSize = smallSize
	}

	return &Pool{smallSize: smallSize, largeSize: largeSize}
}

func (p *Pool) SmallSize() int { return p.smallSize }
func (p *Pool) LargeSize() int { return p.largeSize }

// Get returns a small buffer with len == cap == SmallSize.
func (p *Pool) Get() []byte {
	return p.get(&p.small, p.smallSize)
}

// GetLarge returns a large buffer with len == cap == LargeSize.
func (p *Pool) GetLarge() []byte {
	return p.get(&p.large, p.largeSize)
}

func (p *Pool) get(s *stack, size int) []byte {
	p.gets.Add(1)
	if b := s.pop(); b != nil {
		return b
	}
	p.allocs.Add(1)
	return make([]byte, size)
}

// Put returns a buffer. The class is chosen by capacity; buffers of any
// other capacity are left to the garbage collector.
func (p *Pool) Put(b []byte) {
	switch cap(b) {
	case p.largeSize:
		p.large.push(b[:cap(b)])
	case p.smallSize:
		p.small.push(b[:cap(b)])
	default:
		return
	}
	p.puts.Add(1)
}

// Grow copies b into a large buffer and returns b to the pool.
func (p *Pool) Grow(b []byte) []byte {
	large := p.GetLarge()
	copy(large, b)
	p.Put(b)
	return large
}

// Stats returns the current counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Gets:        p.gets.Load(),
		Puts:        p.puts.Load(),
		Allocations: p.allocs.Load(),
	}
}

// stack is a Treiber stack. Nodes are never reused, so a CAS cannot
// succeed against a recycled head.
type stack struct {
	head atomic.Pointer[node]
}

type node struct {
	buf  []byte
	next *node
}

func (s *stack) push(b []byte) {
	n := &node{buf: b}
	for {
		old := s.head.Load()
		n.next = old
		if s.head.CompareAndSwap(old, n) {
			return
		}
	}
}

func (s *stack) pop() []byte {
	for {
		old := s.head.Load()
		if old == nil {
			return nil
		}
		if s.head.CompareAndSwap(old, old.next) {
			return old.buf
		}
	}
}
