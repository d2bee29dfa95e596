package buffer

// Handle owns at most one pooled buffer and the unread region within it:
// bytes in [r, w) have been received but not consumed. A Handle is not
// safe for concurrent use.
type Handle struct {
	pool *Pool
	buf  []byte
	r, w int
}

// NewHandle creates an empty handle drawing buffers from p.
func NewHandle(p *Pool) *Handle {
	return &Handle{pool: p}
}

// Empty reports whether there is no unread data.
func (h *Handle) Empty() bool {
	return h.r == h.w
}

// HasBuffer reports whether a buffer is currently held.
func (h *Handle) HasBuffer() bool {
	return h.buf != nil
}

// Buffer returns the held buffer, taking a small one if none is held.
func (h *Handle) Buffer() []byte {
	if h.buf == nil {
		h.buf = h.pool.Get()
		h.r, h.w = 0, 0
	}
	return h.buf
}

// LargeBuffer returns a held large buffer, growing a small one if needed.
func (h *Handle) LargeBuffer() []byte {
	switch {
	case h.buf == nil:
		h.buf = h.pool.GetLarge()
		h.r, h.w = 0, 0
	case !h.IsLarge():
		h.Grow()
	}
	return h.buf
}

// IsLarge reports whether the held buffer is at least the large size.
func (h *Handle) IsLarge() bool {
	return h.buf != nil && cap(h.buf) >= h.pool.largeSize
}

// Unread returns the received but unconsumed bytes.
func (h *Handle) Unread() []byte {
	if h.buf == nil {
		return nil
	}
	return h.buf[h.r:h.w]
}

// Consume marks n unread bytes as used.
func (h *Handle) Consume(n int) {
	h.r += n
	if h.r > h.w {
		h.r = h.w
	}
	if h.r == h.w {
		h.r, h.w = 0, 0
	}
}

// Space returns the writable tail of the buffer, compacting first when
// the tail is exhausted. An empty result means the buffer is full.
func (h *Handle) Space() []byte {
	h.Buffer()
	if h.w == len(h.buf) && h.r > 0 {
		h.Compact()
	}
	return h.buf[h.w:]
}

// Advance records that n bytes were written into Space.
func (h *Handle) Advance(n int) {
	h.w += n
}

// Full reports whether no more data fits without growing.
func (h *Handle) Full() bool {
	return h.buf != nil && h.r == 0 && h.w == len(h.buf)
}

// Compact moves the unread bytes to the start of the buffer.
func (h *Handle) Compact() {
	if h.r == 0 {
		return
	}
	n := copy(h.buf, h.buf[h.r:h.w])
	h.r, h.w = 0, n
}

// Grow replaces a small buffer by a large one, keeping the unread bytes.
// A large buffer is doubled outside the pool.
func (h *Handle) Grow() {
	if h.buf == nil {
		h.buf = h.pool.GetLarge()
		return
	}

	h.Compact()
	if !h.IsLarge() {
		h.buf = h.pool.Grow(h.buf)
		return
	}

	bigger := make([]byte, 2*len(h.buf))
	copy(bigger, h.buf[:h.w])
	h.pool.Put(h.buf)
	h.buf = bigger
}

// Write appends p, growing as needed. It never fails.
func (h *Handle) Write(p []byte) (int, error) {
	for len(h.Space()) < len(p) {
		h.Grow()
	}
	n := copy(h.buf[h.w:], p)
	h.w += n
	return n, nil
}

// PossiblyFlush gives the buffer back to the pool when it holds no
// unread data.
func (h *Handle) PossiblyFlush() {
	if h.buf != nil && h.Empty() {
		h.Release()
	}
}

// Release gives the buffer back, discarding any unread data.
func (h *Handle) Release() {
	if h.buf == nil {
		return
	}
	h.pool.Put(h.buf)
	h.buf = nil
	h.r, h.w = 0, 0
}
