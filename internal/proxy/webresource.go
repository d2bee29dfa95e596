package proxy

import (
	"context"
	"errors"
	"io"

	"burrow/internal/buffer"
	"burrow/internal/connpool"
	"burrow/internal/httpio"
	"burrow/internal/nio"
)

var errNoTransfer = errors.New("upstream bodies cannot be transferred from a file")

// webResource is a response body read from an upstream connection. The
// body is delimited by Content-Length, by chunked coding or by the server
// closing the connection. Chunked bodies are decoded; the trailer is kept
// for re-encoding towards the client.
type webResource struct {
	c      *Connection
	wc     *connpool.WebConnection
	handle *buffer.Handle

	length     int64
	remaining  int64
	untilClose bool
	decoder    *httpio.ChunkDecoder
	out        []byte

	done     bool
	released bool
}

func newWebResource(c *Connection, wc *connpool.WebConnection, handle *buffer.Handle, chunked bool,
	size int64, noBody bool) *webResource {
	r := &webResource{c: c, wc: wc, handle: handle, length: size}

	srv := c.proxy.cfg.Server
	switch {
	case noBody:
		r.done = true
	case chunked:
		r.length = -1
		r.decoder = httpio.NewChunkDecoder(srv.StrictHTTP, srv.MaxLineLength)
	case size >= 0:
		r.remaining = size
		r.done = size == 0
	default:
		r.untilClose = true
		wc.SetKeepAlive(false)
	}
	return r
}

func (r *webResource) SupportsTransfer() bool { return false }
func (r *webResource) Length() int64          { return r.length }

func (r *webResource) TransferTo(context.Context, *nio.Dispatcher, nio.Channel, *httpio.TrafficLogger) (int64, error) {
	return 0, errNoTransfer
}

// Trailer returns the trailer of a chunked body once it has been read.
func (r *webResource) Trailer() *httpio.Header {
	if r.decoder == nil {
		return nil
	}
	return r.decoder.Trailer()
}

// ReadBlock returns the next piece of the body. The block is only valid
// until the next call. io.EOF marks the end of the body.
func (r *webResource) ReadBlock(ctx context.Context) ([]byte, error) {
	for {
		if r.done {
			return nil, io.EOF
		}

		if unread := r.handle.Unread(); len(unread) > 0 {
			block, err := r.take(unread)
			if err != nil {
				return nil, err
			}
			if len(block) > 0 {
				return block, nil
			}
			continue
		}

		if err := r.fill(ctx); err != nil {
			if errors.Is(err, io.EOF) {
				if r.untilClose {
					r.done = true
					return nil, io.EOF
				}
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}
}

// take consumes the body bytes at the start of unread.
func (r *webResource) take(unread []byte) ([]byte, error) {
	switch {
	case r.decoder != nil:
		out, n, err := r.decoder.Decode(r.out[:0], unread)
		r.out = out
		r.handle.Consume(n)
		if err != nil {
			return nil, err
		}
		r.done = r.decoder.Done()
		return out, nil

	case r.untilClose:
		r.handle.Consume(len(unread))
		return unread, nil

	default:
		n := int64(len(unread))
		if n > r.remaining {
			n = r.remaining
		}
		r.remaining -= n
		r.done = r.remaining == 0
		r.handle.Consume(int(n))
		return unread[:n], nil
	}
}

func (r *webResource) fill(ctx context.Context) error {
	space := r.handle.Space()
	if len(space) == 0 {
		r.handle.Grow()
		space = r.handle.Space()
	}

	d := r.c.proxy.d
	n, err := d.ReadSome(ctx, r.wc.Conn(), space, d.DefaultDeadline())
	if n > 0 {
		r.handle.Advance(n)
		r.c.upstream.Read(n)
	}
	return err
}

// Release hands the connection back to the pool when the whole body was
// read and the server keeps it open, and closes it otherwise.
func (r *webResource) Release() {
	if r.released {
		return
	}
	r.released = true

	leftover := !r.handle.Empty()
	r.handle.Release()

	if r.done && !leftover && r.wc.KeepAlive() {
		r.c.proxy.pool.ReleaseConnection(r.wc)
		return
	}
	r.wc.Close()
}
