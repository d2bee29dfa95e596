package proxy

import (
	"bytes"
	"context"
	"io"
	"mime"
	"net"
	"strings"

	"burrow/internal/httpio"
)

type bodyKind int

const (
	bodyLength bodyKind = iota
	bodyChunked
	bodyMultipart
)

// clientBody relays a request body from the client to the upstream
// connection unchanged. It only decodes as much as it needs to find the
// end of the body.
type clientBody struct {
	kind      bodyKind
	remaining int64
	decoder   *httpio.ChunkDecoder
	scratch   []byte

	// end is the closing multipart delimiter; tail keeps the last bytes
	// seen so a delimiter split between reads is still found.
	end  []byte
	tail []byte

	started bool
}

// setupClientBody inspects the request for a body. Requests with a body
// are neither answered from nor stored in the cache.
func (c *Connection) setupClientBody() {
	req := c.request
	srv := c.proxy.cfg.Server

	switch {
	case c.reqChunked:
		c.body = &clientBody{kind: bodyChunked, decoder: httpio.NewChunkDecoder(srv.StrictHTTP, srv.MaxLineLength)}
	case c.reqLength > 0:
		c.body = &clientBody{kind: bodyLength, remaining: c.reqLength}
	default:
		ct := req.Get("Content-Type")
		if !strings.HasPrefix(strings.ToLower(strings.TrimSpace(ct)), "multipart/byteranges") {
			return
		}
		_, params, err := mime.ParseMediaType(ct)
		if err != nil || params["boundary"] == "" {
			return
		}
		c.body = &clientBody{kind: bodyMultipart, end: []byte("--" + params["boundary"] + "--")}
	}

	c.SetMayUseCache(false)
	c.SetMayCache(false)
}

// transfer copies the body, starting with bytes already read along with
// the header, to dst.
func (b *clientBody) transfer(ctx context.Context, c *Connection, dst net.Conn) error {
	d := c.proxy.d
	h := c.requestHandle

	for {
		if unread := h.Unread(); len(unread) > 0 {
			n, done, err := b.take(unread)
			if err != nil {
				return err
			}
			if n > 0 {
				b.started = true
				written, err := d.WriteAll(ctx, dst, unread[:n], d.DefaultDeadline())
				c.upstream.Write(written)
				h.Consume(n)
				if err != nil {
					return err
				}
			}
			if done {
				return nil
			}
		}

		space := h.Space()
		if len(space) == 0 {
			h.Grow()
			continue
		}
		n, err := d.ReadSome(ctx, c.ch, space, d.DefaultDeadline())
		if n > 0 {
			h.Advance(n)
			c.client.Read(n)
		}
		if err != nil {
			if err == io.EOF {
				return io.ErrUnexpectedEOF
			}
			return err
		}
	}
}

// take reports how many bytes at the start of p belong to the body and
// whether the body ends within them.
func (b *clientBody) take(p []byte) (int, bool, error) {
	switch b.kind {
	case bodyChunked:
		out, n, err := b.decoder.Decode(b.scratch[:0], p)
		b.scratch = out
		if err != nil {
			return 0, false, err
		}
		return n, b.decoder.Done(), nil

	case bodyMultipart:
		joined := append(append([]byte{}, b.tail...), p...)
		if i := bytes.Index(joined, b.end); i >= 0 {
			n := i + len(b.end) - len(b.tail)
			if bytes.HasPrefix(p[n:], []byte("\r\n")) {
				n += 2
			}
			return n, true, nil
		}
		keep := len(b.end) - 1
		if len(joined) < keep {
			keep = len(joined)
		}
		b.tail = append(b.tail[:0], joined[len(joined)-keep:]...)
		return len(p), false, nil

	default:
		n := int64(len(p))
		if n > b.remaining {
			n = b.remaining
		}
		b.remaining -= n
		return int(n), b.remaining == 0, nil
	}
}
