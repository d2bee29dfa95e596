package httpio

import (
	"context"
	"io"
	"time"

	"burrow/internal/nio"
)

// SocketWriter adapts a dispatcher-managed channel to io.Writer. Each
// Write waits for write readiness as often as needed and fails once a
// single wait exceeds the timeout.
type SocketWriter struct {
	ctx     context.Context
	d       *nio.Dispatcher
	ch      nio.Channel
	traffic *TrafficLogger
	timeout time.Duration
}

// NewSocketWriter creates a writer for ch. A zero timeout uses the
// dispatcher default.
func NewSocketWriter(ctx context.Context, d *nio.Dispatcher, ch nio.Channel, traffic *TrafficLogger, timeout time.Duration) *SocketWriter {
	if timeout <= 0 {
		timeout = d.DefaultTimeout()
	}
	return &SocketWriter{ctx: ctx, d: d, ch: ch, traffic: traffic, timeout: timeout}
}

func (w *SocketWriter) Write(p []byte) (int, error) {
	n, err := w.d.WriteAll(w.ctx, w.ch, p, time.Now().Add(w.timeout))
	w.traffic.Write(n)
	return n, err
}

// ChunkEncoder is an io.WriteCloser that frames every Write as one chunk
// and writes the last chunk on Close.
type ChunkEncoder struct {
	w       io.Writer
	buf     []byte
	trailer *Header
	closed  bool
}

// NewChunkEncoder wraps w.
func NewChunkEncoder(w io.Writer) *ChunkEncoder {
	return &ChunkEncoder{w: w}
}

// SetTrailer sets fields written after the last chunk.
func (e *ChunkEncoder) SetTrailer(h *Header) {
	e.trailer = h
}

func (e *ChunkEncoder) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	e.buf = AppendChunk(e.buf[:0], p)
	if _, err := e.w.Write(e.buf); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close writes the chunk ending. It does not close the underlying writer.
func (e *ChunkEncoder) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	e.buf = AppendChunkEnding(e.buf[:0], e.trailer)
	_, err := e.w.Write(e.buf)
	return err
}

// BlockSender writes body blocks to a client channel, chunk framed when
// the client receives a chunked response.
type BlockSender struct {
	out     io.Writer
	encoder *ChunkEncoder
}

// NewBlockSender creates a sender writing to ch through d.
//
// Parameters:
//
//	ctx: Cancels pending write waits
//	d: Dispatcher used to wait for write readiness
//	ch: Destination channel
//	chunked: Frame blocks with chunked transfer coding
//	traffic: Counter for written bytes (may be nil)
func NewBlockSender(ctx context.Context, d *nio.Dispatcher, ch nio.Channel, chunked bool, traffic *TrafficLogger) *BlockSender {
	return newBlockSender(NewSocketWriter(ctx, d, ch, traffic, 0), chunked)
}

func newBlockSender(w io.Writer, chunked bool) *BlockSender {
	s := &BlockSender{out: w}
	if chunked {
		s.encoder = NewChunkEncoder(w)
		s.out = s.encoder
	}
	return s
}

// Chunked reports whether blocks are chunk framed.
func (s *BlockSender) Chunked() bool {
	return s.encoder != nil
}

// Send writes one block.
func (s *BlockSender) Send(block []byte) error {
	_, err := s.out.Write(block)
	return err
}

// Finish writes the chunk ending, with trailer fields if any. It is a
// no-op for unchunked senders.
func (s *BlockSender) Finish(trailer *Header) error {
	if s.encoder == nil {
		return nil
	}
	s.encoder.SetTrailer(trailer)
	return s.encoder.Close()
}
