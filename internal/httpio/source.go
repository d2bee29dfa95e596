package httpio

import (
	"context"
	"io"
	"os"

	"burrow/internal/buffer"
	"burrow/internal/nio"
)

// ResourceSource produces a response body, either from a cached file or
// from an upstream connection.
type ResourceSource interface {
	// SupportsTransfer reports whether TransferTo can be used, i.e. the
	// body sits in a file and can go out with sendfile.
	SupportsTransfer() bool

	// Length returns the body length, or -1 when unknown.
	Length() int64

	// TransferTo sends the whole body to ch without copying through user
	// space.
	TransferTo(ctx context.Context, d *nio.Dispatcher, ch nio.Channel, traffic *TrafficLogger) (int64, error)

	// ReadBlock returns the next block of the body, valid until the next
	// call. io.EOF marks the end.
	ReadBlock(ctx context.Context) ([]byte, error)

	// Release frees files and buffers held by the source.
	Release()
}

// FileSource serves a body stored in a file.
type FileSource struct {
	f       *os.File
	length  int64
	pool    *buffer.Pool
	buf     []byte
	traffic *TrafficLogger
}

// OpenFileSource opens path as a body source. Blocks are read into
// buffers from pool and counted on traffic.
func OpenFileSource(path string, pool *buffer.Pool, traffic *TrafficLogger) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	return &FileSource{f: f, length: fi.Size(), pool: pool, traffic: traffic}, nil
}

func (s *FileSource) SupportsTransfer() bool { return true }
func (s *FileSource) Length() int64          { return s.length }

func (s *FileSource) TransferTo(ctx context.Context, d *nio.Dispatcher, ch nio.Channel, traffic *TrafficLogger) (int64, error) {
	t, err := NewTransferHandler(d, s.f, 0, s.length, ch, traffic)
	if err != nil {
		return 0, err
	}
	n, err := t.Run(ctx)
	s.traffic.TransferFrom(n)
	return n, err
}

func (s *FileSource) ReadBlock(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.buf == nil {
		s.buf = s.pool.GetLarge()
	}

	n, err := s.f.Read(s.buf)
	s.traffic.Read(n)
	if n > 0 {
		return s.buf[:n], nil
	}
	if err == nil {
		err = io.EOF
	}
	return nil, err
}

func (s *FileSource) Release() {
	if s.buf != nil {
		s.pool.Put(s.buf)
		s.buf = nil
	}
	if s.f != nil {
		s.f.Close()
		s.f = nil
	}
}
