package httpio

import (
	"context"
	"fmt"
	"os"
	"time"

	"burrow/internal/nio"
)

// maxTransferChunk bounds a single sendfile call so a worker is never
// held by one large file for long.
const maxTransferChunk = 1 << 20

// TransferHandler copies a region of a file to a socket with sendfile.
// Each copy step runs on the dispatcher's worker pool; when the socket
// cannot take more data the handler waits for write readiness and
// resumes from the position reached.
type TransferHandler struct {
	d       *nio.Dispatcher
	f       *os.File
	ch      nio.Channel
	pos     int64
	end     int64
	traffic *TrafficLogger
	timeout time.Duration
}

// NewTransferHandler prepares a transfer of count bytes of f starting at
// offset. A negative count means up to the end of the file.
func NewTransferHandler(d *nio.Dispatcher, f *os.File, offset, count int64, ch nio.Channel, traffic *TrafficLogger) (*TransferHandler, error) {
	if count < 0 {
		fi, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", f.Name(), err)
		}
		count = fi.Size() - offset
	}

	return &TransferHandler{
		d:       d,
		f:       f,
		ch:      ch,
		pos:     offset,
		end:     offset + count,
		traffic: traffic,
		timeout: d.DefaultTimeout(),
	}, nil
}

// Position returns the next file offset to send.
func (t *TransferHandler) Position() int64 { return t.pos }

// Remaining returns the number of bytes still to send.
func (t *TransferHandler) Remaining() int64 { return t.end - t.pos }

// Run performs the transfer and returns the number of bytes sent.
func (t *TransferHandler) Run(ctx context.Context) (int64, error) {
	var sent int64
	for t.pos < t.end {
		n, err := t.step(ctx)
		sent += int64(n)
		t.traffic.TransferFrom(int64(n))
		if err != nil {
			return sent, err
		}

		if n == 0 {
			if err := t.d.Wait(ctx, t.ch, nio.OpWrite, time.Now().Add(t.timeout)); err != nil {
				return sent, err
			}
		}
	}
	return sent, nil
}

type transferResult struct {
	n   int
	pos int64
	err error
}

func (t *TransferHandler) step(ctx context.Context) (int, error) {
	count := t.end - t.pos
	if count > maxTransferChunk {
		count = maxTransferChunk
	}

	done := make(chan transferResult, 1)
	pos := t.pos
	t.d.RunThreadTask(func() {
		n, err := nio.Sendfile(t.ch, t.f, &pos, int(count))
		done <- transferResult{n: n, pos: pos, err: err}
	}, nio.TaskIdentifier{Group: "transfer", Description: t.f.Name()})

	select {
	case r := <-done:
		t.pos = r.pos
		if r.err == nil && r.n == 0 && t.fileShorter() {
			return 0, fmt.Errorf("%s: file ended at %d before %d", t.f.Name(), t.pos, t.end)
		}
		return r.n, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-t.d.Context().Done():
		return 0, nio.ErrShutdown
	}
}

// fileShorter reports a file truncated below the transfer end, which
// would otherwise make sendfile return 0 forever.
func (t *TransferHandler) fileShorter() bool {
	fi, err := t.f.Stat()
	return err == nil && fi.Size() <= t.pos
}
