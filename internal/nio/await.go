package nio

import (
	"context"
	"fmt"
	"time"
)

// awaiter turns a single registration into a channel receive. It
// implements every handler kind so one type serves all operations.
type awaiter struct {
	op       Op
	deadline time.Time
	result   chan error
}

func (a *awaiter) deliver(err error) {
	select {
	case a.result <- err:
	default:
	}
}

func (a *awaiter) Read()                   { a.deliver(nil) }
func (a *awaiter) Write()                  { a.deliver(nil) }
func (a *awaiter) Accept()                 { a.deliver(nil) }
func (a *awaiter) Connect()                { a.deliver(nil) }
func (a *awaiter) Closed()                 { a.deliver(ErrClosed) }
func (a *awaiter) Timeout()                { a.deliver(ErrTimeout) }
func (a *awaiter) UseSeparateThread() bool { return false }
func (a *awaiter) Deadline() time.Time     { return a.deadline }
func (a *awaiter) Description() string     { return fmt.Sprintf("wait-%s", a.op) }

// Wait blocks the calling goroutine until ch is ready for op.
//
// Exactly one outcome is returned: nil when ready, ErrTimeout once the
// deadline (zero for none) passed, ErrClosed when the channel was closed
// through the dispatcher, ErrShutdown when the dispatcher stopped, or the
// context's error, in which case the registration is cancelled first.
//
// Example:
//
//	for {
//		n, err := nio.Read(conn, buf)
//		if n > 0 || err != nil {
//			return n, err
//		}
//		if err := d.Wait(ctx, conn, nio.OpRead, d.DefaultDeadline()); err != nil {
//			return 0, err
//		}
//	}
func (d *Dispatcher) Wait(ctx context.Context, ch Channel, op Op, deadline time.Time) error {
	a := &awaiter{op: op, deadline: deadline, result: make(chan error, 1)}

	if err := d.register(ch, op, a); err != nil {
		return err
	}

	select {
	case err := <-a.result:
		return err
	case <-ctx.Done():
		d.Cancel(ch, a)
		return ctx.Err()
	case <-d.ctx.Done():
		d.Cancel(ch, a)
		return ErrShutdown
	}
}

// ReadSome is a goroutine-style helper reading at least one byte into p,
// waiting for readiness as needed.
func (d *Dispatcher) ReadSome(ctx context.Context, ch Channel, p []byte, deadline time.Time) (int, error) {
	for {
		n, err := Read(ch, p)
		if n > 0 || err != nil {
			return n, err
		}
		if err := d.Wait(ctx, ch, OpRead, deadline); err != nil {
			return 0, err
		}
	}
}

// WriteAll writes all of p, waiting for write readiness when the socket
// buffer is full.
func (d *Dispatcher) WriteAll(ctx context.Context, ch Channel, p []byte, deadline time.Time) (int, error) {
	written := 0
	for written < len(p) {
		n, err := Write(ch, p[written:])
		written += n
		if err != nil {
			return written, err
		}
		if n == 0 {
			if err := d.Wait(ctx, ch, OpWrite, deadline); err != nil {
				return written, err
			}
		}
	}
	return written, nil
}
