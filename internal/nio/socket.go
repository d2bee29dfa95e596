package nio

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

func fdOf(ch Channel) (int, error) {
	sc, ok := ch.(syscall.Conn)
	if !ok {
		return -1, ErrUnsupportedChannel
	}

	rc, err := sc.SyscallConn()
	if err != nil {
		return -1, err
	}

	fd := -1
	if err := rc.Control(func(s uintptr) { fd = int(s) }); err != nil {
		return -1, err
	}
	return fd, nil
}

// Read reads from a socket without blocking.
//
// Returns:
//
//	n > 0, nil: Bytes read
//	0, nil: Nothing available yet; wait for read readiness
//	0, io.EOF: The peer closed its side
//	0, err: Socket error, including net.ErrClosed
func Read(ch Channel, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	rc, err := rawConn(ch)
	if err != nil {
		return 0, err
	}

	var n int
	var opErr error
	if err := rc.Control(func(fd uintptr) {
		for {
			n, opErr = unix.Read(int(fd), p)
			if !errors.Is(opErr, unix.EINTR) {
				return
			}
		}
	}); err != nil {
		return 0, err
	}

	switch {
	case errors.Is(opErr, unix.EAGAIN):
		return 0, nil
	case opErr != nil:
		return 0, os.NewSyscallError("read", opErr)
	case n == 0:
		return 0, io.EOF
	}
	return n, nil
}

// Write writes to a socket without blocking and returns the number of
// bytes the kernel accepted; 0 with a nil error means the send buffer is
// full and the caller should wait for write readiness.
func Write(ch Channel, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	rc, err := rawConn(ch)
	if err != nil {
		return 0, err
	}

	var n int
	var opErr error
	if err := rc.Control(func(fd uintptr) {
		for {
			n, opErr = unix.SendmsgN(int(fd), p, nil, nil, unix.MSG_NOSIGNAL)
			if !errors.Is(opErr, unix.EINTR) {
				return
			}
		}
	}); err != nil {
		return 0, err
	}

	if errors.Is(opErr, unix.EAGAIN) {
		return 0, nil
	}
	if opErr != nil {
		return 0, os.NewSyscallError("write", opErr)
	}
	return n, nil
}

// Sendfile copies up to count bytes of f, starting at *offset, to the
// socket without blocking. The offset is advanced by the number of bytes
// sent, so a partial transfer can be resumed after write readiness.
func Sendfile(ch Channel, f *os.File, offset *int64, count int) (int, error) {
	rc, err := rawConn(ch)
	if err != nil {
		return 0, err
	}

	frc, err := f.SyscallConn()
	if err != nil {
		return 0, err
	}

	var n int
	var opErr error
	ferr := frc.Control(func(src uintptr) {
		if err := rc.Control(func(dst uintptr) {
			for {
				n, opErr = unix.Sendfile(int(dst), int(src), offset, count)
				if !errors.Is(opErr, unix.EINTR) {
					return
				}
			}
		}); err != nil {
			opErr = err
		}
	})
	if ferr != nil {
		return 0, ferr
	}

	if errors.Is(opErr, unix.EAGAIN) {
		return n, nil
	}
	if opErr != nil {
		return n, os.NewSyscallError("sendfile", opErr)
	}
	return n, nil
}

func rawConn(ch Channel) (syscall.RawConn, error) {
	sc, ok := ch.(syscall.Conn)
	if !ok {
		return nil, ErrUnsupportedChannel
	}
	return sc.SyscallConn()
}

// PendingDial is a connection attempt running in the background. It is a
// Dialing channel: connect readiness fires when the attempt finishes.
type PendingDial struct {
	address string
	done    chan struct{}
	cancel  context.CancelFunc

	mu     sync.Mutex
	conn   net.Conn
	err    error
	closed bool
}

// DialAsync starts connecting to address. The attempt is bounded by
// timeout and by ctx.
func DialAsync(ctx context.Context, network, address string, timeout time.Duration) *PendingDial {
	ctx, cancel := context.WithCancel(ctx)
	p := &PendingDial{
		address: address,
		done:    make(chan struct{}),
		cancel:  cancel,
	}

	go func() {
		defer close(p.done)

		dialer := net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}
		conn, err := dialer.DialContext(ctx, network, address)

		p.mu.Lock()
		defer p.mu.Unlock()

		if p.closed && conn != nil {
			conn.Close()
			conn, err = nil, net.ErrClosed
		}
		p.conn, p.err = conn, err
	}()

	return p
}

// Done is closed when the attempt finished.
func (p *PendingDial) Done() <-chan struct{} {
	return p.done
}

// Address returns the dialled address.
func (p *PendingDial) Address() string {
	return p.address
}

// Result returns the connection, or the reason there is none. It must be
// called after Done is closed.
func (p *PendingDial) Result() (net.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn, p.err
}

// Close aborts the attempt. A connection made after Close is closed
// immediately; one already returned by Result belongs to the caller.
func (p *PendingDial) Close() error {
	p.cancel()

	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	return nil
}
