package nio

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()

	d, err := New(Config{Loops: 2, Workers: 4, DefaultTimeout: 2 * time.Second}, nil, nil)
	require.NoError(t, err)
	d.Start()

	t.Cleanup(func() {
		_ = d.Shutdown(context.Background())
	})
	return d
}

// tcpPair returns two connected loopback sockets.
func tcpPair(t *testing.T) (*net.TCPConn, *net.TCPConn) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
		close(accepted)
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)

	server, ok := <-accepted
	require.True(t, ok)

	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client.(*net.TCPConn), server.(*net.TCPConn)
}

type recorder struct {
	events   chan string
	deadline time.Time
	separate bool
	onRead   func()
}

func newRecorder() *recorder {
	return &recorder{events: make(chan string, 16)}
}

func (r *recorder) Read() {
	if r.onRead != nil {
		r.onRead()
	}
	r.events <- "read"
}
func (r *recorder) Write()                  { r.events <- "write" }
func (r *recorder) Accept()                 { r.events <- "accept" }
func (r *recorder) Connect()                { r.events <- "connect" }
func (r *recorder) Closed()                 { r.events <- "closed" }
func (r *recorder) Timeout()                { r.events <- "timeout" }
func (r *recorder) UseSeparateThread() bool { return r.separate }
func (r *recorder) Description() string     { return "recorder" }
func (r *recorder) Deadline() time.Time     { return r.deadline }

func expectEvent(t *testing.T, r *recorder, want string) {
	t.Helper()
	select {
	case got := <-r.events:
		assert.Equal(t, want, got)
	case <-time.After(3 * time.Second):
		t.Fatalf("no %q event", want)
	}
}

func expectQuiet(t *testing.T, r *recorder, d time.Duration) {
	t.Helper()
	select {
	case got := <-r.events:
		t.Fatalf("unexpected event %q", got)
	case <-time.After(d):
	}
}

func TestReadReadiness(t *testing.T) {
	d := newTestDispatcher(t)
	client, server := tcpPair(t)

	tests := []struct {
		name     string
		separate bool
	}{
		{name: "inline", separate: false},
		{name: "worker thread", separate: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRecorder()
			r.separate = tt.separate
			require.NoError(t, d.WaitForRead(server, r))

			_, err := client.Write([]byte("ping"))
			require.NoError(t, err)
			expectEvent(t, r, "read")

			buf := make([]byte, 16)
			n, err := Read(server, buf)
			require.NoError(t, err)
			assert.Equal(t, "ping", string(buf[:n]))
		})
	}
}

func TestSingleRegistrationPerOperation(t *testing.T) {
	d := newTestDispatcher(t)
	_, server := tcpPair(t)

	first, second := newRecorder(), newRecorder()
	require.NoError(t, d.WaitForRead(server, first))

	err := d.WaitForRead(server, second)
	assert.ErrorIs(t, err, ErrAlreadyRegistered)

	// another operation on the same channel is independent
	require.NoError(t, d.WaitForWrite(server, second))
	expectEvent(t, second, "write")

	d.Cancel(server, first)
	assert.NoError(t, d.WaitForRead(server, second))
}

func TestHandlerCanReRegisterFromCallback(t *testing.T) {
	d := newTestDispatcher(t)
	client, server := tcpPair(t)

	r := newRecorder()
	errs := make(chan error, 1)
	r.onRead = func() {
		buf := make([]byte, 16)
		_, _ = Read(server, buf)
		r.onRead = nil
		errs <- d.WaitForRead(server, r)
	}
	require.NoError(t, d.WaitForRead(server, r))

	_, err := client.Write([]byte("a"))
	require.NoError(t, err)
	expectEvent(t, r, "read")
	require.NoError(t, <-errs)

	_, err = client.Write([]byte("b"))
	require.NoError(t, err)
	expectEvent(t, r, "read")
}

func TestTimeoutDeliveredOnce(t *testing.T) {
	d := newTestDispatcher(t)
	_, server := tcpPair(t)

	r := newRecorder()
	r.deadline = time.Now().Add(50 * time.Millisecond)
	require.NoError(t, d.WaitForRead(server, r))

	expectEvent(t, r, "timeout")
	expectQuiet(t, r, 200*time.Millisecond)

	// the slot is free again
	assert.NoError(t, d.WaitForRead(server, newRecorder()))
}

func TestCancelSuppressesCallbacks(t *testing.T) {
	d := newTestDispatcher(t)
	client, server := tcpPair(t)

	r := newRecorder()
	require.NoError(t, d.WaitForRead(server, r))
	d.Cancel(server, r)

	_, err := client.Write([]byte("late"))
	require.NoError(t, err)
	expectQuiet(t, r, 200*time.Millisecond)
}

func TestCloseNotifiesAndClosesSocket(t *testing.T) {
	d := newTestDispatcher(t)
	_, server := tcpPair(t)

	r := newRecorder()
	require.NoError(t, d.WaitForRead(server, r))
	d.Close(server)

	expectEvent(t, r, "closed")

	require.Eventually(t, func() bool {
		_, err := Read(server, make([]byte, 1))
		return errors.Is(err, net.ErrClosed)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAcceptReadiness(t *testing.T) {
	d := newTestDispatcher(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	r := newRecorder()
	require.NoError(t, d.WaitForAccept(ln.(*net.TCPListener), r))

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	expectEvent(t, r, "accept")
}

func TestConnectReadiness(t *testing.T) {
	d := newTestDispatcher(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	pending := DialAsync(context.Background(), "tcp", ln.Addr().String(), time.Second)
	r := newRecorder()
	require.NoError(t, d.WaitForConnect(pending, r))

	expectEvent(t, r, "connect")
	conn, err := pending.Result()
	require.NoError(t, err)
	conn.Close()
}

func TestUnsupportedChannel(t *testing.T) {
	d := newTestDispatcher(t)
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	err := d.WaitForRead(a, newRecorder())
	assert.ErrorIs(t, err, ErrUnsupportedChannel)
}

func TestWait(t *testing.T) {
	d := newTestDispatcher(t)
	_, server := tcpPair(t)

	t.Run("timeout", func(t *testing.T) {
		err := d.Wait(context.Background(), server, OpRead, time.Now().Add(30*time.Millisecond))
		assert.ErrorIs(t, err, ErrTimeout)
	})

	t.Run("context cancelled", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()
		err := d.Wait(ctx, server, OpRead, time.Time{})
		assert.ErrorIs(t, err, context.DeadlineExceeded)

		// cancellation released the slot
		r := newRecorder()
		assert.NoError(t, d.WaitForRead(server, r))
		d.Cancel(server, r)
	})

	t.Run("ready", func(t *testing.T) {
		c2, s2 := tcpPair(t)
		go func() {
			time.Sleep(20 * time.Millisecond)
			_, _ = c2.Write([]byte("x"))
		}()
		assert.NoError(t, d.Wait(context.Background(), s2, OpRead, d.DefaultDeadline()))
	})
}

func TestReadWriteHelpers(t *testing.T) {
	d := newTestDispatcher(t)
	client, server := tcpPair(t)

	buf := make([]byte, 64)
	n, err := Read(server, buf)
	require.NoError(t, err)
	assert.Zero(t, n, "no data means would block")

	ctx := context.Background()
	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = d.WriteAll(ctx, client, []byte("hello"), d.DefaultDeadline())
	}()

	n, err = d.ReadSome(ctx, server, buf, d.DefaultDeadline())
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))

	require.NoError(t, client.Close())
	_, err = d.ReadSome(ctx, server, buf, d.DefaultDeadline())
	assert.ErrorIs(t, err, io.EOF)
}

func TestShutdownReleasesWaiters(t *testing.T) {
	d, err := New(Config{Loops: 1}, nil, nil)
	require.NoError(t, err)
	d.Start()

	_, server := tcpPair(t)

	result := make(chan error, 1)
	go func() {
		result <- d.Wait(context.Background(), server, OpRead, time.Time{})
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, d.Shutdown(context.Background()))

	select {
	case err := <-result:
		assert.True(t, errors.Is(err, ErrClosed) || errors.Is(err, ErrShutdown), err)
	case <-time.After(3 * time.Second):
		t.Fatal("waiter not released")
	}

	assert.ErrorIs(t, d.WaitForRead(server, newRecorder()), ErrShutdown)
}

func TestRunThreadTaskStatistics(t *testing.T) {
	stats := NewStatisticsHolder(5, nil)
	d, err := New(Config{Loops: 1, Workers: 2}, nil, stats)
	require.NoError(t, err)
	d.Start()
	defer d.Shutdown(context.Background())

	var wg sync.WaitGroup
	wg.Add(3)
	for i := 0; i < 2; i++ {
		d.RunThreadTask(func() {
			defer wg.Done()
			time.Sleep(5 * time.Millisecond)
		}, TaskIdentifier{Group: "dns", Description: "lookup"})
	}
	d.RunThreadTask(func() {
		defer wg.Done()
		panic("boom")
	}, TaskIdentifier{Group: "cache", Description: "write"})
	wg.Wait()

	require.Eventually(t, func() bool {
		snap := stats.Snapshot()
		return snap["dns"].Total.Successful == 2 && snap["cache"].Total.Failures == 1
	}, 2*time.Second, 10*time.Millisecond)

	snap := stats.Snapshot()
	assert.Empty(t, snap["dns"].Pending)
	assert.Len(t, snap["dns"].Latest, 2)
}

// onLoop runs fn on the loop goroutine that owns ch and waits for it.
func onLoop(t *testing.T, d *Dispatcher, ch Channel, fn func(l *loop)) {
	t.Helper()
	v, ok := d.owners.Load(ch)
	require.True(t, ok, "channel has no loop")
	l := v.(*loop)

	done := make(chan struct{})
	l.enqueue(func() bool {
		fn(l)
		close(done)
		return false
	})
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("loop task did not run")
	}
}

// fillSendBuffer writes to conn until its peer, which never reads, stops
// taking data.
func fillSendBuffer(t *testing.T, conn *net.TCPConn) {
	t.Helper()
	require.NoError(t, conn.SetWriteBuffer(4096))
	require.NoError(t, conn.SetWriteDeadline(time.Now().Add(500*time.Millisecond)))

	chunk := make([]byte, 64<<10)
	for {
		if _, err := conn.Write(chunk); err != nil {
			var ne net.Error
			require.True(t, errors.As(err, &ne) && ne.Timeout(), "unexpected write error: %v", err)
			break
		}
	}
	require.NoError(t, conn.SetWriteDeadline(time.Time{}))
}

func TestSpinEvasionDropsUnwritableRegistrations(t *testing.T) {
	d, err := New(Config{Loops: 1, Workers: 2, DefaultTimeout: 5 * time.Second, SpinThreshold: 1}, nil, nil)
	require.NoError(t, err)
	d.Start()
	t.Cleanup(func() { _ = d.Shutdown(context.Background()) })

	stalledPeer, stalled := tcpPair(t)
	require.NoError(t, stalledPeer.SetReadBuffer(4096))
	fillSendBuffer(t, stalled)

	healthyPeer, healthy := tcpPair(t)

	stuck, fine := newRecorder(), newRecorder()
	require.NoError(t, d.WaitForRead(stalled, stuck))
	require.NoError(t, d.WaitForRead(healthy, fine))

	onLoop(t, d, healthy, func(l *loop) { l.avoidSpinning() })

	expectEvent(t, stuck, "closed")
	expectQuiet(t, fine, 100*time.Millisecond)

	onLoop(t, d, healthy, func(l *loop) {
		assert.NotContains(t, l.regs, Channel(stalled))
		assert.Contains(t, l.regs, Channel(healthy))
	})

	// the dropped channel can be registered again
	again := newRecorder()
	require.NoError(t, d.WaitForRead(stalled, again))
	d.Cancel(stalled, again)

	_, err = healthyPeer.Write([]byte("ping"))
	require.NoError(t, err)
	expectEvent(t, fine, "read")
}
