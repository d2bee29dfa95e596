package connpool

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"burrow/internal/nio"
)

// WebConnection is one connection to an origin server or to the next-hop
// proxy. Keep-alive can only be turned off once it is off.
type WebConnection struct {
	id      int64
	address string
	d       *nio.Dispatcher
	onClose func()

	mu          sync.Mutex
	conn        net.Conn
	keepAlive   bool
	releasedAt  time.Time
	mayPipeline bool
	closeOnce   sync.Once
	closed      bool
}

func newWebConnection(id int64, address string, d *nio.Dispatcher, onClose func()) *WebConnection {
	return &WebConnection{
		id:        id,
		address:   address,
		d:         d,
		onClose:   onClose,
		keepAlive: true,
	}
}

func (wc *WebConnection) ID() int64       { return wc.id }
func (wc *WebConnection) Address() string { return wc.address }

// Conn returns the socket, nil before Connect.
func (wc *WebConnection) Conn() net.Conn {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	return wc.conn
}

// Connected reports an established, not yet closed socket.
func (wc *WebConnection) Connected() bool {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	return wc.conn != nil && !wc.closed
}

// SetKeepAlive can only turn keep-alive off.
func (wc *WebConnection) SetKeepAlive(b bool) {
	wc.mu.Lock()
	wc.keepAlive = wc.keepAlive && b
	wc.mu.Unlock()
}

func (wc *WebConnection) KeepAlive() bool {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	return wc.keepAlive
}

// ReleasedAt returns when the connection was last returned to the pool.
func (wc *WebConnection) ReleasedAt() time.Time {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	return wc.releasedAt
}

func (wc *WebConnection) markReleased(now time.Time) {
	wc.mu.Lock()
	wc.releasedAt = now
	wc.mu.Unlock()
}

func (wc *WebConnection) MayPipeline() bool {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	return wc.mayPipeline
}

func (wc *WebConnection) setMayPipeline(b bool) {
	wc.mu.Lock()
	wc.mayPipeline = b
	wc.mu.Unlock()
}

// Connect opens the socket unless it is already connected. The dial runs
// in the background and completion is awaited as connect readiness on
// the dispatcher, bounded by timeout.
func (wc *WebConnection) Connect(ctx context.Context, timeout time.Duration) error {
	if wc.Connected() {
		return nil
	}

	pd := nio.DialAsync(ctx, "tcp", wc.address, timeout)
	err := wc.d.Wait(ctx, pd, nio.OpConnect, time.Now().Add(timeout))
	if err != nil {
		wc.d.Close(pd)
		if errors.Is(err, nio.ErrTimeout) {
			return fmt.Errorf("connect to %s: %w", wc.address, err)
		}
		return err
	}

	conn, err := pd.Result()
	wc.d.Close(pd)
	if err != nil {
		return err
	}

	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}

	wc.mu.Lock()
	wc.conn = conn
	wc.mu.Unlock()
	return nil
}

// Close closes the socket through the dispatcher, so that any handler
// still registered on it is told, and counts the close once.
func (wc *WebConnection) Close() error {
	wc.closeOnce.Do(func() {
		wc.mu.Lock()
		wc.closed = true
		conn := wc.conn
		wc.mu.Unlock()

		if conn != nil {
			wc.d.Close(conn)
		}
		if wc.onClose != nil {
			wc.onClose()
		}
	})
	return nil
}

func (wc *WebConnection) String() string {
	wc.mu.Lock()
	defer wc.mu.Unlock()

	local := "-"
	if wc.conn != nil {
		local = wc.conn.LocalAddr().String()
	}
	return fmt.Sprintf("WebConnection(id: %d, address: %s, keepalive: %t, released: %s, local: %s)",
		wc.id, wc.address, wc.keepAlive, wc.releasedAt.Format(time.RFC3339), local)
}
