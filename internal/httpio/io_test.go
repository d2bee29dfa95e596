package httpio

import (
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"burrow/internal/buffer"
	"burrow/internal/nio"
)

func newTestDispatcher(t *testing.T) *nio.Dispatcher {
	t.Helper()

	d, err := nio.New(nio.Config{Loops: 1, Workers: 4, DefaultTimeout: 5 * time.Second}, nil, nil)
	require.NoError(t, err)
	d.Start()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = d.Shutdown(ctx)
	})
	return d
}

func tcpPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		accepted <- c
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	server := <-accepted
	require.NotNil(t, server)

	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

func writeTempFile(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "body")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestBlockSender(t *testing.T) {
	tests := []struct {
		name    string
		chunked bool
		want    string
	}{
		{name: "plain", want: "hello world"},
		{name: "chunked", chunked: true, want: "6\r\nhello \r\n5\r\nworld\r\n0\r\n\r\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			s := newBlockSender(&out, tt.chunked)

			require.NoError(t, s.Send([]byte("hello ")))
			require.NoError(t, s.Send([]byte("world")))
			require.NoError(t, s.Finish(nil))
			assert.Equal(t, tt.chunked, s.Chunked())
			assert.Equal(t, tt.want, out.String())
		})
	}
}

func TestBlockSenderOverSocket(t *testing.T) {
	d := newTestDispatcher(t)
	client, server := tcpPair(t)
	traffic := NewTrafficLogger("client")

	payload := strings.Repeat("x", 1<<20)
	received := make(chan string, 1)
	go func() {
		data, _ := io.ReadAll(client)
		received <- string(data)
	}()

	s := NewBlockSender(context.Background(), d, server, false, traffic)
	require.NoError(t, s.Send([]byte(payload)))
	server.Close()

	assert.Equal(t, payload, <-received)
	assert.Equal(t, int64(len(payload)), traffic.Snapshot().Write)
}

func TestTransferHandler(t *testing.T) {
	d := newTestDispatcher(t)
	client, server := tcpPair(t)

	content := strings.Repeat("0123456789", 300000)
	f, err := os.Open(writeTempFile(t, content))
	require.NoError(t, err)
	defer f.Close()

	received := make(chan string, 1)
	go func() {
		data, _ := io.ReadAll(client)
		received <- string(data)
	}()

	traffic := NewTrafficLogger("cache")
	th, err := NewTransferHandler(d, f, 10, -1, server, traffic)
	require.NoError(t, err)

	n, err := th.Run(context.Background())
	require.NoError(t, err)
	server.Close()

	assert.Equal(t, int64(len(content)-10), n)
	assert.Zero(t, th.Remaining())
	assert.Equal(t, content[10:], <-received)
	assert.Equal(t, n, traffic.Snapshot().TransferFrom)
}

func TestFileSource(t *testing.T) {
	pool := buffer.NewPool(16, 64)
	content := strings.Repeat("abc", 50)

	src, err := OpenFileSource(writeTempFile(t, content), pool, nil)
	require.NoError(t, err)
	defer src.Release()

	assert.True(t, src.SupportsTransfer())
	assert.Equal(t, int64(len(content)), src.Length())

	var got []byte
	for {
		block, err := src.ReadBlock(context.Background())
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		assert.LessOrEqual(t, len(block), 64)
		got = append(got, block...)
	}
	assert.Equal(t, content, string(got))
}

func TestTrafficLogger(t *testing.T) {
	var nilLogger *TrafficLogger
	nilLogger.Read(10)
	assert.Zero(t, nilLogger.Total())

	tl := NewTrafficLogger("network")
	tl.Read(3)
	tl.Write(4)
	tl.TransferTo(5)
	tl.Read(-1)
	assert.Equal(t, int64(12), tl.Total())
	assert.Contains(t, tl.String(), "network: read=3 write=4")

	tl.Reset()
	assert.Zero(t, tl.Total())
}
