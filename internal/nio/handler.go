// Package nio is burrow's readiness dispatcher.
//
// A Dispatcher runs a small number of event loops. Each loop owns an epoll
// instance and a set of registrations: for a channel (a socket, a listener
// or a pending dial) and an operation (read, write, accept, connect) at most
// one handler waits for readiness. When the operation becomes ready, times
// out, or the channel is closed, the slot is cleared and exactly one of the
// handler's callbacks runs. Handlers re-register to keep listening.
//
// Registration is safe from any goroutine: the mutation is queued on the
// loop that owns the channel and the loop is woken. Callbacks run on the
// loop goroutine unless the handler asks for a worker thread, so inline
// handlers must not block.
package nio

import (
	"errors"
	"syscall"
	"time"
)

// Op is a readiness operation.
type Op int

const (
	OpRead Op = iota
	OpWrite
	OpAccept
	OpConnect

	numOps
)

func (o Op) String() string {
	switch o {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpAccept:
		return "accept"
	case OpConnect:
		return "connect"
	default:
		return "unknown"
	}
}

var (
	// ErrAlreadyRegistered is returned when a handler already waits for
	// the same operation on the same channel.
	ErrAlreadyRegistered = errors.New("nio: handler already registered for operation")

	// ErrTimeout is delivered by Wait when the deadline passed.
	ErrTimeout = errors.New("nio: operation timed out")

	// ErrClosed is delivered by Wait when the channel was closed.
	ErrClosed = errors.New("nio: channel closed")

	// ErrShutdown is returned for registrations after Shutdown.
	ErrShutdown = errors.New("nio: dispatcher shut down")

	// ErrUnsupportedChannel is returned when a channel cannot provide the
	// requested kind of readiness.
	ErrUnsupportedChannel = errors.New("nio: channel does not support operation")
)

// Channel is anything the dispatcher can key registrations by. Read, write
// and accept readiness need a syscall.Conn; connect readiness needs a
// Dialing channel.
//
// Channels are compared by identity, so implementations must be pointers
// or other comparable values.
type Channel interface {
	Close() error
}

// Dialing is a channel whose connect readiness is signalled by Done.
type Dialing interface {
	Channel
	Done() <-chan struct{}
}

// Handler is the common part of every readiness handler.
type Handler interface {
	// Closed is called when the channel is closed while the handler waits.
	Closed()

	// Timeout is called once when the deadline passed.
	Timeout()

	// UseSeparateThread runs the callbacks on the worker pool.
	UseSeparateThread() bool

	// Description is used in logs and task statistics.
	Description() string

	// Deadline is read once at registration; zero means none.
	Deadline() time.Time
}

type ReadHandler interface {
	Handler
	Read()
}

type WriteHandler interface {
	Handler
	Write()
}

type AcceptHandler interface {
	Handler
	Accept()
}

type ConnectHandler interface {
	Handler
	Connect()
}

// TaskIdentifier names a task run on the worker pool.
type TaskIdentifier struct {
	Group       string
	Description string
}

// Statistics receives task lifecycle notifications.
type Statistics interface {
	TaskStarted(id TaskIdentifier)
	TaskCompleted(id TaskIdentifier, ok bool, d time.Duration)
}

func supports(ch Channel, op Op) bool {
	switch op {
	case OpConnect:
		_, ok := ch.(Dialing)
		return ok
	default:
		_, ok := ch.(syscall.Conn)
		return ok
	}
}

// fire invokes the readiness callback matching op.
func fire(h Handler, op Op) {
	switch op {
	case OpRead:
		h.(ReadHandler).Read()
	case OpWrite:
		h.(WriteHandler).Write()
	case OpAccept:
		h.(AcceptHandler).Accept()
	case OpConnect:
		h.(ConnectHandler).Connect()
	}
}
