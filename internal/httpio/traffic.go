package httpio

import (
	"fmt"
	"sync/atomic"
)

// TrafficLogger counts bytes moved on behalf of one party of a connection
// (the client, the network or the cache). Counters are safe for
// concurrent use; a nil logger ignores updates.
type TrafficLogger struct {
	name string

	read         atomic.Int64
	write        atomic.Int64
	transferFrom atomic.Int64
	transferTo   atomic.Int64
}

// TrafficSnapshot is a point-in-time copy of the counters.
type TrafficSnapshot struct {
	Name         string `json:"name"`
	Read         int64  `json:"read"`
	Write        int64  `json:"write"`
	TransferFrom int64  `json:"transfer_from"`
	TransferTo   int64  `json:"transfer_to"`
}

// NewTrafficLogger creates a named set of counters.
func NewTrafficLogger(name string) *TrafficLogger {
	return &TrafficLogger{name: name}
}

func (t *TrafficLogger) Name() string {
	if t == nil {
		return ""
	}
	return t.name
}

// Read records n bytes read from a socket.
func (t *TrafficLogger) Read(n int) {
	if t != nil && n > 0 {
		t.read.Add(int64(n))
	}
}

// Write records n bytes written to a socket.
func (t *TrafficLogger) Write(n int) {
	if t != nil && n > 0 {
		t.write.Add(int64(n))
	}
}

// TransferFrom records n bytes copied from a file into a socket.
func (t *TrafficLogger) TransferFrom(n int64) {
	if t != nil && n > 0 {
		t.transferFrom.Add(n)
	}
}

// TransferTo records n bytes copied from a socket into a file.
func (t *TrafficLogger) TransferTo(n int64) {
	if t != nil && n > 0 {
		t.transferTo.Add(n)
	}
}

// Total returns every byte counted.
func (t *TrafficLogger) Total() int64 {
	if t == nil {
		return 0
	}
	return t.read.Load() + t.write.Load() + t.transferFrom.Load() + t.transferTo.Load()
}

// Snapshot copies the counters.
func (t *TrafficLogger) Snapshot() TrafficSnapshot {
	if t == nil {
		return TrafficSnapshot{}
	}
	return TrafficSnapshot{
		Name:         t.name,
		Read:         t.read.Load(),
		Write:        t.write.Load(),
		TransferFrom: t.transferFrom.Load(),
		TransferTo:   t.transferTo.Load(),
	}
}

// Reset clears the counters, used between requests on a kept-alive
// connection.
func (t *TrafficLogger) Reset() {
	if t == nil {
		return
	}
	t.read.Store(0)
	t.write.Store(0)
	t.transferFrom.Store(0)
	t.transferTo.Store(0)
}

func (t *TrafficLogger) String() string {
	s := t.Snapshot()
	return fmt.Sprintf("%s: read=%d write=%d transfer_from=%d transfer_to=%d",
		s.Name, s.Read, s.Write, s.TransferFrom, s.TransferTo)
}
