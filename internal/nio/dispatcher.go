package nio

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"burrow/pkg/logger"
)

// Config tunes a Dispatcher.
type Config struct {
	// Loops is the number of event loops; 0 means runtime.NumCPU().
	Loops int

	// Workers bounds concurrently running worker tasks.
	Workers int

	// DefaultTimeout is added to now by DefaultDeadline.
	DefaultTimeout time.Duration

	// SpinThreshold is the number of consecutive idle wake-ups, less than
	// 100ms apart, after which zero-interest registrations are probed.
	SpinThreshold int

	// ShutdownWait bounds how long Shutdown waits for each loop.
	ShutdownWait time.Duration
}

func (c *Config) applyDefaults() {
	if c.Loops <= 0 {
		c.Loops = runtime.NumCPU()
	}
	if c.Workers <= 0 {
		c.Workers = 32
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = time.Minute
	}
	if c.SpinThreshold <= 0 {
		c.SpinThreshold = 100000
	}
	if c.ShutdownWait <= 0 {
		c.ShutdownWait = 10 * time.Second
	}
}

// Dispatcher multiplexes readiness notifications over a set of loops and
// runs blocking work on a bounded worker pool.
type Dispatcher struct {
	cfg   Config
	log   *logger.Logger
	stats Statistics

	loops []*loop
	next  atomic.Uint32

	// owners maps a channel to the loop holding its registration.
	owners sync.Map

	// claims holds one entry per registered (channel, op) pair.
	claims sync.Map

	workers *semaphore.Weighted

	ctx     context.Context
	cancel  context.CancelFunc
	started atomic.Bool
	stopped atomic.Bool
}

type claimKey struct {
	ch Channel
	op Op
}

type claim struct {
	handler Handler
}

// New creates a dispatcher. The loops are allocated (epoll instances and
// wake descriptors) but do not run until Start.
//
// Parameters:
//
//	cfg: Loop, worker and timeout settings; zero values get defaults
//	log: Logger; nil discards
//	stats: Task statistics sink; nil keeps none
//
// Returns:
//
//	*Dispatcher: Ready to Start
//	error: Failure to allocate a loop
func New(cfg Config, log *logger.Logger, stats Statistics) (*Dispatcher, error) {
	cfg.applyDefaults()

	if log == nil {
		log = logger.Discard()
	}

	if stats == nil {
		stats = nopStatistics{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		cfg:     cfg,
		log:     log.Component("nio"),
		stats:   stats,
		workers: semaphore.NewWeighted(int64(cfg.Workers)),
		ctx:     ctx,
		cancel:  cancel,
	}

	for i := 0; i < cfg.Loops; i++ {
		l, err := newLoop(d, i)
		if err != nil {
			for _, prev := range d.loops {
				prev.release()
			}
			cancel()
			return nil, fmt.Errorf("failed to create event loop %d: %w", i, err)
		}
		d.loops = append(d.loops, l)
	}

	return d, nil
}

// Start launches the loop goroutines.
func (d *Dispatcher) Start() {
	if !d.started.CompareAndSwap(false, true) {
		return
	}

	for _, l := range d.loops {
		go l.run()
	}

	d.log.Info("Dispatcher started", "loops", len(d.loops), "workers", d.cfg.Workers)
}

// Shutdown stops every loop and waits, up to the configured wait per
// loop or until ctx ends, for them to finish. Handlers still registered
// receive Closed(). Queued worker tasks that have not started are dropped.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	if !d.stopped.CompareAndSwap(false, true) {
		return nil
	}

	d.cancel()

	if !d.started.Load() {
		for _, l := range d.loops {
			l.release()
		}
		return nil
	}

	for _, l := range d.loops {
		l.wake()
	}

	var err error
	for _, l := range d.loops {
		timer := time.NewTimer(d.cfg.ShutdownWait)
		select {
		case <-l.done:
		case <-timer.C:
			d.log.Warn("Event loop did not stop in time", "loop", l.id)
			err = fmt.Errorf("event loop %d did not stop within %s", l.id, d.cfg.ShutdownWait)
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
		timer.Stop()
	}

	d.log.Info("Dispatcher stopped")
	return err
}

// WaitForRead registers h to be told when ch is readable.
//
// Returns ErrAlreadyRegistered if a read handler is already waiting on ch.
func (d *Dispatcher) WaitForRead(ch Channel, h ReadHandler) error {
	return d.register(ch, OpRead, h)
}

// WaitForWrite registers h to be told when ch is writable.
func (d *Dispatcher) WaitForWrite(ch Channel, h WriteHandler) error {
	return d.register(ch, OpWrite, h)
}

// WaitForAccept registers h to be told when a listener has a pending
// connection.
func (d *Dispatcher) WaitForAccept(ch Channel, h AcceptHandler) error {
	return d.register(ch, OpAccept, h)
}

// WaitForConnect registers h to be told when a pending dial completes,
// successfully or not.
func (d *Dispatcher) WaitForConnect(ch Dialing, h ConnectHandler) error {
	return d.register(ch, OpConnect, h)
}

func (d *Dispatcher) register(ch Channel, op Op, h Handler) error {
	if d.stopped.Load() {
		return ErrShutdown
	}

	if !supports(ch, op) {
		return fmt.Errorf("%w: %s on %T", ErrUnsupportedChannel, op, ch)
	}

	c := &claim{handler: h}
	if _, loaded := d.claims.LoadOrStore(claimKey{ch, op}, c); loaded {
		return ErrAlreadyRegistered
	}

	l := d.loopFor(ch)
	deadline := h.Deadline()
	l.enqueue(func() bool {
		l.add(ch, op, h, c, deadline)
		return true
	})

	return nil
}

// releaseClaim drops the claim only if it is still the one given, so a
// stale release never removes a newer registration.
func (d *Dispatcher) releaseClaim(ch Channel, op Op, c *claim) {
	d.claims.CompareAndDelete(claimKey{ch, op}, c)
}

// claimed reports whether c is still the live claim for (ch, op).
func (d *Dispatcher) claimed(ch Channel, op Op, c *claim) bool {
	v, ok := d.claims.Load(claimKey{ch, op})
	return ok && v.(*claim) == c
}

// Cancel removes h wherever it is registered for ch. The handler is not
// called. Cancelling a handler that is not registered is a no-op.
func (d *Dispatcher) Cancel(ch Channel, h Handler) {
	for op := Op(0); op < numOps; op++ {
		key := claimKey{ch, op}
		if v, ok := d.claims.Load(key); ok && v.(*claim).handler == h {
			d.claims.CompareAndDelete(key, v)
		}
	}

	if d.stopped.Load() {
		return
	}

	for _, l := range d.loops {
		l := l
		l.enqueue(func() bool {
			return l.cancel(ch, h)
		})
	}
}

// Close fires Closed() on every handler registered for ch, on every loop,
// and then closes ch. The channel is closed by whichever loop processes
// the request last so that no loop still polls its descriptor.
func (d *Dispatcher) Close(ch Channel) {
	if d.stopped.Load() || !d.started.Load() {
		d.dropClaims(ch)
		_ = ch.Close()
		return
	}

	remaining := int32(len(d.loops))
	for _, l := range d.loops {
		l := l
		l.enqueue(func() bool {
			l.closeChannel(ch)
			if atomic.AddInt32(&remaining, -1) == 0 {
				d.owners.Delete(ch)
				if err := ch.Close(); err != nil {
					d.log.Debug("Close failed", "error", err)
				}
			}
			return true
		})
	}
}

func (d *Dispatcher) dropClaims(ch Channel) {
	for op := Op(0); op < numOps; op++ {
		d.claims.Delete(claimKey{ch, op})
	}
}

// RunThreadTask runs task on the worker pool. The task counts as pending
// from this call until it finishes; a task still queued at Shutdown is
// reported as failed and never runs.
//
// Example:
//
//	d.RunThreadTask(func() {
//		addrs, err = net.LookupHost(host)
//	}, nio.TaskIdentifier{Group: "dns", Description: host})
func (d *Dispatcher) RunThreadTask(task func(), id TaskIdentifier) {
	d.stats.TaskStarted(id)

	go func() {
		if err := d.workers.Acquire(d.ctx, 1); err != nil {
			d.stats.TaskCompleted(id, false, 0)
			return
		}
		defer d.workers.Release(1)

		start := time.Now()
		ok := false
		defer func() {
			if r := recover(); r != nil {
				d.log.Error("Worker task panicked", "group", id.Group,
					"task", id.Description, "panic", r)
			}
			d.stats.TaskCompleted(id, ok, time.Since(start))
		}()

		task()
		ok = true
	}()
}

// DefaultDeadline returns now plus the configured default timeout.
func (d *Dispatcher) DefaultDeadline() time.Time {
	return time.Now().Add(d.cfg.DefaultTimeout)
}

// DefaultTimeout returns the configured default timeout.
func (d *Dispatcher) DefaultTimeout() time.Duration {
	return d.cfg.DefaultTimeout
}

// Context is cancelled when the dispatcher shuts down.
func (d *Dispatcher) Context() context.Context {
	return d.ctx
}

// invoke runs a handler callback inline or on the worker pool.
func (d *Dispatcher) invoke(h Handler, what string, fn func()) {
	if h.UseSeparateThread() {
		d.RunThreadTask(fn, TaskIdentifier{Group: "handler", Description: h.Description()})
		return
	}

	defer func() {
		if r := recover(); r != nil {
			d.log.Error("Handler panicked", "handler", h.Description(), "callback", what, "panic", r)
		}
	}()
	fn()
}

func (d *Dispatcher) loopFor(ch Channel) *loop {
	if v, ok := d.owners.Load(ch); ok {
		return v.(*loop)
	}

	n := d.next.Add(1)
	l := d.loops[int(n)%len(d.loops)]
	v, _ := d.owners.LoadOrStore(ch, l)
	return v.(*loop)
}

type nopStatistics struct{}

func (nopStatistics) TaskStarted(TaskIdentifier)                        {}
func (nopStatistics) TaskCompleted(TaskIdentifier, bool, time.Duration) {}
