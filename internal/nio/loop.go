package nio

import (
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"burrow/pkg/logger"
)

const (
	maxSleep     = 100 * time.Second
	spinWindow   = 100 * time.Millisecond
	eventsPerRun = 256
)

var errNotWritable = errors.New("socket not writable during spin probe")

// loop is one event loop: an epoll instance, a wake descriptor, a task
// queue and the registrations it owns. Only the loop goroutine touches
// regs and byFD.
type loop struct {
	d   *Dispatcher
	id  int
	log *logger.Logger

	epfd   int
	wakefd int

	mu     sync.Mutex
	tasks  []func() bool
	spare  []func() bool
	closed bool

	regs   map[Channel]*registration
	byFD   map[int32]*registration
	events []unix.EpollEvent
	seq    uint64

	idle    int
	lastRun time.Time

	done chan struct{}
}

type registration struct {
	ch     Channel
	fd     int
	polled bool
	events uint32
	slots  [numOps]*slot
}

type slot struct {
	handler  Handler
	claim    *claim
	deadline time.Time
	seq      uint64
	stop     chan struct{}
}

func (r *registration) empty() bool {
	for _, s := range r.slots {
		if s != nil {
			return false
		}
	}
	return true
}

func (r *registration) interest() uint32 {
	var ev uint32
	if r.slots[OpRead] != nil || r.slots[OpAccept] != nil {
		ev |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if r.slots[OpWrite] != nil {
		ev |= unix.EPOLLOUT
	}
	return ev
}

func newLoop(d *Dispatcher, id int) (*loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}

	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		unix.Close(wakefd)
		unix.Close(epfd)
		return nil, err
	}

	return &loop{
		d:      d,
		id:     id,
		log:    d.log.With("loop", id),
		epfd:   epfd,
		wakefd: wakefd,
		regs:   make(map[Channel]*registration),
		byFD:   make(map[int32]*registration),
		events: make([]unix.EpollEvent, eventsPerRun),
		done:   make(chan struct{}),
	}, nil
}

// enqueue adds a task for the loop goroutine and wakes it. Tasks queued
// after the loop released its descriptors are dropped.
func (l *loop) enqueue(task func() bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}

	l.tasks = append(l.tasks, task)
	l.wakeLocked()
}

func (l *loop) wake() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.closed {
		l.wakeLocked()
	}
}

func (l *loop) wakeLocked() {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	// EAGAIN means the counter is already non-zero; the loop will wake.
	_, _ = unix.Write(l.wakefd, buf[:])
}

func (l *loop) drainWake() {
	var buf [8]byte
	_, _ = unix.Read(l.wakefd, buf[:])
}

func (l *loop) release() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}
	l.closed = true
	unix.Close(l.wakefd)
	unix.Close(l.epfd)
}

func (l *loop) run() {
	defer close(l.done)

	l.lastRun = time.Now()
	for !l.d.stopped.Load() {
		l.iterate()
	}

	l.shutdown()
}

func (l *loop) iterate() {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("Event loop iteration panicked, continuing", "panic", r)
		}
	}()

	n, err := unix.EpollWait(l.epfd, l.events, l.pollTimeout(time.Now()))
	if err != nil {
		if !errors.Is(err, unix.EINTR) {
			l.log.Error("epoll wait failed", "error", err)
			time.Sleep(10 * time.Millisecond)
		}
		n = 0
	}

	now := time.Now()
	if now.Sub(l.lastRun) > spinWindow {
		l.idle = 0
	}
	l.lastRun = now

	work := l.expire(now)

	for i := 0; i < n; i++ {
		ev := l.events[i]
		if ev.Fd == int32(l.wakefd) {
			l.drainWake()
			continue
		}
		work += l.handleEvent(ev)
	}

	for {
		ran := l.runTasks()
		work += ran
		if ran == 0 {
			break
		}
	}

	if work > 0 {
		l.idle = 0
		return
	}

	l.idle++
	if l.idle > l.d.cfg.SpinThreshold {
		l.avoidSpinning()
		l.idle = 0
	}
}

// runTasks runs the queued tasks and returns how many did work.
func (l *loop) runTasks() int {
	l.mu.Lock()
	tasks := l.tasks
	l.tasks = l.spare[:0]
	l.mu.Unlock()

	if len(tasks) == 0 {
		l.spare = tasks
		return 0
	}

	work := 0
	for i, task := range tasks {
		if task() {
			work++
		}
		tasks[i] = nil
	}

	l.spare = tasks[:0]
	return work
}

func (l *loop) pollTimeout(now time.Time) int {
	var next time.Time
	for _, r := range l.regs {
		for _, s := range r.slots {
			if s == nil || s.deadline.IsZero() {
				continue
			}
			if next.IsZero() || s.deadline.Before(next) {
				next = s.deadline
			}
		}
	}

	if next.IsZero() {
		return int(maxSleep / time.Millisecond)
	}

	wait := next.Sub(now)
	if wait <= 0 {
		return 0
	}
	if wait > maxSleep {
		wait = maxSleep
	}
	return int((wait + time.Millisecond - 1) / time.Millisecond)
}

// add installs a slot. A registration whose claim was revoked before the
// task ran (Cancel) is skipped.
func (l *loop) add(ch Channel, op Op, h Handler, c *claim, deadline time.Time) {
	if !l.d.claimed(ch, op, c) {
		return
	}

	r := l.regs[ch]
	if r == nil {
		r = &registration{ch: ch, fd: -1}
	}

	if op != OpConnect && r.fd < 0 {
		fd, err := fdOf(ch)
		if err != nil {
			l.d.releaseClaim(ch, op, c)
			l.d.invoke(h, "closed", h.Closed)
			return
		}

		if old := l.byFD[int32(fd)]; old != nil && old.ch != ch {
			// The descriptor number was reused after its previous
			// channel was closed without going through the dispatcher.
			l.fail(old, ErrClosed)
		}

		r.fd = fd
		l.byFD[int32(fd)] = r
	}

	l.regs[ch] = r

	if old := r.slots[op]; old != nil {
		l.stopSlot(old)
	}

	l.seq++
	s := &slot{handler: h, claim: c, deadline: deadline, seq: l.seq}
	r.slots[op] = s

	if op == OpConnect {
		l.watchDial(ch.(Dialing), s)
	}

	if err := l.sync(r); err != nil {
		l.fail(r, err)
	}
}

// sync makes the epoll interest match the registration's slots.
func (l *loop) sync(r *registration) error {
	if r.fd < 0 {
		return nil
	}

	want := r.interest()
	ev := unix.EpollEvent{Events: want, Fd: int32(r.fd)}

	switch {
	case want == 0:
		if !r.polled {
			return nil
		}
		r.polled, r.events = false, 0
		err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, r.fd, nil)
		if errors.Is(err, unix.ENOENT) || errors.Is(err, unix.EBADF) {
			return nil
		}
		return err

	case !r.polled:
		err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, r.fd, &ev)
		if errors.Is(err, unix.EEXIST) {
			err = unix.EpollCtl(l.epfd, unix.EPOLL_CTL_MOD, r.fd, &ev)
		}
		if err != nil {
			return err
		}

	case want != r.events:
		err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_MOD, r.fd, &ev)
		if errors.Is(err, unix.ENOENT) {
			err = unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, r.fd, &ev)
		}
		if err != nil {
			return err
		}

	default:
		return nil
	}

	r.polled, r.events = true, want
	return nil
}

func (l *loop) handleEvent(ev unix.EpollEvent) int {
	r := l.byFD[ev.Fd]
	if r == nil {
		return 0
	}

	work := 0
	if ev.Events&(unix.EPOLLIN|unix.EPOLLRDHUP|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		work += l.ready(r, OpRead)
		work += l.ready(r, OpAccept)
	}
	if ev.Events&(unix.EPOLLOUT|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		work += l.ready(r, OpWrite)
	}
	return work
}

// ready clears the slot and then runs its readiness callback.
func (l *loop) ready(r *registration, op Op) int {
	s := r.slots[op]
	if s == nil {
		return 0
	}

	l.clear(r, op)
	h := s.handler
	l.d.invoke(h, op.String(), func() { fire(h, op) })
	return 1
}

func (l *loop) dialDone(ch Channel, seq uint64) bool {
	r := l.regs[ch]
	if r == nil {
		return false
	}

	s := r.slots[OpConnect]
	if s == nil || s.seq != seq {
		return false
	}

	return l.ready(r, OpConnect) > 0
}

func (l *loop) watchDial(ch Dialing, s *slot) {
	s.stop = make(chan struct{})
	seq := s.seq

	go func(done <-chan struct{}, stop <-chan struct{}) {
		select {
		case <-done:
			l.enqueue(func() bool { return l.dialDone(ch, seq) })
		case <-stop:
		}
	}(ch.Done(), s.stop)
}

// clear empties a slot, releasing its claim. An emptied registration is
// dropped; otherwise the epoll interest is narrowed.
func (l *loop) clear(r *registration, op Op) {
	s := r.slots[op]
	if s == nil {
		return
	}

	r.slots[op] = nil
	l.stopSlot(s)
	l.d.releaseClaim(r.ch, op, s.claim)

	if r.empty() {
		l.drop(r)
		return
	}

	if err := l.sync(r); err != nil {
		l.fail(r, err)
	}
}

func (l *loop) stopSlot(s *slot) {
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
}

func (l *loop) drop(r *registration) {
	if r.polled {
		_ = unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, r.fd, nil)
		r.polled, r.events = false, 0
	}

	if l.regs[r.ch] == r {
		delete(l.regs, r.ch)
	}
	if r.fd >= 0 && l.byFD[int32(r.fd)] == r {
		delete(l.byFD, int32(r.fd))
	}
}

// detach removes every slot without firing and returns their handlers.
func (l *loop) detach(r *registration) []Handler {
	var handlers []Handler
	for op := Op(0); op < numOps; op++ {
		s := r.slots[op]
		if s == nil {
			continue
		}
		r.slots[op] = nil
		l.stopSlot(s)
		l.d.releaseClaim(r.ch, op, s.claim)
		handlers = append(handlers, s.handler)
	}

	l.drop(r)
	return handlers
}

// fail drops a registration that can no longer be polled and tells every
// waiting handler that the channel is gone.
func (l *loop) fail(r *registration, err error) {
	l.log.Warn("Dropping registration", "channel", describe(r), "error", err)

	for _, h := range l.detach(r) {
		h := h
		l.d.invoke(h, "closed", h.Closed)
	}
	l.d.owners.CompareAndDelete(r.ch, l)
}

func (l *loop) expire(now time.Time) int {
	work := 0
	for _, r := range l.regs {
		for op := Op(0); op < numOps; op++ {
			s := r.slots[op]
			if s == nil || s.deadline.IsZero() || now.Before(s.deadline) {
				continue
			}

			l.clear(r, op)
			h := s.handler
			l.d.invoke(h, "timeout", h.Timeout)
			work++
		}
	}
	return work
}

func (l *loop) cancel(ch Channel, h Handler) bool {
	r := l.regs[ch]
	if r == nil {
		return false
	}

	removed := false
	for op := Op(0); op < numOps; op++ {
		if s := r.slots[op]; s != nil && s.handler == h {
			l.clear(r, op)
			removed = true
		}
	}
	return removed
}

func (l *loop) closeChannel(ch Channel) {
	r := l.regs[ch]
	if r == nil {
		return
	}

	for _, h := range l.detach(r) {
		h := h
		l.d.invoke(h, "closed", h.Closed)
	}
}

// avoidSpinning probes registrations that wait neither for write nor for
// accept. A connected socket in that state is expected to be writable;
// one that errors, hung up, or is not writable is dropped.
func (l *loop) avoidSpinning() {
	l.log.Warn("Trying to avoid spinning, may drop some registrations",
		"registrations", len(l.regs))

	dropped := 0
	for _, r := range l.regs {
		if r.fd < 0 || r.slots[OpWrite] != nil || r.slots[OpAccept] != nil {
			continue
		}

		pfd := []unix.PollFd{{Fd: int32(r.fd), Events: unix.POLLOUT}}
		n, err := unix.Poll(pfd, 0)
		if err != nil {
			continue
		}

		bad := pfd[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0
		if n == 1 && !bad && pfd[0].Revents&unix.POLLOUT != 0 {
			continue
		}

		l.fail(r, errNotWritable)
		dropped++
	}

	l.log.Info("Spin evasion complete", "dropped", dropped)
}

// shutdown runs the queued tasks one last time, then tells every waiting
// handler that its channel is closed. Callbacks run inline because the
// worker pool no longer accepts tasks.
func (l *loop) shutdown() {
	l.runTasks()

	var waiting []Handler
	for _, r := range l.regs {
		waiting = append(waiting, l.detach(r)...)
	}
	l.release()

	for _, h := range waiting {
		func() {
			defer func() { _ = recover() }()
			h.Closed()
		}()
	}
}

func describe(r *registration) string {
	for _, s := range r.slots {
		if s != nil {
			return s.handler.Description()
		}
	}
	return "idle"
}
