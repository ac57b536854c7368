//go:build darwin || linux
// +build darwin linux

package reactor

import (
	"sort"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// PollReactor is the default Reactor, built the way the teacher's
// utils/nettools/net_poll.go probes write-readiness with unix.Poll,
// generalized here into a full read/write/timer-driven event loop
// instead of a one-shot "which of these conns can write" helper.
type PollReactor struct {
	mu        sync.Mutex
	regs      map[int]*registration
	timers    []*pendingTimer
	nextTimer int

	wakeR, wakeW int // self-pipe used to interrupt a blocked Poll from Stop/Register
	stopped      bool
}

type registration struct {
	fd       int
	interest Interest
	cb       Callback
}

type pendingTimer struct {
	id      int
	when    time.Time
	fn      TimerFunc
	removed bool
}

func NewPollReactor() (*PollReactor, error) {
	fds := make([]int, 2)
	if err := unix.Pipe(fds); err != nil {
		return nil, err
	}
	if err := unix.SetNonblock(fds[0], true); err != nil {
		return nil, err
	}
	if err := unix.SetNonblock(fds[1], true); err != nil {
		return nil, err
	}
	return &PollReactor{
		regs:  map[int]*registration{},
		wakeR: fds[0], wakeW: fds[1],
	}, nil
}

func (r *PollReactor) Register(fd int, interest Interest, cb Callback) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.regs[fd] = &registration{fd: fd, interest: interest, cb: cb}
	r.wake()
	return nil
}

func (r *PollReactor) Deregister(fd int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.regs, fd)
	r.wake()
	return nil
}

func (r *PollReactor) AddTimer(d time.Duration, fn TimerFunc) TimerHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextTimer++
	t := &pendingTimer{id: r.nextTimer, when: time.Now().Add(d), fn: fn}
	r.timers = append(r.timers, t)
	sort.Slice(r.timers, func(i, j int) bool { return r.timers[i].when.Before(r.timers[j].when) })
	r.wake()
	return t
}

func (r *PollReactor) CancelTimer(h TimerHandle) {
	t, ok := h.(*pendingTimer)
	if !ok {
		return
	}
	r.mu.Lock()
	t.removed = true
	r.mu.Unlock()
}

func (r *PollReactor) wake() {
	// best-effort: a full self-pipe buffer just means the loop was
	// already about to wake up anyway.
	unix.Write(r.wakeW, []byte{0})
}

func (r *PollReactor) Stop() {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()
	r.wake()
}

// Run blocks until Stop is called or there is nothing left registered and
// no timers pending (spec §4.1 "run (drive the event system until all
// queues drain)").
func (r *PollReactor) Run() error {
	for {
		r.mu.Lock()
		if r.stopped {
			r.mu.Unlock()
			return nil
		}
		fds := make([]unix.PollFd, 0, len(r.regs)+1)
		fds = append(fds, unix.PollFd{Fd: int32(r.wakeR), Events: unix.POLLIN})
		order := make([]*registration, 0, len(r.regs))
		for _, reg := range r.regs {
			var ev int16
			if reg.interest&Readable != 0 {
				ev |= unix.POLLIN
			}
			if reg.interest&Writable != 0 {
				ev |= unix.POLLOUT
			}
			fds = append(fds, unix.PollFd{Fd: int32(reg.fd), Events: ev})
			order = append(order, reg)
		}
		timeout := r.nextTimeout()
		empty := len(r.regs) == 0 && len(r.timers) == 0
		r.mu.Unlock()

		if empty {
			return nil
		}

		n, err := unix.Poll(fds, timeout)
		if err != nil && err != unix.EINTR {
			return err
		}

		if n > 0 && fds[0].Revents&unix.POLLIN != 0 {
			buf := make([]byte, 64)
			for {
				if k, _ := unix.Read(r.wakeR, buf); k <= 0 {
					break
				}
			}
		}

		r.fireTimers()

		if n > 0 {
			for i, reg := range order {
				pf := fds[i+1]
				if pf.Revents == 0 {
					continue
				}
				readable := pf.Revents&(unix.POLLIN|unix.POLLHUP) != 0
				writable := pf.Revents&unix.POLLOUT != 0
				var cerr error
				if pf.Revents&unix.POLLERR != 0 {
					cerr = unix.EIO
				}
				reg.cb(readable, writable, cerr)
			}
		}
	}
}

func (r *PollReactor) nextTimeout() int {
	if len(r.timers) == 0 {
		return 1000
	}
	d := time.Until(r.timers[0].when)
	if d <= 0 {
		return 0
	}
	ms := int(d / time.Millisecond)
	if ms <= 0 {
		return 1
	}
	if ms > 1000 {
		ms = 1000
	}
	return ms
}

func (r *PollReactor) fireTimers() {
	now := time.Now()
	r.mu.Lock()
	var due []*pendingTimer
	remaining := r.timers[:0]
	for _, t := range r.timers {
		if t.removed {
			continue
		}
		if !t.when.After(now) {
			due = append(due, t)
		} else {
			remaining = append(remaining, t)
		}
	}
	r.timers = remaining
	r.mu.Unlock()
	for _, t := range due {
		t.fn()
	}
}
