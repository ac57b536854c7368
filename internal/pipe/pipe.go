//go:build darwin || linux
// +build darwin linux

// package pipe implements the bounded single-process typed pipe primitive
// described in spec §4.6: a bounded FIFO of messages with an end-of-
// stream sentinel, the only construct explicitly safe for cross-thread
// use. Payload transfer is a locked ring buffer; readiness is signalled
// through a pair of OS pipes so the reactor can watch them exactly like
// any other file descriptor (spec §9 Design Notes: "a pair of OS-level
// eventfds/pipes used solely to signal readiness to the reactor. Reads/
// writes of the typed payload bypass the OS pipe; the OS pipe carries
// only readiness bytes."). The counting-semaphore idea is grounded in the
// teacher's utils/netpool/pool.go connTicket/idleTicket buffered channels.
package pipe

import (
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/NightBlues/go-httppipe/internal/message"
)

// Msg is any payload carried by the pipe.
type Msg interface{}

type state int

const (
	stateOpen state = iota
	stateEOF
	stateErr
	stateClosed
)

type core struct {
	mu   sync.Mutex
	cond *sync.Cond

	buf []Msg
	cap int
	st  state
	err error

	readR, readW   int // signals: readable data or EOF pending
	writeR, writeW int // signals: buffer has free space
}

// Reader is the read half of a pipe.
type Reader struct{ c *core }

// Writer is the write half of a pipe.
type Writer struct{ c *core }

// Create builds a bounded pipe of capacity n (spec: "create(n) →
// (reader, writer)").
func Create(n int) (*Reader, *Writer, error) {
	rr, rw, err := selfPipe()
	if err != nil {
		return nil, nil, err
	}
	wr, ww, err := selfPipe()
	if err != nil {
		return nil, nil, err
	}
	c := &core{cap: n, readR: rr, readW: rw, writeR: wr, writeW: ww}
	c.cond = sync.NewCond(&c.mu)
	c.signalWrite() // empty buffer: writable
	return &Reader{c}, &Writer{c}, nil
}

func selfPipe() (r, w int, err error) {
	fds := make([]int, 2)
	if err := unix.Pipe(fds); err != nil {
		return -1, -1, err
	}
	unix.SetNonblock(fds[0], true)
	unix.SetNonblock(fds[1], true)
	return fds[0], fds[1], nil
}

func signal(fd int) {
	unix.Write(fd, []byte{0})
}

func drain(fd int) {
	buf := make([]byte, 64)
	for {
		n, err := unix.Read(fd, buf)
		if n <= 0 || err != nil {
			return
		}
	}
}

func (c *core) signalRead()  { signal(c.readW) }
func (c *core) signalWrite() { signal(c.writeW) }
func (c *core) drainRead()   { drain(c.readR) }
func (c *core) drainWrite()  { drain(c.writeR) }

// Read pops the oldest message. If nonblock and nothing is available it
// fails with message.ErrWouldBlock. Returns (nil, nil) exactly once EOF
// has been observed and the buffer is empty ("EOF is sticky": subsequent
// reads also return (nil, nil)).
func (r *Reader) Read(nonblock bool) (Msg, error) {
	c := r.c
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		if c.st == stateErr {
			return nil, c.err
		}
		if c.st == stateClosed {
			return nil, message.ErrPipeClosed
		}
		if len(c.buf) > 0 {
			m := c.buf[0]
			c.buf = c.buf[1:]
			if len(c.buf) < c.cap {
				c.signalWrite()
			}
			if len(c.buf) == 0 && c.st != stateEOF {
				c.drainRead()
			}
			return m, nil
		}
		if c.st == stateEOF {
			return nil, nil
		}
		if nonblock {
			return nil, message.ErrWouldBlock
		}
		c.cond.Wait()
	}
}

// ReadDescr returns the stable read-readiness file descriptor, usable
// with the event system: it becomes readable when a message or EOF is
// pending.
func (r *Reader) ReadDescr() int { return r.c.readR }

func (r *Reader) EOF() bool {
	c := r.c
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st == stateEOF && len(c.buf) == 0
}

func (r *Reader) Length() int {
	c := r.c
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buf)
}

func (r *Reader) Close() error { return r.c.closeShared() }

// Write pushes a message, or signals end-of-stream when eof is true.
// Writing after EOF fails with message.ErrBrokenPipe (wrapped for stack
// context, the way oneee-playground-network-stack wraps session/network
// errors with github.com/pkg/errors).
func (w *Writer) Write(nonblock bool, m Msg, eof bool) error {
	c := w.c
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		if c.st == stateErr {
			return c.err
		}
		if c.st == stateClosed {
			return message.ErrPipeClosed
		}
		if c.st == stateEOF {
			return errors.Wrap(message.ErrBrokenPipe, "write after eof")
		}
		if eof {
			c.st = stateEOF
			c.signalRead()
			c.cond.Broadcast()
			return nil
		}
		if len(c.buf) < c.cap {
			c.buf = append(c.buf, m)
			c.signalRead()
			if len(c.buf) >= c.cap {
				c.drainWrite()
			}
			c.cond.Broadcast()
			return nil
		}
		if nonblock {
			return message.ErrWouldBlock
		}
		c.cond.Wait()
	}
}

// WriteDescr becomes readable when the buffer has free space.
func (w *Writer) WriteDescr() int { return w.c.writeR }

func (w *Writer) Close() error { return w.c.closeShared() }

// SetError puts the pipe into a failed state; every subsequent operation
// on either end fails with err (spec P8).
func (w *Writer) SetError(err error) {
	c := w.c
	c.mu.Lock()
	c.st = stateErr
	c.err = err
	c.mu.Unlock()
	c.signalRead()
	c.signalWrite()
	c.cond.Broadcast()
}

func (c *core) closeShared() error {
	c.mu.Lock()
	if c.st == stateClosed {
		c.mu.Unlock()
		return nil
	}
	c.st = stateClosed
	c.mu.Unlock()
	c.signalRead()
	c.signalWrite()
	c.cond.Broadcast()
	unix.Close(c.readR)
	unix.Close(c.readW)
	unix.Close(c.writeR)
	unix.Close(c.writeW)
	return nil
}
