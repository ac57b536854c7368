// package reactor defines the event-loop integration contract (spec §2.1,
// §9): the engine never embeds a loop of its own, it registers descriptor
// interests and timers on an externally supplied reactor and yields when
// nothing is ready. A default poll(2)-based implementation is provided
// for callers that don't already run their own event loop.
package reactor

import "time"

// Interest is the set of readiness conditions a caller wants notified of.
type Interest uint8

const (
	Readable Interest = 1 << iota
	Writable
)

// Callback fires when fd becomes ready for the interests it was
// registered with, or when readiness could not be determined (err != nil).
type Callback func(readable, writable bool, err error)

// TimerFunc fires once a timer set with AddTimer expires.
type TimerFunc func()

// Reactor is the external collaborator described in spec §2.1: "poll/
// select-style readiness reactor with timers. Provided; the engine
// registers descriptors and callbacks."
type Reactor interface {
	// Register starts watching fd for the given interests, invoking cb on
	// every readiness edge until Deregister is called. Registering the
	// same fd again replaces the previous interest set.
	Register(fd int, interest Interest, cb Callback) error
	Deregister(fd int) error

	// AddTimer schedules fn to run after d, returning a handle usable with
	// CancelTimer. Reading a 100-Continue interim cancels a connection's
	// handshake timer and releases the paused body at once.
	AddTimer(d time.Duration, fn TimerFunc) TimerHandle
	CancelTimer(h TimerHandle)

	// Run drives the loop until Stop is called or every registration and
	// timer has been removed (Pipeline.Run's "drive the event system
	// until all queues drain").
	Run() error
	Stop()
}

// TimerHandle is an opaque handle returned by AddTimer.
type TimerHandle interface{}
