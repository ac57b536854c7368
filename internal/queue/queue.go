// package queue implements the per-origin queue (spec §3, §4.1 routing):
// it buffers pending Calls addressed to one (host, port) and spawns up to
// max_parallel_connections Connections, grounded on the key→pool map
// shape of the teacher's utils/netpool/group.go.
package queue

import (
	"errors"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/NightBlues/go-httppipe/internal/conn"
	"github.com/NightBlues/go-httppipe/internal/message"
	"github.com/NightBlues/go-httppipe/internal/pool"
	"github.com/NightBlues/go-httppipe/internal/reactor"
)

// Config bundles everything a Queue needs to spawn Connections, mirroring
// the Pipeline-level options that flow down to each one (spec §4.1).
type Config struct {
	Reactor             reactor.Reactor
	Clock               clock.Clock
	Cache               *pool.Cache
	Dial                func(host, port string) conn.DialFunc
	MaxParallel         int
	Synchronization     int
	ConnectionTimeout   int64 // seconds
	HandshakeTimeout    int64 // seconds
	InhibitPersistency  bool
	MaxConnectionFails  int
	MaxMessageErrors    int
	Transport           string

	// OnCallSettled fires once a Call assigned to this queue reaches a
	// terminal outcome or needs the pipeline to re-route it (redirect/
	// auth); the pipeline supplies this to keep queue decoupled from
	// redirect/auth policy.
	OnCallSettled func(c *message.Call, err error)
	// OnQueueFailed fires when the queue burns through
	// MaxConnectionFails fresh connections (spec §4.4).
	OnQueueFailed func(pending []*message.Call)
	// OnConnSpawned/OnConnClosed feed the Pipeline-level Counters
	// without Queue needing to know about them.
	OnConnSpawned func()
	OnConnClosed  func(kind conn.ErrorKind, err error)
}

// Queue is the collaborator described in spec §3 "Per-origin queue".
type Queue struct {
	Host, Port string
	cfg        Config

	conns   []*conn.Connection
	waiting []*message.Call

	freshFailures   int
	messageFailures int
}

func New(host, port string, cfg Config) *Queue {
	return &Queue{Host: host, Port: port, cfg: cfg}
}

// Add enqueues a Call, binding it to an existing Connection with spare
// capacity, an idle cached Connection, or a freshly spawned one, up to
// MaxParallel (spec §3: "spawns up to max_parallel_connections
// Connections").
func (q *Queue) Add(call *message.Call) {
	for _, c := range q.conns {
		if c.CanAcceptMore() {
			c.Enqueue(call)
			return
		}
	}
	if len(q.conns) < q.cfg.MaxParallel {
		c := q.spawn()
		c.Enqueue(call)
		return
	}
	q.waiting = append(q.waiting, call)
}

func (q *Queue) spawn() *conn.Connection {
	key := pool.Key{Host: q.Host, Port: q.Port, Transport: q.cfg.Transport}
	if idle, ok := q.cfg.Cache.Acquire(key); ok {
		if c, ok := idle.(*conn.Connection); ok {
			q.conns = append(q.conns, c)
			return c
		}
	}
	c := conn.New(q.Host, q.Port, q.cfg.Transport, q.cfg.Dial(q.Host, q.Port), q.cfg.Reactor, q.cfg.Clock)
	c.Synchronization = q.cfg.Synchronization
	c.InhibitPersistency = q.cfg.InhibitPersistency
	if q.cfg.ConnectionTimeout > 0 {
		c.ConnectionTimeout = time.Duration(q.cfg.ConnectionTimeout) * time.Second
	}
	if q.cfg.HandshakeTimeout > 0 {
		c.HandshakeTimeout = time.Duration(q.cfg.HandshakeTimeout) * time.Second
	}
	c.OnCallDone = func(call *message.Call, err error) { q.onCallDone(c, call, err) }
	c.OnClosed = func(kind conn.ErrorKind, err error) { q.onClosed(c, kind, err) }
	c.OnIdle = func() { q.onIdle(c) }
	q.conns = append(q.conns, c)
	if q.cfg.OnConnSpawned != nil {
		q.cfg.OnConnSpawned()
	}
	return c
}

func (q *Queue) onCallDone(c *conn.Connection, call *message.Call, err error) {
	if q.cfg.OnCallSettled != nil {
		q.cfg.OnCallSettled(call, err)
	}
	q.dispatchWaiting()
}

func (q *Queue) onClosed(c *conn.Connection, kind conn.ErrorKind, err error) {
	q.removeConn(c)
	if q.cfg.OnConnClosed != nil {
		q.cfg.OnConnClosed(kind, err)
	}
	var badMsg *message.BadMessageError
	if errors.As(err, &badMsg) {
		q.messageFailures++
	} else if kind != conn.ErrorServerEOF && kind != conn.ErrorUnknown {
		q.freshFailures++
	}
	tooManyConnFails := err != nil && q.freshFailures > q.cfg.MaxConnectionFails
	tooManyMsgFails := q.cfg.MaxMessageErrors > 0 && q.messageFailures > q.cfg.MaxMessageErrors
	if tooManyConnFails || tooManyMsgFails {
		pending := q.waiting
		q.waiting = nil
		if q.cfg.OnQueueFailed != nil {
			q.cfg.OnQueueFailed(pending)
		}
		return
	}
	q.dispatchWaiting()
}

// onIdle fires the moment a Connection settles with nothing left to send
// or await. It is pulled out of q.conns and handed to the shared cache
// immediately, rather than left to sit there until it eventually closes:
// Add/dispatchWaiting always try q.conns first, so a Connection idling in
// both places would race between this queue reassigning it directly and
// another queue pulling it out of the cache. Removing it here means the
// only way back into q.conns is through spawn's own Cache.Acquire call,
// which keeps a Connection singly owned at all times.
func (q *Queue) onIdle(c *conn.Connection) {
	if !c.Reusable() {
		return
	}
	q.removeConn(c)
	key := pool.Key{Host: q.Host, Port: q.Port, Transport: q.cfg.Transport}
	q.cfg.Cache.Release(key, c)
}

func (q *Queue) removeConn(c *conn.Connection) {
	for i, cc := range q.conns {
		if cc == c {
			q.conns = append(q.conns[:i], q.conns[i+1:]...)
			return
		}
	}
}

func (q *Queue) dispatchWaiting() {
	for len(q.waiting) > 0 {
		call := q.waiting[0]
		placed := false
		for _, c := range q.conns {
			if c.CanAcceptMore() {
				c.Enqueue(call)
				placed = true
				break
			}
		}
		if !placed && len(q.conns) < q.cfg.MaxParallel {
			c := q.spawn()
			c.Enqueue(call)
			placed = true
		}
		if !placed {
			return
		}
		q.waiting = q.waiting[1:]
	}
}

// Idle reports whether the queue has no live work: no waiting Calls and
// no Connections of its own.
func (q *Queue) Idle() bool {
	return len(q.waiting) == 0 && len(q.conns) == 0
}

// Drain aborts every Connection this queue owns and fails every Call still
// waiting for one (used by Pipeline.Reset). Connection.Close delivers each
// queued/sent/inflight Call's callback the same way a transport failure
// would; waiting Calls never reached a Connection, so they're failed here
// directly through the same OnCallSettled hook a settled Call uses.
func (q *Queue) Drain() {
	for _, c := range q.conns {
		c.Close()
	}
	q.conns = nil
	waiting := q.waiting
	q.waiting = nil
	for _, call := range waiting {
		if q.cfg.OnCallSettled != nil {
			q.cfg.OnCallSettled(call, message.ErrNoReply)
		}
	}
}
