// package conn implements the per-origin connection state machine (spec
// §4.2): one TCP (optionally TLS-wrapped) socket with a send queue and an
// inflight FIFO, generalized from the lifecycle shape of the teacher's
// utils/netpool/connection.go (an atomic-guarded net.Conn wrapper with a
// Close/Available lifecycle) into the full Unconnected → ... → Closed
// machine spec.md describes.
package conn

import (
	"bufio"
	"context"
	"io"
	"net"
	"strings"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/NightBlues/go-httppipe/internal/message"
	"github.com/NightBlues/go-httppipe/internal/pipe"
	"github.com/NightBlues/go-httppipe/internal/reactor"
	"github.com/NightBlues/go-httppipe/internal/transport"
)

const maxPipelineDepthCeiling = 8

// bodySink is whatever a Call's BodyStorage handed back from Open().
type bodySink interface {
	io.Writer
	Close() error
}

// DialFunc opens the underlying transport for a Connection. Non-blocking
// from the caller's perspective: it always runs on its own goroutine, the
// only place this package intentionally leaves the cooperative,
// single-threaded run loop (spec §5's pipe primitive is "the only
// construct explicitly safe for cross-thread use" — exactly what
// delivers the dial result back).
type DialFunc func(ctx context.Context) (net.Conn, error)

// Connection is the collaborator described in spec §3/§4.2.
type Connection struct {
	Host, Port, Transport string

	Reactor             reactor.Reactor
	Clock               clock.Clock
	ConnectionTimeout   time.Duration
	HandshakeTimeout    time.Duration
	Synchronization     int // 0 disables pipelining (sync mode); else max depth, clamped below
	InhibitPersistency  bool

	Dial DialFunc

	// OnCallDone fires exactly once per Call handed to this Connection,
	// whether it completed or the Connection failed with it inflight.
	OnCallDone func(c *message.Call, err error)
	// OnClosed fires once, when the Connection reaches Closed, so the
	// owning per-origin queue can release it, retry pending work, or
	// bump failure counters.
	OnClosed func(kind ErrorKind, err error)
	// OnIdle fires every time the Connection settles into Idle with
	// nothing left to send or await, so the owning queue can park it in
	// the shared cache for reuse instead of leaving it to be found only
	// once it eventually closes.
	OnIdle func()

	state   State
	errKind ErrorKind

	raw net.Conn
	fd  int
	br  *bufio.Reader
	rr  *transport.ResponseReader

	sendQueue []*message.Call
	inflight  []*message.Call

	versionDecided    bool
	pipeliningAllowed bool
	seenConnClose     bool

	errorCount int

	idleTimer      reactor.TimerHandle
	handshakeTimer reactor.TimerHandle

	// send progress
	curCall    *message.Call
	writeBuf   []byte
	headerSent bool
	bodySrc    []byte // remaining raw bytes not yet accounted for streaming body (small helper buffer)
	bodyDone   bool

	expectContinuePending bool
	peekCall              *message.Call

	// receive progress
	headCall *message.Call
	bodyDst  bodySink

	dialR *pipe.Reader
	dialW *pipe.Writer
}

type dialResult struct {
	conn net.Conn
	err  error
}

// New builds an unconnected Connection. Call Start to begin dialing.
func New(host, port, transportKind string, dial DialFunc, r reactor.Reactor, cl clock.Clock) *Connection {
	if cl == nil {
		cl = clock.New()
	}
	depth := 5
	c := &Connection{
		Host: host, Port: port, Transport: transportKind,
		Reactor: r, Clock: cl,
		ConnectionTimeout: 300 * time.Second,
		HandshakeTimeout:  time.Second,
		Synchronization:   depth,
		Dial:              dial,
		state:             Unconnected,
	}
	return c
}

func (c *Connection) State() State { return c.state }

func (c *Connection) maxDepth() int {
	if c.Synchronization <= 1 {
		return 1
	}
	if c.Synchronization > maxPipelineDepthCeiling {
		return maxPipelineDepthCeiling
	}
	return c.Synchronization
}

// CanAcceptMore reports whether another Call may be enqueued right now
// (spec: "|inflight| ≤ 1 until first response", pipelining depth caps).
func (c *Connection) CanAcceptMore() bool {
	switch c.state {
	case Closed, Closing, ErrorState:
		return false
	case Unconnected, Resolving, Connecting, Idle:
		return true
	}
	n := len(c.inflight) + len(c.sendQueue)
	if c.curCall != nil {
		n++
	}
	if !c.versionDecided {
		return n < 1
	}
	if !c.pipeliningAllowed {
		return n < 1
	}
	return n < c.maxDepth()
}

// Reusable reports whether an idle Connection may be handed back out of
// the cache (spec §4.5).
func (c *Connection) Reusable() bool {
	return c.state == Idle && len(c.inflight) == 0 && len(c.sendQueue) == 0
}

// Enqueue queues call for transmission and kicks the state machine.
func (c *Connection) Enqueue(call *message.Call) {
	c.sendQueue = append(c.sendQueue, call)
	c.resetIdleTimer()
	switch c.state {
	case Unconnected:
		c.start()
	case Idle:
		c.state = Sending
		c.pump()
	}
	c.registerInterest()
}

func (c *Connection) start() {
	c.state = Connecting
	var err error
	c.dialR, c.dialW, err = pipe.Create(1)
	if err != nil {
		c.fail(ErrorConnect, err)
		return
	}
	go func() {
		conn, derr := c.Dial(context.Background())
		c.dialW.Write(false, dialResult{conn, derr}, false)
	}()
	c.Reactor.Register(c.dialR.ReadDescr(), reactor.Readable, c.onDialReady)
}

func (c *Connection) onDialReady(readable, writable bool, err error) {
	if !readable {
		return
	}
	msg, rerr := c.dialR.Read(true)
	if rerr == message.ErrWouldBlock {
		return
	}
	c.Reactor.Deregister(c.dialR.ReadDescr())
	c.dialR.Close()
	c.dialW.Close()
	if rerr != nil {
		c.fail(ErrorConnect, rerr)
		return
	}
	res := msg.(dialResult)
	if res.err != nil {
		kind := ErrorConnect
		if isNameResolutionErr(res.err) {
			kind = ErrorNameResolution
		}
		c.fail(kind, res.err)
		return
	}
	c.raw = res.conn
	fd, ferr := fdOf(res.conn)
	if ferr != nil {
		c.fail(ErrorConnect, ferr)
		return
	}
	c.fd = fd
	c.br = bufio.NewReader(res.conn)
	c.rr = transport.NewResponseReader(c.br)
	c.resetIdleTimer()

	if len(c.sendQueue) > 0 {
		c.state = Sending
	} else {
		c.markIdle()
	}
	c.registerInterest()
	c.pump()
}

func isNameResolutionErr(err error) bool {
	_, ok := err.(*net.DNSError)
	return ok
}

// registerInterest recomputes the reactor's read/write interest for the
// raw socket based on current state.
func (c *Connection) registerInterest() {
	if c.raw == nil {
		return
	}
	var interest reactor.Interest
	if c.state == Sending {
		interest |= reactor.Writable
	}
	if len(c.inflight) > 0 || c.expectContinuePending {
		interest |= reactor.Readable
	}
	if interest == 0 {
		c.Reactor.Deregister(c.fd)
		return
	}
	c.Reactor.Register(c.fd, interest, c.onSocketReady)
}

func (c *Connection) onSocketReady(readable, writable bool, err error) {
	if err != nil {
		c.fail(ErrorCrash, err)
		return
	}
	c.resetIdleTimer()
	if writable && c.state == Sending {
		c.pump()
	}
	if readable && (len(c.inflight) > 0 || c.expectContinuePending) {
		c.readPump()
	}
	c.registerInterest()
}

// pump advances the current outgoing write, one Call at a time.
func (c *Connection) pump() {
	for c.state == Sending {
		if c.curCall == nil {
			if len(c.sendQueue) == 0 {
				if len(c.inflight) > 0 {
					c.state = Awaiting
				} else {
					c.markIdle()
				}
				return
			}
			c.curCall = c.sendQueue[0]
			c.sendQueue = c.sendQueue[1:]
			c.headerSent = false
			c.bodyDone = false
		}
		if !c.headerSent {
			closeConn := c.InhibitPersistency || (!c.pipeliningAllowed && len(c.sendQueue) == 0)
			c.curCall.BuildEffectiveHeader("go-httppipe", closeConn)
			c.setWriteDeadlineNow()
			if err := transport.WriteHeader(c.raw, c.curCall); err != nil {
				if wouldBlockErr(err) {
					return
				}
				c.failCurrent(err)
				continue
			}
			c.headerSent = true
			if strings.EqualFold(c.curCall.EffectiveHeader.Get("Expect"), "100-continue") {
				c.expectContinuePending = true
				c.peekCall = &message.Call{Descriptor: c.curCall.Descriptor}
				c.handshakeTimer = c.Reactor.AddTimer(c.HandshakeTimeout, c.releaseContinue)
				c.state = Awaiting
				return
			}
		}
		if !c.bodyDone {
			if err := c.writeBody(); err != nil {
				if wouldBlockErr(err) {
					return
				}
				c.failCurrent(err)
				continue
			}
		}
		c.finishSend()
	}
}

func (c *Connection) writeBody() error {
	if c.curCall.Body == nil {
		c.bodyDone = true
		return nil
	}
	c.setWriteDeadlineNow()
	w := transport.BodyWriter(c.raw, c.curCall)
	buf := make([]byte, 32*1024)
	for {
		n, rerr := c.curCall.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if rerr != nil {
			break
		}
	}
	if err := w.Close(); err != nil {
		return err
	}
	c.bodyDone = true
	return nil
}

func (c *Connection) releaseContinue() {
	c.expectContinuePending = false
	c.peekCall = nil
	c.state = Sending
	c.pump()
	c.registerInterest()
}

func (c *Connection) finishSend() {
	call := c.curCall
	c.curCall = nil
	c.inflight = append(c.inflight, call)
	if c.pipeliningAllowed && len(c.sendQueue) > 0 && len(c.inflight) < c.maxDepth() {
		c.state = Sending
	} else {
		c.state = Awaiting
	}
}

// readPump advances response parsing / body draining for the head of the
// inflight FIFO (spec: "inflight responses are consumed in FIFO order").
func (c *Connection) readPump() {
	c.setReadDeadlineNow()

	if c.expectContinuePending {
		err := c.rr.Next(c.peekCall, wouldBlockErr)
		if err == message.ErrWouldBlock {
			return
		}
		if err != nil {
			c.fail(ErrorCrash, err)
			return
		}
		if c.peekCall.StatusCode == 100 {
			c.cancelHandshakeTimer()
			c.releaseContinue()
			return
		}
		// server answered without asking for the body: treat as the
		// terminal response for the call that was about to send it.
		c.cancelHandshakeTimer()
		c.expectContinuePending = false
		call := c.curCall
		c.curCall = nil
		call.StatusCode, call.StatusText, call.Proto = c.peekCall.StatusCode, c.peekCall.StatusText, c.peekCall.Proto
		call.RespHeader, call.RespBody = c.peekCall.RespHeader, c.peekCall.RespBody
		c.applyVersionAndKeepAlive(call)
		if c.OnCallDone != nil {
			c.OnCallDone(call, nil)
		}
		c.state = Sending
		if len(c.inflight) == 0 && !c.pipeliningAllowed {
			c.finalizeIfClosing()
		}
		return
	}

	if len(c.inflight) == 0 {
		return
	}
	head := c.inflight[0]

	if c.headCall == nil {
		err := c.rr.Next(head, wouldBlockErr)
		if err == message.ErrWouldBlock {
			return
		}
		if err != nil {
			c.fail(ErrorCrash, err)
			return
		}
		if head.StatusCode == 100 {
			// stray 100 with no pending Expect handshake: ignore and
			// keep reading for the real status line.
			return
		}
		c.headCall = head
		storage, serr := head.Storage.Open()
		if serr != nil {
			c.fail(ErrorCrash, serr)
			return
		}
		c.bodyDst = storage
	}

	done, err := c.drainBody()
	if err != nil {
		c.fail(ErrorCrash, err)
		return
	}
	if !done {
		return
	}

	call := c.inflight[0]
	c.inflight = c.inflight[1:]
	c.bodyDst.Close()
	c.headCall = nil
	c.applyVersionAndKeepAlive(call)
	if c.OnCallDone != nil {
		c.OnCallDone(call, nil)
	}

	c.finalizeIfClosing()
}

func (c *Connection) drainBody() (done bool, err error) {
	if c.headCall.RespBody == nil {
		return true, nil
	}
	buf := make([]byte, 32*1024)
	for {
		c.setReadDeadlineNow()
		n, rerr := c.headCall.RespBody.Read(buf)
		if n > 0 {
			if _, werr := c.bodyDst.Write(buf[:n]); werr != nil {
				return false, werr
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return true, nil
			}
			if wouldBlockErr(rerr) {
				return false, nil
			}
			return false, rerr
		}
	}
}

func (c *Connection) applyVersionAndKeepAlive(call *message.Call) {
	if !c.versionDecided {
		c.versionDecided = true
		c.pipeliningAllowed = strings.Contains(call.Proto, "1.1")
	}
	connHdr := strings.ToLower(call.RespHeader.Get("Connection"))
	if strings.Contains(connHdr, "close") {
		c.seenConnClose = true
		c.pipeliningAllowed = false
	}
}

func (c *Connection) finalizeIfClosing() {
	if c.seenConnClose && len(c.inflight) == 0 && c.curCall == nil {
		c.closeGracefully()
		return
	}
	if len(c.inflight) == 0 && c.curCall == nil {
		if len(c.sendQueue) > 0 {
			c.state = Sending
			c.pump()
		} else {
			c.markIdle()
		}
	}
}

// markIdle settles the Connection into Idle and tells the owning queue,
// via OnIdle, that it is now a candidate for the shared cache.
func (c *Connection) markIdle() {
	c.state = Idle
	if c.OnIdle != nil {
		c.OnIdle()
	}
}

// resetIdleTimer and cancelHandshakeTimer schedule/cancel their timers on
// the Reactor rather than via c.Clock.AfterFunc: AfterFunc fires its
// callback on a goroutine of the clock's own choosing, which would then
// mutate Connection state concurrently with whatever goroutine the
// Reactor is driving onSocketReady/pump from. Reactor.AddTimer's callback
// runs from inside the same Run() loop iteration as every other
// readiness callback, keeping the Connection single-threaded.
func (c *Connection) resetIdleTimer() {
	if c.idleTimer != nil {
		c.Reactor.CancelTimer(c.idleTimer)
	}
	c.idleTimer = c.Reactor.AddTimer(c.ConnectionTimeout, func() { c.fail(ErrorTimeout, message.ErrWouldBlock) })
}

func (c *Connection) cancelHandshakeTimer() {
	if c.handshakeTimer != nil {
		c.Reactor.CancelTimer(c.handshakeTimer)
		c.handshakeTimer = nil
	}
}

// setReadDeadlineNow/setWriteDeadlineNow arm a deadline one millisecond
// ahead, so a socket operation moves whatever is already buffered or
// writable and then fails with a timeout (treated as would-block) instead
// of blocking the run loop. A deadline of exactly time.Now() has already
// passed when the operation starts and fails it before any byte moves.
func (c *Connection) setReadDeadlineNow() {
	if c.raw != nil {
		c.raw.SetReadDeadline(time.Now().Add(time.Millisecond))
	}
}
func (c *Connection) setWriteDeadlineNow() {
	if c.raw != nil {
		c.raw.SetWriteDeadline(time.Now().Add(time.Millisecond))
	}
}

func wouldBlockErr(err error) bool {
	if err == nil {
		return false
	}
	if err == message.ErrWouldBlock {
		return true
	}
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

func (c *Connection) failCurrent(err error) {
	call := c.curCall
	c.curCall = nil
	if c.OnCallDone != nil {
		c.OnCallDone(call, err)
	}
	c.fail(ErrorCrash, err)
}

// abortPending fails every Call this Connection is still holding — queued,
// mid-send, or inflight — through OnCallDone with err, then drops them.
// Shared by fail() (an actual transport error) and Close() (a caller-
// initiated teardown with work still outstanding): either way, a Call
// handed to this Connection must see its callback exactly once.
func (c *Connection) abortPending(err error) {
	pending := append(c.inflight, c.sendQueue...)
	if c.curCall != nil {
		pending = append(pending, c.curCall)
	}
	c.inflight, c.sendQueue, c.curCall = nil, nil, nil
	for _, call := range pending {
		if c.OnCallDone != nil {
			c.OnCallDone(call, err)
		}
	}
}

// fail transitions the Connection to ErrorState and then Closing, failing
// every still-inflight/queued Call per spec §4.2 ("Error: transitions to
// Closing; affected inflight Calls are handled per reconnect policy").
func (c *Connection) fail(kind ErrorKind, err error) {
	if c.state == Closed || c.state == Closing {
		return
	}
	c.state = ErrorState
	c.errKind = kind
	c.abortPending(err)
	c.closeNow(kind, err)
}

func (c *Connection) closeGracefully() {
	// Calls still queued were never written; they are failed through
	// OnCallDone like any other Call this Connection gives up on. Closing
	// first keeps a resend from being queued here again.
	c.state = Closing
	c.abortPending(message.ErrNoReply)
	c.closeNow(ErrorServerEOF, nil)
}

func (c *Connection) closeNow(kind ErrorKind, err error) {
	c.state = Closing
	if c.idleTimer != nil {
		c.Reactor.CancelTimer(c.idleTimer)
		c.idleTimer = nil
	}
	c.cancelHandshakeTimer()
	if c.raw != nil {
		c.Reactor.Deregister(c.fd)
		c.raw.Close()
	}
	c.state = Closed
	if c.OnClosed != nil {
		c.OnClosed(kind, err)
	}
}

// Close tears the Connection down unconditionally (used by Pipeline.Reset
// and by the connection cache on eviction). Any Call still queued, being
// sent, or inflight is failed with message.ErrNoReply through OnCallDone
// first — an evicted idle Connection has none by construction (see
// Reusable), so this only ever does work for a Reset mid-pipeline.
func (c *Connection) Close() error {
	if c.state == Closed {
		return nil
	}
	c.abortPending(message.ErrNoReply)
	c.closeNow(ErrorUnknown, nil)
	return nil
}
