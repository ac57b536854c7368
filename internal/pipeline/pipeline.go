package pipeline

import (
	"context"
	"net/url"
	"strings"
	"sync"

	"github.com/NightBlues/go-httppipe/internal/auth"
	"github.com/NightBlues/go-httppipe/internal/conn"
	"github.com/NightBlues/go-httppipe/internal/dialer"
	"github.com/NightBlues/go-httppipe/internal/message"
	"github.com/NightBlues/go-httppipe/internal/pipe"
	"github.com/NightBlues/go-httppipe/internal/pool"
	"github.com/NightBlues/go-httppipe/internal/queue"
	"github.com/NightBlues/go-httppipe/internal/reactor"
	"github.com/NightBlues/go-httppipe/internal/redirect"
)

// submitQueueDepth bounds how many Calls AddWithCallback may have handed
// to the reactor goroutine but not yet routed. Sized generously: a full
// buffer only ever blocks a caller that submits faster than one reactor
// loop iteration can drain, which routing (map lookups, no I/O) does not.
const submitQueueDepth = 256

type queueKey struct {
	scheme, host, port, transport string
}

// Pipeline is the collaborator described in spec §3 "Pipeline": one
// connection cache, a set of per-origin Queues, and the redirect/auth
// policy that reroutes a Call between them.
type Pipeline struct {
	opts   Options
	dialer *dialer.CoreDialer
	cache  *pool.Cache

	reactor  reactor.Reactor
	ownsLoop bool

	authRegistry *auth.Registry
	Counters     Counters

	noProxy []string

	mu     sync.Mutex
	queues map[queueKey]*queue.Queue

	// submitR/submitW are the cross-thread entry point for AddWithCallback
	// (spec §5: the pipe primitive is "the only construct explicitly safe
	// for cross-thread use"). A caller's goroutine writes a Call onto
	// submitW; the reactor goroutine drains submitR in onSubmitReady and
	// calls route() itself, so every Connection mutation stays confined to
	// the single loop goroutine that drives it.
	submitR *pipe.Reader
	submitW *pipe.Writer
}

// New builds a Pipeline from opts with a connection cache of its own in
// opts.CacheMode (restrictive unless set, spec §4.5's default cache mode),
// defaulting a poll(2) reactor when opts.Reactor is nil.
func New(opts Options) (*Pipeline, error) {
	opts = opts.WithDefaults()

	r := opts.Reactor
	owns := false
	if r == nil {
		pr, err := reactor.NewPollReactor()
		if err != nil {
			return nil, err
		}
		r, owns = pr, true
	}

	p := &Pipeline{
		opts:   opts,
		cache:  pool.New(opts.CacheMode),
		reactor: r, ownsLoop: owns,
		authRegistry: auth.NewRegistry(auth.NewKeyRing(nil)),
		queues:       map[queueKey]*queue.Queue{},
	}
	p.dialer = &dialer.CoreDialer{
		ResolveConfig: opts.Resolver,
		TLSConfig:     opts.TLSConfig,
		ProxyConfig:   opts.ProxyConfig,
		GetProxy:      p.resolveProxyForTunnel,
	}

	submitR, submitW, err := pipe.Create(submitQueueDepth)
	if err != nil {
		return nil, err
	}
	p.submitR, p.submitW = submitR, submitW
	p.reactor.Register(p.submitR.ReadDescr(), reactor.Readable, p.onSubmitReady)

	p.cache.Acquired()
	return p, nil
}

// RegisterAuthHandler installs a Basic/Digest capability (spec §4.3).
func (p *Pipeline) RegisterAuthHandler(h auth.Handler) { p.authRegistry.Register(h) }

// KeyRing exposes the credential cache for callers that want to supply a
// KeyHandler uplink.
func (p *Pipeline) KeyRing() *auth.KeyRing { return p.authRegistry.Keys }

// ConfigureProxy installs the proxy-selection function and no_proxy host
// suffix list (spec §6 "Proxy support"). getProxy is consulted once per
// routed Call/redirect hop.
func (p *Pipeline) ConfigureProxy(getProxy func(ctx context.Context, scheme, host, port string) (string, error), noProxy []string) {
	p.opts.GetProxy = getProxy
	p.noProxy = noProxy
}

func (p *Pipeline) resolveProxyForTunnel(ctx context.Context, scheme, host, port string) (string, error) {
	if scheme != "https" {
		return "", nil
	}
	return p.lookupProxy(ctx, scheme, host, port)
}

func (p *Pipeline) lookupProxy(ctx context.Context, scheme, host, port string) (string, error) {
	if p.opts.GetProxy == nil {
		return "", nil
	}
	for _, suffix := range p.noProxy {
		if suffix != "" && strings.HasSuffix(host, suffix) {
			return "", nil
		}
	}
	return p.opts.GetProxy(ctx, scheme, host, port)
}

// Add enqueues call for transmission, discarding its outcome (fire and
// forget aside from Call's own terminal status).
func (p *Pipeline) Add(call *message.Call) { p.AddWithCallback(call, nil) }

// AddWithCallback enqueues call, invoking cb exactly once when the Call
// reaches a terminal condensed status (spec §3 "completion callback").
// Safe to call from any goroutine, including one that isn't driving the
// Pipeline's reactor (spec §5): it only ever writes to the submit pipe,
// never touches a Queue or Connection directly.
func (p *Pipeline) AddWithCallback(call *message.Call, cb func(*message.Call, error)) {
	if cb != nil {
		call.OnSettled = cb
	}
	if call.Storage == nil {
		call.Storage = message.NewMemoryStorage()
	}
	p.submitW.Write(false, call, false)
}

// onSubmitReady drains every Call queued by AddWithCallback and routes it.
// It only ever runs as a reactor callback, so route() (and everything it
// touches: Queue.Add, Connection.Enqueue, ...) executes exclusively on the
// single goroutine driving Reactor.Run.
func (p *Pipeline) onSubmitReady(readable, writable bool, err error) {
	if !readable {
		return
	}
	for {
		msg, rerr := p.submitR.Read(true)
		if rerr == message.ErrWouldBlock || msg == nil {
			return
		}
		if rerr != nil {
			return
		}
		p.route(msg.(*message.Call))
	}
}

// route resolves whether call goes direct or through a proxy, binds it
// to the right per-origin Queue, and applies any in-advance auth header
// (spec §4.3 step 4) before handing it to the Queue.
func (p *Pipeline) route(call *message.Call) {
	scheme := call.URI.Scheme
	host := call.URI.Hostname()
	port := call.URI.Port()
	if port == "" {
		port = defaultPort(scheme)
	}

	transport := "tcp"
	if scheme == "https" {
		transport = "tls"
	}
	qHost, qPort := host, port
	call.ProxyEnabled = false

	if scheme == "http" {
		if proxy, err := p.lookupProxy(context.Background(), scheme, host, port); err == nil && proxy != "" {
			if proxyURL, perr := url.Parse(proxy); perr == nil {
				qHost, qPort = proxyURL.Hostname(), proxyURL.Port()
				if qPort == "" {
					qPort = defaultPort(proxyURL.Scheme)
				}
				call.ProxyEnabled = true
			}
		}
	}

	if call.AuthSession == nil {
		if s := p.authRegistry.InAdvanceFor(call.URI); s != nil {
			call.AuthSession = s
			call.AuthHeader = message.Header{}
			s.Authenticate(call.Descriptor.Method, call.RequestTarget(), call.AuthHeader)
		}
	}

	q := p.queueFor(scheme, qHost, qPort, transport)
	q.Add(call)
}

func defaultPort(scheme string) string {
	if scheme == "https" {
		return "443"
	}
	return "80"
}

func (p *Pipeline) queueFor(scheme, host, port, transport string) *queue.Queue {
	key := queueKey{scheme, host, port, transport}
	p.mu.Lock()
	defer p.mu.Unlock()
	if q, ok := p.queues[key]; ok {
		return q
	}
	q := queue.New(host, port, queue.Config{
		Reactor:            p.reactor,
		Clock:              p.opts.Clock,
		Cache:              p.cache,
		Dial:               p.dialer.Factory(scheme),
		MaxParallel:        p.opts.NumberOfParallelConnections,
		Synchronization:    p.opts.Synchronization,
		ConnectionTimeout:  int64(p.opts.ConnectionTimeout.Seconds()),
		HandshakeTimeout:   int64(p.opts.HandshakeTimeout.Seconds()),
		InhibitPersistency: p.opts.InhibitPersistency,
		MaxConnectionFails: p.opts.MaximumConnectionFailures,
		MaxMessageErrors:   p.opts.MaximumMessageErrors,
		Transport:          transport,
		OnCallSettled:      p.onCallSettled,
		OnQueueFailed:      p.onQueueFailed,
		OnConnSpawned:      p.Counters.recordNew,
		OnConnClosed:       p.recordConnClosed,
	})
	p.queues[key] = q
	return q
}

func (p *Pipeline) recordConnClosed(kind conn.ErrorKind, err error) {
	p.Counters.recordOutcome(err != nil, kind == conn.ErrorTimeout, kind == conn.ErrorCrash, kind == conn.ErrorServerEOF)
}

// onCallSettled implements spec §4.4's routing table for a Call's
// terminal or semi-terminal response: 401/407 dispatch to auth, 301/302/
// 303/307 dispatch to redirect (possibly moving the Call to a different
// origin's Queue), everything else finalizes the Call.
func (p *Pipeline) onCallSettled(call *message.Call, err error) {
	if err != nil {
		if call.AllowsResend() && call.IncrRetryCount() <= p.opts.MaximumMessageErrors {
			p.route(call.Continue())
			return
		}
		call.SetTerminal(message.ProtocolErrorStatus, message.AsProtocolError(err))
		p.finish(call, err)
		return
	}
	switch call.StatusCode {
	case 401, 407:
		if p.handleChallenge(call, call.StatusCode == 407) {
			return
		}
	default:
		if redirect.Handled(call.StatusCode) {
			if p.handleRedirect(call) {
				return
			}
		}
	}
	call.SetTerminal(message.Condense(call.StatusCode), nil)
	p.finish(call, nil)
}

func (p *Pipeline) handleChallenge(call *message.Call, proxy bool) bool {
	session, err := p.authRegistry.Challenge(call, call.RespHeader, proxy)
	if err != nil {
		call.SetTerminal(message.ClientError, err)
		p.finish(call, err)
		return true
	}
	if session == nil {
		// credentials already sent were rejected (not a stale nonce), no
		// fresh round permitted: deliver 401/407 verbatim.
		return false
	}
	next := call.Continue()
	next.AuthSession = session
	next.AuthHeader = message.Header{}
	if err := session.Authenticate(next.Descriptor.Method, next.RequestTarget(), next.AuthHeader); err != nil {
		call.SetTerminal(message.ClientError, err)
		p.finish(call, err)
		return true
	}
	p.route(next)
	return true
}

func (p *Pipeline) handleRedirect(call *message.Call) bool {
	location := call.RespHeader.Get("Location")
	target, err := redirect.Resolve(call, location, p.opts.MaximumRedirections)
	if err != nil {
		call.SetTerminal(message.ProtocolErrorStatus, err)
		p.finish(call, err)
		return true
	}
	if target == nil {
		return false // AllowsRedirect() said no: deliver the 3xx verbatim
	}
	next := call.Continue()
	if redirect.CrossOrigin(call.URI, target) {
		next.AuthSession = nil
		next.AuthHeader = nil
	}
	next.URI = target
	p.route(next)
	return true
}

func (p *Pipeline) onQueueFailed(pending []*message.Call) {
	for _, call := range pending {
		call.SetTerminal(message.ProtocolErrorStatus, message.ErrNoReply)
		p.finish(call, message.ErrNoReply)
	}
}

func (p *Pipeline) finish(call *message.Call, err error) {
	if call.OnSettled != nil {
		call.OnSettled(call, err)
	}
}

// Run drives the Pipeline's reactor (spec §3 "drive the event system
// until all queues drain"). The submit pipe AddWithCallback writes to
// stays registered independent of Queue activity, so a caller may still
// add work after every Queue has drained — Run only returns once Stop or
// Close is called, or once the caller's own external reactor (if this
// Pipeline doesn't own its Reactor) is stopped that way instead.
func (p *Pipeline) Run() error {
	return p.reactor.Run()
}

// Reset aborts every in-flight Connection across every Queue, empties the
// connection cache, and zeroes the Counters (spec §4.1 "resettable").
func (p *Pipeline) Reset() {
	p.mu.Lock()
	queues := p.queues
	p.queues = map[queueKey]*queue.Queue{}
	p.mu.Unlock()

	for _, q := range queues {
		q.Drain()
	}
	p.cache.CloseAll()
	p.Counters.Reset()
}

// Close tears down the Pipeline's connection cache and, if it owns the
// reactor, stops the run loop.
func (p *Pipeline) Close() {
	p.Reset()
	p.cache.Released()
	p.reactor.Deregister(p.submitR.ReadDescr())
	p.submitR.Close()
	p.submitW.Close()
	if p.ownsLoop {
		p.reactor.Stop()
	}
}
