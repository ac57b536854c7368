// package pipeline is the top-level orchestrator (spec §3 "Pipeline"): it
// owns one connection cache and one set of per-origin queues, routes each
// Call to the right queue (direct or via proxy), and wires the
// completion callback that ties queue/conn together with auth and
// redirect policy. Grounded on the shape of the teacher's internal.Client
// (middleware chain over one dialer) generalized into the full
// asynchronous engine spec.md describes.
package pipeline

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/NightBlues/go-httppipe/internal/dialer"
	"github.com/NightBlues/go-httppipe/internal/pool"
	"github.com/NightBlues/go-httppipe/internal/reactor"
)

// Options configures a Pipeline (spec §4.1's option block).
type Options struct {
	// Synchronization is the pipelining depth: 1 disables pipelining
	// (strict request/response), N>1 allows up to N outstanding
	// requests per connection. 0 selects the default, 5.
	Synchronization int
	// MaximumConnectionFailures is how many connection failures a queue
	// tolerates over its lifetime (the count is not reset by a success);
	// one more makes it give up and fail its waiting Calls. Default 2.
	MaximumConnectionFailures int
	// MaximumMessageErrors caps how many times a single Call is resent
	// after a connection error, and how many malformed-response failures
	// a queue tolerates over its lifetime before it gives up the same
	// way. Default 2.
	MaximumMessageErrors int
	// InhibitPersistency forces `Connection: close` on every request.
	InhibitPersistency bool
	// ConnectionTimeout is how long an idle or half-open connection may
	// sit before the engine tears it down. Default 300s.
	ConnectionTimeout time.Duration
	// NumberOfParallelConnections caps concurrent connections per
	// origin. Default 2.
	NumberOfParallelConnections int
	// MaximumRedirections caps the redirect chain length before a Call
	// fails with ErrTooManyRedirects. Default 5.
	MaximumRedirections int
	// HandshakeTimeout bounds how long a Call with Expect:100-continue
	// waits for the interim response before sending its body anyway.
	// Default 1s.
	HandshakeTimeout time.Duration

	// Resolver overrides DNS behavior (custom server, static hosts,
	// address family).
	Resolver *dialer.ResolveConfig
	// TLSConfig is cloned per connection and given a per-call ServerName.
	TLSConfig *tls.Config
	// UserAgent is set on requests that don't already carry one.
	UserAgent string

	// GetProxy resolves the proxy URL (or "" for direct) for a request,
	// consulted for https CONNECT tunneling; the http-via-proxy case is
	// resolved once per Call by the Pipeline itself, see route.
	GetProxy func(ctx context.Context, scheme, host, port string) (string, error)
	ProxyConfig *dialer.ProxyConfig

	// CacheMode selects the connection cache's idle-connection eviction
	// discipline (spec §4.5).
	CacheMode pool.Mode

	// Reactor is the external event loop the engine registers descriptor
	// interest and timers on. Defaults to a poll(2)-based one if nil.
	Reactor reactor.Reactor
	// Clock is handed down to every Queue and Connection, defaulting to
	// the real wall clock. The connection-timeout and handshake timers
	// are scheduled on the Reactor, not on this clock.
	Clock clock.Clock

	// Verbose is accepted but not read by the engine; setting it changes
	// no behaviour and produces no log output.
	Verbose bool
}

// WithDefaults fills the zero-valued fields of o with spec §4.1's
// documented defaults.
func (o Options) WithDefaults() Options {
	if o.Synchronization == 0 {
		o.Synchronization = 5
	}
	if o.MaximumConnectionFailures == 0 {
		o.MaximumConnectionFailures = 2
	}
	if o.MaximumMessageErrors == 0 {
		o.MaximumMessageErrors = 2
	}
	if o.ConnectionTimeout == 0 {
		o.ConnectionTimeout = 300 * time.Second
	}
	if o.NumberOfParallelConnections == 0 {
		o.NumberOfParallelConnections = 2
	}
	if o.MaximumRedirections == 0 {
		o.MaximumRedirections = 5
	}
	if o.HandshakeTimeout == 0 {
		o.HandshakeTimeout = time.Second
	}
	if o.TLSConfig == nil {
		o.TLSConfig = &tls.Config{}
	}
	if o.UserAgent == "" {
		o.UserAgent = "go-httppipe/1.0"
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	return o
}
