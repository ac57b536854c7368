package http

import (
	"github.com/NightBlues/go-httppipe/internal/auth"
	"github.com/NightBlues/go-httppipe/internal/pipeline"
	"github.com/NightBlues/go-httppipe/internal/pool"
	"github.com/NightBlues/go-httppipe/internal/reactor"
)

type Pipeline = pipeline.Pipeline
type Options = pipeline.Options
type Counters = pipeline.Counters

type Reactor = reactor.Reactor
type CacheMode = pool.Mode

const (
	RestrictiveCache = pool.Restrictive
	AggressiveCache  = pool.Aggressive
)

type AuthHandler = auth.Handler
type AuthKey = auth.Key
type AuthKeyHandler = auth.KeyHandler

// NewPipeline builds a Pipeline from opts (spec §3/§4.1). It owns a
// poll(2)-based Reactor unless opts.Reactor supplies an external one.
func NewPipeline(opts Options) (*Pipeline, error) { return pipeline.New(opts) }

// NewBasicAuthHandler returns an RFC 7617 Basic auth handler for
// Pipeline.RegisterAuthHandler, optionally
// authenticating in advance for calls whose protection space is already
// known (spec §4.3).
func NewBasicAuthHandler(inAdvance bool) AuthHandler { return auth.BasicHandler{EnableInAdvance: inAdvance} }

// NewDigestAuthHandler returns an RFC 2617 Digest auth handler for
// Pipeline.RegisterAuthHandler (MD5/
// MD5-sess, "auth" qop, RFC 2069 compatibility).
func NewDigestAuthHandler(inAdvance bool) AuthHandler { return auth.DigestHandler{EnableInAdvance: inAdvance} }

// NewPollReactor returns the default poll(2)-based Reactor, for callers
// that want to share one across multiple Pipelines or drive it inline
// alongside their own descriptors.
func NewPollReactor() (Reactor, error) { return reactor.NewPollReactor() }
