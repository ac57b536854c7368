package message

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/net/http/httpguts"
)

// Header is an alias of the standard library's canonical header map, kept
// so callers already using net/http don't need a conversion (mirrors the
// teacher's `type Header = http.Header` alias convention).
type Header = http.Header

// Call is the user-facing record of one HTTP request/response transaction
// (spec §3 "Call"). Once CondensedStatus() != Unserved the Call is
// terminal; response fields may be read only then.
type Call struct {
	Descriptor *Descriptor

	// Base header is user-owned and never mutated by the engine.
	BaseHeader Header
	// Effective header is the engine-owned copy, enriched with Host,
	// Content-Length, Connection, auth fields, Date, User-Agent.
	EffectiveHeader Header
	// AuthHeader carries Authorization/Proxy-Authorization set by
	// internal/auth, kept separate from BaseHeader so the user's own
	// header map is never mutated.
	AuthHeader Header

	URI  *url.URL
	Body io.Reader // nil for bodiless requests
	// GetBody, if set, allows the body to be re-read for retransmission.
	GetBody func() (io.ReadCloser, error)

	ContentLength int64 // -1 means unknown (chunked)

	ReconnectMode ReconnectMode
	Inquire       InquireFunc
	RedirectMode  RedirectMode
	ProxyEnabled  bool
	Storage       BodyStorage

	// Response, populated once transmission completes.
	StatusCode int
	StatusText string
	Proto      string
	RespHeader Header
	RespBody   io.ReadCloser

	// AuthSession is an opaque *auth.Session reference; kept as
	// interface{} here to avoid an import cycle between message and auth.
	AuthSession interface{}

	// OnSettled fires exactly once, when the Call reaches a terminal
	// condensed status (spec §3 "completion callback").
	OnSettled func(c *Call, err error)

	// engine-private state
	redirectCount int32
	retryCount    int32
	status        int32 // atomic CondensedStatus
	err           atomic.Value

	Started time.Time
}

// NewCall builds a Call for method against absoluteURI. header is cloned
// so later caller mutation never touches the engine's copy.
func NewCall(method string, absoluteURI string, header Header, body io.Reader) (*Call, error) {
	u, err := url.Parse(absoluteURI)
	if err != nil {
		return nil, &URLSyntaxError{URL: absoluteURI, Err: err}
	}
	if !u.IsAbs() {
		return nil, &URLSyntaxError{URL: absoluteURI, Err: fmt.Errorf("uri must be absolute")}
	}
	if header == nil {
		header = Header{}
	}
	if err := validateHeader(header); err != nil {
		return nil, err
	}
	c := &Call{
		Descriptor:    ByMethod(method),
		BaseHeader:    header.Clone(),
		URI:           u,
		Body:          body,
		ContentLength: -1,
		Storage:       NewMemoryStorage(),
	}
	c.detectContentLength()
	return c, nil
}

// validateHeader rejects a caller-supplied header before it's cloned onto
// a Call, so a bad field name/value fails at NewCall rather than surfacing
// as a mangled request line once it reaches transport.WriteHeader.
func validateHeader(h Header) error {
	for name, values := range h {
		if !httpguts.ValidHeaderFieldName(name) {
			return &HeaderSyntaxError{Field: name}
		}
		for _, v := range values {
			if !httpguts.ValidHeaderFieldValue(v) {
				return &HeaderSyntaxError{Field: name, Value: v}
			}
		}
	}
	return nil
}

func (c *Call) detectContentLength() {
	switch b := c.Body.(type) {
	case nil:
		c.ContentLength = 0
	case *bytes.Buffer:
		c.ContentLength = int64(b.Len())
	case *bytes.Reader:
		c.ContentLength = int64(b.Len())
	case *strings.Reader:
		c.ContentLength = int64(b.Len())
	default:
		c.ContentLength = -1
	}
}

// Reload produces a fresh Call sharing this Call's base header and body,
// with status and every counter reset to their initial values (spec:
// "reloading via 'same call'"). It is for a caller resubmitting a
// completed Call from scratch, not for the engine's own internal
// auth/redirect continuation, which must preserve the loop-protection
// counters — see Continue.
func (c *Call) Reload() *Call {
	n := c.Continue()
	n.redirectCount = 0
	n.retryCount = 0
	return n
}

// Continue produces the Call the engine resends after a 3xx redirect,
// 401/407 challenge, or a retried connection failure: same loop-
// protection counters as c, response state cleared so it can be served
// again.
func (c *Call) Continue() *Call {
	n := *c
	n.EffectiveHeader = nil
	n.RespHeader = nil
	n.RespBody = nil
	n.StatusCode = 0
	n.StatusText = ""
	n.Proto = ""
	n.status = 0
	n.err = atomic.Value{}
	return &n
}

// BuildEffectiveHeader (re)computes the engine-owned header copy: Host,
// Content-Length, Connection, Date, User-Agent, plus whatever
// internal/auth has stashed in AuthHeader. closeConn forces
// `Connection: close` (inhibit_persistency or last pipelined request on
// this connection).
func (c *Call) BuildEffectiveHeader(userAgent string, closeConn bool) {
	h := c.BaseHeader.Clone()
	h.Del("Connection")
	h.Del("Content-Length")
	h.Del("Host")
	for k, vs := range c.AuthHeader {
		h[k] = vs
	}

	if h.Get("User-Agent") == "" && userAgent != "" {
		h.Set("User-Agent", userAgent)
	}
	if h.Get("Date") == "" {
		h.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	}
	if c.ContentLength >= 0 {
		h.Set("Content-Length", strconv.FormatInt(c.ContentLength, 10))
	} else if c.Descriptor.HasRequestBody && c.Body != nil {
		h.Set("Transfer-Encoding", "chunked")
	}
	if closeConn {
		h.Set("Connection", "close")
	} else {
		h.Set("Connection", "keep-alive")
	}
	c.EffectiveHeader = h
}

// HostHeader is the Host header value derived from the URI, honoring an
// explicit non-default port.
func (c *Call) HostHeader() string { return c.URI.Host }

// RequestTarget is the request-URI to place on the request line: absolute
// form when routed via proxy, origin form (path?query) otherwise.
func (c *Call) RequestTarget() string {
	if c.ProxyEnabled {
		return c.URI.String()
	}
	rt := c.URI.RequestURI()
	if c.URI.Opaque == "" && c.URI.EscapedPath() == "" {
		rt = c.Descriptor.EmptyPathReplacement
		if c.URI.RawQuery != "" {
			rt += "?" + c.URI.RawQuery
		}
	}
	return rt
}

// SetTerminal freezes the Call's condensed status. Calling it twice is a
// programming error the caller must not make (P3: callback invoked once).
func (c *Call) SetTerminal(status CondensedStatus, err error) {
	atomic.StoreInt32(&c.status, int32(status))
	if err != nil {
		c.err.Store(err)
	}
}

func (c *Call) CondensedStatus() CondensedStatus {
	return CondensedStatus(atomic.LoadInt32(&c.status))
}

func (c *Call) Err() error {
	if v := c.err.Load(); v != nil {
		return v.(error)
	}
	return nil
}

func (c *Call) IsTerminal() bool { return c.CondensedStatus() != Unserved }

func (c *Call) RedirectCount() int      { return int(atomic.LoadInt32(&c.redirectCount)) }
func (c *Call) IncrRedirectCount() int  { return int(atomic.AddInt32(&c.redirectCount, 1)) }
func (c *Call) RetryCount() int         { return int(atomic.LoadInt32(&c.retryCount)) }
func (c *Call) IncrRetryCount() int     { return int(atomic.AddInt32(&c.retryCount, 1)) }

// AllowsResend reports whether ReconnectMode permits resending this Call
// after a connection error. SendAgainIfIdem resends GET/HEAD only (spec
// §4.4): it checks the method directly rather than Descriptor.Idempotent,
// which PUT/DELETE also set to steer AllowsRedirect and would otherwise
// make them resend too.
func (c *Call) AllowsResend() bool {
	switch c.ReconnectMode {
	case SendAgain:
		return true
	case RequestFails:
		return false
	case Inquire:
		return c.Inquire != nil && c.Inquire(c, c.Err())
	default: // SendAgainIfIdem
		return c.Descriptor.Method == "GET" || c.Descriptor.Method == "HEAD"
	}
}

// AllowsRedirect reports whether RedirectMode permits following a 3xx for
// this Call.
func (c *Call) AllowsRedirect() bool {
	switch c.RedirectMode {
	case RedirectAlways:
		return true
	case RedirectNever:
		return false
	default: // RedirectIdempotentOnly
		return c.Descriptor.Idempotent
	}
}
