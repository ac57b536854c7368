package message

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCallClonesHeader(t *testing.T) {
	h := http.Header{"X-Foo": {"bar"}}
	c, err := NewCall("GET", "http://example.com/x", h, nil)
	require.NoError(t, err)

	h.Set("X-Foo", "mutated")
	assert.Equal(t, "bar", c.BaseHeader.Get("X-Foo"))
}

func TestNewCallRejectsRelativeURI(t *testing.T) {
	_, err := NewCall("GET", "/just/a/path", nil, nil)
	require.Error(t, err)
	var uerr *URLSyntaxError
	require.ErrorAs(t, err, &uerr)
}

func TestNewCallDetectsContentLengthFromKnownReaders(t *testing.T) {
	c, err := NewCall("POST", "http://example.com/x", nil, strings.NewReader("hello"))
	require.NoError(t, err)
	assert.EqualValues(t, 5, c.ContentLength)
}

func TestContinuePreservesCountersReloadResetsThem(t *testing.T) {
	c, err := NewCall("GET", "http://example.com/x", nil, nil)
	require.NoError(t, err)
	c.IncrRedirectCount()
	c.IncrRedirectCount()
	c.IncrRetryCount()
	c.SetTerminal(Successful, nil)

	cont := c.Continue()
	assert.Equal(t, 2, cont.RedirectCount())
	assert.Equal(t, 1, cont.RetryCount())
	assert.Equal(t, Unserved, cont.CondensedStatus())

	reloaded := c.Reload()
	assert.Equal(t, 0, reloaded.RedirectCount())
	assert.Equal(t, 0, reloaded.RetryCount())
}

func TestContinueClearsResponseState(t *testing.T) {
	c, err := NewCall("GET", "http://example.com/x", nil, nil)
	require.NoError(t, err)
	c.StatusCode = 200
	c.StatusText = "OK"
	c.RespHeader = http.Header{"X": {"y"}}

	cont := c.Continue()
	assert.Zero(t, cont.StatusCode)
	assert.Empty(t, cont.StatusText)
	assert.Nil(t, cont.RespHeader)
}

func TestBuildEffectiveHeaderNeverMutatesBaseHeader(t *testing.T) {
	base := http.Header{"X-Foo": {"bar"}}
	c, err := NewCall("GET", "http://example.com/x", base, nil)
	require.NoError(t, err)
	c.AuthHeader = http.Header{"Authorization": {"Basic xyz"}}

	c.BuildEffectiveHeader("test-agent", false)

	assert.Equal(t, "Basic xyz", c.EffectiveHeader.Get("Authorization"))
	assert.Empty(t, c.BaseHeader.Get("Authorization"))
	assert.Equal(t, "keep-alive", c.EffectiveHeader.Get("Connection"))
}

func TestBuildEffectiveHeaderCloseConn(t *testing.T) {
	c, err := NewCall("GET", "http://example.com/x", nil, nil)
	require.NoError(t, err)
	c.BuildEffectiveHeader("", true)
	assert.Equal(t, "close", c.EffectiveHeader.Get("Connection"))
}

func TestRequestTargetOriginVsAbsoluteForm(t *testing.T) {
	c, err := NewCall("GET", "http://example.com/foo?bar=1", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "/foo?bar=1", c.RequestTarget())

	c.ProxyEnabled = true
	assert.Equal(t, "http://example.com/foo?bar=1", c.RequestTarget())
}

func TestRequestTargetEmptyPathReplacement(t *testing.T) {
	c, err := NewCall("OPTIONS", "http://example.com", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "*", c.RequestTarget())
}

func TestAllowsResendModes(t *testing.T) {
	get, _ := NewCall("GET", "http://example.com/x", nil, nil)
	assert.True(t, get.AllowsResend())

	post, _ := NewCall("POST", "http://example.com/x", nil, nil)
	assert.False(t, post.AllowsResend())

	post.ReconnectMode = SendAgain
	assert.True(t, post.AllowsResend())

	post.ReconnectMode = RequestFails
	assert.False(t, post.AllowsResend())

	post.ReconnectMode = Inquire
	post.Inquire = func(interface{}, error) bool { return true }
	assert.True(t, post.AllowsResend())
}

// PUT and DELETE are grouped with POST as non-idempotent for resend
// purposes (spec §4.4: "resends for GET/HEAD only"), even though their
// Descriptor.Idempotent flag is true for AllowsRedirect's sake.
func TestAllowsResendDefaultModeExcludesPutAndDelete(t *testing.T) {
	put, _ := NewCall("PUT", "http://example.com/x", nil, nil)
	assert.False(t, put.AllowsResend())

	del, _ := NewCall("DELETE", "http://example.com/x", nil, nil)
	assert.False(t, del.AllowsResend())

	head, _ := NewCall("HEAD", "http://example.com/x", nil, nil)
	assert.True(t, head.AllowsResend())
}

func TestAllowsRedirectModes(t *testing.T) {
	post, _ := NewCall("POST", "http://example.com/x", nil, nil)
	assert.False(t, post.AllowsRedirect())

	post.RedirectMode = RedirectAlways
	assert.True(t, post.AllowsRedirect())

	post.RedirectMode = RedirectNever
	assert.False(t, post.AllowsRedirect())
}

func TestSetTerminalIsObservable(t *testing.T) {
	c, _ := NewCall("GET", "http://example.com/x", nil, nil)
	assert.False(t, c.IsTerminal())
	c.SetTerminal(ClientError, ErrNoReply)
	assert.True(t, c.IsTerminal())
	assert.Equal(t, ClientError, c.CondensedStatus())
	assert.ErrorIs(t, c.Err(), ErrNoReply)
}

func TestCondense(t *testing.T) {
	assert.Equal(t, Successful, Condense(204))
	assert.Equal(t, Redirection, Condense(301))
	assert.Equal(t, ClientError, Condense(404))
	assert.Equal(t, ServerError, Condense(503))
}
