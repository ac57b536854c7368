package auth

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NightBlues/go-httppipe/internal/message"
)

type staticKeyHandler struct {
	key Key
	ok  bool
}

func (h staticKeyHandler) InquireKey([]string, []string, string) (Key, bool) { return h.key, h.ok }
func (h staticKeyHandler) InvalidateKey(Key)                                 {}

func newTestRegistry(key Key, ok bool) *Registry {
	r := NewRegistry(NewKeyRing(staticKeyHandler{key: key, ok: ok}))
	r.Register(BasicHandler{})
	r.Register(DigestHandler{})
	return r
}

func mustCall(t *testing.T, uri string) *message.Call {
	t.Helper()
	c, err := message.NewCall("GET", uri, nil, nil)
	require.NoError(t, err)
	return c
}

func TestChallengePrefersStrongerScheme(t *testing.T) {
	r := newTestRegistry(Key{User: "u", Password: "p", Realm: "r"}, true)
	call := mustCall(t, "http://example.com/x")

	resp := http.Header{}
	resp.Add("Www-Authenticate", `Basic realm="r"`)
	resp.Add("Www-Authenticate", `Digest realm="r", nonce="n", qop="auth"`)

	session, err := r.Challenge(call, resp, false)
	require.NoError(t, err)
	require.NotNil(t, session)
	_, isDigest := session.(*DigestSession)
	assert.True(t, isDigest)
}

func TestChallengeNoOfferedSchemeRegistered(t *testing.T) {
	r := NewRegistry(NewKeyRing(nil))
	call := mustCall(t, "http://example.com/x")
	resp := http.Header{}
	resp.Set("Www-Authenticate", `NTLM realm="r"`)

	_, err := r.Challenge(call, resp, false)
	require.Error(t, err)
}

func TestChallengeNoCredentialsAvailable(t *testing.T) {
	r := newTestRegistry(Key{}, false)
	call := mustCall(t, "http://example.com/x")
	resp := http.Header{}
	resp.Set("Www-Authenticate", `Basic realm="r"`)

	_, err := r.Challenge(call, resp, false)
	require.Error(t, err)
}

func TestChallengeReusesSessionForSameSpace(t *testing.T) {
	r := newTestRegistry(Key{User: "u", Password: "p", Realm: "r"}, true)
	call1 := mustCall(t, "http://example.com/x")
	call2 := mustCall(t, "http://example.com/y")
	resp := http.Header{}
	resp.Set("Www-Authenticate", `Basic realm="r"`)

	s1, err := r.Challenge(call1, resp, false)
	require.NoError(t, err)
	s2, err := r.Challenge(call2, resp, false)
	require.NoError(t, err)
	assert.Same(t, s1, s2)
}

func TestChallengeExistingSessionRejectedOnRepeat(t *testing.T) {
	r := newTestRegistry(Key{User: "u", Password: "p", Realm: "r"}, true)
	call := mustCall(t, "http://example.com/x")
	resp := http.Header{}
	resp.Set("Www-Authenticate", `Basic realm="r"`)

	session, err := r.Challenge(call, resp, false)
	require.NoError(t, err)

	call.AuthSession = session
	again, err := r.Challenge(call, resp, false)
	require.NoError(t, err)
	assert.Nil(t, again) // Basic never reports stale: no retry
}

func TestInAdvanceForCoversSpace(t *testing.T) {
	r := newTestRegistry(Key{User: "u", Password: "p", Realm: "r"}, true)
	r.handlers = []Handler{BasicHandler{EnableInAdvance: true}}
	call := mustCall(t, "http://example.com/x")
	resp := http.Header{}
	resp.Set("Www-Authenticate", `Basic realm="r"`)

	_, err := r.Challenge(call, resp, false)
	require.NoError(t, err)

	target, _ := call.URI.Parse("/other")
	assert.NotNil(t, r.InAdvanceFor(target))

	other, _ := call.URI.Parse("http://other.example/x")
	assert.Nil(t, r.InAdvanceFor(other))
}
