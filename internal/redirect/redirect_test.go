package redirect

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NightBlues/go-httppipe/internal/message"
)

func mustCall(t *testing.T, method, uri string) *message.Call {
	t.Helper()
	c, err := message.NewCall(method, uri, nil, nil)
	require.NoError(t, err)
	return c
}

func TestHandled(t *testing.T) {
	assert.True(t, Handled(301))
	assert.True(t, Handled(302))
	assert.True(t, Handled(303))
	assert.True(t, Handled(307))
	assert.False(t, Handled(304))
	assert.False(t, Handled(200))
}

func TestResolveFollowsIdempotentByDefault(t *testing.T) {
	call := mustCall(t, "GET", "http://a.example/x")
	target, err := Resolve(call, "/y", 5)
	require.NoError(t, err)
	require.NotNil(t, target)
	assert.Equal(t, "http://a.example/y", target.String())
	assert.Equal(t, 1, call.RedirectCount())
}

func TestResolveDeclinesNonIdempotentByDefault(t *testing.T) {
	call := mustCall(t, "POST", "http://a.example/x")
	target, err := Resolve(call, "/y", 5)
	require.NoError(t, err)
	assert.Nil(t, target)
	assert.Equal(t, 0, call.RedirectCount())
}

func TestResolveMissingLocation(t *testing.T) {
	call := mustCall(t, "GET", "http://a.example/x")
	_, err := Resolve(call, "", 5)
	require.Error(t, err)
	var bad *message.BadMessageError
	require.ErrorAs(t, err, &bad)
}

func TestResolveTooManyRedirects(t *testing.T) {
	call := mustCall(t, "GET", "http://a.example/x")
	for i := 0; i < 3; i++ {
		_, err := Resolve(call, "/y", 3)
		require.NoError(t, err)
	}
	_, err := Resolve(call, "/y", 3)
	assert.ErrorIs(t, err, message.ErrTooManyRedirects)
}

func TestResolveMalformedLocation(t *testing.T) {
	call := mustCall(t, "GET", "http://a.example/x")
	_, err := Resolve(call, "http://%zz", 5)
	require.Error(t, err)
	var uerr *message.URLSyntaxError
	require.ErrorAs(t, err, &uerr)
}

func TestCrossOrigin(t *testing.T) {
	cur, _ := url.Parse("https://a.example/x")
	same, _ := url.Parse("https://a.example/y")
	otherHost, _ := url.Parse("https://b.example/y")
	otherScheme, _ := url.Parse("http://a.example/y")

	assert.False(t, CrossOrigin(cur, same))
	assert.True(t, CrossOrigin(cur, otherHost))
	assert.True(t, CrossOrigin(cur, otherScheme))
}
