package pipeline

import (
	"bufio"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NightBlues/go-httppipe/internal/auth"
	"github.com/NightBlues/go-httppipe/internal/message"
)

func mustListen(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	return ln
}

// serveSequence accepts one connection per handler, in order, and hands
// each accepted net.Conn to its handler on its own goroutine.
func serveSequence(ln net.Listener, handlers ...func(net.Conn)) {
	go func() {
		for _, h := range handlers {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go h(c)
		}
	}()
}

// readReq parses one request off br. It runs on a server-handler
// goroutine, never the test's own, so a parse failure is logged rather
// than failing the test directly (t.Fatal/FailNow may only be called
// from the goroutine running the test).
func readReq(t *testing.T, br *bufio.Reader) *http.Request {
	req, err := http.ReadRequest(br)
	if err != nil {
		t.Logf("server: ReadRequest: %v", err)
		return nil
	}
	io.Copy(io.Discard, req.Body)
	return req
}

func newPipelineForTest(t *testing.T, configure func(*Options)) *Pipeline {
	t.Helper()
	opts := Options{}
	if configure != nil {
		configure(&opts)
	}
	p, err := New(opts)
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- p.Run() }()
	t.Cleanup(func() {
		p.Close()
		<-done
	})
	return p
}

func mustCall(t *testing.T, method, url string) *message.Call {
	t.Helper()
	c, err := message.NewCall(method, url, nil, nil)
	require.NoError(t, err)
	return c
}

// A single Queue reuses one Connection across sequential GETs against the
// same origin: the accept loop only ever sees one connection.
func TestPipelineReusesConnectionAcrossSequentialGets(t *testing.T) {
	ln := mustListen(t)
	accepts := make(chan struct{}, 4)
	serveSequence(ln, func(c net.Conn) {
		defer c.Close()
		accepts <- struct{}{}
		br := bufio.NewReader(c)
		for i := 0; i < 2; i++ {
			readReq(t, br)
			c.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"))
		}
	})

	p := newPipelineForTest(t, nil)
	url := "http://" + ln.Addr().String() + "/x"

	for i := 0; i < 2; i++ {
		settled := make(chan struct{})
		call := mustCall(t, "GET", url)
		p.AddWithCallback(call, func(c *message.Call, err error) {
			assert.NoError(t, err)
			assert.Equal(t, 200, c.StatusCode)
			close(settled)
		})
		select {
		case <-settled:
		case <-time.After(3 * time.Second):
			t.Fatal("call never settled")
		}
	}

	require.Len(t, accepts, 1)
	assert.EqualValues(t, 1, p.Counters.Snapshot().NewConnections)
}

// A connection that crashes mid-response (closes having read the request
// but written nothing) leaves a resend-eligible GET to succeed on a fresh
// connection.
func TestPipelineResendsGetAfterConnectionCrash(t *testing.T) {
	ln := mustListen(t)
	serveSequence(ln,
		func(c net.Conn) { // first attempt: read then vanish
			br := bufio.NewReader(c)
			readReq(t, br)
			c.Close()
		},
		func(c net.Conn) { // second attempt: answer normally
			defer c.Close()
			br := bufio.NewReader(c)
			readReq(t, br)
			c.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"))
		},
	)

	p := newPipelineForTest(t, nil)
	settled := make(chan struct{})
	call := mustCall(t, "GET", "http://"+ln.Addr().String()+"/x")
	p.AddWithCallback(call, func(c *message.Call, err error) {
		assert.NoError(t, err)
		assert.Equal(t, 200, c.StatusCode)
		close(settled)
	})

	select {
	case <-settled:
	case <-time.After(3 * time.Second):
		t.Fatal("call never settled")
	}
}

// The same crash scenario against a POST must not resend: the Call fails
// terminally after the single, crashed attempt. Unlike serveSequence, the
// accept loop here never stops, so a wrongly-issued resend would show up
// as a second accepted connection instead of silently hanging.
func TestPipelineDoesNotResendPostAfterConnectionCrash(t *testing.T) {
	ln := mustListen(t)
	accepts := make(chan struct{}, 4)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			accepts <- struct{}{}
			go func(c net.Conn) {
				br := bufio.NewReader(c)
				readReq(t, br)
				c.Close()
			}(c)
		}
	}()

	p := newPipelineForTest(t, nil)
	settled := make(chan struct{})
	call := mustCall(t, "POST", "http://"+ln.Addr().String()+"/x")
	p.AddWithCallback(call, func(c *message.Call, err error) {
		assert.Error(t, err)
		assert.True(t, c.IsTerminal())
		assert.Equal(t, message.ProtocolErrorStatus, c.CondensedStatus())
		close(settled)
	})

	select {
	case <-settled:
	case <-time.After(3 * time.Second):
		t.Fatal("call never settled")
	}

	select {
	case <-accepts: // the one attempt already observed above
	default:
		t.Fatal("expected the single crashed attempt to have been accepted")
	}
	select {
	case <-time.After(200 * time.Millisecond):
	case <-accepts:
		t.Fatal("POST should not have been resent onto a second connection")
	}
}

// A redirect can move a Call across origins: a 302 from one listener
// points at a second listener entirely.
func TestPipelineFollowsCrossOriginRedirect(t *testing.T) {
	lnB := mustListen(t)
	serveSequence(lnB, func(c net.Conn) {
		defer c.Close()
		br := bufio.NewReader(c)
		req := readReq(t, br)
		if req != nil {
			assert.Equal(t, "/new", req.URL.Path)
		}
		c.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"))
	})

	lnA := mustListen(t)
	serveSequence(lnA, func(c net.Conn) {
		defer c.Close()
		br := bufio.NewReader(c)
		readReq(t, br)
		c.Write([]byte("HTTP/1.1 302 Found\r\nLocation: http://" + lnB.Addr().String() + "/new\r\nContent-Length: 0\r\n\r\n"))
	})

	p := newPipelineForTest(t, nil)
	settled := make(chan struct{})
	call := mustCall(t, "GET", "http://"+lnA.Addr().String()+"/old")
	p.AddWithCallback(call, func(c *message.Call, err error) {
		assert.NoError(t, err)
		assert.Equal(t, 200, c.StatusCode)
		close(settled)
	})

	select {
	case <-settled:
	case <-time.After(3 * time.Second):
		t.Fatal("call never settled")
	}
}

type staticKeyHandler struct{ key auth.Key }

func (h staticKeyHandler) InquireKey(domain []string, realms []string, scheme string) (auth.Key, bool) {
	return h.key, true
}

func (h staticKeyHandler) InvalidateKey(k auth.Key) {}

// A 401 challenge round-trips a Digest response on the same connection: a
// registered DigestHandler and a key ring uplink are enough for a Call to
// recover from a single challenge and settle successfully.
func TestPipelineRespondsToDigestChallenge(t *testing.T) {
	ln := mustListen(t)
	serveSequence(ln, func(c net.Conn) {
		defer c.Close()
		br := bufio.NewReader(c)

		readReq(t, br)
		c.Write([]byte("HTTP/1.1 401 Unauthorized\r\nWWW-Authenticate: Digest realm=\"testrealm\", nonce=\"abc123\", qop=\"auth\"\r\nContent-Length: 0\r\n\r\n"))

		req := readReq(t, br)
		if req != nil {
			authz := req.Header.Get("Authorization")
			assert.True(t, strings.HasPrefix(authz, "Digest "))
			assert.Contains(t, authz, `username="testuser"`)
			assert.Contains(t, authz, `realm="testrealm"`)
		}
		c.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"))
	})

	p := newPipelineForTest(t, nil)
	p.RegisterAuthHandler(auth.DigestHandler{})
	p.KeyRing().Uplink = staticKeyHandler{key: auth.Key{User: "testuser", Password: "testpass"}}

	settled := make(chan struct{})
	call := mustCall(t, "GET", "http://"+ln.Addr().String()+"/x")
	p.AddWithCallback(call, func(c *message.Call, err error) {
		assert.NoError(t, err)
		assert.Equal(t, 200, c.StatusCode)
		close(settled)
	})

	select {
	case <-settled:
	case <-time.After(3 * time.Second):
		t.Fatal("call never settled")
	}
}

// AddWithCallback must be safe to call from a goroutine other than the
// one running Pipeline.Run — the shape client.go's CtxDo already relies
// on. Several goroutines add concurrently to exercise the submit pipe
// under contention.
func TestAddWithCallbackFromAnotherGoroutineStillSettles(t *testing.T) {
	ln := mustListen(t)
	const n = 5
	handlers := make([]func(net.Conn), n)
	for i := range handlers {
		handlers[i] = func(c net.Conn) {
			defer c.Close()
			br := bufio.NewReader(c)
			readReq(t, br)
			c.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"))
		}
	}
	serveSequence(ln, handlers...)

	p := newPipelineForTest(t, func(o *Options) { o.NumberOfParallelConnections = n })
	url := "http://" + ln.Addr().String() + "/x"

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			settled := make(chan struct{})
			call := mustCall(t, "GET", url)
			p.AddWithCallback(call, func(c *message.Call, err error) {
				assert.NoError(t, err)
				assert.Equal(t, 200, c.StatusCode)
				close(settled)
			})
			select {
			case <-settled:
			case <-time.After(3 * time.Second):
				t.Error("call never settled")
			}
		}()
	}
	wg.Wait()
}
