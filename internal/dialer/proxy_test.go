package dialer

import (
	"bufio"
	"context"
	"encoding/base64"
	"io"
	"net"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startFakeProxy accepts exactly one connection and hands it to respond,
// letting each test script a canned CONNECT reply without a real proxy.
func startFakeProxy(t *testing.T, respond func(net.Conn, *bufio.Reader)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		respond(c, bufio.NewReader(c))
	}()
	return ln.Addr().String()
}

func readHeaders(br *bufio.Reader) (requestLine string, headers []string) {
	requestLine, _ = br.ReadString('\n')
	for {
		l, err := br.ReadString('\n')
		if err != nil || l == "\r\n" {
			return
		}
		headers = append(headers, l)
	}
}

// spec §6: a successful CONNECT tunnel relays raw bytes end to end once
// the proxy answers 200.
func TestDialContextOverProxyTunnelsBytesOnSuccess(t *testing.T) {
	lineCh := make(chan string, 1)
	proxyAddr := startFakeProxy(t, func(c net.Conn, br *bufio.Reader) {
		line, _ := readHeaders(br)
		lineCh <- line
		c.Write([]byte("HTTP/1.1 200 Connection established\r\n\r\n"))
		buf := make([]byte, 4096)
		for {
			n, err := c.Read(buf)
			if n > 0 {
				c.Write(buf[:n])
			}
			if err != nil {
				return
			}
		}
	})

	d := &CoreDialer{}
	proxyURL, err := url.Parse("http://" + proxyAddr)
	require.NoError(t, err)

	tunnel, err := d.DialContextOverProxy(context.Background(), "origin.example", "443", proxyURL)
	require.NoError(t, err)
	defer tunnel.Close()

	select {
	case line := <-lineCh:
		assert.Contains(t, line, "CONNECT origin.example:443 HTTP/1.1")
	case <-time.After(2 * time.Second):
		t.Fatal("proxy never received the CONNECT request")
	}

	require.NoError(t, tunnel.SetDeadline(time.Now().Add(2*time.Second)))
	_, err = tunnel.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(tunnel, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))
}

func TestDialContextOverProxyNon200StatusReturnsError(t *testing.T) {
	proxyAddr := startFakeProxy(t, func(c net.Conn, br *bufio.Reader) {
		readHeaders(br)
		c.Write([]byte("HTTP/1.1 407 Proxy Authentication Required\r\nContent-Length: 5\r\n\r\nnope!"))
	})

	d := &CoreDialer{}
	proxyURL, err := url.Parse("http://" + proxyAddr)
	require.NoError(t, err)

	_, err = d.DialContextOverProxy(context.Background(), "origin.example", "443", proxyURL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "407")
}

func TestDialContextOverProxyRejectsUnsupportedScheme(t *testing.T) {
	d := &CoreDialer{}
	proxyURL, err := url.Parse("socks5://127.0.0.1:1080")
	require.NoError(t, err)

	_, err = d.DialContextOverProxy(context.Background(), "origin.example", "443", proxyURL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported proxy scheme")
}

func TestDialContextOverProxySendsProxyAuthorizationHeader(t *testing.T) {
	headersCh := make(chan []string, 1)
	proxyAddr := startFakeProxy(t, func(c net.Conn, br *bufio.Reader) {
		_, headers := readHeaders(br)
		headersCh <- headers
		c.Write([]byte("HTTP/1.1 200 Connection established\r\n\r\n"))
	})

	d := &CoreDialer{}
	proxyURL, err := url.Parse("http://user:pass@" + proxyAddr)
	require.NoError(t, err)

	tunnel, err := d.DialContextOverProxy(context.Background(), "origin.example", "443", proxyURL)
	require.NoError(t, err)
	defer tunnel.Close()

	var headers []string
	select {
	case headers = <-headersCh:
	case <-time.After(2 * time.Second):
		t.Fatal("proxy never received headers")
	}

	want := "Proxy-Authorization: Basic " + base64.StdEncoding.EncodeToString([]byte("user:pass"))
	assert.Contains(t, headers, want+"\r\n")
}

func TestResolveConfigCloneNilSafe(t *testing.T) {
	var cfg *ResolveConfig
	assert.Nil(t, cfg.Clone())
}

func TestProxyConfigCloneNilSafe(t *testing.T) {
	var cfg *ProxyConfig
	assert.Nil(t, cfg.Clone())
}

func TestResolveConfigCloneCopiesFields(t *testing.T) {
	cfg := &ResolveConfig{
		CustomDNSServer: "1.1.1.1",
		Network:         "ip4",
		StaticHosts:     map[string]string{"a.example": "10.0.0.1"},
	}
	clone := cfg.Clone()
	assert.Equal(t, cfg, clone)
	assert.NotSame(t, cfg, clone)
}
