package dialer

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoreDialerFactoryPlainHTTPConnectsDirectly(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err == nil {
			c.Close()
		}
	}()

	host, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)

	d := &CoreDialer{}
	dial := d.Factory("http")(host, port)
	c, err := dial(context.Background())
	require.NoError(t, err)
	defer c.Close()
}

// spec §6/§4.1: ResolveConfig.StaticHosts lets a caller pin a name to an
// address without touching DNS (grounded on the teacher's /etc/hosts-like
// override).
func TestCoreDialerFactoryUsesStaticHostsOverride(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan struct{}, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- struct{}{}
			c.Close()
		}
	}()

	_, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)

	d := &CoreDialer{ResolveConfig: &ResolveConfig{StaticHosts: map[string]string{"fake.invalid": "127.0.0.1"}}}
	dial := d.Factory("http")("fake.invalid", port)
	c, err := dial(context.Background())
	require.NoError(t, err)
	defer c.Close()

	select {
	case <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("static host override was not honored")
	}
}

func TestLookupIPServerResolvesLocalhost(t *testing.T) {
	d := &CoreDialer{}
	ips, err := d.LookupIPServer(context.Background(), "ip", "localhost", "")
	require.NoError(t, err)
	assert.NotEmpty(t, ips)
}

func TestCoreDialerCloneIsIndependentOfOriginal(t *testing.T) {
	d := &CoreDialer{
		ResolveConfig: &ResolveConfig{CustomDNSServer: "1.1.1.1"},
		ProxyConfig:   &ProxyConfig{ResolveLocally: true},
	}
	clone := d.Clone()
	assert.Equal(t, d.ResolveConfig, clone.ResolveConfig)
	assert.NotSame(t, d.ResolveConfig, clone.ResolveConfig)
	assert.NotSame(t, d.ProxyConfig, clone.ProxyConfig)
}
