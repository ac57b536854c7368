package dialer

import (
	"context"
	"crypto/tls"
	"net"

	"github.com/NightBlues/go-httppipe/internal/conn"
)

var schemePort = map[string]string{
	"http": "80", "https": "443",
}

var zeroDialer net.Dialer
var customDnsDialer = net.Dialer{
	Resolver: &customServerResolver,
}

// Factory returns a per-(host,port) dial closure for scheme, handed
// straight to internal/queue as its Config.Dial (spec §4.2's DialFunc
// collaborator). Grounded on the teacher's dial.go CoreDialer.Dial, with
// the netpool.PoolGroup wrapping and h2 negotiation removed: connection
// reuse belongs to internal/pool now, and h2 is out of scope.
func (d *CoreDialer) Factory(scheme string) func(host, port string) conn.DialFunc {
	return func(host, port string) conn.DialFunc {
		return func(ctx context.Context) (net.Conn, error) {
			return d.dialOne(ctx, scheme, host, port)
		}
	}
}

func (d *CoreDialer) dialOne(ctx context.Context, scheme, host, port string) (net.Conn, error) {
	// Plain-http-via-proxy is routed by internal/pipeline remapping the
	// dial target to the proxy itself and marking the Call absolute-form;
	// tryDialProxy's CONNECT tunnel only applies to https, where the
	// origin's TLS session must terminate past the proxy.
	var rawConn net.Conn
	var err error
	if scheme == "https" {
		rawConn, err = d.tryDialProxy(ctx, scheme, host, port)
		if err != nil {
			return nil, err
		}
	}
	if rawConn == nil {
		network, dialer, dialCtx, dst := "tcp", &zeroDialer, ctx, net.JoinHostPort(host, port)

		if d.ResolveConfig != nil {
			switch d.ResolveConfig.Network {
			case "ip4":
				network = "tcp4"
			case "ip6":
				network = "tcp6"
			}
			if static, ok := d.ResolveConfig.StaticHosts[host]; ok {
				dst = net.JoinHostPort(static, port)
			}
			if dns := d.ResolveConfig.CustomDNSServer; dns != "" {
				dialCtx = dnsServerCtx{dialCtx, dns}
				dialer = &customDnsDialer
			}
		}

		rawConn, err = dialer.DialContext(dialCtx, network, dst)
		if err != nil {
			return nil, err
		}
	}

	if scheme != "https" {
		return rawConn, nil
	}
	config := d.TLSConfig.Clone()
	if config == nil {
		config = &tls.Config{}
	}
	config.ServerName = host
	tlsConn := tls.Client(rawConn, config)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		rawConn.Close()
		return nil, err
	}
	return tlsConn, nil
}
