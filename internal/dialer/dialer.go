// package dialer opens the underlying transport for a Connection:
// resolver, proxy CONNECT tunneling, and TLS handshake, grounded on the
// teacher's internal/dialer/{dial,dns,proxy,dialer}.go, generalized so
// the actual connect always happens on a throwaway goroutine and never
// on the run loop (spec §5): CoreDialer.Factory returns a
// conn.DialFunc-shaped closure per (host, port) that internal/queue
// hands straight to a fresh Connection.
package dialer

import (
	"context"
	"crypto/tls"

	"github.com/NightBlues/go-httppipe/internal/conn"
)

// Dialer mirrors the teacher's internal/dialer.Dialer capability, minus
// the pooling responsibility: connection reuse is internal/pool's job
// now, not the dialer's.
type Dialer interface {
	// Factory returns a per-(host,port) dial closure for scheme.
	Factory(scheme string) func(host, port string) conn.DialFunc
	Unwrap() Dialer
}

// CoreDialer is the default Dialer (spec §4.1's `resolver`, `socket
// configurator` options plus §6's proxy environment support).
type CoreDialer struct {
	ResolveConfig *ResolveConfig
	TLSConfig     *tls.Config

	GetProxy    func(ctx context.Context, scheme, host, port string) (string, error)
	ProxyConfig *ProxyConfig
}

func (d *CoreDialer) Clone() *CoreDialer {
	return &CoreDialer{
		ResolveConfig: d.ResolveConfig.Clone(),
		TLSConfig:     d.TLSConfig.Clone(),
		GetProxy:      d.GetProxy,
		ProxyConfig:   d.ProxyConfig.Clone(),
	}
}

func (d *CoreDialer) Unwrap() Dialer { return nil }
