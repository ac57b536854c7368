//go:build darwin || linux
// +build darwin linux

package conn

import (
	"net"
	"syscall"
)

// fdOf extracts the raw file descriptor of a net.Conn for reactor
// registration, unwrapping *tls.Conn the way the teacher's
// utils/nettools/net.go connsToFD does ("is *tls.Conn or polyfilled TLS
// Connection").
func fdOf(c net.Conn) (int, error) {
	raw := c
	if t, ok := raw.(interface{ NetConn() net.Conn }); ok {
		raw = t.NetConn()
	}
	sc, ok := raw.(syscall.Conn)
	if !ok {
		return -1, errNoRawConn
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return -1, err
	}
	var fd int
	cerr := rc.Control(func(f uintptr) { fd = int(f) })
	if cerr != nil {
		return -1, cerr
	}
	return fd, nil
}
