// Package netopt wires TCP_NODELAY / keepalive / TCP Fast Open socket
// options into net.Dialer and net.ListenConfig, and keeps the optional
// outbound-interface binding feature the teacher used for IPv6 pools,
// generalized here to any configured local address.
package netopt

import (
	"context"
	"fmt"
	"net"
	"time"
)

// DialOpts configures an outbound connection.
type DialOpts struct {
	// LocalAddr binds the dialer to a specific outbound address, the
	// generalized form of the teacher's per-listener IPv6 pinning.
	LocalAddr net.IP
	Timeout   time.Duration
	KeepAlive time.Duration
	// FastOpen requests TCP_FASTOPEN_CONNECT where supported (§4.5.4).
	FastOpen bool
}

// Dial connects to addr honoring opts, applying platform socket options
// via Control before connect(2).
func Dial(ctx context.Context, network, addr string, opts DialOpts) (net.Conn, error) {
	d := net.Dialer{
		Timeout:   opts.Timeout,
		KeepAlive: opts.KeepAlive,
		Control:   controlFunc(opts),
	}
	if opts.LocalAddr != nil {
		d.LocalAddr = &net.TCPAddr{IP: opts.LocalAddr}
	}
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("netopt: dial %s: %w", addr, err)
	}
	return conn, nil
}

// Listen opens a listener with SO_REUSEADDR set.
func Listen(network, addr string) (net.Listener, error) {
	lc := net.ListenConfig{Control: listenControlFunc()}
	ln, err := lc.Listen(context.Background(), network, addr)
	if err != nil {
		return nil, fmt.Errorf("netopt: listen %s: %w", addr, err)
	}
	return ln, nil
}

// SetConnOptions applies TCP_NODELAY and keepalive tuning to an already
// accepted *net.TCPConn, mirroring what Control does for outbound
// sockets (spec §4.5.1: "set non-blocking and TCP_NODELAY").
func SetConnOptions(conn net.Conn) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	tc.SetNoDelay(true)
	tc.SetKeepAlive(true)
	tc.SetKeepAlivePeriod(30 * time.Second)
}
