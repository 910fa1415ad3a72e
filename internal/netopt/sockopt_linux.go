//go:build linux

package netopt

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// controlFunc returns the Control hook net.Dialer invokes on the raw fd
// before connect(2), setting the same performance options the teacher's
// sockopt_linux.go set for outbound sockets, plus TCP_FASTOPEN_CONNECT
// when requested (spec §4.5.4: "a socket option that causes the next
// write after connect to do so").
func controlFunc(opts DialOpts) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		var sysErr error
		err := c.Control(func(fd uintptr) {
			if e := unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); e != nil {
				sysErr = e
				return
			}
			if opts.KeepAlive > 0 {
				if e := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1); e != nil {
					sysErr = e
					return
				}
			}
			if opts.FastOpen {
				// Best-effort: older kernels reject this option, and the
				// dialer should fall back to a plain connect silently.
				_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_FASTOPEN_CONNECT, 1)
			}
		})
		if err != nil {
			return err
		}
		return sysErr
	}
}

// listenControlFunc sets SO_REUSEADDR and, on the listening socket,
// TCP_FASTOPEN so the kernel will accept Fast Open SYNs from clients.
func listenControlFunc() func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		var sysErr error
		err := c.Control(func(fd uintptr) {
			if e := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); e != nil {
				sysErr = e
				return
			}
			// Backlog of 256 queued Fast Open connections; best-effort.
			_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_FASTOPEN, 256)
		})
		if err != nil {
			return err
		}
		return sysErr
	}
}
