//go:build !linux

package netopt

import "syscall"

// controlFunc is a no-op on non-Linux platforms; TCP Fast Open falls
// back to a plain connect, per spec §4.5.4.
func controlFunc(opts DialOpts) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error { return nil }
}

func listenControlFunc() func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error { return nil }
}
