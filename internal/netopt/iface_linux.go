//go:build linux

package netopt

import "net"

func ensureBindAddress(iface string, addr net.IP) error {
	return addInterfaceAddress(iface, addr)
}
