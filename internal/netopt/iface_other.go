//go:build !linux

package netopt

import (
	"log"
	"net"
)

func ensureBindAddress(iface string, addr net.IP) error {
	log.Printf("[netopt] skipping interface address assignment for %s on %s (not Linux)", addr, iface)
	return nil
}
