package netopt

import (
	"fmt"
	"log"
	"net"
	"os/exec"
	"strings"
)

// EnsureBindAddress checks addr against the network interface's assigned
// addresses and adds it (with a /32 or /128 prefix) if missing. This is
// the generalized form of the teacher's IPv6-pool auto-assignment: it
// now supports either family and is used when a listener or relay
// dial is configured to bind to a specific outbound address that may
// not yet exist on the interface. It is idempotent and Linux-only; on
// other platforms it is a no-op that logs a line on each call.
func EnsureBindAddress(iface string, addr net.IP) error {
	if iface == "" || addr == nil {
		return nil
	}
	return ensureBindAddress(iface, addr)
}

func addInterfaceAddress(iface string, addr net.IP) error {
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		return fmt.Errorf("netopt: interface %q: %w", iface, err)
	}

	addrs, err := ifi.Addrs()
	if err != nil {
		return fmt.Errorf("netopt: list addresses on %q: %w", iface, err)
	}

	for _, a := range addrs {
		ipStr := a.String()
		if idx := strings.IndexByte(ipStr, '/'); idx != -1 {
			ipStr = ipStr[:idx]
		}
		if ip := net.ParseIP(ipStr); ip != nil && ip.Equal(addr) {
			log.Printf("[netopt] %s already assigned on %s, skipping", addr, iface)
			return nil
		}
	}

	prefix := "/32"
	if addr.To4() == nil {
		prefix = "/128"
	}
	cidr := addr.String() + prefix

	cmd := exec.Command("ip", "addr", "add", cidr, "dev", iface)
	output, err := cmd.CombinedOutput()
	if err != nil {
		if strings.Contains(string(output), "File exists") {
			log.Printf("[netopt] %s already exists on %s (concurrent add), skipping", cidr, iface)
			return nil
		}
		return fmt.Errorf("netopt: ip addr add %s dev %s: %s: %w", cidr, iface, strings.TrimSpace(string(output)), err)
	}
	log.Printf("[netopt] added %s to %s", cidr, iface)
	return nil
}
