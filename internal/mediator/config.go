package mediator

import (
	"net"
	"time"

	"encproxy/internal/acl"
	"encproxy/internal/crypto"
)

// RelayAddr is one candidate remote relay server (spec §3 "Listener...
// list of candidate remote addresses").
type RelayAddr struct {
	Network string // "tcp"
	Addr    string // host:port
}

// Config carries everything one SOCKS5 listener needs to run the
// mediator: where to listen, how to reach relays, the crypto method and
// key, the ACL, and timing/feature knobs.
type Config struct {
	ListenNetwork string // "tcp"
	ListenAddr    string

	Relays []RelayAddr

	Method    crypto.Method
	MasterKey []byte

	ACL *acl.ACL

	// LocalResolveBeforeRelay mirrors spec §4.5.3's special rule: resolve
	// domain destinations locally and reclassify on the resolved IP
	// before deciding to route via relay. When false ("remote DNS"
	// mode), names are always sent to the relay unresolved.
	LocalResolveBeforeRelay bool

	// OutboundBindIP optionally pins outbound dials (relay and direct)
	// to a specific local address, the generalized teacher IPv6-pool
	// feature.
	OutboundBindIP net.IP
	// OutboundBindIface names the interface OutboundBindIP should be
	// assigned to if missing, per netopt.EnsureBindAddress.
	OutboundBindIface string

	FastOpen bool

	HandshakeTimeout time.Duration
	ConnectTimeout   time.Duration
	IdleTimeout      time.Duration
	SniProbeDelay    time.Duration
	LingerTimeout    time.Duration
}

// withDefaults fills zero-valued timing fields with the teacher's and
// spec's stated defaults (§4.5.2 "~50ms", §4.5.5 "10-second timer").
func (c Config) withDefaults() Config {
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 15 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.SniProbeDelay == 0 {
		c.SniProbeDelay = 50 * time.Millisecond
	}
	if c.LingerTimeout == 0 {
		c.LingerTimeout = 10 * time.Second
	}
	return c
}
