package mediator

import (
	"context"
	"log"
	"net"
	"time"

	"encproxy/internal/acl"
)

// route is the outcome of spec §4.5.3's routing decision: either a
// direct dial target, or "via relay" with the dst header staged to
// prepend.
type route struct {
	class  acl.Class
	direct bool
	// dialHost/dialPort is what actually gets dialed: for bypass this
	// may be a locally resolved IP rather than the original host.
	dialHost string
	dialPort uint16
}

// decideRoute implements spec §4.5.3 steps 1-5, including the special
// local-resolve-then-reclassify rule for domain destinations.
func (p *Pair) decideRoute(host string, port uint16) route {
	if p.cfg.ACL == nil || !p.cfg.ACL.Enabled() {
		return route{class: acl.Proxy, direct: false, dialHost: host, dialPort: port}
	}

	class := p.cfg.ACL.Classify(host, port)

	isLiteral := net.ParseIP(host) != nil
	if !isLiteral && p.cfg.LocalResolveBeforeRelay && class != acl.Block {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		addrs, err := net.DefaultResolver.LookupHost(ctx, host)
		cancel()
		if err != nil {
			log.Printf("[mediator] %v: %s: %v", ErrResolver, host, err)
		}
		if err == nil && len(addrs) > 0 {
			ipClass := p.cfg.ACL.Classify(addrs[0], port)
			switch ipClass {
			case acl.Block:
				return route{class: acl.Block}
			case acl.Bypass:
				return route{class: acl.Bypass, direct: true, dialHost: addrs[0], dialPort: port}
			}
		}
	}

	switch class {
	case acl.Block:
		return route{class: acl.Block}
	case acl.Bypass:
		return route{class: acl.Bypass, direct: true, dialHost: host, dialPort: port}
	default:
		return route{class: acl.Proxy, direct: false, dialHost: host, dialPort: port}
	}
}
