package mediator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"net"
	"syscall"
	"time"

	"encproxy/internal/acl"
	"encproxy/internal/bufpool"
	"encproxy/internal/crypto"
	"encproxy/internal/netopt"
)

// serveConnect implements the CONNECT half of spec §4.5.2/§4.5.3: decide
// whether an SNI probe is warranted, route, connect, reply, and stream.
func (p *Pair) serveConnect() {
	host, port := p.dst.HostPort()

	if p.wantsSniProbe(host, port) {
		p.stage = StageSniProbe
		p.runSniProbe(host, port)
		return
	}

	p.routeConnectAndStream(host, port, nil)
}

// wantsSniProbe implements spec §4.5.2's SniProbe entry condition:
// destination is an IP literal on port 80/443, with ACL enabled. An IP
// the ACL already blocks is not probed, so it is refused with its own
// connection-not-allowed reply instead of an early success reply.
func (p *Pair) wantsSniProbe(host string, port uint16) bool {
	if p.cfg.ACL == nil || !p.cfg.ACL.Enabled() {
		return false
	}
	if port != 80 && port != 443 {
		return false
	}
	if net.ParseIP(host) == nil {
		return false
	}
	return p.cfg.ACL.Classify(host, port) != acl.Block
}

// runSniProbe implements spec §4.5.2's SniProbe stage: send the
// handshake reply before connecting, then race a short timer against
// the client's first bytes to recover an HTTP Host or TLS SNI name.
func (p *Pair) runSniProbe(host string, port uint16) {
	const probeCeiling = 4096

	p.sendReply(repSuccess, nil, 0)
	p.client.SetDeadline(time.Now().Add(p.cfg.SniProbeDelay))

	buf := bufpool.Get()
	defer bufpool.Release(buf)

	for {
		if len(buf.Tail()) == 0 {
			if buf.Cap() >= probeCeiling {
				break // buffer full without finding a complete hello/header
			}
			bufpool.Bigify(buf, probeCeiling) // spec: bigify eagerly, not best-effort
		}
		n, err := p.client.Read(buf.Tail())
		if n > 0 {
			buf.Produced(n)
			var name string
			var ok bool
			if port == 80 {
				name, ok = parseHTTPHost(buf.Bytes())
			} else {
				name, ok = parseTLSClientHelloSNI(buf.Bytes())
			}
			if ok {
				p.dst, _ = parseDstHeader(name, port)
				host = name
				break
			}
		}
		if err != nil {
			break // timeout or client closed; proceed with IP destination
		}
	}
	p.client.SetDeadline(time.Time{})

	preBuffered := append([]byte(nil), buf.Bytes()...)
	p.routeConnectAndStream(host, port, preBuffered)
}

// routeConnectAndStream performs routing, dials the remote, replies
// (unless already replied by the SNI-probe path), and enters the
// full-duplex Stream stage. preBuffered is any client bytes already
// read during an SNI probe that must be relayed, not discarded.
func (p *Pair) routeConnectAndStream(host string, port uint16, preBuffered []byte) {
	alreadyReplied := preBuffered != nil || p.stage == StageSniProbe

	r := p.decideRoute(host, port)
	if r.class == acl.Block {
		log.Printf("[mediator] %v: %s:%d", ErrBlocked, host, port)
		if !alreadyReplied {
			p.sendReply(repConnectionNotAllowed, nil, 0)
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ConnectTimeout)
	defer cancel()

	if r.direct {
		conn, err := p.dialDirect(ctx, r.dialHost, r.dialPort)
		if err != nil {
			if !alreadyReplied {
				p.sendReply(repForDialErr(err), nil, 0)
			}
			return
		}
		p.remote = conn
		p.direct = true
	} else {
		conn, err := p.dialRelay(ctx)
		if err != nil {
			if !alreadyReplied {
				p.sendReply(repGeneralFailure, nil, 0)
			}
			return
		}
		p.remote = conn
		p.direct = false
		enc, err := crypto.NewEncryptor(p.cfg.Method, p.cfg.MasterKey)
		if err != nil {
			p.remote.Close()
			return
		}
		dec, err := crypto.NewDecryptor(p.cfg.Method, p.cfg.MasterKey)
		if err != nil {
			p.remote.Close()
			return
		}
		p.enc = enc
		p.dec = dec
	}

	if !alreadyReplied {
		var bindIP net.IP
		var bindPort uint16
		if tc, ok := p.client.LocalAddr().(*net.TCPAddr); ok {
			bindIP, bindPort = tc.IP, uint16(tc.Port)
		}
		p.sendReply(repSuccess, bindIP, bindPort)
	}

	p.stage = StageStream
	p.armIdleTimeout(p.client)
	p.armIdleTimeout(p.remote)
	p.stream(preBuffered)
}

// repForDialErr classifies a direct-dial failure into a SOCKS5 reply
// code, the same errors.Is triage the teacher's proxy.go performs on
// net.Dialer errors.
func repForDialErr(err error) byte {
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return repConnectionRefused
	case errors.Is(err, syscall.ENETUNREACH):
		return repNetworkUnreachable
	case errors.Is(err, syscall.EHOSTUNREACH):
		return repHostUnreachable
	case errors.Is(err, context.DeadlineExceeded):
		log.Printf("[mediator] %v: %v", ErrTimeout, err)
		return repTTLExpired
	default:
		return repGeneralFailure
	}
}

// dialDirect connects straight to the destination, bypassing the relay
// (spec §4.5.3 step 4).
func (p *Pair) dialDirect(ctx context.Context, host string, port uint16) (net.Conn, error) {
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	opts := netopt.DialOpts{
		LocalAddr: p.cfg.OutboundBindIP,
		Timeout:   p.cfg.ConnectTimeout,
		KeepAlive: 30 * time.Second,
		FastOpen:  p.cfg.FastOpen,
	}
	conn, err := netopt.Dial(ctx, "tcp", addr, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}
	netopt.SetConnOptions(conn)
	return conn, nil
}

// dialRelay implements spec §4.5.4's multi-address failover: relays are
// tried in random order (spec §4.5.3 step 5: "pick one relay address
// uniformly at random"), but on failure the mediator moves to the next
// address before giving up (spec §8 scenario 6).
func (p *Pair) dialRelay(ctx context.Context) (net.Conn, error) {
	if len(p.cfg.Relays) == 0 {
		return nil, fmt.Errorf("%w: no relay addresses configured", ErrConnectFailed)
	}
	order := rand.Perm(len(p.cfg.Relays))
	opts := netopt.DialOpts{
		LocalAddr: p.cfg.OutboundBindIP,
		Timeout:   p.cfg.ConnectTimeout,
		KeepAlive: 30 * time.Second,
		FastOpen:  p.cfg.FastOpen,
	}

	var lastErr error
	for _, idx := range order {
		relay := p.cfg.Relays[idx]
		conn, err := netopt.Dial(ctx, relay.Network, relay.Addr, opts)
		if err != nil {
			lastErr = err
			continue
		}
		netopt.SetConnOptions(conn)
		return conn, nil
	}
	return nil, fmt.Errorf("%w: all %d relay(s) exhausted: %v", ErrConnectFailed, len(p.cfg.Relays), lastErr)
}

// serveUDPAssociate implements spec §4.5.2's UDP_ASSOCIATE: reply with
// the listener's bound local address, then hold the TCP connection open
// doing nothing further (the UDP relay itself is an explicit Non-goal).
func (p *Pair) serveUDPAssociate() {
	var bindIP net.IP
	var bindPort uint16
	if tc, ok := p.client.LocalAddr().(*net.TCPAddr); ok {
		bindIP, bindPort = tc.IP, uint16(tc.Port)
	}
	p.sendReply(repSuccess, bindIP, bindPort)

	p.stage = StageStream
	buf := make([]byte, 4096)
	for {
		p.armIdleTimeout(p.client)
		if _, err := p.client.Read(buf); err != nil {
			return
		}
	}
}
