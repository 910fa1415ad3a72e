package mediator

import (
	"net"
	"sync"
	"time"

	"encproxy/internal/crypto"
)

// Pair is the atomic connection unit of spec §3: it owns the client and
// remote sockets, the routing/crypto decision made once at handshake
// time, and the saved destination header. A stable pointer is used as
// the registry key; once both sockets are closed the pair is
// unregistered and must never be touched again (spec §3 invariant 6).
type Pair struct {
	rt  *Runtime
	cfg Config

	client net.Conn
	remote net.Conn

	stage Stage

	direct bool
	dst    dstHeader

	enc crypto.Encryptor
	dec crypto.Decryptor
	// decAccum buffers inbound remote bytes that did not yet form a
	// complete record, satisfying the "record spanning two recv calls"
	// boundary behavior of spec §8.
	decAccum []byte

	closeOnce sync.Once
	closed    chan struct{}
}

func newPair(rt *Runtime, cfg Config, client net.Conn) *Pair {
	return &Pair{
		rt:     rt,
		cfg:    cfg,
		client: client,
		stage:  StageInit,
		closed: make(chan struct{}),
	}
}

// run drives one client connection through the full state machine. It
// is invoked as its own goroutine per accepted connection — the
// goroutine-per-connection realization of spec §4.1's event reactor
// (see SPEC_FULL.md §4, [MODULE] netreactor).
func (p *Pair) run() {
	defer p.teardown()

	p.client.SetDeadline(time.Now().Add(p.cfg.HandshakeTimeout))
	if err := p.negotiateMethod(); err != nil {
		return
	}
	p.stage = StageMethodSelected

	cmd, err := p.readRequest()
	if err != nil {
		return
	}
	p.stage = StageHandshake

	switch cmd {
	case cmdConnect:
		p.serveConnect()
	case cmdUDPAssociate:
		p.serveUDPAssociate()
	default:
		p.sendReply(repCommandNotSupported, nil, 0)
	}
}

// armIdleTimeout re-arms conn's deadline cfg.IdleTimeout out from now,
// the Stream-stage reaper of spec §7's "connect- or idle-timeout fired"
// row. The relay pumps re-arm both sockets on every successful read in
// either direction, so an active transfer never trips it, while a pair
// silent in both directions does within one IdleTimeout.
func (p *Pair) armIdleTimeout(conn net.Conn) {
	conn.SetDeadline(time.Now().Add(p.cfg.IdleTimeout))
}

// closeNow is the forced-close path used by Runtime.Shutdown; it skips
// the lingering-close grace period since the process is exiting anyway.
func (p *Pair) closeNow() {
	p.closeOnce.Do(func() {
		if p.client != nil {
			p.client.Close()
		}
		if p.remote != nil {
			p.remote.Close()
		}
		close(p.closed)
	})
}
