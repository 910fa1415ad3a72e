package mediator

import (
	"errors"
	"log"
	"net"

	"encproxy/internal/netopt"
)

// Listener runs the SOCKS5 accept loop of spec §4.5.1 against one
// Config and a shared Runtime.
type Listener struct {
	rt  *Runtime
	cfg Config
	ln  net.Listener
}

// NewListener binds cfg.ListenAddr and returns a Listener ready to Serve.
func NewListener(rt *Runtime, cfg Config) (*Listener, error) {
	cfg = cfg.withDefaults()
	ln, err := netopt.Listen(cfg.ListenNetwork, cfg.ListenAddr)
	if err != nil {
		return nil, err
	}
	return &Listener{rt: rt, cfg: cfg, ln: ln}, nil
}

// Addr returns the bound local address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Close stops accepting new connections. In-flight pairs are unaffected;
// use Runtime.Shutdown to close them too.
func (l *Listener) Close() error { return l.ln.Close() }

// Serve accepts connections until the listener is closed. Each accepted
// connection is set non-blocking with TCP_NODELAY (spec §4.5.1), wrapped
// in a fresh Pair, registered, and handed its own goroutine — the
// reactor's "arm its read watcher" realized as netpoller-driven I/O.
func (l *Listener) Serve() error {
	log.Printf("[mediator] listening on %s", l.ln.Addr())
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Printf("[mediator] accept error: %v", err)
			continue
		}
		netopt.SetConnOptions(conn)

		p := newPair(l.rt, l.cfg, conn)
		l.rt.Register(p)
		go p.run()
	}
}
