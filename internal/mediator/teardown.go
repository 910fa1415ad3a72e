package mediator

import (
	"net"
	"sync"
	"time"
)

// teardown implements spec §4.5.5's close discipline. If the pair ever
// reached Stream, both sockets are given a bounded grace period to
// drain any trailing bytes (the "lingering close") before the fds are
// closed; pairs that fail earlier in the handshake close immediately,
// per spec §4.5.6 ("Parse errors... close immediately, no error body").
func (p *Pair) teardown() {
	reachedStream := p.stage == StageStream
	p.stage = StageClosing

	if reachedStream {
		var wg sync.WaitGroup
		for _, c := range []net.Conn{p.client, p.remote} {
			if c == nil {
				continue
			}
			c := c
			wg.Add(1)
			go func() {
				defer wg.Done()
				lingerDrain(c, p.cfg.LingerTimeout)
			}()
		}
		wg.Wait()
	}

	p.closeNow()
	if p.rt != nil {
		p.rt.Unregister(p)
	}
}

// lingerDrain discards bytes from conn until it errors (EOF, reset, or
// the deadline firing), matching spec §4.5.5's "arm a 10-second timer
// and a read-only watcher; reads are discarded."
func lingerDrain(conn net.Conn, timeout time.Duration) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	conn.SetReadDeadline(time.Now().Add(timeout))
	buf := make([]byte, 4096)
	for {
		if _, err := conn.Read(buf); err != nil {
			return
		}
	}
}
