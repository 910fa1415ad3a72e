package mediator

import (
	"io"
	"log"
	"sync"
	"sync/atomic"

	"encproxy/internal/bufpool"
	"encproxy/internal/crypto"
)

// stream implements spec §4.5.2's Stream stage: full-duplex forwarding,
// with the destination header prepended to the first relay-bound
// payload (spec §3 invariant 3) when this pair is not direct.
// preBuffered is any client bytes already read during an SNI probe.
func (p *Pair) stream(preBuffered []byte) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		p.pumpClientToRemote(preBuffered)
	}()
	go func() {
		defer wg.Done()
		p.pumpRemoteToClient()
	}()

	wg.Wait()
}

// pumpClientToRemote reads client bytes and writes them to remote,
// either raw (direct) or encrypted with the destination header
// prepended to the first write (relay). It is ordering-preserving:
// bytes read from the client in order are written to remote in the
// same order (spec §5).
func (p *Pair) pumpClientToRemote(preBuffered []byte) {
	defer p.halfClose(p.remote, p.client)

	first := true
	buf := bufpool.GetBig()
	defer bufpool.Release(buf)

	flush := func(chunk []byte) error {
		if len(chunk) == 0 && !first {
			return nil
		}
		if p.direct {
			if len(chunk) == 0 {
				return nil
			}
			_, err := p.remote.Write(chunk)
			return err
		}
		return p.writeEncryptedChunks(chunk, first)
	}

	if len(preBuffered) > 0 || !p.direct {
		if err := flush(preBuffered); err != nil {
			return
		}
		first = false
	}

	for {
		buf.Reset()
		n, err := p.client.Read(buf.Tail())
		if n > 0 {
			p.armIdleTimeout(p.client)
			p.armIdleTimeout(p.remote)
			buf.Produced(n)
			atomic.AddInt64(&p.rt.Stats.BytesIn, int64(n))
			if werr := flush(buf.Bytes()); werr != nil {
				return
			}
			first = false
		}
		if err != nil {
			return
		}
	}
}

// writeEncryptedChunks seals payload (prepending dst on the very first
// call) as one or more AEAD records / stream-cipher writes no larger
// than crypto.MaxRecordPayload each, per spec §4.4's record size limit.
func (p *Pair) writeEncryptedChunks(payload []byte, firstCall bool) error {
	if firstCall {
		header := p.dst.Bytes()
		combined := make([]byte, 0, len(header)+len(payload))
		combined = append(combined, header...)
		combined = append(combined, payload...)
		return p.sealAndWrite(combined)
	}
	return p.sealAndWrite(payload)
}

func (p *Pair) sealAndWrite(payload []byte) error {
	for len(payload) > 0 {
		n := len(payload)
		if n > crypto.MaxRecordPayload {
			n = crypto.MaxRecordPayload
		}
		var out []byte
		out, err := p.enc.Encrypt(out, payload[:n])
		if err != nil {
			return err
		}
		if len(out) > 0 {
			if _, err := p.remote.Write(out); err != nil {
				return err
			}
		}
		payload = payload[n:]
	}
	return nil
}

// pumpRemoteToClient reads remote bytes, decrypting records when this
// pair is not direct, and writes plaintext to the client. A record
// spanning two reads yields crypto.ErrNeedMore and the bytes are
// accumulated, never delivered unauthenticated (spec §8).
func (p *Pair) pumpRemoteToClient() {
	defer p.halfClose(p.client, p.remote)

	buf := bufpool.GetBig()
	defer bufpool.Release(buf)
	for {
		buf.Reset()
		n, err := p.remote.Read(buf.Tail())
		if n > 0 {
			p.armIdleTimeout(p.remote)
			p.armIdleTimeout(p.client)
			buf.Produced(n)
			if p.direct {
				if _, werr := p.client.Write(buf.Bytes()); werr != nil {
					return
				}
			} else {
				p.decAccum = append(p.decAccum, buf.Bytes()...)
				if !p.drainDecrypted() {
					return
				}
			}
			atomic.AddInt64(&p.rt.Stats.BytesOut, int64(n))
		}
		if err != nil {
			return
		}
	}
}

// drainDecrypted decodes as many complete records as decAccum holds and
// writes their plaintext to the client. It returns false on a crypto or
// write failure, signaling the caller to tear down (spec §7:
// CryptoError terminates the session, no retry).
func (p *Pair) drainDecrypted() bool {
	for {
		plaintext, consumed, err := p.dec.Open(p.decAccum)
		switch err {
		case nil:
			if len(plaintext) > 0 {
				if _, werr := p.client.Write(plaintext); werr != nil {
					return false
				}
			}
			p.decAccum = p.decAccum[consumed:]
			if consumed == 0 {
				return true
			}
		case crypto.ErrNeedMore:
			return true
		default:
			log.Printf("[mediator] %v: %v", ErrCrypto, err)
			return false
		}
	}
}

// halfClose implements the first half of spec §4.5.5's teardown: signal
// no more data will flow in this direction without disturbing the
// still-active opposite direction.
func (p *Pair) halfClose(dst, src io.ReadWriter) {
	if tc, ok := dst.(interface{ CloseWrite() error }); ok {
		tc.CloseWrite()
	}
	if tc, ok := src.(interface{ CloseRead() error }); ok {
		tc.CloseRead()
	}
}
