package crypto

import (
	"crypto/cipher"
	"encoding/binary"
	"fmt"
)

// nonceLen is fixed at 12 bytes (little-endian counter, spec §4.4) for
// both chacha20poly1305 and AES-GCM.
const nonceLen = 12

// aeadSession is one direction of an AEAD record stream: either an
// Encryptor (outbound) or Decryptor (inbound), never both.
type aeadSession struct {
	method    Method
	masterKey []byte
	saltLen   int
	keyLen    int

	aead      cipher.AEAD
	salt      []byte
	saltSent  bool // Encryptor: have we emitted the salt yet
	saltKnown bool // Decryptor: have we consumed the salt yet
	counter   uint64
}

// NewAEADEncryptor creates an outbound half-session. The salt is
// generated lazily on the first Seal call, so construction draws no
// randomness; it fails only for an unknown or non-AEAD method.
func NewAEADEncryptor(method Method, masterKey []byte) (*aeadSession, error) {
	keyLen, saltLen, aead, err := Lookup(method)
	if err != nil {
		return nil, err
	}
	if !aead {
		return nil, fmt.Errorf("crypto: %q is not an AEAD method", method)
	}
	return &aeadSession{method: method, masterKey: masterKey, saltLen: saltLen, keyLen: keyLen}, nil
}

// NewAEADDecryptor creates an inbound half-session awaiting its salt.
func NewAEADDecryptor(method Method, masterKey []byte) (*aeadSession, error) {
	return NewAEADEncryptor(method, masterKey)
}

func (s *aeadSession) nonce() []byte {
	n := make([]byte, nonceLen)
	binary.LittleEndian.PutUint64(n[:8], s.counter)
	s.counter++
	return n
}

func (s *aeadSession) ensureAEAD(salt []byte) error {
	if s.aead != nil {
		return nil
	}
	subkey, err := deriveSubkey(s.masterKey, salt, s.keyLen)
	if err != nil {
		return err
	}
	a, err := newAEAD(s.method, subkey)
	if err != nil {
		return err
	}
	s.aead = a
	s.salt = salt
	return nil
}

// SealRecord encrypts one record (len(plaintext) <= MaxRecordPayload)
// and appends salt (if not yet sent) and the sealed record to dst,
// returning the extended slice. Each record is two AEAD-sealed chunks:
// the 2-byte big-endian length, then the payload, each under its own
// counter nonce (spec §4.4/§6.2).
func (s *aeadSession) SealRecord(dst, plaintext []byte) ([]byte, error) {
	if len(plaintext) > MaxRecordPayload {
		return nil, fmt.Errorf("crypto: record payload %d exceeds max %d", len(plaintext), MaxRecordPayload)
	}
	if !s.saltSent {
		salt, err := randomSalt(s.saltLen)
		if err != nil {
			return nil, err
		}
		if err := s.ensureAEAD(salt); err != nil {
			return nil, err
		}
		dst = append(dst, salt...)
		s.saltSent = true
	}

	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(plaintext)))
	dst = s.aead.Seal(dst, s.nonce(), lenBuf[:], nil)
	dst = s.aead.Seal(dst, s.nonce(), plaintext, nil)
	return dst, nil
}

// OpenRecord attempts to decode one record from the front of buf. It
// returns the plaintext, the number of input bytes consumed, and an
// error which is ErrNeedMore if buf does not yet hold a full record.
// On ErrAuth the session must be discarded (spec §4.4: "no partial data
// is delivered").
func (s *aeadSession) OpenRecord(buf []byte) (plaintext []byte, consumed int, err error) {
	pos := 0
	if !s.saltKnown {
		if len(buf) < s.saltLen {
			return nil, 0, ErrNeedMore
		}
		if err := s.ensureAEAD(append([]byte(nil), buf[:s.saltLen]...)); err != nil {
			return nil, 0, err
		}
		// saltKnown is set only once a full record is decoded, so a
		// NeedMore retry with the same extended buffer re-skips the salt.
		pos = s.saltLen
	}

	overhead := s.aead.Overhead()
	lenSealed := 2 + overhead
	if len(buf)-pos < lenSealed {
		return nil, 0, ErrNeedMore
	}

	lenPlain, err := s.aead.Open(nil, s.peekNonce(0), buf[pos:pos+lenSealed], nil)
	if err != nil {
		return nil, 0, ErrAuth
	}
	payloadLen := int(binary.BigEndian.Uint16(lenPlain))
	if payloadLen > MaxRecordPayload {
		return nil, 0, ErrAuth
	}

	payloadSealed := payloadLen + overhead
	if len(buf)-pos-lenSealed < payloadSealed {
		return nil, 0, ErrNeedMore
	}

	// Both chunks validated as present; now actually advance counters
	// in order (length chunk's nonce, then payload chunk's nonce).
	n1 := s.nonce()
	if _, err := s.aead.Open(nil, n1, buf[pos:pos+lenSealed], nil); err != nil {
		return nil, 0, ErrAuth
	}
	n2 := s.nonce()
	payload, err := s.aead.Open(nil, n2, buf[pos+lenSealed:pos+lenSealed+payloadSealed], nil)
	if err != nil {
		return nil, 0, ErrAuth
	}

	s.saltKnown = true
	return payload, pos + lenSealed + payloadSealed, nil
}

// peekNonce returns what the nonce at s.counter+offset would be,
// without advancing the counter, used to validate the length chunk can
// even be attempted before committing to consuming two counter slots.
func (s *aeadSession) peekNonce(offset uint64) []byte {
	n := make([]byte, nonceLen)
	binary.LittleEndian.PutUint64(n[:8], s.counter+offset)
	return n
}
