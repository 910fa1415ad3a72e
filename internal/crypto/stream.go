package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
)

// streamSession implements spec §4.4's "Stream-cipher sessions": the
// salt is consumed once, then every subsequent byte is XORed against a
// continuous keystream with no per-record framing or authentication.
type streamSession struct {
	method    Method
	masterKey []byte
	saltLen   int
	keyLen    int

	stream   cipher.Stream
	saltSent bool
	saltSeen bool
}

// NewStreamEncryptor creates an outbound stream-cipher half-session.
func NewStreamEncryptor(method Method, masterKey []byte) (*streamSession, error) {
	keyLen, saltLen, aead, err := Lookup(method)
	if err != nil {
		return nil, err
	}
	if aead {
		return nil, fmt.Errorf("crypto: %q is an AEAD method, not a stream cipher", method)
	}
	return &streamSession{method: method, masterKey: masterKey, saltLen: saltLen, keyLen: keyLen}, nil
}

// NewStreamDecryptor creates an inbound half-session awaiting its salt.
func NewStreamDecryptor(method Method, masterKey []byte) (*streamSession, error) {
	return NewStreamEncryptor(method, masterKey)
}

func newCTRStream(subkey, iv []byte) (cipher.Stream, error) {
	block, err := aes.NewCipher(subkey)
	if err != nil {
		return nil, err
	}
	return cipher.NewCTR(block, iv), nil
}

// Encrypt XORs plaintext against the keystream into a fresh slice and
// appends it to dst, prefixing the salt on the first call.
func (s *streamSession) Encrypt(dst, plaintext []byte) ([]byte, error) {
	if !s.saltSent {
		salt, err := randomSalt(s.saltLen)
		if err != nil {
			return nil, err
		}
		subkey, err := deriveSubkey(s.masterKey, salt, s.keyLen)
		if err != nil {
			return nil, err
		}
		stream, err := newCTRStream(subkey, salt[:aes.BlockSize])
		if err != nil {
			return nil, err
		}
		s.stream = stream
		dst = append(dst, salt...)
		s.saltSent = true
	}
	out := make([]byte, len(plaintext))
	s.stream.XORKeyStream(out, plaintext)
	return append(dst, out...), nil
}

// Decrypt consumes leading salt bytes as needed, then XORs the
// remainder of buf against the keystream. It returns the produced
// plaintext and ErrNeedMore if buf does not yet contain a full salt.
func (s *streamSession) Decrypt(buf []byte) (plaintext []byte, consumed int, err error) {
	pos := 0
	if !s.saltSeen {
		if len(buf) < s.saltLen {
			return nil, 0, ErrNeedMore
		}
		salt := append([]byte(nil), buf[:s.saltLen]...)
		subkey, err := deriveSubkey(s.masterKey, salt, s.keyLen)
		if err != nil {
			return nil, 0, err
		}
		stream, err := newCTRStream(subkey, salt[:aes.BlockSize])
		if err != nil {
			return nil, 0, err
		}
		s.stream = stream
		s.saltSeen = true
		pos = s.saltLen
	}
	rest := buf[pos:]
	out := make([]byte, len(rest))
	s.stream.XORKeyStream(out, rest)
	return out, len(buf), nil
}
