package crypto

import "fmt"

// Encryptor seals application bytes for the outbound half of a session,
// hiding whether the underlying method is AEAD-framed or a continuous
// stream cipher.
type Encryptor interface {
	// Encrypt appends the encrypted form of plaintext to dst and returns
	// the extended slice. For AEAD methods plaintext must be no larger
	// than MaxRecordPayload; callers split larger payloads into records.
	Encrypt(dst, plaintext []byte) ([]byte, error)
}

// Decryptor consumes bytes from the inbound half of a session. Open
// returns ErrNeedMore when buf does not yet contain a complete unit
// (salt or record); the caller must accumulate more bytes and retry
// with the same logical stream position.
type Decryptor interface {
	Open(buf []byte) (plaintext []byte, consumed int, err error)
}

type aeadEncryptor struct{ s *aeadSession }

func (e aeadEncryptor) Encrypt(dst, plaintext []byte) ([]byte, error) {
	return e.s.SealRecord(dst, plaintext)
}

type aeadDecryptor struct{ s *aeadSession }

func (d aeadDecryptor) Open(buf []byte) ([]byte, int, error) { return d.s.OpenRecord(buf) }

type streamEncryptor struct{ s *streamSession }

func (e streamEncryptor) Encrypt(dst, plaintext []byte) ([]byte, error) {
	return e.s.Encrypt(dst, plaintext)
}

type streamDecryptor struct{ s *streamSession }

func (d streamDecryptor) Open(buf []byte) ([]byte, int, error) { return d.s.Decrypt(buf) }

// NewEncryptor returns the Encryptor for method, dispatching to the AEAD
// or stream-cipher implementation.
func NewEncryptor(method Method, masterKey []byte) (Encryptor, error) {
	_, _, aead, err := Lookup(method)
	if err != nil {
		return nil, err
	}
	if aead {
		s, err := NewAEADEncryptor(method, masterKey)
		if err != nil {
			return nil, err
		}
		return aeadEncryptor{s}, nil
	}
	s, err := NewStreamEncryptor(method, masterKey)
	if err != nil {
		return nil, err
	}
	return streamEncryptor{s}, nil
}

// NewDecryptor returns the Decryptor for method.
func NewDecryptor(method Method, masterKey []byte) (Decryptor, error) {
	_, _, aead, err := Lookup(method)
	if err != nil {
		return nil, err
	}
	if aead {
		s, err := NewAEADDecryptor(method, masterKey)
		if err != nil {
			return nil, err
		}
		return aeadDecryptor{s}, nil
	}
	s, err := NewStreamDecryptor(method, masterKey)
	if err != nil {
		return nil, err
	}
	return streamDecryptor{s}, nil
}

// ParseMethod validates a configured cipher name.
func ParseMethod(name string) (Method, error) {
	m := Method(name)
	if _, _, _, err := Lookup(m); err != nil {
		return "", fmt.Errorf("crypto: %w", err)
	}
	return m, nil
}
