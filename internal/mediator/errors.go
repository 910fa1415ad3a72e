package mediator

import "errors"

// Error taxonomy from spec §7. Each is a disposition hint, not a
// detailed diagnostic; detailed context is attached with fmt.Errorf
// wrapping at the call site and logged there.
var (
	ErrClientProtocol = errors.New("mediator: malformed SOCKS5 request")
	ErrCrypto         = errors.New("mediator: crypto session failed")
	ErrConnectFailed  = errors.New("mediator: remote connect failed")
	ErrTimeout        = errors.New("mediator: timed out")
	ErrResolver       = errors.New("mediator: name resolution failed")
	ErrBlocked        = errors.New("mediator: destination blocked by ACL")
	// ErrOutOfMemory completes the taxonomy for parity with the relay
	// protocol's error set; Go's allocator panics rather than returning
	// an error, so no call site can construct this without first
	// recovering from a panic, which this package does not do.
	ErrOutOfMemory = errors.New("mediator: buffer allocation failed")
)
