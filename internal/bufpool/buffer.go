// Package bufpool implements the small/big buffer split used to stage
// SOCKS5 headers, SNI probes, and relay payloads without per-read heap
// churn on the hot path.
package bufpool

import (
	"sync"
	"sync/atomic"
)

// smallCapacity is the size of a pooled small buffer. Headers that fit
// within it never touch the heap; anything larger is bigified.
const smallCapacity = 2 * 1024

// bigCeiling is the default ceiling for a big (heap) buffer.
const bigCeiling = 32 * 1024

// smallPool is held behind an atomic.Pointer rather than a bare
// sync.Pool variable: Drain swaps in a fresh pool while Get/Release/
// Bigify/Unbigify are concurrently loading it from every in-flight
// Pair goroutine, and a bare variable assignment under that access
// pattern is a data race, not just an approximation.
var smallPool atomic.Pointer[sync.Pool]

func newSmallPool() *sync.Pool {
	return &sync.Pool{
		New: func() any {
			b := make([]byte, smallCapacity)
			return &b
		},
	}
}

func init() {
	smallPool.Store(newSmallPool())
}

// Buffer is a growable byte buffer with an explicit consumed/unsent split.
// Bytes [0, offset) are consumed and may be overwritten; bytes
// [offset, len) are pending. The zero value is not usable; use Get.
type Buffer struct {
	data   []byte
	offset int
	length int
	pooled bool
}

// Get returns a small pooled buffer, empty (offset == len == 0).
func Get() *Buffer {
	p := smallPool.Load().Get().(*[]byte)
	return &Buffer{data: *p, pooled: true}
}

// GetBig returns a heap-allocated buffer at the default big ceiling,
// bypassing the small tier entirely. It is for callers that know up
// front they need room for a full-sized relay read (spec §4.2's "Big"
// tier), not for headers that only occasionally overflow a small
// buffer — those should call Get and Bigify on demand.
func GetBig() *Buffer {
	return &Buffer{data: make([]byte, bigCeiling)}
}

// Release returns a small buffer's backing storage to the current shared
// small pool; big buffers are left to the garbage collector. After
// Release the buffer must not be used.
func Release(b *Buffer) {
	if b == nil {
		return
	}
	if b.pooled && cap(b.data) == smallCapacity {
		d := b.data[:smallCapacity]
		smallPool.Load().Put(&d)
	}
	b.data = nil
	b.offset, b.length = 0, 0
}

// Bytes returns the pending slice [offset, len).
func (b *Buffer) Bytes() []byte { return b.data[b.offset:b.length] }

// Len reports the number of pending bytes.
func (b *Buffer) Len() int { return b.length - b.offset }

// Cap reports the buffer's current capacity.
func (b *Buffer) Cap() int { return cap(b.data) }

// Consume advances offset by n, n must be <= Len().
func (b *Buffer) Consume(n int) {
	if n < 0 || n > b.Len() {
		panic("bufpool: Consume out of range")
	}
	b.offset += n
	if b.offset == b.length {
		b.offset, b.length = 0, 0
	}
}

// Reset discards all pending bytes without releasing storage.
func (b *Buffer) Reset() { b.offset, b.length = 0, 0 }

// Tail returns the writable region [len, cap) for a direct read(2) style
// fill; its length is the number of bytes that can still be written.
func (b *Buffer) Tail() []byte { return b.data[b.length:] }

// Produced records that n bytes were written into Tail(); it is a
// programming error to produce more than len(Tail()).
func (b *Buffer) Produced(n int) {
	if n < 0 || b.length+n > cap(b.data) {
		panic("bufpool: Produced out of range")
	}
	b.length += n
}

// Append copies p onto the end of the buffer, bigifying first if needed.
func (b *Buffer) Append(p []byte) {
	if b.length+len(p) > cap(b.data) {
		Bigify(b, b.length+len(p))
	}
	b.length += copy(b.data[b.length:], p)
}

// Bigify reallocates b onto the heap with at least minCap capacity,
// preserving [offset, len) byte-identically, and releases any pooled
// storage it was using.
func Bigify(b *Buffer, minCap int) {
	if minCap < bigCeiling {
		minCap = bigCeiling
	}
	fresh := make([]byte, minCap)
	n := copy(fresh, b.data[b.offset:b.length])
	if b.pooled && cap(b.data) == smallCapacity {
		d := b.data[:smallCapacity]
		smallPool.Load().Put(&d)
	}
	b.data = fresh
	b.offset = 0
	b.length = n
	b.pooled = false
}

// Unbigify reallocates b back onto a pooled small buffer. It is only
// legal when the pending region fits within the small capacity; it is a
// no-op if b is already small.
func Unbigify(b *Buffer) {
	if b.pooled {
		return
	}
	if b.Len() > smallCapacity {
		panic("bufpool: Unbigify of oversized buffer")
	}
	p := smallPool.Load().Get().(*[]byte)
	n := copy(*p, b.data[b.offset:b.length])
	b.data = *p
	b.offset = 0
	b.length = n
	b.pooled = true
}

// NeedsBigify reports whether writing extra more bytes would overflow
// the buffer's current capacity, per the "bigify eagerly" policy.
func (b *Buffer) NeedsBigify(extra int) bool {
	return b.length+extra > cap(b.data)
}

// Pool exposes the drain operation used by the ACL reload path to
// reclaim pooled chunks wholesale.
type Pool struct{}

// Drain forces the shared small-buffer pool to release its chunks back
// to the runtime. It is best-effort: sync.Pool offers no guaranteed
// eviction, so this swaps in a fresh, empty pool and the old pool's
// idle chunks become unreachable; chunks already checked out by
// in-flight connections go into the fresh pool when they are released.
func (Pool) Drain() {
	smallPool.Store(newSmallPool())
}
