package bufpool

import (
	"bytes"
	"testing"
)

func TestAppendWithinSmallCapacity(t *testing.T) {
	b := Get()
	defer Release(b)

	b.Append([]byte("hello"))
	if got := string(b.Bytes()); got != "hello" {
		t.Fatalf("Bytes() = %q, want %q", got, "hello")
	}
	if b.Cap() != smallCapacity {
		t.Fatalf("Cap() = %d, want %d (should not have bigified)", b.Cap(), smallCapacity)
	}
}

func TestBigifyPreservesBytes(t *testing.T) {
	b := Get()
	defer Release(b)

	payload := bytes.Repeat([]byte{0xAB}, smallCapacity+128)
	b.Append(payload)

	if b.pooled {
		t.Fatalf("buffer should have bigified once payload exceeded small capacity")
	}
	if !bytes.Equal(b.Bytes(), payload) {
		t.Fatalf("bigify corrupted payload")
	}
}

func TestBigifyThenUnbigifyRoundTrips(t *testing.T) {
	b := Get()
	defer Release(b)

	b.Append([]byte("short payload"))
	before := append([]byte(nil), b.Bytes()...)

	Bigify(b, 4096)
	if !bytes.Equal(b.Bytes(), before) {
		t.Fatalf("Bigify changed bytes: got %q want %q", b.Bytes(), before)
	}

	Unbigify(b)
	if !b.pooled {
		t.Fatalf("Unbigify should restore a pooled buffer")
	}
	if !bytes.Equal(b.Bytes(), before) {
		t.Fatalf("Unbigify changed bytes: got %q want %q", b.Bytes(), before)
	}
}

func TestConsumeAdvancesOffset(t *testing.T) {
	b := Get()
	defer Release(b)

	b.Append([]byte("abcdef"))
	b.Consume(3)
	if got := string(b.Bytes()); got != "def" {
		t.Fatalf("Bytes() after Consume(3) = %q, want %q", got, "def")
	}

	b.Consume(3)
	if b.Len() != 0 {
		t.Fatalf("Len() = %d, want 0 after consuming everything", b.Len())
	}
}

func TestProducedFillsFromTail(t *testing.T) {
	b := Get()
	defer Release(b)

	n := copy(b.Tail(), []byte("xyz"))
	b.Produced(n)
	if got := string(b.Bytes()); got != "xyz" {
		t.Fatalf("Bytes() = %q, want %q", got, "xyz")
	}
}

func TestNeedsBigify(t *testing.T) {
	b := Get()
	defer Release(b)

	if b.NeedsBigify(smallCapacity - 1) {
		t.Fatalf("should not need bigify for a payload within capacity")
	}
	if !b.NeedsBigify(smallCapacity + 1) {
		t.Fatalf("should need bigify for a payload exceeding capacity")
	}
}
