// Package bitset implements a fixed-length, atomically-accessed bit array
// backed by 64-bit words. It is the leaf primitive of the bloom filter
// engine: every membership test and every persisted blob ultimately reads or
// writes through a Set.
package bitset

import (
	"fmt"
	"io"
	"math/bits"
	"sync/atomic"
	"unsafe"

	"github.com/zeebo/xxh3"
)

// cacheLineSize is the size of a CPU cache line in bytes, used to keep the
// backing word slice aligned the same way jcalabro/gloom aligns its block
// storage.
const cacheLineSize = 64

// Set is a fixed-length array of bits, indexed [0, Len). It is safe for
// concurrent Set/Get from multiple goroutines without external locking;
// bulk operations (PopCount, Checksum, WriteTo, ReadFrom) require the caller
// to hold whatever exclusivity their use case needs (see filter.Memory).
type Set struct {
	raw   []byte // keeps the aligned allocation alive for the GC
	words []uint64
	nbits uint64
}

// New allocates a Set large enough to hold nbits bits, all initially zero.
func New(nbits uint64) *Set {
	if nbits == 0 {
		nbits = 1
	}
	nwords := (nbits + 63) / 64
	raw, words := makeAlignedUint64Slice(int(nwords))
	return &Set{raw: raw, words: words, nbits: nbits}
}

// makeAlignedUint64Slice allocates a cache-line aligned slice of uint64,
// the same trick jcalabro/gloom uses in makeAlignedUint64Slice.
func makeAlignedUint64Slice(n int) ([]byte, []uint64) {
	if n == 0 {
		n = 1
	}
	raw := make([]byte, n*8+cacheLineSize-1)
	addr := uintptr(unsafe.Pointer(&raw[0]))
	offset := (cacheLineSize - int(addr%cacheLineSize)) % cacheLineSize
	aligned := unsafe.Slice((*uint64)(unsafe.Pointer(&raw[offset])), n)
	return raw, aligned
}

// Len returns the number of addressable bits.
func (s *Set) Len() uint64 { return s.nbits }

// activeBytes returns the number of bytes that hold real (non-padding) bits.
func (s *Set) activeBytes() uint64 { return (s.nbits + 7) / 8 }

func wordBit(i uint64) (word uint64, mask uint64) {
	return i / 64, uint64(1) << (i % 64)
}

// Set unconditionally sets bit i to 1.
func (s *Set) Set(i uint64) {
	w, mask := wordBit(i)
	p := (*atomic.Uint64)(unsafe.Pointer(&s.words[w]))
	p.Or(mask)
}

// Get returns whether bit i is set. It uses a volatile (atomic) load so it
// is safe to race against concurrent Set/SetIfUnset calls.
func (s *Set) Get(i uint64) bool {
	w, mask := wordBit(i)
	p := (*atomic.Uint64)(unsafe.Pointer(&s.words[w]))
	return p.Load()&mask != 0
}

// SetIfUnset atomically sets bit i and reports whether the bit actually
// flipped from 0 to 1. It is implemented as a fetch-or: the bit "changed"
// iff it was unset in the value observed immediately before the OR took
// effect.
func (s *Set) SetIfUnset(i uint64) bool {
	w, mask := wordBit(i)
	p := (*atomic.Uint64)(unsafe.Pointer(&s.words[w]))
	prev := p.Or(mask)
	return prev&mask == 0
}

// PopCount returns the number of set bits across the active word prefix.
// The final word is masked to its live bits, so padding bits beyond Len
// never contribute to the count.
func (s *Set) PopCount() uint64 {
	var n uint64
	full := s.nbits / 64
	var i uint64
	for ; i < full; i++ {
		n += uint64(bits.OnesCount64(atomic.LoadUint64(&s.words[i])))
	}
	if rem := s.nbits % 64; rem != 0 {
		tail := atomic.LoadUint64(&s.words[i])
		tail &= (uint64(1) << rem) - 1
		n += uint64(bits.OnesCount64(tail))
	}
	return n
}

// activePrefixBytes returns a byte view of the active prefix (ceil(Len/8)
// bytes) aliased directly over the word storage — no copy. Bits beyond Len
// are never written by Set/SetIfUnset, so the tail is guaranteed zero
// without masking (the one place that can't rely on this is ReadFrom, which
// masks explicitly after loading external bytes of unknown provenance).
func (s *Set) activePrefixBytes() []byte {
	nbytes := int(s.activeBytes())
	byteView := unsafe.Slice((*byte)(unsafe.Pointer(&s.words[0])), len(s.words)*8)
	return byteView[:nbytes]
}

// Checksum computes a 64-bit XXH3 hash over the active byte prefix
// (ceil(Len/8) bytes), ignoring any padding bits in the final byte.
func (s *Set) Checksum() uint64 {
	return xxh3.Hash(s.activePrefixBytes())
}

// WriteTo writes exactly the active byte prefix to dst without allocating a
// copy of the bulk of the buffer (it aliases the word storage as bytes).
// It implements io.WriterTo.
func (s *Set) WriteTo(dst io.Writer) (int64, error) {
	buf := s.activePrefixBytes()
	n, err := dst.Write(buf)
	return int64(n), err
}

// ReadFrom fills the active byte prefix from src, reading until exactly
// that many bytes have been consumed or src returns an error (including
// io.EOF, if fewer bytes were available than required). It returns the
// checksum of what was read and the number of bytes consumed.
func (s *Set) ReadFrom(src io.Reader) (n int64, checksum uint64, err error) {
	nbytes := int(s.activeBytes())
	byteView := unsafe.Slice((*byte)(unsafe.Pointer(&s.words[0])), len(s.words)*8)
	dst := byteView[:nbytes]

	read := 0
	for read < nbytes {
		m, rerr := src.Read(dst[read:])
		read += m
		if rerr != nil {
			if rerr == io.EOF && read == nbytes {
				break
			}
			return int64(read), 0, fmt.Errorf("bitset: read %d/%d bytes: %w", read, nbytes, rerr)
		}
		if m == 0 {
			return int64(read), 0, fmt.Errorf("bitset: short read %d/%d bytes", read, nbytes)
		}
	}

	if rem := s.nbits % 8; rem != 0 {
		dst[nbytes-1] &= byte(1<<rem) - 1
	}

	return int64(read), s.Checksum(), nil
}
