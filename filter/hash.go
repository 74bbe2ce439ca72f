package filter

import (
	"math/bits"

	"github.com/klauspost/cpuid/v2"
	"github.com/zeebo/xxh3"
)

// accelerated reports whether the 2-at-a-time unrolled position-derivation
// loop should be used. It is evaluated once at package init, the same way
// jcalabro/gloom gates its cache-line-blocked hot path on the target's
// capabilities rather than re-checking per call. The scalar and accelerated
// loops are required to be bit-identical; accelerated is purely a
// throughput choice.
var accelerated = cpuid.CPU.Supports(cpuid.SSE2)

// hash64 returns the single 64-bit hash xxh3 derives for item, seeded by the
// filter's configured seed. Every probe for this item is derived from this
// one value via the Kirsch–Mitzenmacher derivation.
func hash64(item []byte, seed uint64) uint64 {
	return xxh3.HashSeed(item, seed)
}

// splitHash derives the two independent 64-bit values the Kirsch–Mitzenmacher
// scheme combines: h1 is the raw hash, h2 is h1 with its high and low 32-bit
// halves swapped (a 32-bit rotation of a 64-bit word).
func splitHash(h uint64) (h1, h2 uint64) {
	return h, bits.RotateLeft64(h, 32)
}

// position computes bit position i (of k) for the pair (h1, h2) against a
// filter of size m bits, using the fast-mod-by-multiply trick: the high
// 64 bits of the 128-bit product (h1+i*h2)*m is uniformly distributed over
// [0, m) the same way a modulo would be, without a division.
func position(h1, h2 uint64, i uint64, m uint64) uint64 {
	combined := h1 + i*h2
	hi, _ := bits.Mul64(combined, m)
	return hi
}

// forEachPosition calls visit(p) for each of the k bit positions derived
// from item under the given configuration, in canonical order
// (i = 0..k-1). It dispatches to the accelerated (2-at-a-time) or scalar
// loop; both produce identical positions in identical order.
func forEachPosition(item []byte, cfg Config, visit func(pos uint64)) {
	h := hash64(item, cfg.Seed)
	h1, h2 := splitHash(h)
	k := uint64(cfg.K)
	m := cfg.M

	if accelerated {
		forEachPositionUnrolled(h1, h2, k, m, visit)
		return
	}
	for i := uint64(0); i < k; i++ {
		visit(position(h1, h2, i, m))
	}
}

// forEachPositionUnrolled is the scalar loop's 2-at-a-time counterpart: the
// canonical sequence is (h1+i*h2) mod m for i in 0..k, computed two values
// per iteration. It must produce bit-identical output to the scalar loop.
func forEachPositionUnrolled(h1, h2, k, m uint64, visit func(pos uint64)) {
	i := uint64(0)
	for ; i+1 < k; i += 2 {
		visit(position(h1, h2, i, m))
		visit(position(h1, h2, i+1, m))
	}
	for ; i < k; i++ {
		visit(position(h1, h2, i, m))
	}
}
