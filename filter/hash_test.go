package filter

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestForEachPositionScalarAndAcceleratedAgree(t *testing.T) {
	cfg, err := NewConfig("x", 5000, 0.01, 99, 1)
	require.NoError(t, err)

	items := [][]byte{[]byte("alpha"), []byte("beta"), []byte(""), []byte("a very long item used to test many-word hashing paths consistently")}
	for _, item := range items {
		h := hash64(item, cfg.Seed)
		h1, h2 := splitHash(h)

		var scalar []uint64
		for i := uint64(0); i < uint64(cfg.K); i++ {
			scalar = append(scalar, position(h1, h2, i, cfg.M))
		}

		var unrolled []uint64
		forEachPositionUnrolled(h1, h2, uint64(cfg.K), cfg.M, func(pos uint64) {
			unrolled = append(unrolled, pos)
		})

		require.Equal(t, scalar, unrolled)
	}
}

func TestForEachPositionDeterministicAcrossCalls(t *testing.T) {
	cfg, err := NewConfig("x", 1000, 0.01, 5, 1)
	require.NoError(t, err)

	var first, second []uint64
	forEachPosition([]byte("repeatable"), cfg, func(pos uint64) { first = append(first, pos) })
	forEachPosition([]byte("repeatable"), cfg, func(pos uint64) { second = append(second, pos) })
	require.Equal(t, first, second)
}

func TestPositionsWithinBounds(t *testing.T) {
	cfg, err := NewConfig("x", 1000, 0.01, 1, 1)
	require.NoError(t, err)

	forEachPosition([]byte("bounded"), cfg, func(pos uint64) {
		require.Less(t, pos, cfg.M)
	})
}
