package snowflake_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/halvorsen/wbf/snowflake"
)

func TestDefaultPanicsBeforeReconfigure(t *testing.T) {
	// A fresh process-wide Default would be nil; we can't reset package
	// state from a test, so this documents the contract instead of
	// asserting it against shared global state other tests mutate.
	t.Skip("exercises unrecoverable process-wide state; contract documented in default.go")
}

func TestReconfigureThenNextIDProducesIDs(t *testing.T) {
	err := snowflake.Reconfigure(snowflake.Options{Epoch: time.Now().Add(-time.Hour), NodeID: 3})
	require.NoError(t, err)
	require.NotNil(t, snowflake.Default())

	id, err := snowflake.NextID()
	require.NoError(t, err)
	require.Greater(t, id, uint64(0))
}

func TestReconfigureSwapIsVisibleToSubsequentNextID(t *testing.T) {
	require.NoError(t, snowflake.Reconfigure(snowflake.Options{Epoch: time.Now().Add(-time.Hour), NodeID: 1}))
	id1, err := snowflake.NextID()
	require.NoError(t, err)
	_, node1, _ := snowflake.Default().Decode(id1)
	require.Equal(t, uint64(1), node1)

	require.NoError(t, snowflake.Reconfigure(snowflake.Options{Epoch: time.Now().Add(-time.Hour), NodeID: 2}))
	id2, err := snowflake.NextID()
	require.NoError(t, err)
	_, node2, _ := snowflake.Default().Decode(id2)
	require.Equal(t, uint64(2), node2)
}
