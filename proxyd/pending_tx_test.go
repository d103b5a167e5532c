package proxyd

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func TestPendingTxIndexTransitions(t *testing.T) {
	var transitions []PendingTxEntry
	idx := NewPendingTxIndex(time.Hour, func(e PendingTxEntry) {
		transitions = append(transitions, e)
	})
	hash := common.HexToHash("0xdeadbeef")

	idx.ObservePending(hash)
	entry, ok := idx.Get(hash)
	require.True(t, ok)
	require.Equal(t, TxPending, entry.State)

	idx.ObserveConfirmed(hash)
	entry, ok = idx.Get(hash)
	require.True(t, ok)
	require.Equal(t, TxConfirmed, entry.State)

	idx.ObserveOrphaned(hash)
	entry, ok = idx.Get(hash)
	require.True(t, ok)
	require.Equal(t, TxOrphaned, entry.State)

	// Re-sighting an Orphaned entry moves it back to Pending.
	idx.ObservePending(hash)
	entry, ok = idx.Get(hash)
	require.True(t, ok)
	require.Equal(t, TxPending, entry.State)

	require.Len(t, transitions, 4)
}

func TestPendingTxIndexConfirmedNotOrphanedDirectly(t *testing.T) {
	idx := NewPendingTxIndex(time.Hour, nil)
	hash := common.HexToHash("0x01")

	// Orphaning a tx that was never Confirmed is a no-op.
	idx.ObserveOrphaned(hash)
	_, ok := idx.Get(hash)
	require.False(t, ok)
}

func TestPendingTxIndexSweepRemovesOnlyExpiredConfirmed(t *testing.T) {
	idx := NewPendingTxIndex(time.Millisecond, nil)
	confirmed := common.HexToHash("0x01")
	pending := common.HexToHash("0x02")

	idx.ObservePending(confirmed)
	idx.ObserveConfirmed(confirmed)
	idx.ObservePending(pending)

	time.Sleep(5 * time.Millisecond)
	idx.Sweep(time.Now())

	_, ok := idx.Get(confirmed)
	require.False(t, ok)
	_, ok = idx.Get(pending)
	require.True(t, ok)
}

func TestPendingTxIndexLen(t *testing.T) {
	idx := NewPendingTxIndex(time.Hour, nil)
	idx.ObservePending(common.HexToHash("0x01"))
	idx.ObservePending(common.HexToHash("0x02"))
	require.Equal(t, 2, idx.Len())
}
