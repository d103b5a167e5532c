package proxyd

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func TestBlockRefHigher(t *testing.T) {
	a := BlockRef{Hash: common.HexToHash("0x01"), Number: 10}
	b := BlockRef{Hash: common.HexToHash("0x02"), Number: 11}
	require.True(t, b.higher(a))
	require.False(t, a.higher(b))
}

func TestBlockRefHigherTieBreak(t *testing.T) {
	a := BlockRef{Hash: common.HexToHash("0x01"), Number: 10}
	b := BlockRef{Hash: common.HexToHash("0x02"), Number: 10}
	// same number: lower hash wins, deterministically, regardless of argument order.
	require.True(t, a.higher(b))
	require.False(t, b.higher(a))
}

func TestBlockRefIsZero(t *testing.T) {
	require.True(t, BlockRef{}.IsZero())
	require.False(t, BlockRef{Hash: common.HexToHash("0x01")}.IsZero())
}

func TestCanonicalHeadIsZero(t *testing.T) {
	require.True(t, CanonicalHead{}.IsZero())
	require.False(t, CanonicalHead{Hash: common.HexToHash("0x01")}.IsZero())
}
