package proxyd

import (
	"encoding/json"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func TestHeadTrackerStartupGateWithholdsUntilMinSynced(t *testing.T) {
	ht := NewHeadTracker(10, 2, nil)
	ref := BlockRef{Hash: common.HexToHash("0x01"), Number: 10}

	ht.OnUpstreamHead("a", ref, json.RawMessage(`{"number":"0xa"}`))
	require.True(t, ht.Current().IsZero(), "one report should not clear the startup gate when min is 2")

	ht.OnUpstreamHead("b", ref, json.RawMessage(`{"number":"0xa"}`))
	require.False(t, ht.Current().IsZero())
	require.Equal(t, ref.Hash, ht.Current().Hash)
	require.Equal(t, 2, ht.Current().MinConfirming)
}

func TestHeadTrackerMajorityVoteWins(t *testing.T) {
	ht := NewHeadTracker(10, 1, nil)
	majority := BlockRef{Hash: common.HexToHash("0x01"), Number: 10}
	minority := BlockRef{Hash: common.HexToHash("0x02"), Number: 10}

	ht.OnUpstreamHead("a", majority, json.RawMessage(`"a"`))
	ht.OnUpstreamHead("b", minority, json.RawMessage(`"b"`))
	ht.OnUpstreamHead("c", majority, json.RawMessage(`"c"`))

	require.Equal(t, majority.Hash, ht.Current().Hash)
	require.Equal(t, 2, ht.Current().MinConfirming)
}

func TestHeadTrackerReorgWithinDepthIsAccepted(t *testing.T) {
	ht := NewHeadTracker(10, 1, nil)
	first := BlockRef{Hash: common.HexToHash("0x01"), Number: 100}
	ht.OnUpstreamHead("a", first, json.RawMessage(`"first"`))
	require.Equal(t, first.Hash, ht.Current().Hash)

	reorg := BlockRef{Hash: common.HexToHash("0x02"), Number: 95}
	ht.OnUpstreamHead("a", reorg, json.RawMessage(`"reorg"`))
	require.Equal(t, reorg.Hash, ht.Current().Hash)
}

func TestHeadTrackerStaleBeyondReorgDepthDegrades(t *testing.T) {
	var degraded UpstreamId
	ht := NewHeadTracker(10, 1, func(id UpstreamId) { degraded = id })

	first := BlockRef{Hash: common.HexToHash("0x01"), Number: 100}
	ht.OnUpstreamHead("a", first, json.RawMessage(`"first"`))

	stale := BlockRef{Hash: common.HexToHash("0x03"), Number: 50}
	ht.OnUpstreamHead("b", stale, json.RawMessage(`"stale"`))

	require.Equal(t, UpstreamId("b"), degraded)
	require.Equal(t, first.Hash, ht.Current().Hash, "canonical head must not move for a degraded report")
}

func TestHeadTrackerWatchDeliversCurrentValueImmediately(t *testing.T) {
	ht := NewHeadTracker(10, 1, nil)
	ref := BlockRef{Hash: common.HexToHash("0x01"), Number: 1}
	ht.OnUpstreamHead("a", ref, json.RawMessage(`"a"`))

	ch := ht.Watch()
	event := <-ch
	require.Equal(t, ref.Hash, event.Head.Hash)

	ht.Unwatch(ch)
}

func TestHeadTrackerRawThreadsThroughBroadcast(t *testing.T) {
	ht := NewHeadTracker(10, 1, nil)
	ch := ht.Watch()

	ref := BlockRef{Hash: common.HexToHash("0x01"), Number: 1}
	raw := json.RawMessage(`{"hash":"0x01","number":"0x1"}`)
	ht.OnUpstreamHead("a", ref, raw)

	event := <-ch
	require.JSONEq(t, string(raw), string(event.Raw))
}
