package proxyd

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
)

type fakeTxFetcher struct {
	tx  *types.Transaction
	raw json.RawMessage
	err error
}

func (f *fakeTxFetcher) FetchTransaction(ctx context.Context, hash common.Hash) (*types.Transaction, json.RawMessage, error) {
	return f.tx, f.raw, f.err
}

func drainOne(t *testing.T, ch <-chan *subscriptionNotification) *subscriptionNotification {
	t.Helper()
	select {
	case n := <-ch:
		return n
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for notification")
		return nil
	}
}

func TestFanOutNewHeadsRelaysRawVerbatim(t *testing.T) {
	ht := NewHeadTracker(10, 1, nil)
	f := NewFanOut(ht, nil)
	defer f.Shutdown()

	sink := make(chan *subscriptionNotification, 4)
	id, cancel, _ := f.Subscribe(SubNewHeads, sink)
	defer cancel()
	require.NotEmpty(t, id)

	raw := json.RawMessage(`{"hash":"0x01","number":"0x1"}`)
	ht.OnUpstreamHead("u1", BlockRef{Hash: common.HexToHash("0x01"), Number: 1}, raw)

	n := drainOne(t, sink)
	require.Equal(t, id, n.Params.Subscription)
	require.JSONEq(t, string(raw), string(n.Params.Result))
}

func TestFanOutPendingTxPublishesHashNotConfirmed(t *testing.T) {
	ht := NewHeadTracker(10, 1, nil)
	f := NewFanOut(ht, nil)
	defer f.Shutdown()

	sink := make(chan *subscriptionNotification, 4)
	_, cancel, _ := f.Subscribe(SubNewPendingTransactions, sink)
	defer cancel()

	hash := common.HexToHash("0xabc")
	f.OnPendingTxTransition(PendingTxEntry{Hash: hash, State: TxPending})
	n := drainOne(t, sink)
	var got common.Hash
	require.NoError(t, json.Unmarshal(n.Params.Result, &got))
	require.Equal(t, hash, got)

	// Confirmed transitions are never published.
	f.OnPendingTxTransition(PendingTxEntry{Hash: hash, State: TxConfirmed})
	select {
	case <-sink:
		t.Fatal("confirmed transition must not be published")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFanOutCancelOnFullSink(t *testing.T) {
	ht := NewHeadTracker(10, 1, nil)
	f := NewFanOut(ht, nil)
	defer f.Shutdown()

	sink := make(chan *subscriptionNotification) // unbuffered: first publish blocks non-blocking send
	_, _, done := f.Subscribe(SubNewHeads, sink)

	raw := json.RawMessage(`{"hash":"0x01","number":"0x1"}`)
	ht.OnUpstreamHead("u1", BlockRef{Hash: common.HexToHash("0x01"), Number: 1}, raw)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected subscription to be cancelled after a full sink")
	}
}

func TestFanOutUnsubscribeClosesDone(t *testing.T) {
	ht := NewHeadTracker(10, 1, nil)
	f := NewFanOut(ht, nil)
	defer f.Shutdown()

	sink := make(chan *subscriptionNotification, 1)
	_, cancel, done := f.Subscribe(SubNewHeads, sink)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected done to close after explicit cancel")
	}
}
