package proxyd

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func TestUpstreamSendSuccessReportsHealthy(t *testing.T) {
	u := newTestUpstream("u1", &fakeTransport{result: json.RawMessage(`"0x1"`)}, 10)
	require.Equal(t, stateConnecting, u.State())

	_, err := u.Send(context.Background(), &RPCReq{Method: "eth_chainId"})
	require.NoError(t, err)

	// A plain Send success with no head report does not itself flip the
	// state to Healthy: only a head observation does (spec.md §4.1).
	require.Equal(t, stateConnecting, u.State())

	u.recordSuccess(BlockRef{Hash: common.HexToHash("0x1"), Number: 1})
	require.Equal(t, stateHealthy, u.State())
}

func TestUpstreamDegradesAfterConsecutiveErrors(t *testing.T) {
	u := newTestUpstream("u1", &fakeTransport{err: ErrTimeout}, 10)
	u.recordSuccess(BlockRef{Hash: common.HexToHash("0x1"), Number: 1})
	require.Equal(t, stateHealthy, u.State())

	for i := 0; i < 3; i++ {
		_, _ = u.Send(context.Background(), &RPCReq{Method: "eth_chainId"})
	}
	require.Equal(t, stateDegraded, u.State())
}

func TestUpstreamUpstreamErrorIsNotProxyFailure(t *testing.T) {
	u := newTestUpstream("u1", &fakeTransport{err: newUpstreamErr(3, "execution reverted", nil)}, 10)
	u.recordSuccess(BlockRef{Hash: common.HexToHash("0x1"), Number: 1})

	_, err := u.Send(context.Background(), &RPCReq{Method: "eth_call"})
	require.Error(t, err)
	require.Equal(t, stateHealthy, u.State(), "an upstream-level JSON-RPC error must not degrade health")
}

func TestUpstreamHardLimitRejectsOverCapacity(t *testing.T) {
	hard := uint32(0)
	u := NewUpstream(UpstreamOpts{
		ID:          "u1",
		Transport:   &fakeTransport{result: json.RawMessage(`"0x1"`)},
		SoftLimit:   10,
		HardLimit:   &hard,
		CallTimeout: time.Second,
		MaxHeadAge:  time.Minute,
	})

	_, err := u.Send(context.Background(), &RPCReq{Method: "eth_chainId"})
	require.Error(t, err)
	var capErr *ErrCapacity
	require.ErrorAs(t, err, &capErr)
}

func TestUpstreamClosedRejectsSend(t *testing.T) {
	u := newTestUpstream("u1", &fakeTransport{result: json.RawMessage(`"0x1"`)}, 10)
	u.Shutdown()

	_, err := u.Send(context.Background(), &RPCReq{Method: "eth_chainId"})
	require.ErrorIs(t, err, ErrCanceled)
}

func TestUpstreamOnHeadPushForwardsToCallback(t *testing.T) {
	var gotID UpstreamId
	var gotRef BlockRef
	var gotRaw json.RawMessage

	u := NewUpstream(UpstreamOpts{
		ID:          "u1",
		Transport:   &fakeTransport{},
		SoftLimit:   10,
		CallTimeout: time.Second,
		MaxHeadAge:  time.Minute,
		OnHead: func(id UpstreamId, ref BlockRef, raw json.RawMessage) {
			gotID, gotRef, gotRaw = id, ref, raw
		},
	})

	ref := BlockRef{Hash: common.HexToHash("0x01"), Number: 5}
	raw := json.RawMessage(`{"number":"0x5"}`)
	u.onHeadPush(ref, raw)

	require.Equal(t, UpstreamId("u1"), gotID)
	require.Equal(t, ref, gotRef)
	require.JSONEq(t, string(raw), string(gotRaw))
	require.Equal(t, stateHealthy, u.State())
}
