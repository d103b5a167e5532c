package proxyd

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

// fakeTransport is a stand-in transport (see transport.go) that returns a
// canned response or error without touching the network.
type fakeTransport struct {
	result json.RawMessage
	err    error
}

func (f *fakeTransport) call(ctx context.Context, req *RPCReq) (json.RawMessage, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *fakeTransport) close() error { return nil }

func newTestUpstream(id UpstreamId, t transport, softLimit uint32) *Upstream {
	return NewUpstream(UpstreamOpts{
		ID:          id,
		Transport:   t,
		SoftLimit:   softLimit,
		CallTimeout: time.Second,
		MaxHeadAge:  time.Minute,
	})
}

func TestPoolBestPrefersExactHeadMatch(t *testing.T) {
	canonical := BlockRef{Hash: common.HexToHash("0x01"), Number: 10}
	pool := NewPool(func() CanonicalHead { return CanonicalHead{Hash: canonical.Hash, Number: canonical.Number} })

	exact := newTestUpstream("exact", &fakeTransport{}, 10)
	exact.recordSuccess(canonical)
	behind := newTestUpstream("behind", &fakeTransport{}, 10)
	behind.recordSuccess(BlockRef{Hash: common.HexToHash("0x02"), Number: 9})

	pool.Swap([]*Upstream{exact, behind})

	best, err := pool.Best()
	require.NoError(t, err)
	require.Equal(t, UpstreamId("exact"), best.ID)
}

func TestPoolBestFallsBackWithinOneBlock(t *testing.T) {
	canonical := CanonicalHead{Hash: common.HexToHash("0x01"), Number: 10}
	pool := NewPool(func() CanonicalHead { return canonical })

	near := newTestUpstream("near", &fakeTransport{}, 10)
	near.recordSuccess(BlockRef{Hash: common.HexToHash("0x09"), Number: 9})

	pool.Swap([]*Upstream{near})

	best, err := pool.Best()
	require.NoError(t, err)
	require.Equal(t, UpstreamId("near"), best.ID)
}

func TestPoolBestReturnsErrWhenNoneMatch(t *testing.T) {
	canonical := CanonicalHead{Hash: common.HexToHash("0x01"), Number: 100}
	pool := NewPool(func() CanonicalHead { return canonical })

	far := newTestUpstream("far", &fakeTransport{}, 10)
	far.recordSuccess(BlockRef{Hash: common.HexToHash("0x02"), Number: 5})

	pool.Swap([]*Upstream{far})

	_, err := pool.Best()
	require.ErrorIs(t, err, ErrNoServersInternal)
}

func TestPoolBestPicksLowestLoad(t *testing.T) {
	canonical := CanonicalHead{Hash: common.HexToHash("0x01"), Number: 10}
	pool := NewPool(func() CanonicalHead { return canonical })

	busy := newTestUpstream("busy", &fakeTransport{}, 10)
	busy.recordSuccess(BlockRef{Hash: canonical.Hash, Number: canonical.Number})
	idle := newTestUpstream("idle", &fakeTransport{}, 10)
	idle.recordSuccess(BlockRef{Hash: canonical.Hash, Number: canonical.Number})

	// Simulate load on "busy" directly via its inflight counter.
	busy.inflight = 5

	pool.Swap([]*Upstream{busy, idle})

	best, err := pool.Best()
	require.NoError(t, err)
	require.Equal(t, UpstreamId("idle"), best.ID)
}

func TestPoolBroadcastReturnsFirstSuccess(t *testing.T) {
	canonical := CanonicalHead{}
	pool := NewPool(func() CanonicalHead { return canonical })

	ok := newTestUpstream("ok", &fakeTransport{result: json.RawMessage(`"0x1"`)}, 10)
	ok.recordSuccess(BlockRef{Hash: common.HexToHash("0x1"), Number: 1})
	failing := newTestUpstream("failing", &fakeTransport{err: ErrTimeout}, 10)
	failing.recordSuccess(BlockRef{Hash: common.HexToHash("0x1"), Number: 1})

	pool.Swap([]*Upstream{ok, failing})

	res, err := pool.Broadcast(context.Background(), &RPCReq{Method: "eth_chainId"})
	require.NoError(t, err)
	require.Equal(t, `"0x1"`, string(res))
}

func TestPoolBroadcastSurfacesMostSevereError(t *testing.T) {
	canonical := CanonicalHead{}
	pool := NewPool(func() CanonicalHead { return canonical })

	capacity := newTestUpstream("capacity", &fakeTransport{err: newCapacityErr(5)}, 0)
	capacity.recordSuccess(BlockRef{Hash: common.HexToHash("0x1"), Number: 1})
	upstreamErr := newTestUpstream("upstream-err", &fakeTransport{err: newUpstreamErr(3, "execution reverted", nil)}, 10)
	upstreamErr.recordSuccess(BlockRef{Hash: common.HexToHash("0x1"), Number: 1})

	pool.Swap([]*Upstream{capacity, upstreamErr})

	_, err := pool.Broadcast(context.Background(), &RPCReq{Method: "eth_call"})
	require.Error(t, err)
	require.Equal(t, KindUpstreamError, errSeverityKind(t, err))
}

// errSeverityKind extracts the Kind from an error returned by raceDispatch,
// tolerating either *RPCError or *ErrCapacity.
func errSeverityKind(t *testing.T, err error) Kind {
	t.Helper()
	if rpcErr, ok := err.(*RPCError); ok {
		return rpcErr.Kind
	}
	if capErr, ok := err.(*ErrCapacity); ok {
		return capErr.Kind
	}
	t.Fatalf("unexpected error type: %T", err)
	return KindTransport
}

func TestPoolNoServersWhenEmpty(t *testing.T) {
	pool := NewPool(func() CanonicalHead { return CanonicalHead{} })
	_, err := pool.Broadcast(context.Background(), &RPCReq{Method: "eth_chainId"})
	require.ErrorIs(t, err, ErrNoServersInternal)
}
