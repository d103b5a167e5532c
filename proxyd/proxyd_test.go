package proxyd

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestSwapAndDiffShutsDownDroppedUpstreams proves the reload path identified
// in review no longer leaks: an upstream present before a reload but absent
// from the new membership set must be Shutdown, and an upstream kept across
// the reload must not be.
func TestSwapAndDiffShutsDownDroppedUpstreams(t *testing.T) {
	pool := NewPool(func() CanonicalHead { return CanonicalHead{} })

	kept := newTestUpstream("kept", &fakeTransport{}, 10)
	removed := newTestUpstream("removed", &fakeTransport{}, 10)
	pool.Swap([]*Upstream{kept, removed})

	replacement := newTestUpstream("kept", &fakeTransport{}, 10) // same id, new instance
	dropped := swapAndDiff(pool, []*Upstream{kept, replacement})
	require.Len(t, dropped, 1)
	require.Same(t, removed, dropped[0])

	shutdownDropped(dropped)
	require.Equal(t, stateClosed, removed.State())
	require.NotEqual(t, stateClosed, kept.State())

	members := pool.Members()
	require.Len(t, members, 2)
}

func TestSwapAndDiffNoDropsOnFirstBuild(t *testing.T) {
	pool := NewPool(func() CanonicalHead { return CanonicalHead{} })
	u := newTestUpstream("u1", &fakeTransport{}, 10)
	dropped := swapAndDiff(pool, []*Upstream{u})
	require.Empty(t, dropped)
}
