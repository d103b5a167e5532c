package proxyd

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResponseCacheGetInsertRoundTrip(t *testing.T) {
	rc := NewResponseCache(1000, 0)
	key := CacheKey{HeadHash: "0xabc", Method: "eth_getBalance", Params: `["0x1","latest"]`}

	_, ok := rc.Get(key)
	require.False(t, ok)

	rc.InsertIfAbsent(key, []byte(`"0x10"`))
	body, ok := rc.Get(key)
	require.True(t, ok)
	require.Equal(t, `"0x10"`, string(body))
}

func TestResponseCacheInsertIfAbsentDoesNotOverwrite(t *testing.T) {
	rc := NewResponseCache(1000, 0)
	key := CacheKey{Method: "eth_chainId"}

	rc.InsertIfAbsent(key, []byte(`"0x1"`))
	rc.InsertIfAbsent(key, []byte(`"0x2"`))

	body, ok := rc.Get(key)
	require.True(t, ok)
	require.Equal(t, `"0x1"`, string(body))
}

func TestResponseCacheLargeBodyCompressedRoundTrip(t *testing.T) {
	rc := NewResponseCache(1000, 0)
	key := CacheKey{HeadHash: "0xabc", Method: "eth_getLogs", Params: "[]"}
	body := []byte(`"` + strings.Repeat("a", snappyThreshold*4) + `"`)

	rc.InsertIfAbsent(key, body)
	got, ok := rc.Get(key)
	require.True(t, ok)
	require.Equal(t, body, []byte(got))
}

func TestResponseCacheEvictsUnderByteBudget(t *testing.T) {
	rc := NewResponseCache(1000, 10)
	for i := 0; i < 5; i++ {
		key := CacheKey{Method: "m", Params: strings.Repeat("x", i+1)}
		rc.InsertIfAbsent(key, []byte(strings.Repeat("y", 20)))
	}
	require.Less(t, rc.Len(), 5)
}

func TestResponseCachePurgeByHeadHash(t *testing.T) {
	rc := NewResponseCache(1000, 0)
	kOld := CacheKey{HeadHash: "0xold", Method: "eth_getBalance", Params: "[]"}
	kNew := CacheKey{HeadHash: "0xnew", Method: "eth_getBalance", Params: "[]"}
	rc.InsertIfAbsent(kOld, []byte(`"1"`))
	rc.InsertIfAbsent(kNew, []byte(`"2"`))

	rc.Purge("0xold")

	_, ok := rc.Get(kOld)
	require.False(t, ok)
	_, ok = rc.Get(kNew)
	require.True(t, ok)
}
