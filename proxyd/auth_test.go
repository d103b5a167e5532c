package proxyd

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStaticAuthResolverResolvesConfiguredKey(t *testing.T) {
	r := NewStaticAuthResolver(map[string]AuthKeyConfig{
		"key-a": {UserID: "alice", PerMinuteRate: 100},
	})
	u, err := r.Resolve(context.Background(), "key-a")
	require.NoError(t, err)
	require.Equal(t, ResolvedUser{UserID: "alice", PerMinuteRate: 100}, u)
}

func TestStaticAuthResolverUnknownKey(t *testing.T) {
	r := NewStaticAuthResolver(map[string]AuthKeyConfig{"key-a": {UserID: "alice"}})
	_, err := r.Resolve(context.Background(), "nope")
	require.ErrorIs(t, err, ErrUnknownKey)
}

// countingAuthResolver counts calls to Resolve, to prove CachingAuthResolver
// actually avoids calling through on a cache hit.
type countingAuthResolver struct {
	calls int
	user  ResolvedUser
	err   error
}

func (c *countingAuthResolver) Resolve(context.Context, string) (ResolvedUser, error) {
	c.calls++
	return c.user, c.err
}

func TestCachingAuthResolverServesRepeatLookupsFromCache(t *testing.T) {
	inner := &countingAuthResolver{user: ResolvedUser{UserID: "bob", PerMinuteRate: 50}}
	c := NewCachingAuthResolver(inner, time.Minute, 10)

	for i := 0; i < 5; i++ {
		u, err := c.Resolve(context.Background(), "key-b")
		require.NoError(t, err)
		require.Equal(t, inner.user, u)
	}
	require.Equal(t, 1, inner.calls)
}

func TestCachingAuthResolverDoesNotCacheErrors(t *testing.T) {
	inner := &countingAuthResolver{err: ErrUnknownKey}
	c := NewCachingAuthResolver(inner, time.Minute, 10)

	_, err := c.Resolve(context.Background(), "missing")
	require.True(t, errors.Is(err, ErrUnknownKey))
	_, err = c.Resolve(context.Background(), "missing")
	require.True(t, errors.Is(err, ErrUnknownKey))
	require.Equal(t, 2, inner.calls, "a failed resolve must not poison the cache for the next lookup")
}
