package proxyd

import (
	"context"
	"errors"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// ErrUnknownKey is returned by AuthResolver.Resolve for an unrecognized key.
var ErrUnknownKey = errors.New("unknown api key")

// UnlimitedRate marks a resolved user as having no per-minute cap.
const UnlimitedRate = 0

// ResolvedUser is what the external user/auth interface (spec.md §6)
// resolves an API key to.
type ResolvedUser struct {
	UserID        string
	PerMinuteRate uint64 // UnlimitedRate (0) means unlimited
}

// AuthResolver is the external collaborator interface. Implementations
// typically call out to a relational store; the core never owns one
// (spec.md §1 Out of scope).
type AuthResolver interface {
	Resolve(ctx context.Context, apiKey string) (ResolvedUser, error)
}

// CachingAuthResolver decorates an AuthResolver with a short-TTL cache, per
// spec.md §6 ("caches results with a short TTL, default 60s"). Built on
// hashicorp/golang-lru/v2's expirable cache rather than a hand-rolled
// map+mutex+ticker, the same library family the Response Cache (cache.go)
// uses. The Pending-Tx Index (pending_tx.go) is a plain sharded map instead.
type CachingAuthResolver struct {
	inner AuthResolver
	cache *lru.LRU[string, ResolvedUser]
}

func NewCachingAuthResolver(inner AuthResolver, ttl time.Duration, maxEntries int) *CachingAuthResolver {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	if maxEntries <= 0 {
		maxEntries = 10_000
	}
	return &CachingAuthResolver{
		inner: inner,
		cache: lru.NewLRU[string, ResolvedUser](maxEntries, nil, ttl),
	}
}

func (c *CachingAuthResolver) Resolve(ctx context.Context, apiKey string) (ResolvedUser, error) {
	if u, ok := c.cache.Get(apiKey); ok {
		return u, nil
	}
	u, err := c.inner.Resolve(ctx, apiKey)
	if err != nil {
		return ResolvedUser{}, err
	}
	c.cache.Add(apiKey, u)
	return u, nil
}

// StaticAuthResolver is the zero-dependency AuthResolver backed directly by
// Config.APIKeys (spec.md §6's external interface is a collaborator the
// core doesn't own; this is the fallback concrete implementation for
// deployments with no external user store of their own). NewDaemon wraps it
// in a CachingAuthResolver the same as it would any other implementation.
type StaticAuthResolver struct {
	users map[string]ResolvedUser
}

func NewStaticAuthResolver(keys map[string]AuthKeyConfig) *StaticAuthResolver {
	users := make(map[string]ResolvedUser, len(keys))
	for key, kc := range keys {
		users[key] = ResolvedUser{UserID: kc.UserID, PerMinuteRate: kc.PerMinuteRate}
	}
	return &StaticAuthResolver{users: users}
}

func (s *StaticAuthResolver) Resolve(_ context.Context, apiKey string) (ResolvedUser, error) {
	u, ok := s.users[apiKey]
	if !ok {
		return ResolvedUser{}, ErrUnknownKey
	}
	return u, nil
}
