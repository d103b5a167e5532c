package proxyd

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
)

// ErrNoServersInternal is returned by Pool.best/Pool.all callers as a
// sentinel; the Router translates it into ErrNoServers.
var ErrNoServersInternal = errors.New("no healthy servers available")

// snapshot is an immutable view of pool membership. Readers hold a
// reference to one snapshot for the duration of a dispatch; membership
// swaps never mutate a snapshot in place (spec.md §4.2).
type snapshot struct {
	members []*Upstream
	byID    map[UpstreamId]*Upstream
}

func newSnapshot(members []*Upstream) *snapshot {
	byID := make(map[UpstreamId]*Upstream, len(members))
	for _, m := range members {
		byID[m.ID] = m
	}
	return &snapshot{members: members, byID: byID}
}

// Pool holds a current set of Upstreams and offers the two selection
// primitives of spec.md §4.2. Membership is swapped atomically; readers
// never block writers during a swap.
type Pool struct {
	current atomic.Pointer[snapshot]
	headFn  func() CanonicalHead
}

func NewPool(headFn func() CanonicalHead) *Pool {
	p := &Pool{headFn: headFn}
	p.current.Store(newSnapshot(nil))
	return p
}

// Swap atomically replaces pool membership. Upstreams removed from the new
// set are shut down by the caller, not by the Pool. Swap does not track
// readers: a dispatch that loaded the previous snapshot may still be using
// one of its upstreams when Swap returns, and Swap does not wait for it.
func (p *Pool) Swap(members []*Upstream) {
	p.current.Store(newSnapshot(members))
}

func (p *Pool) snap() *snapshot {
	return p.current.Load()
}

// Get returns a specific upstream by id from the current snapshot, used by
// broadcast-style dispatch that must address a named private upstream.
func (p *Pool) Get(id UpstreamId) (*Upstream, bool) {
	s := p.snap()
	u, ok := s.byID[id]
	return u, ok
}

// Members returns every upstream in the current snapshot regardless of
// health, used by the daemon to start subscriptions and to diff membership
// on reload.
func (p *Pool) Members() []*Upstream {
	return p.snap().members
}

// Best implements spec.md §4.2's best(): among Healthy upstreams whose head
// equals the canonical head, the lowest inflight/softLimit ratio wins;
// ties broken by softLimit descending then id ascending. If none matches
// canonical exactly, downgrade to any Healthy upstream within one block of
// canonical. Otherwise ErrNoServersInternal.
func (p *Pool) Best() (*Upstream, error) {
	return p.BestExcluding(nil)
}

// BestExcluding is Best() restricted to upstreams not named in excluded,
// used by the Router's bounded TRANSPORT-error retry loop (spec.md §7) so a
// retry never lands back on an upstream that already failed this request.
func (p *Pool) BestExcluding(excluded map[UpstreamId]struct{}) (*Upstream, error) {
	s := p.snap()
	head := p.headFn()

	notExcluded := func(u *Upstream) bool {
		_, skip := excluded[u.ID]
		return !skip
	}

	exact := healthyMatching(s.members, func(u *Upstream) bool {
		if !notExcluded(u) {
			return false
		}
		ref, ok := u.Head()
		return ok && ref.Hash == head.Hash
	})
	if best := pickLowestLoad(exact); best != nil {
		return best, nil
	}

	near := healthyMatching(s.members, func(u *Upstream) bool {
		if !notExcluded(u) {
			return false
		}
		ref, ok := u.Head()
		if !ok {
			return false
		}
		diff := int64(ref.Number) - int64(head.Number)
		return diff >= -1 && diff <= 1
	})
	if best := pickLowestLoad(near); best != nil {
		return best, nil
	}

	return nil, ErrNoServersInternal
}

// All returns every Healthy upstream, for broadcast() (spec.md §4.2).
func (p *Pool) All() []*Upstream {
	return healthyMatching(p.snap().members, func(*Upstream) bool { return true })
}

func healthyMatching(members []*Upstream, pred func(*Upstream) bool) []*Upstream {
	out := make([]*Upstream, 0, len(members))
	for _, u := range members {
		if u.State() != stateHealthy {
			continue
		}
		if pred(u) {
			out = append(out, u)
		}
	}
	return out
}

func pickLowestLoad(candidates []*Upstream) *Upstream {
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		loadA := float64(a.InflightCount()) / float64(a.SoftLimit())
		loadB := float64(b.InflightCount()) / float64(b.SoftLimit())
		if loadA != loadB {
			return loadA < loadB
		}
		if a.SoftLimit() != b.SoftLimit() {
			return a.SoftLimit() > b.SoftLimit()
		}
		return a.ID < b.ID
	})
	return candidates[0]
}

// Broadcast dispatches req to every Healthy upstream in parallel and
// returns the first success; on all-failure it returns the most severe
// error, per spec.md §4.2's CAPACITY < TRANSPORT < UPSTREAM_ERROR ordering.
func (p *Pool) Broadcast(ctx context.Context, req *RPCReq) ([]byte, error) {
	targets := p.All()
	if len(targets) == 0 {
		return nil, ErrNoServersInternal
	}
	return raceDispatch(ctx, targets, req)
}

// BroadcastTo dispatches req in parallel to exactly the named upstreams
// that are in the current snapshot, whatever their health, and returns the
// first success, or the most severe error if all fail, like Broadcast. It
// returns as soon as one send succeeds; it does not wait for the sends to
// the other upstreams to finish.
func (p *Pool) BroadcastTo(ctx context.Context, ids []UpstreamId, req *RPCReq) ([]byte, error) {
	targets := make([]*Upstream, 0, len(ids))
	for _, id := range ids {
		if u, ok := p.Get(id); ok {
			targets = append(targets, u)
		}
	}
	if len(targets) == 0 {
		return nil, ErrNoServersInternal
	}
	return raceDispatch(ctx, targets, req)
}

func raceDispatch(ctx context.Context, targets []*Upstream, req *RPCReq) ([]byte, error) {
	type outcome struct {
		res []byte
		err error
	}
	results := make(chan outcome, len(targets))
	var wg sync.WaitGroup
	for _, u := range targets {
		wg.Add(1)
		go func(u *Upstream) {
			defer wg.Done()
			res, err := u.Send(ctx, req)
			results <- outcome{res: res, err: err}
		}(u)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	var worst error
	var worstSeverity = -1
	for o := range results {
		if o.err == nil {
			return o.res, nil
		}
		sev := errSeverity(o.err)
		if sev > worstSeverity {
			worstSeverity = sev
			worst = o.err
		}
	}
	if worst == nil {
		worst = ErrNoServersInternal
	}
	return nil, worst
}

func errSeverity(err error) int {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr.Kind.severity()
	}
	var capErr *ErrCapacity
	if errors.As(err, &capErr) {
		return capErr.Kind.severity()
	}
	return 1
}

// ShutdownAll gracefully shuts down every upstream currently in the pool.
func (p *Pool) ShutdownAll() {
	var wg sync.WaitGroup
	for _, u := range p.snap().members {
		wg.Add(1)
		go func(u *Upstream) {
			defer wg.Done()
			u.Shutdown()
		}(u)
	}
	wg.Wait()
}
