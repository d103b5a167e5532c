package proxyd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"
)

// Router implements spec.md §4.4: method classification, the single-flight
// + cache protocol for cacheable methods, and batch fan-out. It never
// returns a transport-level error to its caller — every failure is mapped
// to a JSON-RPC error response, with the originating *RPCError kept
// alongside so the HTTP frontend (server.go) can pick a status code.
type Router struct {
	log log.Logger

	balanced *Pool
	private  *Pool // nil if no private_rpcs configured; private-send then falls back to balanced

	heads     *HeadTracker
	cache     *ResponseCache
	pendingTx *PendingTxIndex

	chainID         uint64
	requestTimeout  time.Duration
	upstreamRetries int

	sf      singleflight.Group
	metrics *MetricsRegistry
}

// SetMetrics wires a MetricsRegistry into the Router. Left unset, all
// instrumentation calls are no-ops (nil check at each call site).
func (r *Router) SetMetrics(m *MetricsRegistry) { r.metrics = m }

func NewRouter(balanced, private *Pool, heads *HeadTracker, cache *ResponseCache, pendingTx *PendingTxIndex, chainID uint64, requestTimeout time.Duration, upstreamRetries int) *Router {
	if upstreamRetries < 1 {
		upstreamRetries = 1
	}
	return &Router{
		log:             log.New("component", "router"),
		balanced:        balanced,
		private:         private,
		heads:           heads,
		cache:           cache,
		pendingTx:       pendingTx,
		chainID:         chainID,
		requestTimeout:  requestTimeout,
		upstreamRetries: upstreamRetries,
	}
}

// Route dispatches a single JSON-RPC request. The returned *RPCError is nil
// on success; it is also folded into res.Error already, so callers that
// only want the wire response can ignore it.
func (r *Router) Route(ctx context.Context, req *RPCReq) (*RPCRes, *RPCError) {
	ctx, cancel := context.WithTimeout(ctx, r.requestTimeout)
	defer cancel()

	if r.metrics != nil {
		timer := prometheus.NewTimer(r.metrics.RequestDuration.WithLabelValues(req.Method))
		defer timer.ObserveDuration()
	}

	class := classify(req.Method)
	if class == classForbidden {
		r.observe(req.Method, ErrUnsupported.Kind.String())
		return errorResponse(req.ID, ErrUnsupported), ErrUnsupported
	}
	if class == classHeadDependent && !r.heads.Synced() {
		r.observe(req.Method, ErrNotSynced.Kind.String())
		return errorResponse(req.ID, ErrNotSynced), ErrNotSynced
	}

	var (
		res []byte
		err error
	)
	if class.cacheable() {
		res, err = r.routeCacheable(ctx, class, req)
	} else {
		res, err = r.dispatch(ctx, class, req)
	}
	if err != nil {
		rpcErr := toRPCError(err)
		r.observe(req.Method, rpcErr.Kind.String())
		return errorResponse(req.ID, rpcErr), rpcErr
	}
	r.observe(req.Method, "success")
	return successResponse(req.ID, res), nil
}

func (r *Router) observe(method, label string) {
	if r.metrics == nil {
		return
	}
	r.metrics.RequestsTotal.WithLabelValues(method, label).Inc()
}

// RouteBatch splits a batch into its constituent requests, routes each
// independently and concurrently, and assembles responses in the original
// order (spec.md §4.4).
func (r *Router) RouteBatch(ctx context.Context, reqs []*RPCReq) []*RPCRes {
	out := make([]*RPCRes, len(reqs))
	var wg sync.WaitGroup
	for i, req := range reqs {
		wg.Add(1)
		go func(i int, req *RPCReq) {
			defer wg.Done()
			res, _ := r.Route(ctx, req)
			out[i] = res
		}(i, req)
	}
	wg.Wait()
	return out
}

// routeCacheable implements steps 1-6 of spec.md §4.4's protocol. Cache
// lookups and the singleflight.Group.Do call together give: lookup, attach
// to an in-flight dispatch if one exists, otherwise become that dispatch.
func (r *Router) routeCacheable(ctx context.Context, class methodClass, req *RPCReq) ([]byte, error) {
	params, err := canonicalizeParams(req.Params)
	if err != nil {
		return nil, ErrInvalidReq
	}

	var headHash string
	if class == classHeadDependent {
		headHash = r.heads.Current().Hash.Hex()
	}
	key := CacheKey{HeadHash: headHash, Method: req.Method, Params: params}

	if body, ok := r.cache.Get(key); ok {
		if r.metrics != nil {
			r.metrics.CacheHits.Inc()
		}
		return body, nil
	}
	if r.metrics != nil {
		r.metrics.CacheMisses.Inc()
	}

	sfKey := key.HeadHash + "\x00" + key.Method + "\x00" + key.Params
	v, err, shared := r.sf.Do(sfKey, func() (interface{}, error) {
		// Re-check: another caller may have populated the cache between
		// this goroutine's miss above and winning (or attaching to) the
		// singleflight call.
		if body, ok := r.cache.Get(key); ok {
			return json.RawMessage(body), nil
		}
		res, err := r.dispatch(ctx, class, req)
		if err != nil {
			return nil, err
		}
		r.cache.InsertIfAbsent(key, res)
		return json.RawMessage(res), nil
	})
	if shared && r.metrics != nil {
		r.metrics.SingleflightJoin.Inc()
	}
	if err != nil {
		return nil, err
	}
	return v.(json.RawMessage), nil
}

func (r *Router) dispatch(ctx context.Context, class methodClass, req *RPCReq) ([]byte, error) {
	switch class {
	case classHeadIndependent:
		return r.answerLocal(req)
	case classPrivateSend:
		pool := r.private
		if pool == nil {
			pool = r.balanced
		}
		return pool.Broadcast(ctx, req)
	case classFanQuery:
		return r.fanQuery(ctx, req)
	default:
		return r.dispatchWithRetry(ctx, req)
	}
}

// dispatchWithRetry implements spec.md §7's TRANSPORT propagation policy:
// a transport-level failure is retried against the next best() pick, never
// the same upstream twice, up to upstream_retries attempts before the last
// error is surfaced. CAPACITY and UPSTREAM_ERROR are not retried here —
// they are not transport failures and retrying them would violate spec.md
// §7's per-Kind policy.
func (r *Router) dispatchWithRetry(ctx context.Context, req *RPCReq) ([]byte, error) {
	tried := make(map[UpstreamId]struct{}, r.upstreamRetries)
	var lastErr error
	for attempt := 0; attempt < r.upstreamRetries; attempt++ {
		u, err := r.balanced.BestExcluding(tried)
		if err != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, err
		}
		tried[u.ID] = struct{}{}

		res, err := u.Send(ctx, req)
		if err == nil {
			return res, nil
		}
		var rpcErr *RPCError
		if !errors.As(err, &rpcErr) || rpcErr.Kind != KindTransport {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// answerLocal serves head-independent methods from config, with no
// upstream round trip (spec.md §4.4).
func (r *Router) answerLocal(req *RPCReq) ([]byte, error) {
	switch req.Method {
	case "eth_chainId":
		return json.Marshal(hexutil.EncodeUint64(r.chainID))
	case "net_version":
		return json.Marshal(strconv.FormatUint(r.chainID, 10))
	default:
		return nil, ErrUnsupported
	}
}

// fanQuery broadcasts to every healthy upstream and returns the first
// non-null result (spec.md §4.4's Fan-query class / testable property 6).
// If every responder returns null, null is the answer; only if every
// responder errors does fanQuery itself fail.
func (r *Router) fanQuery(ctx context.Context, req *RPCReq) ([]byte, error) {
	targets := r.balanced.All()
	if len(targets) == 0 {
		return nil, ErrNoServersInternal
	}

	type outcome struct {
		res []byte
		err error
	}
	results := make(chan outcome, len(targets))
	for _, u := range targets {
		go func(u *Upstream) {
			res, err := u.Send(ctx, req)
			results <- outcome{res: res, err: err}
		}(u)
	}

	var nullResult []byte
	var worst error
	worstSeverity := -1
	for i := 0; i < len(targets); i++ {
		o := <-results
		if o.err != nil {
			if sev := errSeverity(o.err); sev > worstSeverity {
				worstSeverity, worst = sev, o.err
			}
			continue
		}
		if isJSONNull(o.res) {
			nullResult = o.res
			continue
		}
		return o.res, nil
	}
	if nullResult != nil {
		return nullResult, nil
	}
	if worst != nil {
		return nil, worst
	}
	return nil, ErrNoServersInternal
}

func isJSONNull(b []byte) bool {
	return string(bytes.TrimSpace(b)) == "null"
}

// canonicalizeParams re-serializes params with sorted object keys and no
// extraneous whitespace (spec.md §4.4), relying on encoding/json's own
// behavior of sorting map keys on Marshal. json.Number preserves the
// original numeric literal rather than round-tripping through float64.
func canonicalizeParams(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}
	var v interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return "", err
	}
	out, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func toRPCError(err error) *RPCError {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	var capErr *ErrCapacity
	if errors.As(err, &capErr) {
		return capErr.RPCError
	}
	if errors.Is(err, ErrNoServersInternal) {
		return ErrNoServers
	}
	return newErr(KindTransport, -32603, err.Error())
}
