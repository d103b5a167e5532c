package proxyd

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/time/rate"
)

// healthState is the per-upstream state machine of spec.md §4.1:
// Connecting → Healthy ⇄ Degraded → Closed.
type healthState int32

const (
	stateConnecting healthState = iota
	stateHealthy
	stateDegraded
	stateClosed
)

func (s healthState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateHealthy:
		return "healthy"
	case stateDegraded:
		return "degraded"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// overshootFactor is K from spec.md §3's invariant
// inflight_count ≤ soft_limit * K.
const overshootFactor = 2.0

// headPushFn forwards a newly observed head to the Head-Block Tracker,
// along with the raw JSON the upstream reported it in: spec.md §4.5 says
// the newHeads fan-out result is "the latest CanonicalHead block (as
// reported by the upstream that produced it; the Fan-out does not
// re-fetch)", so that raw form has to travel with the ref.
type headPushFn func(id UpstreamId, ref BlockRef, raw json.RawMessage)

// pendingTxPushFn forwards a raw pending-tx sighting to the Pending-Tx
// Index / Fan-out.
type pendingTxPushFn func(hash common.Hash)

// blockHeaderPush is the shape of a newHeads subscription push.
type blockHeaderPush struct {
	Hash       common.Hash    `json:"hash"`
	Number     hexutil.Uint64 `json:"number"`
	ParentHash common.Hash    `json:"parentHash"`
}

// UpstreamId is a stable string identifier (spec.md §3).
type UpstreamId string

// Upstream is one configured backend RPC endpoint (spec.md §4.1).
type Upstream struct {
	ID UpstreamId

	t        transport
	subT     *wsTransport // nil if this upstream has no subscription feed
	external RateLimiter

	softLimit uint32
	hardLimit *uint32
	localRL   *rate.Limiter

	callTimeout time.Duration
	maxHeadAge  time.Duration

	inflight int32 // atomic

	mu                sync.RWMutex
	head              BlockRef
	haveHead          bool
	lastHeadAt        time.Time
	state             healthState
	consecutiveErrors int
	lastErrorAt       time.Time

	onHead      headPushFn
	onPendingTx pendingTxPushFn

	subMu         sync.RWMutex
	headSubID     string
	pendingSubID  string

	log log.Logger

	stopMonitor chan struct{}
	wg          sync.WaitGroup

	metrics *MetricsRegistry
}

// SetMetrics wires a MetricsRegistry into the Upstream. Left unset, all
// instrumentation calls are no-ops.
func (u *Upstream) SetMetrics(m *MetricsRegistry) { u.metrics = m }

// UpstreamOpts configures a new Upstream; exported fields only, no
// constructor explosion.
type UpstreamOpts struct {
	ID          UpstreamId
	Transport   transport
	SubTransport *wsTransport
	SoftLimit   uint32
	HardLimit   *uint32
	External    RateLimiter
	CallTimeout time.Duration
	MaxHeadAge  time.Duration
	OnHead      headPushFn
	OnPendingTx pendingTxPushFn
}

func NewUpstream(opts UpstreamOpts) *Upstream {
	if opts.External == nil {
		opts.External = NullRateLimiter{}
	}
	burst := int(float64(opts.SoftLimit) * overshootFactor)
	if burst < 1 {
		burst = 1
	}
	u := &Upstream{
		ID:          opts.ID,
		t:           opts.Transport,
		subT:        opts.SubTransport,
		external:    opts.External,
		softLimit:   opts.SoftLimit,
		hardLimit:   opts.HardLimit,
		localRL:     rate.NewLimiter(rate.Limit(opts.SoftLimit), burst),
		callTimeout: opts.CallTimeout,
		maxHeadAge:  opts.MaxHeadAge,
		state:       stateConnecting,
		onHead:      opts.OnHead,
		onPendingTx: opts.OnPendingTx,
		log:         log.New("component", "upstream", "id", opts.ID),
		stopMonitor: make(chan struct{}),
	}
	if u.subT != nil {
		u.subT.setOnPush(u.handlePush)
	}
	u.wg.Add(1)
	go u.monitorLoop()
	return u
}

// StartSubscriptions opens the upstream's newHeads and
// newPendingTransactions feeds (spec.md §4.1). It is a no-op if this
// upstream has no subscription transport configured.
func (u *Upstream) StartSubscriptions(ctx context.Context) error {
	if u.subT == nil {
		return nil
	}
	headID, err := u.subT.subscribe(ctx, "newHeads")
	if err != nil {
		return err
	}
	pendingID, err := u.subT.subscribe(ctx, "newPendingTransactions")
	if err != nil {
		return err
	}
	u.subMu.Lock()
	u.headSubID = headID
	u.pendingSubID = pendingID
	u.subMu.Unlock()
	return nil
}

// handlePush is the wsTransport onPush callback: it demultiplexes by
// subscription id between the newHeads and newPendingTransactions feeds.
func (u *Upstream) handlePush(subID string, result json.RawMessage) {
	u.subMu.RLock()
	headID, pendingID := u.headSubID, u.pendingSubID
	u.subMu.RUnlock()

	switch subID {
	case headID:
		var h blockHeaderPush
		if err := json.Unmarshal(result, &h); err != nil {
			u.log.Warn("malformed newHeads push", "err", err)
			return
		}
		u.onHeadPush(BlockRef{Hash: h.Hash, Number: uint64(h.Number), ParentHash: h.ParentHash}, result)
	case pendingID:
		var hash common.Hash
		if err := json.Unmarshal(result, &hash); err != nil {
			u.log.Warn("malformed newPendingTransactions push", "err", err)
			return
		}
		if u.onPendingTx != nil {
			u.onPendingTx(hash)
		}
	}
}

// Send forwards req to the upstream, enforcing capacity as spec.md §4.1
// describes: hard-limit/external-limiter check first, then dispatch under
// a per-call timeout.
func (u *Upstream) Send(ctx context.Context, req *RPCReq) ([]byte, error) {
	if u.State() == stateClosed {
		return nil, ErrCanceled
	}

	if u.hardLimit != nil && atomic.LoadInt32(&u.inflight) >= int32(*u.hardLimit) {
		return nil, newCapacityErr(0)
	}
	verdict, retryAt, rlErr := u.external.Throttle(ctx, string(u.ID), uint64(u.effectiveLimit()), 1)
	if rlErr == nil {
		switch verdict {
		case RetryAt:
			secs := int(time.Until(retryAt).Seconds())
			if secs < 0 {
				secs = 0
			}
			return nil, newCapacityErr(secs)
		case RetryNever:
			return nil, newCapacityErr(0)
		}
	}
	if !u.localRL.Allow() {
		return nil, newCapacityErr(0)
	}

	atomic.AddInt32(&u.inflight, 1)
	if u.metrics != nil {
		u.metrics.InflightGauge.WithLabelValues(string(u.ID)).Set(float64(atomic.LoadInt32(&u.inflight)))
	}
	defer func() {
		n := atomic.AddInt32(&u.inflight, -1)
		if u.metrics != nil {
			u.metrics.InflightGauge.WithLabelValues(string(u.ID)).Set(float64(n))
		}
	}()

	callCtx, cancel := context.WithTimeout(ctx, u.callTimeout)
	defer cancel()

	res, err := u.t.call(callCtx, req)
	if err != nil {
		if rpcErr, ok := err.(*RPCError); ok && rpcErr.Kind == KindUpstreamError {
			// A valid JSON-RPC-level error from the upstream is a
			// successful dispatch, not a proxy failure (spec.md §7).
			u.recordSuccess(BlockRef{})
			return nil, err
		}
		u.recordError()
		if u.metrics != nil {
			u.metrics.UpstreamErrors.WithLabelValues(string(u.ID), KindTransport.String()).Inc()
		}
		if callCtx.Err() != nil {
			return nil, ErrTimeout
		}
		return nil, newTransportErr(err)
	}
	u.recordSuccess(BlockRef{})
	return res, nil
}

func (u *Upstream) effectiveLimit() uint32 {
	if u.hardLimit != nil {
		return *u.hardLimit
	}
	return u.softLimit
}

// InflightCount reports current in-flight sends, used by Pool.best().
func (u *Upstream) InflightCount() int32 { return atomic.LoadInt32(&u.inflight) }

func (u *Upstream) SoftLimit() uint32 { return u.softLimit }

func (u *Upstream) State() healthState {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.state
}

// Head returns the last-observed head for this upstream (spec.md §4.1).
func (u *Upstream) Head() (BlockRef, bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.head, u.haveHead
}

// recordSuccess updates health on any successful observation. ref may be
// the zero value when called from Send for a non-head-bearing success;
// only a non-zero ref (passed by onHeadPush on the subscription push path)
// updates head itself.
func (u *Upstream) recordSuccess(ref BlockRef) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.consecutiveErrors = 0
	if !ref.IsZero() {
		u.head = ref
		u.haveHead = true
		u.lastHeadAt = time.Now()
	}
	switch u.state {
	case stateConnecting, stateDegraded:
		if u.haveHead {
			u.state = stateHealthy
			u.log.Info("upstream became healthy")
			u.reportState()
		}
	}
}

func (u *Upstream) reportState() {
	if u.metrics != nil {
		u.metrics.UpstreamState.WithLabelValues(string(u.ID)).Set(float64(u.state))
	}
}

func (u *Upstream) recordError() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.consecutiveErrors++
	u.lastErrorAt = time.Now()
	if u.consecutiveErrors >= 3 && u.state == stateHealthy {
		u.state = stateDegraded
		u.log.Warn("upstream degraded after consecutive errors", "errors", u.consecutiveErrors)
		u.reportState()
	}
}

// degradeForStaleHead is used by the Head-Block Tracker (§4.3) when an
// upstream reports a head far enough behind canonical to be ignored.
func (u *Upstream) degradeForStaleHead() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state == stateHealthy {
		u.state = stateDegraded
		u.log.Warn("upstream degraded: head too far behind canonical")
		u.reportState()
	}
}

// onHeadPush is called by handlePush (the wsTransport's onPush callback)
// for pushes on the newHeads subscription.
func (u *Upstream) onHeadPush(ref BlockRef, raw json.RawMessage) {
	u.recordSuccess(ref)
	if u.onHead != nil {
		u.onHead(u.ID, ref, raw)
	}
}

// monitorLoop periodically checks head staleness, since spec.md §4.1's
// "Healthy → Degraded when head older than max_head_age" condition needs a
// clock tick, not just an event, to fire.
func (u *Upstream) monitorLoop() {
	defer u.wg.Done()
	interval := u.maxHeadAge / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			u.mu.Lock()
			if u.state == stateHealthy && u.haveHead && time.Since(u.lastHeadAt) > u.maxHeadAge {
				u.state = stateDegraded
				u.log.Warn("upstream degraded: head is stale", "age", time.Since(u.lastHeadAt))
				u.reportState()
			}
			u.mu.Unlock()
		case <-u.stopMonitor:
			return
		}
	}
}

// Shutdown marks the upstream Closed, stops its health monitor and closes
// its transports. Every Send that starts afterwards fails with CANCELED. A
// Send already in flight is not interrupted: an HTTP call runs to
// completion, and a WebSocket call ends when the socket closes and is
// reported as a TRANSPORT error.
func (u *Upstream) Shutdown() {
	u.mu.Lock()
	u.state = stateClosed
	u.mu.Unlock()
	u.reportState()
	close(u.stopMonitor)
	u.wg.Wait()
	_ = u.t.close()
	if u.subT != nil {
		_ = u.subT.close()
	}
}
