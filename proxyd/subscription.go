package proxyd

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
)

// SubKind is one of the four subscription flavors of spec.md §4.5.
type SubKind int

const (
	SubNewHeads SubKind = iota
	SubNewPendingTransactions
	SubNewPendingFullTransactions
	SubNewPendingRawTransactions
)

func (k SubKind) String() string {
	switch k {
	case SubNewHeads:
		return "newHeads"
	case SubNewPendingTransactions:
		return "newPendingTransactions"
	case SubNewPendingFullTransactions:
		return "newPendingFullTransactions"
	case SubNewPendingRawTransactions:
		return "newPendingRawTransactions"
	default:
		return "unknown"
	}
}

// txFetcher resolves a pending tx hash into its transaction object, needed
// only by the newPendingFullTransactions/newPendingRawTransactions variants:
// the newPendingTransactions push itself carries just the hash (spec.md
// §4.5), so the full body has to be fetched separately and lazily.
type txFetcher interface {
	FetchTransaction(ctx context.Context, hash common.Hash) (tx *types.Transaction, raw json.RawMessage, err error)
}

// poolTxFetcher resolves via eth_getTransactionByHash against the single
// upstream Pool.Best picks; unlike a client request for the same method,
// which the Router fans out to every healthy upstream, it asks only one.
type poolTxFetcher struct {
	pool *Pool
}

func newPoolTxFetcher(pool *Pool) *poolTxFetcher {
	return &poolTxFetcher{pool: pool}
}

func (f *poolTxFetcher) FetchTransaction(ctx context.Context, hash common.Hash) (*types.Transaction, json.RawMessage, error) {
	u, err := f.pool.Best()
	if err != nil {
		return nil, nil, err
	}
	params, err := json.Marshal([]interface{}{hash})
	if err != nil {
		return nil, nil, err
	}
	req := &RPCReq{JSONRPC: "2.0", Method: "eth_getTransactionByHash", Params: params}
	raw, err := u.Send(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	var tx types.Transaction
	if err := tx.UnmarshalJSON(raw); err != nil {
		return nil, nil, err
	}
	return &tx, raw, nil
}

const fanOutFetchTimeout = 10 * time.Second

// subscriber is one live client subscription: a bounded sink plus a done
// channel the server layer can select on to learn the subscription ended,
// whether by the client's own cancel or a forced cancel-on-full.
type subscriber struct {
	id   string
	kind SubKind
	sink chan<- *subscriptionNotification

	done      chan struct{}
	closeOnce sync.Once
}

func (s *subscriber) deliver(n *subscriptionNotification) bool {
	select {
	case s.sink <- n:
		return true
	default:
		return false
	}
}

func (s *subscriber) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// FanOut implements spec.md §4.5: it turns HeadTracker's single fused head
// stream and PendingTxIndex's single transition stream into many
// independently cancellable per-client subscriptions. A slow or full client
// sink only ever costs that one subscription (spec.md's subscription
// isolation property) — publish() never blocks on a subscriber's channel.
type FanOut struct {
	log     log.Logger
	heads   *HeadTracker
	fetcher txFetcher

	nextID uint64 // atomic

	mu     sync.Mutex
	byID   map[string]*subscriber
	byKind map[SubKind]map[string]*subscriber

	stopHeads chan struct{}
	wg        sync.WaitGroup

	metrics *MetricsRegistry
}

// SetMetrics wires a MetricsRegistry into the FanOut.
func (f *FanOut) SetMetrics(m *MetricsRegistry) { f.metrics = m }

func NewFanOut(heads *HeadTracker, fetcher txFetcher) *FanOut {
	f := &FanOut{
		log:       log.New("component", "fan-out"),
		heads:     heads,
		fetcher:   fetcher,
		byID:      make(map[string]*subscriber),
		byKind:    make(map[SubKind]map[string]*subscriber),
		stopHeads: make(chan struct{}),
	}
	f.wg.Add(1)
	go f.runHeads()
	return f
}

func (f *FanOut) nextSubID() string {
	n := atomic.AddUint64(&f.nextID, 1)
	return "0x" + strconv.FormatUint(n, 16)
}

// Subscribe registers sink under kind and returns its subscription id, a
// cancel function, and a done channel that closes when the subscription
// ends for any reason (explicit cancel or forced cancel-on-full). sink
// should be created with a small positive buffer by the caller; Subscribe
// does not buffer on the subscriber's behalf.
func (f *FanOut) Subscribe(kind SubKind, sink chan<- *subscriptionNotification) (id string, cancel func(), done <-chan struct{}) {
	sub := &subscriber{
		id:   f.nextSubID(),
		kind: kind,
		sink: sink,
		done: make(chan struct{}),
	}
	f.mu.Lock()
	f.byID[sub.id] = sub
	if f.byKind[kind] == nil {
		f.byKind[kind] = make(map[string]*subscriber)
	}
	f.byKind[kind][sub.id] = sub
	count := len(f.byKind[kind])
	f.mu.Unlock()
	if f.metrics != nil {
		f.metrics.SubscriptionsGauge.WithLabelValues(kind.String()).Set(float64(count))
	}
	return sub.id, func() { f.unsubscribe(sub) }, sub.done
}

func (f *FanOut) unsubscribe(sub *subscriber) {
	f.mu.Lock()
	delete(f.byID, sub.id)
	var count int
	if m := f.byKind[sub.kind]; m != nil {
		delete(m, sub.id)
		count = len(m)
	}
	f.mu.Unlock()
	if f.metrics != nil {
		f.metrics.SubscriptionsGauge.WithLabelValues(sub.kind.String()).Set(float64(count))
	}
	sub.close()
}

func (f *FanOut) runHeads() {
	defer f.wg.Done()
	ch := f.heads.Watch()
	defer f.heads.Unwatch(ch)
	for {
		select {
		case event, ok := <-ch:
			if !ok {
				return
			}
			if event.Raw != nil {
				f.publish(SubNewHeads, event.Raw)
			}
		case <-f.stopHeads:
			return
		}
	}
}

// OnPendingTxTransition is wired as the PendingTxIndex's transitionFn
// (proxyd.go). Confirmed transitions are never published, per spec.md §4.5;
// a fresh Pending sighting or an Orphaned re-emit both are.
func (f *FanOut) OnPendingTxTransition(entry PendingTxEntry) {
	if entry.State == TxConfirmed {
		return
	}

	hashJSON, err := json.Marshal(entry.Hash)
	if err != nil {
		return
	}
	f.publish(SubNewPendingTransactions, hashJSON)

	if !f.hasSubscribers(SubNewPendingFullTransactions) && !f.hasSubscribers(SubNewPendingRawTransactions) {
		return
	}
	go f.publishTxDetail(entry.Hash)
}

func (f *FanOut) hasSubscribers(kind SubKind) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.byKind[kind]) > 0
}

// publishTxDetail resolves and fans out the full/raw transaction variants.
// It runs off the PendingTxIndex's calling goroutine (in its own goroutine)
// since resolving requires an upstream round trip that must not block
// ObservePending's caller.
func (f *FanOut) publishTxDetail(hash common.Hash) {
	if f.fetcher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), fanOutFetchTimeout)
	defer cancel()
	tx, raw, err := f.fetcher.FetchTransaction(ctx, hash)
	if err != nil {
		f.log.Warn("could not resolve pending tx detail", "hash", hash, "err", err)
		return
	}

	f.publish(SubNewPendingFullTransactions, raw)

	if f.hasSubscribers(SubNewPendingRawTransactions) {
		rlp, err := tx.MarshalBinary()
		if err != nil {
			f.log.Warn("could not RLP-encode pending tx", "hash", hash, "err", err)
			return
		}
		hexRaw, err := json.Marshal(hexutil.Encode(rlp))
		if err != nil {
			return
		}
		f.publish(SubNewPendingRawTransactions, hexRaw)
	}
}

func (f *FanOut) publish(kind SubKind, result json.RawMessage) {
	f.mu.Lock()
	subs := make([]*subscriber, 0, len(f.byKind[kind]))
	for _, s := range f.byKind[kind] {
		subs = append(subs, s)
	}
	f.mu.Unlock()

	for _, s := range subs {
		n := newNotification(s.id, result)
		if !s.deliver(n) {
			f.log.Warn("cancelling subscription on full sink", "id", s.id, "kind", kind)
			f.unsubscribe(s)
		}
	}
}

// Shutdown cancels every live subscription and stops the head-watch loop.
func (f *FanOut) Shutdown() {
	close(f.stopHeads)
	f.wg.Wait()

	f.mu.Lock()
	subs := make([]*subscriber, 0, len(f.byID))
	for _, s := range f.byID {
		subs = append(subs, s)
	}
	f.mu.Unlock()
	for _, s := range subs {
		f.unsubscribe(s)
	}
}
