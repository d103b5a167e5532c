package proxyd

import (
	"encoding/json"
	"sync"

	"github.com/ethereum/go-ethereum/log"
)

// HeadEvent pairs a fused CanonicalHead with the raw upstream JSON it was
// derived from, since spec.md §4.5 requires the newHeads fan-out to relay
// the reporting upstream's own block JSON verbatim, not a re-fetch.
type HeadEvent struct {
	Head CanonicalHead
	Raw  json.RawMessage
}

// HeadTracker fuses per-upstream head reports into one CanonicalHead, per
// spec.md §4.3. It owns the CanonicalHead watch channel (last-value
// semantics: a new subscriber observes the current value immediately).
type HeadTracker struct {
	log log.Logger

	reorgDepth          uint64
	minSyncedUpstreams  int

	mu       sync.Mutex
	tips     map[BlockRef]map[UpstreamId]struct{}
	rawByTip map[BlockRef]json.RawMessage
	upstream map[UpstreamId]BlockRef // last report per upstream, for re-fusion on update
	current  HeadEvent

	degrade func(UpstreamId)

	watchMu  sync.Mutex
	watchers []chan HeadEvent

	metrics *MetricsRegistry
}

// SetMetrics wires a MetricsRegistry into the HeadTracker.
func (h *HeadTracker) SetMetrics(m *MetricsRegistry) { h.metrics = m }

func NewHeadTracker(reorgDepth uint64, minSyncedUpstreams int, degrade func(UpstreamId)) *HeadTracker {
	return &HeadTracker{
		log:                log.New("component", "head-tracker"),
		reorgDepth:         reorgDepth,
		minSyncedUpstreams: minSyncedUpstreams,
		tips:               make(map[BlockRef]map[UpstreamId]struct{}),
		rawByTip:           make(map[BlockRef]json.RawMessage),
		upstream:           make(map[UpstreamId]BlockRef),
		degrade:            degrade,
	}
}

// Current returns the last emitted CanonicalHead (zero value if none yet).
func (h *HeadTracker) Current() CanonicalHead {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current.Head
}

// Synced reports whether min_synced_upstreams have agreed on a head yet
// (spec.md §4.3's startup gate).
func (h *HeadTracker) Synced() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.current.Head.IsZero()
}

// Watch returns a channel delivering every CanonicalHead transition,
// starting with the current value if one exists (last-value semantics).
func (h *HeadTracker) Watch() <-chan HeadEvent {
	ch := make(chan HeadEvent, 1)
	h.mu.Lock()
	cur := h.current
	h.mu.Unlock()
	if !cur.Head.IsZero() {
		ch <- cur
	}
	h.watchMu.Lock()
	h.watchers = append(h.watchers, ch)
	h.watchMu.Unlock()
	return ch
}

// Unwatch removes a channel previously returned by Watch, so a cancelled
// subscriber's goroutine (subscription.go) doesn't leak a slot forever.
func (h *HeadTracker) Unwatch(ch <-chan HeadEvent) {
	h.watchMu.Lock()
	defer h.watchMu.Unlock()
	for i, w := range h.watchers {
		if w == ch {
			h.watchers = append(h.watchers[:i], h.watchers[i+1:]...)
			return
		}
	}
}

// OnUpstreamHead is wired as every Upstream's onHead callback
// (upstream.go's headPushFn). It implements the fusion algorithm of
// spec.md §4.3.
func (h *HeadTracker) OnUpstreamHead(id UpstreamId, ref BlockRef, raw json.RawMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.current.Head.IsZero() && h.reorgDepth > 0 && ref.Number+h.reorgDepth < h.current.Head.Number {
		h.log.Warn("ignoring stale head report, degrading upstream", "upstream", id, "reported", ref.Number, "canonical", h.current.Head.Number)
		if h.degrade != nil {
			h.degrade(id)
		}
		return
	}

	if old, ok := h.upstream[id]; ok {
		h.removeTip(old, id)
	}
	h.upstream[id] = ref
	h.addTip(ref, id)
	h.rawByTip[ref] = raw

	winner, confirming := h.pickWinner()
	if winner.IsZero() {
		return
	}

	newHead := CanonicalHead{Hash: winner.Hash, Number: winner.Number, MinConfirming: confirming}
	if newHead.Hash == h.current.Head.Hash {
		h.current.Head.MinConfirming = confirming
		return
	}

	if confirming < h.minSyncedUpstreams && h.current.Head.IsZero() {
		// Not enough corroboration yet to leave the startup gate
		// (spec.md §4.3: "until at least min_synced_upstreams have
		// reported the same head, the tracker emits no CanonicalHead").
		return
	}

	event := HeadEvent{Head: newHead, Raw: h.rawByTip[winner]}
	h.current = event
	h.log.Info("canonical head updated", "hash", newHead.Hash, "number", newHead.Number, "confirming", confirming)
	if h.metrics != nil {
		h.metrics.CanonicalHead.Set(float64(newHead.Number))
	}
	h.broadcast(event)
}

func (h *HeadTracker) addTip(ref BlockRef, id UpstreamId) {
	set, ok := h.tips[ref]
	if !ok {
		set = make(map[UpstreamId]struct{})
		h.tips[ref] = set
	}
	set[id] = struct{}{}
}

func (h *HeadTracker) removeTip(ref BlockRef, id UpstreamId) {
	set, ok := h.tips[ref]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(h.tips, ref)
		delete(h.rawByTip, ref)
	}
}

// pickWinner selects the BlockRef with the largest confirming set; ties
// broken by highest number, then by BlockRef.higher's hash tie-break
// (spec.md §4.3).
func (h *HeadTracker) pickWinner() (BlockRef, int) {
	var winner BlockRef
	var winnerCount int
	for ref, set := range h.tips {
		count := len(set)
		if count == 0 {
			continue
		}
		switch {
		case winner.IsZero():
			winner, winnerCount = ref, count
		case count > winnerCount:
			winner, winnerCount = ref, count
		case count == winnerCount && ref.higher(winner):
			winner, winnerCount = ref, count
		}
	}
	return winner, winnerCount
}

func (h *HeadTracker) broadcast(event HeadEvent) {
	h.watchMu.Lock()
	defer h.watchMu.Unlock()
	for _, ch := range h.watchers {
		select {
		case ch <- event:
		default:
			// drain stale value so the freshest head always lands; watchers
			// are expected to read in a tight loop (see subscription.go).
			select {
			case <-ch:
			default:
			}
			ch <- event
		}
	}
}
