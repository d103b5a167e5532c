package proxyd

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// TxState is the lifecycle state of spec.md §3's PendingTxEntry.
type TxState int

const (
	TxPending TxState = iota
	TxConfirmed
	TxOrphaned
)

func (s TxState) String() string {
	switch s {
	case TxPending:
		return "pending"
	case TxConfirmed:
		return "confirmed"
	case TxOrphaned:
		return "orphaned"
	default:
		return "unknown"
	}
}

// PendingTxEntry is spec.md §3's record.
type PendingTxEntry struct {
	Hash       common.Hash
	State      TxState
	ObservedAt time.Time
}

// transitionFn is called for every state transition, wired to the
// Fan-out so "every transition is republished" (spec.md §4.7).
type transitionFn func(entry PendingTxEntry)

const pendingTxShardCount = 16

type pendingTxShard struct {
	mu      sync.Mutex
	entries map[common.Hash]PendingTxEntry
}

// PendingTxIndex is the concurrent tx_hash → PendingTxEntry map of spec.md
// §4.7, sharded the same way as ResponseCache (cache.go) for the same
// reason: fine-grained locking, never a global lock during I/O.
type PendingTxIndex struct {
	shards    [pendingTxShardCount]*pendingTxShard
	retention time.Duration
	onTransition transitionFn
}

func NewPendingTxIndex(retention time.Duration, onTransition transitionFn) *PendingTxIndex {
	p := &PendingTxIndex{retention: retention, onTransition: onTransition}
	for i := range p.shards {
		p.shards[i] = &pendingTxShard{entries: make(map[common.Hash]PendingTxEntry)}
	}
	return p
}

func (p *PendingTxIndex) shardFor(hash common.Hash) *pendingTxShard {
	return p.shards[hash[0]%pendingTxShardCount]
}

// ObservePending records a first-sighting or re-sighting as Pending, per
// spec.md §4.7's transition table: absent → Pending, Orphaned → Pending.
func (p *PendingTxIndex) ObservePending(hash common.Hash) {
	shard := p.shardFor(hash)
	shard.mu.Lock()
	entry, ok := shard.entries[hash]
	var changed bool
	switch {
	case !ok:
		entry = PendingTxEntry{Hash: hash, State: TxPending, ObservedAt: time.Now()}
		changed = true
	case entry.State == TxOrphaned:
		entry.State = TxPending
		entry.ObservedAt = time.Now()
		changed = true
	}
	if changed {
		shard.entries[hash] = entry
	}
	shard.mu.Unlock()
	if changed && p.onTransition != nil {
		p.onTransition(entry)
	}
}

// ObserveConfirmed marks hash Confirmed if it is currently Pending or
// Orphaned and the including block is at or before the canonical head
// (the caller, the Router/Tracker glue, is responsible for that head
// comparison before calling this).
func (p *PendingTxIndex) ObserveConfirmed(hash common.Hash) {
	shard := p.shardFor(hash)
	shard.mu.Lock()
	entry, ok := shard.entries[hash]
	if !ok {
		shard.mu.Unlock()
		return
	}
	changed := entry.State != TxConfirmed
	entry.State = TxConfirmed
	entry.ObservedAt = time.Now()
	shard.entries[hash] = entry
	shard.mu.Unlock()
	if changed && p.onTransition != nil {
		p.onTransition(entry)
	}
}

// ObserveOrphaned marks a previously-Confirmed hash Orphaned, per spec.md
// §4.7: "Confirmed → Orphaned only if the including block is superseded by
// a re-org within reorg_depth."
func (p *PendingTxIndex) ObserveOrphaned(hash common.Hash) {
	shard := p.shardFor(hash)
	shard.mu.Lock()
	entry, ok := shard.entries[hash]
	if !ok || entry.State != TxConfirmed {
		shard.mu.Unlock()
		return
	}
	entry.State = TxOrphaned
	entry.ObservedAt = time.Now()
	shard.entries[hash] = entry
	shard.mu.Unlock()
	if p.onTransition != nil {
		p.onTransition(entry)
	}
}

func (p *PendingTxIndex) Get(hash common.Hash) (PendingTxEntry, bool) {
	shard := p.shardFor(hash)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	e, ok := shard.entries[hash]
	return e, ok
}

// Sweep removes Confirmed entries older than retention, per spec.md §4.7.
// It should be called periodically (see proxyd.go's sweepLoop).
func (p *PendingTxIndex) Sweep(now time.Time) {
	for _, shard := range p.shards {
		shard.mu.Lock()
		for hash, entry := range shard.entries {
			if entry.State == TxConfirmed && now.Sub(entry.ObservedAt) > p.retention {
				delete(shard.entries, hash)
			}
		}
		shard.mu.Unlock()
	}
}

func (p *PendingTxIndex) Len() int {
	total := 0
	for _, shard := range p.shards {
		shard.mu.Lock()
		total += len(shard.entries)
		shard.mu.Unlock()
	}
	return total
}
