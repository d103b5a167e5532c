package proxyd

import (
	"encoding/json"
	"hash/fnv"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/golang/snappy"
)

const cacheShardCount = 16

// snappyThreshold: bodies smaller than this are kept inline, sparing the
// compression overhead on the common small-result case (spec.md §3 notes
// CachedResponse.Size is the serialized byte length, which this still
// reports pre-compression so eviction accounting stays meaningful).
const snappyThreshold = 256

// CacheKey is the tuple of spec.md §3: (head_hash | none, method, canonical
// params string). HeadHash is the empty string for head-independent
// methods (spec.md §4.4).
type CacheKey struct {
	HeadHash string
	Method   string
	Params   string
}

// CachedResponse is the stored value; Body is transparently
// snappy-compressed above snappyThreshold bytes.
type CachedResponse struct {
	Body       []byte
	Size       int
	compressed bool
}

func newCachedResponse(body json.RawMessage) CachedResponse {
	size := len(body)
	if size < snappyThreshold {
		return CachedResponse{Body: append([]byte(nil), body...), Size: size}
	}
	return CachedResponse{Body: snappy.Encode(nil, body), Size: size, compressed: true}
}

func (c CachedResponse) decode() (json.RawMessage, error) {
	if !c.compressed {
		return json.RawMessage(c.Body), nil
	}
	return snappy.Decode(nil, c.Body)
}

type cacheShard struct {
	// plain Mutex, not RWMutex: Get() itself reorders the LRU, so even
	// reads need exclusive access.
	mu  sync.Mutex
	lru *lru.LRU[CacheKey, CachedResponse]
}

// ResponseCache is the bounded key→response map of spec.md §4.6. It is
// sharded by key hash so concurrent readers across shards never block each
// other; within a shard, hashicorp/golang-lru/v2/simplelru gives true
// LRU-by-access eviction (spec.md §9's open question resolved toward LRU
// over plain insertion-order FIFO).
type ResponseCache struct {
	shards     [cacheShardCount]*cacheShard
	maxBytes   int64
	usedBytes  int64
	bytesMu    sync.Mutex
}

func NewResponseCache(maxEntriesTotal int, maxBytes int64) *ResponseCache {
	perShard := maxEntriesTotal / cacheShardCount
	if perShard < 1 {
		perShard = 1
	}
	rc := &ResponseCache{maxBytes: maxBytes}
	for i := range rc.shards {
		s := &cacheShard{}
		s.lru, _ = lru.NewLRU[CacheKey, CachedResponse](perShard, rc.makeEvictCallback())
		rc.shards[i] = s
	}
	return rc
}

func (rc *ResponseCache) makeEvictCallback() func(CacheKey, CachedResponse) {
	return func(_ CacheKey, v CachedResponse) {
		rc.bytesMu.Lock()
		rc.usedBytes -= int64(v.Size)
		rc.bytesMu.Unlock()
	}
}

func (rc *ResponseCache) shardFor(key CacheKey) *cacheShard {
	h := fnv.New32a()
	h.Write([]byte(key.HeadHash))
	h.Write([]byte{0})
	h.Write([]byte(key.Method))
	h.Write([]byte{0})
	h.Write([]byte(key.Params))
	return rc.shards[h.Sum32()%cacheShardCount]
}

// Get returns the decoded body for key, if present.
func (rc *ResponseCache) Get(key CacheKey) (json.RawMessage, bool) {
	shard := rc.shardFor(key)
	shard.mu.Lock()
	v, ok := shard.lru.Get(key)
	shard.mu.Unlock()
	if !ok {
		return nil, false
	}
	body, err := v.decode()
	if err != nil {
		return nil, false
	}
	return body, true
}

// InsertIfAbsent writes body under key unless already present. Write-write
// races are prevented one layer up by the InflightRequest/singleflight
// protocol in router.go, so this need not itself be compare-and-swap.
func (rc *ResponseCache) InsertIfAbsent(key CacheKey, body json.RawMessage) {
	shard := rc.shardFor(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	if _, ok := shard.lru.Get(key); ok {
		return
	}
	cr := newCachedResponse(body)
	rc.bytesMu.Lock()
	rc.usedBytes += int64(cr.Size)
	over := rc.maxBytes > 0 && rc.usedBytes > rc.maxBytes
	rc.bytesMu.Unlock()
	shard.lru.Add(key, cr)
	if over {
		rc.evictUntilUnderBudget(shard)
	}
}

func (rc *ResponseCache) evictUntilUnderBudget(shard *cacheShard) {
	for {
		rc.bytesMu.Lock()
		over := rc.maxBytes > 0 && rc.usedBytes > rc.maxBytes
		rc.bytesMu.Unlock()
		if !over {
			return
		}
		if _, _, ok := shard.lru.RemoveOldest(); !ok {
			return
		}
	}
}

// Purge drops every entry bound to a specific head hash. Called lazily,
// not eagerly, per spec.md §4.4: "lazily evicted as they age out" — this
// method exists for tests and for an optional eager-purge path, but the
// Router relies on the key simply never being looked up again after a
// head change, which is sufficient for correctness.
func (rc *ResponseCache) Purge(headHash string) {
	for _, shard := range rc.shards {
		shard.mu.Lock()
		for _, key := range shard.lru.Keys() {
			if key.HeadHash == headHash {
				shard.lru.Remove(key)
			}
		}
		shard.mu.Unlock()
	}
}

func (rc *ResponseCache) Len() int {
	total := 0
	for _, shard := range rc.shards {
		shard.mu.Lock()
		total += shard.lru.Len()
		shard.mu.Unlock()
	}
	return total
}
