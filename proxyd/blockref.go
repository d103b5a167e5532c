package proxyd

import (
	"bytes"

	"github.com/ethereum/go-ethereum/common"
)

// BlockRef identifies one block the way spec.md §3 describes: equality by
// hash, ordering by number with hash as a deterministic tie-break.
type BlockRef struct {
	Hash       common.Hash
	Number     uint64
	ParentHash common.Hash
}

func (b BlockRef) IsZero() bool {
	return b.Hash == (common.Hash{})
}

// higher reports whether b is the preferred tip over o under the ordering
// in spec.md §3: greater number wins; ties broken by lexicographically
// lower hash (a fixed, arbitrary-but-deterministic rule).
func (b BlockRef) higher(o BlockRef) bool {
	if b.Number != o.Number {
		return b.Number > o.Number
	}
	return bytes.Compare(b.Hash[:], o.Hash[:]) < 0
}

// CanonicalHead is the fused view the Head-Block Tracker (§4.3) emits.
// MinConfirming records how many upstreams currently agree on it, useful
// for diagnostics; it plays no role in cache-key construction.
type CanonicalHead struct {
	Hash          common.Hash
	Number        uint64
	MinConfirming int
}

func (c CanonicalHead) IsZero() bool {
	return c.Hash == (common.Hash{})
}
