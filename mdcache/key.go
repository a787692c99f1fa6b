package mdcache

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// cihKey is the table key: sub-FSAL identifier plus opaque handle
// bytes, already hashed. It is comparable so it can be used directly
// as a Go map key — the hash field is compared first by virtue of
// struct equality over fixed-size fields before the variable-length
// raw bytes, matching spec §4.1's "compare hash first, then payload"
// rule without hand-rolled chaining.
type cihKey struct {
	subFSALID uint16
	hash      uint64
	raw       string // opaque handle bytes, as a string for comparability
}

func makeKey(subFSALID uint16, raw []byte) cihKey {
	return cihKey{
		subFSALID: subFSALID,
		hash:      xxhash.Sum64(raw),
		raw:       string(raw),
	}
}

func (k cihKey) shard(n int) int {
	// n is a power of two; the high bits of a good hash are as uniform
	// as the low bits, so mixing in subFSALID here keeps two backends
	// with overlapping raw-byte spaces from clustering into one shard.
	return int((k.hash ^ uint64(k.subFSALID)) & uint64(n-1))
}

// latchMode selects whether get_by_key_latch releases the shard latch
// immediately when the key is absent.
type latchMode int

const (
	latchHold latchMode = iota
	latchUnlockOnMiss
)

type cihShard struct {
	mu      sync.RWMutex
	entries map[cihKey]*Entry
}

// keyTable is the sharded concurrent map from spec §4.1.
type keyTable struct {
	shards []*cihShard
	n      int
}

func newKeyTable(shards int) *keyTable {
	if shards <= 0 || shards&(shards-1) != 0 {
		shards = 64
	}
	t := &keyTable{shards: make([]*cihShard, shards), n: shards}
	for i := range t.shards {
		t.shards[i] = &cihShard{entries: make(map[cihKey]*Entry)}
	}
	return t
}

func (t *keyTable) shardFor(k cihKey) *cihShard {
	return t.shards[k.shard(t.n)]
}

// getByKeyLatchRead looks up key and leaves the shard's RLock held on
// a hit. On a miss it always unlocks (a read latch cannot usefully be
// "held open" across the write path that follows a miss).
func (t *keyTable) getByKeyLatchRead(key cihKey) (*Entry, *cihShard) {
	sh := t.shardFor(key)
	sh.mu.RLock()
	e := sh.entries[key]
	if e == nil {
		sh.mu.RUnlock()
		return nil, nil
	}
	return e, sh
}

// getByKeyLatchWrite looks up key under the shard's write latch. The
// latch is always left held on return; the caller must unlock it
// (mirrors get_by_key_latch in write mode, which never auto-releases
// since the caller is about to mutate).
func (t *keyTable) getByKeyLatchWrite(key cihKey) (*Entry, *cihShard) {
	sh := t.shardFor(key)
	sh.mu.Lock()
	return sh.entries[key], sh
}

// setLatched inserts entry under an already-held write latch.
func (t *keyTable) setLatched(sh *cihShard, key cihKey, entry *Entry) {
	sh.entries[key] = entry
}

// removeChecked removes entry if it is still present under key,
// taking the shard's write latch itself. It returns whether the
// removal actually happened (the "sentinel reference" in spec §4.1 is
// represented here by plain presence in the map).
func (t *keyTable) removeChecked(key cihKey, entry *Entry) bool {
	sh := t.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sh.entries[key] == entry {
		delete(sh.entries, key)
		return true
	}
	return false
}
