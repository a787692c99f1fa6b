package mdcache

import (
	"container/list"
	"sync"
	"sync/atomic"
)

// lruTier names which ring an entry currently sits in. Recency moves
// entries from cold toward hot; eviction scans in the opposite
// direction (spec §4.2, §9 "the LRU for entries and the LRU for
// chunks are independent").
type lruTier uint8

const (
	tierNone lruTier = iota
	tierCold
	tierWarm
	tierHot
)

// refKind distinguishes the two reasons a reference is taken (spec
// §4.2's lru_ref(entry, INITIAL|NORMAL)).
type refKind int

const (
	// RefInitial is used when handing a freshly resolved entry to a
	// caller; it is rejected if the entry has gone unreachable.
	RefInitial refKind = iota
	// RefNormal is used for internal re-references that are known to
	// be safe regardless of reachability (e.g. promoting LRU position).
	RefNormal
)

// lruPool owns entry storage, reference counting, and eviction (spec
// §4.2). It also owns a separate LRU over directory chunks.
type lruPool struct {
	cfg Config

	mu   sync.Mutex
	hot  *list.List // *Entry
	warm *list.List
	cold *list.List

	chunkMu  sync.Mutex
	chunkLRU *list.List // *chunk
	chunks   int

	// chunkCleanupMu/chunkCleanup queue chunks that maybeReclaimChunk has
	// already detached from chunkLRU (so p.chunks already reflects their
	// eviction) but whose directory-side unlinking has not happened yet,
	// because doing that here would require the victim's parent
	// directory's content lock (see maybeReclaimChunk).
	chunkCleanupMu sync.Mutex
	chunkCleanup   []*chunk

	cleanupMu sync.Mutex
	cleanup   []*Entry

	// freeMu/free hold fully finalized Entry structs available for
	// reuse, capped to a fraction of EntryLimit so the free list itself
	// never becomes an unbounded retention path. Reuse bumps
	// Entry.generation so a caller holding an external handle built from
	// the old incarnation (spec's "handle_to_wire") can detect the
	// mismatch instead of silently observing a different object.
	freeMu sync.Mutex
	free   []*Entry

	count int32 // atomic: number of live entries owned by the pool

	// Counters from spec §5, updated with plain atomic increments.
	inodeMapping uint64
	inodeHit     uint64
	inodeAdded   uint64
	inodeConf    uint64
}

func newLRUPool(cfg Config) *lruPool {
	return &lruPool{
		cfg:      cfg,
		hot:      list.New(),
		warm:     list.New(),
		cold:     list.New(),
		chunkLRU: list.New(),
	}
}

// lruRef increments entry's reference count, honoring RefInitial's
// unreachability check (spec §4.2).
func (p *lruPool) lruRef(e *Entry, kind refKind) bool {
	if !e.refGet(kind == RefInitial) {
		return false
	}
	return true
}

// lruInsert publishes entry into the pool's recency rings, making it
// eligible for eviction. It does not touch the hash table; callers
// install the key-table mapping separately under the shard latch they
// already hold.
func (p *lruPool) lruInsert(e *Entry) {
	p.mu.Lock()
	e.lruElem = p.hot.PushFront(e)
	e.lruTier = tierHot
	p.mu.Unlock()
	atomic.AddInt32(&p.count, 1)
	atomic.AddUint64(&p.inodeAdded, 1)
}

// touch promotes e toward the hot ring on access (cheap approximation
// of true LRU recency: a lock-free read would race the list, so this
// takes the pool mutex, which is only ever held briefly).
func (p *lruPool) touch(e *Entry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeFromRing(e)
	e.lruElem = p.hot.PushFront(e)
	e.lruTier = tierHot
}

func (p *lruPool) removeFromRing(e *Entry) {
	if e.lruElem == nil {
		return
	}
	switch e.lruTier {
	case tierHot:
		p.hot.Remove(e.lruElem)
	case tierWarm:
		p.warm.Remove(e.lruElem)
	case tierCold:
		p.cold.Remove(e.lruElem)
	}
	e.lruElem = nil
	e.lruTier = tierNone
}

// demoteOldest ages entries from hot->warm->cold: it moves the oldest
// hot entry to warm, and the oldest warm entry to cold, when that ring
// holds more than a third of EntryLimit. No code path in this package
// calls it. It is kept deliberately simple since fairness under
// contention is an explicit non-goal (spec §1).
func (p *lruPool) demoteOldest() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e := backEntry(p.hot); e != nil && p.hot.Len() > p.cfg.EntryLimit/3+1 {
		p.hot.Remove(e.lruElem)
		e.lruElem = p.warm.PushFront(e)
		e.lruTier = tierWarm
	}
	if e := backEntry(p.warm); e != nil && p.warm.Len() > p.cfg.EntryLimit/3+1 {
		p.warm.Remove(e.lruElem)
		e.lruElem = p.cold.PushFront(e)
		e.lruTier = tierCold
	}
}

func backEntry(l *list.List) *Entry {
	if e := l.Back(); e != nil {
		return e.Value.(*Entry)
	}
	return nil
}

// lruCleanupPush enqueues entry for out-of-line finalization once it
// has gone unreachable but still has outstanding references that must
// drain first (spec §4.2, §4.11).
func (p *lruPool) lruCleanupPush(e *Entry) {
	p.cleanupMu.Lock()
	p.cleanup = append(p.cleanup, e)
	p.cleanupMu.Unlock()
}

// drainCleanup finalizes every queued entry whose reference count has
// reached zero, returning how many were finalized. Callers (tests, or
// a maintenance goroutine) call this periodically; nothing in the
// cache depends on timely draining since the cache is volatile and
// has no fairness guarantees (spec §1).
func (p *lruPool) drainCleanup() int {
	p.cleanupMu.Lock()
	pending := p.cleanup
	p.cleanup = nil
	p.cleanupMu.Unlock()

	finalized := 0
	var keep []*Entry
	for _, e := range pending {
		if e.refCountLoad() == 0 {
			p.finalize(e)
			finalized++
		} else {
			keep = append(keep, e)
		}
	}
	if len(keep) > 0 {
		p.cleanupMu.Lock()
		p.cleanup = append(p.cleanup, keep...)
		p.cleanupMu.Unlock()
	}
	return finalized
}

// finalize removes entry's last trace from the pool. By this point
// clean_entry has already run (export mappings unlinked, dirents
// invalidated); this drops the recency-ring linkage and, once nothing
// else can still reach e (refCount is 0 and UNREACHABLE is set by every
// caller of finalize), releases its heavy fields and offers the bare
// struct up for reuse via takeFree.
func (p *lruPool) finalize(e *Entry) {
	p.mu.Lock()
	p.removeFromRing(e)
	p.mu.Unlock()
	atomic.AddInt32(&p.count, -1)

	e.dir = nil
	e.exports = nil
	e.stateHandle = nil
	e.handle = nil
	p.pushFree(e)
}

// takeFree pops a previously finalized Entry off the free list for
// reuse, or returns nil if none is available. The caller must bump
// Generation and repopulate every field before publishing it.
func (p *lruPool) takeFree() *Entry {
	p.freeMu.Lock()
	defer p.freeMu.Unlock()
	n := len(p.free)
	if n == 0 {
		return nil
	}
	e := p.free[n-1]
	p.free[n-1] = nil
	p.free = p.free[:n-1]
	return e
}

// pushFree offers e up for reuse, capping the free list so it cannot
// itself grow into an unbounded retention path; an Entry that doesn't
// fit is simply left for the garbage collector.
func (p *lruPool) pushFree(e *Entry) {
	p.freeMu.Lock()
	defer p.freeMu.Unlock()
	if len(p.free) >= p.cfg.EntryLimit/8+1 {
		return
	}
	p.free = append(p.free, e)
}

// evictionCandidates returns up to max entries with no outstanding
// references, scanning the cold, warm and hot rings from their oldest
// end. It only selects victims; the caller (reclaimSome) kills them.
// It never blocks a reader: only entries with refCount == 0 are
// candidates (spec §4.2).
func (p *lruPool) evictionCandidates(max int) []*Entry {
	p.mu.Lock()
	defer p.mu.Unlock()

	var victims []*Entry
	for _, ring := range []*list.List{p.cold, p.warm, p.hot} {
		for e := ring.Back(); e != nil && len(victims) < max; e = e.Prev() {
			ent := e.Value.(*Entry)
			if ent.refCountLoad() == 0 && !ent.flagsLoad().has(FlagUnreachable) {
				victims = append(victims, ent)
			}
		}
		if len(victims) >= max {
			break
		}
	}
	return victims
}

// recordMapping bumps the inode_mapping counter (spec §5): a fresh
// handle -> key derivation happened, whether or not it resulted in a
// new Entry.
func (p *lruPool) recordMapping() {
	atomic.AddUint64(&p.inodeMapping, 1)
}

func (p *lruPool) overLimit() bool {
	return int(atomic.LoadInt32(&p.count)) > p.cfg.EntryLimit
}

// getChunk allocates a fresh chunk, reclaiming a victim chunk from any
// directory if the pool-wide chunk limit has been reached (spec §4.2's
// get_chunk, "a victim chunk from any directory").
func (p *lruPool) getChunk(parent *Entry) *chunk {
	p.maybeReclaimChunk()

	c := newChunk(parent)
	p.lruBumpChunk(c)
	return c
}

// lruBumpChunk inserts or re-promotes c to the front of the chunk LRU.
func (p *lruPool) lruBumpChunk(c *chunk) {
	p.chunkMu.Lock()
	defer p.chunkMu.Unlock()
	if c.lruElem != nil {
		p.chunkLRU.Remove(c.lruElem)
	} else {
		p.chunks++
	}
	c.lruElem = p.chunkLRU.PushFront(c)
}

// lruRemoveChunk drops c from the chunk LRU without touching its
// directory's chunk list (the caller does that separately).
func (p *lruPool) lruRemoveChunk(c *chunk) {
	p.chunkMu.Lock()
	defer p.chunkMu.Unlock()
	if c.lruElem != nil {
		p.chunkLRU.Remove(c.lruElem)
		c.lruElem = nil
		p.chunks--
	}
}

// maybeReclaimChunk detaches the coldest chunk in the pool-wide LRU
// from that LRU and decrements p.chunks if the pool is at its
// configured limit (spec §4.2: "eviction of a chunk may proceed while
// other chunks of the same directory remain").
//
// It deliberately stops there instead of also unlinking the victim
// from its directory's chunk list and indexes: getChunk (and so
// maybeReclaimChunk) is called by populateOnePass while that caller
// already holds its own directory's content lock. The victim chunk
// may belong to that very directory (self-deadlock on dir.mu, which
// is not reentrant) or to a different one reached out of the address
// order spec §4.4 rule 3 requires. Finishing the reclaim therefore
// needs a lock it cannot safely take here, so the victim is hefted
// onto chunkCleanup and finished later by drainChunkCleanup, which
// only ever tries a non-blocking TryLock.
func (p *lruPool) maybeReclaimChunk() {
	p.chunkMu.Lock()
	var victim *chunk
	if p.chunks >= p.cfg.ChunkLimit {
		if e := p.chunkLRU.Back(); e != nil {
			victim = e.Value.(*chunk)
			p.chunkLRU.Remove(e)
			victim.lruElem = nil
			p.chunks--
		}
	}
	p.chunkMu.Unlock()

	if victim == nil {
		return
	}
	p.chunkCleanupMu.Lock()
	p.chunkCleanup = append(p.chunkCleanup, victim)
	p.chunkCleanupMu.Unlock()
}

// drainChunkCleanup finishes unlinking every chunk queued by
// maybeReclaimChunk: take its parent directory's content lock
// (non-blocking) and remove it from that directory's chunk list and
// indexes. A chunk whose directory is currently busy stays queued for
// the next call. Returns how many chunks were fully reclaimed.
func (p *lruPool) drainChunkCleanup() int {
	p.chunkCleanupMu.Lock()
	pending := p.chunkCleanup
	p.chunkCleanup = nil
	p.chunkCleanupMu.Unlock()

	reclaimed := 0
	var retry []*chunk
	for _, ch := range pending {
		if cleanDirentChunkTry(ch) {
			reclaimed++
		} else {
			retry = append(retry, ch)
		}
	}
	if len(retry) > 0 {
		p.chunkCleanupMu.Lock()
		p.chunkCleanup = append(p.chunkCleanup, retry...)
		p.chunkCleanupMu.Unlock()
	}
	return reclaimed
}

// Stats is a point-in-time snapshot of the LRU pool's counters.
type Stats struct {
	Entries      int
	Chunks       int
	InodeMapping uint64
	InodeHit     uint64
	InodeAdded   uint64
	InodeConf    uint64
}

func (p *lruPool) stats() Stats {
	p.chunkMu.Lock()
	chunks := p.chunks
	p.chunkMu.Unlock()
	return Stats{
		Entries:      int(atomic.LoadInt32(&p.count)),
		Chunks:       chunks,
		InodeMapping: atomic.LoadUint64(&p.inodeMapping),
		InodeHit:     atomic.LoadUint64(&p.inodeHit),
		InodeAdded:   atomic.LoadUint64(&p.inodeAdded),
		InodeConf:    atomic.LoadUint64(&p.inodeConf),
	}
}
