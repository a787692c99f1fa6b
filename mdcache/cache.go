// Package mdcache implements the metadata-cache layer of a pluggable
// network filesystem server: a globally keyed table of cache entries
// with LRU eviction, a chunked directory-listing subsystem, export
// mapping with an unexport barrier, and attribute trust/invalidation.
// It never performs storage I/O itself; every miss delegates to a
// subfsal.SubFSAL.
package mdcache

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/mdcache/mdc/mlog"
	"github.com/mdcache/mdc/subfsal"
)

// Cache is the metadata cache for a single sub-FSAL backend. A server
// that stacks several sub-FSALs runs one Cache per backend; entries
// from different backends never share a key (cihKey embeds the
// sub-FSAL id).
type Cache struct {
	cfg  Config
	fsal subfsal.SubFSAL
	log  *mlog.Logger

	keys *keyTable
	pool *lruPool

	// newEntryGroup collapses concurrent misses for the same key into
	// one SubFSAL round trip (spec §4.3 step 3's race-check, folded
	// one layer earlier). Keyed by the string form of cihKey.
	newEntryGroup singleflight.Group

	// delayLimiter paces how often a contended readdir population pass
	// is reported back to the caller as ErrDelay (Config.RetryReaddir)
	// rather than just blocked on internally, so a busy directory under
	// heavy concurrent listing doesn't turn every racing Readdir into
	// an immediate DELAY bounce.
	delayLimiter *rate.Limiter

	mu sync.Mutex // not taken by any current operation
}

// New builds a Cache backed by fsal.
func New(fsal subfsal.SubFSAL, cfg Config, log *mlog.Logger) *Cache {
	cfg = cfg.normalized()
	if log == nil {
		log = mlog.New("mdcache", mlog.LevelInfo)
	}
	return &Cache{
		cfg:          cfg,
		fsal:         fsal,
		log:          log,
		keys:         newKeyTable(cfg.Shards),
		pool:         newLRUPool(cfg),
		delayLimiter: rate.NewLimiter(rate.Limit(cfg.RetryReaddirRate), cfg.RetryReaddirBurst),
	}
}

// Stats returns a snapshot of the pool's recency and hit counters.
func (c *Cache) Stats() Stats { return c.pool.stats() }

// Config returns the cache's active configuration.
func (c *Cache) Config() Config { return c.cfg }

// DrainCleanup finalizes any queued-for-cleanup entries whose
// reference count has since reached zero, and finishes unlinking any
// reclaimed directory chunks whose parent directory was busy at
// reclaim time (see lruPool.maybeReclaimChunk). The cache has no
// background reaper of its own (spec §1: no fairness guarantees beyond
// deadlock avoidance); callers that care about prompt memory
// reclamation should call this periodically.
func (c *Cache) DrainCleanup() int {
	return c.pool.drainCleanup() + c.pool.drainChunkCleanup()
}

// ResolveRoot resolves a sub-FSAL-provided handle (typically a mount's
// root) into a cache Entry via new_entry, without going through a
// parent directory's dirent set. Every mount wires its root Entry once
// at startup this way.
func (c *Cache) ResolveRoot(ctx context.Context, h subfsal.Handle) (*Entry, error) {
	attrs, err := c.fsal.GetAttrs(ctx, h, subfsal.MaskAll)
	if err != nil {
		return nil, wrapErr(KindOf(err), err, "resolve root")
	}
	return c.newEntry(ctx, attrs.Type, h, attrs)
}

// findKeyed is the CIH fast lookup used by new_entry's hit path (spec
// §4.3 step 2): find by key, take an initial reference, clear
// UNREACHABLE if it had been set racily, and record a hit.
func (c *Cache) findKeyed(key cihKey) *Entry {
	e, sh := c.keys.getByKeyLatchRead(key)
	if e == nil {
		return nil
	}
	defer sh.mu.RUnlock()

	if !c.pool.lruRef(e, RefInitial) {
		return nil
	}
	e.flagsClear(FlagUnreachable)
	c.pool.touch(e)
	atomic.AddUint64(&c.pool.inodeHit, 1)
	return e
}
