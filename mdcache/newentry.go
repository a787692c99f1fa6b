package mdcache

import (
	"context"
	"strconv"
	"time"

	"github.com/mdcache/mdc/subfsal"
)

// deriveKey turns a freshly obtained sub-FSAL handle into a cihKey,
// applying the optional HostToKeyer transform when the backend's wire
// encoding and storage-key encoding diverge (spec §4.1).
func (c *Cache) deriveKey(h subfsal.Handle) cihKey {
	raw := c.fsal.HandleToKey(h)
	if hk, ok := c.fsal.(subfsal.HostToKeyer); ok {
		raw = hk.HostToKey(raw)
	}
	return makeKey(c.fsal.ID(), raw)
}

// sfKeyString renders a cihKey as the string singleflight.Group.Do
// needs, so concurrent misses on the same key collapse into one
// allocation attempt instead of racing the hash table (spec §4.3 step
// 3's "check again under the write latch", folded one layer earlier).
func sfKeyString(k cihKey) string {
	return strconv.FormatUint(uint64(k.subFSALID), 16) + ":" +
		strconv.FormatUint(k.hash, 16) + ":" + k.raw
}

// newEntry implements spec §4.3: resolve a sub-FSAL handle to a cache
// entry, creating one on a miss. The caller hands over ownership of
// handle; on a hit it is merged into and then released against the
// already-cached handle.
func (c *Cache) newEntry(ctx context.Context, typ subfsal.ObjType, handle subfsal.Handle, attrs subfsal.Attrs) (*Entry, error) {
	opCtx, err := opContextFrom(ctx)
	if err != nil {
		return nil, err
	}
	if opCtx.Export.isUnexporting() {
		c.fsal.Release(handle)
		return nil, ErrStale
	}

	key := c.deriveKey(handle)

	if e := c.findKeyed(key); e != nil {
		if err := c.fsal.Merge(e.handle, handle); err != nil {
			e.refPut()
			return nil, wrapErr(KindServerFault, err, "merge existing entry")
		}
		c.fsal.Release(handle)
		c.maybeUpdateAttrs(e, attrs)
		if err := checkMapping(e, opCtx.Export); err != nil {
			e.refPut()
			return nil, err
		}
		return e, nil
	}

	v, err, _ := c.newEntryGroup.Do(sfKeyString(key), func() (interface{}, error) {
		return c.createOrAttach(key, typ, handle, attrs, opCtx)
	})
	if err != nil {
		return nil, err
	}
	entry := v.(*Entry)

	// Every caller, including the singleflight winner, takes its own
	// reference here (createOrAttach takes none); the winner's result is
	// shared verbatim with every waiter.
	if entry == nil || !c.pool.lruRef(entry, RefInitial) {
		return nil, ErrStale
	}
	if err := checkMapping(entry, opCtx.Export); err != nil {
		entry.refPut()
		return nil, err
	}
	return entry, nil
}

// createOrAttach runs under singleflight de-duplication: it re-checks
// the hash table under the shard's write latch (the losing side of a
// race that slipped past findKeyed but arrived with a different
// singleflight caller entirely, e.g. a concurrent kill_entry + re-miss)
// and otherwise allocates and publishes a fresh Entry.
func (c *Cache) createOrAttach(key cihKey, typ subfsal.ObjType, handle subfsal.Handle, attrs subfsal.Attrs, opCtx *OpContext) (*Entry, error) {
	sh := c.keys.shardFor(key)
	sh.mu.Lock()

	if existing, ok := sh.entries[key]; ok {
		sh.mu.Unlock()
		if err := c.fsal.Merge(existing.handle, handle); err != nil {
			return nil, wrapErr(KindServerFault, err, "merge existing entry")
		}
		c.fsal.Release(handle)
		c.maybeUpdateAttrs(existing, attrs)
		// No ref is taken here: every singleflight waiter, including
		// this call's own caller, takes its reference uniformly via the
		// shared lruRef step once Do returns, and checkMapping there adds
		// this export's mapping if the entry lacks one (see newEntry).
		return existing, nil
	}

	e := c.pool.takeFree()
	generation := uint64(0)
	if e != nil {
		generation = e.generation + 1
		*e = Entry{generation: generation}
	} else {
		e = &Entry{}
	}
	e.key = key
	e.typ = typ
	e.fsal = c.fsal
	e.cache = c
	if typ == subfsal.TypeDirectory {
		e.dir = newDirPayload()
	}
	e.handle = handle
	// refCount starts at 0: the hash table's "sentinel reference" is
	// just its presence in the shard map (see keyTable.removeChecked),
	// not a counted ref. The first real reference is handed out by the
	// shared lruRef step in newEntry once this call returns.

	now := time.Now()
	e.attrMu.Lock()
	e.attrs = attrs
	if attrs.Mask != 0 {
		e.attrsExpire = now.Add(c.cfg.ExpireTimeAttr).UnixNano()
		e.flagsSet(FlagTrustAttrs)
	}
	e.attrMu.Unlock()

	attachFirstExport(e, opCtx.Export)
	c.keys.setLatched(sh, key, e)
	sh.mu.Unlock()

	c.pool.lruInsert(e)
	c.pool.recordMapping()
	c.log.Debugf("new entry: key=%s type=%v export=%d", sfKeyString(key), typ, opCtx.Export.idNum)

	if c.pool.overLimit() {
		c.reclaimSome()
	}

	return e, nil
}

// maybeUpdateAttrs refreshes an existing entry's attributes if the
// caller supplied any (a bare lookup that only needed the handle passes
// a zero-value Attrs and leaves the cached copy untouched).
func (c *Cache) maybeUpdateAttrs(e *Entry, attrs subfsal.Attrs) {
	if attrs.Mask == 0 {
		return
	}
	e.attrMu.Lock()
	e.attrs = attrs
	e.attrsExpire = time.Now().Add(c.cfg.ExpireTimeAttr).UnixNano()
	e.flagsSet(FlagTrustAttrs)
	e.attrMu.Unlock()
}

// reclaimSome evicts a handful of cold, unreferenced entries when the
// pool has drifted over its configured limit (spec §4.2). It is best
// effort: an empty victim list just means the pool is fully pinned,
// which is not an error.
func (c *Cache) reclaimSome() {
	victims := c.pool.evictionCandidates(8)
	if len(victims) == 0 {
		c.log.Debugf("eviction: pool over limit (%d entries) but nothing reclaimable", c.pool.stats().Entries)
		return
	}
	c.log.Debugf("eviction: reclaiming %d entries", len(victims))
	for _, victim := range victims {
		c.killEntry(victim)
	}
}
