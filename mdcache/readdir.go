package mdcache

import (
	"container/list"
	"context"
	"sync/atomic"

	"github.com/mdcache/mdc/subfsal"
)

// ReaddirEntry is one entry delivered to a Readdir callback: the
// dirent's name and cookie plus the child Entry, or nil if the child is
// no longer cached. Readdir holds a reference on Entry only while the
// callback runs and drops it when the callback returns.
type ReaddirEntry struct {
	Name   string
	Cookie uint64
	Entry  *Entry
}

// Readdir implements spec §4.8's readdir_chunked: resolve the starting
// position for cookie whence.Cookie (or whence.Name under a
// WhenceIsName sub-FSAL), populating chunks from the sub-FSAL as
// needed, and invoke cb for every live dirent in order. eodMet is true
// only if the walk reached the natural end of the directory rather
// than being stopped early by cb returning RdTerminate.
func (c *Cache) Readdir(ctx context.Context, parent *Entry, whence subfsal.Whence, cb func(ReaddirEntry) (subfsal.RdResult, error)) (eodMet bool, err error) {
	if parent.Type() != subfsal.TypeDirectory {
		return false, newErrf(KindInval, "readdir on non-directory entry")
	}
	if _, err := opContextFrom(ctx); err != nil {
		return false, err
	}

	dir := parent.dir
	w := whence.Cookie

	dir.mu.RLock()
	if w == 0 {
		w = dir.firstCk
	}
	startDirent := dir.idx.lookupCookie(w)
	haveChunks := dir.chunks.Len() > 0
	dir.mu.RUnlock()

	if startDirent == nil && (w != 0 || !haveChunks) {
		if err := c.populateFrom(ctx, parent, whence); err != nil {
			return false, err
		}
		dir.mu.RLock()
		if w == 0 {
			w = dir.firstCk
		}
		startDirent = dir.idx.lookupCookie(w)
		dir.mu.RUnlock()
		if startDirent == nil && w != 0 {
			return false, ErrBadCookie
		}
	}

	var chunkElem *list.Element
	var direntElem *list.Element

	dir.mu.RLock()
	if startDirent != nil && startDirent.chunk != nil {
		chunkElem = startDirent.chunk.listElem
		direntElem = startDirent.chunkElem
	} else {
		chunkElem = dir.chunks.Front()
		if chunkElem != nil {
			direntElem = chunkElem.Value.(*chunk).dirents.Front()
		}
	}
	dir.mu.RUnlock()

	for {
		if chunkElem == nil {
			// Nothing cached yet at all, or we walked off the tail
			// without having reached eod: one more population pass.
			if err := c.populateFrom(ctx, parent, subfsal.Whence{Cookie: w}); err != nil {
				return false, err
			}
			dir.mu.RLock()
			chunkElem = dir.chunks.Back()
			var eod bool
			if chunkElem != nil {
				eod = chunkElem.Value.(*chunk).eod
			}
			dir.mu.RUnlock()
			if chunkElem == nil || eod {
				return true, nil
			}
			direntElem = chunkElem.Value.(*chunk).dirents.Front()
			continue
		}

		ck := chunkElem.Value.(*chunk)
		for el := direntElem; el != nil; el = el.Next() {
			d := el.Value.(*dirent)
			if d.isDeleted() {
				continue
			}
			child, rerr := c.resolveDirentEntry(ctx, d)
			if rerr != nil {
				return false, rerr
			}
			res, cerr := cb(ReaddirEntry{Name: d.name, Cookie: d.cookie, Entry: child})
			if child != nil {
				child.refPut()
			}
			if cerr != nil {
				return false, cerr
			}
			if res == subfsal.RdTerminate {
				return false, nil
			}
			w = d.cookie
		}

		next := chunkElem.Next()
		if next == nil {
			if ck.eod {
				return true, nil
			}
			chunkElem = nil // trigger a population pass above
			continue
		}
		chunkElem = next
		direntElem = next.Value.(*chunk).dirents.Front()
	}
}

// resolveDirentEntry resolves a dirent's cached child key back to a
// referenced Entry through the cache's own hash table. It returns nil,
// nil if the child has since been evicted or gone unreachable and does
// not ask the sub-FSAL (the cookie and name survive eviction of the
// child; only the child's own cache state does not).
func (c *Cache) resolveDirentEntry(ctx context.Context, d *dirent) (*Entry, error) {
	if e, sh := c.keys.getByKeyLatchRead(d.ckey); e != nil {
		defer sh.mu.RUnlock()
		if e.refGet(true) {
			return e, nil
		}
	}
	return nil, nil
}

// populateFrom implements spec §4.8 steps 3-6 (populate_dir_chunk): it
// allocates a fresh chunk, asks the sub-FSAL to walk the directory
// starting at whence, and for each entry resolves or creates the
// child via new_entry, links it into the current chunk, and rotates to
// a new chunk every avl_chunk entries (READAHEAD) or stitches into an
// already-cached chunk and stops (TERMINATE) on collision.
func (c *Cache) populateFrom(ctx context.Context, parent *Entry, whence subfsal.Whence) error {
	dir := parent.dir
	feat := c.fsal.Features()

	if feat.WhenceIsName && whence.Name == "" && whence.Cookie != 0 {
		dir.mu.RLock()
		if d := dir.idx.lookupCookie(whence.Cookie); d != nil {
			whence.Name = d.name
		}
		dir.mu.RUnlock()
	}

	if !atomic.CompareAndSwapInt32(&dir.populating, 0, 1) {
		// Someone else is already inside populateOnePass for this
		// directory. Rather than pile on and wait behind it, tell the
		// caller to retry, but only as fast as delayLimiter allows so a
		// hot directory under heavy concurrent listing doesn't turn
		// every racing Readdir into an immediate DELAY bounce.
		if c.cfg.RetryReaddir && c.delayLimiter.Allow() {
			c.log.Debugf("readdir: directory %s busy, returning DELAY", sfKeyString(parent.key))
			return ErrDelay
		}
	} else {
		defer atomic.StoreInt32(&dir.populating, 0)
	}

	return c.populateOnePass(ctx, parent, dir, whence)
}

func (c *Cache) populateOnePass(ctx context.Context, parent *Entry, dir *dirPayload, whence subfsal.Whence) error {
	dir.mu.Lock()
	defer dir.mu.Unlock()

	dcl := dirChunkList{dir: dir}
	cur := c.pool.getChunk(parent)
	dcl.insertAfter(backChunk(dir.chunks), cur)
	c.pool.lruBumpChunk(cur)

	countInChunk := 0

	// prev is the chunk just rotated away from; its nextCk is set from
	// the first cookie that lands in the chunk after it.
	var prev *chunk
	linkPrev := func(cookie uint64) {
		if prev != nil && cookie != 0 {
			prev.nextCk = cookie
			prev = nil
		}
	}

	rotateIfFull := func(cookie uint64) subfsal.RdResult {
		countInChunk++
		if countInChunk >= c.cfg.AvlChunk {
			countInChunk = 0
			next := c.pool.getChunk(parent)
			prev = cur
			dcl.insertAfter(cur, next)
			c.pool.lruBumpChunk(next)
			cur = next
			return subfsal.RdReadahead
		}
		return subfsal.RdContinue
	}

	eod, err := c.fsal.Readdir(ctx, parent.handle, whence, subfsal.MaskAll, func(de subfsal.DirEntry) (subfsal.RdResult, error) {
		if existing := dir.idx.lookupName(de.Name); existing != nil && !existing.isDeleted() {
			if existing.chunk != nil {
				// Caught up to a chunk this directory already has
				// cached: stitch the chain together and stop walking
				// the sub-FSAL any further.
				cur.nextCk = firstCookieOf(existing.chunk)
				linkPrev(cur.nextCk)
				return subfsal.RdTerminate, nil
			}
			// A dirent for this name is cached but detached (it was
			// created or looked up outside of a bulk readdir, spec
			// §4.7); adopt it into the chunk being built instead of
			// creating a duplicate or stalling the walk.
			removeDetachedLocked(dir, existing)
			cur.appendDirent(existing)
			linkPrev(de.Cookie)
			if de.Cookie != 0 {
				existing.cookie = de.Cookie
				dir.idx.insertCookie(existing)
				if dir.firstCk == 0 {
					dir.firstCk = de.Cookie
				}
			}
			return rotateIfFull(de.Cookie), nil
		}

		child, cerr := c.newEntry(ctx, de.Attrs.Type, de.Handle, de.Attrs)
		if cerr != nil {
			return subfsal.RdTerminate, cerr
		}

		d := &dirent{name: de.Name, ckey: child.key, cookie: de.Cookie}
		if ierr := dir.idx.insertName(d); ierr != nil {
			child.refPut()
			return subfsal.RdContinue, nil
		}
		cur.appendDirent(d)
		linkPrev(de.Cookie)
		if de.Cookie != 0 {
			dir.idx.insertCookie(d)
			dir.idx.insertSort(d)
			if dir.firstCk == 0 {
				dir.firstCk = de.Cookie
			}
		}
		child.refPut()

		return rotateIfFull(de.Cookie), nil
	})
	if err != nil {
		return err
	}
	cur.eod = eod
	if eod && !dir.icreateInFlight() {
		// A create racing this pass may have landed its dirent on either
		// side of wherever the scan had already walked past; until it
		// finishes, eod here doesn't mean the content is actually
		// complete (spec §4.7, §4.8).
		parent.flagsSet(FlagDirPopulated)
		parent.flagsSet(FlagTrustContent)
	}
	parent.flagsSet(FlagTrustDirChunks)
	return nil
}

func backChunk(l *list.List) *chunk {
	if e := l.Back(); e != nil {
		return e.Value.(*chunk)
	}
	return nil
}
