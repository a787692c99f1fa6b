package mdcache

// placeNewDirent implements spec §4.7's place_new_dirent: decide
// whether a dirent discovered outside of a bulk readdir (create, link,
// an uncached lookup) belongs to an already-cached chunk, a brand new
// one, or the detached list. Caller must hold no lock on dir; this
// function takes dir.mu for write itself.
func (c *Cache) placeNewDirent(parent *Entry, name string, ckey cihKey) (*dirent, error) {
	dir := parent.dir

	cookie, ok := c.fsal.ComputeReaddirCookie(parent.handle, name)
	if !ok {
		cookie = 0
	}

	dir.mu.Lock()
	defer dir.mu.Unlock()

	if existing := dir.idx.lookupName(name); existing != nil && !existing.isDeleted() {
		return nil, ErrExist
	}

	if dir.idx.count() >= c.cfg.AvlMax {
		parent.flagsClear(FlagTrustDirChunks)
		parent.flagsClear(FlagTrustContent)
		parent.flagsSet(FlagBypassDircache)
		return nil, ErrOverflow
	}

	d := &dirent{name: name, ckey: ckey, cookie: cookie}

	if err := dir.idx.insertName(d); err != nil {
		return nil, err
	}

	if cookie == 0 || !c.cfg.chunkingEnabled() {
		// Step 1: no computable cookie means we cannot trust where this
		// dirent sits relative to cached chunks.
		parent.flagsClear(FlagTrustDirChunks)
		c.addDetachedLocked(dir, d)
		return d, nil
	}

	pred, succ := dir.idx.neighbors(cookie)

	switch {
	case pred != nil && succ != nil && pred.chunk != nil && pred.chunk == succ.chunk:
		// Both neighbors share a chunk: insert directly between them.
		insertBetween(pred.chunk, pred, succ, d)

	case pred != nil && succ != nil && pred.chunk != nil && succ.chunk != nil &&
		pred.chunk.listElem != nil && pred.chunk.listElem.Next() == succ.chunk.listElem:
		// Neighbors sit at the seam of two consecutive chunks: the dirent
		// joins the predecessor's chunk right after it.
		insertBetween(pred.chunk, pred, succ, d)

	case pred != nil && pred.chunk != nil && pred.chunk.eod:
		// Only a predecessor exists and it holds eod: extend the last
		// chunk and move eod onto the new tail.
		pred.chunk.eod = false
		pred.chunk.appendDirent(d)
		pred.chunk.eod = true

	case succ != nil && succ.chunk != nil && dir.firstCk == firstCookieOf(succ.chunk):
		// Only a successor exists and it is the directory's first cached
		// chunk: prepend and advance first_ck.
		succ.chunk.prependDirent(d)
		dir.firstCk = cookie

	case pred != nil && succ != nil && pred.chunk != succ.chunk:
		// Neighbors straddle a gap between non-adjacent chunks: lives in
		// an uncached region. Chunks remain trusted; dirent is detached.
		c.addDetachedLocked(dir, d)
		dir.idx.insertSort(d)
		return d, nil

	default:
		// No neighbors, or the insertion point is outside any chunk's
		// range: detached, chunks remain trusted.
		c.addDetachedLocked(dir, d)
		dir.idx.insertSort(d)
		return d, nil
	}

	dir.idx.insertCookie(d)
	dir.idx.insertSort(d)

	if d.chunk != nil && d.chunk.numEntries >= c.cfg.AvlChunkSplit {
		c.splitChunkLocked(dir, d.chunk)
	}

	return d, nil
}

// insertBetween places fresh at the correct end of chunk relative to
// its two sort-tree neighbors, which already belong to chunk.
func insertBetween(ck *chunk, pred, succ, fresh *dirent) {
	// Walk the chunk's stream-order list to find pred's position so
	// fresh can be spliced in immediately after it; the chunk's list is
	// small (bounded by avl_chunk_split) so a linear scan is cheap.
	for el := ck.dirents.Front(); el != nil; el = el.Next() {
		if el.Value.(*dirent) == pred {
			fresh.chunk = ck
			fresh.chunkElem = ck.dirents.InsertAfter(fresh, el)
			ck.numEntries++
			return
		}
	}
	_ = succ
	ck.appendDirent(fresh)
}

// addDetachedLocked pushes d onto the detached LRU, evicting the
// oldest detached dirent if the list is already at capacity (spec
// §4.7 step 5). Caller holds dir.mu.
func (c *Cache) addDetachedLocked(dir *dirPayload, d *dirent) {
	dir.spin.Lock()
	defer dir.spin.Unlock()

	if dir.detached.Len() >= c.cfg.AvlDetachedMax {
		if victim := dir.detached.Back(); victim != nil {
			vd := victim.Value.(*dirent)
			dir.detached.Remove(victim)
			vd.detachedElem = nil
			dir.idx.removeName(vd)
			dir.idx.removeSort(vd)
		}
	}
	d.detachedElem = dir.detached.PushFront(d)
}

// removeDetachedLocked unlinks d from the detached LRU without
// touching the name/sort indexes, used when a population pass adopts
// a previously detached dirent into a real chunk. Caller holds dir.mu.
func removeDetachedLocked(dir *dirPayload, d *dirent) {
	dir.spin.Lock()
	defer dir.spin.Unlock()
	if d.detachedElem != nil {
		dir.detached.Remove(d.detachedElem)
		d.detachedElem = nil
	}
}

// splitChunkLocked splits ck in half once it reaches avl_chunk_split
// (spec §4.7 step 4), registering the new second half in both the
// directory's chunk list and the pool-wide chunk LRU. Caller holds
// dir.mu.
func (c *Cache) splitChunkLocked(dir *dirPayload, ck *chunk) {
	second := ck.split()
	dcl := dirChunkList{dir: dir}
	dcl.insertAfter(ck, second)
	c.pool.lruBumpChunk(second)
}
