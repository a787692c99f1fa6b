package mdcache

import (
	"context"
	"math/rand"
	"time"

	"github.com/mdcache/mdc/subfsal"
)

// Lookup implements spec §4.10's lookup: consult the cached dirent set
// under the content lock first, falling back to the sub-FSAL on a
// miss.
func (c *Cache) Lookup(ctx context.Context, parent *Entry, name string) (*Entry, error) {
	if parent.Type() != subfsal.TypeDirectory {
		return nil, newErrf(KindInval, "lookup on non-directory entry")
	}
	dir := parent.dir

	dir.mu.RLock()
	bypass := parent.flagsLoad().has(FlagBypassDircache)
	trusted := parent.flagsLoad().has(FlagTrustContent)
	var d *dirent
	if !bypass {
		d = dir.idx.lookupName(name)
	}
	dir.mu.RUnlock()

	if d == nil && trusted && !bypass {
		// The directory's content index is complete (spec §4.4's
		// DIR_POPULATED/TRUST_CONTENT) and has no entry for name: a
		// sub-FSAL round trip could only confirm what the index
		// already tells us.
		return nil, ErrNoEnt
	}

	if d != nil && !d.isDeleted() {
		if e := c.findKeyed(d.ckey); e != nil {
			return e, nil
		}
		// Cached mapping pointed at an entry that has since been
		// reclaimed; fall through and re-resolve via the sub-FSAL.
	}

	handle, attrs, err := c.fsal.Lookup(ctx, parent.handle, name)
	if err != nil {
		return nil, wrapErr(KindOf(err), err, "lookup")
	}

	child, err := c.newEntry(ctx, attrs.Type, handle, attrs)
	if err != nil {
		return nil, err
	}
	// On ErrOverflow the parent is now in bypass mode and the child is
	// returned without a cached dirent.
	if _, perr := c.placeNewDirent(parent, name, child.key); perr != nil && KindOf(perr) != KindExist && KindOf(perr) != KindOverflow {
		child.refPut()
		return nil, perr
	}
	return child, nil
}

// createLike runs the common tail of create/mkdir/mknod/symlink: place
// the new child's dirent under the parent, deciding whether the parent
// attributes need outright invalidation or can be left trusted because
// the dirent was placeable into a chunk (spec §4.10).
func (c *Cache) createLike(parent *Entry, name string, child *Entry) {
	_, err := c.placeNewDirent(parent, name, child.key)
	if err != nil && KindOf(err) != KindExist {
		parent.flagsClear(FlagTrustAttrs)
		return
	}
	// Placed (or already present from a racing populate): schedule a
	// cheap refresh rather than dropping trust outright.
	parent.attrMu.Lock()
	parent.attrsExpire = 0
	parent.attrMu.Unlock()
}

// Create implements spec §4.10's create.
func (c *Cache) Create(ctx context.Context, parent *Entry, name string, mode uint32, attrs subfsal.Attrs) (*Entry, error) {
	parent.dir.icreateBegin()
	defer parent.dir.icreateEnd()

	h, a, err := c.fsal.Create(ctx, parent.handle, name, mode, attrs)
	if err != nil {
		return nil, wrapErr(KindOf(err), err, "create")
	}
	child, err := c.newEntry(ctx, subfsal.TypeRegular, h, a)
	if err != nil {
		return nil, err
	}
	c.createLike(parent, name, child)
	return child, nil
}

// Mkdir implements spec §4.10's mkdir.
func (c *Cache) Mkdir(ctx context.Context, parent *Entry, name string, mode uint32, attrs subfsal.Attrs) (*Entry, error) {
	parent.dir.icreateBegin()
	defer parent.dir.icreateEnd()

	h, a, err := c.fsal.Mkdir(ctx, parent.handle, name, mode, attrs)
	if err != nil {
		return nil, wrapErr(KindOf(err), err, "mkdir")
	}
	child, err := c.newEntry(ctx, subfsal.TypeDirectory, h, a)
	if err != nil {
		return nil, err
	}
	c.createLike(parent, name, child)
	return child, nil
}

// Mknod implements spec §4.10's mknode.
func (c *Cache) Mknod(ctx context.Context, parent *Entry, name string, mode uint32, dev uint64, attrs subfsal.Attrs) (*Entry, error) {
	parent.dir.icreateBegin()
	defer parent.dir.icreateEnd()

	h, a, err := c.fsal.Mknod(ctx, parent.handle, name, mode, dev, attrs)
	if err != nil {
		return nil, wrapErr(KindOf(err), err, "mknod")
	}
	child, err := c.newEntry(ctx, a.Type, h, a)
	if err != nil {
		return nil, err
	}
	c.createLike(parent, name, child)
	return child, nil
}

// Symlink implements spec §4.10's symlink.
func (c *Cache) Symlink(ctx context.Context, parent *Entry, name, target string, attrs subfsal.Attrs) (*Entry, error) {
	parent.dir.icreateBegin()
	defer parent.dir.icreateEnd()

	h, a, err := c.fsal.Symlink(ctx, parent.handle, name, target, attrs)
	if err != nil {
		return nil, wrapErr(KindOf(err), err, "symlink")
	}
	child, err := c.newEntry(ctx, subfsal.TypeSymlink, h, a)
	if err != nil {
		return nil, err
	}
	c.createLike(parent, name, child)
	return child, nil
}

// Readlink is a thin pass-through; MDC never caches link targets.
func (c *Cache) Readlink(ctx context.Context, e *Entry) (string, error) {
	target, err := c.fsal.Readlink(ctx, e.handle)
	if err != nil {
		return "", wrapErr(KindOf(err), err, "readlink")
	}
	return target, nil
}

// Unlink implements spec §4.10's unlink: mark the dirent DELETED,
// invalidate parent and child attributes, clear the child's directory
// parent back-pointer, and mark the child UNREACHABLE.
func (c *Cache) Unlink(ctx context.Context, parent *Entry, name string) error {
	if err := c.fsal.Unlink(ctx, parent.handle, name); err != nil {
		kind := KindOf(err)
		if kind == KindExist { // NOTEMPTY surfaced by the sub-FSAL as EXIST
			parent.dir.mu.Lock()
			if d := parent.dir.idx.lookupName(name); d != nil {
				if e, sh := c.keys.getByKeyLatchRead(d.ckey); e != nil {
					sh.mu.RUnlock()
					if e.dir != nil {
						e.dir.mu.Lock()
						invalidateDirContentLocked(e.dir, c.pool)
						e.dir.mu.Unlock()
						e.flagsClear(FlagTrustContent | FlagTrustDirChunks | FlagDirPopulated)
					}
				}
			}
			parent.dir.mu.Unlock()
		}
		return wrapErr(kind, err, "unlink")
	}

	parent.dir.mu.Lock()
	d := parent.dir.idx.lookupName(name)
	if d != nil {
		d.flags |= direntDeleted
		parent.dir.idx.removeName(d)
	}
	parent.dir.mu.Unlock()
	parent.flagsClear(FlagTrustAttrs)

	if d != nil {
		if e, sh := c.keys.getByKeyLatchRead(d.ckey); e != nil {
			sh.mu.RUnlock()
			e.flagsClear(FlagTrustAttrs)
			if e.dir != nil {
				e.dir.mu.Lock()
				e.dir.parentHandleBytes = nil
				e.dir.mu.Unlock()
			}
			e.flagsSet(FlagUnreachable)
		}
	}
	return nil
}

const (
	renameBackoffInitial = 250 * time.Microsecond
	renameBackoffCap     = 4 * time.Millisecond
	renameBackoffRetries = 5
)

// lockTwoDirs acquires both directories' content write locks in
// address order, the bounded-backoff two-lock dance resolving spec
// §9's sleep(1) open question (§5 rule 3): rather than a raw
// scheduling yield, retries use exponential back-off with jitter
// capped at renameBackoffCap after renameBackoffRetries attempts.
func lockTwoDirs(a, b *dirPayload) func() {
	if a == b {
		a.mu.Lock()
		return func() { a.mu.Unlock() }
	}

	first, second := a, b
	if !uintptrLessDir(a, b) {
		first, second = b, a
	}

	first.mu.Lock()
	backoff := renameBackoffInitial
	for attempt := 0; ; attempt++ {
		if second.mu.TryLock() {
			break
		}
		if attempt >= renameBackoffRetries {
			backoff = renameBackoffCap
		}
		jitter := time.Duration(rand.Int63n(int64(backoff) + 1))
		time.Sleep(backoff + jitter)
		if backoff < renameBackoffCap {
			backoff *= 2
			if backoff > renameBackoffCap {
				backoff = renameBackoffCap
			}
		}
	}
	return func() {
		second.mu.Unlock()
		first.mu.Unlock()
	}
}

// Rename implements spec §4.10's rename.
func (c *Cache) Rename(ctx context.Context, oldDir *Entry, oldName string, newDir *Entry, newName string) error {
	unlock := lockTwoDirs(oldDir.dir, newDir.dir)
	defer unlock()

	if existing := newDir.dir.idx.lookupName(newName); existing != nil && !existing.isDeleted() {
		if src := oldDir.dir.idx.lookupName(oldName); src != nil && src.ckey == existing.ckey {
			return nil // already the same object: no-op
		}
	}

	res, err := c.fsal.Rename(ctx, oldDir.handle, oldName, newDir.handle, newName)
	if err != nil {
		return wrapErr(KindOf(err), err, "rename")
	}

	oldDir.flagsClear(FlagTrustAttrs)
	newDir.flagsClear(FlagTrustAttrs)

	srcDirent := oldDir.dir.idx.lookupName(oldName)
	if srcDirent == nil {
		return nil
	}
	srcEntry, sh := c.keys.getByKeyLatchRead(srcDirent.ckey)
	if sh != nil {
		sh.mu.RUnlock()
	}
	if srcEntry != nil {
		srcEntry.flagsClear(FlagTrustAttrs)
	}

	if res.ChangesKey || c.fsal.Features().RenameChangesKey {
		if srcEntry != nil {
			srcEntry.flagsSet(FlagUnreachable)
		}
		invalidateDirContentLocked(oldDir.dir, c.pool)
		oldDir.flagsClear(FlagTrustContent | FlagTrustDirChunks | FlagDirPopulated)
		if newDir != oldDir {
			invalidateDirContentLocked(newDir.dir, c.pool)
			newDir.flagsClear(FlagTrustContent | FlagTrustDirChunks | FlagDirPopulated)
		}
		return nil
	}

	if oldDir == newDir && !c.cfg.chunkingEnabled() {
		oldDir.dir.idx.removeName(srcDirent)
		srcDirent.name = newName
		_ = oldDir.dir.idx.insertName(srcDirent)
		return nil
	}

	oldDir.dir.idx.removeName(srcDirent)
	oldDir.dir.idx.removeCookie(srcDirent)
	oldDir.dir.idx.removeSort(srcDirent)
	if dst := newDir.dir.idx.lookupName(newName); dst != nil {
		newDir.dir.idx.removeName(dst)
		newDir.dir.idx.removeCookie(dst)
		newDir.dir.idx.removeSort(dst)
	}

	fresh := &dirent{name: newName, ckey: srcDirent.ckey}
	_ = newDir.dir.idx.insertName(fresh)
	return nil
}

// GetAttrs returns the entry's attributes, refreshing them first if
// not already trusted for mask.
func (c *Cache) GetAttrs(ctx context.Context, e *Entry, mask subfsal.AttrMask) (subfsal.Attrs, error) {
	return c.ensureAttrsValid(ctx, e, mask)
}

// SetAttrs writes through to the sub-FSAL and installs the result as
// the new cached attribute set.
func (c *Cache) SetAttrs(ctx context.Context, e *Entry, attrs subfsal.Attrs, mask subfsal.AttrMask) (subfsal.Attrs, error) {
	newAttrs, err := c.fsal.SetAttrs(ctx, e.handle, attrs, mask)
	if err != nil {
		return subfsal.Attrs{}, wrapErr(KindOf(err), err, "setattrs")
	}
	e.attrMu.Lock()
	e.attrs = newAttrs
	e.attrsExpire = time.Now().Add(c.cfg.ExpireTimeAttr).UnixNano()
	e.flagsSet(FlagTrustAttrs)
	e.attrMu.Unlock()
	return newAttrs, nil
}

// PutRef drops one reference, pushing the entry to the cleanup queue
// for out-of-line finalization if it has gone unreachable and this was
// its last reference (spec §4.2, §4.11). A live, still-reachable entry
// simply has its count decremented: the LRU, not refcounting, decides
// when to reclaim it.
func (c *Cache) PutRef(e *Entry) {
	n := e.refPut()
	if n == 0 && e.flagsLoad().has(FlagUnreachable) {
		c.pool.finalize(e)
	}
}

// Release is an explicit client-driven drop of interest in e, used by
// protocol-layer handle_to_wire/close paths. It behaves exactly like
// PutRef and does not call the sub-FSAL's Release.
func (c *Cache) Release(e *Entry) {
	c.PutRef(e)
}

// HandleToWire, HandleToKey, and HandleCmp are thin pass-throughs: the
// cache never interprets handle bytes itself (spec §6).
func (c *Cache) HandleToWire(e *Entry) []byte { return c.fsal.HandleToWire(e.handle) }
func (c *Cache) HandleToKey(e *Entry) []byte  { return c.fsal.HandleToKey(e.handle) }
func (c *Cache) HandleCmp(a, b *Entry) bool    { return a.key == b.key }

func uintptrLessDir(a, b *dirPayload) bool {
	return entryAddr(a) < entryAddr(b)
}
