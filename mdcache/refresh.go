package mdcache

import (
	"context"
	"time"

	"github.com/mdcache/mdc/subfsal"
)

// refreshAttrs implements spec §4.9's refresh_attrs: ask the sub-FSAL
// for the full attribute set, replace the entry's attributes under the
// write lock, and — for a directory, when invalidateDirOnMtimeChange is
// set and the new mtime is strictly greater than the cached one —
// invalidate all cached dirents and chunks under the content lock.
func (c *Cache) refreshAttrs(ctx context.Context, e *Entry, mask subfsal.AttrMask, invalidateDirOnMtimeChange bool) error {
	attrs, err := c.fsal.GetAttrs(ctx, e.handle, mask|subfsal.MaskTimes)
	if err != nil {
		return wrapErr(KindOf(err), err, "refresh attrs")
	}

	e.attrMu.Lock()
	oldMtime := e.attrs.Mtime
	e.attrs = attrs
	e.attrsExpire = time.Now().Add(c.cfg.ExpireTimeAttr).UnixNano()
	e.flagsSet(FlagTrustAttrs)
	e.attrMu.Unlock()

	if e.typ == subfsal.TypeDirectory && invalidateDirOnMtimeChange && attrs.Mtime.After(oldMtime) {
		e.dir.mu.Lock()
		invalidateDirContentLocked(e.dir, c.pool)
		e.attrsSet(FlagTrustContent, false)
		e.attrsSet(FlagTrustDirChunks, false)
		e.attrsSet(FlagDirPopulated, false)
		e.dir.mu.Unlock()
	}
	return nil
}

// attrsSet is a tiny helper so refreshAttrs reads as a direct mirror of
// spec §4.9 step 3's "invalidate" language: true sets the bit, false
// clears it.
func (e *Entry) attrsSet(bit flagBits, on bool) {
	if on {
		e.flagsSet(bit)
	} else {
		e.flagsClear(bit)
	}
}

// ensureAttrsValid returns e's attributes, refreshing them first if
// is_attrs_valid(e, mask) does not already hold (spec §4.9's
// companion read path, used by getattrs and by lookups that choose to
// eagerly fetch attributes).
func (c *Cache) ensureAttrsValid(ctx context.Context, e *Entry, mask subfsal.AttrMask) (subfsal.Attrs, error) {
	now := time.Now().UnixNano()

	e.attrMu.RLock()
	valid := e.isAttrsValidLocked(mask, now)
	attrs := e.attrs
	e.attrMu.RUnlock()
	if valid {
		return attrs, nil
	}

	if err := c.refreshAttrs(ctx, e, mask, true); err != nil {
		return subfsal.Attrs{}, err
	}

	e.attrMu.RLock()
	attrs = e.attrs
	e.attrMu.RUnlock()
	return attrs, nil
}
