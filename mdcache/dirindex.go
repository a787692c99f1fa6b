package mdcache

import (
	"github.com/google/btree"
)

// nameCollisionRetries bounds how many times a name insertion is
// retried (spec §4.6's "bounded quadratic-probe sequence ... after a
// small fixed retry budget the insertion returns a collision error").
// A Go map already gives exact-name O(1) lookup, so no hash is ever
// perturbed: a live dirent with the same name fails at once with
// ErrExist, and each retry only follows the removal of a deleted
// dirent that the new one supersedes.
const nameCollisionRetries = 4

func nameLess(a, b *dirent) bool {
	if a.name != b.name {
		return a.name < b.name
	}
	// Ties only occur transiently for the duplicate the caller is
	// about to reject; order by pointer identity to keep the tree
	// well-formed until that happens.
	return a != b && uintptrLess(a, b)
}

func cookieLess(a, b *dirent) bool {
	if a.cookie != b.cookie {
		return a.cookie < b.cookie
	}
	return a != b && uintptrLess(a, b)
}

// dirIndexes holds the three ordered structures per directory (spec
// §4.6): by-name (primary lookup), by-cookie (readdir continuation),
// and by-sort (chunk-insertion placement). All three reference the
// same *dirent.
type dirIndexes struct {
	byName   *btree.BTreeG[*dirent]
	byCookie *btree.BTreeG[*dirent]
	bySort   *btree.BTreeG[*dirent]

	// nameFast is the O(1) lookup fast path backing lookup(name); the
	// btree still carries the ordering contract for range walks (e.g.
	// an eventual ordered listing), but exact-name resolution never
	// needs a tree walk.
	nameFast map[string]*dirent
}

func newDirIndexes() dirIndexes {
	return dirIndexes{
		byName:   btree.NewG(32, nameLess),
		byCookie: btree.NewG(32, cookieLess),
		bySort:   btree.NewG(32, cookieLess),
		nameFast: make(map[string]*dirent),
	}
}

// insertName adds d to the by-name index. It returns ErrExist if a
// live (non-deleted) dirent with the same name already exists, and
// ErrServerFault if the retry budget is exhausted on a name that keeps
// colliding with itself (spec §4.6, §7).
func (idx *dirIndexes) insertName(d *dirent) error {
	for attempt := 0; attempt < nameCollisionRetries; attempt++ {
		if existing, ok := idx.nameFast[d.name]; ok {
			if !existing.isDeleted() {
				return ErrExist
			}
			// A deleted dirent with this name is being superseded:
			// drop it from the indexes it still occupies and retry.
			idx.removeName(existing)
			continue
		}
		idx.nameFast[d.name] = d
		idx.byName.ReplaceOrInsert(d)
		return nil
	}
	return ErrServerFault
}

func (idx *dirIndexes) lookupName(name string) *dirent {
	d, ok := idx.nameFast[name]
	if !ok {
		return nil
	}
	return d
}

func (idx *dirIndexes) removeName(d *dirent) {
	if cur, ok := idx.nameFast[d.name]; ok && cur == d {
		delete(idx.nameFast, d.name)
	}
	idx.byName.Delete(d)
}

func (idx *dirIndexes) insertCookie(d *dirent) {
	if d.cookie == 0 {
		return
	}
	idx.byCookie.ReplaceOrInsert(d)
}

func (idx *dirIndexes) removeCookie(d *dirent) {
	if d.cookie == 0 {
		return
	}
	idx.byCookie.Delete(d)
}

func (idx *dirIndexes) lookupCookie(cookie uint64) *dirent {
	probe := &dirent{cookie: cookie}
	var found *dirent
	idx.byCookie.AscendGreaterOrEqual(probe, func(d *dirent) bool {
		if d.cookie == cookie {
			found = d
		}
		return false
	})
	if found == nil {
		// Equal cookies are ordered by address, so the stored dirent
		// may sort before the probe.
		idx.byCookie.DescendLessOrEqual(probe, func(d *dirent) bool {
			if d.cookie == cookie {
				found = d
			}
			return false
		})
	}
	return found
}

func (idx *dirIndexes) insertSort(d *dirent) {
	d.flags |= direntSorted
	idx.bySort.ReplaceOrInsert(d)
}

func (idx *dirIndexes) removeSort(d *dirent) {
	if !d.isSorted() {
		return
	}
	d.flags &^= direntSorted
	idx.bySort.Delete(d)
}

// neighbors returns the predecessor and successor of a dirent with
// cookie c in the bySort index (spec §4.7 step 2).
func (idx *dirIndexes) neighbors(c uint64) (pred, succ *dirent) {
	probe := &dirent{cookie: c}
	idx.bySort.AscendGreaterOrEqual(probe, func(d *dirent) bool {
		if d.cookie != c {
			succ = d
			return false
		}
		return true
	})
	idx.bySort.DescendLessOrEqual(probe, func(d *dirent) bool {
		if d.cookie != c {
			pred = d
			return false
		}
		return true
	})
	return pred, succ
}

func (idx *dirIndexes) count() int {
	return idx.byName.Len()
}
