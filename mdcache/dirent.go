package mdcache

import "container/list"

// direntFlags are the per-dirent flags from spec §3.
type direntFlags uint32

const (
	// direntDeleted marks a dirent no longer resolvable by name, while
	// its cookie and position stay stable so readdir cookies handed
	// out before the delete remain valid until the chunk is dropped.
	direntDeleted direntFlags = 1 << iota
	// direntSorted marks a dirent as a member of the bySort index.
	direntSorted
)

// dirent is a name -> child-key mapping inside exactly one parent
// directory (spec §3).
type dirent struct {
	name  string
	ckey  cihKey
	flags direntFlags

	cookie uint64 // 0 == unknown

	chunk     *chunk        // nil == detached
	chunkElem *list.Element // this dirent's element within chunk.dirents

	detachedElem *list.Element // this dirent's element within the parent's detached LRU
}

func (d *dirent) isDeleted() bool { return d.flags&direntDeleted != 0 }
func (d *dirent) isSorted() bool  { return d.flags&direntSorted != 0 }
func (d *dirent) isDetached() bool { return d.chunk == nil }
