package mdcache

import (
	"container/list"
	"sync"
	"sync/atomic"

	"github.com/mdcache/mdc/subfsal"
)

// flagBits is the entry's atomic bitset (spec §3).
type flagBits uint32

const (
	FlagTrustAttrs flagBits = 1 << iota
	FlagTrustContent
	FlagTrustDirChunks
	FlagDirPopulated
	FlagBypassDircache
	FlagUnreachable
)

func (f flagBits) has(bit flagBits) bool { return f&bit != 0 }

// Entry is one cached object: spec §3.
type Entry struct {
	// Immutable after creation.
	key    cihKey
	typ    subfsal.ObjType
	fsal   subfsal.SubFSAL
	cache  *Cache

	flags uint32 // atomic flagBits

	// attrMu is the attribute lock: protects attrs, attrsExpire, the
	// export list, and firstExportID. Orders before content lock and
	// before any export's mapping lock (spec §4.4 rules 1-2).
	attrMu      sync.RWMutex
	attrs       subfsal.Attrs
	attrsExpire int64 // UnixNano; 0 means "never populated"

	firstExportID uint64 // atomic fast-path export id, 0 = none
	exports       []*exportMapping

	handle      subfsal.Handle
	stateHandle any

	refCount  int32 // atomic
	generation uint64

	lruElem *list.Element
	lruTier lruTier

	dir *dirPayload // non-nil iff typ == TypeDirectory
}

func (e *Entry) flagsLoad() flagBits { return flagBits(atomic.LoadUint32(&e.flags)) }
func (e *Entry) flagsSet(bits flagBits) {
	for {
		old := atomic.LoadUint32(&e.flags)
		if atomic.CompareAndSwapUint32(&e.flags, old, old|uint32(bits)) {
			return
		}
	}
}
func (e *Entry) flagsClear(bits flagBits) {
	for {
		old := atomic.LoadUint32(&e.flags)
		if atomic.CompareAndSwapUint32(&e.flags, old, old&^uint32(bits)) {
			return
		}
	}
}

// Type returns the entry's immutable object type.
func (e *Entry) Type() subfsal.ObjType { return e.typ }

// Generation returns how many times this Entry struct has been reused
// from the pool's free list. A caller building an external handle
// (handle_to_wire) can pair it with the handle bytes to detect that a
// previously observed Entry has since been recycled into a different
// object, without needing to compare pointers.
func (e *Entry) Generation() uint64 { return e.generation }

// Handle returns the sub-FSAL handle backing this entry.
func (e *Entry) Handle() subfsal.Handle { return e.handle }

// StateHandle returns the opaque per-entry state handle (spec §3); MDC
// never interprets its contents.
func (e *Entry) StateHandle() any { return e.stateHandle }

// SetStateHandle installs the opaque per-entry state handle.
func (e *Entry) SetStateHandle(h any) { e.stateHandle = h }

// Attrs returns a copy of the cached attributes under the read lock.
func (e *Entry) Attrs() subfsal.Attrs {
	e.attrMu.RLock()
	defer e.attrMu.RUnlock()
	return e.attrs
}

// isAttrsValidLocked implements spec §4.9's is_attrs_valid: TRUST_ATTRS must
// be set, mask must be a subset of what's populated, and the
// expiration must not have passed. Caller must hold attrMu (read or
// write).
func (e *Entry) isAttrsValidLocked(mask subfsal.AttrMask, nowNano int64) bool {
	if !e.flagsLoad().has(FlagTrustAttrs) {
		return false
	}
	if !mask.Subset(e.attrs.Mask) {
		return false
	}
	if e.attrsExpire != 0 && nowNano > e.attrsExpire {
		return false
	}
	return true
}

// refGet increments the reference count. initial, when true, refuses
// to hand out a reference to an entry that has become unreachable
// (spec §4.2 lru_ref INITIAL semantics).
func (e *Entry) refGet(initial bool) bool {
	if initial && e.flagsLoad().has(FlagUnreachable) {
		return false
	}
	atomic.AddInt32(&e.refCount, 1)
	return true
}

// refPut decrements the reference count and returns the new value.
func (e *Entry) refPut() int32 {
	return atomic.AddInt32(&e.refCount, -1)
}

func (e *Entry) refCountLoad() int32 { return atomic.LoadInt32(&e.refCount) }

// dirPayload holds everything specific to directory entries (spec
// §3, §4.6-§4.8).
type dirPayload struct {
	// mu is the content lock: protects the three indexes, the chunk
	// list, the detached LRU, the parent pointer, firstCk, and
	// transitions of TRUST_CONTENT / TRUST_DIR_CHUNKS / DIR_POPULATED
	// that must stay consistent with content (spec §4.4).
	mu sync.RWMutex

	// spin guards just the detached-dirent list when only list surgery
	// (not a tree operation) is needed; it may be taken under any mode
	// of mu (spec §4.4). The chunk list is guarded by mu alone.
	spin sync.Mutex

	parentHandleBytes []byte

	idx dirIndexes

	chunks   *list.List // *chunk, in stream order
	detached *list.List // *dirent, detached LRU, most-recent at Front

	// populating is non-zero while some goroutine is inside
	// populateOnePass for this directory. It lets a second, concurrent
	// Readdir notice the contention and, if Config.RetryReaddir is set,
	// return ErrDelay instead of piling onto the same population pass.
	populating int32

	firstCk uint64

	// icreateRefcnt counts create/mkdir/mknod/symlink calls currently
	// in flight against this directory, from just before the sub-FSAL
	// call starts until place_new_dirent has placed (or failed to
	// place) the result. A populate pass that reaches eod while this is
	// nonzero has raced a create whose dirent may or may not have
	// landed ahead of where the scan already walked, so it must not
	// mark the directory's content fully trusted (spec §4.7, §4.8).
	icreateRefcnt int32
}

// icreateBegin records that a create-family call is in flight against
// dir, spanning the sub-FSAL round trip and the subsequent
// place_new_dirent.
func (dir *dirPayload) icreateBegin() { atomic.AddInt32(&dir.icreateRefcnt, 1) }

// icreateEnd closes out one icreateBegin.
func (dir *dirPayload) icreateEnd() { atomic.AddInt32(&dir.icreateRefcnt, -1) }

func (dir *dirPayload) icreateInFlight() bool { return atomic.LoadInt32(&dir.icreateRefcnt) != 0 }

func newDirPayload() *dirPayload {
	return &dirPayload{
		idx:      newDirIndexes(),
		chunks:   list.New(),
		detached: list.New(),
	}
}
