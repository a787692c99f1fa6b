// Package subfsal defines the contract that a storage backend must
// implement to sit underneath the metadata cache. The cache never
// performs storage I/O itself; every operation that needs object data
// or a directory listing delegates to a SubFSAL.
package subfsal

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors a SubFSAL returns (optionally wrapped) so the cache
// can classify a failure without depending on any backend-specific
// error type. A SubFSAL whose own errors don't match any of these is
// treated by the cache as an opaque server fault.
var (
	ErrNoEnt    = errors.New("subfsal: no such entry")
	ErrExist    = errors.New("subfsal: entry already exists")
	ErrNotEmpty = errors.New("subfsal: directory not empty")
	ErrStale    = errors.New("subfsal: stale handle")
)

// ObjType is the type of a cached filesystem object. It is immutable
// for the lifetime of the object.
type ObjType uint8

const (
	TypeRegular ObjType = iota
	TypeDirectory
	TypeSymlink
	TypeBlock
	TypeChar
	TypeSocket
	TypeFifo
)

func (t ObjType) String() string {
	switch t {
	case TypeRegular:
		return "regular"
	case TypeDirectory:
		return "directory"
	case TypeSymlink:
		return "symlink"
	case TypeBlock:
		return "block"
	case TypeChar:
		return "char"
	case TypeSocket:
		return "socket"
	case TypeFifo:
		return "fifo"
	default:
		return "unknown"
	}
}

// AttrMask selects a subset of Attrs fields, used both to request a
// bounded GetAttrs call and to record which fields a cached Attrs
// value actually carries.
type AttrMask uint32

const (
	MaskMode AttrMask = 1 << iota
	MaskOwner
	MaskSize
	MaskTimes
	MaskNlink
	MaskACL
	MaskRawDev
	MaskFSID

	MaskAll = MaskMode | MaskOwner | MaskSize | MaskTimes | MaskNlink | MaskACL | MaskRawDev | MaskFSID
)

// Subset reports whether mask is fully covered by have.
func (mask AttrMask) Subset(have AttrMask) bool {
	return mask&have == mask
}

// Attrs is the attribute set the cache keeps for an object.
type Attrs struct {
	Type   ObjType
	Mode   uint32
	Uid    uint32
	Gid    uint32
	Size   uint64
	Atime  time.Time
	Mtime  time.Time
	Ctime  time.Time
	Change uint64 // change counter / version, used to detect concurrent modification
	Nlink  uint32
	RawDev uint64
	FSID   uint64
	ACL    []byte // opaque; MDC never interprets it

	Mask AttrMask // which fields above are populated
}

// Handle is an opaque, sub-FSAL-specific reference to a filesystem
// object. The cache never inspects a Handle's internals; it is only
// ever passed back to the SubFSAL that produced it.
type Handle interface {
	// SubFSALID identifies which SubFSAL instance produced this
	// handle, so keys derived from handles of different backends
	// never collide.
	SubFSALID() uint16
}

// Whence names a readdir continuation point. Exactly one of Cookie or
// Name is meaningful, depending on the SubFSAL's WhenceIsName feature.
type Whence struct {
	Cookie uint64
	Name   string
}

// DirEntry is one name produced by a Readdir callback.
type DirEntry struct {
	Name   string
	Handle Handle
	Attrs  Attrs  // may be zero-value if the SubFSAL did not prefetch attributes
	Cookie uint64 // 0 if the SubFSAL could not compute one for this entry
}

// RdResult instructs the SubFSAL's readdir driver how to proceed after
// a dirent has been delivered to the per-dirent callback.
type RdResult int

const (
	// RdContinue means keep feeding dirents into the current chunk.
	RdContinue RdResult = iota
	// RdReadahead means the current chunk is full; the SubFSAL should
	// start a new chunk and keep going.
	RdReadahead
	// RdTerminate means stop the SubFSAL readdir call entirely; the
	// next dirent, if any, collided with an already-cached chunk.
	RdTerminate
)

// RenameResult carries the per-call outcome of a Rename that a static
// feature flag cannot express.
type RenameResult struct {
	// ChangesKey is true if the renamed object's key (not just its
	// parent/name) is no longer valid after this rename.
	ChangesKey bool
}

// FeatureFlags advertises optional SubFSAL capabilities.
type FeatureFlags struct {
	// ComputeReaddirCookie is true if the SubFSAL can compute a stable
	// cookie for (dir, name) outside of a bulk readdir.
	ComputeReaddirCookie bool
	// WhenceIsName is true if Readdir's continuation point is a name,
	// not a cookie (some SubFSALs have no stable cookie space at all).
	WhenceIsName bool
	// RenameChangesKey is true if a rename always invalidates the
	// renamed object's key; false means RenameResult.ChangesKey must
	// be consulted per call.
	RenameChangesKey bool
}

// SubFSAL is the storage backend a cache entry delegates to. All
// methods are synchronous; the cache holds no timers on them.
type SubFSAL interface {
	ID() uint16
	Features() FeatureFlags

	Lookup(ctx context.Context, dir Handle, name string) (Handle, Attrs, error)

	// Readdir walks dir starting at whence, invoking cb for every
	// entry found. eod is true if the walk reached end-of-directory.
	Readdir(ctx context.Context, dir Handle, whence Whence, mask AttrMask, cb func(DirEntry) (RdResult, error)) (eod bool, err error)

	GetAttrs(ctx context.Context, h Handle, mask AttrMask) (Attrs, error)
	SetAttrs(ctx context.Context, h Handle, attrs Attrs, mask AttrMask) (Attrs, error)

	Create(ctx context.Context, dir Handle, name string, mode uint32, attrs Attrs) (Handle, Attrs, error)
	Mkdir(ctx context.Context, dir Handle, name string, mode uint32, attrs Attrs) (Handle, Attrs, error)
	Mknod(ctx context.Context, dir Handle, name string, mode uint32, dev uint64, attrs Attrs) (Handle, Attrs, error)
	Symlink(ctx context.Context, dir Handle, name, target string, attrs Attrs) (Handle, Attrs, error)
	Readlink(ctx context.Context, h Handle) (string, error)

	Rename(ctx context.Context, oldDir Handle, oldName string, newDir Handle, newName string) (RenameResult, error)
	Unlink(ctx context.Context, dir Handle, name string) error

	HandleToKey(h Handle) []byte
	HandleToWire(h Handle) []byte
	CreateHandle(wire []byte) (Handle, error)

	// ComputeReaddirCookie returns a cookie for (dir, name) outside of
	// a bulk readdir, or ok=false if the SubFSAL cannot (equivalent to
	// spec's "returns 0 = unsupported").
	ComputeReaddirCookie(dir Handle, name string) (cookie uint64, ok bool)

	// Merge reconciles a freshly looked-up handle with the handle
	// already cached for the same key (e.g. refreshing an internal
	// generation counter). newer may be released by the caller after
	// Merge returns.
	Merge(older, newer Handle) error

	// Release tells the SubFSAL that the cache no longer holds a
	// reference to h.
	Release(h Handle)
}

// HostToKeyer is implemented by SubFSALs whose wire encoding and
// storage-key encoding diverge, so a raw wire handle must be
// transformed before use as a cache key. SubFSALs that don't implement
// it are treated as using the identity transform.
type HostToKeyer interface {
	HostToKey(wire []byte) []byte
}
