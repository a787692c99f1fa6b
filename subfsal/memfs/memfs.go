// Package memfs is a reference SubFSAL backend: a purely in-memory
// filesystem used to exercise mdcache end to end in tests and the
// demo CLI, the way the teacher library ships a MemNodeFs purely for
// testing its FUSE plumbing.
package memfs

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mdcache/mdc/subfsal"
)

const fsalID uint16 = 1

var (
	errNoEnt = subfsal.ErrNoEnt
	errExist = subfsal.ErrExist
	errStale = subfsal.ErrStale
)

// node is one in-memory filesystem object.
type node struct {
	mu sync.Mutex

	id       uint64
	typ      subfsal.ObjType
	mode     uint32
	uid, gid uint32
	size     uint64
	target   string // symlink target
	rawDev   uint64
	atime    time.Time
	mtime    time.Time
	ctime    time.Time
	change   uint64

	children map[string]*handle // nil for non-directories
}

// handle is the subfsal.Handle MemFS hands to the cache: stable
// identity plus a pointer to the live node.
type handle struct {
	n *node
}

func (h *handle) SubFSALID() uint16 { return fsalID }

// MemFS is a subfsal.SubFSAL backed entirely by in-memory nodes.
type MemFS struct {
	mu      sync.RWMutex
	nextID  uint64
	nodes   map[uint64]*node
	rootH   *handle

	// changesKey makes Rename mint the moved node a fresh id and report
	// RenameResult.ChangesKey, the way some real backends re-key an
	// object on a cross-directory move.
	changesKey bool
}

// New creates a MemFS with a single root directory.
func New() *MemFS { return newMemFS(false) }

// NewKeyChanging creates a MemFS whose Rename always re-keys the moved
// object and reports ChangesKey: true, exercising the cache's
// invalidate-on-rekey path (spec §4.10) against a backend that never
// preserves identity across a rename.
func NewKeyChanging() *MemFS { return newMemFS(true) }

func newMemFS(changesKey bool) *MemFS {
	fs := &MemFS{nodes: make(map[uint64]*node), changesKey: changesKey}
	root := fs.alloc(subfsal.TypeDirectory, 0755, 0, 0)
	root.children = make(map[string]*handle)
	fs.rootH = &handle{n: root}
	return fs
}

// Root returns the handle for the filesystem root.
func (fs *MemFS) Root() subfsal.Handle { return fs.rootH }

func (fs *MemFS) alloc(typ subfsal.ObjType, mode, uid, gid uint32) *node {
	now := time.Now()
	n := &node{
		id:     atomic.AddUint64(&fs.nextID, 1),
		typ:    typ,
		mode:   mode,
		uid:    uid,
		gid:    gid,
		atime:  now,
		mtime:  now,
		ctime:  now,
		change: 1,
	}
	fs.mu.Lock()
	fs.nodes[n.id] = n
	fs.mu.Unlock()
	return n
}

func (n *node) attrs() subfsal.Attrs {
	n.mu.Lock()
	defer n.mu.Unlock()
	nlink := uint32(1)
	if n.typ == subfsal.TypeDirectory {
		nlink = uint32(2 + len(n.children))
	}
	return subfsal.Attrs{
		Type:   n.typ,
		Mode:   n.mode,
		Uid:    n.uid,
		Gid:    n.gid,
		Size:   n.size,
		Atime:  n.atime,
		Mtime:  n.mtime,
		Ctime:  n.ctime,
		Change: n.change,
		Nlink:  nlink,
		RawDev: n.rawDev,
		Mask:   subfsal.MaskAll,
	}
}

func asHandle(h subfsal.Handle) *handle { return h.(*handle) }

func (fs *MemFS) ID() uint16 { return fsalID }

func (fs *MemFS) Features() subfsal.FeatureFlags {
	return subfsal.FeatureFlags{
		ComputeReaddirCookie: true,
		WhenceIsName:         false,
		RenameChangesKey:     fs.changesKey,
	}
}

func (fs *MemFS) Lookup(ctx context.Context, dir subfsal.Handle, name string) (subfsal.Handle, subfsal.Attrs, error) {
	dn := asHandle(dir).n
	dn.mu.Lock()
	child, ok := dn.children[name]
	dn.mu.Unlock()
	if !ok {
		return nil, subfsal.Attrs{}, errNoEnt
	}
	return child, child.n.attrs(), nil
}

// cookieOf derives a stable per-name cookie from lexical rank: MemFS
// keeps no persistent cookie storage, so it recomputes rank on demand,
// which is consistent for as long as the child set is unchanged.
func cookieOf(dn *node, name string) (uint64, bool) {
	dn.mu.Lock()
	names := make([]string, 0, len(dn.children))
	for n := range dn.children {
		names = append(names, n)
	}
	dn.mu.Unlock()
	sort.Strings(names)
	for i, n := range names {
		if n == name {
			return uint64(i + 1), true
		}
	}
	return 0, false
}

func (fs *MemFS) ComputeReaddirCookie(dir subfsal.Handle, name string) (uint64, bool) {
	return cookieOf(asHandle(dir).n, name)
}

func (fs *MemFS) Readdir(ctx context.Context, dir subfsal.Handle, whence subfsal.Whence, mask subfsal.AttrMask, cb func(subfsal.DirEntry) (subfsal.RdResult, error)) (bool, error) {
	dn := asHandle(dir).n

	dn.mu.Lock()
	names := make([]string, 0, len(dn.children))
	for n := range dn.children {
		names = append(names, n)
	}
	children := dn.children
	dn.mu.Unlock()
	sort.Strings(names)

	start := 0
	if whence.Cookie != 0 {
		start = int(whence.Cookie)
	}
	for i := start; i < len(names); i++ {
		name := names[i]
		h := children[name]
		res, err := cb(subfsal.DirEntry{
			Name:   name,
			Handle: h,
			Attrs:  h.n.attrs(),
			Cookie: uint64(i + 1),
		})
		if err != nil {
			return false, err
		}
		if res == subfsal.RdTerminate {
			return false, nil
		}
	}
	return true, nil
}

func (fs *MemFS) GetAttrs(ctx context.Context, h subfsal.Handle, mask subfsal.AttrMask) (subfsal.Attrs, error) {
	return asHandle(h).n.attrs(), nil
}

func (fs *MemFS) SetAttrs(ctx context.Context, h subfsal.Handle, attrs subfsal.Attrs, mask subfsal.AttrMask) (subfsal.Attrs, error) {
	n := asHandle(h).n
	n.mu.Lock()
	if mask.Subset(subfsal.MaskMode) {
		n.mode = attrs.Mode
	}
	if mask.Subset(subfsal.MaskOwner) {
		n.uid, n.gid = attrs.Uid, attrs.Gid
	}
	if mask.Subset(subfsal.MaskSize) {
		n.size = attrs.Size
	}
	if mask.Subset(subfsal.MaskTimes) {
		n.atime, n.mtime = attrs.Atime, attrs.Mtime
	}
	n.ctime = time.Now()
	n.change++
	n.mu.Unlock()
	return n.attrs(), nil
}

func (fs *MemFS) create(dir subfsal.Handle, name string, typ subfsal.ObjType, mode uint32, attrs subfsal.Attrs) (*handle, error) {
	dn := asHandle(dir).n
	dn.mu.Lock()
	defer dn.mu.Unlock()
	if _, exists := dn.children[name]; exists {
		return nil, errExist
	}
	n := fs.alloc(typ, mode, attrs.Uid, attrs.Gid)
	if typ == subfsal.TypeDirectory {
		n.children = make(map[string]*handle)
	}
	h := &handle{n: n}
	dn.children[name] = h
	dn.mtime = time.Now()
	dn.change++
	return h, nil
}

func (fs *MemFS) Create(ctx context.Context, dir subfsal.Handle, name string, mode uint32, attrs subfsal.Attrs) (subfsal.Handle, subfsal.Attrs, error) {
	h, err := fs.create(dir, name, subfsal.TypeRegular, mode, attrs)
	if err != nil {
		return nil, subfsal.Attrs{}, err
	}
	return h, h.n.attrs(), nil
}

func (fs *MemFS) Mkdir(ctx context.Context, dir subfsal.Handle, name string, mode uint32, attrs subfsal.Attrs) (subfsal.Handle, subfsal.Attrs, error) {
	h, err := fs.create(dir, name, subfsal.TypeDirectory, mode, attrs)
	if err != nil {
		return nil, subfsal.Attrs{}, err
	}
	return h, h.n.attrs(), nil
}

func (fs *MemFS) Mknod(ctx context.Context, dir subfsal.Handle, name string, mode uint32, dev uint64, attrs subfsal.Attrs) (subfsal.Handle, subfsal.Attrs, error) {
	h, err := fs.create(dir, name, subfsal.TypeBlock, mode, attrs)
	if err != nil {
		return nil, subfsal.Attrs{}, err
	}
	h.n.rawDev = dev
	return h, h.n.attrs(), nil
}

func (fs *MemFS) Symlink(ctx context.Context, dir subfsal.Handle, name, target string, attrs subfsal.Attrs) (subfsal.Handle, subfsal.Attrs, error) {
	h, err := fs.create(dir, name, subfsal.TypeSymlink, 0777, attrs)
	if err != nil {
		return nil, subfsal.Attrs{}, err
	}
	h.n.target = target
	return h, h.n.attrs(), nil
}

func (fs *MemFS) Readlink(ctx context.Context, h subfsal.Handle) (string, error) {
	return asHandle(h).n.target, nil
}

func (fs *MemFS) Unlink(ctx context.Context, dir subfsal.Handle, name string) error {
	dn := asHandle(dir).n
	dn.mu.Lock()
	defer dn.mu.Unlock()
	child, ok := dn.children[name]
	if !ok {
		return errNoEnt
	}
	if child.n.typ == subfsal.TypeDirectory {
		child.n.mu.Lock()
		empty := len(child.n.children) == 0
		child.n.mu.Unlock()
		if !empty {
			return subfsal.ErrNotEmpty
		}
	}
	delete(dn.children, name)
	dn.mtime = time.Now()
	dn.change++
	return nil
}

func (fs *MemFS) Rename(ctx context.Context, oldDir subfsal.Handle, oldName string, newDir subfsal.Handle, newName string) (subfsal.RenameResult, error) {
	odn, ndn := asHandle(oldDir).n, asHandle(newDir).n

	first, second := odn, ndn
	if second.id < first.id {
		first, second = second, first
	}
	first.mu.Lock()
	if second != first {
		second.mu.Lock()
	}
	defer func() {
		if second != first {
			second.mu.Unlock()
		}
		first.mu.Unlock()
	}()

	child, ok := odn.children[oldName]
	if !ok {
		return subfsal.RenameResult{}, errNoEnt
	}
	if existing, exists := ndn.children[newName]; exists && existing.n.typ == subfsal.TypeDirectory {
		existing.n.mu.Lock()
		empty := len(existing.n.children) == 0
		existing.n.mu.Unlock()
		if !empty {
			return subfsal.RenameResult{}, subfsal.ErrNotEmpty
		}
	}
	delete(odn.children, oldName)
	ndn.children[newName] = child
	odn.change++
	ndn.change++

	if fs.changesKey {
		fs.mu.Lock()
		delete(fs.nodes, child.n.id)
		child.n.id = atomic.AddUint64(&fs.nextID, 1)
		fs.nodes[child.n.id] = child.n
		fs.mu.Unlock()
		return subfsal.RenameResult{ChangesKey: true}, nil
	}
	return subfsal.RenameResult{ChangesKey: false}, nil
}

func (fs *MemFS) HandleToKey(h subfsal.Handle) []byte {
	n := asHandle(h).n
	return idBytes(n.id)
}

func (fs *MemFS) HandleToWire(h subfsal.Handle) []byte { return fs.HandleToKey(h) }

func (fs *MemFS) CreateHandle(wire []byte) (subfsal.Handle, error) {
	id := idFromBytes(wire)
	fs.mu.RLock()
	n, ok := fs.nodes[id]
	fs.mu.RUnlock()
	if !ok {
		return nil, errStale
	}
	return &handle{n: n}, nil
}

func (fs *MemFS) Merge(older, newer subfsal.Handle) error {
	on, nn := asHandle(older).n, asHandle(newer).n
	if on.id != nn.id {
		return errStale
	}
	return nil
}

func (fs *MemFS) Release(h subfsal.Handle) {}

func idBytes(id uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(id >> (8 * i))
	}
	return b
}

func idFromBytes(b []byte) uint64 {
	var id uint64
	for i := 0; i < 8 && i < len(b); i++ {
		id |= uint64(b[i]) << (8 * i)
	}
	return id
}
