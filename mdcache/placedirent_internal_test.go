package mdcache

import (
	"context"
	"testing"

	"github.com/mdcache/mdc/subfsal"
	"github.com/mdcache/mdc/subfsal/memfs"
)

func newInternalTestRoot(t *testing.T, cfg Config) (*Cache, context.Context, *Entry) {
	t.Helper()
	fs := memfs.New()
	c := New(fs, cfg, nil)
	ctx := WithOpContext(context.Background(), &OpContext{Export: NewExport()})
	root, err := c.ResolveRoot(ctx, fs.Root())
	if err != nil {
		t.Fatalf("ResolveRoot: %v", err)
	}
	return c, ctx, root
}

// TestPlaceNewDirentOverflowClearsTrustFlags covers spec §8's avl_max
// boundary (placedirent.go's overflow branch): once a directory's
// active dirent count reaches AvlMax, further placement fails with
// ErrOverflow and the directory's chunk/content trust is dropped so
// later reads fall back to the sub-FSAL instead of trusting a
// known-incomplete index.
func TestPlaceNewDirentOverflowClearsTrustFlags(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AvlMax = 2
	c, _, root := newInternalTestRoot(t, cfg)
	defer c.PutRef(root)

	root.flagsSet(FlagTrustDirChunks)
	root.flagsSet(FlagTrustContent)

	if _, err := c.placeNewDirent(root, "one", makeKey(1, []byte("one"))); err != nil {
		t.Fatalf("placing first dirent: %v", err)
	}
	if _, err := c.placeNewDirent(root, "two", makeKey(1, []byte("two"))); err != nil {
		t.Fatalf("placing second dirent: %v", err)
	}

	_, err := c.placeNewDirent(root, "three", makeKey(1, []byte("three")))
	if err == nil {
		t.Fatal("expected ErrOverflow once AvlMax is reached")
	}
	if KindOf(err) != KindOverflow {
		t.Fatalf("expected KindOverflow, got %v", KindOf(err))
	}
	if root.flagsLoad().has(FlagTrustDirChunks) {
		t.Fatal("overflow must clear FlagTrustDirChunks")
	}
	if root.flagsLoad().has(FlagTrustContent) {
		t.Fatal("overflow must clear FlagTrustContent")
	}
}

// TestPlaceNewDirentDetachedEvictsOldestAtCapacity covers
// AvlDetachedMax (placedirent.go's addDetachedLocked): once the
// detached LRU is full, placing one more detached dirent evicts the
// oldest rather than growing without bound, and the evicted dirent's
// name stops resolving.
func TestPlaceNewDirentDetachedEvictsOldestAtCapacity(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AvlDetachedMax = 2
	c, _, root := newInternalTestRoot(t, cfg)
	defer c.PutRef(root)

	// cookie 0 (no computable cookie) always lands in the detached
	// list regardless of chunk state (placedirent.go step 1).
	names := []string{"first", "second", "third"}
	for _, name := range names {
		d := &dirent{name: name, ckey: makeKey(1, []byte(name))}
		root.dir.mu.Lock()
		if err := root.dir.idx.insertName(d); err != nil {
			root.dir.mu.Unlock()
			t.Fatalf("insertName(%s): %v", name, err)
		}
		c.addDetachedLocked(root.dir, d)
		root.dir.mu.Unlock()
	}

	root.dir.mu.RLock()
	defer root.dir.mu.RUnlock()

	if got := root.dir.detached.Len(); got != cfg.AvlDetachedMax {
		t.Fatalf("expected detached list capped at %d, got %d", cfg.AvlDetachedMax, got)
	}
	if d := root.dir.idx.lookupName("first"); d != nil {
		t.Fatal("oldest detached dirent should have been evicted from the name index")
	}
	if d := root.dir.idx.lookupName("second"); d == nil {
		t.Fatal("second dirent should still be present")
	}
	if d := root.dir.idx.lookupName("third"); d == nil {
		t.Fatal("third (most recent) dirent should still be present")
	}
}

// TestInsertBetweenSplicesAfterPredecessor covers place_new_dirent's
// between-chunks case (spec §8 scenario 2): a fresh dirent whose
// cookie falls strictly between two already-chunked neighbors is
// spliced into the chunk's stream-order list immediately after its
// predecessor, not merely appended at the tail.
func TestInsertBetweenSplicesAfterPredecessor(t *testing.T) {
	parent := &Entry{typ: subfsal.TypeDirectory}
	ck := newChunk(parent)

	pred := &dirent{name: "a", cookie: 1}
	succ := &dirent{name: "c", cookie: 3}
	ck.appendDirent(pred)
	ck.appendDirent(succ)

	fresh := &dirent{name: "b", cookie: 2}
	insertBetween(ck, pred, succ, fresh)

	if ck.numEntries != 3 {
		t.Fatalf("expected 3 entries after splice, got %d", ck.numEntries)
	}

	var order []string
	for e := ck.dirents.Front(); e != nil; e = e.Next() {
		order = append(order, e.Value.(*dirent).name)
	}
	want := []string{"a", "b", "c"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
	if fresh.chunk != ck {
		t.Fatal("fresh dirent must be attached to the chunk it was spliced into")
	}
}

// TestSplitChunkLockedDividesEntriesAndRegistersSecondHalf covers
// chunk splitting (spec §8 boundary, scenario 1): once a chunk reaches
// AvlChunkSplit, it is cut in half and the second half is registered
// both in the directory's chunk list and the pool-wide chunk LRU.
func TestSplitChunkLockedDividesEntriesAndRegistersSecondHalf(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AvlChunk = 2
	cfg.AvlChunkSplit = 4
	c, _, root := newInternalTestRoot(t, cfg)
	defer c.PutRef(root)

	dir := root.dir
	ck := c.pool.getChunk(root)
	dcl := dirChunkList{dir: dir}
	dcl.insertAfter(nil, ck)

	names := []string{"a", "b", "c", "d"}
	for i, name := range names {
		d := &dirent{name: name, cookie: uint64(i + 1)}
		dir.mu.Lock()
		if err := dir.idx.insertName(d); err != nil {
			dir.mu.Unlock()
			t.Fatalf("insertName(%s): %v", name, err)
		}
		ck.appendDirent(d)
		dir.idx.insertCookie(d)
		dir.idx.insertSort(d)
		dir.mu.Unlock()
	}

	before := c.Stats().Chunks

	dir.mu.Lock()
	c.splitChunkLocked(dir, ck)
	dir.mu.Unlock()

	if ck.numEntries != 2 {
		t.Fatalf("expected first half to hold 2 entries, got %d", ck.numEntries)
	}
	if after := c.Stats().Chunks; after != before+1 {
		t.Fatalf("expected chunk count to grow by 1 after split, got %d -> %d", before, after)
	}
	if dir.chunks.Len() != 2 {
		t.Fatalf("expected directory chunk list to hold 2 chunks, got %d", dir.chunks.Len())
	}
}
