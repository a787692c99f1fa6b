package mdcache_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mdcache/mdc/mdcache"
	"github.com/mdcache/mdc/subfsal"
	"github.com/mdcache/mdc/subfsal/memfs"
)

// TestReaddirTriggersChunkSplitAsDirectoryGrows covers spec §8's chunk
// splitting boundary (scenario 1): once a populated directory's last
// chunk is grown past AvlChunkSplit by out-of-band creates, it is cut
// in two rather than left to grow without bound.
func TestReaddirTriggersChunkSplitAsDirectoryGrows(t *testing.T) {
	fs := memfs.New()
	cfg := mdcache.DefaultConfig()
	cfg.AvlChunk = 2
	cfg.AvlChunkSplit = 4
	c := mdcache.New(fs, cfg, nil)
	ex := mdcache.NewExport()
	ctx := mdcache.WithOpContext(context.Background(), &mdcache.OpContext{Export: ex})

	root, err := c.ResolveRoot(ctx, fs.Root())
	require.NoError(t, err)
	defer c.PutRef(root)

	for _, name := range []string{"a", "b", "c"} {
		child, err := c.Create(ctx, root, name, 0644, subfsal.Attrs{})
		require.NoError(t, err)
		c.PutRef(child)
	}

	eod, err := c.Readdir(ctx, root, subfsal.Whence{}, func(mdcache.ReaddirEntry) (subfsal.RdResult, error) {
		return subfsal.RdContinue, nil
	})
	require.NoError(t, err)
	require.True(t, eod)

	before := c.Stats().Chunks
	require.GreaterOrEqual(t, before, 2, "3 entries at AvlChunk=2 must already span 2 chunks")

	// Each new name sorts after every existing one, so it always lands
	// at the tail of the directory's last (eod) chunk, growing it past
	// AvlChunkSplit.
	for _, name := range []string{"d", "e", "f"} {
		child, err := c.Create(ctx, root, name, 0644, subfsal.Attrs{})
		require.NoError(t, err)
		c.PutRef(child)
	}

	after := c.Stats().Chunks
	assert.Greater(t, after, before, "growing the tail chunk past AvlChunkSplit must split it")

	got := map[string]bool{}
	eod, err = c.Readdir(ctx, root, subfsal.Whence{}, func(de mdcache.ReaddirEntry) (subfsal.RdResult, error) {
		got[de.Name] = true
		return subfsal.RdContinue, nil
	})
	require.NoError(t, err)
	assert.True(t, eod)
	assert.Equal(t, map[string]bool{"a": true, "b": true, "c": true, "d": true, "e": true, "f": true}, got)
}

// TestUnexportBarrierBlocksNewEntry covers spec §8 scenario 5: once an
// export has begun unexporting, a lookup that must cross new_entry's
// miss path (no cached dirent yet) is turned back with ErrStale rather
// than publishing a fresh entry under a export that is going away.
func TestUnexportBarrierBlocksNewEntry(t *testing.T) {
	fs := memfs.New()
	c := mdcache.New(fs, mdcache.DefaultConfig(), nil)
	ex := mdcache.NewExport()
	ctx := mdcache.WithOpContext(context.Background(), &mdcache.OpContext{Export: ex})

	root, err := c.ResolveRoot(ctx, fs.Root())
	require.NoError(t, err)
	defer c.PutRef(root)

	// Create the object directly against the backend, bypassing the
	// cache entirely, so the coming Lookup has no cached dirent to hit
	// and must go through new_entry's miss path.
	_, _, err = fs.Create(ctx, fs.Root(), "racer.txt", 0644, subfsal.Attrs{})
	require.NoError(t, err)

	ex.BeginUnexport()

	_, err = c.Lookup(ctx, root, "racer.txt")
	require.Error(t, err)
	assert.Equal(t, mdcache.KindStale, mdcache.KindOf(err))
}

// TestRenameWithKeyChangingBackendInvalidatesBothDirectories covers
// spec §8 scenario 4 (rename_changes_key): when the sub-FSAL reports
// that a rename changed the moved object's key, both the source and
// destination directories' cached content are invalidated outright
// instead of patching the moved dirent's name in place.
func TestRenameWithKeyChangingBackendInvalidatesBothDirectories(t *testing.T) {
	fs := memfs.NewKeyChanging()
	c := mdcache.New(fs, mdcache.DefaultConfig(), nil)
	ex := mdcache.NewExport()
	ctx := mdcache.WithOpContext(context.Background(), &mdcache.OpContext{Export: ex})

	root, err := c.ResolveRoot(ctx, fs.Root())
	require.NoError(t, err)
	defer c.PutRef(root)

	a, err := c.Mkdir(ctx, root, "a", 0755, subfsal.Attrs{})
	require.NoError(t, err)
	defer c.PutRef(a)

	b, err := c.Mkdir(ctx, root, "b", 0755, subfsal.Attrs{})
	require.NoError(t, err)
	defer c.PutRef(b)

	original, err := c.Create(ctx, a, "file.txt", 0644, subfsal.Attrs{})
	require.NoError(t, err)
	c.PutRef(original)

	require.NoError(t, c.Rename(ctx, a, "file.txt", b, "file.txt"))

	_, err = c.Lookup(ctx, a, "file.txt")
	require.Error(t, err)
	assert.Equal(t, mdcache.KindNoEnt, mdcache.KindOf(err))

	moved, err := c.Lookup(ctx, b, "file.txt")
	require.NoError(t, err)
	defer c.PutRef(moved)

	assert.False(t, c.HandleCmp(original, moved), "a key-changing rename must not preserve the object's cache identity")
}
