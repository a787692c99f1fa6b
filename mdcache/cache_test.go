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

func newTestCache(t *testing.T) (*mdcache.Cache, *memfs.MemFS, context.Context, *mdcache.Entry) {
	t.Helper()
	fs := memfs.New()
	c := mdcache.New(fs, mdcache.DefaultConfig(), nil)
	ex := mdcache.NewExport()
	ctx := mdcache.WithOpContext(context.Background(), &mdcache.OpContext{Export: ex})

	root, err := c.ResolveRoot(ctx, fs.Root())
	require.NoError(t, err)
	return c, fs, ctx, root
}

func TestResolveRootIsIdempotent(t *testing.T) {
	c, fs, ctx, root := newTestCache(t)
	defer c.PutRef(root)

	again, err := c.ResolveRoot(ctx, fs.Root())
	require.NoError(t, err)
	defer c.PutRef(again)

	assert.True(t, c.HandleCmp(root, again), "two resolutions of the same handle must land on the same entry")
	assert.Equal(t, subfsal.TypeDirectory, root.Type())
}

func TestMkdirThenLookup(t *testing.T) {
	c, _, ctx, root := newTestCache(t)
	defer c.PutRef(root)

	child, err := c.Mkdir(ctx, root, "sub", 0755, subfsal.Attrs{})
	require.NoError(t, err)
	defer c.PutRef(child)
	assert.Equal(t, subfsal.TypeDirectory, child.Type())

	found, err := c.Lookup(ctx, root, "sub")
	require.NoError(t, err)
	defer c.PutRef(found)
	assert.True(t, c.HandleCmp(child, found))
}

func TestLookupMissingNameIsNoEnt(t *testing.T) {
	c, _, ctx, root := newTestCache(t)
	defer c.PutRef(root)

	_, err := c.Lookup(ctx, root, "does-not-exist")
	require.Error(t, err)
	assert.Equal(t, mdcache.KindNoEnt, mdcache.KindOf(err))
}

func TestCreateRejectsDuplicateName(t *testing.T) {
	c, _, ctx, root := newTestCache(t)
	defer c.PutRef(root)

	a, err := c.Create(ctx, root, "dup.txt", 0644, subfsal.Attrs{})
	require.NoError(t, err)
	c.PutRef(a)

	_, err = c.Create(ctx, root, "dup.txt", 0644, subfsal.Attrs{})
	require.Error(t, err)
	assert.Equal(t, mdcache.KindExist, mdcache.KindOf(err))
}

func TestReaddirListsAllCreatedChildren(t *testing.T) {
	c, _, ctx, root := newTestCache(t)
	defer c.PutRef(root)

	want := map[string]bool{}
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		child, err := c.Create(ctx, root, name, 0644, subfsal.Attrs{})
		require.NoError(t, err)
		c.PutRef(child)
		want[name] = true
	}

	got := map[string]bool{}
	eod, err := c.Readdir(ctx, root, subfsal.Whence{}, func(de mdcache.ReaddirEntry) (subfsal.RdResult, error) {
		got[de.Name] = true
		require.NotNil(t, de.Entry)
		assert.Equal(t, subfsal.TypeRegular, de.Entry.Type())
		return subfsal.RdContinue, nil
	})
	require.NoError(t, err)
	assert.True(t, eod)
	assert.Equal(t, want, got)
}

func TestReaddirTerminatesEarlyWithoutReachingEod(t *testing.T) {
	c, _, ctx, root := newTestCache(t)
	defer c.PutRef(root)

	for _, name := range []string{"a", "b", "c"} {
		child, err := c.Create(ctx, root, name, 0644, subfsal.Attrs{})
		require.NoError(t, err)
		c.PutRef(child)
	}

	count := 0
	eod, err := c.Readdir(ctx, root, subfsal.Whence{}, func(de mdcache.ReaddirEntry) (subfsal.RdResult, error) {
		count++
		return subfsal.RdTerminate, nil
	})
	require.NoError(t, err)
	assert.False(t, eod)
	assert.Equal(t, 1, count)
}

func TestUnlinkThenLookupIsNoEnt(t *testing.T) {
	c, _, ctx, root := newTestCache(t)
	defer c.PutRef(root)

	child, err := c.Create(ctx, root, "gone.txt", 0644, subfsal.Attrs{})
	require.NoError(t, err)
	c.PutRef(child)

	require.NoError(t, c.Unlink(ctx, root, "gone.txt"))

	_, err = c.Lookup(ctx, root, "gone.txt")
	require.Error(t, err)
	assert.Equal(t, mdcache.KindNoEnt, mdcache.KindOf(err))
}

func TestUnlinkNonEmptyDirIsExist(t *testing.T) {
	c, _, ctx, root := newTestCache(t)
	defer c.PutRef(root)

	sub, err := c.Mkdir(ctx, root, "sub", 0755, subfsal.Attrs{})
	require.NoError(t, err)
	defer c.PutRef(sub)

	inner, err := c.Create(ctx, sub, "inner.txt", 0644, subfsal.Attrs{})
	require.NoError(t, err)
	c.PutRef(inner)

	err = c.Unlink(ctx, root, "sub")
	require.Error(t, err)
	assert.Equal(t, mdcache.KindExist, mdcache.KindOf(err))
}

func TestRenameMovesNameBetweenDirectories(t *testing.T) {
	c, _, ctx, root := newTestCache(t)
	defer c.PutRef(root)

	a, err := c.Mkdir(ctx, root, "a", 0755, subfsal.Attrs{})
	require.NoError(t, err)
	defer c.PutRef(a)

	b, err := c.Mkdir(ctx, root, "b", 0755, subfsal.Attrs{})
	require.NoError(t, err)
	defer c.PutRef(b)

	f, err := c.Create(ctx, a, "file.txt", 0644, subfsal.Attrs{})
	require.NoError(t, err)
	c.PutRef(f)

	require.NoError(t, c.Rename(ctx, a, "file.txt", b, "file.txt"))

	_, err = c.Lookup(ctx, a, "file.txt")
	require.Error(t, err)
	assert.Equal(t, mdcache.KindNoEnt, mdcache.KindOf(err))

	moved, err := c.Lookup(ctx, b, "file.txt")
	require.NoError(t, err)
	c.PutRef(moved)
}

func TestGetAttrsThenSetAttrsRoundTrips(t *testing.T) {
	c, _, ctx, root := newTestCache(t)
	defer c.PutRef(root)

	child, err := c.Create(ctx, root, "f.txt", 0644, subfsal.Attrs{})
	require.NoError(t, err)
	defer c.PutRef(child)

	updated, err := c.SetAttrs(ctx, child, subfsal.Attrs{Mode: 0600, Mask: subfsal.MaskMode}, subfsal.MaskMode)
	require.NoError(t, err)
	assert.Equal(t, uint32(0600), updated.Mode)

	got, err := c.GetAttrs(ctx, child, subfsal.MaskMode)
	require.NoError(t, err)
	assert.Equal(t, uint32(0600), got.Mode)
}

func TestStatsReflectInsertionsAndHits(t *testing.T) {
	c, _, ctx, root := newTestCache(t)
	defer c.PutRef(root)

	child, err := c.Create(ctx, root, "x.txt", 0644, subfsal.Attrs{})
	require.NoError(t, err)
	c.PutRef(child)

	again, err := c.Lookup(ctx, root, "x.txt")
	require.NoError(t, err)
	c.PutRef(again)

	stats := c.Stats()
	assert.GreaterOrEqual(t, stats.InodeMapping, uint64(2))
	assert.GreaterOrEqual(t, stats.InodeHit, uint64(1))
}
