package memfs_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mdcache/mdc/subfsal"
	"github.com/mdcache/mdc/subfsal/memfs"
)

func TestCreateAndLookup(t *testing.T) {
	fs := memfs.New()
	ctx := context.Background()

	h, attrs, err := fs.Create(ctx, fs.Root(), "file.txt", 0644, subfsal.Attrs{})
	require.NoError(t, err)
	assert.Equal(t, subfsal.TypeRegular, attrs.Type)

	got, _, err := fs.Lookup(ctx, fs.Root(), "file.txt")
	require.NoError(t, err)
	assert.Equal(t, fs.HandleToKey(h), fs.HandleToKey(got))
}

func TestLookupMissingIsNoEnt(t *testing.T) {
	fs := memfs.New()
	_, _, err := fs.Lookup(context.Background(), fs.Root(), "nope")
	assert.ErrorIs(t, err, subfsal.ErrNoEnt)
}

func TestCreateDuplicateIsExist(t *testing.T) {
	fs := memfs.New()
	ctx := context.Background()

	_, _, err := fs.Create(ctx, fs.Root(), "dup", 0644, subfsal.Attrs{})
	require.NoError(t, err)

	_, _, err = fs.Create(ctx, fs.Root(), "dup", 0644, subfsal.Attrs{})
	assert.ErrorIs(t, err, subfsal.ErrExist)
}

func TestUnlinkNonEmptyDirIsNotEmpty(t *testing.T) {
	fs := memfs.New()
	ctx := context.Background()

	dh, _, err := fs.Mkdir(ctx, fs.Root(), "dir", 0755, subfsal.Attrs{})
	require.NoError(t, err)
	_, _, err = fs.Create(ctx, dh, "inner", 0644, subfsal.Attrs{})
	require.NoError(t, err)

	err = fs.Unlink(ctx, fs.Root(), "dir")
	assert.ErrorIs(t, err, subfsal.ErrNotEmpty)
}

func TestRenameMovesEntryAcrossDirectories(t *testing.T) {
	fs := memfs.New()
	ctx := context.Background()

	a, _, err := fs.Mkdir(ctx, fs.Root(), "a", 0755, subfsal.Attrs{})
	require.NoError(t, err)
	b, _, err := fs.Mkdir(ctx, fs.Root(), "b", 0755, subfsal.Attrs{})
	require.NoError(t, err)

	_, _, err = fs.Create(ctx, a, "f", 0644, subfsal.Attrs{})
	require.NoError(t, err)

	_, err = fs.Rename(ctx, a, "f", b, "f")
	require.NoError(t, err)

	_, _, err = fs.Lookup(ctx, a, "f")
	assert.ErrorIs(t, err, subfsal.ErrNoEnt)

	_, _, err = fs.Lookup(ctx, b, "f")
	require.NoError(t, err)
}

func TestReaddirReturnsAllNamesInOrder(t *testing.T) {
	fs := memfs.New()
	ctx := context.Background()

	for _, name := range []string{"c", "a", "b"} {
		_, _, err := fs.Create(ctx, fs.Root(), name, 0644, subfsal.Attrs{})
		require.NoError(t, err)
	}

	var names []string
	eod, err := fs.Readdir(ctx, fs.Root(), subfsal.Whence{}, subfsal.MaskAll, func(de subfsal.DirEntry) (subfsal.RdResult, error) {
		names = append(names, de.Name)
		return subfsal.RdContinue, nil
	})
	require.NoError(t, err)
	assert.True(t, eod)
	assert.Equal(t, []string{"a", "b", "c"}, names)
}

func TestHandleRoundTripsThroughWireEncoding(t *testing.T) {
	fs := memfs.New()
	ctx := context.Background()

	h, _, err := fs.Create(ctx, fs.Root(), "f", 0644, subfsal.Attrs{})
	require.NoError(t, err)

	wire := fs.HandleToWire(h)
	back, err := fs.CreateHandle(wire)
	require.NoError(t, err)
	assert.Equal(t, fs.HandleToKey(h), fs.HandleToKey(back))
}
