package mdcache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirIndexesInsertAndLookupName(t *testing.T) {
	idx := newDirIndexes()
	d := &dirent{name: "foo"}
	require.NoError(t, idx.insertName(d))
	assert.Same(t, d, idx.lookupName("foo"))
	assert.Nil(t, idx.lookupName("bar"))
}

func TestDirIndexesInsertNameRejectsLiveDuplicate(t *testing.T) {
	idx := newDirIndexes()
	require.NoError(t, idx.insertName(&dirent{name: "foo"}))
	err := idx.insertName(&dirent{name: "foo"})
	assert.ErrorIs(t, err, ErrExist)
}

func TestDirIndexesInsertNameReusesDeletedSlot(t *testing.T) {
	idx := newDirIndexes()
	first := &dirent{name: "foo"}
	require.NoError(t, idx.insertName(first))
	first.flags |= direntDeleted

	second := &dirent{name: "foo"}
	require.NoError(t, idx.insertName(second))
	assert.Same(t, second, idx.lookupName("foo"))
}

func TestDirIndexesRemoveNameOnlyRemovesMatchingEntry(t *testing.T) {
	idx := newDirIndexes()
	d := &dirent{name: "foo"}
	require.NoError(t, idx.insertName(d))

	stale := &dirent{name: "foo"}
	idx.removeName(stale) // no-op: nameFast currently points at d, not stale
	assert.Same(t, d, idx.lookupName("foo"))

	idx.removeName(d)
	assert.Nil(t, idx.lookupName("foo"))
}

func TestDirIndexesLookupCookieFindsExactMatch(t *testing.T) {
	idx := newDirIndexes()
	a := &dirent{name: "a", cookie: 10}
	b := &dirent{name: "b", cookie: 20}
	idx.insertCookie(a)
	idx.insertCookie(b)

	assert.Same(t, a, idx.lookupCookie(10))
	assert.Same(t, b, idx.lookupCookie(20))
	assert.Nil(t, idx.lookupCookie(15))
}

func TestDirIndexesNeighborsReturnsAdjacentDirents(t *testing.T) {
	idx := newDirIndexes()
	a := &dirent{name: "a", cookie: 10}
	b := &dirent{name: "b", cookie: 30}
	idx.insertSort(a)
	idx.insertSort(b)

	pred, succ := idx.neighbors(20)
	assert.Same(t, a, pred)
	assert.Same(t, b, succ)
}

func TestDirIndexesCountTracksByNameSize(t *testing.T) {
	idx := newDirIndexes()
	assert.Equal(t, 0, idx.count())
	require.NoError(t, idx.insertName(&dirent{name: "a"}))
	require.NoError(t, idx.insertName(&dirent{name: "b"}))
	assert.Equal(t, 2, idx.count())
}
