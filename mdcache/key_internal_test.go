package mdcache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyTableShardForIsStablePerKey(t *testing.T) {
	kt := newKeyTable(16)
	key := makeKey(1, []byte("some-handle"))
	first := kt.shardFor(key)
	for i := 0; i < 10; i++ {
		assert.Same(t, first, kt.shardFor(key))
	}
}

func TestKeyTableSetGetRemove(t *testing.T) {
	kt := newKeyTable(16)
	key := makeKey(1, []byte("handle-a"))
	e := &Entry{key: key}

	_, sh := kt.getByKeyLatchWrite(key)
	kt.setLatched(sh, key, e)
	sh.mu.Unlock()

	got, sh2 := kt.getByKeyLatchRead(key)
	require.NotNil(t, got)
	sh2.mu.RUnlock()
	assert.Same(t, e, got)

	assert.True(t, kt.removeChecked(key, e))
	assert.False(t, kt.removeChecked(key, e), "second removal of an already-absent entry reports no-op")

	miss, sh3 := kt.getByKeyLatchRead(key)
	assert.Nil(t, miss)
	assert.Nil(t, sh3)
}

func TestKeyTableRejectsNonPowerOfTwoShardCount(t *testing.T) {
	kt := newKeyTable(3)
	assert.Equal(t, 64, kt.n, "non-power-of-two shard counts fall back to the default")
}

func TestMakeKeyDistinguishesSubFSALIDs(t *testing.T) {
	a := makeKey(1, []byte("same-bytes"))
	b := makeKey(2, []byte("same-bytes"))
	assert.NotEqual(t, a, b)
}
