package mdcache

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mdcache/mdc/subfsal"
)

func TestKindOfTranslatesOwnErrors(t *testing.T) {
	assert.Equal(t, KindNoEnt, KindOf(ErrNoEnt))
	assert.Equal(t, KindExist, KindOf(ErrExist))
	assert.Equal(t, KindStale, KindOf(ErrStale))
}

func TestKindOfTranslatesWrappedOwnErrors(t *testing.T) {
	wrapped := wrapErr(KindOverflow, errors.New("boom"), "insert")
	assert.Equal(t, KindOverflow, KindOf(wrapped))
}

func TestKindOfTranslatesSubFSALSentinels(t *testing.T) {
	assert.Equal(t, KindNoEnt, KindOf(subfsal.ErrNoEnt))
	assert.Equal(t, KindExist, KindOf(subfsal.ErrExist))
	assert.Equal(t, KindExist, KindOf(subfsal.ErrNotEmpty))
	assert.Equal(t, KindStale, KindOf(subfsal.ErrStale))
}

func TestKindOfFallsBackToServerFaultForUnknownErrors(t *testing.T) {
	assert.Equal(t, KindServerFault, KindOf(errors.New("something else entirely")))
}

func TestErrorIsComparesByKindNotIdentity(t *testing.T) {
	a := newErr(KindNoEnt, nil)
	b := newErr(KindNoEnt, errors.New("different cause"))
	assert.True(t, errors.Is(a, b))
}
