package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsMatchesByCode(t *testing.T) {
	err := Newf(RetCConflict, "record %d held by %s", 42, "client-a")

	assert.True(t, errors.Is(err, ErrConflict))
	assert.False(t, errors.Is(err, ErrNotHolder))

	wrapped := fmt.Errorf("checkout failed: %w", err)
	assert.True(t, errors.Is(wrapped, ErrConflict))
	assert.Equal(t, RetCConflict, CodeOf(wrapped))
}

func TestWrapKeepsExistingCode(t *testing.T) {
	assert.Nil(t, Wrap(RetCStorageIO, nil))

	foreign := errors.New("disk full")
	assert.True(t, errors.Is(Wrap(RetCStorageIO, foreign), ErrStorageIO))

	own := NewError(RetCReleased, "frozen")
	assert.True(t, errors.Is(Wrap(RetCStorageIO, own), ErrReleased))
}

func TestFromCode(t *testing.T) {
	assert.NoError(t, FromCode(RetCSuccess, ""))
	assert.True(t, errors.Is(FromCode(RetCTimeout, "late"), ErrTimeout))
	assert.Equal(t, RetCInternalError, CodeOf(errors.New("boom")))
	assert.Equal(t, "ServerIdentityMismatch", RetCServerIdentityMismatch.String())
}
