package identity

import (
	"testing"

	"github.com/ValentinKolb/tKV/lib/db/engines/maple"
	"github.com/ValentinKolb/tKV/lib/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrCreateIsStable(t *testing.T) {
	kv := maple.NewMapleDB(nil)
	defer kv.Close()

	first, err := LoadOrCreate(kv)
	require.NoError(t, err)
	assert.True(t, Valid(first))

	second, err := LoadOrCreate(kv)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	other, err := LoadOrCreate(maple.NewMapleDB(nil))
	require.NoError(t, err)
	assert.NotEqual(t, first, other)
}

func TestGuardPinsFirstIdentity(t *testing.T) {
	kv := maple.NewMapleDB(nil)
	defer kv.Close()

	g, err := NewGuard(kv)
	require.NoError(t, err)
	assert.Empty(t, g.Pinned())

	u1, u2 := Generate(), Generate()
	require.NoError(t, g.Check(u1))
	require.NoError(t, g.Pin(u1))
	require.NoError(t, g.Pin(u1))

	err = g.Check(u2)
	assert.ErrorIs(t, err, errs.ErrServerIdentityMismatch)
	assert.ErrorIs(t, g.Pin(u2), errs.ErrServerIdentityMismatch)
	assert.ErrorIs(t, g.Check(""), errs.ErrServerIdentityMismatch)

	// the pin survives a restart of the client
	reopened, err := NewGuard(kv)
	require.NoError(t, err)
	assert.Equal(t, u1, reopened.Pinned())

	require.NoError(t, reopened.Forget())
	require.NoError(t, reopened.Pin(u2))
	assert.Equal(t, u2, reopened.Pinned())
}
