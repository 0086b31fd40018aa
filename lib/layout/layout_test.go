package layout

import (
	"testing"

	"github.com/ValentinKolb/tKV/lib/db"
	"github.com/ValentinKolb/tKV/lib/db/engines/maple"
	"github.com/ValentinKolb/tKV/lib/keys"
	"github.com/ValentinKolb/tKV/lib/record"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersSortNumerically(t *testing.T) {
	kv := maple.NewMapleDB(nil)
	defer kv.Close()

	b := db.NewBatch()
	for _, n := range []uint64{300, 2, 70000} {
		b.Set(Log("parts"), U64(n), nil)
	}
	require.NoError(t, kv.Commit(b))

	var got []uint64
	require.NoError(t, kv.Scan(Log("parts"), nil, nil, func(k, _ []byte) bool {
		n, err := ParseU64(k)
		require.NoError(t, err)
		got = append(got, n)
		return true
	}))
	assert.Equal(t, []uint64{2, 300, 70000}, got)

	n, err := GetU64(kv, Meta, MetaCursor("parts"))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestEnvelopes(t *testing.T) {
	kv := maple.NewMapleDB(nil)
	defer kv.Close()

	v1 := record.SchemaVersion{Major: 1}
	b := db.NewBatch()
	for _, id := range []uint64{7, 3} {
		env := record.New(keys.Uint64(id), v1, "A", 1, []byte("x"))
		b.Set("parts", env.Key.ID.Bytes(), env.MustEncode())
	}
	b.Set(Trees, []byte("parts"), nil)
	require.NoError(t, kv.Commit(b))

	env, ok, err := LoadEnvelope(kv, "parts", keys.Uint64(7))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "A", env.Creator)

	_, ok, err = LoadEnvelope(kv, "parts", keys.Uint64(8))
	require.NoError(t, err)
	assert.False(t, ok)

	var ids []keys.ID
	require.NoError(t, ScanEnvelopes(kv, "parts", func(env *record.Envelope) bool {
		ids = append(ids, env.Key.ID)
		return true
	}))
	assert.Equal(t, []keys.ID{keys.Uint64(3), keys.Uint64(7)}, ids)

	names, err := UserTrees(kv)
	require.NoError(t, err)
	assert.Equal(t, []string{"parts"}, names)
	assert.True(t, IsInternal(Ranges("parts")))
}
