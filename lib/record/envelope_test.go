package record

import (
	"testing"

	"github.com/ValentinKolb/tKV/lib/errs"
	"github.com/ValentinKolb/tKV/lib/keys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchemaCompatible(t *testing.T) {
	tests := []struct {
		record, reader SchemaVersion
		want           bool
	}{
		{SchemaVersion{1, 0}, SchemaVersion{1, 0}, true},
		{SchemaVersion{1, 0}, SchemaVersion{1, 3}, true},
		{SchemaVersion{1, 4}, SchemaVersion{1, 3}, false},
		{SchemaVersion{2, 0}, SchemaVersion{1, 9}, false},
		{SchemaVersion{1, 0}, SchemaVersion{2, 0}, false},
	}
	for _, tt := range tests {
		t.Run(tt.record.String()+"->"+tt.reader.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.record.Compatible(tt.reader))
		})
	}
}

func TestEnvelopeLifecycle(t *testing.T) {
	e := New(keys.Uint64(1000), SchemaVersion{1, 0}, "A", 1, []byte("v0"))
	assert.Equal(t, uint32(0), e.Key.Revision)

	require.NoError(t, e.Edit([]byte("v1"), 2))
	assert.Equal(t, uint32(1), e.Key.Revision)

	require.NoError(t, e.Freeze(1, 3))
	assert.True(t, e.IsReleased())
	assert.Equal(t, uint32(2), e.Key.Revision)

	err := e.Edit([]byte("v2"), 4)
	assert.ErrorIs(t, err, errs.ErrReleased)
	assert.Equal(t, []byte("v1"), e.Payload)

	assert.ErrorIs(t, e.Migrate(SchemaVersion{2, 0}, []byte("x"), 4), errs.ErrReleased)
	assert.ErrorIs(t, e.Freeze(2, 4), errs.ErrReleased)
	assert.ErrorIs(t, e.Delete(4), errs.ErrReleased)
	assert.Equal(t, SchemaVersion{1, 0}, e.Schema)

	// state stays mutable
	require.NoError(t, e.SetState(7, 5))
	assert.Equal(t, uint32(7), e.State)
	assert.Equal(t, uint32(3), e.Key.Revision)
	assert.Equal(t, []byte("v1"), e.Payload)
}

func TestEnvelopeDelete(t *testing.T) {
	e := New(keys.Uint64(5), SchemaVersion{1, 0}, "A", 1, []byte("v0"))
	require.NoError(t, e.Delete(2))
	assert.True(t, e.Deleted)
	assert.Nil(t, e.Payload)

	assert.ErrorIs(t, e.Edit([]byte("x"), 3), errs.ErrNotFound)
	assert.ErrorIs(t, e.SetState(1, 3), errs.ErrNotFound)
}

func TestEnvelopeFreezeRejectsZero(t *testing.T) {
	e := New(keys.Uint64(5), SchemaVersion{1, 0}, "A", 1, nil)
	assert.ErrorIs(t, e.Freeze(0, 2), errs.ErrInvalid)
	assert.False(t, e.IsReleased())
}

func TestEnvelopeCheckRead(t *testing.T) {
	e := New(keys.Uint64(5), SchemaVersion{1, 2}, "A", 1, nil)
	assert.NoError(t, e.CheckRead(SchemaVersion{1, 2}))
	assert.ErrorIs(t, e.CheckRead(SchemaVersion{1, 1}), errs.ErrSchemaIncompatible)
}

func TestEnvelopeEncoding(t *testing.T) {
	e := New(keys.ID{Hi: 3, Lo: 42}, SchemaVersion{2, 1}, "client-a", 1234, []byte(`{"name":"bolt"}`))
	require.NoError(t, e.Freeze(9, 99))
	e.State = 4

	back, err := Decode(e.MustEncode())
	require.NoError(t, err)
	assert.Equal(t, e, back)

	_, err = Decode([]byte{envelopeVersion, 0, 1})
	assert.ErrorIs(t, err, errs.ErrStorageIO)

	_, err = Decode([]byte{99})
	assert.ErrorIs(t, err, errs.ErrStorageIO)
}

func TestEnvelopeClone(t *testing.T) {
	e := New(keys.Uint64(1), SchemaVersion{1, 0}, "A", 1, []byte("abc"))
	c := e.Clone()
	c.Payload[0] = 'X'
	c.Key.Revision = 9
	assert.Equal(t, []byte("abc"), e.Payload)
	assert.Equal(t, uint32(0), e.Key.Revision)
}
