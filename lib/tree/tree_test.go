package tree

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/ValentinKolb/tKV/lib/errs"
	"github.com/ValentinKolb/tKV/lib/keys"
	"github.com/ValentinKolb/tKV/lib/record"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type part struct {
	Name string   `json:"name" yaml:"name"`
	Qty  int      `json:"qty" yaml:"qty"`
	Tags []string `json:"tags,omitempty" yaml:"tags,omitempty"`
}

func (p part) IndexTerms() []string {
	return append([]string{p.Name}, p.Tags...)
}

func (p part) Clone() part {
	p.Tags = append([]string(nil), p.Tags...)
	return p
}

type counter uint64

func (c counter) MarshalBinary() ([]byte, error) {
	return binary.BigEndian.AppendUint64(nil, uint64(c)), nil
}

func (c *counter) UnmarshalBinary(data []byte) error {
	if len(data) != 8 {
		return errors.New("counter needs 8 bytes")
	}
	*c = counter(binary.BigEndian.Uint64(data))
	return nil
}

var v1 = record.SchemaVersion{Major: 1}

func TestRegister(t *testing.T) {
	reg := NewRegistry()

	parts, err := Register[part](reg, "parts", v1, nil)
	require.NoError(t, err)
	assert.Equal(t, "parts", parts.Name())

	again, err := Register[part](reg, "parts", v1, nil)
	require.NoError(t, err)
	assert.Same(t, parts, again)

	_, err = Register[counter](reg, "parts", v1, BinaryCodec[counter]{})
	assert.ErrorIs(t, err, errs.ErrConflict)

	_, err = Register[part](reg, "parts", record.SchemaVersion{Major: 2}, nil)
	assert.ErrorIs(t, err, errs.ErrConflict)

	_, err = Register[part](reg, "_log", v1, nil)
	assert.ErrorIs(t, err, errs.ErrInvalid)
	_, err = Register[part](reg, "", v1, nil)
	assert.ErrorIs(t, err, errs.ErrInvalid)

	_, err = Register[counter](reg, "counters", v1, BinaryCodec[counter]{})
	require.NoError(t, err)
	assert.Equal(t, []string{"counters", "parts"}, reg.Names())

	b, ok := reg.Lookup("counters")
	require.True(t, ok)
	assert.Equal(t, "counter", b.Type().Name())
}

func TestKeysAreBoundToTheirTree(t *testing.T) {
	reg := NewRegistry()
	parts, _ := Register[part](reg, "parts", v1, nil)
	spares, _ := Register[part](reg, "spares", v1, nil)

	k := parts.Key(keys.Uint64(1000), 0)
	assert.NoError(t, parts.CheckKey(k))
	assert.ErrorIs(t, spares.CheckKey(k), errs.ErrWrongTree)
	assert.Equal(t, "parts/1000@0", k.String())
}

func TestDecodeChecksSchema(t *testing.T) {
	reg := NewRegistry()
	parts, _ := Register[part](reg, "parts", record.SchemaVersion{Major: 1, Minor: 1}, nil)

	payload, err := parts.Encode(part{Name: "bolt", Qty: 3})
	require.NoError(t, err)

	env := record.New(keys.Uint64(1), record.SchemaVersion{Major: 1}, "A", 1, payload)
	got, err := parts.Decode(env)
	require.NoError(t, err)
	assert.Equal(t, part{Name: "bolt", Qty: 3}, got)

	env.Schema = record.SchemaVersion{Major: 1, Minor: 2}
	_, err = parts.Decode(env)
	assert.ErrorIs(t, err, errs.ErrSchemaIncompatible)

	env.Schema = v1
	env.Payload = []byte("{broken")
	_, err = parts.Decode(env)
	assert.ErrorIs(t, err, errs.ErrStorageIO)
}

func TestBinaryCodec(t *testing.T) {
	reg := NewRegistry()
	counters, err := Register[counter](reg, "counters", v1, BinaryCodec[counter]{})
	require.NoError(t, err)

	data, err := counters.Encode(42)
	require.NoError(t, err)
	assert.Len(t, data, 8)

	got, err := counters.Decode(record.New(keys.Uint64(1), v1, "A", 1, data))
	require.NoError(t, err)
	assert.Equal(t, counter(42), got)

	_, err = BinaryCodec[string]{}.Encode("x")
	assert.Error(t, err)
}

func TestCloneAndTerms(t *testing.T) {
	reg := NewRegistry()
	parts, _ := Register[part](reg, "parts", v1, nil)

	p := part{Name: "bolt", Tags: []string{"m6"}}
	c, err := parts.Clone(p)
	require.NoError(t, err)
	c.Tags[0] = "m8"
	assert.Equal(t, "m6", p.Tags[0])

	payload, _ := parts.Encode(p)
	terms, err := parts.Terms(record.New(keys.Uint64(1), v1, "A", 1, payload))
	require.NoError(t, err)
	assert.Equal(t, []string{"bolt", "m6"}, terms)

	// types without IndexTerms have no terms
	counters, _ := Register[counter](reg, "counters", v1, BinaryCodec[counter]{})
	data, _ := counters.Encode(1)
	terms, err = counters.Terms(record.New(keys.Uint64(1), v1, "A", 1, data))
	require.NoError(t, err)
	assert.Empty(t, terms)
}

func TestBindingErasesType(t *testing.T) {
	reg := NewRegistry()
	_, _ = Register[part](reg, "parts", v1, nil)
	b, _ := reg.Lookup("parts")

	payload, err := b.EncodeAny(&part{Name: "nut"})
	require.NoError(t, err)
	v, err := b.DecodeAny(payload)
	require.NoError(t, err)
	assert.Equal(t, part{Name: "nut"}, v)

	_, err = b.EncodeAny(42)
	assert.ErrorIs(t, err, errs.ErrInvalid)
	assert.IsType(t, &part{}, b.NewAny())
}
