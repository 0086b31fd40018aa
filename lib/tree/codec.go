package tree

import (
	"encoding"
	"encoding/json"
	"fmt"
)

// Codec converts typed values to payload bytes and back
type Codec[T any] interface {
	Encode(v T) ([]byte, error)
	Decode(data []byte) (T, error)
}

// --------------------------------------------------------------------------
// Capability Interfaces
// --------------------------------------------------------------------------

// Encodable types bring their own binary encoding, BinaryCodec uses it
type Encodable interface {
	encoding.BinaryMarshaler
}

// Indexable types name the terms the tree's named index stores for them
type Indexable interface {
	IndexTerms() []string
}

// Cloneable types know how to deep copy themselves. Values of other types are
// cloned through their codec.
type Cloneable[T any] interface {
	Clone() T
}

// --------------------------------------------------------------------------
// Codecs
// --------------------------------------------------------------------------

// JSONCodec encodes values with encoding/json
type JSONCodec[T any] struct{}

func (JSONCodec[T]) Encode(v T) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec[T]) Decode(data []byte) (T, error) {
	var v T
	err := json.Unmarshal(data, &v)
	return v, err
}

// BinaryCodec uses the encoding.BinaryMarshaler / BinaryUnmarshaler methods
// of T (the unmarshaler on *T).
type BinaryCodec[T any] struct{}

func (BinaryCodec[T]) Encode(v T) ([]byte, error) {
	m, ok := any(v).(Encodable)
	if !ok {
		return nil, fmt.Errorf("%T does not implement encoding.BinaryMarshaler", v)
	}
	return m.MarshalBinary()
}

func (BinaryCodec[T]) Decode(data []byte) (T, error) {
	var v T
	u, ok := any(&v).(encoding.BinaryUnmarshaler)
	if !ok {
		return v, fmt.Errorf("%T does not implement encoding.BinaryUnmarshaler", &v)
	}
	err := u.UnmarshalBinary(data)
	return v, err
}
