package tree

import (
	"fmt"
	"reflect"

	"github.com/ValentinKolb/tKV/lib/errs"
	"github.com/ValentinKolb/tKV/lib/keys"
	"github.com/ValentinKolb/tKV/lib/record"
)

// Key is a record key that remembers the tree it belongs to. A Key of one
// tree is rejected by every other tree, even one with the same value type.
type Key[T any] struct {
	tree string
	keys.RecordKey
}

// Tree returns the name of the tree the key belongs to
func (k Key[T]) Tree() string {
	return k.tree
}

func (k Key[T]) String() string {
	return k.tree + "/" + k.RecordKey.String()
}

// Tree is the typed handle of a registered tree
type Tree[T any] struct {
	name   string
	schema record.SchemaVersion
	codec  Codec[T]
}

// Name returns the tree name
func (t *Tree[T]) Name() string {
	return t.name
}

// Schema returns the schema version values of this tree are written with
func (t *Tree[T]) Schema() record.SchemaVersion {
	return t.schema
}

// Key builds a key of this tree
func (t *Tree[T]) Key(id keys.ID, revision uint32) Key[T] {
	return Key[T]{tree: t.name, RecordKey: keys.RecordKey{ID: id, Revision: revision}}
}

// KeyOf returns the key of a stored envelope
func (t *Tree[T]) KeyOf(env *record.Envelope) Key[T] {
	return Key[T]{tree: t.name, RecordKey: env.Key}
}

// CheckKey fails with WrongTree if k belongs to another tree
func (t *Tree[T]) CheckKey(k Key[T]) error {
	if k.tree != t.name {
		return errs.Newf(errs.RetCWrongTree, "key %s used with tree %q", k, t.name)
	}
	return nil
}

// Encode encodes a value with the tree codec
func (t *Tree[T]) Encode(v T) ([]byte, error) {
	data, err := t.codec.Encode(v)
	if err != nil {
		return nil, errs.Wrap(errs.RetCInvalidOperation, fmt.Errorf("encode %s value: %w", t.name, err))
	}
	return data, nil
}

// Decode checks the schema of env against the tree schema and decodes the payload
func (t *Tree[T]) Decode(env *record.Envelope) (T, error) {
	var zero T
	if env.Deleted {
		return zero, errs.Newf(errs.RetCNotFound, "record %s/%s is deleted", t.name, env.Key.ID)
	}
	if err := env.CheckRead(t.schema); err != nil {
		return zero, err
	}
	v, err := t.codec.Decode(env.Payload)
	if err != nil {
		return zero, errs.Wrap(errs.RetCStorageIO, fmt.Errorf("decode %s/%s: %w", t.name, env.Key, err))
	}
	return v, nil
}

// Clone deep copies v, through Cloneable when T implements it
func (t *Tree[T]) Clone(v T) (T, error) {
	if c, ok := any(v).(Cloneable[T]); ok {
		return c.Clone(), nil
	}
	data, err := t.codec.Encode(v)
	if err != nil {
		return v, err
	}
	return t.codec.Decode(data)
}

// Terms returns the index terms of a stored record. Only Indexable types
// have terms.
func (t *Tree[T]) Terms(env *record.Envelope) ([]string, error) {
	if env.Deleted || !env.Schema.Compatible(t.schema) {
		return nil, nil
	}
	v, err := t.codec.Decode(env.Payload)
	if err != nil {
		return nil, err
	}
	if ix, ok := any(v).(Indexable); ok {
		return ix.IndexTerms(), nil
	}
	return nil, nil
}

// --------------------------------------------------------------------------
// Binding (type erased, used by the viewer and the inspection API)
// --------------------------------------------------------------------------

// Binding is the capability bundle of a tree with its value type erased
type Binding interface {
	Name() string
	Schema() record.SchemaVersion
	Type() reflect.Type

	// DecodeAny decodes a payload into a value of the tree type
	DecodeAny(payload []byte) (any, error)

	// NewAny returns a pointer to a zero value of the tree type
	NewAny() any

	// EncodeAny encodes a value (or pointer to a value) of the tree type
	EncodeAny(v any) ([]byte, error)

	Terms(env *record.Envelope) ([]string, error)
}

func (t *Tree[T]) Type() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

func (t *Tree[T]) DecodeAny(payload []byte) (any, error) {
	return t.codec.Decode(payload)
}

func (t *Tree[T]) NewAny() any {
	return new(T)
}

func (t *Tree[T]) EncodeAny(v any) ([]byte, error) {
	switch val := v.(type) {
	case T:
		return t.Encode(val)
	case *T:
		return t.Encode(*val)
	}
	return nil, errs.Newf(errs.RetCInvalidOperation, "tree %q stores %s, got %T", t.name, t.Type(), v)
}
