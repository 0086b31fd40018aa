package client

import (
	"context"

	"github.com/ValentinKolb/tKV/lib/errs"
	"github.com/ValentinKolb/tKV/lib/events"
	"github.com/ValentinKolb/tKV/lib/index"
	"github.com/ValentinKolb/tKV/lib/keys"
	"github.com/ValentinKolb/tKV/lib/layout"
	"github.com/ValentinKolb/tKV/lib/record"
	"github.com/ValentinKolb/tKV/lib/tree"
)

// Tree is the typed handle of a synced tree. Its keys only work with this
// tree, values are encoded with the codec given on registration.
type Tree[T any] struct {
	c *Client
	t *tree.Tree[T]
}

// Register binds a tree name to the value type T and subscribes the client
// to the tree. A nil codec encodes values as JSON.
//
// Usage:
//
//	type Part struct {
//		Name string `json:"name"`
//	}
//
//	parts, err := client.Register[Part](c, "parts", record.SchemaVersion{Major: 1}, nil)
//	key, err := parts.Create(Part{Name: "bolt"})
func Register[T any](c *Client, name string, schema record.SchemaVersion, codec tree.Codec[T]) (*Tree[T], error) {
	t, err := tree.Register[T](c.registry, name, schema, codec)
	if err != nil {
		return nil, err
	}
	if err := c.Subscribe(name); err != nil {
		return nil, err
	}
	return &Tree[T]{c: c, t: t}, nil
}

// Name returns the tree name
func (t *Tree[T]) Name() string {
	return t.t.Name()
}

// Schema returns the schema version new values are written with
func (t *Tree[T]) Schema() record.SchemaVersion {
	return t.t.Schema()
}

// Key builds a key of this tree
func (t *Tree[T]) Key(id keys.ID) tree.Key[T] {
	return t.t.Key(id, 0)
}

// --------------------------------------------------------------------------
// Local operations
// --------------------------------------------------------------------------

// Create stores a new value locally, see Client.Create
func (t *Tree[T]) Create(v T) (tree.Key[T], error) {
	payload, err := t.t.Encode(v)
	if err != nil {
		return tree.Key[T]{}, err
	}
	env, err := t.c.Create(t.t.Name(), t.t.Schema(), payload)
	if err != nil {
		return tree.Key[T]{}, err
	}
	return t.t.KeyOf(env), nil
}

// Get returns the local value of a record
func (t *Tree[T]) Get(k tree.Key[T]) (T, error) {
	if err := t.t.CheckKey(k); err != nil {
		var zero T
		return zero, err
	}
	v, _, err := t.GetByID(k.ID)
	return v, err
}

// GetByID returns the local value of a record and its current key
func (t *Tree[T]) GetByID(id keys.ID) (T, tree.Key[T], error) {
	var zero T
	env, err := t.Envelope(id)
	if err != nil {
		return zero, tree.Key[T]{}, err
	}
	v, err := t.t.Decode(env)
	if err != nil {
		return zero, tree.Key[T]{}, err
	}
	return v, t.t.KeyOf(env), nil
}

// Envelope returns the local envelope of a record
func (t *Tree[T]) Envelope(id keys.ID) (*record.Envelope, error) {
	env, ok, err := t.c.Get(t.t.Name(), id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.Newf(errs.RetCNotFound, "record %s/%s not found", t.t.Name(), id)
	}
	return env, nil
}

// Range calls fn for every readable local record in id order. Tombstones and
// records with an incompatible schema are skipped.
func (t *Tree[T]) Range(fn func(k tree.Key[T], v T) bool) error {
	var decErr error
	err := layout.ScanEnvelopes(t.c.kv, t.t.Name(), func(env *record.Envelope) bool {
		if env.Deleted || env.CheckRead(t.t.Schema()) != nil {
			return true
		}
		v, err := t.t.Decode(env)
		if err != nil {
			decErr = err
			return false
		}
		return fn(t.t.KeyOf(env), v)
	})
	if err != nil {
		return err
	}
	return decErr
}

// Subscribe returns a subscription to the committed changes of this tree
func (t *Tree[T]) Subscribe() *events.Subscription {
	return t.c.bus.Subscribe(t.t.Name())
}

// Index creates a named index over the terms of the values of this tree
// (see tree.Indexable). It is filled from the local records and kept up to
// date by every later commit. Filling a Unique index fails when two local
// records share a term.
func (t *Tree[T]) Index(opts ...index.NamedOption) (*index.Named, error) {
	n := index.NewNamed(t.t.Name(), t.t.Terms, opts...)

	t.c.commitMu.Lock()
	defer t.c.commitMu.Unlock()

	var applyErr error
	err := layout.ScanEnvelopes(t.c.kv, t.t.Name(), func(env *record.Envelope) bool {
		applyErr = n.Apply(events.Change{Tree: t.t.Name(), Kind: events.KindCreate, Envelope: env})
		return applyErr == nil
	})
	if err != nil {
		return nil, err
	}
	if applyErr != nil {
		return nil, applyErr
	}
	t.c.hooks.Register(t.t.Name(), n)
	return n, nil
}

// OnCommit registers fn as indexer hook of this tree. fn runs synchronously
// inside every local commit that changes a record, with the kind of the
// change, the new key and the decoded value. A tombstone is passed as the
// zero value. Records whose schema this client cannot read are not decoded,
// the hook fails with SchemaIncompatible instead. Failures are logged and
// never undo the commit.
func (t *Tree[T]) OnCommit(fn func(kind events.Kind, k tree.Key[T], v T) error) {
	t.c.hooks.Register(t.t.Name(), index.HookFunc(func(c events.Change) error {
		if c.Envelope == nil {
			return nil
		}
		var v T
		if !c.Envelope.Deleted {
			var err error
			if v, err = t.t.Decode(c.Envelope); err != nil {
				return err
			}
		}
		return fn(c.Kind, t.t.KeyOf(c.Envelope), v)
	}))
}

// --------------------------------------------------------------------------
// Round trips
// --------------------------------------------------------------------------

// Checkout borrows a record and returns its current value
func (t *Tree[T]) Checkout(ctx context.Context, k tree.Key[T]) (T, tree.Key[T], error) {
	var zero T
	if err := t.t.CheckKey(k); err != nil {
		return zero, tree.Key[T]{}, err
	}
	env, err := t.c.Checkout(ctx, t.t.Name(), k.ID)
	if err != nil {
		return zero, tree.Key[T]{}, err
	}
	v, err := t.t.Decode(env)
	if err != nil {
		return zero, t.t.KeyOf(env), err
	}
	return v, t.t.KeyOf(env), nil
}

// Checkin returns the borrow of a record
func (t *Tree[T]) Checkin(ctx context.Context, k tree.Key[T]) error {
	if err := t.t.CheckKey(k); err != nil {
		return err
	}
	return t.c.Checkin(ctx, t.t.Name(), k.ID)
}

// Edit replaces the value of a borrowed record
func (t *Tree[T]) Edit(ctx context.Context, k tree.Key[T], v T) (tree.Key[T], error) {
	if err := t.t.CheckKey(k); err != nil {
		return tree.Key[T]{}, err
	}
	payload, err := t.t.Encode(v)
	if err != nil {
		return tree.Key[T]{}, err
	}
	return t.result(t.c.Edit(ctx, t.t.Name(), k.ID, payload))
}

// Release freezes a borrowed record, n = 0 assigns the next release number
func (t *Tree[T]) Release(ctx context.Context, k tree.Key[T], n uint32) (tree.Key[T], error) {
	if err := t.t.CheckKey(k); err != nil {
		return tree.Key[T]{}, err
	}
	return t.result(t.c.Release(ctx, t.t.Name(), k.ID, n))
}

// SetState changes the state number of a borrowed record
func (t *Tree[T]) SetState(ctx context.Context, k tree.Key[T], state uint32) (tree.Key[T], error) {
	if err := t.t.CheckKey(k); err != nil {
		return tree.Key[T]{}, err
	}
	return t.result(t.c.SetState(ctx, t.t.Name(), k.ID, state))
}

// Delete turns a borrowed record into a tombstone
func (t *Tree[T]) Delete(ctx context.Context, k tree.Key[T]) (tree.Key[T], error) {
	if err := t.t.CheckKey(k); err != nil {
		return tree.Key[T]{}, err
	}
	return t.result(t.c.Delete(ctx, t.t.Name(), k.ID))
}

// Migrate rewrites a borrowed record written with another schema version.
// fn receives the stored envelope and returns the value in the current
// schema of the tree. Records are never migrated implicitly.
func (t *Tree[T]) Migrate(ctx context.Context, k tree.Key[T], fn func(env *record.Envelope) (T, error)) (tree.Key[T], error) {
	if err := t.t.CheckKey(k); err != nil {
		return tree.Key[T]{}, err
	}
	env, err := t.Envelope(k.ID)
	if err != nil {
		return tree.Key[T]{}, err
	}
	v, err := fn(env.Clone())
	if err != nil {
		return tree.Key[T]{}, err
	}
	payload, err := t.t.Encode(v)
	if err != nil {
		return tree.Key[T]{}, err
	}
	return t.result(t.c.Migrate(ctx, t.t.Name(), k.ID, t.t.Schema(), payload))
}

func (t *Tree[T]) result(env *record.Envelope, err error) (tree.Key[T], error) {
	if err != nil {
		return tree.Key[T]{}, err
	}
	return t.t.KeyOf(env), nil
}
