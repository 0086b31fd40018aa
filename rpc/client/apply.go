package client

import (
	"bytes"
	"fmt"

	"github.com/ValentinKolb/tKV/lib/borrow"
	"github.com/ValentinKolb/tKV/lib/db"
	"github.com/ValentinKolb/tKV/lib/errs"
	"github.com/ValentinKolb/tKV/lib/events"
	"github.com/ValentinKolb/tKV/lib/keys"
	"github.com/ValentinKolb/tKV/lib/layout"
	"github.com/ValentinKolb/tKV/lib/record"
)

// applyChange applies one streamed change to the local store. Changes at or
// below the persisted cursor of their tree are duplicates and ignored, the
// cursor is written in the same batch as the change.
func (c *Client) applyChange(ch events.Change) error {
	c.commitMu.Lock()
	defer c.commitMu.Unlock()

	cursor, err := c.Cursor(ch.Tree)
	if err != nil {
		return err
	}
	if ch.Cursor <= cursor {
		Logger.Debugf("skipping duplicate %s (applied up to %d)", ch, cursor)
		return nil
	}

	b := db.NewBatch().
		Set(layout.Cursors, []byte(ch.Tree), layout.U64(ch.Cursor)).
		Set(layout.Trees, []byte(ch.Tree), nil)

	var (
		publish = true
		lost    *borrow.Record
	)
	switch {
	case ch.Envelope != nil:
		if publish, err = c.stageEnvelope(b, ch.Tree, ch.Envelope); err != nil {
			return err
		}

	case ch.Borrow != nil && ch.Borrow.Holder == c.clientID:
		key := layout.BorrowKey(ch.Borrow.Key.Tree, ch.Borrow.Key.ID)
		switch ch.Kind {
		case events.KindCheckout:
			// also the way a checkout that was cancelled locally but granted
			// by the server becomes known
			data, _ := ch.Borrow.MarshalBinary()
			b.Set(layout.Borrows, key, data)
		case events.KindRevoke:
			b.Delete(layout.Borrows, key)
			lost = ch.Borrow
		default:
			b.Delete(layout.Borrows, key)
		}

	case ch.Range != nil && ch.Range.Client == c.clientID:
		if err := c.stageGrant(b, *ch.Range); err != nil {
			return err
		}
	}

	if err := c.kv.Commit(b); err != nil {
		return errs.Wrap(errs.RetCStorageIO, fmt.Errorf("apply %s: %w", ch, err))
	}

	if publish {
		c.publish(ch)
	}
	if lost != nil {
		Logger.Warningf("borrow of %s was revoked by the server", lost.Key)
		c.status(events.Change{Tree: lost.Key.Tree, Kind: events.KindBorrowLost, Borrow: lost})
	}
	c.acks.Store(ch.Tree, ch.Cursor)
	return nil
}

// stageEnvelope adds env to b unless the local copy is at least as new.
// It reports whether the record changed. Caller holds commitMu.
func (c *Client) stageEnvelope(b *db.Batch, treeName string, env *record.Envelope) (bool, error) {
	local, found, err := layout.LoadEnvelope(c.kv, treeName, env.Key.ID)
	if err != nil {
		return false, err
	}
	data := env.MustEncode()
	if found {
		if local.Key.Revision > env.Key.Revision {
			return false, nil
		}
		if local.Key.Revision == env.Key.Revision && bytes.Equal(local.MustEncode(), data) {
			return false, nil
		}
	}
	b.Set(treeName, env.Key.ID.Bytes(), data)
	b.Set(layout.Trees, []byte(treeName), nil)
	return true, nil
}

// applyEnvelope stores the record of ch, as returned by a round trip, and
// publishes ch when the local copy changed. Caller must not hold commitMu.
func (c *Client) applyEnvelope(ch events.Change, extra ...func(b *db.Batch)) error {
	c.commitMu.Lock()
	defer c.commitMu.Unlock()

	env := ch.Envelope
	b := db.NewBatch()
	changed, err := c.stageEnvelope(b, ch.Tree, env)
	if err != nil {
		return err
	}
	for _, fn := range extra {
		fn(b)
	}
	if b.Len() == 0 {
		return nil
	}
	if err := c.kv.Commit(b); err != nil {
		return errs.Wrap(errs.RetCStorageIO, fmt.Errorf("store %s/%s: %w", ch.Tree, env.Key, err))
	}
	if changed || ch.Borrow != nil {
		ch.Client = c.clientID
		ch.Envelope = env.Clone()
		c.publish(ch)
	}
	return nil
}

// publish runs the indexer hooks and the bus for a committed change. Caller
// holds commitMu.
func (c *Client) publish(ch events.Change) {
	c.hooks.Run(ch)
	c.bus.Publish(ch)
}

// --------------------------------------------------------------------------
// Key pools
// --------------------------------------------------------------------------

// pool returns the key pool of a tree, loading it on first use
func (c *Client) pool(treeName string) (*keys.Pool, error) {
	if p, ok := c.pools.Load(treeName); ok {
		return p, nil
	}

	p := keys.NewPool(treeName)
	data, ok, err := c.kv.Get(layout.Pools, []byte(treeName))
	if err != nil {
		return nil, errs.Wrap(errs.RetCStorageIO, fmt.Errorf("load key pool of %s: %w", treeName, err))
	}
	if ok {
		if err := p.UnmarshalBinary(data); err != nil {
			return nil, err
		}
	}
	p, _ = c.pools.LoadOrStore(treeName, p)
	return p, nil
}

// stageGrant adds a granted range to the pool and the pool state to b.
// Grants are idempotent, the same range arrives as response and as update.
func (c *Client) stageGrant(b *db.Batch, r keys.Range) error {
	p, err := c.pool(r.Tree)
	if err != nil {
		return err
	}
	added, err := p.Grant(r)
	if err != nil {
		return err
	}
	if !added {
		return nil
	}
	data, _ := p.MarshalBinary()
	b.Set(layout.Pools, []byte(r.Tree), data)
	Logger.Debugf("granted %s", r)
	return nil
}

// Available returns the number of ids the client can still mint for a tree
// without contacting the server
func (c *Client) Available(treeName string) (uint64, error) {
	p, err := c.pool(treeName)
	if err != nil {
		return 0, err
	}
	return p.Available(), nil
}
