package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ValentinKolb/tKV/lib/borrow"
	"github.com/ValentinKolb/tKV/lib/db"
	"github.com/ValentinKolb/tKV/lib/errs"
	"github.com/ValentinKolb/tKV/lib/events"
	"github.com/ValentinKolb/tKV/lib/keys"
	"github.com/ValentinKolb/tKV/lib/layout"
	"github.com/ValentinKolb/tKV/lib/record"
	"github.com/ValentinKolb/tKV/rpc/common"
)

// Checkout borrows a record from the server and returns its current
// revision. A record borrowed by another client fails with errs.ErrConflict,
// the error names the holder.
//
// When ctx ends before the answer arrives the checkout may still be granted
// by the server. The client learns about such a borrow from the update stream.
func (c *Client) Checkout(ctx context.Context, treeName string, id keys.ID) (*record.Envelope, error) {
	start := time.Now()
	resp, err := c.request(ctx, common.NewCheckoutRequest(treeName, id), common.MsgTCheckoutGrant)
	c.metrics.checkout.UpdateSince(start)
	if err != nil {
		if resp != nil && resp.Client != "" {
			return nil, fmt.Errorf("%w (held by %s)", err, resp.Client)
		}
		return nil, err
	}

	env, err := record.Decode(resp.Value)
	if err != nil {
		return nil, err
	}
	rec := borrow.Record{Key: borrow.Key{Tree: treeName, ID: id}, Holder: c.clientID, Acquired: time.Now().UnixNano()}
	data, _ := rec.MarshalBinary()

	err = c.applyEnvelope(events.Change{Tree: treeName, Kind: events.KindCheckout, Envelope: env, Borrow: &rec}, func(b *db.Batch) {
		b.Set(layout.Borrows, layout.BorrowKey(treeName, id), data)
	})
	if err != nil {
		return nil, err
	}
	Logger.Debugf("checked out %s/%s at revision %d", treeName, id, env.Key.Revision)
	return env, nil
}

// Checkin returns a borrow. A borrow the server does not know anymore is
// forgotten locally as well.
func (c *Client) Checkin(ctx context.Context, treeName string, id keys.ID) error {
	_, err := c.request(ctx, common.NewCheckin(treeName, id), common.MsgTCheckin)
	if err != nil && !errors.Is(err, errs.ErrNotHolder) {
		return err
	}
	if ferr := c.forgetBorrow(treeName, id); ferr != nil {
		return ferr
	}
	return err
}

// Holds reports whether the client believes to hold the borrow of a record
func (c *Client) Holds(treeName string, id keys.ID) (bool, error) {
	ok, err := c.kv.Has(layout.Borrows, layout.BorrowKey(treeName, id))
	if err != nil {
		return false, errs.Wrap(errs.RetCStorageIO, err)
	}
	return ok, nil
}

// Borrows lists the borrows the client believes to hold
func (c *Client) Borrows() ([]borrow.Record, error) {
	var (
		records []borrow.Record
		decErr  error
	)
	err := c.kv.Scan(layout.Borrows, nil, nil, func(_, value []byte) bool {
		var r borrow.Record
		if err := r.UnmarshalBinary(value); err != nil {
			decErr = err
			return false
		}
		records = append(records, r)
		return true
	})
	if err != nil {
		return nil, errs.Wrap(errs.RetCStorageIO, fmt.Errorf("scan borrows: %w", err))
	}
	return records, decErr
}

// reconcile asserts the believed borrows after a reconnect. Borrows the
// server revoked meanwhile are dropped and reported as KindBorrowLost.
func (c *Client) reconcile(ctx context.Context) error {
	believed, err := c.Borrows()
	if err != nil {
		return err
	}
	if len(believed) == 0 {
		return nil
	}

	asserted := make([]borrow.Key, len(believed))
	for i, r := range believed {
		asserted[i] = r.Key
	}
	resp, err := c.call(ctx, common.NewReconcile(borrow.EncodeKeys(asserted)))
	if err != nil {
		return err
	}
	if err := resp.Error(); err != nil {
		return err
	}
	outcomes, err := borrow.DecodeOutcomes(resp.Value)
	if err != nil {
		return err
	}

	for _, o := range outcomes {
		if o.Granted {
			continue
		}
		if err := c.forgetBorrow(o.Key.Tree, o.Key.ID); err != nil {
			return err
		}
		Logger.Warningf("borrow of %s was lost while offline (holder now %q)", o.Key, o.Holder)
		c.status(events.Change{
			Tree:   o.Key.Tree,
			Kind:   events.KindBorrowLost,
			Borrow: &borrow.Record{Key: o.Key, Holder: o.Holder},
		})
	}
	return nil
}

func (c *Client) forgetBorrow(treeName string, id keys.ID) error {
	c.commitMu.Lock()
	defer c.commitMu.Unlock()
	if err := c.kv.Commit(db.NewBatch().Delete(layout.Borrows, layout.BorrowKey(treeName, id))); err != nil {
		return errs.Wrap(errs.RetCStorageIO, fmt.Errorf("forget borrow of %s/%s: %w", treeName, id, err))
	}
	return nil
}
