package client

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ValentinKolb/tKV/lib/db"
	"github.com/ValentinKolb/tKV/lib/errs"
	"github.com/ValentinKolb/tKV/lib/events"
	"github.com/ValentinKolb/tKV/lib/keys"
	"github.com/ValentinKolb/tKV/lib/layout"
	"github.com/ValentinKolb/tKV/lib/record"
	"github.com/ValentinKolb/tKV/rpc/common"
)

// --------------------------------------------------------------------------
// Local operations (never touch the network)
// --------------------------------------------------------------------------

// Create commits revision 0 of a new record with the next id of the key pool
// of the tree. It works offline: the record is queued and sent to the server
// by the outbox replay. An empty pool fails with errs.ErrRangeExhausted.
func (c *Client) Create(treeName string, schema record.SchemaVersion, payload []byte) (*record.Envelope, error) {
	if err := c.Subscribe(treeName); err != nil {
		return nil, err
	}

	env, err := c.create(treeName, schema, payload)
	if err != nil {
		if errs.CodeOf(err) == errs.RetCRangeExhausted {
			c.topUp(treeName)
		}
		return nil, err
	}

	c.kickOutbox()
	c.topUp(treeName)
	return env, nil
}

func (c *Client) create(treeName string, schema record.SchemaVersion, payload []byte) (*record.Envelope, error) {
	c.commitMu.Lock()
	defer c.commitMu.Unlock()

	p, err := c.pool(treeName)
	if err != nil {
		return nil, err
	}
	id, err := p.Next()
	if err != nil {
		return nil, err
	}
	env := record.New(id, schema, c.clientID, time.Now().UnixNano(), payload)
	poolData, _ := p.MarshalBinary()

	b := db.NewBatch().
		Set(treeName, id.Bytes(), env.MustEncode()).
		Set(layout.Pools, []byte(treeName), poolData).
		Set(layout.Trees, []byte(treeName), nil)
	c.stageOutbox(b, treeName, env)

	if err := c.kv.Commit(b); err != nil {
		return nil, errs.Wrap(errs.RetCStorageIO, fmt.Errorf("create %s/%s: %w", treeName, id, err))
	}
	c.metrics.outbox.Update(c.pending.Add(1))

	c.publish(events.Change{Tree: treeName, Kind: events.KindCreate, Client: c.clientID, Envelope: env.Clone()})
	Logger.Debugf("created %s/%s", treeName, id)
	return env, nil
}

// Get returns the local copy of a record
func (c *Client) Get(treeName string, id keys.ID) (*record.Envelope, bool, error) {
	return layout.LoadEnvelope(c.kv, treeName, id)
}

// List returns up to limit local records of a tree with an id greater than
// after, in id order. A limit <= 0 returns all of them.
func (c *Client) List(treeName string, after keys.ID, limit int) ([]*record.Envelope, error) {
	var (
		envs   []*record.Envelope
		decErr error
	)
	from := after.Next().Bytes()
	if after.IsZero() {
		from = nil
	}
	err := c.kv.Scan(treeName, from, nil, func(_, value []byte) bool {
		env, err := record.Decode(value)
		if err != nil {
			decErr = err
			return false
		}
		envs = append(envs, env)
		return limit <= 0 || len(envs) < limit
	})
	if err != nil {
		return nil, errs.Wrap(errs.RetCStorageIO, fmt.Errorf("scan %s: %w", treeName, err))
	}
	return envs, decErr
}

// LocalTrees returns the names of the synced trees, sorted
func (c *Client) LocalTrees() []string {
	var names []string
	c.trees.Range(func(name string, _ struct{}) bool {
		names = append(names, name)
		return true
	})
	sort.Strings(names)
	return names
}

// --------------------------------------------------------------------------
// Round trips (need a session)
// --------------------------------------------------------------------------

// Trees asks the server for the names of all trees
func (c *Client) Trees(ctx context.Context) ([]string, error) {
	resp, err := c.request(ctx, common.NewTreesRequest(), common.MsgTTrees)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, name := range strings.Split(string(resp.Value), "\n") {
		if name != "" {
			names = append(names, name)
		}
	}
	return names, nil
}

// RequestRange asks the server for a block of ids and adds it to the key
// pool of the tree. A size of 0 requests the server default.
func (c *Client) RequestRange(ctx context.Context, treeName string, size uint64) (keys.Range, error) {
	resp, err := c.request(ctx, common.NewRangeRequest(treeName, size), common.MsgTRangeGrant)
	if err != nil {
		return keys.Range{}, err
	}
	var r keys.Range
	if err := r.UnmarshalBinary(resp.Value); err != nil {
		return keys.Range{}, err
	}

	c.commitMu.Lock()
	defer c.commitMu.Unlock()
	b := db.NewBatch()
	if err := c.stageGrant(b, r); err != nil {
		return keys.Range{}, err
	}
	if b.Len() > 0 {
		if err := c.kv.Commit(b); err != nil {
			return keys.Range{}, errs.Wrap(errs.RetCStorageIO, fmt.Errorf("store %s: %w", r, err))
		}
	}
	return r, nil
}

// topUp requests a new range in the background when the pool of a tree is
// empty or below the configured watermark. At most one request per tree is
// in flight.
func (c *Client) topUp(treeName string) {
	if c.stopped() || c.checkOnline() != nil {
		return
	}
	p, err := c.pool(treeName)
	if err != nil {
		Logger.Errorf("loading key pool of %s failed: %v", treeName, err)
		return
	}
	if p.Available() > 0 && !p.BelowWatermark(c.config.Watermark) {
		return
	}
	if _, loaded := c.toppingUp.LoadOrStore(treeName, struct{}{}); loaded {
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.toppingUp.Delete(treeName)

		r, err := c.RequestRange(c.ctx, treeName, c.config.RangeSize)
		if err != nil {
			Logger.Warningf("requesting a range of %s failed: %v", treeName, err)
			return
		}
		Logger.Infof("received %s", r)
	}()
}

// Edit replaces the payload of a borrowed record
func (c *Client) Edit(ctx context.Context, treeName string, id keys.ID, payload []byte) (*record.Envelope, error) {
	if env, ok, err := c.Get(treeName, id); err != nil {
		return nil, err
	} else if ok && env.IsReleased() {
		return nil, errs.Newf(errs.RetCReleased, "record %s/%s is released (#%d)", treeName, id, env.Release)
	}
	return c.commit(ctx, treeName, common.OpEdit, id, 0, payload, events.KindEdit)
}

// Migrate rewrites a borrowed record with a new schema version
func (c *Client) Migrate(ctx context.Context, treeName string, id keys.ID, schema record.SchemaVersion, payload []byte) (*record.Envelope, error) {
	value := record.New(id, schema, c.clientID, 0, payload).MustEncode()
	return c.commit(ctx, treeName, common.OpMigrate, id, 0, value, events.KindEdit)
}

// Release freezes a borrowed record. n = 0 lets the server assign the next
// release number of the tree.
func (c *Client) Release(ctx context.Context, treeName string, id keys.ID, n uint32) (*record.Envelope, error) {
	return c.commit(ctx, treeName, common.OpRelease, id, uint64(n), nil, events.KindRelease)
}

// SetState changes the state number of a borrowed record, released or not
func (c *Client) SetState(ctx context.Context, treeName string, id keys.ID, state uint32) (*record.Envelope, error) {
	return c.commit(ctx, treeName, common.OpState, id, uint64(state), nil, events.KindState)
}

// Delete turns a borrowed record into a tombstone
func (c *Client) Delete(ctx context.Context, treeName string, id keys.ID) (*record.Envelope, error) {
	return c.commit(ctx, treeName, common.OpDelete, id, 0, nil, events.KindDelete)
}

func (c *Client) commit(ctx context.Context, treeName string, op common.CommitOp, id keys.ID, n uint64, value []byte, kind events.Kind) (*record.Envelope, error) {
	resp, err := c.request(ctx, common.NewCommit(treeName, op, id, n, value), common.MsgTCommit)
	if err != nil {
		return nil, err
	}
	env, err := record.Decode(resp.Value)
	if err != nil {
		return nil, err
	}
	if err := c.applyEnvelope(events.Change{Tree: treeName, Kind: kind, Envelope: env}); err != nil {
		return nil, err
	}
	return env, nil
}
