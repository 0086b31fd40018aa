package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/ValentinKolb/tKV/lib/db"
	"github.com/ValentinKolb/tKV/lib/errs"
	"github.com/ValentinKolb/tKV/lib/events"
	"github.com/ValentinKolb/tKV/lib/layout"
	"github.com/ValentinKolb/tKV/lib/record"
	"github.com/ValentinKolb/tKV/lib/util"
	"github.com/ValentinKolb/tKV/rpc/common"
)

// The outbox holds records created locally that the server has not
// confirmed yet. Entries are keyed by a local sequence number so they replay
// in creation order:
//
//	_outbox: seq u64 -> tree (u16 len) | envelope (u32 len)

type outboxEntry struct {
	seq  uint64
	tree string
	env  *record.Envelope
}

func encodeOutboxEntry(tree string, env *record.Envelope) []byte {
	return util.NewEncoder(len(tree) + 128).String(tree).Bytes(env.MustEncode()).Data()
}

func decodeOutboxEntry(key, value []byte) (outboxEntry, error) {
	seq, err := layout.ParseU64(key)
	if err != nil {
		return outboxEntry{}, err
	}
	d := util.NewDecoder(value)
	tree := d.String("tree")
	data := d.Bytes("envelope")
	if err := d.Err(); err != nil {
		return outboxEntry{}, errs.Wrap(errs.RetCStorageIO, fmt.Errorf("outbox entry %d: %w", seq, err))
	}
	env, err := record.Decode(data)
	if err != nil {
		return outboxEntry{}, err
	}
	return outboxEntry{seq: seq, tree: tree, env: env}, nil
}

// loadOutboxSeq continues the sequence after the last queued entry
func (c *Client) loadOutboxSeq() error {
	var last uint64
	n := 0
	err := c.kv.Scan(layout.Outbox, nil, nil, func(key, _ []byte) bool {
		if seq, err := layout.ParseU64(key); err == nil && seq > last {
			last = seq
		}
		n++
		return true
	})
	if err != nil {
		return errs.Wrap(errs.RetCStorageIO, fmt.Errorf("scan outbox: %w", err))
	}
	c.outboxSeq.Store(last)
	c.pending.Store(int64(n))
	c.metrics.outbox.Update(int64(n))
	return nil
}

// stageOutbox queues a created record in b. Caller holds commitMu.
func (c *Client) stageOutbox(b *db.Batch, tree string, env *record.Envelope) {
	seq := c.outboxSeq.Add(1)
	b.Set(layout.Outbox, layout.U64(seq), encodeOutboxEntry(tree, env))
}

// Pending returns the records created locally that wait for the server
func (c *Client) Pending() ([]*record.Envelope, error) {
	entries, err := c.outbox()
	if err != nil {
		return nil, err
	}
	envs := make([]*record.Envelope, len(entries))
	for i, e := range entries {
		envs[i] = e.env
	}
	return envs, nil
}

func (c *Client) outbox() ([]outboxEntry, error) {
	var (
		entries []outboxEntry
		decErr  error
	)
	err := c.kv.Scan(layout.Outbox, nil, nil, func(key, value []byte) bool {
		e, err := decodeOutboxEntry(key, value)
		if err != nil {
			decErr = err
			return false
		}
		entries = append(entries, e)
		return true
	})
	if err != nil {
		return nil, errs.Wrap(errs.RetCStorageIO, fmt.Errorf("scan outbox: %w", err))
	}
	return entries, decErr
}

// kickOutbox wakes the replay loop, it never blocks
func (c *Client) kickOutbox() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// outboxLoop replays queued creations whenever it is kicked
func (c *Client) outboxLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.stop:
			return
		case <-c.kick:
		}
		if c.checkOnline() != nil {
			continue
		}
		c.replayOutbox()
	}
}

// replayOutbox sends every queued creation in order. A rejected entry stays
// queued and is logged, the ones after it are still sent.
func (c *Client) replayOutbox() {
	entries, err := c.outbox()
	if err != nil {
		Logger.Errorf("reading the outbox failed: %v", err)
		return
	}
	if len(entries) > 0 {
		Logger.Infof("replaying %d offline creations", len(entries))
	}

	for _, e := range entries {
		if c.stopped() {
			return
		}
		err := c.replay(e)
		switch {
		case err == nil:
		case errors.Is(err, ErrOffline), errors.Is(err, errs.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
			Logger.Debugf("outbox replay paused: %v", err)
			return
		default:
			Logger.Errorf("server rejected offline creation %s/%s, keeping it queued: %v", e.tree, e.env.Key.ID, err)
		}
	}
}

func (c *Client) replay(e outboxEntry) error {
	resp, err := c.request(c.ctx, common.NewCommit(e.tree, common.OpCreate, e.env.Key.ID, 0, e.env.MustEncode()), common.MsgTCommit)
	if err != nil {
		return err
	}
	stored, err := record.Decode(resp.Value)
	if err != nil {
		return err
	}

	if err := c.applyEnvelope(events.Change{Tree: e.tree, Kind: events.KindCreate, Envelope: stored}, func(b *db.Batch) {
		b.Delete(layout.Outbox, layout.U64(e.seq))
	}); err != nil {
		return err
	}
	c.metrics.outbox.Update(c.pending.Add(-1))
	Logger.Debugf("offline creation %s/%s confirmed", e.tree, stored.Key.ID)
	return nil
}
