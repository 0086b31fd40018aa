package borrow

import (
	"sort"

	"github.com/ValentinKolb/tKV/lib/errs"
	"github.com/ValentinKolb/tKV/lib/keys"
	"github.com/ValentinKolb/tKV/lib/util"
	"github.com/puzpuzpuz/xsync/v3"
)

type borrowMgrImpl struct {
	table *xsync.MapOf[Key, Record]
}

// NewBorrowManager creates an empty, in-memory borrow table. The store
// rebuilds it from the durable borrow records (Reset) when it starts.
func NewBorrowManager() IBorrowManager {
	return &borrowMgrImpl{
		table: xsync.NewMapOf[Key, Record](),
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see borrow.IBorrowManager)
// --------------------------------------------------------------------------

func (m *borrowMgrImpl) Checkout(key Key, client string, now int64) (Record, error) {
	var conflict bool
	actual, _ := m.table.Compute(key, func(old Record, loaded bool) (Record, bool) {
		if loaded {
			conflict = old.Holder != client
			return old, false
		}
		return Record{Key: key, Holder: client, Acquired: now}, false
	})
	if conflict {
		return actual, errs.Newf(errs.RetCConflict, "%s/%s is borrowed by %s", key.Tree, key.ID, actual.Holder)
	}
	return actual, nil
}

func (m *borrowMgrImpl) Checkin(key Key, client string) (Record, error) {
	var (
		released Record
		err      error
	)
	m.table.Compute(key, func(old Record, loaded bool) (Record, bool) {
		switch {
		case !loaded:
			err = errs.Newf(errs.RetCNotBorrowed, "%s/%s is not borrowed", key.Tree, key.ID)
			return old, true
		case old.Holder != client:
			err = errs.Newf(errs.RetCNotHolder, "%s/%s is borrowed by %s, not %s", key.Tree, key.ID, old.Holder, client)
			return old, false
		}
		released = old
		return old, true
	})
	return released, err
}

func (m *borrowMgrImpl) Require(key Key, client string) error {
	rec, ok := m.table.Load(key)
	if !ok || rec.Holder != client {
		return errs.Newf(errs.RetCNotBorrowed, "%s/%s is not borrowed by %s", key.Tree, key.ID, client)
	}
	return nil
}

func (m *borrowMgrImpl) Holder(key Key) (Record, bool) {
	return m.table.Load(key)
}

func (m *borrowMgrImpl) Reconcile(client string, asserted []Key, now int64) ([]Outcome, []Record) {
	outcomes := make([]Outcome, 0, len(asserted))
	var granted []Record
	for _, key := range asserted {
		before, held := m.table.Load(key)
		rec, err := m.Checkout(key, client, now)
		if err != nil {
			outcomes = append(outcomes, Outcome{Key: key, Granted: false, Holder: rec.Holder})
			continue
		}
		if !held || before.Holder != client {
			granted = append(granted, rec)
		}
		outcomes = append(outcomes, Outcome{Key: key, Granted: true, Holder: client})
	}
	return outcomes, granted
}

func (m *borrowMgrImpl) RevokeClient(client string) []Record {
	var revoked []Record
	m.table.Range(func(key Key, rec Record) bool {
		if rec.Holder == client {
			// only delete if still held by client
			m.table.Compute(key, func(old Record, loaded bool) (Record, bool) {
				if loaded && old.Holder == client {
					revoked = append(revoked, old)
					return old, true
				}
				return old, !loaded
			})
		}
		return true
	})
	sortRecords(revoked)
	return revoked
}

func (m *borrowMgrImpl) List(client string) []Record {
	var out []Record
	m.table.Range(func(_ Key, rec Record) bool {
		if client == "" || rec.Holder == client {
			out = append(out, rec)
		}
		return true
	})
	sortRecords(out)
	return out
}

func (m *borrowMgrImpl) Put(records ...Record) {
	for _, rec := range records {
		m.table.Store(rec.Key, rec)
	}
}

func (m *borrowMgrImpl) Drop(key Key) {
	m.table.Delete(key)
}

func (m *borrowMgrImpl) Reset(records []Record) {
	m.table.Clear()
	m.Put(records...)
}

// --------------------------------------------------------------------------
// Helper Functions
// --------------------------------------------------------------------------

func sortRecords(rs []Record) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].Key.Tree != rs[j].Key.Tree {
			return rs[i].Key.Tree < rs[j].Key.Tree
		}
		return rs[i].Key.ID.Less(rs[j].Key.ID)
	})
}

// MarshalBinary encodes the record
func (r Record) MarshalBinary() ([]byte, error) {
	e := util.NewEncoder(40 + len(r.Key.Tree) + len(r.Holder))
	r.Encode(e)
	return e.Data(), nil
}

// Encode appends the record to e
func (r Record) Encode(e *util.Encoder) {
	e.String(r.Key.Tree).Raw(r.Key.ID.Bytes()).String(r.Holder).I64(r.Acquired)
}

// UnmarshalBinary decodes a record written by MarshalBinary
func (r *Record) UnmarshalBinary(data []byte) error {
	d := util.NewDecoder(data)
	r.Decode(d)
	return errs.Wrap(errs.RetCInvalidOperation, d.Err())
}

// Decode reads a record from d, errors stick in d
func (r *Record) Decode(d *util.Decoder) {
	r.Key.Tree = d.String("tree")
	r.Key.ID, _ = keys.IDFromBytes(d.Raw(keys.IDSize, "id"))
	r.Holder = d.String("holder")
	r.Acquired = d.I64("acquired")
}
