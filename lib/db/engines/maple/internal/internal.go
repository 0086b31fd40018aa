package internal

import (
	"bytes"

	"github.com/google/btree"
)

// --------------------------------------------------------------------------
// Entry Type (key-value pair stored in the btree)
// --------------------------------------------------------------------------

// Entry is an immutable key-value pair. Writes replace entries instead of
// modifying them, so readers may hold on to an Entry after releasing the lock.
type Entry struct {
	Key   []byte
	Value []byte
}

// Less orders entries bytewise by key (implements btree.Item)
func (e *Entry) Less(than btree.Item) bool {
	return bytes.Compare(e.Key, than.(*Entry).Key) < 0
}

// Pivot creates a lookup-only entry for key
func Pivot(key []byte) *Entry {
	return &Entry{Key: key}
}

// --------------------------------------------------------------------------
// Tree Type (one ordered keyspace)
// --------------------------------------------------------------------------

// Tree is one named keyspace with a running byte count
type Tree struct {
	Items *btree.BTree
	Bytes int
}

// NewTree creates an empty tree with the given btree degree
func NewTree(degree int) *Tree {
	return &Tree{Items: btree.New(degree)}
}

// Put inserts or replaces an entry and keeps the byte count current
func (t *Tree) Put(e *Entry) {
	if old := t.Items.ReplaceOrInsert(e); old != nil {
		o := old.(*Entry)
		t.Bytes -= len(o.Key) + len(o.Value)
	}
	t.Bytes += len(e.Key) + len(e.Value)
}

// Remove deletes key and keeps the byte count current
func (t *Tree) Remove(key []byte) {
	if old := t.Items.Delete(Pivot(key)); old != nil {
		o := old.(*Entry)
		t.Bytes -= len(o.Key) + len(o.Value)
	}
}

// Get returns the entry for key or nil
func (t *Tree) Get(key []byte) *Entry {
	if it := t.Items.Get(Pivot(key)); it != nil {
		return it.(*Entry)
	}
	return nil
}

// Collect returns up to limit entries with from <= key < to in ascending
// order (nil bounds are open, limit <= 0 means no limit)
func (t *Tree) Collect(from, to []byte, limit int) []*Entry {
	var out []*Entry
	iter := func(i btree.Item) bool {
		out = append(out, i.(*Entry))
		return limit <= 0 || len(out) < limit
	}
	switch {
	case from == nil && to == nil:
		t.Items.Ascend(iter)
	case from == nil:
		t.Items.AscendLessThan(Pivot(to), iter)
	case to == nil:
		t.Items.AscendGreaterOrEqual(Pivot(from), iter)
	default:
		t.Items.AscendRange(Pivot(from), Pivot(to), iter)
	}
	return out
}
