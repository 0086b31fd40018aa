package borrow

import (
	"github.com/ValentinKolb/tKV/lib/keys"
)

// Key addresses the borrow state of one record. Borrows are per id, the
// revision does not matter.
type Key struct {
	Tree string  `json:"tree" yaml:"tree"`
	ID   keys.ID `json:"id" yaml:"id"`
}

// Record is a live borrow: client Holder may mutate the record since Acquired (unix nanos)
type Record struct {
	Key      Key    `json:"key" yaml:"key"`
	Holder   string `json:"holder" yaml:"holder"`
	Acquired int64  `json:"acquired" yaml:"acquired"`
}

// Outcome is the server's answer for one borrow a reconnecting client asserts
type Outcome struct {
	Key     Key    `json:"key"`
	Granted bool   `json:"granted"` // the client holds the borrow (again)
	Holder  string `json:"holder"`  // current holder when not granted
}

// IBorrowManager is the pessimistic concurrency control of tKV.
// Each record is either Free or Borrowed by exactly one client.
// There is no queue: a checkout of a borrowed record fails immediately.
type IBorrowManager interface {
	// Checkout moves Free -> Borrowed(client). Checking out a record the
	// client already holds returns the existing borrow.
	// Fails with Conflict if another client holds the record.
	Checkout(key Key, client string, now int64) (Record, error)

	// Checkin moves Borrowed(client) -> Free.
	// Fails with NotHolder if another client holds the record and with
	// NotBorrowed if the record is free.
	Checkin(key Key, client string) (Record, error)

	// Require fails with NotBorrowed unless client holds the record.
	Require(key Key, client string) error

	// Holder returns the live borrow of a record, if any.
	Holder(key Key) (Record, bool)

	// Reconcile answers the borrows a reconnecting client believes to hold.
	// Free records are granted to the client again, records held by the client
	// are confirmed and records held by another client are reported as lost.
	Reconcile(client string, asserted []Key, now int64) ([]Outcome, []Record)

	// RevokeClient force-releases every borrow of client and returns them.
	RevokeClient(client string) []Record

	// List returns all live borrows (of one client if client != ""), sorted by key.
	List(client string) []Record

	// Put reinstates borrow records, overwriting existing ones. Used to undo a
	// transition whose commit failed.
	Put(records ...Record)

	// Drop removes the borrow of a record regardless of the holder.
	Drop(key Key)

	// Reset replaces the whole borrow table (snapshot recovery).
	Reset(records []Record)
}
