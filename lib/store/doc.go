// Package store defines the authoritative commit path of a tKV server.
//
// IStore is the interface both implementations share. Every mutating
// operation is a single atomic commit on one tree: the record (or borrow)
// transition, the entry in the change log of the tree and the advance of the
// tree cursor are written in one db.Batch. Commits on the same tree are
// serialized, commits on different trees run in parallel.
//
// Key Components:
//
//   - IStore Interface: identity, key range allocation, record lifecycle
//     (create, edit, migrate, release, state, delete), borrows (checkout,
//     checkin, reconcile, revoke), the change log (ReadLog, Cursor, Ack) and
//     read access to records, trees and issued ranges.
//
//   - Config: block size of key ranges, the first id of every tree, the
//     indexer hooks and the bus committed changes are published on.
//
// Errors returned by a store are *errs.Error values. Callers compare them
// with errors.Is against the errs sentinels (errs.ErrConflict,
// errs.ErrReleased, ...).
//
// Implementations:
//
//	- Local Store (lstore): runs the commit path directly on one db.KVDB.
//	  Available in the "github.com/ValentinKolb/tKV/lib/store/lstore" package.
//
//	- Distributed Store (dstore): replicates every command through a
//	  Dragonboat raft shard before it is applied on each replica.
//	  Available in the "github.com/ValentinKolb/tKV/lib/store/dstore" package.
package store
