// Package maple implements an in-memory ordered key-value database (KVDB).
// It provides a complete implementation of the db.KVDB interface and is the
// default engine for tests and for clients that keep no local state on disk.
//
// Key Components:
//
//   - mapleImpl: The database structure implementing db.KVDB. It keeps one
//     btree per tree name behind a single RWMutex. Commit applies a whole batch
//     under the write lock, which makes batches atomic for all readers.
//
//   - internal.Tree: A google/btree holding immutable entries plus a running
//     byte count used by GetInfo. Writes replace entries instead of mutating them.
//
// Internal Mechanisms:
//
//   - Chunked Scans: Scan collects up to 256 entries under the read lock,
//     releases it and then calls the callback. The next chunk starts right
//     after the last key seen. Callbacks may therefore write to the database
//     without deadlocking, and long scans never block writers for long.
//
//   - Empty Trees: A tree whose last key is deleted is dropped, so Trees only
//     reports trees holding data.
//
//   - Write Index: Kept in an atomic and only moved forward by CompareAndSwap.
//
// Thread Safety:
//
// All methods are safe for concurrent use. Load must not run concurrently
// with writes.
//
// Usage Example:
//
//	database := maple.NewMapleDB(nil)
//	defer database.Close()
//
//	b := db.NewBatch().Set("parts", []byte("1"), []byte("bolt"))
//	if err := database.Commit(b); err != nil {
//		// handle error
//	}
//	value, ok, _ := database.Get("parts", []byte("1"))
package maple
