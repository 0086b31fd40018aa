// Package sqlite implements the db.KVDB interface on a single SQLite file
// (mattn/go-sqlite3). All trees share one WITHOUT ROWID table keyed by
// (tree, key), BLOB comparison gives the bytewise order Scan needs.
//
// The database runs in WAL mode with one connection. Each Commit is one
// transaction that also stores the write index in the meta table, so data
// and index can never diverge after a crash. Scan reads in chunks and releases
// the connection before calling back, which lets callbacks write.
package sqlite
