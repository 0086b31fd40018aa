// Package db provides the ordered storage interface that tKV is built on.
// It defines a KVDB interface that allows for consistent interaction with
// various database backends while abstracting implementation details.
//
// The package focuses on:
//   - Named trees of bytewise ordered keys
//   - Atomic multi-key batches
//   - Feature discovery through capability flags
//   - An engine independent snapshot format
//
// Key Components:
//
//   - KVDB Interface: The core interface that all database implementations must satisfy.
//     It provides atomic writes (Commit), point reads (Get, Has), ordered range
//     reads (Scan, Trees), metadata retrieval (GetInfo) and persistence (Save, Load).
//
//   - Batch: An ordered list of Set and Delete operations that Commit applies atomically.
//     The store layer writes a record, its log entry and its cursor in one batch,
//     so a crash can never leave a record without its log entry.
//
//   - Write Index: Every batch can carry a write index. Engines persist the highest
//     index together with the batch data and ignore lower ones. The replicated store
//     passes the raft log index, which lets a restarted replica skip entries whose
//     effects are already on disk.
//
//   - Snapshot Format: WriteSnapshot and ReadSnapshot implement one stream format
//     for all engines, so a snapshot taken from a pebble replica can be restored
//     into a sqlite or maple replica.
//
//   - Feature Flags: The Feature type defines capability flags that implementations
//     can advertise through the SupportsFeature method.
//
// Related Packages:
//
// The engines/maple package provides an in-memory implementation on top of
// google/btree, engines/pebble a durable LSM implementation and engines/sqlite
// a durable implementation on a single SQLite file.
//
// The testing package (github.com/ValentinKolb/tKV/lib/db/testing) provides
// standardized tests and benchmarks for database implementations that satisfy the db.KVDB interface.
//   - RunKVDBTests: Runs a standardized test suite to validate implementations
//   - RunKVDBBenchmarks: Provides performance benchmarks for comparing implementations
package db
