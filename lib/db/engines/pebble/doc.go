// Package pebble implements the db.KVDB interface on cockroachdb/pebble.
//
// Key Components:
//
//   - Key layout: all trees share one keyspace. Keys are prefixed with the
//     big endian length of the tree name followed by the name, so every tree is
//     one contiguous range and trees never collide. Keys starting with 0xFFFF
//     hold engine metadata such as the write index.
//
//   - Commit: a pebble batch committed with Sync. The write index is written
//     into the same batch when it advances.
//
//   - Save: iterates a pebble snapshot, so writes can continue while a raft
//     snapshot is being streamed.
//
// Usage Example:
//
//	database, err := pebble.NewPebbleDB(&pebble.DBOptions{Dir: "/var/lib/tkv/replica-1"})
//	if err != nil {
//		// handle error
//	}
//	defer database.Close()
package pebble
