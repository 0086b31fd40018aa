// Package internal holds the machine both store implementations share and
// the wire format of its commands.
//
//   - Machine applies Commands to a db.KVDB and answers Queries. It owns the
//     borrow table and the per-tree commit locks.
//
//   - Command is a write operation. Commands are serialized for the raft log,
//     so the encoding is compact and versionless:
//
//     u8 type | i64 now | str tree | str client | 16B id | u64 n |
//     u16 major | u16 minor | bytes payload | u32 count, keys...
//
//     Strings carry a u16 length prefix, the payload a u32 length prefix.
//
//   - Query is a read operation. Queries never leave the process and are
//     not serialized.
//
//   - Frontend turns an Executor (direct or raft) into a store.IStore.
package internal
