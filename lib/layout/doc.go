// Package layout defines how tKV lays out its state in a KVDB.
//
// User trees map the 16 byte id of a record to its current envelope. Internal
// trees start with "_": the per-tree change log (_log/<tree>, keyed by
// cursor), the range issuance log (_ranges/<tree>, keyed by range end),
// counters in _meta and the bookkeeping of the sync client (_cursors, _pools,
// _outbox). Server and client use the same layout, so every tool that reads
// one reads the other.
package layout
