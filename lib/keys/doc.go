// Package keys implements record identifiers and the key range allocation
// that lets clients create records offline without collisions.
//
// Key Components:
//
//   - ID: a 128-bit identifier with an order preserving 16 byte encoding.
//     The zero ID is reserved as "no id".
//
//   - RecordKey: an ID plus the record revision. The revision increases with
//     every committed change of the record.
//
//   - Range: a block [Start, End) of ids issued by the server to one client for
//     one tree. Ranges of a tree never overlap and are never issued twice, the
//     server persists every issuance before replying.
//
//   - Pool: the client side supply of ids for one tree. Grants are applied
//     idempotently by issuance sequence, ids are minted in ascending order and
//     Next fails with RangeExhausted once every range is consumed. The client
//     requests a new range as soon as the pool drops below its watermark.
//
// Thread Safety:
//
// ID, RecordKey and Range are values. Pool is safe for concurrent use.
package keys
