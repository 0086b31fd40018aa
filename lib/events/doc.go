// Package events defines Change, the unit of replication in tKV, and Bus,
// the in-process fan-out of changes.
//
// A Change describes one committed mutation of one tree: a record transition
// (create, edit, release, state, delete), a borrow transition (checkout,
// checkin, revoke) or a key range grant. The store assigns every change the
// next cursor of its tree and writes it to the tree log in the same batch as
// the mutation itself. The sync server streams the log to clients, the client
// applies it and republishes it locally.
//
// The Bus is best effort and in-process only. Subscribers that need a
// complete history read the tree log instead; the sync streamer uses the bus
// only as a wake-up signal.
package events
