// Package borrow implements the borrow (check-out/check-in) protocol, the
// pessimistic concurrency control of tKV.
//
// A record is either Free or Borrowed by one client. Only the holder may
// edit, release, change the state of or delete the record. There is no wait
// queue: a checkout of a borrowed record fails with Conflict right away and
// the caller decides whether to retry.
//
// Core Functionality:
//   - Checkout / Checkin / Require on an xsync.MapOf keyed by (tree, id). All
//     transitions run inside MapOf.Compute, which makes them atomic per key and
//     guarantees at most one holder per record.
//   - Reconcile for reconnecting clients: the client asserts the borrows it
//     believes to hold, the server confirms or reports them as lost.
//   - Reaper for the stale borrow policy.
//
// Stale Borrows:
//
//	When the last session of a client disconnects, the client is scheduled
//	on the Reaper. If it does not reconnect within the grace period (borrow-grace, default 15m) all its
//	borrows are revoked and a Revoke change is committed per record so every
//	subscriber learns about it. A grace of 0 keeps borrows forever.
//
//	The manager itself is an in-memory table. The store writes every borrow
//	to the _borrows bucket in the batch of its change and rebuilds the table
//	with Reset when it starts, so borrows survive a server restart. The
//	server then schedules every holder on the Reaper until it reconnects.
//
// Thread Safety:
//
//	The manager and the reaper are safe for concurrent use.
//
// Usage Example:
//
//	mgr := borrow.NewBorrowManager()
//	k := borrow.Key{Tree: "parts", ID: keys.Uint64(42)}
//	if _, err := mgr.Checkout(k, "client-a", time.Now().UnixNano()); errors.Is(err, errs.ErrConflict) {
//	    // someone else holds the record
//	}
//	defer mgr.Checkin(k, "client-a")
package borrow
