// Package errs defines the error taxonomy shared by every tKV layer.
//
// All domain failures are reported as *Error values carrying a RetCode. The
// code survives serialization (raft results, RPC messages) so a client can
// rebuild the same typed error the server produced:
//
//	if errors.Is(err, errs.ErrConflict) {
//		// someone else holds the record
//	}
//
// Conflicts and schema incompatibilities are surfaced to the caller and never
// retried. ErrServerIdentityMismatch is fatal for a sync session.
package errs
