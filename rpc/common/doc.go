// Package common holds the pieces shared by the sync server and the sync
// client: the Message protocol, the configuration structs and the logger.
//
// Key Components:
//
//   - Message: the single structure used for requests, responses and server
//     pushes. Which fields are set depends on the MessageType. Factory
//     functions (NewHello, NewCheckoutRequest, NewCommit, ...) build the
//     messages of every exchange, Message.Error rebuilds the typed errs
//     error of a response.
//
//   - MessageType: session (Hello, Welcome, Reject), replication (Subscribe,
//     Update, Ack), borrows (CheckoutRequest, CheckoutGrant, CheckoutDeny,
//     Checkin, Reconcile) and records (RangeRequest, RangeGrant, Commit, Trees).
//
//   - ServerConfig: transport, storage engine, commit mode (local or raft),
//     dragonboat parameters, borrow grace period and the inspection endpoint.
//
//   - ClientConfig: client id, local storage, endpoints, key range sizing
//     and reconnect backoff.
//
//   - Logger: an implementation of dragonboat's logger.ILogger so that the
//     raft library and tKV log through the same format. InitLoggers installs
//     it and applies the configured level.
package common
