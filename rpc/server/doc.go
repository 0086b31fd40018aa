// Package server implements the tKV sync server.
//
// The server owns the authoritative store (a local store or a raft replica
// of a dragonboat shard) and serves one session per client connection. A
// session starts with a handshake: the client sends a Hello with its client
// id and the server identity it was pinned to, the server answers with a
// Welcome or a Reject. A client pinned to another server is rejected with
// RetCServerIdentityMismatch.
//
// After the handshake requests are handled one at a time in arrival order.
// They are dispatched by message type to the adapters:
//
//   - NewRecordsServerAdapter: id ranges, commits and the tree listing
//   - NewBorrowsServerAdapter: checkout, checkin and reconcile
//
// Subscribe requests start a streamer per tree. The streamer reads the
// durable change log after the cursor of the client and pushes every entry
// as an Update. The event bus of the store only wakes the streamer up.
//
// When the last session of a client ends, its borrows are revoked after the
// borrow grace period unless the client reconnects in time. A grace of 0
// keeps borrows until they are checked in.
//
// Usage Example:
//
//	s := server.NewRPCServer(
//		common.ServerConfig{
//			Engine:      "pebble",
//			DataDir:     "/var/lib/tkv",
//			BorrowGrace: 15 * time.Minute,
//			Transport:   common.ServerTransportConfig{Endpoint: "0.0.0.0:8080"},
//		},
//		tcp.NewTCPServerTransport(),
//		serializer.NewBinarySerializer(),
//	)
//
//	if err := s.Serve(); err != nil {
//		log.Fatalf("Server error: %v", err)
//	}
//
// With an InspectEndpoint the server also serves a read only HTTP api with
// the trees, records, borrows and metrics (see RPCServer.InspectHandler).
package server
