// Package client implements the local-first side of tKV.
//
// A Client owns a local store (any lib/db engine) that answers every read
// and every record creation without the network. Ids for new records come
// from key pools: blocks of ids the server issued to this client ahead of
// time. Records created offline are queued in an outbox and committed on the
// server once a session exists.
//
// In the background the client keeps one session with the server:
//
//   - The handshake pins the server identity. A server presenting another
//     identity halts syncing until ForgetServer is called.
//   - Every synced tree is subscribed from its persisted cursor. Streamed
//     changes are applied to the local store in order, the cursor is written
//     in the same batch, and applied cursors are acknowledged periodically.
//   - Borrows the client believes to hold are reconciled after every
//     reconnect. Borrows that were revoked meanwhile are reported as
//     events.KindBorrowLost.
//   - Key pools are topped up when they run low.
//
// Operations that need the server (Checkout, Checkin, Edit, Release,
// SetState, Delete, Migrate) fail with ErrOffline without a session.
//
// Usage Example:
//
//	c, err := client.NewClient(
//		common.ClientConfig{
//			Engine:    "pebble",
//			DataDir:   "/var/lib/tkv-client",
//			Transport: common.ClientTransportConfig{Endpoints: []string{"localhost:8080"}},
//		},
//		tcp.NewTCPClientTransport(),
//		serializer.NewBinarySerializer(),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer c.Close()
//
//	parts, _ := client.Register[Part](c, "parts", record.SchemaVersion{Major: 1}, nil)
//	c.Start()
//
//	key, _ := parts.Create(Part{Name: "bolt"}) // works offline
//
//	part, key, err := parts.Checkout(ctx, key)
//	part.Name = "hex bolt"
//	key, err = parts.Edit(ctx, key, part)
//	key, err = parts.Release(ctx, key, 0)
//	err = parts.Checkin(ctx, key)
//
// All methods are safe for concurrent use.
package client
