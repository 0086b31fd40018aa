// Package rpc is the network layer between tKV sync clients and the sync
// server.
//
// The package is organized into several subpackages:
//
//   - common: the Message protocol, configuration structures and logging.
//
//   - transport: framed, multiplexed connections over TCP or Unix sockets.
//     A connection carries request/response pairs and server pushes.
//
//   - serializer: Message serialization (Binary, JSON, GOB).
//
//   - server: the sync server. It owns the authoritative store, runs one
//     session per connected client and streams the change log to subscribers.
//
//   - client: the sync client. It keeps a local replica of the subscribed
//     trees, queues commits while offline and reconciles borrows after a
//     reconnect.
package rpc
