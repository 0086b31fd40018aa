// Package transport defines the connection layer between sync clients and
// the sync server.
//
// A connection carries frames. Each frame has a request id, a kind and a
// payload (a serialized common.Message):
//
//   - request:  client to server, answered by a response with the same id
//   - response: server to client
//   - notify:   client to server, never answered (acknowledgements)
//   - push:     server to client, not correlated to a request (change stream)
//
// The server hands every accepted connection to a ServerHandleFunc together
// with a channel of its frames. The handler decides how to process them, the
// sync server runs one session per connection and answers in order.
//
// The client holds a single connection at a time. Reconnecting is up to the
// caller: Done is closed when the connection is lost and Connect dials again.
//
// Implementations live in the subpackages tcp and unix, both built on base.
package transport
