// Package base implements the transport independent parts of the tcp and
// unix transports: framing, the accept loop with one reader goroutine per
// connection, and the client side request/response correlation.
//
// Frame format (big endian):
//
//	requestID u64 | kind u8 | length u32 | payload
//
// Transport specific behaviour (dialing, listening, socket options) is
// injected through IClientConnector and IServerConnector.
//
// Thread Safety:
//
//	IConn.Send and the client's Send and Notify may be called from any
//	goroutine, frame writes are serialized per connection. Push callbacks run
//	on the reader goroutine and must not block on requests of the same
//	connection.
package base
