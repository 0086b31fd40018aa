package transport

import (
	"context"

	"github.com/ValentinKolb/tKV/rpc/common"
)

// --------------------------------------------------------------------------
// Frames
// --------------------------------------------------------------------------

// FrameKind tells the receiver how to treat a frame
type FrameKind uint8

const (
	FrameRequest  FrameKind = iota + 1 // client -> server, answered with a FrameResponse of the same request id
	FrameResponse                      // server -> client
	FrameNotify                        // client -> server, never answered
	FramePush                          // server -> client, not correlated to a request
)

func (k FrameKind) String() string {
	switch k {
	case FrameRequest:
		return "request"
	case FrameResponse:
		return "response"
	case FrameNotify:
		return "notify"
	case FramePush:
		return "push"
	default:
		return "unknown"
	}
}

// Frame is the unit exchanged over a connection. The payload is a serialized
// common.Message. Notify and push frames carry request id 0.
type Frame struct {
	RequestID uint64
	Kind      FrameKind
	Payload   []byte
}

// --------------------------------------------------------------------------
// Server Transport
// --------------------------------------------------------------------------

// IConn is one accepted connection as seen by the server handler.
// Send is safe for concurrent use.
type IConn interface {
	// Send writes a frame to the peer
	Send(f Frame) error
	// RemoteAddr returns the address of the peer
	RemoteAddr() string
	// Close closes the connection, the frame channel of the handler is closed afterwards
	Close() error
}

// ServerHandleFunc handles one connection. It is called in its own goroutine
// once per accepted connection and receives the frames of that connection in
// arrival order. frames is closed when the peer goes away. The connection is
// closed when the handler returns.
type ServerHandleFunc func(conn IConn, frames <-chan Frame)

// IRPCServerTransport is the interface for the server side of a transport
type IRPCServerTransport interface {
	// RegisterHandler registers the connection handler, must be called before Listen
	RegisterHandler(handler ServerHandleFunc)
	// Listen starts accepting connections and blocks until Close is called
	Listen(config common.ServerTransportConfig) error
	// Close stops listening and closes all open connections
	Close() error
}

// --------------------------------------------------------------------------
// Client Transport
// --------------------------------------------------------------------------

// PushFunc receives the payload of every push frame. It is called from the
// reader goroutine, so pushes are delivered in the order the server sent them.
type PushFunc func(payload []byte)

// IRPCClientTransport is the interface for the client side of a transport.
// A transport holds at most one connection at a time.
type IRPCClientTransport interface {
	// Connect dials the configured endpoints in order and keeps the first
	// connection that succeeds. A previous connection is closed first.
	Connect(config common.ClientTransportConfig, onPush PushFunc) error
	// Send sends a request and waits for its response or the end of ctx
	Send(ctx context.Context, req []byte) (resp []byte, err error)
	// Notify sends a payload that is not answered
	Notify(payload []byte) error
	// Done is closed when the current connection is lost or closed
	Done() <-chan struct{}
	// Endpoint returns the endpoint of the current connection
	Endpoint() string
	// Close closes the transport connection
	Close() error
}
