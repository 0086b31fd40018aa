package base

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/tKV/lib/errs"
	"github.com/ValentinKolb/tKV/rpc/common"
	"github.com/ValentinKolb/tKV/rpc/transport"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("transport/rpc")

// ErrNotConnected is returned by Send and Notify without a live connection
var ErrNotConnected = errors.New("not connected")

// -----------------------------------------------------------
// Interface Definitions for dependency injection
// -----------------------------------------------------------

// IClientConnector defines the interface for transport-specific connection operations
type IClientConnector interface {
	// Connect establishes a single connection to endpoint
	Connect(endpoint string, timeout time.Duration) (net.Conn, error)

	// GetName returns the name of the transport type (e.g., "unix", "tcp")
	GetName() string

	// UpgradeConnection applies protocol-specific settings to an established connection
	UpgradeConnection(conn net.Conn, config common.ClientTransportConfig) error
}

// -----------------------------------------------------------
// Helper Types
// -----------------------------------------------------------

// dialTimeout bounds the connect attempt of a single endpoint
const dialTimeout = 5 * time.Second

// responseResult contains the result of a request
type responseResult struct {
	data []byte
	err  error
}

// clientConnection represents a single net connection
type clientConnection struct {
	conn         net.Conn
	endpoint     string
	done         chan struct{} // closed when the reader goroutine stops
	requestChans *xsync.MapOf[uint64, chan responseResult]
	writeMu      sync.Mutex // serializes frame writes
	closeOnce    sync.Once
}

// clientTransport implements the core client transport functionality
// independent of the specific transport medium (unix, tcp, etc.)
type clientTransport struct {
	connector     IClientConnector
	mu            sync.RWMutex
	current       *clientConnection
	nextRequestID atomic.Uint64 // Atomic counter for unique request IDs
}

// -----------------------------------------------------------
// Transport Factory Method (used for tcp, unix, etc.)
// -----------------------------------------------------------

// NewBaseClientTransport creates a new base client transport with the specified connector
func NewBaseClientTransport(connector IClientConnector) transport.IRPCClientTransport {
	return &clientTransport{connector: connector}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IRPCClientTransport)
// --------------------------------------------------------------------------

func (t *clientTransport) Connect(config common.ClientTransportConfig, onPush transport.PushFunc) error {
	if len(config.Endpoints) == 0 {
		return fmt.Errorf("no endpoints provided")
	}

	// Close an existing connection
	_ = t.Close()

	var lastErr error
	for _, endpoint := range config.Endpoints {
		conn, err := t.connector.Connect(endpoint, dialTimeout)
		if err != nil {
			lastErr = err
			Logger.Debugf("Failed to connect to %s: %v", endpoint, err)
			continue
		}
		if err := t.connector.UpgradeConnection(conn, config); err != nil {
			_ = conn.Close()
			lastErr = fmt.Errorf("failed to upgrade connection to %s: %v", endpoint, err)
			continue
		}

		c := &clientConnection{
			conn:         conn,
			endpoint:     endpoint,
			done:         make(chan struct{}),
			requestChans: xsync.NewMapOf[uint64, chan responseResult](),
		}
		t.mu.Lock()
		t.current = c
		t.mu.Unlock()

		// Start the response reader
		go c.readFrames(onPush)

		Logger.Debugf("Connected to %s using %s transport", endpoint, t.connector.GetName())
		return nil
	}
	return fmt.Errorf("failed to connect to any endpoint: %w", lastErr)
}

func (t *clientTransport) Send(ctx context.Context, req []byte) ([]byte, error) {
	c := t.connection()
	if c == nil {
		return nil, ErrNotConnected
	}

	// Generate a unique request ID, 0 is reserved for notifications
	requestID := t.nextRequestID.Add(1)

	// Register the request before writing, the response may arrive immediately
	respCh := make(chan responseResult, 1)
	c.requestChans.Store(requestID, respCh)
	defer c.requestChans.Delete(requestID)

	if err := c.write(ctx, transport.Frame{RequestID: requestID, Kind: transport.FrameRequest, Payload: req}); err != nil {
		return nil, err
	}

	select {
	case result := <-respCh:
		return result.data, result.err
	case <-c.done:
		return nil, fmt.Errorf("connection to %s lost: %w", c.endpoint, ErrNotConnected)
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, errs.Wrap(errs.RetCTimeout, ctx.Err())
		}
		return nil, ctx.Err()
	}
}

func (t *clientTransport) Notify(payload []byte) error {
	c := t.connection()
	if c == nil {
		return ErrNotConnected
	}
	return c.write(context.Background(), transport.Frame{Kind: transport.FrameNotify, Payload: payload})
}

func (t *clientTransport) Done() <-chan struct{} {
	if c := t.connection(); c != nil {
		return c.done
	}
	closed := make(chan struct{})
	close(closed)
	return closed
}

func (t *clientTransport) Endpoint() string {
	if c := t.connection(); c != nil {
		return c.endpoint
	}
	return ""
}

func (t *clientTransport) Close() error {
	t.mu.Lock()
	c := t.current
	t.current = nil
	t.mu.Unlock()

	if c == nil {
		return nil
	}
	err := c.close()
	<-c.done
	return err
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (t *clientTransport) connection() *clientConnection {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.current
}

// write sends one frame, the deadline of ctx bounds the write
func (c *clientConnection) write(ctx context.Context, f transport.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(writeTimeout)
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return writeFrame(c.conn, f)
}

func (c *clientConnection) close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})
	return err
}

// readFrames reads frames in a loop, distributes responses to waiting
// requests and hands pushes to onPush
func (c *clientConnection) readFrames(onPush transport.PushFunc) {
	defer close(c.done)
	defer c.close()

	header := make([]byte, headerSize)
	for {
		f, err := readFrame(c.conn, header)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				Logger.Debugf("Connection to %s ended: %v", c.endpoint, err)
			}
			return
		}

		switch f.Kind {
		case transport.FrameResponse:
			// Find the corresponding request channel
			if respCh, found := c.requestChans.Load(f.RequestID); found {
				respCh <- responseResult{data: f.Payload}
			} else {
				Logger.Warningf("Received response for unknown request ID %d", f.RequestID)
			}
		case transport.FramePush:
			if onPush != nil {
				onPush(f.Payload)
			}
		default:
			Logger.Warningf("Dropping %s frame from %s", f.Kind, c.endpoint)
		}
	}
}
