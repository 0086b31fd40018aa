package base

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/tKV/rpc/common"
	"github.com/ValentinKolb/tKV/rpc/transport"
	"github.com/puzpuzpuz/xsync/v3"
)

// -----------------------------------------------------------
// Interface Definitions for dependency injection
// -----------------------------------------------------------

// IServerConnector defines the interface for transport-specific server operations
type IServerConnector interface {
	// Listen creates a listener and returns it
	Listen(config common.ServerTransportConfig) (net.Listener, error)

	// GetName returns the name of the transport type (e.g., "unix", "tcp")
	GetName() string

	// UpgradeConnection applies protocol-specific settings to an accepted connection
	UpgradeConnection(conn net.Conn, config common.ServerTransportConfig) error
}

// -----------------------------------------------------------
// Helper Types
// -----------------------------------------------------------

// frameQueueSize is the number of frames read ahead per connection
const frameQueueSize = 64

// writeTimeout bounds a single frame write, a peer that does not read for
// that long is treated as gone
const writeTimeout = 30 * time.Second

// serverTransport implements the core server transport functionality
type serverTransport struct {
	connector IServerConnector
	handler   transport.ServerHandleFunc
	config    common.ServerTransportConfig

	mu       sync.Mutex
	listener net.Listener
	closed   atomic.Bool

	conns  *xsync.MapOf[uint64, *serverConn]
	nextID atomic.Uint64
	wg     sync.WaitGroup
}

// serverConn is one accepted connection, it implements transport.IConn
type serverConn struct {
	id      uint64
	conn    net.Conn
	writeMu sync.Mutex
	once    sync.Once
}

// -----------------------------------------------------------
// Transport Factory Method (used for tcp, unix, etc.)
// -----------------------------------------------------------

// NewBaseServerTransport creates a new base server transport for the given connector
func NewBaseServerTransport(connector IServerConnector) transport.IRPCServerTransport {
	return &serverTransport{
		connector: connector,
		conns:     xsync.NewMapOf[uint64, *serverConn](),
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IRPCServerTransport)
// --------------------------------------------------------------------------

func (t *serverTransport) RegisterHandler(handler transport.ServerHandleFunc) {
	t.handler = handler
}

func (t *serverTransport) Listen(config common.ServerTransportConfig) error {
	if t.handler == nil {
		return fmt.Errorf("no handler registered")
	}
	t.config = config

	// Create listener using the connector
	listener, err := t.connector.Listen(config)
	if err != nil {
		return fmt.Errorf("failed to create listener: %v", err)
	}
	t.mu.Lock()
	if t.closed.Load() {
		t.mu.Unlock()
		_ = listener.Close()
		return nil
	}
	t.listener = listener
	t.mu.Unlock()

	Logger.Infof("Starting %s server on %s", t.connector.GetName(), config.Endpoint)

	// Accept connections
	for {
		conn, err := listener.Accept()
		if err != nil {
			if t.closed.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			Logger.Errorf("Accept error: %v", err)
			continue
		}

		if err := t.connector.UpgradeConnection(conn, config); err != nil {
			Logger.Warningf("Failed to upgrade connection from %s: %v", conn.RemoteAddr(), err)
			_ = conn.Close()
			continue
		}

		// Handle the connection in a goroutine
		t.wg.Add(1)
		go t.handleConnection(conn)
	}
}

func (t *serverTransport) Close() error {
	t.closed.Store(true)

	t.mu.Lock()
	var err error
	if t.listener != nil {
		err = t.listener.Close()
	}
	t.mu.Unlock()

	t.conns.Range(func(_ uint64, c *serverConn) bool {
		_ = c.Close()
		return true
	})
	t.wg.Wait()
	return err
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// handleConnection reads the frames of one connection and feeds them to the handler
func (t *serverTransport) handleConnection(conn net.Conn) {
	defer t.wg.Done()

	c := &serverConn{id: t.nextID.Add(1), conn: conn}
	t.conns.Store(c.id, c)
	defer t.conns.Delete(c.id)
	defer c.Close()

	frames := make(chan transport.Frame, frameQueueSize)
	handlerDone := make(chan struct{})
	go func() {
		defer close(handlerDone)
		t.handler(c, frames)
		// a handler that returns early ends the connection
		_ = c.Close()
	}()

	header := make([]byte, headerSize)
	for {
		f, err := readFrame(conn, header)
		if err != nil {
			switch {
			case err == io.EOF, errors.Is(err, net.ErrClosed):
				Logger.Debugf("Connection %s closed", c.RemoteAddr())
			default:
				Logger.Warningf("Error reading from %s: %v", c.RemoteAddr(), err)
			}
			break
		}
		if f.Kind != transport.FrameRequest && f.Kind != transport.FrameNotify {
			Logger.Warningf("Dropping %s frame from %s", f.Kind, c.RemoteAddr())
			continue
		}
		select {
		case frames <- f:
		case <-handlerDone:
		}
	}

	close(frames)
	<-handlerDone
}

// --------------------------------------------------------------------------
// transport.IConn
// --------------------------------------------------------------------------

func (c *serverConn) Send(f transport.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return writeFrame(c.conn, f)
}

func (c *serverConn) RemoteAddr() string {
	if addr := c.conn.RemoteAddr(); addr != nil && addr.String() != "" {
		return addr.String()
	}
	return fmt.Sprintf("conn-%d", c.id)
}

func (c *serverConn) Close() error {
	var err error
	c.once.Do(func() {
		err = c.conn.Close()
	})
	return err
}
