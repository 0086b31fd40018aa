package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/tKV/lib/db"
	"github.com/ValentinKolb/tKV/lib/db/engines"
	"github.com/ValentinKolb/tKV/lib/errs"
	"github.com/ValentinKolb/tKV/lib/events"
	"github.com/ValentinKolb/tKV/lib/identity"
	"github.com/ValentinKolb/tKV/lib/index"
	"github.com/ValentinKolb/tKV/lib/keys"
	"github.com/ValentinKolb/tKV/lib/layout"
	"github.com/ValentinKolb/tKV/lib/tree"
	"github.com/ValentinKolb/tKV/lib/util"
	"github.com/ValentinKolb/tKV/rpc/common"
	"github.com/ValentinKolb/tKV/rpc/serializer"
	"github.com/ValentinKolb/tKV/rpc/transport"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("client")

// ErrOffline is returned by round trip operations while the client has no
// session with the server. It matches errs.ErrTimeout.
var ErrOffline = errs.NewError(errs.RetCTimeout, "not connected to the server")

// clientIDKey stores the generated client id in the local meta tree
const clientIDKey = "client_id"

// Client is the local-first side of tKV. It owns a local store that answers
// every read and every record creation without the network, and a
// background session with the server that mirrors the trees of the client.
//
// Round trip operations (checkout, checkin, edit, release, ...) need a live
// session and fail with ErrOffline otherwise.
type Client struct {
	config     common.ClientConfig
	transport  transport.IRPCClientTransport
	serializer serializer.IRPCSerializer

	clientID string
	kv       db.KVDB
	guard    *identity.Guard
	registry *tree.Registry
	hooks    *index.Hooks
	bus      *events.Bus
	metrics  *telemetry

	// commitMu serializes local commits together with their hooks and
	// publications, so subscribers observe the local commit order
	commitMu sync.Mutex

	pools     *xsync.MapOf[string, *keys.Pool]
	trees     *xsync.MapOf[string, struct{}] // synced trees
	toppingUp *xsync.MapOf[string, struct{}] // trees with a range request in flight
	acks      *xsync.MapOf[string, uint64]   // applied cursors not acknowledged yet
	heads     *xsync.MapOf[string, uint64]   // server cursors at subscription time
	pushes    *util.LockFreeMPSC[pushed]
	session   atomic.Uint64 // incremented per connection attempt
	broken    atomic.Uint64 // last session whose updates are discarded
	outboxSeq atomic.Uint64
	pending   atomic.Int64 // entries in the outbox
	kick      chan struct{} // wakes the outbox replay

	mu         sync.Mutex
	online     bool
	ready      chan struct{} // closed while online
	halted     error
	haltedCh   chan struct{}
	serverName string

	started   atomic.Bool
	ctx       context.Context // cancelled on Close
	cancel    context.CancelFunc
	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewClient creates a client on the local store selected by the config.
//
// Usage:
//
//	c, err := client.NewClient(
//		*config,
//		tcp.NewTCPClientTransport(),
//		serializer.NewBinarySerializer(),
//	)
//	if err != nil {
//		panic(err)
//	}
//	defer c.Close()
//
//	notes, _ := client.Register[Note](c, "notes", record.SchemaVersion{Major: 1}, nil)
//	c.Start()
func NewClient(
	config common.ClientConfig,
	transport transport.IRPCClientTransport,
	serializer serializer.IRPCSerializer,
) (*Client, error) {
	factory, err := engines.Factory(config.Engine, config.DataDir)
	if err != nil {
		return nil, err
	}
	kv, err := factory()
	if err != nil {
		return nil, errs.Wrap(errs.RetCStorageIO, fmt.Errorf("open local store: %w", err))
	}
	c, err := NewClientWithDB(config, kv, transport, serializer)
	if err != nil {
		_ = kv.Close()
		return nil, err
	}
	return c, nil
}

// NewClientWithDB creates a client on an already opened local store. The
// client takes ownership of kv and closes it on Close.
func NewClientWithDB(
	config common.ClientConfig,
	kv db.KVDB,
	transport transport.IRPCClientTransport,
	serializer serializer.IRPCSerializer,
) (*Client, error) {
	guard, err := identity.NewGuard(kv)
	if err != nil {
		return nil, err
	}

	c := &Client{
		config:     config,
		transport:  transport,
		serializer: serializer,
		kv:         kv,
		guard:      guard,
		registry:   tree.NewRegistry(),
		hooks:      index.NewHooks(0),
		bus:        events.NewBus(),
		metrics:    newTelemetry(),
		pools:      xsync.NewMapOf[string, *keys.Pool](),
		trees:      xsync.NewMapOf[string, struct{}](),
		toppingUp:  xsync.NewMapOf[string, struct{}](),
		acks:       xsync.NewMapOf[string, uint64](),
		heads:      xsync.NewMapOf[string, uint64](),
		pushes:     util.NewLockFreeMPSC[pushed](),
		kick:       make(chan struct{}, 1),
		ready:      make(chan struct{}),
		haltedCh:   make(chan struct{}),
		stop:       make(chan struct{}),
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())

	if c.clientID, err = c.loadClientID(config.ClientID); err != nil {
		return nil, err
	}

	names, err := layout.UserTrees(kv)
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		c.trees.Store(name, struct{}{})
	}

	if err := c.loadOutboxSeq(); err != nil {
		return nil, err
	}
	return c, nil
}

// Start connects to the server in the background. The client keeps
// reconnecting until Close or until the server presents another identity.
func (c *Client) Start() {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	Logger.Infof("starting tKV client %s", c.clientID)
	Logger.Debugf(c.config.String())

	c.wg.Add(4)
	go c.run()
	go c.applyLoop()
	go c.ackLoop()
	go c.outboxLoop()
}

// Close stops syncing and closes the local store
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.stop)
		c.cancel()
		err = c.transport.Close()
		c.pushes.Stop()
		c.wg.Wait()
		c.bus.Close()
		err = errors.Join(err, c.kv.Close())
	})
	return err
}

// --------------------------------------------------------------------------
// Accessors
// --------------------------------------------------------------------------

// ID returns the stable id of this client
func (c *Client) ID() string {
	return c.clientID
}

// Registry returns the tree registry of the client
func (c *Client) Registry() *tree.Registry {
	return c.registry
}

// Hooks returns the indexer hooks run on every local commit
func (c *Client) Hooks() *index.Hooks {
	return c.hooks
}

// Bus returns the event bus carrying committed changes and sync status
// notifications (KindConnected, KindDisconnected, KindIdentityMismatch,
// KindBorrowLost)
func (c *Client) Bus() *events.Bus {
	return c.bus
}

// DB returns the local store. Writing to it bypasses the sync engine.
func (c *Client) DB() db.KVDB {
	return c.kv
}

// Status is a snapshot of the sync state
type Status struct {
	Online         bool
	Halted         error // set when sync stopped for good
	ServerIdentity string
	ServerName     string
	Pending        int // queued offline creations
}

// Status returns the current sync state
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		Online:         c.online,
		Halted:         c.halted,
		ServerIdentity: c.guard.Pinned(),
		ServerName:     c.serverName,
		Pending:        int(c.pending.Load()),
	}
}

// WaitOnline blocks until the client has a session with the server
func (c *Client) WaitOnline(ctx context.Context) error {
	for {
		c.mu.Lock()
		online, ready, halted := c.online, c.ready, c.halted
		c.mu.Unlock()

		if halted != nil {
			return halted
		}
		if online {
			return nil
		}
		select {
		case <-ready:
		case <-c.haltedCh:
		case <-c.stop:
			return ErrOffline
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ForgetServer removes the pinned server identity. It is the explicit user
// action needed before a client may sync with another server and takes
// effect on the next start.
func (c *Client) ForgetServer() error {
	return c.guard.Forget()
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (c *Client) loadClientID(configured string) (string, error) {
	stored, err := identity.Load(c.kv, clientIDKey)
	if err != nil {
		return "", err
	}
	switch {
	case configured != "" && stored != "" && configured != stored:
		Logger.Warningf("client id changed from %s to %s", stored, configured)
	case configured == "" && stored != "":
		return stored, nil
	case configured == "":
		configured = identity.Generate()
	}
	if configured == stored {
		return stored, nil
	}
	if err := c.kv.Commit(db.NewBatch().Set(layout.Meta, []byte(clientIDKey), []byte(configured))); err != nil {
		return "", errs.Wrap(errs.RetCStorageIO, fmt.Errorf("persist client id: %w", err))
	}
	return configured, nil
}

func (c *Client) stopped() bool {
	select {
	case <-c.stop:
		return true
	default:
		return false
	}
}

// checkOnline returns the error a round trip fails with right now, nil if
// there is a session
func (c *Client) checkOnline() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.halted != nil {
		return c.halted
	}
	if !c.online {
		return ErrOffline
	}
	return nil
}

func (c *Client) setOnline(online bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.online == online {
		return
	}
	c.online = online
	if online {
		close(c.ready)
	} else {
		c.ready = make(chan struct{})
	}
}

// halt stops syncing for good
func (c *Client) halt(err error) {
	c.mu.Lock()
	if c.halted == nil {
		c.halted = err
		close(c.haltedCh)
	}
	c.mu.Unlock()
	c.status(events.Change{Kind: events.KindIdentityMismatch})
	Logger.Errorf("sync halted: %v", err)
}

func (c *Client) timeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.config.Timeout())
}

// waitOrStop sleeps for d and reports false if the client was closed meanwhile
func (c *Client) waitOrStop(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-c.stop:
		return false
	}
}
