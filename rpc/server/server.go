package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/ValentinKolb/tKV/lib/borrow"
	"github.com/ValentinKolb/tKV/lib/db/engines"
	"github.com/ValentinKolb/tKV/lib/events"
	"github.com/ValentinKolb/tKV/lib/store"
	"github.com/ValentinKolb/tKV/lib/store/dstore"
	"github.com/ValentinKolb/tKV/lib/store/lstore"
	"github.com/ValentinKolb/tKV/rpc/common"
	"github.com/ValentinKolb/tKV/rpc/serializer"
	"github.com/ValentinKolb/tKV/rpc/transport"
	"github.com/lni/dragonboat/v4"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("rpc")

// RPCServer is the tKV sync server. It owns the authoritative store and
// serves one session per client connection.
type RPCServer struct {
	config     common.ServerConfig
	transport  transport.IRPCServerTransport
	serializer serializer.IRPCSerializer

	store    store.IStore
	nodeHost *dragonboat.NodeHost
	identity string

	adapters map[common.MessageType]IRPCServerAdapter
	sessions *xsync.MapOf[string, int] // client -> open sessions
	reaper   *borrow.Reaper
	metrics  *serverMetrics
	inspect  *http.Server

	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewRPCServer creates a new RPC server
// It takes a config, transport and serializer as parameters. The store is
// opened from the config when Serve is called.
//
// Usage:
//
//	s := server.NewRPCServer(
//		*config,
//		tcp.NewTCPServerTransport(),
//		serializer.NewBinarySerializer(),
//	)
//
//	if err := s.Serve(); err != nil {
//		panic(err)
//	 }
func NewRPCServer(
	config common.ServerConfig,
	transport transport.IRPCServerTransport,
	serializer serializer.IRPCSerializer,
) *RPCServer {
	// https://github.com/golang/go/issues/17393
	if runtime.GOOS == "darwin" {
		signal.Ignore(syscall.Signal(0xd))
	}

	m := newServerMetrics()
	s := &RPCServer{
		config:     config,
		transport:  transport,
		serializer: serializer,
		sessions:   xsync.NewMapOf[string, int](),
		reaper:     borrow.NewReaper(config.BorrowGrace),
		metrics:    m,
		stop:       make(chan struct{}),
		adapters:   make(map[common.MessageType]IRPCServerAdapter),
	}
	for _, adapter := range []IRPCServerAdapter{NewRecordsServerAdapter(m), NewBorrowsServerAdapter(m)} {
		for _, t := range adapter.Types() {
			s.adapters[t] = adapter
		}
	}
	return s
}

// NewRPCServerWithStore creates a server on top of an already opened store.
// The server takes ownership of the store and closes it on Close.
func NewRPCServerWithStore(
	config common.ServerConfig,
	st store.IStore,
	transport transport.IRPCServerTransport,
	serializer serializer.IRPCSerializer,
) *RPCServer {
	s := NewRPCServer(config, transport, serializer)
	s.store = st
	return s
}

// Serve starts the RPC server
// This function opens the store (unless one was given), starts the
// revocation loop and the inspection api and blocks in the transport layer.
func (s *RPCServer) Serve() error {
	if err := s.init(); err != nil {
		return err
	}
	return s.transport.Listen(s.config.Transport)
}

// Close stops accepting connections, ends all sessions and closes the store
func (s *RPCServer) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stop)
		err = s.transport.Close()
		if s.inspect != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = s.inspect.Shutdown(ctx)
			cancel()
		}
		s.wg.Wait()
		if s.store != nil {
			err = errors.Join(err, s.store.Close())
		}
		if s.nodeHost != nil {
			s.nodeHost.Close()
		}
	})
	return err
}

// Identity returns the identity presented to clients (empty before Serve)
func (s *RPCServer) Identity() string {
	return s.identity
}

// Store returns the store of the server (nil before Serve)
func (s *RPCServer) Store() store.IStore {
	return s.store
}

// --------------------------------------------------------------------------
// Initialization
// --------------------------------------------------------------------------

func (s *RPCServer) init() error {
	if err := common.InitLoggers(s.config.LogLevel); err != nil {
		return err
	}
	Logger.Infof("Starting tKV server")
	Logger.Infof(s.config.String())

	if s.store == nil {
		if err := s.openStore(); err != nil {
			return err
		}
	}

	identity, err := s.loadIdentity()
	if err != nil {
		return fmt.Errorf("failed to load server identity: %w", err)
	}
	s.identity = identity
	Logger.Infof("server identity is %s", identity)

	// Configure the transport layer
	s.transport.RegisterHandler(func(conn transport.IConn, frames <-chan transport.Frame) {
		newSession(s, conn).run(frames)
	})

	if s.reaper.Grace() > 0 {
		if err := s.scheduleHolders(); err != nil {
			return err
		}
		s.wg.Add(1)
		go s.runReaper()
	} else {
		Logger.Infof("borrow grace is 0, borrows of disconnected clients are held until checkin")
	}

	if s.config.InspectEndpoint != "" {
		s.startInspect()
	}

	Logger.Infof("tKV setup completed successfully")
	return nil
}

// openStore creates the store selected by the commit mode
func (s *RPCServer) openStore() error {
	factory, err := engines.Factory(s.config.Engine, s.config.DataDir)
	if err != nil {
		return err
	}
	cfg := store.Config{BlockSize: s.config.BlockSize, FirstID: s.config.FirstID}

	if !s.config.IsRaft() {
		st, err := lstore.NewLocalStore(factory, cfg)
		if err != nil {
			return fmt.Errorf("failed to open local store: %w", err)
		}
		s.store = st
		Logger.Infof("opened local store on %s", s.config.Engine)
		return nil
	}

	// the bus is shared between the state machine of this replica and the
	// store facade, so streamers wake up when this replica applies an entry
	bus := events.NewBus()
	cfg.Bus = bus

	nodeHost, err := dragonboat.NewNodeHost(s.config.ToNodeHostConfig())
	if err != nil {
		return fmt.Errorf("failed to create node host: %w", err)
	}
	if err := nodeHost.StartConcurrentReplica(s.config.ClusterMembers, false, dstore.CreateStateMachineFactory(factory, cfg), s.config.ToDragonboatConfig()); err != nil {
		nodeHost.Close()
		return fmt.Errorf("failed to start shard %d: %w", s.config.ShardID, err)
	}

	s.nodeHost = nodeHost
	s.store = dstore.NewDistributedStore(nodeHost, s.config.ShardID, s.config.Timeout(), bus)
	Logger.Infof("joined raft shard %d as replica %d", s.config.ShardID, s.config.ReplicaID)
	return nil
}

// loadIdentity reads (or creates) the server identity. A raft shard needs a
// leader first, so the call is retried for a while.
func (s *RPCServer) loadIdentity() (string, error) {
	attempts := 1
	if s.config.IsRaft() {
		attempts = 30
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		identity, err := s.store.Identity()
		if err == nil {
			return identity, nil
		}
		lastErr = err
		Logger.Debugf("identity not available yet (attempt %d/%d): %v", i+1, attempts, err)
		time.Sleep(time.Second)
	}
	return "", lastErr
}

// --------------------------------------------------------------------------
// Session bookkeeping and stale borrow revocation
// --------------------------------------------------------------------------

// attach registers a session of client and cancels a pending revocation
func (s *RPCServer) attach(client string) {
	s.sessions.Compute(client, func(n int, _ bool) (int, bool) {
		return n + 1, false
	})
	s.reaper.Cancel(client)
	s.metrics.sessions.Inc()
}

// detach unregisters a session. When the last session of client ends, its
// borrows are scheduled for revocation after the grace period.
func (s *RPCServer) detach(client string) {
	s.metrics.sessions.Dec()
	_, open := s.sessions.Compute(client, func(n int, _ bool) (int, bool) {
		n--
		return n, n <= 0
	})
	if !open && s.reaper.Grace() > 0 {
		s.reaper.Schedule(client, time.Now())
		Logger.Debugf("borrows of %s are revoked in %s unless it reconnects", client, s.reaper.Grace())
	}
}

// scheduleHolders starts the grace period of every client that held borrows
// when the server stopped. None of them has a session yet.
func (s *RPCServer) scheduleHolders() error {
	held, err := s.store.Borrows("")
	if err != nil {
		return fmt.Errorf("failed to list borrows: %w", err)
	}
	now := time.Now()
	for _, rec := range held {
		if !s.reaper.Pending(rec.Holder) {
			s.reaper.Schedule(rec.Holder, now)
		}
	}
	return nil
}

// reapInterval returns how often expired grace periods are checked
func (s *RPCServer) reapInterval() time.Duration {
	interval := s.reaper.Grace() / 4
	if interval > time.Second {
		interval = time.Second
	}
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	return interval
}

func (s *RPCServer) runReaper() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.reapInterval())
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case now := <-ticker.C:
			for _, client := range s.reaper.Expired(now) {
				s.revoke(client)
			}
		}
	}
}

// revoke force-releases all borrows of a client whose grace period ended
func (s *RPCServer) revoke(client string) {
	if _, online := s.sessions.Load(client); online {
		return
	}
	revoked, err := s.store.RevokeClient(client)
	if err != nil {
		Logger.Errorf("revoking borrows of %s failed: %v", client, err)
		// try again after another grace period
		s.reaper.Schedule(client, time.Now())
		return
	}
	if len(revoked) > 0 {
		s.metrics.revocations.Add(len(revoked))
		Logger.Warningf("revoked %d borrows of stale client %s", len(revoked), client)
	}
}
