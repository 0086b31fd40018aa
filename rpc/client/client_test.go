package client_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ValentinKolb/tKV/lib/db"
	"github.com/ValentinKolb/tKV/lib/db/engines/maple"
	"github.com/ValentinKolb/tKV/lib/errs"
	"github.com/ValentinKolb/tKV/lib/events"
	"github.com/ValentinKolb/tKV/lib/keys"
	"github.com/ValentinKolb/tKV/lib/record"
	"github.com/ValentinKolb/tKV/lib/store"
	"github.com/ValentinKolb/tKV/lib/store/lstore"
	"github.com/ValentinKolb/tKV/lib/tree"
	"github.com/ValentinKolb/tKV/rpc/client"
	"github.com/ValentinKolb/tKV/rpc/common"
	"github.com/ValentinKolb/tKV/rpc/serializer"
	"github.com/ValentinKolb/tKV/rpc/server"
	"github.com/ValentinKolb/tKV/rpc/transport/unix"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 5 * time.Second

var v1 = record.SchemaVersion{Major: 1}

type Part struct {
	Name string `json:"name"`
}

func (p Part) IndexTerms() []string {
	return strings.Fields(p.Name)
}

// --------------------------------------------------------------------------
// Test Helper
// --------------------------------------------------------------------------

// serve runs srv on sock until the test ends or stop is called
func serve(t *testing.T, srv *server.RPCServer, sock string) (stop func()) {
	t.Helper()
	go func() { _ = srv.Serve() }()
	t.Cleanup(func() { _ = srv.Close() })

	require.Eventually(t, func() bool {
		_, err := os.Stat(sock)
		return err == nil
	}, waitFor, 10*time.Millisecond)

	return func() { _ = srv.Close() }
}

// memoryServer starts a server on an in-memory store
func memoryServer(t *testing.T, sock string, cfg store.Config, grace time.Duration) (stop func()) {
	t.Helper()
	st, err := lstore.NewLocalStore(func() (db.KVDB, error) {
		return maple.NewMapleDB(nil), nil
	}, cfg)
	require.NoError(t, err)

	srv := server.NewRPCServerWithStore(common.ServerConfig{
		Name:        "test",
		BorrowGrace: grace,
		Transport:   common.ServerTransportConfig{Endpoint: sock},
	}, st, unix.NewUnixServerTransport(), serializer.NewBinarySerializer())
	return serve(t, srv, sock)
}

// diskServer starts a server on a pebble store in dir
func diskServer(t *testing.T, sock, dir string, firstID uint64) (stop func()) {
	t.Helper()
	srv := server.NewRPCServer(common.ServerConfig{
		Name:        "disk",
		Engine:      "pebble",
		DataDir:     dir,
		Mode:        common.CommitModeLocal,
		BlockSize:   10,
		FirstID:     firstID,
		BorrowGrace: time.Minute,
		Transport:   common.ServerTransportConfig{Endpoint: sock},
	}, unix.NewUnixServerTransport(), serializer.NewBinarySerializer())
	return serve(t, srv, sock)
}

func clientConfig(id, sock string) common.ClientConfig {
	return common.ClientConfig{
		ClientID:      id,
		TimeoutSecond: 5,
		ReconnectMin:  20 * time.Millisecond,
		ReconnectMax:  200 * time.Millisecond,
		Transport:     common.ClientTransportConfig{Endpoints: []string{sock}},
	}
}

// newClient creates a client on an in-memory local store, it is not started
func newClient(t *testing.T, id, sock string) *client.Client {
	t.Helper()
	c, err := client.NewClientWithDB(clientConfig(id, sock), maple.NewMapleDB(nil),
		unix.NewUnixClientTransport(), serializer.NewBinarySerializer())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func online(t *testing.T, c *client.Client) {
	t.Helper()
	c.Start()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, c.WaitOnline(ctx))
}

func parts(t *testing.T, c *client.Client) *client.Tree[Part] {
	t.Helper()
	tr, err := client.Register[Part](c, "parts", v1, nil)
	require.NoError(t, err)
	return tr
}

func hasIDs(t *testing.T, c *client.Client, name string) {
	t.Helper()
	require.Eventually(t, func() bool {
		n, err := c.Available(name)
		return err == nil && n > 0
	}, waitFor, 10*time.Millisecond)
}

func synced(t *testing.T, c *client.Client) {
	t.Helper()
	require.Eventually(t, func() bool {
		return c.Status().Pending == 0
	}, waitFor, 10*time.Millisecond)
}

// next waits for the next change of kind on sub
func next(t *testing.T, sub *events.Subscription, kind events.Kind) *events.Change {
	t.Helper()
	timeout := time.After(waitFor)
	for {
		select {
		case ch, ok := <-sub.C():
			require.True(t, ok, "subscription closed while waiting for %s", kind)
			if ch.Kind == kind {
				return ch
			}
		case <-timeout:
			require.FailNow(t, "no change of kind "+kind.String())
		}
	}
}

func ctx(t *testing.T) context.Context {
	c, cancel := context.WithTimeout(context.Background(), waitFor)
	t.Cleanup(cancel)
	return c
}

// --------------------------------------------------------------------------
// Tests
// --------------------------------------------------------------------------

func TestRecordLifecycle(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "tkv.sock")
	memoryServer(t, sock, store.Config{FirstID: 1000, BlockSize: 10}, time.Minute)

	c := newClient(t, "alice", sock)
	tr := parts(t, c)
	online(t, c)
	hasIDs(t, c, "parts")

	key, err := tr.Create(Part{Name: "bolt"})
	require.NoError(t, err)
	assert.Equal(t, keys.Uint64(1000), key.ID)
	assert.Equal(t, uint32(0), key.Revision)

	// readable locally right away
	p, err := tr.Get(key)
	require.NoError(t, err)
	assert.Equal(t, "bolt", p.Name)
	synced(t, c)

	p, key, err = tr.Checkout(ctx(t), key)
	require.NoError(t, err)
	assert.Equal(t, "bolt", p.Name)

	key, err = tr.Edit(ctx(t), key, Part{Name: "hex bolt"})
	require.NoError(t, err)
	assert.Equal(t, uint32(1), key.Revision)

	key, err = tr.Release(ctx(t), key, 0)
	require.NoError(t, err)
	env, err := tr.Envelope(key.ID)
	require.NoError(t, err)
	assert.True(t, env.IsReleased())
	assert.Equal(t, uint32(1), env.Release)

	_, err = tr.Edit(ctx(t), key, Part{Name: "nut"})
	assert.ErrorIs(t, err, errs.ErrReleased)

	key, err = tr.SetState(ctx(t), key, 2)
	require.NoError(t, err)
	env, err = tr.Envelope(key.ID)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), env.State)
	assert.Equal(t, "alice", env.Creator)

	require.NoError(t, tr.Checkin(ctx(t), key))
	borrows, err := c.Borrows()
	require.NoError(t, err)
	assert.Empty(t, borrows)

	names, err := c.Trees(ctx(t))
	require.NoError(t, err)
	assert.Equal(t, []string{"parts"}, names)
}

func TestCheckoutConflict(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "tkv.sock")
	memoryServer(t, sock, store.Config{FirstID: 40, BlockSize: 10}, time.Minute)

	a := newClient(t, "alice", sock)
	b := newClient(t, "bob", sock)
	pa, pb := parts(t, a), parts(t, b)
	online(t, a)
	online(t, b)
	hasIDs(t, a, "parts")

	var key = pa.Key(keys.ID{})
	for _, name := range []string{"bolt", "nut", "washer"} {
		k, err := pa.Create(Part{Name: name})
		require.NoError(t, err)
		key = k
	}
	assert.Equal(t, keys.Uint64(42), key.ID)
	synced(t, a)

	_, key, err := pa.Checkout(ctx(t), key)
	require.NoError(t, err)
	for _, name := range []string{"washer 1", "washer 2", "washer 3"} {
		key, err = pa.Edit(ctx(t), key, Part{Name: name})
		require.NoError(t, err)
	}
	assert.Equal(t, uint32(3), key.Revision)

	// bob sees the edits through the update stream
	require.Eventually(t, func() bool {
		env, ok, err := b.Get("parts", key.ID)
		return err == nil && ok && env.Key.Revision == 3
	}, waitFor, 10*time.Millisecond)

	_, _, err = pb.Checkout(ctx(t), pb.Key(key.ID))
	require.ErrorIs(t, err, errs.ErrConflict)
	assert.Contains(t, err.Error(), "held by alice")

	require.NoError(t, pa.Checkin(ctx(t), key))

	p, key, err := pb.Checkout(ctx(t), pb.Key(key.ID))
	require.NoError(t, err)
	assert.Equal(t, "washer 3", p.Name)
	assert.Equal(t, uint32(3), key.Revision)
}

func TestChangesStreamToOtherClients(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "tkv.sock")
	memoryServer(t, sock, store.Config{BlockSize: 10}, time.Minute)

	a := newClient(t, "alice", sock)
	b := newClient(t, "bob", sock)
	pa, pb := parts(t, a), parts(t, b)

	idx, err := pb.Index()
	require.NoError(t, err)
	sub := pb.Subscribe()
	defer sub.Close()

	online(t, a)
	online(t, b)
	hasIDs(t, a, "parts")

	key, err := pa.Create(Part{Name: "hex bolt"})
	require.NoError(t, err)

	ch := next(t, sub, events.KindCreate)
	require.NotNil(t, ch.Envelope)
	assert.Equal(t, key.ID, ch.Envelope.Key.ID)

	assert.Equal(t, []keys.ID{key.ID}, idx.Lookup("bolt"))
	assert.Equal(t, []keys.ID{key.ID}, idx.Search("he"))

	var seen []string
	require.NoError(t, pb.Range(func(_ tree.Key[Part], p Part) bool {
		seen = append(seen, p.Name)
		return true
	}))
	assert.Equal(t, []string{"hex bolt"}, seen)

	// the cursor of bob is persisted with the change
	cursor, err := b.Cursor("parts")
	require.NoError(t, err)
	assert.Positive(t, cursor)
}

func TestServerIdentityMismatchHalts(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "tkv.sock")
	stop := memoryServer(t, sock, store.Config{}, time.Minute)

	c := newClient(t, "alice", sock)
	sub := c.Bus().Subscribe(events.AllTrees)
	defer sub.Close()
	online(t, c)
	pinned := c.Status().ServerIdentity
	require.NotEmpty(t, pinned)

	// another server with a fresh store takes over the endpoint
	stop()
	memoryServer(t, sock, store.Config{}, time.Minute)

	next(t, sub, events.KindIdentityMismatch)
	status := c.Status()
	assert.False(t, status.Online)
	require.ErrorIs(t, status.Halted, errs.ErrServerIdentityMismatch)
	assert.Equal(t, pinned, status.ServerIdentity)

	_, err := c.Trees(ctx(t))
	assert.ErrorIs(t, err, errs.ErrServerIdentityMismatch)

	// local work goes on
	tr := parts(t, c)
	_, err = tr.Create(Part{Name: "bolt"})
	assert.ErrorIs(t, err, errs.ErrRangeExhausted)
}

func TestOfflineCreateIsReplayed(t *testing.T) {
	dir := t.TempDir()
	sock := filepath.Join(dir, "tkv.sock")
	stop := diskServer(t, sock, filepath.Join(dir, "server"), 5)

	c := newClient(t, "alice", sock)
	tr := parts(t, c)
	online(t, c)
	hasIDs(t, c, "parts")

	stop()
	require.Eventually(t, func() bool { return !c.Status().Online }, waitFor, 10*time.Millisecond)

	key, err := tr.Create(Part{Name: "bolt"})
	require.NoError(t, err)
	assert.Equal(t, keys.Uint64(5), key.ID)
	assert.Equal(t, 1, c.Status().Pending)

	pending, err := c.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, key.ID, pending[0].Key.ID)

	_, _, err = tr.Checkout(ctx(t), key)
	assert.ErrorIs(t, err, client.ErrOffline)

	diskServer(t, sock, filepath.Join(dir, "server"), 5)
	synced(t, c)

	p, key, err := tr.Checkout(ctx(t), key)
	require.NoError(t, err)
	assert.Equal(t, "bolt", p.Name)
	env, err := tr.Envelope(key.ID)
	require.NoError(t, err)
	assert.Equal(t, c.ID(), env.Creator)
}

func TestRevokedBorrowIsReportedLost(t *testing.T) {
	dir := t.TempDir()
	sock := filepath.Join(dir, "tkv.sock")
	memoryServer(t, sock, store.Config{BlockSize: 10}, 50*time.Millisecond)

	cfg := clientConfig("alice", sock)
	cfg.Engine = "pebble"
	cfg.DataDir = filepath.Join(dir, "alice")

	a, err := client.NewClient(cfg, unix.NewUnixClientTransport(), serializer.NewBinarySerializer())
	require.NoError(t, err)
	pa := parts(t, a)
	online(t, a)
	hasIDs(t, a, "parts")

	key, err := pa.Create(Part{Name: "bolt"})
	require.NoError(t, err)
	synced(t, a)
	_, key, err = pa.Checkout(ctx(t), key)
	require.NoError(t, err)
	require.NoError(t, a.Close())

	// bob gets the record once the borrow of alice is revoked
	b := newClient(t, "bob", sock)
	pb := parts(t, b)
	online(t, b)
	require.Eventually(t, func() bool {
		_, _, err := pb.Checkout(ctx(t), pb.Key(key.ID))
		return err == nil
	}, waitFor, 50*time.Millisecond)

	// alice comes back believing to hold the borrow
	a, err = client.NewClient(cfg, unix.NewUnixClientTransport(), serializer.NewBinarySerializer())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	held, err := a.Holds("parts", key.ID)
	require.NoError(t, err)
	require.True(t, held)

	sub := a.Bus().Subscribe(events.AllTrees)
	defer sub.Close()
	online(t, a)

	lost := next(t, sub, events.KindBorrowLost)
	require.NotNil(t, lost.Borrow)
	assert.Equal(t, key.ID, lost.Borrow.Key.ID)

	require.Eventually(t, func() bool {
		held, err := a.Holds("parts", key.ID)
		return err == nil && !held
	}, waitFor, 10*time.Millisecond)
}
