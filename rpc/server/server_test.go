package server_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ValentinKolb/tKV/lib/db"
	"github.com/ValentinKolb/tKV/lib/db/engines"
	"github.com/ValentinKolb/tKV/lib/db/engines/maple"
	"github.com/ValentinKolb/tKV/lib/errs"
	"github.com/ValentinKolb/tKV/lib/events"
	"github.com/ValentinKolb/tKV/lib/keys"
	"github.com/ValentinKolb/tKV/lib/record"
	"github.com/ValentinKolb/tKV/lib/store"
	"github.com/ValentinKolb/tKV/lib/store/lstore"
	"github.com/ValentinKolb/tKV/rpc/common"
	"github.com/ValentinKolb/tKV/rpc/serializer"
	"github.com/ValentinKolb/tKV/rpc/server"
	"github.com/ValentinKolb/tKV/rpc/transport"
	"github.com/ValentinKolb/tKV/rpc/transport/unix"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTree = "notes"

var schema = record.SchemaVersion{Major: 1}

// --------------------------------------------------------------------------
// Test Helper
// --------------------------------------------------------------------------

type testServer struct {
	srv  *server.RPCServer
	sock string
}

func startServer(t *testing.T, grace time.Duration) *testServer {
	t.Helper()
	return startServerOn(t, func() (db.KVDB, error) {
		return maple.NewMapleDB(nil), nil
	}, grace)
}

func startServerOn(t *testing.T, factory db.Factory, grace time.Duration) *testServer {
	t.Helper()

	st, err := lstore.NewLocalStore(factory, store.Config{BlockSize: 16})
	require.NoError(t, err)

	sock := filepath.Join(t.TempDir(), "tkv.sock")
	srv := server.NewRPCServerWithStore(common.ServerConfig{
		Name:        "test",
		BorrowGrace: grace,
		Transport:   common.ServerTransportConfig{Endpoint: sock},
	}, st, unix.NewUnixServerTransport(), serializer.NewBinarySerializer())

	go func() { _ = srv.Serve() }()
	t.Cleanup(func() { _ = srv.Close() })

	require.Eventually(t, func() bool {
		_, err := os.Stat(sock)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	return &testServer{srv: srv, sock: sock}
}

// rawClient speaks the protocol directly on top of the transport
type rawClient struct {
	t      *testing.T
	tr     transport.IRPCClientTransport
	ser    serializer.IRPCSerializer
	pushes chan common.Message
}

func dial(t *testing.T, ts *testServer) *rawClient {
	t.Helper()
	c := &rawClient{
		t:      t,
		tr:     unix.NewUnixClientTransport(),
		ser:    serializer.NewBinarySerializer(),
		pushes: make(chan common.Message, 1024),
	}
	err := c.tr.Connect(common.ClientTransportConfig{Endpoints: []string{ts.sock}}, func(payload []byte) {
		var msg common.Message
		if err := c.ser.Deserialize(payload, &msg); err == nil {
			c.pushes <- msg
		}
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.tr.Close() })
	return c
}

func (c *rawClient) call(req *common.Message) *common.Message {
	c.t.Helper()
	data, err := c.ser.Serialize(*req)
	require.NoError(c.t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	respData, err := c.tr.Send(ctx, data)
	require.NoError(c.t, err)

	var resp common.Message
	require.NoError(c.t, c.ser.Deserialize(respData, &resp))
	return &resp
}

func (c *rawClient) hello(client, known string) *common.Message {
	return c.call(common.NewHello(client, known))
}

// session connects and completes the handshake
func session(t *testing.T, ts *testServer, client string) *rawClient {
	c := dial(t, ts)
	resp := c.hello(client, "")
	require.Equal(t, common.MsgTWelcome, resp.MsgType)
	return c
}

// create requests a range and creates one record in it
func (c *rawClient) create(payload string) keys.ID {
	c.t.Helper()
	resp := c.call(common.NewRangeRequest(testTree, 4))
	require.NoError(c.t, resp.Error())
	var r keys.Range
	require.NoError(c.t, r.UnmarshalBinary(resp.Value))

	env := record.New(r.Start, schema, "", 0, []byte(payload))
	resp = c.call(common.NewCommit(testTree, common.OpCreate, r.Start, 0, env.MustEncode()))
	require.NoError(c.t, resp.Error())
	return r.Start
}

// --------------------------------------------------------------------------
// Tests
// --------------------------------------------------------------------------

func TestHandshake(t *testing.T) {
	ts := startServer(t, 0)

	t.Run("first contact pins nothing", func(t *testing.T) {
		resp := dial(t, ts).hello("alice", "")
		assert.Equal(t, common.MsgTWelcome, resp.MsgType)
		assert.Equal(t, ts.srv.Identity(), resp.Identity)
		assert.Equal(t, "test", resp.Name)
	})

	t.Run("known identity", func(t *testing.T) {
		resp := dial(t, ts).hello("alice", ts.srv.Identity())
		assert.Equal(t, common.MsgTWelcome, resp.MsgType)
	})

	t.Run("other server", func(t *testing.T) {
		c := dial(t, ts)
		resp := c.hello("alice", "5f0c3c0e-0000-4000-8000-000000000000")
		assert.Equal(t, common.MsgTReject, resp.MsgType)
		assert.Equal(t, errs.RetCServerIdentityMismatch, resp.Code)
		assert.ErrorIs(t, resp.Error(), errs.ErrServerIdentityMismatch)

		// the server ends a rejected session
		select {
		case <-c.tr.Done():
		case <-time.After(5 * time.Second):
			t.Fatal("rejected session was not closed")
		}
	})

	t.Run("request before hello", func(t *testing.T) {
		resp := dial(t, ts).call(common.NewTreesRequest())
		assert.Equal(t, common.MsgTReject, resp.MsgType)
		assert.Equal(t, errs.RetCInvalidOperation, resp.Code)
	})

	t.Run("second hello", func(t *testing.T) {
		resp := session(t, ts, "alice").hello("alice", "")
		assert.Equal(t, common.MsgTError, resp.MsgType)
	})
}

func TestCommitAndSubscribe(t *testing.T) {
	ts := startServer(t, 0)
	writer := session(t, ts, "writer")
	reader := session(t, ts, "reader")

	first := writer.create("one")

	resp := reader.call(common.NewSubscribe(testTree, 0))
	require.NoError(t, resp.Error())
	assert.Greater(t, resp.Cursor, uint64(0))

	second := writer.create("two")

	// the backlog and the live commit arrive in log order
	var (
		created []keys.ID
		last    uint64
	)
	deadline := time.After(5 * time.Second)
	for len(created) < 2 {
		select {
		case msg := <-reader.pushes:
			require.Equal(t, common.MsgTUpdate, msg.MsgType)
			require.Greater(t, msg.Cursor, last)
			last = msg.Cursor

			c, err := events.DecodeChange(msg.Value)
			require.NoError(t, err)
			if c.Kind == events.KindCreate {
				assert.Equal(t, "writer", c.Envelope.Creator)
				created = append(created, c.Envelope.Key.ID)
			}
		case <-deadline:
			t.Fatalf("got %d of 2 creates", len(created))
		}
	}
	assert.Equal(t, []keys.ID{first, second}, created)

	// trees lists the tree
	resp = reader.call(common.NewTreesRequest())
	require.NoError(t, resp.Error())
	assert.Equal(t, testTree, string(resp.Value))

	// internal trees cannot be subscribed
	resp = reader.call(common.NewSubscribe("_meta", 0))
	assert.Error(t, resp.Error())
}

func TestCommitRequiresBorrow(t *testing.T) {
	ts := startServer(t, 0)
	c := session(t, ts, "alice")
	id := c.create("draft")

	resp := c.call(common.NewCommit(testTree, common.OpEdit, id, 0, []byte("edited")))
	assert.ErrorIs(t, resp.Error(), errs.ErrNotBorrowed)

	resp = c.call(common.NewCheckoutRequest(testTree, id))
	require.Equal(t, common.MsgTCheckoutGrant, resp.MsgType)

	resp = c.call(common.NewCommit(testTree, common.OpEdit, id, 0, []byte("edited")))
	require.NoError(t, resp.Error())
	env, err := record.Decode(resp.Value)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), env.Key.Revision)
	assert.Equal(t, "edited", string(env.Payload))

	resp = c.call(common.NewCommit(testTree, common.OpRelease, id, 0, nil))
	require.NoError(t, resp.Error())

	resp = c.call(common.NewCommit(testTree, common.OpEdit, id, 0, []byte("again")))
	assert.ErrorIs(t, resp.Error(), errs.ErrReleased)

	resp = c.call(common.NewCommit(testTree, common.OpState, id, 3, nil))
	require.NoError(t, resp.Error())
}

func TestCheckoutConflict(t *testing.T) {
	ts := startServer(t, 0)
	alice := session(t, ts, "alice")
	bob := session(t, ts, "bob")

	id := alice.create("shared")

	resp := alice.call(common.NewCheckoutRequest(testTree, id))
	require.Equal(t, common.MsgTCheckoutGrant, resp.MsgType)
	env, err := record.Decode(resp.Value)
	require.NoError(t, err)
	assert.Equal(t, "shared", string(env.Payload))

	resp = bob.call(common.NewCheckoutRequest(testTree, id))
	assert.Equal(t, common.MsgTCheckoutDeny, resp.MsgType)
	assert.Equal(t, "alice", resp.Client)
	assert.ErrorIs(t, resp.Error(), errs.ErrConflict)

	resp = alice.call(common.NewCheckin(testTree, id))
	require.NoError(t, resp.Error())

	resp = bob.call(common.NewCheckoutRequest(testTree, id))
	assert.Equal(t, common.MsgTCheckoutGrant, resp.MsgType)
}

func TestStaleBorrowIsRevoked(t *testing.T) {
	ts := startServer(t, 100*time.Millisecond)
	alice := session(t, ts, "alice")

	id := alice.create("doc")
	resp := alice.call(common.NewCheckoutRequest(testTree, id))
	require.Equal(t, common.MsgTCheckoutGrant, resp.MsgType)

	require.NoError(t, alice.tr.Close())

	require.Eventually(t, func() bool {
		records, err := ts.srv.Store().Borrows("alice")
		return err == nil && len(records) == 0
	}, 5*time.Second, 20*time.Millisecond)

	// the revocation is part of the log
	changes, err := ts.srv.Store().ReadLog(testTree, 0, 100)
	require.NoError(t, err)
	assert.Equal(t, events.KindRevoke, changes[len(changes)-1].Kind)
}

func TestReconnectKeepsBorrows(t *testing.T) {
	ts := startServer(t, 300*time.Millisecond)
	alice := session(t, ts, "alice")

	id := alice.create("doc")
	resp := alice.call(common.NewCheckoutRequest(testTree, id))
	require.Equal(t, common.MsgTCheckoutGrant, resp.MsgType)

	require.NoError(t, alice.tr.Close())
	session(t, ts, "alice")

	time.Sleep(700 * time.Millisecond)
	records, err := ts.srv.Store().Borrows("alice")
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestBorrowsSurviveRestart(t *testing.T) {
	factory, err := engines.Factory("pebble", t.TempDir())
	require.NoError(t, err)

	ts := startServerOn(t, factory, 0)
	alice := session(t, ts, "alice")
	id := alice.create("doc")
	resp := alice.call(common.NewCheckoutRequest(testTree, id))
	require.Equal(t, common.MsgTCheckoutGrant, resp.MsgType)
	require.NoError(t, alice.tr.Close())
	require.NoError(t, ts.srv.Close())

	// alice never reconnects, her borrow ends one grace period after the restart
	ts = startServerOn(t, factory, 500*time.Millisecond)
	bob := session(t, ts, "bob")
	resp = bob.call(common.NewCheckoutRequest(testTree, id))
	assert.Equal(t, common.MsgTCheckoutDeny, resp.MsgType)
	assert.Equal(t, "alice", resp.Client)

	require.Eventually(t, func() bool {
		return bob.call(common.NewCheckoutRequest(testTree, id)).MsgType == common.MsgTCheckoutGrant
	}, 5*time.Second, 50*time.Millisecond)
}

func TestZeroGraceHoldsBorrows(t *testing.T) {
	ts := startServer(t, 0)
	alice := session(t, ts, "alice")

	id := alice.create("doc")
	resp := alice.call(common.NewCheckoutRequest(testTree, id))
	require.Equal(t, common.MsgTCheckoutGrant, resp.MsgType)
	require.NoError(t, alice.tr.Close())

	time.Sleep(200 * time.Millisecond)
	records, err := ts.srv.Store().Borrows("alice")
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestInspectAPI(t *testing.T) {
	ts := startServer(t, 0)
	alice := session(t, ts, "alice")
	id := alice.create(`{"title":"hello world"}`)
	resp := alice.call(common.NewCheckoutRequest(testTree, id))
	require.Equal(t, common.MsgTCheckoutGrant, resp.MsgType)

	api := httptest.NewServer(ts.srv.InspectHandler())
	defer api.Close()

	get := func(path string) (int, string) {
		res, err := http.Get(api.URL + path)
		require.NoError(t, err)
		defer res.Body.Close()
		body, err := io.ReadAll(res.Body)
		require.NoError(t, err)
		return res.StatusCode, string(body)
	}

	code, body := get("/trees")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `"name":"notes"`)

	code, body = get("/trees/notes")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `"id":"`+id.String()+`"`)

	code, body = get("/trees/notes/" + id.String())
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "title: hello world")

	code, _ = get("/trees/notes/999999")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = get("/trees/notes?limit=abc")
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = get("/borrows?client=alice")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "alice")

	code, body = get("/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, strings.Contains(body, "tkv_rpc_sessions_active"))
}
