package client

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/tKV/lib/borrow"
	"github.com/ValentinKolb/tKV/lib/db/engines/maple"
	"github.com/ValentinKolb/tKV/lib/errs"
	"github.com/ValentinKolb/tKV/lib/events"
	"github.com/ValentinKolb/tKV/lib/keys"
	"github.com/ValentinKolb/tKV/lib/record"
	"github.com/ValentinKolb/tKV/lib/tree"
	"github.com/ValentinKolb/tKV/rpc/common"
	"github.com/ValentinKolb/tKV/rpc/serializer"
	"github.com/ValentinKolb/tKV/rpc/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var schemaV1 = record.SchemaVersion{Major: 1}

type widget struct {
	Name string `json:"name"`
}

// stalledTransport accepts every request and never answers it, like a
// server that is too slow to respond
type stalledTransport struct {
	mu   sync.Mutex
	sent int
	done chan struct{}
}

func newStalledTransport() *stalledTransport {
	return &stalledTransport{done: make(chan struct{})}
}

func (s *stalledTransport) Connect(common.ClientTransportConfig, transport.PushFunc) error {
	return nil
}

func (s *stalledTransport) Send(ctx context.Context, _ []byte) ([]byte, error) {
	s.mu.Lock()
	s.sent++
	s.mu.Unlock()

	<-ctx.Done()
	return nil, errs.Wrap(errs.RetCTimeout, ctx.Err())
}

func (s *stalledTransport) Notify([]byte) error { return nil }

func (s *stalledTransport) Done() <-chan struct{} { return s.done }

func (s *stalledTransport) Endpoint() string { return "stalled" }

func (s *stalledTransport) Close() error { return nil }

// requests returns the number of requests sent so far
func (s *stalledTransport) requests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent
}

// --------------------------------------------------------------------------
// Test Helper
// --------------------------------------------------------------------------

// stalledClient creates a client with an open session on a server that
// never answers. Updates are fed with applyChange.
func stalledClient(t *testing.T) (*Client, *stalledTransport) {
	t.Helper()
	tr := newStalledTransport()
	c, err := NewClientWithDB(common.ClientConfig{ClientID: "A", TimeoutSecond: 5}, maple.NewMapleDB(nil),
		tr, serializer.NewBinarySerializer())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	c.setOnline(true)
	return c, tr
}

func grant(t *testing.T, c *Client, cursor uint64, r keys.Range) {
	t.Helper()
	require.NoError(t, c.applyChange(events.Change{Tree: r.Tree, Cursor: cursor, Kind: events.KindRangeGrant, Range: &r}))
}

// --------------------------------------------------------------------------
// Update stream
// --------------------------------------------------------------------------

func TestReplayedUpdateKeepsState(t *testing.T) {
	c, _ := stalledClient(t)

	env0 := record.New(keys.Uint64(1), schemaV1, "B", 1, []byte(`{"v":0}`))
	env1 := env0.Clone()
	require.NoError(t, env1.Edit([]byte(`{"v":1}`), 2))

	require.NoError(t, c.applyChange(events.Change{Tree: "parts", Cursor: 1, Kind: events.KindCreate, Envelope: env0}))
	require.NoError(t, c.applyChange(events.Change{Tree: "parts", Cursor: 2, Kind: events.KindEdit, Envelope: env1}))

	sub := c.bus.Subscribe("parts")
	defer sub.Close()

	// the stream starts again from an older cursor after a reconnect
	require.NoError(t, c.applyChange(events.Change{Tree: "parts", Cursor: 1, Kind: events.KindCreate, Envelope: env0}))

	got, ok, err := c.Get("parts", keys.Uint64(1))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint32(1), got.Key.Revision)
	assert.Equal(t, `{"v":1}`, string(got.Payload))

	cursor, err := c.Cursor("parts")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), cursor)

	assert.Never(t, func() bool {
		select {
		case <-sub.C():
			return true
		default:
			return false
		}
	}, 100*time.Millisecond, 10*time.Millisecond)

	// a new cursor with an older revision does not overwrite the record
	require.NoError(t, c.applyChange(events.Change{Tree: "parts", Cursor: 3, Kind: events.KindCreate, Envelope: env0}))
	got, _, err = c.Get("parts", keys.Uint64(1))
	require.NoError(t, err)
	assert.Equal(t, uint32(1), got.Key.Revision)
}

func TestRangeGrantsOutOfOrder(t *testing.T) {
	c, _ := stalledClient(t)

	// the response of a later request overtakes the update of an earlier one
	grant(t, c, 1, keys.Range{Tree: "parts", Start: keys.Uint64(2000), End: keys.Uint64(2010), Client: "A", Seq: 7})
	grant(t, c, 2, keys.Range{Tree: "parts", Start: keys.Uint64(1000), End: keys.Uint64(1010), Client: "A", Seq: 6})

	n, err := c.Available("parts")
	require.NoError(t, err)
	assert.Equal(t, uint64(20), n)

	// both grants are redelivered, nothing is added twice
	grant(t, c, 3, keys.Range{Tree: "parts", Start: keys.Uint64(2000), End: keys.Uint64(2010), Client: "A", Seq: 7})
	grant(t, c, 4, keys.Range{Tree: "parts", Start: keys.Uint64(1000), End: keys.Uint64(1010), Client: "A", Seq: 6})
	n, err = c.Available("parts")
	require.NoError(t, err)
	assert.Equal(t, uint64(20), n)

	// ranges of other clients are not minted from
	grant(t, c, 5, keys.Range{Tree: "parts", Start: keys.Uint64(3000), End: keys.Uint64(3010), Client: "B", Seq: 8})
	n, err = c.Available("parts")
	require.NoError(t, err)
	assert.Equal(t, uint64(20), n)
}

// --------------------------------------------------------------------------
// Borrows
// --------------------------------------------------------------------------

func TestCheckoutTimeout(t *testing.T) {
	c, tr := stalledClient(t)
	id := keys.Uint64(5)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Checkout(ctx, "parts", id)
	assert.ErrorIs(t, err, errs.ErrTimeout)
	assert.Equal(t, 1, tr.requests())

	held, err := c.Holds("parts", id)
	require.NoError(t, err)
	assert.False(t, held)

	// the server granted the checkout anyway, the stream reports it
	rec := borrow.Record{Key: borrow.Key{Tree: "parts", ID: id}, Holder: "A", Acquired: time.Now().UnixNano()}
	require.NoError(t, c.applyChange(events.Change{Tree: "parts", Cursor: 1, Kind: events.KindCheckout, Client: "A", Borrow: &rec}))

	held, err = c.Holds("parts", id)
	require.NoError(t, err)
	assert.True(t, held)
	records, err := c.Borrows()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, rec.Key, records[0].Key)

	// a borrow of another client is not taken for ours
	other := borrow.Record{Key: borrow.Key{Tree: "parts", ID: keys.Uint64(6)}, Holder: "B", Acquired: time.Now().UnixNano()}
	require.NoError(t, c.applyChange(events.Change{Tree: "parts", Cursor: 2, Kind: events.KindCheckout, Client: "B", Borrow: &other}))
	held, err = c.Holds("parts", other.Key.ID)
	require.NoError(t, err)
	assert.False(t, held)
}

// --------------------------------------------------------------------------
// Local operations
// --------------------------------------------------------------------------

func TestCreateDoesNotWaitForSubscribe(t *testing.T) {
	c, tr := stalledClient(t)
	grant(t, c, 1, keys.Range{Tree: "fresh", Start: keys.Uint64(1), End: keys.Uint64(11), Client: "A", Seq: 1})

	start := time.Now()
	env, err := c.Create("fresh", schemaV1, []byte(`{}`))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, keys.Uint64(1), env.Key.ID)

	// the subscription is still sent, in the background
	require.Eventually(t, func() bool { return tr.requests() > 0 }, 5*time.Second, 10*time.Millisecond)
	assert.Contains(t, c.LocalTrees(), "fresh")
}

func TestTypedCommitHook(t *testing.T) {
	c, _ := stalledClient(t)
	widgets, err := Register[widget](c, "widgets", schemaV1, nil)
	require.NoError(t, err)

	type seen struct {
		kind events.Kind
		key  tree.Key[widget]
		v    widget
	}
	var got []seen
	widgets.OnCommit(func(kind events.Kind, k tree.Key[widget], v widget) error {
		got = append(got, seen{kind, k, v})
		return nil
	})

	// local create
	grant(t, c, 1, keys.Range{Tree: "widgets", Start: keys.Uint64(1), End: keys.Uint64(11), Client: "A", Seq: 1})
	k, err := widgets.Create(widget{Name: "bolt"})
	require.NoError(t, err)

	// streamed edit and delete
	env, err := widgets.Envelope(k.ID)
	require.NoError(t, err)
	edited := env.Clone()
	require.NoError(t, edited.Edit([]byte(`{"name":"nut"}`), 2))
	require.NoError(t, c.applyChange(events.Change{Tree: "widgets", Cursor: 2, Kind: events.KindEdit, Envelope: edited}))
	deleted := edited.Clone()
	require.NoError(t, deleted.Delete(3))
	require.NoError(t, c.applyChange(events.Change{Tree: "widgets", Cursor: 3, Kind: events.KindDelete, Envelope: deleted}))

	// an unreadable schema fails the hook without reaching it
	newer := record.New(keys.Uint64(9), record.SchemaVersion{Major: 2}, "B", 4, []byte(`{"name":"gear"}`))
	require.NoError(t, c.applyChange(events.Change{Tree: "widgets", Cursor: 4, Kind: events.KindCreate, Envelope: newer}))

	require.Len(t, got, 3)
	assert.Equal(t, events.KindCreate, got[0].kind)
	assert.Equal(t, widget{Name: "bolt"}, got[0].v)
	assert.Equal(t, k, got[0].key)
	assert.Equal(t, events.KindEdit, got[1].kind)
	assert.Equal(t, widget{Name: "nut"}, got[1].v)
	assert.Equal(t, uint32(1), got[1].key.Revision)
	assert.Equal(t, events.KindDelete, got[2].kind)
	assert.Equal(t, widget{}, got[2].v)
	assert.Equal(t, "widgets", got[2].key.Tree())
}
