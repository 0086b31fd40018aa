package internal

import (
	"bytes"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ValentinKolb/tKV/lib/borrow"
	"github.com/ValentinKolb/tKV/lib/db"
	"github.com/ValentinKolb/tKV/lib/db/engines/maple"
	"github.com/ValentinKolb/tKV/lib/errs"
	"github.com/ValentinKolb/tKV/lib/events"
	"github.com/ValentinKolb/tKV/lib/index"
	"github.com/ValentinKolb/tKV/lib/keys"
	"github.com/ValentinKolb/tKV/lib/record"
	"github.com/ValentinKolb/tKV/lib/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type directExec struct {
	m   *Machine
	idx atomic.Uint64
}

func (d *directExec) Write(cmd Command) ([]byte, error) {
	return d.m.Apply(cmd, d.idx.Add(1))
}

func (d *directExec) Read(q Query, _ bool) (interface{}, error) { return d.m.Lookup(q) }
func (d *directExec) Bus() *events.Bus { return d.m.Bus() }
func (d *directExec) Close() error { return d.m.Close() }

var v1 = record.SchemaVersion{Major: 1}

func newFrontend(t *testing.T, cfg store.Config) (*Frontend, *Machine) {
	t.Helper()
	m := NewMachine(maple.NewMapleDB(nil), cfg)
	f := NewFrontend(&directExec{m: m})
	t.Cleanup(func() { _ = f.Close() })
	return f, m
}

func create(t *testing.T, f *Frontend, tree, client string, id keys.ID, payload string) *record.Envelope {
	t.Helper()
	env, err := f.Create(tree, client, record.New(id, v1, client, 0, []byte(payload)))
	require.NoError(t, err)
	return env
}

func TestRangesNeverOverlap(t *testing.T) {
	f, _ := newFrontend(t, store.Config{BlockSize: 10})

	var (
		mu     sync.Mutex
		ranges []keys.Range
		wg     sync.WaitGroup
	)
	for _, client := range []string{"A", "B", "C", "D"} {
		wg.Add(1)
		go func(client string) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				r, err := f.RequestRange("parts", client, 0)
				assert.NoError(t, err)
				mu.Lock()
				ranges = append(ranges, r)
				mu.Unlock()
			}
		}(client)
	}
	wg.Wait()

	require.Len(t, ranges, 100)
	for i := range ranges {
		assert.Equal(t, uint64(10), ranges[i].Len())
		for j := i + 1; j < len(ranges); j++ {
			assert.False(t, ranges[i].Overlaps(ranges[j]), "%s overlaps %s", ranges[i], ranges[j])
		}
	}

	issued, err := f.Ranges("parts")
	require.NoError(t, err)
	assert.Len(t, issued, 100)
	assert.Equal(t, keys.Uint64(1), issued[0].Start)
	assert.Equal(t, uint64(100), issued[99].Seq)

	_, err = f.RequestRange("_log", "A", 0)
	assert.ErrorIs(t, err, errs.ErrInvalid)
}

func TestReleaseLifecycle(t *testing.T) {
	f, _ := newFrontend(t, store.Config{BlockSize: 10, FirstID: 1000})

	r, err := f.RequestRange("parts", "A", 0)
	require.NoError(t, err)
	assert.Equal(t, keys.Uint64(1000), r.Start)
	assert.Equal(t, keys.Uint64(1010), r.End)

	id := r.Start
	env := create(t, f, "parts", "A", id, "v0")
	assert.Equal(t, uint32(0), env.Key.Revision)

	_, err = f.Edit("parts", "A", id, []byte("v1"))
	assert.ErrorIs(t, err, errs.ErrNotBorrowed)

	_, current, err := f.Checkout("parts", "A", id)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), current.Key.Revision)

	env, err = f.Edit("parts", "A", id, []byte("v1"))
	require.NoError(t, err)
	assert.Equal(t, uint32(1), env.Key.Revision)

	env, err = f.Release("parts", "A", id, 1)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), env.Release)

	_, err = f.Edit("parts", "A", id, []byte("v2"))
	assert.ErrorIs(t, err, errs.ErrReleased)
	_, err = f.Migrate("parts", "A", id, record.SchemaVersion{Major: 2}, []byte("v2"))
	assert.ErrorIs(t, err, errs.ErrReleased)
	_, err = f.Delete("parts", "A", id)
	assert.ErrorIs(t, err, errs.ErrReleased)

	env, err = f.SetState("parts", "A", id, 3)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), env.State)
	assert.Equal(t, []byte("v1"), env.Payload)
	assert.Equal(t, v1, env.Schema)

	stored, ok, err := f.Get("parts", id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, env, stored)
}

func TestReleaseNumbersIncrease(t *testing.T) {
	f, _ := newFrontend(t, store.Config{})
	r, _ := f.RequestRange("parts", "A", 5)

	ids := []keys.ID{r.Start, r.Start.Next(), r.Start.Add(2)}
	for _, id := range ids {
		create(t, f, "parts", "A", id, "x")
		_, _, err := f.Checkout("parts", "A", id)
		require.NoError(t, err)
	}

	env, err := f.Release("parts", "A", ids[0], 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), env.Release)

	env, err = f.Release("parts", "A", ids[1], 5)
	require.NoError(t, err)
	assert.Equal(t, uint32(5), env.Release)

	_, err = f.Release("parts", "A", ids[2], 5)
	assert.ErrorIs(t, err, errs.ErrInvalid)
	env, err = f.Release("parts", "A", ids[2], 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(6), env.Release)
}

func TestCheckoutConflict(t *testing.T) {
	f, _ := newFrontend(t, store.Config{FirstID: 40})
	_, _ = f.RequestRange("parts", "A", 10)
	id := keys.Uint64(42)
	create(t, f, "parts", "A", id, "v0")

	for i := 0; i < 3; i++ {
		_, _, err := f.Checkout("parts", "A", id)
		require.NoError(t, err)
		_, err = f.Edit("parts", "A", id, []byte{byte(i)})
		require.NoError(t, err)
		require.NoError(t, f.Checkin("parts", "A", id))
	}

	_, current, err := f.Checkout("parts", "A", id)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), current.Key.Revision)

	_, _, err = f.Checkout("parts", "B", id)
	assert.ErrorIs(t, err, errs.ErrConflict)
	assert.ErrorIs(t, f.Checkin("parts", "B", id), errs.ErrNotHolder)

	require.NoError(t, f.Checkin("parts", "A", id))
	rec, _, err := f.Checkout("parts", "B", id)
	require.NoError(t, err)
	assert.Equal(t, "B", rec.Holder)

	_, _, err = f.Checkout("parts", "B", keys.Uint64(43))
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestCreateOwnership(t *testing.T) {
	f, _ := newFrontend(t, store.Config{BlockSize: 10})
	ra, _ := f.RequestRange("parts", "A", 0)
	rb, _ := f.RequestRange("parts", "B", 0)

	first := create(t, f, "parts", "A", ra.Start, "a")

	// replay of the same create is a no-op
	again := create(t, f, "parts", "A", ra.Start, "a")
	assert.Equal(t, first, again)

	_, err := f.Create("parts", "A", record.New(rb.Start, v1, "A", 0, nil))
	assert.ErrorIs(t, err, errs.ErrNotOwner)
	_, err = f.Create("parts", "A", record.New(keys.Uint64(5000), v1, "A", 0, nil))
	assert.ErrorIs(t, err, errs.ErrNotOwner)
	_, err = f.Create("parts", "A", record.New(keys.ID{}, v1, "A", 0, nil))
	assert.ErrorIs(t, err, errs.ErrInvalid)

	// the range end is exclusive
	_, err = f.Create("parts", "A", record.New(ra.End, v1, "A", 0, nil))
	assert.ErrorIs(t, err, errs.ErrNotOwner)

	cursor, err := f.Cursor("parts")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), cursor) // two grants and one create
}

func TestLogHooksAndBus(t *testing.T) {
	hooks := index.NewHooks(0)
	var hooked []events.Kind
	hooks.Register("parts", index.HookFunc(func(c events.Change) error {
		hooked = append(hooked, c.Kind)
		return errors.New("hooks never roll back")
	}))
	bus := events.NewBus()
	sub := bus.Subscribe("parts")
	defer sub.Close()

	f, _ := newFrontend(t, store.Config{Hooks: hooks, Bus: bus})
	r, _ := f.RequestRange("parts", "A", 0)
	create(t, f, "parts", "A", r.Start, "v0")
	_, _, _ = f.Checkout("parts", "A", r.Start)
	_, _ = f.Edit("parts", "A", r.Start, []byte("v1"))
	require.NoError(t, f.Checkin("parts", "A", r.Start))

	want := []events.Kind{events.KindRangeGrant, events.KindCreate, events.KindCheckout, events.KindEdit, events.KindCheckin}
	assert.Equal(t, want, hooked)

	changes, err := f.ReadLog("parts", 0, 0)
	require.NoError(t, err)
	require.Len(t, changes, 5)
	for i, c := range changes {
		assert.Equal(t, uint64(i+1), c.Cursor)
		assert.Equal(t, want[i], c.Kind)
		got := <-sub.C()
		assert.Equal(t, c.Cursor, got.Cursor)
	}

	tail, err := f.ReadLog("parts", 3, 1)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, events.KindEdit, tail[0].Kind)
	assert.Equal(t, []byte("v1"), tail[0].Envelope.Payload)

	trees, err := f.Trees()
	require.NoError(t, err)
	assert.Equal(t, []string{"parts"}, trees)
}

func TestReconcileAndRevoke(t *testing.T) {
	f, _ := newFrontend(t, store.Config{})
	r, _ := f.RequestRange("parts", "A", 0)
	a, b := r.Start, r.Start.Next()
	create(t, f, "parts", "A", a, "a")
	create(t, f, "parts", "A", b, "b")

	_, _, err := f.Checkout("parts", "A", a)
	require.NoError(t, err)
	_, _, err = f.Checkout("parts", "B", b)
	require.NoError(t, err)

	outcomes, err := f.Reconcile("A", []borrow.Key{{Tree: "parts", ID: a}, {Tree: "parts", ID: b}})
	require.NoError(t, err)
	assert.Equal(t, []borrow.Outcome{
		{Key: borrow.Key{Tree: "parts", ID: a}, Granted: true, Holder: "A"},
		{Key: borrow.Key{Tree: "parts", ID: b}, Granted: false, Holder: "B"},
	}, outcomes)

	revoked, err := f.RevokeClient("B")
	require.NoError(t, err)
	require.Len(t, revoked, 1)
	assert.Equal(t, b, revoked[0].Key.ID)

	left, err := f.Borrows("")
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "A", left[0].Holder)

	changes, _ := f.ReadLog("parts", 0, 0)
	assert.Equal(t, events.KindRevoke, changes[len(changes)-1].Kind)
}

func TestAckOnlyMovesForward(t *testing.T) {
	f, m := newFrontend(t, store.Config{})
	require.NoError(t, f.Ack("A", "parts", 7))
	require.NoError(t, f.Ack("A", "parts", 3))

	val, ok, err := m.DB().Get("_clients", []byte("A/parts"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0, 7}, val)
}

func TestIdentityIsCreatedOnce(t *testing.T) {
	f, _ := newFrontend(t, store.Config{})
	first, err := f.Identity()
	require.NoError(t, err)
	second, err := f.Identity()
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestSaveRecover(t *testing.T) {
	f, m := newFrontend(t, store.Config{})
	r, _ := f.RequestRange("parts", "A", 0)
	create(t, f, "parts", "A", r.Start, "v0")
	_, _, err := f.Checkout("parts", "A", r.Start)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, m.Save(&buf))

	restored := NewMachine(maple.NewMapleDB(nil), store.Config{})
	defer restored.Close()
	require.NoError(t, restored.Recover(&buf))

	g := NewFrontend(&directExec{m: restored})
	env, ok, err := g.Get("parts", r.Start)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v0"), env.Payload)

	// the borrow table travels with the snapshot
	_, _, err = g.Checkout("parts", "B", r.Start)
	assert.ErrorIs(t, err, errs.ErrConflict)
}

func TestBorrowsSurviveRestart(t *testing.T) {
	database := maple.NewMapleDB(nil)
	m := NewMachine(database, store.Config{})
	f := NewFrontend(&directExec{m: m})
	r, err := f.RequestRange("parts", "A", 0)
	require.NoError(t, err)
	create(t, f, "parts", "A", r.Start, "v0")
	create(t, f, "parts", "A", r.Start.Next(), "v1")
	_, _, err = f.Checkout("parts", "A", r.Start)
	require.NoError(t, err)
	_, _, err = f.Checkout("parts", "A", r.Start.Next())
	require.NoError(t, err)
	require.NoError(t, f.Checkin("parts", "A", r.Start.Next()))

	// a new machine on the same database knows the live borrow only
	restarted := NewMachine(database, store.Config{})
	require.NoError(t, restarted.LoadBorrows())
	g := NewFrontend(&directExec{m: restarted})

	held, err := g.Borrows("A")
	require.NoError(t, err)
	require.Len(t, held, 1)
	assert.Equal(t, r.Start, held[0].Key.ID)

	_, _, err = g.Checkout("parts", "B", r.Start)
	assert.ErrorIs(t, err, errs.ErrConflict)
	_, _, err = g.Checkout("parts", "B", r.Start.Next())
	assert.NoError(t, err)
}

// failingDB fails every commit after the first n
type failingDB struct {
	db.KVDB
	left atomic.Int32
}

func (f *failingDB) Commit(b *db.Batch) error {
	if f.left.Add(-1) < 0 {
		return errors.New("disk full")
	}
	return f.KVDB.Commit(b)
}

func TestFailedCommitUndoesBorrow(t *testing.T) {
	fdb := &failingDB{KVDB: maple.NewMapleDB(nil)}
	fdb.left.Store(2)
	m := NewMachine(fdb, store.Config{})
	f := NewFrontend(&directExec{m: m})
	defer f.Close()

	r, err := f.RequestRange("parts", "A", 0)
	require.NoError(t, err)
	create(t, f, "parts", "A", r.Start, "v0")

	_, _, err = f.Checkout("parts", "A", r.Start)
	assert.ErrorIs(t, err, errs.ErrStorageIO)

	held, err := f.Borrows("")
	require.NoError(t, err)
	assert.Empty(t, held)
}
