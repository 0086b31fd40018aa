package borrow

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/tKV/lib/errs"
	"github.com/ValentinKolb/tKV/lib/keys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func key(id uint64) Key {
	return Key{Tree: "parts", ID: keys.Uint64(id)}
}

func TestCheckoutConflictCheckin(t *testing.T) {
	m := NewBorrowManager()
	k := key(42)

	rec, err := m.Checkout(k, "A", 1)
	require.NoError(t, err)
	assert.Equal(t, "A", rec.Holder)

	rec, err = m.Checkout(k, "B", 2)
	assert.ErrorIs(t, err, errs.ErrConflict)
	assert.Equal(t, "A", rec.Holder)

	_, err = m.Checkin(k, "B")
	assert.ErrorIs(t, err, errs.ErrNotHolder)

	released, err := m.Checkin(k, "A")
	require.NoError(t, err)
	assert.Equal(t, int64(1), released.Acquired)

	_, err = m.Checkin(k, "A")
	assert.ErrorIs(t, err, errs.ErrNotBorrowed)

	rec, err = m.Checkout(k, "B", 3)
	require.NoError(t, err)
	assert.Equal(t, "B", rec.Holder)
}

func TestCheckoutIsIdempotentForHolder(t *testing.T) {
	m := NewBorrowManager()
	k := key(1)

	first, err := m.Checkout(k, "A", 1)
	require.NoError(t, err)
	again, err := m.Checkout(k, "A", 5)
	require.NoError(t, err)
	assert.Equal(t, first, again)
}

func TestRequire(t *testing.T) {
	m := NewBorrowManager()
	k := key(7)

	assert.ErrorIs(t, m.Require(k, "A"), errs.ErrNotBorrowed)
	_, _ = m.Checkout(k, "B", 1)
	assert.ErrorIs(t, m.Require(k, "A"), errs.ErrNotBorrowed)
	assert.NoError(t, m.Require(k, "B"))
}

func TestAtMostOneHolder(t *testing.T) {
	m := NewBorrowManager()
	k := key(99)

	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := m.Checkout(k, fmt.Sprintf("client-%d", i), int64(i)); err == nil {
				winners.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), winners.Load())
}

func TestReconcile(t *testing.T) {
	m := NewBorrowManager()
	_, _ = m.Checkout(key(1), "A", 1) // still held by A
	_, _ = m.Checkout(key(2), "B", 1) // taken over by B

	outcomes, granted := m.Reconcile("A", []Key{key(1), key(2), key(3)}, 10)
	require.Len(t, outcomes, 3)

	assert.True(t, outcomes[0].Granted)
	assert.False(t, outcomes[1].Granted)
	assert.Equal(t, "B", outcomes[1].Holder)
	assert.True(t, outcomes[2].Granted)

	// only the free record is a new grant
	require.Len(t, granted, 1)
	assert.Equal(t, key(3), granted[0].Key)
	assert.Equal(t, int64(10), granted[0].Acquired)
}

func TestRevokeClientAndList(t *testing.T) {
	m := NewBorrowManager()
	_, _ = m.Checkout(key(3), "A", 1)
	_, _ = m.Checkout(key(1), "A", 1)
	_, _ = m.Checkout(key(2), "B", 1)

	assert.Len(t, m.List(""), 3)

	revoked := m.RevokeClient("A")
	require.Len(t, revoked, 2)
	assert.Equal(t, key(1), revoked[0].Key)
	assert.Equal(t, key(3), revoked[1].Key)

	all := m.List("")
	require.Len(t, all, 1)
	assert.Equal(t, "B", all[0].Holder)
	assert.Empty(t, m.List("A"))
}

func TestPutDropReset(t *testing.T) {
	m := NewBorrowManager()
	rec := Record{Key: key(5), Holder: "A", Acquired: 3}

	m.Put(rec)
	got, ok := m.Holder(key(5))
	require.True(t, ok)
	assert.Equal(t, rec, got)

	m.Drop(key(5))
	_, ok = m.Holder(key(5))
	assert.False(t, ok)

	_, _ = m.Checkout(key(6), "B", 1)
	m.Reset([]Record{rec})
	assert.Equal(t, []Record{rec}, m.List(""))
}

func TestRecordEncoding(t *testing.T) {
	rec := Record{Key: Key{Tree: "parts", ID: keys.ID{Hi: 1, Lo: 2}}, Holder: "A", Acquired: 77}
	data, err := rec.MarshalBinary()
	require.NoError(t, err)

	var back Record
	require.NoError(t, back.UnmarshalBinary(data))
	assert.Equal(t, rec, back)
	assert.Error(t, back.UnmarshalBinary(data[:3]))
}

func TestReaper(t *testing.T) {
	r := NewReaper(time.Minute)
	start := time.Unix(1000, 0)

	r.Schedule("A", start)
	r.Schedule("B", start.Add(30*time.Second))
	assert.True(t, r.Pending("A"))

	assert.Empty(t, r.Expired(start.Add(59*time.Second)))
	assert.Equal(t, []string{"A"}, r.Expired(start.Add(61*time.Second)))

	r.Cancel("B")
	assert.False(t, r.Pending("B"))
	assert.Empty(t, r.Expired(start.Add(time.Hour)))
}

func TestReaperDisabled(t *testing.T) {
	r := NewReaper(0)
	r.Schedule("A", time.Unix(0, 0))
	assert.False(t, r.Pending("A"))
	assert.Empty(t, r.Expired(time.Now()))
}

func TestListCodecs(t *testing.T) {
	ks := []Key{key(1), {Tree: "orders", ID: keys.ID{Hi: 1, Lo: 2}}}
	gotKeys, err := DecodeKeys(EncodeKeys(ks))
	require.NoError(t, err)
	assert.Equal(t, ks, gotKeys)

	rs := []Record{{Key: key(1), Holder: "A", Acquired: 5}}
	gotRecords, err := DecodeRecords(EncodeRecords(rs))
	require.NoError(t, err)
	assert.Equal(t, rs, gotRecords)

	os := []Outcome{{Key: key(1), Granted: true, Holder: "A"}, {Key: key(2), Holder: "B"}}
	gotOutcomes, err := DecodeOutcomes(EncodeOutcomes(os))
	require.NoError(t, err)
	assert.Equal(t, os, gotOutcomes)

	empty, err := DecodeKeys(EncodeKeys(nil))
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = DecodeRecords([]byte{0, 0, 0, 3, 1})
	assert.ErrorIs(t, err, errs.ErrInvalid)
}
