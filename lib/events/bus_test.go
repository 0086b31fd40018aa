package events

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/tKV/lib/borrow"
	"github.com/ValentinKolb/tKV/lib/keys"
	"github.com/ValentinKolb/tKV/lib/record"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, s *Subscription) Change {
	t.Helper()
	select {
	case c, ok := <-s.C():
		require.True(t, ok, "subscription closed")
		return *c
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for change")
	}
	return Change{}
}

func TestBusRoutesByTree(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	parts := bus.Subscribe("parts")
	all := bus.Subscribe(AllTrees)
	defer parts.Close()
	defer all.Close()

	bus.Publish(Change{Tree: "orders", Cursor: 1, Kind: KindCreate})
	bus.Publish(Change{Tree: "parts", Cursor: 1, Kind: KindCreate})

	assert.Equal(t, "parts", recv(t, parts).Tree)
	assert.Equal(t, "orders", recv(t, all).Tree)
	assert.Equal(t, "parts", recv(t, all).Tree)
	assert.Equal(t, 2, bus.Subscribers())
}

func TestBusKeepsPublishOrder(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe("parts")
	defer sub.Close()

	const n = 500
	go func() {
		for i := 1; i <= n; i++ {
			bus.Publish(Change{Tree: "parts", Cursor: uint64(i), Kind: KindEdit})
		}
	}()

	for i := 1; i <= n; i++ {
		assert.Equal(t, uint64(i), recv(t, sub).Cursor)
	}
}

func TestBusSlowSubscriberDoesNotBlock(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	slow := bus.Subscribe(AllTrees)
	defer slow.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			bus.Publish(Change{Tree: "parts", Cursor: uint64(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish blocked on a subscriber that does not read")
	}
}

func TestSubscriptionClose(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe("parts")
	sub.Close()
	assert.Equal(t, 0, bus.Subscribers())

	// publishing after close must not panic
	bus.Publish(Change{Tree: "parts"})

	_, ok := <-sub.C()
	assert.False(t, ok)
}

func TestBusCloseEndsSubscriptions(t *testing.T) {
	bus := NewBus()
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		sub := bus.Subscribe(fmt.Sprintf("tree-%d", i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range sub.C() {
			}
		}()
	}
	bus.Close()
	wg.Wait()

	late := bus.Subscribe("parts")
	_, ok := <-late.C()
	assert.False(t, ok)
}

func TestChangeEncoding(t *testing.T) {
	env := record.New(keys.Uint64(1000), record.SchemaVersion{Major: 1}, "A", 5, []byte("payload"))
	rec := borrow.Record{Key: borrow.Key{Tree: "parts", ID: keys.Uint64(1000)}, Holder: "A", Acquired: 6}
	rng := keys.Range{Tree: "parts", Start: keys.Uint64(1000), End: keys.Uint64(1010), Client: "A", Seq: 1}

	for _, c := range []Change{
		{Tree: "parts", Cursor: 1, Kind: KindRangeGrant, Client: "A", Range: &rng},
		{Tree: "parts", Cursor: 2, Kind: KindCreate, Client: "A", Envelope: env},
		{Tree: "parts", Cursor: 3, Kind: KindCheckout, Client: "A", Borrow: &rec},
	} {
		t.Run(c.Kind.String(), func(t *testing.T) {
			data, err := c.MarshalBinary()
			require.NoError(t, err)
			back, err := DecodeChange(data)
			require.NoError(t, err)
			assert.Equal(t, c, back)
		})
	}

	_, err := DecodeChange([]byte{1})
	assert.Error(t, err)
}

func TestKindJSON(t *testing.T) {
	data, err := KindRevoke.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"Revoke"`, string(data))

	var k Kind
	require.NoError(t, k.UnmarshalJSON(data))
	assert.Equal(t, KindRevoke, k)
	assert.Error(t, k.UnmarshalJSON([]byte(`"Nope"`)))
}
