package index

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/tKV/lib/errs"
	"github.com/ValentinKolb/tKV/lib/events"
	"github.com/ValentinKolb/tKV/lib/keys"
	"github.com/ValentinKolb/tKV/lib/record"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// payloads are comma separated term lists
func splitTerms(env *record.Envelope) ([]string, error) {
	if string(env.Payload) == "bad" {
		return nil, errors.New("bad payload")
	}
	if len(env.Payload) == 0 {
		return nil, nil
	}
	return strings.Split(string(env.Payload), ","), nil
}

func change(kind events.Kind, id uint64, payload string) events.Change {
	env := record.New(keys.Uint64(id), record.SchemaVersion{Major: 1}, "A", 1, []byte(payload))
	return events.Change{Tree: "parts", Kind: kind, Envelope: env}
}

func TestNamedLookupAndSearch(t *testing.T) {
	idx := NewNamed("parts", splitTerms)

	require.NoError(t, idx.Apply(change(events.KindCreate, 1, "bolt,m6")))
	require.NoError(t, idx.Apply(change(events.KindCreate, 2, "bolt,m8")))
	require.NoError(t, idx.Apply(change(events.KindCreate, 3, "nut")))

	assert.Equal(t, []keys.ID{keys.Uint64(1), keys.Uint64(2)}, idx.Lookup("bolt"))
	assert.Equal(t, []keys.ID{keys.Uint64(1), keys.Uint64(2)}, idx.Search("m"))
	assert.Nil(t, idx.Lookup("washer"))
	assert.Equal(t, 3, idx.Len())

	// edit moves the record to other terms
	require.NoError(t, idx.Apply(change(events.KindEdit, 1, "screw")))
	assert.Equal(t, []keys.ID{keys.Uint64(2)}, idx.Lookup("bolt"))
	assert.Equal(t, []string{"screw"}, idx.Terms(keys.Uint64(1)))

	// tombstones leave the index
	del := change(events.KindDelete, 3, "")
	del.Envelope.Deleted = true
	require.NoError(t, idx.Apply(del))
	assert.Nil(t, idx.Lookup("nut"))
	assert.Equal(t, 2, idx.Len())
}

func TestNamedNormalizesTerms(t *testing.T) {
	idx := NewNamed("parts", splitTerms, CaseInsensitive(), TrimWhitespace(), IgnoreChars("-_"))

	require.NoError(t, idx.Apply(change(events.KindCreate, 1, " M6-Bolt ,NUT_A")))
	assert.Equal(t, []string{"m6bolt", "nuta"}, idx.Terms(keys.Uint64(1)))

	// lookups are normalized like the indexed terms
	assert.Equal(t, []keys.ID{keys.Uint64(1)}, idx.Lookup("m6_BOLT"))
	assert.Equal(t, []keys.ID{keys.Uint64(1)}, idx.Lookup("  nut-a"))
	assert.Equal(t, []keys.ID{keys.Uint64(1)}, idx.Search("M6-"))

	// the default is an exact match
	exact := NewNamed("parts", splitTerms)
	require.NoError(t, exact.Apply(change(events.KindCreate, 1, "M6-Bolt")))
	assert.Nil(t, exact.Lookup("m6-bolt"))
	assert.Equal(t, []keys.ID{keys.Uint64(1)}, exact.Lookup("M6-Bolt"))
}

func TestNamedUniqueRejectsDuplicates(t *testing.T) {
	idx := NewNamed("parts", splitTerms, Unique(), CaseInsensitive(), IgnoreChars(" "))

	require.NoError(t, idx.Apply(change(events.KindCreate, 1, "M6 Bolt")))

	err := idx.Apply(change(events.KindCreate, 2, "m6bolt"))
	assert.ErrorIs(t, err, errs.ErrConflict)
	assert.Empty(t, idx.Terms(keys.Uint64(2)))

	id, ok := idx.Get("m6 BOLT")
	require.True(t, ok)
	assert.Equal(t, keys.Uint64(1), id)

	// a record may keep its own term and rename itself
	require.NoError(t, idx.Apply(change(events.KindEdit, 1, "M6bolt")))
	require.NoError(t, idx.Apply(change(events.KindEdit, 1, "m8 bolt")))
	_, ok = idx.Get("m6bolt")
	assert.False(t, ok)

	// the freed term can be taken by another record
	require.NoError(t, idx.Apply(change(events.KindCreate, 2, "m6bolt")))
	id, _ = idx.Get("m6bolt")
	assert.Equal(t, keys.Uint64(2), id)

	// a failed update is logged by the hooks, the index keeps the old entry
	hooks := NewHooks(0)
	hooks.Register("parts", idx)
	assert.Equal(t, 1, hooks.Run(change(events.KindEdit, 2, "m8bolt")))
	assert.Equal(t, []string{"m6bolt"}, idx.Terms(keys.Uint64(2)))
}

func TestNamedIgnoresOtherTreesAndBorrows(t *testing.T) {
	idx := NewNamed("parts", splitTerms)

	other := change(events.KindCreate, 1, "bolt")
	other.Tree = "orders"
	require.NoError(t, idx.Apply(other))
	require.NoError(t, idx.Apply(events.Change{Tree: "parts", Kind: events.KindCheckout}))
	assert.Equal(t, 0, idx.Len())
}

func TestNamedCloneSharesData(t *testing.T) {
	idx := NewNamed("parts", splitTerms)
	clone := idx.Clone()

	require.NoError(t, idx.Apply(change(events.KindCreate, 7, "gear")))
	assert.Equal(t, []keys.ID{keys.Uint64(7)}, clone.Lookup("gear"))
	assert.Equal(t, "parts", clone.Tree())
}

func TestNamedConcurrentReaders(t *testing.T) {
	idx := NewNamed("parts", splitTerms)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := uint64(1); i <= 200; i++ {
			_ = idx.Apply(change(events.KindCreate, i, "bolt"))
		}
	}()
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func(reader *Named) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				_ = reader.Lookup("bolt")
				_ = reader.Search("b")
			}
		}(idx.Clone())
	}
	wg.Wait()
	assert.Len(t, idx.Lookup("bolt"), 200)
}

func TestHooksRunAndLogFailures(t *testing.T) {
	hooks := NewHooks(0)
	var seen []string

	hooks.Register("parts", HookFunc(func(c events.Change) error {
		seen = append(seen, "parts:"+c.Kind.String())
		return nil
	}))
	hooks.Register("", HookFunc(func(c events.Change) error {
		seen = append(seen, "all:"+c.Tree)
		return nil
	}))
	hooks.Register("parts", HookFunc(func(c events.Change) error {
		return errors.New("index unavailable")
	}))
	hooks.Register("parts", HookFunc(func(c events.Change) error {
		panic("boom")
	}))

	failed := hooks.Run(events.Change{Tree: "parts", Kind: events.KindEdit})
	assert.Equal(t, 2, failed)
	assert.Equal(t, []string{"parts:Edit", "all:parts"}, seen)

	failed = hooks.Run(events.Change{Tree: "orders", Kind: events.KindCreate})
	assert.Equal(t, 0, failed)
	assert.Equal(t, "all:orders", seen[len(seen)-1])
}

func TestHooksSlowHookStillCompletes(t *testing.T) {
	hooks := NewHooks(time.Millisecond)
	done := false
	hooks.Register("parts", HookFunc(func(c events.Change) error {
		time.Sleep(10 * time.Millisecond)
		done = true
		return nil
	}))

	assert.Equal(t, 0, hooks.Run(events.Change{Tree: "parts"}))
	assert.True(t, done)
}
