package testing

import (
	"bytes"
	"fmt"
	"sync"
	"testing"

	"github.com/ValentinKolb/tKV/lib/db"
)

// DBFactory is a function that creates a new, empty instance of a KVDB implementation.
// Implementations that need a directory should use tb.TempDir().
type DBFactory func(tb testing.TB) db.KVDB

// RunKVDBTests runs a comprehensive test suite for a KVDB implementation.
func RunKVDBTests(t *testing.T, name string, factory DBFactory) {
	t.Run(name, func(t *testing.T) {
		t.Run("Commit&Get", func(t *testing.T) {
			testCommitGet(t, factory(t))
		})

		t.Run("Delete", func(t *testing.T) {
			testDelete(t, factory(t))
		})

		t.Run("Has", func(t *testing.T) {
			testHas(t, factory(t))
		})

		t.Run("TreeIsolation", func(t *testing.T) {
			testTreeIsolation(t, factory(t))
		})

		t.Run("BatchOrder", func(t *testing.T) {
			testBatchOrder(t, factory(t))
		})

		t.Run("Scan", func(t *testing.T) {
			testScan(t, factory(t))
		})

		t.Run("ScanLarge", func(t *testing.T) {
			testScanLarge(t, factory(t))
		})

		t.Run("Trees", func(t *testing.T) {
			testTrees(t, factory(t))
		})

		t.Run("WriteIdx", func(t *testing.T) {
			testWriteIdx(t, factory(t))
		})

		t.Run("SaveLoad", func(t *testing.T) {
			testSaveLoad(t, factory)
		})

		t.Run("EdgeCases", func(t *testing.T) {
			testEdgeCases(t, factory(t))
		})

		t.Run("ConcurrentBatches", func(t *testing.T) {
			testConcurrentBatches(t, factory(t))
		})

		t.Run("Closed", func(t *testing.T) {
			testClosed(t, factory(t))
		})
	})
}

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

// Checks if the database supports the specified feature
// Skip the test if it is not supported
func requireFeature(t testing.TB, database db.KVDB, feature db.Feature) {
	if !database.SupportsFeature(feature) {
		t.Skip()
	}
}

func commit(t testing.TB, database db.KVDB, b *db.Batch) {
	t.Helper()
	if err := database.Commit(b); err != nil {
		t.Fatalf("Unexpected error during Commit: %v", err)
	}
}

func mustGet(t testing.TB, database db.KVDB, tree string, key []byte) ([]byte, bool) {
	t.Helper()
	value, ok, err := database.Get(tree, key)
	if err != nil {
		t.Fatalf("Unexpected error during Get: %v", err)
	}
	return value, ok
}

func scanKeys(t testing.TB, database db.KVDB, tree string, from, to []byte) []string {
	t.Helper()
	var keys []string
	err := database.Scan(tree, from, to, func(key, _ []byte) bool {
		keys = append(keys, string(key))
		return true
	})
	if err != nil {
		t.Fatalf("Unexpected error during Scan: %v", err)
	}
	return keys
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// --------------------------------------------------------------------------
// Test functions
// --------------------------------------------------------------------------

func testCommitGet(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureBatch|db.FeatureGet)

	testKey := []byte("test-key")
	testValue1 := []byte("test-value1")
	testValue2 := []byte("test-value2")

	commit(t, database, db.NewBatch().Set("t", testKey, testValue1))

	result, exists := mustGet(t, database, "t", testKey)
	if !exists {
		t.Errorf("Expected key %s to exist after Commit", testKey)
	}
	if !bytes.Equal(result, testValue1) {
		t.Errorf("Expected value %s, got %s", testValue1, result)
	}

	commit(t, database, db.NewBatch().Set("t", testKey, testValue2))

	result, _ = mustGet(t, database, "t", testKey)
	if !bytes.Equal(result, testValue2) {
		t.Errorf("Expected value %s, got %s", testValue2, result)
	}

	if _, exists = mustGet(t, database, "t", []byte("nonexistent-key")); exists {
		t.Errorf("Expected nonexistent key to return exists=false")
	}

	retrievedValue, _ := mustGet(t, database, "t", testKey)
	retrievedValue[0] = 'X'

	originalValue, _ := mustGet(t, database, "t", testKey)
	if bytes.Equal(retrievedValue, originalValue) {
		t.Errorf("Get should return a copy, not a reference to the stored value")
	}

	// the batch copies its input, reusing the buffer must not change the stored value
	buf := []byte("buffer-value")
	b := db.NewBatch().Set("t", []byte("buf"), buf)
	buf[0] = 'X'
	commit(t, database, b)
	if result, _ = mustGet(t, database, "t", []byte("buf")); string(result) != "buffer-value" {
		t.Errorf("Batch should copy values, got %s", result)
	}
}

func testDelete(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureBatch|db.FeatureGet)

	key := []byte("delete-me")
	commit(t, database, db.NewBatch().Set("t", key, []byte("v")))
	commit(t, database, db.NewBatch().Delete("t", key))

	if _, exists := mustGet(t, database, "t", key); exists {
		t.Errorf("Expected key %s to be deleted", key)
	}

	// deleting a missing key is not an error
	commit(t, database, db.NewBatch().Delete("t", []byte("never-existed")))
	commit(t, database, db.NewBatch().Delete("missing-tree", key))
}

func testHas(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureBatch|db.FeatureGet)

	commit(t, database, db.NewBatch().Set("t", []byte("present"), []byte("v")))

	if ok, err := database.Has("t", []byte("present")); err != nil || !ok {
		t.Errorf("Expected Has to report present key, got %v (%v)", ok, err)
	}
	if ok, err := database.Has("t", []byte("absent")); err != nil || ok {
		t.Errorf("Expected Has to report absent key, got %v (%v)", ok, err)
	}
	if ok, err := database.Has("other", []byte("present")); err != nil || ok {
		t.Errorf("Expected Has to respect trees, got %v (%v)", ok, err)
	}
}

func testTreeIsolation(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureBatch|db.FeatureGet|db.FeatureScan)

	// "ab" + "c" and "a" + "bc" must not collide
	commit(t, database, db.NewBatch().
		Set("ab", []byte("c"), []byte("first")).
		Set("a", []byte("bc"), []byte("second")))

	v1, _ := mustGet(t, database, "ab", []byte("c"))
	v2, _ := mustGet(t, database, "a", []byte("bc"))
	if string(v1) != "first" || string(v2) != "second" {
		t.Errorf("Trees leaked into each other: %q %q", v1, v2)
	}

	if keys := scanKeys(t, database, "a", nil, nil); !equalStrings(keys, []string{"bc"}) {
		t.Errorf("Scan of tree a returned %v", keys)
	}
}

func testBatchOrder(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureBatch|db.FeatureGet)

	// later operations of a batch win
	commit(t, database, db.NewBatch().
		Set("t", []byte("k"), []byte("one")).
		Delete("t", []byte("k")).
		Set("t", []byte("k"), []byte("two")).
		Set("t", []byte("gone"), []byte("x")).
		Delete("t", []byte("gone")))

	if v, _ := mustGet(t, database, "t", []byte("k")); string(v) != "two" {
		t.Errorf("Expected last write to win, got %q", v)
	}
	if _, ok := mustGet(t, database, "t", []byte("gone")); ok {
		t.Errorf("Expected key deleted within the batch to be absent")
	}
}

func testScan(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureBatch|db.FeatureScan)

	b := db.NewBatch()
	for _, k := range []string{"d", "a", "c", "b", "e"} {
		b.Set("t", []byte(k), []byte("v-"+k))
	}
	b.Set("u", []byte("a"), []byte("other tree"))
	commit(t, database, b)

	tests := []struct {
		name     string
		from, to []byte
		want     []string
	}{
		{"all", nil, nil, []string{"a", "b", "c", "d", "e"}},
		{"from", []byte("c"), nil, []string{"c", "d", "e"}},
		{"to", nil, []byte("c"), []string{"a", "b"}},
		{"range", []byte("b"), []byte("d"), []string{"b", "c"}},
		{"between keys", []byte("bb"), []byte("dd"), []string{"c", "d"}},
		{"empty", []byte("x"), nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := scanKeys(t, database, "t", tt.from, tt.to); !equalStrings(got, tt.want) {
				t.Errorf("Scan(%q, %q) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}

	// stop early
	var seen int
	err := database.Scan("t", nil, nil, func(key, value []byte) bool {
		seen++
		if string(value) != "v-"+string(key) {
			t.Errorf("Unexpected value %q for key %q", value, key)
		}
		return seen < 2
	})
	if err != nil || seen != 2 {
		t.Errorf("Expected Scan to stop after 2 entries, saw %d (%v)", seen, err)
	}

	if got := scanKeys(t, database, "missing", nil, nil); len(got) != 0 {
		t.Errorf("Expected empty scan of missing tree, got %v", got)
	}
}

func testScanLarge(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureBatch|db.FeatureScan)

	numEntries := 2000
	b := db.NewBatch()
	for i := 0; i < numEntries; i++ {
		b.Set("t", []byte(fmt.Sprintf("key-%06d", i)), []byte(fmt.Sprintf("value-%d", i)))
	}
	commit(t, database, b)

	keys := scanKeys(t, database, "t", nil, nil)
	if len(keys) != numEntries {
		t.Fatalf("Expected %d keys, got %d", numEntries, len(keys))
	}
	for i, k := range keys {
		if k != fmt.Sprintf("key-%06d", i) {
			t.Fatalf("Key %d out of order: %s", i, k)
		}
	}

	// a callback that writes must not deadlock
	err := database.Scan("t", nil, []byte("key-000010"), func(key, _ []byte) bool {
		if err := database.Commit(db.NewBatch().Set("copy", key, key)); err != nil {
			t.Errorf("Commit inside Scan failed: %v", err)
			return false
		}
		return true
	})
	if err != nil {
		t.Errorf("Unexpected error during Scan: %v", err)
	}
	if got := scanKeys(t, database, "copy", nil, nil); len(got) != 10 {
		t.Errorf("Expected 10 copied keys, got %d", len(got))
	}
}

func testTrees(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureBatch)

	commit(t, database, db.NewBatch().
		Set("parts", []byte("1"), []byte("v")).
		Set("_meta", []byte("x"), []byte("v")).
		Set("orders", []byte("1"), []byte("v")))

	trees, err := database.Trees()
	if err != nil {
		t.Fatalf("Unexpected error during Trees: %v", err)
	}
	if !equalStrings(trees, []string{"_meta", "orders", "parts"}) {
		t.Errorf("Unexpected trees %v", trees)
	}

	commit(t, database, db.NewBatch().Delete("orders", []byte("1")))
	trees, _ = database.Trees()
	if !equalStrings(trees, []string{"_meta", "parts"}) {
		t.Errorf("Expected empty tree to disappear, got %v", trees)
	}
}

func testWriteIdx(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureBatch)

	if database.WriteIdx() != 0 {
		t.Errorf("Expected fresh database to start at write index 0, got %d", database.WriteIdx())
	}

	commit(t, database, db.NewBatch().Set("t", []byte("a"), []byte("1")).SetWriteIdx(5))
	if database.WriteIdx() != 5 {
		t.Errorf("Expected write index 5, got %d", database.WriteIdx())
	}

	// batches without index and with a lower index keep the current one
	commit(t, database, db.NewBatch().Set("t", []byte("b"), []byte("2")))
	commit(t, database, db.NewBatch().Set("t", []byte("c"), []byte("3")).SetWriteIdx(3))
	if database.WriteIdx() != 5 {
		t.Errorf("Expected write index to stay at 5, got %d", database.WriteIdx())
	}

	commit(t, database, db.NewBatch().SetWriteIdx(9))
	if database.WriteIdx() != 9 {
		t.Errorf("Expected empty batch to advance write index to 9, got %d", database.WriteIdx())
	}
}

func testSaveLoad(t *testing.T, factory DBFactory) {
	database := factory(t)
	database2 := factory(t)

	// close the databases after the test
	defer database.Close()
	defer database2.Close()

	requireFeature(t, database, db.FeatureBatch|db.FeatureGet|db.FeatureSave|db.FeatureLoad)

	numEntries := 1000
	b := db.NewBatch()
	for i := 0; i < numEntries; i++ {
		tree := fmt.Sprintf("tree-%d", i%3)
		b.Set(tree, []byte(fmt.Sprintf("save-load-test-key-%d", i)), []byte(fmt.Sprintf("save-load-test-value-%d", i)))
	}
	b.SetWriteIdx(42)
	commit(t, database, b)

	// stale content of the target must be replaced
	commit(t, database2, db.NewBatch().Set("stale", []byte("k"), []byte("v")))

	var buf bytes.Buffer
	if err := database.Save(&buf); err != nil {
		t.Fatalf("Unexpected error during Save: %v", err)
	}

	if err := database2.Load(&buf); err != nil {
		t.Fatalf("Unexpected error during Load: %v", err)
	}

	for i := 0; i < numEntries; i++ {
		tree := fmt.Sprintf("tree-%d", i%3)
		key := []byte(fmt.Sprintf("save-load-test-key-%d", i))
		expectedValue := []byte(fmt.Sprintf("save-load-test-value-%d", i))

		actualValue, exists := mustGet(t, database2, tree, key)
		if !exists {
			t.Errorf("Key %s not found after Load", key)
			continue
		}
		if !bytes.Equal(actualValue, expectedValue) {
			t.Errorf("Value mismatch for key %s: expected %s, got %s", key, expectedValue, actualValue)
		}
	}

	if _, ok := mustGet(t, database2, "stale", []byte("k")); ok {
		t.Errorf("Expected Load to drop previous content")
	}
	if database2.WriteIdx() != 42 {
		t.Errorf("Expected write index 42 after Load, got %d", database2.WriteIdx())
	}

	trees, _ := database2.Trees()
	if !equalStrings(trees, []string{"tree-0", "tree-1", "tree-2"}) {
		t.Errorf("Unexpected trees after Load: %v", trees)
	}
}

func testEdgeCases(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureBatch|db.FeatureGet|db.FeatureScan)

	t.Run("EmptyValue", func(t *testing.T) {
		commit(t, database, db.NewBatch().Set("t", []byte("empty"), []byte{}))
		value, exists := mustGet(t, database, "t", []byte("empty"))
		if !exists || len(value) != 0 {
			t.Errorf("Expected empty value to be stored, got %q (%v)", value, exists)
		}
	})

	t.Run("BinaryKeys", func(t *testing.T) {
		keys := [][]byte{{0x00}, {0x00, 0x00}, {0x00, 0xff}, {0xff}, {0xff, 0xff, 0xff}}
		b := db.NewBatch()
		for _, k := range keys {
			b.Set("bin", k, k)
		}
		commit(t, database, b)

		var got [][]byte
		err := database.Scan("bin", nil, nil, func(key, value []byte) bool {
			if !bytes.Equal(key, value) {
				t.Errorf("Value mismatch for binary key %x", key)
			}
			got = append(got, append([]byte(nil), key...))
			return true
		})
		if err != nil {
			t.Fatalf("Unexpected error during Scan: %v", err)
		}
		if len(got) != len(keys) {
			t.Fatalf("Expected %d binary keys, got %d", len(keys), len(got))
		}
		for i := range keys {
			if !bytes.Equal(got[i], keys[i]) {
				t.Errorf("Binary key %d: expected %x, got %x", i, keys[i], got[i])
			}
		}
	})

	t.Run("LargeValue", func(t *testing.T) {
		largeValue := make([]byte, 1024*1024) // 1 MB
		for i := range largeValue {
			largeValue[i] = byte(i % 256)
		}
		commit(t, database, db.NewBatch().Set("t", []byte("large"), largeValue))
		value, _ := mustGet(t, database, "t", []byte("large"))
		if !bytes.Equal(value, largeValue) {
			t.Errorf("Large value was not stored correctly")
		}
	})

	t.Run("EmptyBatch", func(t *testing.T) {
		commit(t, database, db.NewBatch())
	})
}

func testConcurrentBatches(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureBatch|db.FeatureGet|db.FeatureScan)

	const (
		writers   = 8
		perWriter = 50
	)

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				// both keys of a batch must become visible together
				b := db.NewBatch().
					Set("data", []byte(fmt.Sprintf("w%d-%03d", w, i)), []byte("x")).
					Set("log", []byte(fmt.Sprintf("w%d-%03d", w, i)), []byte("x"))
				if err := database.Commit(b); err != nil {
					t.Errorf("Unexpected error during Commit: %v", err)
					return
				}
			}
		}(w)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	// readers check that every log entry has its data entry
	for running := true; running; {
		select {
		case <-done:
			running = false
		default:
		}
		for _, k := range scanKeys(t, database, "log", nil, nil) {
			if ok, _ := database.Has("data", []byte(k)); !ok {
				t.Fatalf("Saw log entry %s without its data entry", k)
			}
		}
	}

	if got := len(scanKeys(t, database, "data", nil, nil)); got != writers*perWriter {
		t.Errorf("Expected %d entries, got %d", writers*perWriter, got)
	}
}

func testClosed(t *testing.T, database db.KVDB) {
	if err := database.Close(); err != nil {
		t.Fatalf("Unexpected error during Close: %v", err)
	}
	if err := database.Commit(db.NewBatch().Set("t", []byte("k"), []byte("v"))); err == nil {
		t.Errorf("Expected Commit on closed database to fail")
	}
	if _, _, err := database.Get("t", []byte("k")); err == nil {
		t.Errorf("Expected Get on closed database to fail")
	}
}
