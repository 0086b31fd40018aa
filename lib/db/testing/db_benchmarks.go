package testing

import (
	"bytes"
	"fmt"
	"math/rand"
	"sync/atomic"
	"testing"

	"github.com/ValentinKolb/tKV/lib/db"
)

// RunKVDBBenchmarks runs all benchmarks for a key-value database implementations
func RunKVDBBenchmarks(b *testing.B, name string, factory DBFactory) {

	b.Run("Commit", func(b *testing.B) {
		benchmarkCommit(b, factory(b))
	})

	b.Run("CommitExisting", func(b *testing.B) {
		benchmarkCommitExisting(b, factory(b))
	})

	b.Run("CommitRecordBatch", func(b *testing.B) {
		benchmarkCommitRecordBatch(b, factory(b))
	})

	b.Run("CommitLargeValue", func(b *testing.B) {
		benchmarkCommitLargeValue(b, factory(b))
	})

	b.Run("Get", func(b *testing.B) {
		benchmarkGet(b, factory(b))
	})

	b.Run("Has(not)", func(b *testing.B) {
		benchmarkHasNot(b, factory(b))
	})

	b.Run("Scan", func(b *testing.B) {
		benchmarkScan(b, factory(b))
	})

	b.Run("SaveLoad", func(b *testing.B) {
		benchmarkSaveLoad(b, factory)
	})

	b.Run("MixedUsage", func(b *testing.B) {
		benchmarkMixedUsage(b, factory(b))
	})
}

// --------------------------------------------------------------------------
// Benchmark functions
// --------------------------------------------------------------------------

// Benchmark for single key batches
func benchmarkCommit(b *testing.B, database db.KVDB) {

	b.Cleanup(func() {
		database.Close()
	})

	requireFeature(b, database, db.FeatureBatch)

	var counter atomic.Uint64
	value := []byte("benchmark-value")

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			key := []byte(fmt.Sprintf("key-%d", counter.Add(1)))
			_ = database.Commit(db.NewBatch().Set("bench", key, value))
		}
	})
}

// Benchmark for overwriting a fixed set of keys
func benchmarkCommitExisting(b *testing.B, database db.KVDB) {

	b.Cleanup(func() {
		database.Close()
	})

	requireFeature(b, database, db.FeatureBatch)

	numKeys := 1000
	keys := make([][]byte, numKeys)
	setup := db.NewBatch()
	for i := 0; i < numKeys; i++ {
		keys[i] = []byte(fmt.Sprintf("existing-key-%d", i))
		setup.Set("bench", keys[i], []byte("initial"))
	}
	_ = database.Commit(setup)

	value := []byte("updated-value")

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		r := rand.New(rand.NewSource(rand.Int63()))
		for pb.Next() {
			_ = database.Commit(db.NewBatch().Set("bench", keys[r.Intn(numKeys)], value))
		}
	})
}

// Benchmark for the batch shape the store commits for a record edit:
// record + log entry + cursor + range state
func benchmarkCommitRecordBatch(b *testing.B, database db.KVDB) {

	b.Cleanup(func() {
		database.Close()
	})

	requireFeature(b, database, db.FeatureBatch)

	payload := bytes.Repeat([]byte("p"), 256)
	var cursor atomic.Uint64

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			c := cursor.Add(1)
			key := []byte(fmt.Sprintf("%020d", c))
			batch := db.NewBatch().
				Set("parts", key, payload).
				Set("_log/parts", key, payload).
				Set("_meta", []byte("cursor/parts"), key).
				SetWriteIdx(c)
			_ = database.Commit(batch)
		}
	})
}

// Benchmark for large values
func benchmarkCommitLargeValue(b *testing.B, database db.KVDB) {

	b.Cleanup(func() {
		database.Close()
	})

	requireFeature(b, database, db.FeatureBatch)

	largeValue := make([]byte, 1024*1024) // 1 MB
	for i := range largeValue {
		largeValue[i] = byte(i % 256)
	}
	var counter atomic.Uint64

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			key := []byte(fmt.Sprintf("large-key-%d", counter.Add(1)%16))
			_ = database.Commit(db.NewBatch().Set("bench", key, largeValue))
		}
	})
}

// Benchmark for Get operation
func benchmarkGet(b *testing.B, database db.KVDB) {

	b.Cleanup(func() {
		database.Close()
	})

	requireFeature(b, database, db.FeatureBatch|db.FeatureGet)

	numKeys := 10000
	keys := make([][]byte, numKeys)
	setup := db.NewBatch()
	for i := 0; i < numKeys; i++ {
		keys[i] = []byte(fmt.Sprintf("get-key-%d", i))
		setup.Set("bench", keys[i], []byte(fmt.Sprintf("value-%d", i)))
	}
	_ = database.Commit(setup)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		r := rand.New(rand.NewSource(rand.Int63()))
		for pb.Next() {
			_, _, _ = database.Get("bench", keys[r.Intn(numKeys)])
		}
	})
}

// Benchmark for Has operation on missing keys
func benchmarkHasNot(b *testing.B, database db.KVDB) {

	b.Cleanup(func() {
		database.Close()
	})

	requireFeature(b, database, db.FeatureGet)

	var counter atomic.Uint64

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			_, _ = database.Has("bench", []byte(fmt.Sprintf("missing-%d", counter.Add(1))))
		}
	})
}

// Benchmark for scanning 100 entries from a random position
func benchmarkScan(b *testing.B, database db.KVDB) {

	b.Cleanup(func() {
		database.Close()
	})

	requireFeature(b, database, db.FeatureBatch|db.FeatureScan)

	numKeys := 10000
	setup := db.NewBatch()
	for i := 0; i < numKeys; i++ {
		setup.Set("bench", []byte(fmt.Sprintf("scan-key-%06d", i)), []byte("v"))
	}
	_ = database.Commit(setup)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		r := rand.New(rand.NewSource(rand.Int63()))
		for pb.Next() {
			from := []byte(fmt.Sprintf("scan-key-%06d", r.Intn(numKeys)))
			n := 0
			_ = database.Scan("bench", from, nil, func(_, _ []byte) bool {
				n++
				return n < 100
			})
		}
	})
}

// Benchmark for Save and Load operations
func benchmarkSaveLoad(b *testing.B, factory DBFactory) {
	database := factory(b)

	b.Cleanup(func() {
		database.Close()
	})

	requireFeature(b, database, db.FeatureBatch|db.FeatureSave|db.FeatureLoad)

	numEntries := 10000
	setup := db.NewBatch()
	for i := 0; i < numEntries; i++ {
		setup.Set(fmt.Sprintf("tree-%d", i%10), []byte(fmt.Sprintf("key-%d", i)), []byte(fmt.Sprintf("value-%d", i)))
	}
	_ = database.Commit(setup)

	b.Run("Save", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			var buf bytes.Buffer
			if err := database.Save(&buf); err != nil {
				b.Fatalf("Save failed: %v", err)
			}
		}
	})

	var saved bytes.Buffer
	if err := database.Save(&saved); err != nil {
		b.Fatalf("Save failed: %v", err)
	}

	b.Run("Load", func(b *testing.B) {
		target := factory(b)
		defer target.Close()
		for i := 0; i < b.N; i++ {
			if err := target.Load(bytes.NewReader(saved.Bytes())); err != nil {
				b.Fatalf("Load failed: %v", err)
			}
		}
	})
}

// Benchmark for a read heavy mix (80% Get, 15% Commit, 5% Scan)
func benchmarkMixedUsage(b *testing.B, database db.KVDB) {

	b.Cleanup(func() {
		database.Close()
	})

	requireFeature(b, database, db.FeatureBatch|db.FeatureGet|db.FeatureScan)

	numKeys := 1000
	keys := make([][]byte, numKeys)
	setup := db.NewBatch()
	for i := 0; i < numKeys; i++ {
		keys[i] = []byte(fmt.Sprintf("mixed-key-%04d", i))
		setup.Set("bench", keys[i], []byte("initial"))
	}
	_ = database.Commit(setup)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		r := rand.New(rand.NewSource(rand.Int63()))
		for pb.Next() {
			key := keys[r.Intn(numKeys)]
			switch op := r.Intn(100); {
			case op < 80:
				_, _, _ = database.Get("bench", key)
			case op < 95:
				_ = database.Commit(db.NewBatch().Set("bench", key, []byte("updated")))
			default:
				n := 0
				_ = database.Scan("bench", key, nil, func(_, _ []byte) bool {
					n++
					return n < 10
				})
			}
		}
	})
}
