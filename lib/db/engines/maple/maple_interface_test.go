package maple

import (
	"testing"

	"github.com/ValentinKolb/tKV/lib/db"
	dbtesting "github.com/ValentinKolb/tKV/lib/db/testing"
)

func Test(t *testing.T) {
	dbtesting.RunKVDBTests(t, "MapleDB", func(testing.TB) db.KVDB {
		return NewMapleDB(nil)
	})
}

func TestSmallDegree(t *testing.T) {
	dbtesting.RunKVDBTests(t, "MapleDB(degree=2)", func(testing.TB) db.KVDB {
		return NewMapleDB(&DBOptions{Degree: 2})
	})
}

func Benchmark(b *testing.B) {
	dbtesting.RunKVDBBenchmarks(b, "MapleDB", func(testing.TB) db.KVDB {
		return NewMapleDB(nil)
	})
}

func TestGetInfoStatistics(t *testing.T) {
	kv := NewMapleDB(nil)
	defer kv.Close()

	b := db.NewBatch().
		Set("parts", []byte("a"), make([]byte, 10)).
		Set("parts", []byte("b"), make([]byte, 30)).
		Set("orders", []byte("a"), make([]byte, 20)).
		SetWriteIdx(3)
	if err := kv.Commit(b); err != nil {
		t.Fatalf("commit: %v", err)
	}

	info := kv.GetInfo()
	if info.Trees != 2 {
		t.Errorf("expected 2 trees, got %d", info.Trees)
	}
	meta, ok := info.Metadata.(*Metadata)
	if !ok {
		t.Fatalf("unexpected metadata type %T", info.Metadata)
	}
	if meta.Entries != 3 {
		t.Errorf("expected 3 entries, got %d", meta.Entries)
	}
	if meta.CurrentWriteIndex != 3 {
		t.Errorf("expected write index 3, got %d", meta.CurrentWriteIndex)
	}
	if meta.ValueSizes.Min != 10 || meta.ValueSizes.Max != 30 || meta.ValueSizes.Mean != 20 {
		t.Errorf("unexpected value sizes %+v", meta.ValueSizes)
	}
	if meta.TreeDistribution.Mean != 1.5 {
		t.Errorf("expected 1.5 entries per tree, got %v", meta.TreeDistribution.Mean)
	}
}
