package pebble

import (
	"testing"

	"github.com/ValentinKolb/tKV/lib/db"
	dbtesting "github.com/ValentinKolb/tKV/lib/db/testing"
	"github.com/cockroachdb/pebble/vfs"
)

func memFactory(tb testing.TB) db.KVDB {
	database, err := NewPebbleDB(&DBOptions{Dir: "", FS: vfs.NewMem(), CacheSize: 8 << 20})
	if err != nil {
		tb.Fatalf("open pebble: %v", err)
	}
	return database
}

func Test(t *testing.T) {
	dbtesting.RunKVDBTests(t, "PebbleDB", memFactory)
}

func TestReopen(t *testing.T) {
	dir := t.TempDir()

	database, err := NewPebbleDB(&DBOptions{Dir: dir})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	b := db.NewBatch().Set("parts", []byte("1"), []byte("bolt")).SetWriteIdx(7)
	if err := database.Commit(b); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := database.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	database, err = NewPebbleDB(&DBOptions{Dir: dir})
	if err != nil {
		t.Fatalf("reopen pebble: %v", err)
	}
	defer database.Close()

	if database.WriteIdx() != 7 {
		t.Errorf("Expected write index 7 after reopen, got %d", database.WriteIdx())
	}
	value, ok, err := database.Get("parts", []byte("1"))
	if err != nil || !ok || string(value) != "bolt" {
		t.Errorf("Expected committed value after reopen, got %q %v %v", value, ok, err)
	}
}

func TestPrefixEnd(t *testing.T) {
	tests := []struct {
		in, want []byte
	}{
		{[]byte{0x00, 0x01, 'a'}, []byte{0x00, 0x01, 'b'}},
		{[]byte{0x00, 0x01, 0xff}, []byte{0x00, 0x02}},
		{[]byte{0xff, 0xff}, keyspaceEnd},
	}
	for _, tt := range tests {
		if got := prefixEnd(tt.in); string(got) != string(tt.want) {
			t.Errorf("prefixEnd(%x) = %x, want %x", tt.in, got, tt.want)
		}
	}
}

func Benchmark(b *testing.B) {
	dbtesting.RunKVDBBenchmarks(b, "PebbleDB", memFactory)
}
