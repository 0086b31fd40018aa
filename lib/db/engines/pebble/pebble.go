package pebble

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/tKV/lib/db"
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

// --------------------------------------------------------------------------
// Key Layout
// --------------------------------------------------------------------------

/*
All trees share one pebble keyspace:

	treeLen (2 bytes, big endian) | tree | key

The length prefix keeps trees apart ("ab"+"c" never equals "a"+"bc") and makes
all keys of a tree contiguous. Tree names are shorter than 0xFFFF bytes, so
keys starting with 0xFFFF are free for engine metadata.
*/

var (
	metaPrefix  = []byte{0xff, 0xff}
	writeIdxKey = append(append([]byte(nil), metaPrefix...), []byte("writeIdx")...)
	keyspaceEnd = []byte{0xff, 0xff, 0xff, 0xff}
)

const (
	maxTreeLen    = 0xfffe
	loadBatchSize = 4096
)

func treePrefix(tree string) []byte {
	p := make([]byte, 2+len(tree))
	binary.BigEndian.PutUint16(p, uint16(len(tree)))
	copy(p[2:], tree)
	return p
}

func encodeKey(tree string, key []byte) []byte {
	k := make([]byte, 2+len(tree)+len(key))
	binary.BigEndian.PutUint16(k, uint16(len(tree)))
	copy(k[2:], tree)
	copy(k[2+len(tree):], key)
	return k
}

// decodeTree returns the tree name of an encoded key
func decodeTree(k []byte) (string, bool) {
	if len(k) < 2 {
		return "", false
	}
	n := int(binary.BigEndian.Uint16(k))
	if len(k) < 2+n {
		return "", false
	}
	return string(k[2 : 2+n]), true
}

// prefixEnd returns the smallest key greater than all keys starting with p
func prefixEnd(p []byte) []byte {
	end := append([]byte(nil), p...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return keyspaceEnd
}

// --------------------------------------------------------------------------
// Database Structure
// --------------------------------------------------------------------------

type pebbleImpl struct {
	pdb      *pebble.DB
	commitMu sync.Mutex // serializes write index updates
	writeIdx atomic.Uint64
	closed   atomic.Bool
	dir      string
}

// DBOptions configures the pebble engine
type DBOptions struct {
	Dir       string // data directory (required unless FS is an in-memory fs)
	FS        vfs.FS // file system (nil = os file system)
	CacheSize int64  // block cache size in bytes (0 = 64 MB)
}

// NewPebbleDB opens (or creates) a pebble database in opts.Dir.
// Batches are committed with fsync, so the engine is durable.
func NewPebbleDB(opts *DBOptions) (db.KVDB, error) {
	if opts == nil {
		return nil, fmt.Errorf("pebble: options are required")
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 64 << 20
	}

	cache := pebble.NewCache(opts.CacheSize)
	defer cache.Unref()

	pOpts := &pebble.Options{Cache: cache}
	if opts.FS != nil {
		pOpts.FS = opts.FS
	}

	pdb, err := pebble.Open(opts.Dir, pOpts)
	if err != nil {
		return nil, fmt.Errorf("pebble: open %s: %w", opts.Dir, err)
	}

	impl := &pebbleImpl{pdb: pdb, dir: opts.Dir}

	value, closer, err := pdb.Get(writeIdxKey)
	switch {
	case err == nil:
		if len(value) == 8 {
			impl.writeIdx.Store(binary.BigEndian.Uint64(value))
		}
		closer.Close()
	case errors.Is(err, pebble.ErrNotFound):
	default:
		pdb.Close()
		return nil, fmt.Errorf("pebble: read write index: %w", err)
	}

	return impl, nil
}

// --------------------------------------------------------------------------
// Interface Methods (docu see db.KVDB)
// --------------------------------------------------------------------------

func (p *pebbleImpl) Commit(b *db.Batch) error {
	if p.closed.Load() {
		return db.ErrClosed
	}

	batch := p.pdb.NewBatch()
	defer batch.Close()

	for _, op := range b.Ops() {
		if len(op.Tree) > maxTreeLen {
			return fmt.Errorf("pebble: tree name too long (%d bytes)", len(op.Tree))
		}
		k := encodeKey(op.Tree, op.Key)
		var err error
		if op.Delete {
			err = batch.Delete(k, nil)
		} else {
			err = batch.Set(k, op.Value, nil)
		}
		if err != nil {
			return err
		}
	}

	p.commitMu.Lock()
	defer p.commitMu.Unlock()

	newIdx := b.WriteIdx()
	advance := newIdx > p.writeIdx.Load()
	if advance {
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], newIdx)
		if err := batch.Set(writeIdxKey, buf[:], nil); err != nil {
			return err
		}
	}

	if batch.Empty() {
		return nil
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("pebble: commit: %w", err)
	}
	if advance {
		p.writeIdx.Store(newIdx)
	}
	return nil
}

func (p *pebbleImpl) Get(tree string, key []byte) ([]byte, bool, error) {
	if p.closed.Load() {
		return nil, false, db.ErrClosed
	}

	value, closer, err := p.pdb.Get(encodeKey(tree, key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer closer.Close()

	data := make([]byte, len(value))
	copy(data, value)
	return data, true, nil
}

func (p *pebbleImpl) Has(tree string, key []byte) (bool, error) {
	_, ok, err := p.Get(tree, key)
	return ok, err
}

func (p *pebbleImpl) Scan(tree string, from, to []byte, fn func(key, value []byte) bool) error {
	if p.closed.Load() {
		return db.ErrClosed
	}
	return scan(p.pdb.NewIter, tree, from, to, fn)
}

func (p *pebbleImpl) Trees() ([]string, error) {
	if p.closed.Load() {
		return nil, db.ErrClosed
	}
	return trees(p.pdb.NewIter)
}

func (p *pebbleImpl) Save(w io.Writer) error {
	if p.closed.Load() {
		return db.ErrClosed
	}

	// the pebble snapshot gives a consistent view while writes continue
	p.commitMu.Lock()
	snap := p.pdb.NewSnapshot()
	idx := p.writeIdx.Load()
	p.commitMu.Unlock()
	defer snap.Close()

	return db.WriteSnapshot(w, &snapshotView{snap: snap, writeIdx: idx})
}

func (p *pebbleImpl) Load(r io.Reader) error {
	if p.closed.Load() {
		return db.ErrClosed
	}

	p.commitMu.Lock()
	err := p.pdb.DeleteRange([]byte{}, keyspaceEnd, pebble.Sync)
	p.writeIdx.Store(0)
	p.commitMu.Unlock()
	if err != nil {
		return fmt.Errorf("pebble: clear before load: %w", err)
	}

	return db.LoadInto(r, p, loadBatchSize)
}

func (p *pebbleImpl) SupportsFeature(feature db.Feature) bool {
	supported := db.FeatureGet | db.FeatureScan | db.FeatureBatch | db.FeatureSave | db.FeatureLoad | db.FeatureDurable
	return supported&feature == feature
}

func (p *pebbleImpl) GetInfo() db.DatabaseInfo {
	info := db.DatabaseInfo{
		DbType: db.ImplPebble,
		SupportedFeatures: []db.Feature{
			db.FeatureGet, db.FeatureScan, db.FeatureBatch, db.FeatureSave, db.FeatureLoad, db.FeatureDurable,
		},
	}
	if p.closed.Load() {
		return info
	}

	m := p.pdb.Metrics()
	names, _ := p.Trees()

	info.SizeBytes = int(m.DiskSpaceUsage())
	info.Trees = len(names)
	info.Metadata = &struct {
		CurrentWriteIndex uint64 `json:"current_write_index"`
		Dir               string `json:"dir"`
		MemTableBytes     uint64 `json:"memtable_bytes"`
		Compactions       int64  `json:"compactions"`
		L0Files           int64  `json:"l0_files"`
	}{
		CurrentWriteIndex: p.writeIdx.Load(),
		Dir:               p.dir,
		MemTableBytes:     m.MemTable.Size,
		Compactions:       m.Compact.Count,
		L0Files:           m.Levels[0].NumFiles,
	}
	return info
}

func (p *pebbleImpl) WriteIdx() uint64 {
	return p.writeIdx.Load()
}

func (p *pebbleImpl) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	return p.pdb.Close()
}

// --------------------------------------------------------------------------
// Iteration (shared by the live db and snapshots)
// --------------------------------------------------------------------------

type iterFactory func(o *pebble.IterOptions) *pebble.Iterator

func scan(newIter iterFactory, tree string, from, to []byte, fn func(key, value []byte) bool) error {
	prefix := treePrefix(tree)

	lower := prefix
	if from != nil {
		lower = append(append([]byte(nil), prefix...), from...)
	}
	upper := prefixEnd(prefix)
	if to != nil {
		upper = append(append([]byte(nil), prefix...), to...)
	}

	iter := newIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	for iter.First(); iter.Valid(); iter.Next() {
		if !fn(iter.Key()[len(prefix):], iter.Value()) {
			break
		}
	}
	return iter.Close()
}

func trees(newIter iterFactory) ([]string, error) {
	iter := newIter(&pebble.IterOptions{UpperBound: metaPrefix})

	var names []string
	for valid := iter.First(); valid; {
		name, ok := decodeTree(iter.Key())
		if !ok {
			iter.Close()
			return nil, fmt.Errorf("pebble: malformed key %x", iter.Key())
		}
		names = append(names, name)
		valid = iter.SeekGE(prefixEnd(treePrefix(name)))
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}

	// keys are ordered by name length first
	sort.Strings(names)
	return names, nil
}

// snapshotView exposes a pebble snapshot as db.SnapshotSource
type snapshotView struct {
	snap     *pebble.Snapshot
	writeIdx uint64
}

func (v *snapshotView) Trees() ([]string, error) { return trees(v.snap.NewIter) }

func (v *snapshotView) Scan(tree string, from, to []byte, fn func(key, value []byte) bool) error {
	return scan(v.snap.NewIter, tree, from, to, fn)
}

func (v *snapshotView) WriteIdx() uint64 { return v.writeIdx }
