package maple

import (
	"io"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/tKV/lib/db"
	"github.com/ValentinKolb/tKV/lib/db/engines/maple/internal"
	"github.com/ValentinKolb/tKV/lib/util"
)

// --------------------------------------------------------------------------
// Constants
// --------------------------------------------------------------------------

const (
	defaultDegree     = 32  // btree degree
	scanChunkSize     = 256 // entries collected per lock acquisition during Scan
	samplesPerTree    = 100 // values sampled per tree by GetInfo
	entryOverhead     = 48  // estimated bytes per entry besides key and value
	loadBatchSize     = 4096
	supportedFeatures = db.FeatureGet | db.FeatureScan | db.FeatureBatch | db.FeatureSave | db.FeatureLoad
)

// --------------------------------------------------------------------------
// Core Maple database structure
// --------------------------------------------------------------------------

// mapleImpl is an in-memory ordered database, one btree per tree
type mapleImpl struct {
	mu       sync.RWMutex
	trees    map[string]*internal.Tree
	degree   int
	writeIdx atomic.Uint64
	closed   atomic.Bool
}

// DBOptions configures the mapleImpl behavior during initialization
type DBOptions struct {
	Degree int // btree degree (0 = use default: 32)
}

// DefaultOptions returns the default mapleImpl options
func DefaultOptions() *DBOptions {
	return &DBOptions{
		Degree: defaultDegree,
	}
}

// --------------------------------------------------------------------------
// Initialization and Setup
// --------------------------------------------------------------------------

// NewMapleDB creates a new MapleDB instance with the specified options (optional).
// The content lives in memory only, use it for tests and ephemeral clients.
func NewMapleDB(opts *DBOptions) db.KVDB {
	if opts == nil {
		opts = DefaultOptions()
	}
	if opts.Degree < 2 {
		opts.Degree = defaultDegree
	}
	return &mapleImpl{
		trees:  make(map[string]*internal.Tree),
		degree: opts.Degree,
	}
}

// --------------------------------------------------------------------------
// Core KVDB Interface Methods - Write Operations
// --------------------------------------------------------------------------

// Commit applies all operations of the batch under one write lock, so readers
// either see all of them or none.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (maple *mapleImpl) Commit(b *db.Batch) error {
	if maple.closed.Load() {
		return db.ErrClosed
	}

	maple.mu.Lock()
	defer maple.mu.Unlock()

	for _, op := range b.Ops() {
		tree, ok := maple.trees[op.Tree]
		if op.Delete {
			if ok {
				tree.Remove(op.Key)
				if tree.Items.Len() == 0 {
					delete(maple.trees, op.Tree)
				}
			}
			continue
		}
		if !ok {
			tree = internal.NewTree(maple.degree)
			maple.trees[op.Tree] = tree
		}
		// batch already owns copies of key and value
		tree.Put(&internal.Entry{Key: op.Key, Value: op.Value})
	}

	maple.setWriteIdx(b.WriteIdx())
	return nil
}

// --------------------------------------------------------------------------
// Core KVDB Interface Methods - Read Operations
// --------------------------------------------------------------------------

// Get retrieves a value for a key.
// The returned value is a copy of the stored data and therefore safe to use and modify.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (maple *mapleImpl) Get(tree string, key []byte) ([]byte, bool, error) {
	if maple.closed.Load() {
		return nil, false, db.ErrClosed
	}

	maple.mu.RLock()
	defer maple.mu.RUnlock()

	t, ok := maple.trees[tree]
	if !ok {
		return nil, false, nil
	}
	e := t.Get(key)
	if e == nil {
		return nil, false, nil
	}
	data := make([]byte, len(e.Value))
	copy(data, e.Value)
	return data, true, nil
}

// Has checks if a key exists in a tree.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (maple *mapleImpl) Has(tree string, key []byte) (bool, error) {
	if maple.closed.Load() {
		return false, db.ErrClosed
	}

	maple.mu.RLock()
	defer maple.mu.RUnlock()

	t, ok := maple.trees[tree]
	return ok && t.Get(key) != nil, nil
}

// Scan visits the keys of a tree in ascending order.
// Entries are collected in chunks and fn runs without holding the lock, so fn
// may call back into the database.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (maple *mapleImpl) Scan(tree string, from, to []byte, fn func(key, value []byte) bool) error {
	cursor := from
	for {
		if maple.closed.Load() {
			return db.ErrClosed
		}

		maple.mu.RLock()
		var chunk []*internal.Entry
		if t, ok := maple.trees[tree]; ok {
			chunk = t.Collect(cursor, to, scanChunkSize)
		}
		maple.mu.RUnlock()

		for _, e := range chunk {
			if !fn(e.Key, e.Value) {
				return nil
			}
		}
		if len(chunk) < scanChunkSize {
			return nil
		}

		// continue right after the last key of the chunk
		last := chunk[len(chunk)-1].Key
		cursor = make([]byte, len(last)+1)
		copy(cursor, last)
	}
}

// Trees returns the names of all non-empty trees.
func (maple *mapleImpl) Trees() ([]string, error) {
	if maple.closed.Load() {
		return nil, db.ErrClosed
	}

	maple.mu.RLock()
	names := make([]string, 0, len(maple.trees))
	for name := range maple.trees {
		names = append(names, name)
	}
	maple.mu.RUnlock()

	sort.Strings(names)
	return names, nil
}

// --------------------------------------------------------------------------
// Persistence Operations
// --------------------------------------------------------------------------

// Save persists the database to the writer using the shared snapshot format.
// Concurrent commits may or may not be part of the snapshot, each tree chunk
// is consistent in itself.
func (maple *mapleImpl) Save(w io.Writer) error {
	return db.WriteSnapshot(w, maple)
}

// Load replaces the content of the database with the snapshot from the reader
//
// Thread-safety: This function should not be called concurrently with writes
func (maple *mapleImpl) Load(r io.Reader) error {
	if maple.closed.Load() {
		return db.ErrClosed
	}

	maple.mu.Lock()
	maple.trees = make(map[string]*internal.Tree)
	maple.writeIdx.Store(0)
	maple.mu.Unlock()

	return db.LoadInto(r, maple, loadBatchSize)
}

// --------------------------------------------------------------------------
// KVDB Interface Implementation - Features and Metadata
// --------------------------------------------------------------------------

// Metadata is the engine specific part of the maple GetInfo result
type Metadata struct {
	CurrentWriteIndex uint64                 `json:"current_write_index"`
	Entries           int                    `json:"entries"`
	MedianValueSize   int                    `json:"median_value_size"`
	ValueSizes        util.Stats             `json:"value_sizes"`
	TreeDistribution  util.DistributionStats `json:"tree_distribution"`
	Info              string                 `json:"info"`
}

// GetInfo returns statistics about the database.
// Value sizes are sampled, so SizeBytes is an estimate.
func (maple *mapleImpl) GetInfo() db.DatabaseInfo {
	histogram := util.NewSizeHistogram()

	maple.mu.RLock()
	treeSizes := make([]float64, 0, len(maple.trees))
	var samples []float64
	totalEntries := 0
	exactBytes := 0
	for _, t := range maple.trees {
		for _, e := range t.Collect(nil, nil, samplesPerTree) {
			histogram.AddSample(len(e.Value))
			samples = append(samples, float64(len(e.Value)))
		}
		treeSizes = append(treeSizes, float64(t.Items.Len()))
		totalEntries += t.Items.Len()
		exactBytes += t.Bytes
	}
	treeCount := len(maple.trees)
	maple.mu.RUnlock()

	return db.DatabaseInfo{
		SizeBytes: exactBytes + totalEntries*entryOverhead,
		DbType:    db.ImplMaple,
		SupportedFeatures: []db.Feature{
			db.FeatureGet, db.FeatureScan, db.FeatureBatch, db.FeatureSave, db.FeatureLoad,
		},
		Trees: treeCount,
		Metadata: &Metadata{
			CurrentWriteIndex: maple.writeIdx.Load(),
			Entries:           totalEntries,
			MedianValueSize:   histogram.MedianEstimate(),
			ValueSizes:        util.NewStats(samples),
			TreeDistribution:  util.NewDistributionStats(treeSizes),
			Info:              "Value size statistics are computed from a sample of each tree.",
		},
	}
}

// SupportsFeature checks if this implementation supports a specific KVDB feature
func (maple *mapleImpl) SupportsFeature(feature db.Feature) bool {
	return supportedFeatures&feature == feature
}

// Close drops all data
func (maple *mapleImpl) Close() error {
	if maple.closed.CompareAndSwap(false, true) {
		maple.mu.Lock()
		maple.trees = nil
		maple.mu.Unlock()
	}
	return nil
}

// --------------------------------------------------------------------------
// Index Management
// --------------------------------------------------------------------------

// setWriteIdx only ever moves the index forward
func (maple *mapleImpl) setWriteIdx(newIdx uint64) {
	for {
		currIdx := maple.writeIdx.Load()
		if newIdx <= currIdx {
			return
		}
		if maple.writeIdx.CompareAndSwap(currIdx, newIdx) {
			return
		}
	}
}

// WriteIdx returns the current index of the database
func (maple *mapleImpl) WriteIdx() uint64 {
	return maple.writeIdx.Load()
}
