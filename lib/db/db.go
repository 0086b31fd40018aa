package db

import (
	"errors"
	"io"
)

// --------------------------------------------------------------------------
// Helper Types
// --------------------------------------------------------------------------

type Implementation string

const (
	ImplMaple  Implementation = "maple"
	ImplPebble Implementation = "pebble"
	ImplSqlite Implementation = "sqlite"
)

// Feature represents database features as bit flags
type Feature uint64

const (
	FeatureGet     Feature = 1 << iota // Support for Get and Has operations
	FeatureScan                        // Support for ordered range scans
	FeatureBatch                       // Support for atomic multi-key batches
	FeatureSave                        // Support for Save operations
	FeatureLoad                        // Support for Load operations
	FeatureDurable                     // Committed batches survive a process crash
)

func (f Feature) String() string {
	switch f {
	case FeatureGet:
		return "Get"
	case FeatureScan:
		return "Scan"
	case FeatureBatch:
		return "Batch"
	case FeatureSave:
		return "Save"
	case FeatureLoad:
		return "Load"
	case FeatureDurable:
		return "Durable"
	default:
		return "Unknown"
	}
}

type DatabaseInfo struct {
	SizeBytes         int            `json:"size_bytes"`
	DbType            Implementation `json:"db_type"`
	SupportedFeatures []Feature      `json:"supported_features"`
	Trees             int            `json:"trees"`
	Metadata          interface{}    `json:"metadata"`
}

// ErrClosed is returned by every operation on a closed database
var ErrClosed = errors.New("db: database is closed")

// --------------------------------------------------------------------------
// Database Interface
// --------------------------------------------------------------------------

// KVDB defines the durable ordered storage that tKV builds on.
// Keys live in named trees; within a tree they are ordered bytewise.
// Distinct trees never see each other's keys.
// All writes go through atomic batches: either every operation of a batch is
// visible after Commit or none is.
// Implementations can vary in their feature support, which can be queried with SupportsFeature.
type KVDB interface {

	// --------------------------------------------------------------------------
	// Write Operations
	// --------------------------------------------------------------------------

	// Commit atomically applies all operations of the batch.
	// If the batch carries a write index greater than the current one, the
	// index is persisted together with the batch.
	Commit(b *Batch) (err error)

	// --------------------------------------------------------------------------
	// Query Operations
	// --------------------------------------------------------------------------

	// Get retrieves the value for an exact key of a tree.
	// The boolean return value indicates whether a value for the key was found.
	// The returned slice is a copy and may be kept by the caller.
	Get(tree string, key []byte) (value []byte, loaded bool, err error)

	// Has checks whether a key exists in a tree.
	Has(tree string, key []byte) (loaded bool, err error)

	// Scan calls fn for every key k of the tree with from <= k < to in ascending
	// order. A nil from starts at the first key, a nil to scans until the end.
	// Returning false from fn stops the scan. Slices passed to fn are only valid
	// during the call.
	Scan(tree string, from, to []byte, fn func(key, value []byte) bool) (err error)

	// Trees returns the names of all trees holding at least one key, sorted.
	Trees() (trees []string, err error)

	// --------------------------------------------------------------------------
	// Persistence Operations
	// --------------------------------------------------------------------------

	// Save persists the current state of the database to the provided io.Writer.
	Save(w io.Writer) (err error)

	// Load replaces the database state with the data provided by an io.Reader.
	Load(r io.Reader) (err error)

	// --------------------------------------------------------------------------
	// Feature Support
	// --------------------------------------------------------------------------

	// SupportsFeature checks if the database implementation supports the specified feature.
	// Multiple features can be checked at once using bitwise OR (|) operator.
	SupportsFeature(feature Feature) (ok bool)

	// GetInfo returns information about the database.
	GetInfo() (info DatabaseInfo)

	// --------------------------------------------------------------------------
	// Write Index Operations
	// --------------------------------------------------------------------------

	// WriteIdx returns the highest write index committed so far.
	// The replicated store uses it to skip raft entries that are already applied.
	WriteIdx() (index uint64)

	// Close closes the database.
	Close() (err error)
}

// Factory creates a KVDB, the replicated store uses it to open one database per replica
type Factory func() (KVDB, error)
