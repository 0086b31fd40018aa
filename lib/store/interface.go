package store

import (
	"github.com/ValentinKolb/tKV/lib/borrow"
	"github.com/ValentinKolb/tKV/lib/db"
	"github.com/ValentinKolb/tKV/lib/events"
	"github.com/ValentinKolb/tKV/lib/index"
	"github.com/ValentinKolb/tKV/lib/keys"
	"github.com/ValentinKolb/tKV/lib/record"
)

// --------------------------------------------------------------------------
// Configuration
// --------------------------------------------------------------------------

// DefaultBlockSize is the number of ids in a range when the client asks for 0
const DefaultBlockSize = 1000

// Config configures the commit path of a store
type Config struct {
	BlockSize uint64       // ids per range when the client does not ask for a size (0 = DefaultBlockSize)
	FirstID   uint64       // first id issued in every tree (0 = 1)
	Hooks     *index.Hooks // indexer hooks called inside every commit (optional)
	Bus       *events.Bus  // bus every committed change is published on (optional)
}

// WithDefaults returns a copy of c with all zero values replaced
func (c Config) WithDefaults() Config {
	if c.BlockSize == 0 {
		c.BlockSize = DefaultBlockSize
	}
	if c.FirstID == 0 {
		c.FirstID = 1
	}
	if c.Hooks == nil {
		c.Hooks = index.NewHooks(0)
	}
	if c.Bus == nil {
		c.Bus = events.NewBus()
	}
	return c
}

// --------------------------------------------------------------------------
// Interface Definition
// --------------------------------------------------------------------------

// IStore is the authoritative commit path of a tKV server.
// Every mutating operation is one atomic commit within one tree: the record,
// the borrow transition, the change log entry and the cursor advance are
// written together or not at all. Commits on the same tree are serialized.
// After a commit is durable the indexer hooks run and the change is published
// on the bus.
//
// All errors are *errs.Error values, compare them with errors.Is against the
// errs sentinels.
type IStore interface {

	// --------------------------------------------------------------------------
	// Identity and Key Allocation
	// --------------------------------------------------------------------------

	// Identity returns the identity of the server, creating it on first use.
	Identity() (id string, err error)

	// RequestRange issues the next unused block of ids of tree to client.
	// A size of 0 issues a block of the configured default size. The issuance
	// is durable before the range is returned and never repeated.
	RequestRange(tree, client string, size uint64) (r keys.Range, err error)

	// --------------------------------------------------------------------------
	// Record Operations
	// --------------------------------------------------------------------------

	// Create commits revision 0 of a record with an id from a range issued to
	// client. Replaying the create of the same client returns the stored record.
	Create(tree, client string, env *record.Envelope) (stored *record.Envelope, err error)

	// Edit replaces the payload. The client must hold the borrow of the record.
	Edit(tree, client string, id keys.ID, payload []byte) (stored *record.Envelope, err error)

	// Migrate replaces payload and schema version, the manual migration entry point.
	Migrate(tree, client string, id keys.ID, schema record.SchemaVersion, payload []byte) (stored *record.Envelope, err error)

	// Release freezes the record under release number n. n = 0 assigns the
	// next release number of the tree, an explicit n must be greater than every
	// release number already assigned in the tree.
	Release(tree, client string, id keys.ID, n uint32) (stored *record.Envelope, err error)

	// SetState changes the secondary state number, also of released records.
	SetState(tree, client string, id keys.ID, state uint32) (stored *record.Envelope, err error)

	// Delete turns a record into a tombstone.
	Delete(tree, client string, id keys.ID) (stored *record.Envelope, err error)

	// --------------------------------------------------------------------------
	// Borrow Operations
	// --------------------------------------------------------------------------

	// Checkout borrows a record to client and returns the current revision.
	Checkout(tree, client string, id keys.ID) (rec borrow.Record, current *record.Envelope, err error)

	// Checkin returns a borrow.
	Checkin(tree, client string, id keys.ID) (err error)

	// Reconcile answers the borrows a reconnecting client asserts to hold.
	Reconcile(client string, asserted []borrow.Key) (outcomes []borrow.Outcome, err error)

	// RevokeClient force-releases all borrows of client (stale session).
	RevokeClient(client string) (revoked []borrow.Record, err error)

	// Borrows lists the live borrows (of one client if client != "").
	Borrows(client string) (records []borrow.Record, err error)

	// --------------------------------------------------------------------------
	// Sync Operations
	// --------------------------------------------------------------------------

	// ReadLog returns up to limit changes of tree with a cursor greater than after.
	ReadLog(tree string, after uint64, limit int) (changes []events.Change, err error)

	// Cursor returns the last cursor of tree, 0 for an empty tree.
	Cursor(tree string) (cursor uint64, err error)

	// Ack records the highest cursor of tree client has durably applied.
	Ack(client, tree string, cursor uint64) (err error)

	// --------------------------------------------------------------------------
	// Query Operations
	// --------------------------------------------------------------------------

	// Get returns the current revision of a record.
	Get(tree string, id keys.ID) (env *record.Envelope, loaded bool, err error)

	// List returns up to limit records of tree with an id greater than after.
	List(tree string, after keys.ID, limit int) (envs []*record.Envelope, err error)

	// Trees returns the names of all trees that were committed to.
	Trees() (trees []string, err error)

	// Ranges returns the ranges issued in tree.
	Ranges(tree string) (ranges []keys.Range, err error)

	// GetDBInfo returns metadata about the database underlying the store.
	GetDBInfo() (info db.DatabaseInfo, err error)

	// Bus returns the bus committed changes are published on.
	Bus() *events.Bus

	// Close stops the store and closes the database.
	Close() (err error)
}
