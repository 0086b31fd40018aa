package layout

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/ValentinKolb/tKV/lib/db"
	"github.com/ValentinKolb/tKV/lib/errs"
	"github.com/ValentinKolb/tKV/lib/keys"
	"github.com/ValentinKolb/tKV/lib/record"
)

// --------------------------------------------------------------------------
// Internal Trees
// --------------------------------------------------------------------------

const (
	Meta    = "_meta"    // single values, see the Meta* keys
	Trees   = "_trees"   // name -> empty, every user tree ever committed to
	Clients = "_clients" // client "/" tree -> acknowledged cursor (server)
	Cursors = "_cursors" // tree -> applied cursor (client)
	Pools   = "_pools"   // tree -> key pool (client)
	Outbox  = "_outbox"  // seq -> queued offline commit (client)
	Borrows = "_borrows" // tree "/" id -> live borrow (server) or borrow the client believes to hold (client)

	logPrefix    = "_log/"
	rangesPrefix = "_ranges/"
)

// Log is the tree holding the change log of tree, keyed by cursor
func Log(tree string) string {
	return logPrefix + tree
}

// Ranges is the tree holding the range issuance log of tree, keyed by range end
func Ranges(tree string) string {
	return rangesPrefix + tree
}

// IsInternal reports whether name is one of the internal trees
func IsInternal(name string) bool {
	return strings.HasPrefix(name, "_")
}

// --------------------------------------------------------------------------
// Meta Keys
// --------------------------------------------------------------------------

// MetaCursor stores the last cursor of a tree log
func MetaCursor(tree string) []byte { return []byte("cursor/" + tree) }

// MetaNextID stores the first id not yet issued in any range of a tree
func MetaNextID(tree string) []byte { return []byte("next/" + tree) }

// MetaRangeSeq stores the last range issuance seq of a tree
func MetaRangeSeq(tree string) []byte { return []byte("seq/" + tree) }

// MetaRelease stores the last release number assigned in a tree
func MetaRelease(tree string) []byte { return []byte("release/" + tree) }

// ClientKey is the key of a client's acknowledged cursor in the Clients tree
func ClientKey(client, tree string) []byte {
	return []byte(client + "/" + tree)
}

// BorrowKey is the key of a borrow in the Borrows tree
func BorrowKey(tree string, id keys.ID) []byte {
	return append([]byte(tree+"/"), id.Bytes()...)
}

// --------------------------------------------------------------------------
// Encoding Helpers
// --------------------------------------------------------------------------

// U64 encodes n big-endian, so cursors sort numerically
func U64(n uint64) []byte {
	return binary.BigEndian.AppendUint64(make([]byte, 0, 8), n)
}

// ParseU64 decodes a value written by U64
func ParseU64(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("expected 8 bytes, got %d", len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}

// GetU64 reads a counter, 0 if it is not set
func GetU64(kv db.KVDB, tree string, key []byte) (uint64, error) {
	val, ok, err := kv.Get(tree, key)
	if err != nil {
		return 0, errs.Wrap(errs.RetCStorageIO, err)
	}
	if !ok {
		return 0, nil
	}
	n, err := ParseU64(val)
	if err != nil {
		return 0, errs.Wrap(errs.RetCStorageIO, fmt.Errorf("%s/%s: %w", tree, key, err))
	}
	return n, nil
}

// --------------------------------------------------------------------------
// Records
// --------------------------------------------------------------------------

// LoadEnvelope reads the current revision of a record. The boolean reports
// whether the record exists (tombstones exist).
func LoadEnvelope(kv db.KVDB, tree string, id keys.ID) (*record.Envelope, bool, error) {
	val, ok, err := kv.Get(tree, id.Bytes())
	if err != nil {
		return nil, false, errs.Wrap(errs.RetCStorageIO, fmt.Errorf("get %s/%s: %w", tree, id, err))
	}
	if !ok {
		return nil, false, nil
	}
	env, err := record.Decode(val)
	if err != nil {
		return nil, false, err
	}
	return env, true, nil
}

// ScanEnvelopes calls fn for every record of tree in id order. Returning
// false stops the scan.
func ScanEnvelopes(kv db.KVDB, tree string, fn func(env *record.Envelope) bool) error {
	var decodeErr error
	err := kv.Scan(tree, nil, nil, func(_, value []byte) bool {
		env, err := record.Decode(value)
		if err != nil {
			decodeErr = err
			return false
		}
		return fn(env)
	})
	if err != nil {
		return errs.Wrap(errs.RetCStorageIO, fmt.Errorf("scan %s: %w", tree, err))
	}
	return decodeErr
}

// UserTrees returns the names of all trees holding records
func UserTrees(kv db.KVDB) ([]string, error) {
	var names []string
	err := kv.Scan(Trees, nil, nil, func(key, _ []byte) bool {
		names = append(names, string(key))
		return true
	})
	if err != nil {
		return nil, errs.Wrap(errs.RetCStorageIO, err)
	}
	return names, nil
}
