package identity

import (
	"fmt"
	"sync"

	"github.com/ValentinKolb/tKV/lib/db"
	"github.com/ValentinKolb/tKV/lib/errs"
	"github.com/ValentinKolb/tKV/lib/layout"
	"github.com/google/uuid"
)

const (
	// ServerKey stores the identity of a server in its own database
	ServerKey = "server_identity"

	// PinnedKey stores the identity a client pinned on its first handshake
	PinnedKey = "pinned_server"
)

// Generate creates a new random server identity
func Generate() string {
	return uuid.NewString()
}

// Valid reports whether s looks like a server identity
func Valid(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

// Load reads the identity stored under key, "" if none is stored
func Load(kv db.KVDB, key string) (string, error) {
	val, ok, err := kv.Get(layout.Meta, []byte(key))
	if err != nil {
		return "", errs.Wrap(errs.RetCStorageIO, fmt.Errorf("load %s: %w", key, err))
	}
	if !ok {
		return "", nil
	}
	return string(val), nil
}

// LoadOrCreate returns the identity of the server owning kv, generating and
// persisting it on first use. The identity never changes afterwards.
func LoadOrCreate(kv db.KVDB) (string, error) {
	id, err := Load(kv, ServerKey)
	if err != nil || id != "" {
		return id, err
	}
	id = Generate()
	if err := kv.Commit(db.NewBatch().Set(layout.Meta, []byte(ServerKey), []byte(id))); err != nil {
		return "", errs.Wrap(errs.RetCStorageIO, fmt.Errorf("persist server identity: %w", err))
	}
	return id, nil
}

// --------------------------------------------------------------------------
// Client Guard
// --------------------------------------------------------------------------

// Guard pins the identity of the server a client syncs with. The first
// identity seen is persisted; every later handshake must present the same.
type Guard struct {
	mu     sync.Mutex
	kv     db.KVDB
	pinned string
}

// NewGuard loads the pinned identity from the client database
func NewGuard(kv db.KVDB) (*Guard, error) {
	pinned, err := Load(kv, PinnedKey)
	if err != nil {
		return nil, err
	}
	return &Guard{kv: kv, pinned: pinned}, nil
}

// Pinned returns the pinned identity, "" before the first handshake
func (g *Guard) Pinned() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pinned
}

// Check fails with ServerIdentityMismatch if presented differs from the pinned identity
func (g *Guard) Check(presented string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.check(presented)
}

func (g *Guard) check(presented string) error {
	if presented == "" {
		return errs.NewError(errs.RetCServerIdentityMismatch, "server presented no identity")
	}
	if g.pinned != "" && g.pinned != presented {
		return errs.Newf(errs.RetCServerIdentityMismatch,
			"server identity %s differs from pinned identity %s", presented, g.pinned)
	}
	return nil
}

// Pin checks presented and persists it if nothing is pinned yet
func (g *Guard) Pin(presented string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.check(presented); err != nil {
		return err
	}
	if g.pinned == presented {
		return nil
	}
	if err := g.kv.Commit(db.NewBatch().Set(layout.Meta, []byte(PinnedKey), []byte(presented))); err != nil {
		return errs.Wrap(errs.RetCStorageIO, fmt.Errorf("pin server identity: %w", err))
	}
	g.pinned = presented
	return nil
}

// Forget removes the pinned identity. This is the explicit user action that
// allows a client to sync with another server.
func (g *Guard) Forget() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.kv.Commit(db.NewBatch().Delete(layout.Meta, []byte(PinnedKey))); err != nil {
		return errs.Wrap(errs.RetCStorageIO, fmt.Errorf("forget server identity: %w", err))
	}
	g.pinned = ""
	return nil
}
