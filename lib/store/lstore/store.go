package lstore

import (
	"sync/atomic"

	"github.com/ValentinKolb/tKV/lib/db"
	"github.com/ValentinKolb/tKV/lib/errs"
	"github.com/ValentinKolb/tKV/lib/events"
	"github.com/ValentinKolb/tKV/lib/store"
	"github.com/ValentinKolb/tKV/lib/store/internal"
)

// executor runs commands directly on a single machine
type executor struct {
	machine *internal.Machine
	index   atomic.Uint64
}

// NewLocalStore creates a new local store instance.
// This store implementation is not distributed and only works on a single node.
// Whether the state survives a restart depends on the database the factory
// opens (maple is memory only, pebble and sqlite are durable).
func NewLocalStore(factory db.Factory, cfg store.Config) (store.IStore, error) {
	database, err := factory()
	if err != nil {
		return nil, errs.Wrap(errs.RetCStorageIO, err)
	}
	e := &executor{machine: internal.NewMachine(database, cfg)}
	if err := e.machine.LoadBorrows(); err != nil {
		_ = database.Close()
		return nil, err
	}
	e.index.Store(database.WriteIdx())
	return internal.NewFrontend(e), nil
}

// incAndGetIndex increments the index and returns the new value.
// It is used to ensure that each write operation has a unique index.
//
// Thread-safety: This method is thread-safe since it uses atomic operations.
func (e *executor) incAndGetIndex() uint64 {
	return e.index.Add(1)
}

// --------------------------------------------------------------------------
// Executor Methods (docu see internal.Executor)
// --------------------------------------------------------------------------

func (e *executor) Write(cmd internal.Command) ([]byte, error) {
	return e.machine.Apply(cmd, e.incAndGetIndex())
}

func (e *executor) Read(q internal.Query, _ bool) (interface{}, error) {
	return e.machine.Lookup(q)
}

func (e *executor) Bus() *events.Bus {
	return e.machine.Bus()
}

func (e *executor) Close() error {
	return e.machine.Close()
}
