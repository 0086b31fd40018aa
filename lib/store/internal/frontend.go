package internal

import (
	"fmt"
	"time"

	"github.com/ValentinKolb/tKV/lib/borrow"
	"github.com/ValentinKolb/tKV/lib/db"
	"github.com/ValentinKolb/tKV/lib/errs"
	"github.com/ValentinKolb/tKV/lib/events"
	"github.com/ValentinKolb/tKV/lib/identity"
	"github.com/ValentinKolb/tKV/lib/keys"
	"github.com/ValentinKolb/tKV/lib/record"
)

// Executor runs commands and queries against a Machine, either directly
// (local store) or through raft (distributed store).
type Executor interface {
	// Write executes a command and returns its result bytes
	Write(cmd Command) ([]byte, error)
	// Read executes a query, stale reads may lag behind the latest commit
	Read(q Query, stale bool) (interface{}, error)
	// Bus returns the bus of the local machine
	Bus() *events.Bus
	// Close stops the executor
	Close() error
}

// Frontend implements store.IStore on top of an Executor
type Frontend struct {
	exec Executor
	now  func() int64
}

// NewFrontend creates the store facade for exec
func NewFrontend(exec Executor) *Frontend {
	return &Frontend{exec: exec, now: func() int64 { return time.Now().UnixNano() }}
}

// read is a generic helper that executes a query and attempts to convert the
// response into the expected type R.
func read[R any](f *Frontend, q Query, stale bool) (R, error) {
	var zero R
	res, err := f.exec.Read(q, stale)
	if err != nil {
		return zero, errs.Wrap(errs.RetCInternalError, err)
	}
	casted, ok := res.(R)
	if !ok {
		return zero, errs.Newf(errs.RetCInternalError, "unexpected type: received %T, expected %T", res, zero)
	}
	return casted, nil
}

func (f *Frontend) write(cmd Command) ([]byte, error) {
	cmd.Now = f.now()
	return f.exec.Write(cmd)
}

func (f *Frontend) writeEnvelope(cmd Command) (*record.Envelope, error) {
	data, err := f.write(cmd)
	if err != nil {
		return nil, err
	}
	env, err := record.Decode(data)
	if err != nil {
		return nil, errs.Wrap(errs.RetCInternalError, err)
	}
	return env, nil
}

// --------------------------------------------------------------------------
// Interface Methods (docu see store/interface.go)
// --------------------------------------------------------------------------

func (f *Frontend) Identity() (string, error) {
	id, err := read[string](f, Query{Type: QueryTIdentity}, false)
	if err != nil || id != "" {
		return id, err
	}
	data, err := f.write(Command{Type: CommandTInitIdentity, Payload: []byte(identity.Generate())})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (f *Frontend) RequestRange(tree, client string, size uint64) (keys.Range, error) {
	data, err := f.write(Command{Type: CommandTRequestRange, Tree: tree, Client: client, N: size})
	if err != nil {
		return keys.Range{}, err
	}
	var r keys.Range
	if err := r.UnmarshalBinary(data); err != nil {
		return keys.Range{}, errs.Wrap(errs.RetCInternalError, err)
	}
	return r, nil
}

func (f *Frontend) Create(tree, client string, env *record.Envelope) (*record.Envelope, error) {
	if env == nil {
		return nil, errs.NewError(errs.RetCInvalidOperation, "create without envelope")
	}
	return f.writeEnvelope(Command{Type: CommandTCreate, Tree: tree, Client: client, ID: env.Key.ID, Payload: env.MustEncode()})
}

func (f *Frontend) Edit(tree, client string, id keys.ID, payload []byte) (*record.Envelope, error) {
	return f.writeEnvelope(Command{Type: CommandTEdit, Tree: tree, Client: client, ID: id, Payload: payload})
}

func (f *Frontend) Migrate(tree, client string, id keys.ID, schema record.SchemaVersion, payload []byte) (*record.Envelope, error) {
	return f.writeEnvelope(Command{Type: CommandTMigrate, Tree: tree, Client: client, ID: id, Schema: schema, Payload: payload})
}

func (f *Frontend) Release(tree, client string, id keys.ID, n uint32) (*record.Envelope, error) {
	return f.writeEnvelope(Command{Type: CommandTRelease, Tree: tree, Client: client, ID: id, N: uint64(n)})
}

func (f *Frontend) SetState(tree, client string, id keys.ID, state uint32) (*record.Envelope, error) {
	return f.writeEnvelope(Command{Type: CommandTSetState, Tree: tree, Client: client, ID: id, N: uint64(state)})
}

func (f *Frontend) Delete(tree, client string, id keys.ID) (*record.Envelope, error) {
	return f.writeEnvelope(Command{Type: CommandTDelete, Tree: tree, Client: client, ID: id})
}

func (f *Frontend) Checkout(tree, client string, id keys.ID) (borrow.Record, *record.Envelope, error) {
	data, err := f.write(Command{Type: CommandTCheckout, Tree: tree, Client: client, ID: id})
	if err != nil {
		return borrow.Record{}, nil, err
	}
	return DecodeCheckout(data)
}

func (f *Frontend) Checkin(tree, client string, id keys.ID) error {
	_, err := f.write(Command{Type: CommandTCheckin, Tree: tree, Client: client, ID: id})
	return err
}

func (f *Frontend) Reconcile(client string, asserted []borrow.Key) ([]borrow.Outcome, error) {
	if len(asserted) == 0 {
		return nil, nil
	}
	data, err := f.write(Command{Type: CommandTReconcile, Client: client, Keys: asserted})
	if err != nil {
		return nil, err
	}
	return borrow.DecodeOutcomes(data)
}

func (f *Frontend) RevokeClient(client string) ([]borrow.Record, error) {
	data, err := f.write(Command{Type: CommandTRevoke, Client: client})
	if err != nil {
		return nil, err
	}
	return borrow.DecodeRecords(data)
}

func (f *Frontend) Borrows(client string) ([]borrow.Record, error) {
	return read[[]borrow.Record](f, Query{Type: QueryTBorrows, Client: client}, false)
}

func (f *Frontend) ReadLog(tree string, after uint64, limit int) ([]events.Change, error) {
	return read[[]events.Change](f, Query{Type: QueryTReadLog, Tree: tree, After: after, Limit: limit}, true)
}

func (f *Frontend) Cursor(tree string) (uint64, error) {
	return read[uint64](f, Query{Type: QueryTCursor, Tree: tree}, false)
}

func (f *Frontend) Ack(client, tree string, cursor uint64) error {
	_, err := f.write(Command{Type: CommandTAck, Tree: tree, Client: client, N: cursor})
	return err
}

func (f *Frontend) Get(tree string, id keys.ID) (*record.Envelope, bool, error) {
	res, err := read[QueryResult](f, Query{Type: QueryTGet, Tree: tree, ID: id}, false)
	if err != nil || !res.Ok {
		return nil, false, err
	}
	env, err := record.Decode(res.Value)
	if err != nil {
		return nil, false, fmt.Errorf("get %s/%s: %w", tree, id, err)
	}
	return env, true, nil
}

func (f *Frontend) List(tree string, after keys.ID, limit int) ([]*record.Envelope, error) {
	return read[[]*record.Envelope](f, Query{Type: QueryTList, Tree: tree, ID: after, Limit: limit}, false)
}

func (f *Frontend) Trees() ([]string, error) {
	return read[[]string](f, Query{Type: QueryTTrees}, false)
}

func (f *Frontend) Ranges(tree string) ([]keys.Range, error) {
	return read[[]keys.Range](f, Query{Type: QueryTRanges, Tree: tree}, false)
}

func (f *Frontend) GetDBInfo() (db.DatabaseInfo, error) {
	return read[db.DatabaseInfo](f, Query{Type: QueryTGetDBInfo}, true)
}

func (f *Frontend) Bus() *events.Bus {
	return f.exec.Bus()
}

func (f *Frontend) Close() error {
	return f.exec.Close()
}
