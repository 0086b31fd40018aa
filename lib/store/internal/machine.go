package internal

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/ValentinKolb/tKV/lib/borrow"
	"github.com/ValentinKolb/tKV/lib/db"
	"github.com/ValentinKolb/tKV/lib/errs"
	"github.com/ValentinKolb/tKV/lib/events"
	"github.com/ValentinKolb/tKV/lib/identity"
	"github.com/ValentinKolb/tKV/lib/keys"
	"github.com/ValentinKolb/tKV/lib/layout"
	"github.com/ValentinKolb/tKV/lib/record"
	"github.com/ValentinKolb/tKV/lib/store"
	"github.com/ValentinKolb/tKV/lib/tree"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var log = logger.GetLogger("store")

var commitDuration = metrics.NewHistogram("tkv_commit_duration_seconds")

// Machine executes commands against a KVDB. It is deterministic: the same
// sequence of commands applied to the same database state yields the same
// state, which lets the raft store run one Machine per replica.
//
// Commits on one tree are serialized by a per-tree lock; commits on different
// trees run in parallel.
type Machine struct {
	db      db.KVDB
	cfg     store.Config
	borrows borrow.IBorrowManager
	locks   *xsync.MapOf[string, *sync.Mutex]
}

// NewMachine creates a machine over database. cfg must not be changed afterwards.
func NewMachine(database db.KVDB, cfg store.Config) *Machine {
	return &Machine{
		db:      database,
		cfg:     cfg.WithDefaults(),
		borrows: borrow.NewBorrowManager(),
		locks:   xsync.NewMapOf[string, *sync.Mutex](),
	}
}

// DB returns the underlying database
func (m *Machine) DB() db.KVDB {
	return m.db
}

// Bus returns the bus changes are published on
func (m *Machine) Bus() *events.Bus {
	return m.cfg.Bus
}

func (m *Machine) lockTree(name string) func() {
	mu, _ := m.locks.LoadOrCompute(name, func() *sync.Mutex { return &sync.Mutex{} })
	mu.Lock()
	return mu.Unlock
}

// --------------------------------------------------------------------------
// Transactions
// --------------------------------------------------------------------------

// txn collects the effects of one commit on one tree
type txn struct {
	tree    string
	batch   *db.Batch
	changes []events.Change
	undo    []func()
}

func (tx *txn) record(env *record.Envelope, kind events.Kind, client string) {
	tx.batch.Set(tx.tree, env.Key.ID.Bytes(), env.MustEncode())
	tx.changes = append(tx.changes, events.Change{Tree: tx.tree, Kind: kind, Client: client, Envelope: env.Clone()})
}

// borrowChange logs a borrow transition and writes the live borrow table
// entry in the same batch
func (tx *txn) borrowChange(rec borrow.Record, kind events.Kind, client string) {
	r := rec
	key := layout.BorrowKey(rec.Key.Tree, rec.Key.ID)
	if kind == events.KindCheckout {
		data, _ := r.MarshalBinary()
		tx.batch.Set(layout.Borrows, key, data)
	} else {
		tx.batch.Delete(layout.Borrows, key)
	}
	tx.changes = append(tx.changes, events.Change{Tree: tx.tree, Kind: kind, Client: client, Borrow: &r})
}

// commit runs fn under the tree lock and commits its effects atomically:
// every change gets the next cursor of the tree and is appended to the tree
// log in the same batch. If the batch fails, the borrow transitions of fn are
// undone. Hooks and bus see the changes only after the batch is durable.
func (m *Machine) commit(treeName string, writeIdx uint64, fn func(tx *txn) error) error {
	unlock := m.lockTree(treeName)
	defer unlock()

	start := time.Now()
	tx := &txn{tree: treeName, batch: db.NewBatch()}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	if len(tx.changes) == 0 && tx.batch.Len() == 0 {
		return nil
	}

	if len(tx.changes) > 0 {
		cursor, err := layout.GetU64(m.db, layout.Meta, layout.MetaCursor(treeName))
		if err != nil {
			tx.rollback()
			return err
		}
		for i := range tx.changes {
			cursor++
			tx.changes[i].Cursor = cursor
			data, _ := tx.changes[i].MarshalBinary()
			tx.batch.Set(layout.Log(treeName), layout.U64(cursor), data)
		}
		tx.batch.Set(layout.Meta, layout.MetaCursor(treeName), layout.U64(cursor))
		tx.batch.Set(layout.Trees, []byte(treeName), nil)
	}
	tx.batch.SetWriteIdx(writeIdx)

	if err := m.db.Commit(tx.batch); err != nil {
		tx.rollback()
		return errs.Wrap(errs.RetCStorageIO, fmt.Errorf("commit %s: %w", treeName, err))
	}
	commitDuration.UpdateDuration(start)

	for _, c := range tx.changes {
		metrics.GetOrCreateCounter(fmt.Sprintf(`tkv_commits_total{tree=%q,kind=%q}`, c.Tree, c.Kind)).Inc()
		if failed := m.cfg.Hooks.Run(c); failed > 0 {
			metrics.GetOrCreateCounter(`tkv_hook_failures_total`).Add(failed)
		}
		m.cfg.Bus.Publish(c)
	}
	return nil
}

func (tx *txn) rollback() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
}

// --------------------------------------------------------------------------
// Apply
// --------------------------------------------------------------------------

// Apply executes a write command. writeIdx is persisted together with the
// commit (0 = do not track). The result bytes depend on the command type:
//
//	InitIdentity       identity string
//	RequestRange       keys.Range
//	record commands    record.Envelope
//	Checkout           borrow record | envelope (u32 len)
//	Reconcile          borrow outcomes
//	Revoke             borrow records
func (m *Machine) Apply(cmd Command, writeIdx uint64) ([]byte, error) {
	switch cmd.Type {
	case CommandTInitIdentity:
		return m.initIdentity(cmd, writeIdx)
	case CommandTRequestRange:
		r, err := m.requestRange(cmd, writeIdx)
		if err != nil {
			return nil, err
		}
		return r.MarshalBinary()
	case CommandTCreate, CommandTEdit, CommandTMigrate, CommandTRelease, CommandTSetState, CommandTDelete:
		env, err := m.mutate(cmd, writeIdx)
		if err != nil {
			return nil, err
		}
		return env.MarshalBinary()
	case CommandTCheckout:
		return m.checkout(cmd, writeIdx)
	case CommandTCheckin:
		return nil, m.checkin(cmd, writeIdx)
	case CommandTReconcile:
		outcomes, err := m.reconcile(cmd, writeIdx)
		if err != nil {
			return nil, err
		}
		return borrow.EncodeOutcomes(outcomes), nil
	case CommandTRevoke:
		revoked, err := m.revoke(cmd, writeIdx)
		if err != nil {
			return nil, err
		}
		return borrow.EncodeRecords(revoked), nil
	case CommandTAck:
		return nil, m.ack(cmd, writeIdx)
	default:
		return nil, errs.Newf(errs.RetCInvalidOperation, "unknown Command operation: %s", cmd.Type)
	}
}

func (m *Machine) initIdentity(cmd Command, writeIdx uint64) ([]byte, error) {
	unlock := m.lockTree(layout.Meta)
	defer unlock()

	have, err := identity.Load(m.db, identity.ServerKey)
	if err != nil {
		return nil, err
	}
	if have != "" {
		return []byte(have), nil
	}
	if !identity.Valid(string(cmd.Payload)) {
		return nil, errs.Newf(errs.RetCInvalidOperation, "invalid server identity %q", cmd.Payload)
	}
	b := db.NewBatch().Set(layout.Meta, []byte(identity.ServerKey), cmd.Payload).SetWriteIdx(writeIdx)
	if err := m.db.Commit(b); err != nil {
		return nil, errs.Wrap(errs.RetCStorageIO, err)
	}
	log.Infof("server identity initialized: %s", cmd.Payload)
	return cmd.Payload, nil
}

func (m *Machine) requestRange(cmd Command, writeIdx uint64) (keys.Range, error) {
	if err := tree.ValidName(cmd.Tree); err != nil {
		return keys.Range{}, err
	}
	if cmd.Client == "" {
		return keys.Range{}, errs.NewError(errs.RetCInvalidOperation, "range requested without client id")
	}
	size := cmd.N
	if size == 0 {
		size = m.cfg.BlockSize
	}

	var granted keys.Range
	err := m.commit(cmd.Tree, writeIdx, func(tx *txn) error {
		next := keys.Uint64(m.cfg.FirstID)
		raw, ok, err := m.db.Get(layout.Meta, layout.MetaNextID(cmd.Tree))
		if err != nil {
			return errs.Wrap(errs.RetCStorageIO, err)
		}
		if ok {
			if next, err = keys.IDFromBytes(raw); err != nil {
				return errs.Wrap(errs.RetCStorageIO, err)
			}
		}
		seq, err := layout.GetU64(m.db, layout.Meta, layout.MetaRangeSeq(cmd.Tree))
		if err != nil {
			return err
		}

		end := next.Add(size)
		if end.Less(next) {
			return errs.Newf(errs.RetCRangeExhausted, "id space of tree %q is exhausted", cmd.Tree)
		}
		granted = keys.Range{Tree: cmd.Tree, Start: next, End: end, Client: cmd.Client, Seq: seq + 1}
		data, _ := granted.MarshalBinary()

		tx.batch.Set(layout.Ranges(cmd.Tree), end.Bytes(), data)
		tx.batch.Set(layout.Meta, layout.MetaNextID(cmd.Tree), end.Bytes())
		tx.batch.Set(layout.Meta, layout.MetaRangeSeq(cmd.Tree), layout.U64(granted.Seq))
		r := granted
		tx.changes = append(tx.changes, events.Change{Tree: cmd.Tree, Kind: events.KindRangeGrant, Client: cmd.Client, Range: &r})
		return nil
	})
	if err == nil {
		metrics.GetOrCreateCounter(`tkv_ranges_issued_total`).Inc()
	}
	return granted, err
}

// owner returns the issued range containing id
func (m *Machine) owner(treeName string, id keys.ID) (keys.Range, bool, error) {
	var (
		found  keys.Range
		ok     bool
		decErr error
	)
	// ranges are keyed by their exclusive end, the first end > id is the candidate
	err := m.db.Scan(layout.Ranges(treeName), id.Next().Bytes(), nil, func(_, value []byte) bool {
		if decErr = found.UnmarshalBinary(value); decErr == nil {
			ok = found.Contains(id)
		}
		return false
	})
	if err != nil {
		return keys.Range{}, false, errs.Wrap(errs.RetCStorageIO, err)
	}
	if decErr != nil {
		return keys.Range{}, false, errs.Wrap(errs.RetCStorageIO, decErr)
	}
	return found, ok, nil
}

func (m *Machine) load(treeName string, id keys.ID) (*record.Envelope, error) {
	env, ok, err := layout.LoadEnvelope(m.db, treeName, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.Newf(errs.RetCNotFound, "record %s/%s does not exist", treeName, id)
	}
	return env, nil
}

func (m *Machine) mutate(cmd Command, writeIdx uint64) (*record.Envelope, error) {
	if err := tree.ValidName(cmd.Tree); err != nil {
		return nil, err
	}

	var result *record.Envelope
	err := m.commit(cmd.Tree, writeIdx, func(tx *txn) error {
		if cmd.Type == CommandTCreate {
			env, changed, err := m.create(cmd)
			if err != nil {
				return err
			}
			if changed {
				tx.record(env, events.KindCreate, cmd.Client)
			}
			result = env
			return nil
		}

		key := borrow.Key{Tree: cmd.Tree, ID: cmd.ID}
		if err := m.borrows.Require(key, cmd.Client); err != nil {
			return err
		}
		env, err := m.load(cmd.Tree, cmd.ID)
		if err != nil {
			return err
		}

		var kind events.Kind
		switch cmd.Type {
		case CommandTEdit:
			kind, err = events.KindEdit, env.Edit(cmd.Payload, cmd.Now)
		case CommandTMigrate:
			kind, err = events.KindEdit, env.Migrate(cmd.Schema, cmd.Payload, cmd.Now)
		case CommandTSetState:
			kind, err = events.KindState, env.SetState(uint32(cmd.N), cmd.Now)
		case CommandTDelete:
			kind, err = events.KindDelete, env.Delete(cmd.Now)
		case CommandTRelease:
			kind, err = events.KindRelease, m.release(tx, env, uint32(cmd.N), cmd.Now)
		}
		if err != nil {
			return err
		}
		tx.record(env, kind, cmd.Client)
		result = env
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (m *Machine) create(cmd Command) (*record.Envelope, bool, error) {
	env, err := record.Decode(cmd.Payload)
	if err != nil {
		return nil, false, errs.Wrap(errs.RetCInvalidOperation, err)
	}
	id := env.Key.ID
	if id.IsZero() {
		return nil, false, errs.NewError(errs.RetCInvalidOperation, "id 0 is reserved")
	}

	r, ok, err := m.owner(cmd.Tree, id)
	if err != nil {
		return nil, false, err
	}
	if !ok || r.Client != cmd.Client {
		return nil, false, errs.Newf(errs.RetCNotOwner, "id %s of tree %q was not issued to %s", id, cmd.Tree, cmd.Client)
	}

	existing, found, err := layout.LoadEnvelope(m.db, cmd.Tree, id)
	if err != nil {
		return nil, false, err
	}
	if found {
		if existing.Creator == cmd.Client {
			return existing, false, nil
		}
		return nil, false, errs.Newf(errs.RetCConflict, "id %s of tree %q already exists", id, cmd.Tree)
	}

	stored := record.New(id, env.Schema, cmd.Client, cmd.Now, env.Payload)
	stored.State = env.State
	return stored, true, nil
}

// release assigns the release number within the transaction of tx
func (m *Machine) release(tx *txn, env *record.Envelope, n uint32, now int64) error {
	last, err := layout.GetU64(m.db, layout.Meta, layout.MetaRelease(tx.tree))
	if err != nil {
		return err
	}
	if n == 0 {
		n = uint32(last) + 1
	} else if uint64(n) <= last {
		return errs.Newf(errs.RetCInvalidOperation, "release number %d of tree %q is not greater than %d", n, tx.tree, last)
	}
	if err := env.Freeze(n, now); err != nil {
		return err
	}
	tx.batch.Set(layout.Meta, layout.MetaRelease(tx.tree), layout.U64(uint64(n)))
	return nil
}

func (m *Machine) checkout(cmd Command, writeIdx uint64) ([]byte, error) {
	var (
		rec borrow.Record
		env *record.Envelope
	)
	err := m.commit(cmd.Tree, writeIdx, func(tx *txn) error {
		var err error
		if env, err = m.load(cmd.Tree, cmd.ID); err != nil {
			return err
		}
		if env.Deleted {
			return errs.Newf(errs.RetCNotFound, "record %s/%s is deleted", cmd.Tree, cmd.ID)
		}

		key := borrow.Key{Tree: cmd.Tree, ID: cmd.ID}
		_, held := m.borrows.Holder(key)
		rec, err = m.borrows.Checkout(key, cmd.Client, cmd.Now)
		if err != nil {
			metrics.GetOrCreateCounter(`tkv_borrow_conflicts_total`).Inc()
			return err
		}
		if !held {
			tx.undo = append(tx.undo, func() { m.borrows.Drop(key) })
			tx.borrowChange(rec, events.KindCheckout, cmd.Client)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return EncodeCheckout(rec, env), nil
}

func (m *Machine) checkin(cmd Command, writeIdx uint64) error {
	return m.commit(cmd.Tree, writeIdx, func(tx *txn) error {
		key := borrow.Key{Tree: cmd.Tree, ID: cmd.ID}
		rec, err := m.borrows.Checkin(key, cmd.Client)
		if err != nil {
			return err
		}
		tx.undo = append(tx.undo, func() { m.borrows.Put(rec) })
		tx.borrowChange(rec, events.KindCheckin, cmd.Client)
		return nil
	})
}

func (m *Machine) reconcile(cmd Command, writeIdx uint64) ([]borrow.Outcome, error) {
	byTree := make(map[string][]borrow.Key)
	var order []string
	for _, k := range cmd.Keys {
		if _, ok := byTree[k.Tree]; !ok {
			order = append(order, k.Tree)
		}
		byTree[k.Tree] = append(byTree[k.Tree], k)
	}
	sort.Strings(order)

	var outcomes []borrow.Outcome
	for _, treeName := range order {
		err := m.commit(treeName, writeIdx, func(tx *txn) error {
			res, granted := m.borrows.Reconcile(cmd.Client, byTree[treeName], cmd.Now)
			for _, rec := range granted {
				key := rec.Key
				tx.undo = append(tx.undo, func() { m.borrows.Drop(key) })
				tx.borrowChange(rec, events.KindCheckout, cmd.Client)
			}
			outcomes = append(outcomes, res...)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return outcomes, nil
}

func (m *Machine) revoke(cmd Command, writeIdx uint64) ([]borrow.Record, error) {
	byTree := make(map[string][]borrow.Record)
	var order []string
	for _, rec := range m.borrows.List(cmd.Client) {
		if _, ok := byTree[rec.Key.Tree]; !ok {
			order = append(order, rec.Key.Tree)
		}
		byTree[rec.Key.Tree] = append(byTree[rec.Key.Tree], rec)
	}

	var revoked []borrow.Record
	for _, treeName := range order {
		err := m.commit(treeName, writeIdx, func(tx *txn) error {
			for _, rec := range byTree[treeName] {
				cur, ok := m.borrows.Holder(rec.Key)
				if !ok || cur.Holder != cmd.Client {
					continue
				}
				m.borrows.Drop(cur.Key)
				tx.undo = append(tx.undo, func() { m.borrows.Put(cur) })
				tx.borrowChange(cur, events.KindRevoke, cmd.Client)
				revoked = append(revoked, cur)
			}
			return nil
		})
		if err != nil {
			return revoked, err
		}
	}
	if len(revoked) > 0 {
		log.Infof("revoked %d borrow(s) of stale client %s", len(revoked), cmd.Client)
	}
	return revoked, nil
}

func (m *Machine) ack(cmd Command, writeIdx uint64) error {
	unlock := m.lockTree(layout.Clients)
	defer unlock()

	key := layout.ClientKey(cmd.Client, cmd.Tree)
	have, err := layout.GetU64(m.db, layout.Clients, key)
	if err != nil {
		return err
	}
	if cmd.N <= have {
		return nil
	}
	if err := m.db.Commit(db.NewBatch().Set(layout.Clients, key, layout.U64(cmd.N)).SetWriteIdx(writeIdx)); err != nil {
		return errs.Wrap(errs.RetCStorageIO, err)
	}
	return nil
}

// --------------------------------------------------------------------------
// Lookup
// --------------------------------------------------------------------------

// Lookup answers a read-only query. Result types per query:
//
//	Get       QueryResult (Value = encoded envelope)
//	List      []*record.Envelope
//	ReadLog   []events.Change
//	Cursor    uint64
//	Trees     []string
//	Ranges    []keys.Range
//	Borrows   []borrow.Record
//	Identity  string
//	GetDBInfo db.DatabaseInfo
func (m *Machine) Lookup(q Query) (interface{}, error) {
	switch q.Type {
	case QueryTGet:
		val, ok, err := m.db.Get(q.Tree, q.ID.Bytes())
		if err != nil {
			return nil, errs.Wrap(errs.RetCStorageIO, err)
		}
		return QueryResult{Ok: ok, Value: val}, nil
	case QueryTList:
		return m.list(q)
	case QueryTReadLog:
		return m.readLog(q)
	case QueryTCursor:
		return layout.GetU64(m.db, layout.Meta, layout.MetaCursor(q.Tree))
	case QueryTTrees:
		trees, err := layout.UserTrees(m.db)
		if trees == nil {
			trees = []string{}
		}
		return trees, err
	case QueryTRanges:
		return m.ranges(q.Tree)
	case QueryTBorrows:
		return m.borrows.List(q.Client), nil
	case QueryTIdentity:
		return identity.Load(m.db, identity.ServerKey)
	case QueryTGetDBInfo:
		return m.db.GetInfo(), nil
	default:
		return nil, errs.Newf(errs.RetCInvalidOperation, "unknown Query operation: %d", q.Type)
	}
}

func (m *Machine) list(q Query) ([]*record.Envelope, error) {
	var from []byte
	if !q.ID.IsZero() {
		from = q.ID.Next().Bytes()
	}
	out := []*record.Envelope{}
	var decErr error
	err := m.db.Scan(q.Tree, from, nil, func(_, value []byte) bool {
		env, err := record.Decode(value)
		if err != nil {
			decErr = err
			return false
		}
		out = append(out, env)
		return q.Limit <= 0 || len(out) < q.Limit
	})
	if err != nil {
		return nil, errs.Wrap(errs.RetCStorageIO, err)
	}
	return out, decErr
}

func (m *Machine) readLog(q Query) ([]events.Change, error) {
	out := []events.Change{}
	var decErr error
	err := m.db.Scan(layout.Log(q.Tree), layout.U64(q.After+1), nil, func(_, value []byte) bool {
		c, err := events.DecodeChange(value)
		if err != nil {
			decErr = err
			return false
		}
		out = append(out, c)
		return q.Limit <= 0 || len(out) < q.Limit
	})
	if err != nil {
		return nil, errs.Wrap(errs.RetCStorageIO, err)
	}
	return out, decErr
}

func (m *Machine) ranges(treeName string) ([]keys.Range, error) {
	out := []keys.Range{}
	var decErr error
	err := m.db.Scan(layout.Ranges(treeName), nil, nil, func(_, value []byte) bool {
		var r keys.Range
		if decErr = r.UnmarshalBinary(value); decErr != nil {
			return false
		}
		out = append(out, r)
		return true
	})
	if err != nil {
		return nil, errs.Wrap(errs.RetCStorageIO, err)
	}
	return out, decErr
}

// --------------------------------------------------------------------------
// Snapshots
// --------------------------------------------------------------------------

// Save writes a database snapshot. Live borrows are part of the database.
func (m *Machine) Save(w io.Writer) error {
	if !m.db.SupportsFeature(db.FeatureSave) {
		return errs.NewError(errs.RetCUnsupportedOperation, "the used KVDB implementation does not support Save() operations")
	}
	return m.db.Save(w)
}

// Recover replaces the database with a snapshot written by Save and rebuilds
// the borrow table from it
func (m *Machine) Recover(r io.Reader) error {
	if !m.db.SupportsFeature(db.FeatureLoad) {
		return errs.NewError(errs.RetCUnsupportedOperation, "the used KVDB implementation does not support Load() operations")
	}
	if err := m.db.Load(r); err != nil {
		return err
	}
	return m.LoadBorrows()
}

// LoadBorrows rebuilds the in-memory borrow table from the database. It must
// run before the first command when the machine opens a durable database.
func (m *Machine) LoadBorrows() error {
	var (
		records []borrow.Record
		decErr  error
	)
	err := m.db.Scan(layout.Borrows, nil, nil, func(_, value []byte) bool {
		var rec borrow.Record
		if decErr = rec.UnmarshalBinary(value); decErr != nil {
			return false
		}
		records = append(records, rec)
		return true
	})
	if err != nil {
		return errs.Wrap(errs.RetCStorageIO, fmt.Errorf("load borrows: %w", err))
	}
	if decErr != nil {
		return errs.Wrap(errs.RetCStorageIO, fmt.Errorf("load borrows: %w", decErr))
	}
	m.borrows.Reset(records)
	if len(records) > 0 {
		log.Infof("loaded %d live borrow(s)", len(records))
	}
	return nil
}

// Close closes the database
func (m *Machine) Close() error {
	return m.db.Close()
}
