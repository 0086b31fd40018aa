package sqlite

import (
	"database/sql"
	_ "embed"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/tKV/lib/db"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

const (
	scanChunkSize = 256
	loadBatchSize = 4096
	writeIdxName  = "write_idx"
)

// --------------------------------------------------------------------------
// Database Structure
// --------------------------------------------------------------------------

type sqliteImpl struct {
	sdb      *sql.DB
	path     string
	commitMu sync.Mutex
	writeIdx atomic.Uint64
	closed   atomic.Bool
}

// DBOptions configures the sqlite engine
type DBOptions struct {
	Path string // database file, created if missing
}

// NewSqliteDB opens (or creates) a SQLite database file.
// The database runs in WAL mode with a single connection, every batch is one transaction.
func NewSqliteDB(opts *DBOptions) (db.KVDB, error) {
	if opts == nil || opts.Path == "" {
		return nil, fmt.Errorf("sqlite: a database path is required")
	}

	sdb, err := sql.Open("sqlite3", opts.Path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", opts.Path, err)
	}
	if err := sdb.Ping(); err != nil {
		sdb.Close()
		return nil, fmt.Errorf("sqlite: connect %s: %w", opts.Path, err)
	}

	// sqlite only supports one writer at a time
	sdb.SetMaxOpenConns(1)
	sdb.SetMaxIdleConns(1)

	if err := applyPragmas(sdb); err != nil {
		sdb.Close()
		return nil, err
	}
	if _, err := sdb.Exec(schemaSQL); err != nil {
		sdb.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}

	impl := &sqliteImpl{sdb: sdb, path: opts.Path}

	var idx int64
	err = sdb.QueryRow("SELECT value FROM meta WHERE name = ?", writeIdxName).Scan(&idx)
	switch {
	case err == nil:
		impl.writeIdx.Store(uint64(idx))
	case err == sql.ErrNoRows:
	default:
		sdb.Close()
		return nil, fmt.Errorf("sqlite: read write index: %w", err)
	}

	return impl, nil
}

func applyPragmas(sdb *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := sdb.Exec(pragma); err != nil {
			return fmt.Errorf("sqlite: failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

// --------------------------------------------------------------------------
// Interface Methods (docu see db.KVDB)
// --------------------------------------------------------------------------

func (s *sqliteImpl) Commit(b *db.Batch) (err error) {
	if s.closed.Load() {
		return db.ErrClosed
	}

	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	tx, err := s.sdb.Begin()
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	upsert, err := tx.Prepare("INSERT INTO kv (tree, k, v) VALUES (?, ?, ?) ON CONFLICT (tree, k) DO UPDATE SET v = excluded.v")
	if err != nil {
		return err
	}
	defer upsert.Close()

	remove, err := tx.Prepare("DELETE FROM kv WHERE tree = ? AND k = ?")
	if err != nil {
		return err
	}
	defer remove.Close()

	for _, op := range b.Ops() {
		if op.Delete {
			_, err = remove.Exec(op.Tree, op.Key)
		} else {
			_, err = upsert.Exec(op.Tree, op.Key, op.Value)
		}
		if err != nil {
			return fmt.Errorf("sqlite: apply batch: %w", err)
		}
	}

	newIdx := b.WriteIdx()
	advance := newIdx > s.writeIdx.Load()
	if advance {
		_, err = tx.Exec("INSERT INTO meta (name, value) VALUES (?, ?) ON CONFLICT (name) DO UPDATE SET value = excluded.value",
			writeIdxName, int64(newIdx))
		if err != nil {
			return fmt.Errorf("sqlite: store write index: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	if advance {
		s.writeIdx.Store(newIdx)
	}
	return nil
}

func (s *sqliteImpl) Get(tree string, key []byte) ([]byte, bool, error) {
	if s.closed.Load() {
		return nil, false, db.ErrClosed
	}

	var value []byte
	err := s.sdb.QueryRow("SELECT v FROM kv WHERE tree = ? AND k = ?", tree, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if value == nil {
		value = []byte{}
	}
	return value, true, nil
}

func (s *sqliteImpl) Has(tree string, key []byte) (bool, error) {
	if s.closed.Load() {
		return false, db.ErrClosed
	}

	var one int
	err := s.sdb.QueryRow("SELECT 1 FROM kv WHERE tree = ? AND k = ?", tree, key).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// Scan reads the range in chunks and calls fn after each chunk's rows are
// closed, so fn may use the (single) connection itself.
func (s *sqliteImpl) Scan(tree string, from, to []byte, fn func(key, value []byte) bool) error {
	if s.closed.Load() {
		return db.ErrClosed
	}

	return scanChunks(s.sdb, tree, from, to, fn)
}

type querier interface {
	Query(query string, args ...any) (*sql.Rows, error)
}

func scanChunks(q querier, tree string, from, to []byte, fn func(key, value []byte) bool) error {
	cursor := from
	if cursor == nil {
		cursor = []byte{}
	}
	for {
		chunk, err := collect(q, tree, cursor, to, scanChunkSize)
		if err != nil {
			return err
		}
		for _, kv := range chunk {
			if !fn(kv[0], kv[1]) {
				return nil
			}
		}
		if len(chunk) < scanChunkSize {
			return nil
		}
		last := chunk[len(chunk)-1][0]
		cursor = append(append([]byte(nil), last...), 0x00)
	}
}

func collect(q querier, tree string, from, to []byte, limit int) ([][2][]byte, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if to == nil {
		rows, err = q.Query("SELECT k, v FROM kv WHERE tree = ? AND k >= ? ORDER BY k LIMIT ?", tree, from, limit)
	} else {
		rows, err = q.Query("SELECT k, v FROM kv WHERE tree = ? AND k >= ? AND k < ? ORDER BY k LIMIT ?", tree, from, to, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: scan: %w", err)
	}
	defer rows.Close()

	var out [][2][]byte
	for rows.Next() {
		var k, v []byte
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out = append(out, [2][]byte{k, v})
	}
	return out, rows.Err()
}

func (s *sqliteImpl) Trees() ([]string, error) {
	if s.closed.Load() {
		return nil, db.ErrClosed
	}
	return listTrees(s.sdb)
}

func listTrees(q querier) ([]string, error) {
	rows, err := q.Query("SELECT DISTINCT tree FROM kv ORDER BY tree")
	if err != nil {
		return nil, fmt.Errorf("sqlite: list trees: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Save streams a consistent view from inside one read transaction
func (s *sqliteImpl) Save(w io.Writer) error {
	if s.closed.Load() {
		return db.ErrClosed
	}

	s.commitMu.Lock()
	tx, err := s.sdb.Begin()
	idx := s.writeIdx.Load()
	s.commitMu.Unlock()
	if err != nil {
		return fmt.Errorf("sqlite: begin snapshot: %w", err)
	}
	defer tx.Rollback()

	return db.WriteSnapshot(w, &txView{tx: tx, writeIdx: idx})
}

func (s *sqliteImpl) Load(r io.Reader) error {
	if s.closed.Load() {
		return db.ErrClosed
	}

	s.commitMu.Lock()
	_, err := s.sdb.Exec("DELETE FROM kv; DELETE FROM meta;")
	s.writeIdx.Store(0)
	s.commitMu.Unlock()
	if err != nil {
		return fmt.Errorf("sqlite: clear before load: %w", err)
	}

	return db.LoadInto(r, s, loadBatchSize)
}

func (s *sqliteImpl) SupportsFeature(feature db.Feature) bool {
	supported := db.FeatureGet | db.FeatureScan | db.FeatureBatch | db.FeatureSave | db.FeatureLoad | db.FeatureDurable
	return supported&feature == feature
}

func (s *sqliteImpl) GetInfo() db.DatabaseInfo {
	info := db.DatabaseInfo{
		DbType: db.ImplSqlite,
		SupportedFeatures: []db.Feature{
			db.FeatureGet, db.FeatureScan, db.FeatureBatch, db.FeatureSave, db.FeatureLoad, db.FeatureDurable,
		},
	}
	if s.closed.Load() {
		return info
	}

	var pageCount, pageSize, entries int
	_ = s.sdb.QueryRow("PRAGMA page_count").Scan(&pageCount)
	_ = s.sdb.QueryRow("PRAGMA page_size").Scan(&pageSize)
	_ = s.sdb.QueryRow("SELECT COUNT(*) FROM kv").Scan(&entries)
	_ = s.sdb.QueryRow("SELECT COUNT(DISTINCT tree) FROM kv").Scan(&info.Trees)

	info.SizeBytes = pageCount * pageSize
	info.Metadata = &struct {
		CurrentWriteIndex uint64 `json:"current_write_index"`
		Path              string `json:"path"`
		Entries           int    `json:"entries"`
	}{
		CurrentWriteIndex: s.writeIdx.Load(),
		Path:              s.path,
		Entries:           entries,
	}
	return info
}

func (s *sqliteImpl) WriteIdx() uint64 {
	return s.writeIdx.Load()
}

func (s *sqliteImpl) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.sdb.Close()
}

// txView exposes a read transaction as db.SnapshotSource
type txView struct {
	tx       *sql.Tx
	writeIdx uint64
}

func (v *txView) Trees() ([]string, error) { return listTrees(v.tx) }

func (v *txView) Scan(tree string, from, to []byte, fn func(key, value []byte) bool) error {
	return scanChunks(v.tx, tree, from, to, fn)
}

func (v *txView) WriteIdx() uint64 { return v.writeIdx }
