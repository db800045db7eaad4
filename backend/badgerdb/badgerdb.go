// Package badgerdb provides an embedded BadgerDB backend.
//
// Each scope is one read-write badger.Txn. Rows are stored as JSON documents
// under "row/<table>/<id>"; generated identifiers come from a per-table
// badger.Sequence and are not reused after a rollback. Conflicting concurrent
// transactions fail at Commit with backend.ErrConstraint.
package badgerdb

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"github.com/jacentio/tessera/backend"
)

const sequenceBandwidth = 100

// Config holds configuration for Open.
type Config struct {
	// Dir is the data directory. Ignored when InMemory is set.
	Dir string

	// InMemory keeps all data in memory.
	InMemory bool

	// IDColumn is the identifier column of every table.
	// Default: "id"
	IDColumn string
}

// Row is a stored row. Numbers decode as json.Number.
type Row map[string]any

// DB is a BadgerDB-backed backend.
type DB struct {
	db       *badger.DB
	idColumn string
	owned    bool

	mu   sync.Mutex
	seqs map[string]*badger.Sequence
}

// Open opens a badger database and wraps it.
func Open(cfg Config) (*DB, error) {
	opts := badger.DefaultOptions(cfg.Dir).WithLogger(nil)
	if cfg.InMemory {
		opts = opts.WithDir("").WithValueDir("").WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	d := New(db, cfg.IDColumn)
	d.owned = true
	return d, nil
}

// New wraps an open badger database. The caller keeps ownership of db.
func New(db *badger.DB, idColumn string) *DB {
	if idColumn == "" {
		idColumn = "id"
	}
	return &DB{
		db:       db,
		idColumn: idColumn,
		seqs:     make(map[string]*badger.Sequence),
	}
}

// Close releases sequences and, if the database was opened by Open, closes it.
func (d *DB) Close() error {
	d.mu.Lock()
	var errs []error
	for name, seq := range d.seqs {
		if err := seq.Release(); err != nil {
			errs = append(errs, fmt.Errorf("release sequence %s: %w", name, err))
		}
	}
	d.seqs = make(map[string]*badger.Sequence)
	d.mu.Unlock()

	if d.owned {
		errs = append(errs, d.db.Close())
	}
	return errors.Join(errs...)
}

// Begin opens a read-write transaction.
func (d *DB) Begin(ctx context.Context) (backend.Scope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &scope{db: d, txn: d.db.NewTransaction(true)}, nil
}

// Get reads a committed row.
func (d *DB) Get(table string, id any) (Row, bool, error) {
	var (
		row   Row
		found bool
	)
	err := d.db.View(func(txn *badger.Txn) error {
		var err error
		row, found, err = readRow(txn, rowKey(table, id))
		return err
	})
	return row, found, err
}

func (d *DB) nextID(table string) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	seq, ok := d.seqs[table]
	if !ok {
		var err error
		seq, err = d.db.GetSequence([]byte("seq/"+table), sequenceBandwidth)
		if err != nil {
			return 0, fmt.Errorf("sequence %s: %w", table, err)
		}
		d.seqs[table] = seq
	}
	n, err := seq.Next()
	if err != nil {
		return 0, fmt.Errorf("sequence %s: %w", table, err)
	}
	return int64(n) + 1, nil
}

type scope struct {
	db   *DB
	txn  *badger.Txn
	done bool
}

func (s *scope) Apply(ctx context.Context, m backend.Mutation) (backend.Result, error) {
	if s.done {
		return backend.Result{}, backend.ErrScopeClosed
	}
	if err := ctx.Err(); err != nil {
		return backend.Result{}, err
	}

	switch m.Op {
	case backend.OpInsert:
		return s.insert(m)
	case backend.OpUpdate:
		return backend.Result{}, s.update(m)
	case backend.OpDelete:
		return backend.Result{}, s.delete(m)
	default:
		return backend.Result{}, fmt.Errorf("badgerdb: unsupported op %s", m.Op)
	}
}

func (s *scope) insert(m backend.Mutation) (backend.Result, error) {
	row := make(Row, len(m.Values)+len(m.Key))
	for k, v := range m.Values {
		row[k] = v
	}
	for k, v := range m.Key {
		row[k] = v
	}

	var generated any
	id, ok := row[s.db.idColumn]
	if !ok || id == nil {
		n, err := s.db.nextID(m.Table)
		if err != nil {
			return backend.Result{}, err
		}
		id = n
		row[s.db.idColumn] = n
		generated = n
	}

	key := rowKey(m.Table, id)
	_, exists, err := readRow(s.txn, key)
	if err != nil {
		return backend.Result{}, err
	}
	if exists {
		return backend.Result{}, fmt.Errorf("%w: %s.%s=%v", backend.ErrDuplicateKey, m.Table, s.db.idColumn, id)
	}
	if err := s.write(key, row); err != nil {
		return backend.Result{}, err
	}
	return backend.Result{Generated: generated}, nil
}

func (s *scope) update(m backend.Mutation) error {
	id, ok := backend.RowID(m, s.db.idColumn)
	if !ok {
		return fmt.Errorf("badgerdb: update on %s without %s", m.Table, s.db.idColumn)
	}
	key := rowKey(m.Table, id)
	row, exists, err := readRow(s.txn, key)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s.%s=%v", backend.ErrNotFound, m.Table, s.db.idColumn, id)
	}
	for k, v := range m.Values {
		if k == s.db.idColumn {
			continue
		}
		row[k] = v
	}
	return s.write(key, row)
}

func (s *scope) delete(m backend.Mutation) error {
	id, ok := backend.RowID(m, s.db.idColumn)
	if !ok {
		return fmt.Errorf("badgerdb: delete on %s without %s", m.Table, s.db.idColumn)
	}
	key := rowKey(m.Table, id)
	_, exists, err := readRow(s.txn, key)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s.%s=%v", backend.ErrNotFound, m.Table, s.db.idColumn, id)
	}
	return mapTxnError(s.txn.Delete(key))
}

func (s *scope) write(key []byte, row Row) error {
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("encode row: %w", err)
	}
	return mapTxnError(s.txn.Set(key, data))
}

func (s *scope) Commit(ctx context.Context) error {
	if s.done {
		return backend.ErrScopeClosed
	}
	s.done = true
	defer s.txn.Discard()
	return mapTxnError(s.txn.Commit())
}

func (s *scope) Rollback(ctx context.Context) error {
	if s.done {
		return backend.ErrScopeClosed
	}
	s.done = true
	s.txn.Discard()
	return nil
}

func mapTxnError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, badger.ErrConflict):
		return fmt.Errorf("%w: %v", backend.ErrConstraint, err)
	case errors.Is(err, badger.ErrTxnTooBig):
		return fmt.Errorf("%w: %v", backend.ErrTooManyMutations, err)
	default:
		return err
	}
}

func rowKey(table string, id any) []byte {
	return []byte(fmt.Sprintf("row/%s/%v", table, id))
}

func readRow(txn *badger.Txn, key []byte) (Row, bool, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var row Row
	err = item.Value(func(val []byte) error {
		dec := json.NewDecoder(bytes.NewReader(val))
		dec.UseNumber()
		return dec.Decode(&row)
	})
	if err != nil {
		return nil, false, fmt.Errorf("decode row %s: %w", key, err)
	}
	return row, true, nil
}
