// Package memory provides an in-process backend with real transaction
// semantics, used by tests and local runs.
//
// A scope holds the database's transaction slot from Begin until Commit or
// Rollback, so scopes are serialized. Writes go to a private copy of the tables
// that replaces the committed state only on Commit.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/jacentio/tessera/backend"
)

// Row is a stored row keyed by column name.
type Row map[string]any

type table struct {
	rows   map[string]Row
	nextID int64
}

type foreignKey struct {
	table    string
	column   string
	refTable string
}

// DB is an in-memory database.
type DB struct {
	idColumn string

	slot chan struct{}

	mu     sync.RWMutex
	tables map[string]*table
	unique map[string][]string // table -> columns
	fks    []foreignKey

	begins    int
	commits   int
	rollbacks int
}

// Option configures a DB.
type Option func(*DB)

// WithIDColumn sets the identifier column (default "id").
func WithIDColumn(column string) Option {
	return func(db *DB) {
		db.idColumn = column
	}
}

// WithUnique declares a unique constraint on table.column.
func WithUnique(tableName, column string) Option {
	return func(db *DB) {
		db.unique[tableName] = append(db.unique[tableName], column)
	}
}

// WithForeignKey declares that table.column references the identifier of refTable.
// Deleting a referenced row is rejected.
func WithForeignKey(tableName, column, refTable string) Option {
	return func(db *DB) {
		db.fks = append(db.fks, foreignKey{table: tableName, column: column, refTable: refTable})
	}
}

// WithNextID sets the next auto-increment identifier for a table.
func WithNextID(tableName string, next int64) Option {
	return func(db *DB) {
		db.table(tableName).nextID = next
	}
}

// New creates an empty DB.
func New(opts ...Option) *DB {
	db := &DB{
		idColumn: "id",
		slot:     make(chan struct{}, 1),
		tables:   make(map[string]*table),
		unique:   make(map[string][]string),
	}
	for _, opt := range opts {
		opt(db)
	}
	return db
}

func (db *DB) table(name string) *table {
	t, ok := db.tables[name]
	if !ok {
		t = &table{rows: make(map[string]Row), nextID: 1}
		db.tables[name] = t
	}
	return t
}

// Begin acquires the transaction slot and opens a scope over a copy of the data.
func (db *DB) Begin(ctx context.Context) (backend.Scope, error) {
	select {
	case db.slot <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	db.mu.Lock()
	db.begins++
	work := cloneTables(db.tables)
	db.mu.Unlock()

	return &scope{db: db, tables: work}, nil
}

// Get returns a copy of a committed row.
func (db *DB) Get(tableName string, id any) (Row, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	t, ok := db.tables[tableName]
	if !ok {
		return nil, false
	}
	row, ok := t.rows[idString(id)]
	if !ok {
		return nil, false
	}
	return cloneRow(row), true
}

// Rows returns copies of all committed rows of a table, ordered by identifier.
// Integer identifiers sort numerically and before any other identifier.
func (db *DB) Rows(tableName string) []Row {
	db.mu.RLock()
	defer db.mu.RUnlock()
	t, ok := db.tables[tableName]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(t.rows))
	for id := range t.rows {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return idLess(ids[i], ids[j]) })
	out := make([]Row, 0, len(ids))
	for _, id := range ids {
		out = append(out, cloneRow(t.rows[id]))
	}
	return out
}

// Begins returns how many scopes were opened.
func (db *DB) Begins() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.begins
}

// Commits returns how many scopes were committed.
func (db *DB) Commits() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.commits
}

// Rollbacks returns how many scopes were rolled back.
func (db *DB) Rollbacks() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.rollbacks
}

type scope struct {
	db     *DB
	tables map[string]*table
	done   bool
}

func (s *scope) tbl(name string) *table {
	t, ok := s.tables[name]
	if !ok {
		t = &table{rows: make(map[string]Row), nextID: 1}
		s.tables[name] = t
	}
	return t
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
		return backend.Result{}, fmt.Errorf("memory: unsupported op %s", m.Op)
	}
}

func (s *scope) insert(m backend.Mutation) (backend.Result, error) {
	t := s.tbl(m.Table)
	row := cloneRow(m.Values)
	for k, v := range m.Key {
		row[k] = v
	}

	var generated any
	id, ok := row[s.db.idColumn]
	if !ok || id == nil {
		for {
			candidate := t.nextID
			t.nextID++
			if _, taken := t.rows[idString(candidate)]; !taken {
				id = candidate
				break
			}
		}
		row[s.db.idColumn] = id
		generated = id
	}

	if _, exists := t.rows[idString(id)]; exists {
		return backend.Result{}, fmt.Errorf("%w: %s.%s=%v", backend.ErrDuplicateKey, m.Table, s.db.idColumn, id)
	}
	if err := s.checkRow(m.Table, idString(id), row); err != nil {
		return backend.Result{}, err
	}

	t.rows[idString(id)] = row
	return backend.Result{Generated: generated}, nil
}

func (s *scope) update(m backend.Mutation) error {
	id, ok := backend.RowID(m, s.db.idColumn)
	if !ok {
		return fmt.Errorf("memory: update on %s without %s", m.Table, s.db.idColumn)
	}
	t := s.tbl(m.Table)
	current, exists := t.rows[idString(id)]
	if !exists {
		return fmt.Errorf("%w: %s.%s=%v", backend.ErrNotFound, m.Table, s.db.idColumn, id)
	}

	next := cloneRow(current)
	for k, v := range m.Values {
		if k == s.db.idColumn {
			continue
		}
		next[k] = v
	}
	if err := s.checkRow(m.Table, idString(id), next); err != nil {
		return err
	}
	t.rows[idString(id)] = next
	return nil
}

func (s *scope) delete(m backend.Mutation) error {
	id, ok := backend.RowID(m, s.db.idColumn)
	if !ok {
		return fmt.Errorf("memory: delete on %s without %s", m.Table, s.db.idColumn)
	}
	t := s.tbl(m.Table)
	key := idString(id)
	if _, exists := t.rows[key]; !exists {
		return fmt.Errorf("%w: %s.%s=%v", backend.ErrNotFound, m.Table, s.db.idColumn, id)
	}

	for _, fk := range s.db.fks {
		if fk.refTable != m.Table {
			continue
		}
		for _, row := range s.tbl(fk.table).rows {
			if v, ok := row[fk.column]; ok && v != nil && idString(v) == key {
				return fmt.Errorf("%w: %s.%s still references %s %v", backend.ErrForeignKey, fk.table, fk.column, m.Table, id)
			}
		}
	}

	delete(t.rows, key)
	return nil
}

// checkRow enforces unique and foreign-key constraints for a row about to be
// stored under id.
func (s *scope) checkRow(tableName, id string, row Row) error {
	for _, column := range s.db.unique[tableName] {
		v, ok := row[column]
		if !ok || v == nil {
			continue
		}
		for otherID, other := range s.tbl(tableName).rows {
			if otherID == id {
				continue
			}
			if ov, ok := other[column]; ok && idString(ov) == idString(v) {
				return fmt.Errorf("%w: %s.%s=%v", backend.ErrDuplicateKey, tableName, column, v)
			}
		}
	}

	for _, fk := range s.db.fks {
		if fk.table != tableName {
			continue
		}
		v, ok := row[fk.column]
		if !ok || v == nil {
			continue
		}
		if _, exists := s.tbl(fk.refTable).rows[idString(v)]; !exists {
			return fmt.Errorf("%w: %s.%s=%v has no %s row", backend.ErrForeignKey, tableName, fk.column, v, fk.refTable)
		}
	}
	return nil
}

func (s *scope) Commit(ctx context.Context) error {
	if s.done {
		return backend.ErrScopeClosed
	}
	s.done = true
	defer s.release()

	s.db.mu.Lock()
	s.db.tables = s.tables
	s.db.commits++
	s.db.mu.Unlock()
	return nil
}

func (s *scope) Rollback(ctx context.Context) error {
	if s.done {
		return backend.ErrScopeClosed
	}
	s.done = true
	defer s.release()

	s.db.mu.Lock()
	s.db.rollbacks++
	s.db.mu.Unlock()
	s.tables = nil
	return nil
}

func (s *scope) release() {
	<-s.db.slot
}

func idLess(a, b string) bool {
	na, errA := strconv.ParseInt(a, 10, 64)
	nb, errB := strconv.ParseInt(b, 10, 64)
	switch {
	case errA == nil && errB == nil:
		return na < nb
	case errA == nil:
		return true
	case errB == nil:
		return false
	}
	return a < b
}

func idString(v any) string {
	return fmt.Sprint(v)
}

func cloneRow(r map[string]any) Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

func cloneTables(in map[string]*table) map[string]*table {
	out := make(map[string]*table, len(in))
	for name, t := range in {
		rows := make(map[string]Row, len(t.rows))
		for id, r := range t.rows {
			rows[id] = cloneRow(r)
		}
		out[name] = &table{rows: rows, nextID: t.nextID}
	}
	return out
}
