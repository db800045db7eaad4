// Package backend defines the storage boundary used by the batch engine.
//
// A Backend opens a Scope; a Scope applies context-resolved mutations and is
// finished exactly once by Commit or Rollback. Implementations live in the
// sub-packages (memory, dynamo, badgerdb, redis).
package backend

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrConstraint is returned when the backend rejects a mutation on a data constraint.
	ErrConstraint = errors.New("tessera: constraint violation")

	// ErrDuplicateKey is returned when an insert collides with an existing row.
	ErrDuplicateKey = fmt.Errorf("%w: duplicate key", ErrConstraint)

	// ErrForeignKey is returned when a referenced row does not exist.
	ErrForeignKey = fmt.Errorf("%w: foreign key", ErrConstraint)

	// ErrNotFound is returned when an update or delete targets a missing row.
	ErrNotFound = errors.New("tessera: row not found")

	// ErrScopeClosed is returned when a finished scope is used again.
	ErrScopeClosed = errors.New("tessera: scope already finished")

	// ErrTooManyMutations is returned when a scope exceeds the backend's batch limit.
	ErrTooManyMutations = errors.New("tessera: too many mutations in one transaction")
)

// Op is the kind of storage mutation.
type Op int

const (
	OpInsert Op = iota
	OpUpdate
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("op(%d)", int(o))
	}
}

// Mutation is a fully resolved storage operation.
type Mutation struct {
	Op    Op
	Table string

	// Key identifies the row for updates and deletes. Inserts may leave it empty.
	Key map[string]any

	// Values holds the column values to write.
	Values map[string]any
}

// Result is returned by a successful Apply.
type Result struct {
	// Generated is the identifier assigned by the backend on insert, or nil.
	Generated any
}

// Backend opens transaction scopes.
type Backend interface {
	Begin(ctx context.Context) (Scope, error)
}

// Scope is one open transaction. It is owned by a single runner and is not
// safe for concurrent use.
type Scope interface {
	Apply(ctx context.Context, m Mutation) (Result, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// RowID returns the identifier carried by a mutation, looking at Key first and
// then Values, using column as the identifier column.
func RowID(m Mutation, column string) (any, bool) {
	if v, ok := m.Key[column]; ok && v != nil {
		return v, true
	}
	if v, ok := m.Values[column]; ok && v != nil {
		return v, true
	}
	return nil, false
}
