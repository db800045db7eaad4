// Package unitofwork builds batches of commands from entity-level intent.
//
// A UnitOfWork names each command with a caller-chosen ref and turns
// registered parent-child relationships into bindings: a child attached to a
// parent receives the parent's generated identifier in its foreign key
// column. Plans decoded from JSON are applied to a UnitOfWork with Build.
package unitofwork

import (
	"context"
	"errors"
	"fmt"

	"github.com/jacentio/tessera/batch"
)

var (
	// ErrDuplicateRef is returned when a ref is registered twice.
	ErrDuplicateRef = errors.New("tessera: duplicate ref")

	// ErrUnknownRef is returned when a ref has not been registered.
	ErrUnknownRef = errors.New("tessera: unknown ref")

	// ErrNoRelationship is returned when two tables have no registered relationship.
	ErrNoRelationship = errors.New("tessera: no relationship")

	// ErrInvalidAttach is returned when a delete is attached to a parent.
	ErrInvalidAttach = errors.New("tessera: deletes cannot take a parent's identifier")
)

// UnitOfWork collects commands for one batch.
type UnitOfWork struct {
	registry *Registry
	refs     map[string]*batch.Command
	order    []string
}

// New creates a UnitOfWork. A nil registry is treated as empty.
func New(registry *Registry) *UnitOfWork {
	if registry == nil {
		registry = NewRegistry()
	}
	return &UnitOfWork{
		registry: registry,
		refs:     make(map[string]*batch.Command),
	}
}

func (u *UnitOfWork) add(ref string, c *batch.Command) (*batch.Command, error) {
	if ref == "" {
		return nil, fmt.Errorf("%w: empty ref", ErrUnknownRef)
	}
	if _, exists := u.refs[ref]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateRef, ref)
	}
	u.refs[ref] = c
	u.order = append(u.order, ref)
	return c, nil
}

// Insert registers an insert under ref.
func (u *UnitOfWork) Insert(ref, table string, values map[string]any, opts ...batch.CommandOption) (*batch.Command, error) {
	return u.add(ref, batch.NewInsert(table, values, withRef(ref, opts)...))
}

// InsertChild registers an insert under ref whose foreign key is filled from
// the command registered as parentRef.
func (u *UnitOfWork) InsertChild(ref, table string, values map[string]any, parentRef string, opts ...batch.CommandOption) (*batch.Command, error) {
	if _, ok := u.refs[parentRef]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRef, parentRef)
	}
	c, err := u.Insert(ref, table, values, opts...)
	if err != nil {
		return nil, err
	}
	if err := u.Attach(ref, parentRef); err != nil {
		u.remove(ref)
		return nil, err
	}
	return c, nil
}

// Update registers an update under ref.
func (u *UnitOfWork) Update(ref, table string, key, values map[string]any, opts ...batch.CommandOption) (*batch.Command, error) {
	return u.add(ref, batch.NewUpdate(table, key, values, withRef(ref, opts)...))
}

// Delete registers a delete under ref.
func (u *UnitOfWork) Delete(ref, table string, key map[string]any, opts ...batch.CommandOption) (*batch.Command, error) {
	return u.add(ref, batch.NewDelete(table, key, withRef(ref, opts)...))
}

// Attach binds childRef's foreign key to parentRef's identifier using the
// registered relationship between their tables.
func (u *UnitOfWork) Attach(childRef, parentRef string) error {
	child, ok := u.refs[childRef]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRef, childRef)
	}
	parent, ok := u.refs[parentRef]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRef, parentRef)
	}
	if child.Kind() == batch.KindDelete {
		return fmt.Errorf("%w: %s", ErrInvalidAttach, childRef)
	}
	rel, ok := u.registry.Lookup(parent.Table(), child.Table())
	if !ok {
		return fmt.Errorf("%w: %s -> %s", ErrNoRelationship, parent.Table(), child.Table())
	}

	child.DeclareWait(rel.ForeignKey, !rel.Optional)
	child.Bind(rel.ForeignKey, parent, rel.parentKey())
	child.Fill(rel.ForeignKey, rel.ForeignKey)
	return nil
}

// FillFrom fills column of ref from producerKey published by fromRef. For
// deletes the value lands in the key.
func (u *UnitOfWork) FillFrom(ref, column, fromRef, producerKey string, optional bool) error {
	c, ok := u.refs[ref]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRef, ref)
	}
	from, ok := u.refs[fromRef]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRef, fromRef)
	}
	if producerKey == "" {
		producerKey = "id"
	}

	c.DeclareWait(column, !optional)
	c.Bind(column, from, producerKey)
	c.Fill(column, column)
	return nil
}

// Command returns the command registered under ref.
func (u *UnitOfWork) Command(ref string) (*batch.Command, bool) {
	c, ok := u.refs[ref]
	return c, ok
}

// Commands returns the commands in registration order.
func (u *UnitOfWork) Commands() []*batch.Command {
	out := make([]*batch.Command, 0, len(u.order))
	for _, ref := range u.order {
		out = append(out, u.refs[ref])
	}
	return out
}

// Len returns the number of registered commands.
func (u *UnitOfWork) Len() int { return len(u.order) }

// Submit runs every registered command as one batch.
func (u *UnitOfWork) Submit(ctx context.Context, engine *batch.Engine) batch.Result {
	return engine.Submit(ctx, u.Commands()...)
}

func (u *UnitOfWork) remove(ref string) {
	delete(u.refs, ref)
	for i, r := range u.order {
		if r == ref {
			u.order = append(u.order[:i], u.order[i+1:]...)
			return
		}
	}
}

func withRef(ref string, opts []batch.CommandOption) []batch.CommandOption {
	return append([]batch.CommandOption{batch.WithName(ref)}, opts...)
}
