package batch

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/jacentio/tessera/backend"
)

// Kind is the variant of a command.
type Kind int

const (
	KindInsert Kind = iota
	KindUpdate
	KindDelete
	KindComposite
)

func (k Kind) String() string {
	switch k {
	case KindInsert:
		return "insert"
	case KindUpdate:
		return "update"
	case KindDelete:
		return "delete"
	case KindComposite:
		return "composite"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Wait is a key a command needs before it may run.
type Wait struct {
	Key      string
	Required bool
}

// Env is what a command executes against.
type Env struct {
	Scope  backend.Scope
	Logger *slog.Logger
}

// Resolver adjusts a mutation from the command's context values after the
// default Fill substitution has run.
type Resolver func(m *backend.Mutation, values map[string]any) error

type binding struct {
	waitKey     string
	producer    *Command
	producerKey string
}

type fill struct {
	column  string
	waitKey string
}

type produce struct {
	key    string
	column string
}

// Command is one pending storage mutation, or a composite that only waits on
// others and forwards their values.
type Command struct {
	kind   Kind
	name   string
	table  string
	key    map[string]any
	values map[string]any

	idColumn     string
	generatedKey string
	resolver     Resolver

	store    *ContextStore
	produced *ContextStore
	waits    []Wait
	bindings []binding
	fills    []fill
	produces []produce

	claimed atomic.Bool
}

// CommandOption configures a Command.
type CommandOption func(*Command)

// WithName sets the label used in logs and errors.
func WithName(name string) CommandOption {
	return func(c *Command) {
		c.name = name
	}
}

// WithResolver sets a custom payload resolution step.
func WithResolver(r Resolver) CommandOption {
	return func(c *Command) {
		c.resolver = r
	}
}

// WithGeneratedKey sets the context key an insert publishes its identifier under.
// Default: "id".
func WithGeneratedKey(key string) CommandOption {
	return func(c *Command) {
		c.generatedKey = key
	}
}

// WithIDColumn sets the identifier column. Default: "id".
func WithIDColumn(column string) CommandOption {
	return func(c *Command) {
		c.idColumn = column
	}
}

func newCommand(kind Kind, table string, key, values map[string]any, opts []CommandOption) *Command {
	c := &Command{
		kind:         kind,
		table:        table,
		key:          copyMap(key),
		values:       copyMap(values),
		idColumn:     "id",
		generatedKey: "id",
		store:        NewContextStore(),
	}
	c.produced = c.store
	if kind != KindComposite {
		c.produced = NewContextStore()
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewInsert creates an insert command. On success it publishes the row
// identifier under the generated key.
func NewInsert(table string, values map[string]any, opts ...CommandOption) *Command {
	return newCommand(KindInsert, table, nil, values, opts)
}

// NewUpdate creates an update of the row identified by key.
func NewUpdate(table string, key, values map[string]any, opts ...CommandOption) *Command {
	return newCommand(KindUpdate, table, key, values, opts)
}

// NewDelete creates a delete of the row identified by key.
func NewDelete(table string, key map[string]any, opts ...CommandOption) *Command {
	return newCommand(KindDelete, table, key, nil, opts)
}

// NewComposite creates a coordinator that performs no storage I/O. Its bound
// waits land in its own context, where other commands can bind to them.
func NewComposite(opts ...CommandOption) *Command {
	return newCommand(KindComposite, "", nil, nil, opts)
}

// Kind returns the command variant.
func (c *Command) Kind() Kind { return c.kind }

// Table returns the target table; empty for composites.
func (c *Command) Table() string { return c.table }

// Label returns the command's name, or a description of its mutation.
func (c *Command) Label() string {
	if c.name != "" {
		return c.name
	}
	if c.kind == KindComposite {
		return "composite"
	}
	return c.kind.String() + " " + c.table
}

// Context returns the store holding the values the command waits on.
func (c *Command) Context() *ContextStore { return c.store }

// Produced returns the store the command publishes into on success. Bound
// consumers read from it. A composite publishes what it receives, so for
// composites it is the same store as Context.
func (c *Command) Produced() *ContextStore { return c.produced }

// GetContext returns a snapshot of the received and produced values. A
// produced value shadows a received one under the same key.
func (c *Command) GetContext() map[string]any {
	out := c.store.Snapshot()
	if c.produced != c.store {
		for k, v := range c.produced.Snapshot() {
			out[k] = v
		}
	}
	return out
}

// Waits returns the declared waits in declaration order.
func (c *Command) Waits() []Wait {
	return append([]Wait(nil), c.waits...)
}

// DeclareWait registers a dependency on key. Repeating a declaration is a
// no-op, except that required=true upgrades an optional wait.
func (c *Command) DeclareWait(key string, required bool) {
	for i := range c.waits {
		if c.waits[i].Key == key {
			if required {
				c.waits[i].Required = true
			}
			return
		}
	}
	c.waits = append(c.waits, Wait{Key: key, Required: required})
}

// Bind records that producer supplies this command's waitKey from its own
// producerKey. An undeclared waitKey is declared as required.
func (c *Command) Bind(waitKey string, producer *Command, producerKey string) {
	if !c.declared(waitKey) {
		c.DeclareWait(waitKey, true)
	}
	b := binding{waitKey: waitKey, producer: producer, producerKey: producerKey}
	for _, existing := range c.bindings {
		if existing == b {
			return
		}
	}
	c.bindings = append(c.bindings, b)
}

// Fill substitutes the context value of waitKey into column when the
// mutation is built. An undeclared waitKey is declared as required. If an
// optional waitKey is absent, the column is left out of the mutation.
func (c *Command) Fill(column, waitKey string) {
	if !c.declared(waitKey) {
		c.DeclareWait(waitKey, true)
	}
	c.fills = append(c.fills, fill{column: column, waitKey: waitKey})
}

// Produce publishes the resolved value of column under key after a
// successful execution.
func (c *Command) Produce(key, column string) {
	c.produces = append(c.produces, produce{key: key, column: column})
}

func (c *Command) declared(key string) bool {
	for _, w := range c.waits {
		if w.Key == key {
			return true
		}
	}
	return false
}

func (c *Command) required(key string) bool {
	for _, w := range c.waits {
		if w.Key == key {
			return w.Required
		}
	}
	return false
}

// IsReady reports whether every required wait has a value.
func (c *Command) IsReady() bool {
	return len(c.missing()) == 0
}

func (c *Command) missing() []string {
	var out []string
	for _, w := range c.waits {
		if w.Required && !c.store.Has(w.Key) {
			out = append(out, w.Key)
		}
	}
	return out
}

// claim marks the command as owned by a batch. It fails if another batch
// already owns it.
func (c *Command) claim() bool {
	return c.claimed.CompareAndSwap(false, true)
}

// Execute applies the command's mutation through env.Scope and publishes
// produced values into its produced store.
func (c *Command) Execute(ctx context.Context, env Env) error {
	if missing := c.missing(); len(missing) > 0 {
		return &NotReadyError{Command: c.Label(), Missing: missing}
	}
	if c.kind == KindComposite {
		return nil
	}
	if env.Scope == nil {
		return fmt.Errorf("%s: nil scope", c.Label())
	}

	m, err := c.Mutation()
	if err != nil {
		return err
	}

	result, err := env.Scope.Apply(ctx, m)
	if err != nil {
		return &CommandExecutionError{Command: c.Label(), Err: err}
	}
	return c.publish(m, result)
}

// Mutation builds the context-resolved mutation. Required waits must be met.
func (c *Command) Mutation() (backend.Mutation, error) {
	m := backend.Mutation{
		Table:  c.table,
		Key:    copyMap(c.key),
		Values: copyMap(c.values),
	}
	switch c.kind {
	case KindInsert:
		m.Op = backend.OpInsert
	case KindUpdate:
		m.Op = backend.OpUpdate
	case KindDelete:
		m.Op = backend.OpDelete
	default:
		return m, fmt.Errorf("%s: no mutation for %s command", c.Label(), c.kind)
	}

	for _, f := range c.fills {
		target := m.Values
		if c.kind == KindDelete {
			target = m.Key
		} else if _, inKey := m.Key[f.column]; inKey {
			target = m.Key
		}

		v, ok := c.store.Get(f.waitKey)
		if !ok {
			if c.required(f.waitKey) {
				return m, &NotReadyError{Command: c.Label(), Missing: []string{f.waitKey}}
			}
			delete(target, f.column)
			continue
		}
		target[f.column] = v
	}

	if c.resolver != nil {
		if err := c.resolver(&m, c.store.Snapshot()); err != nil {
			return m, fmt.Errorf("%s: resolve: %w", c.Label(), err)
		}
	}
	return m, nil
}

// publish writes produced values into the command's produced store, which
// forwards them to bound consumers.
func (c *Command) publish(m backend.Mutation, result backend.Result) error {
	if c.kind == KindInsert && c.generatedKey != "" {
		id := result.Generated
		if id == nil {
			id, _ = backend.RowID(m, c.idColumn)
		}
		if id != nil {
			if err := c.produced.Set(c.generatedKey, id); err != nil {
				return err
			}
		}
	}

	for _, p := range c.produces {
		v, ok := m.Values[p.column]
		if !ok {
			v, ok = m.Key[p.column]
		}
		if !ok {
			continue
		}
		if err := c.produced.Set(p.key, v); err != nil {
			return err
		}
	}
	return nil
}

func copyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
