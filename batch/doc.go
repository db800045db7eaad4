// Package batch is the transactional write engine: it orders pending storage
// mutations by the runtime values they exchange and applies them inside one
// all-or-nothing transaction.
//
// # Model
//
// A [Command] is one pending mutation (insert, update, delete) or a composite
// coordinator. Each command owns a [ContextStore] of set-once values. A command
// declares waits on keys it needs and binds each wait to the producer command
// and key that supplies it:
//
//	parent := batch.NewInsert("parents", map[string]any{"name": "acme"})
//	child := batch.NewInsert("children", map[string]any{"name": "widget"})
//	child.Bind("parent_id", parent, "id")
//	child.Fill("parent_id", "parent_id")
//
// When parent executes, the backend-generated id is written into parent's
// context and forwarded synchronously into child's context, where Fill
// substitutes it into the parent_id column.
//
// # Scheduling
//
// [Schedule] collects the roots and every producer they reach, links each
// required binding as a producer -> consumer edge, and orders the graph with
// Kahn's algorithm, breaking ties by registration order. A cycle is reported
// as a [*CyclicDependencyError] before any storage I/O.
//
// # Execution
//
// An [Engine] hands every submission to a fresh single-use [Runner]. The runner
// opens one backend scope, executes commands in schedule order, and commits on
// success or rolls the whole scope back on the first failure:
//
//	engine := batch.NewEngine(db, batch.WithLogger(logger))
//	result := engine.Submit(ctx, child, parent)
//	if !result.Committed() {
//	    return result.Err
//	}
//
// # Errors
//
//   - [ErrContextConflict] - a context key was set twice with different values
//   - [ErrNotReady] - a command was executed with required waits unmet
//   - [ErrCyclicDependency] - required waits form a cycle
//   - [ErrCommandExecution] - the backend rejected a mutation
//   - [ErrUnsatisfiedWait] - a required wait has no producer and no value
package batch
