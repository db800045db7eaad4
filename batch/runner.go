package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jacentio/tessera/backend"
)

// Observer receives execution events, e.g. for metrics.
type Observer interface {
	CommandFinished(kind Kind, duration time.Duration, err error)
	BatchFinished(result Result)
}

// Options holds configuration for an Engine.
type Options struct {
	Logger   *slog.Logger
	Observer Observer

	// MaxCommands limits the commands in one batch, including discovered
	// producers. Zero means no limit.
	MaxCommands int
}

// Option configures an Engine.
type Option func(*Options)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

// WithObserver sets an execution observer.
func WithObserver(obs Observer) Option {
	return func(o *Options) {
		o.Observer = obs
	}
}

// WithMaxCommands limits the size of a batch.
func WithMaxCommands(n int) Option {
	return func(o *Options) {
		o.MaxCommands = n
	}
}

// Result is the outcome of one batch.
type Result struct {
	BatchID string
	Outcome Outcome

	// Err is the cause for rolled back and aborted batches.
	Err error

	// Order is the scheduled execution order; nil if scheduling failed.
	Order []*Command

	// Executed counts commands that completed successfully.
	Executed int

	Duration time.Duration
}

// Committed reports whether the batch was committed.
func (r Result) Committed() bool { return r.Outcome == OutcomeCommitted }

// Engine submits batches against one backend. It is safe for concurrent use;
// each submission gets its own Runner.
type Engine struct {
	backend backend.Backend
	opts    Options
}

// NewEngine creates an Engine.
func NewEngine(b backend.Backend, opts ...Option) *Engine {
	options := Options{}
	for _, opt := range opts {
		opt(&options)
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	return &Engine{backend: b, opts: options}
}

// NewRunner returns a fresh single-use runner.
func (e *Engine) NewRunner() *Runner {
	id := uuid.NewString()
	return &Runner{
		id:      id,
		backend: e.backend,
		opts:    e.opts,
		logger:  e.opts.Logger.With("batchID", id),
		state:   StatePending,
	}
}

// Submit schedules and executes roots and their producers as one batch.
func (e *Engine) Submit(ctx context.Context, roots ...*Command) Result {
	return e.NewRunner().Run(ctx, roots...)
}

// Runner executes exactly one batch.
type Runner struct {
	id      string
	backend backend.Backend
	opts    Options
	logger  *slog.Logger

	mu    sync.Mutex
	state State
}

// ID returns the batch identifier.
func (r *Runner) ID() string { return r.id }

// State returns the current batch state.
func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Runner) transition(from, to State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != from {
		return fmt.Errorf("tessera: batch is %s, expected %s", r.state, from)
	}
	if err := checkTransition(from, to); err != nil {
		return err
	}
	r.state = to
	return nil
}

// Run schedules and executes the batch. Scheduling failures and cancellation
// before the transaction opens abort without touching the backend; any
// failure after that rolls the whole transaction back.
func (r *Runner) Run(ctx context.Context, roots ...*Command) Result {
	start := time.Now()
	if err := r.transition(StatePending, StateScheduling); err != nil {
		return Result{BatchID: r.id, Outcome: OutcomeAborted, Err: fmt.Errorf("%w: %v", ErrRunnerReused, err)}
	}

	plan, err := r.prepare(ctx, roots)
	if err != nil {
		return r.finish(start, r.abort(err, plan))
	}
	return r.finish(start, r.execute(ctx, plan))
}

// prepare schedules the batch, claims its commands and wires bindings.
func (r *Runner) prepare(ctx context.Context, roots []*Command) (*Plan, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	plan, err := Schedule(roots)
	if err != nil {
		return nil, err
	}
	if r.opts.MaxCommands > 0 && plan.Len() > r.opts.MaxCommands {
		return plan, fmt.Errorf("%w: %d > %d", ErrTooManyCommands, plan.Len(), r.opts.MaxCommands)
	}

	for _, c := range plan.nodes {
		if !c.claim() {
			return plan, fmt.Errorf("%w: %s", ErrCommandReused, c.Label())
		}
	}
	if err := plan.wire(); err != nil {
		return plan, err
	}
	if err := ctx.Err(); err != nil {
		return plan, err
	}
	return plan, nil
}

func (r *Runner) abort(cause error, plan *Plan) Result {
	if err := r.transition(StateScheduling, StateAborted); err != nil {
		cause = errors.Join(cause, err)
	}
	res := Result{BatchID: r.id, Outcome: OutcomeAborted, Err: cause}
	if plan != nil && plan.order != nil {
		res.Order = plan.Order()
	}
	r.logger.Warn("batch aborted", "error", cause)
	return res
}

func (r *Runner) execute(ctx context.Context, plan *Plan) Result {
	res := Result{BatchID: r.id, Order: plan.Order()}
	if err := r.transition(StateScheduling, StateExecuting); err != nil {
		res.Outcome = OutcomeAborted
		res.Err = err
		return res
	}

	scope, err := r.backend.Begin(ctx)
	if err != nil {
		return r.rolledBack(res, fmt.Errorf("begin transaction: %w", err))
	}

	env := Env{Scope: scope, Logger: r.logger}
	for i, c := range res.Order {
		if err := ctx.Err(); err != nil {
			return r.rollback(ctx, scope, res, err)
		}

		began := time.Now()
		err := c.Execute(ctx, env)
		if r.opts.Observer != nil {
			r.opts.Observer.CommandFinished(c.kind, time.Since(began), err)
		}
		if err != nil {
			r.logger.Error("command failed",
				"command", plan.label(plan.index[c]),
				"position", i,
				"error", err,
			)
			return r.rollback(ctx, scope, res, err)
		}
		res.Executed++

		r.logger.Debug("command executed",
			"command", plan.label(plan.index[c]),
			"position", i,
			"readyRemaining", countReady(res.Order[i+1:]),
		)
	}

	if err := scope.Commit(ctx); err != nil {
		return r.rolledBack(res, &CommitError{Err: err})
	}
	if err := r.transition(StateExecuting, StateCommitted); err != nil {
		res.Outcome = OutcomeRolledBack
		res.Err = err
		return res
	}
	res.Outcome = OutcomeCommitted
	r.logger.Info("batch committed", "commands", res.Executed)
	return res
}

// rollback undoes the scope after a failure. Rollback runs even if ctx was
// cancelled.
func (r *Runner) rollback(ctx context.Context, scope backend.Scope, res Result, cause error) Result {
	if err := scope.Rollback(context.WithoutCancel(ctx)); err != nil {
		cause = errors.Join(cause, fmt.Errorf("rollback: %w", err))
	}
	return r.rolledBack(res, cause)
}

func (r *Runner) rolledBack(res Result, cause error) Result {
	if err := r.transition(StateExecuting, StateRolledBack); err != nil {
		cause = errors.Join(cause, err)
	}
	res.Outcome = OutcomeRolledBack
	res.Err = cause
	r.logger.Warn("batch rolled back", "executed", res.Executed, "error", cause)
	return res
}

func (r *Runner) finish(start time.Time, res Result) Result {
	res.Duration = time.Since(start)
	if r.opts.Observer != nil {
		r.opts.Observer.BatchFinished(res)
	}
	return res
}

func countReady(cmds []*Command) int {
	n := 0
	for _, c := range cmds {
		if c.IsReady() {
			n++
		}
	}
	return n
}
