package batch

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrContextConflict is returned when a context key is set twice with different values.
	ErrContextConflict = errors.New("tessera: context conflict")

	// ErrNotReady is returned when a command is executed before its required waits are met.
	ErrNotReady = errors.New("tessera: command not ready")

	// ErrCyclicDependency is returned when required waits form a cycle.
	ErrCyclicDependency = errors.New("tessera: cyclic dependency")

	// ErrCommandExecution is returned when the backend rejects a command's mutation.
	ErrCommandExecution = errors.New("tessera: command execution failed")

	// ErrUnsatisfiedWait is returned when a required wait has no producer and no value.
	ErrUnsatisfiedWait = errors.New("tessera: required wait has no producer")

	// ErrCommandReused is returned when a command is submitted in a second batch.
	ErrCommandReused = errors.New("tessera: command already belongs to a batch")

	// ErrRunnerReused is returned when a runner is asked to process a second batch.
	ErrRunnerReused = errors.New("tessera: runner already used")

	// ErrTooManyCommands is returned when a batch exceeds the engine's command limit.
	ErrTooManyCommands = errors.New("tessera: too many commands in batch")

	// ErrEmptyBatch is returned when a batch has no commands.
	ErrEmptyBatch = errors.New("tessera: empty batch")
)

// ContextConflictError reports a second, different value for a set-once key.
type ContextConflictError struct {
	Key       string
	Existing  any
	Attempted any
}

func (e *ContextConflictError) Error() string {
	return fmt.Sprintf("%s: key %q holds %v, refusing %v", ErrContextConflict, e.Key, e.Existing, e.Attempted)
}

func (e *ContextConflictError) Unwrap() error { return ErrContextConflict }

// NotReadyError reports the required keys a command was still missing.
type NotReadyError struct {
	Command string
	Missing []string
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("%s: %s is missing %s", ErrNotReady, e.Command, strings.Join(e.Missing, ", "))
}

func (e *NotReadyError) Unwrap() error { return ErrNotReady }

// CyclicDependencyError reports a graph that could not be linearized.
//
// Cycle is a shortest cycle among the stuck commands, with the first command
// repeated at the end. Stuck lists every command that could never become ready.
type CyclicDependencyError struct {
	Cycle []string
	Stuck []string
}

func (e *CyclicDependencyError) Error() string {
	if len(e.Cycle) > 0 {
		return fmt.Sprintf("%s: %s", ErrCyclicDependency, strings.Join(e.Cycle, " -> "))
	}
	return fmt.Sprintf("%s involving %s", ErrCyclicDependency, strings.Join(e.Stuck, ", "))
}

func (e *CyclicDependencyError) Unwrap() error { return ErrCyclicDependency }

// CommandExecutionError wraps the backend error for a failed mutation.
// errors.Is matches both ErrCommandExecution and the backend error.
type CommandExecutionError struct {
	Command string
	Err     error
}

func (e *CommandExecutionError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrCommandExecution, e.Command, e.Err)
}

func (e *CommandExecutionError) Unwrap() []error { return []error{ErrCommandExecution, e.Err} }

// CommitError wraps a failure returned by the backend at commit time.
type CommitError struct {
	Err error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("tessera: commit failed: %v", e.Err)
}

func (e *CommitError) Unwrap() error { return e.Err }
