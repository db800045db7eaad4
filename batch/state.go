package batch

import "fmt"

// State is the lifecycle state of one batch.
//
//	PENDING -> SCHEDULING -> EXECUTING -> COMMITTED | ROLLED_BACK
//	SCHEDULING -> ABORTED
type State string

const (
	StatePending    State = "PENDING"
	StateScheduling State = "SCHEDULING"
	StateExecuting  State = "EXECUTING"
	StateCommitted  State = "COMMITTED"
	StateRolledBack State = "ROLLED_BACK"
	StateAborted    State = "ABORTED"
)

// IsTerminal reports whether the state is final.
func (s State) IsTerminal() bool {
	switch s {
	case StateCommitted, StateRolledBack, StateAborted:
		return true
	default:
		return false
	}
}

func isAllowedTransition(from, to State) bool {
	switch from {
	case StatePending:
		return to == StateScheduling
	case StateScheduling:
		return to == StateExecuting || to == StateAborted
	case StateExecuting:
		return to == StateCommitted || to == StateRolledBack
	default:
		return false
	}
}

func checkTransition(from, to State) error {
	if !isAllowedTransition(from, to) {
		return fmt.Errorf("tessera: disallowed batch transition %s -> %s", from, to)
	}
	return nil
}

// Outcome is the single result a caller receives for a batch.
type Outcome string

const (
	OutcomeCommitted  Outcome = "committed"
	OutcomeRolledBack Outcome = "rolled_back"
	OutcomeAborted    Outcome = "aborted"
)
