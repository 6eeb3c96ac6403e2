package warehouse

import "fmt"

// State is a step of the load protocol.
type State int

const (
	StateIdle State = iota
	StateStaging
	StateDeleting
	StateMerging
	StateReplacing
	StateCleanup
	StateCommitted
	StateRolledBack
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStaging:
		return "staging"
	case StateDeleting:
		return "deleting"
	case StateMerging:
		return "merging"
	case StateReplacing:
		return "replacing"
	case StateCleanup:
		return "cleanup"
	case StateCommitted:
		return "committed"
	case StateRolledBack:
		return "rolled_back"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// LoadError is returned for any failure after the manifest was accepted. The
// transaction has been rolled back and the target is unchanged.
type LoadError struct {
	Target string
	State  State
	Err    error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load %s while %s: %v", e.Target, e.State, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}
