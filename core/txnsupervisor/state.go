package txnsupervisor

// State is the lifecycle position of a supervised transaction.
type State int32

const (
	StateActive     State = iota // Unit of work is running, operations are accepted
	StateCommitting              // Unit of work finished, waiting for the engine commit ack
	StateCommitted               // Engine acknowledged the commit
	StateAborting                // Abort issued, waiting for the engine
	StateAborted                 // Transaction discarded
	StateTimedOut                // Deadline fired while still active; forcibly aborted
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateCommitting:
		return "committing"
	case StateCommitted:
		return "committed"
	case StateAborting:
		return "aborting"
	case StateAborted:
		return "aborted"
	case StateTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further operations are accepted in s.
func (s State) Terminal() bool {
	switch s {
	case StateCommitted, StateAborted, StateTimedOut:
		return true
	default:
		return false
	}
}
