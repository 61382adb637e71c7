package txn

import "fmt"

// IsolationLevel is the contract governing what concurrent, uncommitted, or
// interleaved state a transaction may observe. It is fixed at begin and
// immutable for the transaction's lifetime.
type IsolationLevel int

const (
	// ReadUncommitted takes no read locks. Lowest isolation, highest
	// concurrency.
	ReadUncommitted IsolationLevel = iota
	// ReadCommitted (the default) never observes another transaction's
	// uncommitted write, but repeated reads may see different committed
	// values.
	ReadCommitted
	// RepeatableRead holds a shared lock on every key read until the
	// transaction ends, so repeat reads of a key are stable.
	RepeatableRead
	// Serializable holds shared locks on the full read-set and exclusive
	// locks on the full write-set until the transaction ends.
	Serializable
)

// String returns the wire name used in audit records.
func (l IsolationLevel) String() string {
	switch l {
	case ReadUncommitted:
		return "ReadUncommitted"
	case ReadCommitted:
		return "ReadCommitted"
	case RepeatableRead:
		return "RepeatableRead"
	case Serializable:
		return "Serializable"
	default:
		return "Unknown"
	}
}

// ParseIsolationLevel converts a wire name back to a level.
func ParseIsolationLevel(s string) (IsolationLevel, error) {
	switch s {
	case "ReadUncommitted":
		return ReadUncommitted, nil
	case "ReadCommitted":
		return ReadCommitted, nil
	case "RepeatableRead":
		return RepeatableRead, nil
	case "Serializable":
		return Serializable, nil
	default:
		return ReadCommitted, fmt.Errorf("unknown isolation level %q", s)
	}
}

// State is a transaction's lifecycle state. Valid transitions:
// Active -> Prepared -> Committed, Active -> Committed,
// Active -> RolledBack, Prepared -> RolledBack. Committed and RolledBack are
// terminal.
type State int

const (
	StateActive State = iota
	StatePrepared
	StateCommitted
	StateRolledBack
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateActive:
		return "Active"
	case StatePrepared:
		return "Prepared"
	case StateCommitted:
		return "Committed"
	case StateRolledBack:
		return "RolledBack"
	default:
		return "Unknown"
	}
}
