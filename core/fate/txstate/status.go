package txstate

import "fmt"

// TStatus is the lifecycle state of a transaction, per the state machine in
// §4.1: NEW -> SUBMITTED -> IN_PROGRESS -> {SUCCESSFUL | FAILED_IN_PROGRESS
// -> FAILED}. UNKNOWN is not a real stored state; it is returned by Read
// when an id is not known to the store.
type TStatus int

const (
	NEW TStatus = iota
	SUBMITTED
	IN_PROGRESS
	FAILED_IN_PROGRESS
	FAILED
	SUCCESSFUL
	UNKNOWN
)

func (s TStatus) String() string {
	switch s {
	case NEW:
		return "NEW"
	case SUBMITTED:
		return "SUBMITTED"
	case IN_PROGRESS:
		return "IN_PROGRESS"
	case FAILED_IN_PROGRESS:
		return "FAILED_IN_PROGRESS"
	case FAILED:
		return "FAILED"
	case SUCCESSFUL:
		return "SUCCESSFUL"
	case UNKNOWN:
		return "UNKNOWN"
	default:
		return fmt.Sprintf("TStatus(%d)", int(s))
	}
}

// ParseTStatus reverses String, for admin-surface and CLI round-tripping.
func ParseTStatus(s string) (TStatus, error) {
	for _, st := range []TStatus{NEW, SUBMITTED, IN_PROGRESS, FAILED_IN_PROGRESS, FAILED, SUCCESSFUL, UNKNOWN} {
		if st.String() == s {
			return st, nil
		}
	}
	return UNKNOWN, fmt.Errorf("fate: unknown status %q", s)
}

// IsTerminal reports whether no further transitions are possible.
func (s TStatus) IsTerminal() bool {
	return s == FAILED || s == SUCCESSFUL || s == UNKNOWN
}

// FinishedStates is the set wait_for_status_change callers most commonly
// block on.
var FinishedStates = []TStatus{FAILED, SUCCESSFUL, UNKNOWN}

// validTransitions encodes the table in §4.1. SetStatus is idempotent when
// new == current, which is checked separately by the caller.
var validTransitions = map[TStatus]map[TStatus]bool{
	NEW:                {SUBMITTED: true},
	SUBMITTED:          {IN_PROGRESS: true, FAILED_IN_PROGRESS: true},
	IN_PROGRESS:        {IN_PROGRESS: true, SUCCESSFUL: true, FAILED_IN_PROGRESS: true},
	FAILED_IN_PROGRESS: {FAILED: true},
}

// CanTransition reports whether moving from cur to next is permitted by the
// state machine, including the idempotent new==current case.
func CanTransition(cur, next TStatus) bool {
	if cur == next {
		return true
	}
	return validTransitions[cur][next]
}

// ErrInvalidTransition is returned by Handle.SetStatus for a transition the
// state machine forbids. It is the one error category (§7) that is allowed
// to propagate out of a worker, since it indicates caller misuse rather
// than an operational failure to capture on the transaction.
type ErrInvalidTransition struct {
	From, To TStatus
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("fate: invalid transition %s -> %s", e.From, e.To)
}
