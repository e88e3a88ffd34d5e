// Package step defines the contract every TableFate operation implements
// (§4.6): a stack of idempotent, retry-safe Steps driven by the worker pool
// until the stack empties or a step reports failure.
package step

import (
	"context"
	"fmt"

	"github.com/sushant-115/tablefate/core/fate/fateid"
)

// Step is one recoverable unit of work. Implementations must be retry-safe
// across Ready, idempotent across Call (replay after a crash must observe
// "already done" and short-circuit), and must tolerate Undo being invoked
// zero or more times, including against partial prior completion.
type Step interface {
	// Ready performs a side-effect-free precondition check (e.g. acquiring
	// read/write locks on external resources). It returns 0 to proceed
	// immediately, or a positive number of milliseconds asking the caller
	// to defer and re-offer the transaction later.
	Ready(ctx context.Context, id fateid.FateID, env Env) (deferMillis int64, err error)

	// Call performs the step's durable work and returns the successor step,
	// or nil if the transaction is complete.
	Call(ctx context.Context, id fateid.FateID, env Env) (next Step, err error)

	// Undo reverses a successful Call of this same step. It is invoked
	// during the failure path and must be safe to call more than once.
	Undo(ctx context.Context, id fateid.FateID, env Env) error

	// Name is a diagnostic label, also used as the registry tag for
	// serialization unless the step implements Tag() explicitly.
	Name() string
}

// ReturningStep is implemented by a terminal step that wants to leave a
// human-readable return value on the transaction once the stack empties.
type ReturningStep interface {
	Step
	ReturnValue() string
}

// Tagger lets a Step declare a registry tag distinct from its diagnostic
// Name, so Name() can be changed freely without breaking already-persisted
// stacks.
type Tagger interface {
	Tag() string
}

// TagOf returns the registry tag for a step: Tag() if implemented,
// otherwise Name().
func TagOf(s Step) string {
	if t, ok := s.(Tagger); ok {
		return t.Tag()
	}
	return s.Name()
}

// ErrStackOverflow is the sentinel raised when Push would exceed the depth
// cap. Per §4.6 and the Open Question in the base spec, a step that fails
// to push was never executed, so the worker pool must skip Undo for it on
// the failure path.
var ErrStackOverflow = fmt.Errorf("step: stack depth exceeded")
