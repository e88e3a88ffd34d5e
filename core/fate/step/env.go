package step

import "go.uber.org/zap"

// TableRegistry is the abstract external state service a step uses to
// acquire read/write locks on namespaces and tables (§6). TableFate does
// not own or implement this service; it only depends on this interface
// shape. See internal/tablemeta for an illustrative, non-production
// implementation used by the example operations and tests.
type TableRegistry interface {
	ReserveNamespace(id string, write bool) error
	UnreserveNamespace(id string, write bool) error
	ReserveTable(id string, write bool) error
	UnreserveTable(id string, write bool) error
	NextTableID(name string) (string, error)
}

// NameMapper resolves table/namespace names to ids and back, the other
// external collaborator named in §1.
type NameMapper interface {
	Lookup(name string) (id string, ok error)
	Register(name, id string) error
	Rename(oldName, newName string) error
}

// MetricsSink is the narrow slice of pkg/telemetry.FateMetrics that
// core/fate/step and core/fate/pool are allowed to touch, so that neither
// package imports pkg/telemetry directly (avoiding a dependency cycle with
// the engine wiring that constructs both).
type MetricsSink interface {
	// ObserveStepStart marks a Ready/Call/Undo invocation beginning.
	ObserveStepStart(stepName string)
	// ObserveStepCall marks a Ready/Call/Undo invocation finishing,
	// durationMillis after the matching ObserveStepStart, ok false if it
	// returned an error.
	ObserveStepCall(stepName string, durationMillis float64, ok bool)
	// WorkerStarted and WorkerStopped track how many workers are currently
	// busy processing a transaction, called by Worker.process around each
	// transaction it picks up (not at worker goroutine spawn/exit).
	WorkerStarted()
	WorkerStopped()
	// TransactionStatusChanged tracks how many transactions currently sit
	// in each status, called by the worker around every successful
	// SetStatus. from is the status being left; the worker always passes
	// one, and the NEW -> SUBMITTED seed transition is not reported here.
	TransactionStatusChanged(from, to string)
	// TransactionSeeded marks a transaction leaving NEW for SUBMITTED,
	// called by Engine.SeedTransaction.
	TransactionSeeded()
	// DeadReservationsCleared records how many reservations a single sweep
	// reclaimed from owners no longer alive, called by
	// reservation.Manager.Run after each sweep. n may be zero.
	DeadReservationsCleared(n int)
	// PoolIdleRatioObserved records the fraction of running workers found
	// idle in the supervisor's most recent sample, called by
	// pool.Supervisor on each sample taken once its window is full.
	PoolIdleRatioObserved(ratio float64)
}

// Env is the opaque handle passed to every Step.Ready/Call/Undo
// invocation (§6). Implementations are supplied by the Engine at
// construction time; tests inject a fake that records side effects.
type Env interface {
	Tables() TableRegistry
	Names() NameMapper
	Logger() *zap.Logger
	Metrics() MetricsSink
}
