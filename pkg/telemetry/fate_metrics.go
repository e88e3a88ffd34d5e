package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// FateMetrics holds the instruments the worker pool, engine, and
// reservation manager report against, generalized from the teacher's
// GrpcGatewayMetrics (started/handled counters, a latency histogram, an
// active-count up-down counter) from RPC lifecycle to step-call and
// transaction lifecycle.
type FateMetrics struct {
	StepsStartedCounter     metric.Int64Counter
	StepsHandledCounter     metric.Int64Counter
	StepLatencyHistogram    metric.Int64Histogram
	ActiveWorkersCounter    metric.Int64UpDownCounter
	TxByStatusCounter       metric.Int64UpDownCounter
	TxSeededCounter         metric.Int64Counter
	TxCompletedCounter      metric.Int64Counter
	DeadReservationsCounter metric.Int64Counter
	IdleRatioHistogram      metric.Float64Histogram
}

// NewFateMetrics registers the TableFate instruments against meter.
func NewFateMetrics(meter metric.Meter) (*FateMetrics, error) {
	stepsStarted, err := meter.Int64Counter(
		"tablefate.step.started_total",
		metric.WithDescription("Total number of step calls started."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	stepsHandled, err := meter.Int64Counter(
		"tablefate.step.handled_total",
		metric.WithDescription("Total number of step calls completed, successful or not."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	stepLatency, err := meter.Int64Histogram(
		"tablefate.step.call.duration",
		metric.WithDescription("The latency of a single step call."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	activeWorkers, err := meter.Int64UpDownCounter(
		"tablefate.pool.workers.active",
		metric.WithDescription("Number of workers currently processing a transaction."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	txByStatus, err := meter.Int64UpDownCounter(
		"tablefate.tx.by_status",
		metric.WithDescription("Number of transactions currently in each status."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	txSeeded, err := meter.Int64Counter(
		"tablefate.engine.tx.seeded_total",
		metric.WithDescription("Total number of transactions seeded (NEW -> SUBMITTED)."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	txCompleted, err := meter.Int64Counter(
		"tablefate.engine.tx.completed_total",
		metric.WithDescription("Total number of transactions reaching a terminal status, labeled success/failed."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	deadReservations, err := meter.Int64Counter(
		"tablefate.store.reservations.dead_cleaned_total",
		metric.WithDescription("Total number of reservations reclaimed from owners no longer alive."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	idleRatio, err := meter.Float64Histogram(
		"tablefate.pool.workers.idle_ratio",
		metric.WithDescription("Fraction of running workers found idle in the latest supervisor sample."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &FateMetrics{
		StepsStartedCounter:     stepsStarted,
		StepsHandledCounter:     stepsHandled,
		StepLatencyHistogram:    stepLatency,
		ActiveWorkersCounter:    activeWorkers,
		TxByStatusCounter:       txByStatus,
		TxSeededCounter:         txSeeded,
		TxCompletedCounter:      txCompleted,
		DeadReservationsCounter: deadReservations,
		IdleRatioHistogram:      idleRatio,
	}, nil
}

// ObserveStepStart implements step.MetricsSink, the narrow interface
// core/fate/step and core/fate/pool are allowed to depend on without
// importing this package directly.
func (m *FateMetrics) ObserveStepStart(stepName string) {
	m.StepsStartedCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("step", stepName)))
}

// ObserveStepCall implements step.MetricsSink.
func (m *FateMetrics) ObserveStepCall(stepName string, durationMillis float64, ok bool) {
	attrs := metric.WithAttributes(
		attribute.String("step", stepName),
		attribute.Bool("ok", ok),
	)
	ctx := context.Background()
	m.StepsHandledCounter.Add(ctx, 1, attrs)
	m.StepLatencyHistogram.Record(ctx, int64(durationMillis), attrs)
}

// WorkerStarted implements step.MetricsSink, called by Worker.process when
// it picks up a transaction.
func (m *FateMetrics) WorkerStarted() {
	m.ActiveWorkersCounter.Add(context.Background(), 1)
}

// WorkerStopped implements step.MetricsSink, called once Worker.process
// finishes handling the transaction it picked up.
func (m *FateMetrics) WorkerStopped() {
	m.ActiveWorkersCounter.Add(context.Background(), -1)
}

// TransactionStatusChanged implements step.MetricsSink, called by a worker
// around every successful status transition. Reaching SUCCESSFUL or FAILED
// also counts toward tx.completed_total, labeled by outcome.
func (m *FateMetrics) TransactionStatusChanged(from, to string) {
	ctx := context.Background()
	if from != "" {
		m.TxByStatusCounter.Add(ctx, -1, metric.WithAttributes(attribute.String("status", from)))
	}
	m.TxByStatusCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("status", to)))

	switch to {
	case "SUCCESSFUL":
		m.TxCompletedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "success")))
	case "FAILED":
		m.TxCompletedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "failed")))
	}
}

// TransactionSeeded implements step.MetricsSink.
func (m *FateMetrics) TransactionSeeded() {
	m.TxSeededCounter.Add(context.Background(), 1)
}

// DeadReservationsCleared implements step.MetricsSink.
func (m *FateMetrics) DeadReservationsCleared(n int) {
	if n == 0 {
		return
	}
	m.DeadReservationsCounter.Add(context.Background(), int64(n))
}

// PoolIdleRatioObserved implements step.MetricsSink.
func (m *FateMetrics) PoolIdleRatioObserved(ratio float64) {
	m.IdleRatioHistogram.Record(context.Background(), ratio)
}
