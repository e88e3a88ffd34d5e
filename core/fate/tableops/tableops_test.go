package tableops

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sushant-115/tablefate/core/fate/fateid"
	"github.com/sushant-115/tablefate/core/fate/step"
	"github.com/sushant-115/tablefate/internal/tablemeta"
)

type noopMetrics struct{}

func (noopMetrics) ObserveStepStart(stepName string)                                 {}
func (noopMetrics) ObserveStepCall(stepName string, durationMillis float64, ok bool) {}
func (noopMetrics) WorkerStarted()                                                   {}
func (noopMetrics) WorkerStopped()                                                   {}
func (noopMetrics) TransactionStatusChanged(from, to string)                         {}
func (noopMetrics) TransactionSeeded()                                               {}
func (noopMetrics) DeadReservationsCleared(n int)                                    {}
func (noopMetrics) PoolIdleRatioObserved(ratio float64)                              {}

type testEnv struct {
	reg *tablemeta.Registry
}

func (e testEnv) Tables() step.TableRegistry { return e.reg }
func (e testEnv) Names() step.NameMapper     { return e.reg }
func (e testEnv) Logger() *zap.Logger        { return zap.NewNop() }
func (e testEnv) Metrics() step.MetricsSink  { return noopMetrics{} }

// runChain drives a step chain to completion the way the worker pool's
// execute path does, collecting the terminal step's return value.
func runChain(t *testing.T, env step.Env, first step.Step) string {
	t.Helper()
	ctx := context.Background()
	id := fateid.New(fateid.USER)

	op := first
	var prev step.Step
	for op != nil {
		deferMillis, err := op.Ready(ctx, id, env)
		require.NoError(t, err)
		require.Zero(t, deferMillis, "step %s was not ready", op.Name())

		prev = op
		next, err := op.Call(ctx, id, env)
		require.NoError(t, err)
		op = next
	}
	rs, ok := prev.(step.ReturningStep)
	require.True(t, ok, "terminal step must implement ReturningStep")
	return rs.ReturnValue()
}

func TestCreateTableChainAllocatesIDAndReleasesNamespaceLock(t *testing.T) {
	reg := tablemeta.New()
	env := testEnv{reg: reg}

	chain := NewCreateTable("ns1", "orders", map[string]string{"retention": "30d"})
	tableID := runChain(t, env, chain)
	require.NotEmpty(t, tableID)

	gotID, err := reg.Lookup("orders")
	require.NoError(t, err)
	require.Equal(t, tableID, gotID)

	// The namespace write lock must have been released by the terminal step.
	require.NoError(t, reg.ReserveNamespace("ns1", true))
}

func TestCreateTableReadyDefersWhenNamespaceBusy(t *testing.T) {
	reg := tablemeta.New()
	env := testEnv{reg: reg}
	require.NoError(t, reg.ReserveNamespace("ns1", true))

	first := NewCreateTable("ns1", "orders", nil)
	deferMillis, err := first.Ready(context.Background(), fateid.New(fateid.USER), env)
	require.NoError(t, err)
	require.Equal(t, int64(500), deferMillis)
}

func TestCreateTableUndoReleasesNamespaceLock(t *testing.T) {
	reg := tablemeta.New()
	env := testEnv{reg: reg}
	id := fateid.New(fateid.USER)

	first := NewCreateTable("ns1", "orders", nil)
	deferMillis, err := first.Ready(context.Background(), id, env)
	require.NoError(t, err)
	require.Zero(t, deferMillis)

	require.NoError(t, first.Undo(context.Background(), id, env))
	// Lock released, so a fresh write reservation must now succeed.
	require.NoError(t, reg.ReserveNamespace("ns1", true))
}

func TestCloneTableChainReleasesBothReadLocks(t *testing.T) {
	reg := tablemeta.New()
	env := testEnv{reg: reg}

	info := CloneTableInfo{
		SrcNamespaceID: "ns1",
		SrcTableID:     "src-table-1",
		NamespaceID:    "ns1",
		TableName:      "orders_clone",
	}
	chain := NewCloneTable(info)
	tableID := runChain(t, env, chain)
	require.NotEmpty(t, tableID)

	gotID, err := reg.Lookup("orders_clone")
	require.NoError(t, err)
	require.Equal(t, tableID, gotID)

	// Both read locks taken by reserveNamespaceAndSource must be released by
	// the terminal step, so a write reservation on each now succeeds.
	require.NoError(t, reg.ReserveNamespace("ns1", true))
	require.NoError(t, reg.ReserveTable("src-table-1", true))
}

func TestCloneTableReadyDefersWhenSourceTableBusy(t *testing.T) {
	reg := tablemeta.New()
	env := testEnv{reg: reg}
	require.NoError(t, reg.ReserveTable("src-table-1", true))

	info := CloneTableInfo{SrcNamespaceID: "ns1", SrcTableID: "src-table-1", NamespaceID: "ns1", TableName: "orders_clone"}
	first := NewCloneTable(info)
	deferMillis, err := first.Ready(context.Background(), fateid.New(fateid.USER), env)
	require.NoError(t, err)
	require.Equal(t, int64(500), deferMillis)

	// Ready must roll back the namespace lock it took before failing on the
	// source table lock, leaving no partial reservation behind.
	require.NoError(t, reg.ReserveNamespace("ns1", true))
}

func TestCloneTableUndoReleasesBothLocksTakenByReady(t *testing.T) {
	reg := tablemeta.New()
	env := testEnv{reg: reg}
	id := fateid.New(fateid.USER)

	info := CloneTableInfo{SrcNamespaceID: "ns1", SrcTableID: "src-table-1", NamespaceID: "ns1", TableName: "orders_clone"}
	first := NewCloneTable(info)
	deferMillis, err := first.Ready(context.Background(), id, env)
	require.NoError(t, err)
	require.Zero(t, deferMillis)

	require.NoError(t, first.Undo(context.Background(), id, env))
	require.NoError(t, reg.ReserveNamespace("ns1", true))
	require.NoError(t, reg.ReserveTable("src-table-1", true))
}
