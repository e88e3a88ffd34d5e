package fate

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sushant-115/tablefate/core/fate/fateid"
	"github.com/sushant-115/tablefate/core/fate/ops"
	"github.com/sushant-115/tablefate/core/fate/pool"
	"github.com/sushant-115/tablefate/core/fate/step"
	"github.com/sushant-115/tablefate/core/fate/store"
	"github.com/sushant-115/tablefate/core/fate/tableops"
	"github.com/sushant-115/tablefate/core/liveness"
	"github.com/sushant-115/tablefate/internal/tablemeta"
)

type engineTestMetrics struct{}

func (engineTestMetrics) ObserveStepStart(stepName string)                                 {}
func (engineTestMetrics) ObserveStepCall(stepName string, durationMillis float64, ok bool) {}
func (engineTestMetrics) WorkerStarted()                                                   {}
func (engineTestMetrics) WorkerStopped()                                                   {}
func (engineTestMetrics) TransactionStatusChanged(from, to string)                         {}
func (engineTestMetrics) TransactionSeeded()                                               {}
func (engineTestMetrics) DeadReservationsCleared(n int)                                    {}
func (engineTestMetrics) PoolIdleRatioObserved(ratio float64)                              {}

type engineTestEnv struct {
	reg *tablemeta.Registry
	log *zap.Logger
}

func (e engineTestEnv) Tables() step.TableRegistry { return e.reg }
func (e engineTestEnv) Names() step.NameMapper     { return e.reg }
func (e engineTestEnv) Logger() *zap.Logger        { return e.log }
func (e engineTestEnv) Metrics() step.MetricsSink  { return engineTestMetrics{} }

func setupEngine(t *testing.T, size int) (*Engine, *tablemeta.Registry) {
	t.Helper()
	log := zap.NewNop()
	path := filepath.Join(t.TempDir(), "tablefate.db")
	st, err := store.Open(path, step.DefaultRegistry, log)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	reg := tablemeta.New()
	env := engineTestEnv{reg: reg, log: log}
	lv := liveness.NewHeartbeatRegistry(0)

	e, err := New(st, lv, env, EngineConfig{}, func() pool.LiveConfig {
		return pool.LiveConfig{Size: size}
	}, log)
	require.NoError(t, err)
	return e, reg
}

func TestEngineRunsCreateTableToCompletion(t *testing.T) {
	e, reg := setupEngine(t, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Run(ctx)
	defer e.Shutdown(time.Second)

	id, err := e.StartTransaction(fateid.USER)
	require.NoError(t, err)

	chain := tableops.NewCreateTable("ns1", "orders", map[string]string{"retention": "30d"})
	require.NoError(t, e.SeedTransaction(id, ops.TableCreate, nil, chain, false))

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	status, err := e.WaitForCompletion(waitCtx, id)
	require.NoError(t, err)
	require.Equal(t, SUCCESSFUL, status)

	tableID, err := e.GetReturn(id)
	require.NoError(t, err)
	require.NotEmpty(t, tableID)

	gotID, err := reg.Lookup("orders")
	require.NoError(t, err)
	require.Equal(t, tableID, gotID)
}

func TestEngineCancelBeforePickupTransitionsToFailedInProgress(t *testing.T) {
	e, _ := setupEngine(t, 0)

	id, err := e.StartTransaction(fateid.USER)
	require.NoError(t, err)
	require.NoError(t, e.SeedTransaction(id, ops.TableCreate, nil, tableops.NewCreateTable("ns1", "orders", nil), false))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	cancelled, err := e.Cancel(ctx, id)
	require.NoError(t, err)
	require.True(t, cancelled)

	status, err := e.GetStatus(id)
	require.NoError(t, err)
	require.Equal(t, FAILED_IN_PROGRESS, status)
}

func TestEngineGetStatusUnknownForMissingID(t *testing.T) {
	e, _ := setupEngine(t, 0)
	status, err := e.GetStatus(fateid.New(fateid.USER))
	require.NoError(t, err)
	require.Equal(t, UNKNOWN, status)
}

func TestEngineDeleteRemovesRecord(t *testing.T) {
	e, _ := setupEngine(t, 0)
	id, err := e.StartTransaction(fateid.USER)
	require.NoError(t, err)

	require.NoError(t, e.Delete(id))

	status, err := e.GetStatus(id)
	require.NoError(t, err)
	require.Equal(t, UNKNOWN, status)
}

func TestEngineDeleteRejectsInProgressTransaction(t *testing.T) {
	e, _ := setupEngine(t, 0)
	id, err := e.StartTransaction(fateid.USER)
	require.NoError(t, err)
	require.NoError(t, e.SeedTransaction(id, ops.TableCreate, nil, tableops.NewCreateTable("ns1", "orders", nil), false))

	h, err := e.store.TryReserve(id, "test-owner")
	require.NoError(t, err)
	require.NoError(t, h.SetStatus(IN_PROGRESS))
	require.NoError(t, h.Unreserve(0))

	err = e.Delete(id)
	require.ErrorIs(t, err, ErrDeleteInProgress)

	status, err := e.GetStatus(id)
	require.NoError(t, err)
	require.Equal(t, IN_PROGRESS, status, "rejected delete must leave the record untouched")
}

func TestEngineDeleteRejectsFailedInProgressTransaction(t *testing.T) {
	e, _ := setupEngine(t, 0)
	id, err := e.StartTransaction(fateid.USER)
	require.NoError(t, err)
	require.NoError(t, e.SeedTransaction(id, ops.TableCreate, nil, tableops.NewCreateTable("ns1", "orders", nil), false))

	h, err := e.store.TryReserve(id, "test-owner")
	require.NoError(t, err)
	require.NoError(t, h.SetStatus(IN_PROGRESS))
	require.NoError(t, h.SetStatus(FAILED_IN_PROGRESS))
	require.NoError(t, h.Unreserve(0))

	err = e.Delete(id)
	require.ErrorIs(t, err, ErrDeleteInProgress)
}

func TestEngineShutdownStopsBackgroundGoroutines(t *testing.T) {
	e, _ := setupEngine(t, 2)
	ctx := context.Background()
	e.Run(ctx)

	require.NoError(t, e.Shutdown(2*time.Second))
}
