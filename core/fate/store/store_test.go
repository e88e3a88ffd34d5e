package store

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sushant-115/tablefate/core/fate/txstate"
	"github.com/sushant-115/tablefate/core/fate/fateid"
	"github.com/sushant-115/tablefate/core/fate/ops"
	"github.com/sushant-115/tablefate/core/fate/step"
)

// fakeStep is a minimal step.Step used only to exercise the store's
// stack/serialization plumbing.
type fakeStep struct {
	Label string `json:"label"`
}

func (s *fakeStep) Name() string { return "store_test.fakeStep" }
func (s *fakeStep) Ready(ctx context.Context, id fateid.FateID, env step.Env) (int64, error) {
	return 0, nil
}
func (s *fakeStep) Call(ctx context.Context, id fateid.FateID, env step.Env) (step.Step, error) {
	return nil, nil
}
func (s *fakeStep) Undo(ctx context.Context, id fateid.FateID, env step.Env) error { return nil }

func init() {
	step.DefaultRegistry.Register("store_test.fakeStep", func(version int, payload json.RawMessage) (step.Step, error) {
		var s fakeStep
		if err := json.Unmarshal(payload, &s); err != nil {
			return nil, err
		}
		return &s, nil
	})
}

func setupStore(t *testing.T) *Store {
	t.Helper()
	log, err := zap.NewDevelopment()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "tablefate.db")
	st, err := Open(path, step.DefaultRegistry, log)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestCreateAndRead(t *testing.T) {
	st := setupStore(t)

	id, err := st.Create(fateid.USER)
	require.NoError(t, err)

	view, err := st.Read(id)
	require.NoError(t, err)
	require.Equal(t, txstate.NEW, view.Status)
	require.False(t, view.HasTop)
}

func TestReadUnknownID(t *testing.T) {
	st := setupStore(t)
	_, err := st.Read(fateid.New(fateid.USER))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSeedTransitionsToSubmitted(t *testing.T) {
	st := setupStore(t)
	id, err := st.Create(fateid.USER)
	require.NoError(t, err)

	require.NoError(t, st.Seed(id, ops.TableCreate, nil, &fakeStep{Label: "a"}, false))

	view, err := st.Read(id)
	require.NoError(t, err)
	require.Equal(t, txstate.SUBMITTED, view.Status)
	require.True(t, view.HasTop)
}

// TestSeedIdempotentByKey exercises Testable Property 4: seeding twice with
// the same key and operation is a no-op.
func TestSeedIdempotentByKey(t *testing.T) {
	st := setupStore(t)
	key := &txstate.FateKey{Type: "table", Payload: []byte("orders")}

	id1, err := st.Create(fateid.USER)
	require.NoError(t, err)
	require.NoError(t, st.Seed(id1, ops.TableCreate, key, &fakeStep{Label: "a"}, false))

	id2, err := st.Create(fateid.USER)
	require.NoError(t, err)
	err = st.Seed(id2, ops.TableCreate, key, &fakeStep{Label: "b"}, false)
	require.NoError(t, err)

	view2, err := st.Read(id2)
	require.NoError(t, err)
	require.Equal(t, txstate.NEW, view2.Status, "second seed with identical key+op must be a no-op")
}

// TestSeedConflictingKey exercises the other half of Testable Property 4:
// the same key with a different declared operation is a conflict.
func TestSeedConflictingKey(t *testing.T) {
	st := setupStore(t)
	key := &txstate.FateKey{Type: "table", Payload: []byte("orders")}

	id1, err := st.Create(fateid.USER)
	require.NoError(t, err)
	require.NoError(t, st.Seed(id1, ops.TableCreate, key, &fakeStep{Label: "a"}, false))

	id2, err := st.Create(fateid.USER)
	require.NoError(t, err)
	err = st.Seed(id2, ops.TableDelete, key, &fakeStep{Label: "b"}, false)
	require.ErrorIs(t, err, ErrConflictingSeed)
}

func TestListFiltersByKeyType(t *testing.T) {
	st := setupStore(t)
	tableKey := &txstate.FateKey{Type: "table", Payload: []byte("a")}
	nsKey := &txstate.FateKey{Type: "namespace", Payload: []byte("b")}

	idTable, err := st.Create(fateid.USER)
	require.NoError(t, err)
	require.NoError(t, st.Seed(idTable, ops.TableCreate, tableKey, &fakeStep{}, false))

	idNS, err := st.Create(fateid.USER)
	require.NoError(t, err)
	require.NoError(t, st.Seed(idNS, ops.NamespaceCreate, nsKey, &fakeStep{}, false))

	tableType := txstate.FateKeyType("table")
	ids, err := st.List(&tableType)
	require.NoError(t, err)
	require.ElementsMatch(t, []fateid.FateID{idTable}, ids)

	all, err := st.List(nil)
	require.NoError(t, err)
	require.ElementsMatch(t, []fateid.FateID{idTable, idNS}, all)
}

func TestRunnableOffersOnlyEligibleIDs(t *testing.T) {
	st := setupStore(t)

	submitted, err := st.Create(fateid.USER)
	require.NoError(t, err)
	require.NoError(t, st.Seed(submitted, ops.TableCreate, nil, &fakeStep{}, false))

	fresh, err := st.Create(fateid.USER)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	var seen []fateid.FateID
	err = st.Runnable(ctx, func(id fateid.FateID) error {
		seen = append(seen, id)
		return nil
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Contains(t, seen, submitted)
	require.NotContains(t, seen, fresh)
}

func TestRunnableSkipsReservedAndDeferred(t *testing.T) {
	st := setupStore(t)

	id, err := st.Create(fateid.USER)
	require.NoError(t, err)
	require.NoError(t, st.Seed(id, ops.TableCreate, nil, &fakeStep{}, false))

	h, err := st.TryReserve(id, "owner-a")
	require.NoError(t, err)
	require.NoError(t, h.Unreserve(time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	var seen []fateid.FateID
	_ = st.Runnable(ctx, func(id fateid.FateID) error {
		seen = append(seen, id)
		return nil
	})
	require.NotContains(t, seen, id, "a deferred transaction must not be offered before its defer window elapses")
}

func TestDumpLoadRoundTrip(t *testing.T) {
	st := setupStore(t)
	id, err := st.Create(fateid.USER)
	require.NoError(t, err)
	require.NoError(t, st.Seed(id, ops.TableCreate, nil, &fakeStep{Label: "x"}, false))

	var buf bytes.Buffer
	require.NoError(t, st.Dump(&buf))

	other := setupStore(t)
	require.NoError(t, other.Load(&buf))

	view, err := other.Read(id)
	require.NoError(t, err)
	require.Equal(t, txstate.SUBMITTED, view.Status)
}
