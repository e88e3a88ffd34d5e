package store

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sushant-115/tablefate/core/fate/txstate"
	"github.com/sushant-115/tablefate/core/fate/fateid"
	"github.com/sushant-115/tablefate/core/fate/step"
)

func TestTryReserveAndUnreserve(t *testing.T) {
	st := setupStore(t)
	id, err := st.Create(fateid.USER)
	require.NoError(t, err)

	h, err := st.TryReserve(id, "owner-a")
	require.NoError(t, err)
	require.Equal(t, id, h.ID())

	_, err = st.TryReserve(id, "owner-b")
	require.ErrorIs(t, err, ErrAlreadyReserved)

	require.NoError(t, h.Unreserve(0))

	h2, err := st.TryReserve(id, "owner-b")
	require.NoError(t, err)
	require.NoError(t, h2.Unreserve(0))
}

func TestTryReserveSameOwnerRefusedWhileHeld(t *testing.T) {
	st := setupStore(t)
	id, err := st.Create(fateid.USER)
	require.NoError(t, err)

	_, err = st.TryReserve(id, "owner-a")
	require.NoError(t, err)
	_, err = st.TryReserve(id, "owner-a")
	require.ErrorIs(t, err, ErrAlreadyReserved)
}

func TestTryReserveUnknownID(t *testing.T) {
	st := setupStore(t)
	_, err := st.TryReserve(fateid.New(fateid.USER), "owner-a")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSetStatusEnforcesTransitionTable(t *testing.T) {
	st := setupStore(t)
	id, err := st.Create(fateid.USER)
	require.NoError(t, err)
	h, err := st.TryReserve(id, "owner-a")
	require.NoError(t, err)

	require.NoError(t, h.SetStatus(txstate.SUBMITTED))

	err = h.SetStatus(txstate.SUCCESSFUL)
	require.Error(t, err)
	var invalid *txstate.ErrInvalidTransition
	require.ErrorAs(t, err, &invalid)
}

func TestSetStatusIdempotent(t *testing.T) {
	st := setupStore(t)
	id, err := st.Create(fateid.USER)
	require.NoError(t, err)
	h, err := st.TryReserve(id, "owner-a")
	require.NoError(t, err)

	require.NoError(t, h.SetStatus(txstate.NEW))
}

func TestWithRecordRejectsWrongOwner(t *testing.T) {
	st := setupStore(t)
	id, err := st.Create(fateid.USER)
	require.NoError(t, err)
	h, err := st.TryReserve(id, "owner-a")
	require.NoError(t, err)
	require.NoError(t, h.Unreserve(0))

	_, err = st.TryReserve(id, "owner-b")
	require.NoError(t, err)

	err = h.SetStatus(txstate.SUBMITTED)
	require.ErrorIs(t, err, ErrNotReserved)
}

func TestPushAndPop(t *testing.T) {
	st := setupStore(t)
	id, err := st.Create(fateid.USER)
	require.NoError(t, err)
	h, err := st.TryReserve(id, "owner-a")
	require.NoError(t, err)

	top, err := h.Top()
	require.NoError(t, err)
	require.Nil(t, top)

	require.NoError(t, h.Push(&fakeStep{Label: "first"}))
	top, err = h.Top()
	require.NoError(t, err)
	require.NotNil(t, top)

	require.NoError(t, h.Pop())
	top, err = h.Top()
	require.NoError(t, err)
	require.Nil(t, top)

	require.NoError(t, h.Pop())
}

func TestPushOverflowsAtMaxStackDepth(t *testing.T) {
	st := setupStore(t)
	id, err := st.Create(fateid.USER)
	require.NoError(t, err)
	h, err := st.TryReserve(id, "owner-a")
	require.NoError(t, err)

	for i := 0; i < MaxStackDepth; i++ {
		require.NoError(t, h.Push(&fakeStep{Label: "x"}))
	}
	err = h.Push(&fakeStep{Label: "overflow"})
	require.ErrorIs(t, err, step.ErrStackOverflow)
}

func TestGetSetInfo(t *testing.T) {
	st := setupStore(t)
	id, err := st.Create(fateid.USER)
	require.NoError(t, err)
	h, err := st.TryReserve(id, "owner-a")
	require.NoError(t, err)

	v, err := h.GetInfo(txstate.Exception)
	require.NoError(t, err)
	require.Nil(t, v)

	raw, err := json.Marshal("boom")
	require.NoError(t, err)
	require.NoError(t, h.SetInfo(txstate.Exception, raw))

	got, err := h.GetInfo(txstate.Exception)
	require.NoError(t, err)
	require.JSONEq(t, `"boom"`, string(got))

	direct, err := st.ReadInfo(id, txstate.Exception)
	require.NoError(t, err)
	require.JSONEq(t, `"boom"`, string(direct))
}

func TestDeleteWithWrongOwnerFails(t *testing.T) {
	st := setupStore(t)
	id, err := st.Create(fateid.USER)
	require.NoError(t, err)
	h, err := st.TryReserve(id, "owner-a")
	require.NoError(t, err)
	require.NoError(t, h.Unreserve(0))

	h2, err := st.TryReserve(id, "owner-b")
	require.NoError(t, err)
	require.ErrorIs(t, h.Delete(), ErrNotReserved)
	require.NoError(t, h2.Delete())

	_, err = st.Read(id)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUnreserveWithDeferPersistsStatus(t *testing.T) {
	st := setupStore(t)
	id, err := st.Create(fateid.USER)
	require.NoError(t, err)
	h, err := st.TryReserve(id, "owner-a")
	require.NoError(t, err)
	require.NoError(t, h.SetStatus(txstate.SUBMITTED))
	require.NoError(t, h.Unreserve(time.Hour))

	view, err := st.Read(id)
	require.NoError(t, err)
	require.Equal(t, txstate.SUBMITTED, view.Status)
}
