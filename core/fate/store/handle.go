package store

import (
	"context"
	"encoding/json"
	"time"

	bolt "github.com/boltdb/bolt"

	"github.com/sushant-115/tablefate/core/fate/txstate"
	"github.com/sushant-115/tablefate/core/fate/fateid"
	"github.com/sushant-115/tablefate/core/fate/step"
)

// Handle is the lease-scoped view of a transaction: every method requires
// the caller to currently hold the reservation, enforced by re-checking
// ReservedBy inside the same bolt transaction as the mutation.
type Handle struct {
	store   *Store
	id      fateid.FateID
	ownerID string
}

// TryReserve attempts to install ownerID as the current reservation holder
// without blocking. It fails with ErrAlreadyReserved whenever the lease is
// held, including by ownerID itself, or ErrNotFound if the id is unknown.
func (s *Store) TryReserve(id fateid.FateID, ownerID string) (*Handle, error) {
	err := s.db.Update(func(tx *bolt.Tx) error {
		rec, err := getRecord(tx, id)
		if err != nil {
			return err
		}
		if rec.isReserved() {
			return ErrAlreadyReserved
		}
		rec.ReservedBy = ownerID
		rec.ReservedAt = time.Now()
		return putRecord(tx, id, rec)
	})
	if err != nil {
		return nil, err
	}
	return &Handle{store: s, id: id, ownerID: ownerID}, nil
}

// Reserve blocks until the lease is free, polling with backoff. Per §4.2 reservation acquisition is delegated to
// the store; the caller (core/fate/reservation) is responsible for
// bounding total wait time where that matters (e.g. cancel's 5-retry rule).
func (s *Store) Reserve(ctx context.Context, id fateid.FateID, ownerID string) (*Handle, error) {
	backoff := 20 * time.Millisecond
	const maxBackoff = 500 * time.Millisecond
	for {
		h, err := s.TryReserve(id, ownerID)
		if err == nil {
			return h, nil
		}
		if err != ErrAlreadyReserved {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < maxBackoff {
			backoff *= 2
		}
	}
}

func (h *Handle) withRecord(fn func(rec *record) error) error {
	return h.store.db.Update(func(tx *bolt.Tx) error {
		rec, err := getRecord(tx, h.id)
		if err != nil {
			return err
		}
		if rec.ReservedBy != h.ownerID {
			return ErrNotReserved
		}
		if err := fn(rec); err != nil {
			return err
		}
		return putRecord(tx, h.id, rec)
	})
}

// GetStatus returns the transaction's current status.
func (h *Handle) GetStatus() (txstate.TStatus, error) {
	var st txstate.TStatus
	err := h.store.db.View(func(tx *bolt.Tx) error {
		rec, err := getRecord(tx, h.id)
		if err != nil {
			return err
		}
		st = rec.Status
		return nil
	})
	return st, err
}

// SetStatus enforces the §4.1 transition table, idempotent when new equals
// current.
func (h *Handle) SetStatus(next txstate.TStatus) error {
	return h.withRecord(func(rec *record) error {
		if !txstate.CanTransition(rec.Status, next) {
			return &txstate.ErrInvalidTransition{From: rec.Status, To: next}
		}
		rec.Status = next
		return nil
	})
}

// Top returns the step at the top of the stack without popping it, or nil
// if the stack is empty.
func (h *Handle) Top() (step.Step, error) {
	var s step.Step
	err := h.store.db.View(func(tx *bolt.Tx) error {
		rec, err := getRecord(tx, h.id)
		if err != nil {
			return err
		}
		if len(rec.Stack) == 0 {
			return nil
		}
		top := rec.Stack[len(rec.Stack)-1]
		decoded, err := h.store.registry.Decode(top)
		if err != nil {
			return err
		}
		s = decoded
		return nil
	})
	return s, err
}

// Push appends a new step on top of the stack, enforcing MaxStackDepth.
func (h *Handle) Push(s step.Step) error {
	return h.withRecord(func(rec *record) error {
		if len(rec.Stack) >= MaxStackDepth {
			return step.ErrStackOverflow
		}
		env, err := h.store.registry.Encode(s, 1)
		if err != nil {
			return err
		}
		rec.Stack = append(rec.Stack, env)
		return nil
	})
}

// Pop removes the top step from the stack. Popping an empty stack is a
// no-op.
func (h *Handle) Pop() error {
	return h.withRecord(func(rec *record) error {
		if len(rec.Stack) == 0 {
			return nil
		}
		rec.Stack = rec.Stack[:len(rec.Stack)-1]
		return nil
	})
}

// GetInfo reads a keyed info value, returning (nil, nil) if unset.
func (h *Handle) GetInfo(key txstate.TxInfo) (json.RawMessage, error) {
	var v json.RawMessage
	err := h.store.db.View(func(tx *bolt.Tx) error {
		rec, err := getRecord(tx, h.id)
		if err != nil {
			return err
		}
		v = rec.Info[key]
		return nil
	})
	return v, err
}

// SetInfo writes a keyed info value.
func (h *Handle) SetInfo(key txstate.TxInfo, value json.RawMessage) error {
	return h.withRecord(func(rec *record) error {
		rec.Info[key] = value
		return nil
	})
}

// Delete removes the transaction record entirely. Used by cleanup when
// info.auto_clean is true.
func (h *Handle) Delete() error {
	return h.store.db.Update(func(tx *bolt.Tx) error {
		rec, err := getRecord(tx, h.id)
		if err != nil {
			return err
		}
		if rec.ReservedBy != h.ownerID {
			return ErrNotReserved
		}
		b := tx.Bucket(transactionsBucket)
		return b.Delete(h.id.Bytes())
	})
}

// ClearStack empties the stack without deleting the record, the non-
// auto-clean cleanup path.
func (h *Handle) ClearStack() error {
	return h.withRecord(func(rec *record) error {
		rec.Stack = nil
		return nil
	})
}

// Unreserve releases the lease. If defer is positive, the transaction will
// not be offered again by Runnable until that long has elapsed.
func (h *Handle) Unreserve(deferFor time.Duration) error {
	return h.store.db.Update(func(tx *bolt.Tx) error {
		rec, err := getRecord(tx, h.id)
		if err != nil {
			return err
		}
		if rec.ReservedBy != h.ownerID {
			return ErrNotReserved
		}
		rec.ReservedBy = ""
		rec.ReservedAt = time.Time{}
		if deferFor > 0 {
			rec.DeferUntil = time.Now().Add(deferFor)
		} else {
			rec.DeferUntil = time.Time{}
		}
		return putRecord(tx, h.id, rec)
	})
}

// ID returns the FateID this handle reserves.
func (h *Handle) ID() fateid.FateID { return h.id }
