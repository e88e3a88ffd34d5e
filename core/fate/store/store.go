// Package store implements the durable Transaction Store (C1) on top of
// github.com/boltdb/bolt. A bolt.DB transaction already gives "durable
// before return, readers see pre- or post-state, never torn" for free, so
// no bespoke write-ahead log is layered on top of it here (see DESIGN.md).
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "github.com/boltdb/bolt"
	"go.uber.org/zap"

	"github.com/sushant-115/tablefate/core/fate/txstate"
	"github.com/sushant-115/tablefate/core/fate/fateid"
	"github.com/sushant-115/tablefate/core/fate/ops"
	"github.com/sushant-115/tablefate/core/fate/step"
)

var transactionsBucket = []byte("transactions")

// MaxStackDepth bounds how many steps a transaction's stack may hold at
// once. Exceeding it on Push returns step.ErrStackOverflow.
const MaxStackDepth = 64

// Default reservation-sweep tuning (§4.2), consumed by the caller that
// wires core/fate/reservation against this store.
const (
	DeadResCleanupDelay = 3 * time.Minute
	InitialDelay        = 3 * time.Second
)

var (
	// ErrNotFound means the id is not known to the store (status UNKNOWN).
	ErrNotFound = fmt.Errorf("store: transaction not found")
	// ErrAlreadyReserved is returned by TryReserve when the lease is held.
	ErrAlreadyReserved = fmt.Errorf("store: already reserved")
	// ErrNotReserved guards handle operations against a caller that lost
	// or never held the lease.
	ErrNotReserved = fmt.Errorf("store: handle is not reserved")
	// ErrConflictingSeed is returned by Seed when a FateKey was already
	// seeded with a different declared operation.
	ErrConflictingSeed = fmt.Errorf("store: conflicting seed for key")
)

// record is the on-disk representation of a Tx, stored JSON-encoded under
// its FateID in the transactions bucket.
type record struct {
	Status       txstate.TStatus               `json:"status"`
	Stack        []step.Envelope            `json:"stack"`
	Info         map[txstate.TxInfo]json.RawMessage `json:"info"`
	Key          *txstate.FateKey              `json:"key,omitempty"`
	ReservedBy   string                     `json:"reserved_by,omitempty"`
	ReservedAt   time.Time                  `json:"reserved_at,omitempty"`
	NotBefore    time.Time                  `json:"not_before,omitempty"`
	DeferUntil   time.Time                  `json:"defer_until,omitempty"`
}

func (r *record) isReserved() bool { return r.ReservedBy != "" }

// Store is the concrete Transaction Store, one per process, wrapping a
// single bolt.DB file.
type Store struct {
	db       *bolt.DB
	registry *step.Registry
	log      *zap.Logger
}

// Open opens (creating if absent) the bolt.DB file at path and ensures the
// transactions bucket exists.
func Open(path string, registry *step.Registry, log *zap.Logger) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(transactionsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init bucket: %w", err)
	}
	if registry == nil {
		registry = step.DefaultRegistry
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{db: db, registry: registry, log: log}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Create allocates a new id and persists Tx{status=NEW, stack=[]}.
func (s *Store) Create(instanceType fateid.InstanceType) (fateid.FateID, error) {
	id := fateid.New(instanceType)
	rec := &record{Status: txstate.NEW, Info: map[txstate.TxInfo]json.RawMessage{}}
	err := s.db.Update(func(tx *bolt.Tx) error {
		return putRecord(tx, id, rec)
	})
	if err != nil {
		return fateid.FateID{}, fmt.Errorf("store: create: %w", err)
	}
	return id, nil
}

// Seed attaches the initial step and declared operation to a NEW
// transaction and transitions it to SUBMITTED (§4.1 expansion). Calling
// Seed twice with an identical (key, op) is a no-op returning the existing
// id's current state; the same key with a different op is a conflict.
func (s *Store) Seed(id fateid.FateID, op ops.FateOperation, key *txstate.FateKey, initial step.Step, autoClean bool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if key != nil {
			if existing, ok := findByKey(tx, *key); ok {
				if existing.opName == op.String() {
					return nil
				}
				return ErrConflictingSeed
			}
		}
		rec, err := getRecord(tx, id)
		if err != nil {
			return err
		}
		if rec.Status != txstate.NEW {
			return nil
		}
		env, err := s.registry.Encode(initial, 1)
		if err != nil {
			return err
		}
		opPayload, err := json.Marshal(op.String())
		if err != nil {
			return err
		}
		cleanPayload, err := json.Marshal(autoClean)
		if err != nil {
			return err
		}
		rec.Stack = []step.Envelope{env}
		rec.Info[txstate.FateOp] = opPayload
		rec.Info[txstate.AutoClean] = cleanPayload
		rec.Status = txstate.SUBMITTED
		rec.Key = key
		return putRecord(tx, id, rec)
	})
}

// List returns every id in the store, optionally filtered to those whose
// FateKey has the given type. The whole bucket is scanned inside a single
// read-only bolt transaction, so each item is snapshot-consistent, though
// not globally across the call (§4.1).
func (s *Store) List(keyType *txstate.FateKeyType) ([]fateid.FateID, error) {
	var ids []fateid.FateID
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(transactionsBucket)
		return b.ForEach(func(k, v []byte) error {
			id, err := fateid.FromBytes(k)
			if err != nil {
				return nil
			}
			if keyType != nil {
				var rec record
				if err := json.Unmarshal(v, &rec); err != nil {
					return nil
				}
				if rec.Key == nil || rec.Key.Type != *keyType {
					return nil
				}
			}
			ids = append(ids, id)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("store: list: %w", err)
	}
	return ids, nil
}

// Runnable scans for ids eligible for pickup — status in {SUBMITTED,
// IN_PROGRESS, FAILED_IN_PROGRESS}, unreserved, and past any defer window —
// invoking sink synchronously per id until stop fires.
// sink may block; that backpressure is intentional (§4.3).
// runnableIdleInterval is how long an empty scan pauses before rescanning.
// Without it, a quiet pool with no runnable work would peg a CPU core
// re-walking the transactions bucket as fast as BoltDB can serve it.
const runnableIdleInterval = 200 * time.Millisecond

func (s *Store) Runnable(ctx context.Context, sink func(fateid.FateID) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		var candidates []fateid.FateID
		now := time.Now()
		err := s.db.View(func(tx *bolt.Tx) error {
			b := tx.Bucket(transactionsBucket)
			return b.ForEach(func(k, v []byte) error {
				var rec record
				if err := json.Unmarshal(v, &rec); err != nil {
					return nil
				}
				if !runnableStatus(rec.Status) {
					return nil
				}
				if rec.isReserved() {
					return nil
				}
				if !rec.DeferUntil.IsZero() && rec.DeferUntil.After(now) {
					return nil
				}
				id, err := fateid.FromBytes(k)
				if err != nil {
					return nil
				}
				candidates = append(candidates, id)
				return nil
			})
		})
		if err != nil {
			return fmt.Errorf("store: runnable scan: %w", err)
		}
		if len(candidates) == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(runnableIdleInterval):
			}
			continue
		}
		for _, id := range candidates {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			if err := sink(id); err != nil {
				s.log.Warn("runnable sink error", zap.String("id", id.String()), zap.Error(err))
			}
		}
	}
}

func runnableStatus(st txstate.TStatus) bool {
	switch st {
	case txstate.SUBMITTED, txstate.IN_PROGRESS, txstate.FAILED_IN_PROGRESS:
		return true
	default:
		return false
	}
}

// Read returns a point-in-time snapshot view; it does not require a
// reservation.
func (s *Store) Read(id fateid.FateID) (View, error) {
	var v View
	err := s.db.View(func(tx *bolt.Tx) error {
		rec, err := getRecord(tx, id)
		if err != nil {
			return err
		}
		v.Status = rec.Status
		if len(rec.Stack) > 0 {
			v.HasTop = true
		}
		return nil
	})
	if err != nil {
		return View{}, err
	}
	return v, nil
}

// View is the read-only projection returned by Read.
type View struct {
	Status txstate.TStatus
	HasTop bool
}

// ReadInfo fetches a single info field's raw value without acquiring a
// reservation; callers like GetReturn/GetException only need a point-in-time
// snapshot, not exclusivity.
func (s *Store) ReadInfo(id fateid.FateID, key txstate.TxInfo) (json.RawMessage, error) {
	var raw json.RawMessage
	err := s.db.View(func(tx *bolt.Tx) error {
		rec, err := getRecord(tx, id)
		if err != nil {
			return err
		}
		raw = rec.Info[key]
		return nil
	})
	if err != nil {
		return nil, err
	}
	return raw, nil
}

func putRecord(tx *bolt.Tx, id fateid.FateID, rec *record) error {
	b := tx.Bucket(transactionsBucket)
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: marshal record: %w", err)
	}
	return b.Put(id.Bytes(), data)
}

func getRecord(tx *bolt.Tx, id fateid.FateID) (*record, error) {
	b := tx.Bucket(transactionsBucket)
	data := b.Get(id.Bytes())
	if data == nil {
		return nil, ErrNotFound
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("store: unmarshal record: %w", err)
	}
	if rec.Info == nil {
		rec.Info = map[txstate.TxInfo]json.RawMessage{}
	}
	return &rec, nil
}

type keyedOp struct{ opName string }

func findByKey(tx *bolt.Tx, key txstate.FateKey) (keyedOp, bool) {
	b := tx.Bucket(transactionsBucket)
	var found keyedOp
	var ok bool
	_ = b.ForEach(func(k, v []byte) error {
		var rec record
		if err := json.Unmarshal(v, &rec); err != nil {
			return nil
		}
		if rec.Key != nil && rec.Key.Equal(key) {
			var opName string
			if raw, present := rec.Info[txstate.FateOp]; present {
				_ = json.Unmarshal(raw, &opName)
			}
			found = keyedOp{opName: opName}
			ok = true
		}
		return nil
	})
	return found, ok
}
