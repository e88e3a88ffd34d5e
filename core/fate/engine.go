// Package fate assembles the Transaction Store, Reservation Manager, Work
// Finder, Worker Pool, Pool Supervisor, and Step Protocol into the single
// public Engine the rest of the system drives transactions through.
package fate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sushant-115/tablefate/core/fate/fateid"
	"github.com/sushant-115/tablefate/core/fate/ops"
	"github.com/sushant-115/tablefate/core/fate/pool"
	"github.com/sushant-115/tablefate/core/fate/reservation"
	"github.com/sushant-115/tablefate/core/fate/step"
	"github.com/sushant-115/tablefate/core/fate/store"
	"github.com/sushant-115/tablefate/core/fate/workfinder"
	"github.com/sushant-115/tablefate/core/liveness"
)

// cancelRetries and cancelBackoff implement the source's retry policy for
// Cancel racing an in-flight reservation (§5).
const (
	cancelRetries = 5
	cancelBackoff = 500 * time.Millisecond
)

// ErrDeleteInProgress is returned by Delete when the transaction is
// IN_PROGRESS or FAILED_IN_PROGRESS, mirroring the source's delete guard:
// deleting an in-progress transaction's record would discard an unfinished
// stack of steps, some possibly already applied, with no way to undo them.
var ErrDeleteInProgress = fmt.Errorf("fate: delete: transaction is in progress")

// EngineConfig is the fixed (non-hot-reloadable) configuration needed to
// build an Engine.
type EngineConfig struct {
	OwnerID string
}

// Engine is the top-level handle the rest of the system holds: it owns the
// store, the reservation manager, and the background goroutines (work
// finder, pool supervisor, dead-reservation sweep), coordinated through a
// golang.org/x/sync/errgroup.Group so Shutdown can wait on all of them with
// a single call plus a deadline, instead of hand-rolled WaitGroup polling.
type Engine struct {
	store      *store.Store
	reservMgr  *reservation.Manager
	workFinder *workfinder.WorkFinder
	supervisor *pool.Supervisor
	shutdown   *pool.ShutdownFlag
	env        step.Env
	log        *zap.Logger

	group  *errgroup.Group
	cancel context.CancelFunc
}

// New wires up an Engine ready to Run. env supplies the Step protocol's
// external collaborators; liveConfig is polled by the supervisor every
// tick so pool size and idle-check interval can change without a restart.
func New(st *store.Store, lv liveness.Registry, env step.Env, cfg EngineConfig, liveConfig func() pool.LiveConfig, log *zap.Logger) (*Engine, error) {
	if log == nil {
		log = zap.NewNop()
	}
	mgr, err := reservation.New(st, lv, cfg.OwnerID, env.Metrics(), log)
	if err != nil {
		return nil, fmt.Errorf("fate: build reservation manager: %w", err)
	}

	wf := workfinder.New(st, log)
	shutdownFlag := &pool.ShutdownFlag{}
	supervisor := pool.NewSupervisor(wf.Offers(), st, mgr, env, shutdownFlag, liveConfig, log)

	return &Engine{
		store:      st,
		reservMgr:  mgr,
		workFinder: wf,
		supervisor: supervisor,
		shutdown:   shutdownFlag,
		env:        env,
		log:        log,
	}, nil
}

// Run launches the work finder, pool supervisor, and dead-reservation
// sweep as sibling goroutines tracked by a single errgroup.Group, so
// Shutdown can wait on all of them at once (§5).
func (e *Engine) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	g, gctx := errgroup.WithContext(ctx)
	e.group = g

	g.Go(func() error { return e.workFinder.Run(gctx) })
	g.Go(func() error { return e.supervisor.Run(gctx) })
	g.Go(func() error { return e.reservMgr.Run(gctx) })
}

// Shutdown stops accepting new work and waits up to timeout for the
// background goroutines and in-flight workers to drain (§5, §6).
func (e *Engine) Shutdown(timeout time.Duration) error {
	e.shutdown.Set()
	if e.cancel != nil {
		e.cancel()
	}
	if err := e.reservMgr.Deregister(); err != nil {
		e.log.Warn("deregister on shutdown failed", zap.Error(err))
	}
	if e.group == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- e.group.Wait() }()

	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("fate: shutdown timed out after %s", timeout)
	}
}

// StartTransaction allocates a fresh NEW transaction.
func (e *Engine) StartTransaction(instanceType fateid.InstanceType) (fateid.FateID, error) {
	return e.store.Create(instanceType)
}

// SeedTransaction attaches the initial step and declared operation,
// transitioning NEW → SUBMITTED (Testable Property 4: idempotent seeding).
func (e *Engine) SeedTransaction(id fateid.FateID, op ops.FateOperation, key *FateKey, initial step.Step, autoClean bool) error {
	if err := e.store.Seed(id, op, key, initial, autoClean); err != nil {
		return err
	}
	e.env.Metrics().TransactionSeeded()
	return nil
}

// List returns every known transaction id, optionally filtered by key type.
func (e *Engine) List(keyType *FateKeyType) ([]fateid.FateID, error) {
	return e.store.List(keyType)
}

// GetStatus returns a transaction's current status, UNKNOWN if the id is
// not known to the store.
func (e *Engine) GetStatus(id fateid.FateID) (TStatus, error) {
	view, err := e.store.Read(id)
	if err != nil {
		if err == store.ErrNotFound {
			return UNKNOWN, nil
		}
		return UNKNOWN, err
	}
	return view.Status, nil
}

// GetReturn fetches the recorded return value of a SUCCESSFUL transaction,
// if any.
func (e *Engine) GetReturn(id fateid.FateID) (string, error) {
	return e.readStringInfo(id, ReturnValue)
}

// GetException fetches the recorded exception string of a FAILED
// transaction, if any.
func (e *Engine) GetException(id fateid.FateID) (string, error) {
	return e.readStringInfo(id, Exception)
}

func (e *Engine) readStringInfo(id fateid.FateID, key TxInfo) (string, error) {
	raw, err := e.store.ReadInfo(id, key)
	if err != nil || raw == nil {
		return "", err
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("fate: decode info %s: %w", key, err)
	}
	return s, nil
}

// Cancel succeeds only if the transaction is currently NEW or SUBMITTED,
// atomically transitioning it to FAILED_IN_PROGRESS under reservation so a
// worker that subsequently picks it up runs the undo path (§5). It retries
// reservation acquisition up to cancelRetries times with cancelBackoff
// between attempts.
func (e *Engine) Cancel(ctx context.Context, id fateid.FateID) (bool, error) {
	var lastErr error
	for attempt := 0; attempt < cancelRetries; attempt++ {
		h, err := e.store.TryReserve(id, e.reservMgr.OwnerID())
		if err == nil {
			return e.cancelReserved(h)
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(cancelBackoff):
		}
	}
	return false, fmt.Errorf("fate: cancel: could not acquire reservation: %w", lastErr)
}

func (e *Engine) cancelReserved(h *store.Handle) (bool, error) {
	defer h.Unreserve(0)

	status, err := h.GetStatus()
	if err != nil {
		return false, err
	}
	if status != NEW && status != SUBMITTED {
		return false, nil
	}

	payload, _ := json.Marshal("cancelled by user")
	if err := h.SetInfo(Exception, payload); err != nil {
		return false, err
	}
	if err := h.SetStatus(FAILED_IN_PROGRESS); err != nil {
		return false, err
	}
	return true, nil
}

// Delete removes a transaction record outright. It refuses to do so while
// the transaction is IN_PROGRESS or FAILED_IN_PROGRESS, returning
// ErrDeleteInProgress, mirroring the source's delete guard: only
// NEW/SUBMITTED/FAILED/SUCCESSFUL transactions may be deleted.
func (e *Engine) Delete(id fateid.FateID) error {
	h, err := e.store.TryReserve(id, e.reservMgr.OwnerID())
	if err != nil {
		return err
	}
	defer func() {
		if h != nil {
			_ = h.Unreserve(0)
		}
	}()

	status, err := h.GetStatus()
	if err != nil {
		return err
	}
	if status == IN_PROGRESS || status == FAILED_IN_PROGRESS {
		return ErrDeleteInProgress
	}

	if err := h.Delete(); err != nil {
		return err
	}
	h = nil
	return nil
}

// WaitForCompletion blocks until id reaches one of FinishedStates or ctx
// is done, polling the store (§5 wait_for_status_change).
func (e *Engine) WaitForCompletion(ctx context.Context, id fateid.FateID) (TStatus, error) {
	const pollInterval = 200 * time.Millisecond
	for {
		status, err := e.GetStatus(id)
		if err != nil {
			return UNKNOWN, err
		}
		if status.IsTerminal() {
			return status, nil
		}
		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}
