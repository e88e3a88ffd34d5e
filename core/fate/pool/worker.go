// Package pool implements the Worker Pool (C4) and Pool Supervisor (C5):
// a bounded set of identical workers draining the Work Finder's rendezvous
// channel, and a periodic task that grows, shrinks, or idle-samples that
// set.
package pool

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sushant-115/tablefate/core/fate/txstate"
	"github.com/sushant-115/tablefate/core/fate/fateid"
	"github.com/sushant-115/tablefate/core/fate/store"
	"github.com/sushant-115/tablefate/core/fate/step"
	"github.com/sushant-115/tablefate/internal/commonutils"
)

// ShutdownFlag is a process-wide, atomically-readable shutdown indicator,
// consulted by step.Classify to implement the shutdown-time I/O
// suppression rule (§4.6).
type ShutdownFlag struct {
	flag atomic.Bool
}

func (s *ShutdownFlag) InProgress() bool { return s.flag.Load() }
func (s *ShutdownFlag) Set()             { s.flag.Store(true) }

// blockForShutdown never returns. It is a package-level var rather than an
// inline select{} so tests can substitute a bounded wait and still observe
// that control flow never reaches past it.
var blockForShutdown = func() {
	select {}
}

// CleanupMode controls how a finished transaction's record is handled.
type CleanupMode int

const (
	// CleanupAutoDelete removes the record entirely (info.auto_clean).
	CleanupAutoDelete CleanupMode = iota
	// CleanupKeepHeader empties the stack but keeps the header record.
	CleanupKeepHeader
)

// Worker repeatedly accepts ids from a rendezvous channel and drives each
// transaction's execute or undo path to completion or deferral.
type Worker struct {
	id       int
	offers   <-chan fateid.FateID
	store    *store.Store
	manager  reserver
	env      step.Env
	shutdown *ShutdownFlag
	log      *zap.Logger

	stop atomic.Bool
	// waiting reports true only while the worker is blocked on offers,
	// the sample the supervisor reads for idle-history accounting.
	waiting atomic.Bool
}

// reserver is the narrow slice of reservation.Manager a worker needs.
type reserver interface {
	TryReserve(id fateid.FateID) (*store.Handle, error)
}

// NewWorker constructs a worker reading from offers.
func NewWorker(id int, offers <-chan fateid.FateID, st *store.Store, mgr reserver, env step.Env, shutdown *ShutdownFlag, log *zap.Logger) *Worker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Worker{id: id, offers: offers, store: st, manager: mgr, env: env, shutdown: shutdown, log: log}
}

// Stop requests the worker exit between transactions (graceful shrink,
// §4.4). It must not be forced to exit mid-transaction.
func (w *Worker) Stop() { w.stop.Store(true) }

// Stopped reports whether Stop has been called.
func (w *Worker) Stopped() bool { return w.stop.Load() }

// Waiting reports whether the worker is currently blocked on the
// rendezvous channel, the supervisor's idle sample (§4.5).
func (w *Worker) Waiting() bool { return w.waiting.Load() }

const pollInterval = 100 * time.Millisecond

// Run drains the rendezvous channel until Stop is called or ctx ends.
func (w *Worker) Run(ctx context.Context) {
	for {
		if w.stop.Load() {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}

		w.waiting.Store(true)
		var id fateid.FateID
		var ok bool
		select {
		case id, ok = <-w.offers:
		case <-time.After(pollInterval):
			w.waiting.Store(false)
			continue
		case <-ctx.Done():
			w.waiting.Store(false)
			return
		}
		w.waiting.Store(false)
		if !ok {
			return
		}

		h, err := w.manager.TryReserve(id)
		if err != nil {
			// Already reserved elsewhere; discard and loop (§4.4 step 2).
			continue
		}
		w.process(ctx, h)
	}
}

// process dispatches a reserved transaction by its current status and
// always unreserves in a deferred cleanup (§4.4 step 5).
func (w *Worker) process(ctx context.Context, h *store.Handle) {
	w.log.Debug("worker picked up transaction",
		zap.String("id", h.ID().String()), zap.Int("worker", w.id), zap.Int64("goroutine", commonutils.GoID()))

	deferFor := time.Duration(0)
	defer func() {
		if err := h.Unreserve(deferFor); err != nil {
			w.log.Warn("unreserve failed", zap.String("id", h.ID().String()), zap.Error(err))
		}
	}()

	status, err := h.GetStatus()
	if err != nil {
		w.log.Warn("get status failed", zap.String("id", h.ID().String()), zap.Error(err))
		return
	}

	w.env.Metrics().WorkerStarted()
	defer w.env.Metrics().WorkerStopped()

	switch status {
	case txstate.FAILED_IN_PROGRESS:
		w.runUndoPath(ctx, h)
	case txstate.SUBMITTED, txstate.IN_PROGRESS:
		deferFor = w.runExecutePath(ctx, h, status)
	default:
		// Nothing runnable; should not happen since the store only offers
		// runnable statuses, but tolerate it defensively.
	}
}

// runUndoPath implements §4.4 step 4's FAILED_IN_PROGRESS branch: unwind
// every pushed step, swallowing and logging failures, then mark FAILED and
// clean up.
func (w *Worker) runUndoPath(ctx context.Context, h *store.Handle) {
	for {
		top, err := h.Top()
		if err != nil {
			w.log.Warn("undo path: top failed", zap.String("id", h.ID().String()), zap.Error(err))
			break
		}
		if top == nil {
			break
		}
		undoStart := time.Now()
		w.env.Metrics().ObserveStepStart(top.Name())
		undoErr := top.Undo(ctx, h.ID(), w.env)
		w.env.Metrics().ObserveStepCall(top.Name(), millisSince(undoStart), undoErr == nil)
		if undoErr != nil {
			w.log.Info("step undo failed, continuing unwind",
				zap.String("id", h.ID().String()), zap.String("step", top.Name()), zap.Error(undoErr))
		}
		if err := h.Pop(); err != nil {
			w.log.Warn("undo path: pop failed", zap.String("id", h.ID().String()), zap.Error(err))
			break
		}
	}
	if err := h.SetStatus(txstate.FAILED); err != nil {
		w.log.Warn("undo path: set FAILED failed", zap.String("id", h.ID().String()), zap.Error(err))
		return
	}
	w.env.Metrics().TransactionStatusChanged(txstate.FAILED_IN_PROGRESS.String(), txstate.FAILED.String())
	w.cleanup(h)
}

// millisSince is a small readability helper for the metrics timing calls
// scattered through the execute and undo paths.
func millisSince(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000
}

// runExecutePath implements the §4.6 execute loop. It returns the defer
// duration to unreserve with, zero meaning no deferral.
func (w *Worker) runExecutePath(ctx context.Context, h *store.Handle, status txstate.TStatus) time.Duration {
	op, err := h.Top()
	if err != nil {
		w.log.Warn("execute path: top failed", zap.String("id", h.ID().String()), zap.Error(err))
		return 0
	}

	var prev step.Step
	for op != nil {
		readyStart := time.Now()
		w.env.Metrics().ObserveStepStart(op.Name())
		deferMillis, err := op.Ready(ctx, h.ID(), w.env)
		w.env.Metrics().ObserveStepCall(op.Name(), millisSince(readyStart), err == nil)
		if err != nil {
			w.failTransition(h, err, status)
			return 0
		}
		if deferMillis > 0 {
			return time.Duration(deferMillis) * time.Millisecond
		}

		if status == txstate.SUBMITTED {
			if err := h.SetStatus(txstate.IN_PROGRESS); err != nil {
				w.log.Warn("execute path: set IN_PROGRESS failed", zap.String("id", h.ID().String()), zap.Error(err))
				return 0
			}
			w.env.Metrics().TransactionStatusChanged(status.String(), txstate.IN_PROGRESS.String())
			status = txstate.IN_PROGRESS
		}

		prev = op
		callStart := time.Now()
		w.env.Metrics().ObserveStepStart(op.Name())
		next, err := op.Call(ctx, h.ID(), w.env)
		w.env.Metrics().ObserveStepCall(op.Name(), millisSince(callStart), err == nil)
		if err != nil {
			w.failTransition(h, err, status)
			return 0
		}
		if next != nil {
			if err := h.Push(next); err != nil {
				w.failTransition(h, err, status)
				return 0
			}
		}
		op = next
	}

	if rs, ok := prev.(step.ReturningStep); ok {
		if rv := rs.ReturnValue(); rv != "" {
			payload, _ := json.Marshal(rv)
			if err := h.SetInfo(txstate.ReturnValue, payload); err != nil {
				w.log.Warn("execute path: set return value failed", zap.String("id", h.ID().String()), zap.Error(err))
			}
		}
	}
	if err := h.SetStatus(txstate.SUCCESSFUL); err != nil {
		w.log.Warn("execute path: set SUCCESSFUL failed", zap.String("id", h.ID().String()), zap.Error(err))
		return 0
	}
	w.env.Metrics().TransactionStatusChanged(status.String(), txstate.SUCCESSFUL.String())
	w.cleanup(h)
	return 0
}

// failTransition implements the §4.6 failure transition: record the
// exception and move to FAILED_IN_PROGRESS, unless the error classifies as
// a shutdown-time I/O error, in which case this call never returns (§4.6
// "process-shutdown suppression", mirroring the source's
// blockIfHadoopShutdown: while(true) sleepUninterruptibly(...)). The
// transaction must be left exactly as it was, reservation included, so it
// is never re-offered to a live worker that would just hit the same
// transient shutdown-time error again; the reservation is only reclaimed
// once this process actually dies and the dead-reservation sweep on
// another manager notices.
func (w *Worker) failTransition(h *store.Handle, cause error, from txstate.TStatus) {
	classified := step.Classify(cause, w.shutdown)
	if classified.Kind == step.ShuttingDown {
		w.log.Info("suppressing failure during shutdown, blocking indefinitely without releasing the reservation",
			zap.String("id", h.ID().String()), zap.Error(cause))
		blockForShutdown()
	}

	logFn := w.log.Warn
	if classified.Kind == step.Acceptable {
		logFn = w.log.Info
	}
	logFn("step failed", zap.String("id", h.ID().String()), zap.Error(cause))

	payload, _ := json.Marshal(cause.Error())
	if err := h.SetInfo(txstate.Exception, payload); err != nil {
		w.log.Warn("failed to record exception", zap.String("id", h.ID().String()), zap.Error(err))
	}
	if err := h.SetStatus(txstate.FAILED_IN_PROGRESS); err != nil {
		w.log.Warn("failed to set FAILED_IN_PROGRESS", zap.String("id", h.ID().String()), zap.Error(err))
		return
	}
	w.env.Metrics().TransactionStatusChanged(from.String(), txstate.FAILED_IN_PROGRESS.String())
}

// cleanup implements §4.6 Cleanup: delete the record if auto_clean is set,
// otherwise just empty the stack.
func (w *Worker) cleanup(h *store.Handle) {
	autoClean := false
	if raw, err := h.GetInfo(txstate.AutoClean); err == nil && raw != nil {
		_ = json.Unmarshal(raw, &autoClean)
	}
	if autoClean {
		if err := h.Delete(); err != nil {
			w.log.Warn("cleanup: delete failed", zap.String("id", h.ID().String()), zap.Error(err))
		}
		return
	}
	if err := h.ClearStack(); err != nil {
		w.log.Warn("cleanup: clear stack failed", zap.String("id", h.ID().String()), zap.Error(err))
	}
}
