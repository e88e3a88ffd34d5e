// Package workfinder implements the Work Finder (C3): a single dedicated
// goroutine that rescans the store for runnable transactions and hands
// each one to a worker via a rendezvous channel, so the store is rescanned
// only when a worker is actually ready for more work.
package workfinder

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sushant-115/tablefate/core/fate/fateid"
)

// offerTimeout bounds how long a single hand-off attempt waits for a
// worker to accept before the work finder retries with the same id and
// re-checks the stop signal, the Go analogue of a Java
// TransferQueue.tryTransfer(id, 100, TimeUnit.MILLISECONDS).
const offerTimeout = 100 * time.Millisecond

// scanRetryBackoff paces how quickly the scan loop restarts after a scan
// returns a transient error, so a persistently failing store doesn't spin
// the work finder goroutine at full CPU (§4.3 point 3: "log a warning and
// ... continue").
const scanRetryBackoff = 200 * time.Millisecond

// Scanner is the subset of store.Store the work finder needs: a rescan
// call that invokes sink synchronously per runnable id until ctx is done.
type Scanner interface {
	Runnable(ctx context.Context, sink func(fateid.FateID) error) error
}

// WorkFinder owns the rendezvous channel workers receive from.
type WorkFinder struct {
	scanner Scanner
	offers  chan fateid.FateID
	log     *zap.Logger
}

// New constructs a WorkFinder over scanner. The returned channel is
// unbuffered: a send only completes when a worker is concurrently
// receiving, Go's direct analogue of a TransferQueue (§4.3): it prevents
// the same id being enqueued many times while workers are saturated, since
// the store is rescanned only once a worker is ready to accept.
func New(scanner Scanner, log *zap.Logger) *WorkFinder {
	if log == nil {
		log = zap.NewNop()
	}
	return &WorkFinder{scanner: scanner, offers: make(chan fateid.FateID), log: log}
}

// Offers returns the rendezvous channel workers receive runnable ids from.
func (w *WorkFinder) Offers() <-chan fateid.FateID { return w.offers }

// Run drives the single-producer scan loop until ctx is cancelled. A scan
// that fails with anything other than context cancellation is logged and
// retried after a short backoff (§4.3 point 3), rather than propagated: a
// transient store read error must not cascade into shutting down the rest
// of the engine through the shared errgroup.
func (w *WorkFinder) Run(ctx context.Context) error {
	for {
		err := w.scanner.Runnable(ctx, func(id fateid.FateID) error {
			return w.offer(ctx, id)
		})
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			return nil
		}
		w.log.Warn("work finder scan failed, continuing", zap.Error(err))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(scanRetryBackoff):
		}
	}
}

// offer retries handing id to a worker until it is accepted or ctx is
// cancelled, bounding each attempt so the stop signal is checked
// frequently (§4.3).
func (w *WorkFinder) offer(ctx context.Context, id fateid.FateID) error {
	for {
		timer := time.NewTimer(offerTimeout)
		select {
		case w.offers <- id:
			timer.Stop()
			return nil
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
			// No worker accepted within the window; retry with the same
			// id, giving the scan loop's ctx check another chance to fire.
		}
	}
}
