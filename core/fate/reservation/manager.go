// Package reservation implements the Reservation Manager (C2): owner id
// generation, lease acquisition delegated to the store, and the dead-
// reservation sweep that reclaims leases held by owners no longer alive in
// the external liveness registry.
package reservation

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sushant-115/tablefate/core/fate/fateid"
	"github.com/sushant-115/tablefate/core/fate/step"
	"github.com/sushant-115/tablefate/core/fate/store"
	"github.com/sushant-115/tablefate/core/liveness"
)

// Default sweep tuning (§4.2): cadence and initial delay before the first
// sweep, so a freshly-started manager doesn't immediately race a peer
// that's mid-startup.
const (
	DeadResCleanupDelay = store.DeadResCleanupDelay
	InitialDelay        = store.InitialDelay
)

// Manager wraps a Store with this process's owner identity and the dead-
// reservation sweep.
type Manager struct {
	store    *store.Store
	liveness liveness.Registry
	ownerID  string
	metrics  step.MetricsSink
	log      *zap.Logger

	sweepEvery time.Duration
	initDelay  time.Duration
}

// New constructs a Manager. If ownerID is empty, NewOwnerID mints one.
// metrics may be nil in tests that don't care about sweep counts.
func New(st *store.Store, lv liveness.Registry, ownerID string, metrics step.MetricsSink, log *zap.Logger) (*Manager, error) {
	if ownerID == "" {
		var err error
		ownerID, err = NewOwnerID()
		if err != nil {
			return nil, err
		}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		store:      st,
		liveness:   lv,
		ownerID:    ownerID,
		metrics:    metrics,
		log:        log,
		sweepEvery: DeadResCleanupDelay,
		initDelay:  InitialDelay,
	}, nil
}

// OwnerID returns this process's stable reservation identity.
func (m *Manager) OwnerID() string { return m.ownerID }

// TryReserve attempts to acquire id's lease under this process's owner id,
// without blocking.
func (m *Manager) TryReserve(id fateid.FateID) (*store.Handle, error) {
	return m.store.TryReserve(id, m.ownerID)
}

// Reserve blocks until id's lease is free, then acquires it.
func (m *Manager) Reserve(ctx context.Context, id fateid.FateID) (*store.Handle, error) {
	return m.store.Reserve(ctx, id, m.ownerID)
}

// DeleteDeadReservations scans every currently-held reservation and clears
// the ones whose owner is no longer alive per the liveness registry. It
// never touches transaction status or stack — only the lease (§4.2).
func (m *Manager) DeleteDeadReservations() (cleared int, err error) {
	reservations, err := m.store.Reservations()
	if err != nil {
		return 0, err
	}
	for _, r := range reservations {
		if m.liveness.IsAlive(r.OwnerID) {
			continue
		}
		if err := m.store.ClearDeadReservation(r.ID); err != nil {
			m.log.Warn("failed to clear dead reservation",
				zap.String("id", r.ID.String()), zap.String("owner", r.OwnerID), zap.Error(err))
			continue
		}
		m.log.Info("cleared dead reservation",
			zap.String("id", r.ID.String()), zap.String("owner", r.OwnerID))
		cleared++
	}
	return cleared, nil
}

// Run runs the dead-reservation sweep loop until ctx is cancelled. It is
// intended to be launched as one goroutine tracked by the Engine's
// errgroup.
func (m *Manager) Run(ctx context.Context) error {
	timer := time.NewTimer(m.initDelay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			cleared, err := m.DeleteDeadReservations()
			if err != nil {
				m.log.Warn("dead reservation sweep failed", zap.Error(err))
			} else if m.metrics != nil {
				m.metrics.DeadReservationsCleared(cleared)
			}
			timer.Reset(m.sweepEvery)
		}
	}
}

// Heartbeat records this owner as alive in the liveness registry. Callers
// typically invoke this periodically, independent of the sweep loop.
func (m *Manager) Heartbeat() error {
	return m.liveness.Heartbeat(m.ownerID)
}

// Deregister removes this owner from the liveness registry, e.g. during
// graceful shutdown so a sweep elsewhere doesn't need to wait out the TTL.
func (m *Manager) Deregister() error {
	return m.liveness.Deregister(m.ownerID)
}
