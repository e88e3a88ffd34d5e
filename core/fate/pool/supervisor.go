package pool

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sushant-115/tablefate/core/fate/fateid"
	"github.com/sushant-115/tablefate/core/fate/store"
	"github.com/sushant-115/tablefate/core/fate/step"
)

// PoolWatcherDelay is the supervisor's sampling cadence (§4.5).
const PoolWatcherDelay = 30 * time.Second

// LiveConfig is the hot-reloadable subset of pool configuration (§6b).
type LiveConfig struct {
	Size              int
	IdleCheckInterval time.Duration
}

// Supervisor is the only component that spawns or retires workers (§4.5).
// It owns the pool's membership; each Worker only exposes enough (Stop,
// Stopped, Waiting) for the supervisor to grow, shrink, and idle-sample it.
type Supervisor struct {
	mu      sync.Mutex
	workers map[int]*Worker
	nextID  int

	offers   <-chan fateid.FateID
	store    *store.Store
	manager  reserver
	env      step.Env
	shutdown *ShutdownFlag
	log      *zap.Logger

	idleHistory []int
	liveConfig  func() LiveConfig

	wg sync.WaitGroup
}

// NewSupervisor constructs a supervisor with zero workers; the first Tick
// call grows it to the configured size.
func NewSupervisor(offers <-chan fateid.FateID, st *store.Store, mgr reserver, env step.Env, shutdown *ShutdownFlag, liveConfig func() LiveConfig, log *zap.Logger) *Supervisor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Supervisor{
		workers:    make(map[int]*Worker),
		offers:     offers,
		store:      st,
		manager:    mgr,
		env:        env,
		shutdown:   shutdown,
		liveConfig: liveConfig,
		log:        log,
	}
}

// Run drives the periodic Tick loop until ctx is cancelled, then stops
// every worker and waits for them to drain.
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(PoolWatcherDelay)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.stopAll()
			s.wg.Wait()
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one supervisor pass (§4.5): grow, shrink, or idle-sample,
// depending on how the configured size N compares to the running count R.
func (s *Supervisor) Tick(ctx context.Context) {
	cfg := s.liveConfig()
	s.mu.Lock()
	defer s.mu.Unlock()

	n := cfg.Size
	r := len(s.workers)

	switch {
	case n > r:
		for i := 0; i < n-r; i++ {
			s.spawnLocked(ctx)
		}
		s.idleHistory = s.idleHistory[:0]
	case n < r:
		toStop := r - n
		for _, w := range s.workers {
			if toStop == 0 {
				break
			}
			if w.Stopped() {
				continue
			}
			w.Stop()
			toStop--
		}
	default:
		s.sampleIdleLocked(cfg.IdleCheckInterval)
	}
}

func (s *Supervisor) spawnLocked(ctx context.Context) {
	id := s.nextID
	s.nextID++
	w := NewWorker(id, s.offers, s.store, s.manager, s.env, s.shutdown, s.log)
	s.workers[id] = w
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		w.Run(ctx)
		s.mu.Lock()
		delete(s.workers, id)
		s.mu.Unlock()
	}()
}

// sampleIdleLocked appends the current count of workers waiting on the
// rendezvous channel to the idle-history ring, and once the ring is full,
// checks the 95% heuristic (§4.5). A non-positive interval disables idle
// sampling entirely (§6b: "0 disables").
func (s *Supervisor) sampleIdleLocked(interval time.Duration) {
	if interval <= 0 {
		s.idleHistory = s.idleHistory[:0]
		return
	}
	ringLen := int(2 * interval.Minutes())
	if ringLen < 2 {
		ringLen = 2
	}

	waiting := 0
	for _, w := range s.workers {
		if w.Waiting() {
			waiting++
		}
	}
	s.idleHistory = append(s.idleHistory, waiting)
	if len(s.idleHistory) < ringLen {
		return
	}
	if len(s.idleHistory) > ringLen {
		s.idleHistory = s.idleHistory[len(s.idleHistory)-ringLen:]
	}

	zeroes := 0
	for _, v := range s.idleHistory {
		if v == 0 {
			zeroes++
		}
	}
	if len(s.workers) > 0 {
		s.env.Metrics().PoolIdleRatioObserved(float64(waiting) / float64(len(s.workers)))
	}
	saturatedRatio := float64(zeroes) / float64(len(s.idleHistory))
	if saturatedRatio >= 0.95 {
		s.log.Warn("worker pool appears saturated, consider raising fate.threadpool.size",
			zap.Int("running_workers", len(s.workers)), zap.Int("samples", len(s.idleHistory)))
		s.idleHistory = s.idleHistory[:0]
	} else {
		// Slide the window by one instead of growing unboundedly.
		s.idleHistory = s.idleHistory[1:]
	}
}

func (s *Supervisor) stopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.workers {
		w.Stop()
	}
}

// RunningCount returns the current number of live workers, for the admin
// surface and tests.
func (s *Supervisor) RunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}
