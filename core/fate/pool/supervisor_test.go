package pool

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/sushant-115/tablefate/core/fate/fateid"
	"github.com/sushant-115/tablefate/core/fate/ops"
	"github.com/sushant-115/tablefate/core/fate/step"
)

// blockRelease gates blockingStep.Call, letting a test hold a worker busy
// (not Waiting) for as long as it needs to sample the idle-history ring.
// Assigned fresh by each test that uses it; never serialized.
var blockRelease chan struct{}

type blockingStep struct{}

func (s *blockingStep) Name() string { return "pooltest.blockingStep" }
func (s *blockingStep) Ready(ctx context.Context, id fateid.FateID, env step.Env) (int64, error) {
	return 0, nil
}
func (s *blockingStep) Call(ctx context.Context, id fateid.FateID, env step.Env) (step.Step, error) {
	<-blockRelease
	return nil, nil
}
func (s *blockingStep) Undo(ctx context.Context, id fateid.FateID, env step.Env) error { return nil }

func init() {
	step.DefaultRegistry.Register("pooltest.blockingStep", func(version int, payload json.RawMessage) (step.Step, error) {
		return &blockingStep{}, nil
	})
}

func newTestSupervisor(t *testing.T, size int) (*Supervisor, func(LiveConfig)) {
	t.Helper()
	st := setupPoolStore(t)
	offers := make(chan fateid.FateID)
	cfg := LiveConfig{Size: size}
	sup := NewSupervisor(offers, st, directReserver{st}, testEnv{log: zap.NewNop()}, &ShutdownFlag{}, func() LiveConfig { return cfg }, zap.NewNop())
	setCfg := func(c LiveConfig) { cfg = c }
	return sup, setCfg
}

func TestSupervisorGrowsToConfiguredSize(t *testing.T) {
	sup, _ := newTestSupervisor(t, 3)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sup.Tick(ctx)
	require.Equal(t, 3, sup.RunningCount())
}

func TestSupervisorShrinksIdleWorkersToConfiguredSize(t *testing.T) {
	sup, setCfg := newTestSupervisor(t, 3)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sup.Tick(ctx)
	require.Equal(t, 3, sup.RunningCount())

	setCfg(LiveConfig{Size: 1})
	sup.Tick(ctx)

	// Stop() only requests exit; workers blocked on an empty offers channel
	// exit on their own between polls.
	require.Eventually(t, func() bool {
		return sup.RunningCount() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestSupervisorRunStopsAllWorkersOnCancel(t *testing.T) {
	sup, _ := newTestSupervisor(t, 2)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	require.Eventually(t, func() bool {
		return sup.RunningCount() == 2
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after ctx cancellation")
	}
	require.Equal(t, 0, sup.RunningCount())
}

func TestSupervisorIdleSampleDisabledWithNonPositiveInterval(t *testing.T) {
	sup, setCfg := newTestSupervisor(t, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sup.Tick(ctx)
	setCfg(LiveConfig{Size: 2, IdleCheckInterval: 0})
	sup.Tick(ctx)

	require.Empty(t, sup.idleHistory)
}

// TestSupervisorIdleSampleWarnsAtNinetyFivePercentZero keeps the single
// worker continuously busy (never Waiting) across two samples, which is
// what the 95%-zero heuristic treats as pool saturation.
func TestSupervisorIdleSampleWarnsAtNinetyFivePercentZero(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	log := zap.New(core)

	blockRelease = make(chan struct{})
	defer close(blockRelease)

	st := setupPoolStore(t)
	busyID, err := st.Create(fateid.USER)
	require.NoError(t, err)
	require.NoError(t, st.Seed(busyID, ops.TableCreate, nil, &blockingStep{}, false))

	offers := make(chan fateid.FateID)
	cfg := LiveConfig{Size: 1, IdleCheckInterval: time.Minute}
	sup := NewSupervisor(offers, st, directReserver{st}, testEnv{log: zap.NewNop()}, &ShutdownFlag{}, func() LiveConfig { return cfg }, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sup.Tick(ctx) // grows to 1

	offers <- busyID
	require.Eventually(t, func() bool {
		sup.mu.Lock()
		defer sup.mu.Unlock()
		for _, w := range sup.workers {
			if !w.Waiting() {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond, "worker must have picked up the blocking step")

	// ringLen for a 1-minute interval is 2; two all-busy samples trip the
	// 95%-zero heuristic.
	sup.Tick(ctx)
	sup.Tick(ctx)

	require.Equal(t, 1, logs.Len())
	require.Contains(t, logs.All()[0].Message, "saturated")
}
