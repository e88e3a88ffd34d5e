package workfinder

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/sushant-115/tablefate/core/fate/fateid"
)

// fakeScanner offers each id in ids exactly once, then blocks until ctx is
// cancelled, mirroring store.Store.Runnable's "poll forever" contract.
type fakeScanner struct {
	ids []fateid.FateID
}

func (f *fakeScanner) Runnable(ctx context.Context, sink func(fateid.FateID) error) error {
	for _, id := range f.ids {
		if err := sink(id); err != nil {
			return err
		}
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestWorkFinderDeliversOfferedIDs(t *testing.T) {
	id1, id2 := fateid.New(fateid.USER), fateid.New(fateid.USER)
	wf := New(&fakeScanner{ids: []fateid.FateID{id1, id2}}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- wf.Run(ctx) }()

	var received []fateid.FateID
	for i := 0; i < 2; i++ {
		select {
		case got := <-wf.Offers():
			received = append(received, got)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for offer")
		}
	}
	require.ElementsMatch(t, []fateid.FateID{id1, id2}, received)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not exit after cancel")
	}
}

func TestWorkFinderRetriesOfferUntilAccepted(t *testing.T) {
	id := fateid.New(fateid.USER)
	wf := New(&fakeScanner{ids: []fateid.FateID{id}}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- wf.Run(ctx) }()

	// Wait well past one offerTimeout window before accepting, exercising
	// the retry loop rather than the first attempt succeeding immediately.
	time.Sleep(150 * time.Millisecond)

	select {
	case got := <-wf.Offers():
		require.Equal(t, id, got)
	case <-time.After(time.Second):
		t.Fatal("offer was never retried")
	}

	cancel()
	<-done
}

func TestWorkFinderRunExitsCleanlyWithNoOffers(t *testing.T) {
	wf := New(&fakeScanner{}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := wf.Run(ctx)
	require.NoError(t, err)
}

// erroringScanner fails with a transient error the first failCount calls,
// then falls back to ids, mirroring a store read error that later clears
// up on its own (e.g. a retried BoltDB transaction).
type erroringScanner struct {
	failCount int
	calls     int
	ids       []fateid.FateID
}

func (f *erroringScanner) Runnable(ctx context.Context, sink func(fateid.FateID) error) error {
	f.calls++
	if f.calls <= f.failCount {
		return fmt.Errorf("transient scan failure %d", f.calls)
	}
	for _, id := range f.ids {
		if err := sink(id); err != nil {
			return err
		}
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestWorkFinderLogsAndContinuesPastScanError(t *testing.T) {
	id := fateid.New(fateid.USER)
	scanner := &erroringScanner{failCount: 2, ids: []fateid.FateID{id}}

	core, logs := observer.New(zap.WarnLevel)
	log := zap.New(core)

	wf := New(scanner, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- wf.Run(ctx) }()

	select {
	case got := <-wf.Offers():
		require.Equal(t, id, got)
	case <-time.After(2 * time.Second):
		t.Fatal("work finder never recovered from the transient scan errors")
	}

	require.Equal(t, 2, logs.FilterMessage("work finder scan failed, continuing").Len(),
		"each transient scan error must be logged as a warning")
	require.GreaterOrEqual(t, scanner.calls, 3, "the scan must be retried after each transient failure")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not exit after cancel")
	}
}
