package metadata

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dyngate/dyngate/internal/store"
)

// fakeFetcher is a controllable SchemaFetcher. fail flips remote fetches
// between the canned document and an error; block holds fetches open until
// released.
type fakeFetcher struct {
	calls   atomic.Int64
	fail    atomic.Bool
	blockMu sync.Mutex
	block   chan struct{}
}

var errRemoteDown = errors.New("remote unreachable")

func (f *fakeFetcher) FetchMetadataXML(ctx context.Context) ([]byte, error) {
	f.calls.Add(1)
	f.blockMu.Lock()
	block := f.block
	f.blockMu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.fail.Load() {
		return nil, errRemoteDown
	}
	return []byte(minimalDocument), nil
}

func (f *fakeFetcher) InstanceURL() string { return testInstance }

func (f *fakeFetcher) setBlock(ch chan struct{}) {
	f.blockMu.Lock()
	f.block = ch
	f.blockMu.Unlock()
}

func newTestSyncer(t *testing.T, fetcher *fakeFetcher, opts SyncerOptions) (*Syncer, *store.Store) {
	t.Helper()
	st, err := store.NewStore("")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewSyncer(st, fetcher, logger, opts), st
}

func TestForceSyncNow(t *testing.T) {
	fetcher := &fakeFetcher{}
	s, st := newTestSyncer(t, fetcher, SyncerOptions{})
	ctx := context.Background()

	stats, err := s.ForceSyncNow(ctx)
	if err != nil {
		t.Fatalf("ForceSyncNow: %v", err)
	}
	if stats.EntityTypes != 2 || stats.EnumTypes != 1 {
		t.Errorf("stats = %d entities / %d enums, want 2/1", stats.EntityTypes, stats.EnumTypes)
	}

	n, err := st.CountEntityTypes(ctx)
	if err != nil {
		t.Fatalf("CountEntityTypes: %v", err)
	}
	if n != 2 {
		t.Errorf("cached entity types = %d, want 2", n)
	}

	status := s.Status()
	if status.Syncing || status.ConsecutiveFailures != 0 || status.LastSuccess == nil {
		t.Errorf("status after success = %+v", status)
	}
	if status.EntityCount != 2 || status.EnumCount != 1 {
		t.Errorf("status counts = %d/%d, want 2/1", status.EntityCount, status.EnumCount)
	}
	if status.NextCheckDue == nil {
		t.Error("expected next check due after a success")
	}
}

func TestForceSyncNowPropagatesFetchError(t *testing.T) {
	fetcher := &fakeFetcher{}
	fetcher.fail.Store(true)
	s, st := newTestSyncer(t, fetcher, SyncerOptions{})
	ctx := context.Background()

	if _, err := s.ForceSyncNow(ctx); !errors.Is(err, errRemoteDown) {
		t.Fatalf("ForceSyncNow: got %v, want wrapped errRemoteDown", err)
	}

	status := s.Status()
	if status.ConsecutiveFailures != 1 || status.LastError == "" {
		t.Errorf("status after failure = %+v", status)
	}

	// The failed attempt is persisted.
	rec, err := st.LatestSyncRecord(ctx)
	if err != nil {
		t.Fatalf("LatestSyncRecord: %v", err)
	}
	if rec.Success || rec.Error == nil {
		t.Errorf("persisted record = %+v, want a failure with error text", rec)
	}

	// A later success resets the failure streak.
	fetcher.fail.Store(false)
	if _, err := s.ForceSyncNow(ctx); err != nil {
		t.Fatalf("recovery ForceSyncNow: %v", err)
	}
	if status := s.Status(); status.ConsecutiveFailures != 0 || status.LastError != "" {
		t.Errorf("status after recovery = %+v", status)
	}
}

func TestForceSyncNowSingleFlight(t *testing.T) {
	fetcher := &fakeFetcher{}
	block := make(chan struct{})
	fetcher.setBlock(block)
	s, _ := newTestSyncer(t, fetcher, SyncerOptions{})
	ctx := context.Background()

	firstDone := make(chan error, 1)
	go func() {
		_, err := s.ForceSyncNow(ctx)
		firstDone <- err
	}()

	// Wait for the first sync to reach the fetcher, then contend.
	for fetcher.calls.Load() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if _, err := s.ForceSyncNow(ctx); !errors.Is(err, ErrSyncInProgress) {
		t.Errorf("concurrent ForceSyncNow: got %v, want ErrSyncInProgress", err)
	}

	close(block)
	if err := <-firstDone; err != nil {
		t.Fatalf("first ForceSyncNow: %v", err)
	}
	if got := fetcher.calls.Load(); got != 1 {
		t.Errorf("fetch calls = %d, want 1", got)
	}
}

func TestSyncDueSchedule(t *testing.T) {
	fetcher := &fakeFetcher{}
	s, _ := newTestSyncer(t, fetcher, SyncerOptions{
		RefreshInterval: time.Hour,
		RetryInterval:   time.Minute,
	})
	ctx := context.Background()

	// Cold cache: always due.
	due, err := s.syncDue(ctx)
	if err != nil {
		t.Fatalf("syncDue: %v", err)
	}
	if !due {
		t.Error("cold cache should be due")
	}

	if _, err := s.ForceSyncNow(ctx); err != nil {
		t.Fatalf("ForceSyncNow: %v", err)
	}

	// Fresh cache: not due.
	due, err = s.syncDue(ctx)
	if err != nil {
		t.Fatalf("syncDue: %v", err)
	}
	if due {
		t.Error("fresh cache should not be due")
	}

	// A stale success makes it due again.
	s.mu.Lock()
	s.lastSuccess = time.Now().Add(-2 * time.Hour)
	s.mu.Unlock()
	if due, _ = s.syncDue(ctx); !due {
		t.Error("stale cache should be due")
	}

	// Failure streak: due only after the retry interval elapses.
	s.mu.Lock()
	s.lastSuccess = time.Now()
	s.consecutiveFailures = 2
	s.lastAttempt = time.Now()
	s.mu.Unlock()
	if due, _ = s.syncDue(ctx); due {
		t.Error("recent failed attempt should wait out the retry interval")
	}
	s.mu.Lock()
	s.lastAttempt = time.Now().Add(-2 * time.Minute)
	s.mu.Unlock()
	if due, _ = s.syncDue(ctx); !due {
		t.Error("elapsed retry interval should be due")
	}
}

func TestCallbacksIsolated(t *testing.T) {
	fetcher := &fakeFetcher{}
	s, _ := newTestSyncer(t, fetcher, SyncerOptions{})
	ctx := context.Background()

	var got []SyncResult
	s.AddCallback(func(SyncResult) { panic("observer bug") })
	s.AddCallback(func(r SyncResult) { got = append(got, r) })

	if _, err := s.ForceSyncNow(ctx); err != nil {
		t.Fatalf("ForceSyncNow: %v", err)
	}
	if len(got) != 1 || !got[0].Success || got[0].Stats == nil {
		t.Errorf("callback results = %+v, want one success with stats", got)
	}

	// Failures are reported too, with the error attached.
	fetcher.fail.Store(true)
	if _, err := s.ForceSyncNow(ctx); err == nil {
		t.Fatal("expected failure")
	}
	if len(got) != 2 || got[1].Success || got[1].Err == nil {
		t.Errorf("callback results = %+v, want a failure entry", got)
	}
}

func TestRestoreStateFromHistory(t *testing.T) {
	fetcher := &fakeFetcher{}
	s, st := newTestSyncer(t, fetcher, SyncerOptions{})
	ctx := context.Background()

	if _, err := s.ForceSyncNow(ctx); err != nil {
		t.Fatalf("ForceSyncNow: %v", err)
	}

	// A new syncer over the same store picks up where the old one stopped.
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	restarted := NewSyncer(st, fetcher, logger, SyncerOptions{})
	status := restarted.Status()
	if status.LastSuccess == nil || status.EntityCount != 2 {
		t.Errorf("restored status = %+v, want last success with 2 entities", status)
	}

	due, err := restarted.syncDue(ctx)
	if err != nil {
		t.Fatalf("syncDue: %v", err)
	}
	if due {
		t.Error("freshly synced store should not be due after restart")
	}
}

func TestStartStop(t *testing.T) {
	fetcher := &fakeFetcher{}
	s, st := newTestSyncer(t, fetcher, SyncerOptions{
		TickInterval: time.Hour, // only the immediate cold-start check fires
	})
	ctx := context.Background()

	s.Start(ctx)
	defer s.Stop()

	// The cold cache triggers a sync on startup without waiting for a tick.
	deadline := time.Now().Add(5 * time.Second)
	for {
		n, err := st.CountEntityTypes(ctx)
		if err != nil {
			t.Fatalf("CountEntityTypes: %v", err)
		}
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("background sync never filled the cache")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestEnsureAvailable(t *testing.T) {
	fetcher := &fakeFetcher{}
	s, _ := newTestSyncer(t, fetcher, SyncerOptions{})
	ctx := context.Background()

	if err := s.EnsureAvailable(ctx); err != nil {
		t.Fatalf("EnsureAvailable: %v", err)
	}
	if fetcher.calls.Load() != 1 {
		t.Errorf("fetch calls = %d, want 1", fetcher.calls.Load())
	}

	// Warm cache: no further fetch.
	if err := s.EnsureAvailable(ctx); err != nil {
		t.Fatalf("EnsureAvailable(warm): %v", err)
	}
	if fetcher.calls.Load() != 1 {
		t.Errorf("fetch calls after warm call = %d, want 1", fetcher.calls.Load())
	}
}

func TestEnsureAvailablePropagatesError(t *testing.T) {
	fetcher := &fakeFetcher{}
	fetcher.fail.Store(true)
	s, _ := newTestSyncer(t, fetcher, SyncerOptions{})

	if err := s.EnsureAvailable(context.Background()); !errors.Is(err, errRemoteDown) {
		t.Fatalf("EnsureAvailable: got %v, want wrapped errRemoteDown", err)
	}
}
