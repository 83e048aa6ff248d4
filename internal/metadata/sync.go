package metadata

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dyngate/dyngate/internal/model"
	"github.com/dyngate/dyngate/internal/store"
)

// SchemaFetcher retrieves the raw $metadata document from the remote
// environment. Implemented by the D365 client.
type SchemaFetcher interface {
	FetchMetadataXML(ctx context.Context) ([]byte, error)
	InstanceURL() string
}

// ErrSyncInProgress is returned by ForceSyncNow when another sync already
// holds the single-flight slot.
var ErrSyncInProgress = errors.New("sync already in progress")

// SyncResult is handed to registered callbacks after each sync attempt.
type SyncResult struct {
	Success bool
	Stats   *model.SyncStatistics
	Err     error
}

// SyncCallback observes completed sync attempts. Callbacks run synchronously
// after the attempt finishes; a panic or long-running callback is the
// registrant's problem, but errors never affect sync state.
type SyncCallback func(SyncResult)

// SyncerOptions are the scheduler's timing knobs.
type SyncerOptions struct {
	// TickInterval is how often the loop re-evaluates whether a sync is due.
	TickInterval time.Duration
	// RefreshInterval is the maximum age of a successful sync before a new
	// one is due.
	RefreshInterval time.Duration
	// RetryInterval is the wait after a failed attempt before retrying.
	RetryInterval time.Duration
	// ShutdownGrace bounds how long Stop waits for an in-flight sync.
	ShutdownGrace time.Duration
	// BatchSize is passed through to the parser.
	BatchSize int
}

func (o *SyncerOptions) defaults() {
	if o.TickInterval <= 0 {
		o.TickInterval = 5 * time.Minute
	}
	if o.RefreshInterval <= 0 {
		o.RefreshInterval = 12 * time.Hour
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = 30 * time.Minute
	}
	if o.ShutdownGrace <= 0 {
		o.ShutdownGrace = 30 * time.Second
	}
}

// Syncer keeps the metadata cache fresh: a periodic loop checks whether a
// sync is due (cold cache, stale cache, or failure retry window elapsed) and
// runs at most one sync at a time. Foreground triggers share the same
// single-flight guard.
type Syncer struct {
	store   *store.Store
	fetcher SchemaFetcher
	parser  *Parser
	logger  *slog.Logger
	opts    SyncerOptions

	mu                  sync.Mutex
	syncing             bool
	lastStats           *model.SyncStatistics
	lastSuccess         time.Time
	lastAttempt         time.Time
	lastError           string
	consecutiveFailures int
	entityCount         int
	enumCount           int
	callbacks           []SyncCallback

	stop     chan struct{}
	loopDone chan struct{}
	inflight sync.WaitGroup
}

// NewSyncer builds a scheduler over st, fetching documents through fetcher.
// Prior sync history is loaded from the store so backoff decisions survive
// restarts.
func NewSyncer(st *store.Store, fetcher SchemaFetcher, logger *slog.Logger, opts SyncerOptions) *Syncer {
	opts.defaults()
	s := &Syncer{
		store:    st,
		fetcher:  fetcher,
		parser:   NewParser(st.DB(), logger, opts.BatchSize),
		logger:   logger,
		opts:     opts,
		stop:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	s.restoreState(context.Background())
	return s
}

// restoreState seeds the in-memory schedule from persisted sync history.
func (s *Syncer) restoreState(ctx context.Context) {
	if rec, err := s.store.LatestSuccessfulSync(ctx); err == nil {
		s.lastSuccess = rec.CompletedAt
		s.entityCount = rec.EntityCount
		s.enumCount = rec.EnumCount
	}
	if rec, err := s.store.LatestSyncRecord(ctx); err == nil {
		s.lastAttempt = rec.CompletedAt
		if !rec.Success && rec.Error != nil {
			s.lastError = *rec.Error
			s.consecutiveFailures = 1
		}
	}
}

// AddCallback registers an observer for future sync attempts.
func (s *Syncer) AddCallback(cb SyncCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks = append(s.callbacks, cb)
}

// Start launches the background loop. The loop runs until Stop is called or
// ctx is canceled.
func (s *Syncer) Start(ctx context.Context) {
	go s.loop(ctx)
}

// Stop signals the loop to exit and waits up to the shutdown grace period
// for an in-flight sync to finish. Safe to call once.
func (s *Syncer) Stop() {
	close(s.stop)
	<-s.loopDone

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.opts.ShutdownGrace):
		s.logger.Warn("shutdown grace period elapsed with sync still in flight")
	}
}

func (s *Syncer) loop(ctx context.Context) {
	defer close(s.loopDone)

	ticker := time.NewTicker(s.opts.TickInterval)
	defer ticker.Stop()

	// Evaluate once immediately so a cold cache fills without waiting a
	// full tick.
	s.maybeTrigger(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.maybeTrigger(ctx)
		}
	}
}

// maybeTrigger starts a background sync attempt when one is due and none is
// already running. Failures are absorbed into scheduler state.
func (s *Syncer) maybeTrigger(ctx context.Context) {
	due, err := s.syncDue(ctx)
	if err != nil {
		s.logger.Warn("sync due-check failed", "error", err)
		return
	}
	if !due || !s.tryBegin() {
		return
	}

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		if err := s.performSync(ctx); err != nil {
			s.logger.Error("background sync failed", "error", err)
		}
	}()
}

// syncDue applies the scheduling policy: cold cache, refresh interval
// elapsed since the last success, or retry interval elapsed since the last
// attempt while in a failure streak.
func (s *Syncer) syncDue(ctx context.Context) (bool, error) {
	count, err := s.store.CountEntityTypes(ctx)
	if err != nil {
		return false, err
	}
	if count == 0 {
		return true, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if s.lastSuccess.IsZero() || now.Sub(s.lastSuccess) >= s.opts.RefreshInterval {
		return true, nil
	}
	if s.consecutiveFailures > 0 && now.Sub(s.lastAttempt) >= s.opts.RetryInterval {
		return true, nil
	}
	return false, nil
}

// tryBegin claims the single-flight slot. Returns false if a sync is
// already running.
func (s *Syncer) tryBegin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.syncing {
		return false
	}
	s.syncing = true
	s.lastAttempt = time.Now()
	return true
}

// ForceSyncNow bypasses the due-check and runs a sync to completion,
// propagating any failure to the caller. If a sync is already in flight the
// call fails immediately rather than queueing.
func (s *Syncer) ForceSyncNow(ctx context.Context) (*model.SyncStatistics, error) {
	if !s.tryBegin() {
		return nil, ErrSyncInProgress
	}
	s.inflight.Add(1)
	defer s.inflight.Done()

	if err := s.performSync(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastStats, nil
}

// performSync executes one full attempt: clear, fetch, parse. The caller
// must hold the single-flight slot; performSync releases it.
func (s *Syncer) performSync(ctx context.Context) error {
	started := time.Now()
	s.logger.Info("metadata sync starting", "instance", s.fetcher.InstanceURL())

	stats, err := s.runAttempt(ctx, started)

	s.mu.Lock()
	s.syncing = false
	if err != nil {
		s.consecutiveFailures++
		s.lastError = err.Error()
	} else {
		s.consecutiveFailures = 0
		s.lastError = ""
		s.lastSuccess = time.Now()
		s.lastStats = stats
		s.entityCount = stats.EntityTypes
		s.enumCount = stats.EnumTypes
	}
	callbacks := make([]SyncCallback, len(s.callbacks))
	copy(callbacks, s.callbacks)
	s.mu.Unlock()

	result := SyncResult{Success: err == nil, Stats: stats, Err: err}
	for _, cb := range callbacks {
		s.invokeCallback(cb, result)
	}
	return err
}

// runAttempt is the clear-fetch-parse sequence. The pre-clear commits on its
// own, so a fetch failure after it leaves the cache empty until the next
// successful attempt; the retry interval bounds that window.
func (s *Syncer) runAttempt(ctx context.Context, started time.Time) (*model.SyncStatistics, error) {
	if err := s.store.ClearMetadata(ctx); err != nil {
		err = fmt.Errorf("clearing metadata: %w", err)
		s.recordFailure(ctx, started, 0, err)
		return nil, err
	}

	document, err := s.fetcher.FetchMetadataXML(ctx)
	if err != nil {
		err = fmt.Errorf("fetching metadata document: %w", err)
		s.recordFailure(ctx, started, 0, err)
		return nil, err
	}

	stats, err := s.parser.ParseAndStore(ctx, document, s.fetcher.InstanceURL())
	if err != nil {
		s.recordFailure(ctx, started, int64(len(document)), err)
		return nil, err
	}
	return stats, nil
}

// recordFailure persists a failed attempt. The parser only writes its own
// sync record on success, inside its transaction.
func (s *Syncer) recordFailure(ctx context.Context, started time.Time, documentBytes int64, cause error) {
	msg := cause.Error()
	rec := &model.SyncRecord{
		StartedAt:      started.UTC(),
		CompletedAt:    time.Now().UTC(),
		Success:        false,
		Error:          &msg,
		DocumentBytes:  documentBytes,
		DurationMS:     time.Since(started).Milliseconds(),
		SourceInstance: s.fetcher.InstanceURL(),
	}
	if err := s.store.InsertSyncRecord(ctx, rec); err != nil {
		s.logger.Error("recording failed sync attempt", "error", err)
	}
}

// invokeCallback isolates one observer: a panic or error in a callback never
// affects sync state or other callbacks.
func (s *Syncer) invokeCallback(cb SyncCallback, result SyncResult) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("sync callback panicked", "panic", r)
		}
	}()
	cb(result)
}

// Status reports the scheduler's current observable state.
func (s *Syncer) Status() model.SyncStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := model.SyncStatus{
		Syncing:             s.syncing,
		LastError:           s.lastError,
		ConsecutiveFailures: s.consecutiveFailures,
		EntityCount:         s.entityCount,
		EnumCount:           s.enumCount,
	}
	if !s.lastSuccess.IsZero() {
		t := s.lastSuccess
		st.LastSuccess = &t
	}
	if !s.lastAttempt.IsZero() {
		t := s.lastAttempt
		st.LastAttempt = &t
	}
	if !s.lastSuccess.IsZero() {
		due := s.lastSuccess.Add(s.opts.RefreshInterval)
		st.NextCheckDue = &due
	}
	return st
}

// EnsureAvailable blocks until metadata is present, forcing a sync when the
// cache is cold. Respects ctx for cancellation and timeout.
func (s *Syncer) EnsureAvailable(ctx context.Context) error {
	count, err := s.store.CountEntityTypes(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	for {
		if _, err := s.ForceSyncNow(ctx); err == nil {
			return nil
		} else if !errors.Is(err, ErrSyncInProgress) {
			return err
		}
		// Another sync is in flight; wait for it to land.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
		count, err = s.store.CountEntityTypes(ctx)
		if err != nil {
			return err
		}
		if count > 0 {
			return nil
		}
	}
}
