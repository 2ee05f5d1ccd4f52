package scheduler

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"stockbit-ingest/internal/credential"
	"stockbit-ingest/internal/csvsink"
	pkgerrors "stockbit-ingest/internal/errors"
	"stockbit-ingest/internal/jobstore"
	"stockbit-ingest/internal/restclient"
)

// fakeTradeFetcher replays a fixed sequence of pages (or errors) in call
// order, regardless of the ticker/date/cursor arguments -- sufficient for
// exercising the scheduler's own pagination and retry logic in isolation.
type fakeTradeFetcher struct {
	mu      sync.Mutex
	pages   []*restclient.TradePage
	errs    []error
	calls   int
	cursors []string // records the tradeNumber cursor seen on each call, as a string
}

func (f *fakeTradeFetcher) FetchTradesPage(ctx context.Context, ticker, date string, tradeNumber *int64) (*restclient.TradePage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	if tradeNumber != nil {
		f.cursors = append(f.cursors, fmt.Sprintf("%d", *tradeNumber))
	} else {
		f.cursors = append(f.cursors, "")
	}
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i < len(f.pages) {
		return f.pages[i], nil
	}
	return &restclient.TradePage{}, nil
}

type fakeSink struct {
	mu   sync.Mutex
	rows []csvsink.RunningTradeRow
}

func (f *fakeSink) AppendRunningTrade(ticker, date string, row csvsink.RunningTradeRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, row)
	return nil
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}

func newTestCredential(t *testing.T) *credential.Store {
	t.Helper()
	store, err := credential.Open(filepath.Join(t.TempDir(), "token.json"))
	if err != nil {
		t.Fatalf("credential.Open: %v", err)
	}
	if err := store.SetToken("test-token", ""); err != nil {
		t.Fatalf("SetToken: %v", err)
	}
	return store
}

func newTestStore(t *testing.T) *jobstore.Store {
	t.Helper()
	store, err := jobstore.Open(filepath.Join(t.TempDir(), "jobs.db"), 100)
	if err != nil {
		t.Fatalf("jobstore.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

func TestScheduler_HappyPathPaginatesUntilEmpty(t *testing.T) {
	store := newTestStore(t)
	cred := newTestCredential(t)
	sink := &fakeSink{}
	rest := &fakeTradeFetcher{
		pages: []*restclient.TradePage{
			{Trades: []restclient.Trade{{ID: "row1", TradeNumber: "100"}, {ID: "row2", TradeNumber: "90"}}},
			{Trades: []restclient.Trade{{ID: "row3", TradeNumber: "80"}}},
			{Trades: nil}, // empty page terminates pagination with cursor=none
		},
	}

	ctx := context.Background()
	if err := store.CreateJob(ctx, jobstore.Job{
		ID: "job1", Tickers: []string{"BBRI"}, DateFrom: "2025-11-03", DateUntil: "2025-11-03", Status: jobstore.JobRunning,
	}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	sched := New(store, rest, sink, cred, Config{
		PollInterval: 10 * time.Millisecond,
		MaxRetries:   3, RetryBackoff: 10 * time.Millisecond, MaxRetryBackoff: 100 * time.Millisecond,
	}, zerolog.Nop())

	schedCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	sched.Start(schedCtx)

	waitFor(t, 3*time.Second, func() bool {
		job, err := store.LoadJob(ctx, "job1")
		return err == nil && job.Status == jobstore.JobCompleted
	})

	job, err := store.LoadJob(ctx, "job1")
	if err != nil {
		t.Fatalf("LoadJob: %v", err)
	}
	if job.RowsWritten != 3 {
		t.Errorf("RowsWritten = %d, want 3", job.RowsWritten)
	}
	if job.PagesFetched != 2 {
		t.Errorf("PagesFetched = %d, want 2 (the empty terminating page doesn't count)", job.PagesFetched)
	}
	if sink.count() != 3 {
		t.Errorf("sink received %d rows, want 3", sink.count())
	}
	if sink.rows[0].ID != "row1" || sink.rows[1].ID != "row2" || sink.rows[2].ID != "row3" {
		t.Errorf("rows out of order: %+v", sink.rows)
	}

	shutdownCtx, scancel := context.WithTimeout(ctx, time.Second)
	defer scancel()
	if err := sched.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestScheduler_AuthExpiredPausesJobAndPreservesCursor(t *testing.T) {
	store := newTestStore(t)
	cred := newTestCredential(t)
	sink := &fakeSink{}
	rest := &fakeTradeFetcher{
		pages: []*restclient.TradePage{
			{Trades: []restclient.Trade{{ID: "row1", TradeNumber: "100"}}},
		},
		errs: []error{nil, pkgerrors.NewAPIError(401, "/running-trade", "unauthorized", nil)},
	}

	ctx := context.Background()
	if err := store.CreateJob(ctx, jobstore.Job{
		ID: "job1", Tickers: []string{"BBRI"}, DateFrom: "2025-11-03", DateUntil: "2025-11-03", Status: jobstore.JobRunning,
	}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	sched := New(store, rest, sink, cred, Config{
		PollInterval: 10 * time.Millisecond,
		MaxRetries:   3, RetryBackoff: 10 * time.Millisecond, MaxRetryBackoff: 100 * time.Millisecond,
	}, zerolog.Nop())

	schedCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	sched.Start(schedCtx)

	waitFor(t, 3*time.Second, func() bool {
		job, err := store.LoadJob(ctx, "job1")
		return err == nil && job.Status == jobstore.JobAuthPaused
	})

	task, err := store.LoadTask(ctx, "job1", "BBRI", "2025-11-03")
	if err != nil {
		t.Fatalf("LoadTask: %v", err)
	}
	if task.NextCursor == nil || *task.NextCursor != "100" {
		t.Errorf("NextCursor = %v, want 100 (persisted from the successful first page)", task.NextCursor)
	}
	if task.Status != jobstore.TaskQueued {
		t.Errorf("task.Status = %s, want queued (returned for retry after resume)", task.Status)
	}

	shutdownCtx, scancel := context.WithTimeout(ctx, time.Second)
	defer scancel()
	sched.Shutdown(shutdownCtx)
}

func TestScheduler_RetryableErrorExhaustsAndFailsTask(t *testing.T) {
	store := newTestStore(t)
	cred := newTestCredential(t)
	sink := &fakeSink{}
	retryErr := pkgerrors.NewAPIError(503, "/running-trade", "service unavailable", nil)
	rest := &fakeTradeFetcher{
		errs: []error{retryErr, retryErr, retryErr},
	}

	ctx := context.Background()
	if err := store.CreateJob(ctx, jobstore.Job{
		ID: "job1", Tickers: []string{"BBRI"}, DateFrom: "2025-11-03", DateUntil: "2025-11-03", Status: jobstore.JobRunning,
	}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	sched := New(store, rest, sink, cred, Config{
		PollInterval: 10 * time.Millisecond,
		MaxRetries:   2, RetryBackoff: 5 * time.Millisecond, MaxRetryBackoff: 20 * time.Millisecond,
	}, zerolog.Nop())

	schedCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	sched.Start(schedCtx)

	waitFor(t, 3*time.Second, func() bool {
		job, err := store.LoadJob(ctx, "job1")
		return err == nil && job.Status == jobstore.JobFailed
	})

	job, err := store.LoadJob(ctx, "job1")
	if err != nil {
		t.Fatalf("LoadJob: %v", err)
	}
	if job.ErrorCount == 0 {
		t.Error("ErrorCount = 0, want > 0 after retry exhaustion")
	}

	shutdownCtx, scancel := context.WithTimeout(ctx, time.Second)
	defer scancel()
	sched.Shutdown(shutdownCtx)
}

func TestScheduler_PauseReturnsInFlightTaskToQueued(t *testing.T) {
	store := newTestStore(t)
	cred := newTestCredential(t)
	sink := &fakeSink{}

	release := make(chan struct{})
	rest := &blockingThenPagesFetcher{
		release: release,
		pages: []*restclient.TradePage{
			{Trades: []restclient.Trade{{ID: "row1", TradeNumber: "100"}}},
		},
	}

	ctx := context.Background()
	if err := store.CreateJob(ctx, jobstore.Job{
		ID: "job1", Tickers: []string{"BBRI"}, DateFrom: "2025-11-03", DateUntil: "2025-11-03", Status: jobstore.JobRunning, DelayBetweenRequests: 0,
	}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	sched := New(store, rest, sink, cred, Config{
		PollInterval: 10 * time.Millisecond,
		MaxRetries:   3, RetryBackoff: 10 * time.Millisecond, MaxRetryBackoff: 50 * time.Millisecond,
	}, zerolog.Nop())

	schedCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	sched.Start(schedCtx)

	waitFor(t, 2*time.Second, func() bool {
		task, err := store.LoadTask(ctx, "job1", "BBRI", "2025-11-03")
		return err == nil && task.Status == jobstore.TaskInProgress
	})

	pauseCtx, pcancel := context.WithTimeout(ctx, time.Second)
	defer pcancel()
	if err := sched.Pause(pauseCtx, "job1"); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	close(release)

	waitFor(t, 2*time.Second, func() bool {
		task, err := store.LoadTask(ctx, "job1", "BBRI", "2025-11-03")
		return err == nil && task.Status == jobstore.TaskQueued
	})

	job, err := store.LoadJob(ctx, "job1")
	if err != nil {
		t.Fatalf("LoadJob: %v", err)
	}
	if job.Status != jobstore.JobPaused {
		t.Errorf("job.Status = %s, want paused", job.Status)
	}

	shutdownCtx, scancel := context.WithTimeout(ctx, time.Second)
	defer scancel()
	sched.Shutdown(shutdownCtx)
}

func TestScheduler_PauseIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	cred := newTestCredential(t)
	sink := &fakeSink{}
	rest := &fakeTradeFetcher{}

	ctx := context.Background()
	if err := store.CreateJob(ctx, jobstore.Job{
		ID: "job1", Tickers: []string{"BBRI"}, DateFrom: "2025-11-03", DateUntil: "2025-11-03", Status: jobstore.JobPaused,
	}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	sched := New(store, rest, sink, cred, DefaultConfig(), zerolog.Nop())
	schedCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	sched.Start(schedCtx)

	pauseCtx, pcancel := context.WithTimeout(ctx, time.Second)
	defer pcancel()
	if err := sched.Pause(pauseCtx, "job1"); err != nil {
		t.Fatalf("Pause on already-paused job: %v", err)
	}

	job, err := store.LoadJob(ctx, "job1")
	if err != nil {
		t.Fatalf("LoadJob: %v", err)
	}
	if job.Status != jobstore.JobPaused {
		t.Errorf("job.Status = %s, want still paused", job.Status)
	}

	shutdownCtx, scancel := context.WithTimeout(ctx, time.Second)
	defer scancel()
	sched.Shutdown(shutdownCtx)
}

// blockingThenPagesFetcher blocks on the first call until release is
// closed, so a test can pause a job while its one task is reliably still
// in flight, then let it proceed deterministically.
type blockingThenPagesFetcher struct {
	mu      sync.Mutex
	release chan struct{}
	pages   []*restclient.TradePage
	calls   int
}

func (f *blockingThenPagesFetcher) FetchTradesPage(ctx context.Context, ticker, date string, tradeNumber *int64) (*restclient.TradePage, error) {
	<-f.release
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	if i < len(f.pages) {
		return f.pages[i], nil
	}
	return &restclient.TradePage{}, nil
}
