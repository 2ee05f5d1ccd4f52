// Package scheduler runs the single background worker that drains
// historical running-trade jobs: pulling runnable tasks, paginating the
// REST endpoint, writing through the CSV sink, and honoring
// pause/resume/cancel and auth-failure handling.
//
// Grounded on the teacher's internal/stream/hub.go broadcastLoop (one
// goroutine, a select over a done channel and a work channel) for the
// worker-loop shape, and on spec.md §4.8's per-task algorithm for what
// that loop actually does each tick. The teacher runs one worker per
// process implicitly (it only ever talks to one broker); this package
// makes that explicit, since the spec normatively requires ticker×date
// concurrency not exceed a single dedicated worker.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"stockbit-ingest/internal/credential"
	"stockbit-ingest/internal/csvsink"
	pkgerrors "stockbit-ingest/internal/errors"
	"stockbit-ingest/internal/jobstore"
	"stockbit-ingest/internal/logging"
	"stockbit-ingest/internal/restclient"
	"stockbit-ingest/pkg/utils"
)

// TradeFetcher is the subset of *restclient.Client the scheduler needs.
// Declared as a narrow interface, matching restclient.Client's method
// signature structurally, so tests can substitute a stub without this
// package depending on restclient's HTTP/circuit-breaker internals.
type TradeFetcher interface {
	FetchTradesPage(ctx context.Context, ticker, date string, tradeNumber *int64) (*restclient.TradePage, error)
}

// Sink is the subset of *csvsink.Sink the scheduler needs.
type Sink interface {
	AppendRunningTrade(ticker, date string, row csvsink.RunningTradeRow) error
}

// Config tunes the scheduler's polling and per-task retry behavior. The
// spec places retry/backoff ownership here, not in the REST client.
type Config struct {
	PollInterval    time.Duration // how often the worker checks for runnable work when idle
	MaxRetries      int           // per-page retry budget before a task is marked failed
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
}

// DefaultConfig returns reasonable scheduler tuning.
func DefaultConfig() Config {
	return Config{
		PollInterval:    1 * time.Second,
		MaxRetries:      5,
		RetryBackoff:    1 * time.Second,
		MaxRetryBackoff: 1 * time.Minute,
	}
}

type commandKind int

const (
	cmdPause commandKind = iota
	cmdResume
	cmdCancel
)

type command struct {
	kind  commandKind
	jobID string
	reply chan error
}

// Scheduler is the Historical Job Scheduler: exactly one dedicated
// worker goroutine that is the sole mutator of task cursors, per the
// spec's concurrency model.
type Scheduler struct {
	store  *jobstore.Store
	rest   TradeFetcher
	sink   Sink
	cred   *credential.Store
	cfg    Config
	logger zerolog.Logger

	cmdCh  chan command
	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a Scheduler. Call Start to begin the worker goroutine.
func New(store *jobstore.Store, rest TradeFetcher, sink Sink, cred *credential.Store, cfg Config, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		store:  store,
		rest:   rest,
		sink:   sink,
		cred:   cred,
		cfg:    cfg,
		logger: logger,
		cmdCh:  make(chan command),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start launches the worker goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	go s.run(ctx)
}

// Shutdown stops the worker, letting any in-flight page complete first,
// bounded by ctx's deadline.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	close(s.stopCh)
	select {
	case <-s.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pause moves a job running -> paused. The currently in-flight task, if
// any, finishes its in-flight page then returns to queued; subsequent
// ticks skip paused jobs. Pause is idempotent. The status is written to
// the store directly rather than through the worker's command channel, so
// Pause returns without waiting for an in-flight fetch; the worker sees
// the new status through jobIsPaused once that page is persisted.
func (s *Scheduler) Pause(ctx context.Context, jobID string) error {
	return s.handleCommand(ctx, command{kind: cmdPause, jobID: jobID})
}

// Resume moves a job paused -> running; its tasks resume from their
// persisted next_cursor.
func (s *Scheduler) Resume(ctx context.Context, jobID string) error {
	return s.sendCommand(ctx, cmdResume, jobID)
}

// Cancel moves every non-terminal task of a job to skipped and the job
// to cancelled.
func (s *Scheduler) Cancel(ctx context.Context, jobID string) error {
	return s.sendCommand(ctx, cmdCancel, jobID)
}

func (s *Scheduler) sendCommand(ctx context.Context, kind commandKind, jobID string) error {
	reply := make(chan error, 1)
	select {
	case s.cmdCh <- command{kind: kind, jobID: jobID, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.doneCh:
		return pkgerrors.ErrNotRunning
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the sole worker loop. Resume and cancel requests arrive on cmdCh
// and are handled between tasks -- never mid-HTTP-request -- by the same
// select that waits for the next poll tick. Pause does not go through
// cmdCh (see Pause).
func (s *Scheduler) run(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case cmd := <-s.cmdCh:
			cmd.reply <- s.handleCommand(ctx, cmd)
			continue
		case <-ticker.C:
		}

		task, err := s.store.PickNextRunnable(ctx, "any")
		if err != nil {
			s.logger.Error().Err(err).Msg("failed to pick next runnable task")
			continue
		}
		if task == nil {
			continue
		}

		s.runTask(ctx, task)
	}
}

func (s *Scheduler) handleCommand(ctx context.Context, cmd command) error {
	switch cmd.kind {
	case cmdPause:
		job, err := s.store.LoadJob(ctx, cmd.jobID)
		if err != nil {
			return err
		}
		if job.Status != jobstore.JobRunning {
			return nil // idempotent: already paused (or not running at all)
		}
		return s.store.UpdateJobStatus(ctx, cmd.jobID, jobstore.JobPaused)
	case cmdResume:
		job, err := s.store.LoadJob(ctx, cmd.jobID)
		if err != nil {
			return err
		}
		if job.Status != jobstore.JobPaused && job.Status != jobstore.JobAuthPaused {
			return nil
		}
		return s.store.UpdateJobStatus(ctx, cmd.jobID, jobstore.JobRunning)
	case cmdCancel:
		if err := s.store.CancelJobTasks(ctx, cmd.jobID); err != nil {
			return err
		}
		return s.store.UpdateJobStatus(ctx, cmd.jobID, jobstore.JobCancelled)
	default:
		return fmt.Errorf("unknown scheduler command")
	}
}

// runTask executes spec.md §4.8's per-task algorithm: claim the task,
// paginate until the broker returns no more pages or a non-retryable
// failure occurs, then reconcile the owning job's aggregate status.
func (s *Scheduler) runTask(ctx context.Context, task *jobstore.Task) {
	logger := logging.WithJobID(s.logger, task.JobID)

	if !s.cred.IsValid() || s.cred.Token() == "" {
		s.onAuthExpired(ctx, task, logger)
		return
	}

	if err := s.store.UpdateTask(ctx, task.JobID, task.Ticker, task.Date, jobstore.TaskInProgress, task.NextCursor, 0); err != nil {
		logger.Error().Err(err).Str("ticker", task.Ticker).Str("date", task.Date).Msg("failed to claim task")
		return
	}

	job, err := s.store.LoadJob(ctx, task.JobID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load owning job")
		return
	}

	cursor := task.NextCursor
	retries := 0

	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		var tradeNumber *int64
		if cursor != nil && *cursor != jobstore.CursorNone {
			var n int64
			if _, err := fmt.Sscanf(*cursor, "%d", &n); err == nil {
				tradeNumber = &n
			}
		}

		page, err := s.rest.FetchTradesPage(ctx, task.Ticker, task.Date, tradeNumber)
		if err != nil {
			if pkgerrors.IsAuthExpired(err) {
				_ = s.store.AppendLog(ctx, task.JobID, "error", fmt.Sprintf("%s/%s: auth expired", task.Ticker, task.Date))
				s.onAuthExpired(ctx, task, logger)
				return
			}
			if pkgerrors.IsRetryable(err) && retries < s.cfg.MaxRetries {
				retries++
				delay := utils.CalculateBackoff(retries, s.cfg.RetryBackoff, s.cfg.MaxRetryBackoff, 2.0)
				logger.Warn().Err(err).Int("retry", retries).Dur("delay", delay).Msg("retryable fetch failure, backing off")
				select {
				case <-time.After(delay):
					continue
				case <-s.stopCh:
					return
				case <-ctx.Done():
					return
				}
			}

			_ = s.store.RecordJobError(ctx, task.JobID, err.Error())
			_ = s.store.AppendLog(ctx, task.JobID, "error", fmt.Sprintf("%s/%s: %v", task.Ticker, task.Date, err))
			_ = s.store.UpdateTask(ctx, task.JobID, task.Ticker, task.Date, jobstore.TaskFailed, cursor, 0)
			s.reconcileJob(ctx, task.JobID, logger)
			return
		}

		rowsWritten, writeErr := s.writeRows(task, page, logger)
		if writeErr != nil {
			_ = s.store.RecordJobError(ctx, task.JobID, writeErr.Error())
			_ = s.store.AppendLog(ctx, task.JobID, "error", fmt.Sprintf("%s/%s: %v", task.Ticker, task.Date, writeErr))
			_ = s.store.UpdateTask(ctx, task.JobID, task.Ticker, task.Date, jobstore.TaskFailed, cursor, int64(rowsWritten))
			s.reconcileJob(ctx, task.JobID, logger)
			return
		}

		nextCursor := lastTradeNumberCursor(page)
		if nextCursor == jobstore.CursorNone {
			_ = s.store.UpdateTask(ctx, task.JobID, task.Ticker, task.Date, jobstore.TaskDone, &nextCursor, int64(rowsWritten))
			_ = s.store.AppendLog(ctx, task.JobID, "info", fmt.Sprintf("%s/%s: done, %d rows", task.Ticker, task.Date, rowsWritten))
			s.reconcileJob(ctx, task.JobID, logger)
			return
		}

		if err := s.store.UpdateTask(ctx, task.JobID, task.Ticker, task.Date, jobstore.TaskInProgress, &nextCursor, int64(rowsWritten)); err != nil {
			logger.Error().Err(err).Msg("failed to persist task cursor")
			return
		}
		cursor = &nextCursor
		retries = 0

		if paused, err := s.jobIsPaused(ctx, task.JobID); err != nil {
			logger.Error().Err(err).Msg("failed to check job status mid-task")
		} else if paused {
			_ = s.store.ReturnTaskToQueued(ctx, task.JobID, task.Ticker, task.Date)
			return
		}

		select {
		case <-time.After(job.DelayBetweenRequests):
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) jobIsPaused(ctx context.Context, jobID string) (bool, error) {
	job, err := s.store.LoadJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	return job.Status == jobstore.JobPaused, nil
}

func (s *Scheduler) onAuthExpired(ctx context.Context, task *jobstore.Task, logger zerolog.Logger) {
	_ = s.store.ReturnTaskToQueued(ctx, task.JobID, task.Ticker, task.Date)
	_ = s.store.UpdateJobStatus(ctx, task.JobID, jobstore.JobAuthPaused)
	logging.LogJobEvent(logger, task.JobID, string(jobstore.JobAuthPaused), 0, 0)
}

func (s *Scheduler) reconcileJob(ctx context.Context, jobID string, logger zerolog.Logger) {
	progress, err := s.store.Progress(ctx, jobID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to compute job progress")
		return
	}
	if !progress.IsTerminal() {
		return
	}

	status := jobstore.JobCompleted
	if progress.Failed > 0 {
		status = jobstore.JobFailed
	}
	if err := s.store.UpdateJobStatus(ctx, jobID, status); err != nil {
		logger.Error().Err(err).Msg("failed to finalize job status")
		return
	}
	logging.LogJobEvent(logger, jobID, string(status), progress.Total, progress.Done+progress.Skipped+progress.Failed)
}

// writeRows writes every trade on page to the CSV sink in arrival order,
// stopping at the first failure. A CSV write failure is a Fatal error
// (spec.md §7): retrying the identical write will not help, the page is
// not fully durable, and the caller must fail the task rather than
// advance its cursor past a row that was never actually persisted.
func (s *Scheduler) writeRows(task *jobstore.Task, page *restclient.TradePage, logger zerolog.Logger) (int, error) {
	written := 0
	for _, t := range page.Trades {
		row := csvsink.RunningTradeRow{
			ID: string(t.ID), Date: task.Date, Time: t.Time, Action: t.Action, Code: t.Code,
			Price: string(t.Price), Change: string(t.Change), Lot: string(t.Lot), Buyer: t.Buyer, Seller: t.Seller,
			TradeNumber: string(t.TradeNumber), BuyerType: t.BuyerType, SellerType: t.SellerType, MarketBoard: t.MarketBoard,
		}
		if err := s.sink.AppendRunningTrade(task.Ticker, task.Date, row); err != nil {
			logger.Error().Err(err).Str("ticker", task.Ticker).Str("date", task.Date).Msg("failed to write running-trade row, failing task")
			return written, err
		}
		written++
	}
	return written, nil
}

// lastTradeNumberCursor computes the next pagination cursor: the last
// trade_number on the page (pagination walks backward in time via DESC
// sort), or jobstore.CursorNone once a page comes back empty.
func lastTradeNumberCursor(page *restclient.TradePage) string {
	if len(page.Trades) == 0 {
		return jobstore.CursorNone
	}
	return string(page.Trades[len(page.Trades)-1].TradeNumber)
}

