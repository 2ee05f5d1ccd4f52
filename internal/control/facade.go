// Package control implements the transport-agnostic façade every outer
// surface (the CLI, and anything else that might front this daemon) binds
// to. It owns no state of its own -- every method is a thin, context-aware
// wrapper around internal/credential, internal/jobstore, internal/stream
// and internal/csvsink, the way the teacher's internal/broker.Broker
// interface sits in front of its concrete Zerodha client rather than
// being one itself.
//
// Facade deliberately does not hold a live *scheduler.Scheduler. Pause,
// Resume and Cancel mutate the jobstore directly, with the same
// idempotency checks internal/scheduler's own command handler applies --
// the scheduler's worker loop discovers the new status on its next poll
// (PickNextRunnable and jobIsPaused both read job status fresh from the
// store). This lets a short-lived CLI invocation control a job without
// being the same process as the long-running daemon that is actually
// fetching its pages; only StartStream/StopStream genuinely require
// running in that same process, since a live WebSocket session has no
// durable, cross-process handle the way a job's SQLite row does.
package control

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"stockbit-ingest/internal/credential"
	"stockbit-ingest/internal/csvsink"
	pkgerrors "stockbit-ingest/internal/errors"
	"stockbit-ingest/internal/jobstore"
	"stockbit-ingest/internal/security"
	"stockbit-ingest/internal/stream"
)

// JobView bundles a Job with its live task progress, since callers
// listing or inspecting a job almost always want both in one round trip.
type JobView struct {
	Job      jobstore.Job
	Progress jobstore.JobProgress
}

// TaskView is one (ticker, date) task within a job, as spec.md §3's Task
// type -- the control surface has no standalone "get task" operation, so
// this is reached only through ListTasks against a job.
type TaskView = jobstore.Task

// Facade is the single entry point spec.md §6 describes: Credentials,
// Jobs, Streaming, Files.
type Facade struct {
	cred    *credential.Store
	jobs    *jobstore.Store
	streams *stream.Manager
	sink    *csvsink.Sink
	valid   *security.InputValidator
}

// New wires a Facade over the daemon's already-constructed components.
// cred, jobs and sink must be non-nil. streams may be nil for a
// control-only process that never starts live sessions itself -- in that
// case StartStream returns a ValidationError, GetStream/StopStream return
// ErrSessionNotFound, and ListStreams returns nil, rather than panicking.
func New(cred *credential.Store, jobs *jobstore.Store, streams *stream.Manager, sink *csvsink.Sink) *Facade {
	return &Facade{cred: cred, jobs: jobs, streams: streams, sink: sink, valid: security.NewInputValidator(true)}
}

// toValidationError adapts internal/security's ValidationError, which the
// CLI and any other caller shouldn't need to import directly, to this
// package's own error family so KindOf() dispatch keeps working.
func toValidationError(err error) error {
	if err == nil {
		return nil
	}
	if ve, ok := err.(*security.ValidationError); ok {
		return pkgerrors.NewValidationError(ve.Field, ve.Value, ve.Message)
	}
	return err
}

// --- Credentials -----------------------------------------------------

// SetToken installs a new bearer token and its raw Cookie header value.
func (f *Facade) SetToken(ctx context.Context, token, cookies string) error {
	if token == "" {
		return pkgerrors.NewValidationError("token", token, "token must not be empty")
	}
	return f.cred.SetToken(token, cookies)
}

// GetStatus reports whether a token is set, its best-effort validity,
// and time-until-expiry, without ever exposing the token itself.
func (f *Facade) GetStatus(ctx context.Context) credential.Status {
	return f.cred.GetStatus()
}

// ClearCredential removes the stored token and cookies entirely.
func (f *Facade) ClearCredential(ctx context.Context) error {
	return f.cred.Clear()
}

// --- Jobs --------------------------------------------------------------

// CreateJob registers a new historical backfill job and immediately
// marks it running so the scheduler's next poll picks up its tasks --
// the control surface has no separate "start" operation, so create
// implies start.
func (f *Facade) CreateJob(ctx context.Context, tickers []string, dateFrom, dateUntil string, delay *time.Duration) (*jobstore.Job, error) {
	if len(tickers) == 0 {
		return nil, pkgerrors.NewValidationError("tickers", tickers, "at least one ticker is required")
	}
	for _, ticker := range tickers {
		if err := f.valid.ValidateTicker(ticker); err != nil {
			return nil, toValidationError(err)
		}
	}
	if dateFrom == "" || dateUntil == "" {
		return nil, pkgerrors.NewValidationError("date_range", fmt.Sprintf("%s..%s", dateFrom, dateUntil), "date_from and date_until are required")
	}
	if err := f.valid.ValidateDateRange(dateFrom, dateUntil); err != nil {
		return nil, toValidationError(err)
	}

	delayBetween := 500 * time.Millisecond
	if delay != nil {
		delayBetween = *delay
	}

	id := generateJobID()
	job := jobstore.Job{
		ID:                   id,
		Tickers:              tickers,
		DateFrom:             dateFrom,
		DateUntil:            dateUntil,
		DelayBetweenRequests: delayBetween,
		Status:               jobstore.JobQueued,
		ParallelWorkers:      1,
	}
	if err := f.jobs.CreateJob(ctx, job); err != nil {
		return nil, err
	}
	if err := f.jobs.UpdateJobStatus(ctx, id, jobstore.JobRunning); err != nil {
		return nil, err
	}
	return f.jobs.LoadJob(ctx, id)
}

// ListJobs returns jobs matching filter (zero-value filter returns all).
func (f *Facade) ListJobs(ctx context.Context, filter jobstore.JobFilter) ([]jobstore.Job, error) {
	return f.jobs.ListJobs(ctx, filter)
}

// GetJob returns one job plus its current task-progress breakdown.
func (f *Facade) GetJob(ctx context.Context, id string) (*JobView, error) {
	if err := f.valid.ValidateJobID(id); err != nil {
		return nil, toValidationError(err)
	}
	job, err := f.jobs.LoadJob(ctx, id)
	if err != nil {
		return nil, err
	}
	progress, err := f.jobs.Progress(ctx, id)
	if err != nil {
		return nil, err
	}
	return &JobView{Job: *job, Progress: progress}, nil
}

// PauseJob suspends a running job; the in-flight page it is on, if any,
// still completes before the scheduler notices and parks the task.
// No-op if the job isn't currently running.
func (f *Facade) PauseJob(ctx context.Context, id string) error {
	if err := f.valid.ValidateJobID(id); err != nil {
		return toValidationError(err)
	}
	job, err := f.jobs.LoadJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Status != jobstore.JobRunning {
		return nil
	}
	return f.jobs.UpdateJobStatus(ctx, id, jobstore.JobPaused)
}

// ResumeJob returns a paused (or auth-paused) job to running. No-op if
// the job isn't currently paused.
func (f *Facade) ResumeJob(ctx context.Context, id string) error {
	if err := f.valid.ValidateJobID(id); err != nil {
		return toValidationError(err)
	}
	job, err := f.jobs.LoadJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Status != jobstore.JobPaused && job.Status != jobstore.JobAuthPaused {
		return nil
	}
	return f.jobs.UpdateJobStatus(ctx, id, jobstore.JobRunning)
}

// CancelJob stops a job permanently; its progress so far is kept.
func (f *Facade) CancelJob(ctx context.Context, id string) error {
	if err := f.valid.ValidateJobID(id); err != nil {
		return toValidationError(err)
	}
	if err := f.jobs.CancelJobTasks(ctx, id); err != nil {
		return err
	}
	return f.jobs.UpdateJobStatus(ctx, id, jobstore.JobCancelled)
}

// ListTasks returns every (ticker, date) task belonging to a job, the
// per-task cursor-resumption detail spec.md §3's Task type exposes that
// the aggregate Progress counts in GetJob deliberately don't.
func (f *Facade) ListTasks(ctx context.Context, jobID string) ([]TaskView, error) {
	if err := f.valid.ValidateJobID(jobID); err != nil {
		return nil, toValidationError(err)
	}
	return f.jobs.ListTasks(ctx, jobID)
}

// RecentLogs returns up to limit most-recent log lines from the
// process-wide log ring (spec.md §6: "recent_logs(limit)" -- the
// operation is not scoped to one job; LogEntry.JobID is empty for lines
// that have no owning job).
func (f *Facade) RecentLogs(ctx context.Context, limit int) ([]jobstore.LogEntry, error) {
	return f.jobs.RecentLogs(ctx, limit)
}

// --- Streaming -----------------------------------------------------

// StartStream opens a live WebSocket session subscribed to tickers.
// sessionID, if non-empty, is used verbatim instead of a generated UUID.
// maxRetries is accepted for interface parity with spec.md §6 but has no
// effect: a streaming session's reconnect loop has no retry ceiling (see
// DESIGN.md) -- unlike a historical job's task, there is no terminal
// "task failed" state for a continuous feed, only StopStream.
func (f *Facade) StartStream(ctx context.Context, tickers []string, sessionID string, maxRetries *int) (string, error) {
	if f.streams == nil {
		return "", pkgerrors.NewValidationError("streams", nil, "this process has no live streaming manager; run against the daemon process")
	}
	for _, ticker := range tickers {
		if err := f.valid.ValidateTicker(ticker); err != nil {
			return "", toValidationError(err)
		}
	}
	return f.streams.StartSession(ctx, tickers, sessionID)
}

// ListStreams returns a stats snapshot of every live session.
func (f *Facade) ListStreams(ctx context.Context) []stream.Stats {
	if f.streams == nil {
		return nil
	}
	return f.streams.List()
}

// GetStream returns one session's stats snapshot.
func (f *Facade) GetStream(ctx context.Context, sessionID string) (stream.Stats, error) {
	if f.streams == nil {
		return stream.Stats{}, pkgerrors.ErrSessionNotFound
	}
	sess, ok := f.streams.Get(sessionID)
	if !ok {
		return stream.Stats{}, pkgerrors.ErrSessionNotFound
	}
	return sess.Stats(), nil
}

// StopStream stops one session. Per spec.md §4.6, the session's stats
// remain visible through ListStreams/GetStream until process exit or an
// explicit ReapStreams call -- StopStream does not remove it from the
// live set itself.
func (f *Facade) StopStream(ctx context.Context, sessionID string) error {
	if f.streams == nil {
		return pkgerrors.ErrSessionNotFound
	}
	return f.streams.StopSession(ctx, sessionID)
}

// ReapStreams drops every session that has reached a terminal state
// (stopped or errored) from the live set, the "explicit reap" spec.md §4.6 names as the
// alternative to waiting for process exit to free a stopped session's
// stats.
func (f *Facade) ReapStreams(ctx context.Context) {
	if f.streams == nil {
		return
	}
	f.streams.PruneStopped()
}

// --- Files -----------------------------------------------------------

// ListCSV enumerates CSV files for one dataset ("" lists every dataset).
func (f *Facade) ListCSV(ctx context.Context, dataset csvsink.Dataset) ([]csvsink.ListFile, error) {
	files, err := f.sink.List()
	if err != nil {
		return nil, err
	}
	if dataset == "" {
		return files, nil
	}
	out := files[:0:0]
	for _, file := range files {
		if file.Dataset == dataset {
			out = append(out, file)
		}
	}
	return out, nil
}

// OpenCSVForRead opens a CSV file already on disk for streaming read.
// The caller owns the returned handle and must Close it.
func (f *Facade) OpenCSVForRead(ctx context.Context, path string) (*os.File, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, pkgerrors.NewCodecError("csv_open_for_read", "failed to open csv file for reading", err)
	}
	return file, nil
}

func generateJobID() string {
	return fmt.Sprintf("job_%s", uuid.NewString())
}
