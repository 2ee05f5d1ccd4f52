// Package jobstore durably persists historical running-trade ingestion
// jobs and their per-(ticker,date) tasks in SQLite.
//
// Grounded on the teacher's internal/store/sqlite.go (NewSQLiteStore's
// WAL-mode connection pool, initSchema's single CREATE TABLE IF NOT
// EXISTS block, and the INSERT OR REPLACE / UPDATE ... WHERE idiom used
// throughout its trade/decision/plan methods), generalized from trading
// records to job/task/log rows. The capped log ring follows the
// teacher's health_logs table in spirit, pruned to a configured cap
// after each append rather than left to grow unbounded.
package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	pkgerrors "stockbit-ingest/internal/errors"
	"stockbit-ingest/internal/security"
)

// JobStatus is a Job's lifecycle state.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobRunning    JobStatus = "running"
	JobPaused     JobStatus = "paused"
	JobAuthPaused JobStatus = "auth_paused"
	JobCompleted  JobStatus = "completed"
	JobCancelled  JobStatus = "cancelled"
	JobFailed     JobStatus = "failed"
)

// TaskStatus is a Task's lifecycle state.
type TaskStatus string

const (
	TaskQueued     TaskStatus = "queued"
	TaskInProgress TaskStatus = "in_progress"
	TaskDone       TaskStatus = "done"
	TaskSkipped    TaskStatus = "skipped"
	TaskFailed     TaskStatus = "failed"
)

// A task cursor has two sentinel states: nil (absent, meaning "start from
// the latest page") and CursorNone, the literal string "none" the
// scheduler stores once a ticker×date returns an empty page. Any other
// non-nil value is an opaque broker pagination token.
const CursorNone = "none"

// Job is one historical ingestion request across a set of tickers and
// an inclusive date range.
type Job struct {
	ID                   string
	Tickers              []string
	DateFrom             string
	DateUntil            string
	DelayBetweenRequests time.Duration
	Status               JobStatus
	CreatedAt            time.Time
	StartedAt            *time.Time
	CompletedAt          *time.Time
	RowsWritten          int64
	PagesFetched         int64
	ErrorCount           int64
	LastError            string
	ParallelWorkers      int // accepted for forward compatibility, pinned to 1; see DESIGN.md
}

// Task is the atomic unit of scheduler work: one (ticker, date) pair
// belonging to a Job.
type Task struct {
	JobID       string
	Ticker      string
	Date        string
	Status      TaskStatus
	NextCursor  *string
	RowsWritten int64
	Attempts    int
}

// LogEntry is one line in the process-wide log ring. JobID is empty when
// the line is not associated with any job (spec.md's LogEntry models
// job_id as "or absent").
type LogEntry struct {
	ID        int64
	JobID     string
	Level     string
	Message   string
	CreatedAt time.Time
}

// JobFilter narrows ListJobs results. A zero-value filter returns every
// job.
type JobFilter struct {
	Status JobStatus
	Limit  int
}

// Store is the Historical Job Store: jobs, tasks, and a single
// process-wide capped log ring, all in one SQLite file.
type Store struct {
	db         *sql.DB
	logRingCap int
}

// Open opens (creating if necessary) a job store at dbPath. logRingCap
// bounds the logs table per the capped-ring testable property; a
// non-positive value defaults to 1000.
func Open(dbPath string, logRingCap int) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, pkgerrors.NewJobError("", "", "failed to open job database", pkgerrors.KindFatal, err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if logRingCap <= 0 {
		logRingCap = 1000
	}
	s := &Store{db: db, logRingCap: logRingCap}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.reclaimInProgress(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		tickers TEXT NOT NULL,
		date_from TEXT NOT NULL,
		date_until TEXT NOT NULL,
		delay_ms INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		started_at DATETIME,
		completed_at DATETIME,
		rows_written INTEGER NOT NULL DEFAULT 0,
		pages_fetched INTEGER NOT NULL DEFAULT 0,
		error_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		parallel_workers INTEGER NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS tasks (
		job_id TEXT NOT NULL,
		ticker TEXT NOT NULL,
		date TEXT NOT NULL,
		status TEXT NOT NULL,
		next_cursor TEXT,
		rows_written INTEGER NOT NULL DEFAULT 0,
		attempts INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (job_id, ticker, date),
		FOREIGN KEY (job_id) REFERENCES jobs(id)
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_status_job ON tasks(status, job_id);

	CREATE TABLE IF NOT EXISTS logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT,
		level TEXT NOT NULL,
		message TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_logs_job_id ON logs(job_id, id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return pkgerrors.NewJobError("", "", "failed to initialize job store schema", pkgerrors.KindFatal, err)
	}
	return nil
}

// reclaimInProgress runs once at startup: any task left in_progress from
// a prior process (killed mid-page) is returned to queued, preserving
// its last-persisted cursor. This is the restart half of the cursor
// resumption invariant -- the fetch itself never reaches "done" or
// advances the cursor without a transactional write, so the worst a
// crash can do is strand a task in_progress at its last-good cursor.
func (s *Store) reclaimInProgress() error {
	_, err := s.db.Exec(`UPDATE tasks SET status = ? WHERE status = ?`, string(TaskQueued), string(TaskInProgress))
	if err != nil {
		return pkgerrors.NewJobError("", "", "failed to reclaim in-progress tasks on startup", pkgerrors.KindFatal, err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateJob inserts a new job and one Task per (ticker, date) in its
// range, all in a single transaction so a job never exists without its
// full task set.
func (s *Store) CreateJob(ctx context.Context, job Job) error {
	tickersJSON, err := json.Marshal(job.Tickers)
	if err != nil {
		return pkgerrors.NewJobError(job.ID, "", "failed to marshal tickers", pkgerrors.KindFatal, err)
	}

	dates, err := dateRange(job.DateFrom, job.DateUntil)
	if err != nil {
		return pkgerrors.NewJobError(job.ID, "", "invalid date range", pkgerrors.KindFatal, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return pkgerrors.NewJobError(job.ID, "", "failed to begin transaction", pkgerrors.KindRetryable, err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO jobs (id, tickers, date_from, date_until, delay_ms, status, created_at, rows_written, pages_fetched, error_count, parallel_workers)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, 0, 0, ?)
	`, job.ID, string(tickersJSON), job.DateFrom, job.DateUntil, job.DelayBetweenRequests.Milliseconds(), string(job.Status), job.CreatedAt, maxInt(job.ParallelWorkers, 1))
	if err != nil {
		return pkgerrors.NewJobError(job.ID, "", "failed to insert job", pkgerrors.KindFatal, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO tasks (job_id, ticker, date, status, next_cursor, rows_written, attempts)
		VALUES (?, ?, ?, ?, NULL, 0, 0)
	`)
	if err != nil {
		return pkgerrors.NewJobError(job.ID, "", "failed to prepare task insert", pkgerrors.KindFatal, err)
	}
	defer stmt.Close()

	for _, ticker := range job.Tickers {
		for _, date := range dates {
			if _, err := stmt.ExecContext(ctx, job.ID, ticker, date, string(TaskQueued)); err != nil {
				return pkgerrors.NewJobError(job.ID, "", fmt.Sprintf("failed to insert task %s/%s", ticker, date), pkgerrors.KindFatal, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return pkgerrors.NewJobError(job.ID, "", "failed to commit job creation", pkgerrors.KindRetryable, err)
	}
	return nil
}

// LoadJob returns a job by ID, or pkgerrors.ErrJobNotFound.
func (s *Store) LoadJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tickers, date_from, date_until, delay_ms, status, created_at, started_at, completed_at, rows_written, pages_fetched, error_count, COALESCE(last_error, ''), parallel_workers
		FROM jobs WHERE id = ?
	`, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, pkgerrors.ErrJobNotFound
	}
	if err != nil {
		return nil, pkgerrors.NewJobError(id, "", "failed to load job", pkgerrors.KindRetryable, err)
	}
	return job, nil
}

// ListJobs returns jobs matching filter, newest first.
func (s *Store) ListJobs(ctx context.Context, filter JobFilter) ([]Job, error) {
	query := `SELECT id, tickers, date_from, date_until, delay_ms, status, created_at, started_at, completed_at, rows_written, pages_fetched, error_count, COALESCE(last_error, ''), parallel_workers FROM jobs WHERE 1=1`
	var args []interface{}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, pkgerrors.NewJobError("", "", "failed to list jobs", pkgerrors.KindRetryable, err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, pkgerrors.NewJobError("", "", "failed to scan job", pkgerrors.KindRetryable, err)
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var tickersJSON string
	var delayMs int64
	var status string
	var startedAt, completedAt sql.NullTime

	if err := row.Scan(&job.ID, &tickersJSON, &job.DateFrom, &job.DateUntil, &delayMs, &status, &job.CreatedAt,
		&startedAt, &completedAt, &job.RowsWritten, &job.PagesFetched, &job.ErrorCount, &job.LastError, &job.ParallelWorkers); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(tickersJSON), &job.Tickers); err != nil {
		return nil, err
	}
	job.DelayBetweenRequests = time.Duration(delayMs) * time.Millisecond
	job.Status = JobStatus(status)
	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		job.CompletedAt = &completedAt.Time
	}
	return &job, nil
}

// UpdateJobStatus transitions a job's status, stamping started_at or
// completed_at as appropriate. Status transitions are persisted before
// any in-memory status is observable elsewhere, since this is the only
// write path.
func (s *Store) UpdateJobStatus(ctx context.Context, id string, status JobStatus) error {
	var err error
	switch status {
	case JobRunning:
		_, err = s.db.ExecContext(ctx, `UPDATE jobs SET status = ?, started_at = COALESCE(started_at, ?) WHERE id = ?`, string(status), time.Now().UTC(), id)
	case JobCompleted, JobCancelled, JobFailed:
		_, err = s.db.ExecContext(ctx, `UPDATE jobs SET status = ?, completed_at = ? WHERE id = ?`, string(status), time.Now().UTC(), id)
	default:
		_, err = s.db.ExecContext(ctx, `UPDATE jobs SET status = ? WHERE id = ?`, string(status), id)
	}
	if err != nil {
		return pkgerrors.NewJobError(id, "", "failed to update job status", pkgerrors.KindRetryable, err)
	}
	return nil
}

// RecordJobError increments a job's error_count and sets last_error.
func (s *Store) RecordJobError(ctx context.Context, id, message string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE jobs SET error_count = error_count + 1, last_error = ? WHERE id = ?`, message, id)
	if err != nil {
		return pkgerrors.NewJobError(id, "", "failed to record job error", pkgerrors.KindRetryable, err)
	}
	return nil
}

// LoadTask returns one task, or pkgerrors.ErrTaskNotFound.
func (s *Store) LoadTask(ctx context.Context, jobID, ticker, date string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT job_id, ticker, date, status, next_cursor, rows_written, attempts
		FROM tasks WHERE job_id = ? AND ticker = ? AND date = ?
	`, jobID, ticker, date)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, pkgerrors.ErrTaskNotFound
	}
	if err != nil {
		return nil, pkgerrors.NewJobError(jobID, "", "failed to load task", pkgerrors.KindRetryable, err)
	}
	return task, nil
}

// ListTasks returns every task belonging to a job, ordered by ticker
// then date.
func (s *Store) ListTasks(ctx context.Context, jobID string) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, ticker, date, status, next_cursor, rows_written, attempts
		FROM tasks WHERE job_id = ? ORDER BY ticker, date
	`, jobID)
	if err != nil {
		return nil, pkgerrors.NewJobError(jobID, "", "failed to list tasks", pkgerrors.KindRetryable, err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, pkgerrors.NewJobError(jobID, "", "failed to scan task", pkgerrors.KindRetryable, err)
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

func scanTask(row rowScanner) (*Task, error) {
	var task Task
	var status string
	var nextCursor sql.NullString
	if err := row.Scan(&task.JobID, &task.Ticker, &task.Date, &status, &nextCursor, &task.RowsWritten, &task.Attempts); err != nil {
		return nil, err
	}
	task.Status = TaskStatus(status)
	if nextCursor.Valid {
		task.NextCursor = &nextCursor.String
	}
	return &task, nil
}

// PickNextRunnable returns the oldest queued task belonging to a job in
// status `running`, or nil if none is available. jobID may be "" (or the
// literal "any") to pick across every running job, oldest job first.
func (s *Store) PickNextRunnable(ctx context.Context, jobID string) (*Task, error) {
	var row *sql.Row
	if jobID != "" && jobID != "any" {
		row = s.db.QueryRowContext(ctx, `
			SELECT t.job_id, t.ticker, t.date, t.status, t.next_cursor, t.rows_written, t.attempts
			FROM tasks t
			JOIN jobs j ON j.id = t.job_id
			WHERE t.status = ? AND j.status = ? AND t.job_id = ?
			ORDER BY t.ticker, t.date
			LIMIT 1
		`, string(TaskQueued), string(JobRunning), jobID)
	} else {
		row = s.db.QueryRowContext(ctx, `
			SELECT t.job_id, t.ticker, t.date, t.status, t.next_cursor, t.rows_written, t.attempts
			FROM tasks t
			JOIN jobs j ON j.id = t.job_id
			WHERE t.status = ? AND j.status = ?
			ORDER BY j.created_at, t.ticker, t.date
			LIMIT 1
		`, string(TaskQueued), string(JobRunning))
	}

	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, pkgerrors.NewJobError(jobID, "", "failed to pick next runnable task", pkgerrors.KindRetryable, err)
	}
	return task, nil
}

// UpdateTask transitions a task's status and, transactionally in the
// same statement, persists its cursor and rows_written delta. Per the
// durable-cursors-over-volatile-state REDESIGN FLAG, the cursor and
// rows_written MUST move together with status in one write -- never
// split across two statements where a crash between them could leave
// the cursor ahead of what rows_written reflects.
func (s *Store) UpdateTask(ctx context.Context, jobID, ticker, date string, newStatus TaskStatus, nextCursor *string, rowsWrittenDelta int64) error {
	var result sql.Result
	var err error
	if nextCursor != nil {
		result, err = s.db.ExecContext(ctx, `
			UPDATE tasks SET status = ?, next_cursor = ?, rows_written = rows_written + ?, attempts = attempts + 1
			WHERE job_id = ? AND ticker = ? AND date = ?
		`, string(newStatus), *nextCursor, rowsWrittenDelta, jobID, ticker, date)
	} else {
		result, err = s.db.ExecContext(ctx, `
			UPDATE tasks SET status = ?, rows_written = rows_written + ?, attempts = attempts + 1
			WHERE job_id = ? AND ticker = ? AND date = ?
		`, string(newStatus), rowsWrittenDelta, jobID, ticker, date)
	}
	if err != nil {
		return pkgerrors.NewJobError(jobID, fmt.Sprintf("%s/%s", ticker, date), "failed to update task", pkgerrors.KindRetryable, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return pkgerrors.ErrTaskNotFound
	}

	if rowsWrittenDelta != 0 {
		if _, err := s.db.ExecContext(ctx, `UPDATE jobs SET rows_written = rows_written + ?, pages_fetched = pages_fetched + 1 WHERE id = ?`, rowsWrittenDelta, jobID); err != nil {
			return pkgerrors.NewJobError(jobID, "", "failed to update job counters", pkgerrors.KindRetryable, err)
		}
	}
	return nil
}

// ReturnTaskToQueued moves a task back to queued, preserving its
// current cursor unchanged -- used by pause, auth-expiry handling, and
// the startup reclaim path.
func (s *Store) ReturnTaskToQueued(ctx context.Context, jobID, ticker, date string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE tasks SET status = ? WHERE job_id = ? AND ticker = ? AND date = ?`, string(TaskQueued), jobID, ticker, date)
	if err != nil {
		return pkgerrors.NewJobError(jobID, fmt.Sprintf("%s/%s", ticker, date), "failed to return task to queued", pkgerrors.KindRetryable, err)
	}
	return nil
}

// CancelJobTasks moves every non-terminal task of a job to skipped, for
// use by cancel(job_id).
func (s *Store) CancelJobTasks(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ? WHERE job_id = ? AND status NOT IN (?, ?, ?)
	`, string(TaskSkipped), jobID, string(TaskDone), string(TaskSkipped), string(TaskFailed))
	if err != nil {
		return pkgerrors.NewJobError(jobID, "", "failed to cancel job tasks", pkgerrors.KindRetryable, err)
	}
	return nil
}

// JobProgress summarizes a job's tasks by status, for aggregate status
// computation and completion detection.
type JobProgress struct {
	Total      int
	Done       int
	Skipped    int
	Failed     int
	InProgress int
	Queued     int
}

// IsTerminal reports whether every task has reached a terminal state
// (done, skipped, or failed), meaning the job itself can be finalized.
func (p JobProgress) IsTerminal() bool {
	return p.Total > 0 && p.Done+p.Skipped+p.Failed == p.Total
}

// Progress computes a job's task-status breakdown.
func (s *Store) Progress(ctx context.Context, jobID string) (JobProgress, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks WHERE job_id = ? GROUP BY status`, jobID)
	if err != nil {
		return JobProgress{}, pkgerrors.NewJobError(jobID, "", "failed to compute job progress", pkgerrors.KindRetryable, err)
	}
	defer rows.Close()

	var p JobProgress
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return JobProgress{}, pkgerrors.NewJobError(jobID, "", "failed to scan progress row", pkgerrors.KindRetryable, err)
		}
		p.Total += count
		switch TaskStatus(status) {
		case TaskDone:
			p.Done = count
		case TaskSkipped:
			p.Skipped = count
		case TaskFailed:
			p.Failed = count
		case TaskInProgress:
			p.InProgress = count
		case TaskQueued:
			p.Queued = count
		}
	}
	return p, rows.Err()
}

// AppendLog records one log line in the process-wide ring and prunes the
// logs table back down to logRingCap rows total, implementing the capped
// log ring testable property: recent_logs never returns more than the
// cap, always the most recent entries. jobID may be empty -- spec.md
// models LogEntry.job_id as optional, since not every log line (a
// streaming session event, a startup failure) belongs to a job.
func (s *Store) AppendLog(ctx context.Context, jobID, level, message string) error {
	// message is frequently err.Error() from internal/restclient, which
	// wraps whatever the HTTP layer returned verbatim; mask anything
	// token/API-key-shaped before it lands in a row recent_logs can
	// return to any caller, not just the process that set the token.
	message = security.MaskSensitive(message)
	_, err := s.db.ExecContext(ctx, `INSERT INTO logs (job_id, level, message, created_at) VALUES (?, ?, ?, ?)`, nullableJobID(jobID), level, message, time.Now().UTC())
	if err != nil {
		return pkgerrors.NewJobError(jobID, "", "failed to append log", pkgerrors.KindRetryable, err)
	}

	_, err = s.db.ExecContext(ctx, `
		DELETE FROM logs WHERE id NOT IN (
			SELECT id FROM logs ORDER BY id DESC LIMIT ?
		)
	`, s.logRingCap)
	if err != nil {
		return pkgerrors.NewJobError(jobID, "", "failed to prune log ring", pkgerrors.KindRetryable, err)
	}
	return nil
}

// nullableJobID maps an empty job ID to SQL NULL so LogEntry.JobID can be
// "absent" on disk, not just the empty string.
func nullableJobID(jobID string) interface{} {
	if jobID == "" {
		return nil
	}
	return jobID
}

// RecentLogs returns up to limit of the process-wide ring's most recent
// log lines, in reverse-chronological order (newest first), across every
// job (and job-less lines). A limit <= 0 defaults to the ring's cap.
func (s *Store) RecentLogs(ctx context.Context, limit int) ([]LogEntry, error) {
	if limit <= 0 {
		limit = s.logRingCap
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, level, message, created_at FROM logs ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, pkgerrors.NewJobError("", "", "failed to read recent logs", pkgerrors.KindRetryable, err)
	}
	defer rows.Close()

	var entries []LogEntry
	for rows.Next() {
		var e LogEntry
		var jobID sql.NullString
		if err := rows.Scan(&e.ID, &jobID, &e.Level, &e.Message, &e.CreatedAt); err != nil {
			return nil, pkgerrors.NewJobError("", "", "failed to scan log entry", pkgerrors.KindRetryable, err)
		}
		e.JobID = jobID.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// dateRange enumerates every calendar date from from to until inclusive,
// both in "2006-01-02" form.
func dateRange(from, until string) ([]string, error) {
	fromT, err := time.Parse("2006-01-02", from)
	if err != nil {
		return nil, fmt.Errorf("invalid date_from %q: %w", from, err)
	}
	untilT, err := time.Parse("2006-01-02", until)
	if err != nil {
		return nil, fmt.Errorf("invalid date_until %q: %w", until, err)
	}
	if untilT.Before(fromT) {
		return nil, fmt.Errorf("date_until %q is before date_from %q", until, from)
	}

	var dates []string
	for d := fromT; !d.After(untilT); d = d.AddDate(0, 0, 1) {
		dates = append(dates, d.Format("2006-01-02"))
	}
	return dates, nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
