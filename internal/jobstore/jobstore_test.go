package jobstore

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, "jobs.db"), 10)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestCreateJob_CreatesOneTaskPerTickerDate(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	job := Job{
		ID:        "job1",
		Tickers:   []string{"BBRI", "BBCA"},
		DateFrom:  "2025-11-03",
		DateUntil: "2025-11-04",
		Status:    JobQueued,
	}
	if err := store.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	tasks, err := store.ListTasks(ctx, "job1")
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(tasks) != 4 {
		t.Fatalf("got %d tasks, want 4 (2 tickers x 2 dates)", len(tasks))
	}
	for _, task := range tasks {
		if task.Status != TaskQueued {
			t.Errorf("task %s/%s status = %s, want queued", task.Ticker, task.Date, task.Status)
		}
	}
}

func TestLoadJob_NotFound(t *testing.T) {
	store := openTestStore(t)
	_, err := store.LoadJob(context.Background(), "nonexistent")
	if err == nil {
		t.Fatal("expected error for missing job")
	}
}

func TestUpdateTask_MovesCursorAndStatusAtomically(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	job := Job{ID: "job1", Tickers: []string{"BBRI"}, DateFrom: "2025-11-03", DateUntil: "2025-11-03", Status: JobRunning}
	if err := store.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	cursor := "X"
	if err := store.UpdateTask(ctx, "job1", "BBRI", "2025-11-03", TaskInProgress, &cursor, 2); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}

	task, err := store.LoadTask(ctx, "job1", "BBRI", "2025-11-03")
	if err != nil {
		t.Fatalf("LoadTask: %v", err)
	}
	if task.NextCursor == nil || *task.NextCursor != "X" {
		t.Errorf("NextCursor = %v, want X", task.NextCursor)
	}
	if task.RowsWritten != 2 {
		t.Errorf("RowsWritten = %d, want 2", task.RowsWritten)
	}
	if task.Status != TaskInProgress {
		t.Errorf("Status = %s, want in_progress", task.Status)
	}

	job2, err := store.LoadJob(ctx, "job1")
	if err != nil {
		t.Fatalf("LoadJob: %v", err)
	}
	if job2.RowsWritten != 2 {
		t.Errorf("job RowsWritten = %d, want 2", job2.RowsWritten)
	}
	if job2.PagesFetched != 1 {
		t.Errorf("job PagesFetched = %d, want 1", job2.PagesFetched)
	}
}

func TestUpdateTask_ZeroDeltaDoesNotBumpPagesFetched(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	job := Job{ID: "job1", Tickers: []string{"BBRI"}, DateFrom: "2025-11-03", DateUntil: "2025-11-03", Status: JobRunning}
	if err := store.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := store.UpdateTask(ctx, "job1", "BBRI", "2025-11-03", TaskDone, nil, 0); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	job2, err := store.LoadJob(ctx, "job1")
	if err != nil {
		t.Fatalf("LoadJob: %v", err)
	}
	if job2.PagesFetched != 0 {
		t.Errorf("PagesFetched = %d, want 0 for a zero-row page", job2.PagesFetched)
	}
}

func TestPickNextRunnable_OnlyFromRunningJobs(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	queuedJob := Job{ID: "job-queued", Tickers: []string{"BBRI"}, DateFrom: "2025-11-03", DateUntil: "2025-11-03", Status: JobQueued}
	runningJob := Job{ID: "job-running", Tickers: []string{"BBCA"}, DateFrom: "2025-11-03", DateUntil: "2025-11-03", Status: JobRunning}
	if err := store.CreateJob(ctx, queuedJob); err != nil {
		t.Fatalf("CreateJob queued: %v", err)
	}
	if err := store.CreateJob(ctx, runningJob); err != nil {
		t.Fatalf("CreateJob running: %v", err)
	}

	task, err := store.PickNextRunnable(ctx, "any")
	if err != nil {
		t.Fatalf("PickNextRunnable: %v", err)
	}
	if task == nil {
		t.Fatal("PickNextRunnable returned nil, want the running job's task")
	}
	if task.JobID != "job-running" {
		t.Errorf("JobID = %q, want job-running (queued jobs aren't runnable)", task.JobID)
	}
}

func TestPickNextRunnable_NoneAvailableReturnsNil(t *testing.T) {
	store := openTestStore(t)
	task, err := store.PickNextRunnable(context.Background(), "any")
	if err != nil {
		t.Fatalf("PickNextRunnable: %v", err)
	}
	if task != nil {
		t.Errorf("task = %+v, want nil", task)
	}
}

func TestReturnTaskToQueued_PreservesCursor(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	job := Job{ID: "job1", Tickers: []string{"BBRI"}, DateFrom: "2025-11-03", DateUntil: "2025-11-03", Status: JobRunning}
	if err := store.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	cursor := "cursor-X"
	if err := store.UpdateTask(ctx, "job1", "BBRI", "2025-11-03", TaskInProgress, &cursor, 5); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	if err := store.ReturnTaskToQueued(ctx, "job1", "BBRI", "2025-11-03"); err != nil {
		t.Fatalf("ReturnTaskToQueued: %v", err)
	}

	task, err := store.LoadTask(ctx, "job1", "BBRI", "2025-11-03")
	if err != nil {
		t.Fatalf("LoadTask: %v", err)
	}
	if task.Status != TaskQueued {
		t.Errorf("Status = %s, want queued", task.Status)
	}
	if task.NextCursor == nil || *task.NextCursor != "cursor-X" {
		t.Errorf("NextCursor = %v, want cursor-X preserved", task.NextCursor)
	}
}

func TestReclaimInProgress_OnRestart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "jobs.db")

	store, err := Open(path, 10)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ctx := context.Background()
	job := Job{ID: "job1", Tickers: []string{"BBRI"}, DateFrom: "2025-11-03", DateUntil: "2025-11-03", Status: JobRunning}
	if err := store.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	cursor := "stuck-cursor"
	if err := store.UpdateTask(ctx, "job1", "BBRI", "2025-11-03", TaskInProgress, &cursor, 3); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	store.Close() // simulate a crash: task is left in_progress

	reopened, err := Open(path, 10)
	if err != nil {
		t.Fatalf("re-Open: %v", err)
	}
	defer reopened.Close()

	task, err := reopened.LoadTask(ctx, "job1", "BBRI", "2025-11-03")
	if err != nil {
		t.Fatalf("LoadTask: %v", err)
	}
	if task.Status != TaskQueued {
		t.Errorf("Status = %s, want queued after restart reclaim", task.Status)
	}
	if task.NextCursor == nil || *task.NextCursor != "stuck-cursor" {
		t.Errorf("NextCursor = %v, want stuck-cursor preserved across restart", task.NextCursor)
	}
}

func TestCancelJobTasks_SkipsNonTerminalOnly(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	job := Job{ID: "job1", Tickers: []string{"BBRI", "BBCA"}, DateFrom: "2025-11-03", DateUntil: "2025-11-03", Status: JobRunning}
	if err := store.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := store.UpdateTask(ctx, "job1", "BBRI", "2025-11-03", TaskDone, nil, 1); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}

	if err := store.CancelJobTasks(ctx, "job1"); err != nil {
		t.Fatalf("CancelJobTasks: %v", err)
	}

	doneTask, err := store.LoadTask(ctx, "job1", "BBRI", "2025-11-03")
	if err != nil {
		t.Fatalf("LoadTask BBRI: %v", err)
	}
	if doneTask.Status != TaskDone {
		t.Errorf("already-done task status = %s, want done (unaffected by cancel)", doneTask.Status)
	}

	queuedTask, err := store.LoadTask(ctx, "job1", "BBCA", "2025-11-03")
	if err != nil {
		t.Fatalf("LoadTask BBCA: %v", err)
	}
	if queuedTask.Status != TaskSkipped {
		t.Errorf("queued task status = %s, want skipped", queuedTask.Status)
	}
}

func TestProgress_AggregatesTaskStatuses(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	job := Job{ID: "job1", Tickers: []string{"A", "B", "C"}, DateFrom: "2025-11-03", DateUntil: "2025-11-03", Status: JobRunning}
	if err := store.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := store.UpdateTask(ctx, "job1", "A", "2025-11-03", TaskDone, nil, 1); err != nil {
		t.Fatalf("UpdateTask A: %v", err)
	}
	if err := store.UpdateTask(ctx, "job1", "B", "2025-11-03", TaskFailed, nil, 0); err != nil {
		t.Fatalf("UpdateTask B: %v", err)
	}

	progress, err := store.Progress(ctx, "job1")
	if err != nil {
		t.Fatalf("Progress: %v", err)
	}
	if progress.Total != 3 || progress.Done != 1 || progress.Failed != 1 || progress.Queued != 1 {
		t.Errorf("progress = %+v, want Total=3 Done=1 Failed=1 Queued=1", progress)
	}
	if progress.IsTerminal() {
		t.Error("IsTerminal() = true, want false (one task still queued)")
	}
}

func TestProgress_IsTerminalWhenAllDoneOrSkipped(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	job := Job{ID: "job1", Tickers: []string{"A", "B"}, DateFrom: "2025-11-03", DateUntil: "2025-11-03", Status: JobRunning}
	if err := store.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := store.UpdateTask(ctx, "job1", "A", "2025-11-03", TaskDone, nil, 1); err != nil {
		t.Fatalf("UpdateTask A: %v", err)
	}
	if err := store.UpdateTask(ctx, "job1", "B", "2025-11-03", TaskSkipped, nil, 0); err != nil {
		t.Fatalf("UpdateTask B: %v", err)
	}
	progress, err := store.Progress(ctx, "job1")
	if err != nil {
		t.Fatalf("Progress: %v", err)
	}
	if !progress.IsTerminal() {
		t.Error("IsTerminal() = false, want true")
	}
}

func TestAppendLog_CapsRingSize(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, "jobs.db"), 5)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		if err := store.AppendLog(ctx, "job1", "info", "line"); err != nil {
			t.Fatalf("AppendLog %d: %v", i, err)
		}
	}

	entries, err := store.RecentLogs(ctx, 0)
	if err != nil {
		t.Fatalf("RecentLogs: %v", err)
	}
	if len(entries) != 5 {
		t.Fatalf("got %d log entries, want capped at 5", len(entries))
	}
}

func TestAppendLog_EmptyJobIDIsAbsent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	if err := store.AppendLog(ctx, "", "info", "process-wide event"); err != nil {
		t.Fatalf("AppendLog: %v", err)
	}
	entries, err := store.RecentLogs(ctx, 0)
	if err != nil {
		t.Fatalf("RecentLogs: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	if entries[0].JobID != "" {
		t.Errorf("JobID = %q, want empty (absent)", entries[0].JobID)
	}
}

func TestRecentLogs_NewestFirst(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	for _, msg := range []string{"first", "second", "third"} {
		if err := store.AppendLog(ctx, "job1", "info", msg); err != nil {
			t.Fatalf("AppendLog: %v", err)
		}
	}
	entries, err := store.RecentLogs(ctx, 0)
	if err != nil {
		t.Fatalf("RecentLogs: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	if entries[0].Message != "third" {
		t.Errorf("entries[0].Message = %q, want third (newest first)", entries[0].Message)
	}
}

func TestUpdateTask_UnknownTaskReturnsNotFound(t *testing.T) {
	store := openTestStore(t)
	err := store.UpdateTask(context.Background(), "nope", "X", "2025-01-01", TaskDone, nil, 0)
	if err == nil {
		t.Fatal("expected error updating a nonexistent task")
	}
}

func TestCreateJob_InvalidDateRange(t *testing.T) {
	store := openTestStore(t)
	job := Job{ID: "job1", Tickers: []string{"A"}, DateFrom: "2025-11-05", DateUntil: "2025-11-01"}
	if err := store.CreateJob(context.Background(), job); err == nil {
		t.Fatal("expected error for date_until before date_from")
	}
}
