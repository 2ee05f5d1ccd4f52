package control

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"stockbit-ingest/internal/credential"
	"stockbit-ingest/internal/csvsink"
	pkgerrors "stockbit-ingest/internal/errors"
	"stockbit-ingest/internal/jobstore"
)

func newTestFacade(t *testing.T) *Facade {
	t.Helper()
	cred, err := credential.Open(filepath.Join(t.TempDir(), "token.json"))
	if err != nil {
		t.Fatalf("credential.Open: %v", err)
	}
	jobs, err := jobstore.Open(filepath.Join(t.TempDir(), "jobs.db"), 100)
	if err != nil {
		t.Fatalf("jobstore.Open: %v", err)
	}
	t.Cleanup(func() { jobs.Close() })
	sink := csvsink.New(t.TempDir())
	return New(cred, jobs, nil, sink)
}

func TestFacade_CreateJobStartsImmediately(t *testing.T) {
	f := newTestFacade(t)
	job, err := f.CreateJob(context.Background(), []string{"BBRI"}, "2025-11-03", "2025-11-03", nil)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if job.Status != jobstore.JobRunning {
		t.Errorf("Status = %s, want running immediately after create", job.Status)
	}
	if job.DelayBetweenRequests != 500*time.Millisecond {
		t.Errorf("DelayBetweenRequests = %v, want the 500ms default", job.DelayBetweenRequests)
	}
}

func TestFacade_CreateJobRejectsEmptyTickers(t *testing.T) {
	f := newTestFacade(t)
	_, err := f.CreateJob(context.Background(), nil, "2025-11-03", "2025-11-03", nil)
	if err == nil {
		t.Fatal("expected a validation error for empty tickers")
	}
}

func TestFacade_CreateJobRejectsMissingDates(t *testing.T) {
	f := newTestFacade(t)
	_, err := f.CreateJob(context.Background(), []string{"BBRI"}, "", "2025-11-03", nil)
	if err == nil {
		t.Fatal("expected a validation error for a missing date_from")
	}
}

func TestFacade_PauseJobIsIdempotent(t *testing.T) {
	f := newTestFacade(t)
	ctx := context.Background()
	job, err := f.CreateJob(ctx, []string{"BBRI"}, "2025-11-03", "2025-11-03", nil)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := f.PauseJob(ctx, job.ID); err != nil {
		t.Fatalf("first Pause: %v", err)
	}
	if err := f.PauseJob(ctx, job.ID); err != nil {
		t.Fatalf("second Pause (idempotent) should not error: %v", err)
	}
	view, err := f.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if view.Job.Status != jobstore.JobPaused {
		t.Errorf("Status = %s, want paused", view.Job.Status)
	}
}

func TestFacade_ResumeJobFromAuthPaused(t *testing.T) {
	f := newTestFacade(t)
	ctx := context.Background()
	job, err := f.CreateJob(ctx, []string{"BBRI"}, "2025-11-03", "2025-11-03", nil)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := f.jobs.UpdateJobStatus(ctx, job.ID, jobstore.JobAuthPaused); err != nil {
		t.Fatalf("UpdateJobStatus: %v", err)
	}
	if err := f.ResumeJob(ctx, job.ID); err != nil {
		t.Fatalf("ResumeJob: %v", err)
	}
	view, err := f.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if view.Job.Status != jobstore.JobRunning {
		t.Errorf("Status = %s, want running after resume", view.Job.Status)
	}
}

func TestFacade_CancelJobMarksCancelledAndKeepsProgress(t *testing.T) {
	f := newTestFacade(t)
	ctx := context.Background()
	job, err := f.CreateJob(ctx, []string{"BBRI", "BBCA"}, "2025-11-03", "2025-11-03", nil)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := f.jobs.UpdateTask(ctx, job.ID, "BBRI", "2025-11-03", jobstore.TaskDone, nil, 7); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	if err := f.CancelJob(ctx, job.ID); err != nil {
		t.Fatalf("CancelJob: %v", err)
	}
	view, err := f.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if view.Job.Status != jobstore.JobCancelled {
		t.Errorf("Status = %s, want cancelled", view.Job.Status)
	}
	if view.Job.RowsWritten != 7 {
		t.Errorf("RowsWritten = %d, want 7 preserved after cancel", view.Job.RowsWritten)
	}
}

func TestFacade_ListTasksReturnsPerTickerDateDetail(t *testing.T) {
	f := newTestFacade(t)
	ctx := context.Background()
	job, err := f.CreateJob(ctx, []string{"BBRI", "BBCA"}, "2025-11-03", "2025-11-03", nil)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	cursor := "X"
	if err := f.jobs.UpdateTask(ctx, job.ID, "BBRI", "2025-11-03", jobstore.TaskInProgress, &cursor, 2); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	tasks, err := f.ListTasks(ctx, job.ID)
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("len(tasks) = %d, want 2", len(tasks))
	}
	for _, task := range tasks {
		if task.Ticker == "BBRI" {
			if task.NextCursor == nil || *task.NextCursor != "X" {
				t.Errorf("BBRI next_cursor = %v, want X", task.NextCursor)
			}
			if task.RowsWritten != 2 {
				t.Errorf("BBRI rows_written = %d, want 2", task.RowsWritten)
			}
		}
	}
	if _, err := f.ListTasks(ctx, "not a valid job id!!"); err == nil {
		t.Error("expected a validation error for a malformed job id")
	}
}

func TestFacade_StreamingWithoutManagerReturnsClearError(t *testing.T) {
	f := newTestFacade(t)
	ctx := context.Background()

	if _, err := f.StartStream(ctx, []string{"BBRI"}, "", nil); err == nil {
		t.Error("expected an error starting a stream with no manager wired")
	}
	if got := f.ListStreams(ctx); got != nil {
		t.Errorf("ListStreams = %v, want nil", got)
	}
	if _, err := f.GetStream(ctx, "anything"); err != pkgerrors.ErrSessionNotFound {
		t.Errorf("GetStream err = %v, want ErrSessionNotFound", err)
	}
	if err := f.StopStream(ctx, "anything"); err != pkgerrors.ErrSessionNotFound {
		t.Errorf("StopStream err = %v, want ErrSessionNotFound", err)
	}
}

func TestFacade_ListCSVFiltersByDataset(t *testing.T) {
	f := newTestFacade(t)
	if err := f.sink.AppendRunningTrade("BBRI", "2025-11-03", csvsink.RunningTradeRow{ID: "1"}); err != nil {
		t.Fatalf("seed running trade: %v", err)
	}
	if err := f.sink.AppendOrderbookLevel("BBCA", time.Date(2025, 11, 3, 10, 0, 0, 0, time.UTC), csvsink.OrderbookRow{Price: "1"}); err != nil {
		t.Fatalf("seed orderbook: %v", err)
	}

	files, err := f.ListCSV(context.Background(), csvsink.RunningTrade)
	if err != nil {
		t.Fatalf("ListCSV: %v", err)
	}
	if len(files) != 1 || files[0].Dataset != csvsink.RunningTrade {
		t.Errorf("ListCSV(RunningTrade) = %+v, want exactly one running_trade file", files)
	}

	all, err := f.ListCSV(context.Background(), "")
	if err != nil {
		t.Fatalf("ListCSV all: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("ListCSV(\"\") = %d files, want 2", len(all))
	}
}

func TestFacade_CredentialRoundTrip(t *testing.T) {
	f := newTestFacade(t)
	ctx := context.Background()

	if err := f.SetToken(ctx, "", ""); err == nil {
		t.Error("expected an error setting an empty token")
	}
	if err := f.SetToken(ctx, "tok123", "a=b"); err != nil {
		t.Fatalf("SetToken: %v", err)
	}
	status := f.GetStatus(ctx)
	if !status.HasToken {
		t.Error("HasToken = false after SetToken")
	}
	if err := f.ClearCredential(ctx); err != nil {
		t.Fatalf("ClearCredential: %v", err)
	}
	if f.GetStatus(ctx).HasToken {
		t.Error("HasToken = true after ClearCredential")
	}
}
