package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"stockbit-ingest/internal/jobstore"
	"stockbit-ingest/pkg/utils"
)

func newJobCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "job",
		Short:   "Manage historical running-trade backfill jobs",
		Aliases: []string{"jobs"},
	}

	cmd.AddCommand(newJobCreateCmd(app))
	cmd.AddCommand(newJobListCmd(app))
	cmd.AddCommand(newJobGetCmd(app))
	cmd.AddCommand(newJobPauseCmd(app))
	cmd.AddCommand(newJobResumeCmd(app))
	cmd.AddCommand(newJobCancelCmd(app))
	cmd.AddCommand(newJobLogsCmd(app))
	cmd.AddCommand(newJobTasksCmd(app))

	return cmd
}

func newJobCreateCmd(app *App) *cobra.Command {
	var tickers []string
	var dateFrom, dateUntil string
	var delay time.Duration

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create and start a new backfill job",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			var delayPtr *time.Duration
			if cmd.Flags().Changed("delay") {
				delayPtr = &delay
			}
			job, err := app.Facade.CreateJob(cmd.Context(), tickers, dateFrom, dateUntil, delayPtr)
			if err != nil {
				output.Error("Failed to create job: %v", err)
				return err
			}
			if output.IsJSON() {
				return output.JSON(job)
			}
			output.Success("Job created: %s", job.ID)
			printJobSummary(output, job)
			return nil
		},
	}

	// Repeated --ticker flag, cobra's own style for list flags -- matches
	// the teacher's own CLI commands that take multiple instruments.
	cmd.Flags().VarP((*pflagStringSlice)(&tickers), "ticker", "t", "ticker to backfill, repeatable")
	cmd.Flags().StringVar(&dateFrom, "from", "", "start date, YYYY-MM-DD")
	cmd.Flags().StringVar(&dateUntil, "until", "", "end date, YYYY-MM-DD")
	cmd.Flags().DurationVar(&delay, "delay", 500*time.Millisecond, "delay between page fetches")
	cmd.MarkFlagRequired("ticker")
	cmd.MarkFlagRequired("from")
	cmd.MarkFlagRequired("until")

	return cmd
}

// pflagStringSlice adapts a []string to pflag.Value so --ticker can be
// repeated, the way pflag.StringArray already works -- declared locally
// only because cmd.Flags().VarP needs a *pflag.Value, and StringArrayVar
// would work equally well; kept explicit here to exercise pflag's Value
// interface directly rather than only its convenience wrappers.
type pflagStringSlice []string

func (s *pflagStringSlice) String() string {
	return fmt.Sprintf("%v", *s)
}

func (s *pflagStringSlice) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func (s *pflagStringSlice) Type() string {
	return "stringSlice"
}

var _ pflag.Value = (*pflagStringSlice)(nil)

func printJobSummary(output *Output, job *jobstore.Job) {
	output.Printf("  Tickers:  %v\n", job.Tickers)
	output.Printf("  Range:    %s .. %s\n", job.DateFrom, job.DateUntil)
	output.Printf("  Status:   %s\n", output.StatusTag(string(job.Status)))
}

func newJobListCmd(app *App) *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			filter := jobstore.JobFilter{Status: jobstore.JobStatus(status)}
			jobs, err := app.Facade.ListJobs(cmd.Context(), filter)
			if err != nil {
				output.Error("Failed to list jobs: %v", err)
				return err
			}
			if output.IsJSON() {
				return output.JSON(jobs)
			}
			table := NewTable(output, "ID", "TICKERS", "RANGE", "STATUS", "ROWS")
			for _, job := range jobs {
				table.AddRow(job.ID, fmt.Sprintf("%v", job.Tickers),
					fmt.Sprintf("%s..%s", job.DateFrom, job.DateUntil),
					output.StatusTag(string(job.Status)),
					utils.FormatQuantity(job.RowsWritten))
			}
			table.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	return cmd
}

func newJobGetCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "get <job-id>",
		Short: "Show a job's detail and progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			view, err := app.Facade.GetJob(cmd.Context(), args[0])
			if err != nil {
				output.Error("Failed to get job: %v", err)
				return err
			}
			if output.IsJSON() {
				return output.JSON(view)
			}
			printJobSummary(output, &view.Job)
			output.Printf("  Rows:     %s\n", utils.FormatQuantity(view.Job.RowsWritten))
			output.Printf("  Errors:   %d\n", view.Job.ErrorCount)
			if view.Job.LastError != "" {
				output.Warning("  Last error: %s", view.Job.LastError)
			}
			output.Println()
			output.Bold("Tasks")
			output.Printf("  Total:       %d\n", view.Progress.Total)
			output.Printf("  Done:        %d\n", view.Progress.Done)
			output.Printf("  In progress: %d\n", view.Progress.InProgress)
			output.Printf("  Queued:      %d\n", view.Progress.Queued)
			output.Printf("  Skipped:     %d\n", view.Progress.Skipped)
			output.Printf("  Failed:      %d\n", view.Progress.Failed)
			return nil
		},
	}
}

func newJobPauseCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "pause <job-id>",
		Short: "Pause a running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if err := app.Facade.PauseJob(cmd.Context(), args[0]); err != nil {
				output.Error("Failed to pause job: %v", err)
				return err
			}
			output.Success("Job paused: %s", args[0])
			return nil
		},
	}
}

func newJobResumeCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <job-id>",
		Short: "Resume a paused job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if err := app.Facade.ResumeJob(cmd.Context(), args[0]); err != nil {
				output.Error("Failed to resume job: %v", err)
				return err
			}
			output.Success("Job resumed: %s", args[0])
			return nil
		},
	}
}

func newJobCancelCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a job permanently",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if err := app.Facade.CancelJob(cmd.Context(), args[0]); err != nil {
				output.Error("Failed to cancel job: %v", err)
				return err
			}
			output.Success("Job cancelled: %s", args[0])
			return nil
		},
	}
}

// newJobLogsCmd shows the process-wide log ring (spec.md §6:
// "recent_logs(limit)" takes no job_id -- LogEntry.job_id is itself
// optional, since log lines can come from streaming sessions or startup
// failures that have no owning job). --job filters the returned lines to
// one job client-side.
func newJobLogsCmd(app *App) *cobra.Command {
	var limit int
	var jobFilter string
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show recent log lines from the process-wide log ring",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			logs, err := app.Facade.RecentLogs(cmd.Context(), limit)
			if err != nil {
				output.Error("Failed to load logs: %v", err)
				return err
			}
			if jobFilter != "" {
				filtered := logs[:0]
				for _, entry := range logs {
					if entry.JobID == jobFilter {
						filtered = append(filtered, entry)
					}
				}
				logs = filtered
			}
			if output.IsJSON() {
				return output.JSON(logs)
			}
			for _, entry := range logs {
				jobID := entry.JobID
				if jobID == "" {
					jobID = "-"
				}
				output.Printf("[%s] %s %s %s\n", entry.CreatedAt.Format(time.RFC3339), entry.Level, jobID, entry.Message)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max number of log lines")
	cmd.Flags().StringVar(&jobFilter, "job", "", "only show log lines for this job ID")
	return cmd
}

func newJobTasksCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "tasks <job-id>",
		Short: "List a job's per-ticker-date tasks and their cursors",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			tasks, err := app.Facade.ListTasks(cmd.Context(), args[0])
			if err != nil {
				output.Error("Failed to list tasks: %v", err)
				return err
			}
			if output.IsJSON() {
				return output.JSON(tasks)
			}
			table := NewTable(output, "TICKER", "DATE", "STATUS", "CURSOR", "ROWS")
			for _, task := range tasks {
				cursor := jobstore.CursorNone
				if task.NextCursor != nil {
					cursor = *task.NextCursor
				}
				table.AddRow(task.Ticker, task.Date, output.StatusTag(string(task.Status)),
					cursor, utils.FormatQuantity(task.RowsWritten))
			}
			table.Render()
			return nil
		},
	}
}
