package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// latestUpdate returns the most recent per-ticker update time in updates,
// or the zero time if updates is empty.
func latestUpdate(updates map[string]time.Time) time.Time {
	var latest time.Time
	for _, t := range updates {
		if t.After(latest) {
			latest = t
		}
	}
	return latest
}

func newStreamCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Manage live order-book streaming sessions",
	}

	cmd.AddCommand(newStreamStartCmd(app))
	cmd.AddCommand(newStreamListCmd(app))
	cmd.AddCommand(newStreamGetCmd(app))
	cmd.AddCommand(newStreamStopCmd(app))
	cmd.AddCommand(newStreamReapCmd(app))

	return cmd
}

func newStreamStartCmd(app *App) *cobra.Command {
	var tickers pflagStringSlice
	var sessionID string
	var maxRetries int

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a streaming session subscribed to one or more tickers",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			var maxRetriesPtr *int
			if cmd.Flags().Changed("max-retries") {
				maxRetriesPtr = &maxRetries
			}
			id, err := app.Facade.StartStream(cmd.Context(), []string(tickers), sessionID, maxRetriesPtr)
			if err != nil {
				output.Error("Failed to start stream: %v", err)
				return err
			}
			if output.IsJSON() {
				return output.JSON(map[string]string{"session_id": id})
			}
			output.Success("Stream started: %s", id)
			return nil
		},
	}
	cmd.Flags().VarP(&tickers, "ticker", "t", "ticker to subscribe, repeatable")
	cmd.Flags().StringVar(&sessionID, "session-id", "", "caller-chosen session ID (default: generated)")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "accepted for interface parity; streaming sessions retry indefinitely until stopped")
	cmd.MarkFlagRequired("ticker")

	return cmd
}

func newStreamListCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List live streaming sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			sessions := app.Facade.ListStreams(cmd.Context())
			if output.IsJSON() {
				return output.JSON(sessions)
			}
			table := NewTable(output, "SESSION", "STATE", "TICKERS", "ATTEMPT", "RECONNECTS", "LAST UPDATE")
			for _, s := range sessions {
				last := latestUpdate(s.LastUpdate)
				lastStr := "-"
				if !last.IsZero() {
					lastStr = last.Format("15:04:05")
				}
				table.AddRow(s.SessionID, output.StatusTag(string(s.State)),
					fmt.Sprintf("%v", s.Tickers),
					fmt.Sprintf("%d", s.ReconnectAttempt),
					fmt.Sprintf("%d", s.TotalReconnects),
					lastStr)
			}
			table.Render()
			return nil
		},
	}
}

func newStreamGetCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "get <session-id>",
		Short: "Show one streaming session's stats",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			stats, err := app.Facade.GetStream(cmd.Context(), args[0])
			if err != nil {
				output.Error("Failed to get stream: %v", err)
				return err
			}
			if output.IsJSON() {
				return output.JSON(stats)
			}
			output.Printf("  State:      %s\n", output.StatusTag(string(stats.State)))
			output.Printf("  Tickers:    %v\n", stats.Tickers)
			output.Printf("  Attempt:    %d\n", stats.ReconnectAttempt)
			output.Printf("  Reconnects: %d\n", stats.TotalReconnects)
			if stats.LastError != "" {
				output.Printf("  Last error: %s\n", stats.LastError)
			}
			output.Printf("  Messages:   %v\n", stats.MessageCounts)
			return nil
		},
	}
}

func newStreamStopCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <session-id>",
		Short: "Stop a streaming session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if err := app.Facade.StopStream(cmd.Context(), args[0]); err != nil {
				output.Error("Failed to stop stream: %v", err)
				return err
			}
			output.Success("Stream stopped: %s", args[0])
			output.Printf("  (stats stay visible under 'stream list'/'stream get' until 'stream reap')\n")
			return nil
		},
	}
}

// newStreamReapCmd drops every stopped or errored session from the live
// set, so "stream list" stops showing sessions that were stopped long
// ago, and a caller-chosen session ID frees up for reuse.
func newStreamReapCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "reap",
		Short: "Remove stopped/errored sessions from the live set",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			app.Facade.ReapStreams(cmd.Context())
			output.Success("Reaped stopped streaming sessions")
			return nil
		},
	}
}
