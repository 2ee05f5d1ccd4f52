package cli

import (
	"github.com/spf13/cobra"

	"stockbit-ingest/pkg/utils"
)

// newMarketCmd reports IDX trading-session state, so an operator deciding
// whether to kick off a backfill job or a streaming session knows whether
// the broker's endpoints are inside a live session right now.
func newMarketCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "market",
		Short: "Show IDX trading session status",
	}
	cmd.AddCommand(newMarketStatusCmd(app))
	return cmd
}

func newMarketStatusCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether IDX is currently open",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			info := utils.GetMarketStatus()
			if output.IsJSON() {
				return output.JSON(map[string]interface{}{
					"is_open":   info.IsOpen,
					"status":    string(info.Status),
					"reason":    info.Reason,
					"session":   info.Session,
					"now":       info.Now,
					"next_open": info.NextOpen,
				})
			}
			if info.IsOpen {
				output.Success("IDX is OPEN (session %d) -- %s", info.Session, info.Reason)
			} else {
				output.Warning("IDX is CLOSED -- %s", info.Reason)
				if !info.NextOpen.IsZero() {
					output.Printf("  Next open: %s (in %s)\n", info.NextOpen.Format("2006-01-02 15:04 MST"), utils.TimeUntilNextOpen())
				}
			}
			return nil
		},
	}
}
