package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"stockbit-ingest/internal/csvsink"
)

func newFilesCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "files",
		Short: "Inspect the CSV files the daemon has written",
	}

	cmd.AddCommand(newFilesListCmd(app))
	cmd.AddCommand(newFilesCatCmd(app))

	return cmd
}

func newFilesListCmd(app *App) *cobra.Command {
	var dataset string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List CSV files, optionally filtered by dataset",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			files, err := app.Facade.ListCSV(cmd.Context(), csvsink.Dataset(dataset))
			if err != nil {
				output.Error("Failed to list files: %v", err)
				return err
			}
			if output.IsJSON() {
				return output.JSON(files)
			}
			table := NewTable(output, "DATASET", "TICKER", "DATE", "SIZE", "PATH")
			for _, f := range files {
				table.AddRow(string(f.Dataset), f.Ticker, f.Date, formatSize(f.SizeBytes), f.Path)
			}
			table.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&dataset, "dataset", "", "running_trade or orderbook; empty lists both")
	return cmd
}

func newFilesCatCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "cat <path>",
		Short: "Print a CSV file's contents to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			file, err := app.Facade.OpenCSVForRead(cmd.Context(), args[0])
			if err != nil {
				output.Error("Failed to open file: %v", err)
				return err
			}
			defer file.Close()
			_, err = io.Copy(output.writer, file)
			return err
		},
	}
}

func formatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%dB", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
