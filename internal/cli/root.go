// Package cli provides the command-line interface for the ingestion daemon.
package cli

import (
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"stockbit-ingest/internal/config"
	"stockbit-ingest/internal/control"
	"stockbit-ingest/internal/logging"
)

// Version information
const (
	Version   = "0.1.0"
	BuildDate = "2026-01-01"
)

// App holds the application dependencies the command tree closes over.
// Everything the CLI does goes through Facade -- no command ever talks
// to internal/credential, internal/jobstore, internal/scheduler, or
// internal/stream directly.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	Facade *control.Facade
}

// NewRootCmd creates the root command for the CLI. cfg and logger are
// already loaded; facade is already wired over running components
// (typically by cmd/ingestd/main.go).
func NewRootCmd(cfg *config.Config, logger zerolog.Logger, facade *control.Facade) *cobra.Command {
	app := &App{
		Config: cfg,
		Logger: logger,
		Facade: facade,
	}

	rootCmd := &cobra.Command{
		Use:   "ingestctl",
		Short: "Stockbit market-data ingestion control CLI",
		Long: `ingestctl drives the Stockbit ingestion daemon: set the bearer token,
run historical backfill jobs, manage live order-book streaming sessions,
and inspect the CSV files both produce.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			debug, _ := cmd.Flags().GetBool("debug")
			if debug {
				logging.SetDebugLevel()
				app.Logger = app.Logger.Level(zerolog.DebugLevel)
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().String("config", "", "config directory (default: ~/.config/stockbit-ingest)")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newConfigCmd(app))
	rootCmd.AddCommand(newCredentialCmd(app))
	rootCmd.AddCommand(newJobCmd(app))
	rootCmd.AddCommand(newStreamCmd(app))
	rootCmd.AddCommand(newFilesCmd(app))
	rootCmd.AddCommand(newMarketCmd(app))

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{
					"version":    Version,
					"build_date": BuildDate,
				})
			} else {
				output.Printf("stockbit-ingest v%s\n", Version)
				output.Dim("Build date: %s", BuildDate)
			}
		},
	}
}

func newConfigCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
		Long:  "View and manage application configuration.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(app.Config)
			}
			return showConfig(output, app.Config)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show configuration directory path",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{"path": config.DefaultConfigDir()})
			} else {
				output.Println(config.DefaultConfigDir())
			}
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration files",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if err := app.Config.Validate(); err != nil {
				output.Error("Configuration validation failed: %v", err)
				return err
			}
			if output.IsJSON() {
				output.JSON(map[string]bool{"valid": true})
			} else {
				output.Success("Configuration is valid")
			}
			return nil
		},
	})

	return cmd
}

func showConfig(output *Output, cfg *config.Config) error {
	output.Bold("Stockbit Endpoints")
	output.Printf("  Running Trade:   %s\n", cfg.Stockbit.RunningTradeURL)
	output.Printf("  Trading Key:     %s\n", cfg.Stockbit.TradingKeyURL)
	output.Printf("  WebSocket:       %s\n", cfg.Stockbit.WebSocketURL)
	output.Printf("  Page Limit:      %d\n", cfg.Stockbit.PageLimit)
	output.Printf("  Requests/sec:    %.1f\n", cfg.Stockbit.RequestsPerSecond)
	output.Println()

	output.Bold("Storage")
	output.Printf("  Data Dir:        %s\n", cfg.Storage.DataDir)
	output.Printf("  Job DB:          %s\n", cfg.Storage.JobDBPath)
	output.Printf("  Rotation TZ:     %s\n", cfg.Storage.RotationTimezone)
	output.Println()

	output.Bold("Scheduler")
	output.Printf("  Page Delay:      %s\n", cfg.Scheduler.PageDelay)
	output.Printf("  Max Retries:     %d\n", cfg.Scheduler.MaxRetries)
	output.Printf("  Retry Backoff:   %s .. %s\n", cfg.Scheduler.RetryBackoff, cfg.Scheduler.MaxRetryBackoff)
	output.Println()

	output.Bold("Streaming")
	output.Printf("  Backoff:         %s .. %s\n", cfg.Stream.BaseBackoff, cfg.Stream.MaxBackoff)
	output.Printf("  Heartbeat:       %s\n", cfg.Stream.HeartbeatInterval)

	return nil
}
