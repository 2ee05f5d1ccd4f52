// Command ingestd is the Stockbit market-data ingestion daemon. It wires
// the credential store, job store, REST client, CSV sink and streaming
// manager into a control.Facade and exposes the same cobra command tree
// internal/cli builds, with `serve` additionally starting the historical
// job scheduler's worker loop and blocking until an interrupt or the
// scheduler's own shutdown window elapses.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"stockbit-ingest/internal/cli"
	"stockbit-ingest/internal/config"
	"stockbit-ingest/internal/control"
	"stockbit-ingest/internal/credential"
	"stockbit-ingest/internal/csvsink"
	"stockbit-ingest/internal/jobstore"
	"stockbit-ingest/internal/logging"
	"stockbit-ingest/internal/resilience"
	"stockbit-ingest/internal/restclient"
	"stockbit-ingest/internal/scheduler"
	"stockbit-ingest/internal/stream"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "ingestd:", err)
		os.Exit(1)
	}
}

func run() error {
	configDir, _ := peekConfigFlag(os.Args[1:])

	cfg, err := config.Load(configDir)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLoggerWithConfig(logging.LogConfig{
		Level:      cfg.Logging.Level,
		Console:    cfg.Logging.Console,
		File:       cfg.Logging.File,
		FilePath:   cfg.Logging.FilePath,
		MaxSize:    cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAgeDays,
	})

	cred, err := credential.Open(config.CredentialPath(configDir))
	if err != nil {
		return fmt.Errorf("opening credential store: %w", err)
	}

	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	sink := csvsink.New(cfg.Storage.DataDir)

	jobs, err := jobstore.Open(cfg.Storage.JobDBPath, cfg.Scheduler.LogRingSize)
	if err != nil {
		return fmt.Errorf("opening job store: %w", err)
	}
	defer jobs.Close()

	cb := resilience.NewCircuitBreaker("stockbit-rest", resilience.DefaultCircuitBreakerConfig())
	rest := restclient.New(restclient.Config{
		RunningTradeURL:   cfg.Stockbit.RunningTradeURL,
		TradingKeyURL:     cfg.Stockbit.TradingKeyURL,
		RequestTimeout:    cfg.Stockbit.RequestTimeout,
		PageLimit:         cfg.Stockbit.PageLimit,
		RequestsPerSecond: cfg.Stockbit.RequestsPerSecond,
	}, cred, cb, logger)

	streams := stream.NewManager(userIDString(cred.GetStatus().UserID), cfg.Stockbit.WebSocketURL, cred, rest, sink, stream.Config{
		BaseBackoff:       cfg.Stream.BaseBackoff,
		MaxBackoff:        cfg.Stream.MaxBackoff,
		HeartbeatInterval: cfg.Stream.HeartbeatInterval,
		PongTimeout:       cfg.Stream.PongTimeout,
		WriteTimeout:      cfg.Stream.WriteTimeout,
	}, logger)

	sched := scheduler.New(jobs, rest, sink, cred, scheduler.Config{
		PollInterval:    1 * time.Second,
		MaxRetries:      cfg.Scheduler.MaxRetries,
		RetryBackoff:    cfg.Scheduler.RetryBackoff,
		MaxRetryBackoff: cfg.Scheduler.MaxRetryBackoff,
	}, logger)

	facade := control.New(cred, jobs, streams, sink)
	root := cli.NewRootCmd(cfg, logger, facade)
	root.AddCommand(newServeCmd(sched, streams, sink, logger))

	return root.Execute()
}

// newServeCmd starts the scheduler's worker loop and blocks until an
// interrupt or termination signal, then shuts the scheduler and every
// live streaming session down within a bounded window, per spec.md §5's
// process-shutdown requirement.
func newServeCmd(sched *scheduler.Scheduler, streams *stream.Manager, sink *csvsink.Sink, logger zerolog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the ingestion daemon: historical scheduler worker + live streams",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			sched.Start(ctx)
			logger.Info().Msg("scheduler worker started")

			<-ctx.Done()
			logger.Info().Msg("shutdown signal received, draining")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if err := sched.Shutdown(shutdownCtx); err != nil {
				logger.Error().Err(err).Msg("scheduler shutdown error")
			}
			if err := streams.StopAll(shutdownCtx); err != nil {
				logger.Error().Err(err).Msg("stream manager shutdown error")
			}
			if err := sink.CloseAll(); err != nil {
				logger.Error().Err(err).Msg("csv sink shutdown error")
			}
			return nil
		},
	}
}

// userIDString renders a credential.Status.UserID for the subscription
// codec, which takes the user ID as a decimal string and writes it as a
// varint on the wire; "" (no claim decoded) encodes as field value 0, the
// same as any other unparseable ID.
func userIDString(userID *int) string {
	if userID == nil {
		return ""
	}
	return strconv.Itoa(*userID)
}

// peekConfigFlag extracts --config's value without running cobra, since
// the config directory must be known before Config.Load builds the root
// command's own --config flag.
func peekConfigFlag(args []string) (string, bool) {
	for i, a := range args {
		if a == "--config" && i+1 < len(args) {
			return args[i+1], true
		}
		if len(a) > len("--config=") && a[:len("--config=")] == "--config=" {
			return a[len("--config="):], true
		}
	}
	return "", false
}

