// Command tailsource runs the tailing file source as a standalone process,
// polling on an interval that doubles (up to 30s) while cycles produce no
// records, and handing records to an in-memory channel
// (a real deployment wires in its own downstream Channel implementation).
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
//   - Components scope loggers with their own attributes
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"tailsource/internal/channel"
	"tailsource/internal/engine"
	"tailsource/internal/statedir"
)

var version = "dev"

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	rootCmd := &cobra.Command{
		Use:   "tailsource",
		Short: "Tailing file source",
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Poll configured file groups and emit records",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			pollInterval, _ := cmd.Flags().GetDuration("poll-interval")
			watch, _ := cmd.Flags().GetBool("watch-config")

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			return run(ctx, logger, configPath, pollInterval, watch)
		},
	}
	runCmd.Flags().String("config", "", "path to a TOML configuration file (required)")
	runCmd.Flags().Duration("poll-interval", 2*time.Second, "interval between process() cycles")
	runCmd.Flags().Bool("watch-config", false, "hot-reload the engine when the config file changes")
	_ = runCmd.MarkFlagRequired("config")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	rootCmd.AddCommand(runCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, configPath string, pollInterval time.Duration, watch bool) error {
	flat, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	state, err := statedir.Default()
	if err != nil {
		logger.Warn("could not determine state directory, instance id will not persist across restarts", "error", err)
	} else if err := state.EnsureExists(); err != nil {
		logger.Warn("could not create state directory, instance id will not persist across restarts", "error", err)
	} else {
		if flat["positionFile"] == "" {
			flat["positionFile"] = state.PositionFile()
		}
		if id, err := state.InstanceID(); err != nil {
			logger.Warn("could not persist instance id", "error", err)
		} else {
			flat["instanceID"] = id
		}
	}

	ch := channel.NewMemory()
	e, err := engine.Configure(ctx, flat, ch, logger)
	if err != nil {
		return fmt.Errorf("configure engine: %w", err)
	}
	if err := e.Start(); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	defer func() {
		if err := e.Stop(); err != nil {
			logger.Error("stop failed", "error", err)
		}
	}()

	var reload *configWatcher
	if watch {
		reload, err = watchConfig(configPath, logger)
		if err != nil {
			logger.Warn("config hot-reload disabled", "error", err)
		} else {
			defer reload.Close()
		}
	}

	backoff := pollInterval
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}

		if reload != nil && reload.Changed() {
			logger.Info("config changed, reloading engine")
			newFlat, err := loadConfig(configPath)
			if err != nil {
				logger.Error("reload failed, keeping previous configuration", "error", err)
			} else if newEngine, err := engine.Configure(ctx, newFlat, ch, logger); err != nil {
				logger.Error("reload failed, keeping previous configuration", "error", err)
			} else {
				if err := e.Stop(); err != nil {
					logger.Warn("stop during reload failed", "error", err)
				}
				e = newEngine
				if err := e.Start(); err != nil {
					logger.Error("failed to start reloaded engine", "error", err)
				}
			}
		}

		status, err := e.Process()
		if err != nil {
			logger.Error("process cycle failed", "error", err)
		}
		if status == engine.Ready {
			backoff = pollInterval
		} else {
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
}
