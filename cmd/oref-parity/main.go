package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"oref_parity/config"
	"oref_parity/internal/app"
	"oref_parity/internal/replay"
)

var (
	verbose   bool
	functions []string
	limit     int

	logger *zap.Logger
)

var errInconsistent = errors.New("replay found divergent captures")

var rootCmd = &cobra.Command{
	Use:   "oref-parity",
	Short: "Differential replay harness for the insulin dosing engine",
	Long: `oref-parity replays archived real-world decision captures through the
native dosing engine and compares its outputs against the recorded
reference, field by field, under per-function comparison policies.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zc := zap.NewProductionConfig()
		if verbose {
			zc.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zc.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Replay the whole corpus and report per-function consistency",
	Long: `Replays every archived capture through both implementations. The exit
status is non-zero when any capture diverges, so the command can gate a
release pipeline directly.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReplay(cmd.Context(), replay.Options{Functions: functions})
	},
}

var dayCmd = &cobra.Command{
	Use:   "day [YYYY-MM-DD]",
	Short: "Replay only the captures taken on the given UTC date",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		day, err := time.Parse("2006-01-02", args[0])
		if err != nil {
			return fmt.Errorf("invalid date %q: %w", args[0], err)
		}
		return runReplay(cmd.Context(), replay.Options{Functions: functions, Day: &day})
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the parity service: watcher, workers, corpus and ops API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		application, err := app.New(cfg, logger)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
		defer stop()
		defer application.Shutdown(context.Background())
		return application.Run(ctx)
	},
}

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Evaluate archived captures that have no verdict yet",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		application, err := app.New(cfg, logger)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
		defer stop()
		defer application.Shutdown(context.Background())
		return application.RunBackfillAndWait(ctx, limit)
	},
}

func runReplay(ctx context.Context, opts replay.Options) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	application, err := app.New(cfg, logger)
	if err != nil {
		return err
	}
	defer application.Shutdown(context.Background())

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	report, err := application.ReplayBatch(ctx, opts)
	if err != nil {
		return err
	}
	fmt.Print(report.Render())
	if report.Inconsistent() {
		return errInconsistent
	}
	return nil
}

func main() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	runCmd.Flags().StringSliceVar(&functions, "function", nil, "restrict to the named decision functions")
	dayCmd.Flags().StringSliceVar(&functions, "function", nil, "restrict to the named decision functions")
	backfillCmd.Flags().IntVar(&limit, "limit", 500, "maximum captures to backfill")

	rootCmd.AddCommand(runCmd, dayCmd, serveCmd, backfillCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
