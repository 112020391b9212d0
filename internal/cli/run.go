package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/emerry-tsun/JMA/internal/config"
	"github.com/emerry-tsun/JMA/internal/lock"
	"github.com/emerry-tsun/JMA/internal/observability"
	"github.com/emerry-tsun/JMA/pkg/relay"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Process the bulletin feed once",
	Long: `Fetch the JMA feed, classify every configured area against its stored state
and publish alerts for the tiers that changed. Overlapping runs are excluded
by a lock file.`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().Bool("dry-run", false, "Print posts instead of publishing and leave state untouched")
	runCmd.Flags().Bool("no-delay", false, "Skip run.start_delay")
}

func runRun(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	dryRun, _ := cmd.Flags().GetBool("dry-run")
	noDelay, _ := cmd.Flags().GetBool("no-delay")

	logger := newLogger(cfg)
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := observability.NewMetrics()
	defer pushMetrics(cfg, metrics, logger)

	l := lock.New(cfg.Run.LockFile, cfg.Run.LockTimeout, nil)
	if err := l.Acquire(); err != nil {
		if errors.Is(err, lock.ErrLocked) {
			metrics.Runs.WithLabelValues("locked").Inc()
			logger.Error("aborted by lock file", "lock", l.Path())
		}
		return err
	}
	defer func() {
		if err := l.Release(); err != nil {
			logger.Warn("release lock", "error", err)
		}
	}()

	if !noDelay && cfg.Run.StartDelay > 0 {
		logger.Debug("waiting before run", "delay", cfg.Run.StartDelay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(cfg.Run.StartDelay):
		}
	}

	p, err := initPipeline(ctx, cfg, metrics, dryRun, logger)
	if err != nil {
		return err
	}
	defer p.Close()

	sum, err := p.runner.Run(ctx)
	if err != nil {
		return fmt.Errorf("run: %w", err)
	}
	printSummary(sum)
	return nil
}

func pushMetrics(cfg *config.Config, metrics *observability.Metrics, logger *slog.Logger) {
	if cfg.Metrics.Pushgateway == "" {
		return
	}
	if err := metrics.Push(cfg.Metrics.Pushgateway, "jmaalert"); err != nil {
		logger.Warn("push metrics", "error", err)
	}
}

func printSummary(sum *relay.Summary) {
	if sum.NotModified {
		fmt.Printf("Run %s: feed not modified\n", sum.RunID)
		return
	}
	fmt.Printf("Run %s finished in %s\n", sum.RunID, sum.FinishedAt.Sub(sum.StartedAt).Round(time.Millisecond))
	fmt.Printf("  Bulletins:     %d (%d failed)\n", sum.Bulletins, sum.BulletinErrors)
	fmt.Printf("  Areas changed: %d (%d stale)\n", sum.AreasChanged, sum.AreasStale)
	fmt.Printf("  Posts:         %d (%d failed)\n", sum.Posts, sum.PostsFailed)
}
