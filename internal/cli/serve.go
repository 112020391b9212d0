package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/emerry-tsun/JMA/internal/lock"
	"github.com/emerry-tsun/JMA/internal/observability"
	"github.com/emerry-tsun/JMA/internal/server"
	"github.com/emerry-tsun/JMA/pkg/relay"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run on a schedule and serve health, metrics and state endpoints",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringP("listen", "l", "", "Listen address (default from config)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	listen, _ := cmd.Flags().GetString("listen")
	if listen != "" {
		cfg.Serve.Listen = listen
	}

	logger := newLogger(cfg)
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := observability.NewMetrics()
	p, err := initPipeline(ctx, cfg, metrics, false, logger)
	if err != nil {
		return err
	}
	defer p.Close()

	api := server.NewServer(p.store, metrics.Gatherer(), logger)
	l := lock.New(cfg.Run.LockFile, cfg.Run.LockTimeout, nil)

	job := func() {
		sum, err := runLocked(ctx, p, l)
		if err != nil {
			logger.Error("scheduled run failed", "error", err)
			return
		}
		api.RecordRun(sum)
	}

	c := cron.New()
	if _, err := c.AddFunc(cfg.Serve.Schedule, job); err != nil {
		return fmt.Errorf("schedule %q: %w", cfg.Serve.Schedule, err)
	}

	srv := &http.Server{
		Addr:         cfg.Serve.Listen,
		Handler:      api.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("jmaalert serving", "listen", cfg.Serve.Listen, "schedule", cfg.Serve.Schedule)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Run once at startup, then on schedule.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		job()
	}()
	c.Start()

	select {
	case err := <-errCh:
		stop()
		<-c.Stop().Done()
		wg.Wait()
		return err
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	<-c.Stop().Done()
	wg.Wait()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// runLocked performs one scheduled run under the lock.
func runLocked(ctx context.Context, p *pipeline, l *lock.Lock) (*relay.Summary, error) {
	if err := l.Acquire(); err != nil {
		if errors.Is(err, lock.ErrLocked) {
			p.metrics.Runs.WithLabelValues("locked").Inc()
		}
		return nil, err
	}
	defer func() {
		if err := l.Release(); err != nil {
			p.logger.Warn("release lock", "error", err)
		}
	}()
	return p.runner.Run(ctx)
}
