package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/emerry-tsun/JMA/internal/config"
	"github.com/emerry-tsun/JMA/internal/observability"
	"github.com/emerry-tsun/JMA/pkg/bulletin"
	"github.com/emerry-tsun/JMA/pkg/compose"
	"github.com/emerry-tsun/JMA/pkg/publisher"
	"github.com/emerry-tsun/JMA/pkg/relay"
	"github.com/emerry-tsun/JMA/pkg/storage"
	"github.com/emerry-tsun/JMA/pkg/taxonomy"
	"github.com/emerry-tsun/JMA/pkg/transition"
)

// Version is set at build time via ldflags.
var Version = "dev"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "jmaalert",
	Short: "JMA weather warning relay",
	Long: `jmaalert watches the Japan Meteorological Agency bulletin feed, works out how
each configured area's advisories, warnings and emergency warnings changed since
the last bulletin, and posts bilingual alerts to the configured accounts.`,
	SilenceUsage: true,
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.jmaalert/config.yaml)")
}

// loadConfig loads the configuration.
func loadConfig() (*config.Config, error) {
	return config.Load(cfgFile)
}

// newLogger creates a structured logger from config. When logging.file is set
// records go to a rotated file as well as stderr.
func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var out io.Writer = os.Stderr
	if cfg.Logging.File != "" {
		out = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   cfg.Logging.File,
			MaxSize:    cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAge:     cfg.Logging.MaxAgeDays,
		})
	}

	var handler slog.Handler
	if cfg.Logging.Format == "text" {
		handler = slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	}

	return slog.New(handler)
}

// initStorage creates a storage backend from config.
func initStorage(ctx context.Context, cfg *config.Config) (storage.Storage, error) {
	switch cfg.Storage.Driver {
	case "postgres":
		return storage.NewPostgres(ctx, cfg.Storage.DSN)
	case "sqlite", "":
		return storage.NewSQLite(cfg.Storage.Path)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

// initTaxonomy loads the hazard table, preferring taxonomy.file over the built-in one.
func initTaxonomy(cfg *config.Config) (*taxonomy.Taxonomy, error) {
	if cfg.Taxonomy.File == "" {
		return taxonomy.Default(), nil
	}
	return taxonomy.Load(cfg.Taxonomy.File)
}

// initComposer creates a composer in the configured zone.
func initComposer(cfg *config.Config) (*compose.Composer, error) {
	loc, err := time.LoadLocation(cfg.Compose.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", cfg.Compose.Timezone, err)
	}
	return compose.New(compose.WithLocation(loc), compose.WithLinkFormat(cfg.Compose.LinkFormat)), nil
}

// initPublishers registers a publisher for every configured account. A dry run
// prints every post to stdout instead.
func initPublishers(cfg *config.Config, dryRun bool, logger *slog.Logger) (*publisher.Registry, error) {
	registry := publisher.NewRegistry()
	for name, acct := range cfg.Accounts {
		var (
			p   publisher.Publisher
			err error
		)
		if dryRun {
			p = publisher.NewStdout(os.Stdout)
		} else if p, err = publisher.New(name, acct, logger); err != nil {
			return nil, err
		}
		if err := registry.Register(name, p); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// areas converts the configured areas for the relay.
func areas(cfg *config.Config) []relay.Area {
	out := make([]relay.Area, 0, len(cfg.Areas))
	for _, a := range cfg.Areas {
		out = append(out, relay.Area{
			Code:       a.Code,
			Name:       a.Name,
			NameEN:     a.NameEN,
			Prefecture: a.Prefecture,
			Tags:       a.Tags,
			TagsEN:     a.TagsEN,
			Accounts:   a.Accounts.ByTier(),
		})
	}
	return out
}

// pipeline is a fully wired runner and the resources it holds.
type pipeline struct {
	runner     *relay.Runner
	store      storage.Storage
	publishers *publisher.Registry
	metrics    *observability.Metrics
	logger     *slog.Logger
}

func (p *pipeline) Close() {
	if err := p.publishers.Close(); err != nil {
		p.logger.Warn("close publishers", "error", err)
	}
	if err := p.store.Close(); err != nil {
		p.logger.Warn("close storage", "error", err)
	}
}

// initPipeline wires storage, publishers and the relay runner.
func initPipeline(ctx context.Context, cfg *config.Config, metrics *observability.Metrics, dryRun bool, logger *slog.Logger) (*pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	tax, err := initTaxonomy(cfg)
	if err != nil {
		return nil, err
	}
	composer, err := initComposer(cfg)
	if err != nil {
		return nil, err
	}
	registry, err := initPublishers(cfg, dryRun, logger)
	if err != nil {
		return nil, err
	}
	store, err := initStorage(ctx, cfg)
	if err != nil {
		registry.Close()
		return nil, err
	}

	source := bulletin.NewClient(bulletin.Options{
		FeedURL:     cfg.Feed.URL,
		WarningType: cfg.Feed.WarningType,
		UserAgent:   cfg.Feed.UserAgent,
		Timeout:     cfg.Feed.Timeout,
	}, tax, logger)

	var recorder relay.DeliveryRecorder = store
	if dryRun {
		recorder = nil
	}
	policy := relay.RetryPolicy{Attempts: cfg.Publish.Retries, Interval: cfg.Publish.Interval}
	dispatcher := relay.NewDispatcher(registry, recorder, policy, nil, metrics, logger)

	runner := relay.NewRunner(source, store, dispatcher, areas(cfg), metrics, logger,
		relay.WithItemTitle(cfg.Feed.ItemTitle),
		relay.WithLastModifiedCheck(cfg.Feed.CheckLastModified),
		relay.WithDryRun(dryRun),
		relay.WithClassifier(transition.NewClassifier(tax)),
		relay.WithComposer(composer),
	)

	return &pipeline{
		runner:     runner,
		store:      store,
		publishers: registry,
		metrics:    metrics,
		logger:     logger,
	}, nil
}
