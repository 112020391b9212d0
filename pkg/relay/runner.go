// Package relay runs the fetch, classify, compose and publish pipeline.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/emerry-tsun/JMA/internal/observability"
	"github.com/emerry-tsun/JMA/pkg/bulletin"
	"github.com/emerry-tsun/JMA/pkg/compose"
	"github.com/emerry-tsun/JMA/pkg/model"
	"github.com/emerry-tsun/JMA/pkg/storage"
	"github.com/emerry-tsun/JMA/pkg/transition"
)

// Source supplies the feed and bulletins. *bulletin.Client implements it.
type Source interface {
	FeedURL() string
	LastModified(ctx context.Context) (time.Time, error)
	FetchFeed(ctx context.Context) (*bulletin.Feed, error)
	FetchBulletin(ctx context.Context, url string, areas []string) (*bulletin.Bulletin, error)
}

// Summary counts what one run did.
type Summary struct {
	RunID          string    `json:"run_id"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
	NotModified    bool      `json:"not_modified"`
	Bulletins      int       `json:"bulletins"`
	BulletinErrors int       `json:"bulletin_errors"`
	AreasChanged   int       `json:"areas_changed"`
	AreasStale     int       `json:"areas_stale"`
	Posts          int       `json:"posts"`
	PostsFailed    int       `json:"posts_failed"`
}

// Runner executes relay runs. It is not safe for concurrent Run calls; an
// external lock keeps runs apart.
type Runner struct {
	source     Source
	store      storage.Storage
	classifier *transition.Classifier
	composer   *compose.Composer
	dispatcher *Dispatcher
	areas      []Area

	itemTitle         string
	checkLastModified bool
	dryRun            bool

	clock   clockwork.Clock
	metrics *observability.Metrics
	logger  *slog.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithItemTitle selects which feed entries are weather bulletins.
func WithItemTitle(title string) Option {
	return func(r *Runner) {
		if title != "" {
			r.itemTitle = title
		}
	}
}

// WithLastModifiedCheck skips a run when the feed has not changed since the last one.
func WithLastModifiedCheck(enabled bool) Option {
	return func(r *Runner) { r.checkLastModified = enabled }
}

// WithDryRun classifies and publishes without writing area state or feed marks.
func WithDryRun(enabled bool) Option {
	return func(r *Runner) { r.dryRun = enabled }
}

// WithClassifier overrides the classifier.
func WithClassifier(c *transition.Classifier) Option {
	return func(r *Runner) { r.classifier = c }
}

// WithComposer overrides the composer.
func WithComposer(c *compose.Composer) Option {
	return func(r *Runner) { r.composer = c }
}

// WithClock sets the time source for run timestamps.
func WithClock(c clockwork.Clock) Option {
	return func(r *Runner) { r.clock = c }
}

// NewRunner creates a runner for areas.
func NewRunner(source Source, store storage.Storage, dispatcher *Dispatcher, areas []Area,
	metrics *observability.Metrics, logger *slog.Logger, opts ...Option) *Runner {
	r := &Runner{
		source:     source,
		store:      store,
		classifier: transition.NewClassifier(nil),
		composer:   compose.New(),
		dispatcher: dispatcher,
		areas:      areas,
		itemTitle:  bulletin.DefaultItemTitle,
		clock:      clockwork.NewRealClock(),
		metrics:    metrics,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run performs one pass over the feed. Only a feed that cannot be fetched or
// parsed fails the run; everything else is logged and skipped.
func (r *Runner) Run(ctx context.Context) (*Summary, error) {
	sum := &Summary{RunID: uuid.NewString(), StartedAt: r.clock.Now()}
	logger := r.logger.With("run_id", sum.RunID)

	defer func() {
		sum.FinishedAt = r.clock.Now()
		r.metrics.RunDuration.Observe(sum.FinishedAt.Sub(sum.StartedAt).Seconds())
	}()

	if r.checkLastModified && !r.feedModified(ctx, logger) {
		sum.NotModified = true
		r.metrics.Runs.WithLabelValues("not_modified").Inc()
		logger.Info("feed not modified")
		return sum, nil
	}

	feed, err := r.source.FetchFeed(ctx)
	if err != nil {
		r.metrics.Runs.WithLabelValues("error").Inc()
		return sum, fmt.Errorf("fetch feed: %w", err)
	}

	links := bulletin.MatchEntries(feed, r.itemTitle, Prefectures(r.areas))
	logger.Info("feed fetched", "entries", len(feed.Entries), "matched", len(links))

	for _, link := range links {
		r.processLink(ctx, logger, link, sum)
	}

	r.metrics.Runs.WithLabelValues("success").Inc()
	r.metrics.LastSuccess.Set(float64(r.clock.Now().Unix()))
	logger.Info("run complete",
		"bulletins", sum.Bulletins,
		"areas_changed", sum.AreasChanged,
		"posts", sum.Posts,
		"posts_failed", sum.PostsFailed,
	)
	return sum, nil
}

// feedModified compares the feed's Last-Modified with the stored mark and
// records the new one. Any failure along the way means proceed.
func (r *Runner) feedModified(ctx context.Context, logger *slog.Logger) bool {
	url := r.source.FeedURL()
	lm, err := r.source.LastModified(ctx)
	if err != nil {
		logger.Warn("feed HEAD failed", "error", err)
		return true
	}
	if lm.IsZero() {
		logger.Warn("feed has no Last-Modified header")
		return true
	}
	mark, err := r.store.GetFeedMark(ctx, url)
	if err != nil {
		logger.Warn("failed to read feed mark", "error", err)
		return true
	}
	if !lm.After(mark) {
		return false
	}
	if r.dryRun {
		return true
	}
	if err := r.store.PutFeedMark(ctx, url, lm); err != nil {
		logger.Warn("failed to store feed mark", "error", err)
	}
	return true
}

type queued struct {
	account string
	area    string
	tier    model.Tier
	post    model.Post
}

// queue holds at most one post per account; a later post for the same
// account replaces the earlier one in place.
type queue struct {
	items []queued
	index map[string]int
}

func (q *queue) put(item queued) {
	if q.index == nil {
		q.index = make(map[string]int)
	}
	if i, ok := q.index[item.account]; ok {
		q.items[i] = item
		return
	}
	q.index[item.account] = len(q.items)
	q.items = append(q.items, item)
}

func (r *Runner) processLink(ctx context.Context, logger *slog.Logger, link bulletin.Link, sum *Summary) {
	logger = logger.With("bulletin", link.URL)

	b, err := r.source.FetchBulletin(ctx, link.URL, link.Areas)
	if err != nil {
		sum.BulletinErrors++
		r.metrics.Bulletins.WithLabelValues("error").Inc()
		logger.Error("failed to fetch bulletin", "error", err)
		return
	}
	sum.Bulletins++
	r.metrics.Bulletins.WithLabelValues("success").Inc()

	var q queue
	for _, area := range r.areas {
		if !link.Covers(area.Code) {
			continue
		}
		obs, ok := b.Observation(area.Code)
		if !ok {
			continue
		}
		r.processArea(ctx, logger.With("area", area.Code), area, obs, b.ReportTime, sum, &q)
	}

	for _, item := range q.items {
		sum.Posts++
		if err := r.dispatcher.Deliver(ctx, sum.RunID, item.account, item.area, item.tier, item.post); err != nil {
			sum.PostsFailed++
		}
	}
}

func (r *Runner) processArea(ctx context.Context, logger *slog.Logger, area Area, obs *model.Observation,
	reportTime time.Time, sum *Summary, q *queue) {
	last, err := r.store.GetAreaState(ctx, area.Code)
	if err != nil {
		logger.Error("failed to read area state", "error", err)
		return
	}

	res := r.classifier.Classify(obs, *last, reportTime)
	if res.Skipped {
		sum.AreasStale++
		logger.Debug("bulletin not newer than stored state", "report_time", reportTime, "stored", last.ReportTime)
		return
	}
	if !res.HasChanges() {
		return
	}

	sum.AreasChanged++
	if !r.dryRun {
		if err := r.store.PutAreaState(ctx, &res.State); err != nil {
			r.metrics.StateWriteErrors.Inc()
			logger.Error("failed to write area state", "error", err)
		}
	}

	tax := r.classifier.Taxonomy()
	for _, tier := range res.ChangedTiers() {
		r.metrics.AreasChanged.WithLabelValues(tier.String()).Inc()
		for _, lang := range model.Langs {
			account := area.Account(tier, lang)
			if account == "" {
				continue
			}
			entries := res.Entries(tier, lang, tax)
			if len(entries) == 0 {
				continue
			}
			post := r.composer.Compose(compose.Account{
				Name:     account,
				Lang:     lang,
				AreaCode: area.Code,
				AreaName: area.DisplayName(lang),
				Tier:     tier,
				Grade:    tier.Name(lang),
				Tags:     area.TagsFor(lang),
			}, entries, reportTime)
			q.put(queued{account: account, area: area.Code, tier: tier, post: post})
			logger.Info("post queued", "account", account, "tier", tier.String(), "lang", string(lang))
		}
	}
}
