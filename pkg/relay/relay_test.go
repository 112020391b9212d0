package relay_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emerry-tsun/JMA/internal/observability"
	"github.com/emerry-tsun/JMA/pkg/bulletin"
	"github.com/emerry-tsun/JMA/pkg/model"
	"github.com/emerry-tsun/JMA/pkg/publisher"
	"github.com/emerry-tsun/JMA/pkg/relay"
	"github.com/emerry-tsun/JMA/pkg/storage"
)

var reportTime = time.Date(2024, 7, 1, 1, 5, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSource struct {
	lastModified time.Time
	headErr      error
	feed         *bulletin.Feed
	feedErr      error
	bulletins    map[string]*bulletin.Bulletin
	fetched      []string
}

func (f *fakeSource) FeedURL() string { return "https://feed.example/extra.xml" }

func (f *fakeSource) LastModified(context.Context) (time.Time, error) {
	return f.lastModified, f.headErr
}

func (f *fakeSource) FetchFeed(context.Context) (*bulletin.Feed, error) {
	return f.feed, f.feedErr
}

func (f *fakeSource) FetchBulletin(_ context.Context, url string, _ []string) (*bulletin.Bulletin, error) {
	f.fetched = append(f.fetched, url)
	b, ok := f.bulletins[url]
	if !ok {
		return nil, errors.New("status 404")
	}
	return b, nil
}

type recordingPublisher struct {
	mu    sync.Mutex
	fail  int
	calls int
	posts []model.Post
}

func (p *recordingPublisher) Name() string { return "recording" }

func (p *recordingPublisher) Publish(_ context.Context, post model.Post) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.fail < 0 || p.calls <= p.fail {
		return errors.New("service unavailable")
	}
	p.posts = append(p.posts, post)
	return nil
}

func feedEntry(url, content string) bulletin.Entry {
	e := bulletin.Entry{Title: bulletin.DefaultItemTitle, ID: url, Content: content}
	e.Link.Href = url
	return e
}

type fixture struct {
	source   *fakeSource
	store    *storage.SQLite
	registry *publisher.Registry
	pubs     map[string]*recordingPublisher
	metrics  *observability.Metrics
	runner   *relay.Runner
}

func chiyoda() relay.Area {
	return relay.Area{
		Code: "1310100", Name: "千代田区", NameEN: "Chiyoda", Prefecture: "東京都",
		Tags: "千代田区", TagsEN: "Chiyoda",
		Accounts: map[model.Tier]map[model.Lang]string{
			model.TierAdvisory:  {model.LangJA: "chiyoda-advisory"},
			model.TierWarning:   {model.LangJA: "chiyoda-warning", model.LangEN: "chiyoda-warning-en"},
			model.TierEmergency: {model.LangJA: "chiyoda-emergency"},
		},
	}
}

func newFixture(t *testing.T, areas []relay.Area, opts ...relay.Option) *fixture {
	t.Helper()
	return newFixtureWithStore(t, areas, func(s *storage.SQLite) storage.Storage { return s }, opts...)
}

// newFixtureWithStore lets the runner see a wrapped store while the fixture
// keeps direct access to the underlying database.
func newFixtureWithStore(t *testing.T, areas []relay.Area, wrap func(*storage.SQLite) storage.Storage,
	opts ...relay.Option) *fixture {
	t.Helper()

	store, err := storage.NewSQLite(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	f := &fixture{
		source: &fakeSource{
			feed:      &bulletin.Feed{},
			bulletins: make(map[string]*bulletin.Bulletin),
		},
		store:    store,
		registry: publisher.NewRegistry(),
		pubs:     make(map[string]*recordingPublisher),
		metrics:  observability.NewMetricsForTesting(),
	}
	for _, a := range areas {
		for _, langs := range a.Accounts {
			for _, name := range langs {
				if _, ok := f.pubs[name]; ok {
					continue
				}
				p := &recordingPublisher{}
				f.pubs[name] = p
				require.NoError(t, f.registry.Register(name, p))
			}
		}
	}

	d := relay.NewDispatcher(f.registry, store, relay.RetryPolicy{Attempts: 3}, nil, f.metrics, testLogger())
	f.runner = relay.NewRunner(f.source, wrap(store), d, areas, f.metrics, testLogger(), opts...)
	return f
}

func (f *fixture) addBulletin(url, content string, at time.Time, obs ...*model.Observation) {
	f.source.feed.Entries = append(f.source.feed.Entries, feedEntry(url, content))
	f.source.bulletins[url] = &bulletin.Bulletin{ReportTime: at, Observations: obs}
}

func TestRun_AnnouncesNewWarnings(t *testing.T) {
	f := newFixture(t, []relay.Area{chiyoda()})
	obs := model.NewObservation("1310100")
	obs.Add(model.TierWarning, 3, "土砂災害")
	obs.Add(model.TierAdvisory, 14, "")
	f.addBulletin("https://feed.example/a.xml", "【東京都気象警報・注意報】", reportTime, obs)

	ctx := context.Background()
	sum, err := f.runner.Run(ctx)
	require.NoError(t, err)

	assert.NotEmpty(t, sum.RunID)
	assert.Equal(t, 1, sum.Bulletins)
	assert.Equal(t, 1, sum.AreasChanged)
	assert.Equal(t, 3, sum.Posts)
	assert.Zero(t, sum.PostsFailed)

	require.Len(t, f.pubs["chiyoda-warning"].posts, 1)
	assert.Contains(t, f.pubs["chiyoda-warning"].posts[0].Text, "【千代田区：警報】")
	assert.Contains(t, f.pubs["chiyoda-warning"].posts[0].Text, "大雨（土砂災害）")
	require.Len(t, f.pubs["chiyoda-warning-en"].posts, 1)
	assert.Contains(t, f.pubs["chiyoda-warning-en"].posts[0].Text, "% Chiyoda : Warning %")
	require.Len(t, f.pubs["chiyoda-advisory"].posts, 1)
	assert.Empty(t, f.pubs["chiyoda-emergency"].posts)

	state, err := f.store.GetAreaState(ctx, "1310100")
	require.NoError(t, err)
	assert.True(t, state.Has(model.TierWarning, 3))
	assert.True(t, state.Has(model.TierAdvisory, 14))
	assert.True(t, state.ReportTime.Equal(reportTime))

	deliveries, err := f.store.ListDeliveries(ctx, model.DeliveryFilter{})
	require.NoError(t, err)
	assert.Len(t, deliveries, 3)
	for _, d := range deliveries {
		assert.Equal(t, sum.RunID, d.RunID)
		assert.Equal(t, model.DeliverySent, d.Status)
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Runs.WithLabelValues("success")))
}

func TestRun_SameBulletinTwiceIsQuiet(t *testing.T) {
	f := newFixture(t, []relay.Area{chiyoda()})
	obs := model.NewObservation("1310100")
	obs.Add(model.TierWarning, 3, "")
	f.addBulletin("https://feed.example/a.xml", "東京都", reportTime, obs)

	_, err := f.runner.Run(context.Background())
	require.NoError(t, err)

	sum, err := f.runner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.AreasStale)
	assert.Zero(t, sum.Posts)
	assert.Len(t, f.pubs["chiyoda-warning"].posts, 1)
}

func TestRun_ContinuationOnlyPublishesNothing(t *testing.T) {
	f := newFixture(t, []relay.Area{chiyoda()})
	last := model.NewAreaState("1310100")
	last.Set(model.TierWarning).Add(3)
	last.ReportTime = reportTime.Add(-time.Hour)
	require.NoError(t, f.store.PutAreaState(context.Background(), last))

	obs := model.NewObservation("1310100")
	obs.Add(model.TierWarning, 3, "")
	f.addBulletin("https://feed.example/a.xml", "東京都", reportTime, obs)

	sum, err := f.runner.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sum.AreasChanged)
	assert.Zero(t, sum.Posts)

	state, err := f.store.GetAreaState(context.Background(), "1310100")
	require.NoError(t, err)
	assert.True(t, state.ReportTime.Equal(last.ReportTime), "unchanged state is not rewritten")
}

func TestRun_EscalationCrossesTiers(t *testing.T) {
	f := newFixture(t, []relay.Area{chiyoda()})
	last := model.NewAreaState("1310100")
	last.Set(model.TierWarning).Add(3)
	last.ReportTime = reportTime.Add(-time.Hour)
	require.NoError(t, f.store.PutAreaState(context.Background(), last))

	obs := model.NewObservation("1310100")
	obs.Add(model.TierEmergency, 33, "")
	f.addBulletin("https://feed.example/a.xml", "東京都", reportTime, obs)

	_, err := f.runner.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, f.pubs["chiyoda-warning"].posts, 1)
	assert.Contains(t, f.pubs["chiyoda-warning"].posts[0].Text, "特別警報")
	require.Len(t, f.pubs["chiyoda-emergency"].posts, 1)

	state, err := f.store.GetAreaState(context.Background(), "1310100")
	require.NoError(t, err)
	assert.False(t, state.Has(model.TierWarning, 3))
	assert.True(t, state.Has(model.TierEmergency, 33))
}

func TestRun_PublishFailureIsIsolated(t *testing.T) {
	f := newFixture(t, []relay.Area{chiyoda()})
	f.pubs["chiyoda-warning"].fail = -1

	obs := model.NewObservation("1310100")
	obs.Add(model.TierWarning, 3, "")
	f.addBulletin("https://feed.example/a.xml", "東京都", reportTime, obs)

	sum, err := f.runner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Posts)
	assert.Equal(t, 1, sum.PostsFailed)
	assert.Equal(t, 3, f.pubs["chiyoda-warning"].calls)
	assert.Len(t, f.pubs["chiyoda-warning-en"].posts, 1)

	state, err := f.store.GetAreaState(context.Background(), "1310100")
	require.NoError(t, err)
	assert.True(t, state.Has(model.TierWarning, 3), "state is kept even when publishing fails")

	failed, err := f.store.ListDeliveries(context.Background(), model.DeliveryFilter{Status: model.DeliveryFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, 3, failed[0].Attempts)
	assert.Contains(t, failed[0].Error, "service unavailable")
}

func TestRun_LaterAreaReplacesQueuedPost(t *testing.T) {
	shared := map[model.Tier]map[model.Lang]string{
		model.TierWarning: {model.LangJA: "tokyo-warning"},
	}
	a := relay.Area{Code: "1310100", Name: "千代田区", Prefecture: "東京都", Accounts: shared}
	b := relay.Area{Code: "1320100", Name: "八王子市", Prefecture: "東京都", Accounts: shared}
	f := newFixture(t, []relay.Area{a, b})

	obsA := model.NewObservation("1310100")
	obsA.Add(model.TierWarning, 3, "")
	obsB := model.NewObservation("1320100")
	obsB.Add(model.TierWarning, 5, "")
	f.addBulletin("https://feed.example/a.xml", "東京都", reportTime, obsA, obsB)

	sum, err := f.runner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sum.AreasChanged)
	assert.Equal(t, 1, sum.Posts)
	require.Len(t, f.pubs["tokyo-warning"].posts, 1)
	assert.Contains(t, f.pubs["tokyo-warning"].posts[0].Text, "八王子市")
}

// faultyStore fails state reads or writes for one area each.
type faultyStore struct {
	*storage.SQLite
	failGet string
	failPut string
}

func (s *faultyStore) GetAreaState(ctx context.Context, areaCode string) (*model.AreaState, error) {
	if areaCode == s.failGet {
		return nil, errors.New("disk I/O error")
	}
	return s.SQLite.GetAreaState(ctx, areaCode)
}

func (s *faultyStore) PutAreaState(ctx context.Context, state *model.AreaState) error {
	if state.AreaCode == s.failPut {
		return errors.New("database is locked")
	}
	return s.SQLite.PutAreaState(ctx, state)
}

func TestRun_StateStoreFailures(t *testing.T) {
	hachioji := relay.Area{
		Code: "1320100", Name: "八王子市", Prefecture: "東京都",
		Accounts: map[model.Tier]map[model.Lang]string{model.TierWarning: {model.LangJA: "hachioji-warning"}},
	}
	minato := relay.Area{
		Code: "1310300", Name: "港区", Prefecture: "東京都",
		Accounts: map[model.Tier]map[model.Lang]string{model.TierWarning: {model.LangJA: "minato-warning"}},
	}
	f := newFixtureWithStore(t, []relay.Area{chiyoda(), hachioji, minato}, func(s *storage.SQLite) storage.Storage {
		return &faultyStore{SQLite: s, failGet: "1320100", failPut: "1310100"}
	})

	var observations []*model.Observation
	for _, code := range []string{"1310100", "1320100", "1310300"} {
		obs := model.NewObservation(code)
		obs.Add(model.TierWarning, 3, "")
		observations = append(observations, obs)
	}
	f.addBulletin("https://feed.example/a.xml", "東京都", reportTime, observations...)

	ctx := context.Background()
	sum, err := f.runner.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, sum.AreasChanged, "the unreadable area is skipped")
	assert.Equal(t, 3, sum.Posts)
	assert.Zero(t, sum.PostsFailed)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.StateWriteErrors))

	assert.Len(t, f.pubs["chiyoda-warning"].posts, 1, "a failed state write still publishes")
	assert.Len(t, f.pubs["chiyoda-warning-en"].posts, 1)
	assert.Empty(t, f.pubs["hachioji-warning"].posts)
	assert.Len(t, f.pubs["minato-warning"].posts, 1)

	state, err := f.store.GetAreaState(ctx, "1310100")
	require.NoError(t, err)
	assert.True(t, state.ReportTime.IsZero())

	state, err = f.store.GetAreaState(ctx, "1310300")
	require.NoError(t, err)
	assert.True(t, state.ReportTime.Equal(reportTime))
}

func TestRun_BulletinErrorSkipsLink(t *testing.T) {
	f := newFixture(t, []relay.Area{chiyoda()})
	f.source.feed.Entries = append(f.source.feed.Entries, feedEntry("https://feed.example/missing.xml", "東京都"))
	obs := model.NewObservation("1310100")
	obs.Add(model.TierWarning, 3, "")
	f.addBulletin("https://feed.example/a.xml", "東京都", reportTime, obs)
	f.source.feed.Entries = append(f.source.feed.Entries, feedEntry("https://feed.example/osaka.xml", "大阪府"))

	sum, err := f.runner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.BulletinErrors)
	assert.Equal(t, 1, sum.Bulletins)
	assert.Equal(t, []string{"https://feed.example/missing.xml", "https://feed.example/a.xml"}, f.source.fetched)
}

func TestRun_FeedError(t *testing.T) {
	f := newFixture(t, []relay.Area{chiyoda()})
	f.source.feedErr = errors.New("decode feed: EOF")

	_, err := f.runner.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fetch feed")
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Runs.WithLabelValues("error")))
}

func TestRun_LastModified(t *testing.T) {
	f := newFixture(t, []relay.Area{chiyoda()}, relay.WithLastModifiedCheck(true))
	f.source.lastModified = reportTime

	sum, err := f.runner.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, sum.NotModified)

	mark, err := f.store.GetFeedMark(context.Background(), f.source.FeedURL())
	require.NoError(t, err)
	assert.True(t, mark.Equal(reportTime))

	sum, err = f.runner.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, sum.NotModified)

	f.source.lastModified = time.Time{}
	sum, err = f.runner.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, sum.NotModified, "a missing header means proceed")

	f.source.headErr = errors.New("connection refused")
	sum, err = f.runner.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, sum.NotModified)
}

func TestPrefectures(t *testing.T) {
	got := relay.Prefectures([]relay.Area{
		{Code: "1310100", Prefecture: "東京都"},
		{Code: "1320100", Prefecture: "東京都"},
		{Code: "2710000", Prefecture: "大阪府"},
		{Code: "0000000"},
	})
	assert.Equal(t, map[string][]string{
		"東京都": {"1310100", "1320100"},
		"大阪府": {"2710000"},
	}, got)
}

func TestDispatcher_RetriesWithFixedInterval(t *testing.T) {
	clock := clockwork.NewFakeClockAt(reportTime)
	reg := publisher.NewRegistry()
	p := &recordingPublisher{fail: 2}
	require.NoError(t, reg.Register("acct", p))

	rec := &memRecorder{}
	d := relay.NewDispatcher(reg, rec, relay.RetryPolicy{Attempts: 3, Interval: 10 * time.Second},
		clock, observability.NewMetricsForTesting(), testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- d.Deliver(ctx, "run-1", "acct", "1310100", model.TierWarning, model.Post{Account: "acct", Text: "x"})
	}()

	for i := 0; i < 2; i++ {
		require.NoError(t, clock.BlockUntilContext(ctx, 1))
		clock.Advance(10 * time.Second)
	}

	require.NoError(t, <-done)
	assert.Equal(t, 3, p.calls)
	require.Len(t, rec.deliveries, 1)
	assert.Equal(t, 3, rec.deliveries[0].Attempts)
	assert.Equal(t, model.DeliverySent, rec.deliveries[0].Status)
	assert.True(t, rec.deliveries[0].CreatedAt.Equal(reportTime.Add(20*time.Second)))
}

func TestDispatcher_UnknownAccount(t *testing.T) {
	rec := &memRecorder{}
	d := relay.NewDispatcher(publisher.NewRegistry(), rec, relay.DefaultRetryPolicy, nil,
		observability.NewMetricsForTesting(), testLogger())

	err := d.Deliver(context.Background(), "run-1", "ghost", "1310100", model.TierWarning, model.Post{})
	require.Error(t, err)
	require.Len(t, rec.deliveries, 1)
	assert.Equal(t, model.DeliveryFailed, rec.deliveries[0].Status)
	assert.Zero(t, rec.deliveries[0].Attempts)
}

func TestDispatcher_RecordFailureIsNotFatal(t *testing.T) {
	reg := publisher.NewRegistry()
	require.NoError(t, reg.Register("acct", &recordingPublisher{}))
	d := relay.NewDispatcher(reg, &memRecorder{err: errors.New("disk full")}, relay.DefaultRetryPolicy, nil,
		observability.NewMetricsForTesting(), testLogger())

	assert.NoError(t, d.Deliver(context.Background(), "run-1", "acct", "1310100", model.TierAdvisory, model.Post{}))
}

type memRecorder struct {
	deliveries []model.Delivery
	err        error
}

func (m *memRecorder) RecordDelivery(_ context.Context, d *model.Delivery) error {
	if m.err != nil {
		return m.err
	}
	m.deliveries = append(m.deliveries, *d)
	return nil
}

func TestRun_DryRunLeavesStateAlone(t *testing.T) {
	f := newFixture(t, []relay.Area{chiyoda()}, relay.WithDryRun(true), relay.WithLastModifiedCheck(true))
	f.source.lastModified = reportTime
	obs := model.NewObservation("1310100")
	obs.Add(model.TierWarning, 3, "")
	f.addBulletin("https://feed.example/a.xml", "東京都", reportTime, obs)

	sum, err := f.runner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.AreasChanged)
	assert.Len(t, f.pubs["chiyoda-warning"].posts, 1)

	state, err := f.store.GetAreaState(context.Background(), "1310100")
	require.NoError(t, err)
	assert.True(t, state.Empty())

	mark, err := f.store.GetFeedMark(context.Background(), f.source.FeedURL())
	require.NoError(t, err)
	assert.True(t, mark.IsZero())
}
