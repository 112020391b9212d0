// Package observability holds the Prometheus instruments for alert runs.
package observability

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

const namespace = "jmaalert"

// Metrics holds the counters, histograms and gauges for the relay pipeline.
type Metrics struct {
	Runs             *prometheus.CounterVec // labels: outcome={success,error,not_modified,locked}
	Bulletins        *prometheus.CounterVec // labels: outcome={success,error}
	AreasChanged     *prometheus.CounterVec // labels: tier
	Posts            *prometheus.CounterVec // labels: account, outcome={sent,failed}
	PublishAttempts  prometheus.Counter
	StateWriteErrors prometheus.Counter
	RunDuration      prometheus.Histogram
	LastSuccess      prometheus.Gauge

	registry *prometheus.Registry
}

func newMetrics() *Metrics {
	return &Metrics{
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Relay runs by outcome.",
		}, []string{"outcome"}),
		Bulletins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bulletins_total",
			Help:      "Bulletin fetches by outcome.",
		}, []string{"outcome"}),
		AreasChanged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "area_changes_total",
			Help:      "Tiers whose active hazards changed, per tier.",
		}, []string{"tier"}),
		Posts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "posts_total",
			Help:      "Posts handed to publishers by account and final outcome.",
		}, []string{"account", "outcome"}),
		PublishAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_attempts_total",
			Help:      "Individual publish attempts including retries.",
		}),
		StateWriteErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_write_errors_total",
			Help:      "Area state writes that failed.",
		}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of a complete relay run.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
		LastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last run that finished without error.",
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.Runs,
		m.Bulletins,
		m.AreasChanged,
		m.Posts,
		m.PublishAttempts,
		m.StateWriteErrors,
		m.RunDuration,
		m.LastSuccess,
	}
}

// NewMetrics creates and registers all metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(m.collectors()...)
	return m
}

// NewMetricsForTesting creates Metrics on a fresh registry to avoid
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	m := newMetrics()
	m.registry = prometheus.NewRegistry()
	m.registry.MustRegister(m.collectors()...)
	return m
}

// Gatherer returns the registry the metrics were registered with.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	if m.registry != nil {
		return m.registry
	}
	return prometheus.DefaultGatherer
}

// Push sends the current values to a Pushgateway under job.
func (m *Metrics) Push(url, job string) error {
	if err := push.New(url, job).Gatherer(m.Gatherer()).Push(); err != nil {
		return fmt.Errorf("push metrics to %s: %w", url, err)
	}
	return nil
}
