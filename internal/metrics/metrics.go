// Package metrics экспортирует счётчики движка в Prometheus.
// Каждый процесс держит собственный registry: числа game- и
// match-серверов не смешиваются при совместном запуске в тестах.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sessionforge/arena/internal/arena"
)

// defaultNamespace prefixes every metric name.
const defaultNamespace = "arena"

// Metrics implements arena.Stats on a dedicated Prometheus registry.
type Metrics struct {
	registry *prometheus.Registry

	actionsQueued    *prometheus.CounterVec
	tokensVerified   *prometheus.CounterVec
	sessionsStarted  prometheus.Counter
	sessionsArchived prometheus.Counter
	sessionsLive     prometheus.Gauge
	connectionsOpen  prometheus.Gauge
	tickDuration     prometheus.Histogram
	matchesFormed    prometheus.Counter
	matchedEntries   prometheus.Counter
}

var _ arena.Stats = (*Metrics)(nil)

// New creates the metric set on a fresh registry вместе со стандартными
// go/process коллекторами. Пустой namespace заменяется на "arena".
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = defaultNamespace
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		actionsQueued: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_queued_total",
			Help:      "Inbound transport actions enqueued, by kind.",
		}, []string{"kind"}),
		tokensVerified: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_verified_total",
			Help:      "Connect token verifications, by result.",
		}, []string{"result"}),
		sessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Sessions created from connect tokens.",
		}),
		sessionsArchived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_archived_total",
			Help:      "Finished sessions moved to the result archive.",
		}),
		sessionsLive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_live",
			Help:      "Live sessions currently in the registry.",
		}),
		connectionsOpen: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_open",
			Help:      "Open websocket connections.",
		}),
		tickDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Wall time of one full tick pass over live sessions.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 12),
		}),
		matchesFormed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "matches_formed_total",
			Help:      "Match groups assembled by the matchmaker.",
		}),
		matchedEntries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "matched_entries_total",
			Help:      "Queue entries consumed by formed matches.",
		}),
	}
}

// Handler returns the scrape endpoint handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ActionQueued(kind string) {
	m.actionsQueued.WithLabelValues(kind).Inc()
}

func (m *Metrics) TokenVerified(ok bool) {
	result := "ok"
	if !ok {
		result = "rejected"
	}
	m.tokensVerified.WithLabelValues(result).Inc()
}

func (m *Metrics) SessionStarted() {
	m.sessionsStarted.Inc()
}

func (m *Metrics) SessionArchived() {
	m.sessionsArchived.Inc()
}

func (m *Metrics) SessionsLive(n int) {
	m.sessionsLive.Set(float64(n))
}

func (m *Metrics) ConnectionsOpen(delta int) {
	m.connectionsOpen.Add(float64(delta))
}

func (m *Metrics) TickCompleted(d time.Duration) {
	m.tickDuration.Observe(d.Seconds())
}

func (m *Metrics) MatchFormed(groupSize int) {
	m.matchesFormed.Inc()
	m.matchedEntries.Add(float64(groupSize))
}
