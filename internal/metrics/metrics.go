// Package metrics owns the Prometheus collectors for the expense subsystem.
// A nil *Metrics is valid and records nothing, so components can take one
// optionally.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "expense"

// Lookup results.
const (
	ResultHit   = "hit"
	ResultMiss  = "miss"
	ResultStale = "stale"
	ResultError = "error"
)

type Metrics struct {
	cacheLookups    *prometheus.CounterVec
	monthReads      *prometheus.CounterVec
	monthFetches    prometheus.Counter
	writes          *prometheus.CounterVec
	reconciliations *prometheus.CounterVec
	events          *prometheus.CounterVec
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
}

// New builds the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Month cache lookups by tier and result.",
		}, []string{"tier", "result"}),
		monthReads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "month_reads_total",
			Help:      "Month reads by resolved path (loading, empty, cached, fetched, live).",
		}, []string{"path"}),
		monthFetches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "month_fetches_total",
			Help:      "One-shot month queries sent to the document store.",
		}),
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "writes_total",
			Help:      "Expense writes by operation and result.",
		}, []string{"op", "result"}),
		reconciliations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciliations_total",
			Help:      "Aggregate reconciliation checks by result.",
		}, []string{"result"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Expense change events by direction and result.",
		}, []string{"direction", "result"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method and status.",
		}, []string{"method", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request durations in seconds.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"method"}),
	}
	if reg != nil {
		reg.MustRegister(m.cacheLookups, m.monthReads, m.monthFetches, m.writes,
			m.reconciliations, m.events, m.httpRequests, m.httpDuration)
	}
	return m
}

func (m *Metrics) CacheLookup(tier, result string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(tier, result).Inc()
}

func (m *Metrics) MonthRead(path string) {
	if m == nil {
		return
	}
	m.monthReads.WithLabelValues(path).Inc()
}

func (m *Metrics) MonthFetch() {
	if m == nil {
		return
	}
	m.monthFetches.Inc()
}

func (m *Metrics) Write(op string, err error) {
	if m == nil {
		return
	}
	m.writes.WithLabelValues(op, result(err)).Inc()
}

func (m *Metrics) Reconciliation(outcome string) {
	if m == nil {
		return
	}
	m.reconciliations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Event(direction string, err error) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(direction, result(err)).Inc()
}

func (m *Metrics) HTTPRequest(method string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method).Observe(d.Seconds())
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
