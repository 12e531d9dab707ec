// Package metrics exposes the register's Prometheus collectors. All methods
// are safe on a nil *Metrics so components can run without instrumentation.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	salesFinalized      *prometheus.CounterVec
	saleStoreFailures   prometheus.Counter
	sessionsOpened      prometheus.Counter
	sessionsClosed      prometheus.Counter
	closeDifference     prometheus.Histogram
	staleFetches        *prometheus.CounterVec
	staleOpenSessions   prometheus.Gauge
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		salesFinalized: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "register_sales_finalized_total",
				Help: "Sales persisted by the finalizer",
			},
			[]string{"method", "status"},
		),
		saleStoreFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "register_sale_store_failures_total",
			Help: "Finalize attempts that failed to persist the sale",
		}),
		sessionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "register_cash_sessions_opened_total",
			Help: "Cash sessions opened",
		}),
		sessionsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "register_cash_sessions_closed_total",
			Help: "Cash sessions closed",
		}),
		closeDifference: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "register_close_difference",
			Help:    "Total counted minus expected at close, in major units",
			Buckets: []float64{-100000, -10000, -1000, -100, -10, -1, 0, 1, 10, 100, 1000, 10000, 100000},
		}),
		staleFetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "register_stale_fetch_results_total",
				Help: "Lookup results discarded because a newer request superseded them",
			},
			[]string{"kind"},
		),
		staleOpenSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "register_stale_open_sessions",
			Help: "Sessions still open from a previous business date",
		}),
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"path"},
		),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.salesFinalized,
		m.saleStoreFailures,
		m.sessionsOpened,
		m.sessionsClosed,
		m.closeDifference,
		m.staleFetches,
		m.staleOpenSessions,
		m.httpRequestsTotal,
		m.httpRequestDuration,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SaleFinalized(method string, status string) {
	if m == nil {
		return
	}
	m.salesFinalized.WithLabelValues(method, status).Inc()
}

func (m *Metrics) SaleStoreFailure() {
	if m == nil {
		return
	}
	m.saleStoreFailures.Inc()
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessionsOpened.Inc()
}

// SessionClosed records a close and its total difference in minor units.
func (m *Metrics) SessionClosed(totalDifference int64) {
	if m == nil {
		return
	}
	m.sessionsClosed.Inc()
	m.closeDifference.Observe(float64(totalDifference) / 100)
}

func (m *Metrics) StaleFetch(kind string) {
	if m == nil {
		return
	}
	m.staleFetches.WithLabelValues(kind).Inc()
}

func (m *Metrics) SetStaleOpenSessions(n int) {
	if m == nil {
		return
	}
	m.staleOpenSessions.Set(float64(n))
}

func (m *Metrics) ObserveHTTP(method string, path string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	if path == "" {
		path = "undefined"
	}
	m.httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(path).Observe(elapsed.Seconds())
}
