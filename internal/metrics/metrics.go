// Package metrics exposes Prometheus collectors for the shopscout service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	searchesTotal              *prometheus.CounterVec
	antiBotTotal               prometheus.Counter
	tasksTotal                 *prometheus.CounterVec
	pagesInUse                 prometheus.Gauge
	pageResetFailuresTotal     prometheus.Counter
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		searchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shopscout_searches_total",
				Help: "Total keyword searches, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		antiBotTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "shopscout_antibot_detections_total",
				Help: "Total anti-bot redirect detections during search attempts.",
			},
		)

		tasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shopscout_tasks_total",
				Help: "Total task terminal transitions, labeled by status.",
			},
			[]string{"status"},
		)

		pagesInUse = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "shopscout_pages_in_use",
				Help: "Number of browser pages currently leased from the pool.",
			},
		)

		pageResetFailuresTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "shopscout_page_reset_failures_total",
				Help: "Total page resets that failed and forced a page replacement.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveSearch increments the search counter for the given outcome
// ("ok", "empty" or "failed").
func ObserveSearch(outcome string) {
	searchesTotal.WithLabelValues(outcome).Inc()
}

// ObserveAntiBot increments the anti-bot detection counter.
func ObserveAntiBot() {
	antiBotTotal.Inc()
}

// ObserveTask increments the task counter for the given terminal status.
func ObserveTask(status string) {
	tasksTotal.WithLabelValues(status).Inc()
}

// IncPagesInUse increments the leased pages gauge.
func IncPagesInUse() {
	pagesInUse.Inc()
}

// DecPagesInUse decrements the leased pages gauge.
func DecPagesInUse() {
	pagesInUse.Dec()
}

// ObservePageResetFailure increments the page replacement counter.
func ObservePageResetFailure() {
	pageResetFailuresTotal.Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
