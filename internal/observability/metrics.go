package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects the service's Prometheus metrics.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	savesTotal      *prometheus.CounterVec
	saveDuration    *prometheus.HistogramVec
	writeAttempts   *prometheus.CounterVec
}

// NewMetrics initialises the registry with HTTP and reconciliation metrics.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reconciler_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "reconciler_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	saves := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reconciler_delivery_saves_total",
		Help: "Delivery saves by outcome.",
	}, []string{"outcome"})
	saveDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "reconciler_delivery_save_duration_seconds",
		Help:    "Duration of delivery saves including write and read-back.",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"outcome"})
	attempts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reconciler_offer_write_attempts_total",
		Help: "Offer write attempts by strategy and outcome.",
	}, []string{"strategy", "outcome"})
	registry.MustRegister(requests, duration, saves, saveDuration, attempts)
	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:   requests,
		requestDuration: duration,
		savesTotal:      saves,
		saveDuration:    saveDuration,
		writeAttempts:   attempts,
	}
}

// ObserveSave records the outcome of one delivery save.
func (m *Metrics) ObserveSave(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.savesTotal.WithLabelValues(outcome).Inc()
	m.saveDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// ObserveWriteAttempt records one offer write attempt.
func (m *Metrics) ObserveWriteAttempt(strategy, outcome string) {
	if m == nil {
		return
	}
	m.writeAttempts.WithLabelValues(strategy, outcome).Inc()
}

// Handler returns the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records metrics for every HTTP request.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// Registerer exposes the registry for additional collectors.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
