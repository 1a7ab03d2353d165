package jobmetrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for background jobs.
type Metrics struct {
	runs      *prometheus.CounterVec
	failures  *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	indexSize *prometheus.GaugeVec
	cleaned   *prometheus.CounterVec
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the job metrics against the provided registerer. When the
// registerer is nil the default Prometheus registerer is used.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		defaultOnce.Do(func() {
			defaultMetrics = buildMetrics(prometheus.DefaultRegisterer)
		})
		return defaultMetrics
	}
	return buildMetrics(registerer)
}

// Tracker provides lifecycle instrumentation helpers for a single job run.
type Tracker struct {
	metrics *Metrics
	job     string
	start   time.Time
}

// Track spawns a tracker for the given job name.
func (m *Metrics) Track(job string) *Tracker {
	if m == nil {
		return &Tracker{job: job, start: time.Now()}
	}
	return &Tracker{metrics: m, job: job, start: time.Now()}
}

// End finalises the tracker, recording duration, success/failure counts and
// returning the provided error untouched.
func (t *Tracker) End(err error) error {
	if t == nil || t.metrics == nil || t.job == "" {
		return err
	}
	status := "success"
	if err != nil {
		status = "failure"
		t.metrics.failures.WithLabelValues(t.job).Inc()
	}
	t.metrics.runs.WithLabelValues(t.job, status).Inc()
	t.metrics.duration.WithLabelValues(t.job).Observe(time.Since(t.start).Seconds())
	return err
}

// SetIndexSize records the size of the last delivery index loaded.
func (m *Metrics) SetIndexSize(offers, contacts int) {
	if m == nil {
		return
	}
	m.indexSize.WithLabelValues("offers").Set(float64(offers))
	m.indexSize.WithLabelValues("contacts").Set(float64(contacts))
}

// AddCleaned counts rows removed by a cleanup job.
func (m *Metrics) AddCleaned(job string, rows int64) {
	if m == nil || rows <= 0 {
		return
	}
	m.cleaned.WithLabelValues(job).Add(float64(rows))
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reconciler_jobs_total",
		Help: "Total job executions partitioned by job name and status.",
	}, []string{"job", "status"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reconciler_jobs_failures_total",
		Help: "Total failures observed for background jobs.",
	}, []string{"job"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "reconciler_job_duration_seconds",
		Help:    "Duration in seconds of background job executions.",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})
	indexSize := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "reconciler_delivery_index_entries",
		Help: "Entries in the last loaded delivery index by kind.",
	}, []string{"kind"})
	cleaned := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reconciler_jobs_cleaned_rows_total",
		Help: "Rows removed by cleanup jobs.",
	}, []string{"job"})
	registerer.MustRegister(runs, failures, duration, indexSize, cleaned)
	return &Metrics{runs: runs, failures: failures, duration: duration, indexSize: indexSize, cleaned: cleaned}
}
