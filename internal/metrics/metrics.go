// Package metrics exposes Prometheus collectors for the ingestion service.
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
	intakeSubmissionsTotal     *prometheus.CounterVec
	workerJobsTotal            *prometheus.CounterVec
	workerStageDuration        *prometheus.HistogramVec
	workerActive               prometheus.Gauge
	analyticsFlushTotal        *prometheus.CounterVec
	analyticsRowsTotal         *prometheus.CounterVec
	queueReclaimedTotal        prometheus.Counter
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		intakeSubmissionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "intake_submissions_total",
				Help: "Submissions received by the intake API, labeled by result.",
			},
			[]string{"result"},
		)

		workerJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "worker_jobs_total",
				Help: "Jobs finished by workers, labeled by terminal status.",
			},
			[]string{"status"},
		)

		workerStageDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "worker_stage_duration_seconds",
				Help:    "Time spent in each job stage.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"stage"},
		)

		workerActive = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "worker_active",
				Help: "Number of workers currently processing a job.",
			},
		)

		analyticsFlushTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "analytics_flush_total",
				Help: "Analytics batch flushes, labeled by result.",
			},
			[]string{"result"},
		)

		analyticsRowsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "analytics_rows_total",
				Help: "Rows written to the analytics warehouse, labeled by table.",
			},
			[]string{"table"},
		)

		queueReclaimedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "queue_reclaimed_total",
				Help: "Stalled jobs returned to the waiting list.",
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

// ObserveSubmission counts one intake request by result ("accepted", "rejected", "error").
func ObserveSubmission(result string) {
	Init()
	intakeSubmissionsTotal.WithLabelValues(result).Inc()
}

// ObserveJob increments the job counter for the given status.
func ObserveJob(status string) {
	Init()
	workerJobsTotal.WithLabelValues(status).Inc()
}

// ObserveStage records how long a job spent in stage.
func ObserveStage(stage string, duration time.Duration) {
	Init()
	workerStageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	workerActive.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	workerActive.Dec()
}

// ObserveFlush records one analytics flush attempt for table.
func ObserveFlush(table string, rows int, err error) {
	Init()
	if err != nil {
		analyticsFlushTotal.WithLabelValues("error").Inc()
		return
	}
	analyticsFlushTotal.WithLabelValues("ok").Inc()
	analyticsRowsTotal.WithLabelValues(table).Add(float64(rows))
}

// ObserveReclaimed adds n reclaimed jobs.
func ObserveReclaimed(n int) {
	Init()
	queueReclaimedTotal.Add(float64(n))
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
