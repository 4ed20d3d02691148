// Package metrics provides Prometheus instrumentation for the engine.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics implements service.Metrics on top of a private registry, so tests
// can create as many instances as they like without duplicate registration.
type Metrics struct {
	registry *prometheus.Registry

	tasksSubmitted      prometheus.Counter
	tasksClaimed        prometheus.Counter
	tasksCompleted      prometheus.Counter
	tasksRequeued       prometheus.Counter
	tasksFailed         prometheus.Counter
	recoveryTransitions prometheus.Counter
	runningTasks        prometheus.Gauge

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		tasksSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "gosched_tasks_submitted_total",
			Help: "Total number of tasks accepted by the submit path",
		}),
		tasksClaimed: factory.NewCounter(prometheus.CounterOpts{
			Name: "gosched_tasks_claimed_total",
			Help: "Total number of claim transitions QUEUED->RUNNING",
		}),
		tasksCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "gosched_tasks_completed_total",
			Help: "Total number of tasks completed successfully",
		}),
		tasksRequeued: factory.NewCounter(prometheus.CounterOpts{
			Name: "gosched_tasks_requeued_total",
			Help: "Total number of failed attempts that were requeued",
		}),
		tasksFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "gosched_tasks_failed_total",
			Help: "Total number of tasks that failed terminally",
		}),
		recoveryTransitions: factory.NewCounter(prometheus.CounterOpts{
			Name: "gosched_recovery_transitions_total",
			Help: "Total number of tasks transitioned by lease-expiry sweeps",
		}),
		runningTasks: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gosched_running_tasks",
			Help: "RUNNING tasks holding a valid lease, as last observed by the scheduler",
		}),
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gosched_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gosched_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"method", "endpoint"}),
	}
}

func (m *Metrics) TasksSubmitted(n int)      { m.tasksSubmitted.Add(float64(n)) }
func (m *Metrics) TasksClaimed(n int)        { m.tasksClaimed.Add(float64(n)) }
func (m *Metrics) TaskCompleted()            { m.tasksCompleted.Inc() }
func (m *Metrics) TaskRequeued()             { m.tasksRequeued.Inc() }
func (m *Metrics) TaskFailed()               { m.tasksFailed.Inc() }
func (m *Metrics) RecoveryTransitions(n int) { m.recoveryTransitions.Add(float64(n)) }
func (m *Metrics) SetRunning(n int)          { m.runningTasks.Set(float64(n)) }

// Handler serves the exposition endpoint for this instance's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware records request counts and latency per method and endpoint.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		endpoint := normalizeEndpoint(r.URL.Path)
		m.httpRequests.WithLabelValues(r.Method, endpoint, strconv.Itoa(wrapped.statusCode)).Inc()
		m.httpDuration.WithLabelValues(r.Method, endpoint).Observe(time.Since(start).Seconds())
	})
}

func normalizeEndpoint(path string) string {
	if strings.HasPrefix(path, "/tasks/") && path != "/tasks/batch" {
		return "/tasks/:id"
	}
	return path
}
